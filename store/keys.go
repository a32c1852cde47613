package store

import (
	"fmt"
	"time"
)

// Default key prefixes per service.
const (
	DefaultSchedulerPrefix = "forgeos.scheduler"
	DefaultConsumerPrefix  = "forgeos.consumer"
)

// Keys computes every redis key the services touch, so the full layout
// is visible in one place and prefix collisions are impossible to write
// by hand.
type Keys struct {
	Prefix string
}

// NewKeys builds a key layout under prefix, falling back to the
// scheduler default when empty.
func NewKeys(prefix string) Keys {
	if prefix == "" {
		prefix = DefaultSchedulerPrefix
	}
	return Keys{Prefix: prefix}
}

func (k Keys) key(suffix string) string { return k.Prefix + ":" + suffix }

// Agents is the hash of queueKey -> agent JSON.
func (k Keys) Agents() string { return k.key("agents") }

// Schedule is the due-index zset of queueKey scored by nextRunAt ms.
func (k Keys) Schedule() string { return k.key("agent_schedule") }

// QueueReady is the list of task ids awaiting claim.
func (k Keys) QueueReady() string { return k.key("cycle_queue") }

// QueueProcessing is the list of task ids claimed by workers.
func (k Keys) QueueProcessing() string { return k.key("cycle_queue_processing") }

// QueuePayloads is the hash of task id -> task JSON.
func (k Keys) QueuePayloads() string { return k.key("cycle_queue_payloads") }

// QueueInflight is the zset of task id scored by lease deadline ms.
func (k Keys) QueueInflight() string { return k.key("cycle_queue_inflight") }

// TaskOwners is the hash of task id -> queueKey.
func (k Keys) TaskOwners() string { return k.key("cycle_queue_task_owners") }

// AgentLease is the short claim lease taken when a due agent is
// reserved for enqueueing.
func (k Keys) AgentLease(queueKey string) string { return k.key("lease:" + queueKey) }

// ExecLease is the per-task execution lease.
func (k Keys) ExecLease(taskID string) string { return k.key("exec_lease:" + taskID) }

// ExecLeasePrefix is handed to Lua scripts that derive lease keys from
// task ids.
func (k Keys) ExecLeasePrefix() string { return k.key("exec_lease:") }

// AgentTasks is the set of task ids owned by one agent.
func (k Keys) AgentTasks(queueKey string) string { return k.key("exec_agent_tasks:" + queueKey) }

// AgentTasksPrefix is handed to Lua scripts that derive set names from
// queue keys.
func (k Keys) AgentTasksPrefix() string { return k.key("exec_agent_tasks:") }

// LeaderLock holds "<token>|<fence>|<instanceId>" while a leader lives.
func (k Keys) LeaderLock() string { return k.key("leader_lock") }

// LeaderFence is the monotonic fence counter. It survives lock expiry.
func (k Keys) LeaderFence() string { return k.key("leader_fence") }

// DedupeDone marks a callback idempotency key as completed.
func (k Keys) DedupeDone(idemKey string) string {
	return k.key("callback_dedupe:" + idemKey + ":done")
}

// DedupeLease marks a callback idempotency key as in flight.
func (k Keys) DedupeLease(idemKey string) string {
	return k.key("callback_dedupe:" + idemKey + ":lease")
}

// Quota is a fixed-window counter for one subject and verb bucket.
func (k Keys) Quota(subject, bucket string, window time.Time) string {
	return k.key(fmt.Sprintf("quota:%s:%s:%d", subject, bucket, window.UnixMilli()))
}

// Consumer-side keys. The callback consumer runs with its own prefix
// so a colocated redis can serve both services.

// Idem marks a consumed callback idempotency key.
func (k Keys) Idem(key string) string { return k.key("idem:" + key) }

// Fence is the highest fence token observed for one agent key.
func (k Keys) Fence(agentKey string) string { return k.key("fence:" + agentKey) }

// FencePrefix lets callers enumerate fence keys.
func (k Keys) FencePrefix() string { return k.key("fence:") }

// Receipt is the persistent copy of one execution receipt.
func (k Keys) Receipt(txid string) string { return k.key("receipt:" + txid) }
