// Package store is the shared-state layer behind the scheduler and the
// callback consumer. Two implementations exist: RedisStore for real
// deployments and MemoryStore as the single-process fallback. Every
// multi-key mutation is atomic in both: redis runs a Lua script, the
// memory store holds one mutex across the same steps.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps backend outages so callers can choose their
// fail-open or fail-closed posture per concern.
var ErrUnavailable = errors.New("store unavailable")

// KV is the small string key/value surface used for idempotency marks,
// receipts, and other single-key state.
type KV interface {
	// Get returns "" with a nil error when the key is absent.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX returns true when the key was newly created.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
}

// AgentStore persists agent records keyed by queueKey.
type AgentStore interface {
	UpsertAgent(ctx context.Context, a *Agent) error
	// GetAgent returns (nil, nil) when the agent does not exist.
	GetAgent(ctx context.Context, queueKey string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	DeleteAgent(ctx context.Context, queueKey string) error
	CountAgents(ctx context.Context) (int64, error)
}

// ScheduleStore maintains the due index and per-agent claim leases.
type ScheduleStore interface {
	ScheduleAgent(ctx context.Context, queueKey string, at time.Time) error
	UnscheduleAgent(ctx context.Context, queueKey string) error
	// DueAgents returns up to limit queue keys scored at or before now,
	// lowest score first.
	DueAgents(ctx context.Context, now time.Time, limit int64) ([]string, error)
	// ClaimDueAgent takes the short claim lease and pushes the agent's
	// schedule score to now+leaseTTL in the same atomic step. False
	// means another replica holds the claim.
	ClaimDueAgent(ctx context.Context, queueKey, owner string, leaseTTL time.Duration) (bool, error)
	// ReleaseDueClaim drops the claim lease if owner still holds it.
	ReleaseDueClaim(ctx context.Context, queueKey, owner string) error
}

// TaskQueueStore is the durable cycle-task queue.
type TaskQueueStore interface {
	// EnqueueTask returns false when ready+inflight depth is at maxDepth.
	EnqueueTask(ctx context.Context, t *CycleTask, maxDepth int64) (bool, error)
	// ClaimTask pops the oldest ready task, moves it to processing, and
	// takes its execution lease. (nil, nil) means the queue is empty.
	ClaimTask(ctx context.Context, owner string, leaseTTL time.Duration) (*CycleTask, error)
	// AckTask removes every trace of the task regardless of outcome.
	AckTask(ctx context.Context, taskID string) error
	// RequeueExpired returns expired-lease tasks to ready, up to limit.
	RequeueExpired(ctx context.Context, limit int64) (int64, error)
	// RecoverQueue repairs the queue after an unclean shutdown.
	RecoverQueue(ctx context.Context) (QueueRecovery, error)
	// RemoveAgentTasks purges an agent's tasks except those under a
	// live execution lease.
	RemoveAgentTasks(ctx context.Context, queueKey string) (int64, error)
	QueueDepths(ctx context.Context) (QueueDepths, error)
}

// LeaderStore backs the fenced leader lock.
type LeaderStore interface {
	// AcquireLeader increments the durable fence and writes
	// "<token>|<fence>|<instanceId>" under TTL, if the lock is free.
	AcquireLeader(ctx context.Context, token, instanceID string, ttl time.Duration) (fence int64, acquired bool, err error)
	// RenewLeader extends the TTL only while value matches exactly.
	RenewLeader(ctx context.Context, value string, ttl time.Duration) (bool, error)
	// ReleaseLeader deletes the lock only while value matches exactly.
	ReleaseLeader(ctx context.Context, value string) (bool, error)
	// LeaderValue returns the raw lock value, "" when vacant.
	LeaderValue(ctx context.Context) (string, error)
}

// DedupeStore backs the callback idempotency envelope. Keys are fully
// qualified; the dedupe package owns their construction.
type DedupeStore interface {
	// BeginDedupe returns true when the caller should send: no done
	// marker exists and the lease was newly taken with token.
	BeginDedupe(ctx context.Context, doneKey, leaseKey, token string, leaseTTL time.Duration) (bool, error)
	// CompleteDedupe promotes the lease to a done marker, only while
	// the lease still carries token.
	CompleteDedupe(ctx context.Context, leaseKey, doneKey, token string, doneTTL time.Duration) (bool, error)
	// ReleaseDedupe drops the lease if token still owns it.
	ReleaseDedupe(ctx context.Context, leaseKey, token string) error
}

// FenceStore records the highest fence token seen per agent key.
type FenceStore interface {
	// ObserveFence atomically compares fence against the stored high
	// water mark, advancing it when higher and rejecting when lower.
	ObserveFence(ctx context.Context, key string, fence int64) (FenceResult, error)
	// Fences snapshots every observed agent key and its current token.
	Fences(ctx context.Context) (map[string]int64, error)
}

// QuotaStore counts requests in fixed windows.
type QuotaStore interface {
	// IncrWindow bumps the counter and sets its expiry on first use.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Store is the full shared-state surface.
type Store interface {
	KV
	AgentStore
	ScheduleStore
	TaskQueueStore
	LeaderStore
	DedupeStore
	FenceStore
	QuotaStore

	Ping(ctx context.Context) error
	Close() error
}
