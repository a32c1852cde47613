package store

// Every multi-key mutation runs as a single Lua script so concurrent
// replicas and an unlucky SIGKILL can never observe a half-applied
// queue or lock state.

type script struct {
	name string
	text string
}

// claimDueScript reserves a due agent for one replica and pushes its
// schedule score past the lease window so other tick passes skip it.
var claimDueScript = &script{name: "claim_due", text: `
-- KEYS[1] = claim lease key
-- KEYS[2] = schedule zset
-- ARGV[1] = owner JSON
-- ARGV[2] = lease ttl ms
-- ARGV[3] = reschedule score ms (now + ttl)
-- ARGV[4] = queueKey
local ok = redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2])
if not ok then
    return 0
end
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[4])
return 1
`}

// enqueueScript admits a task unless ready+inflight depth is at the
// cap. Payload, owner, and agent-set writes happen before the RPUSH so
// a claimed id always has its payload.
var enqueueScript = &script{name: "enqueue_task", text: `
-- KEYS[1] = ready list
-- KEYS[2] = inflight zset
-- KEYS[3] = payloads hash
-- KEYS[4] = owners hash
-- KEYS[5] = agent tasks set
-- ARGV[1] = task id
-- ARGV[2] = task JSON
-- ARGV[3] = queueKey
-- ARGV[4] = max depth
local depth = redis.call("LLEN", KEYS[1]) + redis.call("ZCARD", KEYS[2])
if depth >= tonumber(ARGV[4]) then
    return 0
end
redis.call("HSET", KEYS[3], ARGV[1], ARGV[2])
redis.call("HSET", KEYS[4], ARGV[1], ARGV[3])
redis.call("SADD", KEYS[5], ARGV[1])
redis.call("RPUSH", KEYS[1], ARGV[1])
return 1
`}

// claimTaskScript pops the oldest ready task into processing and takes
// its execution lease. A missing payload aborts the claim and leaves
// nothing behind.
var claimTaskScript = &script{name: "claim_task", text: `
-- KEYS[1] = ready list
-- KEYS[2] = processing list
-- KEYS[3] = payloads hash
-- KEYS[4] = inflight zset
-- ARGV[1] = owner value
-- ARGV[2] = lease ttl ms
-- ARGV[3] = lease deadline ms (now + ttl)
-- ARGV[4] = exec lease key prefix
local id = redis.call("LPOP", KEYS[1])
if not id then
    return nil
end
redis.call("RPUSH", KEYS[2], id)
local payload = redis.call("HGET", KEYS[3], id)
if not payload then
    redis.call("LREM", KEYS[2], 1, id)
    return nil
end
redis.call("SET", ARGV[4] .. id, ARGV[1], "PX", ARGV[2])
redis.call("ZADD", KEYS[4], ARGV[3], id)
return {id, payload}
`}

// ackTaskScript removes every trace of a task: processing entry,
// inflight score, payload, owner row, agent-set membership, and the
// execution lease.
var ackTaskScript = &script{name: "ack_task", text: `
-- KEYS[1] = processing list
-- KEYS[2] = inflight zset
-- KEYS[3] = payloads hash
-- KEYS[4] = owners hash
-- ARGV[1] = task id
-- ARGV[2] = exec lease key prefix
-- ARGV[3] = agent tasks set prefix
redis.call("LREM", KEYS[1], 1, ARGV[1])
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("HDEL", KEYS[3], ARGV[1])
local owner = redis.call("HGET", KEYS[4], ARGV[1])
if owner then
    redis.call("SREM", ARGV[3] .. owner, ARGV[1])
end
redis.call("HDEL", KEYS[4], ARGV[1])
redis.call("DEL", ARGV[2] .. ARGV[1])
return 1
`}

// requeueExpiredScript returns tasks whose lease vanished to the ready
// list, or drops them when their payload vanished too.
var requeueExpiredScript = &script{name: "requeue_expired", text: `
-- KEYS[1] = inflight zset
-- KEYS[2] = processing list
-- KEYS[3] = ready list
-- KEYS[4] = payloads hash
-- KEYS[5] = owners hash
-- ARGV[1] = now ms
-- ARGV[2] = max ids to inspect
-- ARGV[3] = exec lease key prefix
-- ARGV[4] = agent tasks set prefix
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], 0, ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
local requeued = 0
for _, id in ipairs(ids) do
    if redis.call("EXISTS", ARGV[3] .. id) == 0 then
        redis.call("ZREM", KEYS[1], id)
        redis.call("LREM", KEYS[2], 1, id)
        if redis.call("HEXISTS", KEYS[4], id) == 1 then
            redis.call("RPUSH", KEYS[3], id)
            requeued = requeued + 1
        else
            local owner = redis.call("HGET", KEYS[5], id)
            if owner then
                redis.call("SREM", ARGV[4] .. owner, id)
            end
            redis.call("HDEL", KEYS[5], id)
        end
    end
end
return requeued
`}

// restoreOrphanScript repairs one processing entry found during boot
// recovery. Returns 1 when restored to ready, -1 when dropped for a
// missing payload, 0 when a live lease says another worker owns it.
var restoreOrphanScript = &script{name: "restore_orphan", text: `
-- KEYS[1] = processing list
-- KEYS[2] = inflight zset
-- KEYS[3] = ready list
-- KEYS[4] = payloads hash
-- KEYS[5] = owners hash
-- ARGV[1] = task id
-- ARGV[2] = exec lease key prefix
-- ARGV[3] = agent tasks set prefix
if redis.call("EXISTS", ARGV[2] .. ARGV[1]) == 1 then
    return 0
end
redis.call("LREM", KEYS[1], 0, ARGV[1])
redis.call("ZREM", KEYS[2], ARGV[1])
if redis.call("HEXISTS", KEYS[4], ARGV[1]) == 1 then
    redis.call("LREM", KEYS[3], 0, ARGV[1])
    redis.call("RPUSH", KEYS[3], ARGV[1])
    return 1
end
local owner = redis.call("HGET", KEYS[5], ARGV[1])
if owner then
    redis.call("SREM", ARGV[3] .. owner, ARGV[1])
end
redis.call("HDEL", KEYS[5], ARGV[1])
return -1
`}

// removeAgentTasksScript purges an agent's queue entries, skipping ids
// with a live execution lease and pruning stale set members whose
// owner row moved on.
var removeAgentTasksScript = &script{name: "remove_agent_tasks", text: `
-- KEYS[1] = ready list
-- KEYS[2] = processing list
-- KEYS[3] = inflight zset
-- KEYS[4] = payloads hash
-- KEYS[5] = owners hash
-- KEYS[6] = agent tasks set
-- ARGV[1] = queueKey
-- ARGV[2] = exec lease key prefix
local ids = redis.call("SMEMBERS", KEYS[6])
local removed = 0
for _, id in ipairs(ids) do
    local owner = redis.call("HGET", KEYS[5], id)
    if owner == ARGV[1] then
        if redis.call("EXISTS", ARGV[2] .. id) == 0 then
            redis.call("LREM", KEYS[1], 1, id)
            redis.call("LREM", KEYS[2], 1, id)
            redis.call("ZREM", KEYS[3], id)
            redis.call("HDEL", KEYS[4], id)
            redis.call("HDEL", KEYS[5], id)
            redis.call("SREM", KEYS[6], id)
            removed = removed + 1
        end
    else
        redis.call("SREM", KEYS[6], id)
    end
end
return removed
`}

// acquireLeaderScript takes the leader lock with a freshly incremented
// fence. The fence counter is a separate durable key so it keeps
// rising across lock expiries.
var acquireLeaderScript = &script{name: "acquire_leader", text: `
-- KEYS[1] = leader lock
-- KEYS[2] = leader fence counter
-- ARGV[1] = token
-- ARGV[2] = instance id
-- ARGV[3] = ttl ms
if redis.call("EXISTS", KEYS[1]) == 1 then
    return {0, 0}
end
local fence = redis.call("INCR", KEYS[2])
redis.call("SET", KEYS[1], ARGV[1] .. "|" .. fence .. "|" .. ARGV[2], "PX", ARGV[3])
return {1, fence}
`}

// renewLeaderScript extends the lock TTL only while the stored value
// matches what this replica wrote.
var renewLeaderScript = &script{name: "renew_leader", text: `
-- KEYS[1] = leader lock
-- ARGV[1] = expected value
-- ARGV[2] = ttl ms
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`}

// releaseIfValueScript deletes a lock-style key only while the caller
// still owns it. Shared by the leader lock, due-agent claims, and
// dedupe leases.
var releaseIfValueScript = &script{name: "release_if_value", text: `
-- KEYS[1] = lock key
-- ARGV[1] = expected value
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`}

// beginDedupeScript answers whether a callback should be sent: no done
// marker and the lease newly taken.
var beginDedupeScript = &script{name: "begin_dedupe", text: `
-- KEYS[1] = done marker
-- KEYS[2] = lease key
-- ARGV[1] = lease token
-- ARGV[2] = lease ttl ms
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
if redis.call("SET", KEYS[2], ARGV[1], "NX", "PX", ARGV[2]) then
    return 1
end
return 0
`}

// completeDedupeScript promotes a held lease into a done marker.
var completeDedupeScript = &script{name: "complete_dedupe", text: `
-- KEYS[1] = lease key
-- KEYS[2] = done marker
-- ARGV[1] = lease token
-- ARGV[2] = done ttl ms
if redis.call("GET", KEYS[1]) == ARGV[1] then
    redis.call("SET", KEYS[2], "1", "PX", ARGV[2])
    redis.call("DEL", KEYS[1])
    return 1
end
return 0
`}

// observeFenceScript compares a received fence token against the per
// agent high water mark, advancing it when strictly higher.
var observeFenceScript = &script{name: "observe_fence", text: `
-- KEYS[1] = fence key
-- ARGV[1] = received fence
local rec = tonumber(ARGV[1])
local cur = redis.call("GET", KEYS[1])
if cur then
    cur = tonumber(cur)
    if rec < cur then
        return {0, cur}
    end
    if rec > cur then
        redis.call("SET", KEYS[1], ARGV[1])
        return {1, rec}
    end
    return {1, cur}
end
redis.call("SET", KEYS[1], ARGV[1])
return {1, rec}
`}

// quotaIncrScript bumps a fixed-window counter, arming its expiry on
// first use so abandoned windows clean themselves up.
var quotaIncrScript = &script{name: "quota_incr", text: `
-- KEYS[1] = window counter
-- ARGV[1] = window ms
local n = redis.call("INCR", KEYS[1])
if n == 1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`}

// allScripts is preloaded at connect time so steady-state calls ride
// EVALSHA.
var allScripts = []*script{
	claimDueScript,
	enqueueScript,
	claimTaskScript,
	ackTaskScript,
	requeueExpiredScript,
	restoreOrphanScript,
	removeAgentTasksScript,
	acquireLeaderScript,
	renewLeaderScript,
	releaseIfValueScript,
	beginDedupeScript,
	completeDedupeScript,
	observeFenceScript,
	quotaIncrScript,
}
