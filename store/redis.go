package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/forgeos-labs/forgeos/observability"
)

// RedisStore is the production Store backed by a single redis client.
// All scripts are preloaded at connect time; NOSCRIPT after a server
// restart triggers a transparent reload.
type RedisStore struct {
	client  *redis.Client
	keys    Keys
	metrics *observability.StoreMetrics

	mu   sync.Mutex
	shas map[string]string
}

// NewRedisStore dials url (redis://...) and verifies the connection.
func NewRedisStore(ctx context.Context, url string, keys Keys, metrics *observability.StoreMetrics) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStoreFromClient(ctx, client, keys, metrics), nil
}

// NewRedisStoreFromClient wraps an existing client. Used by tests that
// point at miniredis.
func NewRedisStoreFromClient(ctx context.Context, client *redis.Client, keys Keys, metrics *observability.StoreMetrics) *RedisStore {
	s := &RedisStore{
		client:  client,
		keys:    keys,
		metrics: metrics,
		shas:    make(map[string]string, len(allScripts)),
	}
	for _, sc := range allScripts {
		if sha, err := client.ScriptLoad(ctx, sc.text).Result(); err == nil {
			s.shas[sc.name] = sha
		}
	}
	return s
}

// Keys exposes the layout this store was built with.
func (s *RedisStore) Keys() Keys { return s.keys }

func (s *RedisStore) sha(sc *script) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shas[sc.name]
}

func (s *RedisStore) setSha(sc *script, sha string) {
	s.mu.Lock()
	s.shas[sc.name] = sha
	s.mu.Unlock()
}

// eval runs a script by SHA, reloading once on NOSCRIPT and falling
// back to plain EVAL when the load itself fails.
func (s *RedisStore) eval(ctx context.Context, sc *script, keys []string, args ...any) (any, error) {
	if sha := s.sha(sc); sha != "" {
		res, err := s.client.EvalSha(ctx, sha, keys, args...).Result()
		if err == nil || !redis.HasErrorPrefix(err, "NOSCRIPT") {
			return res, err
		}
	}
	sha, err := s.client.ScriptLoad(ctx, sc.text).Result()
	if err != nil {
		return s.client.Eval(ctx, sc.text, keys, args...).Result()
	}
	s.setSha(sc, sha)
	return s.client.EvalSha(ctx, sha, keys, args...).Result()
}

// observe records the op outcome; redis.Nil is a miss, not a failure.
func (s *RedisStore) observe(op string, err error) {
	if errors.Is(err, redis.Nil) {
		err = nil
	}
	s.metrics.Observe(op, err)
}

func asInt64(v any) int64 {
	n, _ := v.(int64)
	return n
}

func asInt64Pair(v any) (int64, int64) {
	arr, ok := v.([]any)
	if !ok || len(arr) != 2 {
		return 0, 0
	}
	return asInt64(arr[0]), asInt64(arr[1])
}

// --- KV ---

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	s.observe("get", err)
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	err := s.client.Set(ctx, key, value, ttl).Err()
	s.observe("set", err)
	return err
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	s.observe("setnx", err)
	return ok, err
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	err := s.client.Del(ctx, keys...).Err()
	s.observe("del", err)
	return err
}

// --- agents ---

func (s *RedisStore) UpsertAgent(ctx context.Context, a *Agent) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal agent: %w", err)
	}
	err = s.client.HSet(ctx, s.keys.Agents(), a.QueueKey(), string(data)).Err()
	s.observe("agent_upsert", err)
	return err
}

func (s *RedisStore) GetAgent(ctx context.Context, queueKey string) (*Agent, error) {
	raw, err := s.client.HGet(ctx, s.keys.Agents(), queueKey).Result()
	s.observe("agent_get", err)
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var a Agent
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, fmt.Errorf("unmarshal agent %s: %w", queueKey, err)
	}
	return &a, nil
}

func (s *RedisStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.client.HGetAll(ctx, s.keys.Agents()).Result()
	s.observe("agent_list", err)
	if err != nil {
		return nil, err
	}
	agents := make([]*Agent, 0, len(rows))
	for queueKey, raw := range rows {
		var a Agent
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, fmt.Errorf("unmarshal agent %s: %w", queueKey, err)
		}
		agents = append(agents, &a)
	}
	return agents, nil
}

func (s *RedisStore) DeleteAgent(ctx context.Context, queueKey string) error {
	err := s.client.HDel(ctx, s.keys.Agents(), queueKey).Err()
	s.observe("agent_delete", err)
	return err
}

func (s *RedisStore) CountAgents(ctx context.Context) (int64, error) {
	n, err := s.client.HLen(ctx, s.keys.Agents()).Result()
	s.observe("agent_count", err)
	return n, err
}

// --- schedule ---

func (s *RedisStore) ScheduleAgent(ctx context.Context, queueKey string, at time.Time) error {
	err := s.client.ZAdd(ctx, s.keys.Schedule(), redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: queueKey,
	}).Err()
	s.observe("schedule_add", err)
	return err
}

func (s *RedisStore) UnscheduleAgent(ctx context.Context, queueKey string) error {
	err := s.client.ZRem(ctx, s.keys.Schedule(), queueKey).Err()
	s.observe("schedule_rem", err)
	return err
}

func (s *RedisStore) DueAgents(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	keys, err := s.client.ZRangeByScore(ctx, s.keys.Schedule(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
	s.observe("schedule_due", err)
	return keys, err
}

func (s *RedisStore) ClaimDueAgent(ctx context.Context, queueKey, owner string, leaseTTL time.Duration) (bool, error) {
	rescore := time.Now().Add(leaseTTL).UnixMilli()
	res, err := s.eval(ctx, claimDueScript,
		[]string{s.keys.AgentLease(queueKey), s.keys.Schedule()},
		owner, leaseTTL.Milliseconds(), rescore, queueKey,
	)
	s.observe("schedule_claim", err)
	if err != nil {
		return false, err
	}
	return asInt64(res) == 1, nil
}

func (s *RedisStore) ReleaseDueClaim(ctx context.Context, queueKey, owner string) error {
	_, err := s.eval(ctx, releaseIfValueScript, []string{s.keys.AgentLease(queueKey)}, owner)
	s.observe("schedule_claim_release", err)
	return err
}

// --- task queue ---

func (s *RedisStore) EnqueueTask(ctx context.Context, t *CycleTask, maxDepth int64) (bool, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return false, fmt.Errorf("marshal task: %w", err)
	}
	res, err := s.eval(ctx, enqueueScript,
		[]string{
			s.keys.QueueReady(),
			s.keys.QueueInflight(),
			s.keys.QueuePayloads(),
			s.keys.TaskOwners(),
			s.keys.AgentTasks(t.QueueKey),
		},
		t.ID, string(data), t.QueueKey, maxDepth,
	)
	s.observe("queue_enqueue", err)
	if err != nil {
		return false, err
	}
	return asInt64(res) == 1, nil
}

func (s *RedisStore) ClaimTask(ctx context.Context, owner string, leaseTTL time.Duration) (*CycleTask, error) {
	deadline := time.Now().Add(leaseTTL).UnixMilli()
	res, err := s.eval(ctx, claimTaskScript,
		[]string{
			s.keys.QueueReady(),
			s.keys.QueueProcessing(),
			s.keys.QueuePayloads(),
			s.keys.QueueInflight(),
		},
		owner, leaseTTL.Milliseconds(), deadline, s.keys.ExecLeasePrefix(),
	)
	s.observe("queue_claim", err)
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	arr, ok := res.([]any)
	if !ok || len(arr) != 2 {
		return nil, nil
	}
	id, _ := arr[0].(string)
	payload, _ := arr[1].(string)
	var task CycleTask
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		// Poison entry: purge it so the queue keeps moving.
		_ = s.AckTask(ctx, id)
		return nil, fmt.Errorf("corrupt task payload %s: %w", id, err)
	}
	return &task, nil
}

func (s *RedisStore) AckTask(ctx context.Context, taskID string) error {
	_, err := s.eval(ctx, ackTaskScript,
		[]string{
			s.keys.QueueProcessing(),
			s.keys.QueueInflight(),
			s.keys.QueuePayloads(),
			s.keys.TaskOwners(),
		},
		taskID, s.keys.ExecLeasePrefix(), s.keys.AgentTasksPrefix(),
	)
	s.observe("queue_ack", err)
	return err
}

func (s *RedisStore) RequeueExpired(ctx context.Context, limit int64) (int64, error) {
	res, err := s.eval(ctx, requeueExpiredScript,
		[]string{
			s.keys.QueueInflight(),
			s.keys.QueueProcessing(),
			s.keys.QueueReady(),
			s.keys.QueuePayloads(),
			s.keys.TaskOwners(),
		},
		time.Now().UnixMilli(), limit, s.keys.ExecLeasePrefix(), s.keys.AgentTasksPrefix(),
	)
	s.observe("queue_requeue_expired", err)
	if err != nil {
		return 0, err
	}
	return asInt64(res), nil
}

func (s *RedisStore) RecoverQueue(ctx context.Context) (QueueRecovery, error) {
	var rec QueueRecovery

	payloads, err := s.client.HGetAll(ctx, s.keys.QueuePayloads()).Result()
	s.observe("queue_recover_scan", err)
	if err != nil {
		return rec, err
	}
	for id, raw := range payloads {
		var task CycleTask
		if err := json.Unmarshal([]byte(raw), &task); err != nil || task.QueueKey == "" {
			if err := s.AckTask(ctx, id); err != nil {
				return rec, err
			}
			rec.Dropped++
			continue
		}
		added, err := s.client.HSetNX(ctx, s.keys.TaskOwners(), id, task.QueueKey).Result()
		if err != nil {
			s.observe("queue_recover_owner", err)
			return rec, err
		}
		if added {
			rec.OwnersRebuilt++
		}
		if err := s.client.SAdd(ctx, s.keys.AgentTasks(task.QueueKey), id).Err(); err != nil {
			s.observe("queue_recover_owner", err)
			return rec, err
		}
	}

	processing, err := s.client.LRange(ctx, s.keys.QueueProcessing(), 0, -1).Result()
	s.observe("queue_recover_processing", err)
	if err != nil {
		return rec, err
	}
	for _, id := range processing {
		res, err := s.eval(ctx, restoreOrphanScript,
			[]string{
				s.keys.QueueProcessing(),
				s.keys.QueueInflight(),
				s.keys.QueueReady(),
				s.keys.QueuePayloads(),
				s.keys.TaskOwners(),
			},
			id, s.keys.ExecLeasePrefix(), s.keys.AgentTasksPrefix(),
		)
		if err != nil {
			s.observe("queue_recover_restore", err)
			return rec, err
		}
		switch asInt64(res) {
		case 1:
			rec.Restored++
		case -1:
			rec.Dropped++
		default:
			rec.LeasedAtBoot++
		}
	}

	requeued, err := s.RequeueExpired(ctx, 1024)
	if err != nil {
		return rec, err
	}
	rec.Requeued = requeued
	return rec, nil
}

func (s *RedisStore) RemoveAgentTasks(ctx context.Context, queueKey string) (int64, error) {
	res, err := s.eval(ctx, removeAgentTasksScript,
		[]string{
			s.keys.QueueReady(),
			s.keys.QueueProcessing(),
			s.keys.QueueInflight(),
			s.keys.QueuePayloads(),
			s.keys.TaskOwners(),
			s.keys.AgentTasks(queueKey),
		},
		queueKey, s.keys.ExecLeasePrefix(),
	)
	s.observe("queue_remove_agent", err)
	if err != nil {
		return 0, err
	}
	return asInt64(res), nil
}

func (s *RedisStore) QueueDepths(ctx context.Context) (QueueDepths, error) {
	var d QueueDepths
	var err error
	if d.Ready, err = s.client.LLen(ctx, s.keys.QueueReady()).Result(); err != nil {
		s.observe("queue_depths", err)
		return d, err
	}
	if d.Processing, err = s.client.LLen(ctx, s.keys.QueueProcessing()).Result(); err != nil {
		s.observe("queue_depths", err)
		return d, err
	}
	d.Inflight, err = s.client.ZCard(ctx, s.keys.QueueInflight()).Result()
	s.observe("queue_depths", err)
	return d, err
}

// --- leader ---

func (s *RedisStore) AcquireLeader(ctx context.Context, token, instanceID string, ttl time.Duration) (int64, bool, error) {
	res, err := s.eval(ctx, acquireLeaderScript,
		[]string{s.keys.LeaderLock(), s.keys.LeaderFence()},
		token, instanceID, ttl.Milliseconds(),
	)
	s.observe("leader_acquire", err)
	if err != nil {
		return 0, false, err
	}
	ok, fence := asInt64Pair(res)
	return fence, ok == 1, nil
}

func (s *RedisStore) RenewLeader(ctx context.Context, value string, ttl time.Duration) (bool, error) {
	res, err := s.eval(ctx, renewLeaderScript, []string{s.keys.LeaderLock()}, value, ttl.Milliseconds())
	s.observe("leader_renew", err)
	if err != nil {
		return false, err
	}
	return asInt64(res) == 1, nil
}

func (s *RedisStore) ReleaseLeader(ctx context.Context, value string) (bool, error) {
	res, err := s.eval(ctx, releaseIfValueScript, []string{s.keys.LeaderLock()}, value)
	s.observe("leader_release", err)
	if err != nil {
		return false, err
	}
	return asInt64(res) == 1, nil
}

func (s *RedisStore) LeaderValue(ctx context.Context) (string, error) {
	return s.Get(ctx, s.keys.LeaderLock())
}

// --- dedupe ---

func (s *RedisStore) BeginDedupe(ctx context.Context, doneKey, leaseKey, token string, leaseTTL time.Duration) (bool, error) {
	res, err := s.eval(ctx, beginDedupeScript, []string{doneKey, leaseKey}, token, leaseTTL.Milliseconds())
	s.observe("dedupe_begin", err)
	if err != nil {
		return false, err
	}
	return asInt64(res) == 1, nil
}

func (s *RedisStore) CompleteDedupe(ctx context.Context, leaseKey, doneKey, token string, doneTTL time.Duration) (bool, error) {
	res, err := s.eval(ctx, completeDedupeScript, []string{leaseKey, doneKey}, token, doneTTL.Milliseconds())
	s.observe("dedupe_complete", err)
	if err != nil {
		return false, err
	}
	return asInt64(res) == 1, nil
}

func (s *RedisStore) ReleaseDedupe(ctx context.Context, leaseKey, token string) error {
	_, err := s.eval(ctx, releaseIfValueScript, []string{leaseKey}, token)
	s.observe("dedupe_release", err)
	return err
}

// --- fences ---

func (s *RedisStore) ObserveFence(ctx context.Context, key string, fence int64) (FenceResult, error) {
	res, err := s.eval(ctx, observeFenceScript, []string{key}, fence)
	s.observe("fence_observe", err)
	if err != nil {
		return FenceResult{}, err
	}
	ok, cur := asInt64Pair(res)
	return FenceResult{Accepted: ok == 1, Current: cur, Received: fence}, nil
}

func (s *RedisStore) Fences(ctx context.Context) (map[string]int64, error) {
	prefix := s.keys.FencePrefix()
	out := make(map[string]int64)
	iter := s.client.Scan(ctx, 0, prefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			s.observe("fence_scan", err)
			return nil, err
		}
		fence, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		out[key[len(prefix):]] = fence
	}
	if err := iter.Err(); err != nil {
		s.observe("fence_scan", err)
		return nil, err
	}
	s.observe("fence_scan", nil)
	return out, nil
}

// --- quota ---

func (s *RedisStore) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	res, err := s.eval(ctx, quotaIncrScript, []string{key}, window.Milliseconds())
	s.observe("quota_incr", err)
	if err != nil {
		return 0, err
	}
	return asInt64(res), nil
}

// --- lifecycle ---

func (s *RedisStore) Ping(ctx context.Context) error {
	err := s.client.Ping(ctx).Err()
	s.observe("ping", err)
	return err
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
