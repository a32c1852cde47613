package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps the whole shared state in process memory. It is
// the fallback when no redis URL is configured and the workhorse for
// unit tests. Every method takes the one mutex for its full duration,
// which preserves the atomicity the redis scripts provide.
type MemoryStore struct {
	keys Keys
	now  func() time.Time

	mu         sync.Mutex
	kv         map[string]memVal
	agents     map[string]string
	schedule   map[string]int64
	ready      []string
	processing []string
	inflight   map[string]int64
	payloads   map[string]string
	owners     map[string]string
	agentTasks map[string]map[string]bool
	fence      int64
	quota      map[string]quotaCell
}

type memVal struct {
	value     string
	expiresAt time.Time
}

type quotaCell struct {
	count    int64
	resetsAt time.Time
}

// NewMemoryStore builds an empty in-memory store under the given key
// layout.
func NewMemoryStore(keys Keys) *MemoryStore {
	return &MemoryStore{
		keys:       keys,
		now:        time.Now,
		kv:         make(map[string]memVal),
		agents:     make(map[string]string),
		schedule:   make(map[string]int64),
		inflight:   make(map[string]int64),
		payloads:   make(map[string]string),
		owners:     make(map[string]string),
		agentTasks: make(map[string]map[string]bool),
		quota:      make(map[string]quotaCell),
	}
}

// Keys exposes the layout this store was built with.
func (s *MemoryStore) Keys() Keys { return s.keys }

// live returns the value at key, honoring lazy expiry. Caller holds mu.
func (s *MemoryStore) live(key string) (string, bool) {
	v, ok := s.kv[key]
	if !ok {
		return "", false
	}
	if !v.expiresAt.IsZero() && !s.now().Before(v.expiresAt) {
		delete(s.kv, key)
		return "", false
	}
	return v.value, true
}

func (s *MemoryStore) put(key, value string, ttl time.Duration) {
	v := memVal{value: value}
	if ttl > 0 {
		v.expiresAt = s.now().Add(ttl)
	}
	s.kv[key] = v
}

// --- KV ---

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	val, _ := s.live(key)
	return val, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(key, value, ttl)
	return nil
}

func (s *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.put(key, value, ttl)
	return true, nil
}

func (s *MemoryStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.kv, k)
	}
	return nil
}

// --- agents ---

func (s *MemoryStore) UpsertAgent(_ context.Context, a *Agent) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal agent: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.QueueKey()] = string(data)
	return nil
}

func (s *MemoryStore) GetAgent(_ context.Context, queueKey string) (*Agent, error) {
	s.mu.Lock()
	raw, ok := s.agents[queueKey]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	var a Agent
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, fmt.Errorf("unmarshal agent %s: %w", queueKey, err)
	}
	return &a, nil
}

func (s *MemoryStore) ListAgents(_ context.Context) ([]*Agent, error) {
	s.mu.Lock()
	rows := make(map[string]string, len(s.agents))
	for k, v := range s.agents {
		rows[k] = v
	}
	s.mu.Unlock()

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

func (s *MemoryStore) DeleteAgent(_ context.Context, queueKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, queueKey)
	return nil
}

func (s *MemoryStore) CountAgents(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.agents)), nil
}

// --- schedule ---

func (s *MemoryStore) ScheduleAgent(_ context.Context, queueKey string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedule[queueKey] = at.UnixMilli()
	return nil
}

func (s *MemoryStore) UnscheduleAgent(_ context.Context, queueKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.schedule, queueKey)
	return nil
}

func (s *MemoryStore) DueAgents(_ context.Context, now time.Time, limit int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nowMs := now.UnixMilli()
	type row struct {
		key   string
		score int64
	}
	var due []row
	for key, score := range s.schedule {
		if score <= nowMs {
			due = append(due, row{key, score})
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].score != due[j].score {
			return due[i].score < due[j].score
		}
		return due[i].key < due[j].key
	})
	if limit > 0 && int64(len(due)) > limit {
		due = due[:limit]
	}
	keys := make([]string, len(due))
	for i, r := range due {
		keys[i] = r.key
	}
	return keys, nil
}

func (s *MemoryStore) ClaimDueAgent(_ context.Context, queueKey, owner string, leaseTTL time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	leaseKey := s.keys.AgentLease(queueKey)
	if _, held := s.live(leaseKey); held {
		return false, nil
	}
	s.put(leaseKey, owner, leaseTTL)
	s.schedule[queueKey] = s.now().Add(leaseTTL).UnixMilli()
	return true, nil
}

func (s *MemoryStore) ReleaseDueClaim(_ context.Context, queueKey, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	leaseKey := s.keys.AgentLease(queueKey)
	if val, held := s.live(leaseKey); held && val == owner {
		delete(s.kv, leaseKey)
	}
	return nil
}

// --- task queue ---

func (s *MemoryStore) EnqueueTask(_ context.Context, t *CycleTask, maxDepth int64) (bool, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return false, fmt.Errorf("marshal task: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if int64(len(s.ready)+len(s.inflight)) >= maxDepth {
		return false, nil
	}
	s.payloads[t.ID] = string(data)
	s.owners[t.ID] = t.QueueKey
	if s.agentTasks[t.QueueKey] == nil {
		s.agentTasks[t.QueueKey] = make(map[string]bool)
	}
	s.agentTasks[t.QueueKey][t.ID] = true
	s.ready = append(s.ready, t.ID)
	return true, nil
}

func (s *MemoryStore) ClaimTask(_ context.Context, owner string, leaseTTL time.Duration) (*CycleTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ready) == 0 {
		return nil, nil
	}
	id := s.ready[0]
	s.ready = s.ready[1:]
	s.processing = append(s.processing, id)
	payload, ok := s.payloads[id]
	if !ok {
		s.removeFromList(&s.processing, id)
		return nil, nil
	}
	s.put(s.keys.ExecLease(id), owner, leaseTTL)
	s.inflight[id] = s.now().Add(leaseTTL).UnixMilli()

	var task CycleTask
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		s.purgeTaskLocked(id)
		return nil, fmt.Errorf("corrupt task payload %s: %w", id, err)
	}
	return &task, nil
}

func (s *MemoryStore) AckTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeTaskLocked(taskID)
	return nil
}

// purgeTaskLocked mirrors the ack script. Caller holds mu.
func (s *MemoryStore) purgeTaskLocked(taskID string) {
	s.removeFromList(&s.processing, taskID)
	s.removeFromList(&s.ready, taskID)
	delete(s.inflight, taskID)
	delete(s.payloads, taskID)
	if owner, ok := s.owners[taskID]; ok {
		if set := s.agentTasks[owner]; set != nil {
			delete(set, taskID)
			if len(set) == 0 {
				delete(s.agentTasks, owner)
			}
		}
	}
	delete(s.owners, taskID)
	delete(s.kv, s.keys.ExecLease(taskID))
}

func (s *MemoryStore) removeFromList(list *[]string, id string) {
	for i, v := range *list {
		if v == id {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return
		}
	}
}

func (s *MemoryStore) RequeueExpired(_ context.Context, limit int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nowMs := s.now().UnixMilli()
	type row struct {
		id       string
		deadline int64
	}
	var expired []row
	for id, deadline := range s.inflight {
		if deadline <= nowMs {
			expired = append(expired, row{id, deadline})
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		if expired[i].deadline != expired[j].deadline {
			return expired[i].deadline < expired[j].deadline
		}
		return expired[i].id < expired[j].id
	})
	if limit > 0 && int64(len(expired)) > limit {
		expired = expired[:limit]
	}

	var requeued int64
	for _, r := range expired {
		if _, held := s.live(s.keys.ExecLease(r.id)); held {
			continue
		}
		delete(s.inflight, r.id)
		s.removeFromList(&s.processing, r.id)
		if _, ok := s.payloads[r.id]; ok {
			s.ready = append(s.ready, r.id)
			requeued++
		} else {
			if owner, ok := s.owners[r.id]; ok {
				if set := s.agentTasks[owner]; set != nil {
					delete(set, r.id)
				}
			}
			delete(s.owners, r.id)
		}
	}
	return requeued, nil
}

func (s *MemoryStore) RecoverQueue(_ context.Context) (QueueRecovery, error) {
	s.mu.Lock()
	var rec QueueRecovery

	for id, raw := range s.payloads {
		var task CycleTask
		if err := json.Unmarshal([]byte(raw), &task); err != nil || task.QueueKey == "" {
			s.purgeTaskLocked(id)
			rec.Dropped++
			continue
		}
		if _, ok := s.owners[id]; !ok {
			s.owners[id] = task.QueueKey
			rec.OwnersRebuilt++
		}
		if s.agentTasks[task.QueueKey] == nil {
			s.agentTasks[task.QueueKey] = make(map[string]bool)
		}
		s.agentTasks[task.QueueKey][id] = true
	}

	processing := append([]string(nil), s.processing...)
	for _, id := range processing {
		if _, held := s.live(s.keys.ExecLease(id)); held {
			rec.LeasedAtBoot++
			continue
		}
		s.removeFromList(&s.processing, id)
		delete(s.inflight, id)
		if _, ok := s.payloads[id]; ok {
			s.removeFromList(&s.ready, id)
			s.ready = append(s.ready, id)
			rec.Restored++
		} else {
			if owner, ok := s.owners[id]; ok {
				if set := s.agentTasks[owner]; set != nil {
					delete(set, id)
				}
			}
			delete(s.owners, id)
			rec.Dropped++
		}
	}
	s.mu.Unlock()

	requeued, err := s.RequeueExpired(context.Background(), 1024)
	if err != nil {
		return rec, err
	}
	rec.Requeued = requeued
	return rec, nil
}

func (s *MemoryStore) RemoveAgentTasks(_ context.Context, queueKey string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.agentTasks[queueKey]
	if set == nil {
		return 0, nil
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var removed int64
	for _, id := range ids {
		owner, ok := s.owners[id]
		if !ok || owner != queueKey {
			delete(set, id)
			continue
		}
		if _, held := s.live(s.keys.ExecLease(id)); held {
			continue
		}
		s.removeFromList(&s.ready, id)
		s.removeFromList(&s.processing, id)
		delete(s.inflight, id)
		delete(s.payloads, id)
		delete(s.owners, id)
		delete(set, id)
		removed++
	}
	if len(set) == 0 {
		delete(s.agentTasks, queueKey)
	}
	return removed, nil
}

func (s *MemoryStore) QueueDepths(_ context.Context) (QueueDepths, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return QueueDepths{
		Ready:      int64(len(s.ready)),
		Processing: int64(len(s.processing)),
		Inflight:   int64(len(s.inflight)),
	}, nil
}

// --- leader ---

func (s *MemoryStore) AcquireLeader(_ context.Context, token, instanceID string, ttl time.Duration) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.live(s.keys.LeaderLock()); held {
		return 0, false, nil
	}
	s.fence++
	value := fmt.Sprintf("%s|%d|%s", token, s.fence, instanceID)
	s.put(s.keys.LeaderLock(), value, ttl)
	return s.fence, true, nil
}

func (s *MemoryStore) RenewLeader(_ context.Context, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, held := s.live(s.keys.LeaderLock())
	if !held || cur != value {
		return false, nil
	}
	s.put(s.keys.LeaderLock(), value, ttl)
	return true, nil
}

func (s *MemoryStore) ReleaseLeader(_ context.Context, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, held := s.live(s.keys.LeaderLock())
	if !held || cur != value {
		return false, nil
	}
	delete(s.kv, s.keys.LeaderLock())
	return true, nil
}

func (s *MemoryStore) LeaderValue(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	val, _ := s.live(s.keys.LeaderLock())
	return val, nil
}

// --- dedupe ---

func (s *MemoryStore) BeginDedupe(_ context.Context, doneKey, leaseKey, token string, leaseTTL time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, done := s.live(doneKey); done {
		return false, nil
	}
	if _, held := s.live(leaseKey); held {
		return false, nil
	}
	s.put(leaseKey, token, leaseTTL)
	return true, nil
}

func (s *MemoryStore) CompleteDedupe(_ context.Context, leaseKey, doneKey, token string, doneTTL time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, held := s.live(leaseKey)
	if !held || cur != token {
		return false, nil
	}
	s.put(doneKey, "1", doneTTL)
	delete(s.kv, leaseKey)
	return true, nil
}

func (s *MemoryStore) ReleaseDedupe(_ context.Context, leaseKey, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, held := s.live(leaseKey); held && cur == token {
		delete(s.kv, leaseKey)
	}
	return nil
}

// --- fences ---

func (s *MemoryStore) ObserveFence(_ context.Context, key string, fence int64) (FenceResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.live(key)
	if !ok {
		s.put(key, fmt.Sprintf("%d", fence), 0)
		return FenceResult{Accepted: true, Current: fence, Received: fence}, nil
	}
	var cur int64
	fmt.Sscanf(raw, "%d", &cur)
	if fence < cur {
		return FenceResult{Accepted: false, Current: cur, Received: fence}, nil
	}
	if fence > cur {
		s.put(key, fmt.Sprintf("%d", fence), 0)
		cur = fence
	}
	return FenceResult{Accepted: true, Current: cur, Received: fence}, nil
}

func (s *MemoryStore) Fences(_ context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := s.keys.FencePrefix()
	out := make(map[string]int64)
	for key := range s.kv {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		raw, ok := s.live(key)
		if !ok {
			continue
		}
		var fence int64
		if _, err := fmt.Sscanf(raw, "%d", &fence); err == nil {
			out[key[len(prefix):]] = fence
		}
	}
	return out, nil
}

// --- quota ---

func (s *MemoryStore) IncrWindow(_ context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cell, ok := s.quota[key]
	if !ok || !s.now().Before(cell.resetsAt) {
		cell = quotaCell{count: 0, resetsAt: s.now().Add(window)}
	}
	cell.count++
	s.quota[key] = cell
	return cell.count, nil
}

// --- lifecycle ---

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
