package main

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/forgeos-labs/forgeos/coordination"
	"github.com/forgeos-labs/forgeos/dedupe"
	"github.com/forgeos-labs/forgeos/observability"
	"github.com/forgeos-labs/forgeos/queue"
	"github.com/forgeos-labs/forgeos/registry"
	"github.com/forgeos-labs/forgeos/scheduler/market"
	"github.com/forgeos-labs/forgeos/store"
)

// TickResult summarizes one write-side scan of the due index.
type TickResult struct {
	Leader    bool  `json:"leader"`
	DueSeen   int   `json:"dueSeen"`
	Claimed   int   `json:"claimed"`
	Enqueued  int   `json:"enqueued"`
	QueueFull bool  `json:"queueFull"`
	Fence     int64 `json:"fence"`
}

// Core wires the scheduler's moving parts: the leader-gated tick that
// drains the due index into the execution queue, the dispatch pump
// that drains the queue into callbacks, and the janitor that reclaims
// expired leases.
type Core struct {
	cfg        *Config
	instanceID string

	store    store.Store
	keys     store.Keys
	registry *registry.Registry
	queue    *queue.Queue
	leader   *coordination.LeaderLock
	guard    *dedupe.Guard
	market   *market.Client
	dispatch *Dispatcher

	log     zerolog.Logger
	metrics *observability.SchedulerMetrics

	tickBusy atomic.Bool
}

// NewCore assembles a Core from already-constructed components.
func NewCore(cfg *Config, instanceID string, st store.Store, keys store.Keys,
	reg *registry.Registry, q *queue.Queue, leader *coordination.LeaderLock,
	guard *dedupe.Guard, mkt *market.Client, disp *Dispatcher,
	log zerolog.Logger, metrics *observability.SchedulerMetrics) *Core {
	return &Core{
		cfg:        cfg,
		instanceID: instanceID,
		store:      st,
		keys:       keys,
		registry:   reg,
		queue:      q,
		leader:     leader,
		guard:      guard,
		market:     mkt,
		dispatch:   disp,
		log:        log,
		metrics:    metrics,
	}
}

// Tick makes one scan of the due index. Single-flight per replica:
// re-entry while a tick is running is a no-op. Only the leader claims
// work; a manual tick on a single replica first tries to take the
// vacant lock so tests and operators get a synchronous result.
func (c *Core) Tick(ctx context.Context) TickResult {
	if !c.tickBusy.CompareAndSwap(false, true) {
		c.metrics.TickSkipped.WithLabelValues("busy").Inc()
		return TickResult{}
	}
	defer c.tickBusy.Store(false)

	if !c.leader.IsLeader() && !c.leader.AcquireOrRenew(ctx) {
		c.metrics.TickSkipped.WithLabelValues("not_leader").Inc()
		return TickResult{}
	}

	c.metrics.TicksTotal.Inc()
	fence := c.leader.Fence()
	res := TickResult{Leader: true, Fence: fence}
	now := time.Now()

	due, err := c.store.DueAgents(ctx, now, c.cfg.TickBatch)
	if err != nil {
		c.log.Warn().Err(err).Msg("due-index scan failed")
		c.metrics.TickSkipped.WithLabelValues("store_error").Inc()
		return res
	}
	res.DueSeen = len(due)
	c.metrics.DueAgents.Set(float64(len(due)))

	owner, _ := json.Marshal(store.ClaimOwner{
		InstanceID: c.instanceID,
		Fence:      fence,
		TsMs:       now.UnixMilli(),
	})

	for _, queueKey := range due {
		if res.QueueFull {
			break
		}
		claimed, err := c.store.ClaimDueAgent(ctx, queueKey, string(owner), c.queue.LeaseTTL())
		if err != nil {
			c.log.Warn().Err(err).Str("queue_key", queueKey).Msg("due claim failed")
			continue
		}
		if !claimed {
			continue
		}
		res.Claimed++
		if c.enqueueCycle(ctx, queueKey, string(owner), fence, &res) {
			res.Enqueued++
		}
	}
	c.dispatch.Wake()
	return res
}

// enqueueCycle hydrates a claimed agent and materializes its cycle
// task. Missing or paused agents fall out of the schedule here.
func (c *Core) enqueueCycle(ctx context.Context, queueKey, owner string, fence int64, res *TickResult) bool {
	agent, err := c.registry.Get(ctx, queueKey)
	if err != nil {
		c.log.Warn().Err(err).Str("queue_key", queueKey).Msg("agent hydrate failed")
		c.releaseClaim(ctx, queueKey, owner)
		return false
	}
	if agent == nil || agent.Status != store.AgentRunning {
		if err := c.store.UnscheduleAgent(ctx, queueKey); err != nil {
			c.log.Warn().Err(err).Str("queue_key", queueKey).Msg("unschedule failed")
		}
		c.releaseClaim(ctx, queueKey, owner)
		return false
	}

	task := &store.CycleTask{
		ID:               uuid.NewString(),
		Kind:             store.TaskKindAgentCycle,
		QueueKey:         queueKey,
		EnqueuedAtMs:     time.Now().UnixMilli(),
		LeaderFenceToken: fence,
		InstanceID:       c.instanceID,
	}
	if err := c.queue.Enqueue(ctx, task); err != nil {
		if errors.Is(err, queue.ErrFull) {
			res.QueueFull = true
			c.log.Warn().Str("queue_key", queueKey).Msg("cycle queue full, tick pausing enqueues")
		} else {
			c.log.Warn().Err(err).Str("queue_key", queueKey).Msg("enqueue failed")
		}
		// Undo the reservation so the agent stays due for the next tick.
		if err := c.store.ScheduleAgent(ctx, queueKey, agent.NextRunAt); err != nil {
			c.log.Warn().Err(err).Str("queue_key", queueKey).Msg("schedule restore failed")
		}
		c.releaseClaim(ctx, queueKey, owner)
		return false
	}

	agent.QueuePending = true
	agent.UpdatedAt = time.Now().UTC()
	if err := c.registry.Persist(ctx, agent); err != nil {
		c.log.Warn().Err(err).Str("queue_key", queueKey).Msg("queue-pending persist failed")
	}
	return true
}

func (c *Core) releaseClaim(ctx context.Context, queueKey, owner string) {
	if err := c.store.ReleaseDueClaim(ctx, queueKey, owner); err != nil {
		c.log.Debug().Err(err).Str("queue_key", queueKey).Msg("due claim release failed")
	}
}

// Recover runs the boot-time queue repair pass.
func (c *Core) Recover(ctx context.Context) error {
	_, err := c.queue.Recover(ctx)
	return err
}

// RunTicker drives Tick at the configured interval until ctx ends.
func (c *Core) RunTicker(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// RunJanitor periodically reclaims expired execution leases and
// refreshes the queue-depth gauges. Single-flight by construction: one
// goroutine per replica.
func (c *Core) RunJanitor(ctx context.Context) {
	interval := c.cfg.ExecLeaseTTL / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := c.queue.RequeueExpired(ctx); err != nil {
				c.log.Warn().Err(err).Msg("requeue-expired pass failed")
			} else if n > 0 {
				c.dispatch.Wake()
			}
			if _, err := c.queue.ObserveDepths(ctx); err != nil {
				c.log.Debug().Err(err).Msg("queue depth probe failed")
			}
		}
	}
}

// Status is the operator-facing snapshot served by the status route.
type Status struct {
	InstanceID string            `json:"instanceId"`
	Leader     bool              `json:"leader"`
	Fence      int64             `json:"fence"`
	Agents     int64             `json:"agents"`
	Queue      store.QueueDepths `json:"queue"`
	Redis      bool              `json:"redis"`
}

// Status assembles the current replica view.
func (c *Core) Status(ctx context.Context) Status {
	st := Status{
		InstanceID: c.instanceID,
		Leader:     c.leader.IsLeader(),
		Fence:      c.leader.Fence(),
		Redis:      c.store.Ping(ctx) == nil,
	}
	if n, err := c.registry.Count(ctx); err == nil {
		st.Agents = n
	}
	if d, err := c.store.QueueDepths(ctx); err == nil {
		st.Queue = d
	}
	return st
}
