package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgeos-labs/forgeos/dedupe"
	"github.com/forgeos-labs/forgeos/observability"
	"github.com/forgeos-labs/forgeos/queue"
	"github.com/forgeos-labs/forgeos/registry"
	"github.com/forgeos-labs/forgeos/scheduler/market"
	"github.com/forgeos-labs/forgeos/store"
)

// Callback headers stamped on every outbound cycle POST.
const (
	HeaderInstance    = "X-ForgeOS-Scheduler-Instance"
	HeaderFenceToken  = "X-ForgeOS-Leader-Fence-Token"
	HeaderIdempotency = "X-ForgeOS-Idempotency-Key"
	HeaderQueueTaskID = "X-ForgeOS-Queue-Task-Id"
	HeaderAgentKey    = "X-ForgeOS-Agent-Key"
)

// failureRetryCap bounds how soon a failed agent retries: the next run
// lands at min(cycleInterval, this).
const failureRetryCap = 5 * time.Second

// CyclePayload is the body POSTed to agent callbacks.
type CyclePayload struct {
	Event     string           `json:"event"`
	Ts        int64            `json:"ts"`
	Scheduler SchedulerBlock   `json:"scheduler"`
	Agent     AgentBlock       `json:"agent"`
	Market    *market.Snapshot `json:"market,omitempty"`
}

// SchedulerBlock identifies the dispatching replica and its trust
// envelope so consumers can fence and dedupe.
type SchedulerBlock struct {
	InstanceID             string            `json:"instanceId"`
	LeaderFenceToken       int64             `json:"leaderFenceToken"`
	QueueTaskID            string            `json:"queueTaskId,omitempty"`
	CallbackIdempotencyKey string            `json:"callbackIdempotencyKey"`
	CallbackHeaders        map[string]string `json:"callbackHeaders,omitempty"`
}

// AgentBlock is the agent identity echoed to its own callback.
type AgentBlock struct {
	ID              string `json:"id"`
	UserID          string `json:"userId"`
	Name            string `json:"name,omitempty"`
	StrategyLabel   string `json:"strategyLabel,omitempty"`
	CycleIntervalMs int64  `json:"cycleIntervalMs"`
}

// Dispatcher is the bounded worker pool draining the execution queue
// into agent callbacks.
type Dispatcher struct {
	cfg        *Config
	instanceID string

	store    store.Store
	keys     store.Keys
	registry *registry.Registry
	queue    *queue.Queue
	guard    *dedupe.Guard
	market   *market.Client
	client   *http.Client
	fence    func() int64

	log     zerolog.Logger
	metrics *observability.SchedulerMetrics

	wake chan struct{}
}

// NewDispatcher builds the pool; Run starts it.
func NewDispatcher(cfg *Config, instanceID string, st store.Store, keys store.Keys,
	reg *registry.Registry, q *queue.Queue, guard *dedupe.Guard, mkt *market.Client,
	fence func() int64, log zerolog.Logger, metrics *observability.SchedulerMetrics) *Dispatcher {
	return &Dispatcher{
		cfg:        cfg,
		instanceID: instanceID,
		store:      st,
		keys:       keys,
		registry:   reg,
		queue:      q,
		guard:      guard,
		market:     mkt,
		client:     &http.Client{Timeout: cfg.CallbackTimeout},
		fence:      fence,
		log:        log,
		metrics:    metrics,
		wake:       make(chan struct{}, 1),
	}
}

// Wake nudges idle workers after new tasks were enqueued.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run blocks the calling goroutine as one worker until ctx ends. The
// service starts CycleConcurrency of these.
func (d *Dispatcher) Run(ctx context.Context) {
	idle := time.NewTimer(0)
	defer idle.Stop()
	for {
		task, err := d.queue.Claim(ctx, d.instanceID)
		if err != nil {
			d.log.Warn().Err(err).Msg("task claim failed")
		}
		if task != nil {
			d.dispatchOne(ctx, task)
			continue
		}
		idle.Reset(500 * time.Millisecond)
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		case <-idle.C:
		}
	}
}

// dispatchOne runs a full dispatch cycle for one claimed task. It never
// panics out of the pool and always acks: a task that reached a worker
// is consumed, with retry expressed through the agent's nextRunAt.
func (d *Dispatcher) dispatchOne(ctx context.Context, task *store.CycleTask) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Any("panic", r).Str("task_id", task.ID).Msg("dispatch panic recovered")
		}
		if err := d.queue.Ack(ctx, task.ID); err != nil {
			d.log.Warn().Err(err).Str("task_id", task.ID).Msg("task ack failed")
		}
	}()

	// A replica that still believes in an older leadership must not act
	// on work stamped by a newer fence.
	if f := d.fence(); f > 0 && task.LeaderFenceToken > f {
		d.metrics.DispatchSkipped.WithLabelValues("stale_replica_fence").Inc()
		return
	}

	agent, err := d.registry.Get(ctx, task.QueueKey)
	if err != nil {
		d.log.Warn().Err(err).Str("queue_key", task.QueueKey).Msg("dispatch hydrate failed")
		d.metrics.DispatchSkipped.WithLabelValues("hydrate_error").Inc()
		return
	}
	if agent == nil || agent.Status != store.AgentRunning {
		d.metrics.DispatchSkipped.WithLabelValues("agent_gone").Inc()
		return
	}

	d.metrics.DispatchStarted.Inc()
	idemKey := dedupe.Key(d.keys.Prefix, task.QueueKey, task.LeaderFenceToken, task.ID, task.EnqueuedAtMs)

	// No callback URL: nothing to send, no lease taken, cycle counts as
	// a success.
	if agent.CallbackURL == "" {
		d.finish(ctx, agent, task, &store.DispatchSummary{At: time.Now().UTC(), OK: true})
		return
	}

	snapshot, err := d.market.Snapshot(ctx, agent.WalletAddress)
	if err != nil {
		d.log.Warn().Err(err).Str("queue_key", task.QueueKey).Msg("market snapshot failed")
		d.finish(ctx, agent, task, &store.DispatchSummary{
			At: time.Now().UTC(), OK: false, Error: fmt.Sprintf("market: %v", err),
		})
		return
	}

	send, token := d.guard.Begin(ctx, idemKey)
	if !send {
		d.metrics.DedupeSkipped.Inc()
		// Another owner is delivering this logical callback; the agent
		// still advances so duplicate tasks do not stall it.
		d.finish(ctx, agent, task, &store.DispatchSummary{At: time.Now().UTC(), OK: true})
		return
	}

	summary := d.post(ctx, agent, task, idemKey, snapshot)
	if summary.OK {
		d.guard.Complete(ctx, idemKey, token)
	} else {
		d.guard.Release(ctx, idemKey, token)
	}
	d.finish(ctx, agent, task, summary)
}

// post sends the cycle payload and reports the outcome.
func (d *Dispatcher) post(ctx context.Context, agent *store.Agent, task *store.CycleTask, idemKey string, snapshot *market.Snapshot) *store.DispatchSummary {
	payload := CyclePayload{
		Event: "agent.cycle",
		Ts:    time.Now().UnixMilli(),
		Scheduler: SchedulerBlock{
			InstanceID:             d.instanceID,
			LeaderFenceToken:       task.LeaderFenceToken,
			QueueTaskID:            task.ID,
			CallbackIdempotencyKey: idemKey,
			CallbackHeaders:        agent.CallbackHeaders,
		},
		Agent: AgentBlock{
			ID:              agent.AgentID,
			UserID:          agent.UserID,
			Name:            agent.Name,
			StrategyLabel:   agent.StrategyLabel,
			CycleIntervalMs: agent.CycleIntervalMs,
		},
		Market: snapshot,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return &store.DispatchSummary{At: time.Now().UTC(), OK: false, Error: fmt.Sprintf("marshal: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agent.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return &store.DispatchSummary{At: time.Now().UTC(), OK: false, Error: fmt.Sprintf("request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderInstance, d.instanceID)
	req.Header.Set(HeaderFenceToken, strconv.FormatInt(task.LeaderFenceToken, 10))
	req.Header.Set(HeaderIdempotency, idemKey)
	req.Header.Set(HeaderQueueTaskID, task.ID)
	req.Header.Set(HeaderAgentKey, task.QueueKey)
	for k, v := range agent.CallbackHeaders {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	elapsed := time.Since(start)
	d.metrics.CallbackLatency.Observe(float64(elapsed.Milliseconds()))

	summary := &store.DispatchSummary{At: time.Now().UTC(), DurationMs: elapsed.Milliseconds()}
	if err != nil {
		summary.Error = err.Error()
		return summary
	}
	defer resp.Body.Close()
	summary.StatusCode = resp.StatusCode
	summary.OK = resp.StatusCode >= 200 && resp.StatusCode < 300
	if !summary.OK {
		summary.Error = fmt.Sprintf("callback status %d", resp.StatusCode)
	}
	return summary
}

// finish applies the dispatch outcome to the agent record, re-schedules
// it, and frees its claim lease.
func (d *Dispatcher) finish(ctx context.Context, agent *store.Agent, task *store.CycleTask, summary *store.DispatchSummary) {
	now := time.Now().UTC()
	interval := time.Duration(agent.CycleIntervalMs) * time.Millisecond

	if summary.OK {
		d.metrics.DispatchOK.Inc()
		agent.LastCycleAt = now
		agent.FailureCount = 0
		agent.NextRunAt = now.Add(interval)
	} else {
		d.metrics.DispatchFailed.Inc()
		agent.FailureCount++
		retry := interval
		if retry > failureRetryCap {
			retry = failureRetryCap
		}
		agent.NextRunAt = now.Add(retry)
	}
	agent.QueuePending = false
	agent.LastDispatch = summary
	agent.UpdatedAt = now

	if err := d.registry.Persist(ctx, agent); err != nil {
		d.log.Warn().Err(err).Str("queue_key", task.QueueKey).Msg("agent persist after dispatch failed")
	}
	if agent.Status == store.AgentRunning {
		if err := d.store.ScheduleAgent(ctx, task.QueueKey, agent.NextRunAt); err != nil {
			d.log.Warn().Err(err).Str("queue_key", task.QueueKey).Msg("reschedule after dispatch failed")
		}
	}
	// The claim lease has done its job once the cycle finished; drop it
	// so the next cycle can be claimed on time.
	if err := d.store.Del(ctx, d.keys.AgentLease(task.QueueKey)); err != nil {
		d.log.Debug().Err(err).Str("queue_key", task.QueueKey).Msg("claim lease delete failed")
	}

	event := d.log.Debug()
	if !summary.OK {
		event = d.log.Warn()
	}
	event.Str("queue_key", task.QueueKey).
		Str("task_id", task.ID).
		Int64("fence", task.LeaderFenceToken).
		Bool("ok", summary.OK).
		Int("status", summary.StatusCode).
		Msg("cycle dispatched")
}
