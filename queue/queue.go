// Package queue wraps the durable cycle-task queue with the scheduler's
// depth cap, lease TTL, and metrics. Ordering, leases, and recovery
// semantics live in the store layer; this package decides policy.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgeos-labs/forgeos/observability"
	"github.com/forgeos-labs/forgeos/store"
)

// ErrFull is returned when ready+inflight depth reached the cap.
var ErrFull = errors.New("cycle queue full")

// Config tunes one Queue.
type Config struct {
	// MaxDepth bounds ready+inflight tasks.
	MaxDepth int64
	// LeaseTTL must exceed the worst-case dispatch: callback timeout
	// plus market snapshot fetches plus slack.
	LeaseTTL time.Duration
	// RequeueBatch caps how many expired leases one janitor pass
	// inspects.
	RequeueBatch int64
}

func (c *Config) withDefaults() {
	if c.MaxDepth <= 0 {
		c.MaxDepth = 1000
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 45 * time.Second
	}
	if c.RequeueBatch <= 0 {
		c.RequeueBatch = 128
	}
}

// Queue is the scheduler-facing task queue.
type Queue struct {
	store   store.TaskQueueStore
	cfg     Config
	log     zerolog.Logger
	metrics *observability.SchedulerMetrics
}

// New builds a Queue over st.
func New(st store.TaskQueueStore, cfg Config, log zerolog.Logger, metrics *observability.SchedulerMetrics) *Queue {
	cfg.withDefaults()
	return &Queue{store: st, cfg: cfg, log: log, metrics: metrics}
}

// LeaseTTL exposes the configured execution lease length.
func (q *Queue) LeaseTTL() time.Duration { return q.cfg.LeaseTTL }

// Enqueue admits a task or returns ErrFull. Nothing is persisted on
// rejection.
func (q *Queue) Enqueue(ctx context.Context, t *store.CycleTask) error {
	ok, err := q.store.EnqueueTask(ctx, t, q.cfg.MaxDepth)
	if err != nil {
		return err
	}
	if !ok {
		q.metrics.QueueFull.Inc()
		return ErrFull
	}
	q.metrics.TasksEnqueued.Inc()
	return nil
}

// Claim pops the oldest ready task under an execution lease owned by
// owner. Returns (nil, nil) when the queue is empty.
func (q *Queue) Claim(ctx context.Context, owner string) (*store.CycleTask, error) {
	task, err := q.store.ClaimTask(ctx, owner, q.cfg.LeaseTTL)
	if err != nil {
		return nil, err
	}
	if task != nil {
		q.metrics.TasksClaimed.Inc()
	}
	return task, nil
}

// Ack removes a task after dispatch, regardless of outcome.
func (q *Queue) Ack(ctx context.Context, taskID string) error {
	if err := q.store.AckTask(ctx, taskID); err != nil {
		return err
	}
	q.metrics.TasksAcked.Inc()
	return nil
}

// RequeueExpired reclaims tasks whose workers died mid-dispatch.
func (q *Queue) RequeueExpired(ctx context.Context) (int64, error) {
	n, err := q.store.RequeueExpired(ctx, q.cfg.RequeueBatch)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.metrics.TasksRequeued.Add(float64(n))
		q.log.Info().Int64("tasks", n).Msg("requeued expired leases")
	}
	return n, nil
}

// Recover runs the boot-time repair pass.
func (q *Queue) Recover(ctx context.Context) (store.QueueRecovery, error) {
	rec, err := q.store.RecoverQueue(ctx)
	if err != nil {
		return rec, err
	}
	q.metrics.BootRecoveries.Inc()
	q.metrics.BootTasksRecovered.Add(float64(rec.Restored + rec.Requeued))
	if rec.Dropped > 0 {
		q.metrics.TasksDropped.Add(float64(rec.Dropped))
	}
	q.log.Info().
		Int64("ownersRebuilt", rec.OwnersRebuilt).
		Int64("restored", rec.Restored).
		Int64("dropped", rec.Dropped).
		Int64("leased", rec.LeasedAtBoot).
		Int64("requeued", rec.Requeued).
		Msg("queue recovery complete")
	return rec, nil
}

// RemoveAgent purges an agent's unleased tasks.
func (q *Queue) RemoveAgent(ctx context.Context, queueKey string) (int64, error) {
	return q.store.RemoveAgentTasks(ctx, queueKey)
}

// ObserveDepths refreshes the queue gauges and returns the snapshot.
func (q *Queue) ObserveDepths(ctx context.Context) (store.QueueDepths, error) {
	d, err := q.store.QueueDepths(ctx)
	if err != nil {
		return d, err
	}
	q.metrics.QueueReady.Set(float64(d.Ready))
	q.metrics.QueueProcessing.Set(float64(d.Processing))
	q.metrics.QueueInflight.Set(float64(d.Inflight))
	return d, nil
}
