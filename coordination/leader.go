// Package coordination implements the fenced leader lock that gates
// every write-side scheduler tick. Exactly one replica holds the lock;
// its fence token stamps all work enqueued during that leadership so
// downstream consumers can reject output from deposed leaders.
package coordination

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/forgeos-labs/forgeos/observability"
	"github.com/forgeos-labs/forgeos/store"
)

// Config tunes one LeaderLock.
type Config struct {
	InstanceID string
	// TTL is the lock lifetime; a dead leader is replaced after at
	// most this long.
	TTL time.Duration
	// RenewEvery defaults to TTL/2. A jitter of up to a quarter of the
	// interval is added per cycle so replicas do not thunder together.
	RenewEvery time.Duration
	// BackoffBase/BackoffMax bound the retry backoff applied after a
	// renewal failure or store error.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// OnElected and OnLost fire from AcquireOrRenew on transitions.
	OnElected func(fence int64)
	OnLost    func()
}

func (c *Config) withDefaults() {
	if c.TTL <= 0 {
		c.TTL = 15 * time.Second
	}
	if c.RenewEvery <= 0 {
		c.RenewEvery = c.TTL / 2
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 10 * c.TTL
	}
}

// LeaderLock drives acquisition and renewal against a LeaderStore.
type LeaderLock struct {
	store   store.LeaderStore
	cfg     Config
	log     zerolog.Logger
	metrics *observability.SchedulerMetrics

	mu      sync.Mutex
	leading bool
	fence   int64
	value   string
	backoff time.Duration
	nextTry time.Time
}

// NewLeaderLock builds a lock manager; it does not contact the store
// until AcquireOrRenew runs.
func NewLeaderLock(st store.LeaderStore, cfg Config, log zerolog.Logger, metrics *observability.SchedulerMetrics) *LeaderLock {
	cfg.withDefaults()
	return &LeaderLock{
		store:   st,
		cfg:     cfg,
		log:     log,
		metrics: metrics,
	}
}

// IsLeader reports whether this replica believes it holds the lock.
func (l *LeaderLock) IsLeader() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.leading
}

// Fence returns the fence token of the current leadership, 0 when not
// leading.
func (l *LeaderLock) Fence() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.leading {
		return 0
	}
	return l.fence
}

// AcquireOrRenew makes one pass: renew when leading, otherwise try to
// acquire (respecting any backoff window). Returns whether this
// replica leads afterwards.
func (l *LeaderLock) AcquireOrRenew(ctx context.Context) bool {
	l.mu.Lock()
	leading, value := l.leading, l.value
	nextTry := l.nextTry
	l.mu.Unlock()

	if leading {
		ok, err := l.store.RenewLeader(ctx, value, l.cfg.TTL)
		if err == nil && ok {
			return true
		}
		if err != nil {
			l.log.Warn().Err(err).Msg("leader renew error")
		}
		l.loseLeadership()
		return false
	}

	if time.Now().Before(nextTry) {
		return false
	}

	token := uuid.NewString()
	fence, acquired, err := l.store.AcquireLeader(ctx, token, l.cfg.InstanceID, l.cfg.TTL)
	if err != nil {
		l.log.Warn().Err(err).Msg("leader acquire error")
		l.growBackoff()
		return false
	}
	if !acquired {
		// Someone else leads; that's healthy, not a failure.
		l.resetBackoff()
		return false
	}

	l.mu.Lock()
	l.leading = true
	l.fence = fence
	l.value = fmt.Sprintf("%s|%d|%s", token, fence, l.cfg.InstanceID)
	l.backoff = 0
	l.nextTry = time.Time{}
	l.mu.Unlock()

	l.metrics.LeaderAcquired.Inc()
	l.metrics.LeaderTransitions.Inc()
	l.metrics.LeaderStatus.Set(1)
	l.metrics.LeaderFence.Set(float64(fence))
	l.metrics.LeaderBackoffMs.Set(0)
	l.log.Info().Int64("fence", fence).Msg("leadership acquired")
	if l.cfg.OnElected != nil {
		l.cfg.OnElected(fence)
	}
	return true
}

// loseLeadership drops local state after a failed renewal and arms the
// backoff window. The fence zeroes immediately: a replica that cannot
// renew must not stamp further work.
func (l *LeaderLock) loseLeadership() {
	l.mu.Lock()
	wasLeading := l.leading
	l.leading = false
	l.fence = 0
	l.value = ""
	l.backoff = l.cfg.BackoffBase
	l.nextTry = time.Now().Add(l.backoff)
	backoff := l.backoff
	l.mu.Unlock()

	if !wasLeading {
		return
	}
	l.metrics.LeaderRenewFailed.Inc()
	l.metrics.LeaderTransitions.Inc()
	l.metrics.LeaderStatus.Set(0)
	l.metrics.LeaderFence.Set(0)
	l.metrics.LeaderBackoffMs.Set(float64(backoff.Milliseconds()))
	l.log.Warn().Dur("backoff", backoff).Msg("leadership lost")
	if l.cfg.OnLost != nil {
		l.cfg.OnLost()
	}
}

func (l *LeaderLock) growBackoff() {
	l.mu.Lock()
	if l.backoff <= 0 {
		l.backoff = l.cfg.BackoffBase
	} else {
		l.backoff *= 2
		if l.backoff > l.cfg.BackoffMax {
			l.backoff = l.cfg.BackoffMax
		}
	}
	l.nextTry = time.Now().Add(l.backoff)
	backoff := l.backoff
	l.mu.Unlock()
	l.metrics.LeaderBackoffMs.Set(float64(backoff.Milliseconds()))
}

func (l *LeaderLock) resetBackoff() {
	l.mu.Lock()
	l.backoff = 0
	l.nextTry = time.Time{}
	l.mu.Unlock()
	l.metrics.LeaderBackoffMs.Set(0)
}

// Release gives up the lock voluntarily (shutdown path). Safe to call
// when not leading.
func (l *LeaderLock) Release(ctx context.Context) {
	l.mu.Lock()
	leading, value := l.leading, l.value
	l.leading = false
	l.fence = 0
	l.value = ""
	l.mu.Unlock()

	if !leading {
		return
	}
	if _, err := l.store.ReleaseLeader(ctx, value); err != nil {
		l.log.Warn().Err(err).Msg("leader release failed; lock will expire on its own")
	}
	l.metrics.LeaderTransitions.Inc()
	l.metrics.LeaderStatus.Set(0)
	l.metrics.LeaderFence.Set(0)
	l.log.Info().Msg("leadership released")
}

// Run drives AcquireOrRenew at RenewEvery plus jitter until ctx ends.
func (l *LeaderLock) Run(ctx context.Context) {
	// First attempt happens immediately so a fresh replica can take a
	// vacant lock without waiting a full interval.
	l.AcquireOrRenew(ctx)
	for {
		jitter := time.Duration(rand.Int63n(int64(l.cfg.RenewEvery)/4 + 1))
		timer := time.NewTimer(l.cfg.RenewEvery + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			l.AcquireOrRenew(ctx)
		}
	}
}
