package auth

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/forgeos-labs/forgeos/observability"
	"github.com/forgeos-labs/forgeos/store"
)

// Quota buckets. Every authenticated request lands in exactly one.
const (
	BucketRead  = "read"
	BucketWrite = "write"
	BucketTick  = "tick"
)

// QuotaConfig sets per-subject limits per fixed window.
type QuotaConfig struct {
	// Window is the counting period. Zero disables quotas entirely.
	Window time.Duration
	// Limits maps bucket name to the max requests per window. A bucket
	// absent from the map is unlimited.
	Limits map[string]int64
}

// Quota enforces fixed-window per-subject counters on the shared store,
// degrading to local token buckets when the store is unreachable so an
// outage never locks out legitimate traffic.
type Quota struct {
	store   store.QuotaStore
	keys    store.Keys
	cfg     QuotaConfig
	log     zerolog.Logger
	metrics *observability.SchedulerMetrics

	mu    sync.Mutex
	local map[string]*rate.Limiter
}

// NewQuota builds a Quota; nil is a valid receiver meaning "no quotas".
func NewQuota(st store.QuotaStore, keys store.Keys, cfg QuotaConfig, log zerolog.Logger, metrics *observability.SchedulerMetrics) *Quota {
	if cfg.Window <= 0 {
		return nil
	}
	return &Quota{
		store:   st,
		keys:    keys,
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		local:   make(map[string]*rate.Limiter),
	}
}

// Allow reports whether subject may spend one request from bucket.
func (q *Quota) Allow(ctx context.Context, subject, bucket string) bool {
	if q == nil {
		return true
	}
	limit, limited := q.cfg.Limits[bucket]
	if !limited || limit <= 0 {
		return true
	}

	window := time.Now().Truncate(q.cfg.Window)
	key := q.keys.Quota(subject, bucket, window)
	count, err := q.store.IncrWindow(ctx, key, q.cfg.Window)
	if err != nil {
		// Store down: fall back to an in-process bucket at the same
		// average rate. Fail open rather than reject.
		q.log.Debug().Err(err).Str("subject", subject).Str("bucket", bucket).
			Msg("quota store unavailable, using local limiter")
		return q.allowLocal(subject, bucket, limit)
	}
	if count > limit {
		q.metrics.QuotaExceeded.WithLabelValues(bucket).Inc()
		return false
	}
	return true
}

func (q *Quota) allowLocal(subject, bucket string, limit int64) bool {
	key := subject + "|" + bucket
	q.mu.Lock()
	lim, ok := q.local[key]
	if !ok {
		perSec := float64(limit) / q.cfg.Window.Seconds()
		lim = rate.NewLimiter(rate.Limit(perSec), int(limit))
		q.local[key] = lim
	}
	q.mu.Unlock()
	if lim.Allow() {
		return true
	}
	q.metrics.QuotaExceeded.WithLabelValues(bucket).Inc()
	return false
}
