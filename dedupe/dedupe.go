// Package dedupe is the callback idempotency envelope around dispatch.
// A key moves through three states: absent (send), leased (someone is
// sending), done (sent). Store outages fail OPEN: a duplicate callback
// is recoverable downstream, a silently skipped cycle is not.
package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/forgeos-labs/forgeos/observability"
	"github.com/forgeos-labs/forgeos/store"
)

// Key builds the callback idempotency key for one dispatch:
// "<prefix>:<agentKey>:<fence>:<taskId>". When the task id is unknown
// the enqueue epoch substitutes so retries of the same enqueue still
// collide.
func Key(prefix, agentKey string, fence int64, taskID string, enqueuedAtMs int64) string {
	suffix := taskID
	if suffix == "" {
		suffix = fmt.Sprintf("%d", enqueuedAtMs)
	}
	return fmt.Sprintf("%s:%s:%d:%s", prefix, agentKey, fence, suffix)
}

// Config tunes one Guard.
type Config struct {
	// LeaseTTL bounds how long an in-flight dispatch may hold the key
	// before a retry is allowed. Must exceed the callback timeout.
	LeaseTTL time.Duration
	// DoneTTL is how long a completed dispatch suppresses duplicates.
	DoneTTL time.Duration
}

func (c *Config) withDefaults() {
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.DoneTTL <= 0 {
		c.DoneTTL = 24 * time.Hour
	}
}

// Guard coordinates begin/complete/release around a DedupeStore.
type Guard struct {
	store   store.DedupeStore
	keys    store.Keys
	cfg     Config
	log     zerolog.Logger
	metrics *observability.SchedulerMetrics
}

// New builds a Guard using the key layout in keys.
func New(st store.DedupeStore, keys store.Keys, cfg Config, log zerolog.Logger, metrics *observability.SchedulerMetrics) *Guard {
	cfg.withDefaults()
	return &Guard{store: st, keys: keys, cfg: cfg, log: log, metrics: metrics}
}

// Begin decides whether the caller should send the callback for
// idemKey. On true, the returned token must be passed to Complete or
// Release. Store failures return (true, "") so dispatch proceeds.
func (g *Guard) Begin(ctx context.Context, idemKey string) (bool, string) {
	token := uuid.NewString()
	send, err := g.store.BeginDedupe(ctx,
		g.keys.DedupeDone(idemKey), g.keys.DedupeLease(idemKey),
		token, g.cfg.LeaseTTL,
	)
	if err != nil {
		g.metrics.DedupeFailOpen.Inc()
		g.log.Warn().Err(err).Str("idemKey", idemKey).Msg("dedupe begin failed open")
		return true, ""
	}
	if !send {
		return false, ""
	}
	return true, token
}

// Complete promotes the lease to a done marker after a successful
// send. No-op for fail-open tokens.
func (g *Guard) Complete(ctx context.Context, idemKey, token string) {
	if token == "" {
		return
	}
	if _, err := g.store.CompleteDedupe(ctx,
		g.keys.DedupeLease(idemKey), g.keys.DedupeDone(idemKey),
		token, g.cfg.DoneTTL,
	); err != nil {
		g.metrics.DedupeFailOpen.Inc()
		g.log.Warn().Err(err).Str("idemKey", idemKey).Msg("dedupe complete failed")
	}
}

// Release frees the lease after a failed send so the next attempt can
// go through immediately. No-op for fail-open tokens.
func (g *Guard) Release(ctx context.Context, idemKey, token string) {
	if token == "" {
		return
	}
	if err := g.store.ReleaseDedupe(ctx, g.keys.DedupeLease(idemKey), token); err != nil {
		g.metrics.DedupeFailOpen.Inc()
		g.log.Warn().Err(err).Str("idemKey", idemKey).Msg("dedupe release failed")
	}
}
