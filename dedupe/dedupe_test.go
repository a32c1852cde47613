package dedupe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeos-labs/forgeos/observability"
	"github.com/forgeos-labs/forgeos/store"
)

func newGuard(t *testing.T, st store.DedupeStore) *Guard {
	t.Helper()
	keys := store.NewKeys("forgeos.test")
	metrics := observability.NewSchedulerMetrics(prometheus.NewRegistry())
	return New(st, keys, Config{LeaseTTL: time.Minute, DoneTTL: time.Hour}, zerolog.Nop(), metrics)
}

func TestKeyShape(t *testing.T) {
	key := Key("forgeos.scheduler", "u1:bot", 7, "task-9", 0)
	assert.Equal(t, "forgeos.scheduler:u1:bot:7:task-9", key)

	// Missing task ids fall back to the enqueue epoch.
	key = Key("forgeos.scheduler", "u1:bot", 7, "", 1724500000000)
	assert.Equal(t, "forgeos.scheduler:u1:bot:7:1724500000000", key)
}

func TestSingleSenderWins(t *testing.T) {
	ctx := context.Background()
	g := newGuard(t, store.NewMemoryStore(store.NewKeys("forgeos.test")))

	send, token := g.Begin(ctx, "k1")
	require.True(t, send)
	require.NotEmpty(t, token)

	// Concurrent attempt sees the lease and stands down.
	send2, _ := g.Begin(ctx, "k1")
	assert.False(t, send2)

	g.Complete(ctx, "k1", token)

	// Done marker keeps suppressing after the lease is gone.
	send3, _ := g.Begin(ctx, "k1")
	assert.False(t, send3)
}

func TestReleaseAllowsRetry(t *testing.T) {
	ctx := context.Background()
	g := newGuard(t, store.NewMemoryStore(store.NewKeys("forgeos.test")))

	send, token := g.Begin(ctx, "k1")
	require.True(t, send)
	g.Release(ctx, "k1", token)

	send, token = g.Begin(ctx, "k1")
	assert.True(t, send, "failed dispatch frees the key")
	assert.NotEmpty(t, token)
}

type downDedupeStore struct{}

func (downDedupeStore) BeginDedupe(context.Context, string, string, string, time.Duration) (bool, error) {
	return false, errors.New("store down")
}
func (downDedupeStore) CompleteDedupe(context.Context, string, string, string, time.Duration) (bool, error) {
	return false, errors.New("store down")
}
func (downDedupeStore) ReleaseDedupe(context.Context, string, string) error {
	return errors.New("store down")
}

func TestFailsOpenWhenStoreDown(t *testing.T) {
	ctx := context.Background()
	g := newGuard(t, downDedupeStore{})

	send, token := g.Begin(ctx, "k1")
	assert.True(t, send, "outages must not suppress dispatch")
	assert.Empty(t, token)

	// Completing or releasing a fail-open token is a quiet no-op.
	g.Complete(ctx, "k1", token)
	g.Release(ctx, "k1", token)
}
