package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeos-labs/forgeos/observability"
	"github.com/forgeos-labs/forgeos/store"
)

func newTestQueue(t *testing.T, cfg Config) (*Queue, store.Store) {
	t.Helper()
	keys := store.NewKeys(store.DefaultSchedulerPrefix)
	st := store.NewMemoryStore(keys)
	metrics := observability.NewSchedulerMetrics(prometheus.NewRegistry())
	return New(st, cfg, zerolog.Nop(), metrics), st
}

func task(id, queueKey string) *store.CycleTask {
	return &store.CycleTask{
		ID:           id,
		Kind:         store.TaskKindAgentCycle,
		QueueKey:     queueKey,
		EnqueuedAtMs: time.Now().UnixMilli(),
		InstanceID:   "sched-test",
	}
}

func TestEnqueueClaimAckFIFO(t *testing.T) {
	q, _ := newTestQueue(t, Config{MaxDepth: 10, LeaseTTL: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(ctx, task(fmt.Sprintf("t%d", i), "user1:agent1")))
	}

	for i := 0; i < 3; i++ {
		claimed, err := q.Claim(ctx, "worker-1")
		require.NoError(t, err)
		require.NotNil(t, claimed)
		assert.Equal(t, fmt.Sprintf("t%d", i), claimed.ID)
		require.NoError(t, q.Ack(ctx, claimed.ID))
	}

	claimed, err := q.Claim(ctx, "worker-1")
	require.NoError(t, err)
	assert.Nil(t, claimed)

	depths, err := q.ObserveDepths(ctx)
	require.NoError(t, err)
	assert.Zero(t, depths.Ready+depths.Processing+depths.Inflight)
}

func TestEnqueueFull(t *testing.T) {
	q, _ := newTestQueue(t, Config{MaxDepth: 2, LeaseTTL: time.Minute})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, task("t0", "u:a")))
	require.NoError(t, q.Enqueue(ctx, task("t1", "u:a")))
	assert.ErrorIs(t, q.Enqueue(ctx, task("t2", "u:a")), ErrFull)

	// Claimed tasks still count against the cap until acked.
	claimed, err := q.Claim(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.ErrorIs(t, q.Enqueue(ctx, task("t3", "u:a")), ErrFull)

	require.NoError(t, q.Ack(ctx, claimed.ID))
	assert.NoError(t, q.Enqueue(ctx, task("t4", "u:a")))
}

func TestRequeueExpiredLease(t *testing.T) {
	q, _ := newTestQueue(t, Config{MaxDepth: 10, LeaseTTL: 20 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, task("t0", "u:a")))
	claimed, err := q.Claim(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// Lease still live: nothing to reclaim.
	n, err := q.RequeueExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	time.Sleep(40 * time.Millisecond)
	n, err = q.RequeueExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// The reclaimed task is claimable again.
	again, err := q.Claim(ctx, "worker-2")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, "t0", again.ID)
}

func TestRemoveAgentSparesLeasedTask(t *testing.T) {
	q, _ := newTestQueue(t, Config{MaxDepth: 10, LeaseTTL: time.Minute})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, task("t0", "u:a")))
	require.NoError(t, q.Enqueue(ctx, task("t1", "u:a")))
	require.NoError(t, q.Enqueue(ctx, task("t2", "u:b")))

	claimed, err := q.Claim(ctx, "worker-1")
	require.NoError(t, err)
	require.Equal(t, "t0", claimed.ID)

	purged, err := q.RemoveAgent(ctx, "u:a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	// The other agent's task survives, as does the leased one.
	next, err := q.Claim(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "t2", next.ID)

	depths, err := q.ObserveDepths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depths.Processing)
}

func TestRecoverAfterCrash(t *testing.T) {
	q, st := newTestQueue(t, Config{MaxDepth: 10, LeaseTTL: time.Minute})
	ctx := context.Background()
	keys := store.NewKeys(store.DefaultSchedulerPrefix)

	require.NoError(t, q.Enqueue(ctx, task("t0", "u:a")))
	require.NoError(t, q.Enqueue(ctx, task("t1", "u:a")))
	claimed, err := q.Claim(ctx, "worker-1")
	require.NoError(t, err)
	require.Equal(t, "t0", claimed.ID)

	// Simulate the worker dying: drop its execution lease.
	require.NoError(t, st.Del(ctx, keys.ExecLease("t0")))

	rec, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Restored)

	depths, err := q.ObserveDepths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depths.Ready)
	assert.Zero(t, depths.Inflight)
}
