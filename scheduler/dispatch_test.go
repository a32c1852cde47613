package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeos-labs/forgeos/store"
)

// registerWithCallback registers an agent pointed at url and forces it
// due, then ticks once so exactly one task lands in the queue.
func (h *harness) registerWithCallback(t *testing.T, url string) *store.CycleTask {
	t.Helper()
	body := registerBody("agent1")
	body["callbackUrl"] = url
	rec := h.do(t, http.MethodPost, "/v1/agents/register", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	ctx := context.Background()
	require.NoError(t, h.store.ScheduleAgent(ctx, "user1:agent1", time.Now().Add(-time.Second)))
	res := h.core.Tick(ctx)
	require.Equal(t, 1, res.Enqueued)

	task, err := h.queue.Claim(ctx, "test-1")
	require.NoError(t, err)
	require.NotNil(t, task)
	return task
}

func TestDispatchSuccess(t *testing.T) {
	h := newHarness(t)
	var gotHeaders atomic.Pointer[http.Header]
	var gotBody atomic.Pointer[CyclePayload]
	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hd := r.Header.Clone()
		gotHeaders.Store(&hd)
		var p CyclePayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		gotBody.Store(&p)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer callback.Close()

	ctx := context.Background()
	task := h.registerWithCallback(t, callback.URL)
	h.disp.dispatchOne(ctx, task)

	hd := gotHeaders.Load()
	require.NotNil(t, hd, "callback was not invoked")
	assert.Equal(t, "test-1", hd.Get(HeaderInstance))
	assert.Equal(t, "user1:agent1", hd.Get(HeaderAgentKey))
	assert.Equal(t, task.ID, hd.Get(HeaderQueueTaskID))
	assert.NotEmpty(t, hd.Get(HeaderFenceToken))
	assert.NotEmpty(t, hd.Get(HeaderIdempotency))

	p := gotBody.Load()
	assert.Equal(t, "agent.cycle", p.Event)
	assert.Equal(t, "agent1", p.Agent.ID)
	assert.Equal(t, task.LeaderFenceToken, p.Scheduler.LeaderFenceToken)
	require.NotNil(t, p.Market)
	assert.InDelta(t, 0.05, p.Market.PriceUsd, 1e-9)

	agent, err := h.reg.Get(ctx, "user1:agent1")
	require.NoError(t, err)
	assert.Zero(t, agent.FailureCount)
	assert.False(t, agent.QueuePending)
	require.NotNil(t, agent.LastDispatch)
	assert.True(t, agent.LastDispatch.OK)
	assert.True(t, agent.NextRunAt.After(time.Now()))

	// Task is fully acked.
	depths, err := h.store.QueueDepths(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.QueueDepths{}, depths)
}

func TestDispatchFailureBumpsFailureCount(t *testing.T) {
	h := newHarness(t)
	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer callback.Close()

	ctx := context.Background()
	task := h.registerWithCallback(t, callback.URL)
	before := time.Now()
	h.disp.dispatchOne(ctx, task)

	agent, err := h.reg.Get(ctx, "user1:agent1")
	require.NoError(t, err)
	assert.Equal(t, 1, agent.FailureCount)
	require.NotNil(t, agent.LastDispatch)
	assert.False(t, agent.LastDispatch.OK)
	assert.Equal(t, http.StatusInternalServerError, agent.LastDispatch.StatusCode)
	// Retry lands at min(interval, 5s) from now.
	assert.True(t, agent.NextRunAt.Before(before.Add(6*time.Second)))
}

func TestDispatchWithoutCallbackURLCountsSuccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.registerWithCallback(t, "")
	h.disp.dispatchOne(ctx, task)

	agent, err := h.reg.Get(ctx, "user1:agent1")
	require.NoError(t, err)
	assert.Zero(t, agent.FailureCount)
	require.NotNil(t, agent.LastDispatch)
	assert.True(t, agent.LastDispatch.OK)

	// No idempotency lease was taken.
	fences, err := h.store.Fences(ctx)
	require.NoError(t, err)
	assert.Empty(t, fences)
}

func TestDispatchDeduplicatesIdenticalTasks(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int64
	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{}`))
	}))
	defer callback.Close()

	ctx := context.Background()
	task := h.registerWithCallback(t, callback.URL)
	h.disp.dispatchOne(ctx, task)

	// The same logical task dispatched again (e.g. reclaimed after a
	// lost worker that had already completed) is suppressed.
	dup := *task
	require.NoError(t, h.queue.Enqueue(ctx, &dup))
	claimed, err := h.queue.Claim(ctx, "test-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	h.disp.dispatchOne(ctx, claimed)

	assert.Equal(t, int64(1), calls.Load())
}

func TestDispatchSkipsRemovedAgent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.registerWithCallback(t, "")
	_, err := h.reg.Remove(ctx, "user1:agent1")
	require.NoError(t, err)

	h.disp.dispatchOne(ctx, task)
	depths, err := h.store.QueueDepths(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.QueueDepths{}, depths)
}

func TestDispatchStaleReplicaFenceSkips(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int64
	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer callback.Close()

	ctx := context.Background()
	task := h.registerWithCallback(t, callback.URL)
	// A newer leader stamped this task; this replica's view is stale.
	task.LeaderFenceToken = h.leader.Fence() + 10
	h.disp.dispatchOne(ctx, task)
	assert.Equal(t, int64(0), calls.Load())
}

func TestTickIsSingleFlight(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.core.tickBusy.CompareAndSwap(false, true))
	res := h.core.Tick(context.Background())
	assert.False(t, res.Leader)
	assert.Zero(t, res.DueSeen)
	h.core.tickBusy.Store(false)
}

func TestTwoReplicasDeliverOnce(t *testing.T) {
	shared := newHarness(t)
	var calls atomic.Int64
	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{}`))
	}))
	defer callback.Close()

	// Second replica over the same store.
	other := newReplica(t, shared, "test-2")

	ctx := context.Background()
	body := registerBody("agent1")
	body["callbackUrl"] = callback.URL
	rec := shared.do(t, http.MethodPost, "/v1/agents/register", body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, shared.store.ScheduleAgent(ctx, "user1:agent1", time.Now().Add(-time.Second)))

	resA := shared.core.Tick(ctx)
	resB := other.core.Tick(ctx)

	// Exactly one replica holds the lock and enqueues the cycle.
	assert.NotEqual(t, resA.Leader, resB.Leader)
	assert.Equal(t, 1, resA.Enqueued+resB.Enqueued)

	// Both dispatch pumps race the queue; only one gets the task.
	taskA, err := shared.queue.Claim(ctx, "test-1")
	require.NoError(t, err)
	taskB, err := other.queue.Claim(ctx, "test-2")
	require.NoError(t, err)
	require.True(t, (taskA == nil) != (taskB == nil))

	if taskA != nil {
		shared.disp.dispatchOne(ctx, taskA)
	} else {
		other.disp.dispatchOne(ctx, taskB)
	}
	assert.Equal(t, int64(1), calls.Load())
}

func TestBootRecoveryRestoresReadyTasks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Pre-populate: payloads {R,L,Y}, processing [R,L] (also inflight),
	// ready [Y], exec-lease only for L.
	mk := func(id string) *store.CycleTask {
		return &store.CycleTask{ID: id, Kind: store.TaskKindAgentCycle, QueueKey: "user1:agent1",
			EnqueuedAtMs: time.Now().UnixMilli(), LeaderFenceToken: 1, InstanceID: "dead"}
	}
	for _, id := range []string{"R", "L", "Y"} {
		require.NoError(t, h.queue.Enqueue(ctx, mk(id)))
	}
	// Claim R and L, then strip R's lease: the shape left behind by a
	// worker that died mid-dispatch.
	for i := 0; i < 2; i++ {
		_, err := h.queue.Claim(ctx, "dead")
		require.NoError(t, err)
	}
	require.NoError(t, h.store.Del(ctx, h.keys.ExecLease("R")))

	require.NoError(t, h.core.Recover(ctx))

	depths, err := h.store.QueueDepths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depths.Ready, "Y and R restored")
	assert.Equal(t, int64(1), depths.Processing, "L keeps its live lease")
	assert.Equal(t, int64(1), depths.Inflight)
}
