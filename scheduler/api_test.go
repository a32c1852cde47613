package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeos-labs/forgeos/auth"
	"github.com/forgeos-labs/forgeos/coordination"
	"github.com/forgeos-labs/forgeos/dedupe"
	"github.com/forgeos-labs/forgeos/observability"
	"github.com/forgeos-labs/forgeos/queue"
	"github.com/forgeos-labs/forgeos/registry"
	"github.com/forgeos-labs/forgeos/scheduler/market"
	"github.com/forgeos-labs/forgeos/store"
)

// harness bundles one fully wired scheduler over a memory store with a
// stubbed market upstream.
type harness struct {
	cfg     *Config
	store   *store.MemoryStore
	keys    store.Keys
	core    *Core
	disp    *Dispatcher
	reg     *registry.Registry
	queue   *queue.Queue
	leader  *coordination.LeaderLock
	handler http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	keys := store.NewKeys("")
	st := store.NewMemoryStore(keys)

	marketSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/info/price":
			w.Write([]byte(`{"price":0.05}`))
		case r.URL.Path == "/info/blockdag":
			w.Write([]byte(`{"networkName":"kaspa-mainnet","virtualDaaScore":42}`))
		default:
			w.Write([]byte(`{"balance":100000000}`))
		}
	}))
	t.Cleanup(marketSrv.Close)

	cfg := &Config{
		TickInterval:     time.Second,
		TickBatch:        64,
		CycleConcurrency: 1,
		MaxQueueDepth:    100,
		MaxAgents:        10,
		CallbackTimeout:  2 * time.Second,
		LeaderLockTTL:    10 * time.Second,
		ExecLeaseTTL:     30 * time.Second,
		IdempotencyTTL:   24 * time.Hour,
		DedupeLeaseTTL:   10 * time.Second,
		KasAPIBase:       marketSrv.URL,
	}

	log := zerolog.Nop()
	promReg := prometheus.NewRegistry()
	metrics := observability.NewSchedulerMetrics(promReg)
	reg := registry.New(st, keys, registry.Config{MaxAgents: cfg.MaxAgents}, log, metrics)
	q := queue.New(st, queue.Config{MaxDepth: cfg.MaxQueueDepth, LeaseTTL: cfg.ExecLeaseTTL}, log, metrics)
	leader := coordination.NewLeaderLock(st, coordination.Config{InstanceID: "test-1", TTL: cfg.LeaderLockTTL}, log, metrics)
	guard := dedupe.New(st, keys, dedupe.Config{LeaseTTL: cfg.DedupeLeaseTTL, DoneTTL: cfg.IdempotencyTTL}, log, metrics)
	mkt := market.New(market.Config{BaseURL: marketSrv.URL}, log, metrics)
	disp := NewDispatcher(cfg, "test-1", st, keys, reg, q, guard, mkt, leader.Fence, log, metrics)
	core := NewCore(cfg, "test-1", st, keys, reg, q, leader, guard, mkt, disp, log, metrics)

	authn := auth.NewAuthenticator(auth.Config{}, log, metrics)
	api := NewAPI(core, reg, log, metrics)
	return &harness{
		cfg:     cfg,
		store:   st,
		keys:    keys,
		core:    core,
		disp:    disp,
		reg:     reg,
		queue:   q,
		leader:  leader,
		handler: api.Router(cfg, authn, nil, promReg),
	}
}

// newReplica wires a second scheduler instance over an existing
// harness's store, the shape of a real multi-replica deployment.
func newReplica(t *testing.T, base *harness, instanceID string) *harness {
	t.Helper()
	cfg := base.cfg
	log := zerolog.Nop()
	metrics := observability.NewSchedulerMetrics(prometheus.NewRegistry())
	reg := registry.New(base.store, base.keys, registry.Config{MaxAgents: cfg.MaxAgents}, log, metrics)
	q := queue.New(base.store, queue.Config{MaxDepth: cfg.MaxQueueDepth, LeaseTTL: cfg.ExecLeaseTTL}, log, metrics)
	leader := coordination.NewLeaderLock(base.store, coordination.Config{InstanceID: instanceID, TTL: cfg.LeaderLockTTL}, log, metrics)
	guard := dedupe.New(base.store, base.keys, dedupe.Config{LeaseTTL: cfg.DedupeLeaseTTL, DoneTTL: cfg.IdempotencyTTL}, log, metrics)
	mkt := market.New(market.Config{BaseURL: cfg.KasAPIBase}, log, metrics)
	disp := NewDispatcher(cfg, instanceID, base.store, base.keys, reg, q, guard, mkt, leader.Fence, log, metrics)
	core := NewCore(cfg, instanceID, base.store, base.keys, reg, q, leader, guard, mkt, disp, log, metrics)
	return &harness{
		cfg:    cfg,
		store:  base.store,
		keys:   base.keys,
		core:   core,
		disp:   disp,
		reg:    reg,
		queue:  q,
		leader: leader,
	}
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func registerBody(agentID string) map[string]any {
	return map[string]any{
		"userId":          "user1",
		"agentId":         agentID,
		"name":            "dca bot",
		"walletAddress":   "kaspa:qq0example",
		"cycleIntervalMs": 1000,
		"strategyLabel":   "dca",
	}
}

func errorKind(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error.Message
}

func TestRegisterAndListRoundTrip(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/v1/agents/register", registerBody("agent1"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodGet, "/v1/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Agents []store.Agent `json:"agents"`
		Count  int           `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	a := body.Agents[0]
	assert.Equal(t, "user1", a.UserID)
	assert.Equal(t, "agent1", a.AgentID)
	assert.Equal(t, "dca bot", a.Name)
	assert.Equal(t, store.AgentRunning, a.Status)
	assert.Equal(t, int64(1000), a.CycleIntervalMs)
	assert.False(t, a.NextRunAt.Before(a.CreatedAt))
}

func TestRegisterValidation(t *testing.T) {
	h := newHarness(t)

	body := registerBody("agent1")
	body["walletAddress"] = "bitcoin:nope"
	rec := h.do(t, http.MethodPost, "/v1/agents/register", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "wallet_address_required", errorKind(t, rec))

	body = registerBody("agent1")
	body["agentId"] = ""
	rec = h.do(t, http.MethodPost, "/v1/agents/register", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "agent_id_required", errorKind(t, rec))

	body = registerBody("agent1")
	body["cycleIntervalMs"] = 0
	rec = h.do(t, http.MethodPost, "/v1/agents/register", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "cycle_interval_invalid", errorKind(t, rec))

	body = registerBody("agent1")
	body["callbackUrl"] = "ftp://nope"
	rec = h.do(t, http.MethodPost, "/v1/agents/register", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_callback", errorKind(t, rec))
}

func TestRegisterSchedulerFull(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 10; i++ {
		rec := h.do(t, http.MethodPost, "/v1/agents/register", registerBody(fmt.Sprintf("agent%d", i)))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := h.do(t, http.MethodPost, "/v1/agents/register", registerBody("agent10"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "scheduler_full", errorKind(t, rec))

	// Re-registering an existing agent is an update, not a new slot.
	rec = h.do(t, http.MethodPost, "/v1/agents/register", registerBody("agent0"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestControlPauseResumeRemove(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.do(t, http.MethodPost, "/v1/agents/register", registerBody("agent1"))

	rec := h.do(t, http.MethodPost, "/v1/agents/agent1/control",
		map[string]any{"action": "pause", "userId": "user1"})
	require.Equal(t, http.StatusOK, rec.Code)
	agent, err := h.reg.Get(ctx, "user1:agent1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentPaused, agent.Status)

	// Paused agents leave the due index.
	due, err := h.store.DueAgents(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	rec = h.do(t, http.MethodPost, "/v1/agents/agent1/control",
		map[string]any{"action": "resume", "userId": "user1"})
	require.Equal(t, http.StatusOK, rec.Code)
	due, err = h.store.DueAgents(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"user1:agent1"}, due)

	rec = h.do(t, http.MethodPost, "/v1/agents/agent1/control",
		map[string]any{"action": "remove", "userId": "user1"})
	require.Equal(t, http.StatusOK, rec.Code)
	agent, err = h.reg.Get(ctx, "user1:agent1")
	require.NoError(t, err)
	assert.Nil(t, agent)

	// Removal is idempotent.
	rec = h.do(t, http.MethodPost, "/v1/agents/agent1/control",
		map[string]any{"action": "remove", "userId": "user1"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestControlUpdateInterval(t *testing.T) {
	h := newHarness(t)
	h.do(t, http.MethodPost, "/v1/agents/register", registerBody("agent1"))

	rec := h.do(t, http.MethodPost, "/v1/agents/agent1/control",
		map[string]any{"action": "updateCycleIntervalMs", "userId": "user1", "updateCycleIntervalMs": 5000})
	require.Equal(t, http.StatusOK, rec.Code)
	agent, err := h.reg.Get(context.Background(), "user1:agent1")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), agent.CycleIntervalMs)

	rec = h.do(t, http.MethodPost, "/v1/agents/agent1/control",
		map[string]any{"action": "updateCycleIntervalMs", "userId": "user1", "updateCycleIntervalMs": 10})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "cycle_interval_invalid", errorKind(t, rec))
}

func TestControlUnknownAction(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/v1/agents/agent1/control", map[string]any{"action": "explode"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "unknown_action", errorKind(t, rec))
}

func TestTickEndpointClaimsDueAgents(t *testing.T) {
	h := newHarness(t)
	h.do(t, http.MethodPost, "/v1/agents/register", registerBody("agent1"))

	// Force the agent due now.
	require.NoError(t, h.store.ScheduleAgent(context.Background(), "user1:agent1", time.Now().Add(-time.Second)))

	rec := h.do(t, http.MethodPost, "/v1/scheduler/tick", map[string]any{})
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Tick TickResult `json:"tick"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Tick.Leader)
	assert.Equal(t, 1, body.Tick.DueSeen)
	assert.Equal(t, 1, body.Tick.Enqueued)
	assert.Positive(t, body.Tick.Fence)

	depths, err := h.store.QueueDepths(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), depths.Ready)
}

func TestHealthAndStatus(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/scheduler/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Status Status `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "test-1", body.Status.InstanceID)
	assert.True(t, body.Status.Redis)
}

func TestMetricsExposition(t *testing.T) {
	h := newHarness(t)
	h.do(t, http.MethodGet, "/health", nil)
	rec := h.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "forgeos_scheduler_http_requests_total")
}
