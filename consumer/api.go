package main

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/forgeos-labs/forgeos/httpapi"
	"github.com/forgeos-labs/forgeos/observability"
	"github.com/forgeos-labs/forgeos/store"
)

// Inbound scheduler headers. Body fields act as fallbacks so direct
// integrations without custom headers still work.
const (
	headerIdempotency = "X-ForgeOS-Idempotency-Key"
	headerFenceToken  = "X-ForgeOS-Leader-Fence-Token"
	headerAgentKey    = "X-ForgeOS-Agent-Key"
	headerInstance    = "X-ForgeOS-Scheduler-Instance"
	headerQueueTaskID = "X-ForgeOS-Queue-Task-Id"
)

// API is the callback consumer surface.
type API struct {
	cfg      *Config
	store    store.Store
	keys     store.Keys
	ring     *EventRing
	receipts *ReceiptStore
	hub      *Hub
	log      zerolog.Logger
	metrics  *observability.ConsumerMetrics
}

// NewAPI wires the consumer handlers.
func NewAPI(cfg *Config, st store.Store, keys store.Keys, ring *EventRing,
	receipts *ReceiptStore, hub *Hub, log zerolog.Logger, metrics *observability.ConsumerMetrics) *API {
	return &API{
		cfg:      cfg,
		store:    st,
		keys:     keys,
		ring:     ring,
		receipts: receipts,
		hub:      hub,
		log:      log,
		metrics:  metrics,
	}
}

// Router assembles the consumer route stack.
func (a *API) Router(promReg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(a.cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: a.cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type",
				headerIdempotency, headerFenceToken, headerAgentKey, headerInstance, headerQueueTaskID},
		}))
	}
	r.Use(httpapi.Metrics(a.metrics.ObserveHTTP))
	r.Use(httpapi.AccessLog(a.log))
	r.Use(a.authMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httpapi.WriteJSON(w, http.StatusOK, map[string]any{
			"ok":    true,
			"redis": a.store.Ping(r.Context()) == nil,
		})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/scheduler/cycle", a.handleCycle)
		r.Post("/execution-receipts", a.handleReceiptPost)
		r.Get("/execution-receipts", a.handleReceiptGet)
		r.Get("/events", a.handleEvents)
		r.Get("/fences", a.handleFences)
		if a.hub != nil {
			r.Get("/events/stream", a.hub.ServeHTTP)
		}
	})
	return r
}

// authMiddleware enforces the static token list: always on writes,
// on reads only when AuthReads is set. No tokens configured means the
// consumer runs open.
func (a *API) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.cfg.AuthTokens) == 0 || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Method == http.MethodGet && !a.cfg.AuthReads && r.URL.Path != "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		token := httpapi.BearerToken(r, "X-Scheduler-Token")
		for _, t := range a.cfg.AuthTokens {
			if subtle.ConstantTimeCompare([]byte(token), []byte(t)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}
		httpapi.WriteError(w, http.StatusUnauthorized, httpapi.KindUnauthorized, nil)
	})
}

// cycleBody is the subset of the scheduler payload the consumer needs
// when headers are absent.
type cycleBody struct {
	Scheduler struct {
		InstanceID             string `json:"instanceId"`
		LeaderFenceToken       *int64 `json:"leaderFenceToken"`
		QueueTaskID            string `json:"queueTaskId"`
		CallbackIdempotencyKey string `json:"callbackIdempotencyKey"`
	} `json:"scheduler"`
	Agent struct {
		ID     string `json:"id"`
		UserID string `json:"userId"`
	} `json:"agent"`
}

// handleCycle is the terminal acceptor for cycle events: idempotency
// first, then fence monotonicity, then retention.
func (a *API) handleCycle(w http.ResponseWriter, r *http.Request) {
	raw := make(map[string]any)
	if err := httpapi.DecodeJSON(r, &raw); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.KindBadRequest, nil)
		return
	}
	var body cycleBody
	if data, err := json.Marshal(raw); err == nil {
		_ = json.Unmarshal(data, &body)
	}

	idemKey := r.Header.Get(headerIdempotency)
	if idemKey == "" {
		idemKey = body.Scheduler.CallbackIdempotencyKey
	}
	if idemKey == "" {
		httpapi.WriteError(w, http.StatusBadRequest, "idempotency_key_required", nil)
		return
	}

	agentKey := r.Header.Get(headerAgentKey)
	if agentKey == "" && body.Agent.ID != "" {
		userID := body.Agent.UserID
		if userID == "" {
			userID = "default"
		}
		agentKey = userID + ":" + body.Agent.ID
	}
	if agentKey == "" {
		httpapi.WriteError(w, http.StatusBadRequest, "agent_key_required", nil)
		return
	}

	fence, ok := a.fenceFrom(r, &body)
	if !ok {
		httpapi.WriteError(w, http.StatusBadRequest, "fence_token_required", nil)
		return
	}

	ctx := r.Context()
	fresh, err := a.store.SetNX(ctx, a.keys.Idem(idemKey), "1", a.cfg.IdempotencyTTL)
	if err != nil {
		// Fail open: at-least-once beats dropping the cycle.
		a.log.Warn().Err(err).Str("idem_key", idemKey).Msg("idempotency check failed open")
		fresh = true
	}
	if !fresh {
		a.metrics.EventsDuplicate.Inc()
		httpapi.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "duplicate": true})
		return
	}

	// Fence checks fail closed: without the store we cannot prove
	// monotonicity, so the event is rejected.
	result, err := a.store.ObserveFence(ctx, a.keys.Fence(agentKey), fence)
	if err != nil {
		a.log.Error().Err(err).Str("agent_key", agentKey).Msg("fence check unavailable")
		httpapi.WriteError(w, http.StatusServiceUnavailable, "fence_check_unavailable", nil)
		return
	}
	if !result.Accepted {
		a.metrics.StaleFence.Inc()
		httpapi.WriteError(w, http.StatusConflict, "stale_fence_token", map[string]any{
			"currentFence":  result.Current,
			"receivedFence": result.Received,
		})
		return
	}
	if result.Received > result.Current {
		a.metrics.FenceAdvances.Inc()
	}

	event := CycleEvent{
		ReceivedAt:     time.Now().UTC(),
		AgentKey:       agentKey,
		Fence:          fence,
		IdempotencyKey: idemKey,
		InstanceID:     firstNonEmpty(r.Header.Get(headerInstance), body.Scheduler.InstanceID),
		QueueTaskID:    firstNonEmpty(r.Header.Get(headerQueueTaskID), body.Scheduler.QueueTaskID),
		Payload:        raw,
	}
	a.metrics.RingSize.Set(float64(a.ring.Push(event)))
	a.metrics.EventsAccepted.Inc()
	if a.hub != nil {
		a.hub.Broadcast(event)
	}

	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "accepted": true, "duplicate": false})
}

// fenceFrom extracts the fence token from header or body; negative
// values are rejected.
func (a *API) fenceFrom(r *http.Request, body *cycleBody) (int64, bool) {
	if raw := r.Header.Get(headerFenceToken); raw != "" {
		fence, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil || fence < 0 {
			return 0, false
		}
		return fence, true
	}
	if body.Scheduler.LeaderFenceToken != nil {
		fence := *body.Scheduler.LeaderFenceToken
		if fence < 0 {
			return 0, false
		}
		return fence, true
	}
	return 0, false
}

func (a *API) handleReceiptPost(w http.ResponseWriter, r *http.Request) {
	var receipt Receipt
	if err := httpapi.DecodeJSON(r, &receipt); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.KindBadRequest, nil)
		return
	}
	txid, err := NormalizeTxid(receipt.Txid)
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "invalid_txid", nil)
		return
	}
	receipt.Txid = txid

	// Receipt posts are idempotent per txid by default; a caller may
	// override the key to force distinct deliveries.
	idemKey := r.Header.Get(headerIdempotency)
	if idemKey == "" {
		idemKey = "receipt:" + txid
	}
	ctx := r.Context()
	fresh, err := a.store.SetNX(ctx, a.keys.Idem(idemKey), "1", a.cfg.IdempotencyTTL)
	if err != nil {
		a.log.Warn().Err(err).Str("txid", txid).Msg("receipt idempotency failed open")
		fresh = true
	}

	if err := a.receipts.Upsert(ctx, &receipt); err != nil {
		if errors.Is(err, ErrInvalidTxid) {
			httpapi.WriteError(w, http.StatusBadRequest, "invalid_txid", nil)
			return
		}
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.KindInternal, nil)
		return
	}
	if fresh {
		a.metrics.ReceiptsStored.Inc()
	} else {
		a.metrics.ReceiptsDeduped.Inc()
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "txid": txid, "duplicate": !fresh})
}

func (a *API) handleReceiptGet(w http.ResponseWriter, r *http.Request) {
	txid := r.URL.Query().Get("txid")
	if txid == "" {
		httpapi.WriteError(w, http.StatusBadRequest, "txid_required", nil)
		return
	}
	receipt, err := a.receipts.Get(r.Context(), txid)
	if errors.Is(err, ErrInvalidTxid) {
		httpapi.WriteError(w, http.StatusBadRequest, "invalid_txid", nil)
		return
	}
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.KindInternal, nil)
		return
	}
	if receipt == nil {
		httpapi.WriteError(w, http.StatusNotFound, httpapi.KindNotFound, nil)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "receipt": receipt})
}

func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	events := a.ring.Recent(limit)
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "events": events, "count": len(events)})
}

func (a *API) handleFences(w http.ResponseWriter, r *http.Request) {
	fences, err := a.store.Fences(r.Context())
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.KindInternal, nil)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "fences": fences})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
