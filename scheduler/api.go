package main

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/forgeos-labs/forgeos/auth"
	"github.com/forgeos-labs/forgeos/httpapi"
	"github.com/forgeos-labs/forgeos/observability"
	"github.com/forgeos-labs/forgeos/queue"
	"github.com/forgeos-labs/forgeos/registry"
	"github.com/forgeos-labs/forgeos/store"
)

// API is the scheduler control plane.
type API struct {
	core     *Core
	registry *registry.Registry
	log      zerolog.Logger
	metrics  *observability.SchedulerMetrics
}

// NewAPI builds the control-plane handler set.
func NewAPI(core *Core, reg *registry.Registry, log zerolog.Logger, metrics *observability.SchedulerMetrics) *API {
	return &API{core: core, registry: reg, log: log, metrics: metrics}
}

// Router assembles the full middleware and route stack.
func (a *API) Router(cfg *Config, authn *auth.Authenticator, quota *auth.Quota, promReg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Scheduler-Token"},
		}))
	}
	r.Use(httpapi.Metrics(a.metrics.ObserveHTTP))
	r.Use(httpapi.AccessLog(a.log))
	r.Use(auth.Middleware(authn, quota, "X-Scheduler-Token"))

	r.Get("/health", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/agents/register", a.handleRegister)
		r.Post("/agents/{id}/control", a.handleControl)
		r.Get("/agents", a.handleList)
		r.Post("/scheduler/tick", a.handleTick)
		r.Get("/scheduler/status", a.handleStatus)
	})
	return r
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := a.core.Status(r.Context())
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"instanceId": st.InstanceID,
		"leader":     st.Leader,
		"redis":      st.Redis,
	})
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in registry.RegisterInput
	if err := httpapi.DecodeJSON(r, &in); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.KindBadRequest, nil)
		return
	}
	agent, err := a.registry.Register(r.Context(), in)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "agent": agent})
}

type controlRequest struct {
	Action          string `json:"action"`
	UserID          string `json:"userId"`
	CycleIntervalMs int64  `json:"updateCycleIntervalMs"`
}

func (a *API) handleControl(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	var req controlRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.KindBadRequest, nil)
		return
	}
	if req.UserID == "" {
		req.UserID = "default"
	}
	queueKey := req.UserID + ":" + agentID

	ctx := r.Context()
	var (
		agent *store.Agent
		err   error
	)
	switch req.Action {
	case "pause":
		agent, err = a.registry.Pause(ctx, queueKey)
	case "resume":
		agent, err = a.registry.Resume(ctx, queueKey)
	case "updateCycleIntervalMs":
		agent, err = a.registry.UpdateInterval(ctx, queueKey, req.CycleIntervalMs)
	case "remove":
		var purged int64
		purged, err = a.registry.Remove(ctx, queueKey)
		if err == nil {
			httpapi.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "removed": true, "tasksPurged": purged})
			return
		}
	default:
		httpapi.WriteError(w, http.StatusBadRequest, "unknown_action", nil)
		return
	}
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "agent": agent})
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	// Non-admin callers only see their own agents.
	filter := ""
	if p := auth.PrincipalFrom(r.Context()); p != nil && !p.HasScope(auth.ScopeAdmin) {
		filter = p.Subject
	}
	agents, err := a.registry.List(r.Context(), filter)
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.KindInternal, nil)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "agents": agents, "count": len(agents)})
}

func (a *API) handleTick(w http.ResponseWriter, r *http.Request) {
	res := a.core.Tick(r.Context())
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "tick": res})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "status": a.core.Status(r.Context())})
}

// writeRegistryError maps registry sentinel errors onto wire kinds and
// status codes.
func writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrSchedulerFull):
		httpapi.WriteError(w, http.StatusServiceUnavailable, err.Error(), nil)
	case errors.Is(err, queue.ErrFull):
		httpapi.WriteError(w, http.StatusServiceUnavailable, "scheduler_queue_full", nil)
	case errors.Is(err, registry.ErrAgentNotFound):
		httpapi.WriteError(w, http.StatusNotFound, err.Error(), nil)
	case errors.Is(err, registry.ErrAgentIDRequired),
		errors.Is(err, registry.ErrAgentIDInvalid),
		errors.Is(err, registry.ErrUserIDInvalid),
		errors.Is(err, registry.ErrWalletAddressRequired),
		errors.Is(err, registry.ErrIntervalInvalid),
		errors.Is(err, registry.ErrInvalidCallback),
		errors.Is(err, registry.ErrUnknownAction):
		httpapi.WriteError(w, http.StatusBadRequest, err.Error(), nil)
	default:
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.KindInternal, nil)
	}
}
