package main

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
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
	"github.com/forgeos-labs/forgeos/signer/signing"
)

// API is the audit signer HTTP surface.
type API struct {
	cfg     *Config
	backend signing.Backend
	local   *signing.LocalBackend
	chain   *signing.ChainLog
	log     zerolog.Logger
	metrics *observability.SignerMetrics
}

// NewAPI wires the signer handlers. backend and chain may be nil; the
// corresponding routes then answer with a configuration error.
func NewAPI(cfg *Config, backend signing.Backend, chain *signing.ChainLog,
	log zerolog.Logger, metrics *observability.SignerMetrics) *API {
	local, _ := backend.(*signing.LocalBackend)
	return &API{
		cfg:     cfg,
		backend: backend,
		local:   local,
		chain:   chain,
		log:     log,
		metrics: metrics,
	}
}

// Router assembles the signer route stack.
func (a *API) Router(promReg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(a.cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: a.cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
		}))
	}
	r.Use(httpapi.Metrics(a.metrics.ObserveHTTP))
	r.Use(httpapi.AccessLog(a.log))
	r.Use(a.authMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httpapi.WriteJSON(w, http.StatusOK, map[string]any{
			"ok":         true,
			"configured": a.backend != nil,
		})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/audit-sign", a.handleSign)
		r.Post("/audit-verify", a.handleVerify)
		r.Get("/public-key", a.handlePublicKey)
		r.Get("/audit-log", a.handleAuditLog)
	})
	return r
}

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
		token := httpapi.BearerToken(r, "X-Signer-Token")
		for _, t := range a.cfg.AuthTokens {
			if subtle.ConstantTimeCompare([]byte(token), []byte(t)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}
		httpapi.WriteError(w, http.StatusUnauthorized, httpapi.KindUnauthorized, nil)
	})
}

type signRequest struct {
	SigningPayload json.RawMessage `json:"signingPayload"`
}

func (a *API) handleSign(w http.ResponseWriter, r *http.Request) {
	var req signRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.KindBadRequest, nil)
		return
	}
	if len(req.SigningPayload) == 0 || string(req.SigningPayload) == "null" {
		httpapi.WriteError(w, http.StatusBadRequest, "signing_payload_required", nil)
		return
	}
	if a.backend == nil {
		httpapi.WriteError(w, http.StatusServiceUnavailable, signing.ErrNotConfigured.Error(), nil)
		return
	}

	var payload any
	dec := json.NewDecoder(strings.NewReader(string(req.SigningPayload)))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.KindBadRequest, nil)
		return
	}

	start := time.Now()
	result, err := a.backend.Sign(r.Context(), payload)
	a.metrics.SignLatency.Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		a.metrics.SignOutcomes.WithLabelValues(a.backend.Name(), "error").Inc()
		kind := httpapi.KindInternal
		status := http.StatusInternalServerError
		if msg := err.Error(); strings.HasPrefix(msg, "audit_signer_command_timeout_") {
			kind, status = msg, http.StatusServiceUnavailable
		}
		a.log.Error().Err(err).Msg("sign failed")
		httpapi.WriteError(w, status, kind, nil)
		return
	}
	a.metrics.SignOutcomes.WithLabelValues(a.backend.Name(), "ok").Inc()

	if a.chain != nil {
		if err := a.appendChain(payload, result); err != nil {
			// The signature stands; only the local log write failed.
			a.log.Error().Err(err).Msg("audit log append failed")
		} else {
			a.metrics.ChainAppends.Inc()
			a.metrics.ChainLength.Set(float64(a.chain.Len()))
		}
	}

	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"signature": result,
		"ts":        time.Now().UnixMilli(),
	})
}

// appendChain writes one chained record: the signed payload's fields
// plus the signature envelope.
func (a *API) appendChain(payload any, result *signing.Result) error {
	record := make(map[string]any)
	if fields, ok := payload.(map[string]any); ok {
		for k, v := range fields {
			record[k] = v
		}
	} else {
		record["signing_payload"] = payload
	}
	record["signature"] = map[string]any{
		"signatureB64u":         result.SignatureB64u,
		"alg":                   result.Alg,
		"keyId":                 result.KeyID,
		"payloadHashSha256B64u": result.PayloadHashSha256B64u,
		"signedAt":              result.SignedAt,
		"signingVersion":        result.SigningVersion,
	}
	_, err := a.chain.Append(record)
	return err
}

type verifyRequest struct {
	SigningPayload json.RawMessage `json:"signingPayload"`
	SignatureB64u  string          `json:"signatureB64u"`
	PublicKeyPem   string          `json:"publicKeyPem"`
}

func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.KindBadRequest, nil)
		return
	}
	if len(req.SigningPayload) == 0 || req.SignatureB64u == "" {
		httpapi.WriteError(w, http.StatusBadRequest, "signature_and_payload_required", nil)
		return
	}

	var payload any
	dec := json.NewDecoder(strings.NewReader(string(req.SigningPayload)))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.KindBadRequest, nil)
		return
	}
	canonical, err := signing.Canonicalize(payload)
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, httpapi.KindBadRequest, nil)
		return
	}
	sig, err := base64.RawURLEncoding.DecodeString(req.SignatureB64u)
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "invalid_signature_encoding", nil)
		return
	}

	var valid bool
	switch {
	case req.PublicKeyPem != "":
		valid, err = signing.VerifyWithPEM(req.PublicKeyPem, canonical, sig)
		if err != nil {
			httpapi.WriteError(w, http.StatusBadRequest, "invalid_public_key", nil)
			return
		}
	case a.local != nil:
		valid = a.local.Key().Verify(canonical, sig)
	default:
		httpapi.WriteError(w, http.StatusServiceUnavailable, signing.ErrNotConfigured.Error(), nil)
		return
	}

	outcome := "invalid"
	if valid {
		outcome = "valid"
	}
	a.metrics.Verified.WithLabelValues(outcome).Inc()
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "valid": valid})
}

func (a *API) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	if a.local == nil {
		httpapi.WriteError(w, http.StatusNotFound, signing.ErrNotConfigured.Error(), nil)
		return
	}
	key := a.local.Key()
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"ok":           true,
		"publicKeyPem": key.PublicKeyPEM(),
		"alg":          key.Alg(),
		"keyId":        key.KeyID(),
	})
}

func (a *API) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	if a.chain == nil {
		httpapi.WriteError(w, http.StatusNotFound, "audit_log_not_configured", nil)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	lines, err := a.chain.Recent(limit)
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, httpapi.KindInternal, nil)
		return
	}

	if r.URL.Query().Get("format") == "json" {
		records := make([]json.RawMessage, 0, len(lines))
		for _, line := range lines {
			records = append(records, json.RawMessage(line))
		}
		httpapi.WriteJSON(w, http.StatusOK, map[string]any{
			"ok":      true,
			"records": records,
			"count":   len(records),
		})
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	for _, line := range lines {
		_, _ = w.Write([]byte(line))
		_, _ = w.Write([]byte{'\n'})
	}
}
