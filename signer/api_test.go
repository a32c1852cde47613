package main

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeos-labs/forgeos/observability"
	"github.com/forgeos-labs/forgeos/signer/signing"
)

func testKeyPEM(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

type signerHarness struct {
	api   *API
	h     http.Handler
	chain *signing.ChainLog
}

func newSignerHarness(t *testing.T, mutate func(*Config)) *signerHarness {
	t.Helper()
	cfg := &Config{PrivateKeyPEM: testKeyPEM(t)}
	if mutate != nil {
		mutate(cfg)
	}
	backend, err := buildBackend(cfg)
	require.NoError(t, err)

	var chain *signing.ChainLog
	if cfg.AppendLogPath != "" {
		chain, err = signing.OpenChainLog(cfg.AppendLogPath)
		require.NoError(t, err)
		t.Cleanup(func() { chain.Close() })
	}

	promReg := prometheus.NewRegistry()
	metrics := observability.NewSignerMetrics(promReg)
	api := NewAPI(cfg, backend, chain, zerolog.Nop(), metrics)
	return &signerHarness{api: api, h: api.Router(promReg), chain: chain}
}

func (s *signerHarness) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.h.ServeHTTP(rec, req)
	return rec
}

func (s *signerHarness) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.h.ServeHTTP(rec, req)
	return rec
}

func auditPayload() map[string]any {
	return map[string]any{
		"audit_record_version":        1,
		"hash_algo":                   "sha256",
		"prompt_version":              "v3",
		"ai_response_schema_version":  "v2",
		"quant_feature_snapshot_hash": "sha256:ZmVhdHVyZXM",
		"decision_hash":               "sha256:ZGVjaXNpb24",
		"overlay_plan_reason":         "momentum breakout",
		"engine_path":                 "quant.overlay",
		"created_ts":                  1700000000000,
	}
}

func TestSignThenVerifyRoundTrip(t *testing.T) {
	s := newSignerHarness(t, nil)

	rec := s.post(t, "/v1/audit-sign", map[string]any{"signingPayload": auditPayload()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var signed struct {
		OK        bool           `json:"ok"`
		Signature signing.Result `json:"signature"`
		Ts        int64          `json:"ts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &signed))
	assert.True(t, signed.OK)
	assert.Equal(t, signing.SigningVersion, signed.Signature.SigningVersion)
	assert.Equal(t, "ed25519", signed.Signature.Alg)
	assert.NotEmpty(t, signed.Signature.PayloadHashSha256B64u)
	assert.NotZero(t, signed.Ts)

	rec = s.post(t, "/v1/audit-verify", map[string]any{
		"signingPayload": auditPayload(),
		"signatureB64u":  signed.Signature.SignatureB64u,
		"publicKeyPem":   signed.Signature.PublicKeyPem,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var verified struct {
		Valid bool `json:"valid"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &verified))
	assert.True(t, verified.Valid)

	// A tampered payload must not verify.
	tampered := auditPayload()
	tampered["decision_hash"] = "sha256:ZXZpbA"
	rec = s.post(t, "/v1/audit-verify", map[string]any{
		"signingPayload": tampered,
		"signatureB64u":  signed.Signature.SignatureB64u,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &verified))
	assert.False(t, verified.Valid)
}

func TestSignValidation(t *testing.T) {
	s := newSignerHarness(t, nil)
	rec := s.post(t, "/v1/audit-sign", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "signing_payload_required")
}

func TestSignWithoutBackend(t *testing.T) {
	s := newSignerHarness(t, func(cfg *Config) { cfg.PrivateKeyPEM = "" })
	rec := s.post(t, "/v1/audit-sign", map[string]any{"signingPayload": auditPayload()})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "audit_signer_not_configured")
}

func TestPublicKeyEndpoint(t *testing.T) {
	s := newSignerHarness(t, nil)
	rec := s.get(t, "/v1/public-key")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		PublicKeyPem string `json:"publicKeyPem"`
		Alg          string `json:"alg"`
		KeyID        string `json:"keyId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body.PublicKeyPem, "PUBLIC KEY")
	assert.Equal(t, "ed25519", body.Alg)
	assert.NotEmpty(t, body.KeyID)

	noKey := newSignerHarness(t, func(cfg *Config) { cfg.PrivateKeyPEM = "" })
	rec = noKey.get(t, "/v1/public-key")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuditLogChain(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	s := newSignerHarness(t, func(cfg *Config) { cfg.AppendLogPath = logPath })

	for i := 0; i < 3; i++ {
		payload := auditPayload()
		payload["created_ts"] = 1700000000000 + i
		rec := s.post(t, "/v1/audit-sign", map[string]any{"signingPayload": payload})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := s.get(t, "/v1/audit-log")
	require.Equal(t, http.StatusOK, rec.Code)
	lines := bytes.Split(bytes.TrimSpace(rec.Body.Bytes()), []byte{'\n'})
	require.Len(t, lines, 3)

	asStrings := make([]string, len(lines))
	for i, l := range lines {
		asStrings[i] = string(l)
	}
	require.NoError(t, signing.VerifyChainLines(asStrings))

	// json format wraps the records in an array.
	rec = s.get(t, "/v1/audit-log?format=json&limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Records []map[string]any `json:"records"`
		Count   int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 2, body.Count)
	assert.Equal(t, "sha256", body.Records[0]["record_hash_algo"])
	assert.NotNil(t, body.Records[1]["prev_record_hash"])
}

func TestAuditLogNotConfigured(t *testing.T) {
	s := newSignerHarness(t, nil)
	rec := s.get(t, "/v1/audit-log")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSignerAuthTokens(t *testing.T) {
	s := newSignerHarness(t, func(cfg *Config) { cfg.AuthTokens = []string{"signer-secret"} })

	rec := s.post(t, "/v1/audit-sign", map[string]any{"signingPayload": auditPayload()})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(map[string]any{"signingPayload": auditPayload()}))
	req := httptest.NewRequest(http.MethodPost, "/v1/audit-sign", &buf)
	req.Header.Set("Authorization", "Bearer signer-secret")
	rec2 := httptest.NewRecorder()
	s.h.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusOK, rec2.Code)

	// Reads stay open without AuthReads.
	rec3 := s.get(t, "/v1/public-key")
	assert.Equal(t, http.StatusOK, rec3.Code)
}

func TestCommandBackendEndToEnd(t *testing.T) {
	s := newSignerHarness(t, func(cfg *Config) {
		cfg.PrivateKeyPEM = ""
		cfg.Command = []string{
			"/bin/sh", "-c",
			`cat >/dev/null; printf '{"signatureB64u":"c2ln","alg":"external","keyId":"hsm-1"}'`,
		}
	})
	rec := s.post(t, "/v1/audit-sign", map[string]any{"signingPayload": auditPayload()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var signed struct {
		Signature signing.Result `json:"signature"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &signed))
	assert.Equal(t, "external", signed.Signature.Alg)
	assert.Equal(t, "hsm-1", signed.Signature.KeyID)
}
