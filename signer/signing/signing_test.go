package signing

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloudflare/circl/sign/ed448"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeSortsKeys(t *testing.T) {
	out, err := Canonicalize(map[string]any{
		"zeta":  1,
		"alpha": map[string]any{"b": 2, "a": 1},
		"mid":   []any{"x", nil, true},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":{"a":1,"b":2},"mid":["x",null,true],"zeta":1}`, string(out))
}

func TestCanonicalizeDeterministic(t *testing.T) {
	payload := map[string]any{"decision_hash": "sha256:abc", "created_ts": 1700000000000, "nested": map[string]any{"k": "v"}}
	a, err := Canonicalize(payload)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		b, err := Canonicalize(payload)
		require.NoError(t, err)
		assert.Equal(t, string(a), string(b))
	}
}

func TestCanonicalizeNonFiniteNumbers(t *testing.T) {
	out, err := Canonicalize(map[string]any{"nan": math.NaN(), "inf": math.Inf(1), "ok": 1.5})
	require.NoError(t, err)
	assert.Equal(t, `{"inf":null,"nan":null,"ok":1.5}`, string(out))
}

func TestCanonicalizeStructs(t *testing.T) {
	type inner struct {
		B int    `json:"b"`
		A string `json:"a"`
	}
	out, err := Canonicalize(inner{B: 2, A: "x"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":2}`, string(out))
}

func TestCanonicalizePreservesLargeInts(t *testing.T) {
	out, err := Canonicalize(map[string]any{"ts": int64(1700000000000)})
	require.NoError(t, err)
	assert.Equal(t, `{"ts":1700000000000}`, string(out))
}

func ed25519PEM(t *testing.T) []byte {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

func ed448PEM(t *testing.T) []byte {
	t.Helper()
	_, priv, err := ed448.GenerateKey(rand.Reader)
	require.NoError(t, err)
	inner, err := asn1.Marshal(priv.Seed())
	require.NoError(t, err)
	der, err := asn1.Marshal(pkcs8Envelope{
		Version:    0,
		Algo:       pkix.AlgorithmIdentifier{Algorithm: oidEd448},
		PrivateKey: inner,
	})
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

func ecdsaPEM(t *testing.T) []byte {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
}

func TestKeyBackends(t *testing.T) {
	cases := []struct {
		name string
		pem  []byte
		alg  string
	}{
		{"ed25519", ed25519PEM(t), "ed25519"},
		{"ed448", ed448PEM(t), "ed448"},
		{"ecdsa", ecdsaPEM(t), "ecdsa-sha256"},
	}
	message := []byte(`{"decision_hash":"sha256:abc"}`)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			key, err := LoadPrivateKeyPEM(tc.pem)
			require.NoError(t, err)
			assert.Equal(t, tc.alg, key.Alg())
			assert.NotEmpty(t, key.KeyID())
			assert.Contains(t, key.PublicKeyPEM(), "PUBLIC KEY")

			sig, err := key.Sign(message)
			require.NoError(t, err)
			assert.True(t, key.Verify(message, sig))
			assert.False(t, key.Verify([]byte("tampered"), sig))

			ok, err := VerifyWithPEM(key.PublicKeyPEM(), message, sig)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestLoadPrivateKeyPEMRejectsGarbage(t *testing.T) {
	_, err := LoadPrivateKeyPEM([]byte("not a key"))
	assert.Error(t, err)
}

func TestLocalBackendSign(t *testing.T) {
	key, err := LoadPrivateKeyPEM(ed25519PEM(t))
	require.NoError(t, err)
	backend := NewLocalBackend(key)

	payload := map[string]any{
		"audit_record_version": 1,
		"hash_algo":            "sha256",
		"decision_hash":        "sha256:abc",
		"created_ts":           1700000000000,
	}
	result, err := backend.Sign(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, SigningVersion, result.SigningVersion)
	assert.Equal(t, "ed25519", result.Alg)
	assert.Equal(t, key.KeyID(), result.KeyID)
	assert.NotZero(t, result.SignedAt)

	canonical, err := Canonicalize(payload)
	require.NoError(t, err)
	assert.Equal(t, HashB64u(canonical), result.PayloadHashSha256B64u)

	sig, err := base64.RawURLEncoding.DecodeString(result.SignatureB64u)
	require.NoError(t, err)
	ok, err := VerifyWithPEM(result.PublicKeyPem, canonical, sig)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCommandBackend(t *testing.T) {
	backend, err := NewCommandBackend([]string{
		"/bin/sh", "-c",
		`cat >/dev/null; printf '{"signatureB64u":"c2lnbmVk","alg":"external","keyId":"hsm-1"}'`,
	}, 5*time.Second)
	require.NoError(t, err)

	result, err := backend.Sign(context.Background(), map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, "c2lnbmVk", result.SignatureB64u)
	assert.Equal(t, "external", result.Alg)
	assert.Equal(t, "hsm-1", result.KeyID)
	assert.Equal(t, HashB64u([]byte(`{"k":"v"}`)), result.PayloadHashSha256B64u)
}

func TestCommandBackendTimeout(t *testing.T) {
	backend, err := NewCommandBackend([]string{"/bin/sh", "-c", "sleep 5"}, 100*time.Millisecond)
	require.NoError(t, err)

	_, err = backend.Sign(context.Background(), map[string]any{"k": "v"})
	require.Error(t, err)
	assert.Equal(t, "audit_signer_command_timeout_100", err.Error())
}

func TestCommandBackendError(t *testing.T) {
	backend, err := NewCommandBackend([]string{
		"/bin/sh", "-c", `cat >/dev/null; printf '{"error":"key unavailable"}'`,
	}, 5*time.Second)
	require.NoError(t, err)

	_, err = backend.Sign(context.Background(), map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key unavailable")
}

func TestCommandBackendUnconfigured(t *testing.T) {
	_, err := NewCommandBackend(nil, time.Second)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestChainLogAppendAndVerify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	chain, err := OpenChainLog(path)
	require.NoError(t, err)
	defer chain.Close()

	for i := 0; i < 3; i++ {
		record, err := chain.Append(map[string]any{"decision_hash": "sha256:d", "seq": i})
		require.NoError(t, err)
		assert.Equal(t, "sha256", record["record_hash_algo"])
		if i == 0 {
			assert.Nil(t, record["prev_record_hash"])
		} else {
			assert.NotNil(t, record["prev_record_hash"])
		}
	}
	assert.Equal(t, int64(3), chain.Len())

	lines, err := chain.Recent(0)
	require.NoError(t, err)
	require.Len(t, lines, 3)
	require.NoError(t, VerifyChainLines(lines))
}

func TestChainLogRecoversTailAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	chain, err := OpenChainLog(path)
	require.NoError(t, err)
	first, err := chain.Append(map[string]any{"seq": 0})
	require.NoError(t, err)
	require.NoError(t, chain.Close())

	chain, err = OpenChainLog(path)
	require.NoError(t, err)
	defer chain.Close()
	assert.Equal(t, int64(1), chain.Len())

	second, err := chain.Append(map[string]any{"seq": 1})
	require.NoError(t, err)
	assert.Equal(t, first["record_hash"], second["prev_record_hash"])

	lines, err := chain.Recent(0)
	require.NoError(t, err)
	require.NoError(t, VerifyChainLines(lines))
}

func TestChainLogRecentLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	chain, err := OpenChainLog(path)
	require.NoError(t, err)
	defer chain.Close()

	for i := 0; i < 5; i++ {
		_, err := chain.Append(map[string]any{"seq": i})
		require.NoError(t, err)
	}
	lines, err := chain.Recent(2)
	require.NoError(t, err)
	require.Len(t, lines, 2)

	var last struct {
		Seq int `json:"seq"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &last))
	assert.Equal(t, 4, last.Seq)
}

func TestVerifyChainLinesDetectsTamper(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	chain, err := OpenChainLog(path)
	require.NoError(t, err)
	defer chain.Close()
	for i := 0; i < 2; i++ {
		_, err := chain.Append(map[string]any{"seq": i})
		require.NoError(t, err)
	}
	lines, err := chain.Recent(0)
	require.NoError(t, err)

	tampered := make([]string, len(lines))
	copy(tampered, lines)
	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(tampered[0]), &record))
	record["seq"] = 99
	data, err := json.Marshal(record)
	require.NoError(t, err)
	tampered[0] = string(data)

	assert.Error(t, VerifyChainLines(tampered))
}
