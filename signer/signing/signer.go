package signing

import (
	"context"
	"encoding/base64"
	"errors"
	"time"
)

// SigningVersion tags every signature envelope this service produces.
const SigningVersion = "forgeos.audit.crypto.v1"

// ErrNotConfigured is returned when no signing backend is available.
var ErrNotConfigured = errors.New("audit_signer_not_configured")

// Result is the signature envelope returned to callers and embedded
// into chained audit records.
type Result struct {
	SignatureB64u         string `json:"signatureB64u"`
	Alg                   string `json:"alg"`
	KeyID                 string `json:"keyId"`
	PublicKeyPem          string `json:"publicKeyPem,omitempty"`
	PayloadHashSha256B64u string `json:"payloadHashSha256B64u"`
	SignedAt              int64  `json:"signedAt"`
	SigningLatencyMs      int64  `json:"signingLatencyMs"`
	SigningVersion        string `json:"signingVersion"`
}

// Backend signs a canonicalized payload.
type Backend interface {
	// Name identifies the backend for metrics ("local" or "command").
	Name() string
	Sign(ctx context.Context, payload any) (*Result, error)
}

// LocalBackend signs with an in-process private key.
type LocalBackend struct {
	key Key
}

// NewLocalBackend wraps a loaded key.
func NewLocalBackend(key Key) *LocalBackend {
	return &LocalBackend{key: key}
}

// Name implements Backend.
func (b *LocalBackend) Name() string { return "local" }

// Key exposes the underlying key for the public-key and verify routes.
func (b *LocalBackend) Key() Key { return b.key }

// Sign canonicalizes the payload, hashes it, and signs the canonical
// bytes with the local key.
func (b *LocalBackend) Sign(ctx context.Context, payload any) (*Result, error) {
	start := time.Now()
	canonical, err := Canonicalize(payload)
	if err != nil {
		return nil, err
	}
	sig, err := b.key.Sign(canonical)
	if err != nil {
		return nil, err
	}
	return &Result{
		SignatureB64u:         base64.RawURLEncoding.EncodeToString(sig),
		Alg:                   b.key.Alg(),
		KeyID:                 b.key.KeyID(),
		PublicKeyPem:          b.key.PublicKeyPEM(),
		PayloadHashSha256B64u: HashB64u(canonical),
		SignedAt:              start.UnixMilli(),
		SigningLatencyMs:      time.Since(start).Milliseconds(),
		SigningVersion:        SigningVersion,
	}, nil
}
