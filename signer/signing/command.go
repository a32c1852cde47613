package signing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// CommandBackend delegates signing to an external process that reads a
// JSON request on stdin and writes a JSON response on stdout. HSM and
// KMS wrappers plug in this way without linking their SDKs.
type CommandBackend struct {
	argv    []string
	timeout time.Duration
}

// commandRequest is the stdin contract for the external signer.
type commandRequest struct {
	SigningVersion        string          `json:"signingVersion"`
	PayloadCanonical      string          `json:"payloadCanonical"`
	PayloadHashSha256B64u string          `json:"payloadHashSha256B64u"`
	Payload               json.RawMessage `json:"payload"`
}

// commandResponse is the stdout contract for the external signer.
type commandResponse struct {
	SignatureB64u string `json:"signatureB64u"`
	Alg           string `json:"alg"`
	KeyID         string `json:"keyId"`
	PublicKeyPem  string `json:"publicKeyPem,omitempty"`
	Error         string `json:"error,omitempty"`
}

// NewCommandBackend builds a backend around argv with a hard deadline
// per invocation.
func NewCommandBackend(argv []string, timeout time.Duration) (*CommandBackend, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, ErrNotConfigured
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CommandBackend{argv: argv, timeout: timeout}, nil
}

// Name implements Backend.
func (b *CommandBackend) Name() string { return "command" }

// TimeoutErrorKind is the machine-readable kind for a timed-out
// invocation, carrying the configured deadline.
func (b *CommandBackend) TimeoutErrorKind() string {
	return fmt.Sprintf("audit_signer_command_timeout_%d", b.timeout.Milliseconds())
}

// Sign runs one invocation of the external command.
func (b *CommandBackend) Sign(ctx context.Context, payload any) (*Result, error) {
	start := time.Now()
	canonical, err := Canonicalize(payload)
	if err != nil {
		return nil, err
	}
	hash := HashB64u(canonical)

	reqBody, err := json.Marshal(commandRequest{
		SigningVersion:        SigningVersion,
		PayloadCanonical:      string(canonical),
		PayloadHashSha256B64u: hash,
		Payload:               json.RawMessage(canonical),
	})
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, b.argv[0], b.argv[1:]...)
	cmd.Stdin = bytes.NewReader(reqBody)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, errors.New(b.TimeoutErrorKind())
		}
		return nil, fmt.Errorf("signer command failed: %w (stderr: %s)", err, stderr.String())
	}

	var resp commandResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("signer command output: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("signer command: %s", resp.Error)
	}
	if resp.SignatureB64u == "" {
		return nil, errors.New("signer command returned no signature")
	}

	return &Result{
		SignatureB64u:         resp.SignatureB64u,
		Alg:                   resp.Alg,
		KeyID:                 resp.KeyID,
		PublicKeyPem:          resp.PublicKeyPem,
		PayloadHashSha256B64u: hash,
		SignedAt:              start.UnixMilli(),
		SigningLatencyMs:      time.Since(start).Milliseconds(),
		SigningVersion:        SigningVersion,
	}, nil
}
