// Package httpapi holds the JSON plumbing shared by the scheduler,
// callback consumer, and audit signer HTTP surfaces.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Error kinds shared across services. Service-specific kinds live next
// to the handlers that raise them.
const (
	KindUnauthorized  = "unauthorized"
	KindForbidden     = "forbidden"
	KindQuotaExceeded = "quota_exceeded"
	KindBadRequest    = "bad_request"
	KindNotFound      = "not_found"
	KindInternal      = "internal_error"
)

// WriteJSON marshals v with a status code. Marshal failures downgrade
// to a plain 500 since the response writer is already committed.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are out the door; nothing left to do but drop it.
		_ = err
	}
}

// WriteError emits the machine-readable error envelope:
//
//	{"error": {"message": "<kind>", ...extra}}
//
// Extra fields merge into the error object itself so clients can read
// details like currentFence without a second lookup.
func WriteError(w http.ResponseWriter, status int, kind string, extra map[string]any) {
	body := map[string]any{"message": kind}
	for k, v := range extra {
		if k == "message" {
			continue
		}
		body[k] = v
	}
	WriteJSON(w, status, map[string]any{"error": body})
}

// MaxBodyBytes bounds request bodies on every JSON endpoint.
const MaxBodyBytes = 1 << 20

// DecodeJSON reads at most MaxBodyBytes of the request body into dst.
func DecodeJSON(r *http.Request, dst any) error {
	body := http.MaxBytesReader(nil, r.Body, MaxBodyBytes)
	defer func() { _, _ = io.Copy(io.Discard, body) }()
	dec := json.NewDecoder(body)
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("body exceeds %d bytes", maxErr.Limit)
		}
		return err
	}
	return nil
}

// BearerToken extracts a bearer credential from the Authorization
// header, falling back to the named alternate header when set.
func BearerToken(r *http.Request, altHeader string) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	if altHeader != "" {
		return r.Header.Get(altHeader)
	}
	return ""
}
