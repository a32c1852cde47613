// Package auth authenticates control-plane callers and enforces scope
// and quota policy. Four credential shapes are accepted on one bearer
// header: shared admin tokens, registered service tokens, HS256 JWTs,
// and RS256 JWTs verified against a JWKS endpoint.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/forgeos-labs/forgeos/observability"
)

// Errors surfaced by Authenticate. The middleware maps them onto the
// wire error kinds.
var (
	ErrNoCredentials = errors.New("no credentials")
	ErrBadToken      = errors.New("invalid token")
)

// ScopeAdmin short-circuits every scope check.
const ScopeAdmin = "admin"

// Well-known scopes used by the route map.
const (
	ScopeAgentRead     = "agent:read"
	ScopeAgentWrite    = "agent:write"
	ScopeSchedulerTick = "scheduler:tick"
	ScopeMetricsRead   = "metrics:read"
)

// Principal is an authenticated caller.
type Principal struct {
	// Subject identifies the caller for quotas and tenancy filtering.
	Subject string
	// Scopes is the normalized scope set. Admin principals carry the
	// admin scope and pass every check.
	Scopes map[string]bool
	// Method records which credential shape authenticated the caller.
	Method string
}

// HasScope reports whether p may use scope. The admin scope covers
// everything; the public pseudo-scope is always allowed.
func (p *Principal) HasScope(scope string) bool {
	if scope == "" || scope == "public" {
		return true
	}
	if p == nil {
		return false
	}
	return p.Scopes[ScopeAdmin] || p.Scopes[scope]
}

// ServiceToken is one entry of the static token registry, configured as
// a JSON array in SCHEDULER_SERVICE_TOKENS_JSON.
type ServiceToken struct {
	Token   string   `json:"token"`
	Subject string   `json:"subject"`
	Scopes  []string `json:"scopes"`
	Type    string   `json:"type,omitempty"`
}

// Config holds every credential source the authenticator consults.
type Config struct {
	// AdminTokens authenticate as subject "admin" with the admin scope.
	AdminTokens []string
	// ServiceTokens is the static registry, usually parsed from JSON.
	ServiceTokens []ServiceToken
	// HS256Secret enables HS256 JWT verification when non-empty.
	HS256Secret string
	// Issuer and Audience are enforced on JWTs when configured.
	Issuer   string
	Audience string
	// JWKS enables RS256 verification when non-nil.
	JWKS *JWKSClient
}

// ParseServiceTokens decodes the SCHEDULER_SERVICE_TOKENS_JSON value.
func ParseServiceTokens(raw string) ([]ServiceToken, error) {
	if raw == "" {
		return nil, nil
	}
	var tokens []ServiceToken
	if err := json.Unmarshal([]byte(raw), &tokens); err != nil {
		return nil, fmt.Errorf("parse service tokens: %w", err)
	}
	for i, t := range tokens {
		if t.Token == "" || t.Subject == "" {
			return nil, fmt.Errorf("service token %d missing token or subject", i)
		}
	}
	return tokens, nil
}

// Authenticator resolves bearer credentials to principals.
type Authenticator struct {
	cfg     Config
	log     zerolog.Logger
	metrics *observability.SchedulerMetrics
}

// NewAuthenticator builds an Authenticator from cfg.
func NewAuthenticator(cfg Config, log zerolog.Logger, metrics *observability.SchedulerMetrics) *Authenticator {
	return &Authenticator{cfg: cfg, log: log, metrics: metrics}
}

// Enabled reports whether any credential source is configured. With
// none, the service runs open (dev mode) and every caller is admin.
func (a *Authenticator) Enabled() bool {
	return len(a.cfg.AdminTokens) > 0 || len(a.cfg.ServiceTokens) > 0 ||
		a.cfg.HS256Secret != "" || a.cfg.JWKS != nil
}

// Authenticate resolves token to a principal or fails closed.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*Principal, error) {
	if !a.Enabled() {
		return &Principal{Subject: "anonymous", Scopes: scopeSet([]string{ScopeAdmin}), Method: "open"}, nil
	}
	if token == "" {
		a.metrics.AuthDecisions.WithLabelValues("missing").Inc()
		return nil, ErrNoCredentials
	}

	for _, admin := range a.cfg.AdminTokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(admin)) == 1 {
			a.metrics.AuthDecisions.WithLabelValues("admin_token").Inc()
			return &Principal{Subject: "admin", Scopes: scopeSet([]string{ScopeAdmin}), Method: "admin_token"}, nil
		}
	}
	for _, st := range a.cfg.ServiceTokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(st.Token)) == 1 {
			a.metrics.AuthDecisions.WithLabelValues("service_token").Inc()
			return &Principal{Subject: st.Subject, Scopes: scopeSet(st.Scopes), Method: "service_token"}, nil
		}
	}

	// Anything with two dots is treated as a JWT; other strings have
	// already failed the static registries.
	if strings.Count(token, ".") == 2 {
		p, err := a.verifyJWT(ctx, token)
		if err != nil {
			a.metrics.AuthDecisions.WithLabelValues("jwt_rejected").Inc()
			a.log.Debug().Err(err).Msg("jwt rejected")
			return nil, fmt.Errorf("%w: %s", ErrBadToken, err)
		}
		a.metrics.AuthDecisions.WithLabelValues("jwt").Inc()
		return p, nil
	}

	a.metrics.AuthDecisions.WithLabelValues("unknown_token").Inc()
	return nil, ErrBadToken
}

// verifyJWT checks signature and registered claims, then derives the
// principal from sub and scope claims.
func (a *Authenticator) verifyJWT(ctx context.Context, raw string) (*Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "RS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}

	claims := jwt.MapClaims{}
	tok, err := jwt.NewParser(opts...).ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		switch t.Method.Alg() {
		case "HS256":
			if a.cfg.HS256Secret == "" {
				return nil, errors.New("hs256 not configured")
			}
			return []byte(a.cfg.HS256Secret), nil
		case "RS256":
			if a.cfg.JWKS == nil {
				return nil, errors.New("jwks not configured")
			}
			kid, _ := t.Header["kid"].(string)
			return a.cfg.JWKS.Key(ctx, kid)
		default:
			return nil, fmt.Errorf("unexpected alg %s", t.Method.Alg())
		}
	})
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, errors.New("token invalid")
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, errors.New("missing sub claim")
	}
	return &Principal{Subject: sub, Scopes: scopeSet(claimScopes(claims)), Method: "jwt"}, nil
}

// claimScopes accepts both a "scopes" array and a space or comma
// separated "scope" string.
func claimScopes(claims jwt.MapClaims) []string {
	var out []string
	if arr, ok := claims["scopes"].([]any); ok {
		for _, v := range arr {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
	}
	if s, ok := claims["scope"].(string); ok {
		for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ',' }) {
			out = append(out, part)
		}
	}
	return out
}

func scopeSet(scopes []string) map[string]bool {
	set := make(map[string]bool, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s != "" {
			set[s] = true
		}
	}
	return set
}
