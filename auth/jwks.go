package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgeos-labs/forgeos/observability"
)

// JWKSConfig points the client at a key set, directly or through OIDC
// discovery.
type JWKSConfig struct {
	// URL is the JWKS endpoint. Empty with Issuer set means discover
	// via <issuer>/.well-known/openid-configuration.
	URL string
	// Issuer is required for discovery and verified against the
	// discovery document.
	Issuer string
	// AllowedKids pins acceptable key ids. Empty allows any kid the
	// set advertises.
	AllowedKids []string
	// Refresh bounds how long fetched keys are served from cache.
	Refresh time.Duration
	// Timeout applies to every fetch.
	Timeout time.Duration
}

// JWKSClient caches RSA public keys fetched from a JWKS endpoint.
type JWKSClient struct {
	cfg     JWKSConfig
	client  *http.Client
	log     zerolog.Logger
	metrics *observability.SchedulerMetrics

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
	jwksURL   string
}

// NewJWKSClient builds a client; no network traffic happens until the
// first Key lookup.
func NewJWKSClient(cfg JWKSConfig, log zerolog.Logger, metrics *observability.SchedulerMetrics) *JWKSClient {
	if cfg.Refresh <= 0 {
		cfg.Refresh = 5 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &JWKSClient{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		log:     log,
		metrics: metrics,
		jwksURL: cfg.URL,
	}
}

// Key returns the RSA public key for kid, refreshing the cached set
// when stale or when the kid is unknown.
func (c *JWKSClient) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if kid == "" {
		return nil, fmt.Errorf("token has no kid")
	}
	if len(c.cfg.AllowedKids) > 0 && !contains(c.cfg.AllowedKids, kid) {
		return nil, fmt.Errorf("kid %q not in allow list", kid)
	}

	c.mu.Lock()
	key, fresh := c.keys[kid], time.Since(c.fetchedAt) < c.cfg.Refresh
	c.mu.Unlock()
	if key != nil && fresh {
		return key, nil
	}

	if err := c.refresh(ctx); err != nil {
		// Serve a stale key over failing outright; signature checks
		// still gate acceptance.
		if key != nil {
			c.log.Warn().Err(err).Msg("jwks refresh failed, serving cached key")
			return key, nil
		}
		return nil, err
	}

	c.mu.Lock()
	key = c.keys[kid]
	c.mu.Unlock()
	if key == nil {
		return nil, fmt.Errorf("kid %q not present in jwks", kid)
	}
	return key, nil
}

// refresh fetches the key set, running OIDC discovery first when no
// direct URL is configured.
func (c *JWKSClient) refresh(ctx context.Context) error {
	c.mu.Lock()
	url := c.jwksURL
	c.mu.Unlock()

	if url == "" {
		discovered, err := c.discover(ctx)
		if err != nil {
			c.metrics.JWKSFetches.WithLabelValues("discovery_error").Inc()
			return err
		}
		c.mu.Lock()
		c.jwksURL = discovered
		c.mu.Unlock()
		url = discovered
	}

	var doc struct {
		Keys []struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			Use string `json:"use"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := c.getJSON(ctx, url, &doc); err != nil {
		c.metrics.JWKSFetches.WithLabelValues("error").Inc()
		return fmt.Errorf("fetch jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := rsaFromJWK(k.N, k.E)
		if err != nil {
			c.log.Warn().Str("kid", k.Kid).Err(err).Msg("skipping malformed jwk")
			continue
		}
		keys[k.Kid] = pub
	}

	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	c.metrics.JWKSFetches.WithLabelValues("ok").Inc()
	return nil
}

// discover resolves the jwks_uri from the issuer's OIDC configuration
// and verifies the advertised issuer matches.
func (c *JWKSClient) discover(ctx context.Context) (string, error) {
	if c.cfg.Issuer == "" {
		return "", fmt.Errorf("jwks url and oidc issuer both unset")
	}
	well := strings.TrimSuffix(c.cfg.Issuer, "/") + "/.well-known/openid-configuration"
	var doc struct {
		Issuer  string `json:"issuer"`
		JWKSURI string `json:"jwks_uri"`
	}
	if err := c.getJSON(ctx, well, &doc); err != nil {
		return "", fmt.Errorf("oidc discovery: %w", err)
	}
	if strings.TrimSuffix(doc.Issuer, "/") != strings.TrimSuffix(c.cfg.Issuer, "/") {
		return "", fmt.Errorf("oidc issuer mismatch: discovery says %q", doc.Issuer)
	}
	if doc.JWKSURI == "" {
		return "", fmt.Errorf("oidc discovery document has no jwks_uri")
	}
	c.metrics.JWKSFetches.WithLabelValues("discovery_ok").Inc()
	return doc.JWKSURI, nil
}

func (c *JWKSClient) getJSON(ctx context.Context, url string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

func rsaFromJWK(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	exp := 0
	for _, b := range eb {
		exp = exp<<8 | int(b)
	}
	if exp <= 1 {
		return nil, fmt.Errorf("exponent %d out of range", exp)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: exp}, nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
