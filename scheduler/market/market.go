// Package market fetches the shared market snapshot attached to every
// cycle callback: KAS price, DAG position, and the agent's wallet
// balance. Each probe is cached with a TTL, collapsed with singleflight
// so concurrent workers share one upstream request, and wrapped in a
// circuit breaker so a dead upstream fails dispatches fast instead of
// stacking timeouts.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/forgeos-labs/forgeos/observability"
)

// SompiPerKas converts the chain's integer unit to KAS.
const SompiPerKas = 100_000_000

// ErrProbeOpen reports a short-circuited probe.
var ErrProbeOpen = errors.New("market probe circuit open")

// Snapshot is the market block of a cycle callback payload.
type Snapshot struct {
	PriceUsd  float64 `json:"priceUsd"`
	Dag       DagInfo `json:"dag"`
	WalletKas float64 `json:"walletKas"`
}

// DagInfo is the subset of node DAG state agents care about.
type DagInfo struct {
	DaaScore int64  `json:"daaScore"`
	Network  string `json:"network"`
}

// Config tunes one Client.
type Config struct {
	// BaseURL is the Kaspa REST API root, e.g. https://api.kaspa.org.
	BaseURL string
	// Timeout bounds each upstream request.
	Timeout time.Duration
	// MarketTTL caches price and DAG probes; BalanceTTL caches
	// per-address balances.
	MarketTTL  time.Duration
	BalanceTTL time.Duration
}

func (c *Config) withDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.kaspa.org"
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MarketTTL <= 0 {
		c.MarketTTL = 5 * time.Second
	}
	if c.BalanceTTL <= 0 {
		c.BalanceTTL = 10 * time.Second
	}
}

type cacheEntry struct {
	value   any
	expires time.Time
}

// Client serves snapshots from three independently cached probes.
type Client struct {
	cfg     Config
	http    *http.Client
	log     zerolog.Logger
	metrics *observability.SchedulerMetrics

	group    singleflight.Group
	breakers map[string]*gobreaker.CircuitBreaker

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New builds a Client from cfg.
func New(cfg Config, log zerolog.Logger, metrics *observability.SchedulerMetrics) *Client {
	cfg.withDefaults()
	c := &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		log:      log,
		metrics:  metrics,
		breakers: make(map[string]*gobreaker.CircuitBreaker, 3),
		cache:    make(map[string]cacheEntry),
	}
	for _, probe := range []string{"price", "dag", "balance"} {
		probe := probe
		c.breakers[probe] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "market_" + probe,
			Timeout: 15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(_ string, from, to gobreaker.State) {
				log.Warn().Str("probe", probe).
					Str("from", from.String()).Str("to", to.String()).
					Msg("market breaker state change")
			},
		})
	}
	return c
}

// Snapshot composes the callback market block for one agent wallet.
// A failing probe fails the whole snapshot; cached values from earlier
// successes are untouched.
func (c *Client) Snapshot(ctx context.Context, walletAddress string) (*Snapshot, error) {
	price, err := c.Price(ctx)
	if err != nil {
		return nil, fmt.Errorf("price probe: %w", err)
	}
	dag, err := c.DagInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("dag probe: %w", err)
	}
	balance, err := c.Balance(ctx, walletAddress)
	if err != nil {
		return nil, fmt.Errorf("balance probe: %w", err)
	}
	return &Snapshot{PriceUsd: price, Dag: dag, WalletKas: balance}, nil
}

// Price returns the cached USD price, probing upstream on expiry.
func (c *Client) Price(ctx context.Context) (float64, error) {
	v, err := c.cached(ctx, "price", "price", c.cfg.MarketTTL, func(ctx context.Context) (any, error) {
		var body struct {
			Price float64 `json:"price"`
		}
		if err := c.getJSON(ctx, "/info/price", &body); err != nil {
			return nil, err
		}
		return body.Price, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

// DagInfo returns the cached DAG position.
func (c *Client) DagInfo(ctx context.Context) (DagInfo, error) {
	v, err := c.cached(ctx, "dag", "dag", c.cfg.MarketTTL, func(ctx context.Context) (any, error) {
		var body struct {
			NetworkName     string `json:"networkName"`
			VirtualDaaScore int64  `json:"virtualDaaScore"`
		}
		if err := c.getJSON(ctx, "/info/blockdag", &body); err != nil {
			return nil, err
		}
		return DagInfo{DaaScore: body.VirtualDaaScore, Network: body.NetworkName}, nil
	})
	if err != nil {
		return DagInfo{}, err
	}
	return v.(DagInfo), nil
}

// Balance returns the cached KAS balance for address.
func (c *Client) Balance(ctx context.Context, address string) (float64, error) {
	if address == "" {
		return 0, nil
	}
	key := "balance:" + address
	v, err := c.cached(ctx, key, "balance", c.cfg.BalanceTTL, func(ctx context.Context) (any, error) {
		var body struct {
			Balance int64 `json:"balance"`
		}
		path := "/addresses/" + url.PathEscape(address) + "/balance"
		if err := c.getJSON(ctx, path, &body); err != nil {
			return nil, err
		}
		return float64(body.Balance) / SompiPerKas, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

// cached serves key from the TTL cache, collapsing concurrent misses
// into one breaker-guarded fetch. Only successful fetches are cached.
func (c *Client) cached(ctx context.Context, key, probe string, ttl time.Duration, fetch func(context.Context) (any, error)) (any, error) {
	c.mu.Lock()
	if entry, ok := c.cache[key]; ok && time.Now().Before(entry.expires) {
		c.mu.Unlock()
		return entry.value, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (any, error) {
		start := time.Now()
		v, err := c.breakers[probe].Execute(func() (any, error) {
			return fetch(ctx)
		})
		c.metrics.UpstreamLatency.WithLabelValues(probe).Observe(float64(time.Since(start).Milliseconds()))
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				c.metrics.BreakerOpen.WithLabelValues(probe).Inc()
				return nil, fmt.Errorf("%w: %s", ErrProbeOpen, probe)
			}
			c.metrics.UpstreamErrors.WithLabelValues(probe).Inc()
			return nil, err
		}
		c.mu.Lock()
		c.cache[key] = cacheEntry{value: v, expires: time.Now().Add(ttl)}
		c.mu.Unlock()
		return v, nil
	})
	return v, err
}

func (c *Client) getJSON(ctx context.Context, path string, dst any) error {
	u := strings.TrimSuffix(c.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}
