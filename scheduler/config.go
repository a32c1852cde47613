package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgeos-labs/forgeos/auth"
)

// Config is the scheduler service configuration, read once from the
// environment at startup.
type Config struct {
	Host           string
	Port           int
	AllowedOrigins []string

	RedisURL    string
	RedisPrefix string

	TickInterval     time.Duration
	TickBatch        int64
	CycleConcurrency int
	MaxQueueDepth    int64
	MaxAgents        int64
	CallbackTimeout  time.Duration

	LeaderLockTTL   time.Duration
	LeaderRenew     time.Duration
	ExecLeaseTTL    time.Duration
	IdempotencyTTL  time.Duration
	DedupeLeaseTTL  time.Duration

	KasAPIBase      string
	KasAPITimeout   time.Duration
	MarketCacheTTL  time.Duration
	BalanceCacheTTL time.Duration

	AdminTokens   []string
	ServiceTokens []auth.ServiceToken
	HS256Secret   string
	JWTIssuer     string
	JWTAudience   string
	JWKSURL       string
	JWKSKids      []string
	OIDCIssuer    string

	QuotaWindow time.Duration
	QuotaRead   int64
	QuotaWrite  int64
	QuotaTick   int64
}

// LoadConfig reads every SCHEDULER_* knob with sane defaults.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Host:           envStr("HOST", "0.0.0.0"),
		Port:           envInt("PORT", 8090),
		AllowedOrigins: envList("SCHEDULER_ALLOWED_ORIGINS"),

		RedisURL:    envStr("SCHEDULER_REDIS_URL", ""),
		RedisPrefix: envStr("SCHEDULER_REDIS_PREFIX", "forgeos.scheduler"),

		TickInterval:     envDurMs("SCHEDULER_TICK_MS", 1000),
		TickBatch:        int64(envInt("SCHEDULER_TICK_BATCH", 64)),
		CycleConcurrency: envInt("SCHEDULER_CYCLE_CONCURRENCY", 4),
		MaxQueueDepth:    int64(envInt("SCHEDULER_MAX_QUEUE", 1000)),
		MaxAgents:        int64(envInt("SCHEDULER_MAX_AGENTS", 500)),
		CallbackTimeout:  envDurMs("SCHEDULER_CALLBACK_TIMEOUT_MS", 10_000),

		LeaderLockTTL:  envDurMs("SCHEDULER_LEADER_LOCK_TTL_MS", 15_000),
		LeaderRenew:    envDurMs("SCHEDULER_LEADER_LOCK_RENEW_MS", 0),
		ExecLeaseTTL:   envDurMs("SCHEDULER_REDIS_EXEC_LEASE_TTL_MS", 45_000),
		IdempotencyTTL: envDurMs("SCHEDULER_CALLBACK_IDEMPOTENCY_TTL_MS", 24*3600*1000),

		KasAPIBase:      envStr("KAS_API_BASE", "https://api.kaspa.org"),
		KasAPITimeout:   envDurMs("KAS_API_TIMEOUT_MS", 5000),
		MarketCacheTTL:  envDurMs("SCHEDULER_MARKET_CACHE_TTL_MS", 5000),
		BalanceCacheTTL: envDurMs("SCHEDULER_BALANCE_CACHE_TTL_MS", 10_000),

		AdminTokens: envList("SCHEDULER_AUTH_TOKENS"),
		HS256Secret: envStr("SCHEDULER_JWT_HS256_SECRET", ""),
		JWTIssuer:   envStr("SCHEDULER_JWT_ISSUER", ""),
		JWTAudience: envStr("SCHEDULER_JWT_AUDIENCE", ""),
		JWKSURL:     envStr("SCHEDULER_JWKS_URL", ""),
		JWKSKids:    envList("SCHEDULER_JWKS_ALLOWED_KIDS"),
		OIDCIssuer:  envStr("SCHEDULER_OIDC_ISSUER", ""),

		QuotaWindow: envDurMs("SCHEDULER_QUOTA_WINDOW_MS", 60_000),
		QuotaRead:   int64(envInt("SCHEDULER_QUOTA_READ", 0)),
		QuotaWrite:  int64(envInt("SCHEDULER_QUOTA_WRITE", 0)),
		QuotaTick:   int64(envInt("SCHEDULER_QUOTA_TICK", 0)),
	}
	if single := envStr("SCHEDULER_AUTH_TOKEN", ""); single != "" {
		cfg.AdminTokens = append(cfg.AdminTokens, single)
	}
	if cfg.LeaderRenew <= 0 {
		cfg.LeaderRenew = cfg.LeaderLockTTL / 2
	}
	if cfg.JWTIssuer == "" {
		cfg.JWTIssuer = cfg.OIDCIssuer
	}

	tokens, err := auth.ParseServiceTokens(envStr("SCHEDULER_SERVICE_TOKENS_JSON", ""))
	if err != nil {
		return nil, err
	}
	cfg.ServiceTokens = tokens

	if cfg.TickInterval < 100*time.Millisecond {
		return nil, fmt.Errorf("SCHEDULER_TICK_MS too small: %s", cfg.TickInterval)
	}
	if cfg.CycleConcurrency < 1 {
		return nil, fmt.Errorf("SCHEDULER_CYCLE_CONCURRENCY must be >= 1")
	}
	// The execution lease must outlive the worst-case dispatch or
	// reclaimed tasks would race live workers.
	minLease := cfg.CallbackTimeout + cfg.KasAPITimeout*3 + 5*time.Second
	if cfg.ExecLeaseTTL < minLease {
		cfg.ExecLeaseTTL = minLease
	}
	cfg.DedupeLeaseTTL = cfg.CallbackTimeout + 10*time.Second
	return cfg, nil
}

// QuotaLimits assembles the per-bucket limit map; zero limits mean the
// bucket is unmetered.
func (c *Config) QuotaLimits() map[string]int64 {
	limits := make(map[string]int64, 3)
	if c.QuotaRead > 0 {
		limits[auth.BucketRead] = c.QuotaRead
	}
	if c.QuotaWrite > 0 {
		limits[auth.BucketWrite] = c.QuotaWrite
	}
	if c.QuotaTick > 0 {
		limits[auth.BucketTick] = c.QuotaTick
	}
	return limits
}

// LogEffective emits the resolved config with secrets redacted.
func (c *Config) LogEffective(log zerolog.Logger) {
	log.Info().
		Str("host", c.Host).
		Int("port", c.Port).
		Bool("redis", c.RedisURL != "").
		Str("redis_prefix", c.RedisPrefix).
		Dur("tick", c.TickInterval).
		Int("concurrency", c.CycleConcurrency).
		Int64("max_queue", c.MaxQueueDepth).
		Int64("max_agents", c.MaxAgents).
		Dur("callback_timeout", c.CallbackTimeout).
		Dur("leader_ttl", c.LeaderLockTTL).
		Dur("exec_lease", c.ExecLeaseTTL).
		Int("admin_tokens", len(c.AdminTokens)).
		Int("service_tokens", len(c.ServiceTokens)).
		Bool("hs256", c.HS256Secret != "").
		Bool("jwks", c.JWKSURL != "" || c.OIDCIssuer != "").
		Msg("scheduler config loaded")
}

func envStr(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDurMs(name string, defMs int64) time.Duration {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return time.Duration(defMs) * time.Millisecond
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return time.Duration(defMs) * time.Millisecond
	}
	return time.Duration(n) * time.Millisecond
}

func envList(name string) []string {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
