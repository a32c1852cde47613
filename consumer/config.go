package main

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config is the callback consumer configuration.
type Config struct {
	Host           string
	Port           int
	AllowedOrigins []string

	// AuthTokens guard writes; AuthReads extends the requirement to the
	// read routes as well.
	AuthTokens []string
	AuthReads  bool

	RedisURL    string
	RedisPrefix string

	IdempotencyTTL time.Duration
	RingCap        int
	ReceiptLRUCap  int
	ReceiptTTL     time.Duration

	PostgresURL      string
	StreamMaxClients int
}

// LoadConfig reads every CONSUMER_* knob with defaults.
func LoadConfig() *Config {
	cfg := &Config{
		Host:           envStr("HOST", "0.0.0.0"),
		Port:           envInt("PORT", 8091),
		AllowedOrigins: envList("CONSUMER_ALLOWED_ORIGINS"),

		AuthTokens: envList("CONSUMER_AUTH_TOKENS"),
		AuthReads:  strings.EqualFold(envStr("CONSUMER_AUTH_READS", ""), "true"),

		RedisURL:    envStr("CONSUMER_REDIS_URL", ""),
		RedisPrefix: envStr("CONSUMER_REDIS_PREFIX", "forgeos.consumer"),

		IdempotencyTTL: envDurMs("CONSUMER_IDEMPOTENCY_TTL_MS", 24*3600*1000),
		RingCap:        envInt("CONSUMER_EVENT_RING_CAP", 500),
		ReceiptLRUCap:  envInt("CONSUMER_RECEIPT_LRU_CAP", 512),
		ReceiptTTL:     envDurMs("CONSUMER_RECEIPT_TTL_MS", 30*24*3600*1000),

		PostgresURL:      envStr("CONSUMER_POSTGRES_URL", ""),
		StreamMaxClients: envInt("CONSUMER_STREAM_MAX_CLIENTS", 64),
	}
	if single := envStr("CONSUMER_AUTH_TOKEN", ""); single != "" {
		cfg.AuthTokens = append(cfg.AuthTokens, single)
	}
	if cfg.RingCap < 1 {
		cfg.RingCap = 500
	}
	if cfg.ReceiptLRUCap < 1 {
		cfg.ReceiptLRUCap = 512
	}
	return cfg
}

// LogEffective emits the resolved config with secrets redacted.
func (c *Config) LogEffective(log zerolog.Logger) {
	log.Info().
		Str("host", c.Host).
		Int("port", c.Port).
		Bool("redis", c.RedisURL != "").
		Bool("postgres", c.PostgresURL != "").
		Int("auth_tokens", len(c.AuthTokens)).
		Bool("auth_reads", c.AuthReads).
		Int("ring_cap", c.RingCap).
		Int("receipt_lru", c.ReceiptLRUCap).
		Msg("consumer config loaded")
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
