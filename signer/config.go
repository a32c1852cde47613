package main

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config is the audit signer configuration. Exactly one signing
// backend is active: a local PEM key (inline or by path) or an
// external command. With neither, sign requests fail with
// audit_signer_not_configured while the read routes stay up.
type Config struct {
	Host           string
	Port           int
	AllowedOrigins []string

	AuthTokens []string
	AuthReads  bool

	PrivateKeyPEM  string
	PrivateKeyPath string

	Command        []string
	CommandTimeout time.Duration

	AppendLogPath string
}

// LoadConfig reads every AUDIT_SIGNER_* knob with defaults.
func LoadConfig() *Config {
	cfg := &Config{
		Host:           envStr("HOST", "0.0.0.0"),
		Port:           envInt("PORT", 8092),
		AllowedOrigins: envList("SIGNER_ALLOWED_ORIGINS"),

		AuthTokens: envList("SIGNER_AUTH_TOKENS"),
		AuthReads:  strings.EqualFold(envStr("SIGNER_AUTH_READS", ""), "true"),

		PrivateKeyPEM:  os.Getenv("AUDIT_SIGNER_PRIVATE_KEY_PEM"),
		PrivateKeyPath: envStr("AUDIT_SIGNER_PRIVATE_KEY_PATH", ""),

		Command:        strings.Fields(envStr("AUDIT_SIGNER_COMMAND", "")),
		CommandTimeout: envDurMs("AUDIT_SIGNER_COMMAND_TIMEOUT_MS", 10_000),

		AppendLogPath: envStr("AUDIT_SIGNER_APPEND_LOG_PATH", ""),
	}
	if single := envStr("SIGNER_AUTH_TOKEN", ""); single != "" {
		cfg.AuthTokens = append(cfg.AuthTokens, single)
	}
	return cfg
}

// LogEffective emits the resolved config with key material redacted.
func (c *Config) LogEffective(log zerolog.Logger) {
	log.Info().
		Str("host", c.Host).
		Int("port", c.Port).
		Bool("local_key", c.PrivateKeyPEM != "" || c.PrivateKeyPath != "").
		Bool("command", len(c.Command) > 0).
		Str("append_log", c.AppendLogPath).
		Int("auth_tokens", len(c.AuthTokens)).
		Bool("auth_reads", c.AuthReads).
		Msg("signer config loaded")
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
