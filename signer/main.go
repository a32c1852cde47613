// Command signer runs the ForgeOS audit signer: canonical-JSON signing
// of decision-audit payloads with a hash-chained append-only log.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/forgeos-labs/forgeos/logging"
	"github.com/forgeos-labs/forgeos/observability"
	"github.com/forgeos-labs/forgeos/signer/signing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "signer:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := LoadConfig()
	log := logging.New("signer", logging.FromEnv())
	cfg.LogEffective(log)

	promReg := prometheus.NewRegistry()
	metrics := observability.NewSignerMetrics(promReg)

	backend, err := buildBackend(cfg)
	if err != nil {
		return err
	}
	if backend == nil {
		log.Warn().Msg("no signing backend configured; sign requests will be rejected")
	}

	var chain *signing.ChainLog
	if cfg.AppendLogPath != "" {
		chain, err = signing.OpenChainLog(cfg.AppendLogPath)
		if err != nil {
			return err
		}
		metrics.ChainLength.Set(float64(chain.Len()))
		log.Info().Str("path", cfg.AppendLogPath).Int64("records", chain.Len()).Msg("audit log opened")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := NewAPI(cfg, backend, chain, logging.Component(log, "http"), metrics)
	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           api.Router(promReg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Msg("signer listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		if chain != nil {
			if closeErr := chain.Close(); closeErr != nil {
				log.Warn().Err(closeErr).Msg("audit log close failed")
			}
		}
		return err
	})

	err = g.Wait()
	log.Info().Msg("signer stopped")
	return err
}

// buildBackend resolves the configured signing backend: local key
// first (inline PEM wins over path), then external command.
func buildBackend(cfg *Config) (signing.Backend, error) {
	pemData := []byte(cfg.PrivateKeyPEM)
	if len(pemData) == 0 && cfg.PrivateKeyPath != "" {
		data, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		pemData = data
	}
	if len(pemData) > 0 {
		key, err := signing.LoadPrivateKeyPEM(pemData)
		if err != nil {
			return nil, fmt.Errorf("load private key: %w", err)
		}
		return signing.NewLocalBackend(key), nil
	}
	if len(cfg.Command) > 0 {
		return signing.NewCommandBackend(cfg.Command, cfg.CommandTimeout)
	}
	return nil, nil
}
