// Command consumer runs the ForgeOS callback consumer: the terminal
// acceptor for scheduler cycle events, enforcing idempotency and fence
// monotonicity, and the store of record for execution receipts.
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
	"github.com/forgeos-labs/forgeos/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "consumer:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := LoadConfig()
	log := logging.New("consumer", logging.FromEnv())
	cfg.LogEffective(log)

	promReg := prometheus.NewRegistry()
	metrics := observability.NewConsumerMetrics(promReg)
	keys := store.NewKeys(cfg.RedisPrefix)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st store.Store
	if cfg.RedisURL != "" {
		rs, err := store.NewRedisStore(ctx, cfg.RedisURL, keys, metrics.Store)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		st = rs
	} else {
		log.Warn().Msg("no redis configured; idempotency and fences are process-local")
		st = store.NewMemoryStore(keys)
	}

	var archive ReceiptArchive
	if cfg.PostgresURL != "" {
		pg, err := NewPostgresArchive(ctx, cfg.PostgresURL, logging.Component(log, "archive"))
		if err != nil {
			return err
		}
		archive = pg
	}

	receipts, err := NewReceiptStore(st, keys, cfg.ReceiptLRUCap, cfg.ReceiptTTL,
		archive, logging.Component(log, "receipts"), metrics)
	if err != nil {
		return err
	}
	ring := NewEventRing(cfg.RingCap)
	hub := NewHub(cfg.StreamMaxClients, cfg.AllowedOrigins, logging.Component(log, "stream"), metrics)

	api := NewAPI(cfg, st, keys, ring, receipts, hub, logging.Component(log, "http"), metrics)
	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           api.Router(promReg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Msg("consumer listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		hub.Close()
		if err := st.Close(); err != nil {
			log.Warn().Err(err).Msg("store close failed")
		}
		if archive != nil {
			archive.Close()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info().Msg("consumer stopped")
	return err
}
