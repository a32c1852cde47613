// Command scheduler runs the ForgeOS agent cycle scheduler: the
// leader-elected control plane that drains due agents into a durable
// execution queue and dispatches cycle callbacks with idempotency and
// fence tokens.
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

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/forgeos-labs/forgeos/auth"
	"github.com/forgeos-labs/forgeos/coordination"
	"github.com/forgeos-labs/forgeos/dedupe"
	"github.com/forgeos-labs/forgeos/logging"
	"github.com/forgeos-labs/forgeos/observability"
	"github.com/forgeos-labs/forgeos/queue"
	"github.com/forgeos-labs/forgeos/registry"
	"github.com/forgeos-labs/forgeos/scheduler/market"
	"github.com/forgeos-labs/forgeos/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "scheduler:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	log := logging.New("scheduler", logging.FromEnv())
	cfg.LogEffective(log)

	instanceID := "sched-" + uuid.NewString()[:8]
	promReg := prometheus.NewRegistry()
	metrics := observability.NewSchedulerMetrics(promReg)
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
		log.Warn().Msg("no redis configured; using in-memory store (single replica only)")
		st = store.NewMemoryStore(keys)
	}

	reg := registry.New(st, keys, registry.Config{MaxAgents: cfg.MaxAgents},
		logging.Component(log, "registry"), metrics)
	q := queue.New(st, queue.Config{
		MaxDepth: cfg.MaxQueueDepth,
		LeaseTTL: cfg.ExecLeaseTTL,
	}, logging.Component(log, "queue"), metrics)
	leader := coordination.NewLeaderLock(st, coordination.Config{
		InstanceID: instanceID,
		TTL:        cfg.LeaderLockTTL,
		RenewEvery: cfg.LeaderRenew,
	}, logging.Component(log, "leader"), metrics)
	guard := dedupe.New(st, keys, dedupe.Config{
		LeaseTTL: cfg.DedupeLeaseTTL,
		DoneTTL:  cfg.IdempotencyTTL,
	}, logging.Component(log, "dedupe"), metrics)
	mkt := market.New(market.Config{
		BaseURL:    cfg.KasAPIBase,
		Timeout:    cfg.KasAPITimeout,
		MarketTTL:  cfg.MarketCacheTTL,
		BalanceTTL: cfg.BalanceCacheTTL,
	}, logging.Component(log, "market"), metrics)

	disp := NewDispatcher(cfg, instanceID, st, keys, reg, q, guard, mkt,
		leader.Fence, logging.Component(log, "dispatch"), metrics)
	core := NewCore(cfg, instanceID, st, keys, reg, q, leader, guard, mkt, disp,
		logging.Component(log, "core"), metrics)

	if err := core.Recover(ctx); err != nil {
		log.Warn().Err(err).Msg("boot recovery failed; continuing with live queue state")
	}

	var jwks *auth.JWKSClient
	if cfg.JWKSURL != "" || cfg.OIDCIssuer != "" {
		jwks = auth.NewJWKSClient(auth.JWKSConfig{
			URL:         cfg.JWKSURL,
			Issuer:      cfg.OIDCIssuer,
			AllowedKids: cfg.JWKSKids,
		}, logging.Component(log, "jwks"), metrics)
	}
	authn := auth.NewAuthenticator(auth.Config{
		AdminTokens:   cfg.AdminTokens,
		ServiceTokens: cfg.ServiceTokens,
		HS256Secret:   cfg.HS256Secret,
		Issuer:        cfg.JWTIssuer,
		Audience:      cfg.JWTAudience,
		JWKS:          jwks,
	}, logging.Component(log, "auth"), metrics)
	quota := auth.NewQuota(st, keys, auth.QuotaConfig{
		Window: cfg.QuotaWindow,
		Limits: cfg.QuotaLimits(),
	}, logging.Component(log, "quota"), metrics)

	api := NewAPI(core, reg, logging.Component(log, "http"), metrics)
	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           api.Router(cfg, authn, quota, promReg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { leader.Run(gctx); return nil })
	g.Go(func() error { core.RunTicker(gctx); return nil })
	g.Go(func() error { core.RunJanitor(gctx); return nil })
	for i := 0; i < cfg.CycleConcurrency; i++ {
		g.Go(func() error { disp.Run(gctx); return nil })
	}
	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Str("instance_id", instanceID).Msg("scheduler listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// Shutdown order: loops have stopped via gctx, then release the
		// leader lock before the store closes so the fenced DEL can run,
		// then drain HTTP.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		leader.Release(releaseCtx)
		if err := st.Close(); err != nil {
			log.Warn().Err(err).Msg("store close failed")
		}
		shutdownCtx, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info().Msg("scheduler stopped")
	return err
}
