package market

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeos-labs/forgeos/observability"
)

func newTestClient(t *testing.T, handler http.Handler, cfg Config) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg.BaseURL = srv.URL
	m := observability.NewSchedulerMetrics(prometheus.NewRegistry())
	return New(cfg, zerolog.Nop(), m)
}

func marketHandler(priceCalls, dagCalls, balanceCalls *atomic.Int64) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/info/price", func(w http.ResponseWriter, r *http.Request) {
		priceCalls.Add(1)
		w.Write([]byte(`{"price":0.042}`))
	})
	mux.HandleFunc("/info/blockdag", func(w http.ResponseWriter, r *http.Request) {
		dagCalls.Add(1)
		w.Write([]byte(`{"networkName":"kaspa-mainnet","virtualDaaScore":123456789}`))
	})
	mux.HandleFunc("/addresses/", func(w http.ResponseWriter, r *http.Request) {
		balanceCalls.Add(1)
		w.Write([]byte(`{"balance":250000000}`))
	})
	return mux
}

func TestSnapshot(t *testing.T) {
	var price, dag, balance atomic.Int64
	c := newTestClient(t, marketHandler(&price, &dag, &balance), Config{})

	snap, err := c.Snapshot(context.Background(), "kaspa:qq0test")
	require.NoError(t, err)
	assert.InDelta(t, 0.042, snap.PriceUsd, 1e-9)
	assert.Equal(t, int64(123456789), snap.Dag.DaaScore)
	assert.Equal(t, "kaspa-mainnet", snap.Dag.Network)
	assert.InDelta(t, 2.5, snap.WalletKas, 1e-9)
}

func TestSnapshotServesFromCache(t *testing.T) {
	var price, dag, balance atomic.Int64
	c := newTestClient(t, marketHandler(&price, &dag, &balance), Config{
		MarketTTL:  time.Minute,
		BalanceTTL: time.Minute,
	})

	for i := 0; i < 5; i++ {
		_, err := c.Snapshot(context.Background(), "kaspa:qq0test")
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), price.Load())
	assert.Equal(t, int64(1), dag.Load())
	assert.Equal(t, int64(1), balance.Load())
}

func TestBalanceCachedPerAddress(t *testing.T) {
	var price, dag, balance atomic.Int64
	c := newTestClient(t, marketHandler(&price, &dag, &balance), Config{BalanceTTL: time.Minute})

	_, err := c.Balance(context.Background(), "kaspa:addr1")
	require.NoError(t, err)
	_, err = c.Balance(context.Background(), "kaspa:addr2")
	require.NoError(t, err)
	_, err = c.Balance(context.Background(), "kaspa:addr1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), balance.Load())
}

func TestSingleflightCollapsesConcurrentMisses(t *testing.T) {
	var calls atomic.Int64
	gate := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/info/price", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-gate
		w.Write([]byte(`{"price":1.0}`))
	})
	c := newTestClient(t, mux, Config{MarketTTL: time.Minute})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Price(context.Background())
			assert.NoError(t, err)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()
	assert.Equal(t, int64(1), calls.Load())
}

func TestProbeFailureDoesNotCache(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	mux := http.NewServeMux()
	mux.HandleFunc("/info/price", func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"price":0.5}`))
	})
	c := newTestClient(t, mux, Config{MarketTTL: time.Minute})

	_, err := c.Price(context.Background())
	require.Error(t, err)

	fail.Store(false)
	price, err := c.Price(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.5, price, 1e-9)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/info/price", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	c := newTestClient(t, mux, Config{})

	for i := 0; i < 5; i++ {
		_, err := c.Price(context.Background())
		require.Error(t, err)
	}
	_, err := c.Price(context.Background())
	assert.ErrorIs(t, err, ErrProbeOpen)
}

func TestEmptyAddressSkipsBalanceProbe(t *testing.T) {
	var price, dag, balance atomic.Int64
	c := newTestClient(t, marketHandler(&price, &dag, &balance), Config{})

	kas, err := c.Balance(context.Background(), "")
	require.NoError(t, err)
	assert.Zero(t, kas)
	assert.Equal(t, int64(0), balance.Load())
}
