package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/forgeos-labs/forgeos/observability"
	"github.com/forgeos-labs/forgeos/store"
)

// txidRe is the canonical transaction id shape: 64 lowercase hex chars.
var txidRe = regexp.MustCompile(`^[a-f0-9]{64}$`)

// ErrInvalidTxid rejects malformed transaction ids.
var ErrInvalidTxid = errors.New("invalid_txid")

// Receipt is one execution receipt posted by the tx pipeline.
type Receipt struct {
	Txid                string  `json:"txid"`
	AgentKey            string  `json:"agentKey,omitempty"`
	Status              string  `json:"status"`
	Confirmations       int64   `json:"confirmations"`
	FeeKas              float64 `json:"feeKas"`
	FeeSompi            int64   `json:"feeSompi"`
	BroadcastTs         int64   `json:"broadcastTs"`
	ConfirmTs           int64   `json:"confirmTs,omitempty"`
	ConfirmTsSource     string  `json:"confirmTsSource,omitempty"`
	SlippageKas         float64 `json:"slippageKas,omitempty"`
	PriceAtBroadcastUsd float64 `json:"priceAtBroadcastUsd,omitempty"`
	PriceAtConfirmUsd   float64 `json:"priceAtConfirmUsd,omitempty"`
	Source              string  `json:"source,omitempty"`
	UpdatedAt           int64   `json:"updatedAt"`
}

// ReceiptArchive is the optional long-term receipt sink behind the
// LRU and store copies.
type ReceiptArchive interface {
	Upsert(ctx context.Context, r *Receipt) error
	Get(ctx context.Context, txid string) (*Receipt, error)
	Close()
}

// ReceiptStore layers receipt persistence: an in-process LRU answers
// reads first, the shared store keeps a TTL-bounded copy, and an
// optional Postgres archive retains everything.
type ReceiptStore struct {
	kv      store.KV
	keys    store.Keys
	lru     *lru.Cache[string, *Receipt]
	archive ReceiptArchive
	ttl     time.Duration
	log     zerolog.Logger
	metrics *observability.ConsumerMetrics
}

// NewReceiptStore builds the layered store; archive may be nil.
func NewReceiptStore(kv store.KV, keys store.Keys, lruCap int, ttl time.Duration,
	archive ReceiptArchive, log zerolog.Logger, metrics *observability.ConsumerMetrics) (*ReceiptStore, error) {
	cache, err := lru.New[string, *Receipt](lruCap)
	if err != nil {
		return nil, fmt.Errorf("receipt lru: %w", err)
	}
	return &ReceiptStore{
		kv:      kv,
		keys:    keys,
		lru:     cache,
		archive: archive,
		ttl:     ttl,
		log:     log,
		metrics: metrics,
	}, nil
}

// NormalizeTxid lowercases and validates a transaction id.
func NormalizeTxid(txid string) (string, error) {
	txid = strings.ToLower(strings.TrimSpace(txid))
	if !txidRe.MatchString(txid) {
		return "", ErrInvalidTxid
	}
	return txid, nil
}

// Upsert stores the receipt in every layer. Store and archive failures
// degrade to the LRU copy rather than failing the request.
func (s *ReceiptStore) Upsert(ctx context.Context, r *Receipt) error {
	txid, err := NormalizeTxid(r.Txid)
	if err != nil {
		return err
	}
	r.Txid = txid
	if r.UpdatedAt == 0 {
		r.UpdatedAt = time.Now().UnixMilli()
	}

	s.lru.Add(txid, r)

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal receipt: %w", err)
	}
	if err := s.kv.Set(ctx, s.keys.Receipt(txid), string(data), s.ttl); err != nil {
		s.log.Warn().Err(err).Str("txid", txid).Msg("receipt store write failed")
	}
	if s.archive != nil {
		if err := s.archive.Upsert(ctx, r); err != nil {
			s.metrics.ReceiptArchive.WithLabelValues("error").Inc()
			s.log.Warn().Err(err).Str("txid", txid).Msg("receipt archive write failed")
		} else {
			s.metrics.ReceiptArchive.WithLabelValues("ok").Inc()
		}
	}
	return nil
}

// Get resolves a receipt, preferring the local copy: LRU, then the
// shared store, then the archive.
func (s *ReceiptStore) Get(ctx context.Context, txid string) (*Receipt, error) {
	txid, err := NormalizeTxid(txid)
	if err != nil {
		return nil, err
	}
	if r, ok := s.lru.Get(txid); ok {
		return r, nil
	}

	raw, err := s.kv.Get(ctx, s.keys.Receipt(txid))
	if err != nil {
		s.log.Warn().Err(err).Str("txid", txid).Msg("receipt store read failed")
	} else if raw != "" {
		var r Receipt
		if err := json.Unmarshal([]byte(raw), &r); err == nil {
			s.lru.Add(txid, &r)
			return &r, nil
		}
	}

	if s.archive != nil {
		r, err := s.archive.Get(ctx, txid)
		if err != nil {
			s.log.Warn().Err(err).Str("txid", txid).Msg("receipt archive read failed")
			return nil, err
		}
		if r != nil {
			s.lru.Add(txid, r)
			return r, nil
		}
	}
	return nil, nil
}
