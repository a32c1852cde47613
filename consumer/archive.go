package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PostgresArchive keeps every execution receipt in a single upsert
// table, surviving both process restarts and redis TTL expiry.
type PostgresArchive struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

const receiptSchema = `
CREATE TABLE IF NOT EXISTS execution_receipts (
    txid                   TEXT PRIMARY KEY,
    agent_key              TEXT,
    status                 TEXT NOT NULL,
    confirmations          BIGINT NOT NULL DEFAULT 0,
    fee_kas                DOUBLE PRECISION NOT NULL DEFAULT 0,
    fee_sompi              BIGINT NOT NULL DEFAULT 0,
    broadcast_ts           BIGINT NOT NULL DEFAULT 0,
    confirm_ts             BIGINT,
    confirm_ts_source      TEXT,
    slippage_kas           DOUBLE PRECISION,
    price_at_broadcast_usd DOUBLE PRECISION,
    price_at_confirm_usd   DOUBLE PRECISION,
    source                 TEXT,
    updated_at             BIGINT NOT NULL
)`

// NewPostgresArchive connects and ensures the receipt table exists.
func NewPostgresArchive(ctx context.Context, url string, log zerolog.Logger) (*PostgresArchive, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if _, err := pool.Exec(ctx, receiptSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	return &PostgresArchive{pool: pool, log: log}, nil
}

// Upsert writes or refreshes one receipt row by txid.
func (a *PostgresArchive) Upsert(ctx context.Context, r *Receipt) error {
	_, err := a.pool.Exec(ctx, `
		INSERT INTO execution_receipts (
			txid, agent_key, status, confirmations, fee_kas, fee_sompi,
			broadcast_ts, confirm_ts, confirm_ts_source, slippage_kas,
			price_at_broadcast_usd, price_at_confirm_usd, source, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (txid) DO UPDATE SET
			agent_key = EXCLUDED.agent_key,
			status = EXCLUDED.status,
			confirmations = EXCLUDED.confirmations,
			fee_kas = EXCLUDED.fee_kas,
			fee_sompi = EXCLUDED.fee_sompi,
			broadcast_ts = EXCLUDED.broadcast_ts,
			confirm_ts = EXCLUDED.confirm_ts,
			confirm_ts_source = EXCLUDED.confirm_ts_source,
			slippage_kas = EXCLUDED.slippage_kas,
			price_at_broadcast_usd = EXCLUDED.price_at_broadcast_usd,
			price_at_confirm_usd = EXCLUDED.price_at_confirm_usd,
			source = EXCLUDED.source,
			updated_at = EXCLUDED.updated_at`,
		r.Txid, r.AgentKey, r.Status, r.Confirmations, r.FeeKas, r.FeeSompi,
		r.BroadcastTs, r.ConfirmTs, r.ConfirmTsSource, r.SlippageKas,
		r.PriceAtBroadcastUsd, r.PriceAtConfirmUsd, r.Source, r.UpdatedAt,
	)
	return err
}

// Get reads one receipt row; (nil, nil) when absent.
func (a *PostgresArchive) Get(ctx context.Context, txid string) (*Receipt, error) {
	var r Receipt
	err := a.pool.QueryRow(ctx, `
		SELECT txid, COALESCE(agent_key,''), status, confirmations, fee_kas,
			fee_sompi, broadcast_ts, COALESCE(confirm_ts,0),
			COALESCE(confirm_ts_source,''), COALESCE(slippage_kas,0),
			COALESCE(price_at_broadcast_usd,0), COALESCE(price_at_confirm_usd,0),
			COALESCE(source,''), updated_at
		FROM execution_receipts WHERE txid = $1`, txid,
	).Scan(&r.Txid, &r.AgentKey, &r.Status, &r.Confirmations, &r.FeeKas,
		&r.FeeSompi, &r.BroadcastTs, &r.ConfirmTs, &r.ConfirmTsSource,
		&r.SlippageKas, &r.PriceAtBroadcastUsd, &r.PriceAtConfirmUsd,
		&r.Source, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Close releases the pool.
func (a *PostgresArchive) Close() {
	a.pool.Close()
}
