package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/marketrelay/ingest/pkg/address"
)

// PGStore is the production Store, grounded on the pgxpool wiring in
// koshedutech-binance-trading-app/internal/database/db.go and the
// INSERT ... ON CONFLICT upsert idiom from that repo's
// repository_daily_summaries.go, adapted here to a dedup insert rather
// than an upsert since stored fills are never mutated (spec.md §3
// lifecycle rule).
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore dials Postgres and verifies connectivity, mirroring
// NewDB's Ping-on-construct discipline.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: unable to parse database config: %w", err)
	}
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("store: unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: unable to ping database: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

func (s *PGStore) Close() { s.pool.Close() }

// InsertTradeIfNew is keyed on the unique hash column via
// ON CONFLICT DO NOTHING; RowsAffected distinguishes a fresh insert
// from a duplicate (I2), giving the tracker the {inserted: bool}
// semantics spec.md §4.10 asks for without a prior SELECT.
func (s *PGStore) InsertTradeIfNew(ctx context.Context, f Fill) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO fills (address, asset, at, action, size, start_position,
		                    price_usd, realized_pnl_usd, fee, fee_token, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (hash) DO NOTHING
	`, f.Address, f.Asset, f.At, f.Action, f.Size, f.StartPosition,
		f.PriceUsd, nullableDecimal(f.RealizedPnlUsd), nullableDecimal(f.Fee), f.FeeToken, f.Hash)
	if err != nil {
		return false, fmt.Errorf("store: insert fill: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) GetBackfillFills(ctx context.Context, q BackfillQuery) (BackfillPage, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	before := time.Now()
	if q.BeforeTime != nil {
		before = *q.BeforeTime
	}

	rows, err := s.pool.Query(ctx, `
		SELECT address, asset, at, action, size, start_position, price_usd,
		       realized_pnl_usd, fee, fee_token, hash
		FROM fills
		WHERE at < $1 AND ($2::text[] IS NULL OR address = ANY($2))
		ORDER BY at DESC
		LIMIT $3
	`, before, addressesOrNil(q.Addresses), limit+1)
	if err != nil {
		return BackfillPage{}, fmt.Errorf("store: query backfill fills: %w", err)
	}
	defer rows.Close()

	fills, err := scanFills(rows)
	if err != nil {
		return BackfillPage{}, err
	}

	page := BackfillPage{Fills: fills}
	if len(fills) > limit {
		page.Fills = fills[:limit]
		page.HasMore = true
	}
	if len(page.Fills) > 0 {
		oldest := page.Fills[len(page.Fills)-1].At
		page.OldestAt = &oldest
	}
	return page, nil
}

func (s *PGStore) GetOldestFillTime(ctx context.Context, addresses []address.Address) (*time.Time, error) {
	var at *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT MIN(at) FROM fills WHERE ($1::text[] IS NULL OR address = ANY($1))
	`, addressesOrNil(addresses)).Scan(&at)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("store: query oldest fill time: %w", err)
	}
	return at, nil
}

func (s *PGStore) ValidatePositionChain(ctx context.Context, addr address.Address, asset address.Asset) (ChainResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT address, asset, at, action, size, start_position, price_usd,
		       realized_pnl_usd, fee, fee_token, hash
		FROM fills
		WHERE address = $1 AND asset = $2
		ORDER BY at ASC
	`, addr, asset)
	if err != nil {
		return ChainResult{}, fmt.Errorf("store: query chain: %w", err)
	}
	defer rows.Close()

	fills, err := scanFills(rows)
	if err != nil {
		return ChainResult{}, err
	}
	return validateChain(fills), nil
}

func (s *PGStore) ClearTradesForAddress(ctx context.Context, addr address.Address, asset address.Asset) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM fills WHERE address = $1 AND asset = $2`, addr, asset)
	if err != nil {
		return 0, fmt.Errorf("store: clear trades: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PGStore) InsertPriceSnapshot(ctx context.Context, asset address.Asset, price decimal.Decimal, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO price_snapshots (asset, price, at) VALUES ($1, $2, $3)
	`, asset, price, at)
	if err != nil {
		return fmt.Errorf("store: insert price snapshot: %w", err)
	}
	return nil
}

func nullableDecimal(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return *d
}

func addressesOrNil(addrs []address.Address) interface{} {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = string(a)
	}
	return out
}

func scanFills(rows pgx.Rows) ([]Fill, error) {
	var out []Fill
	for rows.Next() {
		var f Fill
		var addr, asset string
		if err := rows.Scan(&addr, &asset, &f.At, &f.Action, &f.Size, &f.StartPosition,
			&f.PriceUsd, &f.RealizedPnlUsd, &f.Fee, &f.FeeToken, &f.Hash); err != nil {
			return nil, fmt.Errorf("store: scan fill row: %w", err)
		}
		f.Address = address.Address(addr)
		f.Asset = address.Asset(asset)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate fill rows: %w", err)
	}
	return out, nil
}
