// Package store defines the narrow persistence interface contracted
// by spec.md §4.10 (C10) and two implementations: a pgx-backed
// Postgres store for production, and an in-memory store for local
// development and tests. Both satisfy the same Store interface so the
// rest of the engine never depends on the backing technology.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marketrelay/ingest/pkg/address"
)

// Fill is the stored-fill row shape from spec.md §3.
type Fill struct {
	Address        address.Address
	Asset          address.Asset
	At             time.Time
	Action         string
	Size           decimal.Decimal
	StartPosition  decimal.Decimal
	PriceUsd       decimal.Decimal
	RealizedPnlUsd *decimal.Decimal
	Fee            *decimal.Decimal
	FeeToken       *string
	Hash           string
}

// ChainGap describes a single break in a position chain, per spec.md §4.4.
type ChainGap struct {
	At       time.Time
	Expected decimal.Decimal
	Actual   decimal.Decimal
}

// ChainResult is the outcome of validating one (address, asset) chain.
type ChainResult struct {
	Valid bool
	Gaps  []ChainGap
}

// BackfillPage is the result of a paginated, reverse-chronological
// fill query.
type BackfillPage struct {
	Fills     []Fill
	HasMore   bool
	OldestAt  *time.Time
}

// BackfillQuery parameterizes GetBackfillFills.
type BackfillQuery struct {
	BeforeTime *time.Time
	Limit      int
	Addresses  []address.Address
}

// Store is the narrow persistence interface every component depends
// on; semantics, not syntax, per spec.md §4.10.
type Store interface {
	// InsertTradeIfNew is an idempotent insert keyed on Hash (I2).
	InsertTradeIfNew(ctx context.Context, f Fill) (inserted bool, err error)

	GetBackfillFills(ctx context.Context, q BackfillQuery) (BackfillPage, error)

	GetOldestFillTime(ctx context.Context, addresses []address.Address) (*time.Time, error)

	ValidatePositionChain(ctx context.Context, addr address.Address, asset address.Asset) (ChainResult, error)

	ClearTradesForAddress(ctx context.Context, addr address.Address, asset address.Asset) (cleared int, err error)

	InsertPriceSnapshot(ctx context.Context, asset address.Asset, price decimal.Decimal, at time.Time) error
}
