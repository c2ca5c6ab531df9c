// Package upstream defines the exchange-facing contract (C1) that the
// realtime tracker, price feed, and chain repairer depend on. It is
// deliberately exchange-agnostic: internal/upstream/hyperliquid
// provides the concrete implementation, grounded on the
// Hyperliquid-shaped UserFill surfaced in the retrieval pack and on
// the teacher's per-stream websocket subscribe/doneC idiom
// (services/binance/futures/ws_handler.go).
package upstream

import (
	"context"
	"time"

	"github.com/marketrelay/ingest/pkg/address"
)

// RawFill is the upstream fill shape from spec.md §3 "Fill (raw)".
type RawFill struct {
	Hash          string // empty if upstream omitted it; caller synthesizes a dedup key
	Coin          string
	Side          string // "B" or "S"
	Size          float64
	Price         float64
	TimeMs        int64
	StartPosition float64
	ClosedPnl     *float64
	Fee           *float64
	FeeToken      *string
}

// PositionSnapshot is the per-(address,asset) position shape from
// spec.md §3 "Current Position Snapshot".
type PositionSnapshot struct {
	Address          address.Address
	Asset            address.Asset
	Size             float64
	EntryPrice       float64
	LiquidationPrice *float64
	Leverage         *float64
	UpdatedAt        time.Time
}

// PriceUpdate is a best-bid/best-ask mid update for one asset.
type PriceUpdate struct {
	Asset     address.Asset
	Mid       float64
	UpdatedAt time.Time
}

// ConnectionState is emitted on reconnect/disconnect so C5 knows when
// to re-prime positions, per spec.md §4.1.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connected
	Reconnected
)

// FillHandler, PositionHandler, and PriceHandler are invoked from the
// client's own read loop; callers must not block them for long.
type FillHandler func(RawFill)
type PositionHandler func(PositionSnapshot)
type PriceHandler func(PriceUpdate)

// FetchOptions parameterizes FetchUserFills.
type FetchOptions struct {
	Symbols         []address.Asset
	AggregateByTime bool
}

// Client is the narrow contract C5/C6/C4 depend on (spec.md §4.1).
// Implementations guarantee automatic reconnect with capped
// exponential backoff, resubscribing every active address/asset on
// reconnect, and never deduplicate — dedup is the tracker's job (I2).
type Client interface {
	SubscribeFills(ctx context.Context, addr address.Address, handler FillHandler) error
	Unsubscribe(addr address.Address) error

	SubscribePositions(ctx context.Context, addr address.Address, handler PositionHandler) error

	SubscribePrice(ctx context.Context, asset address.Asset, handler PriceHandler) error

	// FetchUserFills pulls historical fills oldest-to-newest,
	// aggregating fills sharing (time, coin, side, px) into a single
	// economic event when AggregateByTime is set.
	FetchUserFills(ctx context.Context, addr address.Address, opts FetchOptions) ([]RawFill, error)

	CurrentPositions(ctx context.Context, addr address.Address) ([]PositionSnapshot, error)

	// ConnectionStates returns a channel of connection-state changes
	// consumed by the realtime tracker to decide when to re-prime.
	ConnectionStates() <-chan ConnectionState

	Close() error
}
