// Package wire holds the external wire shapes the core speaks: the
// canonical bus event published to c.fills.v1, the client websocket
// protocol messages, and the ring event payloads carried inside them.
package wire

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// FillEvent is the canonical fill published to subject c.fills.v1.
// Field names and shape follow spec.md §6 exactly.
type FillEvent struct {
	FillID        string           `json:"fill_id"`
	Source        string           `json:"source"`
	Address       string           `json:"address"`
	Asset         string           `json:"asset"`
	Side          string           `json:"side"`
	Size          decimal.Decimal  `json:"size"`
	Price         decimal.Decimal  `json:"price"`
	StartPosition *decimal.Decimal `json:"start_position"`
	RealizedPnL   *decimal.Decimal `json:"realized_pnl"`
	Timestamp     time.Time        `json:"ts"`
	Meta          FillEventMeta    `json:"meta"`
}

// FillEventMeta carries the classified lifecycle action alongside the
// canonical event without widening the top-level schema.
type FillEventMeta struct {
	Action *string `json:"action"`
}

// Validate rejects a FillEvent missing required fields or carrying
// non-finite/negative numbers, per spec.md §4.7 step 2.
func Validate(f *FillEvent) error {
	if f.FillID == "" {
		return fmt.Errorf("wire: fill_id is required")
	}
	if f.Source == "" {
		return fmt.Errorf("wire: source is required")
	}
	if f.Address == "" {
		return fmt.Errorf("wire: address is required")
	}
	if f.Asset == "" {
		return fmt.Errorf("wire: asset is required")
	}
	if f.Side != "buy" && f.Side != "sell" {
		return fmt.Errorf("wire: side must be buy or sell, got %q", f.Side)
	}
	if !f.Size.IsPositive() {
		return fmt.Errorf("wire: size must be > 0")
	}
	if !f.Price.IsPositive() {
		return fmt.Errorf("wire: price must be > 0")
	}
	if f.Timestamp.IsZero() {
		return fmt.Errorf("wire: ts is required")
	}
	if err := requireFinite("size", f.Size); err != nil {
		return err
	}
	if err := requireFinite("price", f.Price); err != nil {
		return err
	}
	if f.StartPosition != nil {
		if err := requireFinite("start_position", *f.StartPosition); err != nil {
			return err
		}
	}
	if f.RealizedPnL != nil {
		if err := requireFinite("realized_pnl", *f.RealizedPnL); err != nil {
			return err
		}
	}
	return nil
}

// requireFinite rejects a decimal.Decimal whose float64 conversion is
// NaN or ±Inf: a Decimal has no NaN/Inf of its own, but one too large
// for float64 converts to ±Inf, and Float64 surfaces that before it
// reaches the bus.
func requireFinite(field string, d decimal.Decimal) error {
	f, _ := d.Float64()
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("wire: %s is not finite", field)
	}
	return nil
}
