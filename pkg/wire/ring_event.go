package wire

import "github.com/shopspring/decimal"

// RingEventKind tags the payload carried by a RingEvent. Per the
// resolution of Open Question (a) in SPEC_FULL.md §9, the ring carries
// trade events only; position snapshots are not sent to clients.
type RingEventKind string

const (
	RingEventTrade RingEventKind = "trade"
)

// RingEvent is the bounded, monotonically-sequenced log entry defined
// in spec.md §3. Seq is assigned by the ring on push and is never
// mutated afterward.
type RingEvent struct {
	Seq     int64         `json:"seq"`
	Kind    RingEventKind `json:"kind"`
	Payload TradePayload  `json:"payload"`
}

// TradePayload is the "trade" ring event shape from spec.md §6.
type TradePayload struct {
	At              string          `json:"at"`
	Address         string          `json:"address"`
	Symbol          string          `json:"symbol"`
	Action          string          `json:"action"`
	Size            decimal.Decimal `json:"size"`
	StartPosition   decimal.Decimal `json:"startPosition"`
	PriceUsd        decimal.Decimal `json:"priceUsd"`
	RealizedPnlUsd  *decimal.Decimal `json:"realizedPnlUsd,omitempty"`
	Hash            string          `json:"hash"`
}
