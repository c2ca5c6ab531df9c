package wire

// PricePoint is the per-asset price carried in "hello" and "price"
// messages.
type PricePoint struct {
	Price     float64 `json:"price"`
	UpdatedAt string  `json:"updatedAt"`
}

// HelloMessage is sent once, immediately after a client connects.
type HelloMessage struct {
	Type      string                `json:"type"`
	LatestSeq int64                 `json:"latestSeq"`
	Prices    map[string]PricePoint `json:"prices"`
}

// NewHelloMessage builds a HelloMessage with the fixed type discriminator.
func NewHelloMessage(latestSeq int64, prices map[string]PricePoint) HelloMessage {
	return HelloMessage{Type: "hello", LatestSeq: latestSeq, Prices: prices}
}

// EventsMessage carries newly produced ring events to a client whose
// cursor the ring head has moved past since the previous tick.
type EventsMessage struct {
	Type   string      `json:"type"`
	Events []RingEvent `json:"events"`
}

func NewEventsMessage(events []RingEvent) EventsMessage {
	return EventsMessage{Type: "events", Events: events}
}

// BatchMessage replies to a client's {since:N} replay request.
type BatchMessage struct {
	Type   string      `json:"type"`
	Events []RingEvent `json:"events"`
}

func NewBatchMessage(events []RingEvent) BatchMessage {
	return BatchMessage{Type: "batch", Events: events}
}

// PriceMessage broadcasts current prices when either asset's price has
// moved since the last broadcast.
type PriceMessage struct {
	Type   string  `json:"type"`
	BTC    float64 `json:"btc"`
	ETH    float64 `json:"eth"`
}

func NewPriceMessage(btc, eth float64) PriceMessage {
	return PriceMessage{Type: "price", BTC: btc, ETH: eth}
}

// SinceRequest is the only client→server message: a replay request.
type SinceRequest struct {
	Since int64 `json:"since"`
}
