package hyperliquid

import (
	"strconv"

	"github.com/marketrelay/ingest/internal/upstream"
	"github.com/marketrelay/ingest/pkg/address"
)

// subscribeFillsMsg / subscribeMidsMsg build the subscribe envelopes
// for the userFills and allMids channels.
func subscribeFillsMsg(addr address.Address) map[string]interface{} {
	return map[string]interface{}{
		"method": "subscribe",
		"subscription": map[string]string{
			"type": "userFills",
			"user": string(addr),
		},
	}
}

func subscribeMidsMsg(asset address.Asset) map[string]interface{} {
	return map[string]interface{}{
		"method": "subscribe",
		"subscription": map[string]string{
			"type": "allMids",
			"coin": string(asset),
		},
	}
}

// wsUserFill mirrors the Hyperliquid UserFill wire shape confirmed
// from the retrieval pack's gocryptotrader hyperliquid websocket user
// handler: numeric fields travel as strings.
type wsUserFill struct {
	Coin          string `json:"coin"`
	Px            string `json:"px"`
	Sz            string `json:"sz"`
	Side          string `json:"side"`
	Time          int64  `json:"time"`
	StartPosition string `json:"startPosition"`
	Hash          string `json:"hash"`
	ClosedPnl     string `json:"closedPnl"`
	Fee           string `json:"fee"`
	FeeToken      string `json:"feeToken"`
}

func (w wsUserFill) toRaw() upstream.RawFill {
	px, _ := strconv.ParseFloat(w.Px, 64)
	sz, _ := strconv.ParseFloat(w.Sz, 64)
	startPos, _ := strconv.ParseFloat(w.StartPosition, 64)

	raw := upstream.RawFill{
		Hash:          w.Hash,
		Coin:          w.Coin,
		Side:          normalizeSide(w.Side),
		Size:          sz,
		Price:         px,
		TimeMs:        w.Time,
		StartPosition: startPos,
	}
	if w.ClosedPnl != "" {
		if v, err := strconv.ParseFloat(w.ClosedPnl, 64); err == nil {
			raw.ClosedPnl = &v
		}
	}
	if w.Fee != "" {
		if v, err := strconv.ParseFloat(w.Fee, 64); err == nil {
			raw.Fee = &v
		}
	}
	if w.FeeToken != "" {
		raw.FeeToken = &w.FeeToken
	}
	return raw
}

// normalizeSide maps the upstream's "A"/"B" (ask/bid) or long-form
// side tokens onto the B/S convention used throughout this module.
func normalizeSide(s string) string {
	switch s {
	case "B", "A":
		if s == "A" {
			return "S"
		}
		return "B"
	case "Buy", "buy":
		return "B"
	case "Sell", "sell":
		return "S"
	default:
		return s
	}
}

type wsUserFillsMessage struct {
	Channel string `json:"channel"`
	Data    struct {
		IsSnapshot bool         `json:"isSnapshot"`
		User       string       `json:"user"`
		Fills      []wsUserFill `json:"fills"`
	} `json:"data"`
}

type wsAllMidsMessage struct {
	Channel string `json:"channel"`
	Data    struct {
		Mids map[string]string `json:"mids"`
	} `json:"data"`
}

// restUserFill is the REST counterpart of wsUserFill; the exchange
// returns the same field shape from both transports.
type restUserFill struct {
	Coin          string `json:"coin"`
	Px            string `json:"px"`
	Sz            string `json:"sz"`
	Side          string `json:"side"`
	Time          int64  `json:"time"`
	StartPosition string `json:"startPosition"`
	Hash          string `json:"hash"`
	ClosedPnl     string `json:"closedPnl"`
	Fee           string `json:"fee"`
	FeeToken      string `json:"feeToken"`
}

func (r restUserFill) toRaw() upstream.RawFill {
	return wsUserFill(r).toRaw()
}

// restClearinghouseState models the subset of the clearinghouseState
// response this relay needs: per-asset position size and entry price.
type restClearinghouseState struct {
	AssetPositions []struct {
		Position struct {
			Coin    string `json:"coin"`
			Szi     string `json:"szi"`
			EntryPx string `json:"entryPx"`
		} `json:"position"`
	} `json:"assetPositions"`
}
