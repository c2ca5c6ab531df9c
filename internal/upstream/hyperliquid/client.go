// Package hyperliquid implements upstream.Client against a
// Hyperliquid-shaped exchange: one websocket connection per address
// for user fills, a REST polling loop per address for positions, one
// connection per asset for mid prices, and REST for historical fills. The per-stream
// subscribe/doneC bookkeeping is grounded on
// services/binance/futures/ws_handler.go; reconnect uses
// cenkalti/backoff/v4 in place of the teacher's bespoke
// nats.ReconnectWait ceiling, since the raw websocket layer has no
// built-in reconnect policy of its own.
package hyperliquid

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/marketrelay/ingest/internal/upstream"
	"github.com/marketrelay/ingest/pkg/address"
)

// Config holds connection details for the upstream exchange.
type Config struct {
	WSEndpoint     string
	RESTEndpoint   string
	ReconnectCeil  time.Duration
	RequestTimeout time.Duration
}

// Client is the Hyperliquid-shaped implementation of upstream.Client.
type Client struct {
	cfg    Config
	log    *logrus.Entry
	http   *http.Client

	mu            sync.Mutex
	fillStreams   map[address.Address]*stream
	positionSubs  map[address.Address]upstream.PositionHandler
	priceSubs     map[address.Asset]upstream.PriceHandler

	states chan upstream.ConnectionState
	closed bool
}

type stream struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New dials nothing yet; connections are established per-subscription
// so one address's outage never affects another (spec.md §4.1
// "permanent errors ... surface as a handler error without
// terminating other subscriptions").
func New(cfg Config, log *logrus.Entry) *Client {
	if cfg.ReconnectCeil == 0 {
		cfg.ReconnectCeil = 30 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &Client{
		cfg:          cfg,
		log:          log,
		http:         &http.Client{Timeout: cfg.RequestTimeout},
		fillStreams:  make(map[address.Address]*stream),
		positionSubs: make(map[address.Address]upstream.PositionHandler),
		priceSubs:    make(map[address.Asset]upstream.PriceHandler),
		states:       make(chan upstream.ConnectionState, 16),
	}
}

func (c *Client) ConnectionStates() <-chan upstream.ConnectionState { return c.states }

func (c *Client) emitState(s upstream.ConnectionState) {
	select {
	case c.states <- s:
	default:
		// a slow consumer should not block the connection loop; the
		// tracker only needs the latest transition, not every one.
	}
}

// SubscribeFills opens (or reopens, on reconnect) a dedicated
// websocket session for addr and delivers raw fills in upstream order.
func (c *Client) SubscribeFills(ctx context.Context, addr address.Address, handler upstream.FillHandler) error {
	c.mu.Lock()
	if _, exists := c.fillStreams[addr]; exists {
		c.mu.Unlock()
		return fmt.Errorf("hyperliquid: already subscribed to fills for %s", addr)
	}
	streamCtx, cancel := context.WithCancel(ctx)
	s := &stream{cancel: cancel, done: make(chan struct{})}
	c.fillStreams[addr] = s
	c.mu.Unlock()

	go c.runFillStream(streamCtx, addr, handler, s.done)
	return nil
}

// Unsubscribe tears down addr's fill stream.
func (c *Client) Unsubscribe(addr address.Address) error {
	c.mu.Lock()
	s, exists := c.fillStreams[addr]
	delete(c.fillStreams, addr)
	c.mu.Unlock()
	if !exists {
		return nil
	}
	s.cancel()
	<-s.done
	return nil
}

// runFillStream owns the reconnect loop for one address: connect,
// stream until error/close, back off, resubscribe. Ceiling-capped
// exponential backoff mirrors the teacher's NATS reconnect ceiling.
func (c *Client) runFillStream(ctx context.Context, addr address.Address, handler upstream.FillHandler, done chan struct{}) {
	defer close(done)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // retry forever; the ceiling is on the interval, not total time
	bo.MaxInterval = c.cfg.ReconnectCeil

	first := true
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := c.streamOnce(ctx, addr, handler, first)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.log.WithError(err).WithField("address", addr).Warn("upstream fill stream disconnected, reconnecting")
		}
		c.emitState(upstream.Disconnected)

		wait := bo.NextBackOff()
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		first = false
	}
}

func (c *Client) streamOnce(ctx context.Context, addr address.Address, handler upstream.FillHandler, first bool) error {
	url := c.cfg.WSEndpoint
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("hyperliquid: dial: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(subscribeFillsMsg(addr)); err != nil {
		return fmt.Errorf("hyperliquid: subscribe fills: %w", err)
	}

	if first {
		c.emitState(upstream.Connected)
	} else {
		c.emitState(upstream.Reconnected)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		var msg wsUserFillsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("hyperliquid: read: %w", err)
		}
		for _, f := range msg.Data.Fills {
			handler(f.toRaw())
		}
	}
}

// SubscribePositions registers a handler for periodic position
// snapshots for addr. Implemented as a polling loop over REST since
// Hyperliquid-shaped position snapshots update far less often than
// fills; handler is invoked on every poll regardless of change,
// leaving staleness detection to the tracker (ensureFreshSnapshots).
func (c *Client) SubscribePositions(ctx context.Context, addr address.Address, handler upstream.PositionHandler) error {
	c.mu.Lock()
	c.positionSubs[addr] = handler
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				snaps, err := c.CurrentPositions(ctx, addr)
				if err != nil {
					c.log.WithError(err).WithField("address", addr).Warn("position poll failed")
					continue
				}
				for _, s := range snaps {
					handler(s)
				}
			}
		}
	}()
	return nil
}

// SubscribePrice opens one shared connection per asset for mid-price
// updates, since assets are few and shared across the whole watchlist
// (spec.md §4.6 "subscribes once per configured asset"). A repeat call
// for an asset that already has a stream is a no-op.
func (c *Client) SubscribePrice(ctx context.Context, asset address.Asset, handler upstream.PriceHandler) error {
	c.mu.Lock()
	if _, exists := c.priceSubs[asset]; exists {
		c.mu.Unlock()
		return nil
	}
	c.priceSubs[asset] = handler
	c.mu.Unlock()

	go c.runPriceStream(ctx, asset, handler)
	return nil
}

func (c *Client) runPriceStream(ctx context.Context, asset address.Asset, handler upstream.PriceHandler) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	bo.MaxInterval = c.cfg.ReconnectCeil

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := c.priceStreamOnce(ctx, asset, handler)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.log.WithError(err).WithField("asset", asset).Warn("price stream disconnected, reconnecting")
		}

		wait := bo.NextBackOff()
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (c *Client) priceStreamOnce(ctx context.Context, asset address.Asset, handler upstream.PriceHandler) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.WSEndpoint, nil)
	if err != nil {
		return fmt.Errorf("hyperliquid: dial: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(subscribeMidsMsg(asset)); err != nil {
		return fmt.Errorf("hyperliquid: subscribe mids: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		var msg wsAllMidsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("hyperliquid: read mids: %w", err)
		}
		raw, ok := msg.Data.Mids[string(asset)]
		if !ok {
			continue
		}
		mid, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		handler(upstream.PriceUpdate{Asset: asset, Mid: mid, UpdatedAt: time.Now().UTC()})
	}
}

// FetchUserFills pulls historical fills oldest-to-newest over REST,
// aggregating fills sharing (time, coin, side, px) into a single
// economic event when requested (spec.md §4.1).
func (c *Client) FetchUserFills(ctx context.Context, addr address.Address, opts upstream.FetchOptions) ([]upstream.RawFill, error) {
	reqBody, err := json.Marshal(map[string]string{"type": "userFills", "user": string(addr)})
	if err != nil {
		return nil, fmt.Errorf("hyperliquid: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RESTEndpoint+"/info", strings.NewReader(string(reqBody)))
	if err != nil {
		return nil, fmt.Errorf("hyperliquid: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hyperliquid: fetch user fills: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("hyperliquid: upstream transient error: status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("hyperliquid: upstream fatal error: status %d", resp.StatusCode)
	}

	var raw []restUserFill
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("hyperliquid: decode user fills: %w", err)
	}

	fills := make([]upstream.RawFill, 0, len(raw))
	symbolFilter := assetSet(opts.Symbols)
	for _, r := range raw {
		if symbolFilter != nil {
			if _, ok := symbolFilter[r.Coin]; !ok {
				continue
			}
		}
		fills = append(fills, r.toRaw())
	}

	// oldest-to-newest
	for i, j := 0, len(fills)-1; i < j; i, j = i+1, j-1 {
		fills[i], fills[j] = fills[j], fills[i]
	}

	if opts.AggregateByTime {
		fills = aggregateByTime(fills)
	}
	return fills, nil
}

func assetSet(assets []address.Asset) map[string]struct{} {
	if len(assets) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(assets))
	for _, a := range assets {
		out[string(a)] = struct{}{}
	}
	return out
}

// aggregateByTime merges fills sharing (time, coin, side, px) into a
// single economic event, summing size and fee, per spec.md §4.1.
func aggregateByTime(fills []upstream.RawFill) []upstream.RawFill {
	type key struct {
		t    int64
		coin string
		side string
		px   float64
	}
	order := make([]key, 0, len(fills))
	groups := make(map[key]*upstream.RawFill, len(fills))

	for i := range fills {
		f := fills[i]
		k := key{t: f.TimeMs, coin: f.Coin, side: f.Side, px: f.Price}
		if g, ok := groups[k]; ok {
			g.Size += f.Size
			if f.Fee != nil {
				if g.Fee == nil {
					fee := 0.0
					g.Fee = &fee
				}
				*g.Fee += *f.Fee
			}
			continue
		}
		cp := f
		groups[k] = &cp
		order = append(order, k)
	}

	out := make([]upstream.RawFill, 0, len(order))
	for _, k := range order {
		out = append(out, *groups[k])
	}
	return out
}

// CurrentPositions fetches live position snapshots for addr over REST.
func (c *Client) CurrentPositions(ctx context.Context, addr address.Address) ([]upstream.PositionSnapshot, error) {
	reqBody, err := json.Marshal(map[string]string{"type": "clearinghouseState", "user": string(addr)})
	if err != nil {
		return nil, fmt.Errorf("hyperliquid: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RESTEndpoint+"/info", strings.NewReader(string(reqBody)))
	if err != nil {
		return nil, fmt.Errorf("hyperliquid: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hyperliquid: fetch positions: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("hyperliquid: positions request failed: status %d", resp.StatusCode)
	}

	var state restClearinghouseState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return nil, fmt.Errorf("hyperliquid: decode positions: %w", err)
	}

	now := time.Now().UTC()
	out := make([]upstream.PositionSnapshot, 0, len(state.AssetPositions))
	for _, p := range state.AssetPositions {
		size, _ := strconv.ParseFloat(p.Position.Szi, 64)
		entry, _ := strconv.ParseFloat(p.Position.EntryPx, 64)
		out = append(out, upstream.PositionSnapshot{
			Address:    addr,
			Asset:      address.Asset(p.Position.Coin),
			Size:       size,
			EntryPrice: entry,
			UpdatedAt:  now,
		})
	}
	return out, nil
}

// Close tears down every active subscription.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	streams := make([]*stream, 0, len(c.fillStreams))
	for _, s := range c.fillStreams {
		streams = append(streams, s)
	}
	c.fillStreams = make(map[address.Address]*stream)
	c.mu.Unlock()

	for _, s := range streams {
		s.cancel()
		<-s.done
	}
	close(c.states)
	return nil
}
