// Package tracker implements the realtime tracker (C5): it maintains
// one worker per tracked address so no address's subscription can
// stall another's, and runs the per-trade pipeline (normalize ->
// classify -> persist -> ring push -> publish callback) in upstream
// order per address. The per-address worker/mailbox split is
// generalized from the teacher's per-exchange
// `wsClient map[string]chan struct{}` bookkeeping in
// services/binance/futures/ws_handler.go.
package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/marketrelay/ingest/internal/classify"
	"github.com/marketrelay/ingest/internal/ring"
	"github.com/marketrelay/ingest/internal/store"
	"github.com/marketrelay/ingest/internal/upstream"
	"github.com/marketrelay/ingest/pkg/address"
	"github.com/marketrelay/ingest/pkg/wire"
)

// OnTradeFunc is invoked once per classified trade, duplicates
// included; for a newly stored trade it runs after the ring push. It is
// the hook C7 (publisher) hangs off; its completion never gates the
// next trade for the same address (spec.md §4.5).
type OnTradeFunc func(ctx context.Context, fill store.Fill, result classify.Result)

// StartOptions controls whether start/refresh block on the first
// position snapshot per address.
type StartOptions struct {
	AwaitPositions    bool
	PositionTimeout   time.Duration
}

const defaultMailboxSize = 1024

// Tracker owns one goroutine per tracked address.
type Tracker struct {
	up      upstream.Client
	st      store.Store
	ring    *ring.Ring
	onTrade OnTradeFunc
	log     *logrus.Entry

	staleThreshold time.Duration

	mu             sync.Mutex
	workers        map[address.Address]*addrWorker
	positionsReady bool
}

type addrWorker struct {
	mailbox     chan upstream.RawFill
	cancel      context.CancelFunc
	gotPosition chan struct{}
	positionOnce sync.Once

	mu             sync.Mutex
	lastPositionAt time.Time
}

// New constructs a Tracker. staleThreshold gates ensureFreshSnapshots;
// the 30s tick interval itself is fixed per spec.md §4.5.
func New(up upstream.Client, st store.Store, r *ring.Ring, onTrade OnTradeFunc, staleThreshold time.Duration, log *logrus.Entry) *Tracker {
	if staleThreshold <= 0 {
		staleThreshold = 2 * time.Minute
	}
	return &Tracker{
		up:             up,
		st:             st,
		ring:           r,
		onTrade:        onTrade,
		staleThreshold: staleThreshold,
		log:            log,
		workers:        make(map[address.Address]*addrWorker),
	}
}

// Start creates subscriptions for every address in addrs. If
// opts.AwaitPositions, it blocks until each address has received at
// least one position snapshot or its per-address timeout elapses.
// Whenever the upstream client reports a reconnect, positions are
// re-requested for every tracked address.
func (t *Tracker) Start(ctx context.Context, addrs []address.Address, opts StartOptions) error {
	if states := t.up.ConnectionStates(); states != nil {
		go func() {
			for s := range states {
				if s == upstream.Reconnected {
					t.ForceRefreshAllPositions(ctx)
				}
			}
		}()
	}
	for _, addr := range addrs {
		if err := t.subscribeAddr(ctx, addr); err != nil {
			t.log.WithError(err).WithField("address", addr).Warn("failed to subscribe address at start")
		}
	}
	if opts.AwaitPositions {
		t.awaitPositions(addrs, opts.PositionTimeout)
	}
	t.mu.Lock()
	t.positionsReady = true
	t.mu.Unlock()
	return nil
}

// Refresh diffs newWatchlist against the active subscription set:
// unsubscribes removed addresses, subscribes added ones. If
// opts.AwaitPositions, blocks for newly-added addresses only.
func (t *Tracker) Refresh(ctx context.Context, newWatchlist []address.Address, opts StartOptions) error {
	wanted := make(map[address.Address]struct{}, len(newWatchlist))
	for _, a := range newWatchlist {
		wanted[a] = struct{}{}
	}

	t.mu.Lock()
	var toRemove []address.Address
	for addr := range t.workers {
		if _, keep := wanted[addr]; !keep {
			toRemove = append(toRemove, addr)
		}
	}
	var toAdd []address.Address
	for _, addr := range newWatchlist {
		if _, exists := t.workers[addr]; !exists {
			toAdd = append(toAdd, addr)
		}
	}
	t.mu.Unlock()

	for _, addr := range toRemove {
		t.unsubscribeAddr(addr)
	}
	for _, addr := range toAdd {
		if err := t.subscribeAddr(ctx, addr); err != nil {
			t.log.WithError(err).WithField("address", addr).Warn("failed to subscribe address on refresh")
		}
	}
	if opts.AwaitPositions && len(toAdd) > 0 {
		t.awaitPositions(toAdd, opts.PositionTimeout)
	}
	return nil
}

// ForceRefreshAllPositions re-requests a position snapshot for every
// tracked address.
func (t *Tracker) ForceRefreshAllPositions(ctx context.Context) {
	for _, addr := range t.TrackedAddresses() {
		if _, err := t.up.CurrentPositions(ctx, addr); err != nil {
			t.log.WithError(err).WithField("address", addr).Warn("force position refresh failed")
			continue
		}
		t.markPositionSeen(addr)
	}
}

// EnsureFreshSnapshots runs on a 30s ticker (spec.md §4.5) and
// requests a snapshot for any address whose last update is stale.
func (t *Tracker) EnsureFreshSnapshots(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.refreshStaleOnce(ctx)
		}
	}
}

func (t *Tracker) refreshStaleOnce(ctx context.Context) {
	now := time.Now()
	for _, addr := range t.TrackedAddresses() {
		t.mu.Lock()
		w, ok := t.workers[addr]
		t.mu.Unlock()
		if !ok {
			continue
		}
		w.mu.Lock()
		stale := w.lastPositionAt.IsZero() || now.Sub(w.lastPositionAt) > t.staleThreshold
		w.mu.Unlock()
		if !stale {
			continue
		}
		if _, err := t.up.CurrentPositions(ctx, addr); err != nil {
			t.log.WithError(err).WithField("address", addr).Warn("stale position refresh failed")
			continue
		}
		t.markPositionSeen(addr)
	}
}

// TrackedAddresses returns the addresses currently subscribed.
func (t *Tracker) TrackedAddresses() []address.Address {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]address.Address, 0, len(t.workers))
	for addr := range t.workers {
		out = append(out, addr)
	}
	return out
}

// PositionsReady reports whether the initial Start() await completed.
func (t *Tracker) PositionsReady() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.positionsReady
}

func (t *Tracker) subscribeAddr(ctx context.Context, addr address.Address) error {
	t.mu.Lock()
	if _, exists := t.workers[addr]; exists {
		t.mu.Unlock()
		return nil
	}
	workerCtx, cancel := context.WithCancel(ctx)
	w := &addrWorker{
		mailbox:     make(chan upstream.RawFill, defaultMailboxSize),
		cancel:      cancel,
		gotPosition: make(chan struct{}),
	}
	t.workers[addr] = w
	t.mu.Unlock()

	go t.runWorker(workerCtx, addr, w)

	if err := t.up.SubscribeFills(workerCtx, addr, func(f upstream.RawFill) {
		select {
		case w.mailbox <- f:
		default:
			t.log.WithField("address", addr).Warn("mailbox full, dropping fill (back-pressure)")
		}
	}); err != nil {
		t.unsubscribeAddr(addr)
		return fmt.Errorf("tracker: subscribe fills for %s: %w", addr, err)
	}

	if err := t.up.SubscribePositions(workerCtx, addr, func(upstream.PositionSnapshot) {
		t.markPositionSeen(addr)
	}); err != nil {
		t.log.WithError(err).WithField("address", addr).Warn("subscribe positions failed")
	}

	return nil
}

func (t *Tracker) unsubscribeAddr(addr address.Address) {
	t.mu.Lock()
	w, exists := t.workers[addr]
	delete(t.workers, addr)
	t.mu.Unlock()
	if !exists {
		return
	}
	w.cancel()
	close(w.mailbox)
	if err := t.up.Unsubscribe(addr); err != nil {
		t.log.WithError(err).WithField("address", addr).Warn("upstream unsubscribe failed")
	}
}

func (t *Tracker) markPositionSeen(addr address.Address) {
	t.mu.Lock()
	w, ok := t.workers[addr]
	t.mu.Unlock()
	if !ok {
		return
	}
	w.mu.Lock()
	w.lastPositionAt = time.Now()
	w.mu.Unlock()
	w.positionOnce.Do(func() { close(w.gotPosition) })
}

func (t *Tracker) awaitPositions(addrs []address.Address, timeout time.Duration) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	var wg sync.WaitGroup
	for _, addr := range addrs {
		t.mu.Lock()
		w, ok := t.workers[addr]
		t.mu.Unlock()
		if !ok {
			continue
		}
		wg.Add(1)
		go func(addr address.Address, w *addrWorker) {
			defer wg.Done()
			select {
			case <-w.gotPosition:
			case <-time.After(timeout):
				t.log.WithField("address", addr).Warn("timed out awaiting first position snapshot")
			}
		}(addr, w)
	}
	wg.Wait()
}

// runWorker processes one address's fills strictly in upstream order;
// trades across addresses interleave freely since each has its own
// goroutine and mailbox.
func (t *Tracker) runWorker(ctx context.Context, addr address.Address, w *addrWorker) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-w.mailbox:
			if !ok {
				return
			}
			t.processFill(ctx, addr, f)
		}
	}
}

func (t *Tracker) processFill(ctx context.Context, addr address.Address, f upstream.RawFill) {
	asset := address.Asset(f.Coin)
	hash := f.Hash
	if hash == "" {
		hash = synthesizeHash(addr, asset, f)
	}

	result := classify.Classify(f.StartPosition, classify.Side(f.Side), f.Size)

	fill := store.Fill{
		Address:       addr,
		Asset:         asset,
		At:            time.UnixMilli(f.TimeMs).UTC(),
		Action:        string(result.Action),
		Size:          decimal.NewFromFloat(f.Size),
		StartPosition: decimal.NewFromFloat(f.StartPosition),
		PriceUsd:      decimal.NewFromFloat(f.Price),
		FeeToken:      f.FeeToken,
		Hash:          hash,
	}
	if f.ClosedPnl != nil {
		d := decimal.NewFromFloat(*f.ClosedPnl)
		fill.RealizedPnlUsd = &d
	}
	if f.Fee != nil {
		d := decimal.NewFromFloat(*f.Fee)
		fill.Fee = &d
	}

	inserted, err := t.st.InsertTradeIfNew(ctx, fill)
	if err != nil {
		// Persistence failure never blocks the durable publish path;
		// the chain repairer heals this via I1/I2 idempotence later.
		t.log.WithError(err).WithField("address", addr).WithField("hash", hash).Warn("insert fill failed, continuing to publish")
	} else if !inserted {
		// Duplicate: the ring already carries this trade, so skip the
		// push, but the bus publish still runs on every classified
		// trade (at-least-once, spec.md §8 scenario 2).
		if t.onTrade != nil {
			go t.onTrade(context.Background(), fill, result)
		}
		return
	}

	payload := wire.TradePayload{
		At:            fill.At.Format(time.RFC3339Nano),
		Address:       string(addr),
		Symbol:        string(asset),
		Action:        fill.Action,
		Size:          fill.Size,
		StartPosition: fill.StartPosition,
		PriceUsd:      fill.PriceUsd,
		RealizedPnlUsd: fill.RealizedPnlUsd,
		Hash:          hash,
	}
	t.ring.Push(payload)

	if t.onTrade != nil {
		go t.onTrade(context.Background(), fill, result)
	}
}

func synthesizeHash(addr address.Address, asset address.Asset, f upstream.RawFill) string {
	return fmt.Sprintf("%s-%s-%d-%s-%.8f-%.8f", addr, asset, f.TimeMs, f.Side, f.Size, f.Price)
}
