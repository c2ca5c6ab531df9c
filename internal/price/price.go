// Package price implements the price feed (C6): one upstream mid
// price subscription per configured asset, a copy-on-update snapshot
// table for readers, and periodic persistence of samples to C10.
// The copy-on-update table is grounded on the DESIGN NOTES "writers
// snapshot and swap" requirement; the watchlist orchestrator (C9) uses
// the identical pattern for its address set.
package price

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/marketrelay/ingest/internal/store"
	"github.com/marketrelay/ingest/internal/upstream"
	"github.com/marketrelay/ingest/pkg/address"
)

// Sample is a single asset's latest known price.
type Sample struct {
	Price     float64
	UpdatedAt time.Time
}

// ChangeHandler is invoked whenever a fresh sample replaces the
// previous one for an asset.
type ChangeHandler func(asset address.Asset, sample Sample)

// Feed owns the live price table and writes snapshots to the store on
// an interval.
type Feed struct {
	up       upstream.Client
	st       store.Store
	interval time.Duration
	log      *logrus.Entry

	table   atomic.Pointer[map[address.Asset]Sample]
	onChange atomic.Pointer[ChangeHandler]

	mu      sync.Mutex
	assets  []address.Asset
	started bool
}

// New constructs a Feed. interval gates how often samples are written
// to the store; it does not throttle in-memory updates.
func New(up upstream.Client, st store.Store, interval time.Duration, log *logrus.Entry) *Feed {
	f := &Feed{up: up, st: st, interval: interval, log: log}
	empty := make(map[address.Asset]Sample)
	f.table.Store(&empty)
	return f
}

// OnPriceChange registers a callback invoked on every fresh sample.
// Only one handler is kept; calling it again replaces the previous.
func (f *Feed) OnPriceChange(h ChangeHandler) {
	f.onChange.Store(&h)
}

// Start subscribes once per configured asset via the upstream client
// and begins the periodic snapshot writer.
func (f *Feed) Start(ctx context.Context, assets []address.Asset) error {
	f.mu.Lock()
	f.assets = assets
	f.started = true
	f.mu.Unlock()

	for _, asset := range assets {
		asset := asset
		if err := f.up.SubscribePrice(ctx, asset, func(u upstream.PriceUpdate) {
			f.applyUpdate(asset, u)
		}); err != nil {
			f.log.WithError(err).WithField("asset", asset).Warn("failed to subscribe to price feed")
		}
	}
	go f.snapshotLoop(ctx, assets)
	return nil
}

// Refresh re-asserts the configured asset subscriptions. Assets are
// fixed by configuration rather than derived from the watchlist, so
// this only re-issues the per-asset subscriptions (which the upstream
// client ignores for assets it already streams) from C9's 60s
// reconcile loop (spec.md §4.9 "call ... C6.refresh()") rather than
// resizing anything.
func (f *Feed) Refresh(ctx context.Context) error {
	f.mu.Lock()
	assets := append([]address.Asset(nil), f.assets...)
	started := f.started
	f.mu.Unlock()
	if !started {
		return nil
	}
	for _, asset := range assets {
		asset := asset
		if err := f.up.SubscribePrice(ctx, asset, func(u upstream.PriceUpdate) {
			f.applyUpdate(asset, u)
		}); err != nil {
			f.log.WithError(err).WithField("asset", asset).Warn("price refresh resubscribe failed")
		}
	}
	return nil
}

func (f *Feed) applyUpdate(asset address.Asset, u upstream.PriceUpdate) {
	sample := Sample{Price: u.Mid, UpdatedAt: u.UpdatedAt}

	for {
		old := f.table.Load()
		next := make(map[address.Asset]Sample, len(*old)+1)
		for k, v := range *old {
			next[k] = v
		}
		next[asset] = sample
		if f.table.CompareAndSwap(old, &next) {
			break
		}
	}

	if h := f.onChange.Load(); h != nil && *h != nil {
		(*h)(asset, sample)
	}
}

// GetCurrentPrices returns a point-in-time snapshot of every known
// asset's sample; the returned map is never mutated by the feed.
func (f *Feed) GetCurrentPrices() map[address.Asset]Sample {
	current := f.table.Load()
	out := make(map[address.Asset]Sample, len(*current))
	for k, v := range *current {
		out[k] = v
	}
	return out
}

// snapshotLoop writes a store row for every asset with a finite price
// on each tick, per spec.md §4.6.
func (f *Feed) snapshotLoop(ctx context.Context, assets []address.Asset) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.writeSnapshots(ctx, assets)
		}
	}
}

func (f *Feed) writeSnapshots(ctx context.Context, assets []address.Asset) {
	prices := f.GetCurrentPrices()
	for _, asset := range assets {
		sample, ok := prices[asset]
		if !ok || !isFinite(sample.Price) {
			continue
		}
		if err := f.st.InsertPriceSnapshot(ctx, asset, decimal.NewFromFloat(sample.Price), sample.UpdatedAt); err != nil {
			f.log.WithError(err).WithField("asset", asset).Warn("price snapshot write failed")
		}
	}
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
