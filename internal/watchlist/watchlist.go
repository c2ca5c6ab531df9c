// Package watchlist implements the watchlist orchestrator (C9): every
// reconcile interval it fetches the top-K leaderboard from the scout
// source, unions it with the pinned address list, and reconciles the
// realtime tracker and price feed against the result. The
// snapshot-and-swap discipline for the live watchlist value mirrors
// the price feed's copy-on-update table (internal/price), per the
// "writers snapshot and swap" requirement in spec.md §5.
package watchlist

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/marketrelay/ingest/internal/tracker"
	"github.com/marketrelay/ingest/pkg/address"
)

const reconcileInterval = 60 * time.Second

// Refresher is the subset of the realtime tracker's contract C9
// needs to diff and reconcile subscriptions.
type Refresher interface {
	Refresh(ctx context.Context, addrs []address.Address, opts tracker.StartOptions) error
}

// PriceRefresher is C6's refresh hook.
type PriceRefresher interface {
	Refresh(ctx context.Context) error
}

// LeaderboardSource fetches the current top-K addresses from the
// scout service.
type LeaderboardSource interface {
	Top(ctx context.Context, period string, limit int) ([]address.Address, error)
}

// HTTPLeaderboard is the default LeaderboardSource, querying
// SCOUT_URL over plain net/http — the teacher carries no HTTP client
// abstraction for this, so this is a direct net/http call in the
// teacher's own request-building idiom (see internal/exchange/base.go).
type HTTPLeaderboard struct {
	BaseURL string
	HTTP    *http.Client
}

type leaderboardResponse struct {
	Addresses []string `json:"addresses"`
}

func (h *HTTPLeaderboard) Top(ctx context.Context, period string, limit int) ([]address.Address, error) {
	client := h.HTTP
	if client == nil {
		client = http.DefaultClient
	}

	u, err := url.Parse(h.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("watchlist: invalid scout URL: %w", err)
	}
	q := u.Query()
	q.Set("period", period)
	q.Set("limit", fmt.Sprintf("%d", limit))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("watchlist: build leaderboard request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("watchlist: fetch leaderboard: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("watchlist: leaderboard request failed: status %d", resp.StatusCode)
	}

	var body leaderboardResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("watchlist: decode leaderboard response: %w", err)
	}

	out := make([]address.Address, 0, len(body.Addresses))
	for _, raw := range body.Addresses {
		a, err := address.Parse(raw)
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// Orchestrator owns the live watchlist value and reconciles it on a
// fixed interval.
type Orchestrator struct {
	source  LeaderboardSource
	pinned  []address.Address
	period  string
	limit   int
	tracker Refresher
	prices  PriceRefresher
	log     *logrus.Entry

	current atomic.Pointer[[]address.Address]
}

// New constructs an Orchestrator with the given pinned accounts;
// pinned addresses are always unioned into the watchlist ahead of the
// leaderboard fetch result, first-seen order preserved per spec.md §3.
func New(source LeaderboardSource, pinned []address.Address, period string, limit int, tracker Refresher, prices PriceRefresher, log *logrus.Entry) *Orchestrator {
	o := &Orchestrator{
		source:  source,
		pinned:  pinned,
		period:  period,
		limit:   limit,
		tracker: tracker,
		prices:  prices,
		log:     log,
	}
	empty := []address.Address{}
	o.current.Store(&empty)
	return o
}

// Addresses returns the current watchlist snapshot. Satisfies
// internal/chain.WatchlistSource.
func (o *Orchestrator) Addresses() []address.Address {
	return *o.current.Load()
}

// Start runs an immediate reconcile and then one every 60s until ctx
// is cancelled.
func (o *Orchestrator) Start(ctx context.Context) {
	o.reconcileOnce(ctx)

	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.reconcileOnce(ctx)
		}
	}
}

// RefreshOnce runs a single reconcile pass synchronously. Used by the
// one-shot backfill CLI, which needs a populated watchlist without
// starting the 60s background loop.
func (o *Orchestrator) RefreshOnce(ctx context.Context) {
	o.reconcileOnce(ctx)
}

func (o *Orchestrator) reconcileOnce(ctx context.Context) {
	top, err := o.source.Top(ctx, o.period, o.limit)
	if err != nil {
		o.log.WithError(err).Warn("leaderboard fetch failed, keeping previous watchlist")
		return
	}

	union := address.NewSet(o.pinned, top)
	next := union.Slice()
	o.current.Store(&next)

	if err := o.tracker.Refresh(ctx, next, tracker.StartOptions{}); err != nil {
		o.log.WithError(err).Warn("tracker refresh failed")
	}
	if o.prices != nil {
		if err := o.prices.Refresh(ctx); err != nil {
			o.log.WithError(err).Warn("price feed refresh failed")
		}
	}

	o.log.WithField("size", len(next)).Info("watchlist reconciled")
}
