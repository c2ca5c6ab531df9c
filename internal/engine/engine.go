// Package engine wires every component into one explicit value built
// once in cmd/relay/main.go, per spec.md §9 DESIGN NOTES ("package as
// an explicit Engine value" rather than ambient package-level
// singletons the teacher's services/* packages lean on).
package engine

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/marketrelay/ingest/internal/chain"
	"github.com/marketrelay/ingest/internal/classify"
	"github.com/marketrelay/ingest/internal/config"
	"github.com/marketrelay/ingest/internal/fanout"
	"github.com/marketrelay/ingest/internal/price"
	"github.com/marketrelay/ingest/internal/publisher"
	"github.com/marketrelay/ingest/internal/ring"
	"github.com/marketrelay/ingest/internal/store"
	"github.com/marketrelay/ingest/internal/tracker"
	"github.com/marketrelay/ingest/internal/upstream"
	"github.com/marketrelay/ingest/internal/upstream/hyperliquid"
	"github.com/marketrelay/ingest/internal/watchlist"
	"github.com/marketrelay/ingest/pkg/address"
)

// Engine carries every component handle the admin surface and main
// loop need; there is exactly one per process.
type Engine struct {
	Config     *config.Config
	Log        *logrus.Entry
	Store      store.Store
	Upstream   upstream.Client
	Ring       *ring.Ring
	Tracker    *tracker.Tracker
	Price      *price.Feed
	Publisher  *publisher.Publisher
	Chain      *chain.Validator
	Watchlist  *watchlist.Orchestrator
	Fanout     *fanout.Server

	assets []address.Asset
}

// New constructs every component but does not start any goroutines or
// network connections; call Start for that.
func New(cfg *config.Config, log *logrus.Entry, st store.Store) (*Engine, error) {
	assets := make([]address.Asset, 0, len(cfg.Assets))
	for _, a := range cfg.Assets {
		assets = append(assets, address.Asset(a))
	}

	upClient := hyperliquid.New(hyperliquid.Config{
		WSEndpoint:   cfg.UpstreamWSURL,
		RESTEndpoint: cfg.UpstreamRESTURL,
	}, log.WithField("component", "upstream"))

	r := ring.New(cfg.RingCapacity)

	pub, err := publisher.Connect(publisher.Config{
		URL:        cfg.NatsURL,
		ClientID:   "marketrelay-ingest",
		StreamName: "FILLS",
		MaxAge:     7 * 24 * time.Hour,
		MaxMsgs:    10_000_000,
		Source:     "hyperliquid",
	}, log.WithField("component", "publisher"))
	if err != nil {
		return nil, fmt.Errorf("engine: connect publisher: %w", err)
	}

	onTrade := func(ctx context.Context, f store.Fill, result classify.Result) {
		pub.Publish(ctx, f, result)
	}

	tr := tracker.New(upClient, st, r, onTrade, 2*time.Minute, log.WithField("component", "tracker"))

	priceFeed := price.New(upClient, st, cfg.PriceSnapshotInterval, log.WithField("component", "price"))

	pinned := make([]address.Address, 0, len(cfg.PinnedAddresses))
	for _, raw := range cfg.PinnedAddresses {
		a, err := address.Parse(raw)
		if err != nil {
			log.WithError(err).WithField("raw", raw).Warn("skipping invalid pinned address")
			continue
		}
		pinned = append(pinned, a)
	}

	scout := &watchlist.HTTPLeaderboard{BaseURL: cfg.ScoutURL}
	wl := watchlist.New(scout, pinned, cfg.LeaderboardPeriod, cfg.LeaderboardSelectCount, tr, priceFeed, log.WithField("component", "watchlist"))

	validator := chain.New(st, upClient, wl, assets, log.WithField("component", "chain"))

	fo := fanout.New(r, priceFeed, log.WithField("component", "fanout"))

	return &Engine{
		Config:    cfg,
		Log:       log,
		Store:     st,
		Upstream:  upClient,
		Ring:      r,
		Tracker:   tr,
		Price:     priceFeed,
		Publisher: pub,
		Chain:     validator,
		Watchlist: wl,
		Fanout:    fo,
		assets:    assets,
	}, nil
}

// Start brings up every background loop: the price feed, the
// watchlist reconcile loop (which in turn primes the tracker), the
// stale-snapshot ticker, and the scheduled chain validation cron.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Price.Start(ctx, e.assets); err != nil {
		return fmt.Errorf("engine: start price feed: %w", err)
	}

	// Populate the watchlist synchronously before priming the tracker,
	// otherwise Start would await positions against zero addresses and
	// the real watchlist would only arrive later via Refresh, which
	// never awaits positions.
	e.Watchlist.RefreshOnce(ctx)

	initial := e.Watchlist.Addresses()
	if err := e.Tracker.Start(ctx, initial, tracker.StartOptions{AwaitPositions: true}); err != nil {
		return fmt.Errorf("engine: start tracker: %w", err)
	}

	go e.Watchlist.Start(ctx)
	go e.Tracker.EnsureFreshSnapshots(ctx)

	if err := e.Chain.StartScheduled(ctx, e.Config.ValidationInterval, e.Config.AutoRepairEnabled); err != nil {
		return fmt.Errorf("engine: start validation cron: %w", err)
	}

	return nil
}

// Stop halts the validation cron and tears down the publisher and
// upstream connections. The watchlist/tracker goroutines exit on ctx
// cancellation, handled by the caller before invoking Stop.
func (e *Engine) Stop() {
	e.Chain.Stop()
	e.Publisher.Close()
	if err := e.Upstream.Close(); err != nil {
		e.Log.WithError(err).Warn("error closing upstream client")
	}
}

// Healthz reports process health for the /healthz endpoint
// (spec.md §7): 200 with a watchlist count.
func (e *Engine) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","watchlist":%d,"sessions":%d}`, len(e.Watchlist.Addresses()), e.Fanout.SessionCount())
}
