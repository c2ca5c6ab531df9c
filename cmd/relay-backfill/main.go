// Command relay-backfill runs a single repair pass and exits, without
// standing up any websocket or publisher machinery. It replaces the
// ad-hoc cmd/test-* probes the teacher used for one-off exchange
// checks with a proper flag-driven CLI.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/marketrelay/ingest/internal/chain"
	"github.com/marketrelay/ingest/internal/config"
	"github.com/marketrelay/ingest/internal/obslog"
	"github.com/marketrelay/ingest/internal/store"
	"github.com/marketrelay/ingest/internal/tracker"
	"github.com/marketrelay/ingest/internal/upstream/hyperliquid"
	"github.com/marketrelay/ingest/internal/watchlist"
	"github.com/marketrelay/ingest/pkg/address"
)

func main() {
	asset := flag.String("asset", "", "asset symbol to repair, e.g. BTC")
	addr := flag.String("address", "", "single address to repair instead of the full watchlist")
	flag.Parse()

	if *asset == "" {
		fmt.Fprintln(os.Stderr, "relay-backfill: -asset is required")
		os.Exit(2)
	}

	logger := obslog.New("info")
	log := obslog.For(logger, "relay-backfill")

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	var st store.Store
	if cfg.DatabaseURL == "" {
		st = store.NewMemStore()
	} else {
		st, err = store.NewPGStore(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.WithError(err).Fatal("failed to open store")
		}
	}

	upClient := hyperliquid.New(hyperliquid.Config{
		WSEndpoint:   cfg.UpstreamWSURL,
		RESTEndpoint: cfg.UpstreamRESTURL,
	}, log.WithField("component", "upstream"))
	defer upClient.Close()

	ctx := context.Background()
	assetSym := address.Asset(*asset)

	if *addr != "" {
		a, err := address.Parse(*addr)
		if err != nil {
			log.WithError(err).Fatal("invalid -address")
		}
		v := chain.New(st, upClient, singleAddressSource{a}, []address.Asset{assetSym}, log)
		result, err := v.Repair(ctx, a, assetSym)
		if err != nil {
			log.WithError(err).Fatal("repair failed")
		}
		log.WithField("reingested", result.Reingest).Info("repair complete")
		return
	}

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
	wl := watchlist.New(scout, pinned, cfg.LeaderboardPeriod, cfg.LeaderboardSelectCount, noopRefresher{}, nil, log)
	wl.RefreshOnce(ctx)

	v := chain.New(st, upClient, wl, []address.Asset{assetSym}, log)
	summary, err := v.RepairAll(ctx, assetSym)
	if err != nil {
		log.WithError(err).Fatal("repair-all failed")
	}
	log.WithField("checked", summary.Checked).
		WithField("invalid", summary.Invalid).
		WithField("repaired", summary.Repaired).
		WithField("failed", len(summary.Failed)).
		Info("repair-all complete")
}

// singleAddressSource satisfies chain.WatchlistSource for the
// -address single-target mode, where there is no orchestrator.
type singleAddressSource struct {
	addr address.Address
}

func (s singleAddressSource) Addresses() []address.Address {
	return []address.Address{s.addr}
}

// noopRefresher satisfies watchlist.Refresher for the backfill CLI,
// which only needs the leaderboard union, not live tracker
// subscriptions.
type noopRefresher struct{}

func (noopRefresher) Refresh(context.Context, []address.Address, tracker.StartOptions) error {
	return nil
}
