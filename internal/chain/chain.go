// Package chain implements the position chain validator/repairer
// (C4): it detects gaps in the stored fill history for an
// (address, asset) pair and, on demand or on a schedule, clears and
// re-ingests from upstream history to heal them. The scheduling is
// grounded on internal/storage/manager.go's cron wiring; the
// validate/repair algebra itself lives in internal/store (chain.go)
// and is only orchestrated here.
package chain

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/marketrelay/ingest/internal/classify"
	"github.com/marketrelay/ingest/internal/store"
	"github.com/marketrelay/ingest/internal/upstream"
	"github.com/marketrelay/ingest/pkg/address"
)

// RepairResult reports what happened during a repair call.
type RepairResult struct {
	Address  address.Address
	Asset    address.Asset
	Before   store.ChainResult
	After    store.ChainResult
	Reingest int
}

// RepairAllSummary aggregates a repairAll pass over a watchlist.
type RepairAllSummary struct {
	Checked int
	Invalid int
	Repaired int
	Failed   []address.Address
}

// WatchlistSource supplies the addresses currently being tracked, so
// repairAll can iterate the live watchlist without importing the
// watchlist orchestrator directly (keeps C4 and C9 decoupled).
type WatchlistSource interface {
	Addresses() []address.Address
}

// Validator owns the scheduled repair cron and exposes the on-demand
// validate/repair/repairAll operations spec.md §4.4 names.
type Validator struct {
	store     store.Store
	upstream  upstream.Client
	watchlist WatchlistSource
	assets    []address.Asset
	log       *logrus.Entry

	running atomic.Bool
	cron    *cron.Cron
}

// New constructs a Validator. The scheduled job is started separately
// by StartScheduled; on-demand Validate/Repair/RepairAll always work.
func New(st store.Store, up upstream.Client, wl WatchlistSource, assets []address.Asset, log *logrus.Entry) *Validator {
	return &Validator{
		store:     st,
		upstream:  up,
		watchlist: wl,
		assets:    assets,
		log:       log,
	}
}

// Validate reads all stored fills for (addr, asset) and reports every
// chain gap found.
func (v *Validator) Validate(ctx context.Context, addr address.Address, asset address.Asset) (store.ChainResult, error) {
	return v.store.ValidatePositionChain(ctx, addr, asset)
}

// Repair performs the clear+backfill: fetch upstream history for
// (addr, asset) first, so a fetch failure returns before anything is
// deleted; then delete every fill for (addr, asset), re-ingest the
// history via the normal insert path (classify on the upstream
// startPosition → insertTradeIfNew), and revalidate.
func (v *Validator) Repair(ctx context.Context, addr address.Address, asset address.Asset) (RepairResult, error) {
	before, err := v.store.ValidatePositionChain(ctx, addr, asset)
	if err != nil {
		return RepairResult{}, fmt.Errorf("chain: validate before repair: %w", err)
	}

	raw, err := v.upstream.FetchUserFills(ctx, addr, upstream.FetchOptions{
		Symbols:         []address.Asset{asset},
		AggregateByTime: true,
	})
	if err != nil {
		return RepairResult{}, fmt.Errorf("chain: fetch user fills: %w", err)
	}

	if _, err := v.store.ClearTradesForAddress(ctx, addr, asset); err != nil {
		return RepairResult{}, fmt.Errorf("chain: clear trades: %w", err)
	}

	reingested := 0
	for _, f := range raw {
		result := classify.Classify(f.StartPosition, classify.Side(f.Side), f.Size)

		hash := f.Hash
		if hash == "" {
			hash = fmt.Sprintf("%s-%s-%d-%s-%.8f-%.8f", addr, asset, f.TimeMs, f.Side, f.Size, f.Price)
		}

		sf := store.Fill{
			Address:       addr,
			Asset:         asset,
			At:            time.UnixMilli(f.TimeMs).UTC(),
			Action:        string(result.Action),
			Hash:          hash,
		}
		sf.Size = decimalFromFloat(f.Size)
		sf.StartPosition = decimalFromFloat(f.StartPosition)
		sf.PriceUsd = decimalFromFloat(f.Price)
		if f.ClosedPnl != nil {
			d := decimalFromFloat(*f.ClosedPnl)
			sf.RealizedPnlUsd = &d
		}
		if f.Fee != nil {
			d := decimalFromFloat(*f.Fee)
			sf.Fee = &d
		}
		sf.FeeToken = f.FeeToken

		inserted, err := v.store.InsertTradeIfNew(ctx, sf)
		if err != nil {
			v.log.WithError(err).WithField("address", addr).WithField("asset", asset).Warn("repair: insert failed, continuing")
			continue
		}
		if inserted {
			reingested++
		}
	}

	after, err := v.store.ValidatePositionChain(ctx, addr, asset)
	if err != nil {
		return RepairResult{}, fmt.Errorf("chain: validate after repair: %w", err)
	}

	return RepairResult{Address: addr, Asset: asset, Before: before, After: after, Reingest: reingested}, nil
}

// RepairAll validates every address currently on the watchlist for
// asset and repairs the ones found invalid, sequentially.
func (v *Validator) RepairAll(ctx context.Context, asset address.Asset) (RepairAllSummary, error) {
	summary := RepairAllSummary{}
	for _, addr := range v.watchlist.Addresses() {
		summary.Checked++
		result, err := v.store.ValidatePositionChain(ctx, addr, asset)
		if err != nil {
			v.log.WithError(err).WithField("address", addr).Warn("repairAll: validate failed")
			summary.Failed = append(summary.Failed, addr)
			continue
		}
		if result.Valid {
			continue
		}
		summary.Invalid++

		if _, err := v.Repair(ctx, addr, asset); err != nil {
			v.log.WithError(err).WithField("address", addr).Warn("repairAll: repair failed")
			summary.Failed = append(summary.Failed, addr)
			continue
		}
		summary.Repaired++
	}
	return summary, nil
}

// StartScheduled starts the VALIDATION_INTERVAL cron job, grounded on
// internal/storage/manager.go's cron.New() setup. A new cycle is
// skipped entirely (not queued) if the previous one is still running,
// satisfying spec.md §4.4's "must not run concurrently with itself".
func (v *Validator) StartScheduled(ctx context.Context, interval time.Duration, autoRepairEnabled bool) error {
	if !autoRepairEnabled {
		v.log.Info("auto-repair disabled, scheduled validation cron not started")
		return nil
	}

	v.cron = cron.New()
	spec := fmt.Sprintf("@every %s", interval.String())
	_, err := v.cron.AddFunc(spec, func() { v.runCycle(ctx) })
	if err != nil {
		return fmt.Errorf("chain: schedule validation cron: %w", err)
	}
	v.cron.Start()
	return nil
}

func (v *Validator) runCycle(ctx context.Context) {
	if !v.running.CompareAndSwap(false, true) {
		v.log.Debug("validation cycle already running, skipping this tick")
		return
	}
	defer v.running.Store(false)

	for _, asset := range v.assets {
		summary, err := v.RepairAll(ctx, asset)
		if err != nil {
			v.log.WithError(err).WithField("asset", asset).Warn("scheduled repairAll failed")
			continue
		}
		v.log.WithFields(logrus.Fields{
			"asset":    asset,
			"checked":  summary.Checked,
			"invalid":  summary.Invalid,
			"repaired": summary.Repaired,
			"failed":   len(summary.Failed),
		}).Info("scheduled validation cycle complete")
	}
}

// Stop halts the scheduled cron, if running.
func (v *Validator) Stop() {
	if v.cron != nil {
		v.cron.Stop()
	}
}

func decimalFromFloat(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}
