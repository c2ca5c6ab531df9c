package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marketrelay/ingest/pkg/address"
)

// MemStore is an in-process Store, used for local development and in
// tests in place of a running Postgres instance. Its single-mutex
// discipline is adapted from pkg/cache.MemoryCache, generalized from a
// TTL cache to an append-only, hash-deduplicated fill log, since C10's
// insert path needs per-(address,asset) ordering rather than expiry.
type MemStore struct {
	mu     sync.Mutex
	fills  map[string][]Fill            // key: address|asset, kept sorted by At ascending (stable for equal times)
	hashes map[string]struct{}          // global hash set, I2
	prices map[address.Asset][]priceRow
}

type priceRow struct {
	price decimal.Decimal
	at    time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		fills:  make(map[string][]Fill),
		hashes: make(map[string]struct{}),
		prices: make(map[address.Asset][]priceRow),
	}
}

func chainKey(addr address.Address, asset address.Asset) string {
	return string(addr) + "|" + string(asset)
}

func (m *MemStore) InsertTradeIfNew(_ context.Context, f Fill) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.hashes[f.Hash]; exists {
		return false, nil
	}
	m.hashes[f.Hash] = struct{}{}

	key := chainKey(f.Address, f.Asset)
	list := m.fills[key]
	list = append(list, f)
	sort.SliceStable(list, func(i, j int) bool { return list[i].At.Before(list[j].At) })
	m.fills[key] = list
	return true, nil
}

func (m *MemStore) GetBackfillFills(_ context.Context, q BackfillQuery) (BackfillPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := make(map[address.Address]struct{}, len(q.Addresses))
	for _, a := range q.Addresses {
		wanted[a] = struct{}{}
	}

	var all []Fill
	for _, list := range m.fills {
		for _, f := range list {
			if len(wanted) > 0 {
				if _, ok := wanted[f.Address]; !ok {
					continue
				}
			}
			if q.BeforeTime != nil && !f.At.Before(*q.BeforeTime) {
				continue
			}
			all = append(all, f)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].At.After(all[j].At) })

	limit := q.Limit
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	page := BackfillPage{Fills: all[:limit], HasMore: limit < len(all)}
	if limit > 0 {
		oldest := all[limit-1].At
		page.OldestAt = &oldest
	}
	return page, nil
}

func (m *MemStore) GetOldestFillTime(_ context.Context, addresses []address.Address) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := make(map[address.Address]struct{}, len(addresses))
	for _, a := range addresses {
		wanted[a] = struct{}{}
	}

	var oldest *time.Time
	for _, list := range m.fills {
		for _, f := range list {
			if len(wanted) > 0 {
				if _, ok := wanted[f.Address]; !ok {
					continue
				}
			}
			if oldest == nil || f.At.Before(*oldest) {
				t := f.At
				oldest = &t
			}
		}
	}
	return oldest, nil
}

func (m *MemStore) ValidatePositionChain(_ context.Context, addr address.Address, asset address.Asset) (ChainResult, error) {
	m.mu.Lock()
	list := append([]Fill(nil), m.fills[chainKey(addr, asset)]...)
	m.mu.Unlock()
	return validateChain(list), nil
}

func (m *MemStore) ClearTradesForAddress(_ context.Context, addr address.Address, asset address.Asset) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := chainKey(addr, asset)
	cleared := len(m.fills[key])
	for _, f := range m.fills[key] {
		delete(m.hashes, f.Hash)
	}
	delete(m.fills, key)
	return cleared, nil
}

func (m *MemStore) InsertPriceSnapshot(_ context.Context, asset address.Asset, price decimal.Decimal, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[asset] = append(m.prices[asset], priceRow{price: price, at: at})
	return nil
}
