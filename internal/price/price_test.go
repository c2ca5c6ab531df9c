package price

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketrelay/ingest/internal/store"
	"github.com/marketrelay/ingest/internal/upstream"
	"github.com/marketrelay/ingest/pkg/address"
)

type fakeClient struct {
	handlers map[address.Asset]upstream.PriceHandler
}

func newFakeClient() *fakeClient { return &fakeClient{handlers: make(map[address.Asset]upstream.PriceHandler)} }

func (f *fakeClient) SubscribeFills(context.Context, address.Address, upstream.FillHandler) error { return nil }
func (f *fakeClient) Unsubscribe(address.Address) error                                           { return nil }
func (f *fakeClient) SubscribePositions(context.Context, address.Address, upstream.PositionHandler) error {
	return nil
}
func (f *fakeClient) SubscribePrice(_ context.Context, asset address.Asset, h upstream.PriceHandler) error {
	f.handlers[asset] = h
	return nil
}
func (f *fakeClient) FetchUserFills(context.Context, address.Address, upstream.FetchOptions) ([]upstream.RawFill, error) {
	return nil, nil
}
func (f *fakeClient) CurrentPositions(context.Context, address.Address) ([]upstream.PositionSnapshot, error) {
	return nil, nil
}
func (f *fakeClient) ConnectionStates() <-chan upstream.ConnectionState { return nil }
func (f *fakeClient) Close() error                                     { return nil }

func testLog() *logrus.Entry {
	l := logrus.New()
	l.Out = io.Discard
	return logrus.NewEntry(l)
}

func TestFeed_ApplyUpdate_SnapshotAndSwap(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newFakeClient()
	st := store.NewMemStore()
	feed := New(client, st, 50*time.Millisecond, testLog())

	require.NoError(t, feed.Start(ctx, []address.Asset{"BTC", "ETH"}))

	var changes []address.Asset
	feed.OnPriceChange(func(asset address.Asset, _ Sample) { changes = append(changes, asset) })

	client.handlers["BTC"](upstream.PriceUpdate{Asset: "BTC", Mid: 65000, UpdatedAt: time.Now()})
	client.handlers["ETH"](upstream.PriceUpdate{Asset: "ETH", Mid: 3200, UpdatedAt: time.Now()})

	prices := feed.GetCurrentPrices()
	require.Contains(t, prices, address.Asset("BTC"))
	require.Contains(t, prices, address.Asset("ETH"))
	assert.Equal(t, 65000.0, prices["BTC"].Price)
	assert.Equal(t, []address.Asset{"BTC", "ETH"}, changes)
}

type spyStore struct {
	store.Store
	mu        sync.Mutex
	snapshots map[address.Asset]int
}

func newSpyStore() *spyStore {
	return &spyStore{Store: store.NewMemStore(), snapshots: make(map[address.Asset]int)}
}

func (s *spyStore) InsertPriceSnapshot(ctx context.Context, asset address.Asset, price decimal.Decimal, at time.Time) error {
	s.mu.Lock()
	s.snapshots[asset]++
	s.mu.Unlock()
	return s.Store.InsertPriceSnapshot(ctx, asset, price, at)
}

func (s *spyStore) count(asset address.Asset) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshots[asset]
}

func TestFeed_WriteSnapshots_SkipsMissingAssets(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newFakeClient()
	st := newSpyStore()
	feed := New(client, st, 10*time.Millisecond, testLog())
	require.NoError(t, feed.Start(ctx, []address.Asset{"BTC", "ETH"}))

	client.handlers["BTC"](upstream.PriceUpdate{Asset: "BTC", Mid: 100, UpdatedAt: time.Now()})

	require.Eventually(t, func() bool {
		return st.count("BTC") > 0
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, st.count("ETH"), "asset with no sample yet must not produce a snapshot row")
}
