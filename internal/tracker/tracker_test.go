package tracker

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketrelay/ingest/internal/classify"
	"github.com/marketrelay/ingest/internal/ring"
	"github.com/marketrelay/ingest/internal/store"
	"github.com/marketrelay/ingest/internal/upstream"
	"github.com/marketrelay/ingest/pkg/address"
)

const testAddr = address.Address("0x" + "a1000000000000000000000000000000000001"[:40])

type fakeClient struct {
	mu        sync.Mutex
	fillH     map[address.Address]upstream.FillHandler
	posH      map[address.Address]upstream.PositionHandler
	unsubbed  map[address.Address]bool
	positions []upstream.PositionSnapshot
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		fillH:    make(map[address.Address]upstream.FillHandler),
		posH:     make(map[address.Address]upstream.PositionHandler),
		unsubbed: make(map[address.Address]bool),
	}
}

func (f *fakeClient) SubscribeFills(_ context.Context, addr address.Address, h upstream.FillHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fillH[addr] = h
	return nil
}
func (f *fakeClient) Unsubscribe(addr address.Address) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubbed[addr] = true
	return nil
}
func (f *fakeClient) SubscribePositions(_ context.Context, addr address.Address, h upstream.PositionHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posH[addr] = h
	return nil
}
func (f *fakeClient) SubscribePrice(context.Context, address.Asset, upstream.PriceHandler) error { return nil }
func (f *fakeClient) FetchUserFills(context.Context, address.Address, upstream.FetchOptions) ([]upstream.RawFill, error) {
	return nil, nil
}
func (f *fakeClient) CurrentPositions(ctx context.Context, addr address.Address) ([]upstream.PositionSnapshot, error) {
	return f.positions, nil
}
func (f *fakeClient) ConnectionStates() <-chan upstream.ConnectionState { return nil }
func (f *fakeClient) Close() error                                     { return nil }

func (f *fakeClient) pushFill(addr address.Address, raw upstream.RawFill) {
	f.mu.Lock()
	h := f.fillH[addr]
	f.mu.Unlock()
	if h != nil {
		h(raw)
	}
}

func (f *fakeClient) pushPosition(addr address.Address, snap upstream.PositionSnapshot) {
	f.mu.Lock()
	h := f.posH[addr]
	f.mu.Unlock()
	if h != nil {
		h(snap)
	}
}

func testLog() *logrus.Entry {
	l := logrus.New()
	l.Out = io.Discard
	return logrus.NewEntry(l)
}

type failingStore struct {
	store.Store
	failHash string
}

func (f *failingStore) InsertTradeIfNew(ctx context.Context, fl store.Fill) (bool, error) {
	if fl.Hash == f.failHash {
		return false, errors.New("boom")
	}
	return f.Store.InsertTradeIfNew(ctx, fl)
}

// TestTracker_ProcessFill_PublishesAndDedups asserts the split spec.md
// §8 scenario 2 requires: a duplicate fill must not grow the ring (it
// stays at one event), but the bus publish still runs on every
// classified trade, duplicate or not (at-least-once).
func TestTracker_ProcessFill_PublishesAndDedups(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newFakeClient()
	st := store.NewMemStore()
	r := ring.New(10)

	var mu sync.Mutex
	var published []store.Fill
	onTrade := func(_ context.Context, fl store.Fill, _ classify.Result) {
		mu.Lock()
		published = append(published, fl)
		mu.Unlock()
	}

	tr := New(client, st, r, onTrade, time.Minute, testLog())
	require.NoError(t, tr.Start(ctx, []address.Address{testAddr}, StartOptions{}))

	raw := upstream.RawFill{Hash: "h1", Coin: "BTC", Side: "B", Size: 1, Price: 100, TimeMs: time.Now().UnixMilli(), StartPosition: 0}
	client.pushFill(testAddr, raw)
	client.pushFill(testAddr, raw) // duplicate

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(published) == 2
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, int64(1), r.LatestSeq(), "a duplicate fill must not push a second ring event")

	page, err := st.GetBackfillFills(ctx, store.BackfillQuery{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, page.Fills, 1)
}

func TestTracker_ProcessFill_InsertErrorStillPublishes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newFakeClient()
	base := store.NewMemStore()
	st := &failingStore{Store: base, failHash: "bad-hash"}
	r := ring.New(10)

	var mu sync.Mutex
	var published []store.Fill
	onTrade := func(_ context.Context, fl store.Fill, _ classify.Result) {
		mu.Lock()
		published = append(published, fl)
		mu.Unlock()
	}

	tr := New(client, st, r, onTrade, time.Minute, testLog())
	require.NoError(t, tr.Start(ctx, []address.Address{testAddr}, StartOptions{}))

	raw := upstream.RawFill{Hash: "bad-hash", Coin: "BTC", Side: "B", Size: 1, Price: 100, TimeMs: time.Now().UnixMilli(), StartPosition: 0}
	client.pushFill(testAddr, raw)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(published) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, int64(1), r.LatestSeq(), "ring push must happen even when persistence fails")
}

func TestTracker_Refresh_SubscribesAddedUnsubscribesRemoved(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newFakeClient()
	st := store.NewMemStore()
	r := ring.New(10)

	other := address.Address("0x" + "b2000000000000000000000000000000000002"[:40])

	tr := New(client, st, r, nil, time.Minute, testLog())
	require.NoError(t, tr.Start(ctx, []address.Address{testAddr}, StartOptions{}))
	require.NoError(t, tr.Refresh(ctx, []address.Address{other}, StartOptions{}))

	tracked := tr.TrackedAddresses()
	assert.Len(t, tracked, 1)
	assert.Equal(t, other, tracked[0])

	client.mu.Lock()
	unsub := client.unsubbed[testAddr]
	client.mu.Unlock()
	assert.True(t, unsub)
}

func TestTracker_AwaitPositions_TimesOutGracefully(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newFakeClient()
	st := store.NewMemStore()
	r := ring.New(10)

	tr := New(client, st, r, nil, time.Minute, testLog())
	start := time.Now()
	err := tr.Start(ctx, []address.Address{testAddr}, StartOptions{AwaitPositions: true, PositionTimeout: 20 * time.Millisecond})
	require.NoError(t, err)
	assert.True(t, tr.PositionsReady())
	assert.Less(t, time.Since(start), time.Second)
}
