package chain

import (
	"context"
	"io"
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

const testAddr = address.Address("0x" + "a1000000000000000000000000000000000001"[:40])

type fakeUpstream struct {
	fills []upstream.RawFill
}

func (f *fakeUpstream) SubscribeFills(context.Context, address.Address, upstream.FillHandler) error { return nil }
func (f *fakeUpstream) Unsubscribe(address.Address) error                                           { return nil }
func (f *fakeUpstream) SubscribePositions(context.Context, address.Address, upstream.PositionHandler) error {
	return nil
}
func (f *fakeUpstream) SubscribePrice(context.Context, address.Asset, upstream.PriceHandler) error {
	return nil
}
func (f *fakeUpstream) FetchUserFills(context.Context, address.Address, upstream.FetchOptions) ([]upstream.RawFill, error) {
	return f.fills, nil
}
func (f *fakeUpstream) CurrentPositions(context.Context, address.Address) ([]upstream.PositionSnapshot, error) {
	return nil, nil
}
func (f *fakeUpstream) ConnectionStates() <-chan upstream.ConnectionState { return nil }
func (f *fakeUpstream) Close() error                                     { return nil }

type fakeWatchlist struct{ addrs []address.Address }

func (w fakeWatchlist) Addresses() []address.Address { return w.addrs }

func testLog() *logrus.Entry {
	l := logrus.New()
	l.Out = io.Discard
	return logrus.NewEntry(l)
}

func TestValidator_Repair_HealsGap(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()

	now := time.Now().UTC()
	_, err := st.InsertTradeIfNew(ctx, store.Fill{
		Address: testAddr, Asset: "BTC", At: now.Add(-3 * time.Hour),
		Action: "Open Long", Size: decimal.NewFromInt(1), StartPosition: decimal.Zero, Hash: "f1",
	})
	require.NoError(t, err)
	_, err = st.InsertTradeIfNew(ctx, store.Fill{
		Address: testAddr, Asset: "BTC", At: now.Add(-1 * time.Hour),
		Action: "Decrease Long", Size: decimal.NewFromInt(1), StartPosition: decimal.NewFromInt(2), Hash: "f3",
	})
	require.NoError(t, err)

	before, err := st.ValidatePositionChain(ctx, testAddr, "BTC")
	require.NoError(t, err)
	assert.False(t, before.Valid)

	up := &fakeUpstream{fills: []upstream.RawFill{
		{Hash: "f1", Coin: "BTC", Side: "B", Size: 1, Price: 100, TimeMs: now.Add(-3 * time.Hour).UnixMilli(), StartPosition: 0},
		{Hash: "f2", Coin: "BTC", Side: "B", Size: 1, Price: 101, TimeMs: now.Add(-2 * time.Hour).UnixMilli(), StartPosition: 1},
		{Hash: "f3", Coin: "BTC", Side: "S", Size: 1, Price: 102, TimeMs: now.Add(-1 * time.Hour).UnixMilli(), StartPosition: 2},
	}}

	v := New(st, up, fakeWatchlist{}, []address.Asset{"BTC"}, testLog())
	result, err := v.Repair(ctx, testAddr, "BTC")
	require.NoError(t, err)
	assert.Equal(t, 3, result.Reingest)
	assert.True(t, result.After.Valid)
}

func TestValidator_RepairAll_RepairsOnlyInvalid(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()

	now := time.Now().UTC()
	_, err := st.InsertTradeIfNew(ctx, store.Fill{
		Address: testAddr, Asset: "BTC", At: now, Action: "Open Long", Hash: "only",
	})
	require.NoError(t, err)

	up := &fakeUpstream{fills: []upstream.RawFill{
		{Hash: "only", Coin: "BTC", Side: "B", Size: 1, Price: 100, TimeMs: now.UnixMilli(), StartPosition: 0},
	}}
	v := New(st, up, fakeWatchlist{addrs: []address.Address{testAddr}}, []address.Asset{"BTC"}, testLog())

	summary, err := v.RepairAll(ctx, "BTC")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Checked)
	assert.Equal(t, 0, summary.Invalid)
	assert.Equal(t, 0, summary.Repaired)
}

func TestValidator_Validate_NoGapWhenChainConsistent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	now := time.Now().UTC()

	_, _ = st.InsertTradeIfNew(ctx, store.Fill{Address: testAddr, Asset: "ETH", At: now.Add(-time.Hour), Action: "Open Long", Hash: "a"})
	_, _ = st.InsertTradeIfNew(ctx, store.Fill{Address: testAddr, Asset: "ETH", At: now, Action: "Close Long All", Hash: "b"})

	v := New(st, &fakeUpstream{}, fakeWatchlist{}, []address.Asset{"ETH"}, testLog())
	result, err := v.Validate(ctx, testAddr, "ETH")
	require.NoError(t, err)
	assert.True(t, result.Valid)
}
