package watchlist

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketrelay/ingest/internal/tracker"
	"github.com/marketrelay/ingest/pkg/address"
)

var (
	pinnedAddr     = address.MustParse("0x" + "a1000000000000000000000000000000000001"[:40])
	leaderboardAddr = address.MustParse("0x" + "b2000000000000000000000000000000000002"[:40])
)

type staticSource struct {
	addrs []address.Address
	err   error
}

func (s staticSource) Top(context.Context, string, int) ([]address.Address, error) {
	return s.addrs, s.err
}

type fakeRefresher struct {
	mu    sync.Mutex
	calls [][]address.Address
}

func (f *fakeRefresher) Refresh(_ context.Context, addrs []address.Address, _ tracker.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]address.Address(nil), addrs...)
	f.calls = append(f.calls, cp)
	return nil
}

func testLog() *logrus.Entry {
	l := logrus.New()
	l.Out = io.Discard
	return logrus.NewEntry(l)
}

func TestOrchestrator_ReconcileOnce_UnionsPinnedAndLeaderboard(t *testing.T) {
	src := staticSource{addrs: []address.Address{leaderboardAddr}}
	refresher := &fakeRefresher{}

	o := New(src, []address.Address{pinnedAddr}, "24h", 10, refresher, nil, testLog())
	o.reconcileOnce(context.Background())

	got := o.Addresses()
	require.Len(t, got, 2)
	assert.Equal(t, pinnedAddr, got[0], "pinned addresses come first, first-seen order preserved")
	assert.Equal(t, leaderboardAddr, got[1])

	refresher.mu.Lock()
	defer refresher.mu.Unlock()
	require.Len(t, refresher.calls, 1)
	assert.Equal(t, got, refresher.calls[0])
}

func TestOrchestrator_ReconcileOnce_KeepsPreviousOnError(t *testing.T) {
	src := staticSource{addrs: []address.Address{leaderboardAddr}}
	refresher := &fakeRefresher{}
	o := New(src, []address.Address{pinnedAddr}, "24h", 10, refresher, nil, testLog())
	o.reconcileOnce(context.Background())
	before := o.Addresses()

	failing := staticSource{err: assertError{}}
	o.source = failing
	o.reconcileOnce(context.Background())

	assert.Equal(t, before, o.Addresses())
	refresher.mu.Lock()
	defer refresher.mu.Unlock()
	assert.Len(t, refresher.calls, 1, "a failed fetch must not trigger a tracker refresh")
}

type assertError struct{}

func (assertError) Error() string { return "leaderboard unavailable" }

func TestHTTPLeaderboard_Top_ParsesAddresses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"addresses":["` + string(leaderboardAddr) + `","not-an-address"]}`))
	}))
	defer srv.Close()

	lb := &HTTPLeaderboard{BaseURL: srv.URL}
	addrs, err := lb.Top(context.Background(), "24h", 50)
	require.NoError(t, err)
	require.Len(t, addrs, 1, "invalid addresses are skipped rather than failing the whole fetch")
	assert.Equal(t, leaderboardAddr, addrs[0])
}
