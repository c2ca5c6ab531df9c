package fanout

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketrelay/ingest/internal/price"
	"github.com/marketrelay/ingest/internal/ring"
	"github.com/marketrelay/ingest/internal/store"
	"github.com/marketrelay/ingest/internal/upstream"
	"github.com/marketrelay/ingest/pkg/address"
	"github.com/marketrelay/ingest/pkg/wire"
)

type noopClient struct{}

func (noopClient) SubscribeFills(context.Context, address.Address, upstream.FillHandler) error { return nil }
func (noopClient) Unsubscribe(address.Address) error                                           { return nil }
func (noopClient) SubscribePositions(context.Context, address.Address, upstream.PositionHandler) error {
	return nil
}
func (noopClient) SubscribePrice(context.Context, address.Asset, upstream.PriceHandler) error { return nil }
func (noopClient) FetchUserFills(context.Context, address.Address, upstream.FetchOptions) ([]upstream.RawFill, error) {
	return nil, nil
}
func (noopClient) CurrentPositions(context.Context, address.Address) ([]upstream.PositionSnapshot, error) {
	return nil, nil
}
func (noopClient) ConnectionStates() <-chan upstream.ConnectionState { return nil }
func (noopClient) Close() error                                     { return nil }

func testLog() *logrus.Entry {
	l := logrus.New()
	l.Out = io.Discard
	return logrus.NewEntry(l)
}

func dialTestServer(t *testing.T, srv *Server) (*websocket.Conn, *httptest.Server) {
	t.Helper()
	httpSrv := httptest.NewServer(http.HandlerFunc(srv.ServeHTTP))
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return conn, httpSrv
}

func TestServer_SendsHelloOnConnect(t *testing.T) {
	r := ring.New(10)
	r.Push(wire.TradePayload{Hash: "h1"})
	feed := price.New(noopClient{}, store.NewMemStore(), time.Hour, testLog())

	srv := New(r, feed, testLog())
	conn, httpSrv := dialTestServer(t, srv)
	defer httpSrv.Close()
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var hello wire.HelloMessage
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "hello", hello.Type)
	assert.Equal(t, int64(1), hello.LatestSeq)
}

func TestServer_ReplaysBatchOnSinceRequest(t *testing.T) {
	r := ring.New(10)
	r.Push(wire.TradePayload{Hash: "h1"})
	r.Push(wire.TradePayload{Hash: "h2"})
	r.Push(wire.TradePayload{Hash: "h3"})
	feed := price.New(noopClient{}, store.NewMemStore(), time.Hour, testLog())

	srv := New(r, feed, testLog())
	conn, httpSrv := dialTestServer(t, srv)
	defer httpSrv.Close()
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var hello wire.HelloMessage
	require.NoError(t, conn.ReadJSON(&hello))

	require.NoError(t, conn.WriteJSON(wire.SinceRequest{Since: 1}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	raw := readUntilType(t, conn, "batch")
	var batch wire.BatchMessage
	require.NoError(t, json.Unmarshal(raw, &batch))
	require.Len(t, batch.Events, 2)
	assert.Equal(t, int64(2), batch.Events[0].Seq)
	assert.Equal(t, int64(3), batch.Events[1].Seq)
}

func TestServer_StreamsNewEventsAfterSubscribe(t *testing.T) {
	r := ring.New(10)
	feed := price.New(noopClient{}, store.NewMemStore(), time.Hour, testLog())

	srv := New(r, feed, testLog())
	conn, httpSrv := dialTestServer(t, srv)
	defer httpSrv.Close()
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var hello wire.HelloMessage
	require.NoError(t, conn.ReadJSON(&hello))
	require.NoError(t, conn.WriteJSON(wire.SinceRequest{Since: 0}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_ = readUntilType(t, conn, "batch")

	r.Push(wire.TradePayload{Hash: "new-fill"})

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	raw := readUntilType(t, conn, "events")
	var evMsg wire.EventsMessage
	require.NoError(t, json.Unmarshal(raw, &evMsg))
	require.Len(t, evMsg.Events, 1)
	assert.Equal(t, "new-fill", evMsg.Events[0].Payload.Hash)
}

// TestServer_StreamsLiveEventsWithoutSince covers a client that never
// sends {since:N} — a legal client per spec.md §6, since the client
// protocol only describes {since:N} as an optional replay request.
// The cursor must default to 0 (not "unset") on connect so the 1s
// tick streams live events regardless.
func TestServer_StreamsLiveEventsWithoutSince(t *testing.T) {
	r := ring.New(10)
	feed := price.New(noopClient{}, store.NewMemStore(), time.Hour, testLog())

	srv := New(r, feed, testLog())
	conn, httpSrv := dialTestServer(t, srv)
	defer httpSrv.Close()
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var hello wire.HelloMessage
	require.NoError(t, conn.ReadJSON(&hello))

	r.Push(wire.TradePayload{Hash: "live-fill"})

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	raw := readUntilType(t, conn, "events")
	var evMsg wire.EventsMessage
	require.NoError(t, json.Unmarshal(raw, &evMsg))
	require.Len(t, evMsg.Events, 1)
	assert.Equal(t, "live-fill", evMsg.Events[0].Payload.Hash)
}

func readUntilType(t *testing.T, conn *websocket.Conn, wantType string) []byte {
	t.Helper()
	for i := 0; i < 10; i++ {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var probe struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(data, &probe))
		if probe.Type == wantType {
			return data
		}
	}
	t.Fatalf("never saw message of type %q", wantType)
	return nil
}
