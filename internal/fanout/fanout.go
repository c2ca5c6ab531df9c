// Package fanout implements the fan-out server (C8): it upgrades
// incoming HTTP connections to websockets, assigns each a session
// with its own replay cursor, and streams ring events and price
// updates on independent tickers per spec.md §4.8. The hub/client
// split, bounded send channel, and 30s ping are grounded on
// koshedutech-binance-trading-app/internal/api/websocket.go; adapted
// from a broadcast-everything hub to a per-session cursor model since
// every client resumes from its own `since` offset rather than
// receiving one shared stream.
package fanout

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/marketrelay/ingest/internal/price"
	"github.com/marketrelay/ingest/internal/ring"
	"github.com/marketrelay/ingest/pkg/address"
	"github.com/marketrelay/ingest/pkg/wire"
)

const (
	sendBufferSize  = 256
	pingInterval    = 30 * time.Second
	writeWait       = 10 * time.Second
	eventsTickEvery = time.Second
	priceTickEvery  = 2 * time.Second
	eventsBatchMax  = 200
	replayBatchMax  = 500
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Server owns the ring and price feed it streams from; it has no hub
// broadcast channel because each session ticks independently against
// its own cursor rather than fanning a single shared message.
type Server struct {
	ring  *ring.Ring
	price *price.Feed
	log   *logrus.Entry

	mu       sync.Mutex
	sessions map[*session]struct{}
}

// New constructs a fan-out Server over r and feed.
func New(r *ring.Ring, feed *price.Feed, log *logrus.Entry) *Server {
	return &Server{ring: r, price: feed, log: log, sessions: make(map[*session]struct{})}
}

// ServeHTTP upgrades the connection, sends hello, and starts the
// session's goroutines, which run until the client disconnects; it
// returns without waiting for them.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	sess := &session{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
		srv:  s,
		log:  s.log,
		// Cursor defaults to 0 on connect per spec.md §3 ("set to 0 on
		// connect ... unless the client sends {since: N}"); it is a
		// live default, not an unset sentinel, so the periodic tick
		// streams events even if the client never sends {since}.
		cursor: 0,
	}

	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	sess.sendHello()

	go sess.writePump()
	go sess.readPump()
	go sess.tickLoop()
}

func (s *Server) removeSession(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

// SessionCount reports the number of currently connected clients.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// session is one connected client's state: its own cursor, its own
// send channel, its own tickers. Nothing here is shared with other
// sessions except the read-only ring and price feed.
type session struct {
	conn *websocket.Conn
	send chan []byte
	srv  *Server
	log  *logrus.Entry

	mu         sync.Mutex
	cursor     int64
	lastPrices map[address.Asset]price.Sample
	closed     bool
	closeOnce  sync.Once
	done       chan struct{}
}

func (sess *session) sendHello() {
	prices := sess.srv.price.GetCurrentPrices()
	msg := wire.NewHelloMessage(sess.srv.ring.LatestSeq(), pricePointsFromSamples(prices))
	sess.enqueue(msg)

	sess.mu.Lock()
	sess.lastPrices = prices
	sess.mu.Unlock()
}

// readPump handles the single client→server message shape: {since:N},
// which sets the replay cursor and triggers an immediate batch reply.
func (sess *session) readPump() {
	defer sess.close()
	sess.conn.SetReadDeadline(time.Now().Add(pingInterval * 2))
	sess.conn.SetPongHandler(func(string) error {
		sess.conn.SetReadDeadline(time.Now().Add(pingInterval * 2))
		return nil
	})

	for {
		var req wire.SinceRequest
		if err := sess.conn.ReadJSON(&req); err != nil {
			return
		}
		sess.mu.Lock()
		sess.cursor = req.Since
		sess.mu.Unlock()

		events := sess.srv.ring.ListSince(req.Since, replayBatchMax)
		sess.enqueue(wire.NewBatchMessage(events))
		if len(events) > 0 {
			sess.advanceCursor(events[len(events)-1].Seq)
		}
	}
}

// tickLoop drives the two independent send schedules from spec.md
// §4.8: new-events every 1s, price every 2s (only on change).
func (sess *session) tickLoop() {
	events := time.NewTicker(eventsTickEvery)
	prices := time.NewTicker(priceTickEvery)
	defer events.Stop()
	defer prices.Stop()

	for {
		select {
		case <-sess.done:
			return
		case <-events.C:
			sess.sendNewEvents()
		case <-prices.C:
			sess.sendPricesIfChanged()
		}
	}
}

func (sess *session) sendNewEvents() {
	sess.mu.Lock()
	cursor := sess.cursor
	sess.mu.Unlock()

	head := sess.srv.ring.LatestSeq()
	if cursor >= head {
		return
	}

	out := sess.srv.ring.ListSince(cursor, eventsBatchMax)
	if len(out) == 0 {
		return
	}
	sess.enqueue(wire.NewEventsMessage(out))
	sess.advanceCursor(out[len(out)-1].Seq)
}

func (sess *session) sendPricesIfChanged() {
	current := sess.srv.price.GetCurrentPrices()

	sess.mu.Lock()
	changed := !samePrices(sess.lastPrices, current)
	sess.lastPrices = current
	sess.mu.Unlock()
	if !changed {
		return
	}

	btc := current["BTC"].Price
	eth := current["ETH"].Price
	sess.enqueue(wire.NewPriceMessage(btc, eth))
}

func (sess *session) advanceCursor(seq int64) {
	sess.mu.Lock()
	sess.cursor = seq
	sess.mu.Unlock()
}

func (sess *session) enqueue(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		sess.log.WithError(err).Warn("failed to marshal outbound message")
		return
	}
	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return
	}
	select {
	case sess.send <- data:
		sess.mu.Unlock()
	default:
		sess.mu.Unlock()
		sess.log.Warn("session send buffer full, dropping client (back-pressure)")
		sess.close()
	}
}

// writePump mirrors WSClient.writePump's discipline exactly: drain the
// send channel, ping every 30s, close the connection on either a
// write error or the channel being closed from underneath it.
func (sess *session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		sess.conn.Close()
	}()

	for {
		select {
		case message, ok := <-sess.send:
			sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				sess.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := sess.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (sess *session) close() {
	sess.closeOnce.Do(func() {
		sess.srv.removeSession(sess)
		sess.mu.Lock()
		sess.closed = true
		close(sess.send)
		sess.mu.Unlock()
		close(sess.done)
	})
}

func pricePointsFromSamples(samples map[address.Asset]price.Sample) map[string]wire.PricePoint {
	out := make(map[string]wire.PricePoint, len(samples))
	for asset, s := range samples {
		out[string(asset)] = wire.PricePoint{Price: s.Price, UpdatedAt: s.UpdatedAt.Format(time.RFC3339Nano)}
	}
	return out
}

func samePrices(a, b map[address.Asset]price.Sample) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		other, ok := b[k]
		if !ok || other.Price != v.Price {
			return false
		}
	}
	return true
}
