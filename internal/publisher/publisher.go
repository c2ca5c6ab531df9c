// Package publisher implements the durable publisher (C7): it maps a
// classified trade onto the canonical wire.FillEvent, validates it,
// and publishes it to subject c.fills.v1 on NATS JetStream with
// publisher acknowledgement and bounded retry. Grounded directly on
// pkg/nats/client.go's JetStream wiring (nats.Durable subscriptions,
// stream init via AddStream/UpdateStream); adapted from the teacher's
// fire-and-forget js.Publish to a validated, retried, ack-confirmed
// publish per spec.md §4.7.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/marketrelay/ingest/internal/classify"
	"github.com/marketrelay/ingest/internal/store"
	"github.com/marketrelay/ingest/pkg/wire"
)

const fillsSubject = "c.fills.v1"

// Config carries JetStream stream configuration, mirroring the
// teacher's StreamConfig shape.
type Config struct {
	URL          string
	ClientID     string
	StreamName   string
	MaxAge       time.Duration
	MaxMsgs      int64
	RetryCeiling time.Duration
	MaxElapsed   time.Duration
	Source       string // e.g. "hyperliquid", recorded on every FillEvent
}

var (
	publishLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "marketrelay",
		Subsystem: "publisher",
		Name:      "publish_latency_seconds",
		Help:      "Latency of durable fill event publishes, including retries.",
		Buckets:   prometheus.DefBuckets,
	})
	publishDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marketrelay",
		Subsystem: "publisher",
		Name:      "dropped_total",
		Help:      "Fill events dropped after exhausting the retry budget.",
	})
	publishSucceeded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marketrelay",
		Subsystem: "publisher",
		Name:      "published_total",
		Help:      "Fill events successfully published and acknowledged.",
	})
)

func init() {
	prometheus.MustRegister(publishLatency, publishDropped, publishSucceeded)
}

// jetStreamPublisher is the narrow slice of nats.JetStreamContext the
// publisher actually calls; isolating it lets tests inject a fake
// without a running NATS server.
type jetStreamPublisher interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Publisher owns the JetStream connection and publish retry policy.
type Publisher struct {
	conn *nats.Conn
	js   jetStreamPublisher
	cfg  Config
	log  *logrus.Entry
}

// Connect dials NATS, opens a JetStream context, and ensures the
// fills stream exists — following initializeStreams' exists-then-
// update-else-create discipline.
func Connect(cfg Config, log *logrus.Entry) (*Publisher, error) {
	if cfg.StreamName == "" {
		cfg.StreamName = "FILLS"
	}
	if cfg.RetryCeiling == 0 {
		cfg.RetryCeiling = 10 * time.Second
	}
	if cfg.MaxElapsed == 0 {
		cfg.MaxElapsed = time.Minute
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.WithError(err).Error("NATS disconnected")
		}),
		nats.ReconnectHandler(func(*nats.Conn) {
			log.Info("NATS reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.WithError(err).Error("NATS error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("publisher: connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("publisher: jetstream context: %w", err)
	}

	p := &Publisher{conn: conn, js: js, cfg: cfg, log: log}
	if err := ensureStream(js, cfg, log); err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

func ensureStream(js nats.JetStreamContext, cfg Config, log *logrus.Entry) error {
	streamCfg := &nats.StreamConfig{
		Name:      cfg.StreamName,
		Subjects:  []string{fillsSubject},
		Retention: nats.LimitsPolicy,
		MaxAge:    cfg.MaxAge,
		MaxMsgs:   cfg.MaxMsgs,
		Storage:   nats.FileStorage,
		Replicas:  1,
	}

	if _, err := js.StreamInfo(cfg.StreamName); err == nil {
		if _, err := js.UpdateStream(streamCfg); err != nil {
			return fmt.Errorf("publisher: update stream %s: %w", cfg.StreamName, err)
		}
		log.WithField("stream", cfg.StreamName).Info("updated fills stream")
		return nil
	}

	if _, err := js.AddStream(streamCfg); err != nil {
		return fmt.Errorf("publisher: create stream %s: %w", cfg.StreamName, err)
	}
	log.WithField("stream", cfg.StreamName).Info("created fills stream")
	return nil
}

// newForTesting builds a Publisher around an injected jetStreamPublisher,
// skipping the network dial and stream bootstrap entirely.
func newForTesting(js jetStreamPublisher, cfg Config, log *logrus.Entry) *Publisher {
	if cfg.RetryCeiling == 0 {
		cfg.RetryCeiling = 10 * time.Millisecond
	}
	if cfg.MaxElapsed == 0 {
		cfg.MaxElapsed = 200 * time.Millisecond
	}
	return &Publisher{js: js, cfg: cfg, log: log}
}

// Publish maps fill+result to the canonical FillEvent, validates it,
// and publishes with bounded exponential-backoff retry. Persistent
// failure is logged and counted, not returned as a hard error, since
// downstream must tolerate at-least-once delivery already.
func (p *Publisher) Publish(ctx context.Context, f store.Fill, result classify.Result) {
	start := time.Now()

	event := toFillEvent(p.cfg.Source, f, result)
	if err := wire.Validate(&event); err != nil {
		p.log.WithError(err).WithField("hash", f.Hash).Warn("fill event failed validation, dropping")
		publishDropped.Inc()
		return
	}

	payload, err := marshalEvent(event)
	if err != nil {
		p.log.WithError(err).WithField("hash", f.Hash).Warn("fill event marshal failed, dropping")
		publishDropped.Inc()
		return
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = p.cfg.RetryCeiling
	if bo.InitialInterval > p.cfg.RetryCeiling {
		bo.InitialInterval = p.cfg.RetryCeiling
	}
	bo.MaxElapsedTime = p.cfg.MaxElapsed
	bounded := backoff.WithContext(bo, ctx)

	err = backoff.Retry(func() error {
		_, pubErr := p.js.Publish(fillsSubject, payload, nats.AckWait(5*time.Second))
		if pubErr != nil {
			p.log.WithError(pubErr).WithField("hash", f.Hash).Warn("publish attempt failed, retrying")
		}
		return pubErr
	}, bounded)

	publishLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		p.log.WithError(err).WithField("hash", f.Hash).Warn("publish exhausted retry budget, dropping event")
		publishDropped.Inc()
		return
	}
	publishSucceeded.Inc()
}

func toFillEvent(source string, f store.Fill, result classify.Result) wire.FillEvent {
	action := string(result.Action)
	startPos := f.StartPosition
	event := wire.FillEvent{
		FillID:        f.Hash,
		Source:        source,
		Address:       string(f.Address),
		Asset:         string(f.Asset),
		Side:          normalizeSide(result),
		Size:          f.Size,
		Price:         f.PriceUsd,
		StartPosition: &startPos,
		RealizedPnL:   f.RealizedPnlUsd,
		Timestamp:     f.At,
		Meta:          wire.FillEventMeta{Action: &action},
	}
	return event
}

func normalizeSide(result classify.Result) string {
	switch result.Action {
	case classify.ActionOpenLong, classify.ActionIncreaseLong, classify.ActionCloseShortAll, classify.ActionDecreaseShort:
		return "buy"
	default:
		return "sell"
	}
}

func marshalEvent(e wire.FillEvent) ([]byte, error) {
	return json.Marshal(e)
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
