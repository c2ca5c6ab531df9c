// Command relay runs the realtime market-intelligence relay: it
// subscribes a dynamic watchlist of trader addresses upstream,
// classifies and persists their fills, publishes them durably, and
// fans them out to connected websocket clients. Wiring and shutdown
// discipline follow cmd/binance-futures/main.go: viper config load,
// a JSON-formatted logrus logger, NATS connect-or-fatal at startup,
// and a SIGINT/SIGTERM-triggered graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/marketrelay/ingest/internal/config"
	"github.com/marketrelay/ingest/internal/engine"
	"github.com/marketrelay/ingest/internal/obslog"
	"github.com/marketrelay/ingest/internal/store"
)

func main() {
	logger := obslog.New("info")
	log := obslog.For(logger, "relay")

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	logger.SetLevel(parseLevelOrInfo(cfg.LogLevel))

	st, err := openStore(cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to open persistence store")
	}

	eng, err := engine.New(cfg, log, st)
	if err != nil {
		log.WithError(err).Fatal("failed to construct engine")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		log.WithError(err).Fatal("failed to start engine")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", eng.Healthz)
	mux.HandleFunc("/ws", eng.Fanout.ServeHTTP)
	eng.AdminRouter(mux)

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: mux,
	}

	go func() {
		log.WithField("port", cfg.Port).Info("relay listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server stopped unexpectedly")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down relay...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http server shutdown error")
	}

	eng.Stop()
	log.Info("relay stopped")
}

// openStore picks the Postgres-backed store when DATABASE_URL is
// configured, falling back to the in-memory store for local
// development — the same dev/prod split the teacher draws between
// its test helpers and internal/storage/manager.go.
func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		return store.NewMemStore(), nil
	}
	return store.NewPGStore(context.Background(), cfg.DatabaseURL)
}

func parseLevelOrInfo(level string) logrus.Level {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}
