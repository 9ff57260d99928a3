package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Cypherspark/chat-gateway/internal/auth"
	"github.com/Cypherspark/chat-gateway/internal/badgerstore"
	"github.com/Cypherspark/chat-gateway/internal/config"
	"github.com/Cypherspark/chat-gateway/internal/core"
	db "github.com/Cypherspark/chat-gateway/internal/db"
	"github.com/Cypherspark/chat-gateway/internal/delivery"
	httpapi "github.com/Cypherspark/chat-gateway/internal/http"
	"github.com/Cypherspark/chat-gateway/internal/metrics"
	"github.com/Cypherspark/chat-gateway/internal/registry"
	"github.com/Cypherspark/chat-gateway/internal/session"
	"github.com/Cypherspark/chat-gateway/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := newLogger(cfg)

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("exit")
	}
}

func run(cfg config.Config, log *logrus.Logger) error {
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(rootCtx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := registry.New()
	engine := delivery.New(store, store, reg, log.WithField("component", "delivery"), delivery.Options{
		MaxContentLength: cfg.MaxContentLength,
	})
	tokens := auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL)
	ws := session.NewHandler(tokens, engine, reg, log.WithField("component", "session"), session.Options{
		MaxMessageSize: cfg.WSMaxMessageSize,
		SendBuffer:     cfg.WSSendBuffer,
		WriteWait:      cfg.WSWriteWait,
		PongWait:       cfg.WSPongWait,
		RateQPS:        cfg.WSRateQPS,
		RateBurst:      cfg.WSRateBurst,
		AllowedOrigins: cfg.WSAllowedOrigins,
	})

	// ---- Sweeper ----
	sweepCtx, cancelSweep := context.WithCancel(rootCtx)
	defer cancelSweep()
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		err := worker.RunSweeper(sweepCtx, reg, engine, log.WithField("component", "sweeper"), worker.SweeperOptions{
			Interval:     cfg.SweepInterval,
			FlushQPS:     cfg.SweepQPS,
			FlushBurst:   cfg.SweepBurst,
			FlushTimeout: 5 * time.Second,
			BackoffMin:   cfg.SweepInterval,
			BackoffMax:   10 * cfg.SweepInterval,
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("sweeper stopped")
		}
	}()

	// ---- HTTP server ----
	srv := httpapi.NewServer(store, engine, tokens, ws, log.WithField("component", "http"))
	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{"addr": server.Addr, "store": cfg.StoreDriver}).Info("HTTP listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-rootCtx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	// ---- Graceful shutdown ----
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	cancelSweep()
	if err := ws.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("websocket sessions did not drain")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	<-sweepDone
	return nil
}

func newLogger(cfg config.Config) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	if cfg.LogFormat == "text" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}

// openStore returns the configured storage driver and its cleanup.
func openStore(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (core.Backend, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverBadger:
		store, err := badgerstore.Open(cfg.BadgerPath)
		if err != nil {
			return nil, nil, fmt.Errorf("badger: %w", err)
		}
		return store, func() {
			if err := store.Close(); err != nil {
				log.WithError(err).Warn("close badger")
			}
		}, nil
	case config.DriverPostgres:
		database, err := db.Open(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			return nil, nil, err
		}
		if err := database.Migrate(ctx); err != nil {
			database.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		metrics.RegisterPool(database.Pool)
		return &core.Store{DB: database}, database.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
