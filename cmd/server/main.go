package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"messenger/internal/api"
	"messenger/internal/auth"
	"messenger/internal/chat"
	"messenger/internal/config"
	"messenger/internal/db"
	"messenger/internal/logging"
	"messenger/internal/scheduler"
	"messenger/internal/websocket"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx)
	stop()
	os.Exit(code)
}

func run(ctx context.Context) int {
	configDir := flag.String("config", ".", "Directory containing config.yaml")
	isLoadTest := flag.Bool("loadtest", false, "Run server against a throwaway load testing store")
	flag.Parse()

	cfg, err := config.Load(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return 1
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	if *isLoadTest {
		cfg.Store.Path = loadTestPath(cfg.Store)
		logger.Info("using load testing store", zap.String("path", cfg.Store.Path))
	}

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
		return 1
	}
	logger.Info("server stopped gracefully")
	return 0
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	store, err := db.Open(cfg.Store.Driver, cfg.Store.Path, db.Options{TokenTTL: cfg.Chat.IdempotencyTTL}, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close store", zap.Error(err))
		}
	}()
	logger.Info("store opened", zap.String("driver", cfg.Store.Driver), zap.String("path", cfg.Store.Path))

	service := chat.NewService(store, chat.Options{
		MaxBodyLength: cfg.Chat.MaxBodyLength,
		PageSize:      cfg.Chat.PageSize,
	}, logger.Named("chat"))
	hub := websocket.NewHub(store, logger.Named("hub"))
	broadcaster := chat.NewBroadcaster(store, hub, logger.Named("broadcast"))
	dispatcher := websocket.NewDispatcher(service, broadcaster, hub, logger.Named("dispatch"))

	sched, err := scheduler.New(store, scheduler.Options{
		Interval: cfg.Scheduler.MaintenanceInterval,
		TokenTTL: cfg.Chat.IdempotencyTTL,
	}, logger)
	if err != nil {
		return err
	}

	handlers := api.NewHandlers(ctx, service, broadcaster, hub, dispatcher,
		auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer), store,
		api.Options{
			AllowedOrigins: cfg.Server.AllowedOrigins,
			WebSocket: websocket.Options{
				SendBuffer:       cfg.WebSocket.SendBuffer,
				MaxFrameBytes:    cfg.WebSocket.MaxFrameBytes,
				OperationTimeout: cfg.WebSocket.OperationTimeout,
				PingInterval:     cfg.WebSocket.PingInterval,
				PongWait:         cfg.WebSocket.PongWait,
				WriteWait:        cfg.WebSocket.WriteWait,
			},
		}, logger)

	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      handlers.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server starting", zap.String("address", cfg.Server.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		sched.Start()
		<-gCtx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", zap.Error(err))
		}
		if err := hub.Shutdown(cfg.Server.ShutdownTimeout); err != nil {
			logger.Warn("hub shutdown incomplete", zap.Error(err))
		}
		if err := sched.Stop(); err != nil {
			logger.Error("scheduler shutdown failed", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}

// loadTestPath keeps load test data next to, but apart from, the real store.
func loadTestPath(cfg config.StoreConfig) string {
	if cfg.Path == "" {
		return ""
	}
	dir := filepath.Join(filepath.Dir(cfg.Path), "loadtest")
	if cfg.Driver == db.DriverBadger {
		return dir
	}
	return filepath.Join(dir, "loadtest.db")
}
