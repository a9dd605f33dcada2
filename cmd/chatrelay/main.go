package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/chilledoj/portalchat"
	"github.com/chilledoj/portalchat/internal/config"
	"github.com/chilledoj/portalchat/internal/logger"
	"github.com/chilledoj/portalchat/internal/version"
	"github.com/chilledoj/portalchat/relay"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()
	slogger, syncLogs := logger.New(logger.Options{
		FilePath:   cfg.App.LogFilePath,
		Console:    os.Stdout,
		Level:      cfg.App.LogLevel,
		Production: cfg.IsProduction(),
	})
	slog.SetDefault(slogger)

	err := run(ctx, cfg, slogger)
	_ = syncLogs()
	if err != nil {
		slogger.Error("relay stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, sl *slog.Logger) error {
	sl.Info("starting chatrelay", "version", version.Get().String(), "env", cfg.App.Environment)

	if cfg.Auth.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	defaultType, err := portalchat.ParseParticipantType(cfg.Auth.DefaultType)
	if err != nil {
		return fmt.Errorf("JWT_DEFAULT_TYPE: %w", err)
	}

	instanceID := uuid.NewString()
	opts := relay.Options{
		ID:             instanceID,
		EchoToSender:   cfg.Relay.EchoToSender,
		MaxConnections: cfg.Relay.MaxConnections,
		CleanupPeriod:  cfg.Relay.CleanupPeriod,
		PingPeriod:     cfg.Relay.PingPeriod,
		Slogger:        sl,
		OnConnect: func(p portalchat.Participant) {
			sl.Info("participant online", "participant", p)
		},
		OnDisconnect: func(p portalchat.Participant) {
			sl.Info("participant offline", "participant", p)
		},
	}

	if cfg.Database.Connection != "" {
		pool, err := relay.NewPool(ctx, cfg.Database.Connection, cfg.Database.ConnectAttempts, sl)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer pool.Close()
		store := relay.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		opts.Store = store
	} else {
		sl.Warn("DB_CONNECTION_STRING not set, history is kept in memory")
	}

	var bridge *relay.RedisBridge
	if cfg.Redis.URL != "" {
		redisOpts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(redisOpts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		bridge = relay.NewRedisBridge(rdb, cfg.Redis.Channel, instanceID, sl)
		opts.Bridge = bridge
	}

	// The hub outlives ctx so it can drain after the signal.
	hub := relay.NewRelay(context.Background(), opts)
	go hub.Start()

	if bridge != nil {
		go func() {
			if err := bridge.Run(ctx, hub); err != nil && !errors.Is(err, context.Canceled) {
				sl.Error("bridge stopped", "err", err)
			}
		}()
	}

	s := &http.Server{
		Addr: cfg.App.Addr,
		Handler: relay.NewRouter(hub, relay.RouterOptions{
			Verifier:       relay.HMACVerifier{Secret: []byte(cfg.Auth.JWTSecret), DefaultType: defaultType},
			AllowedOrigins: cfg.App.CorsAllowedOrigins,
			HistoryLimit:   cfg.Relay.HistoryLimit,
			Slogger:        sl,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		sl.Info("listening", "addr", s.Addr)
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		hub.Stop()
		return err
	case <-ctx.Done():
	}

	sl.Info("draining relay")
	hub.SetStatus(relay.Draining)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sl.Info("shutting down server")
	if err := s.Shutdown(shutdownCtx); err != nil {
		sl.Warn("server shutdown", "err", err)
	}
	sl.Info("shutting down relay")
	hub.Stop()
	sl.Info("shutdown complete")
	return nil
}
