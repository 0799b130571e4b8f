package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pbullhove/vote-then-discuss/internal/app"
	"github.com/pbullhove/vote-then-discuss/internal/config"
	"github.com/pbullhove/vote-then-discuss/internal/notify"
	"github.com/pbullhove/vote-then-discuss/internal/prefs"
	"github.com/pbullhove/vote-then-discuss/internal/store"
	"github.com/pbullhove/vote-then-discuss/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config failed", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	ctx := context.Background()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTelEndpoint, cfg.ServiceName)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	db, err := store.Open(ctx, cfg.DatabaseType, cfg.DatabaseURL)
	if err != nil {
		fatal(logger, "database connection failed", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db); err != nil {
		fatal(logger, "migrations failed", err)
	}
	dataStore := store.NewSQLStore(db)

	var (
		preferences prefs.Store
		notifier    notify.Notifier
	)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		logger.Info("using redis for participant preferences and change notifications")
		redisPrefs, err := prefs.NewRedisStore(cfg.RedisURL)
		if err != nil {
			fatal(logger, "redis connection failed", err)
		}
		defer redisPrefs.Close()
		redisNotifier, err := notify.NewRedis(cfg.RedisURL)
		if err != nil {
			fatal(logger, "redis connection failed", err)
		}
		defer redisNotifier.Close()
		preferences, notifier = redisPrefs, redisNotifier
	} else {
		logger.Info("using in-process participant preferences and change notifications")
		preferences, notifier = prefs.NewMemoryStore(), notify.NewMemory()
	}

	service := app.New(cfg, dataStore, preferences, notifier, logger)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("vote-then-discuss API listening", "addr", cfg.Addr, "database", cfg.DatabaseType)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal(logger, "server failed", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", "error", err)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
