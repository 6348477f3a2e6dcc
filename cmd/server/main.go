// Command server runs the local cloud runtime simulator: queue broker,
// key-value store, live event tail and a Prometheus metrics endpoint behind
// one HTTP listener.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cloudflare/miniflare-sub009/internal/broker"
	"github.com/cloudflare/miniflare-sub009/internal/config"
	"github.com/cloudflare/miniflare-sub009/internal/kv"
	"github.com/cloudflare/miniflare-sub009/internal/metrics"
	transporthttp "github.com/cloudflare/miniflare-sub009/internal/transport/http"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	store, err := kv.Open(filepath.Join(cfg.Server.DataDir, "kv.db"))
	if err != nil {
		return fmt.Errorf("open kv store: %w", err)
	}

	var reg metrics.Registry
	b, err := broker.New(cfg,
		broker.WithMetrics(&reg),
		broker.WithLogger(logger),
	)
	if err != nil {
		store.Close()
		return fmt.Errorf("start broker: %w", err)
	}

	srv := transporthttp.New(b, store, cfg, &reg, logger)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			"addr", addr,
			"queues", len(cfg.Queues),
			"auth", cfg.Auth.Enabled,
		)
		if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-serveErr:
		return fmt.Errorf("serve: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("http shutdown", "err", err)
	}
	if err := b.Close(); err != nil {
		logger.Error("broker close", "err", err)
	}
	if err := store.Close(); err != nil {
		logger.Error("kv close", "err", err)
	}

	logger.Info("stopped")
	return nil
}
