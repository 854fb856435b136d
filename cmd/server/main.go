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

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/blackmichael/atweet/internal/config"
	"github.com/blackmichael/atweet/internal/cursor"
	"github.com/blackmichael/atweet/internal/domain"
	"github.com/blackmichael/atweet/internal/firehose"
	"github.com/blackmichael/atweet/internal/httpserver"
	"github.com/blackmichael/atweet/internal/metrics"
	"github.com/blackmichael/atweet/internal/storage"
)

const (
	cursorService   = "jetstream"
	shutdownTimeout = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	for _, w := range cfg.Warnings {
		logger.Warn("config value ignored", "detail", w)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.Open(ctx, storage.Options{
		Backend:      cfg.RepositoryDriver,
		DatabaseFile: cfg.RepositoryFile,
		PebbleDir:    cfg.PebbleDir,
		MaxBuffer:    cfg.MaxBuffer,
	}, logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	var backend cursor.Backend = cursor.NewFileBackend(cfg.CursorFile)
	if cfg.CursorBackend == config.CursorBackendDatabase && store.Cursors != nil {
		backend = cursor.NewRepositoryBackend(store.Cursors, cursorService)
	}
	cursors := cursor.NewStore(backend, logger, cursor.WithMetrics(m))

	feedService := domain.NewFeedService(store.Repository, domain.NewHandleCache(), logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// A misconfigured endpoint disables ingestion; the read API still serves
	// whatever the repository holds.
	subscriber, err := firehose.NewSubscriber(firehose.Options{
		URL:           cfg.JetstreamEndpoint,
		Enabled:       cfg.JetstreamEnabled,
		InitialCursor: cfg.JetstreamInitialCursor,
	}, feedService, cursors, m, logger)
	if err != nil {
		logger.Error("jetstream ingestion disabled", "error", err)
		subscriber = nil
	} else {
		go func() {
			if err := subscriber.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("firehose subscriber exited with error", "error", err)
			}
		}()
	}

	server := httpserver.NewServer(cfg, feedService, m, reg, logger)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited with error", "error", err)
		}
	}()

	logger.Info("server started",
		"port", cfg.Port,
		"repository", cfg.RepositoryDriver,
		"cursor_backend", cfg.CursorBackend,
		"jetstream_enabled", cfg.JetstreamEnabled && subscriber != nil,
	)

	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if subscriber != nil {
		if err := subscriber.Shutdown(shutdownCtx); err != nil {
			logger.Error("error shutting down firehose subscriber", "error", err)
		}
	} else {
		cursors.FlushImmediately(shutdownCtx)
	}
	cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down http server", "error", err)
	}

	return nil
}
