package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kaccp/media-worker/internal/acquire"
	"github.com/kaccp/media-worker/internal/config"
	"github.com/kaccp/media-worker/internal/jobs"
	"github.com/kaccp/media-worker/internal/media"
	"github.com/kaccp/media-worker/internal/metrics"
	"github.com/kaccp/media-worker/internal/notify"
	"github.com/kaccp/media-worker/internal/processor"
	"github.com/kaccp/media-worker/internal/server"
	"github.com/kaccp/media-worker/internal/storage"
)

func main() {
	_ = godotenv.Load()

	var configPath string
	flag.StringVar(&configPath, "config", "", "path to config.yaml (defaults to MEDIA_WORKER_CONFIG, then ./config.yaml)")
	flag.Parse()

	// Bootstrap logger; replaced once the configured level is known.
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}
	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Server.LogLevel)}))
	slog.SetDefault(logger)

	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Job store (in-memory; state lives for the process lifetime)
	store := jobs.NewMemoryStore()

	// Instrumentation
	mx := metrics.New(prometheus.DefaultRegisterer)

	// Pipeline collaborators
	tools := media.NewTools(logger, cfg.Tools.FFmpegPath, cfg.Tools.FFprobePath)
	resolver := acquire.NewResolver(logger, cfg.Tools.YtDlpPath, cfg.Acquire)
	notifier := notify.New(logger, cfg.Webhook.Retries, cfg.Webhook.Backoff)

	var uploader storage.Uploader
	if cfg.Storage.Bucket != "" {
		gcsUploader, err := storage.NewGCSUploader(rootCtx, cfg.Storage)
		if err != nil {
			logger.Error("init object storage", "err", err)
			os.Exit(1)
		}
		defer func() { _ = gcsUploader.Close() }()
		uploader = storage.NewRetrier(logger, gcsUploader, cfg.Storage.UploadAttempts, cfg.Storage.UploadBackoff)
	} else {
		logger.Warn("storage bucket not configured; jobs requesting upload will fail")
	}

	// Orchestrator and queue
	runner := processor.NewRunner(logger, cfg, store, tools, resolver, uploader, notifier, mx)
	queue := jobs.NewQueue(logger, cfg.Server.QueueCapacity, cfg.Server.WorkerCount)
	if err := queue.Start(rootCtx, runner); err != nil {
		logger.Error("start queue", "err", err)
		os.Exit(1)
	}

	// HTTP server
	svc := &server.Service{
		Log:       logger,
		Cfg:       cfg,
		Store:     store,
		Queue:     queue,
		Canceller: runner,
		Metrics:   mx,
	}
	httpSrv := server.NewHTTPServer(svc)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", "address", cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "err", err)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	queue.Shutdown(cfg.Server.ShutdownGrace)
	logger.Info("worker stopped")
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
