package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kaccp/media-worker/internal/acquire"
	"github.com/kaccp/media-worker/internal/common"
	"github.com/kaccp/media-worker/internal/config"
	"github.com/kaccp/media-worker/internal/jobs"
	"github.com/kaccp/media-worker/internal/manifest"
	"github.com/kaccp/media-worker/internal/media"
	"github.com/kaccp/media-worker/internal/metrics"
	"github.com/kaccp/media-worker/internal/notify"
	"github.com/kaccp/media-worker/internal/processor"
	"github.com/kaccp/media-worker/internal/storage"
)

// media-ingest runs one ingestion end to end and prints the resulting
// manifest to stdout. Logs go to stderr so the output stays pipeable.
func main() {
	_ = godotenv.Load()

	var (
		sourceID     string
		input        string
		chunkSeconds int
		noUpload     bool
		output       string
		configPath   string
		verbose      bool
	)
	flag.StringVar(&sourceID, "source-id", "", "stable identifier for the source (required)")
	flag.StringVar(&input, "input", "", "local audio file path or a URL to acquire (required)")
	flag.IntVar(&chunkSeconds, "chunk-seconds", common.DefaultChunkSeconds, "target chunk length in seconds")
	flag.BoolVar(&noUpload, "no-upload", false, "skip object storage upload; manifest carries null storage URIs")
	flag.StringVar(&output, "output", "", "also write the manifest to this path")
	flag.StringVar(&configPath, "config", "", "path to config.yaml (optional; defaults apply without one)")
	flag.BoolVar(&verbose, "v", false, "debug logging")
	flag.Parse()

	if sourceID == "" || input == "" {
		fmt.Fprintln(os.Stderr, "both -source-id and -input are required")
		flag.Usage()
		os.Exit(2)
	}
	if chunkSeconds < 1 {
		fmt.Fprintln(os.Stderr, "-chunk-seconds must be positive")
		os.Exit(2)
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var uploader storage.Uploader
	if !noUpload {
		if cfg.Storage.Bucket == "" {
			logger.Error("storage bucket not configured; pass -no-upload for a local-only run")
			os.Exit(1)
		}
		gcsUploader, err := storage.NewGCSUploader(ctx, cfg.Storage)
		if err != nil {
			logger.Error("init object storage", "err", err)
			os.Exit(1)
		}
		defer func() { _ = gcsUploader.Close() }()
		uploader = storage.NewRetrier(logger, gcsUploader, cfg.Storage.UploadAttempts, cfg.Storage.UploadBackoff)
	}

	store := jobs.NewMemoryStore()
	mx := metrics.New(prometheus.NewRegistry())
	tools := media.NewTools(logger, cfg.Tools.FFmpegPath, cfg.Tools.FFprobePath)
	resolver := acquire.NewResolver(logger, cfg.Tools.YtDlpPath, cfg.Acquire)
	notifier := notify.New(logger, cfg.Webhook.Retries, cfg.Webhook.Backoff)
	runner := processor.NewRunner(logger, cfg, store, tools, resolver, uploader, notifier, mx)

	job := jobs.Job{
		ID:           uuid.New().String(),
		SourceID:     sourceID,
		Input:        input,
		ChunkSeconds: chunkSeconds,
		Upload:       !noUpload,
		Phase:        jobs.PhasePending,
	}
	if err := store.Create(&job); err != nil {
		logger.Error("create job", "err", err)
		os.Exit(1)
	}

	if err := runner.Process(ctx, jobs.WorkItem{Job: job}); err != nil {
		final, ok := store.Get(job.ID)
		if ok && final.ErrorMessage != nil {
			fmt.Fprintf(os.Stderr, "ingestion failed in phase %s: %s\n", final.ErrorPhase, *final.ErrorMessage)
		} else {
			fmt.Fprintf(os.Stderr, "ingestion failed: %v\n", err)
		}
		var unsupported *media.UnsupportedFormatError
		if errors.As(err, &unsupported) {
			os.Exit(3)
		}
		os.Exit(1)
	}

	final, ok := store.Get(job.ID)
	if !ok || final.Manifest == nil {
		fmt.Fprintln(os.Stderr, "ingestion finished without a manifest")
		os.Exit(1)
	}

	if output != "" {
		if err := manifest.Write(output, final.Manifest); err != nil {
			logger.Error("write manifest copy", "path", output, "err", err)
			os.Exit(1)
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(final.Manifest); err != nil {
		logger.Error("encode manifest", "err", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file when one is given or present, and falls
// back to built-in defaults otherwise.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil && path == "" && errors.Is(err, os.ErrNotExist) {
		return config.Default()
	}
	return cfg, err
}
