package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kaccp/media-worker/internal/common"
)

// Config is the root configuration loaded from YAML.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Tools    ToolsConfig    `yaml:"tools"`
	Acquire  AcquireConfig  `yaml:"acquire"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Webhook  WebhookConfig  `yaml:"webhook"`
}

// ServerConfig holds HTTP server and runtime settings.
type ServerConfig struct {
	Addr          string        `yaml:"address"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
	MaxBodySize   ByteSize      `yaml:"maxBodySize"`
	WorkerCount   int           `yaml:"workerCount"`
	QueueCapacity int           `yaml:"queueCapacity"`
	StorageDir    string        `yaml:"storageDir"`
	APIKey        string        `yaml:"apiKey"`        // optional static API key header (X-API-Key)
	ShutdownGrace time.Duration `yaml:"shutdownGrace"` // time to wait for workers before forced stop
	LogLevel      string        `yaml:"logLevel"`      // debug|info|warn|error
}

// StorageConfig configures the object storage uploader.
type StorageConfig struct {
	Bucket          string        `yaml:"bucket"`
	CredentialsJSON string        `yaml:"credentialsJson"` // inline service account JSON; supports env expansion
	CredentialsFile string        `yaml:"credentialsFile"` // path to a service account file
	UploadAttempts  int           `yaml:"uploadAttempts"`
	UploadBackoff   time.Duration `yaml:"uploadBackoff"` // base backoff, doubled per attempt
}

// ToolsConfig holds paths to the external media executables.
type ToolsConfig struct {
	FFmpegPath  string `yaml:"ffmpegPath"`
	FFprobePath string `yaml:"ffprobePath"`
	YtDlpPath   string `yaml:"ytDlpPath"`
}

// AcquireConfig tunes remote source acquisition.
type AcquireConfig struct {
	Attempts       int           `yaml:"attempts"`
	AttemptTimeout time.Duration `yaml:"attemptTimeout"`
	SocketTimeout  time.Duration `yaml:"socketTimeout"`
	ForceIPv4      bool          `yaml:"forceIPv4"`
	NoPlaylist     bool          `yaml:"noPlaylist"`
	ExtraArgs      string        `yaml:"extraArgs"` // space-separated extra yt-dlp arguments
}

// PipelineConfig sets chunking defaults and per-phase deadlines.
type PipelineConfig struct {
	ChunkSeconds     int           `yaml:"chunkSeconds"`
	NormalizeTimeout time.Duration `yaml:"normalizeTimeout"`
	ChunkTimeout     time.Duration `yaml:"chunkTimeout"`
	UploadTimeout    time.Duration `yaml:"uploadTimeout"`
	AssembleTimeout  time.Duration `yaml:"assembleTimeout"`
}

// WebhookConfig configures terminal job notifications.
type WebhookConfig struct {
	DefaultURL string        `yaml:"defaultUrl"` // used when a request carries no callback_url
	AuthToken  string        `yaml:"authToken"`  // shared bearer token; supports env expansion
	Retries    int           `yaml:"retries"`
	Backoff    time.Duration `yaml:"backoff"`
}

// ByteSize represents a size in bytes that unmarshals from strings like "10Mi", "20MB", "512KiB", "1024".
type ByteSize uint64

// UnmarshalYAML implements yaml unmarshalling for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		str := strings.TrimSpace(value.Value)
		parsed, err := ParseByteSize(str)
		if err != nil {
			return err
		}
		*b = ByteSize(parsed)
		return nil
	}
	return fmt.Errorf("invalid bytesize node kind: %v", value.Kind)
}

var reNumeric = regexp.MustCompile(`^\d+$`)

// ParseByteSize parses a string like "10Mi", "20MB", "512KiB", "1024" into bytes.
// Supports Kubernetes-style binary quantities (Ki, Mi, Gi), KiB/MiB/GiB,
// decimal KB/MB/GB, and bare bytes.
func ParseByteSize(s string) (uint64, error) {
	orig := s
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	if reNumeric.MatchString(s) {
		val, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size number: %w", err)
		}
		return val, nil
	}

	up := strings.ToUpper(s)

	type unit struct {
		suffix string
		value  uint64
	}
	units := []unit{
		{"KI", 1024},
		{"MI", 1024 * 1024},
		{"GI", 1024 * 1024 * 1024},
		{"KIB", 1024},
		{"MIB", 1024 * 1024},
		{"GIB", 1024 * 1024 * 1024},
		{"KB", 1000},
		{"MB", 1000 * 1000},
		{"GB", 1000 * 1000 * 1000},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(up, u.suffix) {
			num := strings.TrimSpace(s[:len(s)-len(u.suffix)])
			val, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size number in %q: %w", orig, err)
			}
			return uint64(val * float64(u.value)), nil
		}
	}
	return 0, fmt.Errorf("unknown size suffix in %q", orig)
}

// Load reads YAML config from path, expands environment variables, and validates it.
// If path is empty, it will attempt to read from env var MEDIA_WORKER_CONFIG, then default to "config.yaml".
func Load(path string) (*Config, error) {
	if path == "" {
		if env := os.Getenv("MEDIA_WORKER_CONFIG"); env != "" {
			path = env
		} else {
			path = "config.yaml"
		}
	}
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 - reading sanitized config file path is expected
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	// Expand environment variables in file content.
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	if err := ensureDirs(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with all defaults applied, without reading
// a config file. Used by the single-shot CLI when no file is present.
func Default() (*Config, error) {
	var cfg Config
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	if err := ensureDirs(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ensureDirs creates the storage dir and its working subdirectories.
func ensureDirs(cfg *Config) error {
	for _, dir := range []string{
		cfg.Server.StorageDir,
		filepath.Join(cfg.Server.StorageDir, common.TmpDirName),
		filepath.Join(cfg.Server.StorageDir, common.OutputDirName),
	} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("ensure storage dir %s: %w", dir, err)
		}
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8081"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 2 * time.Minute
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.MaxBodySize == 0 {
		cfg.Server.MaxBodySize = ByteSize(1024 * 1024) // 1 MiB; requests are small JSON documents
	}
	if cfg.Server.WorkerCount <= 0 {
		cfg.Server.WorkerCount = common.DefaultWorkerCount
	}
	if cfg.Server.QueueCapacity <= 0 {
		cfg.Server.QueueCapacity = common.DefaultQueueCapacity
	}
	if cfg.Server.StorageDir == "" {
		cfg.Server.StorageDir = "data"
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = 15 * time.Second
	}
	if strings.TrimSpace(cfg.Server.LogLevel) == "" {
		cfg.Server.LogLevel = "info"
	}

	if cfg.Storage.UploadAttempts <= 0 {
		cfg.Storage.UploadAttempts = 3
	}
	if cfg.Storage.UploadBackoff == 0 {
		cfg.Storage.UploadBackoff = 2 * time.Second
	}

	if cfg.Tools.FFmpegPath == "" {
		cfg.Tools.FFmpegPath = common.FFmpegExecutable
	}
	if cfg.Tools.FFprobePath == "" {
		cfg.Tools.FFprobePath = common.FFprobeExecutable
	}
	if cfg.Tools.YtDlpPath == "" {
		cfg.Tools.YtDlpPath = common.YtDlpExecutable
	}

	if cfg.Acquire.Attempts <= 0 {
		cfg.Acquire.Attempts = 3
	}
	if cfg.Acquire.AttemptTimeout == 0 {
		cfg.Acquire.AttemptTimeout = 5 * time.Minute
	}
	if cfg.Acquire.SocketTimeout == 0 {
		cfg.Acquire.SocketTimeout = 30 * time.Second
	}

	if cfg.Pipeline.ChunkSeconds <= 0 {
		cfg.Pipeline.ChunkSeconds = common.DefaultChunkSeconds
	}
	if cfg.Pipeline.NormalizeTimeout == 0 {
		cfg.Pipeline.NormalizeTimeout = 10 * time.Minute
	}
	if cfg.Pipeline.ChunkTimeout == 0 {
		cfg.Pipeline.ChunkTimeout = 10 * time.Minute
	}
	if cfg.Pipeline.UploadTimeout == 0 {
		cfg.Pipeline.UploadTimeout = 30 * time.Minute
	}
	if cfg.Pipeline.AssembleTimeout == 0 {
		cfg.Pipeline.AssembleTimeout = time.Minute
	}

	if cfg.Webhook.Retries <= 0 {
		cfg.Webhook.Retries = 3
	}
	if cfg.Webhook.Backoff == 0 {
		cfg.Webhook.Backoff = 2 * time.Second
	}
}

func validate(cfg *Config) error {
	if cfg.Pipeline.ChunkSeconds < 1 {
		return fmt.Errorf("pipeline.chunkSeconds must be positive, got %d", cfg.Pipeline.ChunkSeconds)
	}
	if cfg.Storage.CredentialsJSON != "" && cfg.Storage.CredentialsFile != "" {
		return errors.New("storage.credentialsJson and storage.credentialsFile are mutually exclusive")
	}
	if cfg.Webhook.DefaultURL != "" && !strings.HasPrefix(cfg.Webhook.DefaultURL, "http") {
		return fmt.Errorf("webhook.defaultUrl must be an http(s) URL, got %q", cfg.Webhook.DefaultURL)
	}
	return nil
}
