package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseByteSize_K8sAndCommonUnits(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
	}{
		{"1024", 1024},
		{"1Ki", 1024},
		{"1KiB", 1024},
		{"2Mi", 2 * 1024 * 1024},
		{"2MiB", 2 * 1024 * 1024},
		{"3Gi", 3 * 1024 * 1024 * 1024},
		{"10KB", 10 * 1000},
		{"10MB", 10 * 1000 * 1000},
		{"2GB", 2 * 1000 * 1000 * 1000},
	}
	for _, c := range cases {
		got, err := ParseByteSize(c.in)
		if err != nil {
			t.Fatalf("ParseByteSize(%q) error: %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("ParseByteSize(%q) = %d, want %d", c.in, got, c.want)
		}
	}
	if _, err := ParseByteSize("bad"); err == nil {
		t.Fatal("expected error for invalid unit")
	}
}

func TestLoad_WithEnvExpansionAndDefaults(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	t.Setenv("WEBHOOK_TOKEN", "secret123")

	yaml := `
server:
  address: ":0"
  readTimeout: 1s
  maxBodySize: 2Mi
  storageDir: "` + dir + `"
  apiKey: "key123"

storage:
  bucket: "my-bucket"

pipeline:
  chunkSeconds: 30

webhook:
  defaultUrl: "https://example.com/hook"
  authToken: "${WEBHOOK_TOKEN}"
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write cfg: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != ":0" || cfg.Server.ReadTimeout != time.Second {
		t.Fatalf("server settings not parsed: %+v", cfg.Server)
	}
	if uint64(cfg.Server.MaxBodySize) != 2*1024*1024 {
		t.Fatalf("maxBodySize = %d", cfg.Server.MaxBodySize)
	}
	if cfg.Storage.Bucket != "my-bucket" {
		t.Fatalf("bucket = %q", cfg.Storage.Bucket)
	}
	if cfg.Pipeline.ChunkSeconds != 30 {
		t.Fatalf("chunkSeconds = %d", cfg.Pipeline.ChunkSeconds)
	}
	if cfg.Webhook.AuthToken != "secret123" {
		t.Fatal("env expansion for webhook token failed")
	}

	// Unset values fall back to defaults.
	if cfg.Server.WorkerCount != 4 || cfg.Server.QueueCapacity != 128 {
		t.Fatalf("worker defaults not applied: %+v", cfg.Server)
	}
	if cfg.Storage.UploadAttempts != 3 || cfg.Storage.UploadBackoff != 2*time.Second {
		t.Fatalf("upload retry defaults not applied: %+v", cfg.Storage)
	}
	if cfg.Tools.FFmpegPath != "ffmpeg" || cfg.Tools.FFprobePath != "ffprobe" || cfg.Tools.YtDlpPath != "yt-dlp" {
		t.Fatalf("tool path defaults not applied: %+v", cfg.Tools)
	}

	// The working subdirectories must exist after a successful load.
	for _, sub := range []string{"tmp", "output"} {
		if _, err := os.Stat(filepath.Join(dir, sub)); err != nil {
			t.Fatalf("missing %s dir: %v", sub, err)
		}
	}
}

func TestLoad_RejectsConflictingCredentials(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  storageDir: "` + dir + `"
storage:
  credentialsJson: '{"type":"service_account"}'
  credentialsFile: "/etc/creds.json"
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write cfg: %v", err)
	}
	if _, err := Load(cfgPath); err == nil {
		t.Fatal("conflicting credentials should be rejected")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestDefault_AppliesDefaultsWithoutFile(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	defer func() { _ = os.Chdir(wd) }()

	cfg, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if cfg.Server.Addr != ":8081" {
		t.Fatalf("default address = %q", cfg.Server.Addr)
	}
	if cfg.Pipeline.ChunkSeconds != 20 {
		t.Fatalf("default chunkSeconds = %d", cfg.Pipeline.ChunkSeconds)
	}
	if cfg.Server.StorageDir != "data" {
		t.Fatalf("default storageDir = %q", cfg.Server.StorageDir)
	}
	if _, err := os.Stat(filepath.Join(dir, "data", "output")); err != nil {
		t.Fatalf("output dir not created: %v", err)
	}
}
