package acquire

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kaccp/media-worker/internal/config"
	"github.com/kaccp/media-worker/internal/media"
)

// Resolver supplies the raw input audio for a job. An existing local path
// passes through untouched; http(s) URLs are fetched with yt-dlp into the
// job's working directory.
type Resolver struct {
	log   *slog.Logger
	ytDlp string
	cfg   config.AcquireConfig
}

func NewResolver(log *slog.Logger, ytDlpPath string, cfg config.AcquireConfig) *Resolver {
	return &Resolver{log: log, ytDlp: ytDlpPath, cfg: cfg}
}

// Resolve returns a local file path for the given input reference.
func (r *Resolver) Resolve(ctx context.Context, input, dir string) (string, error) {
	if strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://") {
		return r.fetch(ctx, input, dir)
	}
	if _, err := os.Stat(input); err != nil {
		return "", fmt.Errorf("input file: %w", err)
	}
	return input, nil
}

// fetch downloads the best audio stream and extracts it as WAV. Each
// attempt is bounded by its own timeout; attempts are separated by a
// linearly growing pause.
func (r *Resolver) fetch(ctx context.Context, url, dir string) (string, error) {
	pattern := filepath.Join(dir, "download.%(ext)s")
	args := []string{
		"-f", "bestaudio/best",
		"-x",
		"--audio-format", "wav",
		"-o", pattern,
	}
	if r.cfg.NoPlaylist {
		args = append(args, "--no-playlist")
	}
	args = append(args, "--retries", strconv.Itoa(r.cfg.Attempts))
	args = append(args, "--socket-timeout", strconv.Itoa(int(r.cfg.SocketTimeout.Seconds())))
	if r.cfg.ForceIPv4 {
		args = append(args, "--force-ipv4")
	}
	if r.cfg.ExtraArgs != "" {
		args = append(args, strings.Fields(r.cfg.ExtraArgs)...)
	}
	args = append(args, url)

	var lastErr error
	for attempt := 1; attempt <= r.cfg.Attempts; attempt++ {
		r.log.Info("acquiring source", "url", url, "attempt", attempt, "attempts", r.cfg.Attempts)
		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
		cmd := exec.CommandContext(attemptCtx, r.ytDlp, args...)
		out, err := cmd.CombinedOutput()
		cancel()

		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		switch {
		case err == nil:
			if wav, ok := findWav(dir); ok {
				return wav, nil
			}
			lastErr = fmt.Errorf("yt-dlp reported success but no wav output found")
		case attemptCtx.Err() != nil:
			lastErr = fmt.Errorf("yt-dlp timed out after %s", r.cfg.AttemptTimeout)
		default:
			lastErr = &media.ToolError{Tool: "yt-dlp", Err: err, Output: tailOf(string(out))}
		}
		r.log.Warn("acquire attempt failed", "attempt", attempt, "err", lastErr)

		if attempt < r.cfg.Attempts {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * 2 * time.Second):
			}
		}
	}
	return "", fmt.Errorf("acquire failed after %d attempts: %w", r.cfg.Attempts, lastErr)
}

func findWav(dir string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".wav") {
			return filepath.Join(dir, e.Name()), true
		}
	}
	return "", false
}

func tailOf(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 4000 {
		return s[len(s)-4000:]
	}
	return s
}
