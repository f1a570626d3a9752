package media

import (
	"context"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const outputTailBytes = 4000

// Tools invokes the external ffmpeg/ffprobe executables. Every invocation
// is bound to the caller's context so a phase timeout or a cancelled job
// kills the subprocess.
type Tools struct {
	log     *slog.Logger
	ffmpeg  string
	ffprobe string
}

func NewTools(log *slog.Logger, ffmpegPath, ffprobePath string) *Tools {
	return &Tools{log: log, ffmpeg: ffmpegPath, ffprobe: ffprobePath}
}

// run executes one tool invocation and returns its combined output.
// Context errors (timeout, cancellation) are returned as-is so callers can
// distinguish them from tool failures.
func (t *Tools) run(ctx context.Context, tool string, args ...string) (string, error) {
	t.log.Debug("exec", "tool", tool, "args", strings.Join(args, " "))
	start := time.Now()
	cmd := exec.CommandContext(ctx, tool, args...)
	out, err := cmd.CombinedOutput()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return string(out), ctxErr
	}
	if err != nil {
		return string(out), &ToolError{
			Tool:   filepath.Base(tool),
			Err:    err,
			Output: tail(string(out)),
		}
	}
	t.log.Debug("exec done", "tool", tool, "duration", time.Since(start))
	return string(out), nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > outputTailBytes {
		return s[len(s)-outputTailBytes:]
	}
	return s
}
