package media

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// writeStub creates an executable shell script standing in for ffmpeg or
// ffprobe and returns its path.
func writeStub(t *testing.T, name, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub executables require a POSIX shell")
	}
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"+script+"\n"), 0o700); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	return p
}

func TestDuration_ParsesProbeOutput(t *testing.T) {
	probe := writeStub(t, "ffprobe", `echo "230.500000"`)
	tools := NewTools(discardLogger(), "ffmpeg", probe)

	d, err := tools.Duration(context.Background(), "in.wav")
	if err != nil {
		t.Fatalf("Duration: %v", err)
	}
	if d != 230.5 {
		t.Fatalf("duration = %v, want 230.5", d)
	}
}

func TestDuration_RejectsGarbageOutput(t *testing.T) {
	probe := writeStub(t, "ffprobe", `echo "N/A"`)
	tools := NewTools(discardLogger(), "ffmpeg", probe)

	_, err := tools.Duration(context.Background(), "in.wav")
	var toolErr *ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("expected ToolError, got %v", err)
	}
}

func TestDuration_ToolFailure(t *testing.T) {
	probe := writeStub(t, "ffprobe", `echo "boom" >&2; exit 1`)
	tools := NewTools(discardLogger(), "ffmpeg", probe)

	_, err := tools.Duration(context.Background(), "in.wav")
	var toolErr *ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("expected ToolError, got %v", err)
	}
	if toolErr.Tool != "ffprobe" {
		t.Fatalf("tool = %q", toolErr.Tool)
	}
}

func TestNormalize_UndecodableInputFailsImmediately(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "calls")
	ffmpeg := writeStub(t, "ffmpeg",
		`echo x >> `+marker+`
echo "input.dat: Invalid data found when processing input" >&2
exit 1`)
	tools := NewTools(discardLogger(), ffmpeg, "ffprobe")

	err := tools.Normalize(context.Background(), "input.dat", "out.wav")
	var unsupported *UnsupportedFormatError
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected UnsupportedFormatError, got %v", err)
	}
	data, readErr := os.ReadFile(marker)
	if readErr != nil {
		t.Fatalf("read call marker: %v", readErr)
	}
	if string(data) != "x\n" {
		t.Fatalf("undecodable input should not be retried, got %d calls", len(data)/2)
	}
}

func TestNormalize_RetriesTransientFailure(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "calls")
	// Fails on the first call, succeeds on the second.
	ffmpeg := writeStub(t, "ffmpeg",
		`echo x >> `+marker+`
if [ "$(wc -l < `+marker+`)" -lt 2 ]; then
  echo "transient" >&2
  exit 1
fi
exit 0`)
	tools := NewTools(discardLogger(), ffmpeg, "ffprobe")

	if err := tools.Normalize(context.Background(), "in.wav", "out.wav"); err != nil {
		t.Fatalf("Normalize should succeed on retry: %v", err)
	}
}

func TestSegment_ReturnsChunksInPlanOrder(t *testing.T) {
	dir := t.TempDir()
	ffmpeg := writeStub(t, "ffmpeg", `touch `+
		filepath.Join(dir, "chunk_0001.wav")+` `+
		filepath.Join(dir, "chunk_0002.wav")+` `+
		filepath.Join(dir, "chunk_0003.wav"))
	tools := NewTools(discardLogger(), ffmpeg, "ffprobe")

	files, err := tools.Segment(context.Background(), "norm.wav", dir, 20, 3)
	if err != nil {
		t.Fatalf("segment: %v", err)
	}
	for i, f := range files {
		if f.Index != i+1 {
			t.Fatalf("file %d has index %d", i, f.Index)
		}
		if filepath.Base(f.Path) != ChunkFileName(i+1) {
			t.Fatalf("file %d path = %s", i, f.Path)
		}
	}
}

func TestSegment_OrdersNumericallyPastFourDigits(t *testing.T) {
	dir := t.TempDir()
	// Past index 9999 the names grow a digit and lexical order would put
	// chunk_10000 before chunk_9999.
	ffmpeg := writeStub(t, "ffmpeg", `touch `+
		filepath.Join(dir, "chunk_9999.wav")+` `+
		filepath.Join(dir, "chunk_10000.wav"))
	tools := NewTools(discardLogger(), ffmpeg, "ffprobe")

	files, err := tools.Segment(context.Background(), "norm.wav", dir, 20, 2)
	if err != nil {
		t.Fatalf("segment: %v", err)
	}
	if files[0].Index != 9999 || filepath.Base(files[0].Path) != "chunk_9999.wav" {
		t.Fatalf("first file = %+v", files[0])
	}
	if files[1].Index != 10000 || filepath.Base(files[1].Path) != "chunk_10000.wav" {
		t.Fatalf("second file = %+v", files[1])
	}
}

func TestSegment_CountMismatch(t *testing.T) {
	dir := t.TempDir()
	ffmpeg := writeStub(t, "ffmpeg", `touch `+filepath.Join(dir, "chunk_0001.wav"))
	tools := NewTools(discardLogger(), ffmpeg, "ffprobe")

	_, err := tools.Segment(context.Background(), "norm.wav", dir, 20, 3)
	var toolErr *ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("expected ToolError for chunk count mismatch, got %v", err)
	}
}

func TestRun_ContextCancellation(t *testing.T) {
	slow := writeStub(t, "ffprobe", `sleep 10`)
	tools := NewTools(discardLogger(), "ffmpeg", slow)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := tools.Duration(ctx, "in.wav")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline error, got %v", err)
	}
}
