package media

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/kaccp/media-worker/internal/common"
)

// ChunkSpec describes one planned chunk of a normalized source. Offsets and
// durations are in seconds, rounded to milliseconds. Indices are 1-based and
// contiguous; the chunk set covers [0, D) exactly once.
type ChunkSpec struct {
	Index       int
	StartSec    float64
	EndSec      float64
	DurationSec float64
}

// ChunkFile is a materialized chunk on disk.
type ChunkFile struct {
	Index int
	Path  string
}

// durationEpsilon guards against float artifacts producing a spurious
// zero-length trailing chunk.
const durationEpsilon = 1e-9

// PlanChunks deterministically partitions a total duration of d seconds into
// chunks of length l seconds. The count is ceil(d/l); the final chunk is
// d mod l when nonzero. A zero or negative remainder never yields a chunk,
// and d <= 0 yields an empty plan.
func PlanChunks(d float64, l int) []ChunkSpec {
	if d <= 0 || l <= 0 {
		return nil
	}
	length := float64(l)
	var specs []ChunkSpec
	for i := 1; ; i++ {
		start := float64(i-1) * length
		if d-start <= durationEpsilon {
			break
		}
		end := math.Min(start+length, d)
		specs = append(specs, ChunkSpec{
			Index:       i,
			StartSec:    RoundSeconds(start),
			EndSec:      RoundSeconds(end),
			DurationSec: RoundSeconds(end - start),
		})
		if end >= d {
			break
		}
	}
	return specs
}

// RoundSeconds rounds a second count to millisecond precision, the
// resolution used throughout chunk plans and manifests.
func RoundSeconds(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// chunkIndex extracts the numeric index from a chunk file name.
func chunkIndex(path string) (int, error) {
	name := filepath.Base(path)
	num := strings.TrimSuffix(strings.TrimPrefix(name, "chunk_"), ".wav")
	return strconv.Atoi(num)
}

// ChunkFileName returns the canonical file name for a chunk index.
// Naming is a pure function of the index so re-runs are idempotent.
func ChunkFileName(index int) string {
	return fmt.Sprintf(common.ChunkFilePattern, index)
}

// Segment slices the normalized waveform into fixed-length chunk files in
// dir, named chunk_0001.wav onwards so file numbering matches the plan's
// 1-based indices. The stream is copied, not re-encoded, so identical
// inputs produce byte-identical chunks. want is the planned chunk count; a
// mismatch with what ffmpeg produced is an error.
func (t *Tools) Segment(ctx context.Context, normalized, dir string, chunkSeconds, want int) ([]ChunkFile, error) {
	pattern := filepath.Join(dir, common.ChunkFilePattern)
	_, err := t.run(ctx, t.ffmpeg,
		"-y",
		"-i", normalized,
		"-f", "segment",
		"-segment_time", strconv.Itoa(chunkSeconds),
		"-c", "copy",
		"-reset_timestamps", "1",
		"-segment_start_number", "1",
		pattern,
	)
	if err != nil {
		return nil, err
	}

	matches, err := filepath.Glob(filepath.Join(dir, "chunk_*.wav"))
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}

	// Order by the parsed index, not lexically: past index 9999 the file
	// names grow a digit and string order no longer matches chunk order.
	files := make([]ChunkFile, 0, len(matches))
	for _, p := range matches {
		idx, err := chunkIndex(p)
		if err != nil {
			return nil, &ToolError{Tool: "ffmpeg", Err: fmt.Errorf("unexpected chunk file %s: %w", filepath.Base(p), err)}
		}
		files = append(files, ChunkFile{Index: idx, Path: p})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Index < files[j].Index })
	if want >= 0 && len(files) != want {
		return nil, &ToolError{
			Tool: "ffmpeg",
			Err:  fmt.Errorf("segmenting produced %d chunks, expected %d", len(files), want),
		}
	}
	if len(files) == 0 {
		return nil, &ToolError{Tool: "ffmpeg", Err: fmt.Errorf("no chunks produced")}
	}
	return files, nil
}
