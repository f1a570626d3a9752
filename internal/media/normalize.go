package media

import (
	"context"
	"strconv"
	"strings"
)

// loudnormFilter targets a fixed integrated loudness so chunk-level
// amplitude is comparable across sources regardless of recording level.
const loudnormFilter = "loudnorm=I=-16:TP=-1.5:LRA=11"

const targetSampleRate = 16000

// markers in ffmpeg output that indicate the input cannot be decoded at all,
// as opposed to a transient tool failure.
var undecodableMarkers = []string{
	"Invalid data found when processing input",
	"could not find codec parameters",
	"Unknown format",
	"Output file does not contain any stream",
}

// Normalize converts an arbitrary input audio file into a single-channel,
// 16 kHz, loudness-normalized WAV at output. The transform is retried once
// on transient failure; undecodable input fails immediately.
func (t *Tools) Normalize(ctx context.Context, input, output string) error {
	args := []string{
		"-y",
		"-i", input,
		"-vn",
		"-ac", "1",
		"-ar", strconv.Itoa(targetSampleRate),
		"-af", loudnormFilter,
		output,
	}

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		out, err := t.run(ctx, t.ffmpeg, args...)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if detail, undecodable := matchUndecodable(out); undecodable {
			return &UnsupportedFormatError{Input: input, Detail: detail}
		}
		lastErr = err
		t.log.Warn("normalize attempt failed", "attempt", attempt, "input", input, "err", err)
	}
	return lastErr
}

func matchUndecodable(output string) (string, bool) {
	for _, m := range undecodableMarkers {
		if idx := strings.Index(output, m); idx >= 0 {
			line := output[idx:]
			if nl := strings.IndexByte(line, '\n'); nl >= 0 {
				line = line[:nl]
			}
			return strings.TrimSpace(line), true
		}
	}
	return "", false
}
