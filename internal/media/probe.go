package media

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Duration returns the duration of the media file in seconds as reported
// by ffprobe.
func (t *Tools) Duration(ctx context.Context, path string) (float64, error) {
	out, err := t.run(ctx, t.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(out), 64)
	if err != nil {
		return 0, &ToolError{Tool: "ffprobe", Err: fmt.Errorf("unparseable duration %q", strings.TrimSpace(out))}
	}
	if v < 0 {
		return 0, &ToolError{Tool: "ffprobe", Err: fmt.Errorf("negative duration %f", v)}
	}
	return v, nil
}
