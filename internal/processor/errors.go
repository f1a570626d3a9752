package processor

import (
	"fmt"
	"time"

	"github.com/kaccp/media-worker/internal/jobs"
)

// TimeoutError reports a phase that exceeded its configured maximum duration.
type TimeoutError struct {
	Phase jobs.Phase
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("phase %s exceeded %s", e.Phase, e.Limit)
}
