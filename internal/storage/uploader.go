package storage

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/kaccp/media-worker/internal/common"
)

// Uploader transfers a local file to durable object storage under a
// deterministic key and returns a stable reference URI. Uploading the same
// key twice overwrites rather than duplicates.
type Uploader interface {
	Upload(ctx context.Context, localPath, key string) (string, error)
}

// ChunkKey returns the storage key for a chunk. The key is a pure function
// of (sourceID, index): audio_chunks/<sourceId>/chunk_<%04d>.wav.
func ChunkKey(sourceID string, index int) string {
	return path.Join(common.ChunkKeyPrefix, sourceID, fmt.Sprintf(common.ChunkFilePattern, index))
}

// UploadError reports an upload whose retry budget is exhausted.
type UploadError struct {
	Key      string
	Attempts int
	Err      error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s failed after %d attempts: %v", e.Key, e.Attempts, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// Retrier wraps an Uploader with a fixed attempt budget and bounded
// exponential backoff. Transient transport failures are absorbed up to the
// budget; exhaustion surfaces as *UploadError.
type Retrier struct {
	log      *slog.Logger
	next     Uploader
	attempts int
	backoff  time.Duration
}

var _ Uploader = (*Retrier)(nil)

func NewRetrier(log *slog.Logger, next Uploader, attempts int, backoff time.Duration) *Retrier {
	if attempts <= 0 {
		attempts = 3
	}
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	return &Retrier{log: log, next: next, attempts: attempts, backoff: backoff}
}

func (r *Retrier) Upload(ctx context.Context, localPath, key string) (string, error) {
	var lastErr error
	delay := r.backoff
	for attempt := 1; attempt <= r.attempts; attempt++ {
		uri, err := r.next.Upload(ctx, localPath, key)
		if err == nil {
			return uri, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", &UploadError{Key: key, Attempts: attempt, Err: lastErr}
		}
		r.log.Warn("upload attempt failed", "key", key, "attempt", attempt, "err", err)
		if attempt < r.attempts {
			select {
			case <-ctx.Done():
				return "", &UploadError{Key: key, Attempts: attempt, Err: ctx.Err()}
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return "", &UploadError{Key: key, Attempts: r.attempts, Err: lastErr}
}
