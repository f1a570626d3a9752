package jobs

import (
	"errors"
	"fmt"
	"time"

	"github.com/kaccp/media-worker/internal/manifest"
)

// Phase represents the lifecycle phase of an ingestion job.
type Phase string

const (
	PhasePending        Phase = "pending"
	PhaseNormalizing    Phase = "normalizing"
	PhaseChunking       Phase = "chunking"
	PhaseUploading      Phase = "uploading"
	PhaseAssembling     Phase = "assembling"
	PhaseCompleted      Phase = "completed"
	PhaseCompletedLocal Phase = "completed_local" // dry-run success, no storage references
	PhaseFailed         Phase = "failed"
	PhaseCancelled      Phase = "cancelled"
)

// Terminal reports whether no further transition can occur.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseCompletedLocal, PhaseFailed, PhaseCancelled:
		return true
	}
	return false
}

// Cancellable reports whether a cancel request is still admissible.
// Once uploading has begun, partial uploads cannot be rolled back.
func (p Phase) Cancellable() bool {
	switch p {
	case PhasePending, PhaseNormalizing, PhaseChunking:
		return true
	}
	return false
}

// Job describes one pipeline execution for one source.
type Job struct {
	ID            string             // UUIDv4
	SourceID      string             // caller-supplied, aligns storage keys and downstream foreign keys
	Input         string             // local file path or remote URL
	ChunkSeconds  int                // chunk length used for this run
	Upload        bool               // false in dry-run mode
	CallbackURL   *string            // optional notification target
	CallbackToken *string            // optional per-job auth token override
	Phase         Phase              // current phase
	ErrorPhase    Phase              // phase the failure originated in, set with ErrorMessage
	ErrorMessage  *string            // last error, if any
	Manifest      *manifest.Manifest // immutable result, set when terminal
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ErrNotFound is returned for status or cancel requests against unknown job IDs.
var ErrNotFound = errors.New("job not found")

// CancelRejectedError reports a cancel request that arrived too late.
type CancelRejectedError struct {
	Phase Phase
}

func (e *CancelRejectedError) Error() string {
	return fmt.Sprintf("cancellation rejected: job is %s", e.Phase)
}

// Store defines concurrency-safe access to job state. Every mutation goes
// through Update so readers never observe a half-applied transition.
type Store interface {
	Create(job *Job) error
	Get(id string) (Job, bool)
	Update(id string, fn func(*Job)) error
	List() []Job
}
