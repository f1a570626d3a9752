package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kaccp/media-worker/internal/common"
	"github.com/kaccp/media-worker/internal/config"
	"github.com/kaccp/media-worker/internal/jobs"
	"github.com/kaccp/media-worker/internal/manifest"
	"github.com/kaccp/media-worker/internal/media"
	"github.com/kaccp/media-worker/internal/metrics"
	"github.com/kaccp/media-worker/internal/notify"
	"github.com/kaccp/media-worker/internal/storage"
)

// Media is the slice of the ffmpeg toolchain the runner drives.
type Media interface {
	Normalize(ctx context.Context, input, output string) error
	Duration(ctx context.Context, path string) (float64, error)
	Segment(ctx context.Context, normalized, dir string, chunkSeconds, want int) ([]media.ChunkFile, error)
}

// Source resolves an input reference (local path or URL) to a local file.
type Source interface {
	Resolve(ctx context.Context, input, dir string) (string, error)
}

var errCancelled = errors.New("job cancelled")

// Runner drives the normalize -> chunk -> upload -> assemble pipeline for
// tracked jobs. It exclusively owns job state: every phase transition is one
// atomic store update, and the cancel decision is serialized with phase
// advancement so cancellation can never land after uploading has begun.
type Runner struct {
	log      *slog.Logger
	cfg      *config.Config
	store    jobs.Store
	media    Media
	source   Source
	uploader storage.Uploader // nil when object storage is not configured
	notifier *notify.Notifier
	metrics  *metrics.Metrics

	mu     sync.Mutex
	active map[string]*activeJob
}

type activeJob struct {
	cancel        context.CancelFunc
	userCancelled bool
}

var _ jobs.Processor = (*Runner)(nil)

func NewRunner(log *slog.Logger, cfg *config.Config, store jobs.Store, m Media, src Source, up storage.Uploader, n *notify.Notifier, mx *metrics.Metrics) *Runner {
	return &Runner{
		log:      log,
		cfg:      cfg,
		store:    store,
		media:    m,
		source:   src,
		uploader: up,
		notifier: n,
		metrics:  mx,
		active:   make(map[string]*activeJob),
	}
}

// Process executes the pipeline for one job. It is called from queue
// workers in worker mode and directly in single-shot mode.
func (r *Runner) Process(ctx context.Context, item jobs.WorkItem) error {
	job := item.Job

	// The terminal check and the active registration happen under one
	// lock hold, so a concurrent Cancel either terminalizes the queued
	// job before we see it, or finds it registered and flags it.
	r.mu.Lock()
	if cur, ok := r.store.Get(job.ID); !ok || cur.Phase.Terminal() {
		r.mu.Unlock()
		return nil
	}
	jobCtx, cancel := context.WithCancel(ctx)
	st := &activeJob{cancel: cancel}
	r.active[job.ID] = st
	r.mu.Unlock()
	r.metrics.ActiveJobs.Inc()
	defer func() {
		cancel()
		r.mu.Lock()
		delete(r.active, job.ID)
		r.mu.Unlock()
		r.metrics.ActiveJobs.Dec()
	}()

	workdir := filepath.Join(r.cfg.Server.StorageDir, common.TmpDirName, job.ID)
	if err := os.MkdirAll(workdir, 0o750); err != nil {
		err = fmt.Errorf("create workdir: %w", err)
		r.finishFailure(job, st, jobs.PhaseNormalizing, err)
		return err
	}
	// Transient files are scoped to this execution.
	defer func() { _ = os.RemoveAll(workdir) }()

	return r.run(jobCtx, st, job, workdir)
}

func (r *Runner) run(ctx context.Context, st *activeJob, job jobs.Job, workdir string) error {
	log := r.log.With("job_id", job.ID, "source_id", job.SourceID)

	// Normalize (acquisition is input staging for this phase).
	if err := r.advance(job.ID, jobs.PhaseNormalizing); err != nil {
		r.finishFailure(job, st, jobs.PhaseNormalizing, err)
		return err
	}
	normalized := filepath.Join(workdir, common.NormalizedFileName)
	var totalDur float64
	err := r.runPhase(ctx, jobs.PhaseNormalizing, r.cfg.Pipeline.NormalizeTimeout, func(phaseCtx context.Context) error {
		input, err := r.source.Resolve(phaseCtx, job.Input, workdir)
		if err != nil {
			return err
		}
		if err := r.media.Normalize(phaseCtx, input, normalized); err != nil {
			return err
		}
		totalDur, err = r.media.Duration(phaseCtx, normalized)
		return err
	})
	if err != nil {
		r.finishFailure(job, st, jobs.PhaseNormalizing, err)
		return err
	}
	log.Info("normalized", "duration_sec", totalDur)

	// Chunk.
	if err := r.advance(job.ID, jobs.PhaseChunking); err != nil {
		r.finishFailure(job, st, jobs.PhaseChunking, err)
		return err
	}
	plan := media.PlanChunks(totalDur, job.ChunkSeconds)
	var files []media.ChunkFile
	if len(plan) > 0 {
		err = r.runPhase(ctx, jobs.PhaseChunking, r.cfg.Pipeline.ChunkTimeout, func(phaseCtx context.Context) error {
			var segErr error
			files, segErr = r.media.Segment(phaseCtx, normalized, workdir, job.ChunkSeconds, len(plan))
			return segErr
		})
		if err != nil {
			r.finishFailure(job, st, jobs.PhaseChunking, err)
			return err
		}
	}
	r.metrics.ChunksProduced.Add(float64(len(files)))
	log.Info("chunked", "chunks", len(files), "chunk_seconds", job.ChunkSeconds)

	// Upload; skipped entirely in dry-run mode.
	var uris []string
	if job.Upload {
		if err := r.advance(job.ID, jobs.PhaseUploading); err != nil {
			r.finishFailure(job, st, jobs.PhaseUploading, err)
			return err
		}
		if r.uploader == nil {
			err := fmt.Errorf("object storage is not configured")
			r.finishFailure(job, st, jobs.PhaseUploading, err)
			return err
		}
		uris = make([]string, len(files))
		err = r.runPhase(ctx, jobs.PhaseUploading, r.cfg.Pipeline.UploadTimeout, func(phaseCtx context.Context) error {
			for i, f := range files {
				key := storage.ChunkKey(job.SourceID, f.Index)
				uri, upErr := r.uploader.Upload(phaseCtx, f.Path, key)
				if upErr != nil {
					// Fail fast: a partial chunk set would corrupt downstream import.
					return fmt.Errorf("chunk %d: %w", f.Index, upErr)
				}
				uris[i] = uri
				r.metrics.ChunksUploaded.Inc()
			}
			return nil
		})
		if err != nil {
			r.finishFailure(job, st, jobs.PhaseUploading, err)
			return err
		}
		log.Info("uploaded", "chunks", len(files))
	}

	// Assemble.
	if err := r.advance(job.ID, jobs.PhaseAssembling); err != nil {
		r.finishFailure(job, st, jobs.PhaseAssembling, err)
		return err
	}
	var doc *manifest.Manifest
	err = r.runPhase(ctx, jobs.PhaseAssembling, r.cfg.Pipeline.AssembleTimeout, func(context.Context) error {
		var asmErr error
		doc, asmErr = manifest.Assemble(job.SourceID, media.RoundSeconds(totalDur), job.ChunkSeconds, plan, uris)
		if asmErr != nil {
			return asmErr
		}
		return manifest.Write(r.manifestPath(job.SourceID), doc)
	})
	if err != nil {
		r.finishFailure(job, st, jobs.PhaseAssembling, err)
		return err
	}

	terminal := jobs.PhaseCompleted
	if !job.Upload {
		terminal = jobs.PhaseCompletedLocal
	}
	r.finishSuccess(job, terminal, doc)
	log.Info("job finished", "phase", terminal)
	return nil
}

func (r *Runner) manifestPath(sourceID string) string {
	return filepath.Join(r.cfg.Server.StorageDir, common.OutputDirName, sourceID+"_chunks.json")
}

// runPhase runs fn under the phase's deadline and classifies the failure:
// deadline overrun becomes a phase-tagged TimeoutError, a cancelled job
// context becomes errCancelled.
func (r *Runner) runPhase(ctx context.Context, phase jobs.Phase, timeout time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	phaseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := fn(phaseCtx)
	r.metrics.PhaseDuration.WithLabelValues(string(phase)).Observe(time.Since(start).Seconds())
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return errCancelled
	}
	if errors.Is(phaseCtx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Phase: phase, Limit: timeout}
	}
	return err
}

// advance moves the job to the next phase. It shares the runner mutex with
// Cancel, so a cancel request and the transition into uploading cannot race.
// A job that already reached a terminal phase is never moved out of it.
func (r *Runner) advance(id string, phase jobs.Phase) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.active[id]; ok && st.userCancelled {
		return errCancelled
	}
	var terminal bool
	err := r.store.Update(id, func(j *jobs.Job) {
		if j.Phase.Terminal() {
			terminal = true
			return
		}
		j.Phase = phase
	})
	if err != nil {
		return err
	}
	if terminal {
		return errCancelled
	}
	return nil
}

// Cancel aborts a job that has not yet begun uploading. Later requests are
// refused because partial uploads cannot be atomically rolled back.
func (r *Runner) Cancel(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.store.Get(id)
	if !ok {
		return jobs.ErrNotFound
	}
	if !j.Phase.Cancellable() {
		return &jobs.CancelRejectedError{Phase: j.Phase}
	}

	if st, ok := r.active[id]; ok {
		// Running: flag it and cancel the job context; the pipeline
		// finalizes the terminal state itself.
		st.userCancelled = true
		st.cancel()
		return nil
	}

	// Still queued: terminalize directly, the worker skips it on dequeue.
	msg := "cancelled before processing started"
	err := r.store.Update(id, func(job *jobs.Job) {
		job.Phase = jobs.PhaseCancelled
		job.ErrorPhase = jobs.PhasePending
		job.ErrorMessage = &msg
	})
	if err != nil {
		return err
	}
	r.metrics.JobsCancelled.Inc()
	r.dispatch(j, common.StatusCancelled, nil, &notify.ErrorDetail{Phase: string(jobs.PhasePending), Message: msg})
	return nil
}

func (r *Runner) finishFailure(job jobs.Job, st *activeJob, phase jobs.Phase, err error) {
	r.mu.Lock()
	cancelled := st != nil && st.userCancelled
	r.mu.Unlock()

	terminal := jobs.PhaseFailed
	status := common.StatusFailed
	msg := err.Error()
	if cancelled || errors.Is(err, errCancelled) {
		terminal = jobs.PhaseCancelled
		status = common.StatusCancelled
		msg = "cancelled by request"
	}

	var alreadyTerminal bool
	updateErr := r.store.Update(job.ID, func(j *jobs.Job) {
		if j.Phase.Terminal() {
			alreadyTerminal = true
			return
		}
		j.Phase = terminal
		j.ErrorPhase = phase
		j.ErrorMessage = &msg
	})
	if updateErr != nil {
		r.log.Error("persist terminal state", "job_id", job.ID, "err", updateErr)
	}
	if alreadyTerminal {
		// Terminal state and its notification were already committed.
		return
	}

	if terminal == jobs.PhaseCancelled {
		r.metrics.JobsCancelled.Inc()
	} else {
		r.metrics.JobsFailed.Inc()
		r.log.Error("job failed", "job_id", job.ID, "phase", phase, "err", err)
	}
	r.dispatch(job, status, nil, &notify.ErrorDetail{Phase: string(phase), Message: msg})
}

func (r *Runner) finishSuccess(job jobs.Job, terminal jobs.Phase, doc *manifest.Manifest) {
	updateErr := r.store.Update(job.ID, func(j *jobs.Job) {
		j.Phase = terminal
		j.Manifest = doc
		j.ErrorMessage = nil
		j.ErrorPhase = ""
	})
	if updateErr != nil {
		r.log.Error("persist terminal state", "job_id", job.ID, "err", updateErr)
	}
	r.metrics.JobsCompleted.Inc()
	// The notification mirrors the terminal phase so consumers can tell a
	// dry-run completion from a fully uploaded one.
	status := common.StatusCompleted
	if terminal == jobs.PhaseCompletedLocal {
		status = common.StatusCompletedLocal
	}
	r.dispatch(job, status, doc, nil)
}

// dispatch fires the terminal notification as an independent task. Delivery
// failures are logged and never touch the already-committed job state.
func (r *Runner) dispatch(job jobs.Job, status string, doc *manifest.Manifest, detail *notify.ErrorDetail) {
	url := r.cfg.Webhook.DefaultURL
	if job.CallbackURL != nil && *job.CallbackURL != "" {
		url = *job.CallbackURL
	}
	if url == "" {
		return
	}
	token := r.cfg.Webhook.AuthToken
	if job.CallbackToken != nil && *job.CallbackToken != "" {
		token = *job.CallbackToken
	}
	payload := notify.Payload{
		JobID:    job.ID,
		SourceID: job.SourceID,
		Status:   status,
		Manifest: doc,
		Error:    detail,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := r.notifier.Send(ctx, url, token, payload); err != nil {
			r.metrics.NotificationsFailed.Inc()
			r.log.Warn("notification undeliverable; job state unchanged", "job_id", job.ID, "err", err)
			return
		}
		r.metrics.NotificationsSent.Inc()
	}()
}
