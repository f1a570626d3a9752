package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kaccp/media-worker/internal/common"
	"github.com/kaccp/media-worker/internal/config"
	"github.com/kaccp/media-worker/internal/jobs"
	"github.com/kaccp/media-worker/internal/metrics"
)

// Canceller aborts a job by ID; implemented by the processor runner.
type Canceller interface {
	Cancel(id string) error
}

type Service struct {
	Log       *slog.Logger
	Cfg       *config.Config
	Store     jobs.Store
	Queue     *jobs.Queue
	Canceller Canceller
	Metrics   *metrics.Metrics
}

// Source IDs become storage key path elements and must stay shell- and
// URL-safe.
var sourceIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// NewHTTPServer builds the http.Server with routes and middleware.
func NewHTTPServer(svc *Service) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc(http.MethodGet+" "+common.PathHealthz, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle(http.MethodGet+" "+common.PathMetrics, promhttp.Handler())

	mux.HandleFunc(http.MethodPost+" "+common.PathIngest, svc.withCommon(svc.handleIngest))
	mux.HandleFunc(http.MethodGet+" "+common.PathJobs+"/{id}", svc.withCommon(svc.handleJobStatus))
	mux.HandleFunc(http.MethodDelete+" "+common.PathJobs+"/{id}", svc.withCommon(svc.handleJobCancel))

	s := &http.Server{
		Addr:         svc.Cfg.Server.Addr,
		Handler:      svc.observeMiddleware(recoveryMiddleware(mux)),
		ReadTimeout:  svc.Cfg.Server.ReadTimeout,
		WriteTimeout: svc.Cfg.Server.WriteTimeout,
		IdleTimeout:  svc.Cfg.Server.IdleTimeout,
	}
	return s
}

func (svc *Service) withCommon(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Enforce API key if configured
		if key := strings.TrimSpace(svc.Cfg.Server.APIKey); key != "" {
			if r.Header.Get(common.HeaderAPIKey) != key {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		// Enforce max body size
		if max := safeInt64(svc.Cfg.Server.MaxBodySize); max > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, max)
		}
		next.ServeHTTP(w, r)
	}
}

type ingestRequest struct {
	SourceID      string  `json:"source_id"`
	Input         string  `json:"input"`
	ChunkSeconds  int     `json:"chunk_seconds"`
	Upload        *bool   `json:"upload"` // defaults to true
	CallbackURL   *string `json:"callback_url"`
	CallbackToken *string `json:"callback_token"`
}

type ingestResponse struct {
	JobID     string `json:"job_id"`
	StatusURL string `json:"status_url"`
}

func (svc *Service) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if !sourceIDPattern.MatchString(req.SourceID) {
		http.Error(w, "source_id is required and may only contain letters, digits, '.', '_' and '-'", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Input) == "" {
		http.Error(w, "input is required", http.StatusBadRequest)
		return
	}
	if req.ChunkSeconds == 0 {
		req.ChunkSeconds = svc.Cfg.Pipeline.ChunkSeconds
	}
	if req.ChunkSeconds < 5 || req.ChunkSeconds > 120 {
		http.Error(w, "chunk_seconds must be between 5 and 120", http.StatusBadRequest)
		return
	}
	callbackURL, err := parseOptionalURL(req.CallbackURL)
	if err != nil {
		http.Error(w, "invalid callback_url", http.StatusBadRequest)
		return
	}

	upload := true
	if req.Upload != nil {
		upload = *req.Upload
	}
	job := jobs.Job{
		ID:            uuid.New().String(),
		SourceID:      req.SourceID,
		Input:         strings.TrimSpace(req.Input),
		ChunkSeconds:  req.ChunkSeconds,
		Upload:        upload,
		CallbackURL:   callbackURL,
		CallbackToken: req.CallbackToken,
		Phase:         jobs.PhasePending,
		CreatedAt:     time.Now().UTC(),
	}

	if err := svc.Store.Create(&job); err != nil {
		svc.Log.Error("persist job", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := svc.Queue.Enqueue(jobs.WorkItem{Job: job}); err != nil {
		// The job was never scheduled; terminalize it so status queries
		// do not show a pending job that will never run.
		msg := "not scheduled: " + err.Error()
		if updateErr := svc.Store.Update(job.ID, func(j *jobs.Job) {
			j.Phase = jobs.PhaseFailed
			j.ErrorPhase = jobs.PhasePending
			j.ErrorMessage = &msg
		}); updateErr != nil {
			svc.Log.Error("terminalize unscheduled job", "job_id", job.ID, "err", updateErr)
		}
		if errors.Is(err, jobs.ErrQueueFull) {
			http.Error(w, "queue full, try later", http.StatusServiceUnavailable)
			return
		}
		svc.Log.Error("enqueue job", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	svc.Metrics.JobsCreated.Inc()
	svc.Log.Info("job accepted", "job_id", job.ID, "source_id", job.SourceID, "upload", job.Upload)

	writeJSON(w, http.StatusAccepted, ingestResponse{
		JobID:     job.ID,
		StatusURL: path.Join(common.PathJobs, job.ID),
	})
}

func (svc *Service) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, ok := svc.Store.Get(id)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, jobToOut(&job))
}

func (svc *Service) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := svc.Canceller.Cancel(id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"job_id": id, "status": common.StatusCancelled})
	case errors.Is(err, jobs.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	default:
		var rejected *jobs.CancelRejectedError
		if errors.As(err, &rejected) {
			writeJSON(w, http.StatusConflict, map[string]string{
				"job_id": id,
				"error":  rejected.Error(),
			})
			return
		}
		svc.Log.Error("cancel job", "job_id", id, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func jobToOut(job *jobs.Job) map[string]any {
	out := map[string]any{
		"job_id":        job.ID,
		"source_id":     job.SourceID,
		"phase":         string(job.Phase),
		"chunk_seconds": job.ChunkSeconds,
		"upload":        job.Upload,
		"created_at":    job.CreatedAt,
		"updated_at":    job.UpdatedAt,
	}
	if job.ErrorMessage != nil {
		out["error"] = map[string]string{
			"phase":   string(job.ErrorPhase),
			"message": *job.ErrorMessage,
		}
	}
	if job.Manifest != nil {
		out["manifest"] = job.Manifest
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", common.ContentTypeJSON)
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

func safeInt64(u config.ByteSize) int64 {
	if u > config.ByteSize(math.MaxInt64) {
		return math.MaxInt64
	}
	return int64(u) // #nosec G115 - safe cast after explicit upper-bound check
}

func parseOptionalURL(s *string) (*string, error) {
	if s == nil {
		return nil, nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil, nil
	}
	if _, err := url.ParseRequestURI(v); err != nil {
		return nil, err
	}
	return &v, nil
}

// observeMiddleware logs each request and records the HTTP metrics, using
// the matched route pattern to keep label cardinality bounded.
func (svc *Service) observeMiddleware(next http.Handler) http.Handler {
	log := svc.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &writeWrap{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		if svc.Metrics != nil {
			svc.Metrics.HTTPRequests.WithLabelValues(r.Method, route, httpStatusLabel(ww.code)).Inc()
			svc.Metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
		}
		log.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.code,
			"duration", elapsed.String(),
			"remote", r.RemoteAddr)
	})
}

func httpStatusLabel(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

type writeWrap struct {
	http.ResponseWriter
	code int
}

func (w *writeWrap) WriteHeader(statusCode int) {
	w.code = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
