package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kaccp/media-worker/internal/common"
	"github.com/kaccp/media-worker/internal/config"
	"github.com/kaccp/media-worker/internal/jobs"
	"github.com/kaccp/media-worker/internal/metrics"
)

type idleProcessor struct{}

func (idleProcessor) Process(ctx context.Context, item jobs.WorkItem) error { return nil }

type blockingProcessor struct {
	started chan struct{}
	release chan struct{}
}

func (p *blockingProcessor) Process(ctx context.Context, item jobs.WorkItem) error {
	p.started <- struct{}{}
	<-p.release
	return nil
}

type fakeCanceller struct {
	err error
}

func (c *fakeCanceller) Cancel(id string) error { return c.err }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestService(t *testing.T, apiKey string) (*Service, *jobs.Queue) {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{
			Addr:        ":0",
			MaxBodySize: config.ByteSize(1024 * 1024),
			APIKey:      apiKey,
		},
		Pipeline: config.PipelineConfig{ChunkSeconds: 20},
	}
	q := jobs.NewQueue(discardLogger(), 8, 1)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := q.Start(ctx, idleProcessor{}); err != nil {
		t.Fatalf("start queue: %v", err)
	}
	svc := &Service{
		Log:       discardLogger(),
		Cfg:       cfg,
		Store:     jobs.NewMemoryStore(),
		Queue:     q,
		Canceller: &fakeCanceller{},
		Metrics:   metrics.New(prometheus.NewRegistry()),
	}
	return svc, q
}

func doRequest(t *testing.T, svc *Service, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	srv := NewHTTPServer(svc)
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", common.ContentTypeJSON)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	svc, _ := newTestService(t, "")
	rec := doRequest(t, svc, http.MethodGet, common.PathHealthz, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	svc, _ := newTestService(t, "")
	rec := doRequest(t, svc, http.MethodGet, common.PathMetrics, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
}

func TestIngest_AcceptsValidRequest(t *testing.T) {
	svc, _ := newTestService(t, "")
	body := `{"source_id":"ep-001","input":"https://example.com/a","chunk_seconds":30}`
	rec := doRequest(t, svc, http.MethodPost, common.PathIngest, body, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp ingestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.JobID == "" || !strings.Contains(resp.StatusURL, resp.JobID) {
		t.Fatalf("response = %+v", resp)
	}

	job, ok := svc.Store.Get(resp.JobID)
	if !ok {
		t.Fatal("job not persisted")
	}
	if job.Phase != jobs.PhasePending || job.ChunkSeconds != 30 || !job.Upload {
		t.Fatalf("persisted job = %+v", job)
	}
}

func TestIngest_DefaultsChunkSecondsAndHonorsNoUpload(t *testing.T) {
	svc, _ := newTestService(t, "")
	body := `{"source_id":"ep-001","input":"/data/in.wav","upload":false}`
	rec := doRequest(t, svc, http.MethodPost, common.PathIngest, body, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp ingestResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	job, _ := svc.Store.Get(resp.JobID)
	if job.ChunkSeconds != 20 {
		t.Fatalf("chunk_seconds = %d, want configured default 20", job.ChunkSeconds)
	}
	if job.Upload {
		t.Fatal("upload flag not honored")
	}
}

func TestIngest_Validation(t *testing.T) {
	svc, _ := newTestService(t, "")
	cases := []struct {
		name string
		body string
	}{
		{"missing source_id", `{"input":"/data/in.wav"}`},
		{"source_id with slash", `{"source_id":"a/b","input":"/data/in.wav"}`},
		{"missing input", `{"source_id":"ep-001"}`},
		{"chunk_seconds too small", `{"source_id":"ep-001","input":"x","chunk_seconds":2}`},
		{"chunk_seconds too large", `{"source_id":"ep-001","input":"x","chunk_seconds":600}`},
		{"bad callback url", `{"source_id":"ep-001","input":"x","callback_url":"::"}`},
		{"not json", `{{`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rec := doRequest(t, svc, http.MethodPost, common.PathIngest, c.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestIngest_QueueFull(t *testing.T) {
	svc, _ := newTestService(t, "")
	p := &blockingProcessor{started: make(chan struct{}, 1), release: make(chan struct{})}
	defer close(p.release)
	q := jobs.NewQueue(discardLogger(), 1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := q.Start(ctx, p); err != nil {
		t.Fatalf("start queue: %v", err)
	}
	svc.Queue = q

	body := `{"source_id":"ep-001","input":"/data/in.wav"}`
	if rec := doRequest(t, svc, http.MethodPost, common.PathIngest, body, nil); rec.Code != http.StatusAccepted {
		t.Fatalf("first ingest status = %d", rec.Code)
	}
	<-p.started
	if rec := doRequest(t, svc, http.MethodPost, common.PathIngest, body, nil); rec.Code != http.StatusAccepted {
		t.Fatalf("second ingest status = %d", rec.Code)
	}
	rec := doRequest(t, svc, http.MethodPost, common.PathIngest, body, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 when queue is full", rec.Code)
	}

	// The rejected job must not linger as a pending phantom that no
	// worker will ever pick up.
	var failed int
	for _, j := range svc.Store.List() {
		switch j.Phase {
		case jobs.PhasePending:
		case jobs.PhaseFailed:
			failed++
			if j.ErrorPhase != jobs.PhasePending || j.ErrorMessage == nil {
				t.Fatalf("rejected job missing error detail: %+v", j)
			}
		default:
			t.Fatalf("unexpected phase %s", j.Phase)
		}
	}
	if failed != 1 {
		t.Fatalf("failed jobs = %d, want exactly the rejected one", failed)
	}
}

func TestJobStatus(t *testing.T) {
	svc, _ := newTestService(t, "")
	msg := "ffmpeg exploded"
	job := jobs.Job{
		ID:           "j1",
		SourceID:     "ep-001",
		ChunkSeconds: 20,
		Phase:        jobs.PhaseFailed,
		ErrorPhase:   jobs.PhaseNormalizing,
		ErrorMessage: &msg,
		CreatedAt:    time.Now().UTC(),
	}
	if err := svc.Store.Create(&job); err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := doRequest(t, svc, http.MethodGet, common.PathJobs+"/j1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["phase"] != "failed" {
		t.Fatalf("phase = %v", out["phase"])
	}
	errObj, ok := out["error"].(map[string]any)
	if !ok || errObj["phase"] != "normalizing" || errObj["message"] != msg {
		t.Fatalf("error detail = %v", out["error"])
	}
}

func TestJobStatus_NotFound(t *testing.T) {
	svc, _ := newTestService(t, "")
	rec := doRequest(t, svc, http.MethodGet, common.PathJobs+"/nope", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestJobCancel(t *testing.T) {
	svc, _ := newTestService(t, "")

	rec := doRequest(t, svc, http.MethodDelete, common.PathJobs+"/j1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	svc.Canceller = &fakeCanceller{err: jobs.ErrNotFound}
	rec = doRequest(t, svc, http.MethodDelete, common.PathJobs+"/j1", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	svc.Canceller = &fakeCanceller{err: &jobs.CancelRejectedError{Phase: jobs.PhaseUploading}}
	rec = doRequest(t, svc, http.MethodDelete, common.PathJobs+"/j1", "", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "uploading") {
		t.Fatalf("conflict body should name the phase: %s", rec.Body.String())
	}
}

func TestAPIKeyEnforcement(t *testing.T) {
	svc, _ := newTestService(t, "sekrit")
	body := `{"source_id":"ep-001","input":"/data/in.wav"}`

	rec := doRequest(t, svc, http.MethodPost, common.PathIngest, body, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without key = %d", rec.Code)
	}
	rec = doRequest(t, svc, http.MethodPost, common.PathIngest, body, map[string]string{common.HeaderAPIKey: "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status with wrong key = %d", rec.Code)
	}
	rec = doRequest(t, svc, http.MethodPost, common.PathIngest, body, map[string]string{common.HeaderAPIKey: "sekrit"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status with key = %d", rec.Code)
	}

	// Health stays open without a key.
	rec = doRequest(t, svc, http.MethodGet, common.PathHealthz, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
}
