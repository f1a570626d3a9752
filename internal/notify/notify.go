package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kaccp/media-worker/internal/common"
	"github.com/kaccp/media-worker/internal/manifest"
)

// Payload is the outbound notification document sent to a job's callback.
type Payload struct {
	JobID    string             `json:"job_id"`
	SourceID string             `json:"source_id"`
	Status   string             `json:"status"` // completed|completed_local|failed|cancelled
	Manifest *manifest.Manifest `json:"manifest,omitempty"`
	Error    *ErrorDetail       `json:"error,omitempty"`
}

// ErrorDetail carries the originating phase alongside the message.
type ErrorDetail struct {
	Phase   string `json:"phase"`
	Message string `json:"message"`
}

// DeliveryError reports an exhausted delivery budget. Non-fatal: the job's
// terminal state is already committed and stays queryable.
type DeliveryError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("notification to %s failed after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Notifier delivers terminal job notifications with retry. It is decoupled
// from job state mutation; a failed delivery never reverts a terminal job.
type Notifier struct {
	log     *slog.Logger
	client  *http.Client
	retries int
	backoff time.Duration
}

func New(log *slog.Logger, retries int, backoff time.Duration) *Notifier {
	if retries <= 0 {
		retries = 3
	}
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	return &Notifier{
		log:     log,
		client:  &http.Client{Timeout: 30 * time.Second},
		retries: retries,
		backoff: backoff,
	}
}

// Send posts the payload to url, authenticating with the bearer token when
// one is configured. Attempts are separated by a linearly growing backoff.
func (n *Notifier) Send(ctx context.Context, url, token string, payload Payload) error {
	var lastErr error
	for attempt := 1; attempt <= n.retries; attempt++ {
		if err := n.post(ctx, url, token, payload); err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return &DeliveryError{URL: url, Attempts: attempt, Err: err}
			}
			n.log.Warn("notification attempt failed", "url", url, "attempt", attempt, "err", err)
			if attempt < n.retries {
				select {
				case <-ctx.Done():
					return &DeliveryError{URL: url, Attempts: attempt, Err: ctx.Err()}
				case <-time.After(time.Duration(attempt) * n.backoff):
				}
			}
			continue
		}
		return nil
	}
	return &DeliveryError{URL: url, Attempts: n.retries, Err: lastErr}
}

func (n *Notifier) post(ctx context.Context, url, token string, payload Payload) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", common.ContentTypeJSON)
	if token != "" {
		req.Header.Set(common.HeaderAuthorization, "Bearer "+token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback status %d", resp.StatusCode)
	}
	return nil
}
