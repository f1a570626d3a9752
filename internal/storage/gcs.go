package storage

import (
	"context"
	"fmt"
	"io"
	"os"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/kaccp/media-worker/internal/common"
	"github.com/kaccp/media-worker/internal/config"
)

// GCSUploader stores chunk files in a Google Cloud Storage bucket and
// returns gs:// reference URIs.
type GCSUploader struct {
	client *gcs.Client
	bucket string
}

var _ Uploader = (*GCSUploader)(nil)

// NewGCSUploader builds a client from the configured credentials: inline
// service account JSON, a credentials file path, or application default
// credentials when neither is set.
func NewGCSUploader(ctx context.Context, cfg config.StorageConfig) (*GCSUploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage bucket is not configured")
	}
	var opts []option.ClientOption
	switch {
	case cfg.CredentialsJSON != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCSUploader{client: client, bucket: cfg.Bucket}, nil
}

// Upload writes the file under key. GCS object writes replace any existing
// object with the same name, so repeated uploads of a key are idempotent.
func (u *GCSUploader) Upload(ctx context.Context, localPath, key string) (string, error) {
	f, err := os.Open(localPath) // #nosec G304 - path comes from the job's scoped workdir
	if err != nil {
		return "", fmt.Errorf("open chunk file: %w", err)
	}
	defer func() { _ = f.Close() }()

	w := u.client.Bucket(u.bucket).Object(key).NewWriter(ctx)
	w.ContentType = common.ContentTypeWAV
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("write object %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize object %s: %w", key, err)
	}
	return fmt.Sprintf("gs://%s/%s", u.bucket, key), nil
}

func (u *GCSUploader) Close() error {
	return u.client.Close()
}
