package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kaccp/media-worker/internal/media"
)

// ChunkMeta is the per-chunk entry of the manifest. StorageURI is null when
// the chunk was not uploaded (dry-run mode).
type ChunkMeta struct {
	Index       int     `json:"index"`
	StartSec    float64 `json:"startSec"`
	EndSec      float64 `json:"endSec"`
	DurationSec float64 `json:"durationSec"`
	StorageURI  *string `json:"storageUri"`
}

// Manifest is the structured document summarizing a source's chunks for
// downstream import. This shape is the authoritative output contract.
type Manifest struct {
	SourceID             string      `json:"sourceId"`
	TotalDurationSeconds float64     `json:"totalDurationSeconds"`
	ChunkSeconds         int         `json:"chunkSeconds"`
	ChunksMeta           []ChunkMeta `json:"chunksMeta"`
}

// WriteError reports a failed manifest write. Always fatal to the job.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write manifest %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Assemble aggregates per-chunk metadata plus source-level totals into one
// document. uris must be nil (upload skipped) or pair one-to-one with specs.
func Assemble(sourceID string, totalSec float64, chunkSeconds int, specs []media.ChunkSpec, uris []string) (*Manifest, error) {
	if uris != nil && len(uris) != len(specs) {
		return nil, fmt.Errorf("assemble manifest: %d chunks but %d storage references", len(specs), len(uris))
	}
	metas := make([]ChunkMeta, 0, len(specs))
	for i, spec := range specs {
		meta := ChunkMeta{
			Index:       spec.Index,
			StartSec:    spec.StartSec,
			EndSec:      spec.EndSec,
			DurationSec: spec.DurationSec,
		}
		if uris != nil {
			uri := uris[i]
			meta.StorageURI = &uri
		}
		metas = append(metas, meta)
	}
	return &Manifest{
		SourceID:             sourceID,
		TotalDurationSeconds: totalSec,
		ChunkSeconds:         chunkSeconds,
		ChunksMeta:           metas,
	}, nil
}

// Write persists the manifest atomically: the document is written to a
// temporary file in the target directory and renamed into place, so a
// concurrent reader never observes a partial manifest.
func Write(path string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return &WriteError{Path: path, Err: err}
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return &WriteError{Path: path, Err: err}
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return &WriteError{Path: path, Err: err}
	}
	tmpName := tmp.Name()
	defer func() {
		// no-op if the rename succeeded
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return &WriteError{Path: path, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return &WriteError{Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &WriteError{Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return &WriteError{Path: path, Err: err}
	}
	return nil
}
