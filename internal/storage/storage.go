// Package storage defines the persistence contracts shared by the blob and
// job-history backends.
package storage

import (
	"context"
	"errors"
	"io"

	"github.com/JakeFAU/gated-doc-capture/internal/capture"
)

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = errors.New("not found")

// BlobStore persists delivered artifacts.
type BlobStore interface {
	// PutObject writes r under path and returns a URI for the stored object.
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// HistoryStore persists terminal job records.
type HistoryStore interface {
	RecordJob(ctx context.Context, rec capture.JobRecord) error
	LookupJob(ctx context.Context, jobID string) (capture.JobRecord, error)
}
