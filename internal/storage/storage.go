// Package storage keeps artifact bytes on durable storage, addressed by
// artifact id and a relative path inside that artifact.
package storage

import (
	"context"
	"errors"
	"io"
)

var (
	ErrInvalidPath = errors.New("invalid storage path")
	ErrNotFound    = errors.New("storage object not found")
	ErrIO          = errors.New("storage io failure")
)

// Entry is one stored file as recorded in an artifact manifest.
type Entry struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

type Stats struct {
	Artifacts  int   `json:"artifacts"`
	Files      int   `json:"files"`
	TotalBytes int64 `json:"total_bytes"`
}

// Backend is implemented by every artifact byte store. Implementations must
// refuse any relative path that resolves outside the artifact's own root.
type Backend interface {
	Put(ctx context.Context, artifactID, relPath string, r io.Reader) (int64, error)
	Get(ctx context.Context, artifactID, relPath string) ([]byte, error)
	Open(ctx context.Context, artifactID, relPath string) (io.ReadCloser, int64, error)
	// List pages through the manifest in insertion order. An offset past the
	// end yields an empty page and the total count.
	List(ctx context.Context, artifactID string, limit, offset int) ([]Entry, int, error)
	// DeleteAll removes every byte stored for the artifact. Removing an
	// artifact that has nothing stored is not an error.
	DeleteAll(ctx context.Context, artifactID string) error
	Stats(ctx context.Context) (Stats, error)
}
