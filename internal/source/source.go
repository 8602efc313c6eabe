// Package source turns an artifact source (a repository URL or an uploaded
// file) into a lazily produced sequence of candidate files.
package source

import (
	"context"
	"errors"
	"io"
	"iter"
)

var (
	ErrInvalidSource     = errors.New("invalid source")
	ErrAcquisitionFailed = errors.New("source acquisition failed")
	ErrInvalidFormat     = errors.New("invalid source format")
	ErrUploadTooLarge    = errors.New("upload exceeds size limit")
)

// Entry is one candidate file. Size is the size the source declares; Open
// may yield fewer or more bytes than that, so readers must bound themselves.
type Entry struct {
	Path string
	Size int64
	Open func() (io.ReadCloser, error)
	// Suspicious marks an entry the source refuses to expand, such as a
	// zip member with an implausible compression ratio.
	Suspicious bool
}

// Source is an acquired candidate file set. Entries can be ranged over more
// than once; Close releases any scratch resources.
type Source interface {
	Kind() string
	Entries(ctx context.Context) iter.Seq2[Entry, error]
	Close() error
}

type Acquirer interface {
	Acquire(ctx context.Context) (Source, error)
}

// Limits bound how much an upload may expand to.
type Limits struct {
	MaxUploadBytes      int64
	MaxFileBytes        int64
	MaxUnpackedBytes    int64
	MaxCompressionRatio int64
}
