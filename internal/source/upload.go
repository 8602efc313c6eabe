package source

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"path"
	"strings"
	"sync/atomic"

	"github.com/gabriel-vasile/mimetype"
)

const (
	KindZip  = "zip"
	KindPDF  = "pdf"
	KindDoc  = "doc"
	KindText = "text"
)

// ClassifyUpload maps an uploaded filename onto an artifact type.
func ClassifyUpload(filename string) (string, error) {
	switch strings.ToLower(path.Ext(strings.ReplaceAll(filename, `\`, "/"))) {
	case ".zip":
		return KindZip, nil
	case ".pdf":
		return KindPDF, nil
	case ".doc", ".docx":
		return KindDoc, nil
	case ".txt", ".md":
		return KindText, nil
	}
	return "", fmt.Errorf("%w: unsupported upload type %q", ErrInvalidSource, filename)
}

// DetectContentType sniffs the upload bytes.
func DetectContentType(data []byte) string {
	return mimetype.Detect(data).String()
}

// UploadAcquirer accepts an uploaded file held in memory. Zip archives are
// expanded entry by entry; every other type passes through as one file.
type UploadAcquirer struct {
	Filename string
	Data     []byte
	Limits   Limits
}

func (a UploadAcquirer) Acquire(ctx context.Context) (Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if a.Limits.MaxUploadBytes > 0 && int64(len(a.Data)) > a.Limits.MaxUploadBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrUploadTooLarge, len(a.Data))
	}
	kind, err := ClassifyUpload(a.Filename)
	if err != nil {
		return nil, err
	}
	if len(a.Data) == 0 {
		return nil, fmt.Errorf("%w: empty upload", ErrInvalidFormat)
	}

	detected := mimetype.Detect(a.Data)
	switch kind {
	case KindZip:
		if !isA(detected, "application/zip") {
			return nil, fmt.Errorf("%w: %s is %s, not a zip archive", ErrInvalidFormat, a.Filename, detected.String())
		}
		zr, err := zip.NewReader(bytes.NewReader(a.Data), int64(len(a.Data)))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
		}
		return &zipSource{reader: zr, limits: a.Limits}, nil
	case KindPDF:
		if !isA(detected, "application/pdf") {
			return nil, fmt.Errorf("%w: %s is %s, not a pdf", ErrInvalidFormat, a.Filename, detected.String())
		}
	}

	name := path.Base(strings.ReplaceAll(a.Filename, `\`, "/"))
	return &blobSource{kind: kind, name: name, data: a.Data}, nil
}

// isA walks the detected type's ancestry, so jar or docx bytes still count
// as a zip archive.
func isA(m *mimetype.MIME, want string) bool {
	for ; m != nil; m = m.Parent() {
		if m.Is(want) {
			return true
		}
	}
	return false
}

type blobSource struct {
	kind string
	name string
	data []byte
}

func (s *blobSource) Kind() string { return s.kind }

func (s *blobSource) Entries(ctx context.Context) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(Entry{}, err)
			return
		}
		yield(Entry{
			Path: s.name,
			Size: int64(len(s.data)),
			Open: func() (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(s.data)), nil
			},
		}, nil)
	}
}

func (s *blobSource) Close() error { return nil }

type zipSource struct {
	reader *zip.Reader
	limits Limits
}

func (s *zipSource) Kind() string { return KindZip }

func (s *zipSource) Entries(ctx context.Context) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		budget := &unpackBudget{max: s.limits.MaxUnpackedBytes}
		for _, f := range s.reader.File {
			if err := ctx.Err(); err != nil {
				yield(Entry{}, err)
				return
			}
			if f.FileInfo().IsDir() || !f.Mode().IsRegular() {
				continue
			}

			entry := Entry{
				Path:       f.Name,
				Size:       int64(f.UncompressedSize64),
				Suspicious: s.suspicious(f),
			}
			if !entry.Suspicious {
				entry.Open = s.opener(f, budget)
			}
			if !yield(entry, nil) {
				return
			}
		}
	}
}

// suspicious flags members that claim to expand past the per-file ceiling at
// an implausible ratio. Members at or under the ceiling are never flagged.
func (s *zipSource) suspicious(f *zip.File) bool {
	if s.limits.MaxCompressionRatio <= 0 || f.UncompressedSize64 == 0 {
		return false
	}
	if s.limits.MaxFileBytes > 0 && f.UncompressedSize64 <= uint64(s.limits.MaxFileBytes) {
		return false
	}
	if f.CompressedSize64 == 0 {
		return true
	}
	return f.UncompressedSize64/f.CompressedSize64 > uint64(s.limits.MaxCompressionRatio)
}

// opener reads at most one byte past the per-file ceiling so a member whose
// header understates its size is still caught by the caller's size check.
func (s *zipSource) opener(f *zip.File, budget *unpackBudget) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %v", ErrAcquisitionFailed, f.Name, err)
		}
		var r io.Reader = rc
		if s.limits.MaxFileBytes > 0 {
			r = io.LimitReader(rc, s.limits.MaxFileBytes+1)
		}
		return &budgetReader{r: r, c: rc, budget: budget}, nil
	}
}

// unpackBudget caps the bytes decompressed across one pass over the archive.
type unpackBudget struct {
	max  int64
	used atomic.Int64
}

type budgetReader struct {
	r      io.Reader
	c      io.Closer
	budget *unpackBudget
}

func (b *budgetReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if n > 0 && b.budget.max > 0 {
		if b.budget.used.Add(int64(n)) > b.budget.max {
			return n, fmt.Errorf("%w: archive expands beyond %d bytes", ErrAcquisitionFailed, b.budget.max)
		}
	}
	return n, err
}

func (b *budgetReader) Close() error { return b.c.Close() }

func (s *zipSource) Close() error { return nil }
