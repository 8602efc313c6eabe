// Package ingest reduces an acquired source to the bounded set of files an
// artifact keeps.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"path"
	"strings"

	"gopherai-context/internal/source"
)

var ErrEmptyArtifact = errors.New("no files left after filtering")

var ignoredDirs = map[string]struct{}{
	".git": {}, ".svn": {}, ".hg": {},
	"node_modules": {}, "__pycache__": {}, ".pytest_cache": {},
	"venv": {}, "env": {}, ".env": {}, "virtualenv": {}, ".venv": {},
	"dist": {}, "build": {}, ".idea": {}, ".vscode": {}, ".vs": {},
	"target": {}, "bin": {}, "obj": {}, "out": {},
	"coverage": {}, ".nyc_output": {}, ".next": {}, ".nuxt": {}, "vendor": {},
}

var allowedExtensions = map[string]struct{}{
	".py": {}, ".js": {}, ".ts": {}, ".tsx": {}, ".jsx": {},
	".java": {}, ".cpp": {}, ".c": {}, ".h": {}, ".hpp": {},
	".cs": {}, ".go": {}, ".rs": {}, ".rb": {}, ".php": {},
	".swift": {}, ".kt": {}, ".scala": {}, ".sql": {},
	".html": {}, ".css": {}, ".json": {}, ".xml": {},
	".yaml": {}, ".yml": {}, ".md": {}, ".txt": {},
	".sh": {}, ".bash": {}, ".r": {}, ".m": {},
	".vue": {}, ".svelte": {}, ".dart": {}, ".lua": {},
	".pl": {}, ".pm": {}, ".gradle": {}, ".proto": {}, ".thrift": {},
}

func IsIgnoredDir(name string) bool {
	_, ok := ignoredDirs[name]
	return ok
}

func AllowedExtension(p string) bool {
	_, ok := allowedExtensions[strings.ToLower(path.Ext(p))]
	return ok
}

type Limits struct {
	MaxFileBytes int64
	MaxFiles     int
	// Passthrough keeps files regardless of extension. Single document
	// uploads use it.
	Passthrough bool
}

type File struct {
	Path    string
	Size    int64
	Content []byte
}

type Stats struct {
	TotalFiles         int   `json:"total_files"`
	StoredFiles        int   `json:"stored_files"`
	TotalSize          int64 `json:"total_size"`
	Truncated          bool  `json:"truncated"`
	DroppedOversize    int   `json:"dropped_oversize"`
	DroppedExtension   int   `json:"dropped_extension"`
	DroppedIgnored     int   `json:"dropped_ignored"`
	DroppedInvalidPath int   `json:"dropped_invalid_path"`
	DroppedDuplicate   int   `json:"dropped_duplicate"`
	DroppedSuspicious  int   `json:"dropped_suspicious"`
}

func (s Stats) Dropped() int {
	return s.DroppedOversize + s.DroppedExtension + s.DroppedIgnored +
		s.DroppedInvalidPath + s.DroppedDuplicate + s.DroppedSuspicious
}

type Result struct {
	Files []File
	Stats Stats
}

// Sink receives each kept file as soon as it is read. When a sink is given
// the returned Result carries no file content.
type Sink func(ctx context.Context, f File) error

// Filter walks entries once, in order. Files over the per-file ceiling are
// dropped, not truncated. After MaxFiles files are kept, later eligible
// entries are only counted.
func Filter(ctx context.Context, entries iter.Seq2[source.Entry, error], limits Limits, sink Sink) (*Result, error) {
	res := &Result{}
	st := &res.Stats
	seen := make(map[string]struct{})

	for e, err := range entries {
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		p, ok := NormalizePath(e.Path)
		if !ok {
			st.DroppedInvalidPath++
			continue
		}
		if inIgnoredDir(p) {
			st.DroppedIgnored++
			continue
		}
		if !limits.Passthrough && !AllowedExtension(p) {
			st.DroppedExtension++
			continue
		}
		if e.Suspicious || e.Open == nil {
			st.DroppedSuspicious++
			continue
		}
		if limits.MaxFileBytes > 0 && e.Size > limits.MaxFileBytes {
			st.DroppedOversize++
			continue
		}
		if _, dup := seen[p]; dup {
			st.DroppedDuplicate++
			continue
		}

		if limits.MaxFiles > 0 && st.StoredFiles >= limits.MaxFiles {
			seen[p] = struct{}{}
			st.TotalFiles++
			continue
		}

		content, oversize, err := readBounded(e, limits.MaxFileBytes)
		if err != nil {
			return nil, err
		}
		if oversize {
			st.DroppedOversize++
			continue
		}

		seen[p] = struct{}{}
		st.TotalFiles++
		st.StoredFiles++
		st.TotalSize += int64(len(content))

		f := File{Path: p, Size: int64(len(content)), Content: content}
		if sink != nil {
			if err := sink(ctx, f); err != nil {
				return nil, err
			}
			f.Content = nil
		}
		res.Files = append(res.Files, f)
	}

	st.Truncated = st.TotalFiles > st.StoredFiles
	if st.StoredFiles == 0 {
		return res, ErrEmptyArtifact
	}
	return res, nil
}

func readBounded(e source.Entry, max int64) ([]byte, bool, error) {
	rc, err := e.Open()
	if err != nil {
		return nil, false, wrapAcquisition(e.Path, err)
	}
	defer rc.Close()

	var r io.Reader = rc
	if max > 0 {
		r = io.LimitReader(rc, max+1)
	}
	var buf bytes.Buffer
	if e.Size > 0 && (max <= 0 || e.Size <= max) {
		buf.Grow(int(e.Size))
	}
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, false, wrapAcquisition(e.Path, err)
	}
	if max > 0 && int64(buf.Len()) > max {
		return nil, true, nil
	}
	return buf.Bytes(), false, nil
}

func wrapAcquisition(p string, err error) error {
	if errors.Is(err, source.ErrAcquisitionFailed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: read %s: %v", source.ErrAcquisitionFailed, p, err)
}

func inIgnoredDir(p string) bool {
	segs := strings.Split(p, "/")
	for _, s := range segs[:len(segs)-1] {
		if IsIgnoredDir(s) {
			return true
		}
	}
	return false
}

// NormalizePath converts p to a clean forward-slash relative path. It
// reports false for paths that would climb out of their root or carry NUL
// bytes; those are never silently repaired.
func NormalizePath(p string) (string, bool) {
	if p == "" || strings.ContainsRune(p, 0) {
		return "", false
	}
	p = strings.ReplaceAll(p, `\`, "/")
	parts := make([]string, 0, strings.Count(p, "/")+1)
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			return "", false
		}
		parts = append(parts, seg)
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "/"), true
}
