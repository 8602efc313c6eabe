package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

const (
	artifactsDirName = "artifacts"
	filesDirName     = "files"
	manifestName     = "manifest.json"
)

var artifactIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// Init creates the storage root. It is called once at process start.
func Init(root string) error {
	if strings.TrimSpace(root) == "" {
		return fmt.Errorf("storage root is empty")
	}
	if err := os.MkdirAll(filepath.Join(root, artifactsDirName), 0o755); err != nil {
		return fmt.Errorf("create storage root failed: %w", err)
	}
	return nil
}

// LocalBackend stores each artifact under <root>/artifacts/<id>/ with the
// file tree in files/ and a manifest.json listing the stored entries.
type LocalBackend struct {
	root  string
	locks keyedMutex
}

var _ Backend = (*LocalBackend)(nil)

func NewLocal(root string) (*LocalBackend, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root failed: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("storage root unavailable: %w", err)
	}
	info, err := os.Stat(filepath.Join(resolved, artifactsDirName))
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("storage root %s is not initialized", resolved)
	}
	return &LocalBackend{
		root:  resolved,
		locks: keyedMutex{locks: make(map[string]*refLock)},
	}, nil
}

func (b *LocalBackend) Root() string {
	return b.root
}

func (b *LocalBackend) Put(ctx context.Context, artifactID, relPath string, r io.Reader) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	target, cleanRel, err := b.resolve(artifactID, relPath)
	if err != nil {
		return 0, err
	}

	unlock := b.locks.Lock(artifactID)
	defer unlock()

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("%w: create directory: %w", ErrIO, err)
	}
	// MkdirAll may have walked through a directory swapped for a symlink.
	if _, _, err := b.resolve(artifactID, relPath); err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return 0, fmt.Errorf("%w: create temp file: %w", ErrIO, err)
	}
	tmpName := tmp.Name()
	written, copyErr := io.Copy(tmp, r)
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("%w: write %s: %w", ErrIO, cleanRel, errors.Join(copyErr, closeErr))
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("%w: commit %s: %w", ErrIO, cleanRel, err)
	}

	m, err := b.loadManifest(artifactID)
	if errors.Is(err, ErrNotFound) {
		m = newManifest(artifactID)
	} else if err != nil {
		return 0, err
	}
	m.upsert(Entry{Path: cleanRel, Size: written})
	if err := b.saveManifest(artifactID, m); err != nil {
		return 0, err
	}
	return written, nil
}

func (b *LocalBackend) Get(ctx context.Context, artifactID, relPath string) ([]byte, error) {
	rc, _, err := b.Open(ctx, artifactID, relPath)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrIO, relPath, err)
	}
	return data, nil
}

func (b *LocalBackend) Open(ctx context.Context, artifactID, relPath string) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	target, cleanRel, err := b.resolve(artifactID, relPath)
	if err != nil {
		return nil, 0, err
	}

	f, err := os.Open(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, cleanRel)
		}
		return nil, 0, fmt.Errorf("%w: open %s: %w", ErrIO, cleanRel, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("%w: stat %s: %w", ErrIO, cleanRel, err)
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, cleanRel)
	}
	return f, info.Size(), nil
}

func (b *LocalBackend) List(ctx context.Context, artifactID string, limit, offset int) ([]Entry, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	if !artifactIDPattern.MatchString(artifactID) {
		return nil, 0, fmt.Errorf("%w: artifact id %q", ErrInvalidPath, artifactID)
	}

	m, err := b.loadManifest(artifactID)
	if err != nil {
		return nil, 0, err
	}
	return m.page(limit, offset), len(m.Files), nil
}

func (b *LocalBackend) DeleteAll(ctx context.Context, artifactID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !artifactIDPattern.MatchString(artifactID) {
		return fmt.Errorf("%w: artifact id %q", ErrInvalidPath, artifactID)
	}

	unlock := b.locks.Lock(artifactID)
	defer unlock()

	if err := os.RemoveAll(b.artifactDir(artifactID)); err != nil {
		return fmt.Errorf("%w: remove artifact %s: %w", ErrIO, artifactID, err)
	}
	return nil
}

// Ping checks that the artifacts directory is still reachable without
// touching any artifact.
func (b *LocalBackend) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Join(b.root, artifactsDirName)
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("%w: stat storage root: %w", ErrIO, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrIO, dir)
	}
	return nil
}

// Stats reads every manifest, so it is meant for occasional inventory
// rather than liveness checks.
func (b *LocalBackend) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	dirents, err := os.ReadDir(filepath.Join(b.root, artifactsDirName))
	if err != nil {
		return stats, fmt.Errorf("%w: read storage root: %w", ErrIO, err)
	}
	for _, d := range dirents {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if !d.IsDir() || !artifactIDPattern.MatchString(d.Name()) {
			continue
		}
		m, err := b.loadManifest(d.Name())
		if err != nil {
			continue
		}
		stats.Artifacts++
		stats.Files += len(m.Files)
		for _, e := range m.Files {
			stats.TotalBytes += e.Size
		}
	}
	return stats, nil
}

func (b *LocalBackend) artifactDir(artifactID string) string {
	return filepath.Join(b.root, artifactsDirName, artifactID)
}

func (b *LocalBackend) filesDir(artifactID string) string {
	return filepath.Join(b.artifactDir(artifactID), filesDirName)
}

// resolve maps a relative path to an absolute path under the artifact's
// files directory. Symlinks on the existing part of the path are followed
// before the containment check.
func (b *LocalBackend) resolve(artifactID, relPath string) (string, string, error) {
	if !artifactIDPattern.MatchString(artifactID) {
		return "", "", fmt.Errorf("%w: artifact id %q", ErrInvalidPath, artifactID)
	}
	cleanRel, err := CleanRelative(relPath)
	if err != nil {
		return "", "", err
	}

	base := b.filesDir(artifactID)
	target := filepath.Join(base, filepath.FromSlash(cleanRel))
	if !within(base, target) {
		return "", "", fmt.Errorf("%w: %q escapes artifact root", ErrInvalidPath, relPath)
	}

	resolvedBase, err := evalExisting(base)
	if err != nil {
		return "", "", fmt.Errorf("%w: resolve artifact root: %w", ErrIO, err)
	}
	resolvedTarget, err := evalExisting(target)
	if err != nil {
		return "", "", fmt.Errorf("%w: resolve %s: %w", ErrIO, cleanRel, err)
	}
	if !within(resolvedBase, resolvedTarget) {
		return "", "", fmt.Errorf("%w: %q escapes artifact root", ErrInvalidPath, relPath)
	}
	return target, cleanRel, nil
}

// CleanRelative validates a caller-supplied relative path and returns it in
// slash form. Absolute paths, empty paths, NUL bytes and ".." segments are
// rejected rather than corrected.
func CleanRelative(relPath string) (string, error) {
	if relPath == "" || strings.ContainsRune(relPath, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, relPath)
	}
	slashed := strings.ReplaceAll(relPath, `\`, "/")
	if strings.HasPrefix(slashed, "/") || filepath.IsAbs(relPath) || filepath.VolumeName(relPath) != "" {
		return "", fmt.Errorf("%w: %q is absolute", ErrInvalidPath, relPath)
	}

	parts := make([]string, 0, strings.Count(slashed, "/")+1)
	for _, seg := range strings.Split(slashed, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			return "", fmt.Errorf("%w: %q contains parent segment", ErrInvalidPath, relPath)
		}
		parts = append(parts, seg)
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, relPath)
	}
	return strings.Join(parts, "/"), nil
}

func within(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	if rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// evalExisting resolves symlinks on the longest existing prefix of path and
// re-attaches the missing remainder.
func evalExisting(path string) (string, error) {
	existing := path
	var rest []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		rest = append([]string{filepath.Base(existing)}, rest...)
		existing = parent
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{resolved}, rest...)...), nil
}

type manifest struct {
	ArtifactID string    `json:"artifact_id"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	Files      []Entry   `json:"files"`
}

func newManifest(artifactID string) *manifest {
	now := time.Now().UTC()
	return &manifest{ArtifactID: artifactID, CreatedAt: now, UpdatedAt: now}
}

func (m *manifest) upsert(e Entry) {
	m.UpdatedAt = time.Now().UTC()
	for i := range m.Files {
		if m.Files[i].Path == e.Path {
			m.Files[i].Size = e.Size
			return
		}
	}
	m.Files = append(m.Files, e)
}

func (m *manifest) page(limit, offset int) []Entry {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(m.Files) {
		return []Entry{}
	}
	end := len(m.Files)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]Entry, end-offset)
	copy(out, m.Files[offset:end])
	return out
}

func (b *LocalBackend) loadManifest(artifactID string) (*manifest, error) {
	raw, err := os.ReadFile(filepath.Join(b.artifactDir(artifactID), manifestName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: manifest for %s", ErrNotFound, artifactID)
		}
		return nil, fmt.Errorf("%w: read manifest: %w", ErrIO, err)
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: decode manifest: %w", ErrIO, err)
	}
	return &m, nil
}

func (b *LocalBackend) saveManifest(artifactID string, m *manifest) error {
	payload, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode manifest: %w", ErrIO, err)
	}
	dir := b.artifactDir(artifactID)
	tmp, err := os.CreateTemp(dir, ".manifest-*")
	if err != nil {
		return fmt.Errorf("%w: create manifest: %w", ErrIO, err)
	}
	tmpName := tmp.Name()
	_, writeErr := tmp.Write(payload)
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: write manifest: %w", ErrIO, errors.Join(writeErr, closeErr))
	}
	if err := os.Rename(tmpName, filepath.Join(dir, manifestName)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: commit manifest: %w", ErrIO, err)
	}
	return nil
}

// keyedMutex serializes writers per artifact id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
