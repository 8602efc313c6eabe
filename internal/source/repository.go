package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
	"unicode"
)

const KindRepository = "repository"

type RepositoryInfo struct {
	Host  string
	Owner string
	Name  string
	URL   string
}

// ValidateRepositoryURL accepts only absolute http(s) URLs with a host.
func ValidateRepositoryURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty repository url", ErrInvalidSource)
	}
	if strings.IndexFunc(raw, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsControl(r) }) >= 0 {
		return nil, fmt.Errorf("%w: repository url contains whitespace", ErrInvalidSource)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidSource, u.Scheme)
	}
	if u.Hostname() == "" || strings.HasPrefix(u.Hostname(), "-") {
		return nil, fmt.Errorf("%w: repository url has no host", ErrInvalidSource)
	}
	if strings.Trim(u.Path, "/") == "" {
		return nil, fmt.Errorf("%w: repository url has no path", ErrInvalidSource)
	}
	return u, nil
}

// ParseRepositoryURL extracts the hosting service, owner and name.
func ParseRepositoryURL(raw string) (RepositoryInfo, error) {
	u, err := ValidateRepositoryURL(raw)
	if err != nil {
		return RepositoryInfo{}, err
	}

	info := RepositoryInfo{URL: u.String()}
	switch strings.ToLower(u.Hostname()) {
	case "github.com", "www.github.com":
		info.Host = "GitHub"
	case "gitlab.com", "www.gitlab.com":
		info.Host = "GitLab"
	case "bitbucket.org", "www.bitbucket.org":
		info.Host = "Bitbucket"
	default:
		info.Host = "Git"
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	info.Name = strings.TrimSuffix(parts[len(parts)-1], ".git")
	if len(parts) >= 2 {
		info.Owner = parts[len(parts)-2]
	}
	return info, nil
}

// RepositoryAcquirer shallow-clones a repository into a scratch directory.
type RepositoryAcquirer struct {
	URL        string
	GitBinary  string
	ScratchDir string
	Timeout    time.Duration
	// SkipDir reports directory names that are pruned from the walk.
	SkipDir func(name string) bool
}

func (a RepositoryAcquirer) Acquire(ctx context.Context) (Source, error) {
	u, err := ValidateRepositoryURL(a.URL)
	if err != nil {
		return nil, err
	}

	gitBin := a.GitBinary
	if gitBin == "" {
		gitBin = "git"
	}
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	dir, err := os.MkdirTemp(a.ScratchDir, "clone-*")
	if err != nil {
		return nil, fmt.Errorf("%w: create scratch dir: %v", ErrAcquisitionFailed, err)
	}

	cloneCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cloneCtx, gitBin,
		"clone", "--depth", "1", "--single-branch", "--no-tags", "--quiet",
		"--", u.String(), dir)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_ASKPASS=true")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	if err := cmd.Run(); err != nil {
		_ = os.RemoveAll(dir)
		if errors.Is(cloneCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: clone timed out after %s", ErrAcquisitionFailed, timeout)
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrAcquisitionFailed, ctx.Err())
		}
		return nil, fmt.Errorf("%w: git clone: %v: %s", ErrAcquisitionFailed, err, lastLine(stderr.String()))
	}

	return &dirSource{root: dir, kind: KindRepository, skipDir: a.SkipDir, owned: true}, nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// dirSource walks a directory tree. Symlinks and special files are skipped.
type dirSource struct {
	root    string
	kind    string
	skipDir func(name string) bool
	owned   bool
}

func (s *dirSource) Kind() string { return s.kind }

func (s *dirSource) Entries(ctx context.Context) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		stop := errors.New("stop")
		err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() {
				if path != s.root && s.skipDir != nil && s.skipDir(d.Name()) {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(s.root, path)
			if err != nil {
				return err
			}
			full := path
			entry := Entry{
				Path: filepath.ToSlash(rel),
				Size: info.Size(),
				Open: func() (io.ReadCloser, error) { return os.Open(full) },
			}
			if !yield(entry, nil) {
				return stop
			}
			return nil
		})
		if err != nil && !errors.Is(err, stop) {
			yield(Entry{}, fmt.Errorf("%w: walk: %v", ErrAcquisitionFailed, err))
		}
	}
}

func (s *dirSource) Close() error {
	if !s.owned {
		return nil
	}
	return os.RemoveAll(s.root)
}
