package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"strings"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"gopherai-context/internal/config"
	"gopherai-context/internal/model"
	"gopherai-context/internal/repository"
	"gopherai-context/internal/source"
	"gopherai-context/internal/storage"
)

type memFile struct {
	path string
	body string
}

type memSource struct {
	files  []memFile
	mu     sync.Mutex
	closed bool
}

func (m *memSource) Kind() string { return source.KindRepository }

func (m *memSource) Entries(ctx context.Context) iter.Seq2[source.Entry, error] {
	return func(yield func(source.Entry, error) bool) {
		for _, f := range m.files {
			body := f.body
			entry := source.Entry{
				Path: f.path,
				Size: int64(len(body)),
				Open: func() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader(body)), nil },
			}
			if !yield(entry, nil) {
				return
			}
		}
	}
}

func (m *memSource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type memAcquirer struct {
	src *memSource
	err error
}

func (a memAcquirer) Acquire(context.Context) (source.Source, error) {
	if a.err != nil {
		return nil, a.err
	}
	return a.src, nil
}

// deletingAcquirer removes the session while the source is being acquired,
// the way a concurrent request would during a slow clone.
type deletingAcquirer struct {
	sessions  *SessionService
	userID    uint
	sessionID uint
	src       *memSource
}

func (a deletingAcquirer) Acquire(ctx context.Context) (source.Source, error) {
	if _, err := a.sessions.Delete(ctx, a.userID, a.sessionID); err != nil {
		return nil, err
	}
	return a.src, nil
}

// flakyBackend fails Put after a number of successful writes and can fail
// DeleteAll.
type flakyBackend struct {
	storage.Backend
	putsLeft      int
	failDeleteAll bool
}

func (b *flakyBackend) Put(ctx context.Context, artifactID, relPath string, r io.Reader) (int64, error) {
	if b.putsLeft <= 0 {
		return 0, storage.ErrIO
	}
	b.putsLeft--
	return b.Backend.Put(ctx, artifactID, relPath, r)
}

func (b *flakyBackend) DeleteAll(ctx context.Context, artifactID string) error {
	if b.failDeleteAll {
		return storage.ErrIO
	}
	return b.Backend.DeleteAll(ctx, artifactID)
}

type recordingPurger struct {
	ids []string
}

func (p *recordingPurger) EnqueuePurge(_ context.Context, artifactID string) error {
	p.ids = append(p.ids, artifactID)
	return nil
}

type fixture struct {
	db        *gorm.DB
	store     *storage.LocalBackend
	purger    *recordingPurger
	artifacts *ArtifactService
	sessions  *SessionService
	userID    uint
	sessionID uint
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&model.User{}, &model.Session{}, &model.Message{}, &model.Artifact{}))
	return db
}

func testArtifactConfig() config.ArtifactConfig {
	return config.ArtifactConfig{
		MaxFileBytes:        1024,
		MaxFiles:            3,
		MaxUploadBytes:      1 << 20,
		MaxUnpackedBytes:    1 << 20,
		MaxCompressionRatio: 100,
	}
}

func newFixture(t *testing.T, wrap func(storage.Backend) storage.Backend) *fixture {
	t.Helper()
	db := openTestDB(t)
	root := t.TempDir()
	require.NoError(t, storage.Init(root))
	local, err := storage.NewLocal(root)
	require.NoError(t, err)

	var store storage.Backend = local
	if wrap != nil {
		store = wrap(local)
	}

	sessionRepo := repository.NewSessionRepository(db)
	purger := &recordingPurger{}
	artifacts := NewArtifactService(sessionRepo, repository.NewArtifactRepository(db), store, purger, nil, testArtifactConfig(), zap.NewNop())
	sessions := NewSessionService(sessionRepo, repository.NewMessageRepository(db), artifacts, nil, zap.NewNop())

	s, err := sessions.Create(CreateSessionInput{UserID: 1, Title: "work"})
	require.NoError(t, err)

	return &fixture{
		db:        db,
		store:     local,
		purger:    purger,
		artifacts: artifacts,
		sessions:  sessions,
		userID:    1,
		sessionID: s.ID,
	}
}

func (f *fixture) createRepo(t *testing.T, files ...memFile) (*model.Artifact, *memSource) {
	t.Helper()
	src := &memSource{files: files}
	a, err := f.artifacts.Create(context.Background(), CreateArtifactInput{
		UserID:    f.userID,
		SessionID: f.sessionID,
		Type:      model.ArtifactTypeRepository,
		Name:      "demo",
		Source:    "https://github.com/acme/demo",
		Acquirer:  memAcquirer{src: src},
	})
	require.NoError(t, err)
	return a, src
}

func TestArtifactService_CreateRepository(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	a, src := f.createRepo(t,
		memFile{"main.go", "package main\n"},
		memFile{"docs/README.md", "# demo\n"},
		memFile{"node_modules/x/index.js", "x"},
		memFile{"logo.png", "png"},
	)
	assert.True(t, src.closed)
	assert.Equal(t, model.ArtifactTypeRepository, a.Type)

	meta, err := a.DecodeMetadata()
	require.NoError(t, err)
	assert.Equal(t, model.StorageTypeObject, meta.StorageType)
	assert.Equal(t, "artifacts/"+a.ID, meta.StoragePath)
	assert.Equal(t, 2, meta.StoredFiles)
	assert.Equal(t, 2, meta.DroppedFiles)
	assert.False(t, meta.Truncated)
	assert.Equal(t, int64(len("package main\n")+len("# demo\n")), a.Size)

	page, err := f.artifacts.ListFiles(ctx, f.userID, f.sessionID, a.ID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, page.TotalFiles)
	assert.Equal(t, defaultFilePageLimit, page.Limit)
	require.Len(t, page.Files, 2)
	assert.Equal(t, "main.go", page.Files[0].Path)

	file, err := f.artifacts.GetFile(ctx, f.userID, f.sessionID, a.ID, "docs/README.md")
	require.NoError(t, err)
	assert.Equal(t, "# demo\n", file.Content)
	assert.Equal(t, int64(7), file.Size)

	list, err := f.artifacts.List(ctx, f.userID, f.sessionID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)
}

func TestArtifactService_CapMarksTruncated(t *testing.T) {
	f := newFixture(t, nil)
	a, _ := f.createRepo(t,
		memFile{"a.go", "a"}, memFile{"b.go", "b"}, memFile{"c.go", "c"},
		memFile{"d.go", "d"}, memFile{"e.go", "e"},
	)
	meta, err := a.DecodeMetadata()
	require.NoError(t, err)
	assert.Equal(t, 3, meta.StoredFiles)
	assert.Equal(t, 5, meta.TotalFiles)
	assert.True(t, meta.Truncated)
}

func TestArtifactService_Authorization(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	in := CreateArtifactInput{
		UserID:    2,
		SessionID: f.sessionID,
		Type:      model.ArtifactTypeRepository,
		Name:      "x",
		Acquirer:  memAcquirer{src: &memSource{files: []memFile{{"a.go", "a"}}}},
	}

	_, err := f.artifacts.Create(ctx, in)
	assert.ErrorIs(t, err, ErrForbidden)

	in.UserID, in.SessionID = f.userID, 9999
	_, err = f.artifacts.Create(ctx, in)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = f.artifacts.List(ctx, 2, f.sessionID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.artifacts.Get(ctx, f.userID, f.sessionID, uuid.NewString())
	assert.ErrorIs(t, err, ErrArtifactNotFound)
}

func TestArtifactService_CreateFailuresLeaveNothing(t *testing.T) {
	t.Run("empty after filtering", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.artifacts.Create(context.Background(), CreateArtifactInput{
			UserID: f.userID, SessionID: f.sessionID, Type: model.ArtifactTypeRepository, Name: "x",
			Acquirer: memAcquirer{src: &memSource{files: []memFile{{"logo.png", "png"}}}},
		})
		assert.ErrorIs(t, err, ErrEmptyArtifact)
		assertNoArtifacts(t, f)
	})

	t.Run("acquisition failed", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.artifacts.Create(context.Background(), CreateArtifactInput{
			UserID: f.userID, SessionID: f.sessionID, Type: model.ArtifactTypeRepository, Name: "x",
			Acquirer: memAcquirer{err: source.ErrAcquisitionFailed},
		})
		assert.ErrorIs(t, err, ErrAcquisitionFailed)
		assertNoArtifacts(t, f)
	})

	t.Run("storage fails midway", func(t *testing.T) {
		f := newFixture(t, func(b storage.Backend) storage.Backend {
			return &flakyBackend{Backend: b, putsLeft: 1}
		})
		_, err := f.artifacts.Create(context.Background(), CreateArtifactInput{
			UserID: f.userID, SessionID: f.sessionID, Type: model.ArtifactTypeRepository, Name: "x",
			Acquirer: memAcquirer{src: &memSource{files: []memFile{{"a.go", "a"}, {"b.go", "b"}}}},
		})
		assert.ErrorIs(t, err, ErrStorageIO)
		assertNoArtifacts(t, f)
	})

	t.Run("invalid type", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.artifacts.Create(context.Background(), CreateArtifactInput{
			UserID: f.userID, SessionID: f.sessionID, Type: "image", Name: "x",
			Acquirer: memAcquirer{src: &memSource{}},
		})
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
}

func assertNoArtifacts(t *testing.T, f *fixture) {
	t.Helper()
	var count int64
	require.NoError(t, f.db.Model(&model.Artifact{}).Count(&count).Error)
	assert.Zero(t, count)
	st, err := f.store.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.Artifacts)
}

func TestArtifactService_CreateFromRepositoryRejectsBadURL(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.artifacts.CreateFromRepository(context.Background(), RepositoryInput{
		UserID: f.userID, SessionID: f.sessionID, URL: "ftp://example.com/repo",
	})
	assert.ErrorIs(t, err, ErrInvalidSource)
	assertNoArtifacts(t, f)
}

func TestArtifactService_UploadAndDownload(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	a, err := f.artifacts.CreateFromUpload(ctx, UploadInput{
		UserID:    f.userID,
		SessionID: f.sessionID,
		Filename:  `C:\Users\me\notes.txt`,
		Data:      []byte("hello notes"),
	})
	require.NoError(t, err)
	assert.Equal(t, model.ArtifactTypeText, a.Type)
	assert.Equal(t, "notes.txt", a.Name)

	meta, err := a.DecodeMetadata()
	require.NoError(t, err)
	require.NotNil(t, meta.Upload)
	assert.Equal(t, "notes.txt", meta.Upload.Filename)
	assert.True(t, strings.HasPrefix(meta.Upload.ContentType, "text/plain"))

	dl, err := f.artifacts.Download(ctx, f.userID, f.sessionID, a.ID)
	require.NoError(t, err)
	defer dl.Body.Close()
	body, err := io.ReadAll(dl.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello notes", string(body))
	assert.Equal(t, int64(11), dl.Size)
	assert.Equal(t, "notes.txt", dl.Filename)

	repo, _ := f.createRepo(t, memFile{"a.go", "a"})
	_, err = f.artifacts.Download(ctx, f.userID, f.sessionID, repo.ID)
	assert.ErrorIs(t, err, ErrDownloadUnsupported)

	_, err = f.artifacts.CreateFromUpload(ctx, UploadInput{
		UserID: f.userID, SessionID: f.sessionID, Filename: "photo.png", Data: []byte("x"),
	})
	assert.ErrorIs(t, err, ErrInvalidSource)
}

func TestArtifactService_Update(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a, _ := f.createRepo(t, memFile{"a.go", "a"})

	_, err := f.artifacts.Update(ctx, UpdateArtifactInput{UserID: f.userID, SessionID: f.sessionID, ArtifactID: a.ID})
	assert.ErrorIs(t, err, ErrNoFieldsToUpdate)

	_, err = f.artifacts.Update(ctx, UpdateArtifactInput{
		UserID: f.userID, SessionID: f.sessionID, ArtifactID: a.ID,
		Metadata: map[string]any{"storage_path": "/etc"},
	})
	assert.ErrorIs(t, err, ErrInvalidInput)

	blank := "  "
	_, err = f.artifacts.Update(ctx, UpdateArtifactInput{
		UserID: f.userID, SessionID: f.sessionID, ArtifactID: a.ID, Name: &blank,
	})
	assert.ErrorIs(t, err, ErrInvalidInput)

	name := "renamed"
	updated, err := f.artifacts.Update(ctx, UpdateArtifactInput{
		UserID: f.userID, SessionID: f.sessionID, ArtifactID: a.ID,
		Name:     &name,
		Metadata: map[string]any{"label": "backend", "priority": 2},
	})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)

	got, err := f.artifacts.Get(ctx, f.userID, f.sessionID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, a.Type, got.Type)
	meta, err := got.DecodeMetadata()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"label": "backend", "priority": "2"}, meta.Extra)
	assert.Equal(t, 1, meta.StoredFiles)

	_, err = f.artifacts.Update(ctx, UpdateArtifactInput{
		UserID: f.userID, SessionID: f.sessionID, ArtifactID: a.ID,
		Metadata: map[string]any{"label": nil},
	})
	require.NoError(t, err)
	got, err = f.artifacts.Get(ctx, f.userID, f.sessionID, a.ID)
	require.NoError(t, err)
	meta, err = got.DecodeMetadata()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"priority": "2"}, meta.Extra)
}

func TestArtifactService_DeleteIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a, _ := f.createRepo(t, memFile{"a.go", "a"})

	require.NoError(t, f.artifacts.Delete(ctx, f.userID, f.sessionID, a.ID))
	require.NoError(t, f.artifacts.Delete(ctx, f.userID, f.sessionID, a.ID))

	_, err := f.artifacts.Get(ctx, f.userID, f.sessionID, a.ID)
	assert.ErrorIs(t, err, ErrArtifactNotFound)
	_, _, err = f.store.List(ctx, a.ID, 0, 0)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = f.artifacts.Delete(ctx, f.userID, f.sessionID, uuid.NewString())
	assert.ErrorIs(t, err, ErrArtifactNotFound)
}

func TestArtifactService_DeleteQueuesPurgeOnStorageFailure(t *testing.T) {
	f := newFixture(t, func(b storage.Backend) storage.Backend {
		return &flakyBackend{Backend: b, putsLeft: 10, failDeleteAll: true}
	})
	ctx := context.Background()
	a, _ := f.createRepo(t, memFile{"a.go", "a"})

	require.NoError(t, f.artifacts.Delete(ctx, f.userID, f.sessionID, a.ID))
	assert.Equal(t, []string{a.ID}, f.purger.ids)

	_, err := f.artifacts.Get(ctx, f.userID, f.sessionID, a.ID)
	assert.ErrorIs(t, err, ErrArtifactNotFound)
}

func TestSessionDeleteCascadesArtifacts(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a1, _ := f.createRepo(t, memFile{"a.go", "a"})
	a2, _ := f.createRepo(t, memFile{"b.go", "b"})

	res, err := f.sessions.Delete(ctx, f.userID, f.sessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.ArtifactsDisabled)
	assert.Equal(t, f.sessionID, res.DeletedSessionID)

	for _, id := range []string{a1.ID, a2.ID} {
		_, _, err := f.store.List(ctx, id, 0, 0)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
	_, err = f.artifacts.List(ctx, f.userID, f.sessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestArtifactService_CreateRefusedWhenSessionDeletedMidIngest(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	src := &memSource{files: []memFile{{"main.py", "x"}}}

	a, err := f.artifacts.Create(ctx, CreateArtifactInput{
		UserID:    f.userID,
		SessionID: f.sessionID,
		Type:      model.ArtifactTypeRepository,
		Name:      "late",
		Source:    "https://github.com/acme/late",
		Acquirer:  deletingAcquirer{sessions: f.sessions, userID: f.userID, sessionID: f.sessionID, src: src},
	})
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Nil(t, a)
	assert.True(t, src.closed)

	var rows int64
	require.NoError(t, f.db.Model(&model.Artifact{}).Count(&rows).Error)
	assert.Zero(t, rows)

	st, err := f.store.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Artifacts)
	assert.Zero(t, st.Files)
}

func TestArtifactService_FileAccessErrors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a, _ := f.createRepo(t, memFile{"a.go", "a"})

	_, err := f.artifacts.GetFile(ctx, f.userID, f.sessionID, a.ID, "../../etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidPath)

	_, err = f.artifacts.GetFile(ctx, f.userID, f.sessionID, a.ID, "missing.go")
	assert.ErrorIs(t, err, ErrFileNotFound)

	_, err = f.artifacts.ListFiles(ctx, f.userID, f.sessionID, a.ID, 10, -1)
	assert.ErrorIs(t, err, ErrInvalidInput)

	page, err := f.artifacts.ListFiles(ctx, f.userID, f.sessionID, a.ID, 10_000, 0)
	require.NoError(t, err)
	assert.Equal(t, maxFilePageLimit, page.Limit)

	page, err = f.artifacts.ListFiles(ctx, f.userID, f.sessionID, a.ID, 10, 5)
	require.NoError(t, err)
	assert.Empty(t, page.Files)
	assert.Equal(t, 1, page.TotalFiles)
}

func TestArtifactService_LegacyInlineArtifact(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	files, err := json.Marshal([]model.FileRecord{
		{Path: "src/a.py", Content: "print(1)", Size: 8},
		{Path: "src/b.py", Content: "print(2)", Size: 8},
	})
	require.NoError(t, err)
	legacy := &model.Artifact{
		ID:          uuid.NewString(),
		SessionID:   f.sessionID,
		UserID:      f.userID,
		Type:        model.ArtifactTypeRepository,
		Name:        "old",
		Metadata:    datatypes.JSON(`{"storage_type":"inline","owner_note":"kept"}`),
		InlineFiles: datatypes.JSON(files),
	}
	require.NoError(t, f.db.Create(legacy).Error)

	page, err := f.artifacts.ListFiles(ctx, f.userID, f.sessionID, legacy.ID, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, page.TotalFiles)
	require.Len(t, page.Files, 1)
	assert.Equal(t, "src/b.py", page.Files[0].Path)

	file, err := f.artifacts.GetFile(ctx, f.userID, f.sessionID, legacy.ID, "./src/a.py")
	require.NoError(t, err)
	assert.Equal(t, "print(1)", file.Content)

	got, err := f.artifacts.Get(ctx, f.userID, f.sessionID, legacy.ID)
	require.NoError(t, err)
	meta, err := got.DecodeMetadata()
	require.NoError(t, err)
	assert.Equal(t, "kept", meta.Extra["owner_note"])
}

func TestArtifactService_ContextSummary(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	summary, err := f.artifacts.ContextSummary(ctx, f.sessionID, 5)
	require.NoError(t, err)
	assert.Empty(t, summary)

	f.createRepo(t, memFile{"main.go", "package main"}, memFile{"util.go", "package main"})
	summary, err = f.artifacts.ContextSummary(ctx, f.sessionID, 1)
	require.NoError(t, err)
	assert.Contains(t, summary, "demo (repository, 2 files)")
	assert.Contains(t, summary, "  - main.go\n")
	assert.NotContains(t, summary, "util.go")
}

func TestArtifactService_ContextSummarySkipsCorruptMetadata(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	broken := &model.Artifact{
		ID:        uuid.NewString(),
		SessionID: f.sessionID,
		UserID:    f.userID,
		Type:      model.ArtifactTypeRepository,
		Name:      "broken",
		Metadata:  datatypes.JSON(`{"stored_files":`),
	}
	require.NoError(t, f.db.Create(broken).Error)

	summary, err := f.artifacts.ContextSummary(ctx, f.sessionID, 5)
	require.NoError(t, err)
	assert.Empty(t, summary)

	f.createRepo(t, memFile{"main.go", "package main"})
	summary, err = f.artifacts.ContextSummary(ctx, f.sessionID, 5)
	require.NoError(t, err)
	assert.Contains(t, summary, "demo (repository, 1 files)")
	assert.NotContains(t, summary, "broken")
}

func TestFailureReason(t *testing.T) {
	assert.Equal(t, "invalid_source", failureReason(source.ErrInvalidSource))
	assert.Equal(t, "storage_io", failureReason(errors.Join(errors.New("x"), storage.ErrIO)))
	assert.Equal(t, "canceled", failureReason(context.Canceled))
	assert.Equal(t, "internal", failureReason(errors.New("boom")))
}
