package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gopherai-context/internal/config"
	"gopherai-context/internal/ingest"
	"gopherai-context/internal/metrics"
	"gopherai-context/internal/model"
	"gopherai-context/internal/pkg/pdfextract"
	"gopherai-context/internal/repository"
	"gopherai-context/internal/source"
	"gopherai-context/internal/storage"
)

const (
	defaultFilePageLimit = 100
	maxFilePageLimit     = 500
)

// StoragePurger schedules a background retry of storage.DeleteAll.
type StoragePurger interface {
	EnqueuePurge(ctx context.Context, artifactID string) error
}

type ArtifactService struct {
	sessionRepo  *repository.SessionRepository
	artifactRepo *repository.ArtifactRepository
	store        storage.Backend
	purger       StoragePurger
	metrics      *metrics.Collector
	limits       config.ArtifactConfig
	log          *zap.Logger

	now   func() time.Time
	newID func() string
}

func NewArtifactService(
	sessionRepo *repository.SessionRepository,
	artifactRepo *repository.ArtifactRepository,
	store storage.Backend,
	purger StoragePurger,
	collector *metrics.Collector,
	limits config.ArtifactConfig,
	log *zap.Logger,
) *ArtifactService {
	return &ArtifactService{
		sessionRepo:  sessionRepo,
		artifactRepo: artifactRepo,
		store:        store,
		purger:       purger,
		metrics:      collector,
		limits:       limits,
		log:          log.With(zap.String("component", "artifact_service")),
		now:          time.Now,
		newID:        uuid.NewString,
	}
}

type CreateArtifactInput struct {
	UserID     uint
	SessionID  uint
	Type       string
	Name       string
	Source     string
	Acquirer   source.Acquirer
	Repository *model.RepositoryMetadata
	Upload     *model.UploadMetadata
}

type RepositoryInput struct {
	UserID    uint
	SessionID uint
	Name      string
	URL       string
}

type UploadInput struct {
	UserID      uint
	SessionID   uint
	Name        string
	Filename    string
	ContentType string
	Data        []byte
}

type UpdateArtifactInput struct {
	UserID     uint
	SessionID  uint
	ArtifactID string
	Name       *string
	// Metadata is merged into the free-form part of the artifact metadata.
	// A nil value removes the key.
	Metadata map[string]any
}

type FilePage struct {
	ArtifactID   string          `json:"artifact_id"`
	ArtifactName string          `json:"artifact_name"`
	ArtifactType string          `json:"artifact_type"`
	TotalFiles   int             `json:"total_files"`
	Offset       int             `json:"offset"`
	Limit        int             `json:"limit"`
	Files        []storage.Entry `json:"files"`
}

type Download struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.ReadCloser
}

// Create authorizes the session and ingests the source.
func (s *ArtifactService) Create(ctx context.Context, in CreateArtifactInput) (*model.Artifact, error) {
	if _, err := authorizeSession(s.sessionRepo, in.UserID, in.SessionID); err != nil {
		return nil, err
	}
	return s.create(ctx, in)
}

func (s *ArtifactService) CreateFromRepository(ctx context.Context, in RepositoryInput) (*model.Artifact, error) {
	if _, err := authorizeSession(s.sessionRepo, in.UserID, in.SessionID); err != nil {
		return nil, err
	}
	info, err := source.ParseRepositoryURL(in.URL)
	if err != nil {
		s.metrics.RecordArtifactFailure(model.ArtifactTypeRepository, failureReason(err))
		return nil, err
	}

	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = info.Name
	}
	return s.create(ctx, CreateArtifactInput{
		UserID:    in.UserID,
		SessionID: in.SessionID,
		Type:      model.ArtifactTypeRepository,
		Name:      name,
		Source:    info.URL,
		Acquirer: source.RepositoryAcquirer{
			URL:        info.URL,
			GitBinary:  s.limits.GitBinary,
			ScratchDir: s.limits.ScratchDir,
			Timeout:    s.limits.CloneTimeout(),
			SkipDir:    ingest.IsIgnoredDir,
		},
		Repository: &model.RepositoryMetadata{
			Host:  info.Host,
			Owner: info.Owner,
			Name:  info.Name,
			URL:   info.URL,
		},
	})
}

func (s *ArtifactService) CreateFromUpload(ctx context.Context, in UploadInput) (*model.Artifact, error) {
	if _, err := authorizeSession(s.sessionRepo, in.UserID, in.SessionID); err != nil {
		return nil, err
	}
	filename := path.Base(strings.ReplaceAll(strings.TrimSpace(in.Filename), `\`, "/"))
	kind, err := source.ClassifyUpload(filename)
	if err != nil {
		s.metrics.RecordArtifactFailure("upload", failureReason(err))
		return nil, err
	}

	contentType := strings.TrimSpace(in.ContentType)
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = source.DetectContentType(in.Data)
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = filename
	}

	return s.create(ctx, CreateArtifactInput{
		UserID:    in.UserID,
		SessionID: in.SessionID,
		Type:      kind,
		Name:      name,
		Source:    filename,
		Acquirer: source.UploadAcquirer{
			Filename: filename,
			Data:     in.Data,
			Limits: source.Limits{
				MaxUploadBytes:      s.limits.MaxUploadBytes,
				MaxFileBytes:        s.limits.MaxFileBytes,
				MaxUnpackedBytes:    s.limits.MaxUnpackedBytes,
				MaxCompressionRatio: s.limits.MaxCompressionRatio,
			},
		},
		Upload: &model.UploadMetadata{Filename: filename, ContentType: contentType},
	})
}

// create runs acquire, filter and store, then writes the record in a single
// insert. Bytes are keyed by an id nobody has seen yet, so a failure at any
// step leaves nothing visible; the stored bytes are removed on the way out.
func (s *ArtifactService) create(ctx context.Context, in CreateArtifactInput) (*model.Artifact, error) {
	name := strings.TrimSpace(in.Name)
	if !model.ValidArtifactType(in.Type) || name == "" || in.Acquirer == nil {
		return nil, ErrInvalidInput
	}
	log := s.log.With(zap.String("type", in.Type), zap.Uint("session_id", in.SessionID))
	started := s.now()

	src, err := in.Acquirer.Acquire(ctx)
	if err != nil {
		s.metrics.RecordArtifactFailure(in.Type, failureReason(err))
		log.Warn("acquire source failed", zap.String("source", in.Source), zap.Error(err))
		return nil, err
	}
	defer func() {
		if err := src.Close(); err != nil {
			log.Warn("release source failed", zap.Error(err))
		}
	}()

	id := s.newID()
	wrote := false
	limits := ingest.Limits{
		MaxFileBytes: s.limits.MaxFileBytes,
		MaxFiles:     s.limits.MaxFiles,
		Passthrough:  in.Type != model.ArtifactTypeRepository && in.Type != model.ArtifactTypeZip,
	}
	res, err := ingest.Filter(ctx, src.Entries(ctx), limits, func(ctx context.Context, f ingest.File) error {
		wrote = true
		_, err := s.store.Put(ctx, id, f.Path, bytes.NewReader(f.Content))
		return err
	})
	if err != nil {
		s.metrics.RecordArtifactFailure(in.Type, failureReason(err))
		if wrote {
			s.rollback(ctx, id, log)
		}
		log.Warn("ingest failed", zap.String("artifact_id", id), zap.Error(err))
		return nil, err
	}

	artifact := &model.Artifact{
		ID:        id,
		SessionID: in.SessionID,
		UserID:    in.UserID,
		Type:      in.Type,
		Name:      name,
		Source:    in.Source,
		Size:      res.Stats.TotalSize,
	}
	meta := model.ArtifactMetadata{
		StorageType:  model.StorageTypeObject,
		StoragePath:  "artifacts/" + id,
		TotalFiles:   res.Stats.TotalFiles,
		StoredFiles:  res.Stats.StoredFiles,
		Truncated:    res.Stats.Truncated,
		DroppedFiles: res.Stats.Dropped(),
		Repository:   in.Repository,
		Upload:       in.Upload,
	}
	if err := artifact.SetMetadata(meta); err != nil {
		s.rollback(ctx, id, log)
		return nil, err
	}
	created, err := s.artifactRepo.CreateInActiveSession(ctx, artifact)
	if err != nil {
		s.metrics.RecordArtifactFailure(in.Type, "record")
		s.rollback(ctx, id, log)
		return nil, err
	}
	if !created {
		// The session went away while the source was being ingested.
		s.metrics.RecordArtifactFailure(in.Type, "session_gone")
		s.rollback(ctx, id, log)
		log.Warn("session deleted during ingest", zap.String("artifact_id", id))
		return nil, ErrSessionNotFound
	}

	s.recordIngest(in.Type, res.Stats, s.now().Sub(started))
	log.Info("artifact created",
		zap.String("artifact_id", id),
		zap.Int("stored_files", res.Stats.StoredFiles),
		zap.Int("total_files", res.Stats.TotalFiles),
		zap.Bool("truncated", res.Stats.Truncated),
		zap.Int64("size", res.Stats.TotalSize))
	return artifact, nil
}

func (s *ArtifactService) rollback(ctx context.Context, artifactID string, log *zap.Logger) {
	s.metrics.RecordRollback()
	s.purge(context.WithoutCancel(ctx), artifactID, log)
}

// purge removes stored bytes, falling back to the background queue.
func (s *ArtifactService) purge(ctx context.Context, artifactID string, log *zap.Logger) {
	err := s.store.DeleteAll(ctx, artifactID)
	if err == nil {
		return
	}
	log.Error("delete artifact bytes failed", zap.String("artifact_id", artifactID), zap.Error(err))
	if s.purger == nil {
		return
	}
	if qerr := s.purger.EnqueuePurge(ctx, artifactID); qerr != nil {
		log.Error("enqueue storage purge failed", zap.String("artifact_id", artifactID), zap.Error(qerr))
	}
}

func (s *ArtifactService) recordIngest(artifactType string, st ingest.Stats, d time.Duration) {
	s.metrics.RecordArtifactCreated(artifactType, st.StoredFiles, d)
	s.metrics.RecordDropped("oversize", st.DroppedOversize)
	s.metrics.RecordDropped("extension", st.DroppedExtension)
	s.metrics.RecordDropped("ignored_dir", st.DroppedIgnored)
	s.metrics.RecordDropped("invalid_path", st.DroppedInvalidPath)
	s.metrics.RecordDropped("duplicate", st.DroppedDuplicate)
	s.metrics.RecordDropped("suspicious", st.DroppedSuspicious)
	s.metrics.RecordDropped("cap", st.TotalFiles-st.StoredFiles)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidSource):
		return "invalid_source"
	case errors.Is(err, ErrUploadTooLarge):
		return "upload_too_large"
	case errors.Is(err, ErrInvalidFormat):
		return "invalid_format"
	case errors.Is(err, ErrAcquisitionFailed):
		return "acquisition_failed"
	case errors.Is(err, ErrEmptyArtifact):
		return "empty"
	case errors.Is(err, ErrInvalidPath):
		return "invalid_path"
	case errors.Is(err, ErrStorageIO):
		return "storage_io"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "internal"
}

func (s *ArtifactService) load(ctx context.Context, userID, sessionID uint, artifactID string) (*model.Artifact, error) {
	if _, err := authorizeSession(s.sessionRepo, userID, sessionID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(artifactID) == "" {
		return nil, ErrArtifactNotFound
	}
	artifact, err := s.artifactRepo.GetActive(ctx, artifactID, sessionID)
	if err != nil {
		return nil, err
	}
	if artifact == nil {
		return nil, ErrArtifactNotFound
	}
	return artifact, nil
}

func (s *ArtifactService) Get(ctx context.Context, userID, sessionID uint, artifactID string) (*model.Artifact, error) {
	return s.load(ctx, userID, sessionID, artifactID)
}

// List returns the session's live artifacts, newest first.
func (s *ArtifactService) List(ctx context.Context, userID, sessionID uint) ([]model.Artifact, error) {
	if _, err := authorizeSession(s.sessionRepo, userID, sessionID); err != nil {
		return nil, err
	}
	return s.artifactRepo.ListActiveBySessionID(ctx, sessionID)
}

// Update changes the name and the free-form metadata keys. Type, source,
// session and owner are never touched.
func (s *ArtifactService) Update(ctx context.Context, in UpdateArtifactInput) (*model.Artifact, error) {
	if _, err := authorizeSession(s.sessionRepo, in.UserID, in.SessionID); err != nil {
		return nil, err
	}
	if in.Name == nil && len(in.Metadata) == 0 {
		return nil, ErrNoFieldsToUpdate
	}
	for k := range in.Metadata {
		if strings.TrimSpace(k) == "" || model.ReservedMetadataKey(k) {
			return nil, fmt.Errorf("%w: metadata key %q is reserved", ErrInvalidInput, k)
		}
	}

	artifact, err := s.artifactRepo.GetActive(ctx, in.ArtifactID, in.SessionID)
	if err != nil {
		return nil, err
	}
	if artifact == nil {
		return nil, ErrArtifactNotFound
	}

	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: name is empty", ErrInvalidInput)
		}
		artifact.Name = name
	}
	if len(in.Metadata) > 0 {
		meta, err := artifact.DecodeMetadata()
		if err != nil {
			return nil, err
		}
		if meta.Extra == nil {
			meta.Extra = make(map[string]string, len(in.Metadata))
		}
		for k, v := range in.Metadata {
			if v == nil {
				delete(meta.Extra, k)
				continue
			}
			meta.Extra[k] = stringifyMetadata(v)
		}
		if len(meta.Extra) == 0 {
			meta.Extra = nil
		}
		if err := artifact.SetMetadata(meta); err != nil {
			return nil, err
		}
	}

	artifact.UpdatedAt = s.now()
	if err := s.artifactRepo.Save(ctx, artifact); err != nil {
		return nil, err
	}
	return artifact, nil
}

func stringifyMetadata(v any) string {
	if str, ok := v.(string); ok {
		return str
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// Delete soft-deletes the artifact and removes its bytes. Deleting an
// already deleted artifact succeeds. A storage failure does not fail the
// call; the purge is retried in the background.
func (s *ArtifactService) Delete(ctx context.Context, userID, sessionID uint, artifactID string) error {
	if _, err := authorizeSession(s.sessionRepo, userID, sessionID); err != nil {
		return err
	}
	artifact, err := s.artifactRepo.GetAny(ctx, artifactID, sessionID)
	if err != nil {
		return err
	}
	if artifact == nil {
		return ErrArtifactNotFound
	}
	if artifact.Deleted {
		return nil
	}

	flipped, err := s.artifactRepo.SoftDelete(ctx, artifactID, s.now())
	if err != nil {
		return err
	}
	if !flipped {
		return nil
	}
	s.metrics.RecordArtifactsDeleted(1)
	s.purge(context.WithoutCancel(ctx), artifactID, s.log)
	s.log.Info("artifact deleted", zap.String("artifact_id", artifactID), zap.Uint("session_id", sessionID))
	return nil
}

// CascadeDeleteForSession soft-deletes every live artifact of the session
// and reports how many it flipped.
func (s *ArtifactService) CascadeDeleteForSession(ctx context.Context, sessionID uint) (int64, error) {
	ids, err := s.artifactRepo.SoftDeleteBySessionID(ctx, sessionID, s.now())
	if err != nil {
		return 0, err
	}
	purgeCtx := context.WithoutCancel(ctx)
	for _, id := range ids {
		s.purge(purgeCtx, id, s.log)
	}
	s.metrics.RecordArtifactsDeleted(len(ids))
	return int64(len(ids)), nil
}

func (s *ArtifactService) ListFiles(ctx context.Context, userID, sessionID uint, artifactID string, limit, offset int) (*FilePage, error) {
	if offset < 0 || limit < 0 {
		return nil, fmt.Errorf("%w: limit and offset must not be negative", ErrInvalidInput)
	}
	if limit == 0 {
		limit = defaultFilePageLimit
	}
	if limit > maxFilePageLimit {
		limit = maxFilePageLimit
	}

	artifact, err := s.load(ctx, userID, sessionID, artifactID)
	if err != nil {
		return nil, err
	}
	locator, err := artifact.Locator()
	if err != nil {
		return nil, mapLocatorErr(err)
	}

	page := &FilePage{
		ArtifactID:   artifact.ID,
		ArtifactName: artifact.Name,
		ArtifactType: artifact.Type,
		Offset:       offset,
		Limit:        limit,
	}
	switch loc := locator.(type) {
	case model.ExternalLocator:
		entries, total, err := s.store.List(ctx, loc.ArtifactID, limit, offset)
		if err != nil {
			return nil, mapStorageErr(err)
		}
		page.Files, page.TotalFiles = entries, total
	case model.InlineLocator:
		page.TotalFiles = len(loc.Files)
		page.Files = []storage.Entry{}
		for i := offset; i < len(loc.Files) && i < offset+limit; i++ {
			page.Files = append(page.Files, storage.Entry{Path: loc.Files[i].Path, Size: loc.Files[i].Size})
		}
	}
	return page, nil
}

// GetFile returns one file's content as text. PDF artifacts are returned as
// their extracted text; size is always the stored byte size.
func (s *ArtifactService) GetFile(ctx context.Context, userID, sessionID uint, artifactID, filePath string) (*model.FileRecord, error) {
	artifact, err := s.load(ctx, userID, sessionID, artifactID)
	if err != nil {
		return nil, err
	}
	clean, err := storage.CleanRelative(filePath)
	if err != nil {
		return nil, err
	}
	locator, err := artifact.Locator()
	if err != nil {
		return nil, mapLocatorErr(err)
	}

	switch loc := locator.(type) {
	case model.ExternalLocator:
		data, err := s.store.Get(ctx, loc.ArtifactID, clean)
		if err != nil {
			return nil, mapStorageErr(err)
		}
		content, err := s.renderContent(artifact.Type, data)
		if err != nil {
			return nil, err
		}
		return &model.FileRecord{Path: clean, Content: content, Size: int64(len(data))}, nil
	case model.InlineLocator:
		for _, f := range loc.Files {
			if normalized, ok := ingest.NormalizePath(f.Path); ok && normalized == clean {
				return &model.FileRecord{Path: clean, Content: f.Content, Size: f.Size}, nil
			}
		}
	}
	return nil, ErrFileNotFound
}

func (s *ArtifactService) renderContent(artifactType string, data []byte) (string, error) {
	if artifactType == model.ArtifactTypePDF {
		text, err := pdfextract.ExtractText(data, s.limits.MaxFileBytes)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidFormat, err)
		}
		return text, nil
	}
	if utf8.Valid(data) {
		return string(data), nil
	}
	return strings.ToValidUTF8(string(data), "�"), nil
}

// Download opens the single stored file of a document upload.
func (s *ArtifactService) Download(ctx context.Context, userID, sessionID uint, artifactID string) (*Download, error) {
	artifact, err := s.load(ctx, userID, sessionID, artifactID)
	if err != nil {
		return nil, err
	}
	switch artifact.Type {
	case model.ArtifactTypePDF, model.ArtifactTypeDoc, model.ArtifactTypeText:
	default:
		return nil, ErrDownloadUnsupported
	}

	meta, err := artifact.DecodeMetadata()
	if err != nil {
		return nil, err
	}
	dl := &Download{Filename: artifact.Name, ContentType: "application/octet-stream"}
	if meta.Upload != nil {
		if meta.Upload.Filename != "" {
			dl.Filename = meta.Upload.Filename
		}
		if meta.Upload.ContentType != "" {
			dl.ContentType = meta.Upload.ContentType
		}
	}

	locator, err := artifact.Locator()
	if err != nil {
		return nil, mapLocatorErr(err)
	}
	switch loc := locator.(type) {
	case model.ExternalLocator:
		entries, _, err := s.store.List(ctx, loc.ArtifactID, 1, 0)
		if err != nil {
			return nil, mapStorageErr(err)
		}
		if len(entries) == 0 {
			return nil, ErrFileNotFound
		}
		body, size, err := s.store.Open(ctx, loc.ArtifactID, entries[0].Path)
		if err != nil {
			return nil, mapStorageErr(err)
		}
		dl.Body, dl.Size = body, size
	case model.InlineLocator:
		content := []byte(loc.Files[0].Content)
		dl.Body, dl.Size = io.NopCloser(bytes.NewReader(content)), int64(len(content))
	}
	return dl, nil
}

// ContextSummary lists a session's artifacts and a few of their paths for
// use as chat context. No authorization is done here.
func (s *ArtifactService) ContextSummary(ctx context.Context, sessionID uint, maxFiles int) (string, error) {
	artifacts, err := s.artifactRepo.ListActiveBySessionID(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if len(artifacts) == 0 {
		return "", nil
	}

	var b strings.Builder
	listed := 0
	for _, a := range artifacts {
		meta, err := a.DecodeMetadata()
		if err != nil {
			s.log.Warn("decode artifact metadata for context failed", zap.String("artifact_id", a.ID), zap.Error(err))
			continue
		}
		if listed == 0 {
			b.WriteString("Artifacts attached to this conversation:\n")
		}
		listed++
		fmt.Fprintf(&b, "- %s (%s, %d files", a.Name, a.Type, meta.StoredFiles)
		if meta.Truncated {
			fmt.Fprintf(&b, " of %d", meta.TotalFiles)
		}
		b.WriteString(")\n")
		if maxFiles <= 0 || meta.StorageType != model.StorageTypeObject {
			continue
		}
		entries, _, err := s.store.List(ctx, a.ID, maxFiles, 0)
		if err != nil {
			s.log.Warn("list artifact files for context failed", zap.String("artifact_id", a.ID), zap.Error(err))
			continue
		}
		for _, e := range entries {
			fmt.Fprintf(&b, "  - %s\n", e.Path)
		}
	}
	return b.String(), nil
}

func mapStorageErr(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrFileNotFound, err)
	}
	return err
}

func mapLocatorErr(err error) error {
	if errors.Is(err, model.ErrNoContent) {
		return ErrFileNotFound
	}
	return err
}
