package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

const (
	ArtifactTypeRepository = "repository"
	ArtifactTypeZip        = "zip"
	ArtifactTypePDF        = "pdf"
	ArtifactTypeDoc        = "doc"
	ArtifactTypeText       = "text"
)

const (
	StorageTypeObject = "object"
	StorageTypeInline = "inline"
)

// Artifact is a typed attachment owned by one chat session. Bytes of new
// artifacts live in the storage backend; older rows may still carry them
// inline in InlineFiles or InlineContent.
type Artifact struct {
	ID            string         `gorm:"primaryKey;size:36" json:"id"`
	SessionID     uint           `gorm:"not null;index" json:"session_id"`
	UserID        uint           `gorm:"not null;index" json:"user_id"`
	Type          string         `gorm:"size:16;not null" json:"type"`
	Name          string         `gorm:"size:256;not null" json:"name"`
	Source        string         `gorm:"size:1024;not null" json:"source"`
	Size          int64          `gorm:"not null;default:0" json:"size"`
	Metadata      datatypes.JSON `json:"metadata"`
	InlineFiles   datatypes.JSON `json:"-"`
	InlineContent *string        `gorm:"type:longtext" json:"-"`
	Deleted       bool           `gorm:"not null;default:false;index" json:"-"`
	DeletedAt     *time.Time     `json:"-"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func ValidArtifactType(t string) bool {
	switch t {
	case ArtifactTypeRepository, ArtifactTypeZip, ArtifactTypePDF, ArtifactTypeDoc, ArtifactTypeText:
		return true
	}
	return false
}

// FileRecord is one file of an artifact. Content is omitted in listings.
type FileRecord struct {
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
	Size    int64  `json:"size"`
}

type RepositoryMetadata struct {
	Host  string `json:"host"`
	Owner string `json:"owner"`
	Name  string `json:"name"`
	URL   string `json:"url"`
}

type UploadMetadata struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

// ArtifactMetadata is the decoded form of Artifact.Metadata. At most one of
// Repository and Upload is set, chosen by the artifact type. Keys this type
// does not know about are kept in Extra so older rows survive a rewrite.
type ArtifactMetadata struct {
	StorageType  string              `json:"storage_type"`
	StoragePath  string              `json:"storage_path,omitempty"`
	TotalFiles   int                 `json:"total_files"`
	StoredFiles  int                 `json:"stored_files"`
	Truncated    bool                `json:"truncated"`
	DroppedFiles int                 `json:"dropped_files"`
	Repository   *RepositoryMetadata `json:"repository,omitempty"`
	Upload       *UploadMetadata     `json:"upload,omitempty"`
	Extra        map[string]string   `json:"extra,omitempty"`
}

var metadataKnownKeys = map[string]struct{}{
	"storage_type":  {},
	"storage_path":  {},
	"total_files":   {},
	"stored_files":  {},
	"truncated":     {},
	"dropped_files": {},
	"repository":    {},
	"upload":        {},
	"extra":         {},
}

// ReservedMetadataKey reports whether key belongs to the typed part of the
// metadata and therefore cannot be set through a free-form patch.
func ReservedMetadataKey(key string) bool {
	_, ok := metadataKnownKeys[key]
	return ok
}

func (m *ArtifactMetadata) UnmarshalJSON(data []byte) error {
	type plain ArtifactMetadata
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		if ReservedMetadataKey(k) {
			continue
		}
		if decoded.Extra == nil {
			decoded.Extra = make(map[string]string)
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			decoded.Extra[k] = s
		} else {
			decoded.Extra[k] = string(v)
		}
	}
	*m = ArtifactMetadata(decoded)
	return nil
}

func (a *Artifact) DecodeMetadata() (ArtifactMetadata, error) {
	var m ArtifactMetadata
	if len(a.Metadata) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(a.Metadata, &m); err != nil {
		return m, fmt.Errorf("decode artifact metadata failed: %w", err)
	}
	return m, nil
}

func (a *Artifact) SetMetadata(m ArtifactMetadata) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode artifact metadata failed: %w", err)
	}
	a.Metadata = datatypes.JSON(b)
	return nil
}

// ContentLocator tells readers where an artifact's files live.
type ContentLocator interface {
	isContentLocator()
}

type InlineLocator struct {
	Files []FileRecord
}

type ExternalLocator struct {
	ArtifactID string
}

func (InlineLocator) isContentLocator()   {}
func (ExternalLocator) isContentLocator() {}

var ErrNoContent = errors.New("artifact has no content")

func (a *Artifact) Locator() (ContentLocator, error) {
	meta, err := a.DecodeMetadata()
	if err != nil {
		return nil, err
	}
	if meta.StorageType == StorageTypeObject {
		return ExternalLocator{ArtifactID: a.ID}, nil
	}

	var files []FileRecord
	if len(a.InlineFiles) > 0 {
		if err := json.Unmarshal(a.InlineFiles, &files); err != nil {
			return nil, fmt.Errorf("decode inline files failed: %w", err)
		}
	}
	if len(files) == 0 && a.InlineContent != nil {
		files = []FileRecord{{
			Path:    a.Name,
			Content: *a.InlineContent,
			Size:    int64(len(*a.InlineContent)),
		}}
	}
	if len(files) == 0 {
		return nil, ErrNoContent
	}
	return InlineLocator{Files: files}, nil
}
