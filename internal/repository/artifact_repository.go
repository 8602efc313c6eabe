package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gopherai-context/internal/model"
)

type ArtifactRepository struct {
	db *gorm.DB
}

func NewArtifactRepository(db *gorm.DB) *ArtifactRepository {
	return &ArtifactRepository{db: db}
}

// CreateInActiveSession inserts the row only while the owning session is
// still active. The session row stays locked until commit, so a concurrent
// session delete either sees this artifact in its cascade or makes the insert
// report false.
func (r *ArtifactRepository) CreateInActiveSession(ctx context.Context, artifact *model.Artifact) (bool, error) {
	created := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session model.Session
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND user_id = ? AND deleted = ?", artifact.SessionID, artifact.UserID, false).
			First(&session).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.Create(artifact).Error; err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("create artifact failed: %w", err)
	}
	return created, nil
}

// Save writes every mutable column of the row.
func (r *ArtifactRepository) Save(ctx context.Context, artifact *model.Artifact) error {
	if err := r.db.WithContext(ctx).Model(artifact).
		Select("name", "size", "metadata", "updated_at").
		Updates(artifact).Error; err != nil {
		return fmt.Errorf("save artifact failed: %w", err)
	}
	return nil
}

func (r *ArtifactRepository) GetActive(ctx context.Context, artifactID string, sessionID uint) (*model.Artifact, error) {
	var artifact model.Artifact
	if err := r.db.WithContext(ctx).
		Where("id = ? AND session_id = ? AND deleted = ?", artifactID, sessionID, false).
		First(&artifact).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get artifact failed: %w", err)
	}
	return &artifact, nil
}

// GetAny includes soft-deleted rows.
func (r *ArtifactRepository) GetAny(ctx context.Context, artifactID string, sessionID uint) (*model.Artifact, error) {
	var artifact model.Artifact
	if err := r.db.WithContext(ctx).
		Where("id = ? AND session_id = ?", artifactID, sessionID).
		First(&artifact).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get artifact failed: %w", err)
	}
	return &artifact, nil
}

func (r *ArtifactRepository) ListActiveBySessionID(ctx context.Context, sessionID uint) ([]model.Artifact, error) {
	var artifacts []model.Artifact
	if err := r.db.WithContext(ctx).
		Where("session_id = ? AND deleted = ?", sessionID, false).
		Order("created_at DESC").
		Find(&artifacts).Error; err != nil {
		return nil, fmt.Errorf("list artifacts failed: %w", err)
	}
	return artifacts, nil
}

// SoftDelete flips the deleted flag. It reports false when the row was
// already deleted or does not exist.
func (r *ArtifactRepository) SoftDelete(ctx context.Context, artifactID string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.Artifact{}).
		Where("id = ? AND deleted = ?", artifactID, false).
		Updates(map[string]any{"deleted": true, "deleted_at": at})
	if res.Error != nil {
		return false, fmt.Errorf("soft delete artifact failed: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// SoftDeleteBySessionID marks every active artifact of the session deleted
// and returns the ids it flipped.
func (r *ArtifactRepository) SoftDeleteBySessionID(ctx context.Context, sessionID uint, at time.Time) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.Artifact{}).
			Where("session_id = ? AND deleted = ?", sessionID, false).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		return tx.Model(&model.Artifact{}).
			Where("id IN ? AND deleted = ?", ids, false).
			Updates(map[string]any{"deleted": true, "deleted_at": at}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("cascade delete artifacts failed: %w", err)
	}
	return ids, nil
}
