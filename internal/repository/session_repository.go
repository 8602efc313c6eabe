package repository

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"gopherai-context/internal/model"
)

type SessionRepository struct {
	db *gorm.DB
}

func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) Create(session *model.Session) error {
	if err := r.db.Create(session).Error; err != nil {
		return fmt.Errorf("create session failed: %w", err)
	}
	return nil
}

func (r *SessionRepository) ListByUserID(userID uint) ([]model.Session, error) {
	var sessions []model.Session
	if err := r.db.Where("user_id = ? AND deleted = ?", userID, false).
		Order("updated_at DESC").Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("list sessions failed: %w", err)
	}
	return sessions, nil
}

// GetActiveByID ignores ownership so callers can tell a missing session from
// somebody else's.
func (r *SessionRepository) GetActiveByID(sessionID uint) (*model.Session, error) {
	var session model.Session
	if err := r.db.Where("id = ? AND deleted = ?", sessionID, false).First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session failed: %w", err)
	}
	return &session, nil
}

func (r *SessionRepository) GetByIDAndUserID(sessionID, userID uint) (*model.Session, error) {
	var session model.Session
	if err := r.db.Where("id = ? AND user_id = ? AND deleted = ?", sessionID, userID, false).
		First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session failed: %w", err)
	}
	return &session, nil
}

func (r *SessionRepository) UpdateTitle(sessionID uint, title string) error {
	if err := r.db.Model(&model.Session{}).Where("id = ?", sessionID).
		Updates(map[string]any{"title": title, "updated_at": time.Now()}).Error; err != nil {
		return fmt.Errorf("update session failed: %w", err)
	}
	return nil
}

func (r *SessionRepository) SoftDelete(sessionID uint, at time.Time) error {
	if err := r.db.Model(&model.Session{}).
		Where("id = ? AND deleted = ?", sessionID, false).
		Updates(map[string]any{"deleted": true, "deleted_at": at}).Error; err != nil {
		return fmt.Errorf("delete session failed: %w", err)
	}
	return nil
}
