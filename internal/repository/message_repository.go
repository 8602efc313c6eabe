package repository

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"gopherai-context/internal/model"
)

type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Create inserts the message and bumps the owning session's counters in the
// same transaction.
func (r *MessageRepository) Create(message *model.Message) error {
	err := r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(message).Error; err != nil {
			return err
		}
		at := message.CreatedAt
		if at.IsZero() {
			at = time.Now()
		}
		return tx.Model(&model.Session{}).
			Where("id = ?", message.SessionID).
			Updates(map[string]any{
				"message_count":   gorm.Expr("message_count + 1"),
				"last_message_at": at,
				"updated_at":      time.Now(),
			}).Error
	})
	if err != nil {
		return fmt.Errorf("create message failed: %w", err)
	}
	return nil
}

func (r *MessageRepository) ListBySessionID(sessionID uint, limit int) ([]model.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}

	var messages []model.Message
	if err := r.db.Where("session_id = ? AND deleted = ?", sessionID, false).
		Order("created_at ASC, id ASC").Limit(limit).Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("list messages failed: %w", err)
	}
	return messages, nil
}

// ListRecentBySessionID returns the newest limit messages, oldest first.
func (r *MessageRepository) ListRecentBySessionID(sessionID uint, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 20
	}

	var messages []model.Message
	if err := r.db.Where("session_id = ? AND deleted = ?", sessionID, false).
		Order("created_at DESC, id DESC").Limit(limit).Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("list recent messages failed: %w", err)
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// SoftDelete hides one message. It reports false when nothing matched.
func (r *MessageRepository) SoftDelete(messageID, sessionID uint) (bool, error) {
	res := r.db.Model(&model.Message{}).
		Where("id = ? AND session_id = ? AND deleted = ?", messageID, sessionID, false).
		Update("deleted", true)
	if res.Error != nil {
		return false, fmt.Errorf("delete message failed: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *MessageRepository) SoftDeleteBySessionID(sessionID uint) error {
	if err := r.db.Model(&model.Message{}).
		Where("session_id = ? AND deleted = ?", sessionID, false).
		Update("deleted", true).Error; err != nil {
		return fmt.Errorf("delete session messages failed: %w", err)
	}
	return nil
}
