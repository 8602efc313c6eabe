package model

import "time"

type Session struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	UserID        uint       `gorm:"not null;index" json:"user_id"`
	Title         string     `gorm:"size:128;not null" json:"title"`
	MessageCount  int        `gorm:"not null;default:0" json:"message_count"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	Deleted       bool       `gorm:"not null;default:false;index" json:"-"`
	DeletedAt     *time.Time `json:"-"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}
