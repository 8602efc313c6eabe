package repository

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"gopherai-context/internal/model"
)

type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) Create(user *model.User) error {
	if err := r.db.Create(user).Error; err != nil {
		return fmt.Errorf("create user failed: %w", err)
	}
	return nil
}

func (r *UserRepository) GetByUsername(username string) (*model.User, error) {
	return r.first("query user by username", "username = ?", username)
}

func (r *UserRepository) GetByEmail(email string) (*model.User, error) {
	return r.first("query user by email", "email = ?", strings.ToLower(email))
}

// GetByUsernameOrEmail treats identifiers containing "@" as email addresses.
func (r *UserRepository) GetByUsernameOrEmail(identifier string) (*model.User, error) {
	if strings.Contains(identifier, "@") {
		return r.GetByEmail(identifier)
	}
	return r.GetByUsername(identifier)
}

func (r *UserRepository) GetByID(id uint) (*model.User, error) {
	return r.first("query user by id", "id = ?", id)
}

func (r *UserRepository) first(op, query string, args ...any) (*model.User, error) {
	var user model.User
	if err := r.db.Where(query, args...).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}
	return &user, nil
}
