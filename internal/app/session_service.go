package app

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"gopherai-context/internal/model"
	"gopherai-context/internal/repository"
)

// ArtifactCascader removes every artifact of a session.
type ArtifactCascader interface {
	CascadeDeleteForSession(ctx context.Context, sessionID uint) (int64, error)
}

type HistoryPurger interface {
	Purge(ctx context.Context, sessionID uint) error
}

type SessionService struct {
	sessionRepo *repository.SessionRepository
	messageRepo *repository.MessageRepository
	artifacts   ArtifactCascader
	history     HistoryPurger
	log         *zap.Logger
}

type CreateSessionInput struct {
	UserID uint
	Title  string
}

type DeleteSessionResult struct {
	DeletedSessionID  uint  `json:"deleted_session_id"`
	ArtifactsDisabled int64 `json:"artifacts_disabled"`
}

func NewSessionService(
	sessionRepo *repository.SessionRepository,
	messageRepo *repository.MessageRepository,
	artifacts ArtifactCascader,
	history HistoryPurger,
	log *zap.Logger,
) *SessionService {
	return &SessionService{
		sessionRepo: sessionRepo,
		messageRepo: messageRepo,
		artifacts:   artifacts,
		history:     history,
		log:         log.With(zap.String("component", "session_service")),
	}
}

// authorizeSession is the ownership check every session-scoped operation
// goes through. A deleted session is reported as missing.
func authorizeSession(repo *repository.SessionRepository, userID, sessionID uint) (*model.Session, error) {
	if userID == 0 || sessionID == 0 {
		return nil, ErrInvalidInput
	}
	session, err := repo.GetActiveByID(sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	if session.UserID != userID {
		return nil, ErrForbidden
	}
	return session, nil
}

func (s *SessionService) Authorize(userID, sessionID uint) (*model.Session, error) {
	return authorizeSession(s.sessionRepo, userID, sessionID)
}

func (s *SessionService) Create(input CreateSessionInput) (*model.Session, error) {
	if input.UserID == 0 {
		return nil, ErrInvalidInput
	}

	title := strings.TrimSpace(input.Title)
	if title == "" {
		title = "New Chat"
	}

	session := &model.Session{
		UserID: input.UserID,
		Title:  title,
	}
	if err := s.sessionRepo.Create(session); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *SessionService) List(userID uint) ([]model.Session, error) {
	if userID == 0 {
		return nil, ErrInvalidInput
	}
	return s.sessionRepo.ListByUserID(userID)
}

func (s *SessionService) Rename(userID, sessionID uint, title string) (*model.Session, error) {
	session, err := s.Authorize(userID, sessionID)
	if err != nil {
		return nil, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ErrInvalidInput
	}
	if err := s.sessionRepo.UpdateTitle(sessionID, title); err != nil {
		return nil, err
	}
	session.Title = title
	session.UpdatedAt = time.Now()
	return session, nil
}

// Delete soft-deletes the session, its messages and its artifacts.
func (s *SessionService) Delete(ctx context.Context, userID, sessionID uint) (*DeleteSessionResult, error) {
	if _, err := s.Authorize(userID, sessionID); err != nil {
		return nil, err
	}

	// The session flips first so artifact creates still in flight are
	// refused at insert time; anything inserted before the flip is cascaded.
	if err := s.sessionRepo.SoftDelete(sessionID, time.Now()); err != nil {
		return nil, err
	}
	var disabled int64
	if s.artifacts != nil {
		n, err := s.artifacts.CascadeDeleteForSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		disabled = n
	}
	if err := s.messageRepo.SoftDeleteBySessionID(sessionID); err != nil {
		return nil, err
	}
	if s.history != nil {
		if err := s.history.Purge(ctx, sessionID); err != nil {
			s.log.Warn("drop history cache failed", zap.Uint("session_id", sessionID), zap.Error(err))
		}
	}

	s.log.Info("session deleted",
		zap.Uint("session_id", sessionID),
		zap.Int64("artifacts_disabled", disabled))
	return &DeleteSessionResult{DeletedSessionID: sessionID, ArtifactsDisabled: disabled}, nil
}
