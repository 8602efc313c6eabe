package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"gopherai-context/internal/llm"
	"gopherai-context/internal/model"
	"gopherai-context/internal/repository"
)

var (
	ErrMessageEmpty    = errors.New("message content is empty")
	ErrMessageNotFound = errors.New("message not found")
	ErrMessageEnqueue  = errors.New("message enqueue failed")
	ErrLLMRequest      = errors.New("llm request failed")
)

const systemPrompt = "You are a concise and helpful AI assistant. " +
	"When the user refers to attached files, use the artifact list below as context."

type ChatService struct {
	sessionRepo     *repository.SessionRepository
	messageRepo     *repository.MessageRepository
	publisher       AsyncMessagePublisher
	historyCache    HistoryCache
	completer       Completer
	summarizer      ContextSummarizer
	maxContext      int
	maxContextFiles int
	log             *zap.Logger
}

type AsyncMessagePublisher interface {
	Publish(ctx context.Context, msg model.Message) error
}

type HistoryCache interface {
	GetHistory(ctx context.Context, sessionID uint) ([]model.Message, bool, error)
	SetHistory(ctx context.Context, sessionID uint, messages []model.Message) error
	DeleteHistory(ctx context.Context, sessionID uint) error
	MarkDirty(ctx context.Context, sessionID uint) error
	IsDirty(ctx context.Context, sessionID uint) (bool, error)
}

type Completer interface {
	Complete(ctx context.Context, messages []llm.Message) (string, error)
}

// ContextSummarizer describes a session's artifacts for the prompt.
type ContextSummarizer interface {
	ContextSummary(ctx context.Context, sessionID uint, maxFiles int) (string, error)
}

type ChatOptions struct {
	MaxContextMessages int
	MaxContextFiles    int
}

type SendMessageInput struct {
	UserID    uint
	SessionID uint
	Content   string
}

type SendMessageResult struct {
	Messages []model.Message `json:"messages"`
	// Replied is false when no model is configured and only the user
	// message was recorded.
	Replied bool `json:"replied"`
}

func NewChatService(
	sessionRepo *repository.SessionRepository,
	messageRepo *repository.MessageRepository,
	publisher AsyncMessagePublisher,
	historyCache HistoryCache,
	completer Completer,
	summarizer ContextSummarizer,
	opts ChatOptions,
	log *zap.Logger,
) *ChatService {
	if opts.MaxContextMessages <= 0 {
		opts.MaxContextMessages = 20
	}
	return &ChatService{
		sessionRepo:     sessionRepo,
		messageRepo:     messageRepo,
		publisher:       publisher,
		historyCache:    historyCache,
		completer:       completer,
		summarizer:      summarizer,
		maxContext:      opts.MaxContextMessages,
		maxContextFiles: opts.MaxContextFiles,
		log:             log.With(zap.String("component", "chat_service")),
	}
}

func (s *ChatService) SendMessage(ctx context.Context, input SendMessageInput) (*SendMessageResult, error) {
	content := strings.TrimSpace(input.Content)
	if _, err := authorizeSession(s.sessionRepo, input.UserID, input.SessionID); err != nil {
		return nil, err
	}
	if content == "" {
		return nil, ErrMessageEmpty
	}
	if s.publisher == nil {
		return nil, ErrMessageEnqueue
	}

	prompt, err := s.buildPromptMessages(ctx, input.SessionID, content)
	if err != nil {
		return nil, err
	}

	userMessage := model.Message{
		SessionID: input.SessionID,
		UserID:    input.UserID,
		Role:      model.RoleUser,
		Content:   content,
		CreatedAt: time.Now(),
	}
	if err := s.enqueue(ctx, userMessage); err != nil {
		return nil, err
	}
	result := &SendMessageResult{Messages: []model.Message{userMessage}}

	if s.completer == nil {
		return result, nil
	}
	reply, err := s.completer.Complete(ctx, prompt)
	if errors.Is(err, llm.ErrNotConfigured) {
		return result, nil
	}
	if err != nil {
		s.log.Warn("llm completion failed", zap.Uint("session_id", input.SessionID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrLLMRequest, err)
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		reply = "The model returned an empty response."
	}

	assistantMessage := model.Message{
		SessionID: input.SessionID,
		UserID:    input.UserID,
		Role:      model.RoleAssistant,
		Content:   reply,
		CreatedAt: time.Now(),
	}
	if err := s.enqueue(ctx, assistantMessage); err != nil {
		return nil, err
	}
	result.Messages = append(result.Messages, assistantMessage)
	result.Replied = true
	return result, nil
}

func (s *ChatService) enqueue(ctx context.Context, msg model.Message) error {
	s.invalidate(ctx, msg.SessionID, true)
	if err := s.publisher.Publish(ctx, msg); err != nil {
		s.log.Error("publish message failed", zap.Uint("session_id", msg.SessionID), zap.Error(err))
		return ErrMessageEnqueue
	}
	return nil
}

// invalidate drops the cached history. Marking it dirty keeps readers off
// the cache until the persist worker has caught up.
func (s *ChatService) invalidate(ctx context.Context, sessionID uint, markDirty bool) {
	if s.historyCache == nil {
		return
	}
	if markDirty {
		if err := s.historyCache.MarkDirty(ctx, sessionID); err != nil {
			s.log.Warn("mark history dirty failed", zap.Uint("session_id", sessionID), zap.Error(err))
		}
	}
	if err := s.historyCache.DeleteHistory(ctx, sessionID); err != nil {
		s.log.Warn("drop history cache failed", zap.Uint("session_id", sessionID), zap.Error(err))
	}
}

func (s *ChatService) GetHistory(ctx context.Context, userID, sessionID uint, limit int) ([]model.Message, error) {
	if _, err := authorizeSession(s.sessionRepo, userID, sessionID); err != nil {
		return nil, err
	}

	if s.historyCache != nil {
		dirty, err := s.historyCache.IsDirty(ctx, sessionID)
		if err == nil && !dirty {
			if cached, hit, cacheErr := s.historyCache.GetHistory(ctx, sessionID); cacheErr == nil && hit {
				return trimMessages(cached, limit), nil
			}
		}
	}

	// The full history is cached; the limit is applied on the way out.
	messages, err := s.messageRepo.ListBySessionID(sessionID, 0)
	if err != nil {
		return nil, err
	}
	if s.historyCache != nil {
		if dirty, dirtyErr := s.historyCache.IsDirty(ctx, sessionID); dirtyErr == nil && !dirty {
			if err := s.historyCache.SetHistory(ctx, sessionID, messages); err != nil {
				s.log.Warn("fill history cache failed", zap.Uint("session_id", sessionID), zap.Error(err))
			}
		}
	}
	return trimMessages(messages, limit), nil
}

func (s *ChatService) DeleteMessage(ctx context.Context, userID, sessionID, messageID uint) error {
	if _, err := authorizeSession(s.sessionRepo, userID, sessionID); err != nil {
		return err
	}
	if messageID == 0 {
		return ErrInvalidInput
	}
	ok, err := s.messageRepo.SoftDelete(messageID, sessionID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrMessageNotFound
	}
	s.invalidate(ctx, sessionID, false)
	return nil
}

func trimMessages(messages []model.Message, limit int) []model.Message {
	if limit <= 0 || limit >= len(messages) {
		return messages
	}
	return messages[len(messages)-limit:]
}

func (s *ChatService) buildPromptMessages(ctx context.Context, sessionID uint, currentUserInput string) ([]llm.Message, error) {
	recent, err := s.messageRepo.ListRecentBySessionID(sessionID, s.maxContext)
	if err != nil {
		return nil, err
	}

	system := systemPrompt
	if s.summarizer != nil {
		summary, err := s.summarizer.ContextSummary(ctx, sessionID, s.maxContextFiles)
		if err != nil {
			s.log.Warn("build artifact context failed", zap.Uint("session_id", sessionID), zap.Error(err))
		} else if summary != "" {
			system += "\n\n" + summary
		}
	}

	messages := make([]llm.Message, 0, len(recent)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
	for _, item := range recent {
		role := item.Role
		if role == "" {
			role = llm.RoleUser
		}
		messages = append(messages, llm.Message{Role: role, Content: item.Content})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: currentUserInput})
	return messages, nil
}
