package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"gopherai-context/internal/model"
	"gopherai-context/internal/repository"
)

var ErrInvalidMessage = errors.New("invalid chat message payload")

// HistoryInvalidator drops a session's cached history once a message has
// landed in MySQL.
type HistoryInvalidator interface {
	DeleteHistory(ctx context.Context, sessionID uint) error
}

// MessageQueue publishes chat messages for MessagePersistWorker.
type MessageQueue struct {
	pub JSONPublisher
}

func NewMessageQueue(pub JSONPublisher) *MessageQueue {
	return &MessageQueue{pub: pub}
}

func (q *MessageQueue) Publish(ctx context.Context, msg model.Message) error {
	return q.pub.PublishJSON(ctx, msg)
}

type MessagePersistWorker struct {
	consumer
	repo    *repository.MessageRepository
	history HistoryInvalidator
}

func NewMessagePersistWorker(
	conn *amqp.Connection,
	repo *repository.MessageRepository,
	history HistoryInvalidator,
	queueName string,
	log *zap.Logger,
) *MessagePersistWorker {
	w := &MessagePersistWorker{repo: repo, history: history}
	w.consumer = consumer{
		conn:      conn,
		queueName: queueName,
		prefetch:  32,
		handle:    w.persist,
		log:       log.With(zap.String("component", "message_persist_worker")),
	}
	return w
}

func (w *MessagePersistWorker) Start(ctx context.Context) error {
	return w.start(ctx)
}

func (w *MessagePersistWorker) Close() {
	w.close()
}

func (w *MessagePersistWorker) persist(ctx context.Context, body []byte) error {
	var msg model.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if msg.SessionID == 0 || (msg.Role != model.RoleUser && msg.Role != model.RoleAssistant) {
		return fmt.Errorf("%w: session %d role %q", ErrInvalidMessage, msg.SessionID, msg.Role)
	}
	msg.ID = 0

	if err := w.repo.Create(&msg); err != nil {
		return err
	}
	if w.history != nil {
		if err := w.history.DeleteHistory(ctx, msg.SessionID); err != nil {
			w.log.Warn("drop history cache failed", zap.Uint("session_id", msg.SessionID), zap.Error(err))
		}
	}
	return nil
}
