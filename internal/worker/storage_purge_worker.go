package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"gopherai-context/internal/metrics"
	"gopherai-context/internal/storage"
)

const (
	defaultPurgeAttempts = 5
	purgeBackoffStep     = 2 * time.Second
)

var ErrInvalidPurgeJob = errors.New("invalid storage purge job")

// StoragePurgeJob asks for every stored byte of an artifact to be removed.
type StoragePurgeJob struct {
	ArtifactID string    `json:"artifact_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// PurgeQueue publishes StoragePurgeJob values.
type PurgeQueue struct {
	pub JSONPublisher
	now func() time.Time
}

func NewPurgeQueue(pub JSONPublisher) *PurgeQueue {
	return &PurgeQueue{pub: pub, now: time.Now}
}

func (q *PurgeQueue) EnqueuePurge(ctx context.Context, artifactID string) error {
	return q.pub.PublishJSON(ctx, StoragePurgeJob{ArtifactID: artifactID, Attempt: 1, EnqueuedAt: q.now()})
}

// StoragePurgeWorker retries storage.DeleteAll for artifacts whose bytes
// could not be removed inline. A failed attempt is republished with a
// growing delay until MaxAttempts is reached.
type StoragePurgeWorker struct {
	consumer
	store       storage.Backend
	retry       JSONPublisher
	metrics     *metrics.Collector
	MaxAttempts int
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewStoragePurgeWorker(
	conn *amqp.Connection,
	store storage.Backend,
	retry JSONPublisher,
	collector *metrics.Collector,
	queueName string,
	log *zap.Logger,
) *StoragePurgeWorker {
	w := &StoragePurgeWorker{
		store:       store,
		retry:       retry,
		metrics:     collector,
		MaxAttempts: defaultPurgeAttempts,
		sleep:       sleepContext,
	}
	w.consumer = consumer{
		conn:      conn,
		queueName: queueName,
		prefetch:  1,
		handle:    w.purge,
		log:       log.With(zap.String("component", "storage_purge_worker")),
	}
	return w
}

func (w *StoragePurgeWorker) Start(ctx context.Context) error {
	return w.start(ctx)
}

func (w *StoragePurgeWorker) Close() {
	w.close()
}

func (w *StoragePurgeWorker) purge(ctx context.Context, body []byte) error {
	var job StoragePurgeJob
	if err := json.Unmarshal(body, &job); err != nil || job.ArtifactID == "" {
		w.metrics.RecordPurge("invalid")
		return fmt.Errorf("%w: %s", ErrInvalidPurgeJob, body)
	}

	if job.Attempt > 1 {
		if err := w.sleep(ctx, time.Duration(job.Attempt-1)*purgeBackoffStep); err != nil {
			return err
		}
	}

	err := w.store.DeleteAll(ctx, job.ArtifactID)
	if err == nil {
		w.metrics.RecordPurge("ok")
		w.log.Info("artifact bytes purged", zap.String("artifact_id", job.ArtifactID), zap.Int("attempt", job.Attempt))
		return nil
	}
	if errors.Is(err, storage.ErrInvalidPath) {
		w.metrics.RecordPurge("invalid")
		return err
	}

	if job.Attempt >= w.MaxAttempts || w.retry == nil {
		w.metrics.RecordPurge("failed")
		return fmt.Errorf("purge %s gave up after %d attempts: %w", job.ArtifactID, job.Attempt, err)
	}

	job.Attempt++
	if perr := w.retry.PublishJSON(ctx, job); perr != nil {
		w.metrics.RecordPurge("failed")
		return fmt.Errorf("requeue purge %s failed: %w", job.ArtifactID, errors.Join(err, perr))
	}
	w.metrics.RecordPurge("retry")
	w.log.Warn("artifact purge failed, requeued",
		zap.String("artifact_id", job.ArtifactID),
		zap.Int("next_attempt", job.Attempt),
		zap.Error(err))
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
