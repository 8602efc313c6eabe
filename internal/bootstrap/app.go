package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"gopherai-context/internal/cache"
	"gopherai-context/internal/config"
	"gopherai-context/internal/metrics"
	mysqlClient "gopherai-context/internal/platform/mysql"
	rabbitmqClient "gopherai-context/internal/platform/rabbitmq"
	redisClient "gopherai-context/internal/platform/redis"
	"gopherai-context/internal/pkg/logger"
	"gopherai-context/internal/repository"
	"gopherai-context/internal/storage"
	"gopherai-context/internal/worker"
)

const metricsNamespace = "gopherai_context"

type App struct {
	Config   *config.Config
	Log      *zap.Logger
	MySQL    *gorm.DB
	Redis    *redis.Client
	MQConn   *amqp.Connection
	Store    *storage.LocalBackend
	Registry *prometheus.Registry
	Metrics  *metrics.Collector

	History       *cache.HistoryCache
	MessageQueue  *worker.MessageQueue
	PurgeQueue    *worker.PurgeQueue
	MessageWorker *worker.MessagePersistWorker
	PurgeWorker   *worker.StoragePurgeWorker

	StartedAt time.Time
}

// New wires every external dependency. On failure everything opened so far
// is closed again.
func New(ctx context.Context) (_ *App, err error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}

	log := logger.New(logger.Options{
		Level:    cfg.Log.Level,
		FilePath: cfg.Log.FilePath,
		Prod:     cfg.App.Env == "prod",
	})
	app := &App{Config: cfg, Log: log, StartedAt: time.Now()}
	defer func() {
		if err != nil {
			_ = app.Close()
		}
	}()

	app.Registry = prometheus.NewRegistry()
	app.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	app.Metrics = metrics.NewCollector(metricsNamespace, app.Registry)

	if err = storage.Init(cfg.Storage.Root); err != nil {
		return nil, err
	}
	if app.Store, err = storage.NewLocal(cfg.Storage.Root); err != nil {
		return nil, err
	}
	if stats, statsErr := app.Store.Stats(ctx); statsErr != nil {
		log.Warn("read storage inventory failed", zap.Error(statsErr))
	} else {
		log.Info("storage inventory",
			zap.Int("artifacts", stats.Artifacts),
			zap.Int("files", stats.Files),
			zap.Int64("total_bytes", stats.TotalBytes))
	}

	if app.MySQL, err = mysqlClient.New(ctx, cfg.MySQLDSN(), log); err != nil {
		return nil, err
	}
	if err = mysqlClient.Migrate(app.MySQL); err != nil {
		return nil, err
	}

	app.Redis, err = redisClient.New(ctx, redisClient.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, err
	}
	app.History = cache.NewHistoryCache(
		app.Redis,
		time.Duration(cfg.Redis.HistoryTTLSeconds)*time.Second,
		time.Duration(cfg.Redis.HistoryDirtyTTLSeconds)*time.Second,
	)

	app.MQConn, err = rabbitmqClient.New(ctx, cfg.RabbitMQ.URL, cfg.RabbitMQ.MessagePersistQueue, cfg.RabbitMQ.StoragePurgeQueue)
	if err != nil {
		return nil, err
	}
	messagePub := rabbitmqClient.NewPublisher(app.MQConn, cfg.RabbitMQ.MessagePersistQueue)
	purgePub := rabbitmqClient.NewPublisher(app.MQConn, cfg.RabbitMQ.StoragePurgeQueue)
	app.MessageQueue = worker.NewMessageQueue(messagePub)
	app.PurgeQueue = worker.NewPurgeQueue(purgePub)

	app.MessageWorker = worker.NewMessagePersistWorker(
		app.MQConn,
		repository.NewMessageRepository(app.MySQL),
		app.History,
		cfg.RabbitMQ.MessagePersistQueue,
		log,
	)
	if err = app.MessageWorker.Start(ctx); err != nil {
		return nil, fmt.Errorf("start message worker failed: %w", err)
	}

	app.PurgeWorker = worker.NewStoragePurgeWorker(app.MQConn, app.Store, purgePub, app.Metrics, cfg.RabbitMQ.StoragePurgeQueue, log)
	if err = app.PurgeWorker.Start(ctx); err != nil {
		return nil, fmt.Errorf("start storage purge worker failed: %w", err)
	}

	log.Info("bootstrap complete",
		zap.String("env", cfg.App.Env),
		zap.String("storage_root", app.Store.Root()))
	return app, nil
}

// Close stops workers before closing the connections they use.
func (a *App) Close() error {
	var errs []error
	if a.MessageWorker != nil {
		a.MessageWorker.Close()
	}
	if a.PurgeWorker != nil {
		a.PurgeWorker.Close()
	}
	if a.MQConn != nil && !a.MQConn.IsClosed() {
		errs = append(errs, a.MQConn.Close())
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.MySQL != nil {
		if sqlDB, err := a.MySQL.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	if a.Log != nil {
		// Sync on a terminal stdout reports EINVAL; nothing to act on.
		_ = a.Log.Sync()
	}
	return errors.Join(errs...)
}
