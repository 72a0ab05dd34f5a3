package main

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/spbu-ds-practicum-2025/example-project/services/operations-service/internal/config"
	"github.com/spbu-ds-practicum-2025/example-project/services/operations-service/internal/db"
	"github.com/spbu-ds-practicum-2025/example-project/services/operations-service/internal/domain"
	"github.com/spbu-ds-practicum-2025/example-project/services/operations-service/internal/queue"
)

// app holds the wired dependencies shared by serve and worker.
type app struct {
	cfg       *config.Config
	log       *logrus.Logger
	pool      *db.Pool
	redis     *redis.Client
	session   *queue.Session
	topology  queue.Topology
	dedupe    queue.Deduper
	service   *domain.OperationService
	processor *domain.OperationProcessor
}

func openPool(ctx context.Context, cfg *config.Config) (*db.Pool, error) {
	return db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.Database.URL,
		MaxConns: int32(cfg.Database.MaxConns),
		MinConns: int32(cfg.Database.MinConns),
	})
}

func newApp(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*app, error) {
	pool, err := openPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	log.Info("database connection pool initialized")

	a := &app{
		cfg:  cfg,
		log:  log,
		pool: pool,
		topology: queue.Topology{
			Exchange:        cfg.RabbitMQ.Exchange,
			Queue:           cfg.RabbitMQ.Queue,
			DelayQueue:      cfg.RabbitMQ.DelayQueue,
			DeadLetterQueue: cfg.RabbitMQ.DeadLetterQueue,
		},
	}

	if cfg.Redis.Enabled {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			log.WithError(err).Warn("redis unavailable, schedule dedupe will fail open")
		}
		a.dedupe = queue.NewRedisDeduper(a.redis, cfg.Redis.KeyPrefix)
	}

	a.session = queue.NewSession(cfg.RabbitMQ.URL, a.topology, log)
	if err := a.session.Connect(); err != nil {
		log.WithError(err).Warn("RabbitMQ unavailable, will retry on first use")
	}

	scheduler := queue.NewScheduler(a.session, a.topology, a.dedupe, cfg.Redis.DedupeTTL, log)

	// Create repositories
	accountRepo := db.NewAccountRepository(pool.Pool)
	operationRepo := db.NewOperationRepository(pool.Pool)
	eventRepo := db.NewEventRepository(pool.Pool)
	txManager := db.NewTransactionManager(pool.Pool, db.TxConfig{
		LockTimeout:      cfg.Database.LockTimeout,
		StatementTimeout: cfg.Database.StatementTimeout,
	}, log)

	a.service = domain.NewOperationService(accountRepo, operationRepo, eventRepo, txManager, scheduler, log)
	a.processor = domain.NewOperationProcessor(
		operationRepo,
		eventRepo,
		accountRepo,
		txManager,
		domain.NewStateMachine(),
		domain.NewValidationService(accountRepo, log),
		scheduler,
		domain.RetryPolicy{
			ProgressDelay: cfg.Processor.ProgressDelay,
			BaseDelay:     cfg.Processor.RetryBaseDelay,
			MaxDelay:      cfg.Processor.RetryMaxDelay,
			MaxIdlePasses: cfg.Processor.MaxIdlePasses,
		},
		log,
	)
	log.Info("domain services initialized")

	return a, nil
}

// runWorkers reschedules operations left pending by a previous run, then
// consumes until ctx is cancelled.
func (a *app) runWorkers(ctx context.Context) error {
	if _, err := a.service.ResumePending(ctx, a.cfg.Processor.ResumeLimit); err != nil {
		a.log.WithError(err).Error("failed to resume pending operations")
	}

	consumer := queue.NewConsumer(a.session, a.session, a.topology, a.dedupe, a.processor.Handle, queue.ConsumerConfig{
		Workers:        a.cfg.RabbitMQ.Workers,
		Prefetch:       a.cfg.RabbitMQ.Prefetch,
		MaxDeliveries:  a.cfg.RabbitMQ.MaxDeliveries,
		RetryBaseDelay: a.cfg.RabbitMQ.RetryBaseDelay,
		RetryMaxDelay:  a.cfg.RabbitMQ.RetryMaxDelay,
		HandlerTimeout: a.cfg.RabbitMQ.HandlerTimeout,
	}, a.log)

	return consumer.Run(ctx)
}

func (a *app) Close() {
	if err := a.session.Close(); err != nil {
		a.log.WithError(err).Warn("failed to close RabbitMQ session")
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.WithError(err).Warn("failed to close redis client")
		}
	}
	a.pool.Close()
	a.log.Info("resources released")
}

