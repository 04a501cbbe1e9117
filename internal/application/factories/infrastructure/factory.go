package infrastructure

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alphagov/pay-connector-sub011/internal/backfill"
	"github.com/alphagov/pay-connector-sub011/internal/config"
	"github.com/alphagov/pay-connector-sub011/internal/domain/event"
	"github.com/alphagov/pay-connector-sub011/internal/eventfactory"
	"github.com/alphagov/pay-connector-sub011/internal/eventservice"
	"github.com/alphagov/pay-connector-sub011/internal/historical"
	"github.com/alphagov/pay-connector-sub011/internal/infrastructure/kafka"
	"github.com/alphagov/pay-connector-sub011/internal/infrastructure/postgres"
	"github.com/alphagov/pay-connector-sub011/internal/infrastructure/redis"

	pgxpool "github.com/jackc/pgx/v5/pgxpool"
	go_redis "github.com/redis/go-redis/v9"
)

const connectAttempts = 5

// Factory builds and owns the process's external clients. Every client is
// created lazily and closed by Close.
type Factory struct {
	cfg      *config.Config
	logger   *slog.Logger
	pgPool   *pgxpool.Pool
	redisCli *go_redis.Client
	producer *kafka.Producer
	consumer *kafka.Consumer
}

func NewFactory(cfg *config.Config, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		cfg:    cfg,
		logger: logger,
	}
}

func (f *Factory) Postgres(ctx context.Context) (*pgxpool.Pool, error) {
	if f.pgPool != nil {
		return f.pgPool, nil
	}

	var pool *pgxpool.Pool
	var err error

	for i := 0; i < connectAttempts; i++ {
		pool, err = postgres.NewClient(ctx, postgres.Config{
			Host:     f.cfg.Postgres.Host,
			Port:     f.cfg.Postgres.Port,
			User:     f.cfg.Postgres.User,
			Password: f.cfg.Postgres.Password,
			DBName:   f.cfg.Postgres.DBName,
			SSLMode:  f.cfg.Postgres.SSLMode,
			MaxConns: f.cfg.Postgres.MaxConns,
		})
		if err == nil {
			break
		}
		f.logger.Warn("failed to connect to postgres, retrying", "attempt", i+1, "max", connectAttempts, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}

	if err != nil {
		return nil, fmt.Errorf("failed to init postgres after retries: %w", err)
	}

	f.pgPool = pool
	return pool, nil
}

func (f *Factory) Redis(ctx context.Context) (*go_redis.Client, error) {
	if f.redisCli != nil {
		return f.redisCli, nil
	}

	client, err := redis.NewClient(ctx, redis.Config{
		Addr:     f.cfg.Redis.Addr,
		Password: f.cfg.Redis.Password,
		DB:       f.cfg.Redis.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init redis: %w", err)
	}

	f.redisCli = client
	return client, nil
}

// RangeLock returns a redis-backed lock, or nil when redis is unreachable so
// callers fall back to running unlocked.
func (f *Factory) RangeLock(ctx context.Context) *redis.RangeLock {
	client, err := f.Redis(ctx)
	if err != nil {
		f.logger.Warn("redis unavailable, backfill ranges will not be locked", "error", err)
		return nil
	}
	return redis.NewRangeLock(client, f.cfg.Backfill.LockTTL)
}

func (f *Factory) Producer() *kafka.Producer {
	if f.producer == nil {
		f.producer = kafka.NewProducer(kafka.Config{
			Brokers:      f.cfg.Kafka.Brokers,
			Topic:        f.cfg.Kafka.Topic,
			WriteTimeout: f.cfg.Kafka.WriteTimeout,
		})
	}
	return f.producer
}

func (f *Factory) TransitionConsumer() *kafka.Consumer {
	if f.consumer == nil {
		f.consumer = kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers:     f.cfg.Kafka.Brokers,
			Topic:       f.cfg.Kafka.TransitionsTopic,
			GroupID:     f.cfg.Kafka.GroupID,
			StartOffset: f.cfg.Kafka.StartOffset,
		})
	}
	return f.consumer
}

// Emission is the assembled emission core shared by every binary.
type Emission struct {
	Charges        *postgres.ChargeRepository
	Refunds        *postgres.RefundRepository
	Ledger         *postgres.LedgerRepository
	Events         *eventfactory.Factory
	Service        *eventservice.Service
	Historical     *historical.Service
	LedgerBackfill *backfill.LedgerBackfill
}

func (f *Factory) Emission(ctx context.Context) (*Emission, error) {
	pool, err := f.Postgres(ctx)
	if err != nil {
		return nil, err
	}

	charges := postgres.NewChargeRepository(pool)
	refunds := postgres.NewRefundRepository(pool)
	ledgerRepo := postgres.NewLedgerRepository(pool)
	events := eventfactory.New(charges, refunds)
	service := eventservice.New(f.Producer(), ledgerRepo, event.NewSerializer(),
		eventservice.WithLogger(f.logger.With("module", "eventservice")))
	hist := historical.New(charges, refunds, ledgerRepo, events, service,
		historical.WithLogger(f.logger.With("module", "historical")),
		historical.WithRateLimit(f.cfg.Backfill.RatePerSecond),
		historical.WithPageSize(f.cfg.Backfill.PageSize),
	)
	ledgerBackfill := backfill.NewLedgerBackfill(ledgerRepo, hist, service, backfill.Config{
		BatchSize:     f.cfg.Backfill.BatchSize,
		MaxAge:        f.cfg.Backfill.MaxAge,
		DoNotRetryFor: f.cfg.Backfill.DoNotRetryFor,
	}, f.logger.With("module", "backfill"))

	return &Emission{
		Charges:        charges,
		Refunds:        refunds,
		Ledger:         ledgerRepo,
		Events:         events,
		Service:        service,
		Historical:     hist,
		LedgerBackfill: ledgerBackfill,
	}, nil
}

func (f *Factory) Close() {
	if f.consumer != nil {
		if err := f.consumer.Close(); err != nil {
			f.logger.Warn("failed to close kafka consumer", "error", err)
		}
	}
	if f.producer != nil {
		if err := f.producer.Close(); err != nil {
			f.logger.Warn("failed to close kafka producer", "error", err)
		}
	}
	if f.pgPool != nil {
		f.pgPool.Close()
	}
	if f.redisCli != nil {
		f.redisCli.Close()
	}
}
