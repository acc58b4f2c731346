package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/polyhft/internal/blob/s3"
	"github.com/alanyoungcy/polyhft/internal/bus/kafka"
	"github.com/alanyoungcy/polyhft/internal/cache/redis"
	"github.com/alanyoungcy/polyhft/internal/config"
	"github.com/alanyoungcy/polyhft/internal/domain"
	"github.com/alanyoungcy/polyhft/internal/metrics"
	"github.com/alanyoungcy/polyhft/internal/notify"
	"github.com/alanyoungcy/polyhft/internal/store/postgres"
)

// Dependencies bundles the infrastructure the engine plugs into. Every
// field except Notifier and Metrics may be nil when its backend is disabled.
type Dependencies struct {
	// Postgres
	ExecutionStore domain.ExecutionStore
	PositionStore  domain.PositionStore
	SnapshotStore  domain.SnapshotStore

	// Redis
	RateLimiter domain.RateLimiter
	KillFlag    domain.KillSignal

	// S3
	Archiver domain.SnapshotArchiver

	// Redis event bus and Kafka
	Publishers []domain.EventPublisher

	Notifier *notify.Notifier
	Metrics  *metrics.Recorder
}

// Wire connects every enabled backend and returns the dependencies together
// with a cleanup function that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Metrics: metrics.New()}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.ExecutionStore = postgres.NewExecutionStore(pool)
		deps.PositionStore = postgres.NewPositionStore(pool)
		deps.SnapshotStore = postgres.NewSnapshotStore(pool)
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			Prefix:     cfg.Redis.ChannelPrefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		if cfg.Redis.KillKey != "" {
			deps.KillFlag = redis.NewKillFlag(redisClient, cfg.Redis.KillKey)
		}
		deps.Publishers = append(deps.Publishers, redis.NewEventBus(redisClient, cfg.Redis.StreamMaxLen))
	}

	// --- S3 snapshot archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		if err := s3Client.Health(ctx); err != nil {
			logger.WarnContext(ctx, "s3 bucket not reachable, archives may fail",
				slog.String("bucket", cfg.S3.Bucket),
				slog.String("error", err.Error()),
			)
		}
		deps.Archiver = s3blob.NewSnapshotArchiver(s3blob.NewWriter(s3Client), cfg.S3.Prefix)
	}

	// --- Kafka ---
	if cfg.Kafka.Enabled {
		pub, err := kafka.NewPublisher(kafka.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: kafka: %w", err)
		}
		closers = append(closers, func() {
			if err := pub.Close(); err != nil {
				logger.Warn("kafka close failed", slog.String("error", err.Error()))
			}
		})
		deps.Publishers = append(deps.Publishers, pub)
	}

	// --- Notifications ---
	deps.Notifier = notify.NewNotifier(senders(cfg.Notify), cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

func senders(cfg config.NotifyConfig) []notify.Sender {
	var out []notify.Sender
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		out = append(out, notify.NewTelegramSender(cfg.TelegramToken, cfg.TelegramChatID))
	}
	if cfg.DiscordWebhookURL != "" {
		out = append(out, notify.NewDiscordSender(cfg.DiscordWebhookURL))
	}
	return out
}
