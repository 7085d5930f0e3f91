package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/alanyoungcy/triarb/internal/blob/s3"
	"github.com/alanyoungcy/triarb/internal/cache/redis"
	"github.com/alanyoungcy/triarb/internal/config"
	"github.com/alanyoungcy/triarb/internal/domain"
	"github.com/alanyoungcy/triarb/internal/notify"
	"github.com/alanyoungcy/triarb/internal/server/handler"
	"github.com/alanyoungcy/triarb/internal/store/postgres"
)

// Dependencies bundles the infrastructure the modes share. Every field other
// than Notifier is optional and nil when its backend is disabled.
type Dependencies struct {
	// Stores
	ExecutionStore  domain.ExecutionStore
	AuditStore      domain.AuditStore
	AuditPruner     s3blob.AuditPruner
	BannedPairStore domain.BannedPairStore

	// Caches
	BookMirror  domain.BookMirror
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   *redis.SignalBus

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   *s3blob.Archiver

	// Notifications
	Notifier *notify.Notifier

	pingers map[string]handler.Pinger
}

// Pingers returns the health checks of every connected backend.
func (d *Dependencies) Pingers() map[string]handler.Pinger {
	return d.pingers
}

// Bus returns the signal bus as an interface, nil when Redis is disabled.
func (d *Dependencies) Bus() domain.SignalBus {
	if d.SignalBus == nil {
		return nil
	}
	return d.SignalBus
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{pingers: make(map[string]handler.Pinger)}

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
		audit := postgres.NewAuditStore(pool)
		deps.ExecutionStore = postgres.NewExecutionStore(pool)
		deps.AuditStore = audit
		deps.AuditPruner = audit
		deps.BannedPairStore = postgres.NewBannedPairStore(pool)
		deps.pingers["postgres"] = pgClient
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
			Prefix:     cfg.Redis.Prefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		// Mirrored views outlive a few missed mirror ticks, no more.
		mirrorTTL := 5 * cfg.Book.MirrorInterval.Duration
		if mirrorTTL < 5*time.Second {
			mirrorTTL = 5 * time.Second
		}
		deps.BookMirror = redis.NewBookMirror(redisClient, mirrorTTL)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.pingers["redis"] = redisClient
	}

	// --- S3 blob storage ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			Prefix:         cfg.S3.Prefix,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		writer := s3blob.NewWriter(s3Client)
		reader := s3blob.NewReader(s3Client)
		deps.BlobWriter = writer
		deps.BlobReader = reader
		deps.pingers["s3"] = handler.PingFunc(s3Client.Health)
		if deps.ExecutionStore != nil {
			deps.Archiver = s3blob.NewArchiver(
				writer,
				reader,
				deps.ExecutionStore,
				deps.AuditStore,
				deps.AuditPruner,
				s3blob.ArchiverConfig{
					PageSize: cfg.Archive.PageSize,
					Prune:    cfg.Archive.Prune,
				},
				logger,
			)
		}
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
