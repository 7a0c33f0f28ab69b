package repositories

import (
	"context"

	"ticketdesk/internal/core/ports"
	"ticketdesk/internal/infrastructure/repositories/file"
	"ticketdesk/internal/infrastructure/repositories/memory"
	redisrepo "ticketdesk/internal/infrastructure/repositories/redis"
	"ticketdesk/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates repositories with fallback support
type RepositoryFactory struct {
	cfg         *config.Config
	useRedis    bool
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory connects to Redis when the credentials backend or the
// event bus needs it. A failed connection degrades to memory repositories.
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		cfg:      cfg,
		useRedis: cfg.Redis.Enabled || cfg.Credentials.Backend == config.CredentialsBackendRedis,
		logger:   logger,
	}

	if factory.useRedis {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			cfg.Credentials.KeyPrefix,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
		}
	}

	return factory, nil
}

// CreateCredentialStore returns the store selected by credentials.backend.
func (f *RepositoryFactory) CreateCredentialStore() ports.CredentialStore {
	switch f.cfg.Credentials.Backend {
	case config.CredentialsBackendRedis:
		if f.useRedis && f.redisClient != nil {
			f.logger.Debugw("using Redis credential store", "prefix", f.cfg.Credentials.KeyPrefix)
			return redisrepo.NewCredentialStore(f.redisClient, f.cfg.Credentials.KeyPrefix)
		}
		f.logger.Warnw("Redis unavailable, session will not survive restart")
		return memory.NewCredentialStore()
	case config.CredentialsBackendFile:
		f.logger.Debugw("using file credential store", "path", f.cfg.Credentials.Path)
		return file.NewCredentialStore(f.cfg.Credentials.Path)
	default:
		return memory.NewCredentialStore()
	}
}

// RedisClient returns the shared client, or nil when Redis is not in use.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	if f.useRedis {
		return f.redisClient
	}
	return nil
}

// Close closes Redis connection if used
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
