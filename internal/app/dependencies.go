package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/cartengine/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/cartengine/internal/health"
	"github.com/vladislavdragonenkov/cartengine/internal/storage/memory"
	"github.com/vladislavdragonenkov/cartengine/internal/storage/postgres"
	rediscache "github.com/vladislavdragonenkov/cartengine/internal/storage/redis"
)

// runtimeDependencies: хранилища, выбранные по конфигурации.
type runtimeDependencies struct {
	sessions        domain.SessionStore
	clientCache     domain.ClientCache
	inventory       domain.InventoryReader
	versions        domain.VersionStore
	outboxRepo      domain.OutboxRepository
	timelineRepo    domain.TimelineRepository
	idempotencyRepo domain.IdempotencyRepository

	// storageChecker и cacheChecker равны nil, если проверять нечего.
	storageChecker healthcheck.Checker
	cacheChecker   healthcheck.Checker
	closeFn        func() error
}

// initRuntimeDependencies открывает хранилища. При ошибке уже открытые ресурсы закрываются.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	var deps *runtimeDependencies
	var err error

	switch strings.ToLower(strings.TrimSpace(cfg.StorageDriver)) {
	case "", StorageDriverMemory:
		deps = newMemoryDependencies(cfg)
		logger.Info("using in-memory storage")
	case StorageDriverPostgres:
		deps, err = newPostgresDependencies(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}

	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     addr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		cache := rediscache.NewClientCache(client, rediscache.WithHorizon(cfg.ClientCacheHorizon))
		deps.clientCache = cache
		deps.cacheChecker = healthcheck.NewProbe("client-cache", cache.Ping, healthcheck.StatusDegraded)
		deps.closeFn = chainClose(deps.closeFn, client.Close)
		logger.WithField("redis_addr", addr).Info("client cache backed by redis")
	}

	return deps, nil
}

func newMemoryDependencies(cfg Config) *runtimeDependencies {
	return &runtimeDependencies{
		sessions:        memory.NewSessionStore(),
		clientCache:     memory.NewClientCache(cfg.ClientCacheHorizon),
		inventory:       memory.NewInventoryLevels(ParseInventorySeed(cfg.InventorySeed)),
		versions:        memory.NewVersionStore(),
		outboxRepo:      memory.NewOutboxRepository(),
		timelineRepo:    memory.NewTimelineRepository(),
		idempotencyRepo: memory.NewIdempotencyRepository(),
	}
}

func newPostgresDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	dsn := strings.TrimSpace(cfg.PostgresDSN)
	if dsn == "" {
		return nil, errors.New("postgres storage requires CARTENGINE_POSTGRES_DSN")
	}

	store, err := postgres.Open(ctx, dsn, postgres.WithMaxConns(cfg.PostgresMaxConns))
	if err != nil {
		return nil, err
	}
	registerCollector(store.Collector(), logger)
	if cfg.PostgresAutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
		logger.Info("postgres schema is up to date")
	}

	return &runtimeDependencies{
		sessions:        postgres.NewSessionStore(store),
		clientCache:     memory.NewClientCache(cfg.ClientCacheHorizon),
		inventory:       postgres.NewInventoryReader(store),
		versions:        postgres.NewVersionStore(store),
		outboxRepo:      postgres.NewOutboxRepository(store),
		timelineRepo:    postgres.NewTimelineRepository(store),
		idempotencyRepo: postgres.NewIdempotencyRepository(store),
		storageChecker:  healthcheck.NewProbe("storage", store.Ping, healthcheck.StatusUnhealthy),
		closeFn:         store.Close,
	}, nil
}

func chainClose(first, second func() error) func() error {
	if first == nil {
		return second
	}
	return func() error {
		return errors.Join(second(), first())
	}
}

func (d *runtimeDependencies) close() error {
	if d == nil || d.closeFn == nil {
		return nil
	}
	return d.closeFn()
}
