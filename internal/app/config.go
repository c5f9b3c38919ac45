package app

import (
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Поддерживаемые драйверы хранилища.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

// envPrefix: префикс переменных окружения сервиса.
const envPrefix = "CARTENGINE_"

// Config описывает настройки запуска приложения.
type Config struct {
	HTTPAddr    string
	GRPCAddr    string
	MetricsAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool
	PostgresMaxConns    int
	// InventorySeed задаёт начальные остатки для memory-режима в виде "sku=qty,sku=qty".
	InventorySeed string

	// RedisAddr включает клиентский кэш в Redis. Пусто: кэш в памяти процесса.
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	ClientCacheHorizon time.Duration

	KafkaBrokers  string
	KafkaTopic    string
	KafkaDLQTopic string

	CartDebounce            time.Duration
	CartFlushTimeout        time.Duration
	BreakerFailureThreshold uint32
	BreakerOpenTimeout      time.Duration

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration

	IdempotencyTTL              time.Duration
	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int

	// AdminTokens: "token:editor,token:editor" для PUT /orders/{id}/update.
	AdminTokens           string
	AllowTerminalRevision bool
	RequestTimeout        time.Duration
}

// DefaultConfig возвращает настройки для локального запуска.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:    ":8080",
		GRPCAddr:    ":50051",
		MetricsAddr: ":9090",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,
		PostgresMaxConns:    25,

		ClientCacheHorizon: 30 * 24 * time.Hour,

		KafkaTopic:    "cartengine.order.events",
		KafkaDLQTopic: "cartengine.dlq",

		CartDebounce:            500 * time.Millisecond,
		CartFlushTimeout:        5 * time.Second,
		BreakerFailureThreshold: 5,
		BreakerOpenTimeout:      10 * time.Second,

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  3,
		OutboxRetryDelay:   100 * time.Millisecond,

		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  time.Minute,
		IdempotencyCleanupBatchSize: 500,

		RequestTimeout: 15 * time.Second,
	}
}

// LoadConfigFromEnv накладывает переменные CARTENGINE_* на DefaultConfig.
// Некорректные значения игнорируются с предупреждением.
func LoadConfigFromEnv(getenv func(string) string, logger *log.Entry) Config {
	if logger == nil {
		logger = log.WithField("component", "config")
	}
	env := envReader{getenv: getenv, logger: logger}
	cfg := DefaultConfig()

	env.str("HTTP_ADDR", &cfg.HTTPAddr)
	env.str("GRPC_ADDR", &cfg.GRPCAddr)
	env.str("METRICS_ADDR", &cfg.MetricsAddr)

	env.str("STORAGE_DRIVER", &cfg.StorageDriver)
	cfg.StorageDriver = strings.ToLower(cfg.StorageDriver)
	env.str("POSTGRES_DSN", &cfg.PostgresDSN)
	env.boolean("POSTGRES_AUTO_MIGRATE", &cfg.PostgresAutoMigrate)
	env.integer("POSTGRES_MAX_CONNS", &cfg.PostgresMaxConns)
	env.str("INVENTORY_SEED", &cfg.InventorySeed)

	env.str("REDIS_ADDR", &cfg.RedisAddr)
	env.str("REDIS_PASSWORD", &cfg.RedisPassword)
	env.integer("REDIS_DB", &cfg.RedisDB)
	env.duration("CLIENT_CACHE_HORIZON", &cfg.ClientCacheHorizon)

	env.str("KAFKA_BROKERS", &cfg.KafkaBrokers)
	env.str("KAFKA_TOPIC", &cfg.KafkaTopic)
	env.str("KAFKA_DLQ_TOPIC", &cfg.KafkaDLQTopic)

	env.duration("CART_DEBOUNCE", &cfg.CartDebounce)
	env.duration("CART_FLUSH_TIMEOUT", &cfg.CartFlushTimeout)
	var threshold int
	if env.integer("BREAKER_FAILURE_THRESHOLD", &threshold) && threshold > 0 {
		cfg.BreakerFailureThreshold = uint32(threshold)
	}
	env.duration("BREAKER_OPEN_TIMEOUT", &cfg.BreakerOpenTimeout)

	env.duration("OUTBOX_POLL_INTERVAL", &cfg.OutboxPollInterval)
	env.integer("OUTBOX_BATCH_SIZE", &cfg.OutboxBatchSize)
	env.integer("OUTBOX_MAX_ATTEMPTS", &cfg.OutboxMaxAttempts)
	env.duration("OUTBOX_RETRY_DELAY", &cfg.OutboxRetryDelay)

	env.duration("IDEMPOTENCY_TTL", &cfg.IdempotencyTTL)
	env.duration("IDEMPOTENCY_CLEANUP_INTERVAL", &cfg.IdempotencyCleanupInterval)
	env.integer("IDEMPOTENCY_CLEANUP_BATCH_SIZE", &cfg.IdempotencyCleanupBatchSize)

	env.str("ADMIN_TOKENS", &cfg.AdminTokens)
	env.boolean("ALLOW_TERMINAL_REVISION", &cfg.AllowTerminalRevision)
	env.duration("REQUEST_TIMEOUT", &cfg.RequestTimeout)

	return cfg
}

// ParseAdminTokens разбирает "token:editor,token" в карту токен -> редактор.
// Токен без имени получает имя "admin".
func ParseAdminTokens(raw string) map[string]string {
	tokens := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		token, editor, found := strings.Cut(part, ":")
		token = strings.TrimSpace(token)
		editor = strings.TrimSpace(editor)
		if token == "" {
			continue
		}
		if !found || editor == "" {
			editor = "admin"
		}
		tokens[token] = editor
	}
	return tokens
}

// ParseInventorySeed разбирает "sku=qty,sku=qty". Некорректные пары пропускаются.
func ParseInventorySeed(raw string) map[string]int {
	levels := make(map[string]int)
	for _, part := range strings.Split(raw, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			continue
		}
		qty, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || qty < 0 {
			continue
		}
		levels[key] = qty
	}
	return levels
}

type envReader struct {
	getenv func(string) string
	logger *log.Entry
}

func (e envReader) lookup(name string) (string, bool) {
	if e.getenv == nil {
		return "", false
	}
	v := strings.TrimSpace(e.getenv(envPrefix + name))
	return v, v != ""
}

func (e envReader) invalid(name, value string, err error) {
	e.logger.WithError(err).WithFields(log.Fields{
		"variable": envPrefix + name,
		"value":    value,
	}).Warn("invalid config value, using default")
}

func (e envReader) str(name string, dst *string) {
	if v, ok := e.lookup(name); ok {
		*dst = v
	}
}

func (e envReader) boolean(name string, dst *bool) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		e.invalid(name, v, err)
		return
	}
	*dst = parsed
}

func (e envReader) integer(name string, dst *int) bool {
	v, ok := e.lookup(name)
	if !ok {
		return false
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed < 0 {
		e.invalid(name, v, err)
		return false
	}
	*dst = parsed
	return true
}

func (e envReader) duration(name string, dst *time.Duration) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	parsed, err := time.ParseDuration(v)
	if err != nil || parsed < 0 {
		e.invalid(name, v, err)
		return
	}
	*dst = parsed
}
