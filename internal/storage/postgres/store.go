// Package postgres: хранилища cart engine поверх PostgreSQL (pgx через database/sql).
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/vladislavdragonenkov/cartengine/internal/domain"
)

// opTimeout ограничивает каждый запрос репозитория.
const opTimeout = 5 * time.Second

const pgUniqueViolation = "23505"

var errStoreNotInitialized = errors.New("postgres store is not initialized")

type poolSettings struct {
	maxOpen     int
	maxIdle     int
	maxLifetime time.Duration
	maxIdleTime time.Duration
	pingTimeout time.Duration
}

func defaultPoolSettings() poolSettings {
	return poolSettings{
		maxOpen:     25,
		maxIdle:     25,
		maxLifetime: 30 * time.Minute,
		maxIdleTime: 5 * time.Minute,
		pingTimeout: 5 * time.Second,
	}
}

// Option настраивает пул соединений.
type Option func(*poolSettings)

// WithMaxConns ограничивает число открытых соединений; простаивающих держим столько же.
func WithMaxConns(n int) Option {
	return func(s *poolSettings) {
		if n > 0 {
			s.maxOpen, s.maxIdle = n, n
		}
	}
}

func WithConnMaxLifetime(d time.Duration) Option {
	return func(s *poolSettings) {
		if d > 0 {
			s.maxLifetime = d
		}
	}
}

// WithPingTimeout ограничивает проверку соединения в Open и Ping.
func WithPingTimeout(d time.Duration) Option {
	return func(s *poolSettings) {
		if d > 0 {
			s.pingTimeout = d
		}
	}
}

// Store владеет пулом соединений, общим для всех репозиториев пакета.
type Store struct {
	db          *sql.DB
	pingTimeout time.Duration
}

// Open открывает пул и убеждается, что база отвечает.
func Open(ctx context.Context, dsn string, options ...Option) (*Store, error) {
	settings := defaultPoolSettings()
	for _, option := range options {
		option(&settings)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(settings.maxOpen)
	db.SetMaxIdleConns(settings.maxIdle)
	db.SetConnMaxLifetime(settings.maxLifetime)
	db.SetConnMaxIdleTime(settings.maxIdleTime)

	store := &Store{db: db, pingTimeout: settings.pingTimeout}
	if err := store.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return store, nil
}

// DB отдаёт пул для запросов, которых нет в репозиториях: миграции и тесты.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errStoreNotInitialized
	}
	ctx, cancel := context.WithTimeout(ctx, s.pingTimeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Collector экспортирует статистику пула (go_sql_* с меткой db_name).
func (s *Store) Collector() prometheus.Collector {
	return collectors.NewDBStatsCollector(s.db, "cartengine")
}

// EnsureSchema накатывает все миграции; используется при auto-migrate на старте.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.MigrateUp(ctx, 0)
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, opTimeout)
}

// translateError оборачивает ошибку драйвера именем операции. Всё, что означает
// недоступность базы, дополнительно несёт ErrPersistenceUnavailable.
func translateError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return err
	case isServerError(err):
		return fmt.Errorf("%s: %w", op, err)
	case unavailable(err):
		return fmt.Errorf("%s: %w: %w", op, domain.ErrPersistenceUnavailable, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// unavailable: таймаут, закрытое соединение или ошибка до отправки запроса.
func unavailable(err error) bool {
	var connectErr *pgconn.ConnectError
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.As(err, &connectErr) ||
		pgconn.SafeToRetry(err)
}

func isServerError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
