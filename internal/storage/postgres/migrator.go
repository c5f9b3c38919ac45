package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// migrationLockID: ключ pg_advisory_lock, под которым миграции выполняются по одной.
const migrationLockID int64 = 0x63617274656e67

const schemaMigrationsDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    checksum TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// ErrMigrationChanged: применённый скрипт отличается от встроенного в бинарник.
var ErrMigrationChanged = errors.New("applied migration differs from embedded script")

// MigrationState: версия схемы, число применённых и встроенных миграций.
type MigrationState struct {
	Version   int64
	Applied   int
	Available int
}

// Pending возвращает число ещё не применённых миграций.
func (m MigrationState) Pending() int {
	return max(m.Available-m.Applied, 0)
}

type appliedMigration struct {
	version  int64
	checksum string
}

// Migrator применяет встроенные миграции к базе.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
	logger     *log.Entry
}

func newMigrator(db *sql.DB, migrations []Migration) *Migrator {
	return &Migrator{db: db, migrations: migrations, logger: log.WithField("component", "migrator")}
}

func (s *Store) migrator() (*Migrator, error) {
	if s == nil || s.db == nil {
		return nil, errStoreNotInitialized
	}
	migrations, err := loadMigrations(embeddedMigrations, migrationsDir)
	if err != nil {
		return nil, err
	}
	return newMigrator(s.db, migrations), nil
}

// MigrateUp применяет не более steps миграций; steps <= 0 применяет все.
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	m, err := s.migrator()
	if err != nil {
		return err
	}
	return m.Up(ctx, steps)
}

// MigrateDown откатывает steps последних миграций; steps <= 0 откатывает одну.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	m, err := s.migrator()
	if err != nil {
		return err
	}
	return m.Down(ctx, max(steps, 1))
}

// MigrationStatus возвращает состояние схемы.
func (s *Store) MigrationStatus(ctx context.Context) (MigrationState, error) {
	m, err := s.migrator()
	if err != nil {
		return MigrationState{}, err
	}
	return m.State(ctx)
}

// Up применяет недостающие миграции по возрастанию версии.
// Если скрипт уже применённой миграции изменился, возвращает ErrMigrationChanged.
func (m *Migrator) Up(ctx context.Context, steps int) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		applied, err := m.applied(ctx, conn)
		if err != nil {
			return err
		}
		done := make(map[int64]string, len(applied))
		for _, a := range applied {
			done[a.version] = a.checksum
		}

		count := 0
		for _, migration := range m.migrations {
			if checksum, ok := done[migration.Version]; ok {
				if checksum != migration.Checksum {
					return fmt.Errorf("%w: %s", ErrMigrationChanged, migration.ID())
				}
				continue
			}
			if steps > 0 && count == steps {
				break
			}
			if err := m.step(ctx, conn, migration, true); err != nil {
				return err
			}
			count++
		}
		return nil
	})
}

// Down откатывает steps последних применённых миграций.
func (m *Migrator) Down(ctx context.Context, steps int) error {
	known := make(map[int64]Migration, len(m.migrations))
	for _, migration := range m.migrations {
		known[migration.Version] = migration
	}

	return m.locked(ctx, func(conn *sql.Conn) error {
		applied, err := m.applied(ctx, conn)
		if err != nil {
			return err
		}
		for i := len(applied) - 1; i >= 0 && len(applied)-i <= steps; i-- {
			migration, ok := known[applied[i].version]
			if !ok {
				return fmt.Errorf("rollback version %d: migration is not embedded", applied[i].version)
			}
			if err := m.step(ctx, conn, migration, false); err != nil {
				return err
			}
		}
		return nil
	})
}

// State не берёт блокировку: это только чтение.
func (m *Migrator) State(ctx context.Context) (MigrationState, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	if _, err := m.db.ExecContext(ctx, schemaMigrationsDDL); err != nil {
		return MigrationState{}, fmt.Errorf("create schema_migrations: %w", err)
	}
	state := MigrationState{Available: len(m.migrations)}
	err := m.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0), COUNT(*) FROM schema_migrations`).
		Scan(&state.Version, &state.Applied)
	if err != nil {
		return MigrationState{}, fmt.Errorf("read schema_migrations: %w", err)
	}
	return state, nil
}

// locked выполняет fn на выделенном соединении под advisory lock.
func (m *Migrator) locked(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("migration connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := opContext(ctx)
	_, err = conn.ExecContext(lockCtx, `SELECT pg_advisory_lock($1)`, migrationLockID)
	cancel()
	if err != nil {
		return fmt.Errorf("migration lock: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLockID); err != nil {
			m.logger.WithError(err).Warn("failed to release migration lock")
		}
	}()

	if _, err := conn.ExecContext(ctx, schemaMigrationsDDL); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return fn(conn)
}

// applied возвращает применённые версии по возрастанию.
func (m *Migrator) applied(ctx context.Context, conn *sql.Conn) ([]appliedMigration, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()

	var out []appliedMigration
	for rows.Next() {
		var a appliedMigration
		if err := rows.Scan(&a.version, &a.checksum); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// step выполняет скрипт и запись в schema_migrations в одной транзакции.
func (m *Migrator) step(ctx context.Context, conn *sql.Conn, migration Migration, up bool) (err error) {
	direction, script := "down", migration.Down
	bookkeeping, args := `DELETE FROM schema_migrations WHERE version = $1`, []any{migration.Version}
	if up {
		direction, script = "up", migration.Up
		bookkeeping = `INSERT INTO schema_migrations (version, name, checksum) VALUES ($1, $2, $3)`
		args = append(args, migration.Name, migration.Checksum)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration %s %s: begin: %w", migration.ID(), direction, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("migration %s %s: %w", migration.ID(), direction, err)
	}
	if _, err = tx.ExecContext(ctx, bookkeeping, args...); err != nil {
		return fmt.Errorf("migration %s %s: record: %w", migration.ID(), direction, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("migration %s %s: commit: %w", migration.ID(), direction, err)
	}

	m.logger.WithFields(log.Fields{"migration": migration.ID(), "direction": direction}).Info("migration applied")
	return nil
}
