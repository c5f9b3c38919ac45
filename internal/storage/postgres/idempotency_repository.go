package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/cartengine/internal/domain"
)

const idempotencyColumns = `key, fingerprint, status, response_status, response_body, expires_at, created_at, completed_at`

// IdempotencyRepository хранит ключи POST /orders в таблице idempotency_keys.
type IdempotencyRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewIdempotencyRepository создаёт репозиторий поверх открытого Store.
func NewIdempotencyRepository(store *Store) *IdempotencyRepository {
	return &IdempotencyRepository{db: store.DB(), now: func() time.Time { return time.Now().UTC() }}
}

// Reserve занимает ключ одним upsert: живую запись он не трогает, просроченную перезаписывает.
func (r *IdempotencyRepository) Reserve(ctx context.Context, key, fingerprint string, expiresAt time.Time) (domain.IdempotencyRecord, error) {
	key, fingerprint = strings.TrimSpace(key), strings.TrimSpace(fingerprint)
	switch {
	case key == "":
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	case fingerprint == "":
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyFingerprintRequired
	}

	ctx, cancel := opContext(ctx)
	defer cancel()

	now := r.now()
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO idempotency_keys (key, fingerprint, status, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE
		SET fingerprint = EXCLUDED.fingerprint,
		    status = EXCLUDED.status,
		    response_status = NULL,
		    response_body = NULL,
		    expires_at = EXCLUDED.expires_at,
		    created_at = EXCLUDED.created_at,
		    completed_at = NULL
		WHERE idempotency_keys.expires_at <= EXCLUDED.created_at
		RETURNING `+idempotencyColumns,
		key, fingerprint, string(domain.IdempotencyStatusProcessing), expiresAt, now)

	record, err := scanIdempotencyRecord(row)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.IdempotencyRecord{}, translateError("reserve idempotency key", err)
	}

	// Конфликт с живой записью: RETURNING пуст.
	existing, err := r.Get(ctx, key)
	if err != nil {
		if errors.Is(err, domain.ErrIdempotencyKeyNotFound) {
			// Запись освободили между upsert и чтением; клиент повторит запрос.
			return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyTaken
		}
		return domain.IdempotencyRecord{}, err
	}
	if existing.Fingerprint != fingerprint {
		return existing, domain.ErrIdempotencyHashMismatch
	}
	return existing, domain.ErrIdempotencyKeyTaken
}

func (r *IdempotencyRepository) Get(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := opContext(ctx)
	defer cancel()

	record, err := scanIdempotencyRecord(r.db.QueryRowContext(ctx,
		`SELECT `+idempotencyColumns+` FROM idempotency_keys WHERE key = $1`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	if err != nil {
		return domain.IdempotencyRecord{}, translateError("get idempotency key", err)
	}
	return record, nil
}

func (r *IdempotencyRepository) Complete(ctx context.Context, key string, response domain.StoredResponse) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := opContext(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET status = $2, response_status = $3, response_body = $4, completed_at = $5
		WHERE key = $1 AND status = $6
	`, key, string(domain.IdempotencyStatusCompleted), response.StatusCode, response.Body, r.now(),
		string(domain.IdempotencyStatusProcessing))
	if err != nil {
		return translateError("complete idempotency key", err)
	}
	return requireAffected(res, domain.ErrIdempotencyKeyNotFound)
}

func (r *IdempotencyRepository) Release(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := opContext(ctx)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key = $1 AND status = $2`,
		key, string(domain.IdempotencyStatusProcessing)); err != nil {
		return translateError("release idempotency key", err)
	}
	return nil
}

func (r *IdempotencyRepository) PurgeExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	query := `DELETE FROM idempotency_keys WHERE expires_at <= $1`
	args := []any{before}
	if limit > 0 {
		query = `
			DELETE FROM idempotency_keys
			WHERE key IN (
				SELECT key FROM idempotency_keys
				WHERE expires_at <= $1
				ORDER BY expires_at
				LIMIT $2
				FOR UPDATE SKIP LOCKED
			)`
		args = append(args, limit)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, translateError("purge idempotency keys", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	return int(affected), nil
}

func scanIdempotencyRecord(row *sql.Row) (domain.IdempotencyRecord, error) {
	var (
		record      domain.IdempotencyRecord
		status      string
		respStatus  sql.NullInt64
		completedAt sql.NullTime
	)
	if err := row.Scan(&record.Key, &record.Fingerprint, &status, &respStatus, &record.Response.Body,
		&record.ExpiresAt, &record.CreatedAt, &completedAt); err != nil {
		return domain.IdempotencyRecord{}, err
	}

	record.Status = domain.IdempotencyStatus(status)
	if !record.Status.Valid() {
		return domain.IdempotencyRecord{}, fmt.Errorf("idempotency key %s has unknown status %q", record.Key, status)
	}
	record.Response.StatusCode = int(respStatus.Int64)
	record.CompletedAt = completedAt.Time
	return record, nil
}

func requireAffected(res sql.Result, notFound error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return notFound
	}
	return nil
}

var _ domain.IdempotencyRepository = (*IdempotencyRepository)(nil)
