package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/cartengine/internal/domain"
)

const (
	outboxPending = "pending"
	outboxSent    = "sent"
	outboxDead    = "dead"

	defaultOutboxBatch = 100
)

// OutboxRepository хранит события заказов в outbox_messages. Запись события идёт
// отдельно от записи версии; публикует их outbox.Worker.
type OutboxRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewOutboxRepository создаёт репозиторий поверх открытого Store.
func NewOutboxRepository(store *Store) *OutboxRepository {
	return &OutboxRepository{db: store.DB(), now: func() time.Time { return time.Now().UTC() }}
}

func (r *OutboxRepository) Enqueue(ctx context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	now := r.now()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if msg.NextAttemptAt.IsZero() {
		msg.NextAttemptAt = msg.CreatedAt
	}
	msg.Attempts, msg.LastError = 0, ""

	ctx, cancel := opContext(ctx)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO outbox_messages
			(id, aggregate_type, aggregate_id, event_type, payload, status, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, msg.Payload,
		outboxPending, msg.NextAttemptAt, msg.CreatedAt, now,
	); err != nil {
		return domain.OutboxMessage{}, translateError("enqueue outbox message", err)
	}
	return msg, nil
}

func (r *OutboxRepository) Pending(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = defaultOutboxBatch
	}

	ctx, cancel := opContext(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload, created_at,
		       attempts, next_attempt_at, last_error
		FROM outbox_messages
		WHERE status = $1
		ORDER BY created_at, id
		LIMIT $2`, outboxPending, limit)
	if err != nil {
		return nil, translateError("list pending outbox messages", err)
	}
	defer rows.Close()

	var out []domain.OutboxMessage
	for rows.Next() {
		var m domain.OutboxMessage
		if err := rows.Scan(&m.ID, &m.AggregateType, &m.AggregateID, &m.EventType, &m.Payload,
			&m.CreatedAt, &m.Attempts, &m.NextAttemptAt, &m.LastError); err != nil {
			return nil, fmt.Errorf("scan outbox message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, translateError("list pending outbox messages", err)
	}
	return out, nil
}

func (r *OutboxRepository) MarkSent(ctx context.Context, id string) error {
	return r.transition(ctx, id, `status = $3, attempts = attempts + 1`, outboxSent)
}

func (r *OutboxRepository) Retry(ctx context.Context, id string, next time.Time, cause string) error {
	return r.transition(ctx, id, `attempts = attempts + 1, next_attempt_at = $3, last_error = $4`, next, cause)
}

func (r *OutboxRepository) Bury(ctx context.Context, id string, cause string) error {
	return r.transition(ctx, id, `status = $3, attempts = attempts + 1, last_error = $4`, outboxDead, cause)
}

// transition обновляет только pending-сообщение; $1 это id, $2 это updated_at.
func (r *OutboxRepository) transition(ctx context.Context, id, set string, args ...any) error {
	ctx, cancel := opContext(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`UPDATE outbox_messages SET `+set+`, updated_at = $2 WHERE id = $1 AND status = 'pending'`,
		append([]any{id, r.now()}, args...)...)
	if err != nil {
		return translateError("update outbox message", err)
	}
	return requireAffected(res, domain.ErrOutboxMessageNotFound)
}

func (r *OutboxRepository) Stats(ctx context.Context) (domain.OutboxStats, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	var (
		stats  domain.OutboxStats
		oldest sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = 'pending'),
		       COUNT(*) FILTER (WHERE status = 'dead'),
		       MIN(created_at) FILTER (WHERE status = 'pending')
		FROM outbox_messages`).Scan(&stats.Pending, &stats.Dead, &oldest)
	if err != nil {
		return domain.OutboxStats{}, translateError("outbox stats", err)
	}
	stats.OldestPendingAt = oldest.Time
	return stats, nil
}

var _ domain.OutboxRepository = (*OutboxRepository)(nil)
