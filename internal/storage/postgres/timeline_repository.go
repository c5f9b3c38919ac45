package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/cartengine/internal/domain"
)

// TimelineRepository пишет историю заказов в timeline_events; Seq берётся из BIGSERIAL id.
type TimelineRepository struct {
	db *sql.DB
}

func NewTimelineRepository(store *Store) *TimelineRepository {
	return &TimelineRepository{db: store.DB()}
}

func (r *TimelineRepository) Append(ctx context.Context, event domain.TimelineEvent) (domain.TimelineEvent, error) {
	event, err := event.Normalize(time.Now().UTC())
	if err != nil {
		return domain.TimelineEvent{}, err
	}

	ctx, cancel := opContext(ctx)
	defer cancel()

	err = r.db.QueryRowContext(ctx,
		`INSERT INTO timeline_events (order_id, type, reason, version, actor, occurred)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		event.OrderID, event.Type, event.Reason, event.Version, event.Actor, event.Occurred,
	).Scan(&event.Seq)
	if err != nil {
		return domain.TimelineEvent{}, translateError("append timeline event", err)
	}
	return event, nil
}

func (r *TimelineRepository) List(ctx context.Context, orderID string) ([]domain.TimelineEvent, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, order_id, type, reason, version, actor, occurred
		 FROM timeline_events WHERE order_id = $1 ORDER BY occurred, id`, orderID)
	if err != nil {
		return nil, translateError("list timeline events", err)
	}
	defer rows.Close()

	history := []domain.TimelineEvent{}
	for rows.Next() {
		var e domain.TimelineEvent
		if err := rows.Scan(&e.Seq, &e.OrderID, &e.Type, &e.Reason, &e.Version, &e.Actor, &e.Occurred); err != nil {
			return nil, fmt.Errorf("scan timeline event: %w", err)
		}
		e.Occurred = e.Occurred.UTC()
		history = append(history, e)
	}
	if err := rows.Err(); err != nil {
		return nil, translateError("list timeline events", err)
	}
	return history, nil
}

var _ domain.TimelineRepository = (*TimelineRepository)(nil)
