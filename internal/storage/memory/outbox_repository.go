package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/cartengine/internal/domain"
)

type outboxState int

const (
	outboxPending outboxState = iota
	outboxSent
	outboxDead
)

type outboxEntry struct {
	msg   domain.OutboxMessage
	state outboxState
}

// OutboxRepository: outbox в памяти процесса.
type OutboxRepository struct {
	mu      sync.Mutex
	entries map[string]*outboxEntry
	now     func() time.Time
}

// NewOutboxRepository создаёт пустой outbox.
func NewOutboxRepository() *OutboxRepository {
	return &OutboxRepository{
		entries: make(map[string]*outboxEntry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (r *OutboxRepository) Enqueue(ctx context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return domain.OutboxMessage{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = r.now()
	}
	if msg.NextAttemptAt.IsZero() {
		msg.NextAttemptAt = msg.CreatedAt
	}
	msg.Attempts, msg.LastError = 0, ""
	msg.Payload = slices.Clone(msg.Payload)
	r.entries[msg.ID] = &outboxEntry{msg: msg}
	return msg, nil
}

func (r *OutboxRepository) Pending(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pending := r.AllPending()
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (r *OutboxRepository) MarkSent(ctx context.Context, id string) error {
	return r.update(ctx, id, func(e *outboxEntry) {
		e.msg.Attempts++
		e.state = outboxSent
	})
}

func (r *OutboxRepository) Retry(ctx context.Context, id string, next time.Time, cause string) error {
	return r.update(ctx, id, func(e *outboxEntry) {
		e.msg.Attempts++
		e.msg.NextAttemptAt = next
		e.msg.LastError = cause
	})
}

func (r *OutboxRepository) Bury(ctx context.Context, id string, cause string) error {
	return r.update(ctx, id, func(e *outboxEntry) {
		e.msg.Attempts++
		e.msg.LastError = cause
		e.state = outboxDead
	})
}

func (r *OutboxRepository) Stats(ctx context.Context) (domain.OutboxStats, error) {
	if err := ctx.Err(); err != nil {
		return domain.OutboxStats{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var stats domain.OutboxStats
	for _, e := range r.entries {
		switch e.state {
		case outboxPending:
			stats.Pending++
			if stats.OldestPendingAt.IsZero() || e.msg.CreatedAt.Before(stats.OldestPendingAt) {
				stats.OldestPendingAt = e.msg.CreatedAt
			}
		case outboxDead:
			stats.Dead++
		}
	}
	return stats, nil
}

// AllPending возвращает копию pending-сообщений в порядке создания.
func (r *OutboxRepository) AllPending() []domain.OutboxMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.OutboxMessage, 0, len(r.entries))
	for _, e := range r.entries {
		if e.state == outboxPending {
			out = append(out, e.msg)
		}
	}
	slices.SortFunc(out, func(a, b domain.OutboxMessage) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

func (r *OutboxRepository) update(ctx context.Context, id string, apply func(*outboxEntry)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.state != outboxPending {
		return domain.ErrOutboxMessageNotFound
	}
	apply(e)
	return nil
}

var _ domain.OutboxRepository = (*OutboxRepository)(nil)
