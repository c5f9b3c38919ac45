package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/cartengine/internal/domain"
)

// TimelineRepository держит историю заказов в памяти.
type TimelineRepository struct {
	mu      sync.RWMutex
	seq     int64
	byOrder map[string][]domain.TimelineEvent
}

func NewTimelineRepository() *TimelineRepository {
	return &TimelineRepository{byOrder: make(map[string][]domain.TimelineEvent)}
}

func (r *TimelineRepository) Append(ctx context.Context, event domain.TimelineEvent) (domain.TimelineEvent, error) {
	if err := ctx.Err(); err != nil {
		return domain.TimelineEvent{}, err
	}
	event, err := event.Normalize(time.Now().UTC())
	if err != nil {
		return domain.TimelineEvent{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	event.Seq = r.seq
	history := r.byOrder[event.OrderID]
	// Вставка с сохранением порядка: события версии могут прийти с более ранним Occurred.
	at, _ := slices.BinarySearchFunc(history, event, domain.CompareTimeline)
	r.byOrder[event.OrderID] = slices.Insert(history, at, event)
	return event, nil
}

func (r *TimelineRepository) List(ctx context.Context, orderID string) ([]domain.TimelineEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.TimelineEvent{}, r.byOrder[orderID]...), nil
}

var _ domain.TimelineRepository = (*TimelineRepository)(nil)
