package order

import (
	"context"
	"errors"
	"strings"

	"github.com/vladislavdragonenkov/cartengine/internal/domain"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Queries: чтение заказов, версий и истории.
type Queries struct {
	versions domain.VersionStore
	timeline domain.TimelineRepository
}

// NewQueries создаёт сервис чтения.
func NewQueries(versions domain.VersionStore, timeline domain.TimelineRepository) *Queries {
	return &Queries{versions: versions, timeline: timeline}
}

// Get возвращает версию по идентификатору версии или текущую версию по базовому номеру.
func (q *Queries) Get(ctx context.Context, id string) (domain.Order, error) {
	return resolve(ctx, q.versions, id)
}

// Current возвращает текущую версию заказа, к которому относится id.
func (q *Queries) Current(ctx context.Context, id string) (domain.Order, error) {
	order, err := resolve(ctx, q.versions, id)
	if err != nil {
		return domain.Order{}, err
	}
	return q.versions.CurrentFor(ctx, order.BaseOrderNumber)
}

// Versions возвращает текущую версию и все вытесненные, новые первыми.
func (q *Queries) Versions(ctx context.Context, id string) ([]domain.Order, error) {
	current, err := q.Current(ctx, id)
	if err != nil {
		return nil, err
	}
	history, err := q.versions.HistoryFor(ctx, current.BaseOrderNumber)
	if err != nil {
		return nil, err
	}
	return append([]domain.Order{current}, history...), nil
}

// History возвращает только вытесненные версии, новые первыми.
func (q *Queries) History(ctx context.Context, id string) ([]domain.Order, error) {
	order, err := resolve(ctx, q.versions, id)
	if err != nil {
		return nil, err
	}
	return q.versions.HistoryFor(ctx, order.BaseOrderNumber)
}

// List возвращает текущие версии заказов, новые первыми.
func (q *Queries) List(ctx context.Context, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return q.versions.ListCurrent(ctx, limit)
}

// Timeline возвращает журнал событий заказа.
func (q *Queries) Timeline(ctx context.Context, id string) ([]domain.TimelineEvent, error) {
	order, err := resolve(ctx, q.versions, id)
	if err != nil {
		return nil, err
	}
	if q.timeline == nil {
		return []domain.TimelineEvent{}, nil
	}
	return q.timeline.List(ctx, order.BaseOrderNumber)
}

// resolve ищет версию по идентификатору, а затем текущую версию по базовому номеру.
// Базовый номер хранится в каждой версии, номер вида base-vN не разбирается.
func resolve(ctx context.Context, versions domain.VersionStore, id string) (domain.Order, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Order{}, domain.ErrOrderNotFound
	}

	order, err := versions.Get(ctx, id)
	if err == nil {
		return order, nil
	}
	if !errors.Is(err, domain.ErrOrderNotFound) {
		return domain.Order{}, err
	}
	return versions.CurrentFor(ctx, id)
}
