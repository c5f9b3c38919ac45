package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/vladislavdragonenkov/cartengine/internal/domain"
)

// versionStoreInMemory хранит все версии заказов и указатель на текущую версию.
type versionStoreInMemory struct {
	mu       sync.RWMutex
	versions map[string]domain.Order
	// chains: базовый номер -> id версий от первой к последней.
	chains  map[string][]string
	current map[string]string
}

// NewVersionStore возвращает in-memory VersionStore.
func NewVersionStore() domain.VersionStore {
	return &versionStoreInMemory{
		versions: make(map[string]domain.Order),
		chains:   make(map[string][]string),
		current:  make(map[string]string),
	}
}

// Append сохраняет первую версию заказа, если базовый номер ещё свободен.
func (s *versionStoreInMemory) Append(ctx context.Context, order domain.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	base := strings.TrimSpace(order.BaseOrderNumber)
	if base == "" {
		return domain.ErrBaseOrderNumberRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.current[base]; exists {
		return domain.ErrOrderNumberTaken
	}
	if _, exists := s.versions[order.ID]; exists {
		return domain.ErrVersionConflict
	}

	s.versions[order.ID] = order.Clone()
	s.chains[base] = []string{order.ID}
	s.current[base] = order.ID
	return nil
}

// Get возвращает версию по идентификатору.
func (s *versionStoreInMemory) Get(ctx context.Context, versionID string) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.versions[versionID]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order.Clone(), nil
}

// CurrentFor возвращает текущую версию по базовому номеру.
func (s *versionStoreInMemory) CurrentFor(ctx context.Context, baseOrderNumber string) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.current[baseOrderNumber]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return s.versions[id].Clone(), nil
}

// HistoryFor возвращает вытесненные версии от новой к старой.
func (s *versionStoreInMemory) HistoryFor(ctx context.Context, baseOrderNumber string) ([]domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	chain, ok := s.chains[baseOrderNumber]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	currentID := s.current[baseOrderNumber]

	history := make([]domain.Order, 0, len(chain))
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i] == currentID {
			continue
		}
		history = append(history, s.versions[chain[i]].Clone())
	}
	return history, nil
}

// SwapCurrent сохраняет next и переносит указатель, если текущая версия не менялась.
func (s *versionStoreInMemory) SwapCurrent(ctx context.Context, baseOrderNumber, expectedCurrentID string, next domain.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if next.BaseOrderNumber != baseOrderNumber {
		return domain.ErrVersionChainBroken
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	currentID, ok := s.current[baseOrderNumber]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if currentID != expectedCurrentID {
		return domain.ErrVersionConflict
	}
	if _, exists := s.versions[next.ID]; exists {
		return domain.ErrVersionConflict
	}

	s.versions[next.ID] = next.Clone()
	s.chains[baseOrderNumber] = append(s.chains[baseOrderNumber], next.ID)
	s.current[baseOrderNumber] = next.ID
	return nil
}

// ListCurrent возвращает текущие версии; порядок: по времени создания заказа, новые первыми.
func (s *versionStoreInMemory) ListCurrent(ctx context.Context, limit int) ([]domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	type entry struct {
		order  domain.Order
		placed domain.Order
	}
	entries := make([]entry, 0, len(s.current))
	for base, id := range s.current {
		entries = append(entries, entry{
			order:  s.versions[id],
			placed: s.versions[s.chains[base][0]],
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].placed, entries[j].placed
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.BaseOrderNumber > b.BaseOrderNumber
	})

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	result := make([]domain.Order, 0, len(entries))
	for _, e := range entries {
		result = append(result, e.order.Clone())
	}
	return result, nil
}

var _ domain.VersionStore = (*versionStoreInMemory)(nil)
