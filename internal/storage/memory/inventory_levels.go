package memory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/cartengine/internal/domain"
)

// InventoryLevels: таблица остатков в памяти. Реализует domain.InventoryReader.
type InventoryLevels struct {
	mu     sync.RWMutex
	levels map[string]int
}

// NewInventoryLevels создаёт таблицу с начальными остатками.
func NewInventoryLevels(initial map[string]int) *InventoryLevels {
	levels := make(map[string]int, len(initial))
	for k, v := range initial {
		levels[k] = v
	}
	return &InventoryLevels{levels: levels}
}

// Available возвращает остаток; неизвестный вариант: ноль.
func (l *InventoryLevels) Available(ctx context.Context, variantID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.levels[variantID], nil
}

// Set задаёт остаток варианта. Отрицательные значения приводятся к нулю.
func (l *InventoryLevels) Set(variantID string, qty int) {
	if qty < 0 {
		qty = 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.levels[variantID] = qty
}

var _ domain.InventoryReader = (*InventoryLevels)(nil)
