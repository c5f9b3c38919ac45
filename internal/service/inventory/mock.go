package inventory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/cartengine/internal/domain"
)

// MockReader: конфигурируемая заглушка InventoryReader для тестов.
type MockReader struct {
	mu     sync.Mutex
	Levels map[string]int
	Err    error

	Calls int
}

// NewMockReader возвращает mock с заданными остатками.
func NewMockReader(levels map[string]int) *MockReader {
	if levels == nil {
		levels = map[string]int{}
	}
	return &MockReader{Levels: levels}
}

// Available возвращает заранее настроенный остаток или ошибку и считает вызовы.
func (m *MockReader) Available(_ context.Context, variantID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls++
	if m.Err != nil {
		return 0, m.Err
	}
	return m.Levels[variantID], nil
}

// CallCount возвращает число обращений к складу.
func (m *MockReader) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls
}

var _ domain.InventoryReader = (*MockReader)(nil)
