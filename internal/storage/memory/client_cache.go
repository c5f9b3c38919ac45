package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/cartengine/internal/domain"
)

// DefaultClientCacheHorizon: срок, после которого запись клиентского кэша игнорируется.
const DefaultClientCacheHorizon = 30 * 24 * time.Hour

type cachedEntry struct {
	cart     []domain.CartLine
	customer *domain.CustomerSnapshot
	savedAt  time.Time
}

// ClientCache: in-memory ClientCache. Устаревшие записи не удаляются, а пропускаются при чтении.
type ClientCache struct {
	mu      sync.RWMutex
	entries map[string]cachedEntry
	horizon time.Duration
	now     func() time.Time
}

// NewClientCache создаёт кэш с заданным горизонтом (<=0: 30 дней).
func NewClientCache(horizon time.Duration) *ClientCache {
	if horizon <= 0 {
		horizon = DefaultClientCacheHorizon
	}
	return &ClientCache{
		entries: make(map[string]cachedEntry),
		horizon: horizon,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock подменяет источник времени (для тестов).
func (c *ClientCache) WithClock(now func() time.Time) *ClientCache {
	if now != nil {
		c.now = now
	}
	return c
}

// LoadLocal возвращает копию или ErrCacheMiss.
func (c *ClientCache) LoadLocal(ctx context.Context, sessionID string) (domain.CachedCart, error) {
	if err := ctx.Err(); err != nil {
		return domain.CachedCart{}, err
	}

	c.mu.RLock()
	entry, ok := c.entries[sessionID]
	c.mu.RUnlock()

	if !ok || c.now().Sub(entry.savedAt) > c.horizon {
		return domain.CachedCart{}, domain.ErrCacheMiss
	}

	out := domain.CachedCart{Cart: domain.CloneLines(entry.cart), SavedAt: entry.savedAt}
	if entry.customer != nil {
		customer := *entry.customer
		out.Customer = &customer
	}
	return out, nil
}

// SaveLocal запоминает корзину и контакты.
func (c *ClientCache) SaveLocal(ctx context.Context, sessionID string, cart []domain.CartLine, customer domain.CustomerSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sessionID == "" {
		return domain.ErrSessionIDRequired
	}

	lines := domain.CloneLines(cart)
	if lines == nil {
		lines = []domain.CartLine{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[sessionID] = cachedEntry{cart: lines, customer: &customer, savedAt: c.now()}
	return nil
}

var _ domain.ClientCache = (*ClientCache)(nil)
