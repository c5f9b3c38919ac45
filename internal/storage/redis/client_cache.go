package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/cartengine/internal/domain"
)

const (
	// DefaultHorizon: возраст, после которого запись считается устаревшей.
	DefaultHorizon = 30 * 24 * time.Hour
	// expiryGrace держит ключ в Redis дольше горизонта: устаревшая запись игнорируется, а не исчезает.
	expiryGrace = 7 * 24 * time.Hour
)

// cartBlob и customerBlob: два независимых значения, как в браузерном хранилище.
type cartBlob struct {
	SessionID string            `json:"session_id"`
	Cart      []domain.CartLine `json:"cart"`
	SavedAt   time.Time         `json:"saved_at"`
}

type customerBlob struct {
	Customer domain.CustomerSnapshot `json:"customer"`
	SavedAt  time.Time               `json:"saved_at"`
}

// ClientCache хранит копию корзины и контактов в Redis в виде URL-encoded JSON.
type ClientCache struct {
	client  goredis.UniversalClient
	horizon time.Duration
	now     func() time.Time
}

// Option настраивает ClientCache.
type Option func(*ClientCache)

// WithHorizon задаёт срок актуальности записей.
func WithHorizon(horizon time.Duration) Option {
	return func(c *ClientCache) {
		if horizon > 0 {
			c.horizon = horizon
		}
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(c *ClientCache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewClientCache создаёт кэш поверх готового клиента Redis.
func NewClientCache(client goredis.UniversalClient, opts ...Option) *ClientCache {
	c := &ClientCache{
		client:  client,
		horizon: DefaultHorizon,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LoadLocal читает обе части. Отсутствующая или устаревшая часть пропускается.
func (c *ClientCache) LoadLocal(ctx context.Context, sessionID string) (domain.CachedCart, error) {
	if sessionID == "" {
		return domain.CachedCart{}, domain.ErrSessionIDRequired
	}

	values, err := c.client.MGet(ctx, cartKey(sessionID), customerKey(sessionID)).Result()
	if err != nil {
		return domain.CachedCart{}, fmt.Errorf("redis mget failed: %w", err)
	}

	var out domain.CachedCart
	now := c.now()

	if raw, ok := values[0].(string); ok {
		var blob cartBlob
		if err := decodeBlob(raw, &blob); err != nil {
			return domain.CachedCart{}, fmt.Errorf("decode cart blob: %w", err)
		}
		if now.Sub(blob.SavedAt) <= c.horizon {
			out.Cart = blob.Cart
			if out.Cart == nil {
				out.Cart = []domain.CartLine{}
			}
			out.SavedAt = blob.SavedAt
		}
	}

	if raw, ok := values[1].(string); ok {
		var blob customerBlob
		if err := decodeBlob(raw, &blob); err != nil {
			return domain.CachedCart{}, fmt.Errorf("decode customer blob: %w", err)
		}
		if now.Sub(blob.SavedAt) <= c.horizon {
			customer := blob.Customer
			out.Customer = &customer
			if blob.SavedAt.After(out.SavedAt) {
				out.SavedAt = blob.SavedAt
			}
		}
	}

	if out.Empty() {
		return domain.CachedCart{}, domain.ErrCacheMiss
	}
	return out, nil
}

// SaveLocal записывает обе части одной транзакцией.
func (c *ClientCache) SaveLocal(ctx context.Context, sessionID string, cart []domain.CartLine, customer domain.CustomerSnapshot) error {
	if sessionID == "" {
		return domain.ErrSessionIDRequired
	}
	if cart == nil {
		cart = []domain.CartLine{}
	}

	savedAt := c.now()
	cartValue, err := encodeBlob(cartBlob{SessionID: sessionID, Cart: cart, SavedAt: savedAt})
	if err != nil {
		return fmt.Errorf("encode cart blob: %w", err)
	}
	customerValue, err := encodeBlob(customerBlob{Customer: customer, SavedAt: savedAt})
	if err != nil {
		return fmt.Errorf("encode customer blob: %w", err)
	}

	ttl := c.horizon + expiryGrace
	_, err = c.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, cartKey(sessionID), cartValue, ttl)
		pipe.Set(ctx, customerKey(sessionID), customerValue, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Ping проверяет соединение (для readiness).
func (c *ClientCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func encodeBlob(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return url.QueryEscape(string(raw)), nil
}

func decodeBlob(value string, v any) error {
	raw, err := url.QueryUnescape(value)
	if err != nil {
		return err
	}
	if raw == "" {
		return errors.New("empty blob")
	}
	return json.Unmarshal([]byte(raw), v)
}

func cartKey(sessionID string) string {
	return fmt.Sprintf("cart:%s", sessionID)
}

func customerKey(sessionID string) string {
	return fmt.Sprintf("customer:%s", sessionID)
}

var _ domain.ClientCache = (*ClientCache)(nil)
