package redis

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/cartengine/internal/domain"
)

// setupTestCache поднимает miniredis и возвращает кэш с управляемыми часами.
func setupTestCache(t *testing.T, now *time.Time) (*ClientCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cache := NewClientCache(client, WithClock(func() time.Time { return *now }))
	return cache, mr
}

func TestClientCache_SaveAndLoad(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	cache, mr := setupTestCache(t, &now)
	ctx := context.Background()

	variant := "var-7"
	cart := []domain.CartLine{{
		VariantID: &variant, ProductID: "p-7", ProductName: "Chair",
		UnitPrice: decimal.RequireFromString("120.00"), Quantity: 1,
	}}
	require.NoError(t, cache.SaveLocal(ctx, "sess-1", cart, domain.CustomerSnapshot{Phone: "+7"}))

	got, err := cache.LoadLocal(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, got.Cart, 1)
	assert.Equal(t, "var-7", got.Cart[0].Key())
	require.NotNil(t, got.Customer)
	assert.Equal(t, "+7", got.Customer.Phone)
	assert.True(t, got.SavedAt.Equal(now))

	// Значения хранятся как URL-encoded JSON.
	raw, err := mr.Get("cart:sess-1")
	require.NoError(t, err)
	decoded, err := url.QueryUnescape(raw)
	require.NoError(t, err)
	assert.Contains(t, decoded, `"session_id":"sess-1"`)
	assert.NotContains(t, raw, `"`)

	ttl := mr.TTL("customer:sess-1")
	assert.Greater(t, ttl, DefaultHorizon)
}

func TestClientCache_Miss(t *testing.T) {
	now := time.Now().UTC()
	cache, _ := setupTestCache(t, &now)

	_, err := cache.LoadLocal(context.Background(), "nobody")
	assert.True(t, errors.Is(err, domain.ErrCacheMiss))
}

func TestClientCache_StaleEntriesIgnored(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cache, mr := setupTestCache(t, &now)
	ctx := context.Background()

	require.NoError(t, cache.SaveLocal(ctx, "sess-2", nil, domain.CustomerSnapshot{Email: "e@x.io"}))

	now = now.Add(31 * 24 * time.Hour)
	_, err := cache.LoadLocal(ctx, "sess-2")
	assert.ErrorIs(t, err, domain.ErrCacheMiss)

	// Запись осталась в Redis, её просто не читают.
	assert.True(t, mr.Exists("cart:sess-2"))
}

func TestClientCache_OnlyCustomerPresent(t *testing.T) {
	now := time.Now().UTC()
	cache, mr := setupTestCache(t, &now)

	value, err := encodeBlob(customerBlob{Customer: domain.CustomerSnapshot{Name: "Lee"}, SavedAt: now})
	require.NoError(t, err)
	require.NoError(t, mr.Set("customer:sess-3", value))

	got, err := cache.LoadLocal(context.Background(), "sess-3")
	require.NoError(t, err)
	assert.Nil(t, got.Cart)
	require.NotNil(t, got.Customer)
	assert.Equal(t, "Lee", got.Customer.Name)
}

func TestClientCache_InvalidBlob(t *testing.T) {
	now := time.Now().UTC()
	cache, mr := setupTestCache(t, &now)
	require.NoError(t, mr.Set("cart:sess-4", "%7Bnot-json"))

	_, err := cache.LoadLocal(context.Background(), "sess-4")
	require.Error(t, err)
	assert.False(t, errors.Is(err, domain.ErrCacheMiss))
}

func TestClientCache_RedisDown(t *testing.T) {
	now := time.Now().UTC()
	cache, mr := setupTestCache(t, &now)
	mr.Close()

	err := cache.SaveLocal(context.Background(), "sess-5", nil, domain.CustomerSnapshot{})
	require.Error(t, err)
	require.Error(t, cache.Ping(context.Background()))
}
