package postgres

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/cartengine/internal/domain"
)

func TestSessionStore_PostgresRoundTrip(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	sessions := NewSessionStore(store)
	ctx := context.Background()

	_, err := sessions.Load(ctx, "s-pg-1")
	require.ErrorIs(t, err, domain.ErrSessionNotFound)

	variant := "var-blue"
	session := domain.NewSession("s-pg-1")
	session.Cart = append(session.Cart, domain.CartLine{
		VariantID:   &variant,
		ProductID:   "prod-1",
		ProductName: "Kettle",
		UnitPrice:   decimal.RequireFromString("49.90"),
		Quantity:    2,
	})
	session.Customer = domain.CustomerSnapshot{Email: "pg@example.com"}
	session.LastSeenIP = "10.0.0.1"
	require.NoError(t, sessions.Save(ctx, session))

	loaded, err := sessions.Load(ctx, "s-pg-1")
	require.NoError(t, err)
	require.Len(t, loaded.Cart, 1)
	require.Equal(t, "var-blue", loaded.Cart[0].Key())
	require.True(t, loaded.Cart[0].UnitPrice.Equal(decimal.RequireFromString("49.9")))
	require.Equal(t, "pg@example.com", loaded.Customer.Email)
	require.Equal(t, "10.0.0.1", loaded.LastSeenIP)
	require.False(t, loaded.UpdatedAt.IsZero())

	// Last write wins.
	session.Cart = nil
	require.NoError(t, sessions.Save(ctx, session))
	loaded, err = sessions.Load(ctx, "s-pg-1")
	require.NoError(t, err)
	require.Empty(t, loaded.Cart)
}

func TestInventoryReader_PostgresLevels(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	reader := NewInventoryReader(store)
	ctx := context.Background()

	available, err := reader.Available(ctx, "unknown")
	require.NoError(t, err)
	require.Zero(t, available)

	require.NoError(t, reader.SetLevel(ctx, "var-1", 5))
	require.NoError(t, reader.SetLevel(ctx, "var-1", 3))

	available, err = reader.Available(ctx, "var-1")
	require.NoError(t, err)
	require.Equal(t, 3, available)
}
