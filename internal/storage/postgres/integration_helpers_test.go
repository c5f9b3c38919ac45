package postgres

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// envIntegrationDSN указывает на базу, которую интеграционные тесты могут очищать.
const envIntegrationDSN = "CARTENGINE_POSTGRES_TEST_DSN"

// integrationTables перечислены в порядке, допустимом для TRUNCATE ... CASCADE.
var integrationTables = []string{
	"idempotency_keys",
	"outbox_messages",
	"timeline_events",
	"order_heads",
	"order_version_items",
	"order_versions",
	"inventory_levels",
	"cart_sessions",
}

// openRawPostgresStoreForIntegrationTest открывает базу без миграций.
func openRawPostgresStoreForIntegrationTest(t *testing.T) *Store {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv(envIntegrationDSN))
	if dsn == "" {
		t.Skipf("%s is not set", envIntegrationDSN)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	store, err := Open(ctx, dsn)
	if err != nil {
		t.Skipf("postgres is not reachable: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// openPostgresStoreForIntegrationTest возвращает базу с актуальной схемой и пустыми таблицами.
func openPostgresStoreForIntegrationTest(t *testing.T) *Store {
	t.Helper()

	store := openRawPostgresStoreForIntegrationTest(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, store.MigrateUp(ctx, 0))
	truncateAllTablesForIntegrationTest(t, store)
	return store
}

func truncateAllTablesForIntegrationTest(t *testing.T, store *Store) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := store.DB().ExecContext(ctx,
		"TRUNCATE TABLE "+strings.Join(integrationTables, ", ")+" RESTART IDENTITY CASCADE")
	require.NoError(t, err, "truncate integration tables")
}
