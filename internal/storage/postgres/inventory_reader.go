package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/vladislavdragonenkov/cartengine/internal/domain"
)

// InventoryReader читает остатки из таблицы inventory_levels.
type InventoryReader struct {
	db *sql.DB
}

// NewInventoryReader создаёт PostgreSQL-реализацию InventoryReader.
func NewInventoryReader(store *Store) *InventoryReader {
	return &InventoryReader{db: store.DB()}
}

// Available возвращает остаток варианта; отсутствующая строка означает ноль.
func (r *InventoryReader) Available(ctx context.Context, variantID string) (int, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	var available int
	err := r.db.QueryRowContext(ctx, `
		SELECT available FROM inventory_levels WHERE variant_id = $1
	`, variantID).Scan(&available)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, translateError("select inventory level", err)
	}
	return available, nil
}

// SetLevel задаёт остаток варианта (админские инструменты и тесты).
func (r *InventoryReader) SetLevel(ctx context.Context, variantID string, available int) error {
	if available < 0 {
		available = 0
	}

	ctx, cancel := opContext(ctx)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO inventory_levels (variant_id, available, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (variant_id) DO UPDATE
		SET available = EXCLUDED.available, updated_at = EXCLUDED.updated_at
	`, variantID, available, time.Now().UTC()); err != nil {
		return translateError("upsert inventory level", err)
	}
	return nil
}

var _ domain.InventoryReader = (*InventoryReader)(nil)
