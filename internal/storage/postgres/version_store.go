package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/cartengine/internal/domain"
)

const orderVersionColumns = `
	v.id, v.base_order_number, v.order_number, v.version, v.status, v.customer,
	v.total_amount, v.edit_reason, v.previous_version_id, v.session_id, v.client_ip,
	v.edited_by, v.created_at`

type versionStore struct {
	db *sql.DB
}

// NewVersionStore создаёт PostgreSQL-реализацию VersionStore.
// Версии лежат в order_versions, указатель на текущую версию: в order_heads.
func NewVersionStore(store *Store) domain.VersionStore {
	return &versionStore{db: store.DB()}
}

func (s *versionStore) Append(ctx context.Context, order domain.Order) (err error) {
	if order.BaseOrderNumber == "" {
		return domain.ErrBaseOrderNumberRequired
	}

	ctx, cancel := opContext(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translateError("begin tx", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = insertVersionTx(ctx, tx, order); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrOrderNumberTaken
		}
		return err
	}

	now := time.Now().UTC()
	if _, err = tx.ExecContext(ctx, `
		INSERT INTO order_heads (base_order_number, current_version_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
	`, order.BaseOrderNumber, order.ID, order.CreatedAt, now); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrOrderNumberTaken
		}
		return translateError("insert order head", err)
	}

	if err = tx.Commit(); err != nil {
		return translateError("commit append order", err)
	}
	return nil
}

func (s *versionStore) SwapCurrent(ctx context.Context, baseOrderNumber, expectedCurrentID string, next domain.Order) (err error) {
	if next.BaseOrderNumber != baseOrderNumber {
		return domain.ErrVersionChainBroken
	}

	ctx, cancel := opContext(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translateError("begin tx", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// Параллельная правка той же версии упрётся в UNIQUE (base_order_number, version).
	if err = insertVersionTx(ctx, tx, next); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrVersionConflict
		}
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE order_heads
		SET current_version_id = $1, updated_at = $2
		WHERE base_order_number = $3 AND current_version_id = $4
	`, next.ID, time.Now().UTC(), baseOrderNumber, expectedCurrentID)
	if err != nil {
		return translateError("swap order head", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for order head: %w", err)
	}
	if affected == 0 {
		exists, existsErr := headExistsTx(ctx, tx, baseOrderNumber)
		if existsErr != nil {
			err = existsErr
			return err
		}
		if !exists {
			err = domain.ErrOrderNotFound
			return err
		}
		err = domain.ErrVersionConflict
		return err
	}

	if err = tx.Commit(); err != nil {
		return translateError("commit swap current", err)
	}
	return nil
}

func (s *versionStore) Get(ctx context.Context, versionID string) (domain.Order, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+orderVersionColumns+`
		FROM order_versions v
		WHERE v.id = $1
	`, versionID)
	order, err := scanOrder(row)
	if err != nil {
		return domain.Order{}, err
	}
	return s.withItems(ctx, order)
}

func (s *versionStore) CurrentFor(ctx context.Context, baseOrderNumber string) (domain.Order, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+orderVersionColumns+`
		FROM order_heads h
		JOIN order_versions v ON v.id = h.current_version_id
		WHERE h.base_order_number = $1
	`, baseOrderNumber)
	order, err := scanOrder(row)
	if err != nil {
		return domain.Order{}, err
	}
	return s.withItems(ctx, order)
}

func (s *versionStore) HistoryFor(ctx context.Context, baseOrderNumber string) ([]domain.Order, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	var currentID string
	err := s.db.QueryRowContext(ctx, `
		SELECT current_version_id FROM order_heads WHERE base_order_number = $1
	`, baseOrderNumber).Scan(&currentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, translateError("select order head", err)
	}

	return s.queryOrders(ctx, `SELECT `+orderVersionColumns+`
		FROM order_versions v
		WHERE v.base_order_number = $1 AND v.id <> $2
		ORDER BY v.version DESC
	`, baseOrderNumber, currentID)
}

func (s *versionStore) ListCurrent(ctx context.Context, limit int) ([]domain.Order, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	query := `SELECT ` + orderVersionColumns + `
		FROM order_heads h
		JOIN order_versions v ON v.id = h.current_version_id
		ORDER BY h.created_at DESC, h.base_order_number DESC
	`
	if limit > 0 {
		return s.queryOrders(ctx, query+" LIMIT $1", limit)
	}
	return s.queryOrders(ctx, query)
}

func (s *versionStore) queryOrders(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translateError("list order versions", err)
	}

	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate order versions: %w", err)
	}
	_ = rows.Close()

	for i := range orders {
		withItems, err := s.withItems(ctx, orders[i])
		if err != nil {
			return nil, err
		}
		orders[i] = withItems
	}
	return orders, nil
}

func (s *versionStore) withItems(ctx context.Context, order domain.Order) (domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT variant_id, product_id, product_name, variant_name, variant_code,
		       unit_price, quantity, image_url, available_quantity_at_edit
		FROM order_version_items
		WHERE version_id = $1
		ORDER BY position
	`, order.ID)
	if err != nil {
		return domain.Order{}, translateError("select order items", err)
	}
	defer rows.Close()

	items := make([]domain.OrderLine, 0)
	for rows.Next() {
		var (
			line      domain.OrderLine
			variantID sql.NullString
			available sql.NullInt64
		)
		if err := rows.Scan(
			&variantID, &line.ProductID, &line.ProductName, &line.VariantName, &line.VariantCode,
			&line.UnitPrice, &line.Quantity, &line.ImageURL, &available,
		); err != nil {
			return domain.Order{}, fmt.Errorf("scan order item: %w", err)
		}
		if variantID.Valid {
			v := variantID.String
			line.VariantID = &v
		}
		if available.Valid {
			v := int(available.Int64)
			line.AvailableQuantityAtEdit = &v
		}
		items = append(items, line)
	}
	if err := rows.Err(); err != nil {
		return domain.Order{}, fmt.Errorf("iterate order items: %w", err)
	}

	order.Items = items
	return order, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order       domain.Order
		status      string
		customerRaw []byte
		total       decimal.Decimal
		editReason  sql.NullString
		previousID  sql.NullString
	)
	err := row.Scan(
		&order.ID, &order.BaseOrderNumber, &order.OrderNumber, &order.Version, &status, &customerRaw,
		&total, &editReason, &previousID, &order.SessionID, &order.ClientIP,
		&order.EditedBy, &order.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, translateError("scan order version", err)
	}

	order.Status = domain.OrderStatus(status)
	order.TotalAmount = total
	order.CreatedAt = order.CreatedAt.UTC()
	if editReason.Valid {
		order.EditReason = editReason.String
	}
	if previousID.Valid {
		v := previousID.String
		order.PreviousVersionID = &v
	}
	if err := json.Unmarshal(customerRaw, &order.Customer); err != nil {
		return domain.Order{}, fmt.Errorf("decode order customer: %w", err)
	}
	return order, nil
}

func insertVersionTx(ctx context.Context, tx *sql.Tx, order domain.Order) error {
	customerRaw, err := json.Marshal(order.Customer)
	if err != nil {
		return fmt.Errorf("encode order customer: %w", err)
	}

	var editReason, previousID sql.NullString
	if order.EditReason != "" {
		editReason = sql.NullString{String: order.EditReason, Valid: true}
	}
	if order.PreviousVersionID != nil {
		previousID = sql.NullString{String: *order.PreviousVersionID, Valid: true}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO order_versions (
			id, base_order_number, order_number, version, status, customer, total_amount,
			edit_reason, previous_version_id, session_id, client_ip, edited_by, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`,
		order.ID, order.BaseOrderNumber, order.OrderNumber, order.Version, string(order.Status),
		string(customerRaw), order.TotalAmount, editReason, previousID, order.SessionID,
		order.ClientIP, order.EditedBy, order.CreatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return err
		}
		return translateError("insert order version", err)
	}

	for i, item := range order.Items {
		var variantID sql.NullString
		if item.VariantID != nil {
			variantID = sql.NullString{String: *item.VariantID, Valid: true}
		}
		var available sql.NullInt64
		if item.AvailableQuantityAtEdit != nil {
			available = sql.NullInt64{Int64: int64(*item.AvailableQuantityAtEdit), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO order_version_items (
				version_id, position, variant_id, product_id, product_name, variant_name,
				variant_code, unit_price, quantity, image_url, available_quantity_at_edit
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`,
			order.ID, i, variantID, item.ProductID, item.ProductName, item.VariantName,
			item.VariantCode, item.UnitPrice, item.Quantity, item.ImageURL, available,
		); err != nil {
			return translateError("insert order item", err)
		}
	}

	return nil
}

func headExistsTx(ctx context.Context, tx *sql.Tx, baseOrderNumber string) (bool, error) {
	var exists bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM order_heads WHERE base_order_number = $1)
	`, baseOrderNumber).Scan(&exists); err != nil {
		return false, translateError("check order head exists", err)
	}
	return exists, nil
}

var _ domain.VersionStore = (*versionStore)(nil)
