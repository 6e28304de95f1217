package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"payment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// paid statuses are never left by a payment transition
const notPaid = "status NOT IN ('processing', 'completed')"

// CreateOrder inserts an order with its line items
func (s *Store) CreateOrder(ctx context.Context, order *models.Order, items []models.OrderItem) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO orders (user_id, total, currency, payment_method, status, is_pre_order, billing, shipping)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`

	err = tx.QueryRowxContext(ctx, query,
		order.UserID, order.Total, order.Currency, order.PaymentMethod, order.Status,
		order.IsPreOrder, order.Billing, order.Shipping,
	).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	for i := range items {
		items[i].OrderID = order.ID
		err = tx.GetContext(ctx, &items[i].ID,
			"INSERT INTO order_items (order_id, name, quantity, unit_price) VALUES ($1, $2, $3, $4) RETURNING id",
			order.ID, items[i].Name, items[i].Quantity, items[i].UnitPrice)
		if err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}
	}

	return tx.Commit()
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderItems retrieves all items for an order
func (s *Store) GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	return items, err
}

// SavePurchase stores a freshly created purchase as the order's current
// snapshot and appends it to the purchase history
func (s *Store) SavePurchase(ctx context.Context, orderID int64, gatewayID string, purchase *models.Purchase) error {
	snapshot, err := purchase.Snapshot()
	if err != nil {
		return fmt.Errorf("failed to encode purchase: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"UPDATE orders SET purchase = $2, payment_method = $3, updated_at = NOW() WHERE id = $1",
		orderID, string(snapshot), gatewayID)
	if err != nil {
		return fmt.Errorf("failed to store purchase snapshot: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO order_purchases (order_id, purchase_id, gateway_id, status, snapshot)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (purchase_id) DO NOTHING`,
		orderID, purchase.ID, gatewayID, string(purchase.Status), string(snapshot))
	if err != nil {
		return fmt.Errorf("failed to record purchase history: %w", err)
	}

	return tx.Commit()
}

// RefreshPurchase replaces the snapshot with a newer view of the same
// purchase. A snapshot of a different purchase is left untouched.
func (s *Store) RefreshPurchase(ctx context.Context, orderID int64, purchase *models.Purchase) error {
	snapshot, err := purchase.Snapshot()
	if err != nil {
		return fmt.Errorf("failed to encode purchase: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE orders SET purchase = $2, updated_at = NOW()
		WHERE id = $1 AND purchase->>'id' = $3`,
		orderID, string(snapshot), purchase.ID)
	if err != nil {
		return fmt.Errorf("failed to refresh purchase snapshot: %w", err)
	}
	return nil
}

// CompletePayment marks the order paid exactly once. It reports false when
// the order was already paid, in which case no note is written.
func (s *Store) CompletePayment(ctx context.Context, orderID int64, transactionID, note string) (bool, error) {
	return s.transition(ctx, orderID, note, `
		UPDATE orders
		SET status = 'processing', transaction_id = $2, can_void = FALSE, hold_timestamp = NULL, updated_at = NOW()
		WHERE id = $1 AND `+notPaid,
		orderID, transactionID)
}

// MarkOnHold moves the order on-hold. A non-nil holdAt marks a capturable
// authorization and sets can_void with it.
func (s *Store) MarkOnHold(ctx context.Context, orderID int64, transactionID string, holdAt *time.Time, note string) (bool, error) {
	return s.transition(ctx, orderID, note, `
		UPDATE orders
		SET status = 'on-hold', transaction_id = $2, can_void = $3, hold_timestamp = $4, updated_at = NOW()
		WHERE id = $1 AND status <> 'on-hold' AND `+notPaid,
		orderID, transactionID, holdAt != nil, holdAt)
}

// MarkPreOrdered records a tokenization-only authorization
func (s *Store) MarkPreOrdered(ctx context.Context, orderID int64, note string) (bool, error) {
	return s.transition(ctx, orderID, note, `
		UPDATE orders SET status = 'pre-ordered', updated_at = NOW()
		WHERE id = $1 AND status <> 'pre-ordered' AND `+notPaid,
		orderID)
}

// MarkFailed fails an unpaid order
func (s *Store) MarkFailed(ctx context.Context, orderID int64, note string) (bool, error) {
	return s.transition(ctx, orderID, note, `
		UPDATE orders SET status = 'failed', updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('failed', 'cancelled', 'refunded') AND `+notPaid,
		orderID)
}

// MarkCancelled cancels a voided authorization and clears its hold
func (s *Store) MarkCancelled(ctx context.Context, orderID int64, note string) (bool, error) {
	return s.transition(ctx, orderID, note, `
		UPDATE orders SET status = 'cancelled', can_void = FALSE, hold_timestamp = NULL, updated_at = NOW()
		WHERE id = $1 AND can_void`,
		orderID)
}

// RecordRefund stores a refund and moves the order to refunded once the
// refunded sum reaches the order total
func (s *Store) RecordRefund(ctx context.Context, orderID int64, refundID string, amount int64, reason, note string) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO order_refunds (order_id, refund_id, amount, reason) VALUES ($1, $2, $3, $4)",
		orderID, refundID, amount, reason)
	if err != nil {
		return false, fmt.Errorf("failed to record refund: %w", err)
	}
	if err := insertNote(ctx, tx, orderID, note); err != nil {
		return false, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE orders SET status = 'refunded', updated_at = NOW()
		WHERE id = $1 AND status <> 'refunded'
		AND (SELECT COALESCE(SUM(amount), 0) FROM order_refunds WHERE order_id = $1) >= ROUND(total * 100)`,
		orderID)
	if err != nil {
		return false, fmt.Errorf("failed to update refund status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n == 1, tx.Commit()
}

// AddOrderNote appends a note to an order
func (s *Store) AddOrderNote(ctx context.Context, orderID int64, note string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO order_notes (order_id, note) VALUES ($1, $2)", orderID, note)
	return err
}

// ListOrderNotes returns an order's notes oldest first
func (s *Store) ListOrderNotes(ctx context.Context, orderID int64) ([]models.OrderNote, error) {
	var notes []models.OrderNote
	err := s.db.SelectContext(ctx, &notes,
		"SELECT * FROM order_notes WHERE order_id = $1 ORDER BY id", orderID)
	return notes, err
}

// ListPendingOrders returns ids of pending orders paid through any of the
// gateways that carry a purchase, oldest first
func (s *Store) ListPendingOrders(ctx context.Context, gatewayIDs []string, limit int) ([]int64, error) {
	query, args, err := sqlx.In(`
		SELECT id FROM orders
		WHERE status = 'pending' AND payment_method IN (?) AND purchase <> '{}'::jsonb
		ORDER BY id LIMIT ?`, gatewayIDs, limit)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var ids []int64
	err = s.db.SelectContext(ctx, &ids, query, args...)
	return ids, err
}

// transition runs a guarded UPDATE and writes note only when it changed a row
func (s *Store) transition(ctx context.Context, orderID int64, note, query string, args ...interface{}) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update order %d: %w", orderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if err := insertNote(ctx, tx, orderID, note); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func insertNote(ctx context.Context, tx *sqlx.Tx, orderID int64, note string) error {
	if note == "" {
		return nil
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO order_notes (order_id, note) VALUES ($1, $2)", orderID, note); err != nil {
		return fmt.Errorf("failed to add order note: %w", err)
	}
	return nil
}
