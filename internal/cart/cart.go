package cart

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"checkout-service/internal/orders"
	"checkout-service/internal/stores/postgres"
)

type Conf struct {
	db *sql.DB
}

func NewConf(db *sql.DB) (*Conf, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	return &Conf{db: db}, nil
}

// Snapshot prices the user's active cart without locking it, for previews.
func (c *Conf) Snapshot(ctx context.Context, userID string) (Snapshot, error) {
	return c.snapshot(ctx, c.db, userID, false)
}

// SnapshotTx locks the user's active cart and prices every item at the
// current catalog price. The lock holds until q's transaction ends.
func (c *Conf) SnapshotTx(ctx context.Context, q postgres.Querier, userID string) (Snapshot, error) {
	return c.snapshot(ctx, q, userID, true)
}

// snapshot orders lines by product id so the same cart always yields the
// same snapshot.
func (c *Conf) snapshot(ctx context.Context, q postgres.Querier, userID string, lock bool) (Snapshot, error) {
	var cartID int64
	// Query to find an active cart for the user
	queryActiveCart := `
		SELECT id
		FROM cart
		WHERE user_id = $1 AND status = 'active'
		ORDER BY id
		LIMIT 1
	`
	if lock {
		queryActiveCart += " FOR UPDATE"
	}
	err := q.QueryRowContext(ctx, queryActiveCart, userID).Scan(&cartID)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrEmptyCart
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to query active cart: %w", err)
	}

	queryItems := `
		SELECT ci.product_id, p.name, ci.quantity, p.price
		FROM cart_items ci
		JOIN products p ON p.id = ci.product_id
		WHERE ci.cart_id = $1
		ORDER BY ci.product_id
	`
	rows, err := q.QueryContext(ctx, queryItems, cartID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to query cart items: %w", err)
	}
	defer rows.Close()

	snap := Snapshot{CartID: cartID, UserID: userID}
	for rows.Next() {
		var l orders.NewLine
		if err := rows.Scan(&l.ProductID, &l.ProductName, &l.Quantity, &l.UnitPrice); err != nil {
			return Snapshot{}, fmt.Errorf("failed to scan cart item: %w", err)
		}
		snap.Lines = append(snap.Lines, l)
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("error iterating cart items: %w", err)
	}
	if len(snap.Lines) == 0 {
		return Snapshot{}, ErrEmptyCart
	}
	snap.Total = orders.Total(snap.Lines)
	return snap, nil
}

// Clear removes every item from the cart.
func (c *Conf) Clear(ctx context.Context, q postgres.Querier, cartID int64) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM cart_items WHERE cart_id = $1`, cartID); err != nil {
		return fmt.Errorf("failed to clear cart items: %w", err)
	}
	if _, err := q.ExecContext(ctx, `UPDATE cart SET updated_at = NOW() WHERE id = $1`, cartID); err != nil {
		return fmt.Errorf("failed to touch cart: %w", err)
	}
	return nil
}
