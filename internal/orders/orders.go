package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/stores/postgres"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const orderColumns = `id, user_id, total_amount, status, payment_intent_id, client_secret, created_at, updated_at`

// Conf is the Postgres order store. Every status or gateway-field write is a
// single conditional UPDATE, so concurrent writers never need a lock.
type Conf struct {
	db *sql.DB
}

func NewConf(db *sql.DB) (*Conf, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	return &Conf{db: db}, nil
}

// CreateOrder inserts a pending order and its lines in one transaction.
func (c *Conf) CreateOrder(ctx context.Context, userID string, lines []NewLine) (Order, error) {
	var order Order
	err := postgres.WithTx(ctx, c.db, func(tx *sql.Tx) error {
		var err error
		order, err = c.CreateOrderTx(ctx, tx, userID, lines)
		return err
	})
	return order, err
}

// CreateOrderTx is CreateOrder inside the caller's transaction.
func (c *Conf) CreateOrderTx(ctx context.Context, q postgres.Querier, userID string, lines []NewLine) (Order, error) {
	if userID == "" {
		return Order{}, &ValidationError{Field: "user_id", Reason: "must not be empty"}
	}
	if err := ValidateLines(lines); err != nil {
		return Order{}, err
	}

	order := Order{
		ID:          uuid.NewString(),
		UserID:      userID,
		TotalAmount: Total(lines),
		Status:      StatusPending,
	}

	queryInsertOrder := `
		INSERT INTO orders (id, user_id, total_amount, status)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`
	err := q.QueryRowContext(ctx, queryInsertOrder, order.ID, order.UserID, order.TotalAmount, order.Status).
		Scan(&order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return Order{}, fmt.Errorf("failed to insert order: %w", err)
	}

	queryInsertLine := `
		INSERT INTO order_lines (order_id, product_id, product_name, quantity, unit_price)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	for _, l := range lines {
		line := Line{
			ProductID:   l.ProductID,
			ProductName: l.ProductName,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
		}
		err := q.QueryRowContext(ctx, queryInsertLine, order.ID, l.ProductID, l.ProductName, l.Quantity, l.UnitPrice).
			Scan(&line.ID)
		if err != nil {
			return Order{}, fmt.Errorf("failed to insert order line %s: %w", l.ProductID, err)
		}
		order.Lines = append(order.Lines, line)
	}
	return order, nil
}

// GetOrder returns the order with its lines. Orders owned by someone else are ErrNotFound.
func (c *Conf) GetOrder(ctx context.Context, id string, userID string) (Order, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Order{}, ErrNotFound
	}
	row := c.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 AND user_id = $2`, id, userID)
	return c.scanWithLines(ctx, row)
}

// GetOrderByID returns any order regardless of owner, for staff actions.
func (c *Conf) GetOrderByID(ctx context.Context, id string) (Order, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Order{}, ErrNotFound
	}
	return c.getByID(ctx, id)
}

// ListOrders returns the user's orders, newest first.
func (c *Conf) ListOrders(ctx context.Context, userID string) ([]Order, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var list []Order
	index := map[string]int{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		index[o.ID] = len(list)
		list = append(list, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}
	if len(list) == 0 {
		return []Order{}, nil
	}

	lineRows, err := c.db.QueryContext(ctx, `
		SELECT l.order_id, l.id, l.product_id, l.product_name, l.quantity, l.unit_price
		FROM order_lines l
		JOIN orders o ON o.id = l.order_id
		WHERE o.user_id = $1
		ORDER BY l.order_id, l.id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query order lines: %w", err)
	}
	defer lineRows.Close()

	for lineRows.Next() {
		var orderID string
		var l Line
		if err := lineRows.Scan(&orderID, &l.ID, &l.ProductID, &l.ProductName, &l.Quantity, &l.UnitPrice); err != nil {
			return nil, fmt.Errorf("failed to scan order line: %w", err)
		}
		if i, ok := index[orderID]; ok {
			list[i].Lines = append(list[i].Lines, l)
		}
	}
	if err := lineRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating order lines: %w", err)
	}
	return list, nil
}

// GetOrderByCorrelationID looks an order up by its payment intent id. It is
// not owner scoped and is meant for gateway-originated events only.
func (c *Conf) GetOrderByCorrelationID(ctx context.Context, correlationID string) (Order, error) {
	if correlationID == "" {
		return Order{}, ErrNotFound
	}
	row := c.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE payment_intent_id = $1`, correlationID)
	return c.scanWithLines(ctx, row)
}

func (c *Conf) GetOwnedOrderByCorrelationID(ctx context.Context, correlationID string, userID string) (Order, error) {
	if correlationID == "" {
		return Order{}, ErrNotFound
	}
	row := c.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE payment_intent_id = $1 AND user_id = $2`, correlationID, userID)
	return c.scanWithLines(ctx, row)
}

// TransitionStatus moves the order from expected to next only if it is
// still in expected. Otherwise it returns *ConflictError with the status
// actually found, or ErrNotFound.
func (c *Conf) TransitionStatus(ctx context.Context, id string, expected Status, next Status) (Order, error) {
	if !CanTransition(expected, next) {
		return Order{}, &ValidationError{Field: "status", Reason: fmt.Sprintf("cannot move from %s to %s", expected, next)}
	}
	if _, err := uuid.Parse(id); err != nil {
		return Order{}, ErrNotFound
	}

	queryTransition := `
		UPDATE orders
		SET status = $3, updated_at = GREATEST(NOW(), updated_at)
		WHERE id = $1 AND status = $2
		RETURNING ` + orderColumns
	row := c.db.QueryRowContext(ctx, queryTransition, id, expected, next)
	order, err := c.scanWithLines(ctx, row)
	if errors.Is(err, ErrNotFound) {
		current, err := c.currentStatus(ctx, id)
		if err != nil {
			return Order{}, err
		}
		return Order{}, &ConflictError{OrderID: id, Expected: expected, Actual: current}
	}
	return order, err
}

// AttachGatewayIntent records the payment intent on an order that has none.
// Attaching the same id again returns the order unchanged.
func (c *Conf) AttachGatewayIntent(ctx context.Context, id string, correlationID string, clientSecret string) (Order, error) {
	if correlationID == "" {
		return Order{}, &ValidationError{Field: "payment_intent_id", Reason: "must not be empty"}
	}
	if _, err := uuid.Parse(id); err != nil {
		return Order{}, ErrNotFound
	}

	queryAttach := `
		UPDATE orders
		SET payment_intent_id = $2, client_secret = $3, updated_at = GREATEST(NOW(), updated_at)
		WHERE id = $1 AND payment_intent_id IS NULL
		RETURNING ` + orderColumns
	row := c.db.QueryRowContext(ctx, queryAttach, id, correlationID, nullable(clientSecret))
	order, err := c.scanWithLines(ctx, row)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return order, mapUniqueViolation(err)
	}

	existing, err := c.getByID(ctx, id)
	if err != nil {
		return Order{}, err
	}
	if existing.PaymentIntentID == correlationID {
		return existing, nil
	}
	return Order{}, &AlreadyAttachedError{OrderID: id, Existing: existing.PaymentIntentID}
}

// SupersedeGatewayIntent swaps previousID for correlationID on a pending
// order. Only the engine calls it, after the gateway reported previousID as canceled.
func (c *Conf) SupersedeGatewayIntent(ctx context.Context, id string, previousID string, correlationID string, clientSecret string) (Order, error) {
	if correlationID == "" || previousID == "" {
		return Order{}, &ValidationError{Field: "payment_intent_id", Reason: "must not be empty"}
	}
	if _, err := uuid.Parse(id); err != nil {
		return Order{}, ErrNotFound
	}

	querySupersede := `
		UPDATE orders
		SET payment_intent_id = $3, client_secret = $4, updated_at = GREATEST(NOW(), updated_at)
		WHERE id = $1 AND status = 'pending' AND payment_intent_id = $2
		RETURNING ` + orderColumns
	row := c.db.QueryRowContext(ctx, querySupersede, id, previousID, correlationID, nullable(clientSecret))
	order, err := c.scanWithLines(ctx, row)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return order, mapUniqueViolation(err)
	}

	existing, err := c.getByID(ctx, id)
	if err != nil {
		return Order{}, err
	}
	switch {
	case existing.PaymentIntentID == correlationID:
		return existing, nil
	case existing.Status != StatusPending:
		return Order{}, &ConflictError{OrderID: id, Expected: StatusPending, Actual: existing.Status}
	default:
		return Order{}, &AlreadyAttachedError{OrderID: id, Existing: existing.PaymentIntentID}
	}
}

// ListStalePending returns pending orders holding a payment intent that have
// not been written since olderThan, oldest first.
func (c *Conf) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]Order, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = 'pending' AND payment_intent_id IS NOT NULL AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale orders: %w", err)
	}
	defer rows.Close()

	var list []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stale orders: %w", err)
	}
	return list, nil
}

func (c *Conf) getByID(ctx context.Context, id string) (Order, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	return c.scanWithLines(ctx, row)
}

func (c *Conf) currentStatus(ctx context.Context, id string) (Status, error) {
	var status Status
	err := c.db.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read order status: %w", err)
	}
	return status, nil
}

func (c *Conf) scanWithLines(ctx context.Context, row *sql.Row) (Order, error) {
	order, err := scanOrder(row)
	if err != nil {
		return Order{}, err
	}
	order.Lines, err = c.lines(ctx, order.ID)
	if err != nil {
		return Order{}, err
	}
	return order, nil
}

func (c *Conf) lines(ctx context.Context, orderID string) ([]Line, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, product_id, product_name, quantity, unit_price
		FROM order_lines
		WHERE order_id = $1
		ORDER BY id
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query order lines: %w", err)
	}
	defer rows.Close()

	var lines []Line
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ID, &l.ProductID, &l.ProductName, &l.Quantity, &l.UnitPrice); err != nil {
			return nil, fmt.Errorf("failed to scan order line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating order lines: %w", err)
	}
	return lines, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(s rowScanner) (Order, error) {
	var o Order
	var intent, secret sql.NullString
	err := s.Scan(&o.ID, &o.UserID, &o.TotalAmount, &o.Status, &intent, &secret, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, fmt.Errorf("failed to scan order: %w", err)
	}
	o.PaymentIntentID = intent.String
	o.ClientSecret = secret.String
	return o, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func mapUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrIntentInUse
	}
	return err
}
