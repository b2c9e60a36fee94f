package checkout

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"checkout-service/internal/cart"
	"checkout-service/internal/orders"
	"checkout-service/internal/stores/postgres"
	"checkout-service/pkg/ctxmanage"
	"checkout-service/pkg/logkey"
)

// Events is notified after an order has been committed.
type Events interface {
	OrderPlaced(ctx context.Context, order orders.Order) error
}

// Service turns a cart into an order.
type Service struct {
	db     *sql.DB
	cart   *cart.Conf
	orders *orders.Conf
	events Events
}

func NewService(db *sql.DB, c *cart.Conf, o *orders.Conf, events Events) (*Service, error) {
	if db == nil || c == nil || o == nil {
		return nil, errors.New("checkout: db, cart and orders are required")
	}
	return &Service{db: db, cart: c, orders: o, events: events}, nil
}

// PlaceOrder snapshots the cart, creates a pending order from it and clears
// the cart, all in one transaction. An empty cart returns cart.ErrEmptyCart.
func (s *Service) PlaceOrder(ctx context.Context, userID string) (orders.Order, error) {
	var order orders.Order
	err := postgres.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		snap, err := s.cart.SnapshotTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		order, err = s.orders.CreateOrderTx(ctx, tx, userID, snap.Lines)
		if err != nil {
			return err
		}
		return s.cart.Clear(ctx, tx, snap.CartID)
	})
	if err != nil {
		return orders.Order{}, err
	}

	slog.Info("order placed", slog.String(logkey.TraceID, ctxmanage.TraceID(ctx)),
		slog.String(logkey.OrderID, order.ID), slog.String(logkey.UserID, userID),
		slog.String("Total", order.TotalAmount.StringFixed(2)))

	if s.events != nil {
		if err := s.events.OrderPlaced(ctx, order); err != nil {
			slog.Error("failed to publish order placed event", slog.String(logkey.TraceID, ctxmanage.TraceID(ctx)),
				slog.String(logkey.OrderID, order.ID), slog.String(logkey.ERROR, err.Error()))
		}
	}
	return order, nil
}

// Preview prices the cart without creating an order.
func (s *Service) Preview(ctx context.Context, userID string) (cart.Snapshot, error) {
	return s.cart.Snapshot(ctx, userID)
}
