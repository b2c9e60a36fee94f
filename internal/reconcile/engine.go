// Package reconcile keeps local order status in step with the payment
// processor. Client confirmations, webhook deliveries and the background
// sweeper all funnel into the same compare-and-swap transition out of
// pending, so whichever arrives first wins and the rest observe its result.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"checkout-service/internal/orders"
	"checkout-service/internal/payment"
	"checkout-service/pkg/ctxmanage"
	"checkout-service/pkg/logkey"
)

var (
	ErrOrderNotPending = errors.New("order is not awaiting payment")
	ErrAlreadyPaid     = errors.New("order has already been paid")
)

// Store is the subset of the order store the engine needs.
type Store interface {
	GetOrder(ctx context.Context, id string, userID string) (orders.Order, error)
	GetOrderByID(ctx context.Context, id string) (orders.Order, error)
	GetOrderByCorrelationID(ctx context.Context, correlationID string) (orders.Order, error)
	GetOwnedOrderByCorrelationID(ctx context.Context, correlationID string, userID string) (orders.Order, error)
	TransitionStatus(ctx context.Context, id string, expected orders.Status, next orders.Status) (orders.Order, error)
	AttachGatewayIntent(ctx context.Context, id string, correlationID string, clientSecret string) (orders.Order, error)
	SupersedeGatewayIntent(ctx context.Context, id string, previousID string, correlationID string, clientSecret string) (orders.Order, error)
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]orders.Order, error)
}

// Events is told about every transition the engine wins.
type Events interface {
	OrderPaid(ctx context.Context, order orders.Order) error
	OrderCancelled(ctx context.Context, order orders.Order) error
}

// StatusCache memoizes gateway statuses for client polling.
type StatusCache interface {
	Get(ctx context.Context, correlationID string) (payment.IntentStatus, bool, error)
	Set(ctx context.Context, correlationID string, status payment.IntentStatus) error
	Invalidate(ctx context.Context, correlationID string) error
}

type Deps struct {
	Store    Store
	Gateway  payment.Gateway
	Events   Events
	Cache    StatusCache
	Logger   *slog.Logger
	Currency string
}

type Engine struct {
	store    Store
	gateway  payment.Gateway
	events   Events
	cache    StatusCache
	log      *slog.Logger
	currency string
}

func New(d Deps) (*Engine, error) {
	if d.Store == nil {
		return nil, errors.New("reconcile: store is required")
	}
	if d.Gateway == nil {
		return nil, errors.New("reconcile: gateway is required")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Currency == "" {
		d.Currency = "usd"
	}
	return &Engine{
		store:    d.Store,
		gateway:  d.Gateway,
		events:   d.Events,
		cache:    d.Cache,
		log:      d.Logger,
		currency: d.Currency,
	}, nil
}

type IntentResult struct {
	CorrelationID string               `json:"payment_intent_id"`
	ClientSecret  string               `json:"client_secret"`
	Amount        int64                `json:"amount"`
	Currency      string               `json:"currency"`
	Status        payment.IntentStatus `json:"status"`
	OrderID       string               `json:"order_id"`
}

type ConfirmResult struct {
	Order         orders.Order
	GatewayStatus payment.IntentStatus
	// Paid is true once the order has left pending through a successful payment.
	Paid bool
}

type StatusResult struct {
	CorrelationID string               `json:"payment_intent_id"`
	GatewayStatus payment.IntentStatus `json:"status"`
	OrderID       string               `json:"order_id"`
	OrderStatus   orders.Status        `json:"order_status"`
}

// CreatePaymentIntent returns the payment intent the client should confirm
// for orderID, creating one if the order has none. A live intent is reused,
// a canceled one is replaced, and a succeeded one settles the order and
// returns ErrAlreadyPaid.
func (e *Engine) CreatePaymentIntent(ctx context.Context, userID string, orderID string) (IntentResult, error) {
	order, err := e.store.GetOrder(ctx, orderID, userID)
	if err != nil {
		return IntentResult{}, err
	}
	if err := requirePending(order); err != nil {
		return IntentResult{}, err
	}
	amount, err := payment.ToMinorUnits(order.TotalAmount)
	if err != nil {
		return IntentResult{}, fmt.Errorf("order %s: %w", order.ID, err)
	}

	if order.HasIntent() {
		status, err := e.gateway.GetStatus(ctx, order.PaymentIntentID)
		if err != nil {
			return IntentResult{}, err
		}
		switch status.Outcome() {
		case payment.OutcomeSucceeded:
			settled, _, err := e.settle(ctx, order, orders.StatusPaid, "create_intent")
			if err != nil {
				return IntentResult{}, err
			}
			if settled.Status.Settled() {
				return IntentResult{}, ErrAlreadyPaid
			}
			return IntentResult{}, fmt.Errorf("%w: status %s", ErrOrderNotPending, settled.Status)
		case payment.OutcomeFailed:
			return e.supersede(ctx, order, amount)
		default:
			return e.intentResult(order, amount, status), nil
		}
	}

	intent, err := e.gateway.CreateIntent(ctx, payment.IntentRequest{
		AmountCents:    amount,
		Currency:       e.currency,
		OrderID:        order.ID,
		UserID:         order.UserID,
		IdempotencyKey: order.ID,
	})
	if err != nil {
		return IntentResult{}, err
	}

	updated, err := e.store.AttachGatewayIntent(ctx, order.ID, intent.CorrelationID, intent.ClientSecret)
	var attached *orders.AlreadyAttachedError
	if errors.As(err, &attached) {
		// A concurrent request attached first; hand back whatever it stored.
		current, err := e.store.GetOrder(ctx, order.ID, userID)
		if err != nil {
			return IntentResult{}, err
		}
		return e.attachedResult(ctx, current, amount, intent)
	}
	if err != nil {
		return IntentResult{}, err
	}

	e.logger(ctx).Info("payment intent attached",
		slog.String(logkey.OrderID, order.ID), slog.String(logkey.CorrelationID, intent.CorrelationID))
	return e.intentResult(updated, amount, intent.Status), nil
}

// supersede replaces a canceled intent with a fresh one. The idempotency key
// is derived from the dead intent, so retries of the same supersession reuse
// one gateway intent.
func (e *Engine) supersede(ctx context.Context, order orders.Order, amount int64) (IntentResult, error) {
	previous := order.PaymentIntentID
	intent, err := e.gateway.CreateIntent(ctx, payment.IntentRequest{
		AmountCents:    amount,
		Currency:       e.currency,
		OrderID:        order.ID,
		UserID:         order.UserID,
		IdempotencyKey: order.ID + ":" + previous,
	})
	if err != nil {
		return IntentResult{}, err
	}

	updated, err := e.store.SupersedeGatewayIntent(ctx, order.ID, previous, intent.CorrelationID, intent.ClientSecret)
	var attached *orders.AlreadyAttachedError
	switch {
	case errors.As(err, &attached):
		current, err := e.store.GetOrder(ctx, order.ID, order.UserID)
		if err != nil {
			return IntentResult{}, err
		}
		return e.attachedResult(ctx, current, amount, intent)
	case orders.IsConflict(err):
		current, rerr := e.store.GetOrder(ctx, order.ID, order.UserID)
		if rerr != nil {
			return IntentResult{}, rerr
		}
		return IntentResult{}, requirePending(current)
	case err != nil:
		return IntentResult{}, err
	}

	e.logger(ctx).Info("canceled payment intent superseded",
		slog.String(logkey.OrderID, order.ID), slog.String("Previous", previous),
		slog.String(logkey.CorrelationID, intent.CorrelationID))
	return e.intentResult(updated, amount, intent.Status), nil
}

// attachedResult reports the intent another request attached first. If it is
// not the one this request created, its status comes from the gateway.
func (e *Engine) attachedResult(ctx context.Context, current orders.Order, amount int64, created payment.Intent) (IntentResult, error) {
	if current.PaymentIntentID == created.CorrelationID {
		return e.intentResult(current, amount, created.Status), nil
	}
	status, err := e.gateway.GetStatus(ctx, current.PaymentIntentID)
	if err != nil {
		return IntentResult{}, err
	}
	return e.intentResult(current, amount, status), nil
}

func (e *Engine) intentResult(order orders.Order, amount int64, status payment.IntentStatus) IntentResult {
	return IntentResult{
		CorrelationID: order.PaymentIntentID,
		ClientSecret:  order.ClientSecret,
		Amount:        amount,
		Currency:      e.currency,
		Status:        status,
		OrderID:       order.ID,
	}
}

// ConfirmPayment asks the gateway about the caller's intent and marks the
// order paid if the payment succeeded. Orders that already left pending are
// reported as they are without contacting the gateway.
func (e *Engine) ConfirmPayment(ctx context.Context, userID string, correlationID string) (ConfirmResult, error) {
	order, err := e.store.GetOwnedOrderByCorrelationID(ctx, correlationID, userID)
	if err != nil {
		return ConfirmResult{}, err
	}
	if order.Status != orders.StatusPending {
		return ConfirmResult{Order: order, Paid: order.Status.Settled()}, nil
	}

	status, err := e.gateway.GetStatus(ctx, correlationID)
	if err != nil {
		return ConfirmResult{}, err
	}
	if status.Outcome() != payment.OutcomeSucceeded {
		e.logger(ctx).Info("payment not completed",
			slog.String(logkey.OrderID, order.ID), slog.String(logkey.Status, string(status)))
		return ConfirmResult{Order: order, GatewayStatus: status}, nil
	}

	current, _, err := e.settle(ctx, order, orders.StatusPaid, "confirm")
	if err != nil {
		return ConfirmResult{}, err
	}
	return ConfirmResult{Order: current, GatewayStatus: status, Paid: current.Status.Settled()}, nil
}

// HandleWebhook verifies and applies one processor event. Only a signature
// failure is returned as an error; events that do not apply are acknowledged.
func (e *Engine) HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) error {
	ev, err := e.gateway.VerifyAndParseEvent(payload, signatureHeader)
	if err != nil {
		return err
	}
	log := e.logger(ctx).With(slog.String(logkey.EventID, ev.ID), slog.String(logkey.EventType, ev.Type))

	var next orders.Status
	switch ev.Outcome {
	case payment.OutcomeSucceeded:
		next = orders.StatusPaid
	case payment.OutcomeFailed:
		next = orders.StatusCancelled
	default:
		log.Info("webhook event ignored")
		return nil
	}
	if ev.CorrelationID == "" {
		log.Warn("webhook event without payment intent")
		return nil
	}

	order, err := e.store.GetOrderByCorrelationID(ctx, ev.CorrelationID)
	if errors.Is(err, orders.ErrNotFound) {
		log.Warn("webhook event for unknown payment intent", slog.String(logkey.CorrelationID, ev.CorrelationID))
		return nil
	}
	if err != nil {
		return err
	}
	if order.Status != orders.StatusPending {
		log.Info("webhook event for settled order ignored",
			slog.String(logkey.OrderID, order.ID), slog.String(logkey.Status, string(order.Status)))
		return nil
	}

	_, _, err = e.settle(ctx, order, next, "webhook")
	return err
}

// PaymentStatus reports the gateway and local status of the caller's intent.
func (e *Engine) PaymentStatus(ctx context.Context, userID string, correlationID string) (StatusResult, error) {
	order, err := e.store.GetOwnedOrderByCorrelationID(ctx, correlationID, userID)
	if err != nil {
		return StatusResult{}, err
	}
	status, err := e.cachedStatus(ctx, correlationID)
	if err != nil {
		return StatusResult{}, err
	}
	return StatusResult{
		CorrelationID: correlationID,
		GatewayStatus: status,
		OrderID:       order.ID,
		OrderStatus:   order.Status,
	}, nil
}

func (e *Engine) cachedStatus(ctx context.Context, correlationID string) (payment.IntentStatus, error) {
	if e.cache != nil {
		status, found, err := e.cache.Get(ctx, correlationID)
		if err != nil {
			e.logger(ctx).Warn("status cache read failed", slog.String(logkey.ERROR, err.Error()))
		} else if found {
			return status, nil
		}
	}
	status, err := e.gateway.GetStatus(ctx, correlationID)
	if err != nil {
		return "", err
	}
	if e.cache != nil {
		if err := e.cache.Set(ctx, correlationID, status); err != nil {
			e.logger(ctx).Warn("status cache write failed", slog.String(logkey.ERROR, err.Error()))
		}
	}
	return status, nil
}

// ReconcileOrder pulls the gateway status of a pending order and marks it
// paid if the payment went through.
func (e *Engine) ReconcileOrder(ctx context.Context, order orders.Order) (orders.Order, bool, error) {
	if order.Status != orders.StatusPending || !order.HasIntent() {
		return order, false, nil
	}
	status, err := e.gateway.GetStatus(ctx, order.PaymentIntentID)
	if err != nil {
		return order, false, err
	}
	if status.Outcome() != payment.OutcomeSucceeded {
		return order, false, nil
	}
	return e.settle(ctx, order, orders.StatusPaid, "sweeper")
}

// UpdateOrderStatus applies a fulfillment transition (paid to shipped, and
// on to delivered). Pending orders leave only through payment.
func (e *Engine) UpdateOrderStatus(ctx context.Context, orderID string, next orders.Status) (orders.Order, error) {
	if !next.Valid() {
		return orders.Order{}, &orders.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", next)}
	}
	current, err := e.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return orders.Order{}, err
	}
	if current.Status == next {
		return current, nil
	}
	if current.Status == orders.StatusPending {
		return orders.Order{}, &orders.ValidationError{Field: "status", Reason: "pending orders are settled by payment"}
	}

	updated, err := e.store.TransitionStatus(ctx, current.ID, current.Status, next)
	if err != nil {
		return orders.Order{}, err
	}
	log := e.logger(ctx).With(slog.String(logkey.OrderID, updated.ID), slog.String("Source", "admin"))
	log.Info("order status changed", slog.String("From", string(current.Status)), slog.String(logkey.Status, string(next)))
	e.afterTransition(ctx, updated, log)
	return updated, nil
}

// settle moves order out of pending. Losing the race is not an error: the
// order is re-read and returned as the winner left it. The bool reports
// whether this call performed the transition.
func (e *Engine) settle(ctx context.Context, order orders.Order, next orders.Status, source string) (orders.Order, bool, error) {
	log := e.logger(ctx).With(slog.String(logkey.OrderID, order.ID), slog.String("Source", source))

	updated, err := e.store.TransitionStatus(ctx, order.ID, orders.StatusPending, next)
	if err == nil {
		log.Info("order status changed", slog.String(logkey.Status, string(next)))
		e.afterTransition(ctx, updated, log)
		return updated, true, nil
	}

	var conflict *orders.ConflictError
	if !errors.As(err, &conflict) {
		return orders.Order{}, false, err
	}
	current, rerr := e.store.GetOrder(ctx, order.ID, order.UserID)
	if rerr != nil {
		return orders.Order{}, false, rerr
	}
	if current.Status != next {
		log.Warn("order settled differently by another trigger",
			slog.String("Wanted", string(next)), slog.String(logkey.Status, string(current.Status)))
	} else {
		log.Info("order already settled by another trigger", slog.String(logkey.Status, string(current.Status)))
	}
	return current, false, nil
}

func (e *Engine) afterTransition(ctx context.Context, order orders.Order, log *slog.Logger) {
	if e.cache != nil && order.HasIntent() {
		if err := e.cache.Invalidate(ctx, order.PaymentIntentID); err != nil {
			log.Warn("status cache invalidate failed", slog.String(logkey.ERROR, err.Error()))
		}
	}
	if e.events == nil {
		return
	}
	var err error
	switch order.Status {
	case orders.StatusPaid:
		err = e.events.OrderPaid(ctx, order)
	case orders.StatusCancelled:
		err = e.events.OrderCancelled(ctx, order)
	}
	if err != nil {
		log.Error("failed to publish order event", slog.String(logkey.ERROR, err.Error()))
	}
}

func (e *Engine) logger(ctx context.Context) *slog.Logger {
	if traceId := ctxmanage.TraceID(ctx); traceId != "" {
		return e.log.With(slog.String(logkey.TraceID, traceId))
	}
	return e.log
}

func requirePending(order orders.Order) error {
	switch {
	case order.Status == orders.StatusPending:
		return nil
	case order.Status.Settled():
		return ErrAlreadyPaid
	default:
		return fmt.Errorf("%w: status %s", ErrOrderNotPending, order.Status)
	}
}
