// Package ordertest provides an in-memory order store with the same
// compare-and-swap semantics as the Postgres one.
package ordertest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"checkout-service/internal/orders"

	"github.com/google/uuid"
)

type Store struct {
	mu     sync.Mutex
	orders map[string]orders.Order
	seq    int64
	clock  time.Time
	reads  atomic.Int64
	writes atomic.Int64
}

func NewStore() *Store {
	return &Store{
		orders: map[string]orders.Order{},
		clock:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// Reads counts every lookup made against the store.
func (s *Store) Reads() int64 { return s.reads.Load() }

// Writes counts every successful mutation.
func (s *Store) Writes() int64 { return s.writes.Load() }

// tick advances the fake clock; callers hold s.mu.
func (s *Store) tick() time.Time {
	s.clock = s.clock.Add(time.Second)
	return s.clock
}

func (s *Store) CreateOrder(ctx context.Context, userID string, lines []orders.NewLine) (orders.Order, error) {
	if userID == "" {
		return orders.Order{}, &orders.ValidationError{Field: "user_id", Reason: "must not be empty"}
	}
	if err := orders.ValidateLines(lines); err != nil {
		return orders.Order{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.tick()
	order := orders.Order{
		ID:          uuid.NewString(),
		UserID:      userID,
		TotalAmount: orders.Total(lines),
		Status:      orders.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, l := range lines {
		s.seq++
		order.Lines = append(order.Lines, orders.Line{
			ID:          s.seq,
			ProductID:   l.ProductID,
			ProductName: l.ProductName,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
		})
	}
	s.orders[order.ID] = order
	s.writes.Add(1)
	return clone(order), nil
}

// Put stores order as is, for tests that need a specific starting state.
func (s *Store) Put(order orders.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = s.tick()
	}
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = order.CreatedAt
	}
	s.orders[order.ID] = clone(order)
}

func (s *Store) GetOrderByID(ctx context.Context, id string) (orders.Order, error) {
	s.reads.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return orders.Order{}, orders.ErrNotFound
	}
	return clone(o), nil
}

func (s *Store) GetOrder(ctx context.Context, id string, userID string) (orders.Order, error) {
	s.reads.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok || o.UserID != userID {
		return orders.Order{}, orders.ErrNotFound
	}
	return clone(o), nil
}

func (s *Store) ListOrders(ctx context.Context, userID string) ([]orders.Order, error) {
	s.reads.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	list := []orders.Order{}
	for _, o := range s.orders {
		if o.UserID == userID {
			list = append(list, clone(o))
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return list, nil
}

func (s *Store) GetOrderByCorrelationID(ctx context.Context, correlationID string) (orders.Order, error) {
	s.reads.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.byIntent(correlationID); ok {
		return clone(o), nil
	}
	return orders.Order{}, orders.ErrNotFound
}

func (s *Store) GetOwnedOrderByCorrelationID(ctx context.Context, correlationID string, userID string) (orders.Order, error) {
	s.reads.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.byIntent(correlationID); ok && o.UserID == userID {
		return clone(o), nil
	}
	return orders.Order{}, orders.ErrNotFound
}

func (s *Store) TransitionStatus(ctx context.Context, id string, expected orders.Status, next orders.Status) (orders.Order, error) {
	if !orders.CanTransition(expected, next) {
		return orders.Order{}, &orders.ValidationError{Field: "status", Reason: fmt.Sprintf("cannot move from %s to %s", expected, next)}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return orders.Order{}, orders.ErrNotFound
	}
	if o.Status != expected {
		return orders.Order{}, &orders.ConflictError{OrderID: id, Expected: expected, Actual: o.Status}
	}
	o.Status = next
	o.UpdatedAt = s.tick()
	s.orders[id] = o
	s.writes.Add(1)
	return clone(o), nil
}

func (s *Store) AttachGatewayIntent(ctx context.Context, id string, correlationID string, clientSecret string) (orders.Order, error) {
	if correlationID == "" {
		return orders.Order{}, &orders.ValidationError{Field: "payment_intent_id", Reason: "must not be empty"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return orders.Order{}, orders.ErrNotFound
	}
	if o.PaymentIntentID == correlationID {
		return clone(o), nil
	}
	if o.PaymentIntentID != "" {
		return orders.Order{}, &orders.AlreadyAttachedError{OrderID: id, Existing: o.PaymentIntentID}
	}
	if other, taken := s.byIntent(correlationID); taken && other.ID != id {
		return orders.Order{}, orders.ErrIntentInUse
	}
	o.PaymentIntentID = correlationID
	o.ClientSecret = clientSecret
	o.UpdatedAt = s.tick()
	s.orders[id] = o
	s.writes.Add(1)
	return clone(o), nil
}

func (s *Store) SupersedeGatewayIntent(ctx context.Context, id string, previousID string, correlationID string, clientSecret string) (orders.Order, error) {
	if correlationID == "" || previousID == "" {
		return orders.Order{}, &orders.ValidationError{Field: "payment_intent_id", Reason: "must not be empty"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	switch {
	case !ok:
		return orders.Order{}, orders.ErrNotFound
	case o.PaymentIntentID == correlationID:
		return clone(o), nil
	case o.Status != orders.StatusPending:
		return orders.Order{}, &orders.ConflictError{OrderID: id, Expected: orders.StatusPending, Actual: o.Status}
	case o.PaymentIntentID != previousID:
		return orders.Order{}, &orders.AlreadyAttachedError{OrderID: id, Existing: o.PaymentIntentID}
	}
	if other, taken := s.byIntent(correlationID); taken && other.ID != id {
		return orders.Order{}, orders.ErrIntentInUse
	}
	o.PaymentIntentID = correlationID
	o.ClientSecret = clientSecret
	o.UpdatedAt = s.tick()
	s.orders[id] = o
	s.writes.Add(1)
	return clone(o), nil
}

func (s *Store) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]orders.Order, error) {
	s.reads.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []orders.Order
	for _, o := range s.orders {
		if o.Status == orders.StatusPending && o.HasIntent() && o.UpdatedAt.Before(olderThan) {
			list = append(list, clone(o))
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].UpdatedAt.Before(list[j].UpdatedAt) })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (s *Store) byIntent(correlationID string) (orders.Order, bool) {
	if correlationID == "" {
		return orders.Order{}, false
	}
	for _, o := range s.orders {
		if o.PaymentIntentID == correlationID {
			return o, true
		}
	}
	return orders.Order{}, false
}

func clone(o orders.Order) orders.Order {
	if o.Lines != nil {
		o.Lines = append([]orders.Line(nil), o.Lines...)
	}
	return o
}
