package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusShipped   Status = "shipped"
	StatusDelivered Status = "delivered"
	StatusCancelled Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusPending: {StatusPaid, StatusCancelled},
	StatusPaid:    {StatusShipped, StatusDelivered},
	StatusShipped: {StatusDelivered},
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPaid, StatusShipped, StatusDelivered, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// Settled reports whether payment for the order has succeeded.
func (s Status) Settled() bool {
	return s == StatusPaid || s == StatusShipped || s == StatusDelivered
}

// CanTransition reports whether from -> to is an edge of the order state machine.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Order represents an order entity in the database
type Order struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	Status          Status          `json:"status"`
	PaymentIntentID string          `json:"payment_intent_id,omitempty"`
	ClientSecret    string          `json:"client_secret,omitempty"`
	Lines           []Line          `json:"lines,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// HasIntent reports whether a payment intent is attached.
func (o Order) HasIntent() bool {
	return o.PaymentIntentID != ""
}

// Line is an immutable price snapshot of one cart item.
type Line struct {
	ID          int64           `json:"id"`
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

func (l Line) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// NewLine is the input for one order line.
type NewLine struct {
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

func (l NewLine) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Total sums unit price times quantity over lines, rounded to cents.
func Total(lines []NewLine) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Subtotal())
	}
	return total.Round(2)
}

// ValidateLines checks the lines of a new order.
func ValidateLines(lines []NewLine) error {
	if len(lines) == 0 {
		return &ValidationError{Field: "lines", Reason: "order must have at least one line"}
	}
	for _, l := range lines {
		if l.ProductID == "" {
			return &ValidationError{Field: "product_id", Reason: "must not be empty"}
		}
		if l.Quantity < 1 {
			return &ValidationError{Field: "quantity", Reason: "must be at least 1 for product " + l.ProductID}
		}
		if l.UnitPrice.IsNegative() {
			return &ValidationError{Field: "unit_price", Reason: "must not be negative for product " + l.ProductID}
		}
		if !l.UnitPrice.Equal(l.UnitPrice.Round(2)) {
			return &ValidationError{Field: "unit_price", Reason: "must have at most 2 decimal places for product " + l.ProductID}
		}
	}
	return nil
}
