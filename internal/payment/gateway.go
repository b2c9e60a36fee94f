// Package payment defines the contract the checkout service needs from a
// payment processor, along with the outcome vocabulary the reconciliation
// engine works in.
package payment

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Gateway is implemented by stripepay in production and fakegateway in tests.
type Gateway interface {
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	GetStatus(ctx context.Context, correlationID string) (IntentStatus, error)
	VerifyAndParseEvent(payload []byte, signatureHeader string) (Event, error)
}

type IntentRequest struct {
	AmountCents    int64
	Currency       string
	OrderID        string
	UserID         string
	IdempotencyKey string
}

type Intent struct {
	CorrelationID string
	ClientSecret  string
	Status        IntentStatus
	AmountCents   int64
	Currency      string
}

// IntentStatus uses the processor's own vocabulary.
type IntentStatus string

const (
	StatusRequiresPaymentMethod IntentStatus = "requires_payment_method"
	StatusRequiresConfirmation  IntentStatus = "requires_confirmation"
	StatusRequiresAction        IntentStatus = "requires_action"
	StatusProcessing            IntentStatus = "processing"
	StatusRequiresCapture       IntentStatus = "requires_capture"
	StatusCanceled              IntentStatus = "canceled"
	StatusSucceeded             IntentStatus = "succeeded"
)

// Outcome is what the reconciliation engine acts on.
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomePending
	OutcomeSucceeded
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}

func (s IntentStatus) Outcome() Outcome {
	switch s {
	case StatusSucceeded:
		return OutcomeSucceeded
	case StatusCanceled:
		return OutcomeFailed
	case StatusRequiresPaymentMethod, StatusRequiresConfirmation, StatusRequiresAction,
		StatusProcessing, StatusRequiresCapture:
		return OutcomePending
	}
	return OutcomeUnknown
}

const (
	EventPaymentSucceeded = "payment_intent.succeeded"
	EventPaymentFailed    = "payment_intent.payment_failed"
	EventPaymentCanceled  = "payment_intent.canceled"
)

// Event is a verified notification pushed by the processor.
type Event struct {
	ID            string
	Type          string
	CorrelationID string
	Outcome       Outcome
}

// OutcomeForEvent maps an event type to the outcome it reports. Types the
// engine does not act on map to OutcomeUnknown.
func OutcomeForEvent(eventType string) Outcome {
	switch eventType {
	case EventPaymentSucceeded:
		return OutcomeSucceeded
	case EventPaymentFailed:
		return OutcomeFailed
	}
	return OutcomeUnknown
}

// ToMinorUnits converts a two-decimal amount into cents.
func ToMinorUnits(amount decimal.Decimal) (int64, error) {
	if amount.IsNegative() {
		return 0, fmt.Errorf("amount %s is negative", amount)
	}
	cents := amount.Shift(2)
	if !cents.Equal(cents.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more than two decimal places", amount)
	}
	return cents.IntPart(), nil
}
