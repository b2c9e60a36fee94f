package orders

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("order not found")

	// ErrIntentInUse means the payment intent id is already attached to another order.
	ErrIntentInUse = errors.New("payment intent already attached to another order")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConflictError is returned when a compare-and-swap finds the order in a
// different status than the caller expected. Callers re-read and decide.
type ConflictError struct {
	OrderID  string
	Expected Status
	Actual   Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("order %s: expected status %s, found %s", e.OrderID, e.Expected, e.Actual)
}

// AlreadyAttachedError is returned when an order already holds a different payment intent.
type AlreadyAttachedError struct {
	OrderID  string
	Existing string
}

func (e *AlreadyAttachedError) Error() string {
	return fmt.Sprintf("order %s already has payment intent %s", e.OrderID, e.Existing)
}

func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
