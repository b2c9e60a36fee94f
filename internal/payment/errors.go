package payment

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindRejected Kind = iota
	KindTimeout
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindRateLimited:
		return "rate_limited"
	}
	return "rejected"
}

// GatewayError wraps every failure reported by a processor call.
type GatewayError struct {
	Op         string
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *GatewayError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway %s: %s (status %d): %v", e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("gateway %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Transient reports whether the call may succeed if retried.
func (e *GatewayError) Transient() bool {
	return e.Kind == KindTimeout || e.Kind == KindRateLimited
}

func IsTransient(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge) && ge.Transient()
}

func IsRejected(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge) && ge.Kind == KindRejected
}

// SignatureError means a webhook payload could not be authenticated.
type SignatureError struct {
	Reason string
	Err    error
}

func (e *SignatureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("webhook signature: %s: %v", e.Reason, e.Err)
	}
	return "webhook signature: " + e.Reason
}

func (e *SignatureError) Unwrap() error { return e.Err }

func IsSignature(err error) bool {
	var se *SignatureError
	return errors.As(err, &se)
}
