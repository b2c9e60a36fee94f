package payment

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// CallTimeout bounds each attempt, not the whole call.
	CallTimeout time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		CallTimeout: 5 * time.Second,
	}
}

type retrying struct {
	next   Gateway
	policy RetryPolicy
}

// WithRetry retries transient CreateIntent and GetStatus failures with
// exponential backoff. Rejections and signature checks are never retried.
func WithRetry(next Gateway, policy RetryPolicy) Gateway {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = DefaultRetryPolicy().BaseDelay
	}
	return &retrying{next: next, policy: policy}
}

func (r *retrying) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	var intent Intent
	err := r.do(ctx, "create_intent", func(ctx context.Context) error {
		var err error
		intent, err = r.next.CreateIntent(ctx, req)
		return err
	})
	return intent, err
}

func (r *retrying) GetStatus(ctx context.Context, correlationID string) (IntentStatus, error) {
	var status IntentStatus
	err := r.do(ctx, "get_status", func(ctx context.Context) error {
		var err error
		status, err = r.next.GetStatus(ctx, correlationID)
		return err
	})
	return status, err
}

func (r *retrying) VerifyAndParseEvent(payload []byte, signatureHeader string) (Event, error) {
	return r.next.VerifyAndParseEvent(payload, signatureHeader)
}

func (r *retrying) backoff() retry.Backoff {
	b := retry.NewExponential(r.policy.BaseDelay)
	if r.policy.MaxDelay > 0 {
		b = retry.WithCappedDuration(r.policy.MaxDelay, b)
	}
	return retry.WithMaxRetries(uint64(r.policy.MaxAttempts-1), b)
}

func (r *retrying) do(ctx context.Context, op string, call func(context.Context) error) error {
	return retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		attemptCtx := ctx
		cancel := func() {}
		if r.policy.CallTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, r.policy.CallTimeout)
		}
		defer cancel()

		err := call(attemptCtx)
		if err == nil {
			return nil
		}
		// An attempt that ran out of its own time budget is a timeout even if
		// the gateway did not classify it.
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) && !IsTransient(err) {
			err = &GatewayError{Op: op, Kind: KindTimeout, Err: err}
		}
		if IsTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}
