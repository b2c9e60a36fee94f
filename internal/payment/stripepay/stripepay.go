// Package stripepay implements payment.Gateway on top of the Stripe API.
package stripepay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"checkout-service/internal/payment"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"
)

type Config struct {
	SecretKey     string
	WebhookSecret string
	// BaseURL overrides the API endpoint, mainly for tests.
	BaseURL    string
	HTTPClient *http.Client
}

type Gateway struct {
	api           *client.API
	webhookSecret string
}

var _ payment.Gateway = (*Gateway)(nil)

// New builds a gateway with its own API client. Network retries are left to
// payment.WithRetry so every attempt gets its own timeout.
func New(cfg Config) (*Gateway, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("stripe secret key is empty")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	backendCfg := &stripe.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: stripe.Int64(0),
		EnableTelemetry:   stripe.Bool(false),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = stripe.String(cfg.BaseURL)
	}

	api := &client.API{}
	api.Init(cfg.SecretKey, stripe.NewBackendsWithConfig(backendCfg))
	return &Gateway{api: api, webhookSecret: cfg.WebhookSecret}, nil
}

func (g *Gateway) CreateIntent(ctx context.Context, req payment.IntentRequest) (payment.Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.AmountCents),
		Currency: stripe.String(req.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata("order_id", req.OrderID)
	params.AddMetadata("user_id", req.UserID)
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return payment.Intent{}, classify("create_intent", err)
	}
	return payment.Intent{
		CorrelationID: pi.ID,
		ClientSecret:  pi.ClientSecret,
		Status:        payment.IntentStatus(pi.Status),
		AmountCents:   pi.Amount,
		Currency:      string(pi.Currency),
	}, nil
}

func (g *Gateway) GetStatus(ctx context.Context, correlationID string) (payment.IntentStatus, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := g.api.PaymentIntents.Get(correlationID, params)
	if err != nil {
		return "", classify("get_status", err)
	}
	return payment.IntentStatus(pi.Status), nil
}

func (g *Gateway) VerifyAndParseEvent(payload []byte, signatureHeader string) (payment.Event, error) {
	return ParseEvent(payload, signatureHeader, g.webhookSecret)
}

// ParseEvent authenticates a webhook delivery against secret and extracts
// the payment intent it is about. It has no side effects.
func ParseEvent(payload []byte, signatureHeader string, secret string) (payment.Event, error) {
	if secret == "" {
		return payment.Event{}, &payment.SignatureError{Reason: "webhook secret not configured"}
	}
	if signatureHeader == "" {
		return payment.Event{}, &payment.SignatureError{Reason: "missing signature"}
	}

	ev, err := webhook.ConstructEventWithOptions(payload, signatureHeader, secret, webhook.ConstructEventOptions{
		Tolerance:                webhook.DefaultTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return payment.Event{}, &payment.SignatureError{Reason: "verification failed", Err: err}
	}

	out := payment.Event{
		ID:      ev.ID,
		Type:    string(ev.Type),
		Outcome: payment.OutcomeForEvent(string(ev.Type)),
	}
	switch out.Type {
	case payment.EventPaymentSucceeded, payment.EventPaymentFailed, payment.EventPaymentCanceled:
		if ev.Data == nil {
			return payment.Event{}, &payment.SignatureError{Reason: "event has no data"}
		}
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
			return payment.Event{}, &payment.SignatureError{Reason: "malformed payment intent", Err: err}
		}
		out.CorrelationID = pi.ID
	}
	return out, nil
}

func classify(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		kind := payment.KindRejected
		switch {
		case stripeErr.HTTPStatusCode == http.StatusTooManyRequests:
			kind = payment.KindRateLimited
		case stripeErr.HTTPStatusCode >= 500:
			kind = payment.KindTimeout
		}
		return &payment.GatewayError{Op: op, Kind: kind, StatusCode: stripeErr.HTTPStatusCode, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	// Anything that is not an API response failed in transport.
	return &payment.GatewayError{Op: op, Kind: payment.KindTimeout, Err: fmt.Errorf("transport: %w", err)}
}
