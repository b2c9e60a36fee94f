// Package fakegateway is an in-memory payment.Gateway for tests. Intents are
// deduplicated by idempotency key and events are signed with HMAC-SHA256.
package fakegateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"checkout-service/internal/payment"
)

type Gateway struct {
	mu      sync.Mutex
	secret  []byte
	intents map[string]*payment.Intent
	byKey   map[string]string
	seq     int

	createErrs []error
	statusErrs []error

	createCalls int
	statusCalls int
}

var _ payment.Gateway = (*Gateway)(nil)

func New(webhookSecret string) *Gateway {
	return &Gateway{
		secret:  []byte(webhookSecret),
		intents: map[string]*payment.Intent{},
		byKey:   map[string]string{},
	}
}

func (g *Gateway) CreateIntent(ctx context.Context, req payment.IntentRequest) (payment.Intent, error) {
	if err := ctx.Err(); err != nil {
		return payment.Intent{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createCalls++
	if len(g.createErrs) > 0 {
		err := g.createErrs[0]
		g.createErrs = g.createErrs[1:]
		return payment.Intent{}, err
	}
	if req.AmountCents <= 0 {
		return payment.Intent{}, &payment.GatewayError{Op: "create_intent", Kind: payment.KindRejected, StatusCode: 400,
			Err: errors.New("amount must be positive")}
	}

	if id, ok := g.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return *g.intents[id], nil
	}
	g.seq++
	id := fmt.Sprintf("pi_fake_%d", g.seq)
	intent := &payment.Intent{
		CorrelationID: id,
		ClientSecret:  id + "_secret",
		Status:        payment.StatusRequiresPaymentMethod,
		AmountCents:   req.AmountCents,
		Currency:      req.Currency,
	}
	g.intents[id] = intent
	if req.IdempotencyKey != "" {
		g.byKey[req.IdempotencyKey] = id
	}
	return *intent, nil
}

func (g *Gateway) GetStatus(ctx context.Context, correlationID string) (payment.IntentStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statusCalls++
	if len(g.statusErrs) > 0 {
		err := g.statusErrs[0]
		g.statusErrs = g.statusErrs[1:]
		return "", err
	}
	intent, ok := g.intents[correlationID]
	if !ok {
		return "", &payment.GatewayError{Op: "get_status", Kind: payment.KindRejected, StatusCode: 404,
			Err: fmt.Errorf("no such payment intent %s", correlationID)}
	}
	return intent.Status, nil
}

type eventPayload struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (g *Gateway) VerifyAndParseEvent(payload []byte, signatureHeader string) (payment.Event, error) {
	if len(g.secret) == 0 {
		return payment.Event{}, &payment.SignatureError{Reason: "webhook secret not configured"}
	}
	if signatureHeader == "" {
		return payment.Event{}, &payment.SignatureError{Reason: "missing signature"}
	}
	got, err := hex.DecodeString(signatureHeader)
	if err != nil {
		return payment.Event{}, &payment.SignatureError{Reason: "malformed signature", Err: err}
	}
	if !hmac.Equal(got, g.sign(payload)) {
		return payment.Event{}, &payment.SignatureError{Reason: "signature mismatch"}
	}

	var ev eventPayload
	if err := json.Unmarshal(payload, &ev); err != nil {
		return payment.Event{}, &payment.SignatureError{Reason: "malformed payload", Err: err}
	}
	return payment.Event{
		ID:            ev.ID,
		Type:          ev.Type,
		CorrelationID: ev.Data.ID,
		Outcome:       payment.OutcomeForEvent(ev.Type),
	}, nil
}

// SignedEvent builds a payload and a valid signature header for it.
func (g *Gateway) SignedEvent(eventID, eventType, correlationID string) ([]byte, string) {
	ev := eventPayload{ID: eventID, Type: eventType}
	ev.Data.ID = correlationID
	payload, _ := json.Marshal(ev)
	return payload, hex.EncodeToString(g.sign(payload))
}

func (g *Gateway) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

// SetStatus changes what GetStatus reports for an intent.
func (g *Gateway) SetStatus(correlationID string, status payment.IntentStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if intent, ok := g.intents[correlationID]; ok {
		intent.Status = status
		return
	}
	g.intents[correlationID] = &payment.Intent{CorrelationID: correlationID, Status: status}
}

// FailCreate makes the next len(errs) CreateIntent calls fail in order.
func (g *Gateway) FailCreate(errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createErrs = append(g.createErrs, errs...)
}

// FailStatus makes the next len(errs) GetStatus calls fail in order.
func (g *Gateway) FailStatus(errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statusErrs = append(g.statusErrs, errs...)
}

func (g *Gateway) CreateCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.createCalls
}

func (g *Gateway) StatusCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.statusCalls
}

// IntentCount is the number of distinct intents created.
func (g *Gateway) IntentCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seq
}
