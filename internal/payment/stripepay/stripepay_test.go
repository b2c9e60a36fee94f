package stripepay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"checkout-service/internal/payment"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81/webhook"
)

type fakeAPI struct {
	mu              sync.Mutex
	idempotencyKeys []string
	form            map[string]string
	status          int
	body            string
	delay           time.Duration
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.idempotencyKeys = append(f.idempotencyKeys, r.Header.Get("Idempotency-Key"))
	if err := r.ParseForm(); err == nil {
		f.form = map[string]string{}
		for k := range r.PostForm {
			f.form[k] = r.PostForm.Get(k)
		}
	}
	status, body, delay := f.status, f.body, f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func newGateway(t *testing.T, api *fakeAPI, client *http.Client) *Gateway {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	gw, err := New(Config{SecretKey: "sk_test_123", WebhookSecret: "whsec_test", BaseURL: srv.URL, HTTPClient: client})
	require.NoError(t, err)
	return gw
}

func TestCreateIntent(t *testing.T) {
	api := &fakeAPI{status: http.StatusOK, body: `{
		"id": "pi_123",
		"object": "payment_intent",
		"amount": 11997,
		"currency": "usd",
		"status": "requires_payment_method",
		"client_secret": "pi_123_secret_abc"
	}`}
	gw := newGateway(t, api, nil)

	intent, err := gw.CreateIntent(context.Background(), payment.IntentRequest{
		AmountCents:    11997,
		Currency:       "usd",
		OrderID:        "order-1",
		UserID:         "user-1",
		IdempotencyKey: "order-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_123", intent.CorrelationID)
	assert.Equal(t, "pi_123_secret_abc", intent.ClientSecret)
	assert.Equal(t, payment.StatusRequiresPaymentMethod, intent.Status)
	assert.Equal(t, int64(11997), intent.AmountCents)

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, []string{"order-1"}, api.idempotencyKeys)
	assert.Equal(t, "11997", api.form["amount"])
	assert.Equal(t, "usd", api.form["currency"])
	assert.Equal(t, "order-1", api.form["metadata[order_id]"])
	assert.Equal(t, "user-1", api.form["metadata[user_id]"])
	assert.Equal(t, "true", api.form["automatic_payment_methods[enabled]"])
}

func TestGetStatus(t *testing.T) {
	api := &fakeAPI{status: http.StatusOK, body: `{"id":"pi_123","object":"payment_intent","status":"succeeded"}`}
	gw := newGateway(t, api, nil)

	status, err := gw.GetStatus(context.Background(), "pi_123")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusSucceeded, status)
	assert.Equal(t, payment.OutcomeSucceeded, status.Outcome())
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   payment.Kind
	}{
		{"rate limited", http.StatusTooManyRequests, payment.KindRateLimited},
		{"server error", http.StatusServiceUnavailable, payment.KindTimeout},
		{"card declined", http.StatusPaymentRequired, payment.KindRejected},
		{"not found", http.StatusNotFound, payment.KindRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{status: tt.status, body: `{"error":{"type":"invalid_request_error","message":"nope"}}`}
			gw := newGateway(t, api, nil)

			_, err := gw.GetStatus(context.Background(), "pi_123")
			var ge *payment.GatewayError
			require.ErrorAs(t, err, &ge)
			assert.Equal(t, tt.kind, ge.Kind)
			assert.Equal(t, tt.status, ge.StatusCode)
		})
	}
}

func TestTransportTimeoutIsTransient(t *testing.T) {
	api := &fakeAPI{status: http.StatusOK, body: `{}`, delay: 200 * time.Millisecond}
	gw := newGateway(t, api, &http.Client{Timeout: 20 * time.Millisecond})

	_, err := gw.GetStatus(context.Background(), "pi_123")
	require.Error(t, err)
	assert.True(t, payment.IsTransient(err))
}

func signed(t *testing.T, payload string, secret string) string {
	t.Helper()
	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return sp.Header
}

const succeededEvent = `{
	"id": "evt_1",
	"object": "event",
	"type": "payment_intent.succeeded",
	"api_version": "2020-08-27",
	"data": {"object": {"id": "pi_123", "object": "payment_intent", "status": "succeeded", "amount": 1}}
}`

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent([]byte(succeededEvent), signed(t, succeededEvent, "whsec_test"), "whsec_test")
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, payment.EventPaymentSucceeded, ev.Type)
	assert.Equal(t, "pi_123", ev.CorrelationID)
	assert.Equal(t, payment.OutcomeSucceeded, ev.Outcome)
}

func TestParseEventFailedAndOtherTypes(t *testing.T) {
	failed := `{"id":"evt_2","object":"event","type":"payment_intent.payment_failed","data":{"object":{"id":"pi_9","object":"payment_intent"}}}`
	ev, err := ParseEvent([]byte(failed), signed(t, failed, "whsec_test"), "whsec_test")
	require.NoError(t, err)
	assert.Equal(t, "pi_9", ev.CorrelationID)
	assert.Equal(t, payment.OutcomeFailed, ev.Outcome)

	other := `{"id":"evt_3","object":"event","type":"customer.created","data":{"object":{"id":"cus_1","object":"customer"}}}`
	ev, err = ParseEvent([]byte(other), signed(t, other, "whsec_test"), "whsec_test")
	require.NoError(t, err)
	assert.Empty(t, ev.CorrelationID)
	assert.Equal(t, payment.OutcomeUnknown, ev.Outcome)
}

func TestParseEventRejectsBadSignatures(t *testing.T) {
	valid := signed(t, succeededEvent, "whsec_test")
	tests := map[string]struct {
		payload string
		header  string
		secret  string
	}{
		"missing header": {succeededEvent, "", "whsec_test"},
		"wrong secret":   {succeededEvent, signed(t, succeededEvent, "whsec_other"), "whsec_test"},
		"tampered body":  {succeededEvent + " ", valid, "whsec_test"},
		"garbage header": {succeededEvent, "t=1,v1=abc", "whsec_test"},
		"no secret":      {succeededEvent, valid, ""},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseEvent([]byte(tt.payload), tt.header, tt.secret)
			assert.True(t, payment.IsSignature(err), "got %v", err)
		})
	}
}

func TestNewRequiresSecretKey(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
