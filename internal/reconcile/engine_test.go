package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"checkout-service/internal/orders"
	"checkout-service/internal/orders/ordertest"
	"checkout-service/internal/payment"
	"checkout-service/internal/payment/fakegateway"
	"checkout-service/internal/stores/cache"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingEvents struct {
	mu        sync.Mutex
	paid      []string
	cancelled []string
}

func (r *recordingEvents) OrderPaid(ctx context.Context, order orders.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paid = append(r.paid, order.ID)
	return nil
}

func (r *recordingEvents) OrderCancelled(ctx context.Context, order orders.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, order.ID)
	return nil
}

func (r *recordingEvents) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.paid), len(r.cancelled)
}

type fixture struct {
	engine *Engine
	store  *ordertest.Store
	fake   *fakegateway.Gateway
	events *recordingEvents
	redis  *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	f := &fixture{
		store:  ordertest.NewStore(),
		fake:   fakegateway.New("whsec_test"),
		events: &recordingEvents{},
		redis:  mr,
	}
	engine, err := New(Deps{
		Store: f.store,
		Gateway: payment.WithRetry(f.fake, payment.RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
			CallTimeout: time.Second,
		}),
		Events:   f.events,
		Cache:    cache.NewStatusCache(client, time.Minute),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Currency: "usd",
	})
	require.NoError(t, err)
	f.engine = engine
	return f
}

// placeOrder creates the 2 x 19.99 + 1 x 79.99 order.
func (f *fixture) placeOrder(t *testing.T, userID string) orders.Order {
	t.Helper()
	order, err := f.store.CreateOrder(context.Background(), userID, []orders.NewLine{
		{ProductID: "prod-a", ProductName: "Item A", Quantity: 2, UnitPrice: decimal.RequireFromString("19.99")},
		{ProductID: "prod-b", ProductName: "Item B", Quantity: 1, UnitPrice: decimal.RequireFromString("79.99")},
	})
	require.NoError(t, err)
	return order
}

func (f *fixture) withIntent(t *testing.T, userID string) (orders.Order, IntentResult) {
	t.Helper()
	order := f.placeOrder(t, userID)
	intent, err := f.engine.CreatePaymentIntent(context.Background(), userID, order.ID)
	require.NoError(t, err)
	return order, intent
}

func (f *fixture) status(t *testing.T, order orders.Order) orders.Status {
	t.Helper()
	current, err := f.store.GetOrder(context.Background(), order.ID, order.UserID)
	require.NoError(t, err)
	return current.Status
}

func TestCreatePaymentIntentAttachesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.placeOrder(t, "user-1")
	assert.Equal(t, "119.97", order.TotalAmount.StringFixed(2))

	first, err := f.engine.CreatePaymentIntent(ctx, "user-1", order.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, first.CorrelationID)
	assert.NotEmpty(t, first.ClientSecret)
	assert.Equal(t, int64(11997), first.Amount)
	assert.Equal(t, "usd", first.Currency)

	stored, err := f.store.GetOrder(ctx, order.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, first.CorrelationID, stored.PaymentIntentID)
	assert.Equal(t, first.ClientSecret, stored.ClientSecret)

	second, err := f.engine.CreatePaymentIntent(ctx, "user-1", order.ID)
	require.NoError(t, err)
	assert.Equal(t, first.CorrelationID, second.CorrelationID)
	assert.Equal(t, first.ClientSecret, second.ClientSecret)
	assert.Equal(t, 1, f.fake.IntentCount())
}

func TestCreatePaymentIntentConcurrentRequestsShareIntent(t *testing.T) {
	f := newFixture(t)
	order := f.placeOrder(t, "user-1")

	var wg sync.WaitGroup
	ids := make(chan string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.engine.CreatePaymentIntent(context.Background(), "user-1", order.ID)
			if assert.NoError(t, err) {
				ids <- res.CorrelationID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, 1)
	assert.Equal(t, 1, f.fake.IntentCount())
}

func TestCreatePaymentIntentErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.placeOrder(t, "user-1")

	_, err := f.engine.CreatePaymentIntent(ctx, "user-2", order.ID)
	assert.ErrorIs(t, err, orders.ErrNotFound)

	_, err = f.store.TransitionStatus(ctx, order.ID, orders.StatusPending, orders.StatusCancelled)
	require.NoError(t, err)
	_, err = f.engine.CreatePaymentIntent(ctx, "user-1", order.ID)
	assert.ErrorIs(t, err, ErrOrderNotPending)
	assert.Zero(t, f.fake.CreateCalls())
}

func TestCreatePaymentIntentRetriesTransientFailures(t *testing.T) {
	f := newFixture(t)
	order := f.placeOrder(t, "user-1")
	f.fake.FailCreate(
		&payment.GatewayError{Op: "create_intent", Kind: payment.KindTimeout},
		&payment.GatewayError{Op: "create_intent", Kind: payment.KindRateLimited, StatusCode: 429},
	)

	res, err := f.engine.CreatePaymentIntent(context.Background(), "user-1", order.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, res.CorrelationID)
	assert.Equal(t, 3, f.fake.CreateCalls())
	assert.Equal(t, 1, f.fake.IntentCount())
}

func TestCreatePaymentIntentSurfacesExhaustedRetries(t *testing.T) {
	f := newFixture(t)
	order := f.placeOrder(t, "user-1")
	for i := 0; i < 3; i++ {
		f.fake.FailCreate(&payment.GatewayError{Op: "create_intent", Kind: payment.KindTimeout})
	}

	_, err := f.engine.CreatePaymentIntent(context.Background(), "user-1", order.ID)
	require.Error(t, err)
	assert.True(t, payment.IsTransient(err))

	stored, err := f.store.GetOrder(context.Background(), order.ID, "user-1")
	require.NoError(t, err)
	assert.False(t, stored.HasIntent())

	res, err := f.engine.CreatePaymentIntent(context.Background(), "user-1", order.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, res.CorrelationID)
}

func TestCreatePaymentIntentForSucceededIntentSettlesOrder(t *testing.T) {
	f := newFixture(t)
	order, intent := f.withIntent(t, "user-1")
	f.fake.SetStatus(intent.CorrelationID, payment.StatusSucceeded)

	_, err := f.engine.CreatePaymentIntent(context.Background(), "user-1", order.ID)
	assert.ErrorIs(t, err, ErrAlreadyPaid)
	assert.Equal(t, orders.StatusPaid, f.status(t, order))

	paid, _ := f.events.counts()
	assert.Equal(t, 1, paid)
}

func TestCreatePaymentIntentSupersedesCanceledIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order, old := f.withIntent(t, "user-1")
	f.fake.SetStatus(old.CorrelationID, payment.StatusCanceled)

	fresh, err := f.engine.CreatePaymentIntent(ctx, "user-1", order.ID)
	require.NoError(t, err)
	assert.NotEqual(t, old.CorrelationID, fresh.CorrelationID)
	assert.Equal(t, 2, f.fake.IntentCount())

	_, err = f.store.GetOrderByCorrelationID(ctx, old.CorrelationID)
	assert.ErrorIs(t, err, orders.ErrNotFound)
	byNew, err := f.store.GetOrderByCorrelationID(ctx, fresh.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, order.ID, byNew.ID)
	assert.Equal(t, orders.StatusPending, byNew.Status)

	again, err := f.engine.CreatePaymentIntent(ctx, "user-1", order.ID)
	require.NoError(t, err)
	assert.Equal(t, fresh.CorrelationID, again.CorrelationID)
	assert.Equal(t, 2, f.fake.IntentCount())
}

func TestConfirmPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order, intent := f.withIntent(t, "user-1")

	res, err := f.engine.ConfirmPayment(ctx, "user-1", intent.CorrelationID)
	require.NoError(t, err)
	assert.False(t, res.Paid)
	assert.Equal(t, payment.StatusRequiresPaymentMethod, res.GatewayStatus)
	assert.Equal(t, orders.StatusPending, f.status(t, order))

	_, err = f.engine.ConfirmPayment(ctx, "user-2", intent.CorrelationID)
	assert.ErrorIs(t, err, orders.ErrNotFound)

	f.fake.SetStatus(intent.CorrelationID, payment.StatusSucceeded)
	res, err = f.engine.ConfirmPayment(ctx, "user-1", intent.CorrelationID)
	require.NoError(t, err)
	assert.True(t, res.Paid)
	assert.Equal(t, orders.StatusPaid, res.Order.Status)

	calls := f.fake.StatusCalls()
	res, err = f.engine.ConfirmPayment(ctx, "user-1", intent.CorrelationID)
	require.NoError(t, err)
	assert.True(t, res.Paid)
	assert.Equal(t, calls, f.fake.StatusCalls())

	paid, _ := f.events.counts()
	assert.Equal(t, 1, paid)
}

func TestConfirmAndWebhookRaceHasOneWinner(t *testing.T) {
	for i := 0; i < 25; i++ {
		f := newFixture(t)
		ctx := context.Background()
		order, intent := f.withIntent(t, "user-1")
		f.fake.SetStatus(intent.CorrelationID, payment.StatusSucceeded)
		payload, sig := f.fake.SignedEvent("evt_1", payment.EventPaymentSucceeded, intent.CorrelationID)

		var wg sync.WaitGroup
		var confirm ConfirmResult
		var confirmErr, webhookErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			confirm, confirmErr = f.engine.ConfirmPayment(ctx, "user-1", intent.CorrelationID)
		}()
		go func() {
			defer wg.Done()
			webhookErr = f.engine.HandleWebhook(ctx, payload, sig)
		}()
		wg.Wait()

		require.NoError(t, confirmErr)
		require.NoError(t, webhookErr)
		assert.True(t, confirm.Paid)
		assert.Equal(t, orders.StatusPaid, confirm.Order.Status)
		assert.Equal(t, orders.StatusPaid, f.status(t, order))

		paid, cancelled := f.events.counts()
		assert.Equal(t, 1, paid, "exactly one transition must win")
		assert.Zero(t, cancelled)
	}
}

func TestDuplicateWebhookIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order, intent := f.withIntent(t, "user-1")
	payload, sig := f.fake.SignedEvent("evt_1", payment.EventPaymentSucceeded, intent.CorrelationID)

	require.NoError(t, f.engine.HandleWebhook(ctx, payload, sig))
	writes := f.store.Writes()
	require.NoError(t, f.engine.HandleWebhook(ctx, payload, sig))

	assert.Equal(t, orders.StatusPaid, f.status(t, order))
	assert.Equal(t, writes, f.store.Writes())
	paid, _ := f.events.counts()
	assert.Equal(t, 1, paid)
}

func TestFailedWebhookCancelsAndConfirmCannotRevive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order, intent := f.withIntent(t, "user-1")

	payload, sig := f.fake.SignedEvent("evt_1", payment.EventPaymentFailed, intent.CorrelationID)
	require.NoError(t, f.engine.HandleWebhook(ctx, payload, sig))
	assert.Equal(t, orders.StatusCancelled, f.status(t, order))

	f.fake.SetStatus(intent.CorrelationID, payment.StatusSucceeded)
	res, err := f.engine.ConfirmPayment(ctx, "user-1", intent.CorrelationID)
	require.NoError(t, err)
	assert.False(t, res.Paid)
	assert.Equal(t, orders.StatusCancelled, res.Order.Status)

	late, lateSig := f.fake.SignedEvent("evt_2", payment.EventPaymentSucceeded, intent.CorrelationID)
	require.NoError(t, f.engine.HandleWebhook(ctx, late, lateSig))
	assert.Equal(t, orders.StatusCancelled, f.status(t, order))

	paid, cancelled := f.events.counts()
	assert.Zero(t, paid)
	assert.Equal(t, 1, cancelled)
}

func TestFailedAfterSucceededDoesNotRevert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order, intent := f.withIntent(t, "user-1")

	ok, okSig := f.fake.SignedEvent("evt_1", payment.EventPaymentSucceeded, intent.CorrelationID)
	failed, failedSig := f.fake.SignedEvent("evt_2", payment.EventPaymentFailed, intent.CorrelationID)
	require.NoError(t, f.engine.HandleWebhook(ctx, ok, okSig))
	require.NoError(t, f.engine.HandleWebhook(ctx, failed, failedSig))

	assert.Equal(t, orders.StatusPaid, f.status(t, order))
	_, cancelled := f.events.counts()
	assert.Zero(t, cancelled)
}

func TestWebhookWithInvalidSignatureTouchesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order, intent := f.withIntent(t, "user-1")
	payload, _ := f.fake.SignedEvent("evt_1", payment.EventPaymentSucceeded, intent.CorrelationID)

	reads, writes := f.store.Reads(), f.store.Writes()
	for _, sig := range []string{"", "deadbeef", "not-hex"} {
		err := f.engine.HandleWebhook(ctx, payload, sig)
		assert.True(t, payment.IsSignature(err), "signature %q", sig)
	}
	assert.Equal(t, reads, f.store.Reads())
	assert.Equal(t, writes, f.store.Writes())
	assert.Equal(t, orders.StatusPending, f.status(t, order))
}

func TestWebhookIgnoresUnknownIntentsAndEventTypes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order, intent := f.withIntent(t, "user-1")

	unknown, sig := f.fake.SignedEvent("evt_1", payment.EventPaymentSucceeded, "pi_nobody")
	require.NoError(t, f.engine.HandleWebhook(ctx, unknown, sig))

	canceled, sig := f.fake.SignedEvent("evt_2", payment.EventPaymentCanceled, intent.CorrelationID)
	require.NoError(t, f.engine.HandleWebhook(ctx, canceled, sig))

	other, sig := f.fake.SignedEvent("evt_3", "charge.refunded", intent.CorrelationID)
	require.NoError(t, f.engine.HandleWebhook(ctx, other, sig))

	assert.Equal(t, orders.StatusPending, f.status(t, order))
}

func TestPaymentStatusUsesCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order, intent := f.withIntent(t, "user-1")
	f.fake.SetStatus(intent.CorrelationID, payment.StatusProcessing)

	calls := f.fake.StatusCalls()
	res, err := f.engine.PaymentStatus(ctx, "user-1", intent.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, StatusResult{
		CorrelationID: intent.CorrelationID,
		GatewayStatus: payment.StatusProcessing,
		OrderID:       order.ID,
		OrderStatus:   orders.StatusPending,
	}, res)

	_, err = f.engine.PaymentStatus(ctx, "user-1", intent.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, calls+1, f.fake.StatusCalls())

	_, err = f.engine.PaymentStatus(ctx, "user-2", intent.CorrelationID)
	assert.ErrorIs(t, err, orders.ErrNotFound)

	f.fake.SetStatus(intent.CorrelationID, payment.StatusSucceeded)
	payload, sig := f.fake.SignedEvent("evt_1", payment.EventPaymentSucceeded, intent.CorrelationID)
	require.NoError(t, f.engine.HandleWebhook(ctx, payload, sig))

	res, err = f.engine.PaymentStatus(ctx, "user-1", intent.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusSucceeded, res.GatewayStatus)
	assert.Equal(t, orders.StatusPaid, res.OrderStatus)
}

func TestPaymentStatusFallsBackWhenCacheIsDown(t *testing.T) {
	f := newFixture(t)
	_, intent := f.withIntent(t, "user-1")
	f.redis.Close()

	res, err := f.engine.PaymentStatus(context.Background(), "user-1", intent.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusRequiresPaymentMethod, res.GatewayStatus)
}

func TestSweeperPaysStaleOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	paidOrder, paidIntent := f.withIntent(t, "user-1")
	waiting, _ := f.withIntent(t, "user-2")
	other, otherIntent := f.withIntent(t, "user-3")
	f.fake.SetStatus(paidIntent.CorrelationID, payment.StatusSucceeded)
	f.fake.SetStatus(otherIntent.CorrelationID, payment.StatusSucceeded)

	stale, err := f.store.ListStalePending(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, stale, 3)
	// The first lookup of the batch fails; the rest of the batch still runs.
	f.fake.FailStatus(&payment.GatewayError{Op: "get_status", Kind: payment.KindRejected, StatusCode: 404, Err: errors.New("gone")})

	sweeper := NewSweeper(f.engine, time.Minute, time.Minute, 10)
	n, err := sweeper.RunOnce(ctx)
	require.NoError(t, err)

	statuses := map[orders.Status]int{}
	for _, o := range []orders.Order{paidOrder, waiting, other} {
		statuses[f.status(t, o)]++
	}
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, statuses[orders.StatusPaid])
	assert.Equal(t, 2, statuses[orders.StatusPending])

	n, err = sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, orders.StatusPaid, f.status(t, paidOrder))
	assert.Equal(t, orders.StatusPaid, f.status(t, other))
	assert.Equal(t, orders.StatusPending, f.status(t, waiting))
}

func TestSweeperRunStopsWithContext(t *testing.T) {
	f := newFixture(t)
	sweeper := NewSweeper(f.engine, 5*time.Millisecond, 0, 10)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	assert.NoError(t, sweeper.Run(ctx))
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Deps{Gateway: fakegateway.New("x")})
	assert.Error(t, err)
	_, err = New(Deps{Store: ordertest.NewStore()})
	assert.Error(t, err)
}

// attachRacer attaches a competing intent just before every attach the
// engine makes, as a concurrent request would.
type attachRacer struct {
	*ordertest.Store
	competing string
}

func (r *attachRacer) AttachGatewayIntent(ctx context.Context, id string, correlationID string, clientSecret string) (orders.Order, error) {
	if _, err := r.Store.AttachGatewayIntent(ctx, id, r.competing, r.competing+"_secret"); err != nil {
		return orders.Order{}, err
	}
	return r.Store.AttachGatewayIntent(ctx, id, correlationID, clientSecret)
}

func TestCreatePaymentIntentReportsStatusOfWinningIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.placeOrder(t, "user-1")

	other, err := f.fake.CreateIntent(ctx, payment.IntentRequest{AmountCents: 11997, Currency: "usd", IdempotencyKey: "other-request"})
	require.NoError(t, err)
	f.fake.SetStatus(other.CorrelationID, payment.StatusProcessing)

	engine, err := New(Deps{
		Store:   &attachRacer{Store: f.store, competing: other.CorrelationID},
		Gateway: f.fake,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	res, err := engine.CreatePaymentIntent(ctx, "user-1", order.ID)
	require.NoError(t, err)
	assert.Equal(t, other.CorrelationID, res.CorrelationID)
	assert.Equal(t, other.CorrelationID+"_secret", res.ClientSecret)
	assert.Equal(t, payment.StatusProcessing, res.Status)
}

func TestUpdateOrderStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.placeOrder(t, "user-1")

	_, err := f.engine.UpdateOrderStatus(ctx, order.ID, orders.StatusShipped)
	assert.True(t, orders.IsValidation(err), "pending orders are settled by payment: %v", err)

	_, err = f.store.TransitionStatus(ctx, order.ID, orders.StatusPending, orders.StatusPaid)
	require.NoError(t, err)

	shipped, err := f.engine.UpdateOrderStatus(ctx, order.ID, orders.StatusShipped)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusShipped, shipped.Status)

	again, err := f.engine.UpdateOrderStatus(ctx, order.ID, orders.StatusShipped)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusShipped, again.Status)

	_, err = f.engine.UpdateOrderStatus(ctx, order.ID, orders.StatusPaid)
	assert.True(t, orders.IsValidation(err))

	_, err = f.engine.UpdateOrderStatus(ctx, order.ID, orders.Status("lost"))
	assert.True(t, orders.IsValidation(err))

	_, err = f.engine.UpdateOrderStatus(ctx, "missing", orders.StatusDelivered)
	assert.ErrorIs(t, err, orders.ErrNotFound)

	paid, cancelled := f.events.counts()
	assert.Equal(t, 0, paid)
	assert.Equal(t, 0, cancelled)
}
