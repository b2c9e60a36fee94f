package ordertest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"checkout-service/internal/orders"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreCompareAndSwap(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	order, err := s.CreateOrder(ctx, "user-1", []orders.NewLine{
		{ProductID: "a", Quantity: 3, UnitPrice: decimal.RequireFromString("2.50")},
	})
	require.NoError(t, err)
	assert.Equal(t, "7.5", order.TotalAmount.String())

	var wg sync.WaitGroup
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.TransitionStatus(ctx, order.ID, orders.StatusPending, orders.StatusPaid)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		var conflict *orders.ConflictError
		require.True(t, errors.As(err, &conflict))
		assert.Equal(t, orders.StatusPaid, conflict.Actual)
	}
	assert.Equal(t, 1, wins)
}

func TestStoreAttach(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	order, err := s.CreateOrder(ctx, "user-1", []orders.NewLine{{ProductID: "a", Quantity: 1, UnitPrice: decimal.NewFromInt(1)}})
	require.NoError(t, err)

	_, err = s.AttachGatewayIntent(ctx, order.ID, "pi_1", "secret")
	require.NoError(t, err)
	_, err = s.AttachGatewayIntent(ctx, order.ID, "pi_1", "secret")
	require.NoError(t, err)
	_, err = s.AttachGatewayIntent(ctx, order.ID, "pi_2", "secret")
	var attached *orders.AlreadyAttachedError
	assert.True(t, errors.As(err, &attached))
	assert.Equal(t, int64(2), s.Writes())
}
