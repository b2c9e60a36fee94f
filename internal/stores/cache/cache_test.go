package cache

import (
	"context"
	"testing"
	"time"

	"checkout-service/internal/payment"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*StatusCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStatusCache(client, 10*time.Second), mr
}

func TestGetMiss(t *testing.T) {
	c, _ := setupTestRedis(t)

	_, found, err := c.Get(context.Background(), "pi_1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSetGetInvalidate(t *testing.T) {
	c, mr := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "pi_1", payment.StatusProcessing))
	assert.Equal(t, 10*time.Second, mr.TTL(cacheKey("pi_1")))

	status, found, err := c.Get(ctx, "pi_1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, payment.StatusProcessing, status)

	require.NoError(t, c.Invalidate(ctx, "pi_1"))
	_, found, err = c.Get(ctx, "pi_1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestEntriesExpire(t *testing.T) {
	c, mr := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "pi_1", payment.StatusSucceeded))
	mr.FastForward(11 * time.Second)

	_, found, err := c.Get(ctx, "pi_1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGetReportsConnectionErrors(t *testing.T) {
	c, mr := setupTestRedis(t)
	mr.Close()

	_, _, err := c.Get(context.Background(), "pi_1")
	assert.Error(t, err)
}
