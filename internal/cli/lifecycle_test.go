package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startHTTP serves a trivial handler through lc and returns its address.
func startHTTP(t *testing.T, lc *lifecycle) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})}
	lc.Go(func() error {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	lc.OnStop(srv.Shutdown)
	return "http://" + lis.Addr().String()
}

func TestLifecycleStopsEverythingWhenOnePartFails(t *testing.T) {
	lc, bgCtx := newLifecycle(context.Background())
	url := startHTTP(t, lc)

	var workerStopped atomic.Bool
	lc.Go(func() error {
		<-bgCtx.Done()
		workerStopped.Store(true)
		return nil
	})

	resp, err := http.Get(url)
	require.NoError(t, err)
	resp.Body.Close()

	boom := errors.New("grpc server: listener closed")
	lc.Go(func() error { return boom })

	assert.ErrorIs(t, lc.Wait(context.Background()), boom)
	require.NoError(t, lc.Stop(time.Second))

	assert.True(t, workerStopped.Load())
	_, err = http.Get(url)
	assert.Error(t, err)
}

func TestLifecycleStopAfterFailedStartup(t *testing.T) {
	lc, bgCtx := newLifecycle(context.Background())
	url := startHTTP(t, lc)

	var order []string
	lc.OnStop(func(context.Context) error {
		order = append(order, "first registered")
		return nil
	})
	lc.OnStop(func(context.Context) error {
		order = append(order, "last registered")
		return errors.New("deregister failed")
	})

	// Startup gave up before Wait was ever called.
	err := lc.Stop(time.Second)
	assert.EqualError(t, err, "deregister failed")
	assert.Equal(t, []string{"last registered", "first registered"}, order)
	assert.Error(t, bgCtx.Err())

	_, err = http.Get(url)
	assert.Error(t, err)
}

func TestLifecycleWaitEndsWithContext(t *testing.T) {
	lc, _ := newLifecycle(context.Background())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, lc.Wait(ctx))
	assert.NoError(t, lc.Stop(time.Second))
}

func TestLifecycleStopTimesOut(t *testing.T) {
	lc, _ := newLifecycle(context.Background())
	release := make(chan struct{})
	defer close(release)
	lc.Go(func() error {
		<-release
		return nil
	})
	assert.Error(t, lc.Stop(10*time.Millisecond))
}
