package cli

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// lifecycle runs the long-lived parts of serve and stops all of them
// together, whether the process got a signal, one part failed, or startup
// was cut short.
type lifecycle struct {
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	firstErr error
	onStop   []func(ctx context.Context) error
}

// newLifecycle returns the lifecycle and the context its goroutines should
// watch. That context ends when a goroutine fails or Stop is called.
func newLifecycle(ctx context.Context) (*lifecycle, context.Context) {
	base, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(base)
	return &lifecycle{group: group, ctx: groupCtx, cancel: cancel}, groupCtx
}

// Go runs fn in its own goroutine. The first error it returns ends Wait.
func (l *lifecycle) Go(fn func() error) {
	l.group.Go(func() error {
		err := fn()
		if err != nil {
			l.mu.Lock()
			if l.firstErr == nil {
				l.firstErr = err
			}
			l.mu.Unlock()
		}
		return err
	})
}

// OnStop registers fn to run during Stop, in reverse registration order.
func (l *lifecycle) OnStop(fn func(ctx context.Context) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onStop = append(l.onStop, fn)
}

// Wait blocks until ctx is done (nil) or a goroutine fails (its error).
func (l *lifecycle) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-l.ctx.Done():
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.firstErr
}

// Stop cancels the goroutines' context, runs the stop hooks within timeout
// and waits for every goroutine to return.
func (l *lifecycle) Stop(timeout time.Duration) error {
	l.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	l.mu.Lock()
	hooks := l.onStop
	l.onStop = nil
	l.mu.Unlock()

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		if err := hooks[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		// Goroutine failures were already reported by Wait.
		_ = l.group.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, errors.New("shutdown timed out waiting for background work"))
	}
	return errors.Join(errs...)
}
