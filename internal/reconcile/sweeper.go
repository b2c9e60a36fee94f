package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"checkout-service/pkg/logkey"
)

// Sweeper periodically reconciles pending orders whose webhook never
// arrived, so a lost delivery cannot leave an order pending forever.
type Sweeper struct {
	engine     *Engine
	interval   time.Duration
	staleAfter time.Duration
	batchSize  int
	now        func() time.Time
}

func NewSweeper(engine *Engine, interval, staleAfter time.Duration, batchSize int) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Sweeper{
		engine:     engine,
		interval:   interval,
		staleAfter: staleAfter,
		batchSize:  batchSize,
		now:        time.Now,
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.engine.log.Info("sweeper started", slog.Duration("Interval", s.interval), slog.Duration("Stale After", s.staleAfter))
	for {
		select {
		case <-ctx.Done():
			s.engine.log.Info("sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.engine.log.Error("sweep failed", slog.String(logkey.ERROR, err.Error()))
			}
		}
	}
}

// RunOnce reconciles one batch of stale orders and returns how many were
// marked paid. A gateway error on one order does not stop the batch.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	stale, err := s.engine.store.ListStalePending(ctx, s.now().Add(-s.staleAfter), s.batchSize)
	if err != nil {
		return 0, err
	}

	paid := 0
	for _, order := range stale {
		if ctx.Err() != nil {
			return paid, ctx.Err()
		}
		_, won, err := s.engine.ReconcileOrder(ctx, order)
		if err != nil {
			s.engine.log.Warn("reconcile failed", slog.String(logkey.OrderID, order.ID), slog.String(logkey.ERROR, err.Error()))
			continue
		}
		if won {
			paid++
		}
	}
	if len(stale) > 0 {
		s.engine.log.Info("sweep finished", slog.Int("Checked", len(stale)), slog.Int("Paid", paid))
	}
	return paid, nil
}
