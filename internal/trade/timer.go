package trade

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/peertrade/internal/metrics"
	"github.com/mbd888/peertrade/internal/order"
)

// ExpiryTimer periodically cancels orders stuck in WAITING_PAYMENT past the
// expiration window, so an unresponsive buyer cannot hold an order hostage.
type ExpiryTimer struct {
	service  *Service
	store    order.Store
	window   time.Duration
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewExpiryTimer creates the order-expiry sweep.
func NewExpiryTimer(service *Service, store order.Store, window, interval time.Duration, logger *slog.Logger) *ExpiryTimer {
	return &ExpiryTimer{
		service:  service,
		store:    store,
		window:   window,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *ExpiryTimer) Running() bool {
	return t.running.Load()
}

// Start begins the expiry loop. Call in a goroutine.
func (t *ExpiryTimer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeExpire(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *ExpiryTimer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *ExpiryTimer) safeExpire(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in expiry timer", "panic", fmt.Sprint(r))
		}
	}()
	t.Expire(ctx)
}

// Expire runs one sweep iteration. Each run is bounded and re-entrant: an
// order advanced between the list and the cancel is skipped by the re-check
// under its lock.
func (t *ExpiryTimer) Expire(ctx context.Context) {
	metrics.SweepRunsTotal.WithLabelValues("order_expiry").Inc()

	cutoff := time.Now().Add(-t.window)
	stuck, err := t.store.ListStuck(ctx, order.StatusWaitingPayment, cutoff, 100)
	if err != nil {
		t.logger.Warn("failed to list stuck orders", "error", err)
		return
	}

	for _, o := range stuck {
		if err := t.service.ExpireOrder(ctx, o.ID); err != nil {
			t.logger.Warn("failed to expire order", "order_id", o.ID, "error", err)
			continue
		}
	}
}

// ExpireOrder cancels one overdue order as if the owner had canceled it.
// A settlement that lands first wins: the re-check under the order's lock
// sees the new status and the expiry becomes a no-op.
func (s *Service) ExpireOrder(ctx context.Context, orderID string) error {
	mu := s.locks.get(orderID)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}

	if o.Status != order.StatusWaitingPayment {
		s.logger.Debug("order advanced before expiry, skipping",
			"order_id", o.ID, "status", o.Status)
		return nil
	}

	if err := s.unwindAndCancel(ctx, o, order.StatusCanceled); err != nil {
		return err
	}
	s.logger.Info("expired unpaid order canceled", "order_id", o.ID)
	return nil
}
