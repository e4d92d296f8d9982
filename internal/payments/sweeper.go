package payments

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/peertrade/internal/lightning"
	"github.com/mbd888/peertrade/internal/metrics"
)

// Sweeper periodically retries unpaid payouts.
type Sweeper struct {
	store       Store
	ln          lightning.Client
	interval    time.Duration
	maxAttempts int
	maxFeeSats  int64
	logger      *slog.Logger
	stop        chan struct{}
	running     atomic.Bool
}

// NewSweeper creates a pending-payment sweeper.
func NewSweeper(store Store, ln lightning.Client, interval time.Duration, maxAttempts int, maxFeeSats int64, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:       store,
		ln:          ln,
		interval:    interval,
		maxAttempts: maxAttempts,
		maxFeeSats:  maxFeeSats,
		logger:      logger,
		stop:        make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in payment sweeper", "panic", fmt.Sprint(r))
		}
	}()
	s.Sweep(ctx)
}

// Sweep runs one iteration: attempt every due payout once. Runs are
// serialized by the single loop goroutine; Store.Update is last-write-wins,
// so Sweep must never be called concurrently with itself.
func (s *Sweeper) Sweep(ctx context.Context) {
	metrics.SweepRunsTotal.WithLabelValues("pending_payments").Inc()

	due, err := s.store.ListDue(ctx, s.maxAttempts, 100)
	if err != nil {
		s.logger.Warn("failed to list due payments", "error", err)
		return
	}

	for _, pp := range due {
		s.attempt(ctx, pp)
	}

	if n, err := s.store.CountActive(ctx, s.maxAttempts); err == nil {
		metrics.PendingPayments.Set(float64(n))
	}
}

func (s *Sweeper) attempt(ctx context.Context, pp *PendingPayment) {
	if pp.PaymentRequest == "" {
		// Waiting for the target to supply an invoice; does not burn attempts.
		s.logger.Debug("payout has no destination yet", "payment_id", pp.ID)
		return
	}

	now := time.Now()
	err := s.ln.SendPayment(ctx, pp.PaymentRequest, s.maxFeeSats)
	if err != nil {
		pp.Attempts++
		pp.LastError = err.Error()
		pp.UpdatedAt = now
		if updErr := s.store.Update(ctx, pp); updErr != nil {
			s.logger.Warn("failed to record payout attempt", "payment_id", pp.ID, "error", updErr)
			return
		}
		metrics.EscrowOpsTotal.WithLabelValues("pay", "error").Inc()
		if pp.Attempts >= s.maxAttempts {
			metrics.PayoutsAbandonedTotal.Inc()
			s.logger.Error("payout abandoned after max attempts, needs manual follow-up",
				"payment_id", pp.ID, "order_id", pp.OrderID,
				"target", pp.Target, "attempts", pp.Attempts, "last_error", pp.LastError)
		} else {
			s.logger.Warn("payout attempt failed",
				"payment_id", pp.ID, "attempts", pp.Attempts, "error", err)
		}
		return
	}

	pp.Paid = true
	pp.PaidAt = &now
	pp.LastError = ""
	pp.UpdatedAt = now
	if err := s.store.Update(ctx, pp); err != nil {
		// Money moved but the record is stale; log loudly rather than guess.
		s.logger.Error("payout sent but status update failed, needs manual reconciliation",
			"payment_id", pp.ID, "error", err)
		return
	}
	metrics.EscrowOpsTotal.WithLabelValues("pay", "ok").Inc()
	s.logger.Info("payout sent",
		"payment_id", pp.ID, "order_id", pp.OrderID,
		"target", pp.Target, "amount_sats", pp.AmountSats)
}
