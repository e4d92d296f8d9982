package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/peertrade/internal/idgen"
	"github.com/mbd888/peertrade/internal/metrics"
)

// Service queues payouts for the background sweep.
type Service struct {
	store       Store
	maxAttempts int
	logger      *slog.Logger
}

// NewService creates a payout service.
func NewService(store Store, maxAttempts int, logger *slog.Logger) *Service {
	return &Service{store: store, maxAttempts: maxAttempts, logger: logger}
}

// EnqueueRequest describes a payout to queue.
type EnqueueRequest struct {
	OrderID        string
	Target         string
	PaymentRequest string
	AmountSats     int64
}

// Enqueue queues a payout unless an active one already exists for the same
// target. Deduplication prevents double-payout races when the same completion
// is reported more than once.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*PendingPayment, error) {
	if req.Target == "" {
		return nil, fmt.Errorf("payout target required")
	}
	if req.AmountSats <= 0 {
		return nil, fmt.Errorf("payout amount must be positive")
	}

	if existing, err := s.store.FindActiveByTarget(ctx, req.Target, s.maxAttempts); err == nil {
		s.logger.Info("payout already queued for target, deduplicating",
			"target", req.Target, "existing_payment", existing.ID)
		return existing, ErrAlreadyQueued
	} else if !errors.Is(err, ErrPaymentNotFound) {
		return nil, err
	}

	now := time.Now()
	pp := &PendingPayment{
		ID:             idgen.WithPrefix("pay_"),
		OrderID:        req.OrderID,
		Target:         req.Target,
		PaymentRequest: req.PaymentRequest,
		AmountSats:     req.AmountSats,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Create(ctx, pp); err != nil {
		return nil, fmt.Errorf("queue payout: %w", err)
	}

	if n, err := s.store.CountActive(ctx, s.maxAttempts); err == nil {
		metrics.PendingPayments.Set(float64(n))
	}

	s.logger.Info("payout queued",
		"payment_id", pp.ID, "order_id", pp.OrderID,
		"target", pp.Target, "amount_sats", pp.AmountSats)
	return pp, nil
}

// Get returns a pending payment by ID.
func (s *Service) Get(ctx context.Context, id string) (*PendingPayment, error) {
	return s.store.Get(ctx, id)
}

// SetPaymentRequest attaches the destination invoice to a queued payout (the
// target user supplies it after the trade completes).
func (s *Service) SetPaymentRequest(ctx context.Context, id, paymentRequest string) (*PendingPayment, error) {
	pp, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if pp.Paid {
		return nil, fmt.Errorf("payment %s already paid", id)
	}
	pp.PaymentRequest = paymentRequest
	pp.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, pp); err != nil {
		return nil, err
	}
	return pp, nil
}
