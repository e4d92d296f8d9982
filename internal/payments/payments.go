// Package payments tracks queued payouts and retries them in the background.
//
// A PendingPayment is created when a payout to a party's own invoice cannot be
// completed inline (or is deliberately deferred). The sweep retries each
// payment up to a configured maximum; after that the payment is abandoned and
// surfaced for manual follow-up.
package payments

import (
	"context"
	"errors"
	"time"
)

var (
	ErrPaymentNotFound = errors.New("pending payment not found")
	ErrAlreadyQueued   = errors.New("an active payout for this target already exists")
)

// PendingPayment is a queued payout. Attempts is monotonic and bounded by the
// configured maximum; Paid transitions false -> true exactly once.
type PendingPayment struct {
	ID             string     `json:"id"`
	OrderID        string     `json:"orderId"`
	Target         string     `json:"target"` // user the payout belongs to
	PaymentRequest string     `json:"paymentRequest,omitempty"`
	AmountSats     int64      `json:"amountSats"`
	Attempts       int        `json:"attempts"`
	Paid           bool       `json:"paid"`
	LastError      string     `json:"lastError,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	PaidAt         *time.Time `json:"paidAt,omitempty"`
}

// Exhausted reports whether the payment has used up its attempts.
func (p *PendingPayment) Exhausted(maxAttempts int) bool {
	return !p.Paid && p.Attempts >= maxAttempts
}

// Store persists pending payments.
type Store interface {
	Create(ctx context.Context, p *PendingPayment) error
	Get(ctx context.Context, id string) (*PendingPayment, error)
	Update(ctx context.Context, p *PendingPayment) error
	// ListDue returns unpaid payments with attempts below maxAttempts.
	ListDue(ctx context.Context, maxAttempts, limit int) ([]*PendingPayment, error)
	// FindActiveByTarget returns an unpaid, unexhausted payment for target, if
	// any. Used to deduplicate payout requests for the same destination.
	FindActiveByTarget(ctx context.Context, target string, maxAttempts int) (*PendingPayment, error)
	// CountActive returns the number of unpaid, unexhausted payments.
	CountActive(ctx context.Context, maxAttempts int) (int, error)
}
