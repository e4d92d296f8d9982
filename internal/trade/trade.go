// Package trade owns the order lifecycle: the state machine driven by user
// commands, the escrow coordinator that binds invoice events to transitions,
// the cooperative-cancellation handshake, and the dispute/ban policy.
//
// Flow:
//  1. Seller posts order (PENDING)
//  2. Buyer takes it → hold invoice created → WAITING_PAYMENT
//  3. Invoice accepted by the node → funds locked → ACTIVE
//  4. Buyer sends fiat out-of-band → FIAT_SENT
//  5. Seller releases → invoice settled → COMPLETED
//  6. Or: cancellation/dispute paths unwind the escrow instead
package trade

import (
	"errors"
	"sync"
)

var (
	ErrInvalidStatus    = errors.New("invalid order status for this operation")
	ErrUnauthorized     = errors.New("not authorized for this order operation")
	ErrAlreadyResolved  = errors.New("order already in a terminal state")
	ErrAlreadyTaken     = errors.New("order already taken")
	ErrSelfTrade        = errors.New("cannot take your own order")
	ErrUserBanned       = errors.New("user is banned")
	ErrNoEscrow         = errors.New("order has no held escrow")
	ErrAlreadyRequested = errors.New("cancellation already requested, waiting for counterparty")

	ErrEscrowUnavailable = errors.New("escrow node unavailable")
	ErrSettleFailed      = errors.New("escrow settle failed")
	ErrCancelFailed      = errors.New("escrow cancel failed")

	// ErrReconcileNeeded means the escrow was resolved at the node but the
	// order record could not be updated to match. Retrying the operation is
	// safe: the coordinator will not touch the node again for that hash.
	ErrReconcileNeeded = errors.New("escrow resolved but order update failed, reconciliation needed")
)

// lockMap hands out one mutex per order ID. Commands, the invoice event loop,
// and the expiry sweep all serialize on it; re-reading the record under the
// lock is what makes their precondition checks trustworthy.
type lockMap struct {
	locks sync.Map
}

func (l *lockMap) get(id string) *sync.Mutex {
	v, _ := l.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}
