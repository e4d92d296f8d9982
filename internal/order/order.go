// Package order defines the trade record and its persistence.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrConflict      = errors.New("order was modified concurrently")
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending          Status = "PENDING"
	StatusWaitingPayment   Status = "WAITING_PAYMENT"
	StatusActive           Status = "ACTIVE"
	StatusFiatSent         Status = "FIAT_SENT"
	StatusCompleted        Status = "COMPLETED"
	StatusCompletedByAdmin Status = "COMPLETED_BY_ADMIN"
	StatusDispute          Status = "DISPUTE"
	StatusCanceled         Status = "CANCELED"
	StatusCanceledByAdmin  Status = "CANCELED_BY_ADMIN"
)

// Terminal reports whether the status is final. DISPUTE is not terminal: it
// resolves into COMPLETED_BY_ADMIN or CANCELED_BY_ADMIN.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedByAdmin, StatusCanceled, StatusCanceledByAdmin:
		return true
	}
	return false
}

// Role identifies which side of the trade a user is on.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// PartyFlags holds one boolean per trade party, addressed by Role.
type PartyFlags struct {
	Buyer  bool `json:"buyer"`
	Seller bool `json:"seller"`
}

// Get returns the flag for the given role.
func (f PartyFlags) Get(role Role) bool {
	if role == RoleBuyer {
		return f.Buyer
	}
	return f.Seller
}

// Set sets the flag for the given role.
func (f *PartyFlags) Set(role Role) {
	if role == RoleBuyer {
		f.Buyer = true
	} else {
		f.Seller = true
	}
}

// Both reports whether both parties' flags are set.
func (f PartyFlags) Both() bool { return f.Buyer && f.Seller }

// Order is the trade record. The creator is the seller; the buyer is assigned
// when the order is taken.
type Order struct {
	ID string `json:"id"`

	SellerID string `json:"sellerId"`
	BuyerID  string `json:"buyerId,omitempty"` // empty until taken

	// Terms. AmountSats == 0 means market price, resolved at take-time by the
	// pricing collaborator; such orders must carry fiat terms.
	AmountSats    int64   `json:"amountSats"`
	FeeSats       int64   `json:"feeSats"`
	FiatAmount    float64 `json:"fiatAmount"`
	FiatCode      string  `json:"fiatCode"`
	PaymentMethod string  `json:"paymentMethod"`

	// Escrow linkage. Secret is populated strictly after Hash; both cleared
	// on terminal states.
	Hash   string `json:"hash,omitempty"`
	Secret string `json:"-"` // preimage, never serialized outward

	Status Status `json:"status"`

	CoopCancel PartyFlags `json:"coopCancel"`
	Dispute    PartyFlags `json:"dispute"`

	// Public feed linkage, opaque to the core.
	ChannelMessageID string `json:"channelMessageId,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	TakenAt   *time.Time `json:"takenAt,omitempty"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// PartyRole returns the role userID plays in this order.
func (o *Order) PartyRole(userID string) (Role, bool) {
	switch userID {
	case "":
		return "", false
	case o.BuyerID:
		return RoleBuyer, true
	case o.SellerID:
		return RoleSeller, true
	}
	return "", false
}

// Counterparty returns the other party's user ID for the given role.
func (o *Order) Counterparty(role Role) string {
	if role == RoleBuyer {
		return o.SellerID
	}
	return o.BuyerID
}

// EscrowOpen reports whether a hold invoice exists for this order.
func (o *Order) EscrowOpen() bool { return o.Hash != "" }

// Validate checks the fixed-rate/market-rate invariant: either the amount is
// set, or the order is market-priced and carries fiat terms.
func (o *Order) Validate() error {
	if o.AmountSats < 0 {
		return fmt.Errorf("negative amount")
	}
	if o.AmountSats == 0 && (o.FiatAmount <= 0 || o.FiatCode == "") {
		return fmt.Errorf("market-price order requires fiat terms")
	}
	if o.Secret != "" && o.Hash == "" {
		return fmt.Errorf("secret without hash")
	}
	return nil
}

// Store persists orders. Get/list results are copies; mutations go through
// Update, which replaces the whole record.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	// GetByHash finds the order linked to an escrow invoice hash.
	GetByHash(ctx context.Context, hash string) (*Order, error)
	Update(ctx context.Context, o *Order) error
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Order, error)
	// ListStuck returns orders in status whose last transition is older than
	// cutoff, for the expiry sweep.
	ListStuck(ctx context.Context, status Status, cutoff time.Time, limit int) ([]*Order, error)
}
