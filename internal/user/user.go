// Package user defines counterparty records and their persistence.
package user

import (
	"context"
	"errors"
	"time"
)

var ErrUserNotFound = errors.New("user not found")

// User is a trade counterparty. Disputes is a monotonic counter; Banned is
// one-way true once set and never auto-reset.
type User struct {
	ID            string    `json:"id"`
	PayoutRequest string    `json:"payoutRequest,omitempty"` // invoice for payouts, set by the user
	Disputes      int       `json:"disputes"`
	Banned        bool      `json:"banned"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Store persists users.
type Store interface {
	Create(ctx context.Context, u *User) error
	Get(ctx context.Context, id string) (*User, error)
	// GetOrCreate returns the user, creating an empty record on first sight.
	GetOrCreate(ctx context.Context, id string) (*User, error)
	Update(ctx context.Context, u *User) error
}
