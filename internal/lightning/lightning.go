// Package lightning wraps the external hold-invoice escrow node.
//
// The node locks a payer's funds when a hold invoice is paid and releases
// them only when the preimage is revealed (settle) or returns them when the
// invoice is canceled. This package reports node failures as-is; interpreting
// them is the caller's job.
package lightning

import (
	"context"
	"errors"
)

// InvoiceState is the lifecycle state of a hold invoice as reported by the node.
type InvoiceState string

const (
	// InvoiceOpen: created, not yet paid.
	InvoiceOpen InvoiceState = "OPEN"
	// InvoiceAccepted: paid and held; funds are locked pending settle/cancel.
	InvoiceAccepted InvoiceState = "ACCEPTED"
	// InvoiceSettled: preimage revealed, funds claimed.
	InvoiceSettled InvoiceState = "SETTLED"
	// InvoiceCanceled: canceled, funds returned to the payer.
	InvoiceCanceled InvoiceState = "CANCELED"
)

// InvoiceEvent is an asynchronous lifecycle notification for a watched invoice.
// Delivery is at-least-once: consumers must handle duplicates idempotently.
type InvoiceEvent struct {
	Hash  string
	State InvoiceState
}

// Invoice is a freshly created hold invoice. Secret is the preimage, generated
// locally; the node only ever learns the hash until settlement.
type Invoice struct {
	PaymentRequest string
	Hash           string // hex-encoded payment hash
	Secret         string // hex-encoded preimage
}

var (
	// ErrInvoiceNotFound is returned when the node does not know the hash.
	ErrInvoiceNotFound = errors.New("invoice not found")
	// ErrNodeUnavailable is returned when the node cannot be reached.
	ErrNodeUnavailable = errors.New("escrow node unavailable")
)

// Client is the escrow node capability consumed by the trade core.
type Client interface {
	// CreateHoldInvoice creates a hold invoice for amountSats. The returned
	// secret must be stored by the caller; it is required to settle.
	CreateHoldInvoice(ctx context.Context, amountSats int64, description string) (*Invoice, error)

	// SubscribeInvoice registers hash for asynchronous lifecycle events,
	// delivered on Events().
	SubscribeInvoice(ctx context.Context, hash string) error

	// SettleHoldInvoice reveals the preimage, claiming the held funds.
	SettleHoldInvoice(ctx context.Context, secret string) error

	// CancelHoldInvoice cancels the invoice, returning held funds to the payer.
	CancelHoldInvoice(ctx context.Context, hash string) error

	// SendPayment pays an arbitrary invoice (payout path, not escrow).
	SendPayment(ctx context.Context, paymentRequest string, maxFeeSats int64) error

	// Events is the stream of lifecycle notifications for subscribed invoices.
	Events() <-chan InvoiceEvent
}
