package lightning

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// FakeNode is an in-memory escrow node for development mode. Invoices are
// never actually payable; MarkAccepted simulates a payer.
type FakeNode struct {
	mu       sync.Mutex
	invoices map[string]*fakeInvoice // hash -> invoice
	watched  map[string]bool
	events   chan InvoiceEvent
}

type fakeInvoice struct {
	hash   string
	secret string
	amount int64
	state  InvoiceState
}

// NewFakeNode creates an in-memory escrow node.
func NewFakeNode() *FakeNode {
	return &FakeNode{
		invoices: make(map[string]*fakeInvoice),
		watched:  make(map[string]bool),
		events:   make(chan InvoiceEvent, 64),
	}
}

func (f *FakeNode) Events() <-chan InvoiceEvent { return f.events }

func (f *FakeNode) CreateHoldInvoice(_ context.Context, amountSats int64, _ string) (*Invoice, error) {
	preimage := make([]byte, 32)
	if _, err := rand.Read(preimage); err != nil {
		return nil, err
	}
	hash := sha256.Sum256(preimage)
	hashHex := hex.EncodeToString(hash[:])
	secretHex := hex.EncodeToString(preimage)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoices[hashHex] = &fakeInvoice{
		hash:   hashHex,
		secret: secretHex,
		amount: amountSats,
		state:  InvoiceOpen,
	}
	return &Invoice{
		PaymentRequest: "fakeln" + hashHex[:24],
		Hash:           hashHex,
		Secret:         secretHex,
	}, nil
}

func (f *FakeNode) SubscribeInvoice(_ context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.invoices[hash]; !ok {
		return ErrInvoiceNotFound
	}
	f.watched[hash] = true
	return nil
}

func (f *FakeNode) SettleHoldInvoice(_ context.Context, secret string) error {
	raw, err := hex.DecodeString(secret)
	if err != nil {
		return fmt.Errorf("malformed preimage: %w", err)
	}
	hash := sha256.Sum256(raw)
	hashHex := hex.EncodeToString(hash[:])

	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.invoices[hashHex]
	if !ok {
		return ErrInvoiceNotFound
	}
	if inv.state != InvoiceAccepted {
		return fmt.Errorf("invoice %s not held (state %s)", hashHex, inv.state)
	}
	inv.state = InvoiceSettled
	f.emit(hashHex, InvoiceSettled)
	return nil
}

func (f *FakeNode) CancelHoldInvoice(_ context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.invoices[hash]
	if !ok {
		return ErrInvoiceNotFound
	}
	if inv.state == InvoiceSettled {
		return fmt.Errorf("invoice %s already settled", hash)
	}
	inv.state = InvoiceCanceled
	f.emit(hash, InvoiceCanceled)
	return nil
}

func (f *FakeNode) SendPayment(_ context.Context, _ string, _ int64) error {
	return nil
}

// MarkAccepted simulates a payer paying the hold invoice.
func (f *FakeNode) MarkAccepted(hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.invoices[hash]
	if !ok {
		return ErrInvoiceNotFound
	}
	if inv.state != InvoiceOpen {
		return fmt.Errorf("invoice %s not open (state %s)", hash, inv.state)
	}
	inv.state = InvoiceAccepted
	f.emit(hash, InvoiceAccepted)
	return nil
}

// State reports the current state of an invoice.
func (f *FakeNode) State(hash string) (InvoiceState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.invoices[hash]
	if !ok {
		return "", ErrInvoiceNotFound
	}
	return inv.state, nil
}

// emit delivers an event without blocking; callers hold f.mu.
// Watched-only: unsubscribed invoices stay silent like the real node.
func (f *FakeNode) emit(hash string, state InvoiceState) {
	if !f.watched[hash] {
		return
	}
	select {
	case f.events <- InvoiceEvent{Hash: hash, State: state}:
	default:
	}
}
