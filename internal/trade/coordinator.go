package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/peertrade/internal/lightning"
	"github.com/mbd888/peertrade/internal/metrics"
	"github.com/mbd888/peertrade/internal/notify"
	"github.com/mbd888/peertrade/internal/order"
	"github.com/mbd888/peertrade/internal/traces"
)

// Coordinator is the only component that talks to the escrow node. Every
// state-machine branch that moves money routes through it; combined with the
// hash/secret preconditions, the terminal-state guard and the resolved-hash
// marks this gives at most one settle or cancel per invoice hash, even when
// the status write after a settle has to be retried.
type Coordinator struct {
	ln       lightning.Client
	orders   order.Store
	notifier notify.Notifier
	locks    *lockMap
	logger   *slog.Logger

	// Hashes whose invoice has already been settled or canceled at the node.
	// A retry after a failed status write must not hit the node again.
	settled  sync.Map
	canceled sync.Map
}

// NewCoordinator creates the escrow coordinator.
func NewCoordinator(ln lightning.Client, orders order.Store, notifier notify.Notifier, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		ln:       ln,
		orders:   orders,
		notifier: notifier,
		locks:    &lockMap{},
		logger:   logger,
	}
}

// OpenEscrow creates a hold invoice for the order's amount plus fee and sets
// the escrow linkage on the record. The caller persists the order; on error
// nothing is set and the caller must not advance state.
func (c *Coordinator) OpenEscrow(ctx context.Context, o *order.Order) (*lightning.Invoice, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.open",
		traces.OrderID(o.ID), traces.AmountSats(o.AmountSats))
	defer span.End()

	inv, err := c.ln.CreateHoldInvoice(ctx, o.AmountSats+o.FeeSats, "peertrade order "+o.ID)
	if err != nil {
		metrics.EscrowOpsTotal.WithLabelValues("create", "error").Inc()
		c.logger.Warn("hold invoice creation failed", "order_id", o.ID, "error", err)
		return nil, fmt.Errorf("%w: %s", ErrEscrowUnavailable, err)
	}
	metrics.EscrowOpsTotal.WithLabelValues("create", "ok").Inc()

	o.Hash = inv.Hash
	o.Secret = inv.Secret

	if err := c.ln.SubscribeInvoice(ctx, inv.Hash); err != nil {
		// The invoice exists and can still be observed or acted on manually;
		// losing the subscription is not worth failing the take.
		c.logger.Warn("invoice subscription failed", "order_id", o.ID, "hash", inv.Hash, "error", err)
	}

	return inv, nil
}

// Resubscribe re-registers the invoice of every order still awaiting payment
// with the node's watch. Subscriptions live in process memory only, so after
// a restart a funded invoice would otherwise go unobserved until the expiry
// sweep cancels it.
func (c *Coordinator) Resubscribe(ctx context.Context) {
	waiting, err := c.orders.ListByStatus(ctx, order.StatusWaitingPayment, 1000)
	if err != nil {
		c.logger.Error("failed to list orders awaiting payment", "error", err)
		return
	}

	n := 0
	for _, o := range waiting {
		if o.Hash == "" {
			continue
		}
		if err := c.ln.SubscribeInvoice(ctx, o.Hash); err != nil {
			c.logger.Warn("invoice resubscription failed",
				"order_id", o.ID, "hash", o.Hash, "error", err)
			continue
		}
		n++
	}
	if n > 0 {
		c.logger.Info("resubscribed invoices for orders awaiting payment", "count", n)
	}
}

// Run consumes invoice lifecycle events from the node until ctx is done.
// Call in a goroutine.
func (c *Coordinator) Run(ctx context.Context) {
	c.logger.Info("escrow coordinator started")
	c.Resubscribe(ctx)
	events := c.ln.Events()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("escrow coordinator stopped")
			return
		case ev, ok := <-events:
			if !ok {
				c.logger.Info("invoice event stream closed")
				return
			}
			c.handleEvent(ctx, ev)
		}
	}
}

func (c *Coordinator) handleEvent(ctx context.Context, ev lightning.InvoiceEvent) {
	switch ev.State {
	case lightning.InvoiceAccepted:
		if err := c.HandleInvoiceAccepted(ctx, ev.Hash); err != nil {
			c.logger.Warn("failed to handle accepted invoice", "hash", ev.Hash, "error", err)
		}
	case lightning.InvoiceSettled, lightning.InvoiceCanceled:
		// Settles and cancels are initiated by us; the echo carries no new work.
		c.logger.Debug("invoice reached terminal state", "hash", ev.Hash, "state", ev.State)
	}
}

// HandleInvoiceAccepted advances the matching WAITING_PAYMENT order to ACTIVE.
// Events are at-least-once: an unknown hash or an order no longer waiting is
// a logged no-op, never an error to the node.
func (c *Coordinator) HandleInvoiceAccepted(ctx context.Context, hash string) error {
	ctx, span := traces.StartSpan(ctx, "escrow.invoice_accepted", traces.InvoiceHash(hash))
	defer span.End()

	found, err := c.orders.GetByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, order.ErrOrderNotFound) {
			// Stale duplicate, or the invoice belongs to an already-unwound order.
			c.logger.Info("accepted invoice matches no order", "hash", hash)
			return nil
		}
		return err
	}

	mu := c.locks.get(found.ID)
	mu.Lock()
	defer mu.Unlock()

	o, err := c.orders.Get(ctx, found.ID)
	if err != nil {
		return err
	}

	if o.Status != order.StatusWaitingPayment {
		c.logger.Debug("accepted invoice for order not awaiting payment",
			"order_id", o.ID, "status", o.Status)
		return nil
	}

	o.Status = order.StatusActive
	o.UpdatedAt = time.Now()
	if err := c.orders.Update(ctx, o); err != nil {
		return fmt.Errorf("failed to activate order %s: %w", o.ID, err)
	}
	metrics.OrdersTotal.WithLabelValues(string(order.StatusActive)).Inc()

	c.logger.Info("escrow funded, trade active",
		"order_id", o.ID, "hash", hash, "amount_sats", o.AmountSats)

	ev := notify.Event{Type: notify.EventEscrowFunded, OrderID: o.ID}
	_ = c.notifier.SendUser(ctx, o.BuyerID, ev)
	_ = c.notifier.SendUser(ctx, o.SellerID, ev)
	return nil
}

// Release settles the hold invoice, claiming the held funds for the trade.
// The order is not modified; on error the caller must withhold the state
// change and retry later.
func (c *Coordinator) Release(ctx context.Context, o *order.Order) error {
	if o.Secret == "" {
		return fmt.Errorf("%w: order %s has no settlement secret", ErrNoEscrow, o.ID)
	}

	if _, done := c.settled.Load(o.Hash); done {
		c.logger.Info("escrow already settled", "order_id", o.ID, "hash", o.Hash)
		return nil
	}

	ctx, span := traces.StartSpan(ctx, "escrow.release",
		traces.OrderID(o.ID), traces.InvoiceHash(o.Hash))
	defer span.End()

	if err := c.ln.SettleHoldInvoice(ctx, o.Secret); err != nil {
		metrics.EscrowOpsTotal.WithLabelValues("settle", "error").Inc()
		return fmt.Errorf("%w: %s", ErrSettleFailed, err)
	}
	c.settled.Store(o.Hash, struct{}{})
	metrics.EscrowOpsTotal.WithLabelValues("settle", "ok").Inc()
	c.logger.Info("escrow settled", "order_id", o.ID, "hash", o.Hash)
	return nil
}

// Refund cancels the hold invoice, returning held funds to the payer. Same
// failure contract as Release.
func (c *Coordinator) Refund(ctx context.Context, o *order.Order) error {
	if o.Hash == "" {
		return fmt.Errorf("%w: order %s has no invoice", ErrNoEscrow, o.ID)
	}

	if _, done := c.canceled.Load(o.Hash); done {
		c.logger.Info("escrow already refunded", "order_id", o.ID, "hash", o.Hash)
		return nil
	}

	ctx, span := traces.StartSpan(ctx, "escrow.refund",
		traces.OrderID(o.ID), traces.InvoiceHash(o.Hash))
	defer span.End()

	if err := c.ln.CancelHoldInvoice(ctx, o.Hash); err != nil {
		metrics.EscrowOpsTotal.WithLabelValues("cancel", "error").Inc()
		return fmt.Errorf("%w: %s", ErrCancelFailed, err)
	}
	c.canceled.Store(o.Hash, struct{}{})
	metrics.EscrowOpsTotal.WithLabelValues("cancel", "ok").Inc()
	c.logger.Info("escrow refunded", "order_id", o.ID, "hash", o.Hash)
	return nil
}
