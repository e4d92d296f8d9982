package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/mbd888/peertrade/internal/idgen"
	"github.com/mbd888/peertrade/internal/metrics"
	"github.com/mbd888/peertrade/internal/notify"
	"github.com/mbd888/peertrade/internal/order"
	"github.com/mbd888/peertrade/internal/payments"
	"github.com/mbd888/peertrade/internal/retry"
	"github.com/mbd888/peertrade/internal/traces"
	"github.com/mbd888/peertrade/internal/user"
)

// CreateOrderRequest contains the parameters for posting an order.
// AmountSats == 0 means market price; such orders must carry fiat terms and
// are resolved when taken.
type CreateOrderRequest struct {
	SellerID      string  `json:"sellerId" binding:"required"`
	AmountSats    int64   `json:"amountSats"`
	FiatAmount    float64 `json:"fiatAmount"`
	FiatCode      string  `json:"fiatCode"`
	PaymentMethod string  `json:"paymentMethod"`
}

// TakeRequest contains the parameters for taking an order. AmountSats carries
// the resolved amount for market-priced orders and is ignored otherwise.
type TakeRequest struct {
	BuyerID    string `json:"buyerId" binding:"required"`
	AmountSats int64  `json:"amountSats"`
}

// TakeResult is the outcome of taking an order: the updated record plus the
// hold invoice the buyer must pay to fund the escrow.
type TakeResult struct {
	Order          *order.Order `json:"order"`
	PaymentRequest string       `json:"paymentRequest"`
}

// Service implements the order state machine. Every mutation locks the order,
// re-reads it, and re-checks its precondition against the fresh record.
type Service struct {
	orders      order.Store
	users       user.Store
	coordinator *Coordinator
	notifier    notify.Notifier
	logger      *slog.Logger
	locks       *lockMap

	payouts       *payments.Service
	feePercent    float64
	maxDisputes   int
	publicChannel string
}

// NewService creates the trade service, sharing the coordinator's per-order
// locks so commands and invoice events serialize on the same mutex.
func NewService(orders order.Store, users user.Store, coordinator *Coordinator, notifier notify.Notifier, logger *slog.Logger) *Service {
	return &Service{
		orders:      orders,
		users:       users,
		coordinator: coordinator,
		notifier:    notifier,
		logger:      logger,
		locks:       coordinator.locks,
		maxDisputes: 8,
	}
}

// WithPayouts enables queuing a payout to the buyer on completed trades.
func (s *Service) WithPayouts(p *payments.Service) *Service {
	s.payouts = p
	return s
}

// WithFee sets the platform fee percentage added to the escrow amount.
func (s *Service) WithFee(percent float64) *Service {
	s.feePercent = percent
	return s
}

// WithDisputePolicy sets the dispute count at which a user is banned.
func (s *Service) WithDisputePolicy(maxDisputes int) *Service {
	if maxDisputes > 0 {
		s.maxDisputes = maxDisputes
	}
	return s
}

// WithPublicChannel enables posting orders to the named public feed.
func (s *Service) WithPublicChannel(channel string) *Service {
	s.publicChannel = channel
	return s
}

func (s *Service) fee(amountSats int64) int64 {
	if s.feePercent <= 0 {
		return 0
	}
	return int64(math.Round(float64(amountSats) * s.feePercent / 100))
}

// Get returns an order by ID.
func (s *Service) Get(ctx context.Context, id string) (*order.Order, error) {
	return s.orders.Get(ctx, id)
}

// CreateOrder posts a new sell order and publishes it to the public feed.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (*order.Order, error) {
	seller, err := s.users.GetOrCreate(ctx, req.SellerID)
	if err != nil {
		return nil, err
	}
	if seller.Banned {
		return nil, ErrUserBanned
	}

	now := time.Now()
	o := &order.Order{
		ID:            idgen.WithPrefix("ord_"),
		SellerID:      req.SellerID,
		AmountSats:    req.AmountSats,
		FeeSats:       s.fee(req.AmountSats),
		FiatAmount:    req.FiatAmount,
		FiatCode:      req.FiatCode,
		PaymentMethod: req.PaymentMethod,
		Status:        order.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}

	if err := s.orders.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	metrics.OrdersTotal.WithLabelValues(string(order.StatusPending)).Inc()

	if s.publicChannel != "" {
		msgID, err := s.notifier.PostChannel(ctx, o.ID, o)
		if err != nil {
			s.logger.Warn("failed to post order to channel", "order_id", o.ID, "error", err)
		} else {
			o.ChannelMessageID = msgID
			if err := s.orders.Update(ctx, o); err != nil {
				s.logger.Warn("failed to store channel message id", "order_id", o.ID, "error", err)
			}
		}
	}

	s.logger.Info("order created",
		"order_id", o.ID, "seller", o.SellerID, "amount_sats", o.AmountSats)
	return o, nil
}

// Take claims a PENDING order for the buyer, opens the escrow, and moves the
// order to WAITING_PAYMENT. If the escrow node is unreachable the order is
// left untouched in PENDING.
func (s *Service) Take(ctx context.Context, orderID string, req TakeRequest) (*TakeResult, error) {
	ctx, span := traces.StartSpan(ctx, "trade.take",
		traces.OrderID(orderID), traces.UserID(req.BuyerID))
	defer span.End()

	buyer, err := s.users.GetOrCreate(ctx, req.BuyerID)
	if err != nil {
		return nil, err
	}
	if buyer.Banned {
		return nil, ErrUserBanned
	}

	mu := s.locks.get(orderID)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if o.Status.Terminal() {
		return nil, ErrAlreadyResolved
	}
	if o.Status != order.StatusPending {
		return nil, ErrAlreadyTaken
	}
	if o.SellerID == req.BuyerID {
		return nil, ErrSelfTrade
	}

	if o.AmountSats == 0 {
		// Market-priced order: the resolved amount arrives with the take.
		if req.AmountSats <= 0 {
			return nil, fmt.Errorf("%w: market-priced order requires a resolved amount", ErrInvalidStatus)
		}
		o.AmountSats = req.AmountSats
		o.FeeSats = s.fee(req.AmountSats)
	}

	o.BuyerID = req.BuyerID
	inv, err := s.coordinator.OpenEscrow(ctx, o)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	o.Status = order.StatusWaitingPayment
	o.TakenAt = &now
	o.UpdatedAt = now
	if err := s.orders.Update(ctx, o); err != nil {
		// The stored record is still PENDING with no buyer; cancel the fresh
		// invoice so the node is not left holding an unreferenced escrow.
		if cErr := s.coordinator.Refund(ctx, o); cErr != nil {
			s.logger.Error("failed to cancel invoice after take update failure",
				"order_id", o.ID, "hash", o.Hash, "error", cErr)
		}
		return nil, fmt.Errorf("failed to update taken order: %w", err)
	}
	metrics.OrdersTotal.WithLabelValues(string(order.StatusWaitingPayment)).Inc()

	s.editChannelPost(ctx, o)
	_ = s.notifier.SendUser(ctx, o.SellerID, notify.Event{
		Type: notify.EventOrderUpdated, OrderID: o.ID,
		Data: map[string]interface{}{"status": o.Status},
	})

	s.logger.Info("order taken",
		"order_id", o.ID, "buyer", o.BuyerID, "amount_sats", o.AmountSats)
	return &TakeResult{Order: o, PaymentRequest: inv.PaymentRequest}, nil
}

// FiatSent records the buyer's declaration that fiat payment was sent.
// Re-invoking on an order already in FIAT_SENT is a no-op.
func (s *Service) FiatSent(ctx context.Context, orderID, callerID string) (*order.Order, error) {
	mu := s.locks.get(orderID)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	role, ok := o.PartyRole(callerID)
	if !ok || role != order.RoleBuyer {
		return nil, ErrUnauthorized
	}
	if o.Status.Terminal() {
		return nil, ErrAlreadyResolved
	}
	if o.Status == order.StatusFiatSent {
		return o, nil
	}
	if o.Status != order.StatusActive {
		return nil, ErrInvalidStatus
	}

	o.Status = order.StatusFiatSent
	o.UpdatedAt = time.Now()
	if err := s.orders.Update(ctx, o); err != nil {
		return nil, err
	}
	metrics.OrdersTotal.WithLabelValues(string(order.StatusFiatSent)).Inc()

	_ = s.notifier.SendUser(ctx, o.SellerID, notify.Event{
		Type: notify.EventFiatSent, OrderID: o.ID,
	})

	s.logger.Info("fiat payment declared sent", "order_id", o.ID, "buyer", o.BuyerID)
	return o, nil
}

// Release settles the escrow to complete the trade. Only the seller may
// release; admins use AdminSettle. On settle failure the status is withheld
// so the operation can be retried.
func (s *Service) Release(ctx context.Context, orderID, callerID string) (*order.Order, error) {
	ctx, span := traces.StartSpan(ctx, "trade.release",
		traces.OrderID(orderID), traces.UserID(callerID))
	defer span.End()

	mu := s.locks.get(orderID)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	role, ok := o.PartyRole(callerID)
	if !ok || role != order.RoleSeller {
		return nil, ErrUnauthorized
	}
	if o.Status.Terminal() {
		return nil, ErrAlreadyResolved
	}
	if o.Status != order.StatusActive && o.Status != order.StatusFiatSent {
		return nil, ErrInvalidStatus
	}

	if err := s.settleAndComplete(ctx, o, order.StatusCompleted); err != nil {
		return nil, err
	}
	return o, nil
}

// Cancel cancels an order not yet funded. Only the creator may cancel;
// admins use AdminCancel. If a hold invoice exists it is canceled first.
func (s *Service) Cancel(ctx context.Context, orderID, callerID string) (*order.Order, error) {
	mu := s.locks.get(orderID)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if callerID != o.SellerID {
		return nil, ErrUnauthorized
	}
	if o.Status.Terminal() {
		return nil, ErrAlreadyResolved
	}
	if o.Status != order.StatusPending && o.Status != order.StatusWaitingPayment {
		return nil, ErrInvalidStatus
	}

	if err := s.unwindAndCancel(ctx, o, order.StatusCanceled); err != nil {
		return nil, err
	}
	return o, nil
}

// CooperativeCancel is the two-party handshake for unwinding an ACTIVE trade.
// The first party's request sets their flag and leaves the order ACTIVE; the
// counterparty's request is the second confirmation and cancels the trade,
// refunding the escrow. Re-invocation by the same party returns
// ErrAlreadyRequested.
func (s *Service) CooperativeCancel(ctx context.Context, orderID, callerID string) (*order.Order, error) {
	ctx, span := traces.StartSpan(ctx, "trade.coop_cancel",
		traces.OrderID(orderID), traces.UserID(callerID))
	defer span.End()

	mu := s.locks.get(orderID)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	role, ok := o.PartyRole(callerID)
	if !ok {
		return nil, ErrUnauthorized
	}
	if o.Status.Terminal() {
		return nil, ErrAlreadyResolved
	}
	if o.Status != order.StatusActive {
		return nil, ErrInvalidStatus
	}
	if o.CoopCancel.Get(role) {
		return nil, ErrAlreadyRequested
	}

	o.CoopCancel.Set(role)

	if !o.CoopCancel.Both() {
		o.UpdatedAt = time.Now()
		if err := s.orders.Update(ctx, o); err != nil {
			return nil, err
		}
		ev := notify.Event{Type: notify.EventCoopCancel, OrderID: o.ID,
			Data: map[string]interface{}{"waitingFor": o.Counterparty(role)}}
		_ = s.notifier.SendUser(ctx, o.BuyerID, ev)
		_ = s.notifier.SendUser(ctx, o.SellerID, ev)
		s.logger.Info("cooperative cancel requested",
			"order_id", o.ID, "requested_by", callerID)
		return o, nil
	}

	// Second confirmation: both parties agreed.
	if err := s.unwindAndCancel(ctx, o, order.StatusCanceled); err != nil {
		return nil, err
	}
	s.logger.Info("cooperative cancel completed", "order_id", o.ID)
	return o, nil
}

// Dispute opens a dispute on a funded trade. The initiator's flag is marked,
// both parties' dispute counters increment, and a party reaching the limit is
// banned. The escrow stays held until an admin resolves the order.
func (s *Service) Dispute(ctx context.Context, orderID, callerID string) (*order.Order, error) {
	ctx, span := traces.StartSpan(ctx, "trade.dispute",
		traces.OrderID(orderID), traces.UserID(callerID))
	defer span.End()

	mu := s.locks.get(orderID)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	role, ok := o.PartyRole(callerID)
	if !ok {
		return nil, ErrUnauthorized
	}
	if o.Status.Terminal() {
		return nil, ErrAlreadyResolved
	}
	if o.Status == order.StatusDispute {
		return o, nil
	}
	if o.Status != order.StatusActive && o.Status != order.StatusFiatSent {
		return nil, ErrInvalidStatus
	}

	o.Dispute.Set(role)
	o.Status = order.StatusDispute
	o.UpdatedAt = time.Now()
	if err := s.orders.Update(ctx, o); err != nil {
		return nil, err
	}
	metrics.OrdersTotal.WithLabelValues(string(order.StatusDispute)).Inc()
	metrics.DisputesTotal.Inc()

	// Both parties are party to the disputed trade; both counters move.
	s.applyDisputePolicy(ctx, o.BuyerID)
	s.applyDisputePolicy(ctx, o.SellerID)

	ev := notify.Event{Type: notify.EventDisputeOpened, OrderID: o.ID,
		Data: map[string]interface{}{"initiator": callerID}}
	_ = s.notifier.SendUser(ctx, o.BuyerID, ev)
	_ = s.notifier.SendUser(ctx, o.SellerID, ev)

	s.logger.Info("dispute opened", "order_id", o.ID, "initiator", callerID)
	return o, nil
}

// AdminCancel force-cancels any non-terminal order, refunding the escrow if
// one is held. Admin permission is checked at the API boundary.
func (s *Service) AdminCancel(ctx context.Context, orderID, adminID string) (*order.Order, error) {
	mu := s.locks.get(orderID)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status.Terminal() {
		return nil, ErrAlreadyResolved
	}

	if err := s.unwindAndCancel(ctx, o, order.StatusCanceledByAdmin); err != nil {
		return nil, err
	}
	s.logger.Info("order force-canceled", "order_id", o.ID, "admin", adminID)
	return o, nil
}

// AdminSettle force-settles any non-terminal order holding a secret,
// releasing the escrow to the platform side of the trade.
func (s *Service) AdminSettle(ctx context.Context, orderID, adminID string) (*order.Order, error) {
	mu := s.locks.get(orderID)
	mu.Lock()
	defer mu.Unlock()

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status.Terminal() {
		return nil, ErrAlreadyResolved
	}

	if err := s.settleAndComplete(ctx, o, order.StatusCompletedByAdmin); err != nil {
		return nil, err
	}
	s.logger.Info("order force-settled", "order_id", o.ID, "admin", adminID)
	return o, nil
}

// settleAndComplete settles the escrow, then persists the terminal status.
// The settle happens first: if the node call fails the order stays put and
// the caller retries. After the money moved the persist is retried; a final
// failure surfaces ErrReconcileNeeded, and a later retry skips the node call
// because the coordinator remembers the hash as settled.
func (s *Service) settleAndComplete(ctx context.Context, o *order.Order, target order.Status) error {
	if err := s.coordinator.Release(ctx, o); err != nil {
		return err
	}

	hash := o.Hash
	now := time.Now()
	o.Status = target
	o.Hash = ""
	o.Secret = ""
	o.UpdatedAt = now

	if err := retry.Do(ctx, 3, 100*time.Millisecond, func() error {
		return s.orders.Update(ctx, o)
	}); err != nil {
		s.logger.Error("escrow settled but status update failed, needs manual reconciliation",
			"order_id", o.ID, "hash", hash, "error", err)
		return fmt.Errorf("%w: order %s: %s", ErrReconcileNeeded, o.ID, err)
	}
	metrics.OrdersTotal.WithLabelValues(string(target)).Inc()

	s.queueBuyerPayout(ctx, o)
	s.editChannelPost(ctx, o)

	ev := notify.Event{Type: notify.EventTradeComplete, OrderID: o.ID}
	_ = s.notifier.SendUser(ctx, o.BuyerID, ev)
	_ = s.notifier.SendUser(ctx, o.SellerID, ev)
	return nil
}

// unwindAndCancel refunds the escrow when one is held, then persists the
// terminal status. An order with no hash holds no money and the cancel is a
// pure bookkeeping update.
func (s *Service) unwindAndCancel(ctx context.Context, o *order.Order, target order.Status) error {
	if o.EscrowOpen() {
		if err := s.coordinator.Refund(ctx, o); err != nil {
			return err
		}
	}

	now := time.Now()
	o.Status = target
	o.Hash = ""
	o.Secret = ""
	o.UpdatedAt = now

	if err := retry.Do(ctx, 3, 100*time.Millisecond, func() error {
		return s.orders.Update(ctx, o)
	}); err != nil {
		s.logger.Error("escrow refunded but status update failed, needs manual reconciliation",
			"order_id", o.ID, "error", err)
		return fmt.Errorf("%w: order %s: %s", ErrReconcileNeeded, o.ID, err)
	}
	metrics.OrdersTotal.WithLabelValues(string(target)).Inc()

	s.deleteChannelPost(ctx, o)

	ev := notify.Event{Type: notify.EventTradeCanceled, OrderID: o.ID}
	if o.BuyerID != "" {
		_ = s.notifier.SendUser(ctx, o.BuyerID, ev)
	}
	_ = s.notifier.SendUser(ctx, o.SellerID, ev)
	return nil
}

// applyDisputePolicy increments one party's dispute counter and bans them at
// the limit. The ban is sticky; nothing in this service clears it.
func (s *Service) applyDisputePolicy(ctx context.Context, userID string) {
	u, err := s.users.GetOrCreate(ctx, userID)
	if err != nil {
		s.logger.Warn("failed to load user for dispute bookkeeping", "user_id", userID, "error", err)
		return
	}

	u.Disputes++
	if !u.Banned && u.Disputes >= s.maxDisputes {
		u.Banned = true
		metrics.UsersBannedTotal.Inc()
		s.logger.Warn("user banned after reaching dispute limit",
			"user_id", userID, "disputes", u.Disputes)
	}
	u.UpdatedAt = time.Now()

	if err := s.users.Update(ctx, u); err != nil {
		s.logger.Warn("failed to persist dispute counter", "user_id", userID, "error", err)
	}
}

// queueBuyerPayout queues the asset payout to the buyer's own destination.
// Deduplicated per target; a trade completes whether or not the payout could
// be queued.
func (s *Service) queueBuyerPayout(ctx context.Context, o *order.Order) {
	if s.payouts == nil || o.BuyerID == "" {
		return
	}

	buyer, err := s.users.Get(ctx, o.BuyerID)
	if err != nil {
		s.logger.Warn("failed to load buyer for payout", "order_id", o.ID, "error", err)
		return
	}

	_, err = s.payouts.Enqueue(ctx, payments.EnqueueRequest{
		OrderID:        o.ID,
		Target:         o.BuyerID,
		PaymentRequest: buyer.PayoutRequest,
		AmountSats:     o.AmountSats,
	})
	switch {
	case errors.Is(err, payments.ErrAlreadyQueued):
		s.logger.Info("payout already queued for buyer", "order_id", o.ID, "buyer", o.BuyerID)
	case err != nil:
		s.logger.Warn("failed to queue buyer payout", "order_id", o.ID, "error", err)
	}
}

func (s *Service) editChannelPost(ctx context.Context, o *order.Order) {
	if o.ChannelMessageID == "" {
		return
	}
	if err := s.notifier.EditChannelPost(ctx, o.ChannelMessageID, o); err != nil {
		s.logger.Warn("failed to edit channel post", "order_id", o.ID, "error", err)
	}
}

func (s *Service) deleteChannelPost(ctx context.Context, o *order.Order) {
	if o.ChannelMessageID == "" {
		return
	}
	if err := s.notifier.DeleteChannelPost(ctx, o.ChannelMessageID); err != nil {
		s.logger.Warn("failed to delete channel post", "order_id", o.ID, "error", err)
	}
	o.ChannelMessageID = ""
	if err := s.orders.Update(ctx, o); err != nil {
		s.logger.Warn("failed to clear channel message id", "order_id", o.ID, "error", err)
	}
}
