// Package notify delivers trade events to users and to the public order feed.
//
// The trade core calls the Notifier interface and never blocks on delivery:
// a trade that completes is complete whether or not anyone saw the message.
package notify

import (
	"context"
	"time"
)

// EventType classifies feed and user events.
type EventType string

const (
	EventOrderPosted   EventType = "order_posted"
	EventOrderUpdated  EventType = "order_updated"
	EventOrderRemoved  EventType = "order_removed"
	EventEscrowFunded  EventType = "escrow_funded"
	EventFiatSent      EventType = "fiat_sent"
	EventTradeComplete EventType = "trade_complete"
	EventTradeCanceled EventType = "trade_canceled"
	EventCoopCancel    EventType = "coop_cancel_requested"
	EventDisputeOpened EventType = "dispute_opened"
	EventUserBanned    EventType = "user_banned"
)

// Event is a single notification. UserID is empty for channel-feed events.
type Event struct {
	Type      EventType   `json:"type"`
	UserID    string      `json:"userId,omitempty"`
	OrderID   string      `json:"orderId,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// Notifier is the delivery capability consumed by the trade core.
//
// PostChannel publishes an order to the public feed and returns an opaque
// message ID the core stores on the order; Edit and Delete address that ID.
// All methods are best-effort: errors are for logging, never for aborting
// a trade transition.
type Notifier interface {
	SendUser(ctx context.Context, userID string, ev Event) error
	PostChannel(ctx context.Context, orderID string, data interface{}) (string, error)
	EditChannelPost(ctx context.Context, messageID string, data interface{}) error
	DeleteChannelPost(ctx context.Context, messageID string) error
}

// Noop discards every notification. Used in tests and when no feed is wired.
type Noop struct{}

func (Noop) SendUser(context.Context, string, Event) error { return nil }
func (Noop) PostChannel(_ context.Context, orderID string, _ interface{}) (string, error) {
	return "noop-" + orderID, nil
}
func (Noop) EditChannelPost(context.Context, string, interface{}) error { return nil }
func (Noop) DeleteChannelPost(context.Context, string) error            { return nil }
