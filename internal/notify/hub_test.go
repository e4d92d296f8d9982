package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_PublicFeedReachesEveryone(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{}}

	event := &Event{Type: EventOrderPosted, OrderID: "ord_1", Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("feed events should reach clients with no filters")
	}
}

func TestShouldSend_UserEventsOnlyToOwner(t *testing.T) {
	h := testHub()

	alice := &Client{sub: Subscription{UserID: "alice"}}
	bob := &Client{sub: Subscription{UserID: "bob"}}
	anon := &Client{sub: Subscription{}}

	event := &Event{Type: EventEscrowFunded, UserID: "alice", OrderID: "ord_1"}

	if !h.shouldSend(alice, event) {
		t.Error("addressed user should receive their event")
	}
	if h.shouldSend(bob, event) {
		t.Error("other users should NOT receive it")
	}
	if h.shouldSend(anon, event) {
		t.Error("anonymous clients should NOT receive user events")
	}
}

func TestShouldSend_OrderFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{OrderIDs: []string{"ord_1"}}}

	matching := &Event{Type: EventOrderUpdated, OrderID: "ord_1"}
	other := &Event{Type: EventOrderUpdated, OrderID: "ord_2"}

	if !h.shouldSend(client, matching) {
		t.Error("should receive watched order")
	}
	if h.shouldSend(client, other) {
		t.Error("should NOT receive unwatched order")
	}
}

// ---------------------------------------------------------------------------
// Notifier behavior
// ---------------------------------------------------------------------------

func TestHub_PostEditDeleteChannel(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{},
	}
	h.register <- client
	time.Sleep(50 * time.Millisecond)

	msgID, err := h.PostChannel(context.Background(), "ord_1", map[string]interface{}{"amountSats": 1000})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if msgID == "" {
		t.Fatal("expected a message ID")
	}

	ev := receiveEvent(t, client)
	if ev.Type != EventOrderPosted || ev.OrderID != "ord_1" {
		t.Errorf("unexpected event: %+v", ev)
	}

	if err := h.EditChannelPost(context.Background(), msgID, map[string]interface{}{"status": "ACTIVE"}); err != nil {
		t.Fatalf("edit: %v", err)
	}
	ev = receiveEvent(t, client)
	if ev.Type != EventOrderUpdated || ev.OrderID != "ord_1" {
		t.Errorf("unexpected event: %+v", ev)
	}

	if err := h.DeleteChannelPost(context.Background(), msgID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	ev = receiveEvent(t, client)
	if ev.Type != EventOrderRemoved {
		t.Errorf("unexpected event: %+v", ev)
	}

	// A deleted post is forgotten: no further events for its ID.
	if err := h.EditChannelPost(context.Background(), msgID, nil); err != nil {
		t.Fatalf("edit after delete: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	select {
	case <-client.send:
		t.Error("edit of a deleted post should not broadcast")
	default:
	}
}

func TestHub_SendUserAddressesEvent(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	alice := &Client{hub: h, send: make(chan []byte, 256), sub: Subscription{UserID: "alice"}}
	bob := &Client{hub: h, send: make(chan []byte, 256), sub: Subscription{UserID: "bob"}}
	h.register <- alice
	h.register <- bob
	time.Sleep(50 * time.Millisecond)

	if err := h.SendUser(context.Background(), "alice", Event{Type: EventFiatSent, OrderID: "ord_1"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	ev := receiveEvent(t, alice)
	if ev.UserID != "alice" || ev.Type != EventFiatSent {
		t.Errorf("unexpected event: %+v", ev)
	}
	if ev.Timestamp.IsZero() {
		t.Error("timestamp should be filled in")
	}

	time.Sleep(100 * time.Millisecond)
	select {
	case <-bob.send:
		t.Error("bob should not receive alice's event")
	default:
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func receiveEvent(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case msg := <-c.send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("bad event payload: %v", err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}
