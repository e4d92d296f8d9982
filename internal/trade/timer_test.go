package trade

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mbd888/peertrade/internal/order"
)

func backdate(t *testing.T, f *fixture, orderID string, age time.Duration) {
	t.Helper()
	ctx := context.Background()
	o, err := f.orders.Get(ctx, orderID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	past := time.Now().Add(-age)
	o.TakenAt = &past
	if err := f.orders.Update(ctx, o); err != nil {
		t.Fatalf("update: %v", err)
	}
}

func newTestTimer(f *fixture) *ExpiryTimer {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewExpiryTimer(f.svc, f.orders, 15*time.Minute, time.Minute, logger)
}

func TestExpire_CancelsOverdueUnpaidOrder(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t, 100000)
	f.takeOrder(t, o.ID)
	hash := f.get(t, o.ID).Hash
	backdate(t, f, o.ID, 20*time.Minute)

	newTestTimer(f).Expire(context.Background())

	got := f.get(t, o.ID)
	if got.Status != order.StatusCanceled {
		t.Errorf("expected CANCELED, got %s", got.Status)
	}
	if f.ln.cancelCount(hash) != 1 {
		t.Errorf("refund must be invoked exactly once, got %d", f.ln.cancelCount(hash))
	}
}

func TestExpire_FreshOrderUntouched(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t, 100000)
	f.takeOrder(t, o.ID)

	newTestTimer(f).Expire(context.Background())

	if f.get(t, o.ID).Status != order.StatusWaitingPayment {
		t.Error("order inside the window must not be expired")
	}
}

func TestExpire_SettlementWinsRace(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t, 100000)
	f.takeOrder(t, o.ID)
	hash := f.get(t, o.ID).Hash
	backdate(t, f, o.ID, 20*time.Minute)

	// The invoice gets accepted between the sweep's list and its cancel.
	f.activate(t, hash)

	if err := f.svc.ExpireOrder(context.Background(), o.ID); err != nil {
		t.Fatalf("expire on advanced order must be a no-op, got %v", err)
	}

	got := f.get(t, o.ID)
	if got.Status != order.StatusActive {
		t.Errorf("funded trade must survive the expiry race, got %s", got.Status)
	}
	if f.ln.cancelCount(hash) != 0 {
		t.Errorf("no refund for a funded trade, got %d", f.ln.cancelCount(hash))
	}
}

func TestExpire_RunIsReentrant(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t, 100000)
	f.takeOrder(t, o.ID)
	hash := f.get(t, o.ID).Hash
	backdate(t, f, o.ID, 20*time.Minute)

	tm := newTestTimer(f)
	tm.Expire(context.Background())
	tm.Expire(context.Background())

	if f.ln.cancelCount(hash) != 1 {
		t.Errorf("re-running the sweep must not refund twice, got %d", f.ln.cancelCount(hash))
	}
}

func TestTimer_StartStop(t *testing.T) {
	f := newFixture(t)
	tm := newTestTimer(f)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		tm.Start(ctx)
		close(done)
	}()

	deadline := time.After(time.Second)
	for !tm.Running() {
		select {
		case <-deadline:
			t.Fatal("timer did not start")
		case <-time.After(5 * time.Millisecond):
		}
	}

	tm.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not stop")
	}
}
