package lightning

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// fakeLND is a minimal REST stub for the endpoints the client uses.
type fakeLND struct {
	mu       sync.Mutex
	states   map[string]string // hash hex -> state
	settled  []string          // preimages received
	canceled []string          // hashes received
}

func newFakeLND() *fakeLND {
	return &fakeLND{states: make(map[string]string)}
}

func (f *fakeLND) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v2/invoices/hodl", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Hash string `json:"hash"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		raw, _ := base64.StdEncoding.DecodeString(req.Hash)
		f.mu.Lock()
		f.states[hex.EncodeToString(raw)] = "OPEN"
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"payment_request": "lnbc1fake"})
	})
	mux.HandleFunc("POST /v2/invoices/settle", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Preimage string `json:"preimage"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		raw, _ := base64.StdEncoding.DecodeString(req.Preimage)
		hash := sha256.Sum256(raw)
		f.mu.Lock()
		f.states[hex.EncodeToString(hash[:])] = "SETTLED"
		f.settled = append(f.settled, hex.EncodeToString(raw))
		f.mu.Unlock()
		_, _ = w.Write([]byte("{}"))
	})
	mux.HandleFunc("POST /v2/invoices/cancel", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			PaymentHash string `json:"payment_hash"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		raw, _ := base64.StdEncoding.DecodeString(req.PaymentHash)
		f.mu.Lock()
		f.states[hex.EncodeToString(raw)] = "CANCELED"
		f.canceled = append(f.canceled, hex.EncodeToString(raw))
		f.mu.Unlock()
		_, _ = w.Write([]byte("{}"))
	})
	mux.HandleFunc("GET /v1/invoice/", func(w http.ResponseWriter, r *http.Request) {
		hash := r.URL.Path[len("/v1/invoice/"):]
		f.mu.Lock()
		state, ok := f.states[hash]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"state": state})
	})
	return mux
}

func (f *fakeLND) setState(hash, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[hash] = state
}

func (f *fakeLND) hasInvoice(hash string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.states[hash]
	return ok
}

func (f *fakeLND) settledPreimages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.settled...)
}

func (f *fakeLND) canceledHashes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.canceled...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestLNDClient_CreateHoldInvoice(t *testing.T) {
	node := newFakeLND()
	srv := httptest.NewServer(node.handler())
	defer srv.Close()

	c := NewLNDClient(srv.URL, "abcd", time.Second, time.Hour, testLogger())
	inv, err := c.CreateHoldInvoice(context.Background(), 100000, "order ord_1")
	if err != nil {
		t.Fatalf("CreateHoldInvoice failed: %v", err)
	}
	if inv.PaymentRequest == "" || inv.Hash == "" || inv.Secret == "" {
		t.Fatalf("incomplete invoice: %+v", inv)
	}

	// Hash must commit to the locally generated preimage.
	preimage, err := hex.DecodeString(inv.Secret)
	if err != nil {
		t.Fatalf("secret is not hex: %v", err)
	}
	sum := sha256.Sum256(preimage)
	if hex.EncodeToString(sum[:]) != inv.Hash {
		t.Error("hash does not match sha256(secret)")
	}

	// The node learned the hash, not the preimage.
	if !node.hasInvoice(inv.Hash) {
		t.Error("node never saw the invoice hash")
	}
}

func TestLNDClient_SettleAndCancel(t *testing.T) {
	node := newFakeLND()
	srv := httptest.NewServer(node.handler())
	defer srv.Close()

	c := NewLNDClient(srv.URL, "abcd", time.Second, time.Hour, testLogger())
	ctx := context.Background()

	inv, err := c.CreateHoldInvoice(ctx, 1000, "t")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := c.SettleHoldInvoice(ctx, inv.Secret); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if got := node.settledPreimages(); len(got) != 1 || got[0] != inv.Secret {
		t.Errorf("node did not receive the preimage: %v", got)
	}

	inv2, err := c.CreateHoldInvoice(ctx, 1000, "t2")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := c.CancelHoldInvoice(ctx, inv2.Hash); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := node.canceledHashes(); len(got) != 1 || got[0] != inv2.Hash {
		t.Errorf("node did not receive the cancel hash: %v", got)
	}
}

func TestLNDClient_PollEmitsAcceptedOnce(t *testing.T) {
	node := newFakeLND()
	srv := httptest.NewServer(node.handler())
	defer srv.Close()

	c := NewLNDClient(srv.URL, "abcd", time.Hour, time.Hour, testLogger())
	ctx := context.Background()

	inv, err := c.CreateHoldInvoice(ctx, 1000, "t")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := c.SubscribeInvoice(ctx, inv.Hash); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	node.setState(inv.Hash, "ACCEPTED")

	// Poll twice: the state change must be emitted exactly once.
	c.pollWatched(ctx)
	c.pollWatched(ctx)

	select {
	case ev := <-c.Events():
		if ev.Hash != inv.Hash || ev.State != InvoiceAccepted {
			t.Fatalf("unexpected event: %+v", ev)
		}
	default:
		t.Fatal("expected an accepted event")
	}
	select {
	case ev := <-c.Events():
		t.Fatalf("duplicate event emitted: %+v", ev)
	default:
	}

	// A later settle is a new state and is emitted, then the watch is dropped.
	node.setState(inv.Hash, "SETTLED")
	c.pollWatched(ctx)
	select {
	case ev := <-c.Events():
		if ev.State != InvoiceSettled {
			t.Fatalf("expected settled event, got %+v", ev)
		}
	default:
		t.Fatal("expected a settled event")
	}

	c.mu.Lock()
	_, stillWatched := c.watched[inv.Hash]
	c.mu.Unlock()
	if stillWatched {
		t.Error("terminal invoice should be unwatched")
	}
}

func TestLNDClient_SubscribeExistingHeldInvoiceEmits(t *testing.T) {
	node := newFakeLND()
	srv := httptest.NewServer(node.handler())
	defer srv.Close()
	ctx := context.Background()

	first := NewLNDClient(srv.URL, "abcd", time.Hour, time.Hour, testLogger())
	inv, err := first.CreateHoldInvoice(ctx, 1000, "t")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	node.setState(inv.Hash, "ACCEPTED")

	// A fresh client knows nothing about the hash; subscribing from the
	// persisted record must surface the already-held state on the first poll.
	c := NewLNDClient(srv.URL, "abcd", time.Hour, time.Hour, testLogger())
	if err := c.SubscribeInvoice(ctx, inv.Hash); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	c.pollWatched(ctx)

	select {
	case ev := <-c.Events():
		if ev.Hash != inv.Hash || ev.State != InvoiceAccepted {
			t.Fatalf("unexpected event: %+v", ev)
		}
	default:
		t.Fatal("expected an accepted event for the resubscribed invoice")
	}
}

func TestLNDClient_NodeUnreachable(t *testing.T) {
	c := NewLNDClient("http://127.0.0.1:1", "abcd", time.Second, time.Hour, testLogger())
	_, err := c.CreateHoldInvoice(context.Background(), 1000, "t")
	if err == nil {
		t.Fatal("expected error for unreachable node")
	}
}
