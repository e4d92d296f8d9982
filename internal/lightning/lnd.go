package lightning

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// LNDClient talks to an LND node over its REST API.
//
// Invoice subscriptions are implemented by polling the node for every watched
// hash; state changes are deduplicated and emitted on the event channel. The
// node is the source of truth, so a missed poll only delays an event, never
// loses it.
type LNDClient struct {
	baseURL      string
	macaroon     string // hex
	httpClient   *http.Client
	pollInterval time.Duration
	expiry       time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	watched map[string]InvoiceState // hash -> last state emitted

	events chan InvoiceEvent
}

// NewLNDClient creates a client for the LND REST API at baseURL.
func NewLNDClient(baseURL, macaroonHex string, pollInterval, invoiceExpiry time.Duration, logger *slog.Logger) *LNDClient {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	return &LNDClient{
		baseURL:      baseURL,
		macaroon:     macaroonHex,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		pollInterval: pollInterval,
		expiry:       invoiceExpiry,
		logger:       logger,
		watched:      make(map[string]InvoiceState),
		events:       make(chan InvoiceEvent, 64),
	}
}

// Events implements Client.
func (c *LNDClient) Events() <-chan InvoiceEvent {
	return c.events
}

// CreateHoldInvoice implements Client. The preimage is generated locally and
// never sent to the node; only its SHA-256 hash is.
func (c *LNDClient) CreateHoldInvoice(ctx context.Context, amountSats int64, description string) (*Invoice, error) {
	preimage := make([]byte, 32)
	if _, err := rand.Read(preimage); err != nil {
		return nil, fmt.Errorf("generate preimage: %w", err)
	}
	hash := sha256.Sum256(preimage)

	reqBody := map[string]any{
		"hash":  base64.StdEncoding.EncodeToString(hash[:]),
		"value": strconv.FormatInt(amountSats, 10),
		"memo":  description,
	}
	if c.expiry > 0 {
		reqBody["expiry"] = strconv.FormatInt(int64(c.expiry.Seconds()), 10)
	}

	var resp struct {
		PaymentRequest string `json:"payment_request"`
	}
	if err := c.post(ctx, "/v2/invoices/hodl", reqBody, &resp); err != nil {
		return nil, err
	}

	return &Invoice{
		PaymentRequest: resp.PaymentRequest,
		Hash:           hex.EncodeToString(hash[:]),
		Secret:         hex.EncodeToString(preimage),
	}, nil
}

// SubscribeInvoice implements Client. The hash is added to the watch set; the
// polling loop started by Start delivers its events.
func (c *LNDClient) SubscribeInvoice(_ context.Context, hash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.watched[hash]; !ok {
		c.watched[hash] = InvoiceOpen
	}
	return nil
}

// SettleHoldInvoice implements Client.
func (c *LNDClient) SettleHoldInvoice(ctx context.Context, secret string) error {
	preimage, err := hex.DecodeString(secret)
	if err != nil {
		return fmt.Errorf("malformed preimage: %w", err)
	}
	return c.post(ctx, "/v2/invoices/settle", map[string]any{
		"preimage": base64.StdEncoding.EncodeToString(preimage),
	}, nil)
}

// CancelHoldInvoice implements Client.
func (c *LNDClient) CancelHoldInvoice(ctx context.Context, hash string) error {
	raw, err := hex.DecodeString(hash)
	if err != nil {
		return fmt.Errorf("malformed payment hash: %w", err)
	}
	return c.post(ctx, "/v2/invoices/cancel", map[string]any{
		"payment_hash": base64.StdEncoding.EncodeToString(raw),
	}, nil)
}

// SendPayment implements Client using the synchronous payment endpoint.
func (c *LNDClient) SendPayment(ctx context.Context, paymentRequest string, maxFeeSats int64) error {
	var resp struct {
		PaymentError string `json:"payment_error"`
	}
	err := c.post(ctx, "/v1/channels/transactions", map[string]any{
		"payment_request": paymentRequest,
		"fee_limit":       map[string]any{"fixed": strconv.FormatInt(maxFeeSats, 10)},
	}, &resp)
	if err != nil {
		return err
	}
	if resp.PaymentError != "" {
		return fmt.Errorf("payment failed: %s", resp.PaymentError)
	}
	return nil
}

// Start runs the invoice polling loop. Call in a goroutine; exits when ctx is
// done.
func (c *LNDClient) Start(ctx context.Context) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pollWatched(ctx)
		}
	}
}

func (c *LNDClient) pollWatched(ctx context.Context) {
	c.mu.Lock()
	hashes := make([]string, 0, len(c.watched))
	for h := range c.watched {
		hashes = append(hashes, h)
	}
	c.mu.Unlock()

	for _, hash := range hashes {
		state, err := c.lookupInvoice(ctx, hash)
		if err != nil {
			c.logger.Warn("invoice lookup failed", "hash", hash, "error", err)
			continue
		}

		c.mu.Lock()
		last, ok := c.watched[hash]
		if !ok || last == state || state == InvoiceOpen {
			c.mu.Unlock()
			continue
		}
		c.watched[hash] = state
		if state == InvoiceSettled || state == InvoiceCanceled {
			// Terminal at the node; nothing further to watch.
			delete(c.watched, hash)
		}
		c.mu.Unlock()

		select {
		case c.events <- InvoiceEvent{Hash: hash, State: state}:
		case <-ctx.Done():
			return
		}
	}
}

func (c *LNDClient) lookupInvoice(ctx context.Context, hash string) (InvoiceState, error) {
	var resp struct {
		State string `json:"state"`
	}
	if err := c.get(ctx, "/v1/invoice/"+hash, &resp); err != nil {
		return "", err
	}
	switch resp.State {
	case "OPEN", "ACCEPTED", "SETTLED", "CANCELED":
		return InvoiceState(resp.State), nil
	default:
		return "", fmt.Errorf("unknown invoice state %q", resp.State)
	}
}

func (c *LNDClient) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *LNDClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *LNDClient) do(req *http.Request, out any) error {
	req.Header.Set("Grpc-Metadata-macaroon", c.macaroon)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNodeUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNodeUnavailable, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrInvoiceNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("node returned %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode node response: %w", err)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
