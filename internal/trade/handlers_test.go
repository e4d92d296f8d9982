package trade

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/peertrade/internal/notify"
	"github.com/mbd888/peertrade/internal/order"
	"github.com/mbd888/peertrade/internal/user"
)

func setupRouter(t *testing.T) (*gin.Engine, *fixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ln := newMockNode()
	orders := order.NewMemoryStore()
	users := user.NewMemoryStore()
	coord := NewCoordinator(ln, orders, notify.Noop{}, logger)
	svc := NewService(orders, users, coord, notify.Noop{}, logger).WithDisputePolicy(3)
	f := &fixture{svc: svc, coord: coord, ln: ln, orders: orders, users: users}

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-User-ID"); id != "" {
			c.Set("authUserID", id)
		}
	})
	h := NewHandler(svc)
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	admin := r.Group("/v1/admin")
	admin.Use(func(c *gin.Context) { c.Set("adminID", "admin") })
	h.RegisterAdminRoutes(admin)
	return r, f
}

func doJSON(t *testing.T, r *gin.Engine, method, path, userID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandlers_CreateAndGetOrder(t *testing.T) {
	r, _ := setupRouter(t)

	w := doJSON(t, r, http.MethodPost, "/v1/orders", "seller", CreateOrderRequest{
		SellerID:   "seller",
		AmountSats: 100000,
		FiatAmount: 50,
		FiatCode:   "EUR",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Order order.Order `json:"order"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, order.StatusPending, created.Order.Status)
	assert.NotEmpty(t, created.Order.ID)

	w = doJSON(t, r, http.MethodGet, "/v1/orders/"+created.Order.ID, "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandlers_CreateOrder_WrongCaller(t *testing.T) {
	r, _ := setupRouter(t)

	w := doJSON(t, r, http.MethodPost, "/v1/orders", "impostor", CreateOrderRequest{
		SellerID: "seller", AmountSats: 1000,
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandlers_GetOrder_NotFound(t *testing.T) {
	r, _ := setupRouter(t)
	w := doJSON(t, r, http.MethodGet, "/v1/orders/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlers_TakeReturnsInvoice(t *testing.T) {
	r, f := setupRouter(t)
	o := f.createOrder(t, 100000)

	w := doJSON(t, r, http.MethodPost, "/v1/orders/"+o.ID+"/take", "buyer", TakeRequest{BuyerID: "buyer"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Order          order.Order `json:"order"`
		PaymentRequest string      `json:"paymentRequest"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, order.StatusWaitingPayment, resp.Order.Status)
	assert.NotEmpty(t, resp.PaymentRequest)
}

func TestHandlers_TakeTwiceConflicts(t *testing.T) {
	r, f := setupRouter(t)
	o := f.createOrder(t, 100000)

	w := doJSON(t, r, http.MethodPost, "/v1/orders/"+o.ID+"/take", "buyer", TakeRequest{BuyerID: "buyer"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodPost, "/v1/orders/"+o.ID+"/take", "buyer2", TakeRequest{BuyerID: "buyer2"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandlers_FiatSentForbiddenForSeller(t *testing.T) {
	r, f := setupRouter(t)
	o := f.createOrder(t, 100000)
	f.takeOrder(t, o.ID)
	f.activate(t, f.get(t, o.ID).Hash)

	w := doJSON(t, r, http.MethodPost, "/v1/orders/"+o.ID+"/fiatsent", "seller", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, r, http.MethodPost, "/v1/orders/"+o.ID+"/fiatsent", "buyer", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandlers_ReleaseFlow(t *testing.T) {
	r, f := setupRouter(t)
	o := f.createOrder(t, 100000)
	f.takeOrder(t, o.ID)
	f.activate(t, f.get(t, o.ID).Hash)

	w := doJSON(t, r, http.MethodPost, "/v1/orders/"+o.ID+"/release", "seller", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Re-release: benign conflict, not a server error.
	w = doJSON(t, r, http.MethodPost, "/v1/orders/"+o.ID+"/release", "seller", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandlers_ReleaseEscrowDown(t *testing.T) {
	r, f := setupRouter(t)
	o := f.createOrder(t, 100000)
	f.takeOrder(t, o.ID)
	f.activate(t, f.get(t, o.ID).Hash)
	f.ln.settleErr = context.DeadlineExceeded

	w := doJSON(t, r, http.MethodPost, "/v1/orders/"+o.ID+"/release", "seller", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestHandlers_CooperativeCancelGuidance(t *testing.T) {
	r, f := setupRouter(t)
	o := f.createOrder(t, 100000)
	f.takeOrder(t, o.ID)
	f.activate(t, f.get(t, o.ID).Hash)

	w := doJSON(t, r, http.MethodPost, "/v1/orders/"+o.ID+"/cooperativecancel", "buyer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "waiting_counterparty")

	// Same party again: guidance, still 200.
	w = doJSON(t, r, http.MethodPost, "/v1/orders/"+o.ID+"/cooperativecancel", "buyer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "already_requested")

	w = doJSON(t, r, http.MethodPost, "/v1/orders/"+o.ID+"/cooperativecancel", "seller", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, order.StatusCanceled, f.get(t, o.ID).Status)
}

func TestHandlers_DisputeAndAdminResolve(t *testing.T) {
	r, f := setupRouter(t)
	o := f.createOrder(t, 100000)
	f.takeOrder(t, o.ID)
	f.activate(t, f.get(t, o.ID).Hash)

	w := doJSON(t, r, http.MethodPost, "/v1/orders/"+o.ID+"/dispute", "buyer", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodPost, "/v1/admin/orders/"+o.ID+"/settle", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, order.StatusCompletedByAdmin, f.get(t, o.ID).Status)
}

func TestHandlers_AdminCancel(t *testing.T) {
	r, f := setupRouter(t)
	o := f.createOrder(t, 100000)
	f.takeOrder(t, o.ID)

	w := doJSON(t, r, http.MethodPost, "/v1/admin/orders/"+o.ID+"/cancel", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, order.StatusCanceledByAdmin, f.get(t, o.ID).Status)
}
