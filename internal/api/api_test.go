package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ec-checkout/internal/apperror"
	"github.com/example/ec-checkout/internal/auth"
	"github.com/example/ec-checkout/internal/domain/checkout"
	"github.com/example/ec-checkout/internal/domain/inventory"
	"github.com/example/ec-checkout/internal/domain/order"
	"github.com/example/ec-checkout/internal/domain/payment"
	"github.com/example/ec-checkout/internal/domain/shipping"
	"github.com/example/ec-checkout/internal/infrastructure/gateway"
	"github.com/example/ec-checkout/internal/infrastructure/store"
	"github.com/example/ec-checkout/internal/metrics"
	"github.com/example/ec-checkout/internal/model"
)

type testServer struct {
	router http.Handler
	store  *store.MemoryStore
	gw     *gateway.Fake
	jwt    *auth.JWTService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s := store.NewMemoryStore()
	s.PutProduct(model.Product{ID: "prod-1", Name: "Mug", Price: decimal.RequireFromString("9.50"), Stock: 10})
	s.PutProduct(model.Product{ID: "prod-2", Name: "Tea", Price: decimal.RequireFromString("4.00"), Stock: 2})

	gw := gateway.NewFake("whsec_test")
	orders := order.NewService(s, inventory.NewLedger(), nil, zerolog.Nop())
	payments := payment.NewManager(s, gw, orders, nil, "usd", zerolog.Nop())
	machine := checkout.NewMachine(s, orders, payments, checkout.Config{}, zerolog.Nop())
	handlers := NewHandlers(shipping.NewService(s), orders, payments, machine, zerolog.Nop())

	reg := prometheus.NewRegistry()
	jwt := auth.NewJWTService("test-secret-key-that-is-long-enough", "", time.Hour)
	router := NewRouter(RouterConfig{
		Handlers:       handlers,
		JWTService:     jwt,
		Metrics:        metrics.NewServerMetrics(reg, "api"),
		MetricsHandler: metrics.Handler(reg),
		Logger:         zerolog.Nop(),
	})
	return &testServer{router: router, store: s, gw: gw, jwt: jwt}
}

func (ts *testServer) do(t *testing.T, user, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		token, _, err := ts.jwt.IssueAccessToken(user, user+"@example.com", "customer")
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (ts *testServer) createAddress(t *testing.T, user string) string {
	t.Helper()
	rec := ts.do(t, user, http.MethodPost, "/addresses", map[string]string{
		"full_name": "Ada Lovelace", "line1": "1 Main St", "city": "London", "postal_code": "N1", "country": "gb",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[model.ShippingAddress](t, rec).ID
}

func (ts *testServer) stock(t *testing.T, id string) int {
	t.Helper()
	p, err := ts.store.GetProduct(context.Background(), id)
	require.NoError(t, err)
	return p.Stock
}

// ====================
// Infrastructure routes
// ====================

func TestRouter_HealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, "", http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `ec_api_http_requests_total{method="GET",route="/health",status="200"} 1`)
}

func TestRouter_RequiresAuth(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{"/orders", "/checkout/abc"} {
		rec := ts.do(t, "", http.MethodGet, path, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

// ====================
// Addresses and orders
// ====================

func TestCreateAddress_Invalid(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "user-1", http.MethodPost, "/addresses", map[string]string{"full_name": "Ada"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", decode[map[string]string](t, rec)["kind"])
}

func TestCreateOrder_MalformedBody(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "user-1", http.MethodPost, "/orders", `{"items": [`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOrderLifecycle(t *testing.T) {
	ts := newTestServer(t)
	addr := ts.createAddress(t, "user-1")

	rec := ts.do(t, "user-1", http.MethodPost, "/orders", map[string]any{
		"items":               []map[string]any{{"product_id": "prod-1", "quantity": 2}, {"product_id": "prod-2", "quantity": 1}},
		"shipping_address_id": addr,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[model.Order](t, rec)
	assert.Equal(t, model.OrderPending, created.Status)
	assert.True(t, decimal.RequireFromString("23").Equal(created.Total))
	assert.Equal(t, 8, ts.stock(t, "prod-1"))

	rec = ts.do(t, "user-1", http.MethodGet, "/orders/"+created.UUID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, "user-2", http.MethodGet, "/orders/"+created.UUID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, "user-1", http.MethodGet, "/orders", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]model.Order](t, rec), 1)

	rec = ts.do(t, "user-1", http.MethodPost, "/orders/"+created.UUID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.OrderCancelled, decode[model.Order](t, rec).Status)
	assert.Equal(t, 10, ts.stock(t, "prod-1"))

	rec = ts.do(t, "user-1", http.MethodPost, "/orders/"+created.UUID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateOrder_InsufficientStock(t *testing.T) {
	ts := newTestServer(t)
	addr := ts.createAddress(t, "user-1")

	rec := ts.do(t, "user-1", http.MethodPost, "/orders", map[string]any{
		"items":               []map[string]any{{"product_id": "prod-2", "quantity": 3}},
		"shipping_address_id": addr,
	})

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, 2, ts.stock(t, "prod-2"))
}

// ====================
// Payments
// ====================

func TestPayments_CreateWebhookAndSync(t *testing.T) {
	ts := newTestServer(t)
	addr := ts.createAddress(t, "user-1")
	rec := ts.do(t, "user-1", http.MethodPost, "/orders", map[string]any{
		"items":               []map[string]any{{"product_id": "prod-1", "quantity": 1}},
		"shipping_address_id": addr,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	o := decode[model.Order](t, rec)

	rec = ts.do(t, "user-1", http.MethodPost, "/payments", map[string]string{"order_id": o.UUID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	p := decode[payment.Payment](t, rec)
	require.NotNil(t, p.Record.IntentID)
	assert.NotEmpty(t, p.ClientSecret)

	rec = ts.do(t, "user-1", http.MethodPost, "/payments", map[string]string{"order_id": o.UUID})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, "user-1", http.MethodPost, "/payments/"+*p.Record.IntentID+"/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.PaymentPending, decode[model.PaymentRecord](t, rec).Status)

	payload := []byte(fmt.Sprintf(`{"id":"evt_1","type":%q,"intent_id":%q}`, payment.EventIntentSucceeded, *p.Record.IntentID))
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(payload))
	req.Header.Set(signatureHeader, ts.gw.Sign(payload))
	webhookRec := httptest.NewRecorder()
	ts.router.ServeHTTP(webhookRec, req)
	require.Equal(t, http.StatusOK, webhookRec.Code, webhookRec.Body.String())

	rec = ts.do(t, "user-1", http.MethodGet, "/orders/"+o.UUID, nil)
	assert.Equal(t, model.OrderPaid, decode[model.Order](t, rec).Status)
}

func TestPaymentWebhook_BadSignature(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader([]byte(`{"id":"evt_1"}`)))
	req.Header.Set(signatureHeader, "forged")
	rec := httptest.NewRecorder()

	ts.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPaymentWebhook_UnknownIntentAcknowledged(t *testing.T) {
	ts := newTestServer(t)
	payload := []byte(fmt.Sprintf(`{"id":"evt_9","type":%q,"intent_id":"pi_other"}`, payment.EventIntentSucceeded))
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(payload))
	req.Header.Set(signatureHeader, ts.gw.Sign(payload))
	rec := httptest.NewRecorder()

	ts.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreatePayment_GatewayDown(t *testing.T) {
	ts := newTestServer(t)
	addr := ts.createAddress(t, "user-1")
	rec := ts.do(t, "user-1", http.MethodPost, "/orders", map[string]any{
		"items":               []map[string]any{{"product_id": "prod-1", "quantity": 1}},
		"shipping_address_id": addr,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	ts.gw.SetFailing(true)

	rec = ts.do(t, "user-1", http.MethodPost, "/payments", map[string]string{"order_id": decode[model.Order](t, rec).UUID})

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

// ====================
// Checkout
// ====================

func TestCheckout_StartAndComplete(t *testing.T) {
	ts := newTestServer(t)
	addr := ts.createAddress(t, "user-1")

	rec := ts.do(t, "user-1", http.MethodPost, "/checkout", map[string]any{
		"items":               []map[string]any{{"product_id": "prod-1", "quantity": 3}},
		"shipping_address_id": addr,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	started := decode[checkout.Started](t, rec)
	assert.Equal(t, model.SessionInProgress, started.Session.Status)
	assert.True(t, decimal.RequireFromString("28.5").Equal(started.Session.Total))
	assert.Equal(t, 10, ts.stock(t, "prod-1"))

	rec = ts.do(t, "user-2", http.MethodGet, "/checkout/"+started.Session.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, "user-1", http.MethodPost, "/checkout/"+started.Session.ID+"/complete", map[string]string{"payment_status": checkout.ReportedSucceeded})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	done := decode[checkout.Completed](t, rec)
	assert.Equal(t, model.SessionCompleted, done.Session.Status)
	assert.Equal(t, model.OrderPaid, done.Order.Status)
	assert.Equal(t, 7, ts.stock(t, "prod-1"))

	rec = ts.do(t, "user-1", http.MethodPost, "/checkout/"+started.Session.ID+"/complete", map[string]string{"payment_status": checkout.ReportedSucceeded})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCheckout_ReportedFailure(t *testing.T) {
	ts := newTestServer(t)
	addr := ts.createAddress(t, "user-1")
	rec := ts.do(t, "user-1", http.MethodPost, "/checkout", map[string]any{
		"items":               []map[string]any{{"product_id": "prod-1", "quantity": 1}},
		"shipping_address_id": addr,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[checkout.Started](t, rec).Session.ID

	rec = ts.do(t, "user-1", http.MethodPost, "/checkout/"+id+"/complete", map[string]string{"payment_status": "failed"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, "user-1", http.MethodGet, "/checkout/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.SessionFailed, decode[model.CheckoutSession](t, rec).Status)
	assert.Equal(t, 10, ts.stock(t, "prod-1"))
}

func TestCheckout_EmptyCart(t *testing.T) {
	ts := newTestServer(t)
	addr := ts.createAddress(t, "user-1")

	rec := ts.do(t, "user-1", http.MethodPost, "/checkout", map[string]any{"items": []any{}, "shipping_address_id": addr})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// ====================
// Error mapping
// ====================

func TestWriteError(t *testing.T) {
	h := NewHandlers(nil, nil, nil, nil, zerolog.Nop())
	tests := []struct {
		name   string
		err    error
		status int
		msg    string
	}{
		{"validation", apperror.Wrap(order.ErrEmptyItems, "x"), http.StatusBadRequest, "order must have at least one item: x"},
		{"not found", order.ErrOrderNotFound, http.StatusNotFound, "order not found"},
		{"conflict", inventory.ErrInsufficientStock, http.StatusConflict, "insufficient stock"},
		{"gateway", payment.ErrGateway, http.StatusBadGateway, "payment gateway error"},
		{"lock timeout", fmt.Errorf("lock product: %w", store.ErrLockTimeout), http.StatusConflict, "resource busy, retry later"},
		{"unexpected", errors.New("db exploded"), http.StatusInternalServerError, "internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.writeError(rec, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.msg, decode[map[string]string](t, rec)["error"])
		})
	}
}
