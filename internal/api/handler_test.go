package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"payment-service/internal/models"
	"payment-service/internal/processor"
	"payment-service/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePayments struct {
	callbackFn func(gatewayID string, orderID int64, body []byte, signature string) (*service.ReconcileResult, error)
	createFn   func(orderID int64, gatewayID string, opts service.CheckoutOptions) (*service.CheckoutResult, error)
	actionErr  error
	refundFn   func(orderID, amount int64, reason string) (*service.RefundResult, error)
	renewals   []time.Time
	bulkIDs    []int64
}

func (f *fakePayments) Create(_ context.Context, orderID int64, gatewayID string, opts service.CheckoutOptions) (*service.CheckoutResult, error) {
	return f.createFn(orderID, gatewayID, opts)
}

func (f *fakePayments) HandleCallback(_ context.Context, gatewayID string, orderID int64, body []byte, signature string) (*service.ReconcileResult, error) {
	return f.callbackFn(gatewayID, orderID, body, signature)
}

func (f *fakePayments) RedirectURL(orderID int64, status string) string {
	return fmt.Sprintf("https://shop.example/%s/%d", status, orderID)
}

func (f *fakePayments) action(orderID int64) (*service.ReconcileResult, error) {
	if f.actionErr != nil {
		return nil, f.actionErr
	}
	return &service.ReconcileResult{OrderID: orderID, Outcome: service.OutcomePaid, OrderStatus: models.OrderStatusProcessing}, nil
}

func (f *fakePayments) Capture(_ context.Context, orderID int64) (*service.ReconcileResult, error) {
	return f.action(orderID)
}

func (f *fakePayments) Void(_ context.Context, orderID int64) (*service.ReconcileResult, error) {
	return f.action(orderID)
}

func (f *fakePayments) RequeryOrder(_ context.Context, orderID int64) (*service.ReconcileResult, error) {
	return f.action(orderID)
}

func (f *fakePayments) Refund(_ context.Context, orderID, amount int64, reason string) (*service.RefundResult, error) {
	return f.refundFn(orderID, amount, reason)
}

func (f *fakePayments) BulkRequery(_ context.Context, orderIDs []int64, limit int) ([]service.ReconcileResult, error) {
	f.bulkIDs = orderIDs
	out := make([]service.ReconcileResult, 0, len(orderIDs))
	for _, id := range orderIDs {
		out = append(out, service.ReconcileResult{OrderID: id, Outcome: service.OutcomePending})
	}
	return out, nil
}

func (f *fakePayments) ScheduleRenewal(_ context.Context, _ int64, gatewayID string, runAt time.Time) error {
	if gatewayID != "chip" {
		return service.ErrUnknownGateway
	}
	f.renewals = append(f.renewals, runAt)
	return nil
}

func (f *fakePayments) AvailableMethods(_ context.Context, gatewayID, currency string) ([]service.PaymentMethod, error) {
	return []service.PaymentMethod{{ID: "fpx", Name: "Online Banking"}}, nil
}

func (f *fakePayments) RefreshPublicKey(_ context.Context, gatewayID string) error {
	return nil
}

type fakeTokens struct {
	deleted []int64
}

func (f *fakeTokens) DeleteToken(_ context.Context, id int64) error {
	if id == 404 {
		return service.ErrNoToken
	}
	f.deleted = append(f.deleted, id)
	return nil
}

type memIdempotency struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (m *memIdempotency) SetIdempotencyKey(_ context.Context, key string, _ interface{}, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		m.keys = map[string]bool{}
	}
	if m.keys[key] {
		return false, nil
	}
	m.keys[key] = true
	return true, nil
}

func (m *memIdempotency) DeleteIdempotencyKey(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func setupRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	h.SetupRoutes(router)
	return router
}

func do(router *gin.Engine, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCallbackInvalidSignature(t *testing.T) {
	payments := &fakePayments{
		callbackFn: func(string, int64, []byte, string) (*service.ReconcileResult, error) {
			return nil, service.ErrInvalidSignature
		},
	}
	router := setupRouter(NewHandler(payments, &fakeTokens{}, nil, nil, nil))

	w := do(router, http.MethodPost, "/payments/callback/chip?order_id=100", []byte(`{"id":"P1"}`), map[string]string{"X-Signature": "bad"})

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"error":"Invalid request"}`, w.Body.String())
}

func TestCallbackSignedPush(t *testing.T) {
	var gotBody []byte
	var gotSig string
	payments := &fakePayments{
		callbackFn: func(gatewayID string, orderID int64, body []byte, signature string) (*service.ReconcileResult, error) {
			assert.Equal(t, "chip_fpx", gatewayID)
			assert.Equal(t, int64(100), orderID)
			gotBody, gotSig = body, signature
			return &service.ReconcileResult{OrderID: orderID, Outcome: service.OutcomePaid, OrderStatus: models.OrderStatusProcessing}, nil
		},
	}
	router := setupRouter(NewHandler(payments, &fakeTokens{}, nil, nil, nil))

	w := do(router, http.MethodPost, "/payments/callback/chip_fpx?order_id=100", []byte(`{"id":"P1","status":"paid"}`), map[string]string{"X-Signature": "c2ln"})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"id":"P1","status":"paid"}`, string(gotBody))
	assert.Equal(t, "c2ln", gotSig)

	var result service.ReconcileResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, service.OutcomePaid, result.Outcome)
}

func TestCallbackRedirect(t *testing.T) {
	tests := []struct {
		name     string
		result   *service.ReconcileResult
		err      error
		code     int
		location string
	}{
		{
			name:     "paid",
			result:   &service.ReconcileResult{OrderStatus: models.OrderStatusProcessing},
			code:     http.StatusFound,
			location: "https://shop.example/processing/100",
		},
		{
			name:     "failed",
			result:   &service.ReconcileResult{OrderStatus: models.OrderStatusFailed},
			code:     http.StatusFound,
			location: "https://shop.example/failed/100",
		},
		{
			name:     "processor unreachable",
			err:      fmt.Errorf("fetch: %w", processor.ErrUnknownOutcome),
			code:     http.StatusFound,
			location: "https://shop.example/pending/100",
		},
		{
			name: "unknown order",
			err:  service.ErrOrderNotFound,
			code: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payments := &fakePayments{
				callbackFn: func(_ string, _ int64, body []byte, signature string) (*service.ReconcileResult, error) {
					assert.Empty(t, body)
					assert.Empty(t, signature)
					return tt.result, tt.err
				},
			}
			router := setupRouter(NewHandler(payments, &fakeTokens{}, nil, nil, nil))

			w := do(router, http.MethodGet, "/payments/callback/chip?order_id=100", nil, nil)
			assert.Equal(t, tt.code, w.Code)
			if tt.location != "" {
				assert.Equal(t, tt.location, w.Header().Get("Location"))
			}
		})
	}
}

func TestCallbackRequiresOrderID(t *testing.T) {
	router := setupRouter(NewHandler(&fakePayments{}, &fakeTokens{}, nil, nil, nil))

	w := do(router, http.MethodGet, "/payments/callback/chip?order_id=abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPay(t *testing.T) {
	payments := &fakePayments{
		createFn: func(orderID int64, gatewayID string, opts service.CheckoutOptions) (*service.CheckoutResult, error) {
			assert.Equal(t, "chip_card", gatewayID)
			assert.True(t, opts.SaveCard)
			return &service.CheckoutResult{OrderID: orderID, PurchaseID: "P1", RedirectURL: "https://gate.example/p/P1/"}, nil
		},
	}
	router := setupRouter(NewHandler(payments, &fakeTokens{}, nil, nil, nil))

	w := do(router, http.MethodPost, "/api/v1/orders/7/pay", []byte(`{"gateway_id":"chip_card","save_card":true}`), nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var result service.CheckoutResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, "P1", result.PurchaseID)

	w = do(router, http.MethodPost, "/api/v1/orders/7/pay", []byte(`{}`), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(router, http.MethodPost, "/api/v1/orders/x/pay", []byte(`{"gateway_id":"chip"}`), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCaptureErrorMapping(t *testing.T) {
	payments := &fakePayments{actionErr: service.ErrCaptureWindowExpired}
	router := setupRouter(NewHandler(payments, &fakeTokens{}, nil, nil, nil))

	w := do(router, http.MethodPost, "/api/v1/orders/7/capture", nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), service.ErrCaptureWindowExpired.Error())
}

func TestRefundIdempotencyKey(t *testing.T) {
	calls := 0
	payments := &fakePayments{
		refundFn: func(orderID, amount int64, reason string) (*service.RefundResult, error) {
			calls++
			if calls == 1 {
				return nil, fmt.Errorf("%w: status %q", service.ErrRefundFailed, "pending")
			}
			return &service.RefundResult{OrderID: orderID, RefundID: "R1", Amount: amount}, nil
		},
	}
	idem := &memIdempotency{}
	router := setupRouter(NewHandler(payments, &fakeTokens{}, idem, nil, nil))
	headers := map[string]string{"Idempotency-Key": "abc"}
	body := []byte(`{"amount":500,"reason":"damaged"}`)

	w := do(router, http.MethodPost, "/api/v1/orders/7/refund", body, headers)
	assert.Equal(t, http.StatusBadGateway, w.Code)

	// a rejected refund releases the key so it can be retried
	w = do(router, http.MethodPost, "/api/v1/orders/7/refund", body, headers)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(router, http.MethodPost, "/api/v1/orders/7/refund", body, headers)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, 2, calls)
}

func TestRefundUnknownOutcomeKeepsKey(t *testing.T) {
	payments := &fakePayments{
		refundFn: func(int64, int64, string) (*service.RefundResult, error) {
			return nil, &processor.TransportError{Op: "refund_payment", Err: errors.New("timeout")}
		},
	}
	router := setupRouter(NewHandler(payments, &fakeTokens{}, &memIdempotency{}, nil, nil))
	headers := map[string]string{"Idempotency-Key": "abc"}
	body := []byte(`{"amount":500}`)

	w := do(router, http.MethodPost, "/api/v1/orders/7/refund", body, headers)
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)

	w = do(router, http.MethodPost, "/api/v1/orders/7/refund", body, headers)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRenew(t *testing.T) {
	payments := &fakePayments{}
	router := setupRouter(NewHandler(payments, &fakeTokens{}, nil, nil, nil))

	w := do(router, http.MethodPost, "/api/v1/orders/7/renew", []byte(`{"gateway_id":"chip","run_at":"2026-04-01T00:00:00Z"}`), nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, payments.renewals, 1)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), payments.renewals[0].UTC())

	w = do(router, http.MethodPost, "/api/v1/orders/7/renew", []byte(`{"gateway_id":"nope"}`), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBulkRequery(t *testing.T) {
	payments := &fakePayments{}
	router := setupRouter(NewHandler(payments, &fakeTokens{}, nil, nil, nil))

	w := do(router, http.MethodPost, "/api/v1/orders/requery", []byte(`{"order_ids":[1,2]}`), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []int64{1, 2}, payments.bulkIDs)

	w = do(router, http.MethodPost, "/api/v1/orders/requery", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDeleteToken(t *testing.T) {
	tokens := &fakeTokens{}
	router := setupRouter(NewHandler(&fakePayments{}, tokens, nil, nil, nil))

	w := do(router, http.MethodDelete, "/api/v1/tokens/12", nil, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []int64{12}, tokens.deleted)

	w = do(router, http.MethodDelete, "/api/v1/tokens/404", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPaymentMethodsEndpoint(t *testing.T) {
	router := setupRouter(NewHandler(&fakePayments{}, &fakeTokens{}, nil, nil, nil))

	w := do(router, http.MethodGet, "/api/v1/gateways/chip_fpx/payment-methods?currency=MYR", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Online Banking")
}

func TestReadiness(t *testing.T) {
	ok := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("connection refused") })

	router := setupRouter(NewHandler(&fakePayments{}, &fakeTokens{}, nil, ok, ok))
	assert.Equal(t, http.StatusOK, do(router, http.MethodGet, "/ready", nil, nil).Code)

	router = setupRouter(NewHandler(&fakePayments{}, &fakeTokens{}, nil, ok, down))
	w := do(router, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{service.ErrOrderNotFound, http.StatusNotFound},
		{service.ErrUnknownGateway, http.StatusNotFound},
		{service.ErrInvalidAmount, http.StatusBadRequest},
		{service.ErrNotVoidable, http.StatusConflict},
		{service.ErrRefundOnHold, http.StatusConflict},
		{service.ErrNotRefundable, http.StatusConflict},
		{service.ErrLockNotAcquired, http.StatusConflict},
		{service.ErrMissingCredentials, http.StatusServiceUnavailable},
		{&processor.TransportError{Op: "get_payment", Err: errors.New("timeout")}, http.StatusGatewayTimeout},
		{&processor.APIError{Op: "create_payment", StatusCode: 400}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			code, _ := statusFor(tt.err)
			assert.Equal(t, tt.code, code)
		})
	}
}
