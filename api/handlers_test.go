/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Checkout and order retrieval through the router
- Request validation (400) vs domain validation (422)
- Error mapping: 404, 409 with stock details, 410, 503
- Transfer protocol over HTTP
- /metrics exposure
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/van-ledger/config"
	"github.com/warp/van-ledger/core"
	"github.com/warp/van-ledger/metrics"
	"github.com/warp/van-ledger/stock"
	"github.com/warp/van-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testServer struct {
	handler *Handler
	router  *chi.Mux
	clock   *core.FakeClock
}

func testConfig() config.Config {
	return config.Config{
		Ledger: config.LedgerConfig{
			CentsDiscountFloorUSD: decimal.NewFromInt(20),
			PaymentEpsilon:        decimal.RequireFromString("0.01"),
			SequenceMaxAttempts:   3,
		},
		Transfer: config.TransferConfig{OTPTTL: time.Hour, OTPLength: 6},
	}
}

// newTestServer seeds the demo parties and products but no rate and no stock.
func newTestServer(t *testing.T) *testServer {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := core.NewFakeClock(time.Date(2025, time.March, 3, 8, 0, 0, 0, time.UTC))
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	services := NewServices(store, testConfig(), clock, nil, m)
	h := NewHandler(store, services, nil)
	router := NewRouter(h, RouterOptions{
		AllowedOrigins: []string{"http://localhost:5173"},
		Metrics:        m,
		Gatherer:       reg,
	})

	require.NoError(t, h.seedParties(context.Background()))
	return &testServer{handler: h, router: router, clock: clock}
}

// withRateAndStock sets 90,000 LBP/USD and puts 50 of each product on the van.
func (s *testServer) withRateAndStock(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	_, err := s.handler.Services.Rates.SetRate(ctx, decimal.NewFromInt(90000), s.clock.Now(), "")
	require.NoError(t, err)
	s.clock.Advance(time.Second)
	for _, p := range demoProducts {
		require.NoError(t, s.handler.Services.Stock.Receive(ctx, stock.ReceiptInput{HolderID: demoAgent, ProductID: p.ID, Quantity: 50}))
	}
	return s
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func checkoutBody(customer core.CustomerID, lines ...OrderLineRequest) CheckoutRequest {
	return CheckoutRequest{CustomerID: string(customer), AgentID: string(demoAgent), Lines: lines}
}

// =============================================================================
// ORDER TESTS
// =============================================================================

func TestCheckout_CreatesOrderAndInvoice(t *testing.T) {
	// GIVEN: Rate 90,000 and a stocked van
	s := newTestServer(t).withRateAndStock(t)

	// WHEN: 2 coffee ($23.40) are sold
	rec := s.do(t, http.MethodPost, "/api/orders", checkoutBody(demoCustomer, OrderLineRequest{ProductID: "coffee-500", Quantity: 2}))

	// THEN: Order delivered at $23.40, invoice discounted to $23
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decodeBody[CheckoutResponse](t, rec)
	assert.Equal(t, "cust-hamra-agent-beirut-1", resp.Order.OrderNumber)
	assert.Equal(t, "delivered", resp.Order.Status)
	assert.Equal(t, "23.40", resp.Order.TotalUSD)
	assert.Equal(t, "2106000", resp.Order.TotalLBP)
	assert.Equal(t, "INV-cust-hamra-agent-beirut-1", resp.Invoice.InvoiceNumber)
	assert.Equal(t, "23.00", resp.Invoice.TotalUSD)
	assert.Equal(t, "0.40", resp.Invoice.DiscountUSD)
	assert.Equal(t, "2070000", resp.Invoice.TotalLBP)
	assert.False(t, resp.Balance.Settled)

	detail := s.do(t, http.MethodGet, "/api/orders/"+resp.Order.ID, nil)
	require.Equal(t, http.StatusOK, detail.Code)
	order := decodeBody[OrderDetailDTO](t, detail)
	require.NotNil(t, order.Invoice)
	assert.Equal(t, resp.Invoice.ID, order.Invoice.ID)
	require.Len(t, order.Lines, 1)
	assert.Equal(t, "11.70", order.Lines[0].UnitPriceUSD)
	assert.NotEmpty(t, order.Events)

	// Checkout already issued the invoice; there is no separate route for it.
	again := s.do(t, http.MethodPost, "/api/orders/"+resp.Order.ID+"/invoice", nil)
	assert.Equal(t, http.StatusNotFound, again.Code)

	list := s.do(t, http.MethodGet, "/api/orders?customer_id=cust-hamra&status=delivered", nil)
	require.Equal(t, http.StatusOK, list.Code)
	assert.Len(t, decodeBody[[]OrderDTO](t, list), 1)
}

func TestCheckout_WithInvoicePayment(t *testing.T) {
	s := newTestServer(t).withRateAndStock(t)

	body := checkoutBody(demoCustomer, OrderLineRequest{ProductID: "water-6", Quantity: 10})
	body.Payment = &CheckoutPaymentRequest{Mode: "invoice", Method: "cash_usd", AmountUSD: decimal.NewFromInt(15)}
	rec := s.do(t, http.MethodPost, "/api/orders", body)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decodeBody[CheckoutResponse](t, rec)
	assert.Equal(t, "paid", resp.Invoice.Status)
	require.NotNil(t, resp.Payment)
	assert.Equal(t, "1350000", resp.Payment.Payment.AmountLBP)
	assert.True(t, resp.Balance.Settled)
}

func TestCheckout_RequestValidation(t *testing.T) {
	s := newTestServer(t).withRateAndStock(t)

	cases := []struct {
		name string
		body any
	}{
		{"malformed json", `{"customer_id":`},
		{"missing customer", CheckoutRequest{AgentID: "agent-beirut", Lines: []OrderLineRequest{{ProductID: "water-6", Quantity: 1}}}},
		{"no lines", checkoutBody(demoCustomer)},
		{"zero quantity", checkoutBody(demoCustomer, OrderLineRequest{ProductID: "water-6", Quantity: 0})},
		{"bad kind", CheckoutRequest{CustomerID: "cust-hamra", AgentID: "agent-beirut", Kind: "drone", Lines: []OrderLineRequest{{ProductID: "water-6", Quantity: 1}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/orders", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestCheckout_DomainErrorMapping(t *testing.T) {
	t.Run("unknown product is 422", func(t *testing.T) {
		s := newTestServer(t).withRateAndStock(t)
		rec := s.do(t, http.MethodPost, "/api/orders", checkoutBody(demoCustomer, OrderLineRequest{ProductID: "ghost", Quantity: 1}))
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, "validation", decodeBody[ErrorResponse](t, rec).Code)
	})

	t.Run("no rate is 503", func(t *testing.T) {
		s := newTestServer(t)
		rec := s.do(t, http.MethodPost, "/api/orders", checkoutBody(demoCustomer, OrderLineRequest{ProductID: "water-6", Quantity: 1}))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "not_configured", decodeBody[ErrorResponse](t, rec).Code)
	})

	t.Run("insufficient stock is 409 with details", func(t *testing.T) {
		s := newTestServer(t).withRateAndStock(t)
		rec := s.do(t, http.MethodPost, "/api/orders", checkoutBody(demoCustomer, OrderLineRequest{ProductID: "water-6", Quantity: 51}))
		require.Equal(t, http.StatusConflict, rec.Code)
		resp := decodeBody[ErrorResponse](t, rec)
		assert.Equal(t, core.CodeInsufficientStock, resp.Code)
		details, ok := resp.Details.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, float64(50), details["available"])
		assert.Equal(t, float64(51), details["requested"])
	})

	t.Run("unknown order is 404", func(t *testing.T) {
		s := newTestServer(t)
		rec := s.do(t, http.MethodGet, "/api/orders/nope", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestChangeOrderStatus(t *testing.T) {
	s := newTestServer(t).withRateAndStock(t)
	body := checkoutBody(demoCustomer, OrderLineRequest{ProductID: "water-6", Quantity: 2})
	body.Kind = "company"
	resp := decodeBody[CheckoutResponse](t, s.do(t, http.MethodPost, "/api/orders", body))
	require.Equal(t, "on_hold", resp.Order.Status)

	rec := s.do(t, http.MethodPost, "/api/orders/"+resp.Order.ID+"/status", StatusChangeRequest{Status: "approved", Actor: "ops"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "approved", decodeBody[OrderDTO](t, rec).Status)

	rec = s.do(t, http.MethodPost, "/api/orders/"+resp.Order.ID+"/status", StatusChangeRequest{Status: "on_hold"})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, core.CodeInvalidTransition, decodeBody[ErrorResponse](t, rec).Code)
}

// =============================================================================
// RATE TESTS
// =============================================================================

func TestRates_SetAndRead(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/rates/current", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/rates", SetRateRequest{LBPPerUSD: decimal.NewFromInt(89500), EffectiveDate: "2025-03-03T07:00:00Z"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/rates", SetRateRequest{LBPPerUSD: decimal.Zero})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/rates", SetRateRequest{LBPPerUSD: decimal.NewFromInt(1), EffectiveDate: "yesterday"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/rates/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "89500", decodeBody[RateDTO](t, rec).LBPPerUSD)

	rec = s.do(t, http.MethodGet, "/api/rates?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]RateDTO](t, rec), 1)
}

// =============================================================================
// STOCK AND TRANSFER TESTS
// =============================================================================

func TestStock_ReceiptAndMovements(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/stock/receipts", ReceiptRequest{ProductID: "water-6", Quantity: 30, ReceivedBy: "clerk"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/stock/warehouse", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	lines := decodeBody[[]StockLineDTO](t, rec)
	require.Len(t, lines, 1)
	assert.Equal(t, int64(30), lines[0].QtyOnHand)

	rec = s.do(t, http.MethodGet, "/api/stock/warehouse/movements?product_id=water-6", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	movements := decodeBody[[]MovementDTO](t, rec)
	require.Len(t, movements, 1)
	assert.Equal(t, "receipt", movements[0].Reason)
}

func TestTransfer_TwoPartyFlow(t *testing.T) {
	// GIVEN: 30 water in the warehouse and a rate
	s := newTestServer(t).withRateAndStock(t)
	require.NoError(t, s.handler.Services.Stock.Receive(context.Background(), stock.ReceiptInput{ProductID: "water-6", Quantity: 30}))

	// WHEN: The agent opens a fulfillment for 12
	rec := s.do(t, http.MethodPost, "/api/transfers", CreateTransferRequest{
		Direction: "fulfillment",
		AgentID:   string(demoAgent),
		Items:     []TransferItemRequest{{ProductID: "water-6", Quantity: 12}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[TransferCreatedDTO](t, rec)
	assert.Len(t, created.AgentOTP, 6)
	assert.Equal(t, "created", created.State)

	// THEN: GET never leaks the codes
	rec = s.do(t, http.MethodGet, "/api/transfers/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), created.AgentOTP)

	rec = s.do(t, http.MethodPost, "/api/transfers/"+created.ID+"/confirm", ConfirmTransferRequest{Party: "agent", OTP: created.AgentOTP})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "own code is rejected")

	rec = s.do(t, http.MethodPost, "/api/transfers/"+created.ID+"/confirm", ConfirmTransferRequest{Party: "agent", OTP: created.CounterpartyOTP})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, decodeBody[ConfirmTransferResponse](t, rec).Applied)

	rec = s.do(t, http.MethodGet, "/api/agents/agent-beirut/transfers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]TransferDTO](t, rec), 1)

	rec = s.do(t, http.MethodPost, "/api/transfers/"+created.ID+"/confirm", ConfirmTransferRequest{Party: "counterparty", OTP: created.AgentOTP})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	confirmed := decodeBody[ConfirmTransferResponse](t, rec)
	assert.True(t, confirmed.Applied)
	assert.Equal(t, "applied", confirmed.Transfer.State)

	rec = s.do(t, http.MethodPost, "/api/transfers/"+created.ID+"/confirm", ConfirmTransferRequest{Party: "agent", OTP: created.CounterpartyOTP})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_completed", decodeBody[ErrorResponse](t, rec).Code)

	rec = s.do(t, http.MethodGet, "/api/stock/agent-beirut", nil)
	for _, l := range decodeBody[[]StockLineDTO](t, rec) {
		if l.ProductID == "water-6" {
			assert.Equal(t, int64(62), l.QtyOnHand)
		}
	}
}

func TestTransfer_ExpiredIsGone(t *testing.T) {
	s := newTestServer(t).withRateAndStock(t)
	rec := s.do(t, http.MethodPost, "/api/transfers", CreateTransferRequest{
		Direction: "return",
		AgentID:   string(demoAgent),
		Items:     []TransferItemRequest{{ProductID: "chips-box", Quantity: 5}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[TransferCreatedDTO](t, rec)

	s.clock.Advance(2 * time.Hour)

	rec = s.do(t, http.MethodPost, "/api/transfers/"+created.ID+"/confirm", ConfirmTransferRequest{Party: "agent", OTP: created.CounterpartyOTP})
	assert.Equal(t, http.StatusGone, rec.Code)
	rec = s.do(t, http.MethodPost, "/api/transfers/"+created.ID+"/cancel", nil)
	assert.Equal(t, http.StatusGone, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/transfers/"+created.ID, nil)
	assert.Equal(t, "expired", decodeBody[TransferDTO](t, rec).State)
}

func TestTransfer_Cancel(t *testing.T) {
	s := newTestServer(t).withRateAndStock(t)
	rec := s.do(t, http.MethodPost, "/api/transfers", CreateTransferRequest{
		Direction: "return",
		AgentID:   string(demoAgent),
		Items:     []TransferItemRequest{{ProductID: "chips-box", Quantity: 5}},
	})
	created := decodeBody[TransferCreatedDTO](t, rec)

	rec = s.do(t, http.MethodPost, "/api/transfers/"+created.ID+"/cancel", CancelTransferRequest{Actor: "agent-beirut"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cancelled := decodeBody[TransferDTO](t, rec)
	assert.Equal(t, "cancelled", cancelled.State)
	assert.Equal(t, "agent-beirut", cancelled.CancelledBy)
}

// =============================================================================
// METRICS
// =============================================================================

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodGet, "/api/scenarios", nil)

	rec := s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `van_ledger_http_requests_total{method="GET",route="/api/scenarios`)
}
