/*
balance_test.go - HTTP tests for invoice balances, payments and accounts

Tests for:
- Manual invoice payment and overpayment refusal
- Cash collection across open invoices with credit
- Paying from credit
- Voiding
*/
package api

import (
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/van-ledger/core"
)

func (s *testServer) sale(t *testing.T, customer core.CustomerID, lines ...OrderLineRequest) CheckoutResponse {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/orders", checkoutBody(customer, lines...))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[CheckoutResponse](t, rec)
}

func TestPayInvoice_PartialThenOverpay(t *testing.T) {
	// GIVEN: A $15.00 invoice
	s := newTestServer(t).withRateAndStock(t)
	inv := s.sale(t, demoCustomer, OrderLineRequest{ProductID: "water-6", Quantity: 10}).Invoice

	// WHEN: $10 is paid by card
	rec := s.do(t, http.MethodPost, "/api/invoices/"+inv.ID+"/payments", PayInvoiceRequest{
		CustomerID: string(demoCustomer), Method: "card", AmountUSD: decimal.NewFromInt(10),
	})

	// THEN: $5 remains; paying $6 more is refused
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	result := decodeBody[PaymentResultDTO](t, rec)
	assert.Equal(t, "5.00", result.Balance.RemainingUSD)
	assert.False(t, result.Balance.Settled)

	rec = s.do(t, http.MethodPost, "/api/invoices/"+inv.ID+"/payments", PayInvoiceRequest{
		CustomerID: string(demoCustomer), Method: "card", AmountUSD: decimal.NewFromInt(6),
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/invoices/"+inv.ID+"/payments", PayInvoiceRequest{
		CustomerID: string(demoCustomer), Method: "account_credit", AmountUSD: decimal.NewFromInt(1),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "account_credit goes through the credit endpoint")

	rec = s.do(t, http.MethodGet, "/api/invoices/"+inv.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decodeBody[InvoiceDetailDTO](t, rec)
	assert.Len(t, detail.Payments, 1)
	assert.Equal(t, "issued", detail.Status)
}

func TestCollectPayment_AllocatesAndCredits(t *testing.T) {
	// GIVEN: Open invoices of $15.00 and $4.50
	s := newTestServer(t).withRateAndStock(t)
	first := s.sale(t, demoCustomer, OrderLineRequest{ProductID: "water-6", Quantity: 10}).Invoice
	second := s.sale(t, demoCustomer, OrderLineRequest{ProductID: "water-6", Quantity: 3}).Invoice

	// WHEN: $12 + 900,000 LBP is collected
	rec := s.do(t, http.MethodPost, "/api/customers/cust-hamra/payments", CollectPaymentRequest{
		AmountUSD: decimal.NewFromInt(12), AmountLBP: decimal.NewFromInt(900000), ReceivedBy: "agent-beirut",
	})

	// THEN: Both paid, 225,000 LBP credit
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	result := decodeBody[AllocationResultDTO](t, rec)
	require.Len(t, result.Allocations, 2)
	assert.Equal(t, first.ID, result.Allocations[0].InvoiceID)
	assert.Equal(t, second.ID, result.Allocations[1].InvoiceID)
	assert.Equal(t, "22.00", result.TotalPaymentUSD)
	assert.Equal(t, "225000", result.CreditedLBP)

	rec = s.do(t, http.MethodGet, "/api/customers/cust-hamra/account", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	account := decodeBody[AccountDTO](t, rec)
	assert.Empty(t, account.OpenInvoices)
	assert.Equal(t, "-225000", account.BalanceLBP)
	assert.Equal(t, "225000", account.CreditLBP)

	rec = s.do(t, http.MethodGet, "/api/invoices?customer_id=cust-hamra&status=paid", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]InvoiceDTO](t, rec), 2)
}

func TestApplyCredit(t *testing.T) {
	s := newTestServer(t).withRateAndStock(t)
	rec := s.do(t, http.MethodPost, "/api/customers/cust-hamra/payments", CollectPaymentRequest{AmountUSD: decimal.NewFromInt(5)})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	inv := s.sale(t, demoCustomer, OrderLineRequest{ProductID: "water-6", Quantity: 3}).Invoice

	rec = s.do(t, http.MethodPost, "/api/invoices/"+inv.ID+"/credit", ApplyCreditRequest{
		CustomerID: string(demoCustomer), AmountUSD: decimal.RequireFromString("4.50"),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	result := decodeBody[PaymentResultDTO](t, rec)
	assert.Equal(t, "account_credit", result.Payment.Method)
	assert.True(t, result.Balance.Settled)

	other := s.sale(t, demoCustomer, OrderLineRequest{ProductID: "water-6", Quantity: 3}).Invoice
	rec = s.do(t, http.MethodPost, "/api/invoices/"+other.ID+"/credit", ApplyCreditRequest{
		CustomerID: string(demoCustomer), AmountUSD: decimal.RequireFromString("4.50"),
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, core.CodeInsufficientCredit, decodeBody[ErrorResponse](t, rec).Code)
}

func TestVoidInvoice(t *testing.T) {
	s := newTestServer(t).withRateAndStock(t)
	inv := s.sale(t, demoCustomer, OrderLineRequest{ProductID: "chips-box", Quantity: 2}).Invoice

	rec := s.do(t, http.MethodPost, "/api/invoices/"+inv.ID+"/void", VoidInvoiceRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "reason is required")

	rec = s.do(t, http.MethodPost, "/api/invoices/"+inv.ID+"/void", VoidInvoiceRequest{Actor: "ops", Reason: "duplicate"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	voided := decodeBody[InvoiceDTO](t, rec)
	assert.Equal(t, "voided", voided.Status)
	assert.NotNil(t, voided.VoidedAt)

	rec = s.do(t, http.MethodPost, "/api/invoices/"+inv.ID+"/void", VoidInvoiceRequest{Reason: "again"})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, core.CodeInvoiceVoided, decodeBody[ErrorResponse](t, rec).Code)
}
