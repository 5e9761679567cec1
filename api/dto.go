/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Domain types never
  leave the api package directly, so the wire contract can stay stable
  while the ledger evolves.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Composite response wrappers

MONEY ON THE WIRE:
  Requests accept amounts as JSON strings or numbers ("12.50" or 12.5).
  Responses always render USD with two decimals and LBP as whole pounds,
  both as strings, so clients never round through float64.

VALIDATION:
  Request types carry go-playground/validator tags for shape checks
  (required fields, enums, positive quantities). Business rules such as
  overpayment or stock availability are enforced by the ledger and come
  back as typed errors.

SEE ALSO:
  - handlers.go: Uses these types
  - core/types.go: Domain model
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/van-ledger/core"
	"github.com/warp/van-ledger/ledger"
	"github.com/warp/van-ledger/stock"
)

// =============================================================================
// ORDER REQUESTS
// =============================================================================

type OrderLineRequest struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int64  `json:"quantity" validate:"gt=0"`
}

type CheckoutPaymentRequest struct {
	Mode       string          `json:"mode" validate:"omitempty,oneof=auto invoice"`
	Method     string          `json:"method" validate:"omitempty,oneof=cash_usd cash_lbp qr_cash card bank other"`
	AmountUSD  decimal.Decimal `json:"amount_usd"`
	AmountLBP  decimal.Decimal `json:"amount_lbp"`
	ReceivedBy string          `json:"received_by"`
}

// CheckoutRequest creates an order, issues its invoice and optionally
// takes a payment in one step.
type CheckoutRequest struct {
	CustomerID string                  `json:"customer_id" validate:"required"`
	AgentID    string                  `json:"agent_id" validate:"required"`
	Kind       string                  `json:"kind" validate:"omitempty,oneof=van company"`
	Lines      []OrderLineRequest      `json:"lines" validate:"required,min=1,dive"`
	Actor      string                  `json:"actor"`
	Note       string                  `json:"note"`
	Payment    *CheckoutPaymentRequest `json:"payment,omitempty"`
}

type StatusChangeRequest struct {
	Status string `json:"status" validate:"required,oneof=on_hold approved preparing ready in_transit delivered cancelled returned"`
	Actor  string `json:"actor"`
	Note   string `json:"note"`
}

// =============================================================================
// INVOICE AND PAYMENT REQUESTS
// =============================================================================

type VoidInvoiceRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason" validate:"required"`
}

// PayInvoiceRequest records one payment against one invoice.
type PayInvoiceRequest struct {
	CustomerID string          `json:"customer_id" validate:"required"`
	Method     string          `json:"method" validate:"required,oneof=cash_usd cash_lbp qr_cash card bank other"`
	AmountUSD  decimal.Decimal `json:"amount_usd"`
	AmountLBP  decimal.Decimal `json:"amount_lbp"`
	ReceivedBy string          `json:"received_by"`
	Note       string          `json:"note"`
}

type ApplyCreditRequest struct {
	CustomerID string          `json:"customer_id" validate:"required"`
	AmountUSD  decimal.Decimal `json:"amount_usd"`
	ReceivedBy string          `json:"received_by"`
}

// CollectPaymentRequest is cash collected from a customer, spread over
// their open invoices.
type CollectPaymentRequest struct {
	AmountUSD  decimal.Decimal `json:"amount_usd"`
	AmountLBP  decimal.Decimal `json:"amount_lbp"`
	ReceivedBy string          `json:"received_by"`
	Note       string          `json:"note"`
}

type SetRateRequest struct {
	LBPPerUSD     decimal.Decimal `json:"lbp_per_usd"`
	EffectiveDate string          `json:"effective_date" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	Note          string          `json:"note"`
}

// =============================================================================
// STOCK AND TRANSFER REQUESTS
// =============================================================================

type ReceiptRequest struct {
	HolderID   string `json:"holder_id"`
	ProductID  string `json:"product_id" validate:"required"`
	Quantity   int64  `json:"quantity" validate:"gt=0"`
	ReceivedBy string `json:"received_by"`
	Note       string `json:"note"`
}

type TransferItemRequest struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int64  `json:"quantity" validate:"gt=0"`
}

type CreateTransferRequest struct {
	Direction string                `json:"direction" validate:"required,oneof=fulfillment return"`
	AgentID   string                `json:"agent_id" validate:"required"`
	Items     []TransferItemRequest `json:"items" validate:"required,min=1,dive"`
	Note      string                `json:"note"`
}

// ConfirmTransferRequest carries the OTHER party's code.
type ConfirmTransferRequest struct {
	Party string `json:"party" validate:"required,oneof=agent counterparty"`
	OTP   string `json:"otp" validate:"required,numeric"`
}

type CancelTransferRequest struct {
	Actor string `json:"actor"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type OrderItemDTO struct {
	ProductID    string `json:"product_id"`
	Quantity     int64  `json:"quantity"`
	UnitPriceUSD string `json:"unit_price_usd"`
	LineTotalUSD string `json:"line_total_usd"`
}

type OrderDTO struct {
	ID          string         `json:"id"`
	OrderNumber string         `json:"order_number"`
	CustomerID  string         `json:"customer_id"`
	AgentID     string         `json:"agent_id"`
	Kind        string         `json:"kind"`
	Status      string         `json:"status"`
	RateLBP     string         `json:"rate_lbp"`
	TotalUSD    string         `json:"total_usd"`
	TotalLBP    string         `json:"total_lbp"`
	Lines       []OrderItemDTO `json:"lines,omitempty"`
	CreatedAt   string         `json:"created_at"`
}

type OrderEventDTO struct {
	From      string `json:"from,omitempty"`
	To        string `json:"to"`
	Actor     string `json:"actor,omitempty"`
	Note      string `json:"note,omitempty"`
	CreatedAt string `json:"created_at"`
}

type OrderDetailDTO struct {
	OrderDTO
	Events  []OrderEventDTO `json:"events"`
	Invoice *InvoiceDTO     `json:"invoice,omitempty"`
}

type InvoiceDTO struct {
	ID            string  `json:"id"`
	InvoiceNumber string  `json:"invoice_number"`
	OrderID       string  `json:"order_id"`
	CustomerID    string  `json:"customer_id"`
	Status        string  `json:"status"`
	TotalUSD      string  `json:"total_usd"`
	TotalLBP      string  `json:"total_lbp"`
	DiscountUSD   string  `json:"discount_usd"`
	Note          string  `json:"note,omitempty"`
	IssuedAt      string  `json:"issued_at"`
	VoidedAt      *string `json:"voided_at,omitempty"`
}

type BalanceDTO struct {
	TotalUSD     string `json:"total_usd"`
	TotalLBP     string `json:"total_lbp"`
	PaidUSD      string `json:"paid_usd"`
	PaidLBP      string `json:"paid_lbp"`
	RemainingUSD string `json:"remaining_usd"`
	RemainingLBP string `json:"remaining_lbp"`
	Settled      bool   `json:"settled"`
	PaymentCount int    `json:"payment_count"`
}

type PaymentDTO struct {
	ID         string `json:"id"`
	InvoiceID  string `json:"invoice_id"`
	CustomerID string `json:"customer_id"`
	Method     string `json:"method"`
	AmountUSD  string `json:"amount_usd"`
	AmountLBP  string `json:"amount_lbp"`
	RateLBP    string `json:"rate_lbp"`
	ReceivedBy string `json:"received_by,omitempty"`
	ReceivedAt string `json:"received_at"`
	Note       string `json:"note,omitempty"`
}

type InvoiceDetailDTO struct {
	InvoiceDTO
	Payments []PaymentDTO `json:"payments"`
	Balance  BalanceDTO   `json:"balance"`
}

type PaymentResultDTO struct {
	Payment PaymentDTO `json:"payment"`
	Balance BalanceDTO `json:"balance"`
}

type AllocationDTO struct {
	InvoiceID     string       `json:"invoice_id"`
	InvoiceNumber string       `json:"invoice_number"`
	AppliedUSD    string       `json:"applied_usd"`
	Payments      []PaymentDTO `json:"payments"`
	Balance       BalanceDTO   `json:"balance"`
}

type AllocationResultDTO struct {
	CustomerID      string          `json:"customer_id"`
	RateLBP         string          `json:"rate_lbp"`
	TotalPaymentUSD string          `json:"total_payment_usd"`
	Allocations     []AllocationDTO `json:"allocations"`
	CreditedLBP     string          `json:"credited_lbp"`
}

type CheckoutResponse struct {
	Order      OrderDTO             `json:"order"`
	Invoice    InvoiceDTO           `json:"invoice"`
	Balance    BalanceDTO           `json:"balance"`
	Allocation *AllocationResultDTO `json:"allocation,omitempty"`
	Payment    *PaymentResultDTO    `json:"payment,omitempty"`
}

type AccountDTO struct {
	CustomerID     string             `json:"customer_id"`
	Name           string             `json:"name"`
	AgentID        string             `json:"agent_id"`
	BalanceLBP     string             `json:"balance_lbp"`
	CreditLBP      string             `json:"credit_lbp"`
	OutstandingUSD string             `json:"outstanding_usd"`
	OpenInvoices   []InvoiceDetailDTO `json:"open_invoices"`
}

type RateDTO struct {
	ID            string `json:"id"`
	LBPPerUSD     string `json:"lbp_per_usd"`
	EffectiveDate string `json:"effective_date"`
	Note          string `json:"note,omitempty"`
}

type StockLineDTO struct {
	ProductID string `json:"product_id"`
	QtyOnHand int64  `json:"qty_on_hand"`
}

type MovementDTO struct {
	ID          string `json:"id"`
	ProductID   string `json:"product_id"`
	Delta       int64  `json:"delta"`
	Reason      string `json:"reason"`
	ReferenceID string `json:"reference_id,omitempty"`
	Note        string `json:"note,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type TransferItemDTO struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

// TransferDTO never carries the OTPs; they are only returned on creation.
type TransferDTO struct {
	ID                      string            `json:"id"`
	Direction               string            `json:"direction"`
	AgentID                 string            `json:"agent_id"`
	State                   string            `json:"state"`
	Items                   []TransferItemDTO `json:"items"`
	ExpiresAt               string            `json:"expires_at"`
	AgentConfirmedAt        *string           `json:"agent_confirmed_at,omitempty"`
	CounterpartyConfirmedAt *string           `json:"counterparty_confirmed_at,omitempty"`
	CompletedAt             *string           `json:"completed_at,omitempty"`
	CancelledAt             *string           `json:"cancelled_at,omitempty"`
	CancelledBy             string            `json:"cancelled_by,omitempty"`
	Note                    string            `json:"note,omitempty"`
	CreatedAt               string            `json:"created_at"`
}

type TransferCreatedDTO struct {
	TransferDTO
	AgentOTP        string `json:"agent_otp"`
	CounterpartyOTP string `json:"counterparty_otp"`
}

type ConfirmTransferResponse struct {
	Transfer TransferDTO `json:"transfer"`
	Applied  bool        `json:"applied"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func usd(d decimal.Decimal) string { return d.StringFixed(2) }
func lbp(d decimal.Decimal) string { return d.StringFixed(0) }

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toOrderDTO(o core.Order) OrderDTO {
	dto := OrderDTO{
		ID:          string(o.ID),
		OrderNumber: o.OrderNumber,
		CustomerID:  string(o.CustomerID),
		AgentID:     string(o.AgentID),
		Kind:        string(o.Kind),
		Status:      string(o.Status),
		RateLBP:     o.RateLBP.String(),
		TotalUSD:    usd(o.TotalUSD),
		TotalLBP:    lbp(o.TotalLBP),
		CreatedAt:   formatTime(o.CreatedAt),
	}
	for _, l := range o.Lines {
		dto.Lines = append(dto.Lines, OrderItemDTO{
			ProductID:    string(l.ProductID),
			Quantity:     l.Quantity,
			UnitPriceUSD: usd(l.UnitPriceUSD),
			LineTotalUSD: usd(l.LineTotalUSD),
		})
	}
	return dto
}

func toOrderDetailDTO(v *ledger.OrderView) OrderDetailDTO {
	dto := OrderDetailDTO{OrderDTO: toOrderDTO(v.Order), Events: []OrderEventDTO{}}
	for _, e := range v.Events {
		dto.Events = append(dto.Events, OrderEventDTO{
			From:      string(e.From),
			To:        string(e.To),
			Actor:     e.Actor,
			Note:      e.Note,
			CreatedAt: formatTime(e.CreatedAt),
		})
	}
	if v.Invoice != nil {
		inv := toInvoiceDTO(*v.Invoice)
		dto.Invoice = &inv
	}
	return dto
}

func toInvoiceDTO(inv core.Invoice) InvoiceDTO {
	return InvoiceDTO{
		ID:            string(inv.ID),
		InvoiceNumber: inv.InvoiceNumber,
		OrderID:       string(inv.OrderID),
		CustomerID:    string(inv.CustomerID),
		Status:        string(inv.Status),
		TotalUSD:      usd(inv.TotalUSD),
		TotalLBP:      lbp(inv.TotalLBP),
		DiscountUSD:   usd(inv.DiscountUSD),
		Note:          inv.Note,
		IssuedAt:      formatTime(inv.IssuedAt),
		VoidedAt:      formatTimePtr(inv.VoidedAt),
	}
}

func toBalanceDTO(b core.InvoiceBalance) BalanceDTO {
	return BalanceDTO{
		TotalUSD:     usd(b.TotalUSD),
		TotalLBP:     lbp(b.TotalLBP),
		PaidUSD:      usd(b.PaidUSD),
		PaidLBP:      lbp(b.PaidLBP),
		RemainingUSD: usd(b.RemainingUSD),
		RemainingLBP: lbp(b.RemainingLBP),
		Settled:      b.Settled,
		PaymentCount: b.PaymentCount,
	}
}

func toPaymentDTO(p core.Payment) PaymentDTO {
	return PaymentDTO{
		ID:         string(p.ID),
		InvoiceID:  string(p.InvoiceID),
		CustomerID: string(p.CustomerID),
		Method:     string(p.Method),
		AmountUSD:  usd(p.AmountUSD),
		AmountLBP:  lbp(p.AmountLBP),
		RateLBP:    p.RateLBP.String(),
		ReceivedBy: p.ReceivedBy,
		ReceivedAt: formatTime(p.ReceivedAt),
		Note:       p.Note,
	}
}

func toPaymentDTOs(payments []core.Payment) []PaymentDTO {
	dtos := make([]PaymentDTO, len(payments))
	for i, p := range payments {
		dtos[i] = toPaymentDTO(p)
	}
	return dtos
}

func toInvoiceDetailDTO(v ledger.InvoiceView) InvoiceDetailDTO {
	return InvoiceDetailDTO{
		InvoiceDTO: toInvoiceDTO(v.Invoice),
		Payments:   toPaymentDTOs(v.Payments),
		Balance:    toBalanceDTO(v.Balance),
	}
}

func toPaymentResultDTO(r *ledger.PaymentResult) *PaymentResultDTO {
	if r == nil {
		return nil
	}
	return &PaymentResultDTO{Payment: toPaymentDTO(r.Payment), Balance: toBalanceDTO(r.Balance)}
}

func toAllocationResultDTO(r *ledger.AllocationResult) *AllocationResultDTO {
	if r == nil {
		return nil
	}
	dto := &AllocationResultDTO{
		CustomerID:      string(r.CustomerID),
		RateLBP:         r.RateLBP.String(),
		TotalPaymentUSD: usd(r.TotalPaymentUSD),
		Allocations:     []AllocationDTO{},
		CreditedLBP:     lbp(r.CreditedLBP),
	}
	for _, a := range r.Allocations {
		dto.Allocations = append(dto.Allocations, AllocationDTO{
			InvoiceID:     string(a.InvoiceID),
			InvoiceNumber: a.InvoiceNumber,
			AppliedUSD:    usd(a.AppliedUSD),
			Payments:      toPaymentDTOs(a.Payments),
			Balance:       toBalanceDTO(a.Balance),
		})
	}
	return dto
}

func toAccountDTO(a *ledger.Account) AccountDTO {
	dto := AccountDTO{
		CustomerID:     string(a.Customer.ID),
		Name:           a.Customer.Name,
		AgentID:        string(a.Customer.AgentID),
		BalanceLBP:     lbp(a.Customer.BalanceLBP),
		CreditLBP:      lbp(a.CreditLBP),
		OutstandingUSD: usd(a.OutstandingUSD),
		OpenInvoices:   []InvoiceDetailDTO{},
	}
	for _, v := range a.OpenInvoices {
		dto.OpenInvoices = append(dto.OpenInvoices, toInvoiceDetailDTO(v))
	}
	return dto
}

func toRateDTO(r core.Rate) RateDTO {
	return RateDTO{
		ID:            string(r.ID),
		LBPPerUSD:     r.LBPPerUSD.String(),
		EffectiveDate: formatTime(r.EffectiveDate),
		Note:          r.Note,
	}
}

func toTransferDTO(v stock.TransferView) TransferDTO {
	req := v.Request
	dto := TransferDTO{
		ID:                      string(req.ID),
		Direction:               string(req.Direction),
		AgentID:                 string(req.InitiatorAgentID),
		State:                   string(v.State),
		Items:                   make([]TransferItemDTO, len(req.Items)),
		ExpiresAt:               formatTime(req.ExpiresAt),
		AgentConfirmedAt:        formatTimePtr(req.AgentConfirmedAt),
		CounterpartyConfirmedAt: formatTimePtr(req.CounterpartyConfirmedAt),
		CompletedAt:             formatTimePtr(req.CompletedAt),
		CancelledAt:             formatTimePtr(req.CancelledAt),
		CancelledBy:             req.CancelledBy,
		Note:                    req.Note,
		CreatedAt:               formatTime(req.CreatedAt),
	}
	for i, item := range req.Items {
		dto.Items[i] = TransferItemDTO{ProductID: string(item.ProductID), Quantity: item.Quantity}
	}
	return dto
}
