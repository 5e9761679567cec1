/*
handlers.go - HTTP API handlers for the van sales ledger

PURPOSE:
  Exposes orders, invoices, payments, exchange rates, stock and transfers
  over REST. Handlers decode and validate the request, call one ledger or
  stock operation and serialize the result. No business rule lives here.

ENDPOINTS:
  Orders:
    POST   /api/orders                     Checkout (order + invoice + optional payment)
    GET    /api/orders                     List orders (filters in query)
    GET    /api/orders/{id}                Order with events and invoice
    POST   /api/orders/{id}/status         Status transition

  Invoices:
    GET    /api/invoices                   List invoices (filters in query)
    GET    /api/invoices/{id}              Invoice with payments and balance
    POST   /api/invoices/{id}/payments     Record one payment
    POST   /api/invoices/{id}/credit       Pay from customer credit
    POST   /api/invoices/{id}/void         Void an unpaid invoice

  Customers:
    POST   /api/customers/{id}/payments    Collect cash, allocate oldest first
    GET    /api/customers/{id}/account     Open invoices and credit

  Rates:
    GET    /api/rates/current              Active USD->LBP rate
    GET    /api/rates                      Rate history
    POST   /api/rates                      Set a new rate

  Stock:
    GET    /api/stock/{agentId}            On-hand quantities
    GET    /api/stock/{agentId}/movements  Movement audit trail
    POST   /api/stock/receipts             Goods receipt

  Transfers:
    POST   /api/transfers                  Open a two-party transfer
    GET    /api/transfers/{id}             Transfer with computed state
    POST   /api/transfers/{id}/confirm     Confirm with the other side's code
    POST   /api/transfers/{id}/cancel      Cancel before any confirmation
    GET    /api/agents/{id}/transfers      Agent's pending transfers

ERROR HANDLING:
  Typed errors from core map to HTTP status:
  - 400: Malformed body, failed struct validation
  - 422: Domain validation (core.ErrValidation)
  - 404: Unknown entity
  - 409: Conflict, insufficient stock, transfer already completed
  - 410: Transfer expired
  - 503: No exchange rate configured
  - 500: Everything else; the cause is logged, not returned

SECURITY NOTE:
  No authentication. Deploy behind a gateway that authenticates agents.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo data loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/warp/van-ledger/core"
	"github.com/warp/van-ledger/ledger"
	"github.com/warp/van-ledger/logging"
	"github.com/warp/van-ledger/stock"
	"github.com/warp/van-ledger/store/sqlite"
	"go.uber.org/zap"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store    *sqlite.Store
	Services Services

	log      *zap.Logger
	validate *validator.Validate

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler over the given store and services.
func NewHandler(store *sqlite.Store, services Services, log *zap.Logger) *Handler {
	return &Handler{
		Store:    store,
		Services: services,
		log:      logging.OrNop(log).Named("api"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// =============================================================================
// ORDER HANDLERS
// =============================================================================

// Checkout records a sale.
// POST /api/orders
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if !h.decode(w, r, &req) {
		return
	}

	in := ledger.CheckoutInput{
		Order: ledger.OrderInput{
			CustomerID: core.CustomerID(req.CustomerID),
			AgentID:    core.AgentID(req.AgentID),
			Kind:       core.OrderKind(req.Kind),
			Actor:      req.Actor,
			Note:       req.Note,
		},
	}
	for _, l := range req.Lines {
		in.Order.Lines = append(in.Order.Lines, core.OrderLine{ProductID: core.ProductID(l.ProductID), Quantity: l.Quantity})
	}
	if p := req.Payment; p != nil {
		in.Payment = &ledger.CheckoutPayment{
			Mode:       p.Mode,
			Method:     core.PaymentMethod(p.Method),
			AmountUSD:  p.AmountUSD,
			AmountLBP:  p.AmountLBP,
			ReceivedBy: p.ReceivedBy,
		}
	}

	result, err := h.Services.Ledger.Checkout(r.Context(), in)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, CheckoutResponse{
		Order:      toOrderDTO(result.Order),
		Invoice:    toInvoiceDTO(result.Invoice),
		Balance:    toBalanceDTO(result.Balance),
		Allocation: toAllocationResultDTO(result.Allocation),
		Payment:    toPaymentResultDTO(result.Payment),
	})
}

// ListOrders returns orders, newest first.
// GET /api/orders?status=on_hold,approved&customer_id=&agent_id=&kind=&from=&to=&limit=
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := core.OrderFilter{
		CustomerID: core.CustomerID(q.Get("customer_id")),
		AgentID:    core.AgentID(q.Get("agent_id")),
		Kind:       core.OrderKind(q.Get("kind")),
	}
	for _, s := range splitList(q.Get("status")) {
		filter.Statuses = append(filter.Statuses, core.OrderStatus(s))
	}
	var err error
	if filter.From, filter.To, filter.Limit, err = parseRange(q.Get("from"), q.Get("to"), q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query", err)
		return
	}

	orders, err := h.Services.Ledger.ListOrders(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	dtos := make([]OrderDTO, len(orders))
	for i, o := range orders {
		dtos[i] = toOrderDTO(o)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetOrder returns an order with its status history and invoice.
// GET /api/orders/{id}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	view, err := h.Services.Ledger.GetOrder(r.Context(), core.OrderID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDetailDTO(view))
}

// ChangeOrderStatus moves an order along its lifecycle.
// POST /api/orders/{id}/status
func (h *Handler) ChangeOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusChangeRequest
	if !h.decode(w, r, &req) {
		return
	}

	order, err := h.Services.Ledger.TransitionOrder(r.Context(),
		core.OrderID(chi.URLParam(r, "id")), core.OrderStatus(req.Status), req.Actor, req.Note)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(*order))
}

// =============================================================================
// INVOICE HANDLERS
// =============================================================================

// ListInvoices returns invoices, newest first.
// GET /api/invoices?status=issued&customer_id=&agent_id=&from=&to=&limit=
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := core.InvoiceFilter{
		CustomerID: core.CustomerID(q.Get("customer_id")),
		AgentID:    core.AgentID(q.Get("agent_id")),
	}
	for _, s := range splitList(q.Get("status")) {
		filter.Statuses = append(filter.Statuses, core.InvoiceStatus(s))
	}
	var err error
	if filter.From, filter.To, filter.Limit, err = parseRange(q.Get("from"), q.Get("to"), q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query", err)
		return
	}

	invoices, err := h.Services.Ledger.ListInvoices(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	dtos := make([]InvoiceDTO, len(invoices))
	for i, inv := range invoices {
		dtos[i] = toInvoiceDTO(inv)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetInvoice returns an invoice with its payments and balance.
// GET /api/invoices/{id}
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	view, err := h.Services.Ledger.GetInvoice(r.Context(), core.InvoiceID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDetailDTO(*view))
}

// PayInvoice records a single payment against one invoice.
// POST /api/invoices/{id}/payments
func (h *Handler) PayInvoice(w http.ResponseWriter, r *http.Request) {
	var req PayInvoiceRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.Services.Payments.PayInvoice(r.Context(), ledger.ManualPaymentInput{
		InvoiceID:  core.InvoiceID(chi.URLParam(r, "id")),
		CustomerID: core.CustomerID(req.CustomerID),
		Method:     core.PaymentMethod(req.Method),
		AmountUSD:  req.AmountUSD,
		AmountLBP:  req.AmountLBP,
		ReceivedBy: req.ReceivedBy,
		Note:       req.Note,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentResultDTO(result))
}

// ApplyCredit pays an invoice from the customer's prepaid credit.
// POST /api/invoices/{id}/credit
func (h *Handler) ApplyCredit(w http.ResponseWriter, r *http.Request) {
	var req ApplyCreditRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.Services.Payments.ApplyCredit(r.Context(), ledger.CreditInput{
		InvoiceID:  core.InvoiceID(chi.URLParam(r, "id")),
		CustomerID: core.CustomerID(req.CustomerID),
		AmountUSD:  req.AmountUSD,
		ReceivedBy: req.ReceivedBy,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentResultDTO(result))
}

// VoidInvoice voids an invoice without payments.
// POST /api/invoices/{id}/void
func (h *Handler) VoidInvoice(w http.ResponseWriter, r *http.Request) {
	var req VoidInvoiceRequest
	if !h.decode(w, r, &req) {
		return
	}

	inv, err := h.Services.Ledger.VoidInvoice(r.Context(), core.InvoiceID(chi.URLParam(r, "id")), req.Actor, req.Reason)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(*inv))
}

// =============================================================================
// CUSTOMER HANDLERS
// =============================================================================

// CollectPayment spreads a cash collection over the customer's open invoices.
// POST /api/customers/{id}/payments
func (h *Handler) CollectPayment(w http.ResponseWriter, r *http.Request) {
	var req CollectPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.Services.Payments.Apply(r.Context(), ledger.ApplyInput{
		CustomerID: core.CustomerID(chi.URLParam(r, "id")),
		AmountUSD:  req.AmountUSD,
		AmountLBP:  req.AmountLBP,
		ReceivedBy: req.ReceivedBy,
		Note:       req.Note,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAllocationResultDTO(result))
}

// GetAccount returns what a customer owes and holds.
// GET /api/customers/{id}/account
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.Services.Payments.Account(r.Context(), core.CustomerID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(account))
}

// =============================================================================
// RATE HANDLERS
// =============================================================================

// GetCurrentRate returns the active rate, 503 when none is configured.
// GET /api/rates/current
func (h *Handler) GetCurrentRate(w http.ResponseWriter, r *http.Request) {
	rate, err := h.Services.Rates.Current(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRateDTO(rate))
}

// ListRates returns the rate history, newest first.
// GET /api/rates?limit=
func (h *Handler) ListRates(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	rates, err := h.Services.Rates.History(r.Context(), limit)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]RateDTO, len(rates))
	for i, rate := range rates {
		dtos[i] = toRateDTO(rate)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SetRate records a new rate. Orders already placed keep their own.
// POST /api/rates
func (h *Handler) SetRate(w http.ResponseWriter, r *http.Request) {
	var req SetRateRequest
	if !h.decode(w, r, &req) {
		return
	}

	var effective time.Time
	if req.EffectiveDate != "" {
		// Format already checked by the datetime tag.
		effective, _ = time.Parse(time.RFC3339, req.EffectiveDate)
	}

	rate, err := h.Services.Rates.SetRate(r.Context(), req.LBPPerUSD, effective, req.Note)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRateDTO(rate))
}

// =============================================================================
// STOCK HANDLERS
// =============================================================================

// GetStock lists on-hand quantities of a holder ("warehouse" or an agent).
// GET /api/stock/{agentId}
func (h *Handler) GetStock(w http.ResponseWriter, r *http.Request) {
	lines, err := h.Services.Stock.OnHand(r.Context(), core.AgentID(chi.URLParam(r, "agentId")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]StockLineDTO, len(lines))
	for i, l := range lines {
		dtos[i] = StockLineDTO{ProductID: string(l.ProductID), QtyOnHand: l.QtyOnHand}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListMovements returns a holder's movement trail, newest first.
// GET /api/stock/{agentId}/movements?product_id=&limit=
func (h *Handler) ListMovements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}

	movements, err := h.Services.Stock.Movements(r.Context(),
		core.AgentID(chi.URLParam(r, "agentId")), core.ProductID(q.Get("product_id")), limit)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]MovementDTO, len(movements))
	for i, m := range movements {
		dtos[i] = MovementDTO{
			ID:          m.ID,
			ProductID:   string(m.ProductID),
			Delta:       m.Delta,
			Reason:      string(m.Reason),
			ReferenceID: m.ReferenceID,
			Note:        m.Note,
			CreatedAt:   formatTime(m.CreatedAt),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ReceiveStock books incoming goods, into the warehouse unless a holder is given.
// POST /api/stock/receipts
func (h *Handler) ReceiveStock(w http.ResponseWriter, r *http.Request) {
	var req ReceiptRequest
	if !h.decode(w, r, &req) {
		return
	}

	in := stock.ReceiptInput{
		HolderID:   core.AgentID(req.HolderID),
		ProductID:  core.ProductID(req.ProductID),
		Quantity:   req.Quantity,
		ReceivedBy: req.ReceivedBy,
		Note:       req.Note,
	}
	if err := h.Services.Stock.Receive(r.Context(), in); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"status": "received", "product_id": req.ProductID, "quantity": req.Quantity})
}

// =============================================================================
// TRANSFER HANDLERS
// =============================================================================

// CreateTransfer opens a transfer and returns both one-time codes.
// POST /api/transfers
func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	var req CreateTransferRequest
	if !h.decode(w, r, &req) {
		return
	}

	in := stock.TransferInput{
		Direction:        core.TransferDirection(req.Direction),
		InitiatorAgentID: core.AgentID(req.AgentID),
		Note:             req.Note,
	}
	for _, item := range req.Items {
		in.Items = append(in.Items, core.TransferItem{ProductID: core.ProductID(item.ProductID), Quantity: item.Quantity})
	}

	created, err := h.Services.Transfers.Create(r.Context(), in)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, TransferCreatedDTO{
		TransferDTO:     toTransferDTO(stock.TransferView{Request: *created, State: core.TransferCreated}),
		AgentOTP:        created.AgentOTP,
		CounterpartyOTP: created.CounterpartyOTP,
	})
}

// GetTransfer returns a transfer with its state at read time.
// GET /api/transfers/{id}
func (h *Handler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	view, err := h.Services.Transfers.Get(r.Context(), core.TransferID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransferDTO(*view))
}

// ConfirmTransfer records one side's confirmation.
// POST /api/transfers/{id}/confirm
func (h *Handler) ConfirmTransfer(w http.ResponseWriter, r *http.Request) {
	var req ConfirmTransferRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.Services.Transfers.Confirm(r.Context(),
		core.TransferID(chi.URLParam(r, "id")), core.Party(req.Party), req.OTP)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ConfirmTransferResponse{
		Transfer: toTransferDTO(result.TransferView),
		Applied:  result.Applied,
	})
}

// CancelTransfer withdraws a transfer nobody confirmed yet.
// POST /api/transfers/{id}/cancel
func (h *Handler) CancelTransfer(w http.ResponseWriter, r *http.Request) {
	var req CancelTransferRequest
	if r.ContentLength > 0 && !h.decode(w, r, &req) {
		return
	}

	view, err := h.Services.Transfers.Cancel(r.Context(), core.TransferID(chi.URLParam(r, "id")), req.Actor)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransferDTO(*view))
}

// ListAgentTransfers returns an agent's transfers that can still change.
// GET /api/agents/{id}/transfers
func (h *Handler) ListAgentTransfers(w http.ResponseWriter, r *http.Request) {
	views, err := h.Services.Transfers.ListPending(r.Context(), core.AgentID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]TransferDTO, len(views))
	for i, v := range views {
		dtos[i] = toTransferDTO(v)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads and validates a JSON body. It writes the error response and
// returns false when the request cannot be used.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			details := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				details[fe.Namespace()] = fe.Tag()
			}
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Code: "validation", Details: details})
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps a core error to its HTTP status.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *core.ValidationError
		conflict   *core.ConflictError
		stockErr   *core.InsufficientStockError
		config     *core.ConfigurationError
	)

	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:   validation.Message,
			Code:    "validation",
			Details: map[string]string{"field": validation.Field},
		})
	case errors.Is(err, core.ErrNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "not_found"})
	case errors.As(err, &stockErr):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error: err.Error(),
			Code:  core.CodeInsufficientStock,
			Details: map[string]any{
				"holder_id":  stockErr.HolderID,
				"product_id": stockErr.ProductID,
				"available":  stockErr.Available,
				"requested":  stockErr.Requested,
			},
		})
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: conflict.Message, Code: conflict.Code})
	case errors.Is(err, core.ErrAlreadyCompleted):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "already_completed"})
	case errors.Is(err, core.ErrExpired):
		writeJSON(w, http.StatusGone, ErrorResponse{Error: err.Error(), Code: "expired"})
	case errors.As(err, &config):
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: config.Message, Code: "not_configured", Details: config.Setting})
	default:
		h.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Internal error"})
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseTime accepts RFC3339 or a bare date (midnight UTC).
func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseLimit(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}

func parseRange(from, to, limit string) (*time.Time, *time.Time, int, error) {
	f, err := parseTime(from)
	if err != nil {
		return nil, nil, 0, err
	}
	t, err := parseTime(to)
	if err != nil {
		return nil, nil, 0, err
	}
	n, err := parseLimit(limit)
	if err != nil {
		return nil, nil, 0, err
	}
	return f, t, n, nil
}
