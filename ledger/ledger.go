/*
Package ledger implements the order, invoice and payment side of the van
distribution system.

PURPOSE:
  Records sales in two currencies. USD is the currency of record; LBP is
  derived once, at order creation, from the exchange rate in force and then
  frozen on the order. Invoices are issued 1:1 from orders; payments are
  allocated to invoices oldest first, and any overpayment becomes prepaid
  customer credit.

KEY CONCEPTS:
  - Ledger:            orders, invoices, status transitions, checkout
  - PaymentAllocator:  auto-allocation, manual payment, paying from credit
  - RateProvider:      the active USD->LBP rate (no fallback)
  - SequenceAllocator: {customer}-{agent}-{n} document numbers

MONEY RULES:
  USD is rounded to cents, LBP to whole pounds.
  Order:   total_lbp = total_usd x rate, frozen
  Invoice: if total_usd >= floor and has cents, the cents are waived once,
           at issuance; total_lbp = invoice total_usd x order rate
  Settled: remaining USD OR remaining LBP below epsilon

TRANSACTIONS:
  Every public method runs in one Store.WithTx. The unexported *Tx variants
  take an open core.Tx so Checkout can create the order, issue the invoice
  and take a payment as a single unit.

SEE ALSO:
  - core/types.go: Money helpers and InvoiceBalance
  - stock/ledger.go: Van sales debit stock here
*/
package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/van-ledger/core"
	"github.com/warp/van-ledger/logging"
	"github.com/warp/van-ledger/metrics"
	"github.com/warp/van-ledger/stock"
	"go.uber.org/zap"
)

// =============================================================================
// OPTIONS
// =============================================================================

var (
	DefaultCentsDiscountFloorUSD = decimal.NewFromInt(20)
	DefaultPaymentEpsilon        = decimal.RequireFromString("0.01")
)

type Options struct {
	Clock   core.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	// CentsDiscountFloorUSD is the smallest invoice total whose cents are waived.
	CentsDiscountFloorUSD decimal.Decimal
	// PaymentEpsilon is the remainder below which an invoice counts as paid.
	PaymentEpsilon      decimal.Decimal
	SequenceMaxAttempts int
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = core.SystemClock{}
	}
	o.Logger = logging.OrNop(o.Logger)
	if !o.CentsDiscountFloorUSD.IsPositive() {
		o.CentsDiscountFloorUSD = DefaultCentsDiscountFloorUSD
	}
	if !o.PaymentEpsilon.IsPositive() {
		o.PaymentEpsilon = DefaultPaymentEpsilon
	}
	if o.SequenceMaxAttempts <= 0 {
		o.SequenceMaxAttempts = defaultSequenceAttempts
	}
	return o
}

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store    core.Store
	rates    *RateProvider
	seq      *SequenceAllocator
	stock    *stock.Ledger
	payments *PaymentAllocator
	opts     Options
	log      *zap.Logger
}

func New(store core.Store, rates *RateProvider, stockLedger *stock.Ledger, payments *PaymentAllocator, opts Options) *Ledger {
	opts = opts.withDefaults()
	log := opts.Logger.Named("ledger")
	return &Ledger{
		store:    store,
		rates:    rates,
		seq:      NewSequenceAllocator(opts.SequenceMaxAttempts, log),
		stock:    stockLedger,
		payments: payments,
		opts:     opts,
		log:      log,
	}
}

// OrderInput is a request to record a sale.
type OrderInput struct {
	CustomerID core.CustomerID
	AgentID    core.AgentID
	Kind       core.OrderKind
	Lines      []core.OrderLine
	Actor      string
	Note       string
}

// CreateOrder records an order at the current rate. Van orders debit the
// agent's stock in the same transaction and are delivered on the spot;
// company orders start on hold.
func (l *Ledger) CreateOrder(ctx context.Context, in OrderInput) (*core.Order, error) {
	var order *core.Order
	err := l.store.WithTx(ctx, func(tx core.Tx) error {
		var err error
		order, err = l.createOrderTx(ctx, tx, in)
		return err
	})
	if err != nil {
		return nil, l.reject("create_order", err)
	}
	l.orderCreated(order)
	return order, nil
}

func (l *Ledger) createOrderTx(ctx context.Context, tx core.Tx, in OrderInput) (*core.Order, error) {
	kind := in.Kind
	if kind == "" {
		kind = core.OrderKindVan
	}
	if kind != core.OrderKindVan && kind != core.OrderKindCompany {
		return nil, core.Invalid("kind", "must be van or company, got %q", kind)
	}
	if err := l.checkCustomer(ctx, tx, in.CustomerID, in.AgentID); err != nil {
		return nil, err
	}
	lines, err := mergeLines(in.Lines)
	if err != nil {
		return nil, err
	}

	rate, err := l.rates.CurrentRate(ctx, tx)
	if err != nil {
		return nil, err
	}

	order := core.Order{
		ID:         core.OrderID(uuid.NewString()),
		CustomerID: in.CustomerID,
		AgentID:    in.AgentID,
		Kind:       kind,
		Status:     core.OrderOnHold,
		RateID:     rate.ID,
		RateLBP:    rate.LBPPerUSD,
		TotalUSD:   decimal.Zero,
		CreatedAt:  l.opts.Clock.Now(),
	}
	if kind == core.OrderKindVan {
		order.Status = core.OrderDelivered
	}

	for _, line := range lines {
		product, err := tx.GetProduct(ctx, line.ProductID)
		if err != nil {
			return nil, err
		}
		if product == nil {
			return nil, core.Invalid("lines", "product %s does not exist", line.ProductID)
		}
		if !product.Active {
			return nil, core.Invalid("lines", "product %s is not active", line.ProductID)
		}
		lineTotal := core.RoundUSD(product.PriceUSD.Mul(decimal.NewFromInt(line.Quantity)))
		order.Lines = append(order.Lines, core.OrderItem{
			ProductID:    line.ProductID,
			Quantity:     line.Quantity,
			UnitPriceUSD: product.PriceUSD,
			LineTotalUSD: lineTotal,
		})
		order.TotalUSD = order.TotalUSD.Add(lineTotal)
	}
	order.TotalUSD = core.RoundUSD(order.TotalUSD)
	order.TotalLBP = core.ToLBP(order.TotalUSD, rate)

	order.OrderNumber, err = l.seq.Allocate(ctx, tx, ScopeOrder, in.CustomerID, in.AgentID, func(number string) error {
		order.OrderNumber = number
		return tx.InsertOrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}

	err = tx.InsertOrderEvent(ctx, core.OrderStatusEvent{
		OrderID:   order.ID,
		To:        order.Status,
		Actor:     in.Actor,
		Note:      in.Note,
		CreatedAt: order.CreatedAt,
	})
	if err != nil {
		return nil, err
	}

	if kind == core.OrderKindVan {
		for _, item := range order.Lines {
			err := l.stock.Debit(ctx, tx, stock.Movement{
				HolderID:    in.AgentID,
				ProductID:   item.ProductID,
				Quantity:    item.Quantity,
				Reason:      core.ReasonSale,
				ReferenceID: string(order.ID),
			})
			if err != nil {
				return nil, err
			}
		}
	}

	return &order, nil
}

func (l *Ledger) checkCustomer(ctx context.Context, tx core.Tx, customerID core.CustomerID, agentID core.AgentID) error {
	if customerID == "" {
		return core.Invalid("customer_id", "is required")
	}
	if agentID == "" {
		return core.Invalid("agent_id", "is required")
	}
	customer, err := tx.GetCustomer(ctx, customerID)
	if err != nil {
		return err
	}
	if customer == nil {
		return core.Invalid("customer_id", "customer %s does not exist", customerID)
	}
	if customer.AgentID != agentID {
		return core.Invalid("customer_id", "customer %s is not assigned to agent %s", customerID, agentID)
	}
	return nil
}

// mergeLines validates requested lines and folds repeated products together.
func mergeLines(lines []core.OrderLine) ([]core.OrderLine, error) {
	if len(lines) == 0 {
		return nil, core.Invalid("lines", "at least one line is required")
	}
	index := make(map[core.ProductID]int, len(lines))
	var merged []core.OrderLine
	for _, line := range lines {
		if line.ProductID == "" {
			return nil, core.Invalid("lines", "product_id is required")
		}
		if line.Quantity <= 0 {
			return nil, core.Invalid("lines", "quantity for %s must be positive, got %d", line.ProductID, line.Quantity)
		}
		if i, ok := index[line.ProductID]; ok {
			merged[i].Quantity += line.Quantity
			continue
		}
		index[line.ProductID] = len(merged)
		merged = append(merged, line)
	}
	return merged, nil
}

// =============================================================================
// INVOICES
// =============================================================================

// IssueInvoice issues the invoice of an order. An order has at most one.
func (l *Ledger) IssueInvoice(ctx context.Context, orderID core.OrderID) (*core.Invoice, error) {
	var inv *core.Invoice
	err := l.store.WithTx(ctx, func(tx core.Tx) error {
		var err error
		inv, err = l.issueInvoiceTx(ctx, tx, orderID)
		return err
	})
	if err != nil {
		return nil, l.reject("issue_invoice", err)
	}
	l.invoiceIssued(inv)
	return inv, nil
}

func (l *Ledger) issueInvoiceTx(ctx context.Context, tx core.Tx, orderID core.OrderID) (*core.Invoice, error) {
	order, err := tx.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, core.NotFound("order", orderID)
	}
	if order.Status == core.OrderCancelled || order.Status == core.OrderReturned {
		return nil, core.Conflict(core.CodeInvalidTransition, "order %s is %s and cannot be invoiced", orderID, order.Status)
	}
	existing, err := tx.GetInvoiceByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, core.Conflict(core.CodeInvoiceExists, "order %s already has invoice %s", orderID, existing.InvoiceNumber)
	}

	total, discount := l.centsDiscount(order.TotalUSD)
	inv := core.Invoice{
		ID:          core.InvoiceID(uuid.NewString()),
		OrderID:     order.ID,
		CustomerID:  order.CustomerID,
		Status:      core.InvoiceIssued,
		TotalUSD:    total,
		TotalLBP:    core.ToLBP(total, core.Rate{ID: order.RateID, LBPPerUSD: order.RateLBP}),
		RateLBP:     order.RateLBP,
		DiscountUSD: discount,
		IssuedAt:    l.opts.Clock.Now(),
	}
	if discount.IsPositive() {
		inv.Note = fmt.Sprintf("cents discount $%s", discount.StringFixed(2))
	}

	inv.InvoiceNumber, err = l.seq.Allocate(ctx, tx, ScopeInvoice, order.CustomerID, order.AgentID, func(number string) error {
		inv.InvoiceNumber = number
		return tx.InsertInvoice(ctx, inv)
	})
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// centsDiscount waives the fractional dollar of totals at or above the floor.
// It returns the invoice total and the waived amount.
func (l *Ledger) centsDiscount(totalUSD decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	whole := totalUSD.Floor()
	if whole.Equal(totalUSD) || totalUSD.LessThan(l.opts.CentsDiscountFloorUSD) {
		return totalUSD, decimal.Zero
	}
	return whole, totalUSD.Sub(whole)
}

// VoidInvoice voids an issued invoice that has no payments. An order that
// was not delivered yet is cancelled with it.
func (l *Ledger) VoidInvoice(ctx context.Context, id core.InvoiceID, actor, reason string) (*core.Invoice, error) {
	var inv *core.Invoice
	err := l.store.WithTx(ctx, func(tx core.Tx) error {
		var err error
		inv, err = tx.GetInvoice(ctx, id)
		if err != nil {
			return err
		}
		if inv == nil {
			return core.NotFound("invoice", id)
		}
		switch inv.Status {
		case core.InvoiceVoided:
			return core.Conflict(core.CodeInvoiceVoided, "invoice %s is already voided", inv.InvoiceNumber)
		case core.InvoicePaid:
			return core.Conflict(core.CodeInvoicePaid, "invoice %s is paid", inv.InvoiceNumber)
		}

		now := l.opts.Clock.Now()
		ok, err := tx.VoidInvoice(ctx, id, now, reason)
		if err != nil {
			return err
		}
		if !ok {
			return core.Conflict(core.CodeInvoiceHasPayments, "invoice %s has payments and cannot be voided", inv.InvoiceNumber)
		}
		inv.Status = core.InvoiceVoided
		inv.VoidedAt = &now
		if reason != "" {
			inv.Note = reason
		}

		order, err := tx.GetOrder(ctx, inv.OrderID)
		if err != nil {
			return err
		}
		if order == nil {
			return nil
		}
		switch order.Status {
		case core.OrderDelivered, core.OrderCancelled, core.OrderReturned:
			return nil
		}
		return l.moveOrder(ctx, tx, order, core.OrderCancelled, actor, "invoice voided")
	})
	if err != nil {
		return nil, l.reject("void_invoice", err)
	}

	l.log.Info("invoice voided",
		zap.String("invoice_id", string(inv.ID)),
		zap.String("invoice_number", inv.InvoiceNumber),
		zap.String("actor", actor))
	return inv, nil
}

// =============================================================================
// ORDER STATUS
// =============================================================================

var orderTransitions = map[core.OrderStatus][]core.OrderStatus{
	core.OrderOnHold:    {core.OrderApproved, core.OrderCancelled},
	core.OrderApproved:  {core.OrderPreparing, core.OrderCancelled},
	core.OrderPreparing: {core.OrderReady, core.OrderCancelled},
	core.OrderReady:     {core.OrderInTransit, core.OrderCancelled},
	core.OrderInTransit: {core.OrderDelivered, core.OrderReturned},
	core.OrderDelivered: {core.OrderReturned},
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to core.OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionOrder moves an order along its fulfilment lifecycle.
func (l *Ledger) TransitionOrder(ctx context.Context, id core.OrderID, to core.OrderStatus, actor, note string) (*core.Order, error) {
	var order *core.Order
	err := l.store.WithTx(ctx, func(tx core.Tx) error {
		var err error
		order, err = tx.GetOrder(ctx, id)
		if err != nil {
			return err
		}
		if order == nil {
			return core.NotFound("order", id)
		}
		if !CanTransition(order.Status, to) {
			return core.Conflict(core.CodeInvalidTransition, "order %s cannot go from %s to %s", order.OrderNumber, order.Status, to)
		}
		return l.moveOrder(ctx, tx, order, to, actor, note)
	})
	if err != nil {
		return nil, l.reject("transition_order", err)
	}

	l.log.Info("order status changed",
		zap.String("order_id", string(order.ID)),
		zap.String("order_number", order.OrderNumber),
		zap.String("status", string(order.Status)))
	return order, nil
}

// moveOrder applies a status change guarded on the current status and
// appends the event. order is updated in place.
func (l *Ledger) moveOrder(ctx context.Context, tx core.Tx, order *core.Order, to core.OrderStatus, actor, note string) error {
	from := order.Status
	ok, err := tx.UpdateOrderStatus(ctx, order.ID, from, to)
	if err != nil {
		return err
	}
	if !ok {
		return core.Conflict(core.CodeInvalidTransition, "order %s changed concurrently", order.OrderNumber)
	}
	order.Status = to
	return tx.InsertOrderEvent(ctx, core.OrderStatusEvent{
		OrderID:   order.ID,
		From:      from,
		To:        to,
		Actor:     actor,
		Note:      note,
		CreatedAt: l.opts.Clock.Now(),
	})
}

// =============================================================================
// CHECKOUT
// =============================================================================

// Payment modes accepted at checkout.
const (
	PayAuto    = "auto"    // allocate across open invoices, oldest first
	PayInvoice = "invoice" // pay only the invoice being issued
)

type CheckoutPayment struct {
	Mode       string
	Method     core.PaymentMethod // PayInvoice only
	AmountUSD  decimal.Decimal
	AmountLBP  decimal.Decimal
	ReceivedBy string
}

type CheckoutInput struct {
	Order   OrderInput
	Payment *CheckoutPayment
}

type CheckoutResult struct {
	Order      core.Order
	Invoice    core.Invoice
	Allocation *AllocationResult
	Payment    *PaymentResult
	Balance    core.InvoiceBalance
}

// Checkout creates an order, issues its invoice and optionally takes a
// payment. Either everything is recorded or nothing is.
func (l *Ledger) Checkout(ctx context.Context, in CheckoutInput) (*CheckoutResult, error) {
	var result CheckoutResult
	err := l.store.WithTx(ctx, func(tx core.Tx) error {
		order, err := l.createOrderTx(ctx, tx, in.Order)
		if err != nil {
			return err
		}
		inv, err := l.issueInvoiceTx(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		result.Order = *order
		result.Invoice = *inv

		if p := in.Payment; p != nil {
			switch p.Mode {
			case PayAuto, "":
				result.Allocation, err = l.payments.applyTx(ctx, tx, ApplyInput{
					CustomerID: order.CustomerID,
					AmountUSD:  p.AmountUSD,
					AmountLBP:  p.AmountLBP,
					ReceivedBy: p.ReceivedBy,
				})
			case PayInvoice:
				result.Payment, err = l.payments.payInvoiceTx(ctx, tx, ManualPaymentInput{
					InvoiceID:  inv.ID,
					CustomerID: order.CustomerID,
					Method:     p.Method,
					AmountUSD:  p.AmountUSD,
					AmountLBP:  p.AmountLBP,
					ReceivedBy: p.ReceivedBy,
				})
			default:
				return core.Invalid("payment.mode", "must be auto or invoice, got %q", p.Mode)
			}
			if err != nil {
				return err
			}
		}

		current, err := tx.GetInvoice(ctx, inv.ID)
		if err != nil {
			return err
		}
		payments, err := tx.ListPayments(ctx, inv.ID)
		if err != nil {
			return err
		}
		result.Invoice = *current
		result.Balance = core.NewInvoiceBalance(*current, payments, l.opts.PaymentEpsilon)
		return nil
	})
	if err != nil {
		return nil, l.reject("checkout", err)
	}

	l.orderCreated(&result.Order)
	l.invoiceIssued(&result.Invoice)
	if result.Allocation != nil {
		l.payments.allocated(result.Allocation)
	}
	if result.Payment != nil {
		l.payments.recorded(result.Payment.Payment)
	}
	return &result, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// OrderView is an order with its history and invoice, if issued.
type OrderView struct {
	Order   core.Order
	Events  []core.OrderStatusEvent
	Invoice *core.Invoice
}

func (l *Ledger) GetOrder(ctx context.Context, id core.OrderID) (*OrderView, error) {
	var view OrderView
	err := l.store.WithTx(ctx, func(tx core.Tx) error {
		order, err := tx.GetOrder(ctx, id)
		if err != nil {
			return err
		}
		if order == nil {
			return core.NotFound("order", id)
		}
		view.Order = *order
		if view.Events, err = tx.ListOrderEvents(ctx, id); err != nil {
			return err
		}
		view.Invoice, err = tx.GetInvoiceByOrder(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &view, nil
}

// InvoiceView is an invoice with its payments and derived balance.
type InvoiceView struct {
	Invoice  core.Invoice
	Payments []core.Payment
	Balance  core.InvoiceBalance
}

func (l *Ledger) GetInvoice(ctx context.Context, id core.InvoiceID) (*InvoiceView, error) {
	var view InvoiceView
	err := l.store.WithTx(ctx, func(tx core.Tx) error {
		inv, err := tx.GetInvoice(ctx, id)
		if err != nil {
			return err
		}
		if inv == nil {
			return core.NotFound("invoice", id)
		}
		payments, err := tx.ListPayments(ctx, id)
		if err != nil {
			return err
		}
		view = InvoiceView{
			Invoice:  *inv,
			Payments: payments,
			Balance:  core.NewInvoiceBalance(*inv, payments, l.opts.PaymentEpsilon),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &view, nil
}

// InvoiceBalance derives what is paid and outstanding on an invoice.
func (l *Ledger) InvoiceBalance(ctx context.Context, id core.InvoiceID) (core.InvoiceBalance, error) {
	view, err := l.GetInvoice(ctx, id)
	if err != nil {
		return core.InvoiceBalance{}, err
	}
	return view.Balance, nil
}

func (l *Ledger) ListOrders(ctx context.Context, f core.OrderFilter) ([]core.Order, error) {
	var orders []core.Order
	err := l.store.WithTx(ctx, func(tx core.Tx) error {
		var err error
		orders, err = tx.ListOrders(ctx, f)
		return err
	})
	return orders, err
}

func (l *Ledger) ListInvoices(ctx context.Context, f core.InvoiceFilter) ([]core.Invoice, error) {
	var invoices []core.Invoice
	err := l.store.WithTx(ctx, func(tx core.Tx) error {
		var err error
		invoices, err = tx.ListInvoices(ctx, f)
		return err
	})
	return invoices, err
}

// =============================================================================
// OBSERVABILITY
// =============================================================================

func (l *Ledger) orderCreated(o *core.Order) {
	l.opts.Metrics.OrderCreated(string(o.Kind))
	l.log.Info("order created",
		zap.String("order_id", string(o.ID)),
		zap.String("order_number", o.OrderNumber),
		zap.String("customer_id", string(o.CustomerID)),
		zap.String("agent_id", string(o.AgentID)),
		zap.String("kind", string(o.Kind)),
		zap.String("total_usd", o.TotalUSD.StringFixed(2)),
		zap.String("total_lbp", o.TotalLBP.String()),
		zap.String("rate_lbp", o.RateLBP.String()))
}

func (l *Ledger) invoiceIssued(inv *core.Invoice) {
	l.opts.Metrics.InvoiceIssued(inv.DiscountUSD.IsPositive())
	l.log.Info("invoice issued",
		zap.String("invoice_id", string(inv.ID)),
		zap.String("invoice_number", inv.InvoiceNumber),
		zap.String("total_usd", inv.TotalUSD.StringFixed(2)),
		zap.String("discount_usd", inv.DiscountUSD.StringFixed(2)))
}

func (l *Ledger) reject(op string, err error) error {
	return reject(l.log, l.opts.Metrics, op, err)
}

func reject(log *zap.Logger, m *metrics.Metrics, op string, err error) error {
	kind := core.Kind(err)
	m.DomainError(op, kind)
	if core.IsClientError(err) {
		log.Warn(op+" rejected", zap.String("kind", kind), zap.Error(err))
	} else {
		log.Error(op+" failed", zap.Error(err))
	}
	return err
}
