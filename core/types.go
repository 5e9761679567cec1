/*
Package core provides the shared domain model of the distribution ledger.

PURPOSE:
  This package contains the types every other package speaks: identifiers,
  dual-currency money, exchange rates, order/invoice/payment records, stock
  movements and transfer requests. It holds no persistence and no business
  workflow; those live in ledger/, stock/ and store/sqlite/.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: USD is authoritative, LBP is derived at a frozen rate
  - Rate: the single active USD->LBP conversion factor
  - Order / Invoice / Payment: append-mostly ledger records
  - InvoiceBalance: derived paid/outstanding, never stored

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal everywhere, no float64 money
  2. Type Safety: distinct ID types so a customer id can't be passed as an agent id
  3. One rounding rule: USD to cents, LBP to whole pounds

USAGE:
  usd := core.USD("23.40")
  lbp := core.ToLBP(usd, rate)           // frozen at creation
  back := core.ToUSD(core.LBP("90000"), rate)

SEE ALSO:
  - errors.go: Error taxonomy
  - store.go: Persistence interfaces
  - ledger/ledger.go: Order and invoice workflow
*/
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CustomerID string
type AgentID string
type ProductID string
type OrderID string
type InvoiceID string
type PaymentID string
type RateID string
type TransferID string

// WarehouseID is the reserved stock holder that represents the central warehouse.
// Van stock is held under the agent's own id.
const WarehouseID AgentID = "warehouse"

// =============================================================================
// MONEY - USD authoritative, LBP derived
// =============================================================================

const (
	usdPlaces = 2
	lbpPlaces = 0
)

// USD parses a dollar amount. Invalid input yields zero.
func USD(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return RoundUSD(d)
}

// LBP parses a pound amount. Invalid input yields zero.
func LBP(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return RoundLBP(d)
}

func RoundUSD(d decimal.Decimal) decimal.Decimal { return d.Round(usdPlaces) }
func RoundLBP(d decimal.Decimal) decimal.Decimal { return d.Round(lbpPlaces) }

// ToLBP converts dollars to pounds at the given rate.
func ToLBP(usd decimal.Decimal, rate Rate) decimal.Decimal {
	return RoundLBP(usd.Mul(rate.LBPPerUSD))
}

// ToUSD converts pounds to dollars at the given rate.
func ToUSD(lbp decimal.Decimal, rate Rate) decimal.Decimal {
	if rate.LBPPerUSD.IsZero() {
		return decimal.Zero
	}
	return RoundUSD(lbp.Div(rate.LBPPerUSD))
}

// Rate is the USD->LBP conversion factor in force at a point in time.
type Rate struct {
	ID            RateID
	LBPPerUSD     decimal.Decimal
	EffectiveDate time.Time
	CreatedAt     time.Time
	Note          string
}

// =============================================================================
// CATALOGUE AND PARTIES (read-only collaborators)
// =============================================================================

type Product struct {
	ID       ProductID
	Name     string
	PriceUSD decimal.Decimal
	Active   bool
}

type Agent struct {
	ID   AgentID
	Name string
}

// Customer carries the customer account. BalanceLBP follows one convention:
// positive means the customer owes us, negative means the customer holds
// prepaid credit. Only the payment allocator changes it.
type Customer struct {
	ID         CustomerID
	Name       string
	AgentID    AgentID
	BalanceLBP decimal.Decimal
}

// CreditLBP returns the prepaid credit the customer holds, never negative.
func (c Customer) CreditLBP() decimal.Decimal {
	if c.BalanceLBP.IsNegative() {
		return c.BalanceLBP.Neg()
	}
	return decimal.Zero
}

// =============================================================================
// ORDER
// =============================================================================

type OrderStatus string

const (
	OrderOnHold    OrderStatus = "on_hold"
	OrderApproved  OrderStatus = "approved"
	OrderPreparing OrderStatus = "preparing"
	OrderReady     OrderStatus = "ready"
	OrderInTransit OrderStatus = "in_transit"
	OrderDelivered OrderStatus = "delivered"
	OrderCancelled OrderStatus = "cancelled"
	OrderReturned  OrderStatus = "returned"
)

// OrderKind separates on-the-spot van sales (stock leaves the van now)
// from company orders fulfilled later from the warehouse.
type OrderKind string

const (
	OrderKindVan     OrderKind = "van"
	OrderKindCompany OrderKind = "company"
)

// OrderLine is the boundary type for a requested line.
type OrderLine struct {
	ProductID ProductID
	Quantity  int64
}

type Order struct {
	ID          OrderID
	OrderNumber string
	CustomerID  CustomerID
	AgentID     AgentID
	Kind        OrderKind
	Status      OrderStatus
	RateID      RateID
	RateLBP     decimal.Decimal
	TotalUSD    decimal.Decimal
	TotalLBP    decimal.Decimal // always TotalUSD x RateLBP, never edited
	Lines       []OrderItem
	CreatedAt   time.Time
}

// OrderItem is a persisted, priced order line.
type OrderItem struct {
	ProductID    ProductID
	Quantity     int64
	UnitPriceUSD decimal.Decimal
	LineTotalUSD decimal.Decimal
}

type OrderStatusEvent struct {
	OrderID   OrderID
	From      OrderStatus
	To        OrderStatus
	Actor     string
	Note      string
	CreatedAt time.Time
}

// =============================================================================
// INVOICE
// =============================================================================

type InvoiceStatus string

const (
	InvoiceDraft  InvoiceStatus = "draft"
	InvoiceIssued InvoiceStatus = "issued"
	InvoicePaid   InvoiceStatus = "paid"
	InvoiceVoided InvoiceStatus = "voided"
)

type Invoice struct {
	ID            InvoiceID
	InvoiceNumber string
	OrderID       OrderID
	CustomerID    CustomerID
	Status        InvoiceStatus
	TotalUSD      decimal.Decimal
	TotalLBP      decimal.Decimal
	RateLBP       decimal.Decimal // frozen from the order; TotalLBP = TotalUSD x RateLBP
	DiscountUSD   decimal.Decimal // waived cents, zero when none
	Note          string
	IssuedAt      time.Time
	VoidedAt      *time.Time
}

// InvoiceBalance is derived from the invoice total and its payments.
type InvoiceBalance struct {
	InvoiceID    InvoiceID
	TotalUSD     decimal.Decimal
	TotalLBP     decimal.Decimal
	PaidUSD      decimal.Decimal
	// PaidLBP is valued at the invoice's own rate, not at the rates the
	// payments were taken at.
	PaidLBP      decimal.Decimal
	RemainingUSD decimal.Decimal
	RemainingLBP decimal.Decimal
	Settled      bool
	PaymentCount int
}

// NewInvoiceBalance derives the balance. An invoice counts as settled when
// EITHER currency's remainder drops below epsilon: both totals describe the
// same debt, so rounding drift in one of them must not keep it open.
//
// A payment taken at the invoice's rate counts its LBP at face value. One
// taken after the rate moved counts its USD value converted at the invoice
// rate, so a rate change never shrinks the LBP remainder faster than the
// USD one.
func NewInvoiceBalance(inv Invoice, payments []Payment, epsilon decimal.Decimal) InvoiceBalance {
	b := InvoiceBalance{
		InvoiceID:    inv.ID,
		TotalUSD:     inv.TotalUSD,
		TotalLBP:     inv.TotalLBP,
		PaidUSD:      decimal.Zero,
		PaidLBP:      decimal.Zero,
		PaymentCount: len(payments),
	}
	for _, p := range payments {
		b.PaidUSD = b.PaidUSD.Add(p.AmountUSD)
		b.PaidLBP = b.PaidLBP.Add(p.lbpAtRate(inv.RateLBP))
	}
	b.RemainingUSD = inv.TotalUSD.Sub(b.PaidUSD)
	b.RemainingLBP = inv.TotalLBP.Sub(b.PaidLBP)
	b.Settled = b.RemainingUSD.LessThan(epsilon) || b.RemainingLBP.LessThan(epsilon)
	return b
}

func (p Payment) lbpAtRate(rate decimal.Decimal) decimal.Decimal {
	if !rate.IsPositive() || p.RateLBP.Equal(rate) {
		return p.AmountLBP
	}
	return RoundLBP(p.AmountUSD.Mul(rate))
}

// OutstandingUSD is what is still owed in dollars; zero once settled.
func (b InvoiceBalance) OutstandingUSD() decimal.Decimal {
	if b.Settled || b.RemainingUSD.IsNegative() {
		return decimal.Zero
	}
	return b.RemainingUSD
}

// =============================================================================
// PAYMENT
// =============================================================================

type PaymentMethod string

const (
	MethodCashUSD       PaymentMethod = "cash_usd"
	MethodCashLBP       PaymentMethod = "cash_lbp"
	MethodQRCash        PaymentMethod = "qr_cash"
	MethodCard          PaymentMethod = "card"
	MethodBank          PaymentMethod = "bank"
	MethodAccountCredit PaymentMethod = "account_credit"
	MethodOther         PaymentMethod = "other"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCashUSD, MethodCashLBP, MethodQRCash, MethodCard, MethodBank, MethodAccountCredit, MethodOther:
		return true
	}
	return false
}

// Payment stores both currencies. For cash rows one amount is the currency
// actually collected and the other its equivalent at RateLBP.
type Payment struct {
	ID         PaymentID
	InvoiceID  InvoiceID
	CustomerID CustomerID
	Method     PaymentMethod
	AmountUSD  decimal.Decimal
	AmountLBP  decimal.Decimal
	RateLBP    decimal.Decimal
	ReceivedBy string
	ReceivedAt time.Time
	Note       string
}

// =============================================================================
// STOCK
// =============================================================================

type MovementReason string

const (
	ReasonSale        MovementReason = "sale"
	ReasonReceipt     MovementReason = "receipt"
	ReasonTransferOut MovementReason = "transfer_out"
	ReasonTransferIn  MovementReason = "transfer_in"
	ReasonReturnOut   MovementReason = "return_out"
	ReasonReturnIn    MovementReason = "return_in"
)

type StockLine struct {
	HolderID  AgentID
	ProductID ProductID
	QtyOnHand int64
}

// StockMovement is an append-only audit row. Delta is signed.
type StockMovement struct {
	ID          string
	HolderID    AgentID
	ProductID   ProductID
	Delta       int64
	Reason      MovementReason
	ReferenceID string
	Note        string
	CreatedAt   time.Time
}
