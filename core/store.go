/*
store.go - Persistence interfaces for the ledger and stock engine

PURPOSE:
  Defines the boundary between domain workflow (ledger/, stock/) and the
  database. Workflow code never holds a *sql.DB; it receives a Tx for the
  duration of one WithTx call and everything it writes commits or rolls
  back together.

KEY INTERFACES:
  Store: the injected handle; WithTx is the ONLY way to touch data
  Tx:    all repositories bound to one database transaction

ATOMICITY CONTRACT:
  WithTx(fn) commits iff fn returns nil. Any error (or panic) rolls back
  every statement issued through the Tx. There is no partial state such as
  an order without its invoice.

GUARDED WRITES:
  Methods returning (bool, error) are conditional updates. false means the
  guard did not match at the instant of the write (stock too low, status
  already changed, transfer already confirmed). The caller turns that into
  a typed error; the store never decides business outcomes.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite via database/sql

SEE ALSO:
  - errors.go: ErrDuplicateNumber is the one store-level sentinel
  - filter.go: Typed list filters
*/
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE - Transactional handle
// =============================================================================

type Store interface {
	// WithTx executes fn within a database transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx groups every repository over a single database transaction.
type Tx interface {
	CatalogRepo
	SequenceRepo
	RateRepo
	OrderRepo
	InvoiceRepo
	PaymentRepo
	AccountRepo
	StockRepo
	TransferRepo
}

// =============================================================================
// REPOSITORIES
// =============================================================================

// CatalogRepo reads the collaborators the core validates against.
// Get* methods return (nil, nil) when the row does not exist.
type CatalogRepo interface {
	GetProduct(ctx context.Context, id ProductID) (*Product, error)
	GetCustomer(ctx context.Context, id CustomerID) (*Customer, error)
	GetAgent(ctx context.Context, id AgentID) (*Agent, error)
	SaveProduct(ctx context.Context, p Product) error
	SaveCustomer(ctx context.Context, c Customer) error
	SaveAgent(ctx context.Context, a Agent) error
}

type SequenceRepo interface {
	// NextSequence atomically increments and returns the counter for
	// (scope, customer, agent), creating it at 1.
	NextSequence(ctx context.Context, scope string, customerID CustomerID, agentID AgentID) (int64, error)
}

type RateRepo interface {
	// LatestRate returns the newest rate effective at or before at, or nil.
	LatestRate(ctx context.Context, at time.Time) (*Rate, error)
	InsertRate(ctx context.Context, r Rate) error
	ListRates(ctx context.Context, limit int) ([]Rate, error)
}

type OrderRepo interface {
	// InsertOrder returns ErrDuplicateNumber if the order number exists.
	InsertOrder(ctx context.Context, o Order) error
	GetOrder(ctx context.Context, id OrderID) (*Order, error)
	UpdateOrderStatus(ctx context.Context, id OrderID, from, to OrderStatus) (bool, error)
	InsertOrderEvent(ctx context.Context, ev OrderStatusEvent) error
	ListOrderEvents(ctx context.Context, id OrderID) ([]OrderStatusEvent, error)
	ListOrders(ctx context.Context, f OrderFilter) ([]Order, error)
}

type InvoiceRepo interface {
	// InsertInvoice returns ErrDuplicateNumber if the invoice number exists,
	// and a ConflictError if the order already has an invoice.
	InsertInvoice(ctx context.Context, inv Invoice) error
	GetInvoice(ctx context.Context, id InvoiceID) (*Invoice, error)
	GetInvoiceByOrder(ctx context.Context, id OrderID) (*Invoice, error)
	// ListUnsettledInvoices returns issued and paid invoices of a customer,
	// oldest issued first. The caller filters by derived balance.
	ListUnsettledInvoices(ctx context.Context, customerID CustomerID) ([]Invoice, error)
	SetInvoiceStatus(ctx context.Context, id InvoiceID, from []InvoiceStatus, to InvoiceStatus) (bool, error)
	VoidInvoice(ctx context.Context, id InvoiceID, at time.Time, note string) (bool, error)
	ListInvoices(ctx context.Context, f InvoiceFilter) ([]Invoice, error)
}

type PaymentRepo interface {
	InsertPayment(ctx context.Context, p Payment) error
	ListPayments(ctx context.Context, invoiceID InvoiceID) ([]Payment, error)
}

type AccountRepo interface {
	// AddToBalance applies balance = balance + delta in one statement.
	AddToBalance(ctx context.Context, customerID CustomerID, deltaLBP decimal.Decimal) error
}

type StockRepo interface {
	// DebitStock decrements only if qty_on_hand >= qty. false: not enough.
	DebitStock(ctx context.Context, holder AgentID, product ProductID, qty int64) (bool, error)
	CreditStock(ctx context.Context, holder AgentID, product ProductID, qty int64) error
	GetStock(ctx context.Context, holder AgentID, product ProductID) (int64, error)
	ListStock(ctx context.Context, holder AgentID) ([]StockLine, error)
	InsertMovement(ctx context.Context, m StockMovement) error
	ListMovements(ctx context.Context, holder AgentID, product ProductID, limit int) ([]StockMovement, error)
}

type TransferRepo interface {
	InsertTransfer(ctx context.Context, r TransferRequest) error
	GetTransfer(ctx context.Context, id TransferID) (*TransferRequest, error)
	// MarkConfirmed sets the party's timestamp only if it is still null and
	// the request is neither cancelled nor completed.
	MarkConfirmed(ctx context.Context, id TransferID, party Party, at time.Time) (bool, error)
	// MarkCompleted sets completed_at only if it is null and both sides confirmed.
	MarkCompleted(ctx context.Context, id TransferID, at time.Time) (bool, error)
	// MarkCancelled succeeds only while neither side has confirmed.
	MarkCancelled(ctx context.Context, id TransferID, actor string, at time.Time) (bool, error)
	ListOpenTransfers(ctx context.Context, agentID AgentID, now time.Time) ([]TransferRequest, error)
}
