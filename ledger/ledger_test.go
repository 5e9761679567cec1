package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/van-ledger/core"
	"github.com/warp/van-ledger/ledger"
)

// =============================================================================
// ORDER CREATION TESTS
// =============================================================================

func TestCreateOrder_FreezesRateAndTotals(t *testing.T) {
	// GIVEN: Rate 90,000 LBP/USD
	// WHEN: Van sale of 2 water ($1.50) and 4 chips ($0.75)
	// THEN: $6.00 / 540,000 LBP, numbered per customer/agent, stock debited

	f := newFixture(t)
	ctx := context.Background()

	order, err := f.ledger.CreateOrder(ctx, f.vanOrder(line("water", 2), line("chips", 4)))
	require.NoError(t, err)

	assert.Equal(t, "cust-1-agent-1-1", order.OrderNumber)
	assert.Equal(t, core.OrderDelivered, order.Status)
	assert.Equal(t, "6", order.TotalUSD.String())
	assert.Equal(t, "540000", order.TotalLBP.String())
	assert.Equal(t, "90000", order.RateLBP.String())
	assert.Equal(t, int64(98), f.onHand(t, agent, "water"))
	assert.Equal(t, int64(96), f.onHand(t, agent, "chips"))

	// A later rate change does not touch the stored order.
	f.setRate(t, "95000")
	view, err := f.ledger.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, "540000", view.Order.TotalLBP.String())
	require.Len(t, view.Order.Lines, 2)
	require.Len(t, view.Events, 1)
	assert.Equal(t, core.OrderDelivered, view.Events[0].To)
}

func TestCreateOrder_MergesDuplicateLines(t *testing.T) {
	f := newFixture(t)

	order, err := f.ledger.CreateOrder(context.Background(), f.vanOrder(line("water", 2), line("water", 3)))
	require.NoError(t, err)

	require.Len(t, order.Lines, 1)
	assert.Equal(t, int64(5), order.Lines[0].Quantity)
	assert.Equal(t, "7.5", order.TotalUSD.String())
}

func TestCreateOrder_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		in   ledger.OrderInput
	}{
		{"no lines", f.vanOrder()},
		{"zero quantity", f.vanOrder(line("water", 0))},
		{"unknown product", f.vanOrder(line("caviar", 1))},
		{"inactive product", f.vanOrder(line("retired", 1))},
		{"unknown customer", ledger.OrderInput{CustomerID: "ghost", AgentID: agent, Lines: []core.OrderLine{line("water", 1)}}},
		{"customer of another agent", ledger.OrderInput{CustomerID: stranger, AgentID: agent, Lines: []core.OrderLine{line("water", 1)}}},
		{"bad kind", ledger.OrderInput{CustomerID: customer, AgentID: agent, Kind: "barter", Lines: []core.OrderLine{line("water", 1)}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.ledger.CreateOrder(ctx, tc.in)
			assert.ErrorIs(t, err, core.ErrValidation)
		})
	}

	orders, err := f.ledger.ListOrders(ctx, core.OrderFilter{})
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestCreateOrder_NoRate_ConfigurationError(t *testing.T) {
	// GIVEN: No exchange rate configured
	// WHEN: Creating an order
	// THEN: Refused before any write, no fallback rate

	f := newBareFixture(t)
	ctx := context.Background()

	_, err := f.ledger.CreateOrder(ctx, f.vanOrder(line("water", 1)))

	var cfgErr *core.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.ErrorIs(t, err, core.ErrConfiguration)
	assert.Equal(t, int64(100), f.onHand(t, agent, "water"))

	_, err = f.rates.Current(ctx)
	assert.ErrorIs(t, err, core.ErrConfiguration)
}

func TestCreateOrder_InsufficientStock_RollsBackEverything(t *testing.T) {
	// GIVEN: Van holds 100 water and 100 chips
	// WHEN: Sale of 5 chips and 150 water
	// THEN: InsufficientStockError; no order, no chips debit, no sequence consumed

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.CreateOrder(ctx, f.vanOrder(line("chips", 5), line("water", 150)))

	var stockErr *core.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, int64(100), stockErr.Available)
	assert.Equal(t, int64(150), stockErr.Requested)
	assert.ErrorIs(t, err, core.ErrConflict)

	assert.Equal(t, int64(100), f.onHand(t, agent, "chips"))
	orders, err := f.ledger.ListOrders(ctx, core.OrderFilter{})
	require.NoError(t, err)
	assert.Empty(t, orders)

	order, err := f.ledger.CreateOrder(ctx, f.vanOrder(line("water", 1)))
	require.NoError(t, err)
	assert.Equal(t, "cust-1-agent-1-1", order.OrderNumber)
}

func TestCreateOrder_CompanyOrderOnHold(t *testing.T) {
	f := newFixture(t)
	in := f.vanOrder(line("water", 500))
	in.Kind = core.OrderKindCompany

	order, err := f.ledger.CreateOrder(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, core.OrderOnHold, order.Status)
	assert.Equal(t, int64(100), f.onHand(t, agent, "water"), "company orders do not touch van stock")
}

// =============================================================================
// SEQUENCE TESTS
// =============================================================================

func TestSequence_ConcurrentOrdersGetDistinctNumbers(t *testing.T) {
	// GIVEN: 20 concurrent sales for the same customer and agent
	// WHEN: All run at once
	// THEN: All succeed with the numbers 1..20, no duplicates

	f := newFixture(t)
	ctx := context.Background()
	const n = 20

	var wg sync.WaitGroup
	numbers := make(chan string, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			order, err := f.ledger.CreateOrder(ctx, f.vanOrder(line("chips", 1)))
			if err != nil {
				errs <- err
				return
			}
			numbers <- order.OrderNumber
		}()
	}
	wg.Wait()
	close(numbers)
	close(errs)

	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}
	seen := map[string]bool{}
	for number := range numbers {
		assert.False(t, seen[number], "duplicate number %s", number)
		seen[number] = true
	}
	assert.Len(t, seen, n)
	for i := 1; i <= n; i++ {
		assert.True(t, seen[fmt.Sprintf("cust-1-agent-1-%d", i)])
	}
	assert.Equal(t, int64(100-n), f.onHand(t, agent, "chips"))
}

func TestSequence_RetriesOnCollision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alloc := ledger.NewSequenceAllocator(3, nil)

	var attempts []string
	var number string
	err := f.store.WithTx(ctx, func(tx core.Tx) error {
		var err error
		number, err = alloc.Allocate(ctx, tx, ledger.ScopeOrder, customer, agent, func(n string) error {
			attempts = append(attempts, n)
			if len(attempts) == 1 {
				return fmt.Errorf("order number %s: %w", n, core.ErrDuplicateNumber)
			}
			return nil
		})
		return err
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"cust-1-agent-1-1", "cust-1-agent-1-2"}, attempts)
	assert.Equal(t, "cust-1-agent-1-2", number)
}

func TestSequence_ExhaustedIsRetryableConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alloc := ledger.NewSequenceAllocator(3, nil)

	calls := 0
	err := f.store.WithTx(ctx, func(tx core.Tx) error {
		_, err := alloc.Allocate(ctx, tx, ledger.ScopeInvoice, customer, agent, func(string) error {
			calls++
			return core.ErrDuplicateNumber
		})
		return err
	})

	var conflict *core.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, core.CodeSequenceExhausted, conflict.Code)
	assert.True(t, core.IsRetryable(err))
	assert.Equal(t, 3, calls)
}

func TestSequence_OtherErrorsPassThrough(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alloc := ledger.NewSequenceAllocator(3, nil)
	boom := errors.New("disk on fire")

	err := f.store.WithTx(ctx, func(tx core.Tx) error {
		_, err := alloc.Allocate(ctx, tx, ledger.ScopeOrder, customer, agent, func(string) error { return boom })
		return err
	})
	assert.ErrorIs(t, err, boom)
}

func TestFormatNumber(t *testing.T) {
	assert.Equal(t, "c-a-7", ledger.FormatNumber(ledger.ScopeOrder, "c", "a", 7))
	assert.Equal(t, "INV-c-a-7", ledger.FormatNumber(ledger.ScopeInvoice, "c", "a", 7))
}

// =============================================================================
// INVOICE TESTS
// =============================================================================

func TestIssueInvoice_CentsDiscountAppliedOnce(t *testing.T) {
	// GIVEN: A $23.40 order (2 x coffee at $11.70)
	// WHEN: The invoice is issued, then issued again
	// THEN: $23.00 with one "cents discount $0.40" note; the retry is a conflict

	f := newFixture(t)
	ctx := context.Background()

	order, err := f.ledger.CreateOrder(ctx, f.vanOrder(line("coffee", 2)))
	require.NoError(t, err)
	assert.Equal(t, "23.4", order.TotalUSD.String())

	inv, err := f.ledger.IssueInvoice(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, "INV-cust-1-agent-1-1", inv.InvoiceNumber)
	assert.Equal(t, "23", inv.TotalUSD.String())
	assert.Equal(t, "0.4", inv.DiscountUSD.String())
	assert.Equal(t, "cents discount $0.40", inv.Note)
	assert.Equal(t, "2070000", inv.TotalLBP.String())

	_, err = f.ledger.IssueInvoice(ctx, order.ID)
	var conflict *core.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, core.CodeInvoiceExists, conflict.Code)

	invoices, err := f.ledger.ListInvoices(ctx, core.InvoiceFilter{CustomerID: customer})
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	assert.Equal(t, "cents discount $0.40", invoices[0].Note)
}

func TestIssueInvoice_BelowFloorKeepsCents(t *testing.T) {
	f := newFixture(t)

	inv := f.sale(t, customer, line("water", 3))

	assert.Equal(t, "4.5", inv.TotalUSD.String())
	assert.True(t, inv.DiscountUSD.IsZero())
	assert.Empty(t, inv.Note)
}

func TestIssueInvoice_UsesOrderRate(t *testing.T) {
	// GIVEN: Order at 90,000; rate changes to 95,000 before invoicing
	// THEN: Invoice LBP still derives from the order's frozen rate

	f := newFixture(t)
	ctx := context.Background()

	in := f.vanOrder(line("juice", 4))
	in.Kind = core.OrderKindCompany
	order, err := f.ledger.CreateOrder(ctx, in)
	require.NoError(t, err)
	f.setRate(t, "95000")

	inv, err := f.ledger.IssueInvoice(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, "900000", inv.TotalLBP.String())
}

// =============================================================================
// STATUS AND VOID TESTS
// =============================================================================

func TestTransitionOrder_FollowsTable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := f.vanOrder(line("water", 1))
	in.Kind = core.OrderKindCompany
	order, err := f.ledger.CreateOrder(ctx, in)
	require.NoError(t, err)

	_, err = f.ledger.TransitionOrder(ctx, order.ID, core.OrderDelivered, "ops", "")
	var conflict *core.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, core.CodeInvalidTransition, conflict.Code)

	for _, to := range []core.OrderStatus{core.OrderApproved, core.OrderPreparing, core.OrderReady, core.OrderInTransit, core.OrderDelivered} {
		got, err := f.ledger.TransitionOrder(ctx, order.ID, to, "ops", "")
		require.NoError(t, err, "to %s", to)
		assert.Equal(t, to, got.Status)
	}

	view, err := f.ledger.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, view.Events, 6)
	assert.Equal(t, core.OrderInTransit, view.Events[5].From)
	assert.Equal(t, core.OrderDelivered, view.Events[5].To)

	_, err = f.ledger.TransitionOrder(ctx, "nope", core.OrderApproved, "ops", "")
	assert.True(t, core.IsNotFound(err))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, ledger.CanTransition(core.OrderOnHold, core.OrderCancelled))
	assert.True(t, ledger.CanTransition(core.OrderDelivered, core.OrderReturned))
	assert.False(t, ledger.CanTransition(core.OrderInTransit, core.OrderCancelled))
	assert.False(t, ledger.CanTransition(core.OrderCancelled, core.OrderApproved))
}

func TestVoidInvoice_CancelsUndeliveredOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := f.vanOrder(line("water", 2))
	in.Kind = core.OrderKindCompany
	order, err := f.ledger.CreateOrder(ctx, in)
	require.NoError(t, err)
	inv, err := f.ledger.IssueInvoice(ctx, order.ID)
	require.NoError(t, err)

	voided, err := f.ledger.VoidInvoice(ctx, inv.ID, "ops", "duplicate order")
	require.NoError(t, err)
	assert.Equal(t, core.InvoiceVoided, voided.Status)
	assert.NotNil(t, voided.VoidedAt)

	view, err := f.ledger.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderCancelled, view.Order.Status)

	_, err = f.ledger.VoidInvoice(ctx, inv.ID, "ops", "")
	var conflict *core.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, core.CodeInvoiceVoided, conflict.Code)
}

func TestVoidInvoice_RefusedWithPayments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.sale(t, customer, line("water", 10))

	_, err := f.payments.Apply(ctx, ledger.ApplyInput{CustomerID: customer, AmountUSD: core.USD("5"), ReceivedBy: "agent-1"})
	require.NoError(t, err)

	_, err = f.ledger.VoidInvoice(ctx, inv.ID, "ops", "")
	var conflict *core.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, core.CodeInvoiceHasPayments, conflict.Code)
}

// =============================================================================
// CHECKOUT TESTS
// =============================================================================

func TestCheckout_OrderInvoiceAndPayment(t *testing.T) {
	f := newFixture(t)

	result, err := f.ledger.Checkout(context.Background(), ledger.CheckoutInput{
		Order: f.vanOrder(line("water", 10)),
		Payment: &ledger.CheckoutPayment{
			Mode:       ledger.PayInvoice,
			Method:     core.MethodCashUSD,
			AmountUSD:  core.USD("15"),
			ReceivedBy: "agent-1",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "15", result.Order.TotalUSD.String())
	assert.Equal(t, core.InvoicePaid, result.Invoice.Status)
	assert.True(t, result.Balance.Settled)
	require.NotNil(t, result.Payment)
	assert.Equal(t, "1350000", result.Payment.Payment.AmountLBP.String())
}

func TestCheckout_PaymentFailureRollsBackOrder(t *testing.T) {
	// GIVEN: A $15 checkout with a $20 card payment on the invoice
	// WHEN: The payment is refused as an overpayment
	// THEN: No order, no invoice, no stock movement

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.Checkout(ctx, ledger.CheckoutInput{
		Order: f.vanOrder(line("water", 10)),
		Payment: &ledger.CheckoutPayment{
			Mode: ledger.PayInvoice, Method: core.MethodCard, AmountUSD: core.USD("20"), ReceivedBy: "agent-1",
		},
	})
	assert.ErrorIs(t, err, core.ErrValidation)

	orders, err := f.ledger.ListOrders(ctx, core.OrderFilter{})
	require.NoError(t, err)
	assert.Empty(t, orders)
	invoices, err := f.ledger.ListInvoices(ctx, core.InvoiceFilter{})
	require.NoError(t, err)
	assert.Empty(t, invoices)
	assert.Equal(t, int64(100), f.onHand(t, agent, "water"))
}

func TestListInvoices_ByAgentAndStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sale(t, customer, line("water", 2))
	paid := f.sale(t, other, line("water", 2))
	_, err := f.payments.PayInvoice(ctx, ledger.ManualPaymentInput{
		InvoiceID: paid.ID, CustomerID: other, Method: core.MethodCashUSD, AmountUSD: core.USD("3"), ReceivedBy: "agent-1",
	})
	require.NoError(t, err)

	issued, err := f.ledger.ListInvoices(ctx, core.InvoiceFilter{AgentID: agent, Statuses: []core.InvoiceStatus{core.InvoiceIssued}})
	require.NoError(t, err)
	require.Len(t, issued, 1)
	assert.Equal(t, customer, issued[0].CustomerID)

	none, err := f.ledger.ListInvoices(ctx, core.InvoiceFilter{AgentID: "agent-2"})
	require.NoError(t, err)
	assert.Empty(t, none)
}
