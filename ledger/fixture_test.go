package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/warp/van-ledger/core"
	"github.com/warp/van-ledger/ledger"
	"github.com/warp/van-ledger/stock"
	"github.com/warp/van-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const (
	agent    core.AgentID    = "agent-1"
	customer core.CustomerID = "cust-1"
	other    core.CustomerID = "cust-2"
	stranger core.CustomerID = "cust-9" // assigned to another agent
)

// Prices chosen so totals are easy to reason about.
var products = []core.Product{
	{ID: "water", Name: "Water 1.5L pack", PriceUSD: core.USD("1.50"), Active: true},
	{ID: "chips", Name: "Chips box", PriceUSD: core.USD("0.75"), Active: true},
	{ID: "coffee", Name: "Coffee 500g", PriceUSD: core.USD("11.70"), Active: true},
	{ID: "juice", Name: "Juice crate", PriceUSD: core.USD("2.50"), Active: true},
	{ID: "retired", Name: "Old soda", PriceUSD: core.USD("1.00"), Active: false},
}

type fixture struct {
	store    *sqlite.Store
	clock    *core.FakeClock
	rates    *ledger.RateProvider
	stock    *stock.Ledger
	payments *ledger.PaymentAllocator
	ledger   *ledger.Ledger
}

func newFixture(t *testing.T) *fixture {
	f := newBareFixture(t)
	f.setRate(t, "90000")
	return f
}

// newBareFixture seeds parties, products and van stock but no exchange rate.
func newBareFixture(t *testing.T) *fixture {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := core.NewFakeClock(time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC))
	opts := ledger.Options{Clock: clock}

	f := &fixture{store: store, clock: clock}
	f.rates = ledger.NewRateProvider(store, opts)
	f.stock = stock.NewLedger(store, stock.Options{Clock: clock})
	f.payments = ledger.NewPaymentAllocator(store, f.rates, opts)
	f.ledger = ledger.New(store, f.rates, f.stock, f.payments, opts)

	ctx := context.Background()
	require.NoError(t, store.WithTx(ctx, func(tx core.Tx) error {
		if err := tx.SaveAgent(ctx, core.Agent{ID: agent, Name: "Van 1"}); err != nil {
			return err
		}
		if err := tx.SaveAgent(ctx, core.Agent{ID: "agent-2", Name: "Van 2"}); err != nil {
			return err
		}
		for _, c := range []core.Customer{
			{ID: customer, Name: "Mini Market", AgentID: agent, BalanceLBP: decimal.Zero},
			{ID: other, Name: "Corner Shop", AgentID: agent, BalanceLBP: decimal.Zero},
			{ID: stranger, Name: "Far Away", AgentID: "agent-2", BalanceLBP: decimal.Zero},
		} {
			if err := tx.SaveCustomer(ctx, c); err != nil {
				return err
			}
		}
		for _, p := range products {
			if err := tx.SaveProduct(ctx, p); err != nil {
				return err
			}
		}
		return nil
	}))

	for _, p := range []core.ProductID{"water", "chips", "coffee", "juice"} {
		require.NoError(t, f.stock.Receive(ctx, stock.ReceiptInput{HolderID: agent, ProductID: p, Quantity: 100}))
	}
	return f
}

func (f *fixture) setRate(t *testing.T, lbp string) core.Rate {
	t.Helper()
	rate, err := f.rates.SetRate(context.Background(), decimal.RequireFromString(lbp), f.clock.Now(), "")
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	return rate
}

func (f *fixture) vanOrder(lines ...core.OrderLine) ledger.OrderInput {
	return ledger.OrderInput{CustomerID: customer, AgentID: agent, Kind: core.OrderKindVan, Lines: lines, Actor: string(agent)}
}

// sale creates a van order and issues its invoice.
func (f *fixture) sale(t *testing.T, cust core.CustomerID, lines ...core.OrderLine) core.Invoice {
	t.Helper()
	in := f.vanOrder(lines...)
	in.CustomerID = cust
	result, err := f.ledger.Checkout(context.Background(), ledger.CheckoutInput{Order: in})
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	return result.Invoice
}

func line(p core.ProductID, qty int64) core.OrderLine {
	return core.OrderLine{ProductID: p, Quantity: qty}
}

func (f *fixture) onHand(t *testing.T, holder core.AgentID, p core.ProductID) int64 {
	t.Helper()
	var qty int64
	require.NoError(t, f.store.WithTx(context.Background(), func(tx core.Tx) error {
		var err error
		qty, err = tx.GetStock(context.Background(), holder, p)
		return err
	}))
	return qty
}

func (f *fixture) balanceLBP(t *testing.T, c core.CustomerID) decimal.Decimal {
	t.Helper()
	account, err := f.payments.Account(context.Background(), c)
	require.NoError(t, err)
	return account.Customer.BalanceLBP
}
