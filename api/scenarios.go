/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Populates the database with realistic van-sales data. Every scenario
	goes through the real services (rate, receipts, transfers, checkout,
	payments) so the demo data obeys the same rules as production data.

AVAILABLE SCENARIOS:

	van-day:          Warehouse receipt, van loaded by transfer, three sales
	open-invoices:    One customer with several unpaid invoices to collect
	rate-change:      Invoice frozen at an old rate, rate moved since
	pending-transfer: Fulfillment waiting for the warehouse confirmation

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Seed agents, customers and products
 3. Set the exchange rate
 4. Drive the ledger and stock services

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "van-day"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Services used by the loaders
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/van-ledger/core"
	"github.com/warp/van-ledger/ledger"
	"github.com/warp/van-ledger/stock"
	"go.uber.org/zap"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "van-day",
		Name:        "Van Day",
		Description: "Warehouse receipt, van loaded by OTP transfer, three sales with mixed payments",
	},
	{
		ID:          "open-invoices",
		Name:        "Open Invoices",
		Description: "Customer with three unpaid invoices, ready for a USD+LBP collection",
	},
	{
		ID:          "rate-change",
		Name:        "Rate Change",
		Description: "Invoice issued at 89,500 LBP/USD; the rate has since moved to 90,000",
	},
	{
		ID:          "pending-transfer",
		Name:        "Pending Transfer",
		Description: "Fulfillment confirmed by the agent, waiting for the warehouse",
	},
}

var scenarioLoaders = map[string]func(h *Handler, ctx context.Context) error{
	"van-day":          (*Handler).loadVanDayScenario,
	"open-invoices":    (*Handler).loadOpenInvoicesScenario,
	"rate-change":      (*Handler).loadRateChangeScenario,
	"pending-transfer": (*Handler).loadPendingTransferScenario,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}

	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	h.currentScenario = ""
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	if err := load(h, ctx); err != nil {
		h.log.Error("scenario load failed", zap.String("scenario", req.ScenarioID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.currentScenario = req.ScenarioID

	h.log.Info("scenario loaded", zap.String("scenario", req.ScenarioID))
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

const (
	demoAgent     core.AgentID    = "agent-beirut"
	demoCustomer  core.CustomerID = "cust-hamra"
	demoCustomer2 core.CustomerID = "cust-verdun"
)

var demoProducts = []core.Product{
	{ID: "water-6", Name: "Water 1.5L x6", PriceUSD: core.USD("1.50"), Active: true},
	{ID: "chips-box", Name: "Chips box", PriceUSD: core.USD("0.75"), Active: true},
	{ID: "coffee-500", Name: "Coffee 500g", PriceUSD: core.USD("11.70"), Active: true},
	{ID: "juice-crate", Name: "Juice crate", PriceUSD: core.USD("2.50"), Active: true},
}

// seedParties saves the demo agent, customers and products.
func (h *Handler) seedParties(ctx context.Context) error {
	return h.Store.WithTx(ctx, func(tx core.Tx) error {
		if err := tx.SaveAgent(ctx, core.Agent{ID: demoAgent, Name: "Van 1 - Beirut"}); err != nil {
			return err
		}
		for _, c := range []core.Customer{
			{ID: demoCustomer, Name: "Hamra Mini Market", AgentID: demoAgent, BalanceLBP: decimal.Zero},
			{ID: demoCustomer2, Name: "Verdun Corner Shop", AgentID: demoAgent, BalanceLBP: decimal.Zero},
		} {
			if err := tx.SaveCustomer(ctx, c); err != nil {
				return err
			}
		}
		for _, p := range demoProducts {
			if err := tx.SaveProduct(ctx, p); err != nil {
				return err
			}
		}
		return nil
	})
}

// seedVan sets a rate, receives goods in the warehouse and loads the van
// through a fully confirmed fulfillment transfer.
func (h *Handler) seedVan(ctx context.Context, rate string) error {
	if err := h.seedParties(ctx); err != nil {
		return err
	}
	if _, err := h.Services.Rates.SetRate(ctx, decimal.RequireFromString(rate), time.Time{}, "demo"); err != nil {
		return err
	}

	var items []core.TransferItem
	for _, p := range demoProducts {
		if err := h.Services.Stock.Receive(ctx, stock.ReceiptInput{ProductID: p.ID, Quantity: 200, ReceivedBy: "warehouse-clerk"}); err != nil {
			return err
		}
		items = append(items, core.TransferItem{ProductID: p.ID, Quantity: 40})
	}

	req, err := h.Services.Transfers.Create(ctx, stock.TransferInput{
		Direction:        core.DirectionFulfillment,
		InitiatorAgentID: demoAgent,
		Items:            items,
		Note:             "morning load",
	})
	if err != nil {
		return err
	}
	if _, err := h.Services.Transfers.Confirm(ctx, req.ID, core.PartyAgent, req.CounterpartyOTP); err != nil {
		return err
	}
	_, err = h.Services.Transfers.Confirm(ctx, req.ID, core.PartyCounterparty, req.AgentOTP)
	return err
}

func (h *Handler) sell(ctx context.Context, customer core.CustomerID, payment *ledger.CheckoutPayment, lines ...core.OrderLine) (*ledger.CheckoutResult, error) {
	return h.Services.Ledger.Checkout(ctx, ledger.CheckoutInput{
		Order: ledger.OrderInput{
			CustomerID: customer,
			AgentID:    demoAgent,
			Kind:       core.OrderKindVan,
			Lines:      lines,
			Actor:      string(demoAgent),
		},
		Payment: payment,
	})
}

func demoLine(p core.ProductID, qty int64) core.OrderLine {
	return core.OrderLine{ProductID: p, Quantity: qty}
}

func (h *Handler) loadVanDayScenario(ctx context.Context) error {
	if err := h.seedVan(ctx, "89500"); err != nil {
		return err
	}

	// Paid in dollars on the spot.
	if _, err := h.sell(ctx, demoCustomer, &ledger.CheckoutPayment{
		Mode: ledger.PayInvoice, Method: core.MethodCashUSD, AmountUSD: core.USD("15"), ReceivedBy: string(demoAgent),
	}, demoLine("water-6", 10)); err != nil {
		return err
	}

	// Above the discount floor: $23.40 is invoiced as $23.
	if _, err := h.sell(ctx, demoCustomer2, nil, demoLine("coffee-500", 2)); err != nil {
		return err
	}

	// Overpaid in pounds; the rest becomes credit.
	_, err := h.sell(ctx, demoCustomer, &ledger.CheckoutPayment{
		Mode: ledger.PayAuto, AmountLBP: core.LBP("1000000"), ReceivedBy: string(demoAgent),
	}, demoLine("juice-crate", 2), demoLine("chips-box", 4))
	return err
}

func (h *Handler) loadOpenInvoicesScenario(ctx context.Context) error {
	if err := h.seedVan(ctx, "90000"); err != nil {
		return err
	}
	for _, lines := range [][]core.OrderLine{
		{demoLine("water-6", 10)},
		{demoLine("water-6", 3)},
		{demoLine("juice-crate", 4), demoLine("chips-box", 2)},
	} {
		if _, err := h.sell(ctx, demoCustomer, nil, lines...); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadRateChangeScenario(ctx context.Context) error {
	if err := h.seedVan(ctx, "89500"); err != nil {
		return err
	}
	if _, err := h.sell(ctx, demoCustomer, nil, demoLine("juice-crate", 4)); err != nil {
		return err
	}
	_, err := h.Services.Rates.SetRate(ctx, decimal.NewFromInt(90000), time.Time{}, "market moved")
	return err
}

func (h *Handler) loadPendingTransferScenario(ctx context.Context) error {
	if err := h.seedParties(ctx); err != nil {
		return err
	}
	if _, err := h.Services.Rates.SetRate(ctx, decimal.NewFromInt(90000), time.Time{}, "demo"); err != nil {
		return err
	}
	if err := h.Services.Stock.Receive(ctx, stock.ReceiptInput{ProductID: "water-6", Quantity: 100, ReceivedBy: "warehouse-clerk"}); err != nil {
		return err
	}

	req, err := h.Services.Transfers.Create(ctx, stock.TransferInput{
		Direction:        core.DirectionFulfillment,
		InitiatorAgentID: demoAgent,
		Items:            []core.TransferItem{{ProductID: "water-6", Quantity: 25}},
		Note:             "afternoon top-up",
	})
	if err != nil {
		return err
	}
	_, err = h.Services.Transfers.Confirm(ctx, req.ID, core.PartyAgent, req.CounterpartyOTP)
	return err
}
