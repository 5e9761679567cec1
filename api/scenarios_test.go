/*
scenarios_test.go - Tests that every demo scenario loads through the API

Each scenario runs the real services, so a loader that breaks a ledger
rule fails here.
*/
package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenarios_AllLoad(t *testing.T) {
	for _, sc := range scenarios {
		t.Run(sc.ID, func(t *testing.T) {
			s := newTestServer(t)

			rec := s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: sc.ID})
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			rec = s.do(t, http.MethodGet, "/api/scenarios/current", nil)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, sc.ID, decodeBody[ScenarioDTO](t, rec).ID)
		})
	}
	assert.Len(t, scenarioLoaders, len(scenarios))
}

func TestScenario_VanDay(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "van-day"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// 40 loaded, 10 sold
	rec = s.do(t, http.MethodGet, "/api/stock/agent-beirut", nil)
	for _, l := range decodeBody[[]StockLineDTO](t, rec) {
		if l.ProductID == "water-6" {
			assert.Equal(t, int64(30), l.QtyOnHand)
		}
	}

	// $8.00 sale paid with 1,000,000 LBP at 89,500: 284,000 LBP credit
	rec = s.do(t, http.MethodGet, "/api/customers/cust-hamra/account", nil)
	account := decodeBody[AccountDTO](t, rec)
	assert.Empty(t, account.OpenInvoices)
	assert.Equal(t, "284000", account.CreditLBP)

	rec = s.do(t, http.MethodGet, "/api/customers/cust-verdun/account", nil)
	account = decodeBody[AccountDTO](t, rec)
	require.Len(t, account.OpenInvoices, 1)
	assert.Equal(t, "23.00", account.OpenInvoices[0].TotalUSD)
}

func TestScenario_PendingTransfer(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "pending-transfer"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/agents/agent-beirut/transfers", nil)
	pending := decodeBody[[]TransferDTO](t, rec)
	require.Len(t, pending, 1)
	assert.Equal(t, "partially_confirmed", pending[0].State)
	assert.NotNil(t, pending[0].AgentConfirmedAt)
}

func TestScenario_UnknownAndReset(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "open-invoices"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/scenarios/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/orders", nil)
	assert.Empty(t, decodeBody[[]OrderDTO](t, rec))
	rec = s.do(t, http.MethodGet, "/api/rates/current", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
