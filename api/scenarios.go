/*
scenarios.go - Demo portfolios for testing and demonstrations

PURPOSE:
  Provides pre-built portfolios that populate the catalog and the ledger with
  realistic data. Each scenario defines loans through the loan factory and
  payments as a CSV file that goes through the normal upload pipeline.

AVAILABLE SCENARIOS:
  standard-loan: 24000 over 12 monthly instalments, one short and one over
  arrears:       instalments stop being paid and a direct debit is returned
  overpaid:      a lump sum pushes the outstanding balance below zero

HOW SCENARIOS WORK:
  1. Parse loan definitions via factory
  2. Save them into the catalog
  3. Upload the scenario's payment CSV through the coordinator

  Loading is idempotent: the ledger is append-only, so a second load of the
  same scenario reports every payment as already recorded and changes nothing.

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "arrears"}

SEE ALSO:
  - handlers.go: handler wiring
  - factory/loan.go: loan JSON definitions
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/warp/loan-ledger/factory"
	"github.com/warp/loan-ledger/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenario struct {
	ScenarioDTO
	loans    string
	payments string
}

const paymentHeader = "payment_id,borrower_id,loan_id,payment_date,currency,description,amount\n"

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "standard-loan",
			Name:        "Standard Loan",
			Description: "24000 over 12 monthly instalments with one short and one over payment",
		},
		loans: `[{
			"id": "L-STD-001", "borrower_id": "B-1001", "name": "Standard Personal Loan",
			"principal": 24000, "currency": "GBP",
			"plan": {"first_due_date": "2025-01-01", "installments": 12, "frequency": "monthly"}
		}]`,
		payments: paymentHeader +
			"P-STD-001,B-1001,L-STD-001,2025-01-01,GBP,January instalment,2000\n" +
			"P-STD-002,B-1001,L-STD-001,2025-02-01,GBP,February instalment,2000\n" +
			"P-STD-003,B-1001,L-STD-001,2025-03-01,GBP,March instalment,1500\n" +
			"P-STD-004,B-1001,L-STD-001,2025-04-01,GBP,April instalment,2500\n" +
			"P-STD-005,B-1001,L-STD-001,2025-05-01,GBP,May instalment,2000\n",
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "arrears",
			Name:        "Arrears",
			Description: "Payments stop after February and one direct debit is returned",
		},
		loans: `[{
			"id": "L-ARR-001", "borrower_id": "B-2001", "name": "Car Loan",
			"principal": 12000, "currency": "GBP",
			"plan": {"first_due_date": "2025-01-15", "installments": 12, "frequency": "monthly"}
		}]`,
		payments: paymentHeader +
			"P-ARR-001,B-2001,L-ARR-001,2025-01-15,GBP,January instalment,1000\n" +
			"P-ARR-002,B-2001,L-ARR-001,2025-02-15,GBP,February instalment,1000\n" +
			"P-ARR-003,B-2001,L-ARR-001,2025-02-20,GBP,Returned direct debit,-1000\n",
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "overpaid",
			Name:        "Overpaid",
			Description: "A lump sum settles the loan early and leaves a credit balance",
		},
		loans: `[{
			"id": "L-OVR-001", "borrower_id": "B-3001", "name": "Short Term Loan",
			"principal": 5000, "currency": "EUR",
			"plan": {"first_due_date": "2025-01-01", "installments": 5, "frequency": "monthly"}
		}]`,
		payments: paymentHeader +
			"P-OVR-001,B-3001,L-OVR-001,2025-01-01,EUR,January instalment,1000\n" +
			"P-OVR-002,B-3001,L-OVR-001,2025-02-01,EUR,Settlement,4000\n" +
			"P-OVR-003,B-3001,L-OVR-001,2025-03-01,EUR,Standing order not cancelled,500\n",
	},
}

func findScenario(id string) (scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenario{}, false
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the last loaded scenario, or null.
// GET /api/scenarios/current
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if s, ok := findScenario(current); ok {
		writeJSON(w, http.StatusOK, s.ScenarioDTO)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario loads a predefined portfolio.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Invalid request body", err)
		return
	}

	s, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusNotFound, "scenario_not_found", "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	resp, err := h.loadScenario(r.Context(), s)
	if err != nil {
		h.internalError(w, r, "Failed to load scenario", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) loadScenario(ctx context.Context, s scenario) (LoadScenarioResponse, error) {
	loans, err := h.LoanFactory.ParseLoans([]byte(s.loans), "json")
	if err != nil {
		return LoadScenarioResponse{}, fmt.Errorf("scenario %s loans: %w", s.ID, err)
	}
	if err := factory.SaveAll(ctx, h.Loans, loans); err != nil {
		return LoadScenarioResponse{}, err
	}

	log, err := h.Uploads.ProcessFile(ctx, "scenario-"+s.ID+".csv", strings.NewReader(s.payments))
	if err != nil {
		return LoadScenarioResponse{}, fmt.Errorf("scenario %s payments: %w", s.ID, err)
	}
	if log.ValidationStatus != ledger.UploadSuccess {
		return LoadScenarioResponse{}, fmt.Errorf("scenario %s payments rejected: %s", s.ID, log.Message)
	}

	h.mu.Lock()
	h.currentScenario = s.ID
	h.mu.Unlock()

	return LoadScenarioResponse{
		Scenario: s.ScenarioDTO,
		Loans:    len(loans),
		Upload:   toUploadResponse(log),
	}, nil
}
