/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the ledger with realistic
	payments for demos. Every payment goes through the ledger engine, so
	numbers, statuses and events are the same as for API traffic.

AVAILABLE SCENARIOS:

	clinic-day:  Cash, card and insurance payments at one clinic
	refunds:     Completed payments refunded fully and partially
	aging:       Open balances spread across the aging buckets
	closures:    Written-off, failed and archived payments

HOW SCENARIOS WORK:
 1. Create each payment with its opening total and payment date
 2. Post the listed bucket amounts
 3. Apply the refund or closing action, if any

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "aging"}

NOTE:

	Scenarios add data; they never clear the ledger. Client ids are
	prefixed with the scenario id so repeated loads stay distinguishable.

SEE ALSO:
  - handlers.go: Shared helpers
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/warp/payment-ledger/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type seedAdd struct {
	bucket ledger.Bucket
	amount float64
}

type seedPayment struct {
	client  string
	name    string
	clinic  string
	method  ledger.Method
	typ     ledger.Bucket
	total   float64
	ageDays int
	adds    []seedAdd

	refund     float64
	refundType ledger.RefundType
	close      string // "writeoff", "failed" or "archive"
}

type scenario struct {
	ScenarioDTO
	payments []seedPayment
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "clinic-day",
			Name:        "Clinic Day",
			Description: "Cash, card and insurance payments at one clinic",
		},
		payments: []seedPayment{
			{client: "c1", name: "Maria Lopez", clinic: "downtown", method: ledger.MethodCash, typ: ledger.BucketPOP,
				total: 120, adds: []seedAdd{{ledger.BucketPOP, 120}}},
			{client: "c2", name: "Tom Baker", clinic: "downtown", method: ledger.MethodCard, typ: ledger.BucketPOP,
				total: 250, adds: []seedAdd{{ledger.BucketPOP, 100}}},
			{client: "c3", name: "Ann Chen", clinic: "downtown", method: ledger.MethodInsurance, typ: ledger.BucketCOB1,
				total: 400, adds: []seedAdd{{ledger.BucketCOB1, 320}, {ledger.BucketPOPFinal, 80}}},
			{client: "c4", name: "Raj Patel", clinic: "downtown", method: ledger.MethodInsurance, typ: ledger.BucketInsurance1st,
				total: 180},
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "refunds",
			Name:        "Refunds",
			Description: "Completed payments refunded fully and partially",
		},
		payments: []seedPayment{
			{client: "c1", name: "Lee Wong", clinic: "uptown", method: ledger.MethodCard, typ: ledger.BucketPOP,
				total: 100, adds: []seedAdd{{ledger.BucketPOP, 100}}, refund: 100, refundType: ledger.RefundSales},
			{client: "c2", name: "Sara Kim", clinic: "uptown", method: ledger.MethodDirectDeposit, typ: ledger.BucketDirectAuth,
				total: 300, adds: []seedAdd{{ledger.BucketDirectAuth, 200}, {ledger.BucketCOB1, 100}},
				refund: 50, refundType: ledger.RefundStandard},
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "aging",
			Name:        "Aging Receivables",
			Description: "Open balances spread across the aging buckets",
		},
		payments: []seedPayment{
			{client: "c1", name: "Iris Novak", clinic: "downtown", method: ledger.MethodCash, typ: ledger.BucketPOP,
				total: 90, ageDays: 5},
			{client: "c1", name: "Iris Novak", clinic: "downtown", method: ledger.MethodCard, typ: ledger.BucketPOP,
				total: 200, ageDays: 42, adds: []seedAdd{{ledger.BucketPOP, 50}}},
			{client: "c2", name: "Omar Haddad", clinic: "downtown", method: ledger.MethodInsurance, typ: ledger.BucketCOB2,
				total: 350, ageDays: 75},
			{client: "c3", name: "Eva Stone", clinic: "downtown", method: ledger.MethodCheque, typ: ledger.BucketPOP,
				total: 500, ageDays: 130, adds: []seedAdd{{ledger.BucketPOP, 125}}},
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "closures",
			Name:        "Closures",
			Description: "Written-off, failed and archived payments",
		},
		payments: []seedPayment{
			{client: "c1", name: "Ben Hart", clinic: "uptown", method: ledger.MethodCash, typ: ledger.BucketPOP,
				total: 75, ageDays: 200, adds: []seedAdd{{ledger.BucketPOP, 25}}, close: "writeoff"},
			{client: "c2", name: "Nina Ross", clinic: "uptown", method: ledger.MethodCard, typ: ledger.BucketPOP,
				total: 60, ageDays: 3, close: "failed"},
			{client: "c3", name: "Paul Young", clinic: "uptown", method: ledger.MethodCash, typ: ledger.BucketPOP,
				total: 40, ageDays: 1, close: "archive"},
		},
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

func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = s.ScenarioDTO
		dtos[i].Payments = len(s.payments)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, map[string]any{"scenario": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scenario": current})
}

func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	if _, ok := findScenario(req.ScenarioID); !ok {
		writeError(w, http.StatusNotFound, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	n, err := h.Seed(r.Context(), req.ScenarioID)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"scenario": req.ScenarioID,
		"payments": n,
	})
}

// Seed loads scenario id through the ledger engine and returns the number
// of payments created.
func (h *Handler) Seed(ctx context.Context, id string) (int, error) {
	s, ok := findScenario(id)
	if !ok {
		return 0, fmt.Errorf("%w: unknown scenario %q", ledger.ErrInvalidInput, id)
	}

	actor := "scenario:" + s.ID
	now := time.Now().UTC()
	for i, sp := range s.payments {
		if err := h.seedPayment(ctx, s.ID, actor, now, sp); err != nil {
			return i, fmt.Errorf("scenario %s payment %d: %w", s.ID, i+1, err)
		}
	}

	h.mu.Lock()
	h.currentScenario = s.ID
	h.mu.Unlock()

	h.log.Info("scenario loaded", zap.String("scenario", s.ID), zap.Int("payments", len(s.payments)))
	return len(s.payments), nil
}

func (h *Handler) seedPayment(ctx context.Context, scenarioID, actor string, now time.Time, sp seedPayment) error {
	p, err := h.Ledger.Create(ctx, ledger.CreatePayment{
		ClientID:           ledger.ClientID(scenarioID + "-" + sp.client),
		ClientName:         sp.name,
		Clinic:             sp.clinic,
		Method:             sp.method,
		Type:               sp.typ,
		TotalPaymentAmount: ledger.Money(sp.total),
		PaymentDate:        now.AddDate(0, 0, -sp.ageDays),
		Actor:              actor,
	})
	if err != nil {
		return err
	}

	for _, a := range sp.adds {
		if _, err := h.Ledger.AddAmount(ctx, p.ID, a.bucket, ledger.Money(a.amount), actor); err != nil {
			return err
		}
	}
	if sp.refund > 0 {
		if _, _, err := h.Ledger.ProcessRefund(ctx, p.ID, ledger.Money(sp.refund), sp.refundType, actor); err != nil {
			return err
		}
	}

	switch sp.close {
	case "writeoff":
		_, err = h.Ledger.WriteOff(ctx, p.ID, "uncollectable", actor)
	case "failed":
		_, err = h.Ledger.MarkFailed(ctx, p.ID, "card declined", actor)
	case "archive":
		_, err = h.Ledger.Archive(ctx, p.ID, "entered in error", actor)
	}
	return err
}
