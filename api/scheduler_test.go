package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payment-ledger/ledger"
)

func TestReconcile_FlagsInconsistentRecords(t *testing.T) {
	// GIVEN: One consistent payment and one whose status disagrees with its amounts
	good, err := ledger.NewPaymentAmounts(ledger.Money(100), nil)
	require.NoError(t, err)

	var skewed ledger.PaymentAmounts
	require.NoError(t, json.Unmarshal([]byte(`{"totalPaymentAmount":"100","pop":"100"}`), &skewed))

	ps := []ledger.Payment{
		{ID: "a", PaymentNumber: "PAY-1", Amounts: good, Status: ledger.StatusPending},
		{ID: "b", PaymentNumber: "PAY-2", Amounts: skewed, Status: ledger.StatusPartial},
		{ID: "c", PaymentNumber: "PAY-3", Amounts: good, Status: ledger.StatusWriteOff},
	}

	// WHEN: Reconciling
	got := Reconcile(ps)

	// THEN: Only the skewed record is reported
	require.Len(t, got, 1)
	assert.Equal(t, "PAY-2", got[0].PaymentNumber)
	assert.Contains(t, got[0].Problem, "amounts imply completed")
}

func TestScheduler_RunNowRecordsRuns(t *testing.T) {
	h, srv := setupTestRouter(t)
	_, err := h.Seed(context.Background(), "aging")
	require.NoError(t, err)

	// Without a scheduler the endpoints degrade gracefully
	assert.Equal(t, http.StatusServiceUnavailable, do(t, srv, http.MethodPost, "/api/reconciliation/run", nil).Code)

	rs := NewReconciliationScheduler(h, 0)
	assert.False(t, rs.Enabled)

	rec := do(t, srv, http.MethodPost, "/api/reconciliation/run", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	run := decodeBody[ReconciliationRun](t, rec)
	assert.Equal(t, "manual", run.Trigger)
	assert.Equal(t, 4, run.Payments)
	assert.True(t, run.Outstanding.Equal(ledger.Money(965)))
	assert.Empty(t, run.Discrepancies)

	second := rs.RunNow(context.Background(), "manual")

	rec = do(t, srv, http.MethodGet, "/api/reconciliation/runs", nil)
	runs := decodeBody[[]ReconciliationRun](t, rec)
	require.Len(t, runs, 2)
	assert.Equal(t, second.ID, runs[0].ID)
}

func TestScheduler_StartStop(t *testing.T) {
	h := setupTestHandler(t)
	rs := NewReconciliationScheduler(h, 5*time.Millisecond)

	rs.Start()
	rs.Start()
	require.Eventually(t, func() bool { return len(rs.Runs()) > 0 }, time.Second, 5*time.Millisecond)
	rs.Stop()
	rs.Stop()

	n := len(rs.Runs())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, len(rs.Runs()))
	assert.Equal(t, "schedule", rs.Runs()[0].Trigger)
}
