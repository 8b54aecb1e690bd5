package reporting_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payment-ledger/ledger"
	"github.com/warp/payment-ledger/ledger/store"
	"github.com/warp/payment-ledger/reporting"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var asOf = time.Date(2025, time.June, 30, 12, 0, 0, 0, time.UTC)

type payment struct {
	client string
	name   string
	clinic string
	method ledger.Method
	typ    ledger.Bucket
	total  float64
	paid   float64
	age    int // days before asOf
	status ledger.Status
}

func build(t *testing.T, specs ...payment) []ledger.Payment {
	t.Helper()
	out := make([]ledger.Payment, 0, len(specs))
	for i, s := range specs {
		if s.clinic == "" {
			s.clinic = "A"
		}
		if s.method == "" {
			s.method = ledger.MethodCash
		}
		if s.typ == "" {
			s.typ = ledger.BucketPOP
		}
		a, err := ledger.NewPaymentAmounts(ledger.Money(s.total), map[ledger.Bucket]decimal.Decimal{
			ledger.BucketPOP: ledger.Money(s.paid),
		})
		require.NoError(t, err)
		status := ledger.DeriveStatus(a, ledger.StatusPending)
		if s.status != "" {
			status = s.status
		}
		out = append(out, ledger.Payment{
			ID:            ledger.PaymentID(fmt.Sprintf("p-%d", i)),
			PaymentNumber: fmt.Sprintf("PAY-%08d", i+1),
			ClientID:      ledger.ClientID(s.client),
			ClientName:    s.name,
			Clinic:        s.clinic,
			Method:        s.method,
			Type:          s.typ,
			Amounts:       a,
			Status:        status,
			PaymentDate:   asOf.AddDate(0, 0, -s.age),
		})
	}
	return out
}

func money(v float64) decimal.Decimal { return ledger.Money(v) }

// =============================================================================
// OUTSTANDING / REVENUE
// =============================================================================

func TestOutstanding_ExcludesClosedAndPaid(t *testing.T) {
	ps := build(t,
		payment{client: "1", total: 100, paid: 40},                             // owes 60
		payment{client: "2", total: 50},                                        // owes 50
		payment{client: "3", total: 70, paid: 70},                              // settled
		payment{client: "4", total: 80, status: ledger.StatusWriteOff},         // closed
		payment{client: "5", total: 90, paid: 10, status: ledger.StatusFailed}, // closed
	)

	r := reporting.Outstanding("A", ps)

	assert.True(t, r.Total.Equal(money(110)), r.Total.String())
	assert.Equal(t, 2, r.Count)
}

func TestRevenue_DateRange(t *testing.T) {
	ps := build(t,
		payment{client: "1", total: 100, paid: 100, age: 5},
		payment{client: "1", total: 100, paid: 30, age: 40},
		payment{client: "2", total: 100, paid: 20, age: 400},
	)
	from := asOf.AddDate(0, 0, -60)

	all := reporting.Revenue("A", nil, nil, ps)
	recent := reporting.Revenue("A", &from, &asOf, ps)

	assert.True(t, all.Total.Equal(money(150)))
	assert.Equal(t, 3, all.Count)
	assert.True(t, recent.Total.Equal(money(130)))
	assert.Equal(t, 2, recent.Count)
}

// =============================================================================
// BREAKDOWN
// =============================================================================

func TestBreakdown_Grouping(t *testing.T) {
	ps := build(t,
		payment{client: "1", total: 100, paid: 100, method: ledger.MethodCash, typ: ledger.BucketPOP},
		payment{client: "2", total: 50, paid: 10, method: ledger.MethodCard, typ: ledger.BucketPOP},
		payment{client: "3", total: 200, paid: 200, method: ledger.MethodInsurance, typ: ledger.BucketCOB1},
	)

	byType := reporting.Breakdown(reporting.GroupByType, ps)
	require.Len(t, byType, 2)
	assert.Equal(t, ledger.BucketCOB1, byType[0].Type)
	assert.Equal(t, ledger.BucketPOP, byType[1].Type)
	assert.Equal(t, 2, byType[1].Count)
	assert.True(t, byType[1].Invoiced.Equal(money(150)))
	assert.True(t, byType[1].Paid.Equal(money(110)))
	assert.Empty(t, byType[1].Method)

	byMethod := reporting.Breakdown(reporting.GroupByMethodAndType, ps)
	require.Len(t, byMethod, 3)
	assert.Equal(t, ledger.MethodCard, byMethod[0].Method)
	assert.Equal(t, 1, byMethod[0].Count)
}

// =============================================================================
// AGING
// =============================================================================

func TestAging_Buckets(t *testing.T) {
	ps := build(t,
		payment{client: "1", name: "Ada", total: 100, age: 0},
		payment{client: "1", name: "Ada", total: 100, paid: 50, age: 29},
		payment{client: "1", name: "Ada", total: 10, age: 30},
		payment{client: "1", name: "Ada", total: 20, age: 59},
		payment{client: "1", name: "Ada", total: 30, age: 60},
		payment{client: "1", name: "Ada", total: 40, age: 90},
		payment{client: "2", name: "Bo", total: 5, age: -3}, // future-dated
		payment{client: "3", name: "Cy", total: 5, paid: 5, age: 100},
	)

	r := reporting.Aging("A", asOf, ps)

	require.Len(t, r.Rows, 2)
	ada := r.Rows[0]
	assert.Equal(t, ledger.ClientID("1"), ada.ClientID)
	assert.True(t, ada.Current.Equal(money(150)), ada.Current.String())
	assert.True(t, ada.Days30.Equal(money(30)))
	assert.True(t, ada.Days60.Equal(money(30)))
	assert.True(t, ada.Days90.Equal(money(40)))
	assert.True(t, ada.Total.Equal(money(250)))

	bo := r.Rows[1]
	assert.True(t, bo.Current.Equal(money(5)))

	assert.True(t, r.Totals.Total.Equal(money(255)))
	assert.Equal(t, reporting.AgingNote, r.Note)
	assert.Equal(t, asOf, r.AsOf)
}

// For any payment set, each client's four buckets sum exactly to the
// client's owed total, and every owed payment lands in one bucket.
func TestAging_PartitionsOwedExactly(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	statuses := []ledger.Status{"", "", "", ledger.StatusWriteOff, ledger.StatusFailed}

	for run := 0; run < 100; run++ {
		var specs []payment
		for i := 0; i < 40; i++ {
			total := float64(1+rng.Intn(100000)) / 100
			specs = append(specs, payment{
				client: fmt.Sprintf("c%d", rng.Intn(6)),
				total:  total,
				paid:   float64(rng.Intn(int(total*100)+1)) / 100,
				age:    rng.Intn(200) - 10,
				status: statuses[rng.Intn(len(statuses))],
			})
		}
		ps := build(t, specs...)

		expected := map[ledger.ClientID]decimal.Decimal{}
		for _, p := range ps {
			if p.Status.IsClosed() {
				continue
			}
			expected[p.ClientID] = expected[p.ClientID].Add(p.Amounts.TotalOwed())
		}

		r := reporting.Aging("A", asOf, ps)

		grand := decimal.Zero
		for _, row := range r.Rows {
			sum := row.Current.Add(row.Days30).Add(row.Days60).Add(row.Days90)
			require.True(t, sum.Equal(row.Total), "client %s buckets %s != total %s", row.ClientID, sum, row.Total)
			require.True(t, row.Total.Equal(expected[row.ClientID]), "client %s total %s, want %s",
				row.ClientID, row.Total, expected[row.ClientID])
			grand = grand.Add(row.Total)
		}
		for id, want := range expected {
			if want.IsPositive() {
				found := false
				for _, row := range r.Rows {
					found = found || row.ClientID == id
				}
				require.True(t, found, "client %s omitted", id)
			}
		}
		require.True(t, grand.Equal(r.Totals.Total))
		require.True(t, grand.Equal(reporting.Outstanding("A", ps).Total))
	}
}

// =============================================================================
// ACCOUNT SUMMARY
// =============================================================================

func TestAccounts_SortAndPage(t *testing.T) {
	ps := build(t,
		payment{client: "1", name: "carol", total: 100, paid: 100, age: 10},
		payment{client: "1", name: "carol", total: 50, age: 2},
		payment{client: "2", name: "Alice", total: 300, paid: 100, age: 5},
		payment{client: "3", name: "bob", total: 20, age: 1},
	)

	byName := reporting.Accounts(reporting.AccountQuery{}, ps)
	require.Len(t, byName.Rows, 3)
	assert.Equal(t, []string{"Alice", "bob", "carol"}, []string{
		byName.Rows[0].ClientName, byName.Rows[1].ClientName, byName.Rows[2].ClientName,
	})
	carol := byName.Rows[2]
	assert.Equal(t, 2, carol.PaymentCount)
	assert.True(t, carol.Invoiced.Equal(money(150)))
	assert.True(t, carol.Paid.Equal(money(100)))
	assert.True(t, carol.Owed.Equal(money(50)))
	assert.Equal(t, asOf.AddDate(0, 0, -2), carol.LastPaymentDate)

	byOwed := reporting.Accounts(reporting.AccountQuery{Sort: reporting.SortByAmountDue, Descending: true, PageSize: 2}, ps)
	assert.Equal(t, 3, byOwed.TotalRows)
	assert.Equal(t, 2, byOwed.TotalPages)
	require.Len(t, byOwed.Rows, 2)
	assert.Equal(t, ledger.ClientID("2"), byOwed.Rows[0].ClientID)
	assert.Equal(t, ledger.ClientID("1"), byOwed.Rows[1].ClientID)

	second := reporting.Accounts(reporting.AccountQuery{Sort: reporting.SortByAmountDue, Descending: true, PageSize: 2, Page: 2}, ps)
	require.Len(t, second.Rows, 1)
	assert.Equal(t, ledger.ClientID("3"), second.Rows[0].ClientID)

	beyond := reporting.Accounts(reporting.AccountQuery{Page: 9}, ps)
	assert.Empty(t, beyond.Rows)
	assert.NotNil(t, beyond.Rows)
}

// =============================================================================
// ENGINE
// =============================================================================

func TestEngine_OverStore(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	for _, p := range build(t,
		payment{client: "1", clinic: "A", total: 100, paid: 25, age: 45},
		payment{client: "2", clinic: "B", total: 100, age: 1},
	) {
		require.NoError(t, mem.InsertPayment(ctx, p))
	}
	e := reporting.NewEngine(mem, reporting.WithClock(func() time.Time { return asOf }))

	out, err := e.Outstanding(ctx, "A")
	require.NoError(t, err)
	assert.True(t, out.Total.Equal(money(75)))

	aging, err := e.Aging(ctx, "A", time.Time{})
	require.NoError(t, err)
	require.Len(t, aging.Rows, 1)
	assert.True(t, aging.Rows[0].Days30.Equal(money(75)))

	all, err := e.Outstanding(ctx, "")
	require.NoError(t, err)
	assert.True(t, all.Total.Equal(money(175)))

	rev, err := e.Revenue(ctx, "A", nil, nil)
	require.NoError(t, err)
	assert.True(t, rev.Total.Equal(money(25)))

	rows, err := e.Breakdown(ctx, "B", reporting.GroupByType)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	page, err := e.Accounts(ctx, "", reporting.AccountQuery{})
	require.NoError(t, err)
	assert.Equal(t, 2, page.TotalRows)
}

type brokenReader struct{ ledger.PaymentReader }

func (brokenReader) ListPayments(context.Context, ledger.PaymentFilter) ([]ledger.Payment, error) {
	return nil, fmt.Errorf("%w: disk I/O error", ledger.ErrStorageUnavailable)
}

type hangingReader struct{ ledger.PaymentReader }

func (hangingReader) ListPayments(ctx context.Context, _ ledger.PaymentFilter) ([]ledger.Payment, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestEngine_ReadFailuresAreRetryable(t *testing.T) {
	_, err := reporting.NewEngine(brokenReader{}).Outstanding(context.Background(), "A")
	assert.ErrorIs(t, err, ledger.ErrStorageUnavailable)
	assert.True(t, ledger.IsRetryable(err))

	_, err = reporting.NewEngine(hangingReader{}, reporting.WithTimeout(10*time.Millisecond)).
		Aging(context.Background(), "A", asOf)
	assert.ErrorIs(t, err, ledger.ErrStorageUnavailable)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
