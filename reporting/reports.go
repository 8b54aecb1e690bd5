/*
Package reporting aggregates payments into read-only reports.

PURPOSE:
  Every report is a pure function over a slice of payments, so reports can
  be composed and tested without storage. Engine loads the slice through a
  ledger.PaymentReader and applies the function.

OWED AMOUNTS:
  Only open payments (pending, partial, completed) contribute to owed
  totals. A refunded, failed or written-off payment still carries
  totalOwed > 0 on its record, but nothing is expected to be collected on it.

AGING:
  Anchored on the payment date: current (< 30 days), 30-59, 60-89, 90+.
  For each client the four buckets sum exactly to the client's owed total.
  Payments dated in the future count as current.

SEE ALSO:
  - engine.go: Storage-backed entry points
*/
package reporting

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/payment-ledger/ledger"
)

// AgingNote is attached to every aging report.
const AgingNote = "Aging is measured from the payment date, not the invoice or order date. " +
	"Payments recorded late appear younger than the receivable they settle."

// owed is what is still expected to be collected on p.
func owed(p ledger.Payment) decimal.Decimal {
	if p.Status.IsClosed() {
		return decimal.Zero
	}
	return p.Amounts.TotalOwed()
}

// OpenStatuses are the statuses that can still owe money.
func OpenStatuses() []ledger.Status {
	return []ledger.Status{ledger.StatusPending, ledger.StatusPartial, ledger.StatusCompleted}
}

// =============================================================================
// OUTSTANDING / REVENUE
// =============================================================================

type OutstandingReport struct {
	Clinic string          `json:"clinic,omitempty"`
	Total  decimal.Decimal `json:"total"`
	Count  int             `json:"count"` // payments with something owed
}

func Outstanding(clinic string, payments []ledger.Payment) OutstandingReport {
	r := OutstandingReport{Clinic: clinic, Total: decimal.Zero}
	for _, p := range payments {
		if o := owed(p); o.IsPositive() {
			r.Total = r.Total.Add(o)
			r.Count++
		}
	}
	r.Total = ledger.Round(r.Total)
	return r
}

type RevenueReport struct {
	Clinic string          `json:"clinic,omitempty"`
	From   *time.Time      `json:"from,omitempty"`
	To     *time.Time      `json:"to,omitempty"`
	Total  decimal.Decimal `json:"total"`
	Count  int             `json:"count"`
}

// Revenue sums totalPaid of payments dated within [from, to]. Nil bounds are open.
func Revenue(clinic string, from, to *time.Time, payments []ledger.Payment) RevenueReport {
	r := RevenueReport{Clinic: clinic, From: from, To: to, Total: decimal.Zero}
	for _, p := range payments {
		if from != nil && p.PaymentDate.Before(*from) {
			continue
		}
		if to != nil && p.PaymentDate.After(*to) {
			continue
		}
		r.Total = r.Total.Add(p.Amounts.TotalPaid())
		r.Count++
	}
	r.Total = ledger.Round(r.Total)
	return r
}

// =============================================================================
// BREAKDOWN
// =============================================================================

type GroupBy string

const (
	GroupByType          GroupBy = "type"
	GroupByMethodAndType GroupBy = "method_type"
)

type BreakdownRow struct {
	Method   ledger.Method   `json:"method,omitempty"`
	Type     ledger.Bucket   `json:"type"`
	Count    int             `json:"count"`
	Invoiced decimal.Decimal `json:"invoiced"`
	Paid     decimal.Decimal `json:"paid"`
}

type breakdownKey struct {
	method ledger.Method
	typ    ledger.Bucket
}

// Breakdown groups count and sums by (method, type) or type alone.
// Rows are ordered by method, then type.
func Breakdown(by GroupBy, payments []ledger.Payment) []BreakdownRow {
	rows := map[breakdownKey]*BreakdownRow{}
	for _, p := range payments {
		k := breakdownKey{typ: p.Type}
		if by == GroupByMethodAndType {
			k.method = p.Method
		}
		r, ok := rows[k]
		if !ok {
			r = &BreakdownRow{Method: k.method, Type: k.typ, Invoiced: decimal.Zero, Paid: decimal.Zero}
			rows[k] = r
		}
		r.Count++
		r.Invoiced = r.Invoiced.Add(p.Amounts.TotalPaymentAmount())
		r.Paid = r.Paid.Add(p.Amounts.TotalPaid())
	}

	out := make([]BreakdownRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Method != out[j].Method {
			return out[i].Method < out[j].Method
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// =============================================================================
// AGING
// =============================================================================

type AgingRow struct {
	ClientID   ledger.ClientID `json:"clientId"`
	ClientName string          `json:"clientName,omitempty"`
	Current    decimal.Decimal `json:"current"`
	Days30     decimal.Decimal `json:"days30to59"`
	Days60     decimal.Decimal `json:"days60to89"`
	Days90     decimal.Decimal `json:"days90plus"`
	Total      decimal.Decimal `json:"total"`
}

type AgingReport struct {
	Clinic string     `json:"clinic,omitempty"`
	AsOf   time.Time  `json:"asOf"`
	Rows   []AgingRow `json:"rows"`
	Totals AgingRow   `json:"totals"`
	Note   string     `json:"note"`
}

func newAgingRow(id ledger.ClientID, name string) AgingRow {
	return AgingRow{
		ClientID:   id,
		ClientName: name,
		Current:    decimal.Zero,
		Days30:     decimal.Zero,
		Days60:     decimal.Zero,
		Days90:     decimal.Zero,
		Total:      decimal.Zero,
	}
}

// add puts amount into exactly one bucket by age, and into Total.
func (r *AgingRow) add(age time.Duration, amount decimal.Decimal) {
	days := int(age.Hours() / 24)
	switch {
	case days < 30:
		r.Current = r.Current.Add(amount)
	case days < 60:
		r.Days30 = r.Days30.Add(amount)
	case days < 90:
		r.Days60 = r.Days60.Add(amount)
	default:
		r.Days90 = r.Days90.Add(amount)
	}
	r.Total = r.Total.Add(amount)
}

func (r *AgingRow) merge(o AgingRow) {
	r.Current = r.Current.Add(o.Current)
	r.Days30 = r.Days30.Add(o.Days30)
	r.Days60 = r.Days60.Add(o.Days60)
	r.Days90 = r.Days90.Add(o.Days90)
	r.Total = r.Total.Add(o.Total)
}

// Aging buckets each client's owed total by payment age at now.
// Rows are ordered by total descending, then client id.
func Aging(clinic string, now time.Time, payments []ledger.Payment) AgingReport {
	byClient := map[ledger.ClientID]*AgingRow{}
	for _, p := range payments {
		o := owed(p)
		if !o.IsPositive() {
			continue
		}
		r, ok := byClient[p.ClientID]
		if !ok {
			row := newAgingRow(p.ClientID, p.ClientName)
			r = &row
			byClient[p.ClientID] = r
		}
		if r.ClientName == "" {
			r.ClientName = p.ClientName
		}
		r.add(now.Sub(p.PaymentDate), o)
	}

	report := AgingReport{
		Clinic: clinic,
		AsOf:   now,
		Rows:   make([]AgingRow, 0, len(byClient)),
		Totals: newAgingRow("", ""),
		Note:   AgingNote,
	}
	for _, r := range byClient {
		report.Rows = append(report.Rows, *r)
		report.Totals.merge(*r)
	}
	sort.Slice(report.Rows, func(i, j int) bool {
		a, b := report.Rows[i], report.Rows[j]
		if !a.Total.Equal(b.Total) {
			return a.Total.GreaterThan(b.Total)
		}
		return a.ClientID < b.ClientID
	})
	return report
}

// =============================================================================
// ACCOUNT SUMMARY
// =============================================================================

type SortField string

const (
	SortByClientName SortField = "name"
	SortByAmountDue  SortField = "owed"
)

type AccountRow struct {
	ClientID        ledger.ClientID `json:"clientId"`
	ClientName      string          `json:"clientName,omitempty"`
	Invoiced        decimal.Decimal `json:"invoiced"`
	Paid            decimal.Decimal `json:"paid"`
	Owed            decimal.Decimal `json:"owed"`
	PaymentCount    int             `json:"paymentCount"`
	LastPaymentDate time.Time       `json:"lastPaymentDate"`
}

type AccountQuery struct {
	Sort       SortField
	Descending bool
	Page       int // 1-based
	PageSize   int
}

type AccountPage struct {
	Rows       []AccountRow `json:"rows"`
	Page       int          `json:"page"`
	PageSize   int          `json:"pageSize"`
	TotalRows  int          `json:"totalRows"`
	TotalPages int          `json:"totalPages"`
}

const (
	DefaultPageSize = 25
	MaxPageSize     = 200
)

func (q AccountQuery) normalize() AccountQuery {
	if q.Sort != SortByAmountDue {
		q.Sort = SortByClientName
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize <= 0 {
		q.PageSize = DefaultPageSize
	}
	if q.PageSize > MaxPageSize {
		q.PageSize = MaxPageSize
	}
	return q
}

// Accounts rolls payments up per client, then sorts and pages the rows.
func Accounts(q AccountQuery, payments []ledger.Payment) AccountPage {
	q = q.normalize()

	byClient := map[ledger.ClientID]*AccountRow{}
	for _, p := range payments {
		r, ok := byClient[p.ClientID]
		if !ok {
			r = &AccountRow{ClientID: p.ClientID, Invoiced: decimal.Zero, Paid: decimal.Zero, Owed: decimal.Zero}
			byClient[p.ClientID] = r
		}
		if r.ClientName == "" {
			r.ClientName = p.ClientName
		}
		r.Invoiced = r.Invoiced.Add(p.Amounts.TotalPaymentAmount())
		r.Paid = r.Paid.Add(p.Amounts.TotalPaid())
		r.Owed = r.Owed.Add(owed(p))
		r.PaymentCount++
		if p.PaymentDate.After(r.LastPaymentDate) {
			r.LastPaymentDate = p.PaymentDate
		}
	}

	rows := make([]AccountRow, 0, len(byClient))
	for _, r := range byClient {
		rows = append(rows, *r)
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		var less, greater bool
		switch q.Sort {
		case SortByAmountDue:
			less, greater = a.Owed.LessThan(b.Owed), a.Owed.GreaterThan(b.Owed)
		default:
			an, bn := strings.ToLower(a.ClientName), strings.ToLower(b.ClientName)
			less, greater = an < bn, an > bn
		}
		if less == greater {
			// ties, in either direction, fall back to client id
			return a.ClientID < b.ClientID
		}
		if q.Descending {
			return greater
		}
		return less
	})

	page := AccountPage{
		Page:       q.Page,
		PageSize:   q.PageSize,
		TotalRows:  len(rows),
		TotalPages: (len(rows) + q.PageSize - 1) / q.PageSize,
	}
	start := (q.Page - 1) * q.PageSize
	if start >= len(rows) {
		page.Rows = []AccountRow{}
		return page
	}
	end := start + q.PageSize
	if end > len(rows) {
		end = len(rows)
	}
	page.Rows = rows[start:end]
	return page
}
