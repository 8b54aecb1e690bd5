package ledger

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// =============================================================================
// PAYMENT AMOUNTS - Bucket breakdown with derived totals
// =============================================================================

// PaymentAmounts holds every bucket of a payment plus the derived totals.
//
// INVARIANTS (at rest):
//   - totalPaid == sum of the paid buckets
//   - totalOwed == max(0, totalPaymentAmount - totalPaid)
//   - no bucket is negative
//
// Fields are unexported so the invariants cannot be bypassed from outside the
// package. Reads go through Get / TotalPaid / TotalOwed.
type PaymentAmounts struct {
	totalPaymentAmount decimal.Decimal

	pop             decimal.Decimal
	popFinal        decimal.Decimal
	directAuth      decimal.Decimal
	directAuthFinal decimal.Decimal

	cob1 decimal.Decimal
	cob2 decimal.Decimal
	cob3 decimal.Decimal

	insurance1st decimal.Decimal
	insurance2nd decimal.Decimal
	insurance3rd decimal.Decimal

	noInsuranceFinal decimal.Decimal

	refund      decimal.Decimal
	salesRefund decimal.Decimal
	writeoff    decimal.Decimal
	badDebt     decimal.Decimal

	totalPaid decimal.Decimal
	totalOwed decimal.Decimal
}

// NewPaymentAmounts builds a validated breakdown for a new payment.
// total must be positive; opening bucket values must be postable and non-negative.
func NewPaymentAmounts(total decimal.Decimal, opening map[Bucket]decimal.Decimal) (PaymentAmounts, error) {
	var a PaymentAmounts
	total = Round(total)
	if !total.IsPositive() {
		return a, fmt.Errorf("%w: totalPaymentAmount must be positive, got %s", ErrInvalidAmount, total)
	}
	a.totalPaymentAmount = total
	for b, v := range opening {
		if !b.IsPostable() {
			return PaymentAmounts{}, &UnsupportedBucketError{Bucket: b, Op: "create"}
		}
		if v.IsNegative() {
			return PaymentAmounts{}, fmt.Errorf("%w: bucket %s is negative (%s)", ErrInvalidAmount, b, v)
		}
		*a.slot(b) = Round(v)
	}
	a.RecomputeTotals()
	return a, nil
}

// slot maps a bucket to its field. Every Bucket constant must have a case;
// TestSlot_CoversEveryBucket fails when one is missing. Unknown values
// return nil and callers turn that into ErrUnsupportedBucket.
func (a *PaymentAmounts) slot(b Bucket) *decimal.Decimal {
	switch b {
	case BucketTotalPaymentAmount:
		return &a.totalPaymentAmount
	case BucketPOP:
		return &a.pop
	case BucketPOPFinal:
		return &a.popFinal
	case BucketDirectAuth:
		return &a.directAuth
	case BucketDirectAuthFinal:
		return &a.directAuthFinal
	case BucketCOB1:
		return &a.cob1
	case BucketCOB2:
		return &a.cob2
	case BucketCOB3:
		return &a.cob3
	case BucketInsurance1st:
		return &a.insurance1st
	case BucketInsurance2nd:
		return &a.insurance2nd
	case BucketInsurance3rd:
		return &a.insurance3rd
	case BucketNoInsuranceFinal:
		return &a.noInsuranceFinal
	case BucketRefund:
		return &a.refund
	case BucketSalesRefund:
		return &a.salesRefund
	case BucketWriteoff:
		return &a.writeoff
	case BucketBadDebt:
		return &a.badDebt
	}
	return nil
}

// Get returns the value of bucket b, or zero for an unknown bucket.
func (a PaymentAmounts) Get(b Bucket) decimal.Decimal {
	if s := a.slot(b); s != nil {
		return *s
	}
	return decimal.Zero
}

func (a PaymentAmounts) TotalPaymentAmount() decimal.Decimal { return a.totalPaymentAmount }
func (a PaymentAmounts) TotalPaid() decimal.Decimal          { return a.totalPaid }
func (a PaymentAmounts) TotalOwed() decimal.Decimal          { return a.totalOwed }

// Refunded returns refund + salesRefund.
func (a PaymentAmounts) Refunded() decimal.Decimal { return a.refund.Add(a.salesRefund) }

// RecomputeTotals rewrites totalPaid and totalOwed from the buckets.
func (a *PaymentAmounts) RecomputeTotals() {
	paid := decimal.Zero
	for _, b := range paidBuckets {
		paid = paid.Add(*a.slot(b))
	}
	a.totalPaid = Round(paid)

	owed := a.totalPaymentAmount.Sub(a.totalPaid)
	if owed.IsNegative() {
		owed = decimal.Zero
	}
	a.totalOwed = Round(owed)
}

// Validate checks the at-rest invariants. Used by stores after decoding and by tests.
func (a PaymentAmounts) Validate() error {
	for _, b := range AllBuckets() {
		if a.Get(b).IsNegative() {
			return fmt.Errorf("%w: bucket %s is negative", ErrInvalidAmount, b)
		}
	}
	check := a
	check.RecomputeTotals()
	if !check.totalPaid.Equal(a.totalPaid) || !check.totalOwed.Equal(a.totalOwed) {
		return fmt.Errorf("%w: totals out of sync (paid %s, owed %s)", ErrInvalidAmount, a.totalPaid, a.totalOwed)
	}
	return nil
}

// =============================================================================
// JSON - camelCase bucket names at the boundary
// =============================================================================

type amountsJSON struct {
	TotalPaymentAmount decimal.Decimal `json:"totalPaymentAmount"`
	Pop                decimal.Decimal `json:"pop"`
	PopFinal           decimal.Decimal `json:"popFinal"`
	DirectAuth         decimal.Decimal `json:"directAuth"`
	DirectAuthFinal    decimal.Decimal `json:"directAuthFinal"`
	Cob1               decimal.Decimal `json:"cob1"`
	Cob2               decimal.Decimal `json:"cob2"`
	Cob3               decimal.Decimal `json:"cob3"`
	Insurance1st       decimal.Decimal `json:"insurance1st"`
	Insurance2nd       decimal.Decimal `json:"insurance2nd"`
	Insurance3rd       decimal.Decimal `json:"insurance3rd"`
	NoInsuranceFinal   decimal.Decimal `json:"noInsuranceFinal"`
	Refund             decimal.Decimal `json:"refund"`
	SalesRefund        decimal.Decimal `json:"salesRefund"`
	Writeoff           decimal.Decimal `json:"writeoff"`
	BadDebt            decimal.Decimal `json:"badDebt"`
	TotalPaid          decimal.Decimal `json:"totalPaid"`
	TotalOwed          decimal.Decimal `json:"totalOwed"`
}

func (a PaymentAmounts) MarshalJSON() ([]byte, error) {
	return json.Marshal(amountsJSON{
		TotalPaymentAmount: a.totalPaymentAmount,
		Pop:                a.pop,
		PopFinal:           a.popFinal,
		DirectAuth:         a.directAuth,
		DirectAuthFinal:    a.directAuthFinal,
		Cob1:               a.cob1,
		Cob2:               a.cob2,
		Cob3:               a.cob3,
		Insurance1st:       a.insurance1st,
		Insurance2nd:       a.insurance2nd,
		Insurance3rd:       a.insurance3rd,
		NoInsuranceFinal:   a.noInsuranceFinal,
		Refund:             a.refund,
		SalesRefund:        a.salesRefund,
		Writeoff:           a.writeoff,
		BadDebt:            a.badDebt,
		TotalPaid:          a.totalPaid,
		TotalOwed:          a.totalOwed,
	})
}

// UnmarshalJSON decodes the buckets and recomputes the totals; the decoded
// totalPaid/totalOwed are ignored so a stored document can never carry stale totals.
func (a *PaymentAmounts) UnmarshalJSON(data []byte) error {
	var j amountsJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	*a = PaymentAmounts{
		totalPaymentAmount: j.TotalPaymentAmount,
		pop:                j.Pop,
		popFinal:           j.PopFinal,
		directAuth:         j.DirectAuth,
		directAuthFinal:    j.DirectAuthFinal,
		cob1:               j.Cob1,
		cob2:               j.Cob2,
		cob3:               j.Cob3,
		insurance1st:       j.Insurance1st,
		insurance2nd:       j.Insurance2nd,
		insurance3rd:       j.Insurance3rd,
		noInsuranceFinal:   j.NoInsuranceFinal,
		refund:             j.Refund,
		salesRefund:        j.SalesRefund,
		writeoff:           j.Writeoff,
		badDebt:            j.BadDebt,
	}
	a.RecomputeTotals()
	return a.Validate()
}

// Map returns every bucket with its value, for DTOs and reports.
func (a PaymentAmounts) Map() map[Bucket]decimal.Decimal {
	m := make(map[Bucket]decimal.Decimal, len(AllBuckets()))
	for _, b := range AllBuckets() {
		m[b] = a.Get(b)
	}
	return m
}
