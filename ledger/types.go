/*
Package ledger provides the payment ledger and reconciliation engine.

PURPOSE:
  This package records clinic payments and keeps their running balances
  across the funding-source buckets (self-pay, direct authorization,
  coordination of benefits, insurer cheques, refunds, write-offs, bad debt).
  Totals and status are always derived from the buckets, never set directly.

KEY CONCEPTS IN THIS FILE (types.go):
  - Bucket: Identifier of one named money field (e.g. cob1, popFinal)
  - PaymentAmounts: The bucket breakdown embedded in every payment
  - Status: Lifecycle state derived from the amounts
  - Payment: The aggregate, owned by the clinic that recorded it
  - ArchiveRecord: Immutable copy of a payment taken at deletion

DESIGN PRINCIPLES:
  1. Precision: Money is decimal.Decimal rounded to cents (half up)
  2. Derived state: totalPaid, totalOwed and status are recomputed on every change
  3. No setters: buckets only move through AddAmount and ApplyRefund
  4. Single entry: one currency, one record per payment, no double-entry postings

USAGE:
  amounts, err := ledger.NewPaymentAmounts(ledger.Money(100), nil)
  p := ledger.Payment{Amounts: amounts, Status: ledger.StatusPending}
  err = p.AddAmount(ledger.BucketPOP, ledger.Money(60)) // Partial, owed 40

SEE ALSO:
  - calc.go: Totals, status derivation, refund drain
  - engine.go: Transactional read-modify-write over a Store
  - sequence.go: Payment number allocation
*/
package ledger

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - decimal values rounded to cents
// =============================================================================

// Money converts a float to a cent-rounded decimal. Intended for literals and tests.
func Money(value float64) decimal.Decimal {
	return Round(decimal.NewFromFloat(value))
}

// Round rounds to two decimal places, half away from zero.
// Buckets are never negative, so this is round-half-up in practice.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// MustParseDecimal parses s, returning zero on malformed input.
func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type PaymentID string
type ArchiveID string
type ClientID string

// =============================================================================
// BUCKET - Tagged identifier of one money field
// =============================================================================

// Bucket names a single money field of PaymentAmounts.
// The string values are the wire names used at the JSON boundary.
type Bucket string

const (
	BucketTotalPaymentAmount Bucket = "totalPaymentAmount"

	// Inputs from patient
	BucketPOP             Bucket = "pop"
	BucketPOPFinal        Bucket = "popFinal"
	BucketDirectAuth      Bucket = "directAuth"
	BucketDirectAuthFinal Bucket = "directAuthFinal"

	// Coordination of benefits, ranked
	BucketCOB1 Bucket = "cob1"
	BucketCOB2 Bucket = "cob2"
	BucketCOB3 Bucket = "cob3"

	// Direct insurer cheques
	BucketInsurance1st Bucket = "insurance1st"
	BucketInsurance2nd Bucket = "insurance2nd"
	BucketInsurance3rd Bucket = "insurance3rd"

	BucketNoInsuranceFinal Bucket = "noInsuranceFinal"

	// Adjustments, excluded from the paid sum
	BucketRefund      Bucket = "refund"
	BucketSalesRefund Bucket = "salesRefund"
	BucketWriteoff    Bucket = "writeoff"
	BucketBadDebt     Bucket = "badDebt"
)

// paidBuckets are summed into totalPaid.
var paidBuckets = []Bucket{
	BucketPOP, BucketPOPFinal, BucketDirectAuth, BucketDirectAuthFinal,
	BucketCOB1, BucketCOB2, BucketCOB3,
	BucketInsurance1st, BucketInsurance2nd, BucketInsurance3rd,
	BucketNoInsuranceFinal,
}

// refundDrainOrder is the order paid buckets are reduced when money is returned.
// Patient money goes back first, then insurer cheques, then COB tiers (lowest rank first).
var refundDrainOrder = []Bucket{
	BucketPOPFinal, BucketPOP, BucketDirectAuthFinal, BucketDirectAuth, BucketNoInsuranceFinal,
	BucketInsurance3rd, BucketInsurance2nd, BucketInsurance1st,
	BucketCOB3, BucketCOB2, BucketCOB1,
}

// AllBuckets returns every bucket identifier, including totalPaymentAmount.
func AllBuckets() []Bucket {
	all := []Bucket{BucketTotalPaymentAmount}
	all = append(all, paidBuckets...)
	return append(all, BucketRefund, BucketSalesRefund, BucketWriteoff, BucketBadDebt)
}

// PaidBuckets returns the buckets that count toward totalPaid.
func PaidBuckets() []Bucket {
	return append([]Bucket(nil), paidBuckets...)
}

// IsPaid reports whether b counts toward totalPaid.
func (b Bucket) IsPaid() bool {
	for _, p := range paidBuckets {
		if p == b {
			return true
		}
	}
	return false
}

// IsPostable reports whether AddAmount accepts b.
// Refund buckets move only through ApplyRefund; the invoice total is fixed at creation.
func (b Bucket) IsPostable() bool {
	return b.IsPaid() || b == BucketWriteoff || b == BucketBadDebt
}

var bucketAliases = map[string]Bucket{
	"dpa":                BucketDirectAuth,
	"dpafinal":           BucketDirectAuthFinal,
	"dpa_final":          BucketDirectAuthFinal,
	"pop_final":          BucketPOPFinal,
	"sales":              BucketSalesRefund,
	"write_off":          BucketWriteoff,
	"bad_debt":           BucketBadDebt,
	"no_insurance_final": BucketNoInsuranceFinal,
}

// ParseBucket resolves a bucket name case-insensitively ("POP", "cob1", "DPA").
func ParseBucket(s string) (Bucket, bool) {
	key := strings.ToLower(strings.TrimSpace(s))
	for _, b := range AllBuckets() {
		if strings.ToLower(string(b)) == key {
			return b, true
		}
	}
	b, ok := bucketAliases[key]
	return b, ok
}

// =============================================================================
// STATUS
// =============================================================================

type Status string

const (
	StatusPending   Status = "pending"   // Nothing collected yet
	StatusPartial   Status = "partial"   // 0 < totalPaid < totalPaymentAmount
	StatusCompleted Status = "completed" // totalPaid >= totalPaymentAmount
	StatusRefunded  Status = "refunded"  // Collected funds returned to zero by refund
	StatusFailed    Status = "failed"    // Administrative, e.g. disputes
	StatusWriteOff  Status = "writeoff"  // Administratively closed without full collection
)

// IsClosed reports whether the payment accepts no further amount mutations.
func (s Status) IsClosed() bool {
	return s == StatusRefunded || s == StatusFailed || s == StatusWriteOff
}

// =============================================================================
// METHOD / REFUND TYPE
// =============================================================================

type Method string

const (
	MethodCash          Method = "cash"
	MethodCard          Method = "card"
	MethodCheque        Method = "cheque"
	MethodDirectDeposit Method = "direct_deposit"
	MethodInsurance     Method = "insurance"
	MethodOther         Method = "other"
)

func ParseMethod(s string) (Method, bool) {
	switch m := Method(strings.ToLower(strings.TrimSpace(s))); m {
	case MethodCash, MethodCard, MethodCheque, MethodDirectDeposit, MethodInsurance, MethodOther:
		return m, true
	case "directdeposit", "eft":
		return MethodDirectDeposit, true
	case "credit_card", "debit":
		return MethodCard, true
	}
	return "", false
}

// RefundType selects which adjustment bucket records a refund.
type RefundType string

const (
	RefundSales    RefundType = "sales"    // recorded in salesRefund
	RefundStandard RefundType = "standard" // recorded in refund
)

func ParseRefundType(s string) (RefundType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sales", "salesrefund", "sales_refund":
		return RefundSales, true
	case "standard", "refund", "":
		return RefundStandard, true
	}
	return "", false
}

func (rt RefundType) bucket() Bucket {
	if rt == RefundSales {
		return BucketSalesRefund
	}
	return BucketRefund
}

// =============================================================================
// PAYMENT - The aggregate
// =============================================================================

type Payment struct {
	ID            PaymentID
	PaymentNumber string // PAY-00000123, globally unique
	LegacyID      string

	ClientID   ClientID
	ClientName string // display snapshot for account summaries
	OrderID    string // linked order or appointment, optional

	Method Method
	Type   Bucket // bucket this payment posts to
	Clinic string

	Amounts PaymentAmounts
	Status  Status
	Note    string

	// PaymentDate anchors aging.
	PaymentDate time.Time

	// Audit fields
	CreatedAt time.Time
	UpdatedAt time.Time
	CreatedBy string
	UpdatedBy string

	// Version is the optimistic concurrency revision, bumped by every stored update.
	Version int64
	Deleted bool
}

// CreatePayment is the input of Engine.Create.
type CreatePayment struct {
	ClientID           ClientID
	ClientName         string
	Clinic             string
	OrderID            string
	LegacyID           string
	Method             Method
	Type               Bucket
	TotalPaymentAmount decimal.Decimal
	Buckets            map[Bucket]decimal.Decimal // optional opening values
	PaymentDate        time.Time                  // zero means now
	Note               string
	Actor              string
}

// =============================================================================
// ARCHIVE RECORD
// =============================================================================

// ArchiveRecord is the copy of a payment taken when it is deleted.
// Only the restore fields change after creation.
type ArchiveRecord struct {
	ID         ArchiveID
	OriginalID PaymentID
	Payment    Payment

	Reason     string
	ArchivedBy string
	ArchivedAt time.Time

	IsRestored bool
	RestoredAt *time.Time
	RestoredBy string
}

// =============================================================================
// FILTERS
// =============================================================================

type PaymentFilter struct {
	Clinic          string
	ClientID        ClientID
	Statuses        []Status
	From            *time.Time // PaymentDate >= From
	To              *time.Time // PaymentDate <= To
	OnlyOutstanding bool       // totalOwed > 0
	Limit           int
	Offset          int
}

// Matches applies the filter to a single payment. Stores that cannot push a
// predicate down use this for the remainder.
func (f PaymentFilter) Matches(p Payment) bool {
	if p.Deleted {
		return false
	}
	if f.Clinic != "" && p.Clinic != f.Clinic {
		return false
	}
	if f.ClientID != "" && p.ClientID != f.ClientID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if p.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.From != nil && p.PaymentDate.Before(*f.From) {
		return false
	}
	if f.To != nil && p.PaymentDate.After(*f.To) {
		return false
	}
	if f.OnlyOutstanding && !p.Amounts.TotalOwed().IsPositive() {
		return false
	}
	return true
}

type ArchiveFilter struct {
	ClientID ClientID
	Clinic   string
	Restored *bool
}

func (f ArchiveFilter) Matches(r ArchiveRecord) bool {
	if f.ClientID != "" && r.Payment.ClientID != f.ClientID {
		return false
	}
	if f.Clinic != "" && r.Payment.Clinic != f.Clinic {
		return false
	}
	if f.Restored != nil && r.IsRestored != *f.Restored {
		return false
	}
	return true
}
