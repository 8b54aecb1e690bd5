/*
calc.go - Pure calculation and transition logic of a payment

PURPOSE:
  Everything in this file is a pure function of the bucket values. No I/O,
  no clock. The engine calls these on a copy of the stored record and then
  persists the copy with a conditional update.

STATUS DERIVATION:
  totalPaid == 0 and refunds > 0      -> refunded
  totalPaid == 0                      -> pending
  0 < totalPaid < totalPaymentAmount  -> partial
  totalPaid >= totalPaymentAmount     -> completed

  refunded, failed and writeoff are terminal: they are kept as they are and
  the payment accepts no further amount mutations.

STATE DIAGRAM:
  pending -> partial -> completed -> refunded
                  ^          |
                  +----------+  (partial refund only)
  pending / partial / completed -> writeoff | failed  (administrative)

REFUNDS:
  The refunded amount is recorded in refund or salesRefund and drained from
  the paid buckets in refundDrainOrder, so totalPaid stays the exact sum of
  its buckets after every refund.

SEE ALSO:
  - amounts.go: Bucket storage and totals
  - engine.go: Transactional wrapper
*/
package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DeriveStatus computes the status implied by the amounts.
// Terminal statuses in current are preserved.
func DeriveStatus(a PaymentAmounts, current Status) Status {
	if current.IsClosed() {
		return current
	}
	paid := a.TotalPaid()
	switch {
	case paid.IsZero() && a.Refunded().IsPositive():
		return StatusRefunded
	case paid.IsZero():
		return StatusPending
	case paid.LessThan(a.TotalPaymentAmount()):
		return StatusPartial
	default:
		return StatusCompleted
	}
}

// =============================================================================
// ADD AMOUNT - Monotonic collection
// =============================================================================

// AddAmount adds amount (rounded to cents) to bucket b and recomputes totals and status.
func (p *Payment) AddAmount(b Bucket, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: amount must not be negative, got %s", ErrInvalidAmount, amount)
	}
	if !b.IsPostable() {
		return &UnsupportedBucketError{Bucket: b, Op: "addAmount"}
	}
	if p.Status.IsClosed() {
		return fmt.Errorf("%w: status is %s", ErrPaymentClosed, p.Status)
	}

	s := p.Amounts.slot(b)
	*s = Round(s.Add(Round(amount)))
	p.recompute()
	return nil
}

// =============================================================================
// REFUND - Completed payments only, bounded by what was collected
// =============================================================================

// RefundAllocation records which paid buckets a refund was drained from.
type RefundAllocation struct {
	Amount  decimal.Decimal
	Type    RefundType
	Bucket  Bucket // refund or salesRefund
	Drained []BucketAmount
}

type BucketAmount struct {
	Bucket Bucket
	Amount decimal.Decimal
}

// CanRefund reports whether the payment may be refunded at all.
func (p *Payment) CanRefund() bool {
	return p.Status == StatusCompleted && p.Amounts.TotalPaid().IsPositive()
}

// ApplyRefund returns amount to the payer. On error the payment is untouched.
func (p *Payment) ApplyRefund(amount decimal.Decimal, rt RefundType) (RefundAllocation, error) {
	amount = Round(amount)
	if !amount.IsPositive() {
		return RefundAllocation{}, fmt.Errorf("%w: refund amount must be positive, got %s", ErrInvalidAmount, amount)
	}
	if rt != RefundSales && rt != RefundStandard {
		return RefundAllocation{}, fmt.Errorf("%w: refund type %q", ErrInvalidInput, rt)
	}
	if !p.CanRefund() {
		return RefundAllocation{}, fmt.Errorf("%w: status is %s, collected %s",
			ErrRefundNotAllowed, p.Status, p.Amounts.TotalPaid())
	}
	if amount.GreaterThan(p.Amounts.TotalPaid()) {
		return RefundAllocation{}, &RefundExceedsCollectedError{
			PaymentID: p.ID,
			Requested: amount,
			Collected: p.Amounts.TotalPaid(),
		}
	}

	alloc := RefundAllocation{Amount: amount, Type: rt, Bucket: rt.bucket()}
	remaining := amount
	for _, b := range refundDrainOrder {
		if !remaining.IsPositive() {
			break
		}
		s := p.Amounts.slot(b)
		if !s.IsPositive() {
			continue
		}
		take := decimal.Min(*s, remaining)
		*s = s.Sub(take)
		remaining = remaining.Sub(take)
		alloc.Drained = append(alloc.Drained, BucketAmount{Bucket: b, Amount: take})
	}

	rb := p.Amounts.slot(alloc.Bucket)
	*rb = rb.Add(amount)
	p.recompute()
	return alloc, nil
}

// =============================================================================
// ADMINISTRATIVE TRANSITIONS
// =============================================================================

// WriteOff closes the payment, moving what is still owed into the writeoff bucket.
func (p *Payment) WriteOff() error {
	if err := p.checkAdministrative(StatusWriteOff); err != nil {
		return err
	}
	p.Amounts.writeoff = Round(p.Amounts.writeoff.Add(p.Amounts.TotalOwed()))
	p.Amounts.RecomputeTotals()
	p.Status = StatusWriteOff
	return nil
}

// MarkFailed closes the payment as failed, e.g. after a dispute. Amounts are kept.
func (p *Payment) MarkFailed() error {
	if err := p.checkAdministrative(StatusFailed); err != nil {
		return err
	}
	p.Status = StatusFailed
	return nil
}

func (p *Payment) checkAdministrative(to Status) error {
	switch p.Status {
	case StatusPending, StatusPartial, StatusCompleted:
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, to)
}

func (p *Payment) recompute() {
	p.Amounts.RecomputeTotals()
	p.Status = DeriveStatus(p.Amounts, p.Status)
}
