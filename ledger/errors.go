/*
errors.go - Centralized error types for the payment ledger

PURPOSE:
  All error types in one place. Callers branch with errors.Is on the
  sentinels, or read the Kind of a structured *Error to pick a response.

ERROR CATEGORIES:
  1. Validation      - Malformed or out-of-range input. Caller-fixable, never retried.
  2. Business rule   - Refund on a non-completed payment, refund above collected, closed payment.
  3. Not found       - Unknown payment or archive.
  4. Conflict        - Concurrent modification. Retried by the engine before surfacing.
  5. Storage         - Connectivity, timeout. Retryable.

Degraded-mode numbering (sequence fallback) is not an error; it is logged.

USAGE:
  p, err := engine.ProcessRefund(ctx, id, amount, ledger.RefundSales, actor)
  switch {
  case errors.Is(err, ledger.ErrRefundExceedsCollected):
      // show "cannot refund more than collected"
  case ledger.IsRetryable(err):
      // safe to retry the request
  }

SEE ALSO:
  - engine.go: Wraps failures into *Error with the operation name
  - api/handlers.go: Maps Kind to HTTP status
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// Validation
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrMissingField      = errors.New("missing required field")
	ErrUnsupportedBucket = errors.New("unsupported bucket")
	ErrInvalidInput      = errors.New("invalid input")

	// Business rules
	ErrRefundNotAllowed       = errors.New("refund not allowed")
	ErrRefundExceedsCollected = errors.New("refund exceeds collected amount")
	ErrPaymentClosed          = errors.New("payment is closed")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrAlreadyRestored        = errors.New("archive already restored")
	ErrNotRestored            = errors.New("archive not restored")

	// Not found
	ErrNotFound        = errors.New("payment not found")
	ErrArchiveNotFound = errors.New("archive not found")

	// Conflict
	ErrConcurrentModification = errors.New("concurrent modification detected")
	ErrDuplicatePaymentNumber = errors.New("duplicate payment number")

	// Storage
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// =============================================================================
// KIND
// =============================================================================

type Kind string

const (
	KindValidation   Kind = "validation"
	KindBusinessRule Kind = "business_rule"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindStorage      Kind = "storage"
	KindInternal     Kind = "internal"
)

// KindOf classifies err. A structured *Error keeps the kind it was built with.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var le *Error
	if errors.As(err, &le) && le.Kind != "" {
		return le.Kind
	}
	switch {
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrMissingField),
		errors.Is(err, ErrUnsupportedBucket), errors.Is(err, ErrInvalidInput):
		return KindValidation
	case errors.Is(err, ErrRefundNotAllowed), errors.Is(err, ErrRefundExceedsCollected),
		errors.Is(err, ErrPaymentClosed), errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrAlreadyRestored), errors.Is(err, ErrNotRestored):
		return KindBusinessRule
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrArchiveNotFound):
		return KindNotFound
	case errors.Is(err, ErrConcurrentModification), errors.Is(err, ErrDuplicatePaymentNumber):
		return KindConflict
	case errors.Is(err, ErrStorageUnavailable):
		return KindStorage
	}
	return KindInternal
}

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// Error is the structured error returned by Engine operations.
type Error struct {
	Kind    Kind
	Op      string // engine operation, e.g. "processRefund"
	ID      string // payment or archive id, when known
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.ID != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.ID, msg)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(op, id string, err error) error {
	if err == nil {
		return nil
	}
	var le *Error
	if errors.As(err, &le) {
		return err
	}
	return &Error{Kind: KindOf(err), Op: op, ID: id, Message: err.Error(), Err: err}
}

// RefundExceedsCollectedError provides the numbers behind a rejected refund.
type RefundExceedsCollectedError struct {
	PaymentID PaymentID
	Requested decimal.Decimal
	Collected decimal.Decimal
}

func (e *RefundExceedsCollectedError) Error() string {
	return fmt.Sprintf("refund exceeds collected amount: requested %s, collected %s",
		e.Requested, e.Collected)
}

func (e *RefundExceedsCollectedError) Unwrap() error {
	return ErrRefundExceedsCollected
}

// UnsupportedBucketError names the bucket an operation refused.
type UnsupportedBucketError struct {
	Bucket Bucket
	Op     string
}

func (e *UnsupportedBucketError) Error() string {
	return fmt.Sprintf("unsupported bucket %q for %s", e.Bucket, e.Op)
}

func (e *UnsupportedBucketError) Unwrap() error {
	return ErrUnsupportedBucket
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	k := KindOf(err)
	return k == KindConflict || k == KindStorage
}

// IsClientError returns true if the error is due to invalid client input or a business rule.
func IsClientError(err error) bool {
	k := KindOf(err)
	return k == KindValidation || k == KindBusinessRule
}

// IsNotFound returns true if the error indicates a missing payment or archive.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}
