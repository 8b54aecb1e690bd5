/*
store.go - Persistence interfaces for payments, archives and counters

PURPOSE:
  Defines the boundary between the engine and the database. The engine
  never holds a record between calls; it reads, changes a copy and writes
  back with a conditional update keyed on Version.

KEY INTERFACES:
  PaymentReader: Read-only access, used by the reporting engine
  PaymentStore:  Insert and compare-and-swap update
  ArchiveStore:  Archive (atomic soft-delete + copy), restore flag, reinstate
  Counter:       Atomic increment-and-fetch for payment numbers
  Locker:        Optional per-record lock held for one read-modify-write

CONDITIONAL UPDATE CONTRACT:
  UpdatePayment(ctx, p, expected) succeeds only if the stored Version equals
  expected, and stores p with Version expected+1. Otherwise it returns
  ErrConcurrentModification (row exists) or ErrNotFound (row missing).

ERROR CONTRACT:
  Implementations return the ledger sentinels (ErrNotFound,
  ErrArchiveNotFound, ErrConcurrentModification, ErrDuplicatePaymentNumber,
  ErrAlreadyRestored) and wrap connectivity failures with ErrStorageUnavailable.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go:       SQLite (production)
  - ledger/store/memory.go:       In-memory (tests, dev)
  - store/redisstore/redis.go:    Counter and Locker on Redis
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// PAYMENTS
// =============================================================================

// PaymentReader never mutates. Soft-deleted payments are invisible.
type PaymentReader interface {
	GetPayment(ctx context.Context, id PaymentID) (Payment, error)
	GetPaymentByNumber(ctx context.Context, number string) (Payment, error)
	ListPayments(ctx context.Context, filter PaymentFilter) ([]Payment, error)
}

type PaymentStore interface {
	PaymentReader

	// InsertPayment stores a new payment with Version 1.
	InsertPayment(ctx context.Context, p Payment) error

	// UpdatePayment is a compare-and-swap on Version.
	UpdatePayment(ctx context.Context, p Payment, expectedVersion int64) error
}

// =============================================================================
// ARCHIVES
// =============================================================================

type ArchiveStore interface {
	// ArchivePayment inserts rec and soft-deletes rec.OriginalID in one unit,
	// conditional on the payment still being at expectedVersion.
	ArchivePayment(ctx context.Context, rec ArchiveRecord, expectedVersion int64) error

	GetArchive(ctx context.Context, id ArchiveID) (ArchiveRecord, error)
	ListArchives(ctx context.Context, filter ArchiveFilter) ([]ArchiveRecord, error)

	// MarkArchiveRestored flips IsRestored once. A second call returns ErrAlreadyRestored.
	MarkArchiveRestored(ctx context.Context, id ArchiveID, actor string, at time.Time) (ArchiveRecord, error)

	// ReinstatePayment makes p live again: clears the soft-delete flag of the
	// existing row, or inserts p when the row is gone.
	ReinstatePayment(ctx context.Context, p Payment) (Payment, error)
}

// Store is everything the engine needs.
type Store interface {
	PaymentStore
	ArchiveStore
}

// =============================================================================
// COUNTER / LOCKER
// =============================================================================

// Counter issues the next value of a named sequence.
// Next must be a single atomic storage operation; never a process-local counter.
type Counter interface {
	Next(ctx context.Context, name string) (int64, error)
}

// Locker serializes mutations of one record across processes.
// Acquire returns a release function, or ErrStorageUnavailable if the lock
// could not be taken in time.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}
