// Package store provides an in-memory ledger.Store.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/payment-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements ledger.Store and ledger.Counter behind one RWMutex.
// Every method is a single critical section, which gives the same
// conditional-update semantics as the SQL store.
type Memory struct {
	mu       sync.RWMutex
	payments map[ledger.PaymentID]ledger.Payment
	byNumber map[string]ledger.PaymentID
	archives map[ledger.ArchiveID]ledger.ArchiveRecord
	order    []ledger.ArchiveID // archive insertion order
	counters map[string]int64
}

func NewMemory() *Memory {
	return &Memory{
		payments: make(map[ledger.PaymentID]ledger.Payment),
		byNumber: make(map[string]ledger.PaymentID),
		archives: make(map[ledger.ArchiveID]ledger.ArchiveRecord),
		counters: make(map[string]int64),
	}
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (m *Memory) InsertPayment(ctx context.Context, p ledger.Payment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.payments[p.ID]; exists {
		return fmt.Errorf("payment %s already exists: %w", p.ID, ledger.ErrConcurrentModification)
	}
	if _, taken := m.byNumber[p.PaymentNumber]; taken {
		return fmt.Errorf("%w: %s", ledger.ErrDuplicatePaymentNumber, p.PaymentNumber)
	}
	p.Version = 1
	m.payments[p.ID] = p
	m.byNumber[p.PaymentNumber] = p.ID
	return nil
}

func (m *Memory) UpdatePayment(ctx context.Context, p ledger.Payment, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.payments[p.ID]
	if !ok || current.Deleted {
		return ledger.ErrNotFound
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("%w: payment %s at version %d, expected %d",
			ledger.ErrConcurrentModification, p.ID, current.Version, expectedVersion)
	}
	// Identity fields are immutable.
	p.PaymentNumber = current.PaymentNumber
	p.CreatedAt = current.CreatedAt
	p.CreatedBy = current.CreatedBy
	p.Version = expectedVersion + 1
	m.payments[p.ID] = p
	return nil
}

func (m *Memory) GetPayment(ctx context.Context, id ledger.PaymentID) (ledger.Payment, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Payment{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[id]
	if !ok || p.Deleted {
		return ledger.Payment{}, ledger.ErrNotFound
	}
	return p, nil
}

func (m *Memory) GetPaymentByNumber(ctx context.Context, number string) (ledger.Payment, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Payment{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byNumber[number]
	if !ok {
		return ledger.Payment{}, ledger.ErrNotFound
	}
	p := m.payments[id]
	if p.Deleted {
		return ledger.Payment{}, ledger.ErrNotFound
	}
	return p, nil
}

// ListPayments returns matches ordered by payment date, then number.
func (m *Memory) ListPayments(ctx context.Context, f ledger.PaymentFilter) ([]ledger.Payment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	result := make([]ledger.Payment, 0, len(m.payments))
	for _, p := range m.payments {
		if f.Matches(p) {
			result = append(result, p)
		}
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if !result[i].PaymentDate.Equal(result[j].PaymentDate) {
			return result[i].PaymentDate.Before(result[j].PaymentDate)
		}
		return result[i].PaymentNumber < result[j].PaymentNumber
	})
	return page(result, f.Offset, f.Limit), nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return items[:0]
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// =============================================================================
// ARCHIVES
// =============================================================================

func (m *Memory) ArchivePayment(ctx context.Context, rec ledger.ArchiveRecord, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.payments[rec.OriginalID]
	if !ok || current.Deleted {
		return ledger.ErrNotFound
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("%w: payment %s at version %d, expected %d",
			ledger.ErrConcurrentModification, rec.OriginalID, current.Version, expectedVersion)
	}

	current.Deleted = true
	current.Version++
	current.UpdatedAt = rec.ArchivedAt
	current.UpdatedBy = rec.ArchivedBy
	m.payments[rec.OriginalID] = current
	m.archives[rec.ID] = rec
	m.order = append(m.order, rec.ID)
	return nil
}

func (m *Memory) GetArchive(ctx context.Context, id ledger.ArchiveID) (ledger.ArchiveRecord, error) {
	if err := ctx.Err(); err != nil {
		return ledger.ArchiveRecord{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.archives[id]
	if !ok {
		return ledger.ArchiveRecord{}, ledger.ErrArchiveNotFound
	}
	return rec, nil
}

// ListArchives returns matches, newest first.
func (m *Memory) ListArchives(ctx context.Context, f ledger.ArchiveFilter) ([]ledger.ArchiveRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.ArchiveRecord
	for i := len(m.order) - 1; i >= 0; i-- {
		rec := m.archives[m.order[i]]
		if f.Matches(rec) {
			result = append(result, rec)
		}
	}
	return result, nil
}

func (m *Memory) MarkArchiveRestored(ctx context.Context, id ledger.ArchiveID, actor string, at time.Time) (ledger.ArchiveRecord, error) {
	if err := ctx.Err(); err != nil {
		return ledger.ArchiveRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.archives[id]
	if !ok {
		return ledger.ArchiveRecord{}, ledger.ErrArchiveNotFound
	}
	if rec.IsRestored {
		return ledger.ArchiveRecord{}, ledger.ErrAlreadyRestored
	}
	rec.IsRestored = true
	rec.RestoredAt = &at
	rec.RestoredBy = actor
	m.archives[id] = rec
	return rec, nil
}

func (m *Memory) ReinstatePayment(ctx context.Context, p ledger.Payment) (ledger.Payment, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Payment{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.payments[p.ID]
	switch {
	case ok && !current.Deleted:
		return current, nil
	case ok:
		current.Deleted = false
		current.Version++
		current.UpdatedAt = p.UpdatedAt
		current.UpdatedBy = p.UpdatedBy
		m.payments[p.ID] = current
		return current, nil
	}

	if owner, taken := m.byNumber[p.PaymentNumber]; taken && owner != p.ID {
		return ledger.Payment{}, fmt.Errorf("%w: %s", ledger.ErrDuplicatePaymentNumber, p.PaymentNumber)
	}
	p.Deleted = false
	p.Version = 1
	m.payments[p.ID] = p
	m.byNumber[p.PaymentNumber] = p.ID
	return p, nil
}

// =============================================================================
// COUNTER
// =============================================================================

// Next increments and returns the named sequence. Starts at 1.
func (m *Memory) Next(ctx context.Context, name string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name]++
	return m.counters[name], nil
}

// Purge drops a payment row outright, as a retention job would.
// Archives are kept.
func (m *Memory) Purge(id ledger.PaymentID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.payments[id]; ok {
		delete(m.byNumber, p.PaymentNumber)
		delete(m.payments, id)
	}
}
