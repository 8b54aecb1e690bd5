/*
engine.go - Ledger mutation operations

PURPOSE:
  The Engine is the only way callers change a payment. Every mutation is a
  short read-modify-write over one record:

    1. (optional) take the per-record lock
    2. read the payment and its Version
    3. apply the pure change from calc.go on a copy
    4. UpdatePayment(copy, expectedVersion)
    5. on ErrConcurrentModification: back off, re-read, go to 3

  After MaxRetries the conflict is surfaced as a retryable *Error. Validation
  and business-rule failures return immediately without retry.

TIMEOUTS:
  Every storage call runs under StorageTimeout. A deadline surfaces as
  ErrStorageUnavailable; nothing blocks indefinitely. Caller cancellation is
  not interrupted mid-write: the conditional update applies fully or not at all.

EVENTS:
  Committed changes are published through the EventPublisher, if any.
  Publishing happens after the commit and its failure is only logged.

SEE ALSO:
  - calc.go: The pure changes applied here
  - store.go: Conditional update contract
  - sequence.go: Payment numbers, used only by Create
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// ENGINE
// =============================================================================

type Options struct {
	MaxRetries     int           // conflict retries after the first attempt
	RetryBackoff   time.Duration // base backoff, grows linearly with jitter
	StorageTimeout time.Duration // per storage call
	LockTTL        time.Duration // per-record lock lease, when a Locker is set
}

func DefaultOptions() Options {
	return Options{
		MaxRetries:     5,
		RetryBackoff:   10 * time.Millisecond,
		StorageTimeout: 5 * time.Second,
		LockTTL:        10 * time.Second,
	}
}

type Engine struct {
	store  Store
	alloc  *Allocator
	locker Locker
	events EventPublisher
	log    *zap.Logger
	now    func() time.Time
	opts   Options
}

type Option func(*Engine)

func WithLocker(l Locker) Option { return func(e *Engine) { e.locker = l } }
func WithPublisher(p EventPublisher) Option { return func(e *Engine) { e.events = p } }
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.log = l } }
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }
func WithOptions(o Options) Option { return func(e *Engine) { e.opts = o } }

func NewEngine(store Store, alloc *Allocator, opts ...Option) *Engine {
	e := &Engine{
		store: store,
		alloc: alloc,
		log:   zap.NewNop(),
		now:   func() time.Time { return time.Now().UTC() },
		opts:  DefaultOptions(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.opts.StorageTimeout <= 0 {
		e.opts.StorageTimeout = DefaultOptions().StorageTimeout
	}
	if e.opts.MaxRetries < 0 {
		e.opts.MaxRetries = 0
	}
	return e
}

// =============================================================================
// CREATE
// =============================================================================

// Create records a new payment. Its status is derived from the opening amounts,
// which makes it pending unless opening buckets already carry collected money.
func (e *Engine) Create(ctx context.Context, in CreatePayment) (Payment, error) {
	const op = "create"
	if err := in.validate(); err != nil {
		return Payment{}, wrap(op, "", err)
	}
	amounts, err := NewPaymentAmounts(in.TotalPaymentAmount, in.Buckets)
	if err != nil {
		return Payment{}, wrap(op, "", err)
	}

	now := e.now()
	p := Payment{
		ID:          PaymentID(uuid.NewString()),
		LegacyID:    in.LegacyID,
		ClientID:    in.ClientID,
		ClientName:  in.ClientName,
		OrderID:     in.OrderID,
		Method:      in.Method,
		Type:        in.Type,
		Clinic:      in.Clinic,
		Amounts:     amounts,
		Status:      DeriveStatus(amounts, StatusPending),
		Note:        in.Note,
		PaymentDate: in.PaymentDate,
		CreatedAt:   now,
		UpdatedAt:   now,
		CreatedBy:   in.Actor,
		UpdatedBy:   in.Actor,
		Version:     1,
	}
	if p.PaymentDate.IsZero() {
		p.PaymentDate = now
	}

	// A fallback number can collide with an existing one; draw again.
	for attempt := 0; ; attempt++ {
		p.PaymentNumber = e.alloc.NextPaymentNumber(ctx)
		err = e.withTimeout(ctx, func(ctx context.Context) error {
			return e.store.InsertPayment(ctx, p)
		})
		if err == nil {
			break
		}
		if !errors.Is(err, ErrDuplicatePaymentNumber) || attempt >= e.opts.MaxRetries {
			return Payment{}, wrap(op, string(p.ID), err)
		}
		e.log.Warn("payment number already taken, allocating another",
			zap.String("payment_number", p.PaymentNumber))
	}

	e.log.Info("payment created",
		zap.String("payment_id", string(p.ID)),
		zap.String("payment_number", p.PaymentNumber),
		zap.String("clinic", p.Clinic),
		zap.String("status", string(p.Status)),
	)
	ev := newEvent(EventPaymentCreated, p, in.Actor, now)
	ev.Amount = amounts.TotalPaymentAmount()
	ev.Bucket = p.Type
	e.publish(ctx, ev)
	return p, nil
}

func (in CreatePayment) validate() error {
	switch {
	case in.ClientID == "":
		return fmt.Errorf("%w: clientId", ErrMissingField)
	case in.Clinic == "":
		return fmt.Errorf("%w: clinic", ErrMissingField)
	case in.Method == "":
		return fmt.Errorf("%w: method", ErrMissingField)
	case in.Type == "":
		return fmt.Errorf("%w: type", ErrMissingField)
	}
	if m, ok := ParseMethod(string(in.Method)); !ok || m != in.Method {
		return fmt.Errorf("%w: payment method %q", ErrInvalidInput, in.Method)
	}
	if !in.Type.IsPostable() {
		return &UnsupportedBucketError{Bucket: in.Type, Op: "create"}
	}
	return nil
}

// =============================================================================
// ADD AMOUNT / REFUND
// =============================================================================

// AddAmount posts amount to bucket b. Monotonic: it only increases collected funds.
func (e *Engine) AddAmount(ctx context.Context, id PaymentID, b Bucket, amount decimal.Decimal, actor string) (Payment, error) {
	const op = "addAmount"
	if amount.IsNegative() {
		return Payment{}, wrap(op, string(id), fmt.Errorf("%w: amount must not be negative, got %s", ErrInvalidAmount, amount))
	}
	if !b.IsPostable() {
		return Payment{}, wrap(op, string(id), &UnsupportedBucketError{Bucket: b, Op: op})
	}

	p, err := e.mutate(ctx, op, id, actor, func(p *Payment) error {
		return p.AddAmount(b, amount)
	})
	if err != nil {
		return Payment{}, err
	}

	ev := newEvent(EventAmountAdded, p, actor, p.UpdatedAt)
	ev.Bucket = b
	ev.Amount = Round(amount)
	e.publish(ctx, ev)
	return p, nil
}

// ProcessRefund returns amount to the payer of a completed payment.
// It fails with ErrRefundNotAllowed unless the payment is completed with money
// collected, and with ErrRefundExceedsCollected when amount > totalPaid.
func (e *Engine) ProcessRefund(ctx context.Context, id PaymentID, amount decimal.Decimal, rt RefundType, actor string) (Payment, RefundAllocation, error) {
	const op = "processRefund"
	if !Round(amount).IsPositive() {
		return Payment{}, RefundAllocation{}, wrap(op, string(id), fmt.Errorf("%w: refund amount must be positive, got %s", ErrInvalidAmount, amount))
	}

	var alloc RefundAllocation
	p, err := e.mutate(ctx, op, id, actor, func(p *Payment) error {
		var err error
		alloc, err = p.ApplyRefund(amount, rt)
		return err
	})
	if err != nil {
		return Payment{}, RefundAllocation{}, err
	}

	ev := newEvent(EventPaymentRefunded, p, actor, p.UpdatedAt)
	ev.Bucket = alloc.Bucket
	ev.Amount = alloc.Amount
	e.publish(ctx, ev)
	return p, alloc, nil
}

// =============================================================================
// ADMINISTRATIVE TRANSITIONS
// =============================================================================

func (e *Engine) WriteOff(ctx context.Context, id PaymentID, note, actor string) (Payment, error) {
	var writtenOff decimal.Decimal
	p, err := e.mutate(ctx, "writeOff", id, actor, func(p *Payment) error {
		writtenOff = p.Amounts.TotalOwed()
		if err := p.WriteOff(); err != nil {
			return err
		}
		p.Note = appendNote(p.Note, note)
		return nil
	})
	if err != nil {
		return Payment{}, err
	}
	ev := newEvent(EventPaymentWrittenOff, p, actor, p.UpdatedAt)
	ev.Bucket = BucketWriteoff
	ev.Amount = writtenOff
	e.publish(ctx, ev)
	return p, nil
}

func (e *Engine) MarkFailed(ctx context.Context, id PaymentID, note, actor string) (Payment, error) {
	p, err := e.mutate(ctx, "markFailed", id, actor, func(p *Payment) error {
		if err := p.MarkFailed(); err != nil {
			return err
		}
		p.Note = appendNote(p.Note, note)
		return nil
	})
	if err != nil {
		return Payment{}, err
	}
	e.publish(ctx, newEvent(EventPaymentFailed, p, actor, p.UpdatedAt))
	return p, nil
}

func appendNote(existing, note string) string {
	switch {
	case note == "":
		return existing
	case existing == "":
		return note
	}
	return existing + "\n" + note
}

// =============================================================================
// ARCHIVE / RESTORE / REINSTATE
// =============================================================================

// Archive copies the payment into the archive and soft-deletes it, atomically.
func (e *Engine) Archive(ctx context.Context, id PaymentID, reason, actor string) (ArchiveRecord, error) {
	const op = "archive"
	release, err := e.lock(ctx, op, id)
	if err != nil {
		return ArchiveRecord{}, err
	}
	defer release()

	var rec ArchiveRecord
	err = e.withRetry(ctx, op, id, func(ctx context.Context) error {
		current, err := e.get(ctx, id)
		if err != nil {
			return err
		}
		rec = ArchiveRecord{
			ID:         ArchiveID(uuid.NewString()),
			OriginalID: id,
			Payment:    current,
			Reason:     reason,
			ArchivedBy: actor,
			ArchivedAt: e.now(),
		}
		return e.withTimeout(ctx, func(ctx context.Context) error {
			return e.store.ArchivePayment(ctx, rec, current.Version)
		})
	})
	if err != nil {
		return ArchiveRecord{}, err
	}

	e.log.Info("payment archived",
		zap.String("payment_id", string(id)),
		zap.String("archive_id", string(rec.ID)),
		zap.String("reason", reason),
	)
	ev := newEvent(EventPaymentArchived, rec.Payment, actor, rec.ArchivedAt)
	ev.ArchiveID = rec.ID
	e.publish(ctx, ev)
	return rec, nil
}

// Restore flags an archive as restored. It does not bring the live payment
// back; that is Reinstate, an explicit follow-up.
func (e *Engine) Restore(ctx context.Context, id ArchiveID, actor string) (ArchiveRecord, error) {
	const op = "restore"
	var rec ArchiveRecord
	err := e.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		rec, err = e.store.MarkArchiveRestored(ctx, id, actor, e.now())
		return err
	})
	if err != nil {
		return ArchiveRecord{}, wrap(op, string(id), err)
	}

	e.log.Info("archive restored",
		zap.String("archive_id", string(id)),
		zap.String("payment_id", string(rec.OriginalID)),
		zap.String("actor", actor),
	)
	ev := newEvent(EventArchiveRestored, rec.Payment, actor, e.now())
	ev.ArchiveID = rec.ID
	e.publish(ctx, ev)
	return rec, nil
}

// Reinstate makes the archived payment live again. The archive must be restored first.
func (e *Engine) Reinstate(ctx context.Context, id ArchiveID, actor string) (Payment, error) {
	const op = "reinstate"
	rec, err := e.GetArchive(ctx, id)
	if err != nil {
		return Payment{}, err
	}
	if !rec.IsRestored {
		return Payment{}, wrap(op, string(id), fmt.Errorf("%w: restore the archive before reinstating", ErrNotRestored))
	}

	release, err := e.lock(ctx, op, rec.OriginalID)
	if err != nil {
		return Payment{}, err
	}
	defer release()

	p := rec.Payment
	p.Deleted = false
	p.UpdatedAt = e.now()
	p.UpdatedBy = actor

	var out Payment
	err = e.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		out, err = e.store.ReinstatePayment(ctx, p)
		return err
	})
	if err != nil {
		return Payment{}, wrap(op, string(id), err)
	}

	e.log.Info("payment reinstated",
		zap.String("archive_id", string(id)),
		zap.String("payment_id", string(out.ID)),
	)
	ev := newEvent(EventPaymentReinstated, out, actor, out.UpdatedAt)
	ev.ArchiveID = rec.ID
	e.publish(ctx, ev)
	return out, nil
}

// =============================================================================
// READS
// =============================================================================

func (e *Engine) Get(ctx context.Context, id PaymentID) (Payment, error) {
	p, err := e.get(ctx, id)
	return p, wrap("get", string(id), err)
}

func (e *Engine) GetByNumber(ctx context.Context, number string) (Payment, error) {
	var p Payment
	err := e.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		p, err = e.store.GetPaymentByNumber(ctx, number)
		return err
	})
	return p, wrap("getByNumber", number, err)
}

func (e *Engine) List(ctx context.Context, f PaymentFilter) ([]Payment, error) {
	var ps []Payment
	err := e.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		ps, err = e.store.ListPayments(ctx, f)
		return err
	})
	return ps, wrap("list", "", err)
}

func (e *Engine) GetArchive(ctx context.Context, id ArchiveID) (ArchiveRecord, error) {
	var rec ArchiveRecord
	err := e.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		rec, err = e.store.GetArchive(ctx, id)
		return err
	})
	return rec, wrap("getArchive", string(id), err)
}

func (e *Engine) ListArchives(ctx context.Context, f ArchiveFilter) ([]ArchiveRecord, error) {
	var recs []ArchiveRecord
	err := e.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		recs, err = e.store.ListArchives(ctx, f)
		return err
	})
	return recs, wrap("listArchives", "", err)
}

// =============================================================================
// READ-MODIFY-WRITE
// =============================================================================

// mutate applies change to a fresh copy of the payment and stores it with a
// conditional update, retrying on conflict.
func (e *Engine) mutate(ctx context.Context, op string, id PaymentID, actor string, change func(*Payment) error) (Payment, error) {
	release, err := e.lock(ctx, op, id)
	if err != nil {
		return Payment{}, err
	}
	defer release()

	var out Payment
	err = e.withRetry(ctx, op, id, func(ctx context.Context) error {
		current, err := e.get(ctx, id)
		if err != nil {
			return err
		}
		next := current
		if err := change(&next); err != nil {
			return err
		}
		if err := next.Amounts.Validate(); err != nil {
			return fmt.Errorf("refusing to store inconsistent amounts: %w", err)
		}
		next.UpdatedAt = e.now()
		next.UpdatedBy = actor

		err = e.withTimeout(ctx, func(ctx context.Context) error {
			return e.store.UpdatePayment(ctx, next, current.Version)
		})
		if err != nil {
			return err
		}
		next.Version = current.Version + 1
		out = next
		return nil
	})
	if err != nil {
		return Payment{}, err
	}

	e.log.Info("payment updated",
		zap.String("op", op),
		zap.String("payment_id", string(id)),
		zap.String("status", string(out.Status)),
		zap.String("total_paid", out.Amounts.TotalPaid().StringFixed(2)),
		zap.String("total_owed", out.Amounts.TotalOwed().StringFixed(2)),
		zap.Int64("version", out.Version),
	)
	return out, nil
}

func (e *Engine) withRetry(ctx context.Context, op string, id PaymentID, fn func(context.Context) error) error {
	for attempt := 0; attempt <= e.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := e.backoff(ctx, attempt); err != nil {
				return wrap(op, string(id), err)
			}
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConcurrentModification) {
			return wrap(op, string(id), err)
		}
		e.log.Debug("concurrent modification, retrying with fresh read",
			zap.String("op", op),
			zap.String("payment_id", string(id)),
			zap.Int("attempt", attempt+1),
		)
	}
	return &Error{
		Kind:    KindConflict,
		Op:      op,
		ID:      string(id),
		Message: fmt.Sprintf("still conflicting after %d attempts", e.opts.MaxRetries+1),
		Err:     ErrConcurrentModification,
	}
}

func (e *Engine) backoff(ctx context.Context, attempt int) error {
	if e.opts.RetryBackoff <= 0 {
		return ctx.Err()
	}
	d := e.opts.RetryBackoff * time.Duration(attempt)
	d += rand.N(e.opts.RetryBackoff)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *Engine) get(ctx context.Context, id PaymentID) (Payment, error) {
	var p Payment
	err := e.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		p, err = e.store.GetPayment(ctx, id)
		return err
	})
	return p, err
}

func (e *Engine) lock(ctx context.Context, op string, id PaymentID) (func(), error) {
	if e.locker == nil {
		return func() {}, nil
	}
	key := "ledger:lock:payment:" + string(id)
	lctx, cancel := context.WithTimeout(ctx, e.opts.StorageTimeout)
	defer cancel()
	release, err := e.locker.Acquire(lctx, key, e.opts.LockTTL)
	if err != nil {
		return nil, wrap(op, string(id), asStorageError(err))
	}
	return func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.StorageTimeout)
		defer cancel()
		if err := release(rctx); err != nil {
			e.log.Warn("failed to release payment lock", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

// withTimeout bounds one storage call.
func (e *Engine) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	tctx, cancel := context.WithTimeout(ctx, e.opts.StorageTimeout)
	defer cancel()
	return asStorageError(fn(tctx))
}

func asStorageError(err error) error {
	if err == nil || errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return err
}

func (e *Engine) publish(ctx context.Context, ev Event) {
	if e.events == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.StorageTimeout)
	defer cancel()
	if err := e.events.Publish(pctx, ev); err != nil {
		e.log.Warn("failed to publish ledger event",
			zap.String("event", string(ev.Type)),
			zap.String("payment_id", string(ev.PaymentID)),
			zap.Error(err),
		)
	}
}
