package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/payment-ledger/ledger"
	"github.com/warp/payment-ledger/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var fixedNow = time.Date(2025, time.March, 15, 10, 0, 0, 0, time.UTC)

func fastOptions() ledger.Options {
	o := ledger.DefaultOptions()
	o.RetryBackoff = time.Millisecond
	return o
}

func newTestEngine(t *testing.T, opts ...ledger.Option) (*ledger.Engine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	alloc, err := ledger.NewAllocator(mem, ledger.AllocatorConfig{}, nil)
	require.NoError(t, err)
	base := []ledger.Option{
		ledger.WithClock(func() time.Time { return fixedNow }),
		ledger.WithOptions(fastOptions()),
	}
	return ledger.NewEngine(mem, alloc, append(base, opts...)...), mem
}

func cashPayment(total float64) ledger.CreatePayment {
	return ledger.CreatePayment{
		ClientID:           "42",
		ClientName:         "Jane Doe",
		Clinic:             "A",
		Method:             ledger.MethodCash,
		Type:               ledger.BucketPOP,
		TotalPaymentAmount: ledger.Money(total),
		Actor:              "front-desk",
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []ledger.Event
	err    error
}

func (r *recordingPublisher) Publish(_ context.Context, e ledger.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recordingPublisher) types() []ledger.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ledger.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// =============================================================================
// SCENARIOS - create, partial, complete, refund
// =============================================================================

func TestCreate_PendingWithFullBalanceOwed(t *testing.T) {
	e, _ := newTestEngine(t)

	p, err := e.Create(context.Background(), cashPayment(100))

	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, p.Status)
	assert.True(t, p.Amounts.TotalPaid().IsZero())
	assert.True(t, p.Amounts.TotalOwed().Equal(ledger.Money(100)))
	assert.Equal(t, "PAY-00000001", p.PaymentNumber)
	assert.Equal(t, int64(1), p.Version)
	assert.Equal(t, fixedNow, p.PaymentDate)
	assert.NotEmpty(t, p.ID)
}

func TestCreate_Validation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	in := cashPayment(100)
	in.ClientID = ""
	_, err := e.Create(ctx, in)
	assert.ErrorIs(t, err, ledger.ErrMissingField)
	assert.Equal(t, ledger.KindValidation, ledger.KindOf(err))

	in = cashPayment(0)
	_, err = e.Create(ctx, in)
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	in = cashPayment(100)
	in.Type = ledger.BucketRefund
	_, err = e.Create(ctx, in)
	assert.ErrorIs(t, err, ledger.ErrUnsupportedBucket)

	in = cashPayment(100)
	in.Method = "bitcoin"
	_, err = e.Create(ctx, in)
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
}

func TestAddAmount_PartialThenComplete(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	p, err := e.Create(ctx, cashPayment(100))
	require.NoError(t, err)

	// WHEN: 60 is collected
	p, err = e.AddAmount(ctx, p.ID, ledger.BucketPOP, ledger.Money(60), "front-desk")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPartial, p.Status)
	assert.True(t, p.Amounts.TotalOwed().Equal(ledger.Money(40)))
	assert.Equal(t, int64(2), p.Version)

	// WHEN: the remaining 40 is collected
	p, err = e.AddAmount(ctx, p.ID, ledger.BucketPOP, ledger.Money(40), "front-desk")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, p.Status)
	assert.True(t, p.Amounts.TotalOwed().IsZero())

	stored, err := e.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, stored.Status)
	assert.Equal(t, int64(3), stored.Version)
}

func TestProcessRefund_ToZero(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	p := completedPayment(t, e, 100)

	p, alloc, err := e.ProcessRefund(ctx, p.ID, ledger.Money(100), ledger.RefundSales, "manager")

	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRefunded, p.Status)
	assert.True(t, p.Amounts.TotalPaid().IsZero())
	assert.True(t, p.Amounts.TotalOwed().Equal(ledger.Money(100)))
	assert.True(t, p.Amounts.Get(ledger.BucketSalesRefund).Equal(ledger.Money(100)))
	assert.Equal(t, ledger.BucketSalesRefund, alloc.Bucket)

	// THEN: a refunded payment accepts no more amounts
	_, err = e.AddAmount(ctx, p.ID, ledger.BucketPOP, ledger.Money(1), "front-desk")
	assert.ErrorIs(t, err, ledger.ErrPaymentClosed)
}

func TestProcessRefund_OverRefundRejected_StateUnchanged(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	p := completedPayment(t, e, 100)

	_, _, err := e.ProcessRefund(ctx, p.ID, ledger.Money(150), ledger.RefundSales, "manager")

	require.ErrorIs(t, err, ledger.ErrRefundExceedsCollected)
	assert.Equal(t, ledger.KindBusinessRule, ledger.KindOf(err))
	assert.False(t, ledger.IsRetryable(err))

	stored, err := e.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, stored.Status)
	assert.True(t, stored.Amounts.TotalPaid().Equal(ledger.Money(100)))
	assert.Equal(t, p.Version, stored.Version)
}

func TestProcessRefund_NotCompleted(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	p, err := e.Create(ctx, cashPayment(100))
	require.NoError(t, err)

	_, _, err = e.ProcessRefund(ctx, p.ID, ledger.Money(10), ledger.RefundStandard, "manager")

	assert.ErrorIs(t, err, ledger.ErrRefundNotAllowed)
}

func TestMutations_UnknownPayment(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.AddAmount(ctx, "missing", ledger.BucketPOP, ledger.Money(1), "x")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	assert.True(t, ledger.IsNotFound(err))

	_, _, err = e.ProcessRefund(ctx, "missing", ledger.Money(1), ledger.RefundSales, "x")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = e.Archive(ctx, "missing", "cleanup", "x")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestAddAmount_ValidatesBeforeStorage(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.AddAmount(context.Background(), "missing", ledger.BucketRefund, ledger.Money(1), "x")
	assert.ErrorIs(t, err, ledger.ErrUnsupportedBucket)

	_, err = e.AddAmount(context.Background(), "missing", ledger.BucketPOP, ledger.Money(-1), "x")
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func completedPayment(t *testing.T, e *ledger.Engine, total float64) ledger.Payment {
	t.Helper()
	ctx := context.Background()
	p, err := e.Create(ctx, cashPayment(total))
	require.NoError(t, err)
	p, err = e.AddAmount(ctx, p.ID, ledger.BucketPOP, ledger.Money(total), "front-desk")
	require.NoError(t, err)
	require.Equal(t, ledger.StatusCompleted, p.Status)
	return p
}

// =============================================================================
// ADMINISTRATIVE TRANSITIONS
// =============================================================================

func TestWriteOff_ClosesPayment(t *testing.T) {
	pub := &recordingPublisher{}
	e, _ := newTestEngine(t, ledger.WithPublisher(pub))
	ctx := context.Background()
	p, err := e.Create(ctx, cashPayment(100))
	require.NoError(t, err)
	_, err = e.AddAmount(ctx, p.ID, ledger.BucketCOB1, ledger.Money(55), "billing")
	require.NoError(t, err)

	p, err = e.WriteOff(ctx, p.ID, "uncollectable", "manager")

	require.NoError(t, err)
	assert.Equal(t, ledger.StatusWriteOff, p.Status)
	assert.True(t, p.Amounts.Get(ledger.BucketWriteoff).Equal(ledger.Money(45)))
	assert.Equal(t, "uncollectable", p.Note)

	_, err = e.MarkFailed(ctx, p.ID, "", "manager")
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)

	last := pub.events[len(pub.events)-1]
	assert.Equal(t, ledger.EventPaymentWrittenOff, last.Type)
	assert.True(t, last.Amount.Equal(ledger.Money(45)))
}

func TestMarkFailed(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	p := completedPayment(t, e, 80)

	p, err := e.MarkFailed(ctx, p.ID, "chargeback", "manager")

	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, p.Status)
	_, _, err = e.ProcessRefund(ctx, p.ID, ledger.Money(10), ledger.RefundStandard, "manager")
	assert.ErrorIs(t, err, ledger.ErrRefundNotAllowed)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestConcurrentAddAmount_NoLostUpdates(t *testing.T) {
	opts := fastOptions()
	opts.MaxRetries = 500
	e, _ := newTestEngine(t, ledger.WithOptions(opts))
	ctx := context.Background()
	p, err := e.Create(ctx, cashPayment(100))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.AddAmount(ctx, p.ID, ledger.BucketPOP, ledger.Money(2), "front-desk")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored, err := e.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, stored.Amounts.TotalPaid().Equal(ledger.Money(100)), "paid %s", stored.Amounts.TotalPaid())
	assert.Equal(t, ledger.StatusCompleted, stored.Status)
	assert.Equal(t, int64(51), stored.Version)
}

// Concurrent refunds never return more than was collected.
func TestConcurrentRefunds_NoDoubleRefund(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	p := completedPayment(t, e, 100)

	var succeeded atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := e.ProcessRefund(ctx, p.ID, ledger.Money(100), ledger.RefundSales, "manager")
			if err == nil {
				succeeded.Add(1)
				return
			}
			assert.True(t, ledger.IsClientError(err), "unexpected error: %v", err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), succeeded.Load())
	stored, err := e.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, stored.Amounts.Get(ledger.BucketSalesRefund).Equal(ledger.Money(100)))
	assert.Equal(t, ledger.StatusRefunded, stored.Status)
}

// conflictingStore fails the first n updates as if another writer got there first.
type conflictingStore struct {
	*store.Memory
	remaining atomic.Int32
	updates   atomic.Int32
}

func (c *conflictingStore) UpdatePayment(ctx context.Context, p ledger.Payment, expected int64) error {
	c.updates.Add(1)
	if c.remaining.Add(-1) >= 0 {
		return fmt.Errorf("simulated: %w", ledger.ErrConcurrentModification)
	}
	return c.Memory.UpdatePayment(ctx, p, expected)
}

func TestMutate_RetriesConflicts(t *testing.T) {
	cs := &conflictingStore{Memory: store.NewMemory()}
	alloc, err := ledger.NewAllocator(cs, ledger.AllocatorConfig{}, nil)
	require.NoError(t, err)
	e := ledger.NewEngine(cs, alloc, ledger.WithOptions(fastOptions()))
	ctx := context.Background()
	p, err := e.Create(ctx, cashPayment(100))
	require.NoError(t, err)

	// GIVEN: three conflicts, within the retry budget
	cs.remaining.Store(3)
	p, err = e.AddAmount(ctx, p.ID, ledger.BucketPOP, ledger.Money(10), "x")
	require.NoError(t, err)
	assert.Equal(t, int32(4), cs.updates.Load())
	assert.True(t, p.Amounts.TotalPaid().Equal(ledger.Money(10)))

	// GIVEN: more conflicts than the budget allows
	cs.updates.Store(0)
	cs.remaining.Store(100)
	_, err = e.AddAmount(ctx, p.ID, ledger.BucketPOP, ledger.Money(10), "x")
	require.ErrorIs(t, err, ledger.ErrConcurrentModification)
	assert.True(t, ledger.IsRetryable(err))
	assert.Equal(t, int32(ledger.DefaultOptions().MaxRetries+1), cs.updates.Load())
}

// slowStore blocks reads until the context gives up.
type slowStore struct {
	*store.Memory
}

func (s slowStore) GetPayment(ctx context.Context, _ ledger.PaymentID) (ledger.Payment, error) {
	<-ctx.Done()
	return ledger.Payment{}, ctx.Err()
}

func TestStorageTimeout_MapsToUnavailable(t *testing.T) {
	mem := store.NewMemory()
	alloc, err := ledger.NewAllocator(mem, ledger.AllocatorConfig{}, nil)
	require.NoError(t, err)
	opts := fastOptions()
	opts.StorageTimeout = 20 * time.Millisecond
	e := ledger.NewEngine(slowStore{mem}, alloc, ledger.WithOptions(opts))

	start := time.Now()
	_, err = e.AddAmount(context.Background(), "p-1", ledger.BucketPOP, ledger.Money(1), "x")

	require.ErrorIs(t, err, ledger.ErrStorageUnavailable)
	assert.Equal(t, ledger.KindStorage, ledger.KindOf(err))
	assert.Less(t, time.Since(start), time.Second)
}

// =============================================================================
// LOCKER / EVENTS
// =============================================================================

type fakeLocker struct {
	mu       sync.Mutex
	acquired []string
	released []string
	err      error
}

func (f *fakeLocker) Acquire(_ context.Context, key string, _ time.Duration) (func(context.Context) error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.acquired = append(f.acquired, key)
	return func(context.Context) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.released = append(f.released, key)
		return nil
	}, nil
}

func TestLocker_HeldAroundMutation(t *testing.T) {
	lk := &fakeLocker{}
	e, _ := newTestEngine(t, ledger.WithLocker(lk))
	ctx := context.Background()
	p, err := e.Create(ctx, cashPayment(100))
	require.NoError(t, err)

	_, err = e.AddAmount(ctx, p.ID, ledger.BucketPOP, ledger.Money(5), "x")
	require.NoError(t, err)

	key := "ledger:lock:payment:" + string(p.ID)
	assert.Equal(t, []string{key}, lk.acquired)
	assert.Equal(t, []string{key}, lk.released)

	lk.err = fmt.Errorf("%w: lock busy", ledger.ErrStorageUnavailable)
	_, err = e.AddAmount(ctx, p.ID, ledger.BucketPOP, ledger.Money(5), "x")
	assert.True(t, ledger.IsRetryable(err))
}

func TestPublisher_FailureDoesNotFailMutation(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	pub := &recordingPublisher{err: errors.New("broker down")}
	e, _ := newTestEngine(t, ledger.WithPublisher(pub), ledger.WithLogger(zap.New(core)))
	ctx := context.Background()

	p, err := e.Create(ctx, cashPayment(100))
	require.NoError(t, err)
	_, err = e.AddAmount(ctx, p.ID, ledger.BucketPOP, ledger.Money(100), "x")
	require.NoError(t, err)

	assert.Equal(t, []ledger.EventType{ledger.EventPaymentCreated, ledger.EventAmountAdded}, pub.types())
	assert.Equal(t, 2, logs.FilterMessage("failed to publish ledger event").Len())
}

// =============================================================================
// PAYMENT NUMBERS
// =============================================================================

func TestAllocator_ConcurrentNumbersAreUnique(t *testing.T) {
	mem := store.NewMemory()
	alloc, err := ledger.NewAllocator(mem, ledger.AllocatorConfig{}, nil)
	require.NoError(t, err)

	const n = 200
	numbers := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			numbers <- alloc.NextPaymentNumber(context.Background())
		}()
	}
	wg.Wait()
	close(numbers)

	seen := map[string]bool{}
	for num := range numbers {
		assert.False(t, seen[num], "duplicate %s", num)
		assert.True(t, strings.HasPrefix(num, "PAY-0"), num)
		seen[num] = true
	}
	assert.Len(t, seen, n)
}

type failingCounter struct{ calls atomic.Int32 }

func (f *failingCounter) Next(context.Context, string) (int64, error) {
	f.calls.Add(1)
	return 0, fmt.Errorf("%w: connection refused", ledger.ErrStorageUnavailable)
}

func TestAllocator_DegradedFallback(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	counter := &failingCounter{}
	alloc, err := ledger.NewAllocator(counter, ledger.AllocatorConfig{Attempts: 2, NodeID: 7}, zap.New(core))
	require.NoError(t, err)

	a := alloc.NextPaymentNumber(context.Background())
	b := alloc.NextPaymentNumber(context.Background())

	assert.True(t, strings.HasPrefix(a, "PAY-T"), a)
	assert.NotEqual(t, a, b)
	assert.Equal(t, int32(4), counter.calls.Load())
	assert.Equal(t, 2, logs.FilterMessage("payment number allocator degraded, using time-derived fallback").Len())
}

func TestAllocator_InvalidNode(t *testing.T) {
	_, err := ledger.NewAllocator(store.NewMemory(), ledger.AllocatorConfig{NodeID: 5000}, nil)
	assert.Error(t, err)
}

// replayCounter hands out a fixed sequence of values.
type replayCounter struct {
	mu     sync.Mutex
	values []int64
}

func (r *replayCounter) Next(context.Context, string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.values[0]
	r.values = r.values[1:]
	return v, nil
}

func TestCreate_RetriesDuplicateNumber(t *testing.T) {
	mem := store.NewMemory()
	alloc, err := ledger.NewAllocator(&replayCounter{values: []int64{1, 1, 2}}, ledger.AllocatorConfig{}, nil)
	require.NoError(t, err)
	e := ledger.NewEngine(mem, alloc)
	ctx := context.Background()

	first, err := e.Create(ctx, cashPayment(10))
	require.NoError(t, err)
	second, err := e.Create(ctx, cashPayment(20))
	require.NoError(t, err)

	assert.Equal(t, "PAY-00000001", first.PaymentNumber)
	assert.Equal(t, "PAY-00000002", second.PaymentNumber)
}

// =============================================================================
// ARCHIVE LIFECYCLE
// =============================================================================

func TestArchive_RestoreReinstate(t *testing.T) {
	pub := &recordingPublisher{}
	e, _ := newTestEngine(t, ledger.WithPublisher(pub))
	ctx := context.Background()
	p := completedPayment(t, e, 120)

	// WHEN: the payment is deleted
	rec, err := e.Archive(ctx, p.ID, "entered twice", "manager")
	require.NoError(t, err)
	assert.Equal(t, p.ID, rec.OriginalID)
	assert.Equal(t, p.PaymentNumber, rec.Payment.PaymentNumber)
	assert.True(t, rec.Payment.Amounts.TotalPaid().Equal(ledger.Money(120)))
	assert.False(t, rec.IsRestored)

	// THEN: it is gone from reads but present in the archive
	_, err = e.Get(ctx, p.ID)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = e.GetByNumber(ctx, p.PaymentNumber)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	list, err := e.List(ctx, ledger.PaymentFilter{Clinic: "A"})
	require.NoError(t, err)
	assert.Empty(t, list)
	archives, err := e.ListArchives(ctx, ledger.ArchiveFilter{ClientID: "42"})
	require.NoError(t, err)
	require.Len(t, archives, 1)

	// Reinstate needs a restore first
	_, err = e.Reinstate(ctx, rec.ID, "manager")
	assert.ErrorIs(t, err, ledger.ErrNotRestored)

	rec, err = e.Restore(ctx, rec.ID, "manager")
	require.NoError(t, err)
	assert.True(t, rec.IsRestored)
	require.NotNil(t, rec.RestoredAt)
	assert.Equal(t, "manager", rec.RestoredBy)

	_, err = e.Restore(ctx, rec.ID, "manager")
	assert.ErrorIs(t, err, ledger.ErrAlreadyRestored)

	back, err := e.Reinstate(ctx, rec.ID, "manager")
	require.NoError(t, err)
	assert.Equal(t, p.PaymentNumber, back.PaymentNumber)
	assert.False(t, back.Deleted)

	got, err := e.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.Amounts.TotalPaid().Equal(ledger.Money(120)))

	assert.Equal(t, []ledger.EventType{
		ledger.EventPaymentCreated,
		ledger.EventAmountAdded,
		ledger.EventPaymentArchived,
		ledger.EventArchiveRestored,
		ledger.EventPaymentReinstated,
	}, pub.types())
}

func TestReinstate_AfterPurgeInsertsSnapshot(t *testing.T) {
	e, mem := newTestEngine(t)
	ctx := context.Background()
	p := completedPayment(t, e, 50)
	rec, err := e.Archive(ctx, p.ID, "cleanup", "manager")
	require.NoError(t, err)
	mem.Purge(p.ID)

	_, err = e.Restore(ctx, rec.ID, "manager")
	require.NoError(t, err)
	back, err := e.Reinstate(ctx, rec.ID, "manager")

	require.NoError(t, err)
	assert.Equal(t, int64(1), back.Version)
	assert.True(t, back.Amounts.TotalPaid().Equal(decimal.NewFromInt(50)))
}

func TestRestore_UnknownArchive(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.Restore(context.Background(), "nope", "manager")

	assert.ErrorIs(t, err, ledger.ErrArchiveNotFound)
	assert.True(t, ledger.IsNotFound(err))
}
