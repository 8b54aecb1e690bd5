package redisstore_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payment-ledger/ledger"
	"github.com/warp/payment-ledger/ledger/store"
	"github.com/warp/payment-ledger/store/redisstore"
)

func newTestRedis(t *testing.T) (*redisstore.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return redisstore.New(rdb, ""), mr
}

func TestNext_SharedAcrossClients(t *testing.T) {
	s, mr := newTestRedis(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	other := redisstore.New(rdb, "")
	ctx := context.Background()

	a, err := s.Next(ctx, ledger.PaymentSequenceName)
	require.NoError(t, err)
	b, err := other.Next(ctx, ledger.PaymentSequenceName)
	require.NoError(t, err)

	assert.Equal(t, int64(1), a)
	assert.Equal(t, int64(2), b)
	got, err := mr.Get("ledger:seq:payment_number")
	require.NoError(t, err)
	assert.Equal(t, "2", got)
}

func TestNext_ConcurrentUnique(t *testing.T) {
	s, _ := newTestRedis(t)
	alloc, err := ledger.NewAllocator(s, ledger.AllocatorConfig{}, nil)
	require.NoError(t, err)

	const n = 100
	var mu sync.Mutex
	seen := map[string]bool{}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			num := alloc.NextPaymentNumber(context.Background())
			mu.Lock()
			defer mu.Unlock()
			assert.False(t, seen[num], "duplicate %s", num)
			seen[num] = true
		}()
	}
	wg.Wait()
	assert.Len(t, seen, n)
}

func TestNext_Unavailable(t *testing.T) {
	s, mr := newTestRedis(t)
	mr.Close()

	_, err := s.Next(context.Background(), "x")

	assert.ErrorIs(t, err, ledger.ErrStorageUnavailable)
}

// =============================================================================
// LOCKER
// =============================================================================

func TestAcquire_ExclusiveUntilReleased(t *testing.T) {
	s, mr := newTestRedis(t)
	ctx := context.Background()

	release, err := s.Acquire(ctx, "ledger:lock:payment:p-1", time.Second)
	require.NoError(t, err)
	assert.True(t, mr.Exists("ledger:lock:payment:p-1"))

	// WHEN: a second owner tries while the lock is held
	busyCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = s.Acquire(busyCtx, "ledger:lock:payment:p-1", time.Second)
	assert.ErrorIs(t, err, ledger.ErrStorageUnavailable)

	// THEN: after release it can be taken again
	require.NoError(t, release(ctx))
	assert.False(t, mr.Exists("ledger:lock:payment:p-1"))
	release2, err := s.Acquire(ctx, "ledger:lock:payment:p-1", time.Second)
	require.NoError(t, err)
	require.NoError(t, release2(ctx))
}

func TestRelease_DoesNotDeleteNewOwner(t *testing.T) {
	s, mr := newTestRedis(t)
	ctx := context.Background()

	stale, err := s.Acquire(ctx, "k", 100*time.Millisecond)
	require.NoError(t, err)
	mr.FastForward(200 * time.Millisecond)

	fresh, err := s.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)

	err = stale(ctx)
	assert.ErrorIs(t, err, redisstore.ErrLockLost)
	assert.True(t, mr.Exists("k"))
	require.NoError(t, fresh(ctx))
}

func TestEngine_WithRedisLockerAndCounter(t *testing.T) {
	s, mr := newTestRedis(t)
	mem := store.NewMemory()
	alloc, err := ledger.NewAllocator(s, ledger.AllocatorConfig{}, nil)
	require.NoError(t, err)
	engine := ledger.NewEngine(mem, alloc, ledger.WithLocker(s))
	ctx := context.Background()

	p, err := engine.Create(ctx, ledger.CreatePayment{
		ClientID:           "42",
		Clinic:             "A",
		Method:             ledger.MethodCash,
		Type:               ledger.BucketPOP,
		TotalPaymentAmount: ledger.Money(100),
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.AddAmount(ctx, p.ID, ledger.BucketPOP, ledger.Money(5), "desk")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := engine.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, got.Status)
	assert.Equal(t, int64(21), got.Version)
	assert.False(t, mr.Exists("ledger:lock:payment:"+string(p.ID)))
}
