/*
Package redisstore provides the shared payment-number counter and the
per-record lock on Redis.

PURPOSE:
  When several ledger instances run against one database, the counter and
  the lock must live outside any single process. Redis gives both with
  single-command atomicity:

    Counter: INCR ledger:seq:<name>
    Locker:  SET ledger:lock:... <token> NX PX <ttl>
             released by a compare-and-delete script, so an expired lock
             taken over by another instance is never deleted by the old owner.

ERRORS:
  Connectivity failures are wrapped with ledger.ErrStorageUnavailable. A lock
  that cannot be taken before the context ends is also ErrStorageUnavailable,
  which the engine reports as retryable.
*/
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/warp/payment-ledger/ledger"
)

const DefaultPrefix = "ledger:"

var ErrLockLost = errors.New("lock expired before release")

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Store implements ledger.Counter and ledger.Locker.
type Store struct {
	rdb          *redis.Client
	prefix       string
	pollInterval time.Duration
}

func New(rdb *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{rdb: rdb, prefix: prefix, pollInterval: 10 * time.Millisecond}
}

// Connect parses a redis:// URL and checks the connection.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("%w: redis ping: %w", ledger.ErrStorageUnavailable, err)
	}
	return rdb, nil
}

// =============================================================================
// COUNTER
// =============================================================================

func (s *Store) Next(ctx context.Context, name string) (int64, error) {
	n, err := s.rdb.Incr(ctx, s.prefix+"seq:"+name).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: incr %s: %w", ledger.ErrStorageUnavailable, name, err)
	}
	return n, nil
}

// =============================================================================
// LOCKER
// =============================================================================

// Acquire polls SET NX until the key is free or ctx ends.
// The key is used as given; callers namespace it.
func (s *Store) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	token := uuid.NewString()
	for {
		ok, err := s.rdb.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: lock %s: %w", ledger.ErrStorageUnavailable, key, err)
		}
		if ok {
			return s.releaser(key, token), nil
		}

		t := time.NewTimer(s.pollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("%w: lock %s busy: %w", ledger.ErrStorageUnavailable, key, ctx.Err())
		case <-t.C:
		}
	}
}

func (s *Store) releaser(key, token string) func(context.Context) error {
	return func(ctx context.Context) error {
		n, err := releaseScript.Run(ctx, s.rdb, []string{key}, token).Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: unlock %s: %w", ledger.ErrStorageUnavailable, key, err)
		}
		if n == 0 {
			return fmt.Errorf("%s: %w", key, ErrLockLost)
		}
		return nil
	}
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis ping: %w", ledger.ErrStorageUnavailable, err)
	}
	return nil
}
