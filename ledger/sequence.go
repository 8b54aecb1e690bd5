/*
sequence.go - Payment number allocation

PURPOSE:
  Issues the externally visible payment number, e.g. PAY-00000123.
  Numbers come from a shared Counter (sqlite row or redis key) through an
  atomic increment, so several server instances never hand out the same value.

DEGRADED MODE:
  If the counter keeps failing, the allocator falls back to a time-derived
  snowflake identifier (PAY-T<id>). Strict monotonicity is lost, uniqueness
  is kept with high probability. The fallback is logged at WARN and is never
  reported to the caller as an error.

  The allocator is called exactly once per payment, at creation.
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
)

const (
	DefaultPaymentPrefix = "PAY"
	DefaultNumberWidth   = 8
	PaymentSequenceName  = "payment_number"
)

type AllocatorConfig struct {
	Prefix   string
	Width    int
	NodeID   int64         // snowflake node, 0-1023, unique per instance
	Attempts int           // counter attempts before falling back
	Timeout  time.Duration // per attempt
}

type Allocator struct {
	counter  Counter
	fallback *snowflake.Node
	log      *zap.Logger
	cfg      AllocatorConfig
}

func NewAllocator(counter Counter, cfg AllocatorConfig, log *zap.Logger) (*Allocator, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPaymentPrefix
	}
	if cfg.Width <= 0 {
		cfg.Width = DefaultNumberWidth
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("invalid snowflake node %d: %w", cfg.NodeID, err)
	}
	return &Allocator{counter: counter, fallback: node, log: log, cfg: cfg}, nil
}

// NextPaymentNumber never fails; see DEGRADED MODE above.
func (a *Allocator) NextPaymentNumber(ctx context.Context) string {
	var lastErr error
	for i := 0; i < a.cfg.Attempts; i++ {
		n, err := a.next(ctx)
		if err == nil {
			return a.Format(n)
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	id := a.fallback.Generate()
	number := fmt.Sprintf("%s-T%d", a.cfg.Prefix, id.Int64())
	a.log.Warn("payment number allocator degraded, using time-derived fallback",
		zap.String("payment_number", number),
		zap.Int("attempts", a.cfg.Attempts),
		zap.Error(lastErr),
	)
	return number
}

func (a *Allocator) next(ctx context.Context) (int64, error) {
	if a.counter == nil {
		return 0, fmt.Errorf("%w: no counter configured", ErrStorageUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()
	return a.counter.Next(ctx, PaymentSequenceName)
}

// Format renders n as a fixed-width payment number.
func (a *Allocator) Format(n int64) string {
	return fmt.Sprintf("%s-%0*d", a.cfg.Prefix, a.cfg.Width, n)
}
