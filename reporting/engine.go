package reporting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/warp/payment-ledger/ledger"
)

// Engine runs reports against a PaymentReader. It never writes and takes no locks.
type Engine struct {
	reader  ledger.PaymentReader
	log     *zap.Logger
	now     func() time.Time
	timeout time.Duration
}

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.log = l } }
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }
func WithTimeout(d time.Duration) Option { return func(e *Engine) { e.timeout = d } }

func NewEngine(reader ledger.PaymentReader, opts ...Option) *Engine {
	e := &Engine{
		reader:  reader,
		log:     zap.NewNop(),
		now:     func() time.Time { return time.Now().UTC() },
		timeout: 30 * time.Second,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) Outstanding(ctx context.Context, clinic string) (OutstandingReport, error) {
	ps, err := e.load(ctx, "outstanding", ledger.PaymentFilter{
		Clinic:          clinic,
		Statuses:        OpenStatuses(),
		OnlyOutstanding: true,
	})
	if err != nil {
		return OutstandingReport{}, err
	}
	return Outstanding(clinic, ps), nil
}

func (e *Engine) Revenue(ctx context.Context, clinic string, from, to *time.Time) (RevenueReport, error) {
	ps, err := e.load(ctx, "revenue", ledger.PaymentFilter{Clinic: clinic, From: from, To: to})
	if err != nil {
		return RevenueReport{}, err
	}
	return Revenue(clinic, from, to, ps), nil
}

func (e *Engine) Breakdown(ctx context.Context, clinic string, by GroupBy) ([]BreakdownRow, error) {
	ps, err := e.load(ctx, "breakdown", ledger.PaymentFilter{Clinic: clinic})
	if err != nil {
		return nil, err
	}
	return Breakdown(by, ps), nil
}

// Aging uses the engine clock when asOf is zero.
func (e *Engine) Aging(ctx context.Context, clinic string, asOf time.Time) (AgingReport, error) {
	if asOf.IsZero() {
		asOf = e.now()
	}
	ps, err := e.load(ctx, "aging", ledger.PaymentFilter{
		Clinic:          clinic,
		Statuses:        OpenStatuses(),
		OnlyOutstanding: true,
	})
	if err != nil {
		return AgingReport{}, err
	}
	return Aging(clinic, asOf, ps), nil
}

func (e *Engine) Accounts(ctx context.Context, clinic string, q AccountQuery) (AccountPage, error) {
	ps, err := e.load(ctx, "accounts", ledger.PaymentFilter{Clinic: clinic})
	if err != nil {
		return AccountPage{}, err
	}
	return Accounts(q, ps), nil
}

func (e *Engine) load(ctx context.Context, report string, f ledger.PaymentFilter) ([]ledger.Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	ps, err := e.reader.ListPayments(ctx, f)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ledger.ErrStorageUnavailable) {
			err = fmt.Errorf("%w: %w", ledger.ErrStorageUnavailable, err)
		}
		e.log.Warn("report query failed", zap.String("report", report), zap.Error(err))
		return nil, fmt.Errorf("%s report: %w", report, err)
	}
	e.log.Debug("report loaded",
		zap.String("report", report),
		zap.String("clinic", f.Clinic),
		zap.Int("payments", len(ps)),
		zap.Duration("took", time.Since(start)),
	)
	return ps, nil
}
