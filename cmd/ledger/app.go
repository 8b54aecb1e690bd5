package main

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/warp/payment-ledger/config"
	"github.com/warp/payment-ledger/events"
	"github.com/warp/payment-ledger/ledger"
	"github.com/warp/payment-ledger/logging"
	"github.com/warp/payment-ledger/reporting"
	"github.com/warp/payment-ledger/store/redisstore"
	"github.com/warp/payment-ledger/store/sqlite"
)

// app holds the wired dependencies shared by every command.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	store   *sqlite.Store
	ledger  *ledger.Engine
	reports *reporting.Engine

	// optional backends, nil when not configured
	redis *redisstore.Store

	closers []io.Closer
}

// newApp loads configuration and connects storage. quiet discards logs,
// for commands whose stdout is the result.
func newApp(ctx context.Context, configPath string, quiet bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log := logging.NewNop()
	if !quiet {
		if log, err = logging.New(cfg.Logger.Level, cfg.App.Env); err != nil {
			return nil, err
		}
	}

	a := &app{cfg: cfg, log: log}

	a.store, err = sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a.closers = append(a.closers, a.store)

	var counter ledger.Counter = a.store
	engineOpts := []ledger.Option{
		ledger.WithLogger(log),
		ledger.WithOptions(cfg.Ledger.Options()),
	}

	if cfg.Redis.URL != "" {
		rdb, err := redisstore.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, rdb)
		a.redis = redisstore.New(rdb, redisstore.DefaultPrefix)
		counter = a.redis
		engineOpts = append(engineOpts, ledger.WithLocker(a.redis))
		log.Info("redis counter and record lock enabled")
	}

	if cfg.AMQP.URL != "" {
		pub, conn, err := events.Dial(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, conn, pub)
		engineOpts = append(engineOpts, ledger.WithPublisher(pub))
		log.Info("publishing ledger events", zap.String("exchange", cfg.AMQP.Exchange))
	} else {
		engineOpts = append(engineOpts, ledger.WithPublisher(events.NewLogPublisher(log)))
	}

	alloc, err := ledger.NewAllocator(counter, cfg.Ledger.Allocator(), log)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.ledger = ledger.NewEngine(a.store, alloc, engineOpts...)
	a.reports = reporting.NewEngine(a.store,
		reporting.WithLogger(log),
		reporting.WithTimeout(cfg.Ledger.StorageTimeout),
	)
	return a, nil
}

// Close releases backends in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.log.Warn("close failed", zap.Error(err))
		}
	}
	a.log.Sync()
}
