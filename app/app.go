/*
Package app builds the ledger stack from a Config.

Both binaries share it: cmd/server serves HTTP, cmd/ledgerctl runs single
operations against the same store.

WIRING:
  store    sqlite | postgres | memory (Config.Store.Driver)
  lock     Redis lease when Config.Lock.RedisAddr is set, else in-process
  metrics  per-instance Prometheus registry, also the ledger Recorder
  service  ledger.Service with the configured timeouts and limits
  gateway  cashback evaluator + singleflight over the service
  auditor  only for stores implementing ledger.AuditStore
*/
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rez/wallet-ledger/api"
	"github.com/rez/wallet-ledger/cashback"
	"github.com/rez/wallet-ledger/config"
	"github.com/rez/wallet-ledger/gateway"
	"github.com/rez/wallet-ledger/ledger"
	"github.com/rez/wallet-ledger/ledger/lock"
	memstore "github.com/rez/wallet-ledger/ledger/store"
	"github.com/rez/wallet-ledger/metrics"
	"github.com/rez/wallet-ledger/store/postgres"
	"github.com/rez/wallet-ledger/store/sqlite"
)

type App struct {
	Config  config.Config
	Logger  *zap.Logger
	Store   ledger.Store
	Ledger  *ledger.Service
	Gateway *gateway.Gateway
	Auditor *ledger.Auditor // nil when the store cannot be audited
	Metrics *metrics.Metrics

	closers []func() error
}

// New opens the store and builds the service graph. Call Close when done.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger, Metrics: metrics.New()}

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	a.Store = st
	if c, ok := st.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}

	locker, err := a.newLocker(ctx, cfg.Lock)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	rules, err := cfg.Rules()
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.Ledger = ledger.NewService(st,
		ledger.WithLocker(locker),
		ledger.WithStoreTimeout(cfg.Store.Timeout),
		ledger.WithRecentLimit(cfg.Ledger.RecentCount),
		ledger.WithRecorder(a.Metrics),
		ledger.WithLogger(logger),
	)
	a.Gateway = gateway.New(a.Ledger, cashback.NewEvaluator(rules), logger)

	if auditStore, ok := st.(ledger.AuditStore); ok {
		a.Auditor = &ledger.Auditor{Store: auditStore, Logger: logger.Named("audit"), Recorder: a.Metrics}
	}

	logger.Info("ledger ready",
		zap.String("store", cfg.Store.Driver),
		zap.Bool("shared_lock", cfg.Lock.RedisAddr != ""),
		zap.Bool("audit", a.Auditor != nil),
	)
	return a, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (ledger.Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		st, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		return st, nil
	case config.DriverPostgres:
		st, err := postgres.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return st, nil
	case config.DriverMemory:
		return memstore.NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

func (a *App) newLocker(ctx context.Context, cfg config.LockConfig) (ledger.Locker, error) {
	if cfg.RedisAddr == "" {
		return lock.NewLocal(), nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	a.closers = append(a.closers, rdb.Close)
	return lock.NewRedis(rdb, cfg.TTL, lock.WithLogger(a.Logger)), nil
}

// Handler builds the HTTP API over the app.
func (a *App) Handler() http.Handler {
	h := api.NewHandler(a.Ledger, a.Gateway, a.Auditor, a.Logger)
	h.PageSize = a.Config.Ledger.PageSize

	opts := api.RouterOptions{
		CORSOrigins:     a.Config.Server.CORSOrigins,
		EnableScenarios: a.Config.Server.EnableScenarios,
		Logger:          a.Logger,
	}
	if a.Config.Metrics.Enabled {
		opts.Metrics = a.Metrics.Handler()
	}
	return api.NewRouter(h, opts)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
