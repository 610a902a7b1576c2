package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/alexisbeaulieu97/pipeflow/internal/application/orchestration"
	"github.com/alexisbeaulieu97/pipeflow/internal/config"
	"github.com/alexisbeaulieu97/pipeflow/internal/infrastructure/admission"
	"github.com/alexisbeaulieu97/pipeflow/internal/infrastructure/events"
	"github.com/alexisbeaulieu97/pipeflow/internal/infrastructure/executors"
	"github.com/alexisbeaulieu97/pipeflow/internal/infrastructure/governance"
	"github.com/alexisbeaulieu97/pipeflow/internal/infrastructure/lock"
	"github.com/alexisbeaulieu97/pipeflow/internal/infrastructure/messaging"
	"github.com/alexisbeaulieu97/pipeflow/internal/infrastructure/observability"
	"github.com/alexisbeaulieu97/pipeflow/internal/infrastructure/persistence/memory"
	"github.com/alexisbeaulieu97/pipeflow/internal/infrastructure/persistence/sqlstore"
	"github.com/alexisbeaulieu97/pipeflow/internal/infrastructure/waitnotify"
	"github.com/alexisbeaulieu97/pipeflow/internal/infrastructure/workers"
	"github.com/alexisbeaulieu97/pipeflow/internal/ports"
)

// AppContext bundles long-lived services created at startup.
type AppContext struct {
	Config  *config.Config
	Logger  ports.Logger
	Store   ports.PersistenceStore
	Engine  *orchestration.Engine
	Metrics *observability.PrometheusCollector

	pool       *workers.Pool
	dispatcher *waitnotify.Dispatcher
	bridge     *waitnotify.Bridge
	conn       *nats.Conn
	closers    []func(context.Context) error
}

// newAppContext builds the engine and every adapter it depends on from cfg.
func newAppContext(ctx context.Context, cfg *config.Config, logger ports.Logger) (app *AppContext, err error) {
	app = &AppContext{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = app.Close(context.WithoutCancel(ctx))
			app = nil
		}
	}()

	store, locker, err := openStore(ctx, cfg.Database)
	if err != nil {
		return app, err
	}
	app.Store = store

	if cfg.Metrics.Enabled {
		collector, err := observability.NewPrometheusCollector(prometheus.NewRegistry(), logger)
		if err != nil {
			return app, fmt.Errorf("create metrics collector: %w", err)
		}
		app.Metrics = collector
	}

	tracer := observability.NewNoopTracer()
	if cfg.Tracing.Enabled {
		shutdown, err := observability.SetupTracing(ctx, observability.TracingConfig{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: version,
			Endpoint:       cfg.Tracing.Endpoint,
			SampleRatio:    cfg.Tracing.SampleRatio,
		}, logger)
		if err != nil {
			return app, err
		}
		app.closers = append(app.closers, shutdown)
		tracer = observability.NewTracer(nil)
	}

	var gov ports.GovernanceEvaluator = governance.AllowAll{}
	if strings.TrimSpace(cfg.Governance.PolicyDir) != "" {
		opa, err := governance.NewOPA(ctx, cfg.Governance.PolicyDir, cfg.Governance.Query)
		if err != nil {
			return app, err
		}
		gov = opa
	}

	poolOpts := []workers.PoolOption{workers.WithLogger(logger.With("component", "workers"))}
	if app.Metrics != nil {
		poolOpts = append(poolOpts, workers.WithMetrics(app.Metrics))
	}
	app.pool = workers.NewPool(cfg.Workers.Count, cfg.Workers.QueueSize, poolOpts...)
	app.pool.Start(context.WithoutCancel(ctx))

	app.dispatcher = waitnotify.NewDispatcher(store, waitnotify.WithLogger(logger.With("component", "waitnotify")))
	var notifier ports.WaitNotifier = app.dispatcher
	var publisher ports.EventPublisher = events.NewLoggingPublisher(logger.With("component", "events"))

	if cfg.NATS.URL != "" {
		connCfg := messaging.DefaultConnectionConfig(cfg.NATS.URL)
		connCfg.SubjectPrefix = cfg.NATS.SubjectPrefix
		conn, err := messaging.Connect(ctx, connCfg, logger)
		if err != nil {
			return app, err
		}
		app.conn = conn
		app.bridge = waitnotify.NewBridge(app.dispatcher, waitnotify.WrapNATS(conn), connCfg.Subject("resume"), logger)
		notifier = app.bridge
		publisher = events.NewNATSPublisher(publisher, conn, func(eventType string) string {
			return connCfg.Subject("events", eventType)
		}, logger)
	}

	var limiter ports.AdmissionController
	if cfg.Admission.MaxConcurrentPerPipeline > 0 || len(cfg.Admission.AccountLimits) > 0 {
		var opts []admission.Option
		for account, max := range cfg.Admission.AccountLimits {
			opts = append(opts, admission.WithAccountLimit(account, max))
		}
		limiter = admission.NewLimiter(store, cfg.Admission.MaxConcurrentPerPipeline, opts...)
	}

	deps := orchestration.Dependencies{
		Store:      store,
		Executors:  executors.NewDefaultRegistry(logger.With("component", "executors")),
		Workers:    app.pool,
		Lock:       locker,
		Notifier:   notifier,
		Governance: gov,
		Admission:  limiter,
		Events:     publisher,
		Logger:     logger,
		Tracer:     tracer,
	}
	if app.Metrics != nil {
		deps.Metrics = app.Metrics
	}
	engine, err := orchestration.New(deps, orchestration.WithSettings(orchestration.Settings{
		LockWait:            cfg.Lock.WaitDuration(),
		LockHold:            cfg.Lock.HoldDuration(),
		InterventionTimeout: cfg.Intervention.Duration(),
	}))
	if err != nil {
		return app, err
	}
	app.Engine = engine
	app.dispatcher.Handle(engine.Resume.Handler())

	if app.bridge != nil {
		if err := app.bridge.Start(context.WithoutCancel(ctx)); err != nil {
			return app, err
		}
	}
	return app, nil
}

// openStore returns the persistence store and the lock implementation that
// matches it. SQL stores share their lease table across processes; the
// in-memory store only ever serves one.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (ports.PersistenceStore, ports.DistributedLock, error) {
	switch cfg.Driver {
	case "", config.DriverMemory:
		return memory.New(), lock.NewMemory(), nil
	case config.DriverSQLite, config.DriverPostgres:
		store, err := sqlstore.Open(ctx, sqlstore.Dialect(cfg.Driver), cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, lock.NewSQL(store), nil
	default:
		return nil, nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// Drain waits for submitted node work to finish. Timers armed for later
// retries or intervention deadlines are left to a serving process.
func (a *AppContext) Drain(ctx context.Context) error {
	if a.pool == nil {
		return nil
	}
	return a.pool.Wait(ctx)
}

// Close stops background work and releases connections. It is safe to call
// on a partially built context.
func (a *AppContext) Close(ctx context.Context) error {
	var errs []error
	if a.bridge != nil {
		errs = append(errs, a.bridge.Stop())
	}
	if a.Engine != nil {
		a.Engine.Close()
	}
	if a.dispatcher != nil {
		errs = append(errs, a.dispatcher.Close(ctx))
	}
	if a.pool != nil {
		errs = append(errs, a.pool.Shutdown(ctx))
	}
	if a.conn != nil {
		errs = append(errs, messaging.Close(a.conn))
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	if closer, ok := a.Store.(interface{ Close() error }); ok {
		errs = append(errs, closer.Close())
	}
	return errors.Join(errs...)
}
