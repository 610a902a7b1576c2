// Package orchestration runs compiled plans. PlanStrategy owns whole plan
// executions, NodeStrategy drives individual nodes through their lifecycle,
// and ResumeCallback starts queued executions when capacity frees up.
package orchestration

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/alexisbeaulieu97/pipeflow/internal/domain/advise"
	"github.com/alexisbeaulieu97/pipeflow/internal/domain/derrors"
	"github.com/alexisbeaulieu97/pipeflow/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipeflow/internal/domain/outputs"
	"github.com/alexisbeaulieu97/pipeflow/internal/ports"
)

// Dependencies are the collaborators of the engine. Store, Executors,
// Workers, Lock and Notifier are required; the others fall back to
// permissive or silent behaviour when nil.
type Dependencies struct {
	Store      ports.PersistenceStore
	Executors  ports.ExecutorRegistry
	Workers    ports.WorkerSubmitter
	Lock       ports.DistributedLock
	Notifier   ports.WaitNotifier
	Governance ports.GovernanceEvaluator
	Admission  ports.AdmissionController
	Events     ports.EventPublisher
	Logger     ports.Logger
	Metrics    ports.MetricsCollector
	Tracer     ports.Tracer
}

// Settings tune timeouts used by the strategies.
type Settings struct {
	// LockWait bounds how long a resume callback waits for the queue lock.
	LockWait time.Duration
	// LockHold is the lease of the queue lock.
	LockHold time.Duration
	// InterventionTimeout applies to manual interventions whose directive
	// carries no timeout.
	InterventionTimeout time.Duration
}

// DefaultSettings returns the settings used when none are supplied.
func DefaultSettings() Settings {
	return Settings{
		LockWait:            10 * time.Second,
		LockHold:            60 * time.Second,
		InterventionTimeout: advise.DefaultInterventionTimeout,
	}
}

// Option configures an Engine.
type Option func(*core)

// WithSettings overrides the default settings. Zero fields keep their
// defaults.
func WithSettings(settings Settings) Option {
	return func(c *core) {
		if settings.LockWait > 0 {
			c.settings.LockWait = settings.LockWait
		}
		if settings.LockHold > 0 {
			c.settings.LockHold = settings.LockHold
		}
		if settings.InterventionTimeout > 0 {
			c.settings.InterventionTimeout = settings.InterventionTimeout
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *core) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIDGenerator overrides plan execution and runtime id generation.
func WithIDGenerator(newID func() string) Option {
	return func(c *core) {
		if newID != nil {
			c.newID = newID
		}
	}
}

// core is the state shared by the strategies.
type core struct {
	store      ports.PersistenceStore
	executors  ports.ExecutorRegistry
	workers    ports.WorkerSubmitter
	lock       ports.DistributedLock
	notifier   ports.WaitNotifier
	governance ports.GovernanceEvaluator
	admission  ports.AdmissionController
	events     ports.EventPublisher
	logger     ports.Logger
	metrics    ports.MetricsCollector
	tracer     ports.Tracer
	outputs    *outputs.Service

	settings Settings
	now      func() time.Time
	newID    func() string

	cancels   *cancelRegistry
	timers    *scheduler
	planCache sync.Map
	active    atomic.Int64
	begun     sync.Map
}

// Engine is the composition root of the orchestration layer.
type Engine struct {
	Plans  *PlanStrategy
	Nodes  *NodeStrategy
	Resume *ResumeCallback

	core *core
}

// New wires the strategies around deps.
func New(deps Dependencies, opts ...Option) (*Engine, error) {
	switch {
	case deps.Store == nil:
		return nil, derrors.New(derrors.ErrCodeValidation, "engine requires a persistence store", nil)
	case deps.Executors == nil:
		return nil, derrors.New(derrors.ErrCodeValidation, "engine requires an executor registry", nil)
	case deps.Workers == nil:
		return nil, derrors.New(derrors.ErrCodeValidation, "engine requires a worker submitter", nil)
	case deps.Lock == nil:
		return nil, derrors.New(derrors.ErrCodeValidation, "engine requires a distributed lock", nil)
	case deps.Notifier == nil:
		return nil, derrors.New(derrors.ErrCodeValidation, "engine requires a wait notifier", nil)
	}

	c := &core{
		store:      deps.Store,
		executors:  deps.Executors,
		workers:    deps.Workers,
		lock:       deps.Lock,
		notifier:   deps.Notifier,
		governance: deps.Governance,
		admission:  deps.Admission,
		events:     deps.Events,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
		tracer:     deps.Tracer,
		settings:   DefaultSettings(),
		now:        time.Now,
		newID:      newULID,
		cancels:    newCancelRegistry(),
		timers:     newScheduler(),
	}
	if c.logger == nil {
		c.logger = nopLogger{}
	}
	for _, opt := range opts {
		opt(c)
	}
	c.outputs = outputs.NewService(c.store, outputs.WithIDGenerator(c.newID), outputs.WithClock(c.now))

	plans := &PlanStrategy{core: c, logger: c.logger.With("layer", "application", "component", "plan_strategy")}
	nodes := &NodeStrategy{core: c, logger: c.logger.With("layer", "application", "component", "node_strategy")}
	plans.nodes = nodes
	nodes.plans = plans
	resume := &ResumeCallback{core: c, plans: plans, logger: c.logger.With("layer", "application", "component", "resume")}

	return &Engine{Plans: plans, Nodes: nodes, Resume: resume, core: c}, nil
}

// Outputs exposes the sweeping output service executors write through.
func (e *Engine) Outputs() *outputs.Service { return e.core.outputs }

// Close stops pending retry and intervention timers. Persisted state lets
// Recover re-arm them in a later process.
func (e *Engine) Close() {
	e.core.timers.stop()
}

// newULID returns a lexicographically sortable id, so ids created later sort
// after earlier ones.
func newULID() string {
	return ulid.Make().String()
}

// plan returns the compiled plan with id, caching it for the life of the
// engine. Plans are immutable once saved.
func (c *core) plan(ctx context.Context, id string) (*execution.Plan, error) {
	if cached, ok := c.planCache.Load(id); ok {
		return cached.(*execution.Plan), nil
	}
	plan, err := c.store.GetPlan(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load plan %s: %w", id, err)
	}
	c.planCache.Store(id, plan)
	return plan, nil
}

// halted reports whether no new node of pe may start.
func halted(pe *execution.PlanExecution) bool {
	return pe.Status.IsFinal() || pe.Status == execution.StatusDiscontinuing || pe.AbortRequested
}

// WaitToken is the resume token of the pipeline identified by queueKey.
func WaitToken(queueKey string) string {
	return waitTokenPrefix + queueKey
}

// LockName is the name of the lock serialising resumes of queueKey.
func LockName(queueKey string) string {
	return lockNamePrefix + queueKey
}

const (
	waitTokenPrefix = "queue:"
	lockNamePrefix  = "PLAN_EXECUTION_QUEUE:"
)

func unknownFailure(err error) *execution.FailureInfo {
	return &execution.FailureInfo{
		Types:   []execution.FailureType{execution.FailureUnknown},
		Message: err.Error(),
	}
}
