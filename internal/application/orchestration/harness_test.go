package orchestration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/pipeflow/internal/domain/ambiance"
	"github.com/alexisbeaulieu97/pipeflow/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipeflow/internal/infrastructure/admission"
	"github.com/alexisbeaulieu97/pipeflow/internal/infrastructure/executors"
	"github.com/alexisbeaulieu97/pipeflow/internal/infrastructure/lock"
	"github.com/alexisbeaulieu97/pipeflow/internal/infrastructure/persistence/memory"
	"github.com/alexisbeaulieu97/pipeflow/internal/infrastructure/waitnotify"
	"github.com/alexisbeaulieu97/pipeflow/internal/infrastructure/workers"
	"github.com/alexisbeaulieu97/pipeflow/internal/ports"
)

const (
	stepScript = "script"
	waitFor    = 5 * time.Second
	tick       = 5 * time.Millisecond
)

var testSetup = map[string]string{
	ambiance.KeyAccountID: "acct",
	ambiance.KeyOrgID:     "org",
	ambiance.KeyProjectID: "proj",
}

type stepFunc func(ctx context.Context, req ports.ExecuteRequest, attempt int) (ports.Outcome, error)

// scriptExecutor runs per-node scripts and records the order of calls.
type scriptExecutor struct {
	mu    sync.Mutex
	steps map[string]stepFunc
	calls map[string]int
	order []string
}

func newScriptExecutor() *scriptExecutor {
	return &scriptExecutor{steps: make(map[string]stepFunc), calls: make(map[string]int)}
}

func (e *scriptExecutor) on(nodeID string, fn stepFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.steps[nodeID] = fn
}

func (e *scriptExecutor) Execute(ctx context.Context, req ports.ExecuteRequest) (ports.Outcome, error) {
	e.mu.Lock()
	id := req.Node.ID
	e.calls[id]++
	attempt := e.calls[id]
	e.order = append(e.order, id)
	fn := e.steps[id]
	e.mu.Unlock()

	if fn == nil {
		return ports.Outcome{Status: execution.StatusSuccess}, nil
	}
	return fn(ctx, req, attempt)
}

func (e *scriptExecutor) callsOf(nodeID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[nodeID]
}

func (e *scriptExecutor) ran() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.order...)
}

func fail(types ...execution.FailureType) stepFunc {
	return func(context.Context, ports.ExecuteRequest, int) (ports.Outcome, error) {
		return ports.Outcome{
			Status:  execution.StatusFailed,
			Failure: &execution.FailureInfo{Types: types, Message: "scripted failure"},
		}, nil
	}
}

// failTimes fails the first n attempts and succeeds afterwards.
func failTimes(n int) stepFunc {
	return func(ctx context.Context, req ports.ExecuteRequest, attempt int) (ports.Outcome, error) {
		if attempt <= n {
			return fail(execution.FailureApplication)(ctx, req, attempt)
		}
		return ports.Outcome{Status: execution.StatusSuccess}, nil
	}
}

type harnessConfig struct {
	governance ports.GovernanceEvaluator
	settings   Settings
	// maxConcurrent enables admission control with this per-pipeline limit.
	maxConcurrent int
	// store is shared with an earlier engine when set.
	store *memory.Store
}

type harness struct {
	t          *testing.T
	store      *memory.Store
	pool       *workers.Pool
	locks      *lock.Memory
	dispatcher *waitnotify.Dispatcher
	script     *scriptExecutor
	engine     *Engine
	events     *recordingPublisher
}

func newHarness(t *testing.T, cfg harnessConfig) *harness {
	t.Helper()

	store := cfg.store
	if store == nil {
		store = memory.New()
	}
	var limiter ports.AdmissionController
	if cfg.maxConcurrent > 0 {
		limiter = admission.NewLimiter(store, cfg.maxConcurrent)
	}
	pool := workers.NewPool(4, 64)
	pool.Start(context.Background())
	dispatcher := waitnotify.NewDispatcher(store)
	script := newScriptExecutor()
	registry := executors.NewRegistry()
	require.NoError(t, registry.Register(stepScript, script))
	events := &recordingPublisher{}
	locks := lock.NewMemory()

	engine, err := New(Dependencies{
		Store:      store,
		Executors:  registry,
		Workers:    pool,
		Lock:       locks,
		Notifier:   dispatcher,
		Governance: cfg.governance,
		Admission:  limiter,
		Events:     events,
	}, WithSettings(cfg.settings))
	require.NoError(t, err)
	dispatcher.Handle(engine.Resume.Handler())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		engine.Close()
		_ = dispatcher.Close(ctx)
		_ = pool.Shutdown(ctx)
	})

	return &harness{
		t:          t,
		store:      store,
		pool:       pool,
		locks:      locks,
		dispatcher: dispatcher,
		script:     script,
		engine:     engine,
		events:     events,
	}
}

func (h *harness) run(plan *execution.Plan) *execution.PlanExecution {
	h.t.Helper()
	pe, err := h.engine.Plans.RunNode(context.Background(), RunRequest{Plan: plan, SetupAbstractions: testSetup})
	require.NoError(h.t, err)
	return pe
}

// awaitEnd waits for the plan execution to reach a final status.
func (h *harness) awaitEnd(id string) *execution.PlanExecution {
	h.t.Helper()
	var pe *execution.PlanExecution
	require.Eventually(h.t, func() bool {
		current, err := h.store.GetPlanExecution(context.Background(), id)
		if err != nil {
			return false
		}
		pe = current
		return current.Status.IsFinal()
	}, waitFor, tick)
	require.NoError(h.t, h.pool.Wait(context.Background()))
	return pe
}

// awaitNode waits for the current attempt of setupID to reach status.
func (h *harness) awaitNode(planExecutionID, setupID string, status execution.Status) *execution.NodeExecution {
	h.t.Helper()
	var found *execution.NodeExecution
	require.Eventually(h.t, func() bool {
		found = h.node(planExecutionID, setupID)
		return found != nil && found.Status == status
	}, waitFor, tick)
	return found
}

// node returns the latest attempt of setupID.
func (h *harness) node(planExecutionID, setupID string) *execution.NodeExecution {
	nodes, err := h.store.ListNodeExecutions(context.Background(), planExecutionID, nil)
	require.NoError(h.t, err)
	var latest *execution.NodeExecution
	for _, ne := range nodes {
		if ne.SetupID == setupID && !ne.OldRetry {
			latest = ne
		}
	}
	return latest
}

func (h *harness) attempts(planExecutionID, setupID string) []*execution.NodeExecution {
	nodes, err := h.store.ListNodeExecutions(context.Background(), planExecutionID, nil)
	require.NoError(h.t, err)
	var out []*execution.NodeExecution
	for _, ne := range nodes {
		if ne.SetupID == setupID {
			out = append(out, ne)
		}
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []ports.DomainEvent
}

func (p *recordingPublisher) Publish(_ context.Context, event ports.DomainEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Subscribe(string, ports.EventHandler) (ports.Subscription, error) {
	return nopSubscription{}, nil
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.EventType() == eventType {
			n++
		}
	}
	return n
}

type nopSubscription struct{}

func (nopSubscription) Unsubscribe() {}

func leaf(id string, advisers ...execution.AdviserConfig) *execution.Node {
	return &execution.Node{ID: id, Identifier: id, StepType: stepScript, Group: ambiance.GroupStep, Kind: execution.KindLeaf, Advisers: advisers}
}

// chainPlan runs the given leaves in order under a pipeline chain.
func chainPlan(leaves ...*execution.Node) *execution.Plan {
	plan := &execution.Plan{
		ID:         "plan-" + leaves[0].ID,
		PipelineID: "pipe",
		RootNodeID: "pipeline",
		Nodes:      map[string]*execution.Node{},
	}
	plan.Nodes["pipeline"] = &execution.Node{
		ID: "pipeline", Identifier: "pipeline", StepType: "pipeline", Group: ambiance.GroupPipeline,
		Kind: execution.KindChain, Children: []string{leaves[0].ID},
	}
	for i, n := range leaves {
		if i+1 < len(leaves) {
			n.NextID = leaves[i+1].ID
		}
		plan.Nodes[n.ID] = n
	}
	return plan
}

// forkPlan runs the given leaves in parallel.
func forkPlan(leaves ...*execution.Node) *execution.Plan {
	plan := &execution.Plan{
		ID:         "fork-" + leaves[0].ID,
		PipelineID: "pipe",
		RootNodeID: "parallel",
		Nodes:      map[string]*execution.Node{},
	}
	root := &execution.Node{ID: "parallel", StepType: "fork", Kind: execution.KindFork}
	for _, n := range leaves {
		root.Children = append(root.Children, n.ID)
		plan.Nodes[n.ID] = n
	}
	plan.Nodes[root.ID] = root
	return plan
}

func adviser(kind string, params map[string]interface{}) execution.AdviserConfig {
	return execution.AdviserConfig{Type: kind, Parameters: params}
}
