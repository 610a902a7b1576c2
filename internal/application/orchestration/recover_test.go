package orchestration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/pipeflow/internal/domain/ambiance"
	"github.com/alexisbeaulieu97/pipeflow/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipeflow/internal/infrastructure/executors"
	"github.com/alexisbeaulieu97/pipeflow/internal/infrastructure/lock"
	"github.com/alexisbeaulieu97/pipeflow/internal/infrastructure/persistence/memory"
	"github.com/alexisbeaulieu97/pipeflow/internal/infrastructure/waitnotify"
	"github.com/alexisbeaulieu97/pipeflow/internal/infrastructure/workers"
)

// crashedRun starts plan on an engine whose workers never run, leaving the
// root node QUEUED in store as a crashed process would.
func crashedRun(t *testing.T, store *memory.Store, plan *execution.Plan) *execution.PlanExecution {
	t.Helper()
	stalled := workers.NewPool(1, 16)
	engine, err := New(Dependencies{
		Store:     store,
		Executors: executors.NewRegistry(),
		Workers:   stalled,
		Lock:      lock.NewMemory(),
		Notifier:  waitnotify.NewDispatcher(store),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		engine.Close()
		_ = stalled.Shutdown(context.Background())
	})

	pe, err := engine.Plans.RunNode(context.Background(), RunRequest{Plan: plan, SetupAbstractions: testSetup})
	require.NoError(t, err)
	return pe
}

func rootOf(t *testing.T, store *memory.Store, planExecutionID string) *execution.NodeExecution {
	t.Helper()
	nodes, err := store.ListNodeExecutions(context.Background(), planExecutionID, nil)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	return nodes[0]
}

// startRoot moves the root to RUNNING and saves child below it with status.
func startRoot(t *testing.T, store *memory.Store, root *execution.NodeExecution, child *execution.Node, status execution.Status) *execution.NodeExecution {
	t.Helper()
	ctx := context.Background()
	_, err := store.UpdateNodeExecutionStatus(ctx, root.RuntimeID, execution.StatusRunning, nil, nil)
	require.NoError(t, err)

	ne := &execution.NodeExecution{
		RuntimeID:       "child-" + child.ID,
		SetupID:         child.ID,
		PlanExecutionID: root.PlanExecutionID,
		ParentRuntimeID: root.RuntimeID,
		StepType:        child.StepType,
		Status:          status,
		Ambiance: root.Ambiance.CloneForChild(ambiance.Level{
			RuntimeID: "child-" + child.ID,
			SetupID:   child.ID,
			StepType:  child.StepType,
			Group:     child.Group,
		}),
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.SaveNodeExecution(ctx, ne))
	return ne
}

func TestRecoverResubmitsQueuedNodes(t *testing.T) {
	store := memory.New()
	pe := crashedRun(t, store, chainPlan(leaf("build"), leaf("ship")))
	assert.Equal(t, execution.StatusQueued, rootOf(t, store, pe.ID).Status)

	h := newHarness(t, harnessConfig{store: store})
	report, err := h.engine.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Executions)
	assert.Equal(t, 1, report.Resubmitted)

	ended := h.awaitEnd(pe.ID)
	assert.Equal(t, execution.StatusSuccess, ended.Status)
	assert.Equal(t, []string{"build", "ship"}, h.script.ran())
}

func TestRecoverErrorsInterruptedLeaves(t *testing.T) {
	store := memory.New()
	plan := chainPlan(leaf("build"))
	pe := crashedRun(t, store, plan)
	startRoot(t, store, rootOf(t, store, pe.ID), plan.Nodes["build"], execution.StatusRunning)

	h := newHarness(t, harnessConfig{store: store})
	report, err := h.engine.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Interrupted)

	ended := h.awaitEnd(pe.ID)
	assert.Equal(t, execution.StatusErrored, ended.Status)
	build := h.node(pe.ID, "build")
	require.NotNil(t, build.Failure)
	assert.Equal(t, "node interrupted by restart", build.Failure.Message)
	assert.Zero(t, h.script.callsOf("build"))
}

func TestRecoverRearmsExpiredIntervention(t *testing.T) {
	store := memory.New()
	plan := chainPlan(leaf("gate"))
	pe := crashedRun(t, store, plan)
	gate := startRoot(t, store, rootOf(t, store, pe.ID), plan.Nodes["gate"], execution.StatusInterventionWaiting)
	_, err := store.UpdateNodeExecution(context.Background(), gate.RuntimeID, func(n *execution.NodeExecution) {
		n.InterventionDeadline = execution.TimePtr(time.Now().Add(-time.Minute))
	})
	require.NoError(t, err)

	h := newHarness(t, harnessConfig{store: store})
	report, err := h.engine.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Interventions)

	ended := h.awaitEnd(pe.ID)
	assert.Equal(t, execution.StatusExpired, ended.Status)
	assert.Equal(t, execution.StatusExpired, h.node(pe.ID, "gate").Status)
}

func TestRecoverCompletesInterruptedAbort(t *testing.T) {
	store := memory.New()
	plan := chainPlan(leaf("build"))
	pe := crashedRun(t, store, plan)
	startRoot(t, store, rootOf(t, store, pe.ID), plan.Nodes["build"], execution.StatusDiscontinuing)
	_, err := store.UpdatePlanExecutionStatus(context.Background(), pe.ID, execution.StatusDiscontinuing, nil, func(p *execution.PlanExecution) {
		p.AbortRequested = true
	})
	require.NoError(t, err)

	h := newHarness(t, harnessConfig{store: store})
	report, err := h.engine.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Terminated)

	ended := h.awaitEnd(pe.ID)
	assert.Equal(t, execution.StatusAborted, ended.Status)
	for _, ne := range h.attempts(pe.ID, "build") {
		assert.Equal(t, execution.StatusAborted, ne.Status)
	}
	assert.Equal(t, execution.StatusAborted, h.node(pe.ID, "pipeline").Status)
}

func TestRecoverNotifiesQueuedPipelines(t *testing.T) {
	store := memory.New()
	plan := chainPlan(leaf("later"))
	require.NoError(t, store.SavePlan(context.Background(), plan))
	queued := &execution.PlanExecution{
		ID:                "queued-1",
		PlanID:            plan.ID,
		PipelineID:        plan.PipelineID,
		Status:            execution.StatusQueued,
		SetupAbstractions: testSetup,
		QueueKey:          execution.QueueKey("acct", "org", "proj", "pipe"),
		CreatedAt:         time.Now().UTC(),
	}
	require.NoError(t, store.SavePlanExecution(context.Background(), queued))

	h := newHarness(t, harnessConfig{store: store})
	report, err := h.engine.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Tokens)

	ended := h.awaitEnd(queued.ID)
	assert.Equal(t, execution.StatusSuccess, ended.Status)
	assert.Equal(t, 1, h.script.callsOf("later"))
}

func TestRecoverReplaysRegisteredCallbacks(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	plan := chainPlan(leaf("later"))
	require.NoError(t, store.SavePlan(ctx, plan))
	queueKey := execution.QueueKey("acct", "org", "proj", "pipe")
	queued := &execution.PlanExecution{
		ID:                "queued-1",
		PlanID:            plan.ID,
		PipelineID:        plan.PipelineID,
		Status:            execution.StatusQueued,
		SetupAbstractions: testSetup,
		QueueKey:          queueKey,
		CreatedAt:         time.Now().UTC(),
	}
	require.NoError(t, store.SavePlanExecution(ctx, queued))
	require.NoError(t, waitnotify.NewDispatcher(store).Register(ctx, WaitToken(queueKey)))

	h := newHarness(t, harnessConfig{store: store})
	report, err := h.engine.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Tokens)

	ended := h.awaitEnd(queued.ID)
	assert.Equal(t, execution.StatusSuccess, ended.Status)
	require.Eventually(t, func() bool {
		callbacks, err := store.ListCallbacks(ctx)
		return err == nil && len(callbacks) == 0
	}, waitFor, tick)
}

func TestRecoverDropsRegistrationsOfEmptyQueues(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	token := WaitToken(execution.QueueKey("acct", "org", "proj", "idle"))
	require.NoError(t, waitnotify.NewDispatcher(store).Register(ctx, token))

	h := newHarness(t, harnessConfig{store: store})
	report, err := h.engine.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Executions)
	assert.Equal(t, 1, report.Tokens)

	require.Eventually(t, func() bool {
		callbacks, err := store.ListCallbacks(ctx)
		return err == nil && len(callbacks) == 0
	}, waitFor, tick)
}
