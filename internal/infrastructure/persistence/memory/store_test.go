package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/pipeflow/internal/domain/derrors"
	"github.com/alexisbeaulieu97/pipeflow/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipeflow/internal/domain/outputs"
	"github.com/alexisbeaulieu97/pipeflow/internal/ports"
)

func TestStoreUpdatePlanExecutionStatusHonoursAllowedFrom(t *testing.T) {
	ctx := context.Background()
	store := New()
	require.NoError(t, store.SavePlanExecution(ctx, &execution.PlanExecution{ID: "p1", Status: execution.StatusRunning}))

	updated, err := store.UpdatePlanExecutionStatus(ctx, "p1", execution.StatusSuccess,
		[]execution.Status{execution.StatusQueued}, nil)
	require.NoError(t, err)
	assert.Nil(t, updated, "transition from RUNNING must not apply")

	updated, err = store.UpdatePlanExecutionStatus(ctx, "p1", execution.StatusSuccess,
		[]execution.Status{execution.StatusRunning}, func(exec *execution.PlanExecution) {
			exec.EndTs = execution.TimePtr(time.Unix(10, 0))
		})
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, execution.StatusSuccess, updated.Status)
	require.NotNil(t, updated.EndTs)

	missing, err := store.UpdatePlanExecutionStatus(ctx, "absent", execution.StatusSuccess, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := New()
	exec := &execution.PlanExecution{ID: "p1", Status: execution.StatusRunning, SetupAbstractions: map[string]string{"a": "1"}}
	require.NoError(t, store.SavePlanExecution(ctx, exec))

	exec.SetupAbstractions["a"] = "changed"
	loaded, err := store.GetPlanExecution(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "1", loaded.SetupAbstractions["a"])
}

func TestStoreNextQueuedIsFIFO(t *testing.T) {
	ctx := context.Background()
	store := New()
	for _, id := range []string{"first", "second", "third"} {
		require.NoError(t, store.SavePlanExecution(ctx, &execution.PlanExecution{ID: id, QueueKey: "q", Status: execution.StatusQueued}))
	}
	_, err := store.UpdatePlanExecutionStatus(ctx, "first", execution.StatusRunning, nil, nil)
	require.NoError(t, err)

	next, err := store.NextQueuedPlanExecution(ctx, "q")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "second", next.ID)

	count, err := store.CountPlanExecutions(ctx, "q", []execution.Status{execution.StatusQueued})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	none, err := store.NextQueuedPlanExecution(ctx, "other")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestStoreListChildrenSkipsOldRetries(t *testing.T) {
	ctx := context.Background()
	store := New()
	require.NoError(t, store.SaveNodeExecution(ctx, &execution.NodeExecution{RuntimeID: "c1", ParentRuntimeID: "p", OldRetry: true}))
	require.NoError(t, store.SaveNodeExecution(ctx, &execution.NodeExecution{RuntimeID: "c2", ParentRuntimeID: "p"}))
	require.NoError(t, store.SaveNodeExecution(ctx, &execution.NodeExecution{RuntimeID: "other", ParentRuntimeID: "q"}))

	current, err := store.ListChildren(ctx, "p", false)
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, "c2", current[0].RuntimeID)

	all, err := store.ListChildren(ctx, "p", true)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "c1", all[0].RuntimeID)
}

func TestStoreUpdateNodeExecutionKeepsStatus(t *testing.T) {
	ctx := context.Background()
	store := New()
	require.NoError(t, store.SaveNodeExecution(ctx, &execution.NodeExecution{RuntimeID: "n", Status: execution.StatusRunning}))

	updated, err := store.UpdateNodeExecution(ctx, "n", func(node *execution.NodeExecution) {
		node.Status = execution.StatusSuccess
		node.NextNodeID = "next"
	})
	require.NoError(t, err)
	assert.Equal(t, execution.StatusRunning, updated.Status)
	assert.Equal(t, "next", updated.NextNodeID)

	_, err = store.UpdateNodeExecution(ctx, "missing", nil)
	assert.True(t, derrors.HasCode(err, derrors.ErrCodeNotFound))
}

func TestStoreTransactionRollsBack(t *testing.T) {
	ctx := context.Background()
	store := New()
	require.NoError(t, store.SavePlanExecution(ctx, &execution.PlanExecution{ID: "kept", Status: execution.StatusRunning}))

	boom := errors.New("boom")
	err := store.PerformTransaction(ctx, func(ctx context.Context) error {
		if err := store.SavePlanExecution(ctx, &execution.PlanExecution{ID: "new", Status: execution.StatusQueued}); err != nil {
			return err
		}
		if _, err := store.UpdatePlanExecutionStatus(ctx, "kept", execution.StatusAborted, nil, nil); err != nil {
			return err
		}
		if _, err := store.UpsertOutput(ctx, outputs.Record{PlanExecutionID: "kept", Name: "x", GlobalScope: true}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = store.GetPlanExecution(ctx, "new")
	assert.True(t, derrors.HasCode(err, derrors.ErrCodeNotFound))
	kept, err := store.GetPlanExecution(ctx, "kept")
	require.NoError(t, err)
	assert.Equal(t, execution.StatusRunning, kept.Status)
	found, err := store.FindOutputs(ctx, "kept", "x", nil)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestStoreFindOutputsMatchesScopesAndGlobal(t *testing.T) {
	ctx := context.Background()
	store := New()
	_, err := store.UpsertOutput(ctx, outputs.Record{PlanExecutionID: "e", ScopeRuntimeID: "r1", Name: "v", Value: []byte(`1`)})
	require.NoError(t, err)
	_, err = store.UpsertOutput(ctx, outputs.Record{PlanExecutionID: "e", ScopeRuntimeID: "r2", Name: "v", Value: []byte(`2`)})
	require.NoError(t, err)
	_, err = store.UpsertOutput(ctx, outputs.Record{PlanExecutionID: "e", GlobalScope: true, Name: "v", Value: []byte(`3`)})
	require.NoError(t, err)
	_, err = store.UpsertOutput(ctx, outputs.Record{PlanExecutionID: "e", ScopeRuntimeID: "r1", Name: "v", Value: []byte(`4`)})
	require.NoError(t, err)

	found, err := store.FindOutputs(ctx, "e", "v", []string{"r1"})
	require.NoError(t, err)
	require.Len(t, found, 2)
	values := map[string]bool{}
	for _, record := range found {
		values[string(record.Value)] = true
	}
	assert.True(t, values["4"])
	assert.True(t, values["3"])
}

func TestStorePlanRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := New()
	plan := &execution.Plan{
		ID:         "plan",
		RootNodeID: "root",
		Nodes: map[string]*execution.Node{
			"root": {ID: "root", Kind: execution.KindLeaf, StepType: "noop"},
		},
	}
	require.NoError(t, store.SavePlan(ctx, plan))

	loaded, err := store.GetPlan(ctx, "plan")
	require.NoError(t, err)
	node, err := loaded.Node("root")
	require.NoError(t, err)
	assert.Equal(t, "noop", node.StepType)
}

func TestStoreCallbacks(t *testing.T) {
	ctx := context.Background()
	store := New()
	first := time.Unix(100, 0)
	require.NoError(t, store.SaveCallback(ctx, callback("b", first)))
	require.NoError(t, store.SaveCallback(ctx, callback("a", first)))
	require.NoError(t, store.SaveCallback(ctx, callback("b", first.Add(time.Hour))))

	callbacks, err := store.ListCallbacks(ctx)
	require.NoError(t, err)
	require.Len(t, callbacks, 2)
	assert.Equal(t, "a", callbacks[0].Token)
	assert.True(t, callbacks[1].CreatedAt.Equal(first), "re-registration keeps the original timestamp")

	require.NoError(t, store.DeleteCallback(ctx, "b"))
	require.NoError(t, store.DeleteCallback(ctx, "b"))
	callbacks, err = store.ListCallbacks(ctx)
	require.NoError(t, err)
	require.Len(t, callbacks, 1)
}

func callback(token string, at time.Time) ports.Callback {
	return ports.Callback{Token: token, CreatedAt: at}
}
