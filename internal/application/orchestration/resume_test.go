package orchestration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/pipeflow/internal/domain/derrors"
	"github.com/alexisbeaulieu97/pipeflow/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipeflow/internal/ports"
)

func TestAdmissionQueuesAndResumesInOrder(t *testing.T) {
	h := newHarness(t, harnessConfig{maxConcurrent: 1})
	release := make(chan struct{})
	h.script.on("first", func(ctx context.Context, _ ports.ExecuteRequest, _ int) (ports.Outcome, error) {
		<-release
		return ports.Outcome{Status: execution.StatusSuccess}, nil
	})

	first := h.run(chainPlan(leaf("first")))
	h.awaitNode(first.ID, "first", execution.StatusRunning)

	second := h.run(chainPlan(leaf("second")))
	third := h.run(chainPlan(leaf("third")))
	assert.Equal(t, execution.StatusQueued, second.Status)
	assert.Equal(t, execution.StatusQueued, third.Status)
	assert.Nil(t, second.StartTs)
	assert.Equal(t, first.QueueKey, second.QueueKey)
	assert.Equal(t, 2, h.events.count(ports.EventOrchestrationQueued))

	// Nothing starts while the pipeline is at its limit.
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, h.script.callsOf("second"))

	close(release)
	firstEnd := h.awaitEnd(first.ID)
	secondEnd := h.awaitEnd(second.ID)
	thirdEnd := h.awaitEnd(third.ID)

	assert.Equal(t, execution.StatusSuccess, secondEnd.Status)
	assert.Equal(t, execution.StatusSuccess, thirdEnd.Status)
	require.NotNil(t, secondEnd.StartTs)
	assert.False(t, secondEnd.StartTs.Before(*firstEnd.EndTs))
	assert.False(t, thirdEnd.StartTs.Before(*secondEnd.EndTs))
	assert.Equal(t, []string{"first", "second", "third"}, h.script.ran())
}

func TestResumeSkipsWhenQueueLockIsHeld(t *testing.T) {
	h := newHarness(t, harnessConfig{settings: Settings{LockWait: 10 * time.Millisecond}})
	queueKey := execution.QueueKey("acct", "org", "proj", "pipe")

	handle, err := h.locks.Acquire(context.Background(), LockName(queueKey), 0, time.Minute)
	require.NoError(t, err)
	defer func() { _ = handle.Release(context.Background()) }()

	result, err := h.engine.Resume.Notify(context.Background(), WaitToken(queueKey))
	require.NoError(t, err)
	assert.Equal(t, ResumeLocked, result)
}

func TestResumeIdleWithoutQueuedExecutions(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()
	token := WaitToken(execution.QueueKey("acct", "org", "proj", "pipe"))
	require.NoError(t, h.dispatcher.Register(ctx, token))

	result, err := h.engine.Resume.Notify(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, ResumeIdle, result)

	callbacks, err := h.store.ListCallbacks(ctx)
	require.NoError(t, err)
	assert.Empty(t, callbacks)
}

func TestResumeRejectsForeignToken(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	for _, token := range []string{"bogus", "queue:"} {
		result, err := h.engine.Resume.Notify(context.Background(), token)
		require.Error(t, err, token)
		assert.True(t, derrors.HasCode(err, derrors.ErrCodeValidation))
		assert.Equal(t, ResumeError, result)
	}
}

func TestResumeWithoutLimiterWaitsForRunningExecution(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	release := make(chan struct{})
	h.script.on("build", func(ctx context.Context, _ ports.ExecuteRequest, _ int) (ports.Outcome, error) {
		<-release
		return ports.Outcome{Status: execution.StatusSuccess}, nil
	})

	running := h.run(chainPlan(leaf("build")))
	h.awaitNode(running.ID, "build", execution.StatusRunning)

	plan := chainPlan(leaf("later"))
	queued := &execution.PlanExecution{
		ID:                "queued-1",
		PlanID:            plan.ID,
		PipelineID:        plan.PipelineID,
		Status:            execution.StatusQueued,
		SetupAbstractions: testSetup,
		QueueKey:          running.QueueKey,
		CreatedAt:         time.Now().UTC(),
	}
	require.NoError(t, h.store.SavePlan(context.Background(), plan))
	require.NoError(t, h.store.SavePlanExecution(context.Background(), queued))

	result, err := h.engine.Resume.Notify(context.Background(), WaitToken(running.QueueKey))
	require.NoError(t, err)
	assert.Equal(t, ResumeIdle, result)

	// The end of the running execution notifies the pipeline's token.
	close(release)
	h.awaitEnd(running.ID)
	ended := h.awaitEnd(queued.ID)
	assert.Equal(t, execution.StatusSuccess, ended.Status)
	assert.Equal(t, 1, h.script.callsOf("later"))
}
