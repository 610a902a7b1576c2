package ambiance

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/pipeflow/internal/domain/derrors"
)

func rootAmbiance() *Ambiance {
	return New("exec-1", "plan-1", map[string]string{
		KeyAccountID:  "acct",
		KeyOrgID:      "org",
		KeyProjectID:  "proj",
		KeyPipelineID: "pipe",
	}, 7)
}

func TestCloneForChildKeepsParentIntact(t *testing.T) {
	t.Parallel()

	root := rootAmbiance().CloneForChild(Level{RuntimeID: "r-pipe", SetupID: "s-pipe", Identifier: "pipe", Group: GroupPipeline})
	stage := root.CloneForChild(Level{RuntimeID: "r-stage", SetupID: "s-stage", Identifier: "build", Group: GroupStage})
	sibling := root.CloneForChild(Level{RuntimeID: "r-stage2", SetupID: "s-stage2", Identifier: "deploy", Group: GroupStage})

	require.Equal(t, 1, root.Depth())
	require.Equal(t, 2, stage.Depth())
	require.Equal(t, 2, sibling.Depth())

	current, err := stage.CurrentLevel()
	require.NoError(t, err)
	assert.Equal(t, "r-stage", current.RuntimeID)

	current, err = sibling.CurrentLevel()
	require.NoError(t, err)
	assert.Equal(t, "r-stage2", current.RuntimeID)

	// The first branch must still see its own level after the sibling forked.
	current, err = stage.CurrentLevel()
	require.NoError(t, err)
	assert.Equal(t, "r-stage", current.RuntimeID)
	assert.Equal(t, "pipe.build", stage.FQN())
	assert.Equal(t, "pipe.deploy", sibling.FQN())
}

func TestCloneForFinishDropsOneLevel(t *testing.T) {
	t.Parallel()

	amb := rootAmbiance().
		CloneForChild(Level{RuntimeID: "r1", SetupID: "s1", Group: GroupPipeline}).
		CloneForChild(Level{RuntimeID: "r2", SetupID: "s2", Group: GroupStage}).
		CloneForChild(Level{RuntimeID: "r3", SetupID: "s3", Group: GroupStep})

	parent, err := amb.CloneForFinish()
	require.NoError(t, err)
	require.Equal(t, 2, parent.Depth())
	assert.Equal(t, "r2", parent.CurrentRuntimeID())
	assert.Equal(t, "exec-1", parent.PlanExecutionID())
	assert.Equal(t, "plan-1", parent.PlanID())
	assert.Equal(t, "r1", parent.ParentRuntimeID())
	assert.Equal(t, 3, amb.Depth())

	again := parent.CloneForChild(Level{RuntimeID: "r3", SetupID: "s3", Group: GroupStep})
	assert.Equal(t, amb.Levels(), again.Levels())
}

func TestEmptyStackOperationsFail(t *testing.T) {
	t.Parallel()

	amb := rootAmbiance()
	_, err := amb.CloneForFinish()
	require.ErrorIs(t, err, ErrEmptyStack)

	_, err = amb.CurrentLevel()
	require.ErrorIs(t, err, ErrEmptyStack)
	assert.Equal(t, "", amb.CurrentRuntimeID())
}

func TestGroupLevel(t *testing.T) {
	t.Parallel()

	amb := rootAmbiance().
		CloneForChild(Level{RuntimeID: "r1", Group: GroupPipeline}).
		CloneForChild(Level{RuntimeID: "r2", Group: GroupStage}).
		CloneForChild(Level{RuntimeID: "r3", Group: GroupStep})

	level, err := amb.GroupLevel(GroupStage)
	require.NoError(t, err)
	assert.Equal(t, "r2", level.RuntimeID)

	stage, ok := amb.StageLevel()
	require.True(t, ok)
	assert.Equal(t, "r2", stage.RuntimeID)

	_, err = amb.GroupLevel(GroupStepGroup)
	require.ErrorIs(t, err, ErrGroupNotFound)
	assert.True(t, derrors.HasCode(err, derrors.ErrCodeGroupNotFound))

	// The root level carries no group label.
	_, err = amb.GroupLevel("")
	require.ErrorIs(t, err, ErrGroupNotFound)
}

func TestSetupAbstractionAccessors(t *testing.T) {
	t.Parallel()

	amb := rootAmbiance()
	assert.Equal(t, "acct", amb.AccountID())
	assert.Equal(t, "org", amb.OrgID())
	assert.Equal(t, "proj", amb.ProjectID())
	assert.Equal(t, "pipe", amb.PipelineID())
	assert.Equal(t, int64(7), amb.ExpressionToken())

	setup := amb.SetupAbstractions()
	setup[KeyAccountID] = "mutated"
	assert.Equal(t, "acct", amb.AccountID())
}

func TestCloneWithLevels(t *testing.T) {
	t.Parallel()

	amb := rootAmbiance().
		CloneForChild(Level{RuntimeID: "r1"}).
		CloneForChild(Level{RuntimeID: "r2"})

	trimmed, err := amb.CloneWithLevels(1)
	require.NoError(t, err)
	assert.Equal(t, "r1", trimmed.CurrentRuntimeID())

	_, err = amb.CloneWithLevels(3)
	require.True(t, derrors.HasCode(err, derrors.ErrCodeValidation))
}

func TestJSONRoundTripPreservesStack(t *testing.T) {
	t.Parallel()

	amb := rootAmbiance().
		CloneForChild(Level{RuntimeID: "r1", SetupID: "s1", StepType: "PIPELINE_SECTION", Group: GroupPipeline}).
		CloneForChild(Level{RuntimeID: "r2", SetupID: "s2", StepType: "ShellScript", Group: GroupStep, StartTs: 42})

	raw, err := json.Marshal(amb)
	require.NoError(t, err)

	var restored Ambiance
	require.NoError(t, json.Unmarshal(raw, &restored))
	assert.Equal(t, amb.Levels(), restored.Levels())
	assert.Equal(t, amb.SetupAbstractions(), restored.SetupAbstractions())

	child := restored.CloneForChild(Level{RuntimeID: "r3"})
	assert.Equal(t, 3, child.Depth())
	assert.Equal(t, 2, restored.Depth())
}

func TestConcurrentClonesAreIsolated(t *testing.T) {
	t.Parallel()

	root := rootAmbiance().CloneForChild(Level{RuntimeID: "root"})

	var wg sync.WaitGroup
	results := make([]*Ambiance, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = root.CloneForChild(Level{RuntimeID: string(rune('a' + i))})
		}(i)
	}
	wg.Wait()

	for i, amb := range results {
		require.Equal(t, 2, amb.Depth())
		assert.Equal(t, string(rune('a'+i)), amb.CurrentRuntimeID())
		assert.Equal(t, "root", amb.ParentRuntimeID())
	}
}
