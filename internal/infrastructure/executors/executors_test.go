package executors

import (
	"context"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/pipeflow/internal/domain/ambiance"
	"github.com/alexisbeaulieu97/pipeflow/internal/domain/derrors"
	"github.com/alexisbeaulieu97/pipeflow/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipeflow/internal/domain/outputs"
	"github.com/alexisbeaulieu97/pipeflow/internal/infrastructure/persistence/memory"
	"github.com/alexisbeaulieu97/pipeflow/internal/ports"
	apperrors "github.com/alexisbeaulieu97/pipeflow/pkg/errors"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell tests assume a POSIX shell")
	}
}

// stage builds pipeline > stage > step levels and returns the step ambiance
// together with a sibling step under the same stage.
func stage(t *testing.T) (step, sibling *ambiance.Ambiance) {
	t.Helper()
	root := ambiance.New("exec-1", "plan-1", nil, 1)
	pipeline := root.CloneForChild(ambiance.Level{RuntimeID: "rt-pipeline", SetupID: "pipeline", Group: ambiance.GroupPipeline})
	stg := pipeline.CloneForChild(ambiance.Level{RuntimeID: "rt-stage", SetupID: "deploy", Group: ambiance.GroupStage})
	step = stg.CloneForChild(ambiance.Level{RuntimeID: "rt-a", SetupID: "a", Group: ambiance.GroupStep})
	sibling = stg.CloneForChild(ambiance.Level{RuntimeID: "rt-b", SetupID: "b", Group: ambiance.GroupStep})
	return step, sibling
}

func request(amb *ambiance.Ambiance, svc *outputs.Service, stepType string, params map[string]interface{}) ports.ExecuteRequest {
	return ports.ExecuteRequest{
		RuntimeID: amb.CurrentRuntimeID(),
		Ambiance:  amb,
		Node:      &execution.Node{ID: amb.CurrentSetupID(), Kind: execution.KindLeaf, StepType: stepType, Parameters: params},
		Outputs:   svc,
	}
}

func TestCommandPublishesStdoutToSiblings(t *testing.T) {
	skipOnWindows(t)
	svc := outputs.NewService(memory.New())
	step, sibling := stage(t)

	outcome, err := NewCommand().Execute(context.Background(), request(step, svc, StepTypeCommand, map[string]interface{}{
		"command": "echo $GREETING",
		"env":     map[string]interface{}{"GREETING": "hello"},
		"output":  "greeting",
	}))
	require.NoError(t, err)
	assert.Equal(t, execution.StatusSuccess, outcome.Status)

	var got string
	found, err := svc.ResolveInto(context.Background(), sibling, outputs.RefObject{Name: "greeting"}, &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "hello", got)
}

func TestCommandFailureCarriesExitCode(t *testing.T) {
	skipOnWindows(t)
	step, _ := stage(t)

	outcome, err := NewCommand().Execute(context.Background(), request(step, nil, StepTypeCommand, map[string]interface{}{
		"command":      "echo broken >&2; exit 3",
		"failure_type": string(execution.FailureVerification),
	}))
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, outcome.Status)
	require.NotNil(t, outcome.Failure)
	assert.Equal(t, []execution.FailureType{execution.FailureVerification}, outcome.Failure.Types)
	assert.Contains(t, outcome.Failure.Message, "code 3")
	assert.Contains(t, outcome.Failure.Message, "broken")
}

func TestCommandTimeout(t *testing.T) {
	skipOnWindows(t)
	step, _ := stage(t)

	outcome, err := NewCommand().Execute(context.Background(), request(step, nil, StepTypeCommand, map[string]interface{}{
		"command":         "sleep 5",
		"timeout_seconds": 1,
	}))
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, outcome.Status)
	assert.Equal(t, []execution.FailureType{execution.FailureTimeout}, outcome.Failure.Types)
}

func TestCommandAbortsWhenContextCancelled(t *testing.T) {
	skipOnWindows(t)
	step, _ := stage(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := NewCommand().Execute(ctx, request(step, nil, StepTypeCommand, map[string]interface{}{"command": "sleep 5"}))
	require.NoError(t, err)
	assert.Equal(t, execution.StatusAborted, outcome.Status)
}

func TestCommandRejectsMissingCommand(t *testing.T) {
	step, _ := stage(t)

	_, err := NewCommand().Execute(context.Background(), request(step, nil, StepTypeCommand, nil))
	var executorErr *apperrors.ExecutorError
	require.ErrorAs(t, err, &executorErr)
	assert.Equal(t, StepTypeCommand, executorErr.StepType)
}

func TestOutputsPublishesAndRequires(t *testing.T) {
	svc := outputs.NewService(memory.New())
	step, sibling := stage(t)
	ctx := context.Background()

	outcome, err := NewOutputs().Execute(ctx, request(step, svc, StepTypeOutputs, map[string]interface{}{
		"publish": []interface{}{
			map[string]interface{}{"name": "region", "value": "eu-west-1", "scope": ambiance.GroupStage},
			map[string]interface{}{"name": "build", "value": map[string]interface{}{"id": 7}, "scope": ScopeGlobal},
		},
	}))
	require.NoError(t, err)
	require.Equal(t, execution.StatusSuccess, outcome.Status)

	outcome, err = NewOutputs().Execute(ctx, request(sibling, svc, StepTypeOutputs, map[string]interface{}{
		"require": []interface{}{
			map[string]interface{}{"name": "region", "producer": "a", "as": "target_region", "scope": ScopeSelf},
			map[string]interface{}{"name": "build"},
		},
	}))
	require.NoError(t, err)
	require.Equal(t, execution.StatusSuccess, outcome.Status)

	var region string
	found, err := svc.ResolveInto(ctx, sibling, outputs.RefObject{Name: "target_region"}, &region)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "eu-west-1", region)
}

func TestOutputsFailsWhenRequiredOutputMissing(t *testing.T) {
	svc := outputs.NewService(memory.New())
	step, _ := stage(t)

	outcome, err := NewOutputs().Execute(context.Background(), request(step, svc, StepTypeOutputs, map[string]interface{}{
		"require": []interface{}{map[string]interface{}{"name": "nowhere"}},
	}))
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, outcome.Status)
	assert.Contains(t, outcome.Failure.Message, "nowhere")
}

func TestOutputsUnknownGroup(t *testing.T) {
	svc := outputs.NewService(memory.New())
	step, _ := stage(t)

	_, err := NewOutputs().Execute(context.Background(), request(step, svc, StepTypeOutputs, map[string]interface{}{
		"publish": []interface{}{map[string]interface{}{"name": "x", "value": 1, "scope": ambiance.GroupStepGroup}},
	}))
	assert.True(t, derrors.HasCode(err, derrors.ErrCodeGroupNotFound))
}

func TestRegistry(t *testing.T) {
	r := NewDefaultRegistry(nil)
	assert.Equal(t, []string{StepTypeCommand, StepTypeOutputs, StepTypeTemplate}, r.StepTypes())

	got, err := r.Get(StepTypeOutputs)
	require.NoError(t, err)
	assert.IsType(t, &Outputs{}, got)

	err = r.Register(StepTypeCommand, NewCommand())
	assert.True(t, derrors.HasCode(err, derrors.ErrCodeConflict))

	_, err = r.Get("approval")
	assert.True(t, derrors.HasCode(err, derrors.ErrCodeNotFound))

	assert.Error(t, r.Register("", NewOutputs()))
	assert.Error(t, r.Register("noop", nil))
}
