package executors

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/pipeflow/internal/domain/ambiance"
	"github.com/alexisbeaulieu97/pipeflow/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipeflow/internal/domain/outputs"
	"github.com/alexisbeaulieu97/pipeflow/internal/infrastructure/persistence/memory"
	apperrors "github.com/alexisbeaulieu97/pipeflow/pkg/errors"
)

func TestTemplateRendersVarsSetupAndOutputs(t *testing.T) {
	svc := outputs.NewService(memory.New())
	root := ambiance.New("exec-1", "plan-1", map[string]string{ambiance.KeyAccountID: "acme"}, 1)
	pipeline := root.CloneForChild(ambiance.Level{RuntimeID: "rt-pipeline", SetupID: "pipeline", Group: ambiance.GroupPipeline})
	producer := pipeline.CloneForChild(ambiance.Level{RuntimeID: "rt-a", SetupID: "a", Group: ambiance.GroupStep})
	renderer := pipeline.CloneForChild(ambiance.Level{RuntimeID: "rt-b", SetupID: "b", Group: ambiance.GroupStep})

	_, err := svc.Save(context.Background(), producer, "image", "registry/app:1.4", 1)
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "out", "deploy.conf")
	params := map[string]interface{}{
		"inline":      "account={{.Setup.accountId}} env={{.Vars.env}} image={{.Outputs.image}}\n",
		"destination": dest,
		"vars":        map[string]interface{}{"env": "prod"},
		"inputs":      []interface{}{"image"},
		"output":      "rendered",
	}

	outcome, err := NewTemplate().Execute(context.Background(), request(renderer, svc, StepTypeTemplate, params))
	require.NoError(t, err)
	assert.Equal(t, execution.StatusSuccess, outcome.Status)

	content, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "account=acme env=prod image=registry/app:1.4\n", string(content))

	var first TemplateResult
	found, err := svc.ResolveInto(context.Background(), renderer, outputs.RefObject{Name: "rendered"}, &first)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, first.Changed)
	assert.Equal(t, dest, first.Destination)

	outcome, err = NewTemplate().Execute(context.Background(), request(renderer, svc, StepTypeTemplate, params))
	require.NoError(t, err)
	assert.Equal(t, execution.StatusSuccess, outcome.Status)

	var second TemplateResult
	_, err = svc.ResolveInto(context.Background(), renderer, outputs.RefObject{Name: "rendered"}, &second)
	require.NoError(t, err)
	assert.False(t, second.Changed)
	assert.Equal(t, first.SHA256, second.SHA256)
}

func TestTemplateFromSourceAppliesMode(t *testing.T) {
	skipOnWindows(t)
	step, _ := stage(t)
	dir := t.TempDir()
	source := filepath.Join(dir, "motd.tmpl")
	require.NoError(t, os.WriteFile(source, []byte("hello {{.Vars.name}}"), 0o644))
	dest := filepath.Join(dir, "motd")
	require.NoError(t, os.WriteFile(dest, []byte("hello world"), 0o644))

	outcome, err := NewTemplate().Execute(context.Background(), request(step, nil, StepTypeTemplate, map[string]interface{}{
		"source":      source,
		"destination": dest,
		"mode":        "0600",
		"vars":        map[string]interface{}{"name": "world"},
	}))
	require.NoError(t, err)
	assert.Equal(t, execution.StatusSuccess, outcome.Status)

	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestTemplateFailures(t *testing.T) {
	step, _ := stage(t)
	dir := t.TempDir()

	outcome, err := NewTemplate().Execute(context.Background(), request(step, nil, StepTypeTemplate, map[string]interface{}{
		"inline":      "{{.Vars.missing}}",
		"destination": filepath.Join(dir, "a"),
	}))
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, outcome.Status)
	assert.Contains(t, outcome.Failure.Message, "render template")

	outcome, err = NewTemplate().Execute(context.Background(), request(step, outputs.NewService(memory.New()), StepTypeTemplate, map[string]interface{}{
		"inline":      "x",
		"destination": filepath.Join(dir, "b"),
		"inputs":      []interface{}{"absent"},
	}))
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, outcome.Status)
	assert.Contains(t, outcome.Failure.Message, `"absent"`)

	_, err = NewTemplate().Execute(context.Background(), request(step, nil, StepTypeTemplate, map[string]interface{}{
		"destination": filepath.Join(dir, "c"),
	}))
	var executorErr *apperrors.ExecutorError
	require.ErrorAs(t, err, &executorErr)
	assert.Equal(t, StepTypeTemplate, executorErr.StepType)

	_, err = NewTemplate().Execute(context.Background(), request(step, nil, StepTypeTemplate, map[string]interface{}{
		"inline":      "x",
		"destination": filepath.Join(dir, "d"),
		"mode":        "0999",
	}))
	assert.ErrorAs(t, err, &executorErr)
}
