package executors

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"text/template"

	"github.com/alexisbeaulieu97/pipeflow/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipeflow/internal/domain/outputs"
	"github.com/alexisbeaulieu97/pipeflow/internal/ports"
	apperrors "github.com/alexisbeaulieu97/pipeflow/pkg/errors"
)

const defaultFileMode os.FileMode = 0o644

// TemplateParameters configures a template node. Exactly one of Source and
// Inline provides the template text.
type TemplateParameters struct {
	Source      string                 `json:"source" validate:"required_without=Inline,excluded_with=Inline"`
	Inline      string                 `json:"inline"`
	Destination string                 `json:"destination" validate:"required"`
	Mode        string                 `json:"mode" validate:"omitempty,numeric"`
	Vars        map[string]interface{} `json:"vars"`
	Inputs      []string               `json:"inputs" validate:"dive,output_name"`
	Output      string                 `json:"output" validate:"omitempty,output_name"`
	OutputScope string                 `json:"output_scope"`
}

// TemplateResult is published under the node's output name.
type TemplateResult struct {
	Destination string `json:"destination"`
	SHA256      string `json:"sha256"`
	Changed     bool   `json:"changed"`
}

// templateData is the dot value templates are executed against.
type templateData struct {
	Vars    map[string]interface{}
	Setup   map[string]string
	Outputs map[string]interface{}
}

// Template renders a text/template into a file. The destination is only
// rewritten when its content or permissions differ from the rendered result.
type Template struct{}

// NewTemplate creates a template executor.
func NewTemplate() *Template {
	return &Template{}
}

// Execute implements ports.NodeExecutor.
func (t *Template) Execute(ctx context.Context, req ports.ExecuteRequest) (ports.Outcome, error) {
	var params TemplateParameters
	if err := decodeParameters(StepTypeTemplate, req.Node.Parameters, &params); err != nil {
		return ports.Outcome{}, err
	}
	if err := ctx.Err(); err != nil {
		return ports.Outcome{Status: execution.StatusAborted}, nil
	}

	mode, err := parseFileMode(params.Mode)
	if err != nil {
		return ports.Outcome{}, apperrors.NewExecutorError(StepTypeTemplate, err)
	}

	data := templateData{Vars: params.Vars, Outputs: make(map[string]interface{}, len(params.Inputs))}
	if req.Ambiance != nil {
		data.Setup = req.Ambiance.SetupAbstractions()
	}
	if len(params.Inputs) > 0 && req.Outputs == nil {
		return ports.Outcome{}, apperrors.NewExecutionError(req.Node.ID, fmt.Errorf("template inputs requested but no output service is available"))
	}
	for _, name := range params.Inputs {
		var value interface{}
		_, err := req.Outputs.ResolveInto(ctx, req.Ambiance, outputs.RefObject{Name: name}, &value)
		if errors.Is(err, outputs.ErrSweepingOutputNotFound) {
			return failed(execution.FailureApplication, fmt.Sprintf("sweeping output %q is not visible", name)), nil
		}
		if err != nil {
			return ports.Outcome{}, err
		}
		data.Outputs[name] = value
	}

	rendered, err := renderTemplate(params, data)
	if err != nil {
		return failed(execution.FailureApplication, err.Error()), nil
	}
	renderedHash := hashContent(rendered)

	existingHash, existingMode, exists, err := existingDestinationState(params.Destination)
	if err != nil {
		return ports.Outcome{}, apperrors.NewExecutionError(req.Node.ID, fmt.Errorf("cannot check destination: %w", err))
	}

	changed := !exists || existingHash != renderedHash || existingMode.Perm() != mode.Perm()
	if changed {
		if err := os.MkdirAll(filepath.Dir(params.Destination), 0o755); err != nil {
			return failed(execution.FailureApplication, fmt.Sprintf("create destination directory: %v", err)), nil
		}
		if err := os.WriteFile(params.Destination, rendered, mode); err != nil {
			return failed(execution.FailureApplication, fmt.Sprintf("write template output: %v", err)), nil
		}
		// WriteFile keeps the permissions of an existing file.
		if err := os.Chmod(params.Destination, mode); err != nil {
			return failed(execution.FailureApplication, fmt.Sprintf("set destination mode: %v", err)), nil
		}
	}

	if params.Output != "" {
		if req.Outputs == nil {
			return ports.Outcome{}, apperrors.NewExecutionError(req.Node.ID, fmt.Errorf("output %q requested but no output service is available", params.Output))
		}
		result := TemplateResult{Destination: params.Destination, SHA256: renderedHash, Changed: changed}
		if err := publish(ctx, req.Outputs, req.Ambiance, params.Output, result, params.OutputScope); err != nil {
			return ports.Outcome{}, err
		}
	}
	return ports.Outcome{Status: execution.StatusSuccess}, nil
}

func renderTemplate(params TemplateParameters, data templateData) ([]byte, error) {
	name, text := "inline", params.Inline
	if params.Source != "" {
		content, err := os.ReadFile(params.Source)
		if err != nil {
			return nil, fmt.Errorf("read template %q: %w", params.Source, err)
		}
		name, text = params.Source, string(content)
	}

	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse template %q: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render template %q: %w", name, err)
	}
	return buf.Bytes(), nil
}

func parseFileMode(raw string) (os.FileMode, error) {
	if raw == "" {
		return defaultFileMode, nil
	}
	mode, err := strconv.ParseUint(raw, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("mode %q is not an octal permission: %w", raw, err)
	}
	return os.FileMode(mode), nil
}

func hashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return fmt.Sprintf("%x", sum[:])
}

func existingDestinationState(destination string) (string, os.FileMode, bool, error) {
	info, err := os.Stat(destination)
	if err != nil {
		if os.IsNotExist(err) {
			return "", 0, false, nil
		}
		return "", 0, false, err
	}
	content, err := os.ReadFile(destination)
	if err != nil {
		return "", 0, true, err
	}
	return hashContent(content), info.Mode(), true, nil
}

var _ ports.NodeExecutor = (*Template)(nil)
