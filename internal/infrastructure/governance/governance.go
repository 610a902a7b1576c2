// Package governance decides whether a plan execution may start, using Rego
// policies evaluated by OPA.
package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/rego"
	"gopkg.in/yaml.v3"

	"github.com/alexisbeaulieu97/pipeflow/internal/domain/derrors"
	"github.com/alexisbeaulieu97/pipeflow/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipeflow/internal/ports"
)

// DefaultQuery is the package whose deny and warn rules are read.
const DefaultQuery = "data.pipeflow.governance"

// AllowAll approves every request.
type AllowAll struct{}

func (AllowAll) Evaluate(context.Context, ports.GovernanceRequest) (execution.GovernanceVerdict, error) {
	return execution.GovernanceVerdict{}, nil
}

// OPA evaluates the deny and warn rules of a Rego package. Entries may be
// strings or objects with a message field.
type OPA struct {
	query    string
	prepared rego.PreparedEvalQuery
}

// NewOPA compiles every .rego file under policyDir.
func NewOPA(ctx context.Context, policyDir, query string) (*OPA, error) {
	modules, err := loadRegoModules(policyDir)
	if err != nil {
		return nil, derrors.Wrap(derrors.ErrCodeValidation, "load governance policies", err, map[string]interface{}{
			"policy_dir": policyDir,
		})
	}
	query = strings.TrimSpace(query)
	if query == "" {
		query = DefaultQuery
	}
	opts := []func(*rego.Rego){rego.Query(query)}
	for name, src := range modules {
		opts = append(opts, rego.Module(name, src))
	}
	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, derrors.Wrap(derrors.ErrCodeValidation, "compile governance policies", err, map[string]interface{}{
			"policy_dir": policyDir,
		})
	}
	return &OPA{query: query, prepared: prepared}, nil
}

// Evaluate runs the policies against req.
func (o *OPA) Evaluate(ctx context.Context, req ports.GovernanceRequest) (execution.GovernanceVerdict, error) {
	input, err := buildInput(req)
	if err != nil {
		return execution.GovernanceVerdict{}, err
	}
	rs, err := o.prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return execution.GovernanceVerdict{}, derrors.Wrap(derrors.ErrCodeInternal, "evaluate governance policies", err, map[string]interface{}{
			"query": o.query,
		})
	}
	var verdict execution.GovernanceVerdict
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return verdict, nil
	}
	obj, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return verdict, nil
	}
	verdict.Messages = parseMessages(obj["deny"])
	verdict.Warnings = parseMessages(obj["warn"])
	verdict.Deny = len(verdict.Messages) > 0
	return verdict, nil
}

func buildInput(req ports.GovernanceRequest) (map[string]any, error) {
	input := map[string]any{
		"accountId":       req.AccountID,
		"orgIdentifier":   req.OrgID,
		"projectId":       req.ProjectID,
		"action":          req.Action,
		"planExecutionId": req.PlanExecutionID,
		"version":         req.Version,
		"pipelineYaml":    string(req.PipelineYAML),
	}
	if len(req.PipelineYAML) > 0 {
		var pipeline map[string]any
		if err := yaml.Unmarshal(req.PipelineYAML, &pipeline); err != nil {
			return nil, derrors.Wrap(derrors.ErrCodeValidation, "parse pipeline yaml for governance", err, nil)
		}
		input["pipeline"] = pipeline
	}
	if req.Plan != nil {
		raw, err := json.Marshal(req.Plan)
		if err != nil {
			return nil, derrors.Wrap(derrors.ErrCodeInternal, "encode plan for governance", err, nil)
		}
		var plan map[string]any
		if err := json.Unmarshal(raw, &plan); err != nil {
			return nil, derrors.Wrap(derrors.ErrCodeInternal, "encode plan for governance", err, nil)
		}
		input["plan"] = plan
	}
	return input, nil
}

func parseMessages(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, entry := range list {
		switch e := entry.(type) {
		case string:
			out = append(out, e)
		case map[string]any:
			if msg, ok := e["message"].(string); ok && msg != "" {
				out = append(out, msg)
				continue
			}
			out = append(out, fmt.Sprintf("%v", e))
		default:
			out = append(out, fmt.Sprintf("%v", e))
		}
	}
	sort.Strings(out)
	return out
}

func loadRegoModules(dir string) (map[string]string, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("policy dir is required")
	}
	var modules []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(strings.ToLower(d.Name()), ".rego") {
			modules = append(modules, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(modules))
	for _, path := range modules {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		name := strings.TrimPrefix(filepath.ToSlash(strings.TrimPrefix(path, dir)), "/")
		out[name] = string(raw)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no .rego modules found under %s", dir)
	}
	return out, nil
}

var (
	_ ports.GovernanceEvaluator = AllowAll{}
	_ ports.GovernanceEvaluator = (*OPA)(nil)
)
