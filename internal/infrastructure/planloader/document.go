package planloader

import (
	"regexp"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/alexisbeaulieu97/pipeflow/internal/domain/execution"
)

// document is the on-disk form of a compiled plan.
//
//	id: deploy-plan
//	pipeline_id: deploy
//	root: pipeline
//	setup:
//	  accountId: acct
//	nodes:
//	  - id: pipeline
//	    kind: SECTION_CHAIN
//	    step_type: pipeline
//	    children: [build, ship]
//
// Children of a SECTION_CHAIN are listed in run order; the loader links them
// through their next pointers.
type document struct {
	Version    string            `yaml:"version" validate:"omitempty,semver"`
	ID         string            `yaml:"id" validate:"required,node_id"`
	Name       string            `yaml:"name"`
	PipelineID string            `yaml:"pipeline_id" validate:"required"`
	Root       string            `yaml:"root" validate:"required"`
	Setup      map[string]string `yaml:"setup"`
	Labels     map[string]string `yaml:"labels"`
	Nodes      []nodeDocument    `yaml:"nodes" validate:"required,min=1,dive"`
}

type nodeDocument struct {
	ID         string                 `yaml:"id" validate:"required,node_id"`
	Identifier string                 `yaml:"identifier"`
	Name       string                 `yaml:"name"`
	Kind       string                 `yaml:"kind" validate:"required,oneof=SECTION_CHAIN FORK LEAF"`
	StepType   string                 `yaml:"step_type" validate:"required"`
	Group      string                 `yaml:"group" validate:"omitempty,oneof=PIPELINE STAGES STAGE STEP_GROUP STEPS STEP"`
	Children   []string               `yaml:"children" validate:"dive,node_id"`
	Next       string                 `yaml:"next" validate:"omitempty,node_id"`
	Advisers   []adviserDocument      `yaml:"advisers" validate:"dive"`
	Parameters map[string]interface{} `yaml:"parameters"`
}

type adviserDocument struct {
	Type       string                 `yaml:"type" validate:"required,oneof=RETRY ON_FAIL IGNORE MANUAL_INTERVENTION ABORT MARK_SUCCESS"`
	Parameters map[string]interface{} `yaml:"parameters"`
}

var (
	validatorOnce sync.Once
	validateInst  *validator.Validate

	semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(?:-[0-9A-Za-z-.]+)?(?:\+[0-9A-Za-z-.]+)?$`)
	nodeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
)

func validatorInstance() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New()

		_ = v.RegisterValidation("semver", func(fl validator.FieldLevel) bool {
			return semverPattern.MatchString(fl.Field().String())
		})

		_ = v.RegisterValidation("node_id", func(fl validator.FieldLevel) bool {
			return nodeIDPattern.MatchString(fl.Field().String())
		})

		validateInst = v
	})
	return validateInst
}

func (d *document) toPlan() *execution.Plan {
	plan := &execution.Plan{
		ID:         d.ID,
		Name:       d.Name,
		PipelineID: d.PipelineID,
		RootNodeID: d.Root,
		Nodes:      make(map[string]*execution.Node, len(d.Nodes)),
	}
	for _, nd := range d.Nodes {
		node := &execution.Node{
			ID:         nd.ID,
			Identifier: nd.Identifier,
			Name:       nd.Name,
			StepType:   nd.StepType,
			Group:      nd.Group,
			Kind:       execution.NodeKind(nd.Kind),
			Children:   append([]string(nil), nd.Children...),
			NextID:     nd.Next,
			Parameters: normalize(nd.Parameters),
		}
		if node.Identifier == "" {
			node.Identifier = nd.ID
		}
		for _, ad := range nd.Advisers {
			node.Advisers = append(node.Advisers, execution.AdviserConfig{
				Type:       ad.Type,
				Parameters: normalize(ad.Parameters),
			})
		}
		plan.Nodes[node.ID] = node
	}
	linkChains(plan)
	return plan
}

// linkChains keeps the head of every chain as its only child and threads the
// remaining children through NextID, unless a child already names its
// successor.
func linkChains(plan *execution.Plan) {
	for _, node := range plan.Nodes {
		if node.Kind != execution.KindChain || len(node.Children) < 2 {
			continue
		}
		ordered := node.Children
		for i := 0; i < len(ordered)-1; i++ {
			if child, ok := plan.Nodes[ordered[i]]; ok && child.NextID == "" {
				child.NextID = ordered[i+1]
			}
		}
		node.Children = []string{ordered[0]}
	}
}

// normalize converts the map[interface{}]interface{} values yaml can produce
// inside lists into JSON-compatible maps.
func normalize(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return normalize(t)
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			if key, ok := k.(string); ok {
				out[key] = normalizeValue(val)
			}
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalizeValue(val)
		}
		return out
	default:
		return v
	}
}
