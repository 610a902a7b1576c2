package execution

import (
	"github.com/alexisbeaulieu97/pipeflow/internal/domain/derrors"
)

// NodeKind selects how a node drives its children.
type NodeKind string

const (
	// KindChain runs its single head child, then follows each child's NextID.
	KindChain NodeKind = "SECTION_CHAIN"
	// KindFork runs every child concurrently.
	KindFork NodeKind = "FORK"
	// KindLeaf hands the node to the executor registered for its step type.
	KindLeaf NodeKind = "LEAF"
)

// AdviserConfig is the static adviser declaration attached to a node.
type AdviserConfig struct {
	Type       string                 `json:"type" yaml:"type"`
	Parameters map[string]interface{} `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Node is one static definition in a compiled plan.
type Node struct {
	ID         string                 `json:"id" yaml:"id"`
	Identifier string                 `json:"identifier,omitempty" yaml:"identifier,omitempty"`
	Name       string                 `json:"name,omitempty" yaml:"name,omitempty"`
	StepType   string                 `json:"stepType" yaml:"step_type"`
	Group      string                 `json:"group,omitempty" yaml:"group,omitempty"`
	Kind       NodeKind               `json:"kind" yaml:"kind"`
	Children   []string               `json:"children,omitempty" yaml:"children,omitempty"`
	NextID     string                 `json:"nextId,omitempty" yaml:"next,omitempty"`
	Advisers   []AdviserConfig        `json:"advisers,omitempty" yaml:"advisers,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Plan is the compiled node graph of a pipeline.
type Plan struct {
	ID         string           `json:"id" yaml:"id"`
	Name       string           `json:"name,omitempty" yaml:"name,omitempty"`
	PipelineID string           `json:"pipelineId" yaml:"pipeline_id"`
	RootNodeID string           `json:"rootNodeId" yaml:"root"`
	Nodes      map[string]*Node `json:"nodes" yaml:"-"`
}

// Node looks up a node by setup id.
func (p *Plan) Node(id string) (*Node, error) {
	if p == nil {
		return nil, derrors.New(derrors.ErrCodeInternal, "plan is nil", nil)
	}
	node, ok := p.Nodes[id]
	if !ok || node == nil {
		return nil, derrors.New(derrors.ErrCodeNotFound, "plan node not found", map[string]interface{}{
			"plan_id": p.ID,
			"node_id": id,
		})
	}
	return node, nil
}

// Validate checks the structural invariants of the graph: the root exists,
// every child and next reference resolves, leaves have no children, and no
// node is reachable from more than one place.
func (p *Plan) Validate() error {
	if p == nil {
		return derrors.New(derrors.ErrCodeInternal, "plan is nil", nil)
	}
	if p.ID == "" {
		return derrors.New(derrors.ErrCodeValidation, "plan id is required", nil)
	}
	if _, err := p.Node(p.RootNodeID); err != nil {
		return derrors.New(derrors.ErrCodeValidation, "plan root node not found", map[string]interface{}{
			"root": p.RootNodeID,
		})
	}

	owner := make(map[string]string, len(p.Nodes))
	claim := func(from, to string) error {
		if _, ok := p.Nodes[to]; !ok {
			return derrors.New(derrors.ErrCodeValidation, "node references unknown node", map[string]interface{}{
				"node_id":   from,
				"reference": to,
			})
		}
		if prev, taken := owner[to]; taken {
			return derrors.New(derrors.ErrCodeValidation, "node is reachable from more than one place", map[string]interface{}{
				"node_id": to,
				"first":   prev,
				"second":  from,
			})
		}
		owner[to] = from
		return nil
	}

	for id, node := range p.Nodes {
		if node == nil {
			return derrors.New(derrors.ErrCodeValidation, "plan node is empty", map[string]interface{}{"node_id": id})
		}
		if node.ID != id {
			return derrors.New(derrors.ErrCodeValidation, "plan node id does not match its key", map[string]interface{}{
				"key":     id,
				"node_id": node.ID,
			})
		}
		switch node.Kind {
		case KindLeaf:
			if len(node.Children) > 0 {
				return derrors.New(derrors.ErrCodeValidation, "leaf node cannot have children", map[string]interface{}{"node_id": id})
			}
		case KindChain:
			if len(node.Children) != 1 {
				return derrors.New(derrors.ErrCodeValidation, "chain node needs exactly one head child", map[string]interface{}{"node_id": id})
			}
		case KindFork:
			if len(node.Children) == 0 {
				return derrors.New(derrors.ErrCodeValidation, "fork node needs children", map[string]interface{}{"node_id": id})
			}
		default:
			return derrors.New(derrors.ErrCodeValidation, "unknown node kind", map[string]interface{}{
				"node_id": id,
				"kind":    node.Kind,
			})
		}
		for _, child := range node.Children {
			if err := claim(id, child); err != nil {
				return err
			}
		}
		if node.NextID != "" {
			if err := claim(id, node.NextID); err != nil {
				return err
			}
		}
	}
	if from, ok := owner[p.RootNodeID]; ok {
		return derrors.New(derrors.ErrCodeValidation, "root node cannot be referenced", map[string]interface{}{
			"root": p.RootNodeID,
			"from": from,
		})
	}
	return nil
}
