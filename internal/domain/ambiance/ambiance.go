// Package ambiance models the execution context stack: the ordered list of
// scope levels describing where in a plan the current execution point is.
//
// All contexts derived from one root share a single growable arena of levels.
// A context is a view of the first n arena slots, so deriving a child or a
// parent view is O(1) and never rewrites a level another view can observe.
package ambiance

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/alexisbeaulieu97/pipeflow/internal/domain/derrors"
)

var (
	// ErrGroupNotFound signals that no level in the stack carries the requested group.
	ErrGroupNotFound = derrors.New(derrors.ErrCodeGroupNotFound, "group level not found", nil)
	// ErrEmptyStack signals an operation that needs at least one level.
	ErrEmptyStack = derrors.New(derrors.ErrCodeState, "ambiance has no levels", nil)
)

type arena struct {
	mu     sync.Mutex
	levels []Level
}

// Ambiance is an immutable execution context. Every clone returns a new value;
// the receiver is never modified.
type Ambiance struct {
	planExecutionID string
	planID          string
	setup           map[string]string
	expressionToken int64

	arena  *arena
	levels []Level
}

// New creates a root context with an empty level stack.
func New(planExecutionID, planID string, setupAbstractions map[string]string, expressionToken int64) *Ambiance {
	setup := make(map[string]string, len(setupAbstractions))
	for k, v := range setupAbstractions {
		setup[k] = v
	}
	return &Ambiance{
		planExecutionID: planExecutionID,
		planID:          planID,
		setup:           setup,
		expressionToken: expressionToken,
		arena:           &arena{},
	}
}

// CloneForChild returns a context with level appended.
func (a *Ambiance) CloneForChild(level Level) *Ambiance {
	n := len(a.levels)
	child := a.derive()

	a.arena.mu.Lock()
	defer a.arena.mu.Unlock()

	switch {
	case len(a.arena.levels) == n:
		a.arena.levels = append(a.arena.levels, level)
		child.levels = a.arena.levels[:n+1:n+1]
	case a.arena.levels[n] == level:
		child.levels = a.arena.levels[:n+1:n+1]
	default:
		// Another branch already occupies slot n; fork a private arena.
		fresh := make([]Level, n+1, 2*(n+1))
		copy(fresh, a.levels)
		fresh[n] = level
		child.arena = &arena{levels: fresh}
		child.levels = fresh[:n+1 : n+1]
	}
	return child
}

// CloneForFinish returns the context as seen by the parent scope.
func (a *Ambiance) CloneForFinish() (*Ambiance, error) {
	if len(a.levels) == 0 {
		return nil, ErrEmptyStack
	}
	parent := a.derive()
	parent.levels = a.levels[: len(a.levels)-1 : len(a.levels)-1]
	return parent, nil
}

// CloneWithLevels keeps only the first n levels.
func (a *Ambiance) CloneWithLevels(n int) (*Ambiance, error) {
	if n < 0 || n > len(a.levels) {
		return nil, derrors.New(derrors.ErrCodeValidation, "levels to keep out of range", map[string]interface{}{
			"levels_to_keep": n,
			"depth":          len(a.levels),
		})
	}
	clone := a.derive()
	clone.levels = a.levels[:n:n]
	return clone, nil
}

// CurrentLevel returns the deepest level.
func (a *Ambiance) CurrentLevel() (Level, error) {
	if len(a.levels) == 0 {
		return Level{}, ErrEmptyStack
	}
	return a.levels[len(a.levels)-1], nil
}

// GroupLevel scans from the top of the stack for a level with the given group.
// Levels without a group label never match.
func (a *Ambiance) GroupLevel(group string) (Level, error) {
	for i := len(a.levels) - 1; i >= 0 && group != ""; i-- {
		if a.levels[i].Group == group {
			return a.levels[i], nil
		}
	}
	return Level{}, ErrGroupNotFound.WithContext(map[string]interface{}{"group": group})
}

// LevelAt returns the level at index i counted from the root.
func (a *Ambiance) LevelAt(i int) (Level, bool) {
	if i < 0 || i >= len(a.levels) {
		return Level{}, false
	}
	return a.levels[i], true
}

// Levels returns a copy of the level stack, root first.
func (a *Ambiance) Levels() []Level {
	out := make([]Level, len(a.levels))
	copy(out, a.levels)
	return out
}

// Depth is the number of levels on the stack.
func (a *Ambiance) Depth() int { return len(a.levels) }

func (a *Ambiance) PlanExecutionID() string { return a.planExecutionID }
func (a *Ambiance) PlanID() string          { return a.planID }
func (a *Ambiance) ExpressionToken() int64  { return a.expressionToken }

// SetupAbstractions returns a copy of the setup abstraction map.
func (a *Ambiance) SetupAbstractions() map[string]string {
	out := make(map[string]string, len(a.setup))
	for k, v := range a.setup {
		out[k] = v
	}
	return out
}

func (a *Ambiance) AccountID() string  { return a.setup[KeyAccountID] }
func (a *Ambiance) OrgID() string      { return a.setup[KeyOrgID] }
func (a *Ambiance) ProjectID() string  { return a.setup[KeyProjectID] }
func (a *Ambiance) PipelineID() string { return a.setup[KeyPipelineID] }

// CurrentRuntimeID is the runtime id of the deepest level, or "" for an empty stack.
func (a *Ambiance) CurrentRuntimeID() string {
	if len(a.levels) == 0 {
		return ""
	}
	return a.levels[len(a.levels)-1].RuntimeID
}

// CurrentSetupID is the setup id of the deepest level, or "" for an empty stack.
func (a *Ambiance) CurrentSetupID() string {
	if len(a.levels) == 0 {
		return ""
	}
	return a.levels[len(a.levels)-1].SetupID
}

// ParentRuntimeID is the runtime id one level above the current one.
func (a *Ambiance) ParentRuntimeID() string {
	if len(a.levels) < 2 {
		return ""
	}
	return a.levels[len(a.levels)-2].RuntimeID
}

// StageLevel returns the innermost stage level, if any.
func (a *Ambiance) StageLevel() (Level, bool) {
	level, err := a.GroupLevel(GroupStage)
	return level, err == nil
}

// FQN joins the identifiers of pipeline, stage, step group and step levels.
func (a *Ambiance) FQN() string {
	parts := make([]string, 0, len(a.levels))
	for _, level := range a.levels {
		if level.Identifier == "" || !fqnGroup(level.Group) {
			continue
		}
		parts = append(parts, level.Identifier)
	}
	return strings.Join(parts, ".")
}

type wireAmbiance struct {
	PlanExecutionID   string            `json:"planExecutionId"`
	PlanID            string            `json:"planId"`
	SetupAbstractions map[string]string `json:"setupAbstractions,omitempty"`
	ExpressionToken   int64             `json:"expressionToken"`
	Levels            []Level           `json:"levels"`
}

// MarshalJSON encodes the context so it can be persisted and resumed.
func (a *Ambiance) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireAmbiance{
		PlanExecutionID:   a.planExecutionID,
		PlanID:            a.planID,
		SetupAbstractions: a.setup,
		ExpressionToken:   a.expressionToken,
		Levels:            a.levels,
	})
}

// UnmarshalJSON restores a context into a fresh arena.
func (a *Ambiance) UnmarshalJSON(data []byte) error {
	var wire wireAmbiance
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	restored := New(wire.PlanExecutionID, wire.PlanID, wire.SetupAbstractions, wire.ExpressionToken)
	restored.arena.levels = append([]Level(nil), wire.Levels...)
	restored.levels = restored.arena.levels[:len(wire.Levels):len(wire.Levels)]
	*a = *restored
	return nil
}

func (a *Ambiance) derive() *Ambiance {
	return &Ambiance{
		planExecutionID: a.planExecutionID,
		planID:          a.planID,
		setup:           a.setup,
		expressionToken: a.expressionToken,
		arena:           a.arena,
		levels:          a.levels,
	}
}
