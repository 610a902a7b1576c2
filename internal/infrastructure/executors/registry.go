// Package executors holds the leaf node executors shipped with the engine and
// the registry that resolves them by step type.
package executors

import (
	"fmt"
	"sort"
	"sync"

	"github.com/alexisbeaulieu97/pipeflow/internal/domain/derrors"
	"github.com/alexisbeaulieu97/pipeflow/internal/ports"
)

// Step types of the built-in executors.
const (
	StepTypeCommand  = "command"
	StepTypeOutputs  = "outputs"
	StepTypeTemplate = "template"
)

// Registry implements ports.ExecutorRegistry with an in-memory map keyed by
// step type.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]ports.NodeExecutor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]ports.NodeExecutor)}
}

// NewDefaultRegistry returns a registry holding the built-in executors.
func NewDefaultRegistry(logger ports.Logger) *Registry {
	r := NewRegistry()
	_ = r.Register(StepTypeCommand, NewCommand(WithCommandLogger(logger)))
	_ = r.Register(StepTypeOutputs, NewOutputs())
	_ = r.Register(StepTypeTemplate, NewTemplate())
	return r
}

// Register stores executor under stepType. Each step type can be registered
// once.
func (r *Registry) Register(stepType string, executor ports.NodeExecutor) error {
	if stepType == "" {
		return fmt.Errorf("step type is required")
	}
	if executor == nil {
		return fmt.Errorf("executor is nil for step type %q", stepType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[stepType]; exists {
		return derrors.New(derrors.ErrCodeConflict, "executor already registered", map[string]interface{}{
			"step_type": stepType,
		})
	}
	r.executors[stepType] = executor
	return nil
}

// Get returns the executor for stepType.
func (r *Registry) Get(stepType string) (ports.NodeExecutor, error) {
	r.mu.RLock()
	executor, ok := r.executors[stepType]
	r.mu.RUnlock()
	if !ok {
		return nil, derrors.New(derrors.ErrCodeNotFound, "no executor registered for step type", map[string]interface{}{
			"step_type": stepType,
		})
	}
	return executor, nil
}

// StepTypes lists the registered step types in sorted order.
func (r *Registry) StepTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.executors))
	for stepType := range r.executors {
		types = append(types, stepType)
	}
	sort.Strings(types)
	return types
}

var _ ports.ExecutorRegistry = (*Registry)(nil)
