// Package advise decides what happens after a node reaches a failure status.
// Advisers are pure functions of their static parameters and the failure they
// are shown; they never perform I/O.
package advise

import "time"

// DefaultInterventionTimeout is how long a node waits for an operator when
// neither the directive nor the engine configuration set a timeout.
const DefaultInterventionTimeout = 24 * time.Hour

// Directive is the closed set of post-failure instructions. Only the types in
// this file implement it; dispatch sites switch over them exhaustively.
type Directive interface {
	Name() string
	isDirective()
}

// Retry re-runs the node under a fresh runtime id after WaitInterval.
type Retry struct {
	NextRuntimeID string
	WaitInterval  time.Duration
}

// Ignore records the failure and lets the flow continue as if the node passed.
type Ignore struct {
	NextNodeID string
}

// MarkSuccess rewrites the node status to SUCCESS and continues at NextNodeID.
type MarkSuccess struct {
	NextNodeID string
}

// EndExecution stops the whole plan execution.
type EndExecution struct {
	Abort bool
}

// ManualIntervention parks the node until an operator acts or Timeout elapses.
// A zero Timeout defers to the engine's configured default.
type ManualIntervention struct {
	Timeout time.Duration
}

// Proceed keeps the failure recorded and continues at NextNodeID.
type Proceed struct {
	NextNodeID string
}

func (Retry) Name() string              { return "RETRY" }
func (Ignore) Name() string             { return "IGNORE" }
func (MarkSuccess) Name() string        { return "MARK_SUCCESS" }
func (EndExecution) Name() string       { return "END_EXECUTION" }
func (ManualIntervention) Name() string { return "MANUAL_INTERVENTION" }
func (Proceed) Name() string            { return "PROCEED" }

func (Retry) isDirective()              {}
func (Ignore) isDirective()             {}
func (MarkSuccess) isDirective()        {}
func (EndExecution) isDirective()       {}
func (ManualIntervention) isDirective() {}
func (Proceed) isDirective()            {}
