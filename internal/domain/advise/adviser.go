package advise

import (
	"github.com/alexisbeaulieu97/pipeflow/internal/domain/execution"
)

// Type names an adviser kind in plan definitions.
type Type string

const (
	TypeRetry              Type = "RETRY"
	TypeOnFail             Type = "ON_FAIL"
	TypeIgnore             Type = "IGNORE"
	TypeManualIntervention Type = "MANUAL_INTERVENTION"
	TypeAbort              Type = "ABORT"
	TypeMarkSuccess        Type = "MARK_SUCCESS"
)

// RepairAction is what the retry adviser does once its attempts are spent.
type RepairAction string

const (
	RepairIgnore             RepairAction = "IGNORE"
	RepairManualIntervention RepairAction = "MANUAL_INTERVENTION"
	RepairEndExecution       RepairAction = "END_EXECUTION"
	RepairOnFail             RepairAction = "ON_FAIL"
	RepairMarkAsSuccess      RepairAction = "MARK_AS_SUCCESS"
)

// Input is everything an adviser is allowed to look at.
type Input struct {
	Status        execution.Status
	PriorAttempts []string
	Failure       execution.FailureInfo
	// NextNodeID is the node that follows the failed one in its chain.
	NextNodeID string
}

// Adviser turns a failure into a directive.
type Adviser interface {
	Type() Type
	CanAdvise(in Input) bool
	Advise(in Input) (Directive, error)
}

// Chain evaluates advisers in declaration order; the first one that can
// advise decides.
type Chain []Adviser

// Advise returns the first applicable directive, or nil when no adviser
// applies.
func (c Chain) Advise(in Input) (Directive, error) {
	for _, adviser := range c {
		if adviser == nil || !adviser.CanAdvise(in) {
			continue
		}
		return adviser.Advise(in)
	}
	return nil, nil
}

func failureApplies(in Input, applicable []execution.FailureType) bool {
	return in.Status.IsFailure() && in.Failure.Intersects(applicable)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
