package advise

import (
	"time"

	"github.com/alexisbeaulieu97/pipeflow/internal/domain/execution"
)

// FailureFilter is the parameter block shared by the single-action advisers.
type FailureFilter struct {
	NextNodeID             string                  `json:"next_node_id"`
	ApplicableFailureTypes []execution.FailureType `json:"applicable_failure_types" validate:"dive,failure_type"`
}

// ManualInterventionParameters configures a ManualInterventionAdviser.
type ManualInterventionParameters struct {
	TimeoutSeconds         int                     `json:"timeout_seconds" validate:"gte=0"`
	ApplicableFailureTypes []execution.FailureType `json:"applicable_failure_types" validate:"dive,failure_type"`
}

// IgnoreAdviser treats matching failures as soft successes.
type IgnoreAdviser struct{ params FailureFilter }

func NewIgnoreAdviser(params FailureFilter) *IgnoreAdviser { return &IgnoreAdviser{params: params} }

func (a *IgnoreAdviser) Type() Type { return TypeIgnore }

func (a *IgnoreAdviser) CanAdvise(in Input) bool {
	return failureApplies(in, a.params.ApplicableFailureTypes)
}

func (a *IgnoreAdviser) Advise(in Input) (Directive, error) {
	return Ignore{NextNodeID: firstNonEmpty(a.params.NextNodeID, in.NextNodeID)}, nil
}

// OnFailAdviser routes the flow to a failure handler node.
type OnFailAdviser struct{ params FailureFilter }

func NewOnFailAdviser(params FailureFilter) *OnFailAdviser { return &OnFailAdviser{params: params} }

func (a *OnFailAdviser) Type() Type { return TypeOnFail }

func (a *OnFailAdviser) CanAdvise(in Input) bool {
	return failureApplies(in, a.params.ApplicableFailureTypes)
}

func (a *OnFailAdviser) Advise(in Input) (Directive, error) {
	return Proceed{NextNodeID: firstNonEmpty(a.params.NextNodeID, in.NextNodeID)}, nil
}

// MarkSuccessAdviser rewrites matching failures to SUCCESS.
type MarkSuccessAdviser struct{ params FailureFilter }

func NewMarkSuccessAdviser(params FailureFilter) *MarkSuccessAdviser {
	return &MarkSuccessAdviser{params: params}
}

func (a *MarkSuccessAdviser) Type() Type { return TypeMarkSuccess }

func (a *MarkSuccessAdviser) CanAdvise(in Input) bool {
	return failureApplies(in, a.params.ApplicableFailureTypes)
}

func (a *MarkSuccessAdviser) Advise(in Input) (Directive, error) {
	return MarkSuccess{NextNodeID: firstNonEmpty(a.params.NextNodeID, in.NextNodeID)}, nil
}

// AbortAdviser ends the whole execution on matching failures.
type AbortAdviser struct{ params FailureFilter }

func NewAbortAdviser(params FailureFilter) *AbortAdviser { return &AbortAdviser{params: params} }

func (a *AbortAdviser) Type() Type { return TypeAbort }

func (a *AbortAdviser) CanAdvise(in Input) bool {
	return failureApplies(in, a.params.ApplicableFailureTypes)
}

func (a *AbortAdviser) Advise(Input) (Directive, error) {
	return EndExecution{Abort: true}, nil
}

// ManualInterventionAdviser parks the node for an operator decision.
type ManualInterventionAdviser struct{ params ManualInterventionParameters }

func NewManualInterventionAdviser(params ManualInterventionParameters) *ManualInterventionAdviser {
	return &ManualInterventionAdviser{params: params}
}

func (a *ManualInterventionAdviser) Type() Type { return TypeManualIntervention }

func (a *ManualInterventionAdviser) CanAdvise(in Input) bool {
	return failureApplies(in, a.params.ApplicableFailureTypes)
}

func (a *ManualInterventionAdviser) Advise(Input) (Directive, error) {
	return ManualIntervention{Timeout: time.Duration(a.params.TimeoutSeconds) * time.Second}, nil
}
