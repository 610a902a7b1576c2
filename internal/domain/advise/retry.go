package advise

import (
	"time"

	"github.com/alexisbeaulieu97/pipeflow/internal/domain/derrors"
	"github.com/alexisbeaulieu97/pipeflow/internal/domain/execution"
)

// RetryParameters configures a RetryAdviser.
type RetryParameters struct {
	RetryCount                  int                     `json:"retry_count" validate:"gte=0"`
	WaitIntervalsSeconds        []int                   `json:"wait_intervals_seconds" validate:"dive,gte=0"`
	RepairActionAfterExhaustion RepairAction            `json:"repair_action_after_exhaustion" validate:"required,repair_action"`
	NextNodeID                  string                  `json:"next_node_id"`
	ApplicableFailureTypes      []execution.FailureType `json:"applicable_failure_types" validate:"dive,failure_type"`
}

// RetryAdviser re-runs failed nodes with a per-attempt wait and falls back to
// a repair action once retries are exhausted.
type RetryAdviser struct {
	params RetryParameters
	newID  func() string
}

// NewRetryAdviser builds a retry adviser. newID supplies the runtime id for
// each retry attempt.
func NewRetryAdviser(params RetryParameters, newID func() string) *RetryAdviser {
	return &RetryAdviser{params: params, newID: newID}
}

func (a *RetryAdviser) Type() Type { return TypeRetry }

func (a *RetryAdviser) CanAdvise(in Input) bool {
	return failureApplies(in, a.params.ApplicableFailureTypes)
}

// Advise retries while fewer than RetryCount attempts have been made. The wait
// for attempt i is WaitIntervalsSeconds[i], with the last entry reused once i
// runs past the list.
func (a *RetryAdviser) Advise(in Input) (Directive, error) {
	attempt := len(in.PriorAttempts)
	if attempt < a.params.RetryCount {
		return Retry{
			NextRuntimeID: a.newID(),
			WaitInterval:  a.waitFor(attempt),
		}, nil
	}

	next := firstNonEmpty(a.params.NextNodeID, in.NextNodeID)
	switch a.params.RepairActionAfterExhaustion {
	case RepairIgnore:
		return Ignore{NextNodeID: next}, nil
	case RepairManualIntervention:
		return ManualIntervention{Timeout: DefaultInterventionTimeout}, nil
	case RepairEndExecution:
		return EndExecution{Abort: true}, nil
	case RepairOnFail:
		return Proceed{NextNodeID: next}, nil
	case RepairMarkAsSuccess:
		return MarkSuccess{NextNodeID: next}, nil
	default:
		return nil, derrors.New(derrors.ErrCodeAdviser, "unknown repair action", map[string]interface{}{
			"repair_action": a.params.RepairActionAfterExhaustion,
		})
	}
}

func (a *RetryAdviser) waitFor(attempt int) time.Duration {
	intervals := a.params.WaitIntervalsSeconds
	if len(intervals) == 0 {
		return 0
	}
	idx := attempt
	if idx > len(intervals)-1 {
		idx = len(intervals) - 1
	}
	return time.Duration(intervals[idx]) * time.Second
}
