package orchestration

import (
	"context"
	"time"

	"github.com/alexisbeaulieu97/pipeflow/internal/domain/advise"
	"github.com/alexisbeaulieu97/pipeflow/internal/domain/derrors"
	"github.com/alexisbeaulieu97/pipeflow/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipeflow/internal/ports"
)

// advise runs the adviser chain of a failed node and applies the directive.
// It reports false when nothing applied and the failure should propagate.
func (s *NodeStrategy) advise(ctx context.Context, ne *execution.NodeExecution) (bool, error) {
	pe, err := s.store.GetPlanExecution(ctx, ne.PlanExecutionID)
	if err != nil {
		return false, err
	}
	if halted(pe) {
		return false, nil
	}
	plan, err := s.plan(ctx, pe.PlanID)
	if err != nil {
		return false, err
	}
	node, err := plan.Node(ne.SetupID)
	if err != nil {
		return false, err
	}
	if len(node.Advisers) == 0 {
		return false, nil
	}

	chain, err := advise.BuildChain(node.Advisers, s.newID)
	if err != nil {
		return true, s.adviserFailed(ctx, ne, err)
	}
	var failure execution.FailureInfo
	if ne.Failure != nil {
		failure = *ne.Failure
	}
	directive, err := chain.Advise(advise.Input{
		Status:        ne.Status,
		PriorAttempts: ne.RetryIDs,
		Failure:       failure,
		NextNodeID:    ne.NextNodeID,
	})
	if err != nil {
		return true, s.adviserFailed(ctx, ne, err)
	}
	if directive == nil {
		return false, nil
	}

	s.incCounter(ctx, ports.MetricAdviserDirectives, map[string]string{"directive": directive.Name()})
	s.logger.Info(ctx, "adviser directive",
		"plan_execution_id", ne.PlanExecutionID,
		"runtime_id", ne.RuntimeID,
		"setup_id", ne.SetupID,
		"directive", directive.Name(),
	)
	return true, s.applyDirective(ctx, ne, directive)
}

// adviserFailed turns a broken adviser configuration into an ERRORED node
// and lets the failure propagate without consulting advisers again.
func (s *NodeStrategy) adviserFailed(ctx context.Context, ne *execution.NodeExecution, cause error) error {
	s.logger.Error(ctx, "adviser failed", "runtime_id", ne.RuntimeID, "setup_id", ne.SetupID, "error", cause)
	errored, err := s.store.UpdateNodeExecutionStatus(ctx, ne.RuntimeID, execution.StatusErrored,
		[]execution.Status{ne.Status}, func(n *execution.NodeExecution) {
			n.Failure = &execution.FailureInfo{
				Types:   []execution.FailureType{execution.FailureUnknown},
				Message: derrors.Wrap(derrors.ErrCodeAdviser, "adviser failed", cause, nil).Error(),
			}
		})
	if err != nil {
		return err
	}
	if errored == nil {
		return nil
	}
	return s.advance(ctx, errored, "", false)
}

func (s *NodeStrategy) applyDirective(ctx context.Context, ne *execution.NodeExecution, directive advise.Directive) error {
	switch d := directive.(type) {
	case advise.Retry:
		return s.scheduleRetry(ctx, ne, d.NextRuntimeID, d.WaitInterval)
	case advise.Ignore:
		return s.resolve(ctx, ne, execution.StatusIgnoreFailed, d.NextNodeID)
	case advise.MarkSuccess:
		return s.resolve(ctx, ne, execution.StatusSuccess, d.NextNodeID)
	case advise.Proceed:
		next := d.NextNodeID
		if next == "" {
			next = ne.NextNodeID
		}
		return s.advance(ctx, ne, next, true)
	case advise.EndExecution:
		if d.Abort {
			return s.plans.Abort(ctx, ne.PlanExecutionID)
		}
		return s.plans.terminate(ctx, ne.PlanExecutionID, execution.StatusErrored)
	case advise.ManualIntervention:
		return s.awaitIntervention(ctx, ne, d.Timeout)
	default:
		return derrors.New(derrors.ErrCodeAdviser, "unsupported directive", map[string]interface{}{
			"directive": directive.Name(),
		})
	}
}

// scheduleRetry marks ne as a superseded attempt and arms a timer that starts
// nextRuntimeID after wait. The pending id and resume time are persisted so
// Recover can re-arm the timer in another process.
func (s *NodeStrategy) scheduleRetry(ctx context.Context, ne *execution.NodeExecution, nextRuntimeID string, wait time.Duration) error {
	resumeAt := s.now().Add(wait)
	updated, err := s.store.UpdateNodeExecution(ctx, ne.RuntimeID, func(n *execution.NodeExecution) {
		n.OldRetry = true
		n.PendingRetryID = nextRuntimeID
		n.ResumeAt = execution.TimePtr(resumeAt)
	})
	if err != nil {
		return err
	}

	payload := nodePayload(updated)
	payload["next_runtime_id"] = nextRuntimeID
	payload["attempt"] = len(updated.RetryIDs) + 1
	payload["wait_seconds"] = wait.Seconds()
	publishEvent(ctx, s.events, s.logger, ports.EventNodeRetry, payload)

	s.logger.Info(ctx, "retry scheduled",
		"runtime_id", ne.RuntimeID,
		"next_runtime_id", nextRuntimeID,
		"wait", wait.String(),
	)
	s.armRetry(updated)
	return nil
}

// resolve rewrites a failed or waiting node to a positive status and moves on.
func (s *NodeStrategy) resolve(ctx context.Context, ne *execution.NodeExecution, status execution.Status, nextNodeID string) error {
	now := s.now()
	updated, err := s.store.UpdateNodeExecutionStatus(ctx, ne.RuntimeID, status,
		[]execution.Status{ne.Status}, func(n *execution.NodeExecution) {
			n.EndTs = execution.TimePtr(now)
			n.InterventionDeadline = nil
		})
	if err != nil {
		return err
	}
	if updated == nil {
		return nil
	}
	publishEvent(ctx, s.events, s.logger, ports.EventNodeCompleted, nodePayload(updated))
	if nextNodeID == "" {
		nextNodeID = updated.NextNodeID
	}
	return s.advance(ctx, updated, nextNodeID, true)
}

func (s *NodeStrategy) awaitIntervention(ctx context.Context, ne *execution.NodeExecution, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.settings.InterventionTimeout
	}
	deadline := s.now().Add(timeout)
	updated, err := s.store.UpdateNodeExecutionStatus(ctx, ne.RuntimeID, execution.StatusInterventionWaiting,
		[]execution.Status{ne.Status}, func(n *execution.NodeExecution) {
			n.InterventionDeadline = execution.TimePtr(deadline)
			n.EndTs = nil
		})
	if err != nil {
		return err
	}
	if updated == nil {
		return nil
	}

	payload := nodePayload(updated)
	payload["deadline"] = updated.InterventionDeadline.Format(time.RFC3339)
	publishEvent(ctx, s.events, s.logger, ports.EventNodeIntervention, payload)
	s.logger.Warn(ctx, "node waiting for manual intervention",
		"plan_execution_id", ne.PlanExecutionID,
		"runtime_id", ne.RuntimeID,
		"deadline", updated.InterventionDeadline,
	)

	s.refreshAncestors(ctx, updated)
	s.armIntervention(updated)
	return nil
}

// InterventionAction is an operator decision for a node waiting on manual
// intervention.
type InterventionAction string

const (
	ActionRetry         InterventionAction = "RETRY"
	ActionIgnore        InterventionAction = "IGNORE"
	ActionMarkAsSuccess InterventionAction = "MARK_AS_SUCCESS"
	ActionOnFail        InterventionAction = "ON_FAIL"
	ActionAbort         InterventionAction = "ABORT"
)

// Valid reports whether a is a known action.
func (a InterventionAction) Valid() bool {
	switch a {
	case ActionRetry, ActionIgnore, ActionMarkAsSuccess, ActionOnFail, ActionAbort:
		return true
	default:
		return false
	}
}

// Intervene applies an operator action to an INTERVENTION_WAITING node.
func (s *NodeStrategy) Intervene(ctx context.Context, runtimeID string, action InterventionAction) error {
	if !action.Valid() {
		return derrors.New(derrors.ErrCodeValidation, "unknown intervention action", map[string]interface{}{
			"action": action,
		})
	}
	ne, err := s.store.GetNodeExecution(ctx, runtimeID)
	if err != nil {
		return err
	}
	if ne.Status != execution.StatusInterventionWaiting {
		return derrors.New(derrors.ErrCodeState, "node is not waiting for intervention", map[string]interface{}{
			"runtime_id": runtimeID,
			"status":     ne.Status,
		})
	}
	s.timers.cancel(interventionKey(runtimeID))
	s.logger.Info(ctx, "manual intervention", "runtime_id", runtimeID, "action", action)

	switch action {
	case ActionIgnore:
		return s.resolve(ctx, ne, execution.StatusIgnoreFailed, "")
	case ActionMarkAsSuccess:
		return s.resolve(ctx, ne, execution.StatusSuccess, "")
	case ActionAbort:
		if _, err := s.leaveIntervention(ctx, ne, execution.StatusAborted); err != nil {
			return err
		}
		return s.plans.Abort(ctx, ne.PlanExecutionID)
	}

	failed, err := s.leaveIntervention(ctx, ne, execution.StatusFailed)
	if err != nil {
		return err
	}
	if action == ActionRetry {
		return s.scheduleRetry(ctx, failed, s.newID(), 0)
	}
	return s.advance(ctx, failed, failed.NextNodeID, true)
}

func (s *NodeStrategy) leaveIntervention(ctx context.Context, ne *execution.NodeExecution, status execution.Status) (*execution.NodeExecution, error) {
	now := s.now()
	updated, err := s.store.UpdateNodeExecutionStatus(ctx, ne.RuntimeID, status,
		[]execution.Status{execution.StatusInterventionWaiting}, func(n *execution.NodeExecution) {
			n.EndTs = execution.TimePtr(now)
			n.InterventionDeadline = nil
		})
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, derrors.New(derrors.ErrCodeTransition, "node left intervention concurrently", map[string]interface{}{
			"runtime_id": ne.RuntimeID,
		})
	}
	publishEvent(ctx, s.events, s.logger, ports.EventNodeCompleted, nodePayload(updated))
	return updated, nil
}
