package orchestration

import (
	"context"
	"errors"

	"github.com/alexisbeaulieu97/pipeflow/internal/domain/execution"
)

// RecoveryReport counts what Recover re-armed.
type RecoveryReport struct {
	Executions    int
	Resubmitted   int
	Interrupted   int
	Interventions int
	Retries       int
	Terminated    int
	Tokens        int
}

// Recover resumes unfinished work after a restart, using only persisted
// state: queued nodes are resubmitted, leaves that were running are
// concluded ERRORED, intervention deadlines and pending retries are re-armed,
// interrupted aborts are completed and wait tokens of pipelines with queued
// executions, or with a persisted callback registration, are notified again.
//
// Containers whose propagation was cut short by the crash are not repaired;
// they conclude when their remaining children report.
func (e *Engine) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	c := e.core

	pending, err := c.store.ListPlanExecutions(ctx, execution.NonFinalStatuses())
	if err != nil {
		return report, err
	}

	var errs []error
	tokens := make(map[string]bool)
	for _, pe := range pending {
		report.Executions++
		switch {
		case pe.Status == execution.StatusQueued:
			tokens[WaitToken(pe.QueueKey)] = true
		case pe.Status == execution.StatusDiscontinuing || pe.AbortRequested:
			report.Terminated++
			if err := e.Plans.terminate(ctx, pe.ID, execution.StatusAborted); err != nil {
				errs = append(errs, err)
			}
		default:
			if err := e.recoverExecution(ctx, pe, &report); err != nil {
				errs = append(errs, err)
			}
		}
	}

	registered, err := c.store.ListCallbacks(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	for _, cb := range registered {
		tokens[cb.Token] = true
	}

	for token := range tokens {
		report.Tokens++
		if err := c.notifier.Register(ctx, token); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := c.notifier.Notify(ctx, token); err != nil {
			errs = append(errs, err)
		}
	}

	c.logger.Info(ctx, "recovery finished",
		"executions", report.Executions,
		"resubmitted", report.Resubmitted,
		"interrupted", report.Interrupted,
		"interventions", report.Interventions,
		"retries", report.Retries,
		"terminated", report.Terminated,
		"tokens", report.Tokens,
	)
	return report, errors.Join(errs...)
}

func (e *Engine) recoverExecution(ctx context.Context, pe *execution.PlanExecution, report *RecoveryReport) error {
	nodes, err := e.core.store.ListNodeExecutions(ctx, pe.ID, nil)
	if err != nil {
		return err
	}
	plan, err := e.core.plan(ctx, pe.PlanID)
	if err != nil {
		return err
	}
	e.core.track(ctx, pe.ID)

	for _, ne := range nodes {
		switch {
		case ne.PendingRetryID != "":
			report.Retries++
			e.Nodes.armRetry(ne)
		case ne.Status == execution.StatusQueued:
			report.Resubmitted++
			if err := e.Nodes.submitStart(ctx, ne.RuntimeID); err != nil {
				return err
			}
		case ne.Status == execution.StatusInterventionWaiting:
			report.Interventions++
			e.Nodes.armIntervention(ne)
		case ne.Status == execution.StatusRunning:
			node, err := plan.Node(ne.SetupID)
			if err != nil || node.Kind != execution.KindLeaf {
				continue
			}
			report.Interrupted++
			failure := &execution.FailureInfo{
				Types:   []execution.FailureType{execution.FailureUnknown},
				Message: "node interrupted by restart",
			}
			if err := e.Nodes.conclude(ctx, ne.RuntimeID, execution.StatusErrored, failure); err != nil {
				return err
			}
		}
	}
	return e.Plans.EndNodeExecution(ctx, pe.ID)
}
