package orchestration

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alexisbeaulieu97/pipeflow/internal/domain/ambiance"
	"github.com/alexisbeaulieu97/pipeflow/internal/domain/derrors"
	"github.com/alexisbeaulieu97/pipeflow/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipeflow/internal/ports"
)

// NodeStrategy drives node executions from QUEUED to a final status and
// propagates completion to parents. Every method returns as soon as its
// state change is persisted; node bodies run on the worker pool.
type NodeStrategy struct {
	*core
	plans  *PlanStrategy
	logger ports.Logger
}

// RunNode creates a QUEUED execution of node below parentRuntimeID and
// submits it. amb is the context of the parent (empty for the root).
func (s *NodeStrategy) RunNode(ctx context.Context, amb *ambiance.Ambiance, node *execution.Node, parentRuntimeID string, retryIDs []string) (*execution.NodeExecution, error) {
	return s.runNode(ctx, amb, node, parentRuntimeID, s.newID(), retryIDs)
}

func (s *NodeStrategy) runNode(ctx context.Context, amb *ambiance.Ambiance, node *execution.Node, parentRuntimeID, runtimeID string, retryIDs []string) (*execution.NodeExecution, error) {
	if amb == nil || node == nil {
		return nil, derrors.New(derrors.ErrCodeValidation, "run node requires an ambiance and a node", nil)
	}

	now := s.now()
	child := amb.CloneForChild(ambiance.Level{
		RuntimeID:  runtimeID,
		SetupID:    node.ID,
		Identifier: node.Identifier,
		StepType:   node.StepType,
		Group:      node.Group,
		StartTs:    now.UnixMilli(),
	})
	ne := &execution.NodeExecution{
		RuntimeID:       runtimeID,
		SetupID:         node.ID,
		PlanExecutionID: amb.PlanExecutionID(),
		ParentRuntimeID: parentRuntimeID,
		StepType:        node.StepType,
		Status:          execution.StatusQueued,
		Ambiance:        child,
		RetryIDs:        append([]string(nil), retryIDs...),
		NextNodeID:      node.NextID,
		CreatedAt:       now.UTC(),
	}
	if err := s.store.SaveNodeExecution(ctx, ne); err != nil {
		return nil, fmt.Errorf("save node execution %s: %w", node.ID, err)
	}

	s.logger.Debug(ctx, "node execution queued",
		"plan_execution_id", ne.PlanExecutionID,
		"runtime_id", runtimeID,
		"setup_id", node.ID,
		"retry_attempt", len(retryIDs),
	)

	if err := s.submitStart(ctx, runtimeID); err != nil {
		s.logger.Error(ctx, "failed to submit node execution", "runtime_id", runtimeID, "error", err)
		if concludeErr := s.conclude(ctx, runtimeID, execution.StatusErrored, unknownFailure(err)); concludeErr != nil {
			return ne, concludeErr
		}
	}
	return ne, nil
}

func (s *NodeStrategy) submitStart(ctx context.Context, runtimeID string) error {
	return s.workers.Submit(ctx, func(ctx context.Context) {
		s.start(ctx, runtimeID)
	})
}

// start moves a queued node to RUNNING and dispatches it by kind.
func (s *NodeStrategy) start(ctx context.Context, runtimeID string) {
	ne, err := s.store.GetNodeExecution(ctx, runtimeID)
	if err != nil {
		s.logger.Error(ctx, "failed to load queued node", "runtime_id", runtimeID, "error", err)
		return
	}
	pe, err := s.store.GetPlanExecution(ctx, ne.PlanExecutionID)
	if err != nil {
		s.logger.Error(ctx, "failed to load plan execution", "plan_execution_id", ne.PlanExecutionID, "error", err)
		return
	}
	ctx = ports.WithExecutionScope(ctx, ports.ExecutionScope{
		PlanExecutionID: pe.ID,
		RuntimeID:       runtimeID,
		QueueKey:        pe.QueueKey,
	})

	now := s.now()
	if halted(pe) {
		aborted, err := s.store.UpdateNodeExecutionStatus(ctx, runtimeID, execution.StatusAborted,
			[]execution.Status{execution.StatusQueued}, func(n *execution.NodeExecution) {
				n.EndTs = execution.TimePtr(now)
			})
		if err != nil {
			s.logger.Error(ctx, "failed to abort queued node", "runtime_id", runtimeID, "error", err)
		} else if aborted != nil {
			s.recordNode(ctx, aborted)
		}
		return
	}

	started, err := s.store.UpdateNodeExecutionStatus(ctx, runtimeID, execution.StatusRunning,
		[]execution.Status{execution.StatusQueued}, func(n *execution.NodeExecution) {
			n.StartTs = execution.TimePtr(now)
		})
	if err != nil {
		s.logger.Error(ctx, "failed to start node", "runtime_id", runtimeID, "error", err)
		return
	}
	if started == nil {
		s.logger.Debug(ctx, "node no longer queued", "runtime_id", runtimeID)
		return
	}

	s.refreshAncestors(ctx, started)
	publishEvent(ctx, s.events, s.logger, ports.EventNodeStarted, nodePayload(started))

	plan, err := s.plan(ctx, pe.PlanID)
	if err != nil {
		s.fail(ctx, runtimeID, err)
		return
	}
	node, err := plan.Node(started.SetupID)
	if err != nil {
		s.fail(ctx, runtimeID, err)
		return
	}

	switch node.Kind {
	case execution.KindLeaf:
		s.execute(ctx, started, node)
	case execution.KindChain:
		s.runChildren(ctx, plan, started, node.Children[:1])
	case execution.KindFork:
		s.runChildren(ctx, plan, started, node.Children)
	default:
		s.fail(ctx, runtimeID, derrors.New(derrors.ErrCodeValidation, "unknown node kind", map[string]interface{}{
			"kind": node.Kind,
		}))
	}
}

func (s *NodeStrategy) runChildren(ctx context.Context, plan *execution.Plan, parent *execution.NodeExecution, children []string) {
	for _, id := range children {
		child, err := plan.Node(id)
		if err != nil {
			s.fail(ctx, parent.RuntimeID, err)
			return
		}
		if _, err := s.RunNode(ctx, parent.Ambiance, child, parent.RuntimeID, nil); err != nil {
			s.fail(ctx, parent.RuntimeID, err)
			return
		}
	}
}

// fail concludes a node as ERRORED because the engine could not drive it.
func (s *NodeStrategy) fail(ctx context.Context, runtimeID string, cause error) {
	s.logger.Error(ctx, "node execution errored", "runtime_id", runtimeID, "error", cause)
	if err := s.conclude(ctx, runtimeID, execution.StatusErrored, unknownFailure(cause)); err != nil {
		s.logger.Error(ctx, "failed to conclude errored node", "runtime_id", runtimeID, "error", err)
	}
}

func (s *NodeStrategy) execute(ctx context.Context, ne *execution.NodeExecution, node *execution.Node) {
	executor, err := s.executors.Get(node.StepType)
	if err != nil {
		s.fail(ctx, ne.RuntimeID, err)
		return
	}

	runCtx, release := s.cancels.bind(ctx, ne.PlanExecutionID)
	runCtx, span := s.startSpan(runCtx, "node.execute",
		"runtime_id", ne.RuntimeID,
		"setup_id", ne.SetupID,
		"step_type", node.StepType,
	)
	outcome, err := invoke(runCtx, executor, ports.ExecuteRequest{
		RuntimeID: ne.RuntimeID,
		Ambiance:  ne.Ambiance,
		Node:      node,
		Outputs:   s.outputs,
	})
	release()
	endSpan(span, err)

	if err != nil {
		s.logger.Warn(ctx, "executor returned an error", "runtime_id", ne.RuntimeID, "step_type", node.StepType, "error", err)
		outcome = ports.Outcome{Status: execution.StatusErrored, Failure: unknownFailure(err)}
	}
	if outcome.Status == "" {
		outcome = ports.Outcome{
			Status: execution.StatusErrored,
			Failure: &execution.FailureInfo{
				Types:   []execution.FailureType{execution.FailureUnknown},
				Message: "executor reported no status",
			},
		}
	}
	if err := s.apply(ctx, ne.RuntimeID, outcome); err != nil {
		s.logger.Error(ctx, "failed to apply executor outcome", "runtime_id", ne.RuntimeID, "status", outcome.Status, "error", err)
	}
}

func invoke(ctx context.Context, executor ports.NodeExecutor, req ports.ExecuteRequest) (outcome ports.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panicked: %v", r)
		}
	}()
	return executor.Execute(ctx, req)
}

// HandleResponse applies an outcome reported outside the worker that started
// the node, such as an asynchronous executor finishing or an operator resuming
// a paused node with RUNNING.
func (s *NodeStrategy) HandleResponse(ctx context.Context, runtimeID string, outcome ports.Outcome) error {
	ne, err := s.store.GetNodeExecution(ctx, runtimeID)
	if err != nil {
		return err
	}
	if ne.Status.IsFinal() {
		return derrors.New(derrors.ErrCodeState, "node execution already finished", map[string]interface{}{
			"runtime_id": runtimeID,
			"status":     ne.Status,
		})
	}
	return s.apply(ctx, runtimeID, outcome)
}

func (s *NodeStrategy) apply(ctx context.Context, runtimeID string, outcome ports.Outcome) error {
	switch status := outcome.Status; {
	case status.IsFinal():
		return s.conclude(ctx, runtimeID, status, outcome.Failure)
	case status == execution.StatusAsyncWaiting, status == execution.StatusPaused, status == execution.StatusWaiting:
		return s.suspend(ctx, runtimeID, status)
	case status == execution.StatusRunning:
		return s.resume(ctx, runtimeID)
	default:
		return derrors.New(derrors.ErrCodeValidation, "outcome status cannot be applied to a node", map[string]interface{}{
			"runtime_id": runtimeID,
			"status":     status,
		})
	}
}

func (s *NodeStrategy) suspend(ctx context.Context, runtimeID string, status execution.Status) error {
	ne, err := s.store.UpdateNodeExecutionStatus(ctx, runtimeID, status, execution.AllowedFrom(status), nil)
	if err != nil {
		return err
	}
	if ne == nil {
		return derrors.New(derrors.ErrCodeTransition, "node cannot be suspended", map[string]interface{}{
			"runtime_id": runtimeID,
			"status":     status,
		})
	}
	publishEvent(ctx, s.events, s.logger, ports.EventNodeSuspended, nodePayload(ne))
	s.refreshAncestors(ctx, ne)
	return nil
}

func (s *NodeStrategy) resume(ctx context.Context, runtimeID string) error {
	ne, err := s.store.UpdateNodeExecutionStatus(ctx, runtimeID, execution.StatusRunning, []execution.Status{
		execution.StatusAsyncWaiting, execution.StatusPaused, execution.StatusWaiting,
	}, nil)
	if err != nil {
		return err
	}
	if ne == nil {
		return derrors.New(derrors.ErrCodeTransition, "node is not suspended", map[string]interface{}{
			"runtime_id": runtimeID,
		})
	}
	s.refreshAncestors(ctx, ne)
	return nil
}

// conclude persists a final status and decides what follows it: an adviser
// directive for failures, otherwise the parent's continuation. A node that
// already left the statuses status may come from is skipped, so concurrent
// or repeated conclusions take effect once.
func (s *NodeStrategy) conclude(ctx context.Context, runtimeID string, status execution.Status, failure *execution.FailureInfo) error {
	now := s.now()
	ne, err := s.store.UpdateNodeExecutionStatus(ctx, runtimeID, status, concludableFrom(status), func(n *execution.NodeExecution) {
		n.EndTs = execution.TimePtr(now)
		n.InterventionDeadline = nil
		if failure != nil {
			n.Failure = failure
		}
	})
	if err != nil {
		return fmt.Errorf("conclude node %s: %w", runtimeID, err)
	}
	if ne == nil {
		s.logger.Debug(ctx, "node already concluded", "runtime_id", runtimeID, "status", status)
		return nil
	}

	s.recordNode(ctx, ne)

	if status.IsFailure() {
		handled, err := s.advise(ctx, ne)
		if err != nil || handled {
			return err
		}
	}
	return s.advance(ctx, ne, ne.NextNodeID, status.IsPositive())
}

// concludableFrom is the allowed-from set for concluding into status. An
// abort in progress owns DISCONTINUING nodes, so only ABORTED may follow it.
func concludableFrom(status execution.Status) []execution.Status {
	allowed := execution.AllowedFrom(status)
	if status == execution.StatusAborted {
		return allowed
	}
	out := allowed[:0:0]
	for _, from := range allowed {
		if from != execution.StatusDiscontinuing {
			out = append(out, from)
		}
	}
	return out
}

func (s *NodeStrategy) recordNode(ctx context.Context, ne *execution.NodeExecution) {
	s.incCounter(ctx, ports.MetricNodeExecutions, map[string]string{
		"status":    string(ne.Status),
		"step_type": ne.StepType,
	})
	if ne.StartTs != nil && ne.EndTs != nil {
		s.observe(ctx, ports.MetricNodeExecutionDuration, ne.EndTs.Sub(*ne.StartTs).Seconds(), map[string]string{
			"step_type": ne.StepType,
		})
	}
	s.logger.Info(ctx, "node execution finished",
		"plan_execution_id", ne.PlanExecutionID,
		"runtime_id", ne.RuntimeID,
		"setup_id", ne.SetupID,
		"status", ne.Status,
	)
	publishEvent(ctx, s.events, s.logger, ports.EventNodeCompleted, nodePayload(ne))
}

// advance hands control to whatever follows ne: the next node of its chain
// when proceed is set, otherwise the parent's conclusion. The root hands
// control back to the plan strategy.
func (s *NodeStrategy) advance(ctx context.Context, ne *execution.NodeExecution, nextNodeID string, proceed bool) error {
	if ne.ParentRuntimeID == "" {
		return s.plans.EndNodeExecution(ctx, ne.PlanExecutionID)
	}

	parent, err := s.store.GetNodeExecution(ctx, ne.ParentRuntimeID)
	if err != nil {
		return fmt.Errorf("load parent of %s: %w", ne.RuntimeID, err)
	}
	plan, err := s.plan(ctx, ne.Ambiance.PlanID())
	if err != nil {
		return err
	}
	parentNode, err := plan.Node(parent.SetupID)
	if err != nil {
		return err
	}

	if parentNode.Kind == execution.KindChain && proceed && nextNodeID != "" {
		next, err := plan.Node(nextNodeID)
		if err != nil {
			return s.conclude(ctx, parent.RuntimeID, execution.StatusErrored, unknownFailure(err))
		}
		scope, err := ne.Ambiance.CloneForFinish()
		if err != nil {
			return err
		}
		_, err = s.RunNode(ctx, scope, next, parent.RuntimeID, nil)
		return err
	}
	return s.concludeParent(ctx, parent, parentNode)
}

// concludeParent recomputes the aggregate of parent's current attempts and
// concludes it once that aggregate is final. A fork waits until every branch
// has an attempt.
func (s *NodeStrategy) concludeParent(ctx context.Context, parent *execution.NodeExecution, parentNode *execution.Node) error {
	children, err := s.store.ListChildren(ctx, parent.RuntimeID, false)
	if err != nil {
		return err
	}
	if parentNode.Kind == execution.KindFork {
		seen := make(map[string]bool, len(children))
		for _, child := range children {
			seen[child.SetupID] = true
		}
		for _, id := range parentNode.Children {
			if !seen[id] {
				return nil
			}
		}
	}

	status := aggregateOf(children)
	if !status.IsFinal() {
		s.refreshAncestors(ctx, children[0])
		return nil
	}
	return s.conclude(ctx, parent.RuntimeID, status, mergeFailures(children))
}

func aggregateOf(children []*execution.NodeExecution) execution.Status {
	statuses := make([]execution.Status, 0, len(children))
	for _, child := range children {
		statuses = append(statuses, child.Status)
	}
	return execution.Aggregate(statuses...)
}

func mergeFailures(children []*execution.NodeExecution) *execution.FailureInfo {
	var (
		merged   execution.FailureInfo
		messages []string
		seen     = make(map[execution.FailureType]bool)
	)
	for _, child := range children {
		if child.Failure == nil || !child.Status.IsFailure() {
			continue
		}
		for _, t := range child.Failure.Types {
			if !seen[t] {
				seen[t] = true
				merged.Types = append(merged.Types, t)
			}
		}
		if child.Failure.Message != "" {
			messages = append(messages, child.SetupID+": "+child.Failure.Message)
		}
	}
	if len(merged.Types) == 0 && len(messages) == 0 {
		return nil
	}
	merged.Message = strings.Join(messages, "; ")
	return &merged
}

// refreshAncestors walks up from ne persisting the non-final aggregate of
// each ancestor, and finally of the plan execution. The walk stops at the
// first ancestor whose status does not change.
func (s *NodeStrategy) refreshAncestors(ctx context.Context, ne *execution.NodeExecution) {
	parentID := ne.ParentRuntimeID
	for parentID != "" {
		children, err := s.store.ListChildren(ctx, parentID, false)
		if err != nil {
			s.logger.Warn(ctx, "failed to list children", "runtime_id", parentID, "error", err)
			return
		}
		status := aggregateOf(children)
		if status == execution.StatusQueued {
			status = execution.StatusRunning
		}
		if status.IsFinal() {
			return
		}
		parent, err := s.store.UpdateNodeExecutionStatus(ctx, parentID, status, refreshableFrom(status), nil)
		if err != nil {
			s.logger.Warn(ctx, "failed to refresh parent status", "runtime_id", parentID, "error", err)
			return
		}
		if parent == nil {
			return
		}
		if parent.ParentRuntimeID == "" {
			s.refreshPlan(ctx, parent.PlanExecutionID, status)
			return
		}
		parentID = parent.ParentRuntimeID
	}
	if ne.ParentRuntimeID == "" && !ne.Status.IsFinal() {
		s.refreshPlan(ctx, ne.PlanExecutionID, ne.Status)
	}
}

func (s *NodeStrategy) refreshPlan(ctx context.Context, planExecutionID string, status execution.Status) {
	if status == execution.StatusQueued {
		status = execution.StatusRunning
	}
	if _, err := s.store.UpdatePlanExecutionStatus(ctx, planExecutionID, status, refreshableFrom(status), nil); err != nil {
		s.logger.Warn(ctx, "failed to refresh plan execution status", "plan_execution_id", planExecutionID, "error", err)
	}
}

// refreshableFrom lists the statuses a running container may move from when
// its aggregate becomes status. Queued and discontinuing containers are left
// to their own transitions.
func refreshableFrom(status execution.Status) []execution.Status {
	var out []execution.Status
	for _, from := range []execution.Status{
		execution.StatusRunning,
		execution.StatusAsyncWaiting,
		execution.StatusInterventionWaiting,
		execution.StatusPaused,
		execution.StatusWaiting,
	} {
		if from != status && execution.CanTransition(from, status) {
			out = append(out, from)
		}
	}
	if len(out) == 0 {
		// Nothing may move into status; only a container already there matches.
		return []execution.Status{status}
	}
	return out
}

// retry starts the pending attempt scheduled on the failed execution
// oldRuntimeID.
func (s *NodeStrategy) retry(ctx context.Context, oldRuntimeID string) {
	old, err := s.store.GetNodeExecution(ctx, oldRuntimeID)
	if err != nil {
		s.logger.Error(ctx, "failed to load retried node", "runtime_id", oldRuntimeID, "error", err)
		return
	}
	if old.PendingRetryID == "" {
		return
	}
	defer s.clearPendingRetry(ctx, oldRuntimeID)

	pe, err := s.store.GetPlanExecution(ctx, old.PlanExecutionID)
	if err != nil {
		s.logger.Error(ctx, "failed to load plan execution", "plan_execution_id", old.PlanExecutionID, "error", err)
		return
	}
	if halted(pe) {
		s.logger.Debug(ctx, "retry dropped: plan execution halted", "runtime_id", oldRuntimeID)
		return
	}
	if _, err := s.store.GetNodeExecution(ctx, old.PendingRetryID); err == nil {
		return
	} else if !derrors.HasCode(err, derrors.ErrCodeNotFound) {
		s.logger.Error(ctx, "failed to check retry attempt", "runtime_id", old.PendingRetryID, "error", err)
		return
	}

	plan, err := s.plan(ctx, pe.PlanID)
	if err != nil {
		s.logger.Error(ctx, "failed to load plan for retry", "plan_id", pe.PlanID, "error", err)
		return
	}
	node, err := plan.Node(old.SetupID)
	if err != nil {
		s.logger.Error(ctx, "retried node missing from plan", "setup_id", old.SetupID, "error", err)
		return
	}
	scope, err := old.Ambiance.CloneForFinish()
	if err != nil {
		s.logger.Error(ctx, "failed to derive retry scope", "runtime_id", oldRuntimeID, "error", err)
		return
	}

	retryIDs := append(append([]string(nil), old.RetryIDs...), old.RuntimeID)
	if _, err := s.runNode(ctx, scope, node, old.ParentRuntimeID, old.PendingRetryID, retryIDs); err != nil {
		s.logger.Error(ctx, "failed to start retry attempt", "runtime_id", old.PendingRetryID, "error", err)
	}
}

func (s *NodeStrategy) clearPendingRetry(ctx context.Context, runtimeID string) {
	if _, err := s.store.UpdateNodeExecution(ctx, runtimeID, func(n *execution.NodeExecution) {
		n.PendingRetryID = ""
		n.ResumeAt = nil
	}); err != nil {
		s.logger.Warn(ctx, "failed to clear pending retry", "runtime_id", runtimeID, "error", err)
	}
}

// armRetry schedules the pending retry of ne at its ResumeAt.
func (s *NodeStrategy) armRetry(ne *execution.NodeExecution) {
	var delay time.Duration
	if ne.ResumeAt != nil {
		delay = ne.ResumeAt.Sub(s.now())
	}
	runtimeID := ne.RuntimeID
	s.timers.after(retryKey(runtimeID), delay, func() {
		s.submitTimed(runtimeID, s.retry)
	})
}

// armIntervention schedules expiry of an INTERVENTION_WAITING node.
func (s *NodeStrategy) armIntervention(ne *execution.NodeExecution) {
	if ne.InterventionDeadline == nil {
		return
	}
	runtimeID := ne.RuntimeID
	s.timers.after(interventionKey(runtimeID), ne.InterventionDeadline.Sub(s.now()), func() {
		s.submitTimed(runtimeID, s.expire)
	})
}

func (s *NodeStrategy) submitTimed(runtimeID string, fn func(context.Context, string)) {
	ctx := context.Background()
	if err := s.workers.Submit(ctx, func(ctx context.Context) { fn(ctx, runtimeID) }); err != nil {
		s.logger.Error(ctx, "failed to submit timed node work", "runtime_id", runtimeID, "error", err)
	}
}

// expire concludes an intervention nobody answered. Advisers are not
// consulted again so an intervention adviser cannot re-arm itself forever.
func (s *NodeStrategy) expire(ctx context.Context, runtimeID string) {
	now := s.now()
	ne, err := s.store.UpdateNodeExecutionStatus(ctx, runtimeID, execution.StatusExpired,
		[]execution.Status{execution.StatusInterventionWaiting}, func(n *execution.NodeExecution) {
			n.EndTs = execution.TimePtr(now)
			n.InterventionDeadline = nil
			n.Failure = expiredFailure(n.Failure)
		})
	if err != nil {
		s.logger.Error(ctx, "failed to expire intervention", "runtime_id", runtimeID, "error", err)
		return
	}
	if ne == nil {
		return
	}
	s.logger.Warn(ctx, "manual intervention expired", "runtime_id", runtimeID, "setup_id", ne.SetupID)
	s.recordNode(ctx, ne)
	if err := s.advance(ctx, ne, ne.NextNodeID, false); err != nil {
		s.logger.Error(ctx, "failed to advance expired node", "runtime_id", runtimeID, "error", err)
	}
}

func expiredFailure(prior *execution.FailureInfo) *execution.FailureInfo {
	out := &execution.FailureInfo{
		Types:   []execution.FailureType{execution.FailureInputTimeout},
		Message: "manual intervention timed out",
	}
	if prior != nil && prior.Message != "" {
		out.Message = prior.Message + "; " + out.Message
	}
	return out
}
