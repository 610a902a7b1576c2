package orchestration

import (
	"context"
	"fmt"
	"sync"

	"github.com/alexisbeaulieu97/pipeflow/internal/domain/ambiance"
	"github.com/alexisbeaulieu97/pipeflow/internal/domain/derrors"
	"github.com/alexisbeaulieu97/pipeflow/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipeflow/internal/ports"
)

// RunRequest describes a plan execution to create.
type RunRequest struct {
	Plan              *execution.Plan
	SetupAbstractions map[string]string
	// Metadata is stored with the execution; its id, YAML and version fields
	// are filled in by RunNode.
	Metadata     execution.Metadata
	PipelineYAML []byte
	Version      string
}

// EndObserver is told about every plan execution that reaches a final status.
type EndObserver interface {
	OnEnd(ctx context.Context, pe *execution.PlanExecution)
}

// EndObserverFunc adapts a function to EndObserver.
type EndObserverFunc func(ctx context.Context, pe *execution.PlanExecution)

func (f EndObserverFunc) OnEnd(ctx context.Context, pe *execution.PlanExecution) { f(ctx, pe) }

// PlanStrategy owns whole plan executions: admission, start, end and abort.
type PlanStrategy struct {
	*core
	nodes  *NodeStrategy
	logger ports.Logger

	observersMu sync.RWMutex
	observers   []EndObserver
}

// AddEndObserver registers obs for every subsequent plan execution end.
func (s *PlanStrategy) AddEndObserver(obs EndObserver) {
	if obs == nil {
		return
	}
	s.observersMu.Lock()
	s.observers = append(s.observers, obs)
	s.observersMu.Unlock()
}

// RunNode creates a plan execution for req and starts its root node unless
// governance denies it or admission control queues it. It returns without
// waiting for any node to run.
func (s *PlanStrategy) RunNode(ctx context.Context, req RunRequest) (pe *execution.PlanExecution, err error) {
	ctx, span := s.startSpan(ctx, "plan.run")
	defer func() { endSpan(span, err) }()

	if req.Plan == nil {
		return nil, derrors.New(derrors.ErrCodeValidation, "run request requires a plan", nil)
	}
	if err := req.Plan.Validate(); err != nil {
		return nil, err
	}
	span.SetAttribute("plan_id", req.Plan.ID)

	setup := make(map[string]string, len(req.SetupAbstractions)+1)
	for k, v := range req.SetupAbstractions {
		setup[k] = v
	}
	if setup[ambiance.KeyPipelineID] == "" {
		setup[ambiance.KeyPipelineID] = req.Plan.PipelineID
	}

	now := s.now()
	pe = &execution.PlanExecution{
		ID:                s.newID(),
		PlanID:            req.Plan.ID,
		PipelineID:        req.Plan.PipelineID,
		Status:            execution.StatusRunning,
		SetupAbstractions: setup,
		QueueKey: execution.QueueKey(
			setup[ambiance.KeyAccountID],
			setup[ambiance.KeyOrgID],
			setup[ambiance.KeyProjectID],
			setup[ambiance.KeyPipelineID],
		),
		CreatedAt: now.UTC(),
	}
	span.SetAttribute("plan_execution_id", pe.ID)
	logger := s.logger.With("plan_execution_id", pe.ID, "plan_id", pe.PlanID)

	metadata := req.Metadata
	metadata.PlanExecutionID = pe.ID
	metadata.PipelineYAML = string(req.PipelineYAML)
	metadata.Version = req.Version

	verdict, err := s.evaluateGovernance(ctx, pe, req)
	if err != nil {
		return nil, err
	}
	pe.Governance = verdict
	if verdict.Deny {
		pe.Status = execution.StatusErrored
		pe.EndTs = execution.TimePtr(now)
		if err := s.persist(ctx, req.Plan, pe, &metadata); err != nil {
			return nil, err
		}
		logger.Warn(ctx, "plan execution denied by governance", "messages", verdict.Messages)
		s.finish(ctx, pe)
		return pe, nil
	}

	var decision ports.AdmissionDecision
	if s.admission != nil {
		decision, err = s.admission.ShouldQueue(ctx, setup[ambiance.KeyAccountID], pe.QueueKey)
		if err != nil {
			return nil, fmt.Errorf("admission control: %w", err)
		}
	}
	if decision.ShouldQueue {
		pe.Status = execution.StatusQueued
	} else {
		pe.StartTs = execution.TimePtr(now)
	}

	if err := s.persist(ctx, req.Plan, pe, &metadata); err != nil {
		return nil, err
	}
	s.planCache.Store(req.Plan.ID, req.Plan)

	token := WaitToken(pe.QueueKey)
	if decision.ShouldQueue || decision.UseNewFlow {
		if err := s.notifier.Register(ctx, token); err != nil {
			return pe, fmt.Errorf("register resume callback: %w", err)
		}
	}

	if decision.ShouldQueue {
		logger.Info(ctx, "plan execution queued", "queue_key", pe.QueueKey)
		publishEvent(ctx, s.events, logger, ports.EventOrchestrationQueued, planPayload(pe))
		if err := s.notifier.Notify(ctx, token); err != nil {
			logger.Warn(ctx, "failed to notify resume callback", "token", token, "error", err)
		}
		return pe, nil
	}

	if err := s.begin(ctx, pe, req.Plan); err != nil {
		return pe, err
	}
	return pe, nil
}

func (s *PlanStrategy) evaluateGovernance(ctx context.Context, pe *execution.PlanExecution, req RunRequest) (execution.GovernanceVerdict, error) {
	if s.governance == nil {
		return execution.GovernanceVerdict{}, nil
	}
	verdict, err := s.governance.Evaluate(ctx, ports.GovernanceRequest{
		PipelineYAML:    req.PipelineYAML,
		Plan:            req.Plan,
		AccountID:       pe.SetupAbstractions[ambiance.KeyAccountID],
		OrgID:           pe.SetupAbstractions[ambiance.KeyOrgID],
		ProjectID:       pe.SetupAbstractions[ambiance.KeyProjectID],
		Action:          "onrun",
		PlanExecutionID: pe.ID,
		Version:         req.Version,
	})
	if err != nil {
		return execution.GovernanceVerdict{}, derrors.Wrap(derrors.ErrCodeGovernance, "governance evaluation failed", err, map[string]interface{}{
			"plan_execution_id": pe.ID,
		})
	}
	return verdict, nil
}

func (s *PlanStrategy) persist(ctx context.Context, plan *execution.Plan, pe *execution.PlanExecution, metadata *execution.Metadata) error {
	err := s.store.PerformTransaction(ctx, func(ctx context.Context) error {
		if err := s.store.SavePlan(ctx, plan); err != nil {
			return err
		}
		if err := s.store.SavePlanExecution(ctx, pe); err != nil {
			return err
		}
		return s.store.SaveMetadata(ctx, metadata)
	})
	if err != nil {
		return fmt.Errorf("persist plan execution %s: %w", pe.ID, err)
	}
	return nil
}

// begin submits the root node of a RUNNING plan execution.
func (s *PlanStrategy) begin(ctx context.Context, pe *execution.PlanExecution, plan *execution.Plan) error {
	root, err := plan.Node(plan.RootNodeID)
	if err != nil {
		return err
	}
	ctx = ports.WithExecutionScope(ctx, ports.ExecutionScope{PlanExecutionID: pe.ID, QueueKey: pe.QueueKey})
	s.track(ctx, pe.ID)
	s.logger.Info(ctx, "plan execution started", "plan_execution_id", pe.ID, "plan_id", pe.PlanID)
	publishEvent(ctx, s.events, s.logger, ports.EventOrchestrationStarted, planPayload(pe))

	amb := ambiance.New(pe.ID, pe.PlanID, pe.SetupAbstractions, s.now().UnixNano())
	if _, err := s.nodes.RunNode(ctx, amb, root, "", nil); err != nil {
		forced, forceErr := s.forceError(ctx, pe.ID, err)
		if forceErr != nil {
			s.logger.Error(ctx, "failed to error out plan execution", "plan_execution_id", pe.ID, "error", forceErr)
		} else if forced != nil {
			s.finish(ctx, forced)
		}
		return err
	}
	return nil
}

// EndNodeExecution finishes the plan execution once its root node is final.
// It is safe to call repeatedly; only the first call with a final root
// changes anything.
func (s *PlanStrategy) EndNodeExecution(ctx context.Context, planExecutionID string) error {
	pe, err := s.store.GetPlanExecution(ctx, planExecutionID)
	if err != nil {
		return err
	}
	// A discontinuing execution is ended by the abort that marked it.
	if pe.Status.IsFinal() || pe.Status == execution.StatusDiscontinuing || pe.AbortRequested {
		return nil
	}

	nodes, err := s.store.ListNodeExecutions(ctx, planExecutionID, nil)
	if err != nil {
		return err
	}
	var roots []execution.Status
	for _, ne := range nodes {
		if ne.ParentRuntimeID == "" && !ne.OldRetry {
			roots = append(roots, ne.Status)
		}
	}
	if len(roots) == 0 {
		return nil
	}
	status := execution.Aggregate(roots...)
	if !status.IsFinal() {
		return nil
	}

	now := s.now()
	ended, err := s.store.UpdatePlanExecutionStatus(ctx, planExecutionID, status, execution.AllowedFrom(status), func(p *execution.PlanExecution) {
		p.EndTs = execution.TimePtr(now)
	})
	if err != nil {
		return err
	}
	if ended == nil {
		current, err := s.store.GetPlanExecution(ctx, planExecutionID)
		if err != nil {
			return err
		}
		if current.Status.IsFinal() {
			return nil
		}
		s.logger.Warn(ctx, "plan execution could not move to its final status",
			"plan_execution_id", planExecutionID,
			"from", current.Status,
			"to", status,
		)
		ended, err = s.forceError(ctx, planExecutionID, derrors.New(derrors.ErrCodeTransition, "final status transition failed", nil))
		if err != nil || ended == nil {
			return err
		}
	}
	s.finish(ctx, ended)
	return nil
}

// forceError moves a plan execution to ERRORED whatever its current
// non-final status, erroring out every unfinished node with it.
func (s *PlanStrategy) forceError(ctx context.Context, planExecutionID string, cause error) (*execution.PlanExecution, error) {
	now := s.now()
	pe, err := s.store.UpdatePlanExecutionStatus(ctx, planExecutionID, execution.StatusErrored, execution.NonFinalStatuses(), func(p *execution.PlanExecution) {
		p.EndTs = execution.TimePtr(now)
	})
	if err != nil || pe == nil {
		return pe, err
	}
	s.cancels.cancel(planExecutionID)

	nodes, err := s.store.ListNodeExecutions(ctx, planExecutionID, execution.NonFinalStatuses())
	if err != nil {
		return pe, err
	}
	failure := unknownFailure(fmt.Errorf("plan execution errored: %w", cause))
	for _, ne := range nodes {
		s.timers.cancel(interventionKey(ne.RuntimeID))
		if _, err := s.store.UpdateNodeExecutionStatus(ctx, ne.RuntimeID, execution.StatusErrored, execution.NonFinalStatuses(), func(n *execution.NodeExecution) {
			n.EndTs = execution.TimePtr(now)
			n.Failure = failure
		}); err != nil {
			s.logger.Warn(ctx, "failed to error out node", "runtime_id", ne.RuntimeID, "error", err)
		}
	}
	return pe, nil
}

// Abort stops a plan execution: in-flight work is cancelled, unfinished nodes
// pass through DISCONTINUING to ABORTED, and the execution ends ABORTED.
func (s *PlanStrategy) Abort(ctx context.Context, planExecutionID string) error {
	return s.terminate(ctx, planExecutionID, execution.StatusAborted)
}

func (s *PlanStrategy) terminate(ctx context.Context, planExecutionID string, status execution.Status) error {
	pe, err := s.store.GetPlanExecution(ctx, planExecutionID)
	if err != nil {
		return err
	}
	if pe.Status.IsFinal() {
		return nil
	}

	if pe.Status != execution.StatusDiscontinuing {
		marked, err := s.store.UpdatePlanExecutionStatus(ctx, planExecutionID, execution.StatusDiscontinuing,
			execution.AllowedFrom(execution.StatusDiscontinuing), func(p *execution.PlanExecution) {
				p.AbortRequested = true
			})
		if err != nil {
			return err
		}
		if marked == nil {
			current, err := s.store.GetPlanExecution(ctx, planExecutionID)
			if err != nil {
				return err
			}
			if current.Status.IsFinal() {
				return nil
			}
			if current.Status != execution.StatusDiscontinuing {
				return derrors.New(derrors.ErrCodeTransition, "plan execution cannot be discontinued", map[string]interface{}{
					"plan_execution_id": planExecutionID,
					"status":            current.Status,
				})
			}
		}
	}
	s.logger.Info(ctx, "plan execution discontinuing", "plan_execution_id", planExecutionID, "target", status)
	s.cancels.cancel(planExecutionID)

	nodes, err := s.store.ListNodeExecutions(ctx, planExecutionID, nil)
	if err != nil {
		return err
	}
	now := s.now()
	for _, ne := range nodes {
		if ne.PendingRetryID != "" {
			s.timers.cancel(retryKey(ne.RuntimeID))
			s.nodes.clearPendingRetry(ctx, ne.RuntimeID)
		}
		if ne.Status.IsFinal() {
			continue
		}
		s.timers.cancel(interventionKey(ne.RuntimeID))
		if ne.Status.IsActive() && ne.Status != execution.StatusDiscontinuing {
			if _, err := s.store.UpdateNodeExecutionStatus(ctx, ne.RuntimeID, execution.StatusDiscontinuing,
				execution.AllowedFrom(execution.StatusDiscontinuing), nil); err != nil {
				return err
			}
		}
		aborted, err := s.store.UpdateNodeExecutionStatus(ctx, ne.RuntimeID, execution.StatusAborted,
			execution.AllowedFrom(execution.StatusAborted), func(n *execution.NodeExecution) {
				n.EndTs = execution.TimePtr(now)
				n.InterventionDeadline = nil
			})
		if err != nil {
			return err
		}
		if aborted != nil {
			s.nodes.recordNode(ctx, aborted)
		}
	}

	ended, err := s.store.UpdatePlanExecutionStatus(ctx, planExecutionID, status,
		[]execution.Status{execution.StatusDiscontinuing}, func(p *execution.PlanExecution) {
			p.EndTs = execution.TimePtr(now)
		})
	if err != nil {
		return err
	}
	if ended == nil {
		return nil
	}
	s.finish(ctx, ended)
	return nil
}

// finish releases in-process resources of a final plan execution and tells
// everyone who is waiting for it.
func (s *PlanStrategy) finish(ctx context.Context, pe *execution.PlanExecution) {
	s.cancels.release(pe.ID)
	s.untrack(ctx, pe.ID)

	s.incCounter(ctx, ports.MetricPlanExecutions, map[string]string{"status": string(pe.Status)})
	if pe.StartTs != nil && pe.EndTs != nil {
		s.observe(ctx, ports.MetricPlanExecutionDuration, pe.EndTs.Sub(*pe.StartTs).Seconds(), map[string]string{
			"status": string(pe.Status),
		})
	}
	s.logger.Info(ctx, "plan execution finished",
		"plan_execution_id", pe.ID,
		"plan_id", pe.PlanID,
		"status", pe.Status,
	)
	publishEvent(ctx, s.events, s.logger, ports.EventOrchestrationEnd, planPayload(pe))

	s.observersMu.RLock()
	observers := append([]EndObserver(nil), s.observers...)
	s.observersMu.RUnlock()
	for _, obs := range observers {
		obs.OnEnd(ctx, pe)
	}

	if pe.QueueKey != "" {
		token := WaitToken(pe.QueueKey)
		if err := s.notifier.Notify(ctx, token); err != nil {
			s.logger.Warn(ctx, "failed to notify resume callback", "token", token, "error", err)
		}
	}
}
