package orchestration

import (
	"context"
	"errors"
	"strings"

	"github.com/alexisbeaulieu97/pipeflow/internal/domain/derrors"
	"github.com/alexisbeaulieu97/pipeflow/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipeflow/internal/ports"
)

// capacityReporter is implemented by admission controllers that can tell how
// many more executions of a pipeline may start. A negative capacity means
// unlimited.
type capacityReporter interface {
	Capacity(ctx context.Context, accountID, queueKey string) (int, error)
}

// Resume callback results, used as the result label of
// ports.MetricResumeCallbacks.
const (
	ResumeStarted = "started"
	ResumeIdle    = "idle"
	ResumeLocked  = "locked"
	ResumeError   = "error"
)

// ResumeCallback starts the next queued plan execution of a pipeline when
// its wait token is notified. The per-pipeline lock guarantees at most one
// starter across processes.
type ResumeCallback struct {
	*core
	plans  *PlanStrategy
	logger ports.Logger
}

// Handler adapts the callback to a wait token handler.
func (r *ResumeCallback) Handler() func(ctx context.Context, token string) {
	return func(ctx context.Context, token string) {
		if _, err := r.Notify(ctx, token); err != nil {
			r.logger.Error(ctx, "resume callback failed", "token", token, "error", err)
		}
	}
}

// Notify handles one notification of token and reports what it did.
func (r *ResumeCallback) Notify(ctx context.Context, token string) (result string, err error) {
	ctx, span := r.startSpan(ctx, "resume.notify", "token", token)
	defer func() {
		endSpan(span, err)
		if err != nil {
			result = ResumeError
		}
		r.incCounter(ctx, ports.MetricResumeCallbacks, map[string]string{"result": result})
	}()

	queueKey, ok := strings.CutPrefix(token, waitTokenPrefix)
	if !ok || queueKey == "" {
		return ResumeError, derrors.New(derrors.ErrCodeValidation, "unrecognised wait token", map[string]interface{}{
			"token": token,
		})
	}

	ctx = ports.WithExecutionScope(ctx, ports.ExecutionScope{QueueKey: queueKey})

	handle, err := r.lock.Acquire(ctx, LockName(queueKey), r.settings.LockWait, r.settings.LockHold)
	if err != nil {
		if errors.Is(err, ports.ErrLockUnavailable) {
			r.logger.Debug(ctx, "resume skipped: queue lock held elsewhere", "queue_key", queueKey)
			return ResumeLocked, nil
		}
		return ResumeError, err
	}
	defer func() {
		if releaseErr := handle.Release(context.WithoutCancel(ctx)); releaseErr != nil {
			r.logger.Warn(ctx, "failed to release queue lock", "queue_key", queueKey, "error", releaseErr)
		}
	}()

	capacity, err := r.capacity(ctx, queueKey)
	if err != nil {
		return ResumeError, err
	}
	if capacity == 0 {
		return ResumeIdle, nil
	}

	next, err := r.store.NextQueuedPlanExecution(ctx, queueKey)
	if err != nil {
		return ResumeError, err
	}
	if next == nil {
		// Nothing left to resume: the registration has done its job.
		if err := r.store.DeleteCallback(ctx, token); err != nil {
			r.logger.Warn(ctx, "failed to delete resume callback", "token", token, "error", err)
		}
		return ResumeIdle, nil
	}

	now := r.now()
	started, err := r.store.UpdatePlanExecutionStatus(ctx, next.ID, execution.StatusRunning,
		[]execution.Status{execution.StatusQueued}, func(p *execution.PlanExecution) {
			p.StartTs = execution.TimePtr(now)
		})
	if err != nil {
		return ResumeError, err
	}
	if started == nil {
		return ResumeIdle, nil
	}

	plan, err := r.plan(ctx, started.PlanID)
	if err != nil {
		return ResumeError, err
	}
	if err := r.plans.begin(ctx, started, plan); err != nil {
		return ResumeError, err
	}
	r.logger.Info(ctx, "queued plan execution resumed", "plan_execution_id", started.ID, "queue_key", queueKey)

	// More room left: let the next notification pick up another one.
	if capacity < 0 || capacity > 1 {
		if err := r.notifier.Notify(ctx, token); err != nil {
			r.logger.Warn(ctx, "failed to re-notify wait token", "token", token, "error", err)
		}
	}
	return ResumeStarted, nil
}

// capacity is how many more executions of queueKey may start, negative when
// unlimited. Without an admission controller that reports capacity, a queued
// execution starts only once nothing else of the pipeline is running.
func (r *ResumeCallback) capacity(ctx context.Context, queueKey string) (int, error) {
	if reporter, ok := r.admission.(capacityReporter); ok {
		accountID, _, _ := strings.Cut(queueKey, ":")
		return reporter.Capacity(ctx, accountID, queueKey)
	}
	running, err := r.store.CountPlanExecutions(ctx, queueKey, runningStatuses())
	if err != nil {
		return 0, err
	}
	if running > 0 {
		return 0, nil
	}
	return 1, nil
}

// runningStatuses are the non-final statuses of an execution that has
// started.
func runningStatuses() []execution.Status {
	var out []execution.Status
	for _, s := range execution.NonFinalStatuses() {
		if s != execution.StatusQueued {
			out = append(out, s)
		}
	}
	return out
}
