package ports

import (
	"context"
	"time"

	"github.com/alexisbeaulieu97/pipeflow/internal/domain/derrors"
	"github.com/alexisbeaulieu97/pipeflow/internal/domain/execution"
)

// GovernanceRequest is the input to a policy decision about starting a run.
type GovernanceRequest struct {
	PipelineYAML    []byte
	Plan            *execution.Plan
	AccountID       string
	OrgID           string
	ProjectID       string
	Action          string
	PlanExecutionID string
	Version         string
}

// GovernanceEvaluator decides whether a plan execution may start at all. A
// deny verdict is a business outcome; errors mean the evaluator itself failed.
type GovernanceEvaluator interface {
	Evaluate(ctx context.Context, req GovernanceRequest) (execution.GovernanceVerdict, error)
}

// AdmissionDecision tells the plan strategy how to admit a new run.
type AdmissionDecision struct {
	ShouldQueue bool
	// UseNewFlow means admission is enforced for this pipeline and a resume
	// callback must be registered even when the run starts right away.
	UseNewFlow bool
}

// AdmissionController applies concurrency limits to whole plan executions.
type AdmissionController interface {
	ShouldQueue(ctx context.Context, accountID, queueKey string) (AdmissionDecision, error)
}

// ErrLockUnavailable is returned when a lock could not be acquired within the
// wait timeout.
var ErrLockUnavailable = derrors.New(derrors.ErrCodeLockUnavailable, "lock unavailable", nil)

// DistributedLock provides named mutual exclusion across processes. A lock
// that is not released is dropped once its hold timeout elapses.
type DistributedLock interface {
	Acquire(ctx context.Context, name string, wait, hold time.Duration) (LockHandle, error)
}

// LockHandle releases an acquired lock.
type LockHandle interface {
	Release(ctx context.Context) error
}

// WaitNotifier delivers wait-token notifications to the handler registered
// for that token, possibly in another process.
type WaitNotifier interface {
	Register(ctx context.Context, token string) error
	Notify(ctx context.Context, token string) error
}
