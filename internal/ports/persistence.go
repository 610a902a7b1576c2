package ports

import (
	"context"
	"time"

	"github.com/alexisbeaulieu97/pipeflow/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipeflow/internal/domain/outputs"
)

// Mutations adjust a record inside the same write that changes its
// status.
type (
	PlanExecutionMutation func(*execution.PlanExecution)
	NodeExecutionMutation func(*execution.NodeExecution)
)

// PlanExecutionRepository persists plan executions. Missing records map to
// ErrCodeNotFound.
type PlanExecutionRepository interface {
	SavePlanExecution(ctx context.Context, exec *execution.PlanExecution) error
	GetPlanExecution(ctx context.Context, id string) (*execution.PlanExecution, error)
	// UpdatePlanExecutionStatus moves the execution to status when its current
	// status is in allowedFrom (any status when allowedFrom is empty) and
	// applies mutate in the same write. It returns nil, nil when the record is
	// absent or the transition does not apply.
	UpdatePlanExecutionStatus(ctx context.Context, id string, status execution.Status, allowedFrom []execution.Status, mutate PlanExecutionMutation) (*execution.PlanExecution, error)
	// NextQueuedPlanExecution returns the oldest QUEUED execution for the
	// queue key, or nil when there is none.
	NextQueuedPlanExecution(ctx context.Context, queueKey string) (*execution.PlanExecution, error)
	CountPlanExecutions(ctx context.Context, queueKey string, statuses []execution.Status) (int, error)
	ListPlanExecutions(ctx context.Context, statuses []execution.Status) ([]*execution.PlanExecution, error)
	SaveMetadata(ctx context.Context, metadata *execution.Metadata) error
	GetMetadata(ctx context.Context, planExecutionID string) (*execution.Metadata, error)
}

// NodeExecutionRepository persists node executions.
type NodeExecutionRepository interface {
	SaveNodeExecution(ctx context.Context, node *execution.NodeExecution) error
	GetNodeExecution(ctx context.Context, runtimeID string) (*execution.NodeExecution, error)
	// UpdateNodeExecutionStatus follows the same contract as
	// UpdatePlanExecutionStatus.
	UpdateNodeExecutionStatus(ctx context.Context, runtimeID string, status execution.Status, allowedFrom []execution.Status, mutate NodeExecutionMutation) (*execution.NodeExecution, error)
	// UpdateNodeExecution applies mutate without touching the status.
	UpdateNodeExecution(ctx context.Context, runtimeID string, mutate NodeExecutionMutation) (*execution.NodeExecution, error)
	// ListChildren returns the children of a node execution ordered by
	// creation, excluding superseded retry attempts unless includeOldRetries.
	ListChildren(ctx context.Context, parentRuntimeID string, includeOldRetries bool) ([]*execution.NodeExecution, error)
	// ListNodeExecutions returns the node executions of a plan execution in
	// creation order, filtered by status when statuses is non-empty.
	ListNodeExecutions(ctx context.Context, planExecutionID string, statuses []execution.Status) ([]*execution.NodeExecution, error)
}

// PlanRepository stores the compiled plan each execution runs.
type PlanRepository interface {
	SavePlan(ctx context.Context, plan *execution.Plan) error
	GetPlan(ctx context.Context, id string) (*execution.Plan, error)
}

// Callback is a durable resume registration keyed by wait token.
type Callback struct {
	Token     string
	CreatedAt time.Time
}

// CallbackRepository stores resume registrations so they survive restarts.
type CallbackRepository interface {
	SaveCallback(ctx context.Context, callback Callback) error
	DeleteCallback(ctx context.Context, token string) error
	ListCallbacks(ctx context.Context) ([]Callback, error)
}

// Transactor runs fn atomically. Repositories called with the ctx passed to
// fn take part in the transaction.
type Transactor interface {
	PerformTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// PersistenceStore is the single persistence collaborator of the engine.
// Writes are last writer wins per key; the engine adds no optimistic
// concurrency on top beyond the allowedFrom guard on status transitions.
type PersistenceStore interface {
	PlanExecutionRepository
	NodeExecutionRepository
	PlanRepository
	outputs.Repository
	CallbackRepository
	Transactor
	Close() error
}
