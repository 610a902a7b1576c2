package ports

import (
	"context"

	"github.com/alexisbeaulieu97/pipeflow/internal/domain/ambiance"
	"github.com/alexisbeaulieu97/pipeflow/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipeflow/internal/domain/outputs"
)

// ExecuteRequest is what a node executor receives for one node execution.
type ExecuteRequest struct {
	RuntimeID string
	Ambiance  *ambiance.Ambiance
	Node      *execution.Node
	Outputs   *outputs.Service
}

// Outcome is the status a node executor reports. Terminal statuses conclude
// the node; ASYNC_WAITING, WAITING and PAUSED park it until the engine is
// handed the final Outcome through its response entry point.
type Outcome struct {
	Status  execution.Status
	Failure *execution.FailureInfo
}

// NodeExecutor runs the business logic of a leaf node. Implementations must
// observe ctx cancellation, which is how aborts reach in-flight work. A
// returned error is treated as ERRORED with an UNKNOWN_FAILURE tag; business
// failures should be reported through Outcome instead.
type NodeExecutor interface {
	Execute(ctx context.Context, req ExecuteRequest) (Outcome, error)
}

// ExecutorRegistry resolves executors by step type. Registries must be safe
// for concurrent use because nodes start in parallel.
type ExecutorRegistry interface {
	Register(stepType string, executor NodeExecutor) error
	Get(stepType string) (NodeExecutor, error)
	StepTypes() []string
}

// WorkerSubmitter runs functions asynchronously. Submit must not block on the
// work itself; the function receives a context detached from the caller's
// deadline but carrying its values.
type WorkerSubmitter interface {
	Submit(ctx context.Context, fn func(context.Context)) error
}
