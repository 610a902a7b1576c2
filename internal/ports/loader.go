package ports

import (
	"context"

	"github.com/alexisbeaulieu97/pipeflow/internal/domain/execution"
)

// PlanDocument is a loaded plan file.
type PlanDocument struct {
	Plan *execution.Plan
	// SetupAbstractions seed the root ambiance (account, org, project and
	// pipeline identifiers).
	SetupAbstractions map[string]string
	Labels            map[string]string
	Version           string
	// Raw is the document as read, forwarded to governance and stored as
	// execution metadata.
	Raw []byte
}

// PlanLoader loads compiled plans from an external source such as the
// filesystem. Implementations must respect context cancellation and translate
// failures into domain error codes:
//   - io/fs.ErrNotExist → ErrCodeNotFound
//   - YAML parsing or schema failures → ErrCodeValidation
//   - context cancellation/deadline → ErrCodeCancelled
//   - unexpected I/O issues → ErrCodeInternal with wrapped cause
//
// The engine never compiles pipelines itself; loaders hand it a graph that
// already satisfies Plan.Validate.
type PlanLoader interface {
	Load(ctx context.Context, path string) (*PlanDocument, error)
}
