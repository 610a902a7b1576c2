package executors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alexisbeaulieu97/pipeflow/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipeflow/internal/domain/outputs"
	"github.com/alexisbeaulieu97/pipeflow/internal/ports"
	apperrors "github.com/alexisbeaulieu97/pipeflow/pkg/errors"
)

// OutputsParameters configures an outputs node.
//
//	parameters:
//	  require:
//	    - {name: artifact, producer: build, as: deployed_artifact}
//	  publish:
//	    - {name: region, value: eu-west-1, scope: STAGE}
type OutputsParameters struct {
	Require []RequiredOutput  `json:"require" validate:"dive"`
	Publish []PublishedOutput `json:"publish" validate:"dive"`
}

// RequiredOutput names a sweeping output that must be visible. As, when set,
// republishes the resolved value under a new name.
type RequiredOutput struct {
	Name     string `json:"name" validate:"required,output_name"`
	Producer string `json:"producer"`
	As       string `json:"as" validate:"omitempty,output_name"`
	Scope    string `json:"scope"`
}

// PublishedOutput is a literal value to publish.
type PublishedOutput struct {
	Name  string      `json:"name" validate:"required,output_name"`
	Value interface{} `json:"value"`
	Scope string      `json:"scope"`
}

// Outputs moves data between nodes through the sweeping output store. A
// required output that is not visible fails the node.
type Outputs struct{}

// NewOutputs creates an outputs executor.
func NewOutputs() *Outputs {
	return &Outputs{}
}

// Execute implements ports.NodeExecutor.
func (o *Outputs) Execute(ctx context.Context, req ports.ExecuteRequest) (ports.Outcome, error) {
	var params OutputsParameters
	if err := decodeParameters(StepTypeOutputs, req.Node.Parameters, &params); err != nil {
		return ports.Outcome{}, err
	}
	if req.Outputs == nil {
		return ports.Outcome{}, apperrors.NewExecutionError(req.Node.ID, fmt.Errorf("no output service is available"))
	}

	for _, want := range params.Require {
		value, err := req.Outputs.Resolve(ctx, req.Ambiance, outputs.RefObject{Name: want.Name, ProducerID: want.Producer})
		if errors.Is(err, outputs.ErrSweepingOutputNotFound) {
			return failed(execution.FailureApplication, fmt.Sprintf("sweeping output %q is not visible", want.Name)), nil
		}
		if err != nil {
			return ports.Outcome{}, err
		}
		if want.As == "" {
			continue
		}
		var decoded interface{}
		if value != nil {
			if err := json.Unmarshal(value, &decoded); err != nil {
				return ports.Outcome{}, apperrors.NewExecutionError(req.Node.ID, err)
			}
		}
		if err := publish(ctx, req.Outputs, req.Ambiance, want.As, decoded, want.Scope); err != nil {
			return ports.Outcome{}, err
		}
	}

	for _, out := range params.Publish {
		if err := publish(ctx, req.Outputs, req.Ambiance, out.Name, out.Value, out.Scope); err != nil {
			return ports.Outcome{}, err
		}
	}
	return ports.Outcome{Status: execution.StatusSuccess}, nil
}

var _ ports.NodeExecutor = (*Outputs)(nil)
