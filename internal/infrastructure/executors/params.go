package executors

import (
	"context"
	"encoding/json"
	"regexp"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/alexisbeaulieu97/pipeflow/internal/domain/ambiance"
	"github.com/alexisbeaulieu97/pipeflow/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipeflow/internal/domain/outputs"
	"github.com/alexisbeaulieu97/pipeflow/internal/ports"
	apperrors "github.com/alexisbeaulieu97/pipeflow/pkg/errors"
)

// Output scopes accepted by the executors. Any other value names the group
// level the output is published at.
const (
	ScopeParent = ""
	ScopeSelf   = "self"
	ScopeGlobal = "global"
)

var (
	validatorOnce sync.Once
	validateInst  *validator.Validate

	outputNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]*$`)
)

func validatorInstance() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New()

		_ = v.RegisterValidation("failure_type", func(fl validator.FieldLevel) bool {
			return execution.FailureType(fl.Field().String()).Valid()
		})

		_ = v.RegisterValidation("output_name", func(fl validator.FieldLevel) bool {
			return outputNamePattern.MatchString(fl.Field().String())
		})

		validateInst = v
	})
	return validateInst
}

// decodeParameters maps a node's free-form parameters onto out and validates
// the result.
func decodeParameters(stepType string, params map[string]interface{}, out interface{}) error {
	if len(params) > 0 {
		raw, err := json.Marshal(params)
		if err != nil {
			return apperrors.NewExecutorError(stepType, err)
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return apperrors.NewExecutorError(stepType, err)
		}
	}
	if err := validatorInstance().Struct(out); err != nil {
		return apperrors.NewExecutorError(stepType, err)
	}
	return nil
}

// publish writes value under name at scope. The default scope is the parent
// level, which makes the value visible to the node's siblings.
func publish(ctx context.Context, svc *outputs.Service, amb *ambiance.Ambiance, name string, value interface{}, scope string) error {
	switch scope {
	case ScopeSelf:
		_, err := svc.Consume(ctx, amb, name, value)
		return err
	case ScopeGlobal:
		_, err := svc.SaveAtGlobalScope(ctx, amb, name, value)
		return err
	case ScopeParent:
		keep := 0
		if amb.Depth() > 1 {
			keep = 1
		}
		_, err := svc.Save(ctx, amb, name, value, keep)
		return err
	default:
		_, err := svc.SaveAtGroupScope(ctx, amb, name, value, scope)
		return err
	}
}

func failed(failureType execution.FailureType, message string) ports.Outcome {
	return ports.Outcome{
		Status: execution.StatusFailed,
		Failure: &execution.FailureInfo{
			Types:   []execution.FailureType{failureType},
			Message: message,
		},
	}
}
