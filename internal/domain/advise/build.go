package advise

import (
	"encoding/json"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/alexisbeaulieu97/pipeflow/internal/domain/derrors"
	"github.com/alexisbeaulieu97/pipeflow/internal/domain/execution"
)

var (
	validatorOnce sync.Once
	validateInst  *validator.Validate
)

func validatorInstance() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New()

		_ = v.RegisterValidation("failure_type", func(fl validator.FieldLevel) bool {
			return execution.FailureType(fl.Field().String()).Valid()
		})

		_ = v.RegisterValidation("repair_action", func(fl validator.FieldLevel) bool {
			switch RepairAction(fl.Field().String()) {
			case RepairIgnore, RepairManualIntervention, RepairEndExecution, RepairOnFail, RepairMarkAsSuccess:
				return true
			default:
				return false
			}
		})

		validateInst = v
	})
	return validateInst
}

// Build turns a node's adviser declaration into an Adviser. Malformed
// parameters are configuration errors and come back as VALIDATION_ERROR.
func Build(cfg execution.AdviserConfig, newID func() string) (Adviser, error) {
	switch Type(cfg.Type) {
	case TypeRetry:
		var params RetryParameters
		if err := decodeParameters(cfg, &params); err != nil {
			return nil, err
		}
		return NewRetryAdviser(params, newID), nil
	case TypeOnFail:
		var params FailureFilter
		if err := decodeParameters(cfg, &params); err != nil {
			return nil, err
		}
		return NewOnFailAdviser(params), nil
	case TypeIgnore:
		var params FailureFilter
		if err := decodeParameters(cfg, &params); err != nil {
			return nil, err
		}
		return NewIgnoreAdviser(params), nil
	case TypeMarkSuccess:
		var params FailureFilter
		if err := decodeParameters(cfg, &params); err != nil {
			return nil, err
		}
		return NewMarkSuccessAdviser(params), nil
	case TypeAbort:
		var params FailureFilter
		if err := decodeParameters(cfg, &params); err != nil {
			return nil, err
		}
		return NewAbortAdviser(params), nil
	case TypeManualIntervention:
		var params ManualInterventionParameters
		if err := decodeParameters(cfg, &params); err != nil {
			return nil, err
		}
		return NewManualInterventionAdviser(params), nil
	default:
		return nil, derrors.New(derrors.ErrCodeValidation, "unknown adviser type", map[string]interface{}{
			"adviser_type": cfg.Type,
		})
	}
}

// BuildChain builds every adviser declared on a node, in order.
func BuildChain(cfgs []execution.AdviserConfig, newID func() string) (Chain, error) {
	chain := make(Chain, 0, len(cfgs))
	for _, cfg := range cfgs {
		adviser, err := Build(cfg, newID)
		if err != nil {
			return nil, err
		}
		chain = append(chain, adviser)
	}
	return chain, nil
}

func decodeParameters(cfg execution.AdviserConfig, out interface{}) error {
	context := map[string]interface{}{"adviser_type": cfg.Type}
	if len(cfg.Parameters) > 0 {
		raw, err := json.Marshal(cfg.Parameters)
		if err != nil {
			return derrors.Wrap(derrors.ErrCodeValidation, "encode adviser parameters", err, context)
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return derrors.Wrap(derrors.ErrCodeValidation, "decode adviser parameters", err, context)
		}
	}
	if err := validatorInstance().Struct(out); err != nil {
		return derrors.Wrap(derrors.ErrCodeValidation, "invalid adviser parameters", err, context)
	}
	return nil
}
