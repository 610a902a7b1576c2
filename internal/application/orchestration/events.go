package orchestration

import (
	"context"

	"github.com/alexisbeaulieu97/pipeflow/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipeflow/internal/ports"
)

type domainEvent struct {
	eventType string
	payload   interface{}
}

func (e domainEvent) EventType() string {
	return e.eventType
}

func (e domainEvent) Payload() interface{} {
	return e.payload
}

func publishEvent(ctx context.Context, publisher ports.EventPublisher, logger ports.Logger, eventType string, payload map[string]interface{}) {
	if publisher == nil {
		return
	}
	event := domainEvent{
		eventType: eventType,
		payload:   payload,
	}
	if err := publisher.Publish(ctx, event); err != nil && logger != nil {
		logger.Warn(ctx, "failed to publish domain event", "event_type", eventType, "error", err)
	}
}

func planPayload(pe *execution.PlanExecution) map[string]interface{} {
	return map[string]interface{}{
		"plan_execution_id": pe.ID,
		"plan_id":           pe.PlanID,
		"pipeline_id":       pe.PipelineID,
		"status":            string(pe.Status),
	}
}

func nodePayload(ne *execution.NodeExecution) map[string]interface{} {
	payload := map[string]interface{}{
		"plan_execution_id": ne.PlanExecutionID,
		"runtime_id":        ne.RuntimeID,
		"setup_id":          ne.SetupID,
		"step_type":         ne.StepType,
		"status":            string(ne.Status),
	}
	if ne.Failure != nil && ne.Failure.Message != "" {
		payload["failure"] = ne.Failure.Message
	}
	return payload
}
