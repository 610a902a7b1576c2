package ports

import "context"

// Standard metric names.
const (
	// MetricPlanExecutions counts final plan executions by status.
	MetricPlanExecutions = "pipeflow_plan_executions_total"
	// MetricNodeExecutions counts final node executions by status and step_type.
	MetricNodeExecutions = "pipeflow_node_executions_total"
	// MetricAdviserDirectives counts adviser directives by directive.
	MetricAdviserDirectives = "pipeflow_adviser_directives_total"
	// MetricResumeCallbacks counts resume callbacks by result
	// (started, idle, locked, error).
	MetricResumeCallbacks = "pipeflow_resume_callbacks_total"
	// MetricPlanExecutionsActive gauges plan executions running in-process.
	MetricPlanExecutionsActive = "pipeflow_plan_executions_active"
	// MetricPlanExecutionDuration observes plan execution durations by status.
	MetricPlanExecutionDuration = "pipeflow_plan_execution_duration_seconds"
	// MetricNodeExecutionDuration observes node execution durations by step_type.
	MetricNodeExecutionDuration = "pipeflow_node_execution_duration_seconds"
)

// MetricsCollector records quantitative observability signals. The interface is
// intentionally generic so adapters can back onto Prometheus, StatsD, or
// vendor-specific SDKs.
type MetricsCollector interface {
	IncCounter(ctx context.Context, name string, labels map[string]string)
	SetGauge(ctx context.Context, name string, value float64, labels map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, labels map[string]string)
}

// Tracer manages distributed tracing spans. Span names follow the convention
// `<component>.<operation>` (e.g., `plan.run`, `node.execute`,
// `resume.notify`). Adapters should propagate correlation IDs
// and integrate with the chosen tracing backend (e.g., OpenTelemetry).
type Tracer interface {
	StartSpan(ctx context.Context, name string, attributes ...interface{}) (context.Context, Span)
	Inject(ctx context.Context, carrier interface{}) error
	Extract(ctx context.Context, carrier interface{}) (context.Context, error)
}

// Span represents an active tracing span.
type Span interface {
	SetAttribute(key string, value interface{})
	SetStatus(status SpanStatus, message string)
	End()
}

// SpanStatus provides strongly typed span result semantics.
type SpanStatus string

const (
	SpanStatusOK    SpanStatus = "ok"
	SpanStatusError SpanStatus = "error"
)
