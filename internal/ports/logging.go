package ports

import (
	"context"

	"github.com/google/uuid"
)

// Logger defines the engine's structured logging contract. All log calls are
// key/value pairs, must be safe for concurrent use, and should automatically
// enrich entries with the correlation ID and execution scope found in
// context. Common fields include:
//   - correlation_id (UUIDv4, generated at CLI entry point)
//   - layer (domain|application|infrastructure)
//   - component (plan_strategy, node_strategy, resume, store, etc.)
//   - plan_execution_id / runtime_id / queue_key (from ExecutionScope)
//   - setup_id / status
//   - duration_ms for timed operations
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...interface{})
	Info(ctx context.Context, msg string, fields ...interface{})
	Warn(ctx context.Context, msg string, fields ...interface{})
	Error(ctx context.Context, msg string, fields ...interface{})
	With(fields ...interface{}) Logger
}

type correlationIDKey struct{}

// WithCorrelationID attaches the provided correlation ID to the context so
// downstream layers can emit correlated logs, metrics, and traces.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// GetCorrelationID extracts a correlation ID from context. It returns an empty
// string when none has been set.
func GetCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return id
	}
	return ""
}

// ExecutionScope identifies the work a context belongs to. Logger adapters
// add its non-empty fields to every entry logged with that context.
type ExecutionScope struct {
	PlanExecutionID string
	RuntimeID       string
	QueueKey        string
}

type executionScopeKey struct{}

// WithExecutionScope replaces the execution scope carried by ctx.
func WithExecutionScope(ctx context.Context, scope ExecutionScope) context.Context {
	return context.WithValue(ctx, executionScopeKey{}, scope)
}

// ExecutionScopeFrom returns the execution scope of ctx, or the zero scope.
func ExecutionScopeFrom(ctx context.Context) ExecutionScope {
	if ctx == nil {
		return ExecutionScope{}
	}
	scope, _ := ctx.Value(executionScopeKey{}).(ExecutionScope)
	return scope
}

// GenerateCorrelationID produces a new UUIDv4 string suitable for log
// correlation. CLI entry-points should invoke this once per command execution.
func GenerateCorrelationID() string {
	return uuid.NewString()
}
