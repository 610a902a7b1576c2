package ports

import "context"

const (
	// EventOrchestrationStarted is emitted when a plan execution starts its root node.
	EventOrchestrationStarted = "orchestration.started"
	// EventOrchestrationQueued is emitted when admission control queues a plan execution.
	EventOrchestrationQueued = "orchestration.queued"
	// EventOrchestrationEnd is emitted once a plan execution reaches its final status.
	EventOrchestrationEnd = "orchestration.end"
	// EventNodeStarted is emitted when a node execution moves to RUNNING.
	EventNodeStarted = "node.started"
	// EventNodeCompleted is emitted when a node execution reaches a terminal status.
	EventNodeCompleted = "node.completed"
	// EventNodeSuspended is emitted when a node execution parks on an external signal.
	EventNodeSuspended = "node.suspended"
	// EventNodeRetry is emitted when a retry attempt is scheduled.
	EventNodeRetry = "node.retry"
	// EventNodeIntervention is emitted when a node waits for an operator.
	EventNodeIntervention = "node.intervention"
)

// DomainEvent represents a significant occurrence within the engine. Events
// carry structured payloads that downstream subscribers can use for logging,
// metrics, search indexing or notifications.
type DomainEvent interface {
	EventType() string
	Payload() interface{}
}

// EventPublisher distributes events to interested subscribers. Publish blocks
// until local handlers run so observability signals appear before the
// process exits. Implementations must be thread-safe.
type EventPublisher interface {
	Publish(ctx context.Context, event DomainEvent) error
	Subscribe(eventType string, handler EventHandler) (Subscription, error)
}

// EventHandler processes an event of a specific type. Failures should be
// returned so publishers can log them and keep delivering.
type EventHandler func(context.Context, DomainEvent) error

// Subscription represents a registered handler. Callers must invoke
// Unsubscribe to stop receiving events and release resources.
type Subscription interface {
	Unsubscribe()
}
