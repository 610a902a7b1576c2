// Package admission limits how many executions of one pipeline run at once.
package admission

import (
	"context"

	"github.com/alexisbeaulieu97/pipeflow/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipeflow/internal/ports"
)

// Counter is the persistence the limiter reads.
type Counter interface {
	CountPlanExecutions(ctx context.Context, queueKey string, statuses []execution.Status) (int, error)
}

// Limiter admits a new execution while fewer than max executions of the
// same pipeline are running and none are already waiting. A max of zero
// disables admission control.
type Limiter struct {
	store Counter
	max   int
	// accountLimits overrides max per account.
	accountLimits map[string]int
}

// Option configures a limiter.
type Option func(*Limiter)

// WithAccountLimit sets the limit for one account.
func WithAccountLimit(accountID string, max int) Option {
	return func(l *Limiter) {
		l.accountLimits[accountID] = max
	}
}

// NewLimiter returns a limiter allowing max concurrent executions per
// pipeline.
func NewLimiter(store Counter, max int, opts ...Option) *Limiter {
	l := &Limiter{store: store, max: max, accountLimits: make(map[string]int)}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

var runningStatuses = []execution.Status{
	execution.StatusRunning,
	execution.StatusAsyncWaiting,
	execution.StatusDiscontinuing,
	execution.StatusInterventionWaiting,
	execution.StatusPaused,
	execution.StatusWaiting,
}

func (l *Limiter) limit(accountID string) int {
	if max, ok := l.accountLimits[accountID]; ok {
		return max
	}
	return l.max
}

// ShouldQueue implements ports.AdmissionController.
func (l *Limiter) ShouldQueue(ctx context.Context, accountID, queueKey string) (ports.AdmissionDecision, error) {
	max := l.limit(accountID)
	if max <= 0 {
		return ports.AdmissionDecision{}, nil
	}
	queued, err := l.store.CountPlanExecutions(ctx, queueKey, []execution.Status{execution.StatusQueued})
	if err != nil {
		return ports.AdmissionDecision{}, err
	}
	if queued > 0 {
		return ports.AdmissionDecision{ShouldQueue: true, UseNewFlow: true}, nil
	}
	running, err := l.store.CountPlanExecutions(ctx, queueKey, runningStatuses)
	if err != nil {
		return ports.AdmissionDecision{}, err
	}
	return ports.AdmissionDecision{ShouldQueue: running >= max, UseNewFlow: true}, nil
}

// Capacity reports how many more executions of queueKey may start now.
func (l *Limiter) Capacity(ctx context.Context, accountID, queueKey string) (int, error) {
	max := l.limit(accountID)
	if max <= 0 {
		return -1, nil
	}
	running, err := l.store.CountPlanExecutions(ctx, queueKey, runningStatuses)
	if err != nil {
		return 0, err
	}
	if running >= max {
		return 0, nil
	}
	return max - running, nil
}

var _ ports.AdmissionController = (*Limiter)(nil)
