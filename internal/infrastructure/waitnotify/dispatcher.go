// Package waitnotify delivers wait-token notifications to the resume
// handler. Registrations are stored durably so they survive restarts;
// notifications for one token are handled one at a time in arrival order.
package waitnotify

import (
	"context"
	"sync"
	"time"

	"github.com/alexisbeaulieu97/pipeflow/internal/domain/derrors"
	"github.com/alexisbeaulieu97/pipeflow/internal/infrastructure/logging"
	"github.com/alexisbeaulieu97/pipeflow/internal/ports"
)

// Handler reacts to a notification for token.
type Handler func(ctx context.Context, token string)

const defaultBacklog = 64

// Dispatcher is the in-process ports.WaitNotifier.
type Dispatcher struct {
	callbacks ports.CallbackRepository
	logger    ports.Logger
	now       func() time.Time

	mu      sync.Mutex
	handler Handler
	queues  map[string]chan context.Context
	closed  bool
	wg      sync.WaitGroup
}

// DispatcherOption configures a dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger injects a logger.
func WithLogger(logger ports.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithClock overrides the registration timestamp source.
func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDispatcher returns a dispatcher persisting registrations in callbacks.
func NewDispatcher(callbacks ports.CallbackRepository, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		callbacks: callbacks,
		logger:    logging.NewNoOpLogger(),
		now:       time.Now,
		queues:    make(map[string]chan context.Context),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle sets the function that receives notifications.
func (d *Dispatcher) Handle(handler Handler) {
	d.mu.Lock()
	d.handler = handler
	d.mu.Unlock()
}

// Register records that token has a resume handler. Registering the same
// token twice keeps the original registration.
func (d *Dispatcher) Register(ctx context.Context, token string) error {
	if token == "" {
		return derrors.New(derrors.ErrCodeValidation, "wait token is required", nil)
	}
	if d.callbacks == nil {
		return nil
	}
	return d.callbacks.SaveCallback(ctx, ports.Callback{Token: token, CreatedAt: d.now()})
}

// Registered reports the tokens with a durable registration.
func (d *Dispatcher) Registered(ctx context.Context) ([]string, error) {
	if d.callbacks == nil {
		return nil, nil
	}
	callbacks, err := d.callbacks.ListCallbacks(ctx)
	if err != nil {
		return nil, err
	}
	tokens := make([]string, 0, len(callbacks))
	for _, cb := range callbacks {
		tokens = append(tokens, cb.Token)
	}
	return tokens, nil
}

// Notify queues a notification for token. It does not wait for the handler.
func (d *Dispatcher) Notify(ctx context.Context, token string) error {
	if token == "" {
		return derrors.New(derrors.ErrCodeValidation, "wait token is required", nil)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return derrors.New(derrors.ErrCodeState, "wait dispatcher is closed", map[string]interface{}{"token": token})
	}
	queue, ok := d.queues[token]
	if !ok {
		queue = make(chan context.Context, defaultBacklog)
		d.queues[token] = queue
		d.wg.Add(1)
		go d.consume(token, queue)
	}
	select {
	case queue <- context.WithoutCancel(ctx):
		return nil
	default:
		// Backlog full; a queued run will observe this token's state.
		d.logger.Debug(ctx, "wait notification coalesced", "token", token)
		return nil
	}
}

func (d *Dispatcher) consume(token string, queue chan context.Context) {
	defer d.wg.Done()
	for ctx := range queue {
		d.mu.Lock()
		handler := d.handler
		d.mu.Unlock()
		if handler == nil {
			d.logger.Warn(ctx, "wait notification dropped: no handler", "token", token)
			continue
		}
		d.invoke(ctx, handler, token)
	}
}

func (d *Dispatcher) invoke(ctx context.Context, handler Handler, token string) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error(ctx, "wait handler panicked", "token", token, "panic", r)
		}
	}()
	handler(ctx, token)
}

// Close stops accepting notifications and waits for queued ones to finish.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, queue := range d.queues {
		close(queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ ports.WaitNotifier = (*Dispatcher)(nil)
