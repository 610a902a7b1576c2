// Package workers runs engine work items on a bounded set of goroutines.
package workers

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/alexisbeaulieu97/pipeflow/internal/domain/derrors"
	"github.com/alexisbeaulieu97/pipeflow/internal/infrastructure/logging"
	"github.com/alexisbeaulieu97/pipeflow/internal/ports"
)

// DefaultQueueSize is used when the configured queue size is not positive.
const DefaultQueueSize = 256

// ErrPoolClosed is returned by Submit after Shutdown.
var ErrPoolClosed = derrors.New(derrors.ErrCodeState, "worker pool is closed", nil)

type job struct {
	ctx context.Context
	fn  func(context.Context)
}

// Pool executes submitted functions on a fixed number of workers. Submit
// never blocks the caller, so a worker may submit follow-up work without
// deadlocking the pool.
type Pool struct {
	workers int
	jobs    chan job
	logger  ports.Logger
	metrics ports.MetricsCollector

	mu      sync.Mutex
	started bool
	closed  bool
	stop    chan struct{}
	exited  chan struct{}
	cause   error
	pending sync.WaitGroup

	inflight int
	idle     chan struct{}
}

// PoolOption configures a pool instance.
type PoolOption func(*Pool)

// WithLogger injects a logger.
func WithLogger(logger ports.Logger) PoolOption {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics injects a metrics collector.
func WithMetrics(metrics ports.MetricsCollector) PoolOption {
	return func(p *Pool) {
		p.metrics = metrics
	}
}

// NewPool constructs a pool with the given worker count and queue size.
func NewPool(workers, queueSize int, opts ...PoolOption) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	p := &Pool{
		workers: workers,
		jobs:    make(chan job, queueSize),
		logger:  logging.NewNoOpLogger(),
		stop:    make(chan struct{}),
		idle:    make(chan struct{}),
	}
	close(p.idle)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the workers. They run until Shutdown or until ctx ends; in
// the latter case the pool closes itself and Submit reports the cause.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	p.exited = make(chan struct{})

	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		worker := i
		group.Go(func() error {
			return p.work(groupCtx, worker)
		})
	}
	go p.reap(group)
}

// work returns nil after Shutdown and the context's cause otherwise, which
// cancels the remaining workers through the group.
func (p *Pool) work(ctx context.Context, worker int) error {
	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-p.stop:
			return nil
		case j := <-p.jobs:
			p.run(worker, j)
		}
	}
}

// reap waits for every worker, closes the pool and drops the jobs nobody
// will run so Wait does not block on them.
func (p *Pool) reap(group *errgroup.Group) {
	err := group.Wait()

	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.stop)
	}
	p.cause = err
	p.mu.Unlock()
	if err != nil {
		p.logger.Error(context.Background(), "worker pool stopped", "error", err)
	}

	p.pending.Wait()
	for dropped := false; !dropped; {
		select {
		case <-p.jobs:
			p.done()
		default:
			dropped = true
		}
	}
	close(p.exited)
}

func (p *Pool) run(worker int, j job) {
	defer p.done()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error(j.ctx, "worker job panicked",
				"worker", worker,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			if p.metrics != nil {
				p.metrics.IncCounter(j.ctx, "pipeflow_worker_panics_total", nil)
			}
		}
	}()
	j.fn(j.ctx)
}

// Submit enqueues fn. When the queue is full the job is handed over by a
// helper goroutine so the caller never waits.
func (p *Pool) Submit(ctx context.Context, fn func(context.Context)) error {
	if fn == nil {
		return derrors.New(derrors.ErrCodeValidation, "job is nil", nil)
	}
	p.mu.Lock()
	if p.closed {
		cause := p.cause
		p.mu.Unlock()
		if cause != nil {
			return derrors.Wrap(derrors.ErrCodeState, ErrPoolClosed.Message, cause, nil)
		}
		return ErrPoolClosed
	}
	if p.inflight == 0 {
		p.idle = make(chan struct{})
	}
	p.inflight++
	defer p.mu.Unlock()

	// Enqueue under the lock so reap never drains before a job lands.
	j := job{ctx: context.WithoutCancel(ctx), fn: fn}
	select {
	case p.jobs <- j:
		return nil
	default:
	}

	p.pending.Add(1)
	go func() {
		defer p.pending.Done()
		select {
		case p.jobs <- j:
		case <-p.stop:
			p.done()
		}
	}()
	return nil
}

// Wait blocks until every submitted job has finished or ctx is done. Jobs
// submitted while waiting are waited for as well.
func (p *Pool) Wait(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.inflight == 0 {
			p.mu.Unlock()
			return nil
		}
		idle := p.idle
		p.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Pool) done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inflight--
	if p.inflight == 0 {
		close(p.idle)
	}
}

// Shutdown stops accepting work and waits for the workers to exit. Jobs still
// queued are dropped.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.stop)
	}
	exited := p.exited
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.pending.Wait()
		if exited != nil {
			<-exited
		}
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ ports.WorkerSubmitter = (*Pool)(nil)
