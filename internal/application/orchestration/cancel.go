package orchestration

import (
	"context"
	"sync"
)

// cancelRegistry tracks one cancellable context per plan execution running in
// this process. Aborting cancels it, which reaches every executor derived from
// it through bind.
type cancelRegistry struct {
	mu      sync.Mutex
	entries map[string]*cancelEntry
}

type cancelEntry struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func newCancelRegistry() *cancelRegistry {
	return &cancelRegistry{entries: make(map[string]*cancelEntry)}
}

func (r *cancelRegistry) entry(planExecutionID string) *cancelEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[planExecutionID]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		e = &cancelEntry{ctx: ctx, cancel: cancel}
		r.entries[planExecutionID] = e
	}
	return e
}

// bind derives a context from ctx that is also cancelled when the plan
// execution is cancelled. The returned release must be called once the work
// is done.
func (r *cancelRegistry) bind(ctx context.Context, planExecutionID string) (context.Context, func()) {
	e := r.entry(planExecutionID)
	bound, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(e.ctx, cancel)
	return bound, func() {
		stop()
		cancel()
	}
}

// cancel signals every bound context of planExecutionID. Executions with no
// bound work in this process are left alone.
func (r *cancelRegistry) cancel(planExecutionID string) {
	r.mu.Lock()
	e, ok := r.entries[planExecutionID]
	r.mu.Unlock()
	if ok {
		e.cancel()
	}
}

// release drops the entry once the plan execution is final.
func (r *cancelRegistry) release(planExecutionID string) {
	r.mu.Lock()
	e, ok := r.entries[planExecutionID]
	delete(r.entries, planExecutionID)
	r.mu.Unlock()
	if ok {
		e.cancel()
	}
}
