package lock

import (
	"context"
	"sync"
	"time"

	"github.com/alexisbeaulieu97/pipeflow/internal/ports"
)

type memoryEntry struct {
	token    string
	expires  time.Time
	released chan struct{}
}

// Memory is a process-local lock table.
type Memory struct {
	owner string
	now   func() time.Time

	mu    sync.Mutex
	locks map[string]*memoryEntry
}

// NewMemory returns an empty lock table.
func NewMemory() *Memory {
	return &Memory{
		owner: DefaultOwner(),
		now:   time.Now,
		locks: make(map[string]*memoryEntry),
	}
}

// Acquire waits up to wait for name to become free and holds it for at most
// hold.
func (m *Memory) Acquire(ctx context.Context, name string, wait, hold time.Duration) (ports.LockHandle, error) {
	deadline := m.now().Add(wait)
	for {
		m.mu.Lock()
		now := m.now()
		entry, held := m.locks[name]
		if !held || !now.Before(entry.expires) {
			if held {
				close(entry.released)
			}
			token := holderToken(m.owner)
			m.locks[name] = &memoryEntry{token: token, expires: now.Add(hold), released: make(chan struct{})}
			m.mu.Unlock()
			return &memoryHandle{table: m, name: name, token: token}, nil
		}
		released := entry.released
		expires := entry.expires
		m.mu.Unlock()

		remaining := deadline.Sub(now)
		if remaining <= 0 {
			return nil, ports.ErrLockUnavailable.WithContext(map[string]interface{}{"lock": name})
		}
		if untilExpiry := expires.Sub(now); untilExpiry < remaining {
			remaining = untilExpiry
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-released:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (m *Memory) release(name, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.locks[name]
	if !ok || entry.token != token {
		return
	}
	delete(m.locks, name)
	close(entry.released)
}

type memoryHandle struct {
	table *Memory
	name  string
	token string
	once  sync.Once
}

func (h *memoryHandle) Release(context.Context) error {
	h.once.Do(func() { h.table.release(h.name, h.token) })
	return nil
}

var _ ports.DistributedLock = (*Memory)(nil)
