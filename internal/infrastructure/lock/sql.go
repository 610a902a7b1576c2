package lock

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/alexisbeaulieu97/pipeflow/internal/infrastructure/persistence/sqlstore"
	"github.com/alexisbeaulieu97/pipeflow/internal/ports"
)

const defaultPollInterval = 50 * time.Millisecond

// SQL is a lease lock stored in the locks table of the SQL store. A lease
// whose expires_at has passed may be taken over by any process.
type SQL struct {
	db      *sql.DB
	dialect sqlstore.Dialect
	owner   string
	poll    time.Duration
	now     func() time.Time
}

// NewSQL returns a lease lock sharing the store's database.
func NewSQL(store *sqlstore.Store) *SQL {
	return &SQL{
		db:      store.DB(),
		dialect: store.Dialect(),
		owner:   DefaultOwner(),
		poll:    defaultPollInterval,
		now:     time.Now,
	}
}

func (l *SQL) Acquire(ctx context.Context, name string, wait, hold time.Duration) (ports.LockHandle, error) {
	token := holderToken(l.owner)
	deadline := l.now().Add(wait)
	for {
		ok, err := l.tryAcquire(ctx, name, token, hold)
		if err != nil {
			return nil, err
		}
		if ok {
			return &sqlHandle{lock: l, name: name, token: token}, nil
		}
		if !l.now().Before(deadline) {
			return nil, ports.ErrLockUnavailable.WithContext(map[string]interface{}{"lock": name})
		}
		timer := time.NewTimer(l.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *SQL) tryAcquire(ctx context.Context, name, token string, hold time.Duration) (bool, error) {
	now := l.now()
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin lock transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, l.dialect.Rebind(`DELETE FROM locks WHERE name = ? AND expires_at <= ?`),
		name, now.UnixNano()); err != nil {
		return false, fmt.Errorf("expire lock: %w", err)
	}
	res, err := tx.ExecContext(ctx, l.dialect.Rebind(`
INSERT INTO locks (name, owner, expires_at) VALUES (?, ?, ?)
ON CONFLICT(name) DO NOTHING`), name, token, now.Add(hold).UnixNano())
	if err != nil {
		return false, fmt.Errorf("insert lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert lock: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit lock: %w", err)
	}
	return n == 1, nil
}

type sqlHandle struct {
	lock  *SQL
	name  string
	token string
	once  sync.Once
	err   error
}

func (h *sqlHandle) Release(ctx context.Context) error {
	h.once.Do(func() {
		_, err := h.lock.db.ExecContext(ctx, h.lock.dialect.Rebind(`DELETE FROM locks WHERE name = ? AND owner = ?`),
			h.name, h.token)
		if err != nil {
			h.err = fmt.Errorf("release lock: %w", err)
		}
	})
	return h.err
}

var _ ports.DistributedLock = (*SQL)(nil)
