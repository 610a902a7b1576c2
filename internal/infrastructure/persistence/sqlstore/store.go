// Package sqlstore implements ports.PersistenceStore on database/sql for
// SQLite (mattn/go-sqlite3) and PostgreSQL (pgx stdlib).
//
// Every entity is stored as a JSON body next to the columns the engine
// filters on. Status transitions are compare-and-swap updates on the status
// column, so two writers racing on the same record cannot both win.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/alexisbeaulieu97/pipeflow/internal/domain/derrors"
	"github.com/alexisbeaulieu97/pipeflow/internal/ports"
)

// Dialect selects placeholder syntax and connection tuning.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Rebind rewrites ? placeholders into the dialect's form.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d Dialect) driverName() (string, error) {
	switch d {
	case DialectSQLite:
		return "sqlite3", nil
	case DialectPostgres:
		return "pgx", nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", d)
	}
}

// Store is a SQL-backed persistence store.
type Store struct {
	db      *sql.DB
	dialect Dialect
	seq     atomic.Int64
}

// Open connects to dsn and creates the schema when missing.
func Open(ctx context.Context, dialect Dialect, dsn string) (*Store, error) {
	driver, err := dialect.driverName()
	if err != nil {
		return nil, err
	}
	if dialect == DialectSQLite && !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}

	s := &Store{db: db, dialect: dialect}
	s.seq.Store(time.Now().UnixNano())
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the connection pool for collaborators that share the database,
// such as the lease lock.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect reports the SQL dialect in use.
func (s *Store) Dialect() Dialect { return s.dialect }

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	var stmts []string
	if s.dialect == DialectSQLite {
		stmts = append(stmts,
			`PRAGMA journal_mode=WAL;`,
			`PRAGMA synchronous=NORMAL;`,
			`PRAGMA busy_timeout=5000;`,
		)
	}
	stmts = append(stmts,
		`CREATE TABLE IF NOT EXISTS plans (
  id TEXT PRIMARY KEY,
  body TEXT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS plan_executions (
  id TEXT PRIMARY KEY,
  queue_key TEXT NOT NULL,
  status TEXT NOT NULL,
  seq BIGINT NOT NULL,
  body TEXT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS plan_executions_queue ON plan_executions(queue_key, status, seq)`,
		`CREATE TABLE IF NOT EXISTS plan_metadata (
  plan_execution_id TEXT PRIMARY KEY,
  body TEXT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS node_executions (
  runtime_id TEXT PRIMARY KEY,
  plan_execution_id TEXT NOT NULL,
  parent_runtime_id TEXT NOT NULL,
  status TEXT NOT NULL,
  old_retry INTEGER NOT NULL,
  seq BIGINT NOT NULL,
  body TEXT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS node_executions_parent ON node_executions(parent_runtime_id, seq)`,
		`CREATE INDEX IF NOT EXISTS node_executions_plan ON node_executions(plan_execution_id, status)`,
		`CREATE TABLE IF NOT EXISTS sweeping_outputs (
  plan_execution_id TEXT NOT NULL,
  scope_runtime_id TEXT NOT NULL,
  global_scope INTEGER NOT NULL,
  name TEXT NOT NULL,
  body TEXT NOT NULL,
  PRIMARY KEY (plan_execution_id, scope_runtime_id, global_scope, name)
)`,
		`CREATE TABLE IF NOT EXISTS resume_callbacks (
  token TEXT PRIMARY KEY,
  created_at BIGINT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS locks (
  name TEXT PRIMARY KEY,
  owner TEXT NOT NULL,
  expires_at BIGINT NOT NULL
)`,
	)
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

// conn returns the transaction carried by ctx, or the pool.
func (s *Store) conn(ctx context.Context) queryer {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.conn(ctx).ExecContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.conn(ctx).QueryContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.conn(ctx).QueryRowContext(ctx, s.dialect.Rebind(query), args...)
}

// PerformTransaction runs fn inside a database transaction. Nested calls
// join the outer transaction.
func (s *Store) PerformTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// nextSeq orders rows by insertion across both dialects.
func (s *Store) nextSeq() int64 {
	return s.seq.Add(1)
}

func statusArgs(statuses []string) (string, []any) {
	if len(statuses) == 0 {
		return "", nil
	}
	marks := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		marks[i] = "?"
		args[i] = st
	}
	return " AND status IN (" + strings.Join(marks, ", ") + ")", args
}

func notFound(kind, id string) error {
	return derrors.New(derrors.ErrCodeNotFound, kind+" not found", map[string]interface{}{"id": id})
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ ports.PersistenceStore = (*Store)(nil)
