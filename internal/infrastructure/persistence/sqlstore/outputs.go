package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/alexisbeaulieu97/pipeflow/internal/domain/outputs"
	"github.com/alexisbeaulieu97/pipeflow/internal/ports"
)

func (s *Store) UpsertOutput(ctx context.Context, record outputs.Record) (outputs.Record, error) {
	body, err := json.Marshal(record)
	if err != nil {
		return outputs.Record{}, fmt.Errorf("encode sweeping output: %w", err)
	}
	_, err = s.exec(ctx, `
INSERT INTO sweeping_outputs (plan_execution_id, scope_runtime_id, global_scope, name, body)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(plan_execution_id, scope_runtime_id, global_scope, name) DO UPDATE SET body = excluded.body`,
		record.PlanExecutionID, record.ScopeRuntimeID, boolInt(record.GlobalScope), record.Name, string(body))
	if err != nil {
		return outputs.Record{}, fmt.Errorf("upsert sweeping output: %w", err)
	}
	return record, nil
}

func (s *Store) FindOutputs(ctx context.Context, planExecutionID, name string, scopeRuntimeIDs []string) ([]outputs.Record, error) {
	query := `SELECT body FROM sweeping_outputs WHERE plan_execution_id = ? AND name = ? AND (global_scope = 1`
	args := []any{planExecutionID, name}
	if len(scopeRuntimeIDs) > 0 {
		marks := make([]string, len(scopeRuntimeIDs))
		for i, id := range scopeRuntimeIDs {
			marks[i] = "?"
			args = append(args, id)
		}
		query += ` OR (global_scope = 0 AND scope_runtime_id IN (` + strings.Join(marks, ", ") + `))`
	}
	query += `)`

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find sweeping outputs: %w", err)
	}
	defer rows.Close()

	var out []outputs.Record
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan sweeping output: %w", err)
		}
		var record outputs.Record
		if err := json.Unmarshal([]byte(body), &record); err != nil {
			return nil, fmt.Errorf("decode sweeping output: %w", err)
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func (s *Store) SaveCallback(ctx context.Context, callback ports.Callback) error {
	_, err := s.exec(ctx, `
INSERT INTO resume_callbacks (token, created_at) VALUES (?, ?)
ON CONFLICT(token) DO NOTHING`, callback.Token, callback.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save resume callback: %w", err)
	}
	return nil
}

func (s *Store) DeleteCallback(ctx context.Context, token string) error {
	if _, err := s.exec(ctx, `DELETE FROM resume_callbacks WHERE token = ?`, token); err != nil {
		return fmt.Errorf("delete resume callback: %w", err)
	}
	return nil
}

func (s *Store) ListCallbacks(ctx context.Context) ([]ports.Callback, error) {
	rows, err := s.query(ctx, `SELECT token, created_at FROM resume_callbacks ORDER BY token ASC`)
	if err != nil {
		return nil, fmt.Errorf("list resume callbacks: %w", err)
	}
	defer rows.Close()

	var out []ports.Callback
	for rows.Next() {
		var (
			token string
			at    int64
		)
		if err := rows.Scan(&token, &at); err != nil {
			return nil, fmt.Errorf("scan resume callback: %w", err)
		}
		out = append(out, ports.Callback{Token: token, CreatedAt: time.Unix(0, at)})
	}
	return out, rows.Err()
}
