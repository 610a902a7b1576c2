package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alexisbeaulieu97/pipeflow/internal/domain/derrors"
	"github.com/alexisbeaulieu97/pipeflow/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipeflow/internal/infrastructure/persistence"
	"github.com/alexisbeaulieu97/pipeflow/internal/ports"
)

func (s *Store) SaveNodeExecution(ctx context.Context, node *execution.NodeExecution) error {
	if node == nil {
		return derrors.New(derrors.ErrCodeValidation, "node execution is nil", nil)
	}
	body, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("encode node execution: %w", err)
	}
	_, err = s.exec(ctx, `
INSERT INTO node_executions (runtime_id, plan_execution_id, parent_runtime_id, status, old_retry, seq, body)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(runtime_id) DO UPDATE SET
  plan_execution_id = excluded.plan_execution_id,
  parent_runtime_id = excluded.parent_runtime_id,
  status = excluded.status,
  old_retry = excluded.old_retry,
  body = excluded.body`,
		node.RuntimeID, node.PlanExecutionID, node.ParentRuntimeID, string(node.Status),
		boolInt(node.OldRetry), s.nextSeq(), string(body))
	if err != nil {
		return fmt.Errorf("upsert node execution: %w", err)
	}
	return nil
}

func (s *Store) GetNodeExecution(ctx context.Context, runtimeID string) (*execution.NodeExecution, error) {
	var body string
	err := s.queryRow(ctx, `SELECT body FROM node_executions WHERE runtime_id = ?`, runtimeID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("node execution", runtimeID)
	}
	if err != nil {
		return nil, fmt.Errorf("get node execution: %w", err)
	}
	return decodeNodeExecution(body)
}

func (s *Store) UpdateNodeExecutionStatus(ctx context.Context, runtimeID string, status execution.Status, allowedFrom []execution.Status, mutate ports.NodeExecutionMutation) (*execution.NodeExecution, error) {
	current, err := s.GetNodeExecution(ctx, runtimeID)
	if derrors.HasCode(err, derrors.ErrCodeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !persistence.ContainsStatus(allowedFrom, current.Status) {
		return nil, nil
	}
	previous := current.Status
	current.Status = status
	if mutate != nil {
		mutate(current)
	}
	current.Status = status
	ok, err := s.swapNode(ctx, current, previous)
	if err != nil || !ok {
		return nil, err
	}
	return current, nil
}

func (s *Store) UpdateNodeExecution(ctx context.Context, runtimeID string, mutate ports.NodeExecutionMutation) (*execution.NodeExecution, error) {
	current, err := s.GetNodeExecution(ctx, runtimeID)
	if err != nil {
		return nil, err
	}
	status := current.Status
	if mutate != nil {
		mutate(current)
	}
	current.Status = status
	ok, err := s.swapNode(ctx, current, status)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, derrors.New(derrors.ErrCodeConflict, "node execution changed concurrently", map[string]interface{}{
			"runtime_id": runtimeID,
		})
	}
	return current, nil
}

// swapNode writes node when the stored status still equals previous.
func (s *Store) swapNode(ctx context.Context, node *execution.NodeExecution, previous execution.Status) (bool, error) {
	body, err := json.Marshal(node)
	if err != nil {
		return false, fmt.Errorf("encode node execution: %w", err)
	}
	res, err := s.exec(ctx, `
UPDATE node_executions SET status = ?, old_retry = ?, body = ?
WHERE runtime_id = ? AND status = ?`,
		string(node.Status), boolInt(node.OldRetry), string(body), node.RuntimeID, string(previous))
	if err != nil {
		return false, fmt.Errorf("update node execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update node execution: %w", err)
	}
	return n > 0, nil
}

func (s *Store) ListChildren(ctx context.Context, parentRuntimeID string, includeOldRetries bool) ([]*execution.NodeExecution, error) {
	query := `SELECT body FROM node_executions WHERE parent_runtime_id = ?`
	if !includeOldRetries {
		query += ` AND old_retry = 0`
	}
	return s.listNodes(ctx, query+` ORDER BY seq ASC`, parentRuntimeID)
}

func (s *Store) ListNodeExecutions(ctx context.Context, planExecutionID string, statuses []execution.Status) ([]*execution.NodeExecution, error) {
	clause, args := statusArgs(statusStrings(statuses))
	return s.listNodes(ctx, `SELECT body FROM node_executions WHERE plan_execution_id = ?`+clause+` ORDER BY seq ASC`,
		append([]any{planExecutionID}, args...)...)
}

func (s *Store) listNodes(ctx context.Context, query string, args ...any) ([]*execution.NodeExecution, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list node executions: %w", err)
	}
	defer rows.Close()

	var out []*execution.NodeExecution
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan node execution: %w", err)
		}
		node, err := decodeNodeExecution(body)
		if err != nil {
			return nil, err
		}
		out = append(out, node)
	}
	return out, rows.Err()
}

func decodeNodeExecution(body string) (*execution.NodeExecution, error) {
	var node execution.NodeExecution
	if err := json.Unmarshal([]byte(body), &node); err != nil {
		return nil, fmt.Errorf("decode node execution: %w", err)
	}
	return &node, nil
}
