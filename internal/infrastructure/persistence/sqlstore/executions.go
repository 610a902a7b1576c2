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

func (s *Store) SavePlan(ctx context.Context, plan *execution.Plan) error {
	if plan == nil {
		return derrors.New(derrors.ErrCodeValidation, "plan is nil", nil)
	}
	body, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	_, err = s.exec(ctx, `
INSERT INTO plans (id, body) VALUES (?, ?)
ON CONFLICT(id) DO UPDATE SET body = excluded.body`, plan.ID, string(body))
	if err != nil {
		return fmt.Errorf("upsert plan: %w", err)
	}
	return nil
}

func (s *Store) GetPlan(ctx context.Context, id string) (*execution.Plan, error) {
	var body string
	err := s.queryRow(ctx, `SELECT body FROM plans WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("plan", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	var plan execution.Plan
	if err := json.Unmarshal([]byte(body), &plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return &plan, nil
}

func (s *Store) SavePlanExecution(ctx context.Context, exec *execution.PlanExecution) error {
	if exec == nil {
		return derrors.New(derrors.ErrCodeValidation, "plan execution is nil", nil)
	}
	body, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("encode plan execution: %w", err)
	}
	_, err = s.exec(ctx, `
INSERT INTO plan_executions (id, queue_key, status, seq, body) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  queue_key = excluded.queue_key,
  status = excluded.status,
  body = excluded.body`,
		exec.ID, exec.QueueKey, string(exec.Status), s.nextSeq(), string(body))
	if err != nil {
		return fmt.Errorf("upsert plan execution: %w", err)
	}
	return nil
}

func (s *Store) GetPlanExecution(ctx context.Context, id string) (*execution.PlanExecution, error) {
	var body string
	err := s.queryRow(ctx, `SELECT body FROM plan_executions WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("plan execution", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get plan execution: %w", err)
	}
	return decodePlanExecution(body)
}

func (s *Store) UpdatePlanExecutionStatus(ctx context.Context, id string, status execution.Status, allowedFrom []execution.Status, mutate ports.PlanExecutionMutation) (*execution.PlanExecution, error) {
	current, err := s.GetPlanExecution(ctx, id)
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
	body, err := json.Marshal(current)
	if err != nil {
		return nil, fmt.Errorf("encode plan execution: %w", err)
	}
	res, err := s.exec(ctx, `UPDATE plan_executions SET status = ?, body = ? WHERE id = ? AND status = ?`,
		string(status), string(body), id, string(previous))
	if err != nil {
		return nil, fmt.Errorf("update plan execution status: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return nil, err
	}
	return current, nil
}

func (s *Store) NextQueuedPlanExecution(ctx context.Context, queueKey string) (*execution.PlanExecution, error) {
	var body string
	err := s.queryRow(ctx, `
SELECT body FROM plan_executions
WHERE queue_key = ? AND status = ?
ORDER BY seq ASC LIMIT 1`, queueKey, string(execution.StatusQueued)).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next queued plan execution: %w", err)
	}
	return decodePlanExecution(body)
}

func (s *Store) CountPlanExecutions(ctx context.Context, queueKey string, statuses []execution.Status) (int, error) {
	clause, args := statusArgs(statusStrings(statuses))
	var count int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM plan_executions WHERE queue_key = ?`+clause,
		append([]any{queueKey}, args...)...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count plan executions: %w", err)
	}
	return count, nil
}

func (s *Store) ListPlanExecutions(ctx context.Context, statuses []execution.Status) ([]*execution.PlanExecution, error) {
	clause, args := statusArgs(statusStrings(statuses))
	rows, err := s.query(ctx, `SELECT body FROM plan_executions WHERE 1 = 1`+clause+` ORDER BY seq ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list plan executions: %w", err)
	}
	defer rows.Close()

	var out []*execution.PlanExecution
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan plan execution: %w", err)
		}
		exec, err := decodePlanExecution(body)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func (s *Store) SaveMetadata(ctx context.Context, metadata *execution.Metadata) error {
	if metadata == nil {
		return derrors.New(derrors.ErrCodeValidation, "metadata is nil", nil)
	}
	body, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.exec(ctx, `
INSERT INTO plan_metadata (plan_execution_id, body) VALUES (?, ?)
ON CONFLICT(plan_execution_id) DO UPDATE SET body = excluded.body`, metadata.PlanExecutionID, string(body))
	if err != nil {
		return fmt.Errorf("upsert metadata: %w", err)
	}
	return nil
}

func (s *Store) GetMetadata(ctx context.Context, planExecutionID string) (*execution.Metadata, error) {
	var body string
	err := s.queryRow(ctx, `SELECT body FROM plan_metadata WHERE plan_execution_id = ?`, planExecutionID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("plan execution metadata", planExecutionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get metadata: %w", err)
	}
	var metadata execution.Metadata
	if err := json.Unmarshal([]byte(body), &metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &metadata, nil
}

func decodePlanExecution(body string) (*execution.PlanExecution, error) {
	var exec execution.PlanExecution
	if err := json.Unmarshal([]byte(body), &exec); err != nil {
		return nil, fmt.Errorf("decode plan execution: %w", err)
	}
	return &exec, nil
}

func statusStrings(statuses []execution.Status) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}
