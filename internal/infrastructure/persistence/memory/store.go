// Package memory provides an in-process PersistenceStore used by tests and
// single-shot CLI runs.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/alexisbeaulieu97/pipeflow/internal/domain/derrors"
	"github.com/alexisbeaulieu97/pipeflow/internal/domain/execution"
	"github.com/alexisbeaulieu97/pipeflow/internal/domain/outputs"
	"github.com/alexisbeaulieu97/pipeflow/internal/infrastructure/persistence"
	"github.com/alexisbeaulieu97/pipeflow/internal/ports"
)

// Store keeps every record in maps guarded by one mutex. Transactions roll
// back their own writes on error but are not isolated from concurrent
// writers.
type Store struct {
	mu sync.Mutex

	seq       int64
	plans     map[string][]byte
	execs     map[string]*execution.PlanExecution
	execSeq   map[string]int64
	metadata  map[string]*execution.Metadata
	nodes     map[string]*execution.NodeExecution
	nodeSeq   map[string]int64
	outputs   map[outputs.Key]outputs.Record
	callbacks map[string]ports.Callback
}

// New returns an empty store.
func New() *Store {
	return &Store{
		plans:     make(map[string][]byte),
		execs:     make(map[string]*execution.PlanExecution),
		execSeq:   make(map[string]int64),
		metadata:  make(map[string]*execution.Metadata),
		nodes:     make(map[string]*execution.NodeExecution),
		nodeSeq:   make(map[string]int64),
		outputs:   make(map[outputs.Key]outputs.Record),
		callbacks: make(map[string]ports.Callback),
	}
}

type txKey struct{}

type journal struct {
	undo []func()
}

// PerformTransaction runs fn and undoes its writes when it fails. Nested
// calls join the outer transaction.
func (s *Store) PerformTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*journal); ok {
		return fn(ctx)
	}
	j := &journal{}
	if err := fn(context.WithValue(ctx, txKey{}, j)); err != nil {
		s.mu.Lock()
		for i := len(j.undo) - 1; i >= 0; i-- {
			j.undo[i]()
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

// remember registers an undo step. Callers hold s.mu.
func (s *Store) remember(ctx context.Context, undo func()) {
	if j, ok := ctx.Value(txKey{}).(*journal); ok {
		j.undo = append(j.undo, undo)
	}
}

func (s *Store) SavePlan(ctx context.Context, plan *execution.Plan) error {
	if plan == nil {
		return derrors.New(derrors.ErrCodeValidation, "plan is nil", nil)
	}
	encoded, err := json.Marshal(plan)
	if err != nil {
		return derrors.Wrap(derrors.ErrCodeInternal, "encode plan", err, map[string]interface{}{"plan_id": plan.ID})
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.plans[plan.ID]
	s.remember(ctx, func() {
		if existed {
			s.plans[plan.ID] = prev
		} else {
			delete(s.plans, plan.ID)
		}
	})
	s.plans[plan.ID] = encoded
	return nil
}

func (s *Store) GetPlan(_ context.Context, id string) (*execution.Plan, error) {
	s.mu.Lock()
	encoded, ok := s.plans[id]
	s.mu.Unlock()
	if !ok {
		return nil, notFound("plan", id)
	}
	var plan execution.Plan
	if err := json.Unmarshal(encoded, &plan); err != nil {
		return nil, derrors.Wrap(derrors.ErrCodeInternal, "decode plan", err, map[string]interface{}{"plan_id": id})
	}
	return &plan, nil
}

func (s *Store) SavePlanExecution(ctx context.Context, exec *execution.PlanExecution) error {
	if exec == nil {
		return derrors.New(derrors.ErrCodeValidation, "plan execution is nil", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.execs[exec.ID]
	prevSeq := s.execSeq[exec.ID]
	s.remember(ctx, func() {
		if existed {
			s.execs[exec.ID] = prev
			s.execSeq[exec.ID] = prevSeq
		} else {
			delete(s.execs, exec.ID)
			delete(s.execSeq, exec.ID)
		}
	})
	if !existed {
		s.seq++
		s.execSeq[exec.ID] = s.seq
	}
	s.execs[exec.ID] = persistence.ClonePlanExecution(exec)
	return nil
}

func (s *Store) GetPlanExecution(_ context.Context, id string) (*execution.PlanExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[id]
	if !ok {
		return nil, notFound("plan execution", id)
	}
	return persistence.ClonePlanExecution(exec), nil
}

func (s *Store) UpdatePlanExecutionStatus(ctx context.Context, id string, status execution.Status, allowedFrom []execution.Status, mutate ports.PlanExecutionMutation) (*execution.PlanExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.execs[id]
	if !ok || !persistence.ContainsStatus(allowedFrom, current.Status) {
		return nil, nil
	}
	next := persistence.ClonePlanExecution(current)
	next.Status = status
	if mutate != nil {
		mutate(next)
	}
	s.remember(ctx, func() { s.execs[id] = current })
	s.execs[id] = next
	return persistence.ClonePlanExecution(next), nil
}

func (s *Store) NextQueuedPlanExecution(_ context.Context, queueKey string) (*execution.PlanExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *execution.PlanExecution
	for id, exec := range s.execs {
		if exec.QueueKey != queueKey || exec.Status != execution.StatusQueued {
			continue
		}
		if best == nil || s.execSeq[id] < s.execSeq[best.ID] {
			best = exec
		}
	}
	return persistence.ClonePlanExecution(best), nil
}

func (s *Store) CountPlanExecutions(_ context.Context, queueKey string, statuses []execution.Status) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, exec := range s.execs {
		if exec.QueueKey == queueKey && persistence.ContainsStatus(statuses, exec.Status) {
			count++
		}
	}
	return count, nil
}

func (s *Store) ListPlanExecutions(_ context.Context, statuses []execution.Status) ([]*execution.PlanExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*execution.PlanExecution, 0, len(s.execs))
	for _, exec := range s.execs {
		if persistence.ContainsStatus(statuses, exec.Status) {
			out = append(out, persistence.ClonePlanExecution(exec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.execSeq[out[i].ID] < s.execSeq[out[j].ID] })
	return out, nil
}

func (s *Store) SaveMetadata(ctx context.Context, metadata *execution.Metadata) error {
	if metadata == nil {
		return derrors.New(derrors.ErrCodeValidation, "metadata is nil", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.metadata[metadata.PlanExecutionID]
	s.remember(ctx, func() {
		if existed {
			s.metadata[metadata.PlanExecutionID] = prev
		} else {
			delete(s.metadata, metadata.PlanExecutionID)
		}
	})
	s.metadata[metadata.PlanExecutionID] = persistence.CloneMetadata(metadata)
	return nil
}

func (s *Store) GetMetadata(_ context.Context, planExecutionID string) (*execution.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	metadata, ok := s.metadata[planExecutionID]
	if !ok {
		return nil, notFound("plan execution metadata", planExecutionID)
	}
	return persistence.CloneMetadata(metadata), nil
}

func (s *Store) SaveNodeExecution(ctx context.Context, node *execution.NodeExecution) error {
	if node == nil {
		return derrors.New(derrors.ErrCodeValidation, "node execution is nil", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.nodes[node.RuntimeID]
	prevSeq := s.nodeSeq[node.RuntimeID]
	s.remember(ctx, func() {
		if existed {
			s.nodes[node.RuntimeID] = prev
			s.nodeSeq[node.RuntimeID] = prevSeq
		} else {
			delete(s.nodes, node.RuntimeID)
			delete(s.nodeSeq, node.RuntimeID)
		}
	})
	if !existed {
		s.seq++
		s.nodeSeq[node.RuntimeID] = s.seq
	}
	s.nodes[node.RuntimeID] = persistence.CloneNodeExecution(node)
	return nil
}

func (s *Store) GetNodeExecution(_ context.Context, runtimeID string) (*execution.NodeExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[runtimeID]
	if !ok {
		return nil, notFound("node execution", runtimeID)
	}
	return persistence.CloneNodeExecution(node), nil
}

func (s *Store) UpdateNodeExecutionStatus(ctx context.Context, runtimeID string, status execution.Status, allowedFrom []execution.Status, mutate ports.NodeExecutionMutation) (*execution.NodeExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.nodes[runtimeID]
	if !ok || !persistence.ContainsStatus(allowedFrom, current.Status) {
		return nil, nil
	}
	next := persistence.CloneNodeExecution(current)
	next.Status = status
	if mutate != nil {
		mutate(next)
	}
	s.remember(ctx, func() { s.nodes[runtimeID] = current })
	s.nodes[runtimeID] = next
	return persistence.CloneNodeExecution(next), nil
}

func (s *Store) UpdateNodeExecution(ctx context.Context, runtimeID string, mutate ports.NodeExecutionMutation) (*execution.NodeExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.nodes[runtimeID]
	if !ok {
		return nil, notFound("node execution", runtimeID)
	}
	next := persistence.CloneNodeExecution(current)
	if mutate != nil {
		mutate(next)
	}
	next.Status = current.Status
	s.remember(ctx, func() { s.nodes[runtimeID] = current })
	s.nodes[runtimeID] = next
	return persistence.CloneNodeExecution(next), nil
}

func (s *Store) ListChildren(_ context.Context, parentRuntimeID string, includeOldRetries bool) ([]*execution.NodeExecution, error) {
	return s.listNodes(func(node *execution.NodeExecution) bool {
		return node.ParentRuntimeID == parentRuntimeID && (includeOldRetries || !node.OldRetry)
	}), nil
}

func (s *Store) ListNodeExecutions(_ context.Context, planExecutionID string, statuses []execution.Status) ([]*execution.NodeExecution, error) {
	return s.listNodes(func(node *execution.NodeExecution) bool {
		return node.PlanExecutionID == planExecutionID && persistence.ContainsStatus(statuses, node.Status)
	}), nil
}

func (s *Store) listNodes(keep func(*execution.NodeExecution) bool) []*execution.NodeExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*execution.NodeExecution, 0)
	for _, node := range s.nodes {
		if keep(node) {
			out = append(out, persistence.CloneNodeExecution(node))
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.nodeSeq[out[i].RuntimeID] < s.nodeSeq[out[j].RuntimeID] })
	return out
}

func (s *Store) UpsertOutput(ctx context.Context, record outputs.Record) (outputs.Record, error) {
	record.Value = append([]byte(nil), record.Value...)
	key := record.Key()
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.outputs[key]
	s.remember(ctx, func() {
		if existed {
			s.outputs[key] = prev
		} else {
			delete(s.outputs, key)
		}
	})
	s.outputs[key] = record
	return record, nil
}

func (s *Store) FindOutputs(_ context.Context, planExecutionID, name string, scopeRuntimeIDs []string) ([]outputs.Record, error) {
	wanted := make(map[string]bool, len(scopeRuntimeIDs))
	for _, id := range scopeRuntimeIDs {
		wanted[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []outputs.Record
	for key, record := range s.outputs {
		if key.PlanExecutionID != planExecutionID || key.Name != name {
			continue
		}
		if key.GlobalScope || wanted[key.ScopeRuntimeID] {
			record.Value = append([]byte(nil), record.Value...)
			out = append(out, record)
		}
	}
	return out, nil
}

func (s *Store) SaveCallback(ctx context.Context, callback ports.Callback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.callbacks[callback.Token]
	s.remember(ctx, func() {
		if existed {
			s.callbacks[callback.Token] = prev
		} else {
			delete(s.callbacks, callback.Token)
		}
	})
	if existed {
		callback.CreatedAt = prev.CreatedAt
	}
	s.callbacks[callback.Token] = callback
	return nil
}

func (s *Store) DeleteCallback(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.callbacks[token]
	if !existed {
		return nil
	}
	s.remember(ctx, func() { s.callbacks[token] = prev })
	delete(s.callbacks, token)
	return nil
}

func (s *Store) ListCallbacks(context.Context) ([]ports.Callback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ports.Callback, 0, len(s.callbacks))
	for _, cb := range s.callbacks {
		out = append(out, cb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out, nil
}

// Close implements ports.PersistenceStore.
func (s *Store) Close() error { return nil }

func notFound(kind, id string) error {
	return derrors.New(derrors.ErrCodeNotFound, kind+" not found", map[string]interface{}{"id": id})
}

var _ ports.PersistenceStore = (*Store)(nil)
