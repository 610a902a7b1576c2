package outputs

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/alexisbeaulieu97/pipeflow/internal/domain/ambiance"
	"github.com/alexisbeaulieu97/pipeflow/internal/domain/derrors"
)

// ErrSweepingOutputNotFound signals that nothing visible was ever written
// under the requested name.
var ErrSweepingOutputNotFound = derrors.New(derrors.ErrCodeOutputNotFound, "sweeping output not found", nil)

var jsonNull = []byte("null")

// Service publishes and resolves sweeping outputs.
type Service struct {
	repo  Repository
	newID func() string
	now   func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithIDGenerator overrides record id generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		s.newID = fn
	}
}

// WithClock overrides the record timestamp source.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		s.now = fn
	}
}

// NewService constructs a Service on top of repo.
func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo:  repo,
		newID: func() string { return ulid.Make().String() },
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Consume publishes value at the producer's current level.
func (s *Service) Consume(ctx context.Context, amb *ambiance.Ambiance, name string, value interface{}) (string, error) {
	return s.Save(ctx, amb, name, value, 0)
}

// Save publishes value at the level levelsToKeep steps above the producer's
// current level. The value becomes visible to any context that still holds
// that level.
func (s *Service) Save(ctx context.Context, amb *ambiance.Ambiance, name string, value interface{}, levelsToKeep int) (string, error) {
	if amb == nil {
		return "", derrors.New(derrors.ErrCodeInternal, "ambiance is nil", nil)
	}
	depth := amb.Depth()
	if levelsToKeep < 0 || levelsToKeep >= depth {
		return "", derrors.New(derrors.ErrCodeValidation, "levels to keep outside the context stack", map[string]interface{}{
			"name":           name,
			"levels_to_keep": levelsToKeep,
			"depth":          depth,
		})
	}
	owner, _ := amb.LevelAt(depth - 1 - levelsToKeep)
	return s.write(ctx, amb, name, value, owner.RuntimeID, "", false)
}

// SaveAtGroupScope publishes value at the nearest ancestor level carrying
// group. It fails with ambiance.ErrGroupNotFound when no such level exists.
func (s *Service) SaveAtGroupScope(ctx context.Context, amb *ambiance.Ambiance, name string, value interface{}, group string) (string, error) {
	if amb == nil {
		return "", derrors.New(derrors.ErrCodeInternal, "ambiance is nil", nil)
	}
	if group == "" {
		return "", ambiance.ErrGroupNotFound.WithContext(map[string]interface{}{"name": name, "group": group})
	}
	owner, err := amb.GroupLevel(group)
	if err != nil {
		return "", err
	}
	return s.write(ctx, amb, name, value, owner.RuntimeID, group, false)
}

// SaveAtGlobalScope publishes value for the whole execution.
func (s *Service) SaveAtGlobalScope(ctx context.Context, amb *ambiance.Ambiance, name string, value interface{}) (string, error) {
	if amb == nil {
		return "", derrors.New(derrors.ErrCodeInternal, "ambiance is nil", nil)
	}
	return s.write(ctx, amb, name, value, "", "", true)
}

// Resolve returns the most specific visible value for ref. A nil value with a
// nil error means the producer explicitly published null.
func (s *Service) Resolve(ctx context.Context, amb *ambiance.Ambiance, ref RefObject) (json.RawMessage, error) {
	record, err := s.find(ctx, amb, ref)
	if err != nil {
		return nil, err
	}
	if record.Null {
		return nil, nil
	}
	return record.Value, nil
}

// ResolveInto decodes the resolved value into out. It reports false when the
// value was an explicit null and out was left untouched.
func (s *Service) ResolveInto(ctx context.Context, amb *ambiance.Ambiance, ref RefObject, out interface{}) (bool, error) {
	raw, err := s.Resolve(ctx, amb, ref)
	if err != nil {
		return false, err
	}
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, derrors.Wrap(derrors.ErrCodeValidation, "decode sweeping output", err, map[string]interface{}{
			"name": ref.Name,
		})
	}
	return true, nil
}

func (s *Service) find(ctx context.Context, amb *ambiance.Ambiance, ref RefObject) (Record, error) {
	if amb == nil {
		return Record{}, derrors.New(derrors.ErrCodeInternal, "ambiance is nil", nil)
	}
	if ref.Name == "" {
		return Record{}, derrors.New(derrors.ErrCodeValidation, "output name is required", nil)
	}

	levels := amb.Levels()
	scopes := make([]string, 0, len(levels))
	for _, level := range levels {
		scopes = append(scopes, level.RuntimeID)
	}

	records, err := s.repo.FindOutputs(ctx, amb.PlanExecutionID(), ref.Name, scopes)
	if err != nil {
		return Record{}, derrors.Wrap(derrors.ErrCodeInternal, "load sweeping outputs", err, map[string]interface{}{
			"name": ref.Name,
		})
	}

	byScope := make(map[string]Record, len(records))
	var global *Record
	for i := range records {
		record := records[i]
		if ref.ProducerID != "" && record.ProducerSetupID != ref.ProducerID {
			continue
		}
		if record.GlobalScope {
			global = &record
			continue
		}
		byScope[record.ScopeRuntimeID] = record
	}

	for i := len(levels) - 1; i >= 0; i-- {
		if record, ok := byScope[levels[i].RuntimeID]; ok {
			return record, nil
		}
	}
	if global != nil {
		return *global, nil
	}
	return Record{}, ErrSweepingOutputNotFound.WithContext(map[string]interface{}{
		"name":              ref.Name,
		"plan_execution_id": amb.PlanExecutionID(),
	})
}

func (s *Service) write(ctx context.Context, amb *ambiance.Ambiance, name string, value interface{}, scope, group string, global bool) (string, error) {
	if name == "" {
		return "", derrors.New(derrors.ErrCodeValidation, "output name is required", nil)
	}
	raw, isNull, err := encode(value)
	if err != nil {
		return "", derrors.Wrap(derrors.ErrCodeValidation, "encode sweeping output", err, map[string]interface{}{
			"name": name,
		})
	}

	stored, err := s.repo.UpsertOutput(ctx, Record{
		ID:              s.newID(),
		PlanExecutionID: amb.PlanExecutionID(),
		ScopeRuntimeID:  scope,
		ProducerSetupID: amb.CurrentSetupID(),
		Name:            name,
		GroupLabel:      group,
		GlobalScope:     global,
		Value:           raw,
		Null:            isNull,
		CreatedAt:       s.now().UTC(),
	})
	if err != nil {
		return "", derrors.Wrap(derrors.ErrCodeInternal, "store sweeping output", err, map[string]interface{}{
			"name": name,
		})
	}
	return stored.ID, nil
}

func encode(value interface{}) (json.RawMessage, bool, error) {
	var raw []byte
	switch v := value.(type) {
	case nil:
		return nil, true, nil
	case json.RawMessage:
		raw = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, false, err
		}
		raw = encoded
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, jsonNull) {
		return nil, true, nil
	}
	return json.RawMessage(append([]byte(nil), trimmed...)), false, nil
}
