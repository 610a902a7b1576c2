package outputs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/pipeflow/internal/domain/ambiance"
	"github.com/alexisbeaulieu97/pipeflow/internal/domain/derrors"
)

type mapRepository struct {
	mu      sync.Mutex
	records map[Key]Record
}

func newMapRepository() *mapRepository {
	return &mapRepository{records: make(map[Key]Record)}
}

func (r *mapRepository) UpsertOutput(_ context.Context, record Record) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[record.Key()] = record
	return record, nil
}

func (r *mapRepository) FindOutputs(_ context.Context, planExecutionID, name string, scopes []string) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wanted := make(map[string]bool, len(scopes))
	for _, s := range scopes {
		wanted[s] = true
	}
	var out []Record
	for key, record := range r.records {
		if key.PlanExecutionID != planExecutionID || key.Name != name {
			continue
		}
		if key.GlobalScope || wanted[key.ScopeRuntimeID] {
			out = append(out, record)
		}
	}
	return out, nil
}

func newTestService() *Service {
	n := 0
	var mu sync.Mutex
	return NewService(newMapRepository(), WithIDGenerator(func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("out-%d", n)
	}))
}

// tree builds pipeline > stage > {stepA, stepB}.
func tree() (stage, stepA, stepB *ambiance.Ambiance) {
	root := ambiance.New("exec-1", "plan-1", nil, 0).
		CloneForChild(ambiance.Level{RuntimeID: "r-pipe", SetupID: "s-pipe", Group: ambiance.GroupPipeline})
	stage = root.CloneForChild(ambiance.Level{RuntimeID: "r-stage", SetupID: "s-stage", Group: ambiance.GroupStage})
	stepA = stage.CloneForChild(ambiance.Level{RuntimeID: "r-a", SetupID: "s-a", Group: ambiance.GroupStep})
	stepB = stage.CloneForChild(ambiance.Level{RuntimeID: "r-b", SetupID: "s-b", Group: ambiance.GroupStep})
	return stage, stepA, stepB
}

func TestConsumeIsInvisibleToSiblings(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := newTestService()
	stage, stepA, stepB := tree()

	_, err := svc.Consume(ctx, stepA, "x", 1)
	require.NoError(t, err)

	raw, err := svc.Resolve(ctx, stepA, RefObject{Name: "x"})
	require.NoError(t, err)
	assert.JSONEq(t, "1", string(raw))

	_, err = svc.Resolve(ctx, stepB, RefObject{Name: "x"})
	require.ErrorIs(t, err, ErrSweepingOutputNotFound)

	// After the stage finishes, a cousin under the pipeline still cannot see it.
	parent, err := stage.CloneForFinish()
	require.NoError(t, err)
	cousin := parent.CloneForChild(ambiance.Level{RuntimeID: "r-stage2", SetupID: "s-stage2", Group: ambiance.GroupStage})
	_, err = svc.Resolve(ctx, cousin, RefObject{Name: "x"})
	require.ErrorIs(t, err, ErrSweepingOutputNotFound)
}

func TestSaveOneLevelUpIsVisibleToSiblingAndCousin(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := newTestService()
	stage, stepA, stepB := tree()

	_, err := svc.Save(ctx, stepA, "x", 1, 1)
	require.NoError(t, err)

	var got int
	ok, err := svc.ResolveInto(ctx, stepB, RefObject{Name: "x"}, &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, got)

	// Visible from the stage itself and from any new child of the stage.
	_, err = svc.Resolve(ctx, stage, RefObject{Name: "x"})
	require.NoError(t, err)
	later := stage.CloneForChild(ambiance.Level{RuntimeID: "r-c", SetupID: "s-c"})
	_, err = svc.Resolve(ctx, later, RefObject{Name: "x"})
	require.NoError(t, err)

	// A sibling stage cannot see it, because the owner is the first stage.
	pipeline, err := stage.CloneForFinish()
	require.NoError(t, err)
	otherStage := pipeline.CloneForChild(ambiance.Level{RuntimeID: "r-stage2"})
	_, err = svc.Resolve(ctx, otherStage, RefObject{Name: "x"})
	require.ErrorIs(t, err, ErrSweepingOutputNotFound)

	// Two levels up reaches the pipeline, which every stage shares.
	_, err = svc.Save(ctx, stepA, "y", "shared", 2)
	require.NoError(t, err)
	raw, err := svc.Resolve(ctx, otherStage, RefObject{Name: "y"})
	require.NoError(t, err)
	assert.JSONEq(t, `"shared"`, string(raw))
}

func TestNullWriteIsDistinctFromMissing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := newTestService()
	_, stepA, _ := tree()

	_, err := svc.Consume(ctx, stepA, "maybe", nil)
	require.NoError(t, err)

	raw, err := svc.Resolve(ctx, stepA, RefObject{Name: "maybe"})
	require.NoError(t, err)
	assert.Nil(t, raw)

	var out string
	ok, err := svc.ResolveInto(ctx, stepA, RefObject{Name: "maybe"}, &out)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = svc.Consume(ctx, stepA, "explicit", json.RawMessage("null"))
	require.NoError(t, err)
	raw, err = svc.Resolve(ctx, stepA, RefObject{Name: "explicit"})
	require.NoError(t, err)
	assert.Nil(t, raw)

	_, err = svc.Resolve(ctx, stepA, RefObject{Name: "never"})
	require.ErrorIs(t, err, ErrSweepingOutputNotFound)
}

func TestSaveAtGroupScope(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := newTestService()
	_, stepA, stepB := tree()

	_, err := svc.SaveAtGroupScope(ctx, stepA, "artifact", map[string]string{"tag": "v1"}, ambiance.GroupStage)
	require.NoError(t, err)

	raw, err := svc.Resolve(ctx, stepB, RefObject{Name: "artifact"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"tag":"v1"}`, string(raw))

	for _, value := range []interface{}{nil, 1, "text"} {
		_, err = svc.SaveAtGroupScope(ctx, stepA, "artifact", value, ambiance.GroupStepGroup)
		require.ErrorIs(t, err, ambiance.ErrGroupNotFound)
	}
}

func TestSaveAtGroupScopeRejectsEmptyGroup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := newTestService()
	_, stepA, stepB := tree()

	_, err := svc.SaveAtGroupScope(ctx, stepA, "artifact", "v1", "")
	require.ErrorIs(t, err, ambiance.ErrGroupNotFound)
	assert.True(t, derrors.HasCode(err, derrors.ErrCodeGroupNotFound))

	_, err = svc.Resolve(ctx, stepB, RefObject{Name: "artifact"})
	require.ErrorIs(t, err, ErrSweepingOutputNotFound)
}

func TestDefaultRecordIDsAreULIDs(t *testing.T) {
	t.Parallel()
	svc := NewService(newMapRepository())
	_, stepA, _ := tree()

	first, err := svc.Consume(context.Background(), stepA, "a", 1)
	require.NoError(t, err)
	second, err := svc.Consume(context.Background(), stepA, "b", 2)
	require.NoError(t, err)

	for _, id := range []string{first, second} {
		_, err := ulid.ParseStrict(id)
		require.NoError(t, err, id)
	}
	assert.NotEqual(t, first, second)
}

func TestGlobalScopeAndShadowing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := newTestService()
	_, stepA, stepB := tree()

	_, err := svc.SaveAtGlobalScope(ctx, stepA, "region", "eu")
	require.NoError(t, err)

	detached := ambiance.New("exec-1", "plan-1", nil, 0).CloneForChild(ambiance.Level{RuntimeID: "elsewhere"})
	raw, err := svc.Resolve(ctx, detached, RefObject{Name: "region"})
	require.NoError(t, err)
	assert.JSONEq(t, `"eu"`, string(raw))

	// A level-scoped write shadows the global one for contexts that hold it.
	_, err = svc.Consume(ctx, stepB, "region", "us")
	require.NoError(t, err)
	raw, err = svc.Resolve(ctx, stepB, RefObject{Name: "region"})
	require.NoError(t, err)
	assert.JSONEq(t, `"us"`, string(raw))

	raw, err = svc.Resolve(ctx, stepA, RefObject{Name: "region"})
	require.NoError(t, err)
	assert.JSONEq(t, `"eu"`, string(raw))

	other := ambiance.New("exec-2", "plan-1", nil, 0).CloneForChild(ambiance.Level{RuntimeID: "r-a"})
	_, err = svc.Resolve(ctx, other, RefObject{Name: "region"})
	require.ErrorIs(t, err, ErrSweepingOutputNotFound)
}

func TestLastWriterWinsAtSharedScope(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := newTestService()
	_, stepA, _ := tree()

	_, err := svc.SaveAtGlobalScope(ctx, stepA, "counter", 1)
	require.NoError(t, err)
	_, err = svc.SaveAtGlobalScope(ctx, stepA, "counter", 2)
	require.NoError(t, err)

	raw, err := svc.Resolve(ctx, stepA, RefObject{Name: "counter"})
	require.NoError(t, err)
	assert.JSONEq(t, "2", string(raw))
}

func TestProducerFilter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := newTestService()
	_, stepA, stepB := tree()

	_, err := svc.Save(ctx, stepA, "x", "from-a", 1)
	require.NoError(t, err)

	_, err = svc.Resolve(ctx, stepB, RefObject{Name: "x", ProducerID: "s-a"})
	require.NoError(t, err)
	_, err = svc.Resolve(ctx, stepB, RefObject{Name: "x", ProducerID: "s-b"})
	require.ErrorIs(t, err, ErrSweepingOutputNotFound)
}

func TestSaveRejectsBadArguments(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := newTestService()
	_, stepA, _ := tree()

	_, err := svc.Save(ctx, stepA, "x", 1, 3)
	require.Error(t, err)
	_, err = svc.Save(ctx, stepA, "x", 1, -1)
	require.Error(t, err)
	_, err = svc.Consume(ctx, stepA, "", 1)
	require.Error(t, err)
	_, err = svc.Consume(ctx, stepA, "fn", func() {})
	require.Error(t, err)
}
