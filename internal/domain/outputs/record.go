// Package outputs implements sweeping outputs: values published by one node
// and visible to others according to the execution context stack.
//
// A record is owned either by one level of the stack (identified by that
// level's runtime id) or by the whole execution. Resolution walks the
// resolver's stack from the deepest level outward and then checks the
// execution scope, so a value published at a level is only visible to
// contexts that still contain that level.
package outputs

import (
	"context"
	"encoding/json"
	"time"
)

// Record is one stored sweeping output.
type Record struct {
	ID              string          `json:"id"`
	PlanExecutionID string          `json:"planExecutionId"`
	ScopeRuntimeID  string          `json:"scopeRuntimeId,omitempty"`
	ProducerSetupID string          `json:"producerSetupId,omitempty"`
	Name            string          `json:"name"`
	GroupLabel      string          `json:"groupLabel,omitempty"`
	GlobalScope     bool            `json:"globalScope"`
	Value           json.RawMessage `json:"value,omitempty"`
	Null            bool            `json:"null"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// Key identifies the single visible slot a record occupies.
type Key struct {
	PlanExecutionID string
	ScopeRuntimeID  string
	GlobalScope     bool
	Name            string
}

// Key returns the slot the record is written to.
func (r Record) Key() Key {
	return Key{
		PlanExecutionID: r.PlanExecutionID,
		ScopeRuntimeID:  r.ScopeRuntimeID,
		GlobalScope:     r.GlobalScope,
		Name:            r.Name,
	}
}

// RefObject names the output a resolver is looking for. ProducerID, when
// set, restricts matches to records published by that setup id.
type RefObject struct {
	Name       string
	ProducerID string
}

// Repository persists records. Upsert must replace the record occupying the
// same Key atomically so concurrent writers at a shared scope observe last
// writer wins and never a partial value.
type Repository interface {
	UpsertOutput(ctx context.Context, record Record) (Record, error)
	// FindOutputs returns the records named name that are owned by any of the
	// given scope runtime ids or by the execution scope.
	FindOutputs(ctx context.Context, planExecutionID, name string, scopeRuntimeIDs []string) ([]Record, error)
}
