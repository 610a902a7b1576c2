package logging

import (
	"context"

	"github.com/alexisbeaulieu97/pipeflow/internal/ports"
)

// discard drops every entry. Components fall back to it until a real logger
// is injected.
type discard struct{}

// NewNoOpLogger returns a ports.Logger that drops every entry.
func NewNoOpLogger() ports.Logger { return discard{} }

func (discard) Debug(context.Context, string, ...interface{}) {}
func (discard) Info(context.Context, string, ...interface{})  {}
func (discard) Warn(context.Context, string, ...interface{})  {}
func (discard) Error(context.Context, string, ...interface{}) {}
func (d discard) With(...interface{}) ports.Logger            { return d }
