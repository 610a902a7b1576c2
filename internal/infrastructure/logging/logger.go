package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	cblog "github.com/charmbracelet/log"

	"github.com/alexisbeaulieu97/pipeflow/internal/ports"
)

// Output formats understood by NewFromFormat.
const (
	FormatText    = "text"
	FormatJSON    = "json"
	FormatConsole = "console"
)

const defaultLayer = "infrastructure"

// Options configures the logging adapters. Formatter only applies to the
// charmbracelet/log adapter.
type Options struct {
	Writer       io.Writer
	Level        string
	TimeFormat   string
	ReportCaller bool
	Formatter    cblog.Formatter
	Layer        string
	Component    string
	Fields       map[string]interface{}
}

func (o Options) writer() io.Writer {
	if o.Writer == nil {
		return os.Stdout
	}
	return o.Writer
}

func (o Options) layer() string {
	if o.Layer == "" {
		return defaultLayer
	}
	return o.Layer
}

func (o Options) persistent() []interface{} {
	if o.Component == "" {
		return nil
	}
	return []interface{}{"component", o.Component}
}

// NewFromFormat picks the adapter for format: charmbracelet/log for text
// output and zerolog for json and console output.
func NewFromFormat(format string, opts Options) (ports.Logger, error) {
	switch strings.ToLower(format) {
	case "", FormatText:
		return New(opts)
	case FormatJSON:
		return NewZerolog(opts, false)
	case FormatConsole:
		return NewZerolog(opts, true)
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// Logger implements ports.Logger using charmbracelet/log. Entries carry the
// plan execution, node and queue of the context they are logged with.
type Logger struct {
	logger *cblog.Logger
	fields []interface{}
	layer  string
}

// New creates a charmbracelet/log adapter.
func New(opts Options) (*Logger, error) {
	level := cblog.InfoLevel
	if opts.Level != "" {
		parsed, err := cblog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		level = parsed
	}

	base := cblog.NewWithOptions(opts.writer(), cblog.Options{
		Level:           level,
		TimeFormat:      opts.TimeFormat,
		ReportTimestamp: true,
		ReportCaller:    opts.ReportCaller,
		Formatter:       opts.Formatter,
		Fields:          mapToFields(opts.Fields),
	})
	return &Logger{logger: base, fields: opts.persistent(), layer: opts.layer()}, nil
}

func (l *Logger) Debug(ctx context.Context, msg string, fields ...interface{}) {
	l.log(ctx, cblog.DebugLevel, msg, fields)
}

func (l *Logger) Info(ctx context.Context, msg string, fields ...interface{}) {
	l.log(ctx, cblog.InfoLevel, msg, fields)
}

func (l *Logger) Warn(ctx context.Context, msg string, fields ...interface{}) {
	l.log(ctx, cblog.WarnLevel, msg, fields)
}

func (l *Logger) Error(ctx context.Context, msg string, fields ...interface{}) {
	l.log(ctx, cblog.ErrorLevel, msg, fields)
}

// With derives a logger that adds fields to every entry.
func (l *Logger) With(fields ...interface{}) ports.Logger {
	if l == nil {
		return NewNoOpLogger()
	}
	return &Logger{logger: l.logger, fields: appendFields(l.fields, fields), layer: l.layer}
}

func (l *Logger) log(ctx context.Context, level cblog.Level, msg string, fields []interface{}) {
	if l == nil || l.logger == nil {
		return
	}
	l.logger.Log(level, msg, flatten(entryFields(ctx, l.layer, l.fields, fields))...)
}

// appendFields copies base so loggers derived from the same parent never
// share a backing array.
func appendFields(base, more []interface{}) []interface{} {
	out := make([]interface{}, 0, len(base)+len(more))
	out = append(out, base...)
	return append(out, more...)
}

func mapToFields(input map[string]interface{}) []interface{} {
	if len(input) == 0 {
		return nil
	}
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	res := make([]interface{}, 0, len(input)*2)
	for _, k := range keys {
		res = append(res, k, input[k])
	}
	return res
}

var _ ports.Logger = (*Logger)(nil)
