package logging

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/alexisbeaulieu97/pipeflow/internal/ports"
)

// ZerologLogger implements ports.Logger on top of zerolog. It is the adapter
// used for machine-readable output in long-running processes.
type ZerologLogger struct {
	base   zerolog.Logger
	fields []interface{}
	layer  string
}

// NewZerolog creates a zerolog-backed logger. humanReadable switches to
// zerolog's console writer.
func NewZerolog(opts Options, humanReadable bool) (*ZerologLogger, error) {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		level = parsed
	}

	output := opts.writer()
	if humanReadable {
		console := zerolog.NewConsoleWriter()
		console.Out = opts.writer()
		console.TimeFormat = time.RFC3339
		if opts.TimeFormat != "" {
			console.TimeFormat = opts.TimeFormat
		}
		output = console
	}

	builder := zerolog.New(output).Level(level).With().Timestamp()
	if opts.ReportCaller {
		builder = builder.Caller()
	}
	for _, kv := range pairs(mapToFields(opts.Fields)) {
		builder = builder.Interface(kv.key, kv.value)
	}

	return &ZerologLogger{base: builder.Logger(), fields: opts.persistent(), layer: opts.layer()}, nil
}

func (l *ZerologLogger) Debug(ctx context.Context, msg string, fields ...interface{}) {
	l.log(ctx, zerolog.DebugLevel, msg, fields...)
}

func (l *ZerologLogger) Info(ctx context.Context, msg string, fields ...interface{}) {
	l.log(ctx, zerolog.InfoLevel, msg, fields...)
}

func (l *ZerologLogger) Warn(ctx context.Context, msg string, fields ...interface{}) {
	l.log(ctx, zerolog.WarnLevel, msg, fields...)
}

func (l *ZerologLogger) Error(ctx context.Context, msg string, fields ...interface{}) {
	l.log(ctx, zerolog.ErrorLevel, msg, fields...)
}

// With derives a new logger with persistent fields.
func (l *ZerologLogger) With(fields ...interface{}) ports.Logger {
	if l == nil {
		return NewNoOpLogger()
	}
	return &ZerologLogger{base: l.base, fields: appendFields(l.fields, fields), layer: l.layer}
}

func (l *ZerologLogger) log(ctx context.Context, level zerolog.Level, msg string, fields ...interface{}) {
	if l == nil {
		return
	}
	event := l.base.WithLevel(level)
	if event == nil {
		return
	}
	for _, kv := range entryFields(ctx, l.layer, l.fields, fields) {
		if err, ok := kv.value.(error); ok {
			event = event.AnErr(kv.key, err)
			continue
		}
		event = event.Interface(kv.key, kv.value)
	}
	event.Msg(msg)
}

var _ ports.Logger = (*ZerologLogger)(nil)
