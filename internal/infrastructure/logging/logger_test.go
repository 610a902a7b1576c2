package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	cblog "github.com/charmbracelet/log"

	"github.com/alexisbeaulieu97/pipeflow/internal/ports"
)

func TestLoggerIncludesCorrelationIDAndLayer(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{
		Writer:     &buf,
		Level:      "debug",
		Formatter:  cblog.JSONFormatter,
		Layer:      "infrastructure",
		Component:  "plan_loader",
		TimeFormat: "2006-01-02T15:04:05Z07:00",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx := ports.WithCorrelationID(context.Background(), "abc123")
	logger.Info(ctx, "loaded plan", "path", "/tmp/plan.yaml")

	line := strings.TrimSpace(buf.String())
	if line == "" {
		t.Fatal("expected log output, got empty string")
	}

	payload := make(map[string]interface{})
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		t.Fatalf("failed to parse log line %q: %v", line, err)
	}

	if payload["layer"] != "infrastructure" {
		t.Fatalf("expected layer to be infrastructure, got %v", payload["layer"])
	}
	if payload["component"] != "plan_loader" {
		t.Fatalf("expected component field, got %v", payload["component"])
	}
	if payload["correlation_id"] != "abc123" {
		t.Fatalf("expected correlation_id to be abc123, got %v", payload["correlation_id"])
	}
	if payload["path"] != "/tmp/plan.yaml" {
		t.Fatalf("expected path to be recorded, got %v", payload["path"])
	}
	if payload["msg"] != "loaded plan" {
		t.Fatalf("expected message to be recorded, got %v", payload["msg"])
	}
}

func TestLoggerWithAddsFields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{
		Writer:    &buf,
		Formatter: cblog.JSONFormatter,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	child := logger.With("component", "node_strategy").(*Logger)
	child.Warn(context.Background(), "node failed", "runtime_id", "build")

	line := strings.TrimSpace(buf.String())
	payload := make(map[string]interface{})
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		t.Fatalf("failed to parse log line: %v", err)
	}

	if payload["component"] != "node_strategy" {
		t.Fatalf("expected component=node_strategy, got %v", payload["component"])
	}
	if payload["runtime_id"] != "build" {
		t.Fatalf("expected runtime_id build, got %v", payload["runtime_id"])
	}
	if payload["layer"] != "infrastructure" {
		t.Fatalf("expected default layer infrastructure, got %v", payload["layer"])
	}
}

func TestNoOpLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{
		Writer:    &buf,
		Formatter: cblog.JSONFormatter,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	noOp := NewNoOpLogger()
	noOp.Info(context.Background(), "hello world")

	if buf.Len() != 0 {
		t.Fatalf("expected no output from noop logger, got %s", buf.String())
	}

	if noOp.With("key", "value") != noOp {
		t.Fatalf("expected With on the no-op logger to return a no-op logger")
	}

	// Base logger still writes.
	logger.Info(context.Background(), "emitted")
	if buf.Len() == 0 {
		t.Fatal("expected base logger to write output")
	}
}

func TestZerologLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewFromFormat(FormatJSON, Options{
		Writer:    &buf,
		Level:     "debug",
		Layer:     "application",
		Component: "node_strategy",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx := ports.WithCorrelationID(context.Background(), "run-7")
	logger.With("plan_execution_id", "exec-1").Error(ctx, "node errored", "runtime_id", "r1", "error", errors.New("boom"))

	payload := make(map[string]interface{})
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &payload); err != nil {
		t.Fatalf("failed to parse log line %q: %v", buf.String(), err)
	}

	expect := map[string]interface{}{
		"level":             "error",
		"message":           "node errored",
		"layer":             "application",
		"component":         "node_strategy",
		"plan_execution_id": "exec-1",
		"runtime_id":        "r1",
		"correlation_id":    "run-7",
		"error":             "boom",
	}
	for key, want := range expect {
		if payload[key] != want {
			t.Fatalf("expected %s=%v, got %v", key, want, payload[key])
		}
	}
}

func TestZerologLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewZerolog(Options{Writer: &buf, Level: "warn"}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	logger.Info(context.Background(), "hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %s", buf.String())
	}
	logger.Warn(context.Background(), "shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("expected warn output, got %s", buf.String())
	}
}

func TestNewFromFormatRejectsUnknownFormat(t *testing.T) {
	if _, err := NewFromFormat("xml", Options{}); err == nil {
		t.Fatal("expected error for unknown format")
	}
	if _, err := NewFromFormat(FormatText, Options{Level: "loud"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestLoggersReportExecutionScope(t *testing.T) {
	scope := ports.ExecutionScope{PlanExecutionID: "exec-9", RuntimeID: "rt-3", QueueKey: "acct:org:proj:pipe"}
	ctx := ports.WithExecutionScope(context.Background(), scope)

	for _, format := range []string{FormatText, FormatJSON} {
		var buf bytes.Buffer
		logger, err := NewFromFormat(format, Options{Writer: &buf, Formatter: cblog.JSONFormatter})
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", format, err)
		}
		logger.Info(ctx, "node started", "status", "RUNNING")

		payload := make(map[string]interface{})
		if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &payload); err != nil {
			t.Fatalf("%s: failed to parse log line %q: %v", format, buf.String(), err)
		}
		expect := map[string]interface{}{
			KeyPlanExecutionID: "exec-9",
			KeyRuntimeID:       "rt-3",
			KeyQueueKey:        "acct:org:proj:pipe",
			"status":           "RUNNING",
		}
		for key, want := range expect {
			if payload[key] != want {
				t.Fatalf("%s: expected %s=%v, got %v", format, key, want, payload[key])
			}
		}
	}
}

func TestExplicitFieldsOverrideExecutionScope(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewZerolog(Options{Writer: &buf}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := ports.WithExecutionScope(context.Background(), ports.ExecutionScope{PlanExecutionID: "finished", RuntimeID: "old"})
	ctx = ports.WithExecutionScope(ctx, ports.ExecutionScope{QueueKey: "q"})
	logger.With("plan_execution_id", "next").Info(ctx, "queued plan execution resumed")

	payload := make(map[string]interface{})
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &payload); err != nil {
		t.Fatalf("failed to parse log line %q: %v", buf.String(), err)
	}
	if payload[KeyPlanExecutionID] != "next" {
		t.Fatalf("expected explicit plan_execution_id to win, got %v", payload[KeyPlanExecutionID])
	}
	if _, ok := payload[KeyRuntimeID]; ok {
		t.Fatalf("expected the replaced scope to drop runtime_id, got %v", payload[KeyRuntimeID])
	}
	if payload[KeyQueueKey] != "q" {
		t.Fatalf("expected queue_key q, got %v", payload[KeyQueueKey])
	}
}
