package events

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	cblog "github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"

	logginginfra "github.com/alexisbeaulieu97/pipeflow/internal/infrastructure/logging"
	"github.com/alexisbeaulieu97/pipeflow/internal/ports"
)

func newJSONLogger(t *testing.T, buf *bytes.Buffer, level string) ports.Logger {
	t.Helper()
	logger, err := logginginfra.New(logginginfra.Options{
		Writer:    buf,
		Level:     level,
		Layer:     "test",
		Component: "publisher",
		Formatter: cblog.JSONFormatter,
	})
	require.NoError(t, err)
	return logger
}

func TestLoggingPublisherIncludesCorrelationID(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	publisher := NewLoggingPublisher(newJSONLogger(t, buf, "info"))

	ctx := ports.WithCorrelationID(context.Background(), "abc-123")
	err := publisher.Publish(ctx, sampleEvent{
		eventType: ports.EventOrchestrationEnd,
		payload:   map[string]interface{}{"plan_execution_id": "exec-1", "status": "SUCCESS"},
	})
	require.NoError(t, err)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "engine event", entry["msg"])
	require.Equal(t, ports.EventOrchestrationEnd, entry["event_type"])
	require.Equal(t, "abc-123", entry["correlation_id"])
	require.Equal(t, "exec-1", entry["plan_execution_id"])
	require.Equal(t, "SUCCESS", entry["status"])
}

func TestLoggingPublisherLogsNodeEventsAtDebug(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	publisher := NewLoggingPublisher(newJSONLogger(t, buf, "info"))

	require.NoError(t, publisher.Publish(context.Background(), sampleEvent{eventType: ports.EventNodeStarted}))
	require.Zero(t, buf.Len())

	require.NoError(t, publisher.Publish(context.Background(), sampleEvent{eventType: ports.EventOrchestrationStarted}))
	require.True(t, strings.Contains(buf.String(), ports.EventOrchestrationStarted))
}

func TestLoggingPublisherInvokesAndRemovesSubscribers(t *testing.T) {
	t.Parallel()

	publisher := NewLoggingPublisher(newJSONLogger(t, &bytes.Buffer{}, "info"))

	calls := 0
	sub, err := publisher.Subscribe(ports.EventOrchestrationEnd, func(ctx context.Context, event ports.DomainEvent) error {
		calls++
		return nil
	})
	require.NoError(t, err)

	event := sampleEvent{eventType: ports.EventOrchestrationEnd}
	require.NoError(t, publisher.Publish(context.Background(), event))
	require.Equal(t, 1, calls, "subscriber should be invoked")

	sub.Unsubscribe()
	require.NoError(t, publisher.Publish(context.Background(), event))
	require.Equal(t, 1, calls, "unsubscribed handler should not run")
}

type recordingConn struct {
	subjects []string
	payloads [][]byte
}

func (c *recordingConn) Publish(subject string, data []byte) error {
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)
	return nil
}

func TestNATSPublisherForwardsEnvelope(t *testing.T) {
	t.Parallel()

	local := NewLoggingPublisher(logginginfra.NewNoOpLogger())
	localCalls := 0
	_, err := local.Subscribe(ports.EventNodeRetry, func(context.Context, ports.DomainEvent) error {
		localCalls++
		return nil
	})
	require.NoError(t, err)

	conn := &recordingConn{}
	publisher := NewNATSPublisher(local, conn, func(eventType string) string {
		return "pipeflow.events." + eventType
	}, logginginfra.NewNoOpLogger())

	ctx := ports.WithCorrelationID(context.Background(), "corr-9")
	require.NoError(t, publisher.Publish(ctx, sampleEvent{
		eventType: ports.EventNodeRetry,
		payload:   map[string]interface{}{"runtime_id": "r1"},
	}))

	require.Equal(t, 1, localCalls)
	require.Equal(t, []string{"pipeflow.events.node.retry"}, conn.subjects)

	var envelope Envelope
	require.NoError(t, json.Unmarshal(conn.payloads[0], &envelope))
	require.Equal(t, ports.EventNodeRetry, envelope.Type)
	require.Equal(t, "corr-9", envelope.CorrelationID)
	require.Equal(t, map[string]interface{}{"runtime_id": "r1"}, envelope.Payload)
}

type sampleEvent struct {
	eventType string
	payload   interface{}
}

func (e sampleEvent) EventType() string    { return e.eventType }
func (e sampleEvent) Payload() interface{} { return e.payload }
