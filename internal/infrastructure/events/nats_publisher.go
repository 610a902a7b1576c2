package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/alexisbeaulieu97/pipeflow/internal/ports"
)

// Envelope is the wire form of an engine event on NATS.
type Envelope struct {
	Type          string      `json:"type"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	PublishedAt   time.Time   `json:"published_at"`
	Payload       interface{} `json:"payload,omitempty"`
}

// Publisher is the subset of *nats.Conn the NATS publisher needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher forwards every event to NATS after delivering it to a local
// publisher. Subscriptions stay local; remote consumers subscribe on NATS.
type NATSPublisher struct {
	local   ports.EventPublisher
	conn    Publisher
	subject func(eventType string) string
	logger  ports.Logger
	now     func() time.Time
}

// NewNATSPublisher wraps local. subject maps an event type to its NATS subject.
func NewNATSPublisher(local ports.EventPublisher, conn Publisher, subject func(eventType string) string, logger ports.Logger) *NATSPublisher {
	return &NATSPublisher{
		local:   local,
		conn:    conn,
		subject: subject,
		logger:  logger,
		now:     time.Now,
	}
}

// Publish delivers locally, then on NATS. A NATS failure is returned so the
// caller can log it; local delivery has already happened.
func (p *NATSPublisher) Publish(ctx context.Context, event ports.DomainEvent) error {
	if event == nil {
		return nil
	}
	if p.local != nil {
		if err := p.local.Publish(ctx, event); err != nil && p.logger != nil {
			p.logger.Warn(ctx, "local event delivery failed", "event_type", event.EventType(), "error", err)
		}
	}
	if p.conn == nil {
		return nil
	}

	data, err := json.Marshal(Envelope{
		Type:          event.EventType(),
		CorrelationID: ports.GetCorrelationID(ctx),
		PublishedAt:   p.now().UTC(),
		Payload:       event.Payload(),
	})
	if err != nil {
		return fmt.Errorf("encode event %s: %w", event.EventType(), err)
	}
	if err := p.conn.Publish(p.subject(event.EventType()), data); err != nil {
		return fmt.Errorf("publish event %s: %w", event.EventType(), err)
	}
	return nil
}

// Subscribe registers a local handler.
func (p *NATSPublisher) Subscribe(eventType string, handler ports.EventHandler) (ports.Subscription, error) {
	if p.local == nil {
		return noopSubscription{}, nil
	}
	return p.local.Subscribe(eventType, handler)
}

var (
	_ ports.EventPublisher = (*NATSPublisher)(nil)
	_ Publisher            = (*nats.Conn)(nil)
)
