package waitnotify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/alexisbeaulieu97/pipeflow/internal/ports"
)

// DefaultQueueGroup load-balances notifications across engine processes.
const DefaultQueueGroup = "pipeflow-resume"

// Bus is the subset of NATS the bridge depends on, so tests can run without
// a server.
type Bus interface {
	Publish(subject string, data []byte) error
	QueueSubscribe(subject, queue string, handler func(data []byte)) (unsubscribe func() error, err error)
}

// WrapNATS adapts a NATS connection to Bus.
func WrapNATS(conn *nats.Conn) Bus {
	return &natsBus{conn: conn}
}

type natsBus struct {
	conn *nats.Conn
}

func (b *natsBus) Publish(subject string, data []byte) error {
	return b.conn.Publish(subject, data)
}

func (b *natsBus) QueueSubscribe(subject, queue string, handler func(data []byte)) (func() error, error) {
	sub, err := b.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}

type notification struct {
	Token         string    `json:"token"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	SentAt        time.Time `json:"sent_at"`
}

// Bridge publishes notifications on NATS and feeds the ones it receives to
// the local dispatcher, so any process may pick up a released queue slot.
type Bridge struct {
	local   *Dispatcher
	bus     Bus
	subject string
	queue   string
	logger  ports.Logger

	mu          sync.Mutex
	unsubscribe func() error
}

// NewBridge wires local to bus on subject.
func NewBridge(local *Dispatcher, bus Bus, subject string, logger ports.Logger) *Bridge {
	if logger == nil {
		logger = local.logger
	}
	return &Bridge{
		local:   local,
		bus:     bus,
		subject: subject,
		queue:   DefaultQueueGroup,
		logger:  logger,
	}
}

// Start subscribes to the notification subject.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unsubscribe != nil {
		return nil
	}
	unsubscribe, err := b.bus.QueueSubscribe(b.subject, b.queue, func(data []byte) {
		var msg notification
		if err := json.Unmarshal(data, &msg); err != nil {
			b.logger.Warn(ctx, "discarding malformed wait notification", "subject", b.subject, "error", err)
			return
		}
		msgCtx := ctx
		if msg.CorrelationID != "" {
			msgCtx = ports.WithCorrelationID(ctx, msg.CorrelationID)
		}
		if err := b.local.Notify(msgCtx, msg.Token); err != nil {
			b.logger.Warn(msgCtx, "wait notification not delivered", "token", msg.Token, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.subject, err)
	}
	b.unsubscribe = unsubscribe
	return nil
}

// Register persists the registration through the local dispatcher.
func (b *Bridge) Register(ctx context.Context, token string) error {
	return b.local.Register(ctx, token)
}

// Notify publishes the notification. When publishing fails the notification
// is delivered locally instead.
func (b *Bridge) Notify(ctx context.Context, token string) error {
	data, err := json.Marshal(notification{
		Token:         token,
		CorrelationID: ports.GetCorrelationID(ctx),
		SentAt:        time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode wait notification: %w", err)
	}
	if err := b.bus.Publish(b.subject, data); err != nil {
		b.logger.Warn(ctx, "publishing wait notification failed; delivering locally", "token", token, "error", err)
		return b.local.Notify(ctx, token)
	}
	return nil
}

// Stop unsubscribes from NATS.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unsubscribe == nil {
		return nil
	}
	err := b.unsubscribe()
	b.unsubscribe = nil
	return err
}

var _ ports.WaitNotifier = (*Bridge)(nil)
