// Package messaging owns the NATS connection shared by the event publisher
// and the wait-token bridge.
package messaging

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/alexisbeaulieu97/pipeflow/internal/ports"
)

// ConnectionConfig holds configuration for a NATS connection.
type ConnectionConfig struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
	Token         string
	Username      string
	Password      string
	// SubjectPrefix namespaces every subject the engine publishes on.
	SubjectPrefix string
}

// DefaultConnectionConfig returns a configuration with sensible defaults.
func DefaultConnectionConfig(url string) ConnectionConfig {
	return ConnectionConfig{
		URL:           url,
		Name:          "pipeflow",
		MaxReconnects: 10,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
		SubjectPrefix: "pipeflow",
	}
}

// Subject joins the configured prefix with parts using NATS token separators.
func (c ConnectionConfig) Subject(parts ...string) string {
	prefix := strings.Trim(c.SubjectPrefix, ".")
	if prefix == "" {
		prefix = "pipeflow"
	}
	return prefix + "." + strings.Join(parts, ".")
}

// Connect establishes a NATS connection, giving up when ctx ends first.
func Connect(ctx context.Context, cfg ConnectionConfig, logger ports.Logger) (*nats.Conn, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats url cannot be empty")
	}
	if logger == nil {
		return nil, fmt.Errorf("nats connect: logger is required")
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn(context.Background(), "nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info(context.Background(), "nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Debug(context.Background(), "nats connection closed")
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	} else if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	type result struct {
		conn *nats.Conn
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(cfg.URL, opts...)
		resultCh <- result{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("nats connect cancelled: %w", ctx.Err())
	case res := <-resultCh:
		if res.err != nil {
			return nil, fmt.Errorf("connect to nats: %w", res.err)
		}
		return res.conn, nil
	}
}

// Close drains and closes conn. A nil connection is ignored.
func Close(conn *nats.Conn) error {
	if conn == nil {
		return nil
	}
	if err := conn.Drain(); err != nil {
		conn.Close()
		return fmt.Errorf("drain nats connection: %w", err)
	}
	return nil
}
