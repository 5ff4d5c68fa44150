// Package bridge mirrors delivered messages onto NATS subjects so systems
// outside the process can observe agent traffic. The forwarder registers
// push delivery handlers on the broker; each delivered message is JSON
// encoded and published to `<prefix>.<agentID>`. Egress is best effort:
// publish failures are logged and counted, never surfaced into delivery.
package bridge

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/agentmesh/agentmesh/broker"
	"github.com/agentmesh/agentmesh/core"
)

// DefaultSubjectPrefix is used when the config leaves the prefix empty.
const DefaultSubjectPrefix = "agentmesh.messages"

// Publisher publishes raw bytes to a subject. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Connect dials NATS with reconnect-friendly defaults. Options append to
// the defaults, so callers can override them.
func Connect(url string, opts ...nats.Option) (*nats.Conn, error) {
	base := []nats.Option{
		nats.Name("agentmesh-bridge"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}
	conn, err := nats.Connect(url, append(base, opts...)...)
	if err != nil {
		return nil, core.NewIntegrationError("bridge", "failed to connect to NATS", err)
	}
	return conn, nil
}

// Config wires the forwarder's collaborators.
type Config struct {
	SubjectPrefix string
	Logger        core.Logger
	Telemetry     core.Telemetry
}

// Forwarder publishes delivered messages for bound agents. Closing stops
// forwarding; already-registered handlers become no-ops.
type Forwarder struct {
	broker    *broker.Broker
	publisher Publisher
	prefix    string
	logger    core.Logger
	telemetry core.Telemetry

	closed atomic.Bool
	conn   *nats.Conn // set only when the forwarder owns the connection
}

// NewForwarder wraps an existing publisher. The caller keeps ownership of
// the publisher's lifecycle.
func NewForwarder(b *broker.Broker, pub Publisher, cfg *Config) (*Forwarder, error) {
	if b == nil {
		return nil, core.NewValidationError("bridge", "broker is required")
	}
	if pub == nil {
		return nil, core.NewValidationError("bridge", "publisher is required")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	logger = core.ComponentLogger(logger, "framework/bridge")
	telemetry := cfg.Telemetry
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}
	return &Forwarder{
		broker:    b,
		publisher: pub,
		prefix:    prefix,
		logger:    logger,
		telemetry: telemetry,
	}, nil
}

// NewNATSForwarder dials the given URL and owns the resulting connection:
// Close drains it.
func NewNATSForwarder(b *broker.Broker, url string, cfg *Config) (*Forwarder, error) {
	conn, err := Connect(url)
	if err != nil {
		return nil, err
	}
	f, err := NewForwarder(b, conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	f.conn = conn
	return f, nil
}

// SetLogger replaces the forwarder's logger, tagged "framework/bridge".
// Intended for wire-up before any Bind.
func (f *Forwarder) SetLogger(logger core.Logger) {
	if logger == nil {
		f.logger = &core.NoOpLogger{}
		return
	}
	f.logger = core.ComponentLogger(logger, "framework/bridge")
}

// Bind starts forwarding the agent's delivered messages to
// `<prefix>.<agentID>`. The agent is registered with the broker if it is
// not already known.
func (f *Forwarder) Bind(agentID string) error {
	if f.closed.Load() {
		return core.NewSystemError("bridge", "forwarder is closed", nil)
	}
	if agentID == "" {
		return core.NewValidationError("bridge", "agent id is required")
	}
	if err := f.broker.RegisterAgent(agentID); err != nil {
		return err
	}

	subject := f.prefix + "." + agentID
	f.broker.RegisterHandler(agentID, func(ctx context.Context, msg *core.Message) error {
		f.forward(subject, msg)
		return nil
	})

	f.logger.Info("Bridge bound agent", map[string]interface{}{
		"operation": "bridge_bind",
		"agent_id":  agentID,
		"subject":   subject,
	})
	return nil
}

func (f *Forwarder) forward(subject string, msg *core.Message) {
	if f.closed.Load() {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		f.logger.Warn("Bridge could not encode message", map[string]interface{}{
			"operation":  "bridge_encode_failed",
			"subject":    subject,
			"message_id": msg.ID,
			"error":      err.Error(),
		})
		return
	}
	if err := f.publisher.Publish(subject, data); err != nil {
		f.telemetry.RecordMetric("bridge.publish_failures", 1, map[string]string{"subject": subject})
		f.logger.Error("Bridge publish failed", map[string]interface{}{
			"operation":  "bridge_publish_failed",
			"subject":    subject,
			"message_id": msg.ID,
			"error":      err.Error(),
		})
		return
	}
	f.telemetry.RecordMetric("bridge.published", 1, map[string]string{"subject": subject})
}

// Close stops forwarding and drains an owned connection. Idempotent.
func (f *Forwarder) Close() {
	if !f.closed.CompareAndSwap(false, true) {
		return
	}
	if f.conn != nil {
		// Drain flushes buffered publishes before closing.
		if err := f.conn.Drain(); err != nil {
			f.conn.Close()
		}
	}
	f.logger.Info("Bridge closed", map[string]interface{}{
		"operation": "bridge_closed",
	})
}
