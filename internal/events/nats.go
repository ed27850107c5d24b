package events

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// NATSPublisher mirrors lifecycle events to NATS subjects of the form
// "<subject>.<kind>". Publishing goes through the client's buffered writer,
// so Observe never waits on the network.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	logger  *slog.Logger
}

// NewNATSPublisher wraps an established NATS connection.
func NewNATSPublisher(conn *nats.Conn, subject string, logger *slog.Logger) *NATSPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{conn: conn, subject: subject, logger: logger}
}

// ConnectNATS dials the NATS server at url and returns a publisher for subject.
func ConnectNATS(url, subject string, logger *slog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url, nats.Name("linechat"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("events: connect nats %s: %w", url, err)
	}
	return NewNATSPublisher(conn, subject, logger), nil
}

func (p *NATSPublisher) Observe(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("events: marshal failed", "kind", ev.Kind, "err", err)
		return
	}
	subject := p.subject + "." + ev.Kind.String()
	if err := p.conn.Publish(subject, payload); err != nil {
		p.logger.Warn("events: publish failed", "subject", subject, "err", err)
	}
}

// Close flushes pending events and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
