package alerting

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSSink publishes alerts as JSON on a per-priority subject, for example
// agentguard.alerts.critical.
type NATSSink struct {
	conn          *nats.Conn
	subjectPrefix string
}

// NewNATSSink connects to the NATS server and returns a publishing sink.
func NewNATSSink(url, subjectPrefix string) (*NATSSink, error) {
	conn, err := nats.Connect(url,
		nats.Name("agentguard-alerts"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return &NATSSink{conn: conn, subjectPrefix: subjectPrefix}, nil
}

// Name implements Sink.
func (s *NATSSink) Name() string { return "nats" }

// Deliver implements Sink.
func (s *NATSSink) Deliver(_ context.Context, alert *Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encoding alert: %w", err)
	}
	subject := s.subjectPrefix + "." + alert.Priority
	if err := s.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

// Close drains and closes the connection.
func (s *NATSSink) Close() {
	if s.conn != nil {
		_ = s.conn.Drain()
	}
}
