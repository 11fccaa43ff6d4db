package relay

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSSink publishes events on a NATS subject.
type NATSSink struct {
	nc      *nats.Conn
	subject string
}

// NewNATSSink connects to the NATS server at url.
func NewNATSSink(url, subject string) (*NATSSink, error) {
	if subject == "" {
		return nil, fmt.Errorf("nats relay: empty subject")
	}
	nc, err := nats.Connect(url, nats.Name("distillery"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return &NATSSink{nc: nc, subject: subject}, nil
}

func (s *NATSSink) Name() string { return "nats" }

// Publish hands data to the client's outbound buffer; the context is not
// consulted since the call does not wait on the server.
func (s *NATSSink) Publish(_ context.Context, data []byte) error {
	return s.nc.Publish(s.subject, data)
}

// Close flushes pending messages and closes the connection.
func (s *NATSSink) Close() error {
	return s.nc.Drain()
}
