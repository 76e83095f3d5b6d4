package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// publisher is the part of *nats.Conn the sink uses.
type publisher interface {
	Publish(subj string, data []byte) error
	FlushWithContext(ctx context.Context) error
}

// NATSSink publishes events as JSON on tollgate.case.<event>, or under a
// custom subject prefix.
type NATSSink struct {
	conn   publisher
	prefix string
	close  func()
}

// DialNATS connects to url and returns a sink publishing under prefix.
func DialNATS(url, prefix string) (*NATSSink, error) {
	conn, err := nats.Connect(url,
		nats.Name("tollgate"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	sink := newNATSSink(conn, prefix)
	sink.close = conn.Close
	return sink, nil
}

func newNATSSink(conn publisher, prefix string) *NATSSink {
	return &NATSSink{conn: conn, prefix: prefix}
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Subject(ev Event) string {
	if s.prefix == "" {
		return ev.Subject()
	}
	return s.prefix + "." + string(ev.Type)
}

func (s *NATSSink) Send(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := s.Subject(ev)
	if err := s.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	if err := s.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", subject, err)
	}
	return nil
}

// Close drops the connection when the sink owns it.
func (s *NATSSink) Close() {
	if s.close != nil {
		s.close()
	}
}
