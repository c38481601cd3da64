package comms

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig holds the connection settings for a NATSSink.
type NATSConfig struct {
	URL string
	// SubjectPrefix is prepended to the event type, e.g. "taskyard" yields
	// subjects like "taskyard.task.completed".
	SubjectPrefix  string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int // -1 = unlimited
	ConnectTimeout time.Duration
}

// DefaultNATSConfig returns configuration with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            nats.DefaultURL,
		SubjectPrefix:  "taskyard",
		Name:           "taskyard",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
	}
}

// NATSSink publishes events as JSON to NATS subjects derived from the event
// type.
type NATSSink struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSSink connects to the configured NATS server.
func NewNATSSink(cfg NATSConfig) (*NATSSink, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSSink{conn: conn, prefix: trimPrefix(cfg.SubjectPrefix)}, nil
}

func trimPrefix(p string) string { return strings.Trim(p, ".") }

// Subject returns the NATS subject an event type is published on.
func (s *NATSSink) Subject(t EventType) string {
	if t == AllEvents {
		t = ">"
	}
	if s.prefix == "" {
		return string(t)
	}
	return s.prefix + "." + string(t)
}

// Publish encodes ev and sends it on its subject.
func (s *NATSSink) Publish(_ context.Context, ev *Event) error {
	if s.conn.IsClosed() {
		return nats.ErrConnectionClosed
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := s.conn.Publish(s.Subject(ev.Type), data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// Subscribe decodes events of eventType (or AllEvents) from NATS and hands
// them to handler. Handler errors are dropped.
func (s *NATSSink) Subscribe(eventType EventType, handler Handler) (unsubscribe func(), err error) {
	sub, err := s.conn.Subscribe(s.Subject(eventType), func(m *nats.Msg) {
		var ev Event
		if json.Unmarshal(m.Data, &ev) != nil {
			return
		}
		_ = handler(context.Background(), &ev)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Flush waits until the server has processed everything published so far.
func (s *NATSSink) Flush() error { return s.conn.Flush() }

// Close drains and closes the connection.
func (s *NATSSink) Close() error {
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return err
	}
	return nil
}
