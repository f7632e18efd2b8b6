package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is used when NATSConfig leaves the prefix empty.
const DefaultSubjectPrefix = "headlesslogs"

// natsConn is the part of *nats.Conn the publisher uses.
type natsConn interface {
	Publish(subject string, data []byte) error
	Close()
}

// NATSPublisher publishes events to NATS on "<prefix>.<event type>".
type NATSPublisher struct {
	conn   natsConn
	prefix string
}

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	// URL is the NATS server URL
	URL string

	Username string
	Password string
	Token    string

	// SubjectPrefix is the base subject for events
	SubjectPrefix string

	// ConnectTimeout is the connection timeout
	ConnectTimeout time.Duration
}

func (cfg *NATSConfig) applyDefaults() {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	cfg.SubjectPrefix = strings.Trim(strings.TrimSpace(cfg.SubjectPrefix), ".")
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
}

func (cfg NATSConfig) options() []nats.Option {
	opts := []nats.Option{
		nats.Name("headlesslogs"),
		nats.Timeout(cfg.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	switch {
	case cfg.Token != "":
		opts = append(opts, nats.Token(cfg.Token))
	case cfg.Username != "":
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	return opts
}

// NewNATSPublisher creates a NATS publisher. The connection is retried in
// the background, so an unreachable server does not fail startup.
func NewNATSPublisher(cfg NATSConfig) (*NATSPublisher, error) {
	cfg.applyDefaults()
	conn, err := nats.Connect(cfg.URL, cfg.options()...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSPublisher{conn: conn, prefix: cfg.SubjectPrefix}, nil
}

// Subject returns the subject events of type t are published on.
func (p *NATSPublisher) Subject(t EventType) string {
	return subjectFor(p.prefix, t)
}

func subjectFor(prefix string, t EventType) string {
	return prefix + "." + string(t)
}

// Publish publishes an event to NATS.
func (p *NATSPublisher) Publish(_ context.Context, event *Event) error {
	if event == nil {
		return nil
	}
	return p.conn.Publish(p.Subject(event.Type), event.JSON())
}

// Close closes the NATS connection.
func (p *NATSPublisher) Close() error {
	p.conn.Close()
	return nil
}

// NATSSubscriber subscribes to events from NATS.
type NATSSubscriber struct {
	conn   *nats.Conn
	prefix string
	sub    *nats.Subscription
}

// NewNATSSubscriber creates a NATS subscriber.
func NewNATSSubscriber(cfg NATSConfig) (*NATSSubscriber, error) {
	cfg.applyDefaults()
	conn, err := nats.Connect(cfg.URL, cfg.options()...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSSubscriber{conn: conn, prefix: cfg.SubjectPrefix}, nil
}

// Subscribe receives every stream event until ctx ends.
func (s *NATSSubscriber) Subscribe(ctx context.Context, handler func(*Event)) error {
	sub, err := s.conn.Subscribe(s.prefix+".stream.>", func(msg *nats.Msg) {
		event, err := ParseEvent(msg.Data)
		if err != nil {
			return
		}
		handler(event)
	})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	s.sub = sub

	<-ctx.Done()
	return nil
}

// Close closes the subscription and connection.
func (s *NATSSubscriber) Close() error {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	s.conn.Close()
	return nil
}
