// Package notify publishes log stream lifecycle events so other systems can
// follow which headless logs are being read and how the relays end.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// EventType defines the type of lifecycle event.
type EventType string

const (
	// EventStreamOpened is sent when a log stream subscribes upstream.
	EventStreamOpened EventType = "stream.opened"

	// EventStreamCompleted is sent when the upstream ended the log cleanly.
	EventStreamCompleted EventType = "stream.completed"

	// EventStreamFailed is sent when a relay ended with an error.
	EventStreamFailed EventType = "stream.failed"

	// EventStreamCancelled is sent when the consumer went away or closed the stream.
	EventStreamCancelled EventType = "stream.cancelled"
)

// Event is a lifecycle event for one log stream.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	StreamID   string    `json:"stream_id"`
	InstanceID string    `json:"instance_id"`
	TerminalID string    `json:"terminal_id"`

	// Code and Message describe the error of a failed or cancelled stream.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	Chunks     uint64 `json:"chunks,omitempty"`
	Bytes      uint64 `json:"bytes,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Publisher publishes lifecycle events.
type Publisher interface {
	// Publish sends an event. It must not block on slow receivers.
	Publish(ctx context.Context, event *Event) error

	// Close closes the publisher
	Close() error
}

// Subscriber receives lifecycle events.
type Subscriber interface {
	// Subscribe delivers events to handler until ctx ends.
	Subscribe(ctx context.Context, handler func(*Event)) error

	// Close closes the subscriber
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, *Event) error { return nil }
func (NopPublisher) Close() error                          { return nil }

// Multi publishes each event to every publisher in order.
type Multi []Publisher

// Publish sends event to all publishers and joins their errors.
func (m Multi) Publish(ctx context.Context, event *Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes all publishers.
func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// JSON helpers
func (e *Event) JSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

func ParseEvent(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
