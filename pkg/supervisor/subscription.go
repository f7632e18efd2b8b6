package supervisor

import (
	"context"
	"sync"

	"connectrpc.com/connect"
)

// Subscription is a pull-based view of one terminal's output. Receive blocks
// until the next output chunk is available and returns false once the stream
// has ended; Err then reports why (nil for a clean end). Cancel releases the
// upstream stream and may be called any number of times from any goroutine.
type Subscription interface {
	Receive() bool
	Data() []byte
	Err() error
	Cancel()
}

// connectSubscription adapts a Connect server stream that is established in
// the background. An agent sends no response headers until a terminal has
// output, so the call is never made on the opening goroutine. The stream
// itself is only touched by the receiving goroutine; Cancel cancels its
// context and leaves the Close to whichever side finishes last.
type connectSubscription struct {
	cancel   context.CancelFunc
	terminal string

	// ready is closed once stream or openErr is set.
	ready   chan struct{}
	stream  *connect.ServerStreamForClient[ListenTerminalResponse]
	openErr error

	data []byte
	err  error

	mu        sync.Mutex
	receiving bool
	ended     bool
	canceled  bool
	closed    bool
}

type openStreamFunc func() (*connect.ServerStreamForClient[ListenTerminalResponse], error)

func newConnectSubscription(open openStreamFunc, cancel context.CancelFunc, terminal string) *connectSubscription {
	s := &connectSubscription{cancel: cancel, terminal: terminal, ready: make(chan struct{})}
	go s.establish(open)
	return s
}

func (s *connectSubscription) establish(open openStreamFunc) {
	stream, err := open()

	s.mu.Lock()
	s.stream, s.openErr = stream, err
	closeNow := stream != nil && s.canceled && !s.receiving && !s.closed
	if closeNow {
		s.closed = true
	}
	s.mu.Unlock()
	close(s.ready)

	if closeNow {
		_ = stream.Close()
	}
}

func (s *connectSubscription) Receive() bool {
	s.mu.Lock()
	if s.canceled || s.ended {
		s.mu.Unlock()
		s.data = nil
		return false
	}
	s.receiving = true
	s.mu.Unlock()

	<-s.ready
	ok := s.openErr == nil && s.next()

	s.mu.Lock()
	s.receiving = false
	canceled := s.canceled
	if !ok || canceled {
		s.ended = true
	}
	closeNow := s.ended && !s.closed
	if closeNow {
		s.closed = true
	}
	s.mu.Unlock()

	if !ok && !canceled {
		err := s.openErr
		if err == nil {
			err = s.stream.Err()
		}
		if err != nil {
			s.err = classifyError(err, "listen terminal").WithContext("terminal", s.terminal)
		}
	}
	if closeNow {
		s.cancel()
		if s.stream != nil {
			_ = s.stream.Close()
		}
	}
	if canceled {
		s.data = nil
		return false
	}
	return ok
}

func (s *connectSubscription) next() bool {
	for s.stream.Receive() {
		msg := s.stream.Msg()
		if msg.Kind != OutputData {
			// exit codes and title changes
			continue
		}
		s.data = msg.Data
		return true
	}
	s.data = nil
	return false
}

func (s *connectSubscription) Data() []byte {
	return s.data
}

func (s *connectSubscription) Err() error {
	return s.err
}

func (s *connectSubscription) Cancel() {
	s.mu.Lock()
	if s.canceled {
		s.mu.Unlock()
		return
	}
	s.canceled = true
	// A stream still being established is closed by establish instead.
	stream := s.stream
	closeNow := stream != nil && !s.receiving && !s.closed
	if closeNow {
		s.closed = true
	}
	s.mu.Unlock()

	s.cancel()
	if closeNow {
		_ = stream.Close()
	}
}

var _ Subscription = (*connectSubscription)(nil)
