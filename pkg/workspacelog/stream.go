package workspacelog

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/odvcencio/headlesslogs/pkg/errors"
	"github.com/odvcencio/headlesslogs/pkg/supervisor"
)

// State is the lifecycle state of a LogStream.
type State int32

const (
	StateOpening State = iota
	StateStreaming
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Final reports whether s is one of the terminal states.
func (s State) Final() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Chunk is one unit of relayed terminal output. Seq starts at 1 and follows
// upstream arrival order.
type Chunk struct {
	Seq  uint64 `json:"seq"`
	Data string `json:"data"`
}

// Decode returns the raw output bytes.
func (c Chunk) Decode() ([]byte, error) {
	return base64.StdEncoding.DecodeString(c.Data)
}

// Sink receives relayed chunks. WriteChunk must return only once the chunk
// has been delivered; the relay does not read further upstream output until
// it does.
type Sink interface {
	WriteChunk(ctx context.Context, chunk Chunk) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, chunk Chunk) error

func (f SinkFunc) WriteChunk(ctx context.Context, chunk Chunk) error {
	return f(ctx, chunk)
}

// StreamInfo identifies a LogStream to observers.
type StreamInfo struct {
	ID         string
	InstanceID string
	TerminalID string
}

// StreamSummary is reported once, when a LogStream reaches a final state.
type StreamSummary struct {
	StreamInfo
	State    State
	Err      error
	Chunks   uint64
	Bytes    uint64
	Duration time.Duration
}

// LogStream relays one terminal's output from a single upstream subscription
// to a single consumer. It is single-pass: Relay may be called once, and a
// stream that has ended cannot be restarted.
//
// Every path to a final state goes through finish, which runs exactly once;
// the subscription is released there and nowhere else.
type LogStream struct {
	info     StreamInfo
	sub      supervisor.Subscription
	observer Observer
	logger   *slog.Logger
	span     trace.Span
	openedAt time.Time

	state   atomic.Int32
	relayed atomic.Bool
	chunks  atomic.Uint64
	bytes   atomic.Uint64

	finishOnce sync.Once
	done       chan struct{}
	err        error

	stopMu  sync.Mutex
	stops   []func() bool
	stopped bool
}

func newLogStream(info StreamInfo, sub supervisor.Subscription, observer Observer, logger *slog.Logger, span trace.Span) *LogStream {
	return &LogStream{
		info:     info,
		sub:      sub,
		observer: observer,
		logger:   logger,
		span:     span,
		openedAt: time.Now(),
		done:     make(chan struct{}),
	}
}

// ID returns the stream id.
func (h *LogStream) ID() string { return h.info.ID }

// InstanceID returns the workspace instance the stream reads from.
func (h *LogStream) InstanceID() string { return h.info.InstanceID }

// TerminalID returns the terminal the stream reads from.
func (h *LogStream) TerminalID() string { return h.info.TerminalID }

// State returns the current state.
func (h *LogStream) State() State {
	return State(h.state.Load())
}

// Done is closed once the stream reaches a final state.
func (h *LogStream) Done() <-chan struct{} {
	return h.done
}

// Err returns the terminal error, or nil while the stream is live or after a
// clean completion.
func (h *LogStream) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Chunks returns the number of chunks delivered so far.
func (h *LogStream) Chunks() uint64 {
	return h.chunks.Load()
}

// Relay moves chunks from the upstream subscription to sink until the
// upstream ends, the sink fails, ctx is done, or the stream is closed. At
// most one WriteChunk is outstanding at any time and the next upstream chunk
// is not read before it returns.
//
// Relay returns nil on a clean upstream end. A second call returns a
// STREAM_CONSUMED error without touching the upstream.
func (h *LogStream) Relay(ctx context.Context, sink Sink) error {
	if sink == nil {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "sink required")
	}
	if !h.relayed.CompareAndSwap(false, true) {
		return apperrors.New(apperrors.ErrCodeStreamConsumed, "log stream already relayed").
			WithContext("stream", h.info.ID)
	}
	if !h.state.CompareAndSwap(int32(StateOpening), int32(StateStreaming)) {
		// Closed or abandoned before relaying started.
		<-h.done
		return h.err
	}

	h.addStop(context.AfterFunc(ctx, func() {
		h.finish(StateCancelled, apperrors.Wrap(context.Cause(ctx), apperrors.ErrCodeCanceled, "consumer went away"))
	}))

	var seq uint64
	for h.sub.Receive() {
		if h.isDone() {
			break
		}
		data := h.sub.Data()
		seq++
		chunk := Chunk{Seq: seq, Data: base64.StdEncoding.EncodeToString(data)}
		if err := sink.WriteChunk(ctx, chunk); err != nil {
			h.finish(StateFailed, apperrors.Wrap(err, apperrors.ErrCodeDownstream, "deliver chunk").
				WithContext("seq", seq))
			return h.Err()
		}
		h.chunks.Add(1)
		h.bytes.Add(uint64(len(data)))
		h.observer.ChunkRelayed(h.info, len(data))
	}

	if err := h.sub.Err(); err != nil {
		h.finish(StateFailed, upstreamError(err))
	} else {
		h.finish(StateCompleted, nil)
	}
	return h.Err()
}

// Close cancels the stream. It is safe to call at any time, any number of
// times; only the first call on a live stream has an effect.
func (h *LogStream) Close() error {
	h.finish(StateCancelled, apperrors.New(apperrors.ErrCodeCanceled, "log stream closed"))
	return nil
}

// bindScope ties the stream to ctx: when ctx ends, the stream is cancelled.
func (h *LogStream) bindScope(ctx context.Context) {
	h.addStop(context.AfterFunc(ctx, func() {
		h.finish(StateCancelled, apperrors.Wrap(context.Cause(ctx), apperrors.ErrCodeCanceled, "caller scope ended"))
	}))
}

func (h *LogStream) addStop(stop func() bool) {
	h.stopMu.Lock()
	if h.stopped {
		h.stopMu.Unlock()
		stop()
		return
	}
	h.stops = append(h.stops, stop)
	h.stopMu.Unlock()
}

func (h *LogStream) isDone() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// finish performs the single terminal transition. It reports whether this
// call was the one that ended the stream.
func (h *LogStream) finish(state State, err error) bool {
	won := false
	h.finishOnce.Do(func() {
		won = true
		h.err = err
		h.state.Store(int32(state))

		h.sub.Cancel()

		h.stopMu.Lock()
		stops := h.stops
		h.stops = nil
		h.stopped = true
		h.stopMu.Unlock()
		for _, stop := range stops {
			stop()
		}

		summary := StreamSummary{
			StreamInfo: h.info,
			State:      state,
			Err:        err,
			Chunks:     h.chunks.Load(),
			Bytes:      h.bytes.Load(),
			Duration:   time.Since(h.openedAt),
		}
		h.logClose(summary)
		h.observer.StreamClosed(summary)
		if err != nil && state == StateFailed {
			h.span.RecordError(err)
			h.span.SetStatus(codes.Error, string(apperrors.GetCode(err)))
		}
		h.span.End()

		close(h.done)
	})
	return won
}

func (h *LogStream) logClose(s StreamSummary) {
	attrs := []any{
		"stream", s.ID,
		"instance", s.InstanceID,
		"terminal", s.TerminalID,
		"state", s.State.String(),
		"chunks", s.Chunks,
		"duration_ms", s.Duration.Milliseconds(),
	}
	switch s.State {
	case StateFailed:
		h.logger.Warn("log stream failed", append(attrs, "code", apperrors.GetCode(s.Err), "error", s.Err)...)
	default:
		h.logger.Debug("log stream closed", attrs...)
	}
}

// upstreamError keeps coded subscription errors as they are and marks
// anything else as an upstream status failure.
func upstreamError(err error) error {
	var coded *apperrors.Error
	if errors.As(err, &coded) {
		return err
	}
	return apperrors.Wrap(err, apperrors.ErrCodeUpstreamStatus, "upstream ended with an error")
}
