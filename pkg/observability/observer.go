package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	apperrors "github.com/odvcencio/headlesslogs/pkg/errors"
	"github.com/odvcencio/headlesslogs/pkg/notify"
	"github.com/odvcencio/headlesslogs/pkg/workspace"
	"github.com/odvcencio/headlesslogs/pkg/workspacelog"
)

const (
	defaultEventBuffer = 256
	publishTimeout     = 5 * time.Second
)

// RelayObserver records bridge events as metrics and forwards stream
// lifecycle events to a publisher. Publishing happens on a background
// goroutine; events are dropped when the queue is full.
type RelayObserver struct {
	metrics   *Metrics
	publisher notify.Publisher
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	stopped   bool
	events    chan *notify.Event
	done      chan struct{}
	startOnce sync.Once
}

var _ workspacelog.Observer = (*RelayObserver)(nil)

// NewRelayObserver creates an observer. A nil publisher disables events.
func NewRelayObserver(metrics *Metrics, publisher notify.Publisher, logger *slog.Logger) *RelayObserver {
	if publisher == nil {
		publisher = notify.NopPublisher{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RelayObserver{
		metrics:   metrics,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
		events:    make(chan *notify.Event, defaultEventBuffer),
		done:      make(chan struct{}),
	}
}

// Start launches the publishing goroutine.
func (o *RelayObserver) Start() {
	o.startOnce.Do(func() {
		go o.run()
	})
}

// Stop drains queued events and waits for the publisher goroutine, or gives
// up when ctx ends.
func (o *RelayObserver) Stop(ctx context.Context) error {
	o.Start()
	o.mu.Lock()
	if !o.stopped {
		o.stopped = true
		close(o.events)
	}
	o.mu.Unlock()
	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *RelayObserver) run() {
	defer close(o.done)
	for event := range o.events {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := o.publisher.Publish(ctx, event); err != nil {
			o.logger.Warn("publish stream event failed", "type", event.Type, "stream", event.StreamID, "error", err)
		}
		cancel()
	}
}

func (o *RelayObserver) enqueue(event *notify.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return
	}
	select {
	case o.events <- event:
	default:
		if o.metrics != nil {
			o.metrics.EventsDropped.Inc()
		}
		o.logger.Warn("stream event dropped", "type", event.Type, "stream", event.StreamID)
	}
}

func (o *RelayObserver) TasksQueried(_ workspace.InstanceRef, _ int, err error, elapsed time.Duration) {
	if o.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = string(apperrors.GetCode(err))
	}
	o.metrics.TaskQueries.WithLabelValues(result).Inc()
	o.metrics.TaskQueryLatency.Observe(elapsed.Seconds())
}

func (o *RelayObserver) StreamOpened(info workspacelog.StreamInfo) {
	if o.metrics != nil {
		o.metrics.StreamsOpened.Inc()
		o.metrics.ActiveStreams.Inc()
	}
	o.enqueue(o.newEvent(notify.EventStreamOpened, info))
}

func (o *RelayObserver) ChunkRelayed(_ workspacelog.StreamInfo, bytes int) {
	if o.metrics == nil {
		return
	}
	o.metrics.ChunksRelayed.Inc()
	o.metrics.BytesRelayed.Add(float64(bytes))
}

func (o *RelayObserver) StreamClosed(summary workspacelog.StreamSummary) {
	code := ""
	if summary.Err != nil {
		code = string(apperrors.GetCode(summary.Err))
	}
	if o.metrics != nil {
		o.metrics.ActiveStreams.Dec()
		o.metrics.StreamsClosed.WithLabelValues(summary.State.String(), code).Inc()
		o.metrics.StreamDuration.WithLabelValues(summary.State.String()).Observe(summary.Duration.Seconds())
	}

	event := o.newEvent(closedEventType(summary.State), summary.StreamInfo)
	event.Code = code
	if summary.Err != nil {
		event.Message = summary.Err.Error()
	}
	event.Chunks = summary.Chunks
	event.Bytes = summary.Bytes
	event.DurationMS = summary.Duration.Milliseconds()
	o.enqueue(event)
}

func (o *RelayObserver) newEvent(t notify.EventType, info workspacelog.StreamInfo) *notify.Event {
	return &notify.Event{
		ID:         ulid.Make().String(),
		Type:       t,
		StreamID:   info.ID,
		InstanceID: info.InstanceID,
		TerminalID: info.TerminalID,
		Timestamp:  o.now().UTC(),
	}
}

func closedEventType(state workspacelog.State) notify.EventType {
	switch state {
	case workspacelog.StateCompleted:
		return notify.EventStreamCompleted
	case workspacelog.StateCancelled:
		return notify.EventStreamCancelled
	default:
		return notify.EventStreamFailed
	}
}
