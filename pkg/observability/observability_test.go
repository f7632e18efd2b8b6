package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/headlesslogs/pkg/config"
	apperrors "github.com/odvcencio/headlesslogs/pkg/errors"
	"github.com/odvcencio/headlesslogs/pkg/notify"
	"github.com/odvcencio/headlesslogs/pkg/workspace"
	"github.com/odvcencio/headlesslogs/pkg/workspacelog"
)

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "server", "debug", "json")
	logger.Debug("hello", "k", "v")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "server", entry["component"])
	assert.Equal(t, "headlesslogs", entry["system"])
	assert.Equal(t, "v", entry["k"])
}

func TestNewLogger_TextRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "cli", "warn", "text")
	logger.Info("quiet")
	assert.Empty(t, buf.String())

	logger.Warn("loud")
	assert.Contains(t, buf.String(), "msg=loud")
	assert.Contains(t, buf.String(), "component=cli")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}

func TestTracing_DisabledIsNoop(t *testing.T) {
	tp, err := NewTracing(config.TracingConfig{}, "test")
	require.NoError(t, err)

	ctx, span := tp.Tracer().Start(context.Background(), "noop")
	span.End()
	assert.False(t, span.SpanContext().IsValid())

	logger := slog.New(slog.DiscardHandler)
	assert.Same(t, logger, WithTrace(ctx, logger))
	require.NoError(t, tp.Shutdown(context.Background()))
}

func TestTracing_ExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	tp, err := NewTracerProvider("headlesslogs-test", "v0", &buf)
	require.NoError(t, err)

	ctx, span := tp.Tracer().Start(context.Background(), "relay")
	var logBuf bytes.Buffer
	WithTrace(ctx, slog.New(slog.NewJSONHandler(&logBuf, nil))).Info("inside")
	span.End()
	require.NoError(t, tp.Shutdown(context.Background()))

	assert.Contains(t, buf.String(), `"Name":"relay"`)
	assert.Contains(t, buf.String(), "headlesslogs-test")
	assert.Contains(t, logBuf.String(), span.SpanContext().TraceID().String())
}

func TestTracing_FileOutput(t *testing.T) {
	path := t.TempDir() + "/spans.jsonl"
	tp, err := NewTracing(config.TracingConfig{Enabled: true, ServiceName: "svc", Output: path}, "v0")
	require.NoError(t, err)

	_, span := tp.Tracer().Start(context.Background(), "to-file")
	span.End()
	require.NoError(t, tp.Shutdown(context.Background()))
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics(false)
	m.HTTPRequests.WithLabelValues("logs", "200").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `headlesslogs_http_requests_total{route="logs",status="200"} 1`)
}

type capturePublisher struct {
	mu     sync.Mutex
	events []*notify.Event
	err    error
}

func (p *capturePublisher) Publish(_ context.Context, e *notify.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) snapshot() []*notify.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*notify.Event(nil), p.events...)
}

func TestRelayObserver_MetricsAndEvents(t *testing.T) {
	m := NewMetrics(false)
	pub := &capturePublisher{}
	obs := NewRelayObserver(m, pub, nil)
	obs.Start()

	info := workspacelog.StreamInfo{ID: "s1", InstanceID: "ws-1", TerminalID: "term-a"}
	obs.TasksQueried(workspace.InstanceRef{InstanceID: "ws-1"}, 2, nil, 10*time.Millisecond)
	obs.TasksQueried(workspace.InstanceRef{InstanceID: "ws-1"}, 0,
		apperrors.New(apperrors.ErrCodeUpstreamUnavailable, "down"), time.Millisecond)
	obs.StreamOpened(info)
	obs.ChunkRelayed(info, 5)
	obs.ChunkRelayed(info, 7)
	obs.StreamClosed(workspacelog.StreamSummary{
		StreamInfo: info,
		State:      workspacelog.StateFailed,
		Err:        apperrors.New(apperrors.ErrCodeDownstream, "broken pipe"),
		Chunks:     2,
		Bytes:      12,
		Duration:   1500 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, obs.Stop(ctx))

	families := gather(t, m)
	assert.Equal(t, 1.0, counterValue(families, "headlesslogs_discovery_task_queries_total", "result", "ok"))
	assert.Equal(t, 1.0, counterValue(families, "headlesslogs_discovery_task_queries_total", "result", "UPSTREAM_UNAVAILABLE"))
	assert.Equal(t, 1.0, counterValue(families, "headlesslogs_relay_streams_opened_total", "", ""))
	assert.Equal(t, 0.0, gaugeValue(families, "headlesslogs_relay_streams_active"))
	assert.Equal(t, 2.0, counterValue(families, "headlesslogs_relay_chunks_total", "", ""))
	assert.Equal(t, 12.0, counterValue(families, "headlesslogs_relay_bytes_total", "", ""))
	assert.Equal(t, 1.0, counterValue(families, "headlesslogs_relay_streams_closed_total", "code", "DOWNSTREAM"))

	events := pub.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, notify.EventStreamOpened, events[0].Type)
	assert.Equal(t, "s1", events[0].StreamID)
	assert.NotEmpty(t, events[0].ID)

	closed := events[1]
	assert.Equal(t, notify.EventStreamFailed, closed.Type)
	assert.Equal(t, "DOWNSTREAM", closed.Code)
	assert.Contains(t, closed.Message, "broken pipe")
	assert.Equal(t, uint64(2), closed.Chunks)
	assert.Equal(t, uint64(12), closed.Bytes)
	assert.Equal(t, int64(1500), closed.DurationMS)
	assert.Equal(t, "term-a", closed.TerminalID)
}

func TestRelayObserver_ClosedEventTypes(t *testing.T) {
	assert.Equal(t, notify.EventStreamCompleted, closedEventType(workspacelog.StateCompleted))
	assert.Equal(t, notify.EventStreamCancelled, closedEventType(workspacelog.StateCancelled))
	assert.Equal(t, notify.EventStreamFailed, closedEventType(workspacelog.StateFailed))
}

func TestRelayObserver_PublishErrorsAreLogged(t *testing.T) {
	var buf bytes.Buffer
	pub := &capturePublisher{err: errors.New("nats down")}
	obs := NewRelayObserver(nil, pub, slog.New(slog.NewTextHandler(&buf, nil)))
	obs.Start()

	obs.StreamOpened(workspacelog.StreamInfo{ID: "s2"})
	require.NoError(t, obs.Stop(context.Background()))

	assert.Len(t, pub.snapshot(), 1)
	assert.Contains(t, buf.String(), "nats down")
}

func TestRelayObserver_EventsAfterStopAreIgnored(t *testing.T) {
	pub := &capturePublisher{}
	obs := NewRelayObserver(nil, pub, nil)
	require.NoError(t, obs.Stop(context.Background()))
	require.NoError(t, obs.Stop(context.Background()))

	obs.StreamOpened(workspacelog.StreamInfo{ID: "late"})
	assert.Empty(t, pub.snapshot())
}

func TestRelayObserver_FullQueueDrops(t *testing.T) {
	var buf bytes.Buffer
	metrics := NewMetrics(false)
	obs := NewRelayObserver(metrics, &capturePublisher{}, slog.New(slog.NewTextHandler(&buf, nil)))
	// Not started, so nothing drains the queue.
	for i := 0; i <= defaultEventBuffer+1; i++ {
		obs.StreamOpened(workspacelog.StreamInfo{ID: "s"})
	}
	assert.Equal(t, 2, strings.Count(buf.String(), "stream event dropped"))
	assert.Equal(t, 2.0, counterValue(gather(t, metrics), "headlesslogs_notify_events_dropped_total", "", ""))
}

func gather(t *testing.T, m *Metrics) []*dto.MetricFamily {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	return families
}

func findFamily(families []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

// counterValue sums the counter samples whose label matches. An empty label
// matches every sample.
func counterValue(families []*dto.MetricFamily, name, label, value string) float64 {
	f := findFamily(families, name)
	if f == nil {
		return 0
	}
	var total float64
	for _, metric := range f.GetMetric() {
		if label != "" && !hasLabel(metric, label, value) {
			continue
		}
		total += metric.GetCounter().GetValue()
	}
	return total
}

func gaugeValue(families []*dto.MetricFamily, name string) float64 {
	f := findFamily(families, name)
	if f == nil || len(f.GetMetric()) == 0 {
		return 0
	}
	return f.GetMetric()[0].GetGauge().GetValue()
}

func hasLabel(metric *dto.Metric, name, value string) bool {
	for _, lp := range metric.GetLabel() {
		if lp.GetName() == name && lp.GetValue() == value {
			return true
		}
	}
	return false
}
