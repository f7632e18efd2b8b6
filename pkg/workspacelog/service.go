// Package workspacelog bridges the terminal output of headless workspace
// tasks to downstream consumers.
//
// Service discovers which task terminals an instance exposes and opens
// LogStreams for them. A LogStream owns one upstream subscription and relays
// it chunk by chunk into a Sink, never reading ahead of the consumer.
// Authorization happens before any of this is called.
package workspacelog

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	apperrors "github.com/odvcencio/headlesslogs/pkg/errors"
	"github.com/odvcencio/headlesslogs/pkg/supervisor"
	"github.com/odvcencio/headlesslogs/pkg/workspace"
)

//go:generate mockgen -package=workspacelog -destination=mock_upstream_test.go github.com/odvcencio/headlesslogs/pkg/workspacelog Upstream
//go:generate mockgen -package=workspacelog -destination=mock_subscription_test.go github.com/odvcencio/headlesslogs/pkg/supervisor Subscription

// Upstream is the workspace agent as seen by the bridge. *supervisor.Client
// implements it.
type Upstream interface {
	QueryTasks(ctx context.Context, ref workspace.InstanceRef) ([]workspace.TaskDescriptor, error)
	OpenTerminalStream(ctx context.Context, ref workspace.InstanceRef, terminalID string) (supervisor.Subscription, error)
}

var _ Upstream = (*supervisor.Client)(nil)

// Service is the bridge entry point. It holds no per-instance state; every
// call goes to the upstream agent.
type Service struct {
	upstream Upstream
	observer Observer
	tracer   trace.Tracer
	logger   *slog.Logger
	newID    func() string
}

// Option configures a Service.
type Option func(*Service)

// WithObserver sets the observer notified of discovery and stream events.
func WithObserver(observer Observer) Option {
	return func(s *Service) {
		if observer != nil {
			s.observer = observer
		}
	}
}

// WithTracer sets the tracer used for discovery and stream spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService creates a bridge over upstream.
func NewService(upstream Upstream, opts ...Option) *Service {
	s := &Service{
		upstream: upstream,
		observer: NopObserver{},
		tracer:   noop.NewTracerProvider().Tracer("workspacelog"),
		logger:   slog.New(slog.DiscardHandler),
		newID:    func() string { return ulid.Make().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListTasks maps every task of the instance to its terminal id. The result is
// fetched from the agent on every call. If a task id repeats, the last entry
// wins.
func (s *Service) ListTasks(ctx context.Context, ref workspace.InstanceRef) (map[string]string, error) {
	if err := checkRef(ref); err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "workspacelog.ListTasks", trace.WithAttributes(
		attribute.String("instance.id", ref.InstanceID),
	))
	defer span.End()

	start := time.Now()
	descriptors, err := s.upstream.QueryTasks(ctx, ref)
	s.observer.TasksQueried(ref, len(descriptors), err, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperrors.GetCode(err)))
		s.logger.Warn("task query failed", "instance", ref.InstanceID, "code", apperrors.GetCode(err), "error", err)
		return nil, err
	}

	tasks := make(map[string]string, len(descriptors))
	for _, d := range descriptors {
		if d.TaskID == "" || d.TerminalID == "" {
			continue
		}
		tasks[d.TaskID] = d.TerminalID
	}
	span.SetAttributes(attribute.Int("tasks.count", len(tasks)))
	return tasks, nil
}

// ListAdvertisedStreams maps every task of the instance to the path its log
// is served at.
func (s *Service) ListAdvertisedStreams(ctx context.Context, ref workspace.InstanceRef) (map[string]string, error) {
	tasks, err := s.ListTasks(ctx, ref)
	if err != nil {
		return nil, err
	}
	return AdvertisementURLs(ref.InstanceID, tasks), nil
}

// FetchLog validates terminalID against the instance's current tasks and
// opens a stream for it. A terminal that is not currently advertised is
// NOT_FOUND.
func (s *Service) FetchLog(ctx context.Context, ref workspace.InstanceRef, terminalID string) (*LogStream, error) {
	tasks, err := s.ListTasks(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !hasTerminal(tasks, terminalID) {
		return nil, apperrors.New(apperrors.ErrCodeNotFound, "terminal not found").
			WithContext("instance", ref.InstanceID).
			WithContext("terminal", terminalID)
	}
	return s.OpenLog(ctx, ref, terminalID)
}

// OpenLog opens a new upstream subscription for terminalID without checking
// it against the task list. The stream is cancelled when ctx ends, so callers
// that abandon it without Close still release the upstream.
func (s *Service) OpenLog(ctx context.Context, ref workspace.InstanceRef, terminalID string) (*LogStream, error) {
	if err := checkRef(ref); err != nil {
		return nil, err
	}
	if strings.TrimSpace(terminalID) == "" {
		return nil, apperrors.New(apperrors.ErrCodeNotFound, "terminal id required").
			WithContext("instance", ref.InstanceID)
	}

	info := StreamInfo{ID: s.newID(), InstanceID: ref.InstanceID, TerminalID: terminalID}
	spanCtx, span := s.tracer.Start(ctx, "workspacelog.LogStream", trace.WithAttributes(
		attribute.String("stream.id", info.ID),
		attribute.String("instance.id", info.InstanceID),
		attribute.String("terminal.id", info.TerminalID),
	))

	sub, err := s.upstream.OpenTerminalStream(spanCtx, ref, terminalID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "open failed")
		span.End()
		s.logger.Warn("open terminal stream failed", "instance", ref.InstanceID, "terminal", terminalID, "error", err)
		return nil, apperrors.Wrap(err, apperrors.ErrCodeNotFound, "terminal stream unavailable").
			WithContext("instance", ref.InstanceID).
			WithContext("terminal", terminalID)
	}

	stream := newLogStream(info, sub, s.observer, s.logger, span)
	s.observer.StreamOpened(info)
	s.logger.Debug("log stream opened", "stream", info.ID, "instance", info.InstanceID, "terminal", info.TerminalID)
	stream.bindScope(ctx)
	return stream, nil
}

// checkRef rejects instances that cannot serve logs before any upstream call.
func checkRef(ref workspace.InstanceRef) error {
	if strings.TrimSpace(ref.IDEURL) == "" {
		return apperrors.New(apperrors.ErrCodeNotFound, "instance has no running agent").
			WithContext("instance", ref.InstanceID)
	}
	if !ref.HasOwnerToken() {
		return apperrors.New(apperrors.ErrCodeMissingCredential, "instance has no owner token").
			WithContext("instance", ref.InstanceID)
	}
	return nil
}

func hasTerminal(tasks map[string]string, terminalID string) bool {
	for _, id := range tasks {
		if id == terminalID {
			return true
		}
	}
	return false
}
