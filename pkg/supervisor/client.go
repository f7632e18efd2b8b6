// Package supervisor talks to the agent running inside a workspace instance.
//
// The agent serves gRPC-web under a fixed path of the instance's IDE URL and
// authenticates callers by the instance owner token. Two calls are used: a
// one-shot task status snapshot and an open-ended terminal output listener.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"connectrpc.com/connect"

	apperrors "github.com/odvcencio/headlesslogs/pkg/errors"
	"github.com/odvcencio/headlesslogs/pkg/workspace"
)

const (
	// APIPath replaces the path of an instance's IDE URL to reach its agent.
	APIPath = "/_supervisor/v1/ws"

	// OwnerTokenHeader carries the instance owner token on every agent call.
	OwnerTokenHeader = "x-gitpod-owner-token"

	// DefaultQueryTimeout bounds the wait for the first task status snapshot.
	DefaultQueryTimeout = 5 * time.Second
)

// Client is the upstream terminal client for workspace agents. It is safe for
// concurrent use; every call opens its own upstream stream.
type Client struct {
	httpClient   connect.HTTPClient
	queryTimeout time.Duration
	apiPath      string
	logger       *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for agent calls.
func WithHTTPClient(httpClient connect.HTTPClient) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithQueryTimeout bounds the task status query. Non-positive values keep the default.
func WithQueryTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.queryTimeout = timeout
		}
	}
}

// WithAPIPath overrides the agent API path.
func WithAPIPath(path string) Option {
	return func(c *Client) {
		path = strings.TrimSpace(path)
		if path != "" {
			c.apiPath = "/" + strings.Trim(path, "/")
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates an agent client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient:   http.DefaultClient,
		queryTimeout: DefaultQueryTimeout,
		apiPath:      APIPath,
		logger:       slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// QueryTimeout reports the configured task query bound.
func (c *Client) QueryTimeout() time.Duration {
	return c.queryTimeout
}

// BaseURL derives the agent API address from an instance IDE URL.
func (c *Client) BaseURL(ideURL string) (string, error) {
	raw := strings.TrimSpace(ideURL)
	if raw == "" {
		return "", apperrors.New(apperrors.ErrCodeInvalidInput, "instance has no IDE URL")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "parse IDE URL")
	}
	if u.Scheme == "" || u.Host == "" {
		return "", apperrors.New(apperrors.ErrCodeInvalidInput, "IDE URL must be absolute").
			WithContext("ide_url", raw)
	}
	u.Path = c.apiPath
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// QueryTasks fetches one snapshot of the instance's tasks and closes the
// upstream stream right after the first response. Tasks that have not yet
// attached a terminal are skipped.
func (c *Client) QueryTasks(ctx context.Context, ref workspace.InstanceRef) ([]workspace.TaskDescriptor, error) {
	if !ref.HasOwnerToken() {
		return nil, missingCredential(ref)
	}
	base, err := c.BaseURL(ref.IDEURL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	client := connect.NewClient[TasksStatusRequest, TasksStatusResponse](
		c.httpClient,
		base+TasksStatusProcedure,
		connect.WithGRPCWeb(),
		CodecOption(),
	)
	req := connect.NewRequest(&TasksStatusRequest{Observe: false})
	req.Header().Set(OwnerTokenHeader, ref.OwnerToken)

	stream, err := client.CallServerStream(ctx, req)
	if err != nil {
		return nil, classifyError(err, "query tasks").WithContext("instance", ref.InstanceID)
	}
	defer func() {
		// Cancel first so Close does not drain a stream the agent keeps open.
		cancel()
		if closeErr := stream.Close(); closeErr != nil {
			c.logger.Debug("close task status stream", "instance", ref.InstanceID, "error", closeErr)
		}
	}()

	if !stream.Receive() {
		if err := stream.Err(); err != nil {
			return nil, classifyError(err, "query tasks").WithContext("instance", ref.InstanceID)
		}
		return nil, apperrors.Wrap(
			&StatusError{Code: connect.CodeUnknown, Message: "stream closed without a response"},
			apperrors.ErrCodeUpstreamStatus,
			"query tasks",
		).WithContext("instance", ref.InstanceID)
	}

	resp := stream.Msg()
	tasks := make([]workspace.TaskDescriptor, 0, len(resp.Tasks))
	for _, task := range resp.Tasks {
		if task == nil || task.ID == "" || task.Terminal == "" {
			continue
		}
		tasks = append(tasks, workspace.TaskDescriptor{TaskID: task.ID, TerminalID: task.Terminal})
	}
	c.logger.Debug("task status snapshot", "instance", ref.InstanceID, "tasks", len(tasks))
	return tasks, nil
}

// OpenTerminalStream subscribes to a terminal's output. It returns without
// waiting for the agent; establishment failures, output, the end of the
// stream and transport failures all surface through the returned
// Subscription.
func (c *Client) OpenTerminalStream(ctx context.Context, ref workspace.InstanceRef, terminalID string) (Subscription, error) {
	if !ref.HasOwnerToken() {
		return nil, missingCredential(ref)
	}
	if strings.TrimSpace(terminalID) == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "terminal id required")
	}
	base, err := c.BaseURL(ref.IDEURL)
	if err != nil {
		return nil, err
	}

	client := connect.NewClient[ListenTerminalRequest, ListenTerminalResponse](
		c.httpClient,
		base+ListenProcedure,
		connect.WithGRPCWeb(),
		CodecOption(),
	)
	req := connect.NewRequest(&ListenTerminalRequest{Alias: terminalID})
	req.Header().Set(OwnerTokenHeader, ref.OwnerToken)

	// The subscription outlives the opening call; it is bound to ctx only
	// through cancellation, which Cancel also triggers.
	streamCtx, cancel := context.WithCancel(ctx)
	open := func() (*connect.ServerStreamForClient[ListenTerminalResponse], error) {
		return client.CallServerStream(streamCtx, req)
	}
	c.logger.Debug("terminal listener opening", "instance", ref.InstanceID, "terminal", terminalID)
	return newConnectSubscription(open, cancel, terminalID), nil
}

// StatusError is the non-success status an agent call ended with.
type StatusError struct {
	Code    connect.Code
	Message string
	cause   error
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upstream ended with status code: %s", e.Code)
	}
	return fmt.Sprintf("upstream ended with status code: %s: %s", e.Code, e.Message)
}

func (e *StatusError) Unwrap() error {
	return e.cause
}

// StatusCode returns the agent status carried by err, if any.
func StatusCode(err error) (connect.Code, bool) {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code, true
	}
	return 0, false
}

func missingCredential(ref workspace.InstanceRef) *apperrors.Error {
	return apperrors.New(apperrors.ErrCodeMissingCredential, "instance has no owner token").
		WithContext("instance", ref.InstanceID)
}

// classifyError maps Connect failures onto the bridge taxonomy: transport
// and timeout failures mean the agent is unreachable, anything else is a
// status the agent answered with.
func classifyError(err error, op string) *apperrors.Error {
	var urlErr *url.Error
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		return apperrors.Wrap(err, apperrors.ErrCodeCanceled, op+": canceled")
	case errors.Is(err, context.DeadlineExceeded),
		connect.CodeOf(err) == connect.CodeDeadlineExceeded,
		errors.As(err, &urlErr),
		errors.As(err, &netErr):
		return apperrors.Wrap(err, apperrors.ErrCodeUpstreamUnavailable, op+": agent unreachable").
			WithRetryable(true)
	}

	statusErr := &StatusError{Code: connect.CodeOf(err), cause: err}
	var connectErr *connect.Error
	if errors.As(err, &connectErr) {
		statusErr.Message = connectErr.Message()
	}
	return apperrors.Wrap(statusErr, apperrors.ErrCodeUpstreamStatus, op)
}
