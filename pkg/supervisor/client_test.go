package supervisor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/odvcencio/headlesslogs/pkg/errors"
	"github.com/odvcencio/headlesslogs/pkg/supervisor"
	"github.com/odvcencio/headlesslogs/pkg/supervisor/supervisortest"
	"github.com/odvcencio/headlesslogs/pkg/workspace"
)

const ownerToken = "owner-secret"

func newClient(agent *supervisortest.Agent, opts ...supervisor.Option) *supervisor.Client {
	return supervisor.NewClient(append([]supervisor.Option{supervisor.WithHTTPClient(agent.Client())}, opts...)...)
}

func refFor(agent *supervisortest.Agent) workspace.InstanceRef {
	return workspace.InstanceRef{InstanceID: "ws-1", IDEURL: agent.IDEURL(), OwnerToken: ownerToken}
}

func TestBaseURL(t *testing.T) {
	c := supervisor.NewClient()

	got, err := c.BaseURL("https://ws-1.example.com/some/ide/path?folder=/workspace#frag")
	require.NoError(t, err)
	assert.Equal(t, "https://ws-1.example.com/_supervisor/v1/ws", got)

	_, err = c.BaseURL("")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))

	_, err = c.BaseURL("ws-1.example.com")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))
}

func TestBaseURL_CustomPath(t *testing.T) {
	c := supervisor.NewClient(supervisor.WithAPIPath("agent/api/"))

	got, err := c.BaseURL("http://localhost:3000/")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3000/agent/api", got)
}

func TestQueryTasks(t *testing.T) {
	agent := supervisortest.NewAgent(t, ownerToken)
	agent.SetTasks(
		&supervisor.TaskStatus{ID: "task-1", State: supervisor.TaskStateRunning, Terminal: "term-a"},
		&supervisor.TaskStatus{ID: "task-2", State: supervisor.TaskStateRunning, Terminal: "term-b"},
		&supervisor.TaskStatus{ID: "task-3", State: supervisor.TaskStateOpening},
	)

	tasks, err := newClient(agent).QueryTasks(context.Background(), refFor(agent))
	require.NoError(t, err)
	assert.Equal(t, []workspace.TaskDescriptor{
		{TaskID: "task-1", TerminalID: "term-a"},
		{TaskID: "task-2", TerminalID: "term-b"},
	}, tasks)
	assert.Equal(t, 1, agent.QueryCalls())
	assert.Equal(t, ownerToken, agent.LastOwnerToken())
}

func TestQueryTasks_ClosesHeldStream(t *testing.T) {
	agent := supervisortest.NewAgent(t, ownerToken)
	agent.SetTerminals("task-1", "term-a")
	agent.HoldTaskStream(true)

	tasks, err := newClient(agent).QueryTasks(context.Background(), refFor(agent))
	require.NoError(t, err)
	assert.Len(t, tasks, 1)

	select {
	case <-agent.TaskStreamDone():
	case <-time.After(5 * time.Second):
		t.Fatal("task status stream was not closed after the first response")
	}
}

func TestQueryTasks_MissingOwnerToken(t *testing.T) {
	agent := supervisortest.NewAgent(t, ownerToken)
	ref := refFor(agent)
	ref.OwnerToken = ""

	_, err := newClient(agent).QueryTasks(context.Background(), ref)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeMissingCredential))
	assert.Equal(t, 0, agent.QueryCalls())

	_, err = newClient(agent).OpenTerminalStream(context.Background(), ref, "term-a")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeMissingCredential))
	assert.Equal(t, 0, agent.ListenCalls())
}

func TestQueryTasks_StatusError(t *testing.T) {
	agent := supervisortest.NewAgent(t, ownerToken)
	agent.FailTasks(connect.NewError(connect.CodeUnavailable, errors.New("supervisor starting")))

	_, err := newClient(agent).QueryTasks(context.Background(), refFor(agent))
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeUpstreamStatus))

	code, ok := supervisor.StatusCode(err)
	require.True(t, ok)
	assert.Equal(t, connect.CodeUnavailable, code)
}

func TestQueryTasks_WrongOwnerToken(t *testing.T) {
	agent := supervisortest.NewAgent(t, ownerToken)
	ref := refFor(agent)
	ref.OwnerToken = "stale"

	_, err := newClient(agent).QueryTasks(context.Background(), ref)
	code, ok := supervisor.StatusCode(err)
	require.True(t, ok)
	assert.Equal(t, connect.CodePermissionDenied, code)
}

func TestQueryTasks_Unreachable(t *testing.T) {
	c := supervisor.NewClient(supervisor.WithQueryTimeout(time.Second))
	ref := workspace.InstanceRef{InstanceID: "ws-1", IDEURL: "http://127.0.0.1:1/ide", OwnerToken: ownerToken}

	_, err := c.QueryTasks(context.Background(), ref)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeUpstreamUnavailable))
	assert.True(t, apperrors.IsRetryable(err))
}

func TestQueryTasks_Timeout(t *testing.T) {
	agent := supervisortest.NewAgent(t, ownerToken)
	agent.SetTerminals("task-1", "term-a")
	gate := make(chan struct{})
	defer close(gate)
	agent.BlockTasks(gate)

	c := newClient(agent, supervisor.WithQueryTimeout(50*time.Millisecond))
	assert.Equal(t, 50*time.Millisecond, c.QueryTimeout())

	start := time.Now()
	_, err := c.QueryTasks(context.Background(), refFor(agent))
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeUpstreamUnavailable))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestOpenTerminalStream(t *testing.T) {
	agent := supervisortest.NewAgent(t, ownerToken)
	agent.SetScript("term-a", supervisortest.Script{
		Title:  "npm run dev",
		Output: [][]byte{[]byte("a"), []byte("b"), []byte("c")},
	})

	sub, err := newClient(agent).OpenTerminalStream(context.Background(), refFor(agent), "term-a")
	require.NoError(t, err)
	defer sub.Cancel()

	var got []string
	for sub.Receive() {
		got = append(got, string(sub.Data()))
	}
	require.NoError(t, sub.Err())
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.False(t, sub.Receive())
}

func TestOpenTerminalStream_UpstreamError(t *testing.T) {
	agent := supervisortest.NewAgent(t, ownerToken)
	agent.SetScript("term-a", supervisortest.Script{
		Output: [][]byte{[]byte("a"), []byte("b")},
		Err:    connect.NewError(connect.CodeInternal, errors.New("terminal crashed")),
	})

	sub, err := newClient(agent).OpenTerminalStream(context.Background(), refFor(agent), "term-a")
	require.NoError(t, err)

	var got []string
	for sub.Receive() {
		got = append(got, string(sub.Data()))
	}
	assert.Equal(t, []string{"a", "b"}, got)
	require.Error(t, sub.Err())
	assert.True(t, apperrors.IsCode(sub.Err(), apperrors.ErrCodeUpstreamStatus))
	code, _ := supervisor.StatusCode(sub.Err())
	assert.Equal(t, connect.CodeInternal, code)
}

func TestOpenTerminalStream_UnknownTerminal(t *testing.T) {
	agent := supervisortest.NewAgent(t, ownerToken)

	sub, err := newClient(agent).OpenTerminalStream(context.Background(), refFor(agent), "term-z")
	require.NoError(t, err)

	assert.False(t, sub.Receive())
	code, ok := supervisor.StatusCode(sub.Err())
	require.True(t, ok)
	assert.Equal(t, connect.CodeNotFound, code)
}

func TestOpenTerminalStream_CancelReleasesUpstream(t *testing.T) {
	agent := supervisortest.NewAgent(t, ownerToken)
	agent.SetScript("term-a", supervisortest.Script{Output: [][]byte{[]byte("a")}, Hold: true})

	sub, err := newClient(agent).OpenTerminalStream(context.Background(), refFor(agent), "term-a")
	require.NoError(t, err)

	require.True(t, sub.Receive())
	assert.Equal(t, "a", string(sub.Data()))

	sub.Cancel()
	sub.Cancel()

	select {
	case id := <-agent.ListenerDone():
		assert.Equal(t, "term-a", id)
	case <-time.After(5 * time.Second):
		t.Fatal("agent listener still running after cancel")
	}
	assert.False(t, sub.Receive())
	assert.NoError(t, sub.Err())
}

func TestOpenTerminalStream_CancelWhileReceiving(t *testing.T) {
	agent := supervisortest.NewAgent(t, ownerToken)
	agent.SetScript("term-a", supervisortest.Script{Hold: true})

	sub, err := newClient(agent).OpenTerminalStream(context.Background(), refFor(agent), "term-a")
	require.NoError(t, err)

	done := make(chan bool, 1)
	go func() { done <- sub.Receive() }()

	time.Sleep(50 * time.Millisecond)
	sub.Cancel()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("Receive did not return after cancel")
	}
	assert.NoError(t, sub.Err())
}

func TestOpenTerminalStream_ReturnsBeforeFirstOutput(t *testing.T) {
	agent := supervisortest.NewAgent(t, ownerToken)
	gate := make(chan struct{})
	agent.SetScript("term-a", supervisortest.Script{
		Output: [][]byte{[]byte("late")},
		Gate:   gate,
		Hold:   true,
	})

	opened := make(chan supervisor.Subscription, 1)
	go func() {
		sub, err := newClient(agent).OpenTerminalStream(context.Background(), refFor(agent), "term-a")
		assert.NoError(t, err)
		opened <- sub
	}()

	var sub supervisor.Subscription
	select {
	case sub = <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("OpenTerminalStream waited for the agent's first output")
	}
	require.NotNil(t, sub)
	defer sub.Cancel()

	close(gate)
	require.True(t, sub.Receive())
	assert.Equal(t, "late", string(sub.Data()))
}

func TestOpenTerminalStream_CancelBeforeEstablished(t *testing.T) {
	agent := supervisortest.NewAgent(t, ownerToken)
	agent.SetScript("term-a", supervisortest.Script{Hold: true})

	sub, err := newClient(agent).OpenTerminalStream(context.Background(), refFor(agent), "term-a")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return agent.ListenCalls() == 1 }, 5*time.Second, 5*time.Millisecond)

	sub.Cancel()

	select {
	case id := <-agent.ListenerDone():
		assert.Equal(t, "term-a", id)
	case <-time.After(5 * time.Second):
		t.Fatal("agent listener still running after cancel")
	}
	assert.False(t, sub.Receive())
	assert.NoError(t, sub.Err())
}

func TestOpenTerminalStream_UnreachableSurfacesOnReceive(t *testing.T) {
	c := supervisor.NewClient()
	ref := workspace.InstanceRef{InstanceID: "ws-1", IDEURL: "http://127.0.0.1:1/ide", OwnerToken: ownerToken}

	sub, err := c.OpenTerminalStream(context.Background(), ref, "term-a")
	require.NoError(t, err)
	defer sub.Cancel()

	assert.False(t, sub.Receive())
	require.Error(t, sub.Err())
	assert.True(t, apperrors.IsCode(sub.Err(), apperrors.ErrCodeUpstreamUnavailable))
}
