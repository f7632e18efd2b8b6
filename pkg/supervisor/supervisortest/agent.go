// Package supervisortest runs an in-process workspace agent for tests.
package supervisortest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"connectrpc.com/connect"

	"github.com/odvcencio/headlesslogs/pkg/supervisor"
)

// Script describes what a fake terminal emits to a listener.
type Script struct {
	// Title, when set, is sent as a title event before any output.
	Title string
	// Output is sent in order, one data event per element.
	Output [][]byte
	// Err ends the stream after Output. A nil Err ends it cleanly.
	Err error
	// Hold keeps the stream open after Output until the listener goes away.
	Hold bool
	// Gate, when set, is received from before each output element.
	Gate <-chan struct{}
}

// Agent is a fake workspace agent served over httptest.
type Agent struct {
	server     *httptest.Server
	ownerToken string

	mu            sync.Mutex
	tasks         []*supervisor.TaskStatus
	tasksErr      error
	holdTasks     bool
	blockTasks    <-chan struct{}
	terminals     map[string]Script
	lastAuthToken string

	queryCalls  atomic.Int64
	listenCalls atomic.Int64

	listenerDone chan string
	taskDone     chan struct{}
}

// NewAgent starts a fake agent that accepts ownerToken.
func NewAgent(t testing.TB, ownerToken string) *Agent {
	t.Helper()

	a := &Agent{
		ownerToken:   ownerToken,
		terminals:    make(map[string]Script),
		listenerDone: make(chan string, 64),
		taskDone:     make(chan struct{}, 64),
	}

	mux := http.NewServeMux()
	mux.Handle(supervisor.APIPath+supervisor.TasksStatusProcedure, connect.NewServerStreamHandler(
		supervisor.TasksStatusProcedure,
		a.tasksStatus,
		supervisor.CodecOption(),
	))
	mux.Handle(supervisor.APIPath+supervisor.ListenProcedure, connect.NewServerStreamHandler(
		supervisor.ListenProcedure,
		a.listen,
		supervisor.CodecOption(),
	))

	a.server = httptest.NewServer(mux)
	t.Cleanup(a.server.Close)
	return a
}

// IDEURL returns an IDE URL whose agent is this fake. The path is
// deliberately not the agent path.
func (a *Agent) IDEURL() string {
	return a.server.URL + "/ide/workspace?folder=/workspace"
}

// URL returns the base URL of the underlying server.
func (a *Agent) URL() string {
	return a.server.URL
}

// Client returns an HTTP client for the underlying server.
func (a *Agent) Client() *http.Client {
	return a.server.Client()
}

// SetTasks replaces the reported task list.
func (a *Agent) SetTasks(tasks ...*supervisor.TaskStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tasks = tasks
	a.tasksErr = nil
}

// SetTerminals is shorthand for reporting running tasks bound to terminals,
// given as alternating task and terminal ids.
func (a *Agent) SetTerminals(pairs ...string) {
	tasks := make([]*supervisor.TaskStatus, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		tasks = append(tasks, &supervisor.TaskStatus{
			ID:       pairs[i],
			State:    supervisor.TaskStateRunning,
			Terminal: pairs[i+1],
		})
	}
	a.SetTasks(tasks...)
}

// FailTasks makes the task status call end with err before any response.
func (a *Agent) FailTasks(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tasksErr = err
}

// HoldTaskStream keeps the task status stream open after the first
// response, like an observing agent would.
func (a *Agent) HoldTaskStream(hold bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.holdTasks = hold
}

// BlockTasks delays every task status response until gate is closed or the
// caller goes away.
func (a *Agent) BlockTasks(gate <-chan struct{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.blockTasks = gate
}

// SetScript sets the output of a terminal.
func (a *Agent) SetScript(terminalID string, script Script) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.terminals[terminalID] = script
}

// QueryCalls reports how many task status calls reached the agent.
func (a *Agent) QueryCalls() int {
	return int(a.queryCalls.Load())
}

// ListenCalls reports how many terminal listeners reached the agent.
func (a *Agent) ListenCalls() int {
	return int(a.listenCalls.Load())
}

// LastOwnerToken returns the owner token presented by the latest call.
func (a *Agent) LastOwnerToken() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastAuthToken
}

// ListenerDone receives the terminal id of every listener handler that returned.
func (a *Agent) ListenerDone() <-chan string {
	return a.listenerDone
}

// TaskStreamDone receives once per task status handler that returned.
func (a *Agent) TaskStreamDone() <-chan struct{} {
	return a.taskDone
}

func (a *Agent) authorize(header http.Header) error {
	token := header.Get(supervisor.OwnerTokenHeader)
	a.mu.Lock()
	a.lastAuthToken = token
	a.mu.Unlock()
	if token == "" || token != a.ownerToken {
		return connect.NewError(connect.CodePermissionDenied, errors.New("invalid owner token"))
	}
	return nil
}

func (a *Agent) tasksStatus(
	ctx context.Context,
	req *connect.Request[supervisor.TasksStatusRequest],
	stream *connect.ServerStream[supervisor.TasksStatusResponse],
) error {
	a.queryCalls.Add(1)
	defer func() { a.taskDone <- struct{}{} }()

	if err := a.authorize(req.Header()); err != nil {
		return err
	}

	a.mu.Lock()
	tasks := append([]*supervisor.TaskStatus(nil), a.tasks...)
	tasksErr := a.tasksErr
	hold := a.holdTasks || req.Msg.Observe
	gate := a.blockTasks
	a.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if tasksErr != nil {
		return tasksErr
	}
	if err := stream.Send(&supervisor.TasksStatusResponse{Tasks: tasks}); err != nil {
		return err
	}
	if hold {
		<-ctx.Done()
	}
	return nil
}

func (a *Agent) listen(
	ctx context.Context,
	req *connect.Request[supervisor.ListenTerminalRequest],
	stream *connect.ServerStream[supervisor.ListenTerminalResponse],
) error {
	a.listenCalls.Add(1)
	defer func() { a.listenerDone <- req.Msg.Alias }()

	if err := a.authorize(req.Header()); err != nil {
		return err
	}

	a.mu.Lock()
	script, ok := a.terminals[req.Msg.Alias]
	a.mu.Unlock()
	if !ok {
		return connect.NewError(connect.CodeNotFound, errors.New("terminal not found"))
	}

	if script.Title != "" {
		if err := stream.Send(&supervisor.ListenTerminalResponse{Kind: supervisor.OutputTitle, Title: script.Title}); err != nil {
			return err
		}
	}
	for _, data := range script.Output {
		if script.Gate != nil {
			select {
			case <-script.Gate:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := stream.Send(&supervisor.ListenTerminalResponse{Kind: supervisor.OutputData, Data: data}); err != nil {
			return err
		}
	}
	if script.Err != nil {
		return script.Err
	}
	if script.Hold {
		<-ctx.Done()
		return nil
	}
	return stream.Send(&supervisor.ListenTerminalResponse{Kind: supervisor.OutputExitCode, ExitCode: 0})
}
