package main

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"connectrpc.com/connect"

	"github.com/odvcencio/headlesslogs/pkg/supervisor/supervisortest"
)

func newTestAgent(t *testing.T) *supervisortest.Agent {
	t.Helper()
	agent := supervisortest.NewAgent(t, "owner-token")
	agent.SetTerminals("build", "term-a", "serve", "term-b")
	agent.SetScript("term-a", supervisortest.Script{
		Output: [][]byte{[]byte("hello "), []byte("world\n")},
	})
	return agent
}

func TestRunTasksCommand(t *testing.T) {
	isolateEnv(t)
	stdout, _ := captureOutput(t)
	withSignalContext(t, context.Background())
	agent := newTestAgent(t)

	err := runTasksCommand([]string{"-ide-url", agent.IDEURL(), "-owner-token", "owner-token", "-instance", "ws-1"})
	if err != nil {
		t.Fatalf("runTasksCommand: %v", err)
	}
	want := "build\t/headless-logs/ws-1/term-a\nserve\t/headless-logs/ws-1/term-b\n"
	if stdout.String() != want {
		t.Fatalf("output = %q, want %q", stdout.String(), want)
	}
	if agent.LastOwnerToken() != "owner-token" {
		t.Fatalf("agent saw token %q", agent.LastOwnerToken())
	}
}

func TestRunTasksCommand_OwnerTokenFromEnv(t *testing.T) {
	isolateEnv(t)
	captureOutput(t)
	withSignalContext(t, context.Background())
	agent := newTestAgent(t)
	t.Setenv("HEADLESSLOGS_OWNER_TOKEN", "owner-token")

	if err := runTasksCommand([]string{"-ide-url", agent.IDEURL()}); err != nil {
		t.Fatalf("runTasksCommand: %v", err)
	}
}

func TestRunTasksCommand_Errors(t *testing.T) {
	isolateEnv(t)
	captureOutput(t)
	withSignalContext(t, context.Background())
	agent := newTestAgent(t)

	if err := runTasksCommand(nil); exitCodeForError(err) != exitUsage {
		t.Fatalf("missing -ide-url: %v", err)
	}
	err := runTasksCommand([]string{"-ide-url", agent.IDEURL()})
	if exitCodeForError(err) != exitNotFound {
		t.Fatalf("missing owner token: %v", err)
	}
	if agent.QueryCalls() != 0 {
		t.Fatal("agent should not be called without an owner token")
	}

	agent.FailTasks(connect.NewError(connect.CodeUnavailable, errors.New("agent restarting")))
	err = runTasksCommand([]string{"-ide-url", agent.IDEURL(), "-owner-token", "owner-token"})
	if exitCodeForError(err) != exitUpstream {
		t.Fatalf("upstream failure: %v", err)
	}
}

func TestRunTailCommand(t *testing.T) {
	isolateEnv(t)
	withSignalContext(t, context.Background())
	agent := newTestAgent(t)

	stdout, _ := captureOutput(t)
	args := []string{"-ide-url", agent.IDEURL(), "-owner-token", "owner-token", "-terminal", "term-a"}
	if err := runTailCommand(args); err != nil {
		t.Fatalf("runTailCommand: %v", err)
	}
	if stdout.String() != "aGVsbG8g\nd29ybGQK\n" {
		t.Fatalf("base64 output = %q", stdout.String())
	}

	stdout.Reset()
	if err := runTailCommand(append(args, "-raw")); err != nil {
		t.Fatalf("runTailCommand -raw: %v", err)
	}
	if stdout.String() != "hello world\n" {
		t.Fatalf("raw output = %q", stdout.String())
	}
}

func TestRunTailCommand_Errors(t *testing.T) {
	isolateEnv(t)
	captureOutput(t)
	withSignalContext(t, context.Background())
	agent := newTestAgent(t)

	err := runTailCommand([]string{"-ide-url", agent.IDEURL(), "-owner-token", "owner-token"})
	if exitCodeForError(err) != exitUsage || !strings.Contains(err.Error(), "-terminal") {
		t.Fatalf("missing -terminal: %v", err)
	}

	err = runTailCommand([]string{"-ide-url", agent.IDEURL(), "-owner-token", "owner-token", "-terminal", "term-z"})
	if exitCodeForError(err) != exitNotFound {
		t.Fatalf("unadvertised terminal: %v", err)
	}
}

func TestRunTailCommand_InterruptIsClean(t *testing.T) {
	isolateEnv(t)
	captureOutput(t)
	agent := newTestAgent(t)
	agent.SetScript("term-b", supervisortest.Script{Output: [][]byte{[]byte("tick\n")}, Hold: true})

	ctx, cancel := context.WithCancel(context.Background())
	withSignalContext(t, ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- runTailCommand([]string{"-ide-url", agent.IDEURL(), "-owner-token", "owner-token", "-terminal", "term-b"})
	}()
	<-waitListen(t, agent)
	cancel()

	if err := <-errCh; err != nil {
		t.Fatalf("interrupted tail should exit cleanly, got %v", err)
	}
}

// waitListen closes the returned channel once the agent has a listener.
func waitListen(t *testing.T, agent *supervisortest.Agent) <-chan struct{} {
	t.Helper()
	ready := make(chan struct{})
	go func() {
		defer close(ready)
		for agent.ListenCalls() == 0 {
			select {
			case <-t.Context().Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}()
	return ready
}

func TestIsTerminal(t *testing.T) {
	if isTerminal(&strings.Builder{}) {
		t.Fatal("a buffer is not a terminal")
	}
	f, err := os.CreateTemp(t.TempDir(), "out")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()
	if isTerminal(f) {
		t.Fatal("a regular file is not a terminal")
	}
}
