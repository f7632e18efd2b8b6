package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"golang.org/x/term"

	apperrors "github.com/odvcencio/headlesslogs/pkg/errors"
	"github.com/odvcencio/headlesslogs/pkg/observability"
	"github.com/odvcencio/headlesslogs/pkg/supervisor"
	"github.com/odvcencio/headlesslogs/pkg/workspace"
	"github.com/odvcencio/headlesslogs/pkg/workspacelog"
)

var (
	cliStdout io.Writer = os.Stdout
	cliStderr io.Writer = os.Stderr
)

// agentFlags are shared by the commands that talk to an agent directly.
type agentFlags struct {
	ideURL     *string
	ownerToken *string
	instance   *string
	timeout    *time.Duration
	verbose    *bool
}

func registerAgentFlags(fs *flag.FlagSet) agentFlags {
	return agentFlags{
		ideURL:     fs.String("ide-url", "", "IDE URL of the instance"),
		ownerToken: fs.String("owner-token", "", "instance owner token (default $HEADLESSLOGS_OWNER_TOKEN)"),
		instance:   fs.String("instance", "instance", "instance id used in stream paths"),
		timeout:    fs.Duration("timeout", supervisor.DefaultQueryTimeout, "task query timeout"),
		verbose:    fs.Bool("v", false, "debug logging to stderr"),
	}
}

func (f agentFlags) ref() (workspace.InstanceRef, error) {
	token := strings.TrimSpace(*f.ownerToken)
	if token == "" {
		token = strings.TrimSpace(os.Getenv("HEADLESSLOGS_OWNER_TOKEN"))
	}
	ref := workspace.InstanceRef{
		InstanceID: strings.TrimSpace(*f.instance),
		IDEURL:     strings.TrimSpace(*f.ideURL),
		OwnerToken: token,
	}
	if ref.IDEURL == "" {
		return ref, withExitCode(errors.New("-ide-url is required"), exitUsage)
	}
	return ref, nil
}

func (f agentFlags) service() *workspacelog.Service {
	level := "warn"
	if *f.verbose {
		level = "debug"
	}
	logger := observability.NewLogger(cliStderr, "cli", level, "text")
	client := supervisor.NewClient(
		supervisor.WithQueryTimeout(*f.timeout),
		supervisor.WithLogger(logger),
	)
	return workspacelog.NewService(client, workspacelog.WithLogger(logger))
}

func runTasksCommand(args []string) error {
	fs := flag.NewFlagSet("tasks", flag.ContinueOnError)
	fs.SetOutput(cliStderr)
	agent := registerAgentFlags(fs)
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}
	ref, err := agent.ref()
	if err != nil {
		return err
	}

	ctx, stop := signalContextFn()
	defer stop()

	streams, err := agent.service().ListAdvertisedStreams(ctx, ref)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(streams))
	for id := range streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(cliStdout, "%s\t%s\n", id, streams[id])
	}
	return nil
}

func runTailCommand(args []string) error {
	fs := flag.NewFlagSet("tail", flag.ContinueOnError)
	fs.SetOutput(cliStderr)
	agent := registerAgentFlags(fs)
	terminal := fs.String("terminal", "", "terminal id to stream")
	raw := fs.Bool("raw", isTerminal(cliStdout), "write decoded output instead of base64 lines (default when stdout is a terminal)")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}
	ref, err := agent.ref()
	if err != nil {
		return err
	}
	if strings.TrimSpace(*terminal) == "" {
		return withExitCode(errors.New("-terminal is required"), exitUsage)
	}

	ctx, stop := signalContextFn()
	defer stop()

	stream, err := agent.service().FetchLog(ctx, ref, strings.TrimSpace(*terminal))
	if err != nil {
		return err
	}
	defer stream.Close()

	err = stream.Relay(ctx, tailSink(cliStdout, *raw))
	if apperrors.IsCode(err, apperrors.ErrCodeCanceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func tailSink(w io.Writer, raw bool) workspacelog.SinkFunc {
	return func(_ context.Context, chunk workspacelog.Chunk) error {
		if !raw {
			_, err := fmt.Fprintln(w, chunk.Data)
			return err
		}
		data, err := chunk.Decode()
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	}
}
