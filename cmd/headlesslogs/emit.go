package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"time"
)

const letterBytes = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// runEmitCommand stands in for a headless task: it prints a line of random
// letters every interval until duration elapses, then DONE.
func runEmitCommand(args []string) error {
	fs := flag.NewFlagSet("emit", flag.ContinueOnError)
	fs.SetOutput(cliStderr)
	chunkSize := fs.Uint("chunk-size", 64, "letters per line")
	interval := fs.Duration("interval", 100*time.Millisecond, "delay between lines")
	duration := fs.Duration("duration", 5*time.Second, "total run time")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}
	if *interval <= 0 || *duration < 0 {
		return withExitCode(errors.New("-interval must be positive and -duration non-negative"), exitUsage)
	}

	ctx, stop := signalContextFn()
	defer stop()
	return emit(ctx, cliStdout, int(*chunkSize), *interval, *duration)
}

func emit(ctx context.Context, w io.Writer, chunkSize int, interval, duration time.Duration) error {
	deadline := time.NewTimer(duration)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := fmt.Fprintln(w, randomLetters(chunkSize)); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			_, err := fmt.Fprintln(w, "DONE")
			return err
		case <-ticker.C:
		}
	}
}

func randomLetters(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = letterBytes[rand.IntN(len(letterBytes))]
	}
	return string(b)
}
