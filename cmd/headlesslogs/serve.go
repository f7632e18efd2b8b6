package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/odvcencio/headlesslogs/pkg/auth"
	"github.com/odvcencio/headlesslogs/pkg/config"
	"github.com/odvcencio/headlesslogs/pkg/notify"
	"github.com/odvcencio/headlesslogs/pkg/observability"
	"github.com/odvcencio/headlesslogs/pkg/server"
	"github.com/odvcencio/headlesslogs/pkg/storage"
	"github.com/odvcencio/headlesslogs/pkg/supervisor"
	"github.com/odvcencio/headlesslogs/pkg/workspacelog"
)

var (
	serveLoadConfigFn   = loadConfig
	serveInitStoreFn    = storage.New
	serveNewPublisherFn = newPublisher
	signalContextFn     = func() (context.Context, context.CancelFunc) {
		return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	}
	serveLogOutput io.Writer = os.Stderr
)

func loadConfig(path string) (*config.Config, error) {
	if strings.TrimSpace(path) == "" {
		return config.Load()
	}
	return config.LoadFromPath(path)
}

func runServeCommand(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a config file (default ~/.headlesslogs/config.yaml)")
	bind := fs.String("bind", "", "override server.bind")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}

	cfg, err := serveLoadConfigFn(*configPath)
	if err != nil {
		return withExitCode(err, exitUsage)
	}
	if v := strings.TrimSpace(*bind); v != "" {
		cfg.Server.Bind = v
	}
	if strings.TrimSpace(cfg.Auth.Secret) == "" {
		return withExitCode(errors.New("auth.secret is required (set HEADLESSLOGS_AUTH_SECRET)"), exitUsage)
	}

	logger := observability.NewLogger(serveLogOutput, "serve", cfg.Logging.Level, cfg.Logging.Format)
	for _, w := range cfg.ValidationWarnings() {
		logger.Warn("config warning", "warning", w)
	}

	ctx, stop := signalContextFn()
	defer stop()

	tracing, err := observability.NewTracing(cfg.Tracing, version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownWithTimeout(logger, "tracing", tracing.Shutdown)

	store, err := serveInitStoreFn(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	defer store.Close()

	publisher, err := serveNewPublisherFn(cfg.Notify)
	if err != nil {
		return fmt.Errorf("init notifications: %w", err)
	}
	defer publisher.Close()

	metrics := observability.NewMetrics(true)
	observer := observability.NewRelayObserver(metrics, publisher, logger.With("component", "events"))
	observer.Start()
	defer shutdownWithTimeout(logger, "event publisher", observer.Stop)

	upstream := supervisor.NewClient(
		supervisor.WithQueryTimeout(cfg.Supervisor.QueryTimeout),
		supervisor.WithAPIPath(cfg.Supervisor.APIPath),
		supervisor.WithLogger(logger.With("component", "supervisor")),
	)
	logs := workspacelog.NewService(upstream,
		workspacelog.WithObserver(observer),
		workspacelog.WithTracer(tracing.Tracer()),
		workspacelog.WithLogger(logger.With("component", "workspacelog")),
	)

	tokens := auth.NewTokenManager(cfg.Auth.Secret, cfg.Auth.Issuer)
	srv, err := server.New(server.Options{
		Config:        cfg.Server,
		Hosts:         cfg.Hosts,
		AuthCodeTTL:   cfg.Auth.AuthCodeTTL,
		Version:       version,
		Store:         store,
		Tokens:        tokens,
		Authenticator: auth.NewAuthenticator(tokens, store, cfg.Auth.SessionTTL),
		Logs:          logs,
		Metrics:       metrics,
		Logger:        logger.With("component", "server"),
	})
	if err != nil {
		return err
	}
	if err := srv.Run(ctx); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

// newPublisher builds the stream event publisher from the notify config.
// NATS is used only when notifications are enabled; Slack alerts whenever
// a webhook is set.
func newPublisher(cfg config.NotifyConfig) (notify.Publisher, error) {
	var publishers notify.Multi
	if cfg.Enabled {
		nc, err := notify.NewNATSPublisher(notify.NATSConfig{
			URL:            cfg.NATS.URL,
			Username:       cfg.NATS.Username,
			Password:       cfg.NATS.Password,
			Token:          cfg.NATS.Token,
			SubjectPrefix:  cfg.NATS.SubjectPrefix,
			ConnectTimeout: cfg.NATS.ConnectTimeout,
		})
		if err != nil {
			return nil, err
		}
		publishers = append(publishers, nc)
	}
	if strings.TrimSpace(cfg.SlackWebhookURL) != "" {
		slack, err := notify.NewSlackPublisher(notify.SlackConfig{
			WebhookURL: cfg.SlackWebhookURL,
			Channel:    cfg.SlackChannel,
		})
		if err != nil {
			_ = publishers.Close()
			return nil, err
		}
		publishers = append(publishers, slack)
	}
	if len(publishers) == 0 {
		return notify.NopPublisher{}, nil
	}
	return publishers, nil
}

func shutdownWithTimeout(logger *slog.Logger, what string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		logger.Warn("shutdown failed", "what", what, "error", err)
	}
}
