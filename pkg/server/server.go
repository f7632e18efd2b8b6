// Package server exposes the headless log bridge over HTTP: the advertised
// stream listing, the chunked log endpoint and its websocket variant, the
// CLI login flow, health and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/headlesslogs/pkg/auth"
	"github.com/odvcencio/headlesslogs/pkg/config"
	"github.com/odvcencio/headlesslogs/pkg/observability"
	"github.com/odvcencio/headlesslogs/pkg/storage"
	"github.com/odvcencio/headlesslogs/pkg/workspace"
	"github.com/odvcencio/headlesslogs/pkg/workspacelog"
)

// Store is the persistence the server reads and maintains.
// *storage.Store implements it.
type Store interface {
	auth.Store
	auth.GrantStore
	GetWorkspace(id string) (*workspace.Workspace, error)
	GetInstance(id string) (*workspace.Instance, error)
	CreateAuthCode(code, userID, clientID, challenge, method string, expires time.Time) error
	ConsumeAuthCode(code string, now time.Time) (*storage.AuthCode, error)
	CleanupExpiredAuthCodes(now time.Time) (int64, error)
	CleanupExpiredAuthSessions(now time.Time) (int64, error)
	CountActiveAuthSessions(now time.Time) (int, error)
	Ping() error
}

var _ Store = (*storage.Store)(nil)

// Options wires a Server.
type Options struct {
	Config      config.ServerConfig
	Hosts       []string
	AuthCodeTTL time.Duration
	Version     string

	Store         Store
	Tokens        *auth.TokenManager
	Authenticator *auth.Authenticator
	Logs          *workspacelog.Service
	Metrics       *observability.Metrics
	Logger        *slog.Logger
}

// Server hosts the log bridge HTTP API.
type Server struct {
	cfg         config.ServerConfig
	version     string
	authCodeTTL time.Duration

	store   Store
	tokens  *auth.TokenManager
	authn   *auth.Authenticator
	hosts   auth.HostContextProvider
	logs    *workspacelog.Service
	metrics *observability.Metrics
	logger  *slog.Logger

	streamLimiter *connLimiter
	openLimiter   *principalLimiter
	router        http.Handler
	now           func() time.Time
}

// New validates opts and builds the router.
func New(opts Options) (*Server, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("server: store required")
	case opts.Tokens == nil || opts.Authenticator == nil:
		return nil, errors.New("server: authenticator required")
	case opts.Logs == nil:
		return nil, errors.New("server: log service required")
	}

	cfg := opts.Config
	if strings.TrimSpace(cfg.Bind) == "" {
		cfg.Bind = config.DefaultBind
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = config.DefaultShutdownTimeout
	}
	if cfg.WSPingInterval <= 0 {
		cfg.WSPingInterval = config.DefaultWSPingInterval
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = config.DefaultJanitorInterval
	}
	authCodeTTL := opts.AuthCodeTTL
	if authCodeTTL <= 0 {
		authCodeTTL = config.DefaultAuthCodeTTL
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics(false)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	s := &Server{
		cfg:           cfg,
		version:       opts.Version,
		authCodeTTL:   authCodeTTL,
		store:         opts.Store,
		tokens:        opts.Tokens,
		authn:         opts.Authenticator,
		hosts:         auth.NewHostContextProvider(opts.Hosts, opts.Store),
		logs:          opts.Logs,
		metrics:       metrics,
		logger:        logger,
		streamLimiter: newConnLimiter(cfg.MaxConcurrentStreams),
		openLimiter:   newPrincipalLimiter(cfg.StreamOpenRate, cfg.StreamOpenBurst),
		now:           time.Now,
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RealIP)
	router.Use(requestIDMiddleware)
	router.Use(s.accessLogMiddleware)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(s.corsMiddleware)

	router.Get("/healthz", s.handleHealthz)
	router.Get("/metrics", s.handleMetrics)
	router.Post("/auth/cli/token", s.handleCLIToken)

	router.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/auth/cli/authorize", s.handleCLIAuthorize)
		r.Post("/auth/logout", s.handleLogout)

		r.Get("/headless-logs/{instanceID}", s.handleListStreams)
		r.Get("/headless-logs/{instanceID}/{terminalID}", s.handleFetchLog)
		r.Get("/headless-logs/{instanceID}/{terminalID}/ws", s.handleFetchLogWS)
	})

	// h2c lets proxies that only speak cleartext HTTP/2 reach the streams.
	return h2c.NewHandler(router, &http2.Server{})
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run listens on the configured bind address and serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Bind)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Bind, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln and runs the janitor until ctx ends, then shuts down
// gracefully within the configured timeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("serving headless logs", "addr", ln.Addr().String(), "version", s.version)
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		s.runJanitor(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("graceful shutdown incomplete", "error", err)
			return httpServer.Close()
		}
		return nil
	})
	return g.Wait()
}
