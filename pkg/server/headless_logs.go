package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/odvcencio/headlesslogs/pkg/auth"
	apperrors "github.com/odvcencio/headlesslogs/pkg/errors"
	"github.com/odvcencio/headlesslogs/pkg/workspace"
	"github.com/odvcencio/headlesslogs/pkg/workspacelog"
)

const encodingRaw = "raw"

// logTarget is an instance the caller has been cleared to read logs of.
type logTarget struct {
	principal *auth.Principal
	instance  *workspace.Instance
	workspace *workspace.Workspace
}

// authorizeLogTarget runs the access checks shared by every log route and
// writes the rejection itself when it returns false.
func (s *Server) authorizeLogTarget(w http.ResponseWriter, r *http.Request) (*logTarget, bool) {
	instanceID := chi.URLParam(r, "instanceID")
	logger := s.logger.With("instance", instanceID, "request_id", requestIDFromContext(r.Context()))

	principal := auth.PrincipalFromContext(r.Context())
	if principal == nil || principal.User == nil {
		respondError(w, http.StatusUnauthorized, apperrors.New(apperrors.ErrCodeUnauthenticated, "authentication required"))
		return nil, false
	}
	user := principal.User
	if user.Blocked {
		s.reject(w, "blocked", http.StatusForbidden, apperrors.New(apperrors.ErrCodeForbidden, "user is blocked"))
		logger.Warn("blocked user attempted to fetch headless logs", "user", user.ID)
		return nil, false
	}

	instance, err := s.store.GetInstance(instanceID)
	if err != nil {
		logger.Error("load instance", "error", err)
		respondError(w, http.StatusInternalServerError, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "load instance"))
		return nil, false
	}
	if instance == nil || !instance.Phase.Active() {
		s.reject(w, "not_found", http.StatusNotFound, apperrors.New(apperrors.ErrCodeNotFound, "instance not found"))
		logger.Warn("instance not found")
		return nil, false
	}

	ws, err := s.store.GetWorkspace(instance.WorkspaceID)
	if err != nil {
		logger.Error("load workspace", "error", err)
		respondError(w, http.StatusInternalServerError, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "load workspace"))
		return nil, false
	}
	if ws == nil {
		s.reject(w, "not_found", http.StatusNotFound, apperrors.New(apperrors.ErrCodeNotFound, "workspace not found"))
		logger.Warn("workspace not found", "workspace", instance.WorkspaceID)
		return nil, false
	}

	guard := auth.WorkspaceLogGuard(user, s.hosts)
	allowed, err := guard.CanAccess(r.Context(), auth.Resource{Kind: auth.KindWorkspaceLog, Subject: ws}, auth.OperationGet)
	if err != nil {
		logger.Warn("workspace log access check failed", "user", user.ID, "error", err)
	}
	if !allowed {
		s.reject(w, "forbidden", http.StatusForbidden, apperrors.New(apperrors.ErrCodeForbidden, "access to workspace logs denied"))
		logger.Warn("unauthorized headless log request", "user", user.ID, "workspace", ws.ID)
		return nil, false
	}

	return &logTarget{principal: principal, instance: instance, workspace: ws}, true
}

func (s *Server) reject(w http.ResponseWriter, reason string, status int, err error) {
	s.metrics.RejectedRequests.WithLabelValues(reason).Inc()
	respondError(w, status, err)
}

// admitStream applies the concurrency and per-principal open limits. The
// returned release must be called once the stream ends.
func (s *Server) admitStream(w http.ResponseWriter, principal *auth.Principal) (func(), bool) {
	if !s.openLimiter.Allow(principal.User.ID, s.now()) {
		s.reject(w, "rate_limited", http.StatusTooManyRequests, errors.New("too many log streams opened"))
		return nil, false
	}
	if !s.streamLimiter.Acquire() {
		s.reject(w, "stream_limit", http.StatusTooManyRequests, errors.New("too many concurrent log streams"))
		return nil, false
	}
	return s.streamLimiter.Release, true
}

// handleListStreams answers GET /headless-logs/{instanceID}.
func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	target, ok := s.authorizeLogTarget(w, r)
	if !ok {
		return
	}

	streams, err := s.logs.ListAdvertisedStreams(r.Context(), target.instance.Ref())
	if err != nil {
		status := statusForLogError(err)
		s.logger.Warn("list headless log streams failed",
			"instance", target.instance.ID,
			"code", apperrors.GetCode(err),
			"status", status,
			"error", err,
		)
		respondError(w, status, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"streams": streams})
}

// handleFetchLog answers GET /headless-logs/{instanceID}/{terminalID} with a
// chunked body. The status is committed with the first chunk, so failures
// after that abort the response instead.
func (s *Server) handleFetchLog(w http.ResponseWriter, r *http.Request) {
	target, ok := s.authorizeLogTarget(w, r)
	if !ok {
		return
	}
	release, ok := s.admitStream(w, target.principal)
	if !ok {
		return
	}
	defer release()

	terminalID := chi.URLParam(r, "terminalID")
	raw := strings.EqualFold(r.URL.Query().Get("encoding"), encodingRaw)
	logger := s.logger.With(
		"instance", target.instance.ID,
		"workspace", target.workspace.ID,
		"terminal", terminalID,
		"request_id", requestIDFromContext(r.Context()),
	)

	stream, err := s.logs.FetchLog(r.Context(), target.instance.Ref(), terminalID)
	if err != nil {
		status := statusForLogError(err)
		logger.Warn("fetch headless log failed", "code", apperrors.GetCode(err), "status", status, "error", err)
		respondError(w, status, err)
		return
	}
	defer stream.Close()

	sink := &httpSink{w: w, rc: http.NewResponseController(w), raw: raw}
	err = stream.Relay(r.Context(), sink)
	switch {
	case err == nil:
		if !sink.started {
			sink.start()
		}
	case sink.started:
		logger.Error("error streaming headless logs", "stream", stream.ID(), "code", apperrors.GetCode(err), "error", err)
		// The status is already on the wire; abort so the client sees a
		// truncated response.
		panic(http.ErrAbortHandler)
	default:
		status := statusForLogError(err)
		logger.Warn("headless log stream failed before output", "stream", stream.ID(), "code", apperrors.GetCode(err), "status", status, "error", err)
		respondError(w, status, err)
	}
}

// httpSink writes chunks to a streamed HTTP response, flushing each so the
// relay only pulls the next chunk once this one left the process.
type httpSink struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	raw     bool
	started bool
}

func (s *httpSink) start() {
	h := s.w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	if s.raw {
		h.Set("Content-Type", "application/octet-stream")
	}
	h.Set("Cache-Control", "no-store")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.started = true
}

func (s *httpSink) WriteChunk(_ context.Context, c workspacelog.Chunk) error {
	payload := []byte(c.Data)
	if s.raw {
		decoded, err := c.Decode()
		if err != nil {
			return fmt.Errorf("decode chunk %d: %w", c.Seq, err)
		}
		payload = decoded
	}
	if !s.started {
		s.start()
	}
	if _, err := s.w.Write(payload); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
