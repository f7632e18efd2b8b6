package server

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	apperrors "github.com/odvcencio/headlesslogs/pkg/errors"
	"github.com/odvcencio/headlesslogs/pkg/workspacelog"
)

// Frame types of the websocket log endpoint.
const (
	frameData  = "data"
	frameEnd   = "end"
	frameError = "error"
)

type logFrame struct {
	Type    string `json:"type"`
	Seq     uint64 `json:"seq,omitempty"`
	Data    string `json:"data,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// handleFetchLogWS serves the same log as handleFetchLog as JSON frames over
// a websocket. Every rejection happens before the upgrade.
func (s *Server) handleFetchLogWS(w http.ResponseWriter, r *http.Request) {
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
	logger := s.logger.With(
		"instance", target.instance.ID,
		"terminal", terminalID,
		"request_id", requestIDFromContext(r.Context()),
	)

	stream, err := s.logs.FetchLog(r.Context(), target.instance.Ref(), terminalID)
	if err != nil {
		respondError(w, statusForLogError(err), err)
		return
	}
	defer stream.Close()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns(),
	})
	if err != nil {
		logger.Warn("log websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(wsReadLimit)

	// Clients never send data; CloseRead ends ctx when they go away.
	ctx := conn.CloseRead(r.Context())
	startWSPing(ctx, conn, s.cfg.WSPingInterval)

	err = stream.Relay(ctx, workspacelog.SinkFunc(func(ctx context.Context, c workspacelog.Chunk) error {
		return writeFrame(ctx, conn, logFrame{Type: frameData, Seq: c.Seq, Data: c.Data})
	}))
	if err == nil {
		if werr := writeFrame(ctx, conn, logFrame{Type: frameEnd}); werr != nil {
			return
		}
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	if apperrors.IsCode(err, apperrors.ErrCodeCanceled) || apperrors.IsCode(err, apperrors.ErrCodeDownstream) {
		logger.Debug("log websocket ended by client", "stream", stream.ID(), "error", err)
		return
	}

	logger.Error("error streaming headless logs", "stream", stream.ID(), "code", apperrors.GetCode(err), "error", err)
	code := string(apperrors.GetCode(err))
	if statusForLogError(err) == http.StatusNotFound {
		code = string(apperrors.ErrCodeNotFound)
	}
	_ = writeFrame(ctx, conn, logFrame{Type: frameError, Code: code, Message: err.Error()})
	_ = conn.Close(websocket.StatusInternalError, code)
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame logFrame) error {
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, frame)
}

// originPatterns turns the allowed origins into host patterns.
func (s *Server) originPatterns() []string {
	patterns := make([]string, 0, len(s.cfg.AllowedOrigins))
	for _, origin := range s.cfg.AllowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, origin)
	}
	return patterns
}

func startWSPing(ctx context.Context, conn *websocket.Conn, interval time.Duration) {
	if conn == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(ctx, wsPingTimeout)
				_ = conn.Ping(pingCtx)
				cancel()
			}
		}
	}()
}
