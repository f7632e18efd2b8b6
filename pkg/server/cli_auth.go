package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/odvcencio/headlesslogs/pkg/auth"
	apperrors "github.com/odvcencio/headlesslogs/pkg/errors"
)

const (
	cliScope      = "cli"
	authCodeBytes = 32
)

type cliAuthorizeRequest struct {
	ClientID            string `json:"client_id"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
}

type cliAuthorizeResponse struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

type cliTokenRequest struct {
	ClientID     string `json:"client_id"`
	Code         string `json:"code"`
	CodeVerifier string `json:"code_verifier"`
}

type cliTokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// handleCLIAuthorize issues a one-time code to the signed-in user, bound to
// the PKCE challenge of the CLI that asked for it.
func (s *Server) handleCLIAuthorize(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())
	if principal.User.Blocked {
		respondError(w, http.StatusForbidden, apperrors.New(apperrors.ErrCodeForbidden, "user is blocked"))
		return
	}

	var req cliAuthorizeRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesSmall); err != nil {
		respondError(w, status, err)
		return
	}
	method := strings.TrimSpace(req.CodeChallengeMethod)
	if method == "" {
		method = auth.MethodPlain
	}
	if method != auth.MethodPlain && method != auth.MethodS256 {
		respondError(w, http.StatusBadRequest, apperrors.Newf(apperrors.ErrCodeInvalidInput, "unsupported code_challenge_method %q", method))
		return
	}
	if err := auth.CheckFormat(req.CodeChallenge, "code_challenge"); err != nil {
		respondError(w, http.StatusBadRequest, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, err.Error()))
		return
	}

	code, err := randomHex(authCodeBytes)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	expires := s.now().Add(s.authCodeTTL)
	if err := s.store.CreateAuthCode(code, principal.User.ID, req.ClientID, req.CodeChallenge, method, expires); err != nil {
		s.logger.Error("store auth code", "user", principal.User.ID, "error", err)
		respondError(w, http.StatusInternalServerError, apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "store auth code"))
		return
	}
	respondJSON(w, http.StatusOK, cliAuthorizeResponse{Code: code, ExpiresAt: expires.UTC()})
}

// handleCLIToken exchanges a code and its PKCE verifier for a session token.
func (s *Server) handleCLIToken(w http.ResponseWriter, r *http.Request) {
	var req cliTokenRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesSmall); err != nil {
		respondError(w, status, err)
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		respondError(w, http.StatusBadRequest, apperrors.New(apperrors.ErrCodeInvalidInput, "code required"))
		return
	}
	if err := auth.CheckFormat(req.CodeVerifier, "code_verifier"); err != nil {
		respondError(w, http.StatusBadRequest, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, err.Error()))
		return
	}

	grant, err := s.store.ConsumeAuthCode(req.Code, s.now())
	if err != nil {
		s.logger.Error("consume auth code", "error", err)
		respondError(w, http.StatusInternalServerError, apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "consume auth code"))
		return
	}
	invalidGrant := apperrors.New(apperrors.ErrCodeUnauthenticated, "invalid or expired code")
	if grant == nil {
		respondError(w, http.StatusBadRequest, invalidGrant)
		return
	}
	if grant.ClientID != strings.TrimSpace(req.ClientID) || !auth.VerifyPKCE(req.CodeVerifier, grant.Challenge, grant.Method) {
		s.logger.Warn("cli token exchange rejected", "user", grant.UserID)
		respondError(w, http.StatusBadRequest, invalidGrant)
		return
	}

	user, err := s.store.GetUser(grant.UserID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "load user"))
		return
	}
	if user == nil || user.Blocked {
		respondError(w, http.StatusForbidden, apperrors.New(apperrors.ErrCodeForbidden, "user cannot sign in"))
		return
	}

	token, expires, err := s.authn.IssueSession(user.ID, cliScope)
	if err != nil {
		s.logger.Error("issue cli session", "user", user.ID, "error", err)
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info("cli session issued", "user", user.ID)
	respondJSON(w, http.StatusOK, cliTokenResponse{AccessToken: token, TokenType: "Bearer", ExpiresAt: expires.UTC()})
}

// handleLogout ends the caller's session.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())
	if err := s.authn.RevokeSession(principal.SessionID); err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

// handleHealthz reports whether the store answers.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        s.version,
		"active_streams": s.streamLimiter.Active(),
	})
}

// handleMetrics serves Prometheus metrics, to any signed-in user unless the
// endpoint is configured public.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.PublicMetrics {
		if _, err := s.authn.Authenticate(r); err != nil {
			status := http.StatusUnauthorized
			if !apperrors.IsCode(err, apperrors.ErrCodeUnauthenticated) {
				status = http.StatusInternalServerError
			}
			respondError(w, status, errors.New("unauthorized"))
			return
		}
	}
	s.metrics.Handler().ServeHTTP(w, r)
}
