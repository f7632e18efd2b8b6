package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/odvcencio/headlesslogs/pkg/errors"
	"github.com/odvcencio/headlesslogs/pkg/storage"
	"github.com/odvcencio/headlesslogs/pkg/workspace"
)

// SessionCookieName carries the session token for browser clients.
const SessionCookieName = "headlesslogs_session"

// DefaultSessionTTL is used when the authenticator is built without a TTL.
const DefaultSessionTTL = 24 * time.Hour

// Store is the persistence the authenticator needs. *storage.Store
// implements it.
type Store interface {
	GetUser(id string) (*workspace.User, error)
	CreateAuthSession(id, principal, scope, tokenID string, expires time.Time) error
	GetAuthSession(id string) (*storage.AuthSession, error)
	TouchAuthSession(id string) error
	DeleteAuthSession(id string) error
}

var _ Store = (*storage.Store)(nil)

// Principal is the authenticated caller of a request.
type Principal struct {
	User      *workspace.User
	SessionID string
	Scope     string
}

// Authenticator resolves request credentials to a Principal. A token is only
// honored while its server-side session exists.
type Authenticator struct {
	tokens *TokenManager
	store  Store
	ttl    time.Duration
}

// NewAuthenticator creates an authenticator. A non-positive ttl selects
// DefaultSessionTTL.
func NewAuthenticator(tokens *TokenManager, store Store, ttl time.Duration) *Authenticator {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Authenticator{tokens: tokens, store: store, ttl: ttl}
}

// SessionTTL returns the lifetime of issued sessions.
func (a *Authenticator) SessionTTL() time.Duration {
	return a.ttl
}

// IssueSession signs a token for userID and records its session.
func (a *Authenticator) IssueSession(userID, scope string) (string, time.Time, error) {
	token, tokenID, err := a.tokens.GenerateToken(userID, scope, a.ttl)
	if err != nil {
		return "", time.Time{}, apperrors.Wrap(err, apperrors.ErrCodeInternal, "issue session token")
	}
	expires := time.Now().Add(a.ttl)
	if err := a.store.CreateAuthSession(tokenID, userID, scope, tokenID, expires); err != nil {
		return "", time.Time{}, apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "record session")
	}
	return token, expires, nil
}

// RevokeSession ends the session identified by sessionID.
func (a *Authenticator) RevokeSession(sessionID string) error {
	a.tokens.Revoke(sessionID)
	if err := a.store.DeleteAuthSession(sessionID); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "delete session")
	}
	return nil
}

// Authenticate resolves the request's session cookie or bearer token. Blocked
// users are returned as-is; callers decide how to treat them.
func (a *Authenticator) Authenticate(r *http.Request) (*Principal, error) {
	token := requestToken(r)
	if token == "" {
		return nil, apperrors.Wrap(ErrNoToken, apperrors.ErrCodeUnauthenticated, "authentication required")
	}

	claims, err := a.tokens.ValidateToken(token)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnauthenticated, "invalid session token")
	}

	sess, err := a.store.GetAuthSession(claims.ID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "load session")
	}
	if sess == nil || sess.Principal != claims.UserID {
		return nil, apperrors.New(apperrors.ErrCodeUnauthenticated, "session not found")
	}
	if time.Now().After(sess.ExpiresAt) {
		_ = a.store.DeleteAuthSession(sess.ID)
		return nil, apperrors.Wrap(ErrExpiredToken, apperrors.ErrCodeUnauthenticated, "session expired")
	}
	_ = a.store.TouchAuthSession(sess.ID)

	user, err := a.store.GetUser(claims.UserID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "load user")
	}
	if user == nil {
		return nil, apperrors.New(apperrors.ErrCodeUnauthenticated, "user not found")
	}
	return &Principal{User: user, SessionID: sess.ID, Scope: sess.Scope}, nil
}

func requestToken(r *http.Request) string {
	if r == nil {
		return ""
	}
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(authHeader) > len("bearer ") && strings.EqualFold(authHeader[:len("bearer ")], "bearer ") {
		if token := strings.TrimSpace(authHeader[len("bearer "):]); token != "" {
			return token
		}
	}
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		return strings.TrimSpace(cookie.Value)
	}
	return ""
}

type principalKey struct{}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal attached by WithPrincipal.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}
