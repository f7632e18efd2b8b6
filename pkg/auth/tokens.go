// Package auth authenticates log bridge requests and decides who may read a
// workspace's headless logs.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
)

var (
	ErrNoToken      = errors.New("no authentication token provided")
	ErrInvalidToken = errors.New("invalid authentication token")
	ErrExpiredToken = errors.New("token has expired")
	ErrRevokedToken = errors.New("token has been revoked")
)

// Claims are the session token claims. The registered ID doubles as the
// server-side session id.
type Claims struct {
	UserID string `json:"uid"`
	Scope  string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// TokenManager signs and validates HS256 session tokens.
type TokenManager struct {
	secretKey []byte
	issuer    string

	mu      sync.RWMutex
	revoked map[string]time.Time // token ID -> revocation time
}

// NewTokenManager creates a token manager with the given secret.
func NewTokenManager(secretKey, issuer string) *TokenManager {
	return &TokenManager{
		secretKey: []byte(secretKey),
		issuer:    strings.TrimSpace(issuer),
		revoked:   make(map[string]time.Time),
	}
}

// GenerateToken issues a token for userID that expires after ttl. It returns
// the signed token and its id.
func (tm *TokenManager) GenerateToken(userID, scope string, ttl time.Duration) (string, string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", "", fmt.Errorf("user id required")
	}
	if ttl <= 0 {
		return "", "", fmt.Errorf("token ttl must be positive")
	}

	tokenID := ulid.Make().String()
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		Scope:  scope,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Subject:   userID,
			Issuer:    tm.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tm.secretKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, tokenID, nil
}

// ValidateToken checks the signature, expiry and revocation state of a token.
func (tm *TokenManager) ValidateToken(tokenString string) (*Claims, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return nil, ErrNoToken
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if tm.issuer != "" {
		opts = append(opts, jwt.WithIssuer(tm.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return tm.secretKey, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}

	tm.mu.RLock()
	_, revoked := tm.revoked[claims.ID]
	tm.mu.RUnlock()
	if revoked {
		return nil, ErrRevokedToken
	}
	return claims, nil
}

// Revoke marks a token id as revoked for the life of the process.
func (tm *TokenManager) Revoke(tokenID string) {
	if strings.TrimSpace(tokenID) == "" {
		return
	}
	tm.mu.Lock()
	tm.revoked[tokenID] = time.Now()
	tm.mu.Unlock()
}

// CleanupRevoked drops revocations older than maxAge.
func (tm *TokenManager) CleanupRevoked(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	tm.mu.Lock()
	defer tm.mu.Unlock()
	removed := 0
	for id, at := range tm.revoked {
		if at.Before(cutoff) {
			delete(tm.revoked, id)
			removed++
		}
	}
	return removed
}
