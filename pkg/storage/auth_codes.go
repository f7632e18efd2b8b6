package storage

import (
	"database/sql"
	"errors"
	"strings"
	"time"
)

// AuthCode is a one-time authorization code bound to a PKCE challenge.
type AuthCode struct {
	UserID    string
	ClientID  string
	Challenge string
	Method    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// CreateAuthCode stores the hash of code.
func (s *Store) CreateAuthCode(code, userID, clientID, challenge, method string, expires time.Time) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	if strings.TrimSpace(code) == "" || strings.TrimSpace(userID) == "" {
		return errors.New("code and user required")
	}
	_, err := s.execRetry(`
        INSERT INTO auth_codes (code_hash, user_id, client_id, challenge, method, expires_at, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
    `, hashSecret(code), userID, strings.TrimSpace(clientID), challenge, method, expires.UTC(), time.Now().UTC())
	if isConstraintError(err) {
		return ErrConflict
	}
	return err
}

// ConsumeAuthCode marks code as used and returns it. Unknown, expired and
// already used codes yield (nil, nil); a code can be consumed at most once.
func (s *Store) ConsumeAuthCode(code string, now time.Time) (*AuthCode, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	hash := hashSecret(code)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`
        UPDATE auth_codes SET used = 1
        WHERE code_hash = ? AND used = 0 AND expires_at > ?
    `, hash, now.UTC())
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}

	var ac AuthCode
	err = tx.QueryRow(`
        SELECT user_id, client_id, challenge, method, expires_at, created_at
        FROM auth_codes WHERE code_hash = ?
    `, hash).Scan(&ac.UserID, &ac.ClientID, &ac.Challenge, &ac.Method, &ac.ExpiresAt, &ac.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &ac, nil
}

// CleanupExpiredAuthCodes removes expired and used codes.
func (s *Store) CleanupExpiredAuthCodes(now time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrStoreClosed
	}
	res, err := s.execRetry(`DELETE FROM auth_codes WHERE expires_at <= ? OR used = 1`, now.UTC())
	if err != nil {
		return 0, err
	}
	rows, _ := res.RowsAffected()
	return rows, nil
}
