package storage

import (
	"errors"
	"strings"
)

// GrantLogAccess lets a user read headless logs of workspaces started from
// repository on host. Granting twice is not an error.
func (s *Store) GrantLogAccess(userID, host, repository string) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	host, repository = normalizeGrant(host, repository)
	if strings.TrimSpace(userID) == "" || host == "" || repository == "" {
		return errors.New("user, host and repository required")
	}
	_, err := s.execRetry(`
        INSERT INTO workspace_log_grants (user_id, host, repository)
        VALUES (?, ?, ?)
        ON CONFLICT(user_id, host, repository) DO NOTHING
    `, userID, host, repository)
	return err
}

// RevokeLogAccess removes a grant.
func (s *Store) RevokeLogAccess(userID, host, repository string) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	host, repository = normalizeGrant(host, repository)
	_, err := s.execRetry(`
        DELETE FROM workspace_log_grants WHERE user_id = ? AND host = ? AND repository = ?
    `, userID, host, repository)
	return err
}

// HasLogAccess reports whether a grant exists.
func (s *Store) HasLogAccess(userID, host, repository string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrStoreClosed
	}
	host, repository = normalizeGrant(host, repository)
	if host == "" || repository == "" {
		return false, nil
	}
	var count int
	err := s.db.QueryRow(`
        SELECT COUNT(1) FROM workspace_log_grants WHERE user_id = ? AND host = ? AND repository = ?
    `, userID, host, repository).Scan(&count)
	return count > 0, err
}

func normalizeGrant(host, repository string) (string, string) {
	return strings.ToLower(strings.TrimSpace(host)), strings.ToLower(strings.Trim(strings.TrimSpace(repository), "/"))
}
