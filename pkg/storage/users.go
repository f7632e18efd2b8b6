package storage

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/odvcencio/headlesslogs/pkg/workspace"
)

// CreateUser inserts a user. It returns ErrConflict when the id is taken.
func (s *Store) CreateUser(user *workspace.User) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return errors.New("user id required")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.execRetry(`
        INSERT INTO users (id, name, blocked, created_at)
        VALUES (?, ?, ?, ?)
    `, user.ID, strings.TrimSpace(user.Name), boolToInt(user.Blocked), user.CreatedAt.UTC())
	if isConstraintError(err) {
		return ErrConflict
	}
	return err
}

// GetUser returns the user or nil when it does not exist.
func (s *Store) GetUser(id string) (*workspace.User, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	row := s.db.QueryRow(`SELECT id, name, blocked, created_at FROM users WHERE id = ?`, id)
	var user workspace.User
	var blocked int
	if err := row.Scan(&user.ID, &user.Name, &blocked, &user.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	user.Blocked = blocked != 0
	return &user, nil
}

// SetUserBlocked blocks or unblocks a user.
func (s *Store) SetUserBlocked(id string, blocked bool) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	res, err := s.execRetry(`UPDATE users SET blocked = ? WHERE id = ?`, boolToInt(blocked), id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
