package storage

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/odvcencio/headlesslogs/pkg/workspace"
)

// CreateWorkspace inserts a workspace owned by an existing user.
func (s *Store) CreateWorkspace(ws *workspace.Workspace) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	if ws == nil || strings.TrimSpace(ws.ID) == "" || strings.TrimSpace(ws.OwnerID) == "" {
		return errors.New("workspace id and owner required")
	}
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = time.Now().UTC()
	}
	_, err := s.execRetry(`
        INSERT INTO workspaces (id, owner_id, context_url, created_at)
        VALUES (?, ?, ?, ?)
    `, ws.ID, ws.OwnerID, strings.TrimSpace(ws.ContextURL), ws.CreatedAt.UTC())
	if isConstraintError(err) {
		return ErrConflict
	}
	return err
}

// GetWorkspace returns the workspace or nil when it does not exist.
func (s *Store) GetWorkspace(id string) (*workspace.Workspace, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	row := s.db.QueryRow(`SELECT id, owner_id, context_url, created_at FROM workspaces WHERE id = ?`, id)
	var ws workspace.Workspace
	if err := row.Scan(&ws.ID, &ws.OwnerID, &ws.ContextURL, &ws.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &ws, nil
}

// UpsertInstance creates or replaces an instance record.
func (s *Store) UpsertInstance(inst *workspace.Instance) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	if inst == nil || strings.TrimSpace(inst.ID) == "" || strings.TrimSpace(inst.WorkspaceID) == "" {
		return errors.New("instance id and workspace required")
	}
	now := time.Now().UTC()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now
	if inst.Phase == "" {
		inst.Phase = workspace.PhasePending
	}
	_, err := s.execRetry(`
        INSERT INTO workspace_instances (id, workspace_id, ide_url, owner_token, phase, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            ide_url = excluded.ide_url,
            owner_token = excluded.owner_token,
            phase = excluded.phase,
            updated_at = excluded.updated_at
    `, inst.ID, inst.WorkspaceID, strings.TrimSpace(inst.IDEURL), inst.OwnerToken, string(inst.Phase), inst.CreatedAt.UTC(), inst.UpdatedAt)
	return err
}

// GetInstance returns the instance or nil when it does not exist.
func (s *Store) GetInstance(id string) (*workspace.Instance, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreClosed
	}
	row := s.db.QueryRow(`
        SELECT id, workspace_id, ide_url, owner_token, phase, created_at, updated_at
        FROM workspace_instances WHERE id = ?
    `, id)
	var inst workspace.Instance
	var phase string
	if err := row.Scan(&inst.ID, &inst.WorkspaceID, &inst.IDEURL, &inst.OwnerToken, &phase, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	inst.Phase = workspace.Phase(phase)
	return &inst, nil
}

// SetInstancePhase moves an instance to phase. Stopped instances lose their
// owner token.
func (s *Store) SetInstancePhase(id string, phase workspace.Phase) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	query := `UPDATE workspace_instances SET phase = ?, updated_at = ? WHERE id = ?`
	if phase == workspace.PhaseStopped {
		query = `UPDATE workspace_instances SET phase = ?, owner_token = '', updated_at = ? WHERE id = ?`
	}
	res, err := s.execRetry(query, string(phase), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}
