package store

import (
	"context"
	"database/sql"
	"time"
)

// InsertWorkspace creates a workspace row.
func (s *Store) InsertWorkspace(ctx context.Context, w Workspace) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workspaces(id, tenant_id, name, status, repair_attempts, last_status_change_at, created_at)
		 VALUES (?,?,?,?,?,?,?)`,
		w.ID, w.TenantID, w.Name, w.Status, w.RepairAttempts, w.LastStatusChangeAt, w.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func scanWorkspace(row *sql.Row) (Workspace, error) {
	var w Workspace
	err := row.Scan(&w.ID, &w.TenantID, &w.Name, &w.Status, &w.RepairAttempts, &w.LastStatusChangeAt, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}

// GetWorkspace returns a workspace by ID.
func (s *Store) GetWorkspace(ctx context.Context, id string) (Workspace, error) {
	return scanWorkspace(s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, status, repair_attempts, last_status_change_at, created_at
		 FROM workspaces WHERE id = ?`, id))
}

// CompareAndSetWorkspaceStatus transitions a workspace from one status to
// another. Returns ErrConflict when the current status no longer matches,
// which is how concurrent transition attempts lose gracefully.
func (s *Store) CompareAndSetWorkspaceStatus(ctx context.Context, id, from, to string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workspaces SET status = ?, last_status_change_at = ? WHERE id = ? AND status = ?`,
		to, at, id, from)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// SetWorkspaceRepairAttempts updates the bounded repair counter.
func (s *Store) SetWorkspaceRepairAttempts(ctx context.Context, id string, attempts int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workspaces SET repair_attempts = ? WHERE id = ?`, attempts, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListWorkspacesByStatus returns workspaces currently in any of the given
// statuses. Used by the recovery monitor sweep.
func (s *Store) ListWorkspacesByStatus(ctx context.Context, statuses ...string) ([]Workspace, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT id, tenant_id, name, status, repair_attempts, last_status_change_at, created_at
	          FROM workspaces WHERE status IN (?` + repeat(",?", len(statuses)-1) + `)`
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Workspace
	for rows.Next() {
		var w Workspace
		if err := rows.Scan(&w.ID, &w.TenantID, &w.Name, &w.Status, &w.RepairAttempts, &w.LastStatusChangeAt, &w.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ListWorkspacesByTenant returns all workspaces for a tenant.
func (s *Store) ListWorkspacesByTenant(ctx context.Context, tenantID string) ([]Workspace, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, name, status, repair_attempts, last_status_change_at, created_at
		 FROM workspaces WHERE tenant_id = ? ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Workspace
	for rows.Next() {
		var w Workspace
		if err := rows.Scan(&w.ID, &w.TenantID, &w.Name, &w.Status, &w.RepairAttempts, &w.LastStatusChangeAt, &w.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
