package store

import (
	"context"
	"database/sql"
	"time"
)

const deliverableColumns = `id, workspace_id, COALESCE(goal_id, ''), COALESCE(checkpoint_id, ''), title, status, created_at, updated_at`

// InsertDeliverable creates a deliverable row in pending state.
func (s *Store) InsertDeliverable(ctx context.Context, d Deliverable) error {
	var goalID any
	if d.GoalID != "" {
		goalID = d.GoalID
	}
	var checkpointID any
	if d.CheckpointID != "" {
		checkpointID = d.CheckpointID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliverables(id, workspace_id, goal_id, checkpoint_id, title, status, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?)`,
		d.ID, d.WorkspaceID, goalID, checkpointID, d.Title, d.Status, d.CreatedAt, d.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func scanDeliverable(row *sql.Row) (Deliverable, error) {
	var d Deliverable
	err := row.Scan(&d.ID, &d.WorkspaceID, &d.GoalID, &d.CheckpointID, &d.Title, &d.Status, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

// GetDeliverable returns a deliverable by ID.
func (s *Store) GetDeliverable(ctx context.Context, id string) (Deliverable, error) {
	return scanDeliverable(s.db.QueryRowContext(ctx,
		`SELECT `+deliverableColumns+` FROM deliverables WHERE id = ?`, id))
}

// GetDeliverableByCheckpoint returns the deliverable created under a
// checkpoint. Used by the recovery sweep to reconcile a deliverable whose
// claim expired.
func (s *Store) GetDeliverableByCheckpoint(ctx context.Context, checkpointID string) (Deliverable, error) {
	return scanDeliverable(s.db.QueryRowContext(ctx,
		`SELECT `+deliverableColumns+` FROM deliverables WHERE checkpoint_id = ?`, checkpointID))
}

// CompareAndSetDeliverableStatus moves a deliverable along its lifecycle.
// ErrConflict means the expected status no longer matches.
func (s *Store) CompareAndSetDeliverableStatus(ctx context.Context, id, from, to string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deliverables SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, at, id, from)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// CountDeliverables returns the number of deliverables for a workspace that
// are not failed. Failed deliverables do not count against the cap.
func (s *Store) CountDeliverables(ctx context.Context, workspaceID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deliverables WHERE workspace_id = ? AND status != ?`,
		workspaceID, DeliverableFailed).Scan(&n)
	return n, err
}

// ListDeliverablesByWorkspace returns deliverables newest first.
func (s *Store) ListDeliverablesByWorkspace(ctx context.Context, workspaceID string) ([]Deliverable, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deliverableColumns+` FROM deliverables WHERE workspace_id = ? ORDER BY created_at DESC`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Deliverable
	for rows.Next() {
		var d Deliverable
		if err := rows.Scan(&d.ID, &d.WorkspaceID, &d.GoalID, &d.CheckpointID, &d.Title, &d.Status, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
