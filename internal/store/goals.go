package store

import (
	"context"
	"database/sql"
	"time"
)

// InsertGoal creates a goal row.
func (s *Store) InsertGoal(ctx context.Context, g Goal) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO goals(id, workspace_id, metric_type, target_value, current_value, status, last_validated_at, created_at)
		 VALUES (?,?,?,?,?,?,?,?)`,
		g.ID, g.WorkspaceID, g.MetricType, g.TargetValue, g.CurrentValue, g.Status, g.LastValidatedAt, g.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func scanGoal(row *sql.Row) (Goal, error) {
	var g Goal
	var validated sql.NullTime
	err := row.Scan(&g.ID, &g.WorkspaceID, &g.MetricType, &g.TargetValue, &g.CurrentValue, &g.Status, &validated, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	if validated.Valid {
		g.LastValidatedAt = &validated.Time
	}
	return g, err
}

// GetGoal returns a goal by ID.
func (s *Store) GetGoal(ctx context.Context, id string) (Goal, error) {
	return scanGoal(s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, metric_type, target_value, current_value, status, last_validated_at, created_at
		 FROM goals WHERE id = ?`, id))
}

// ListGoalsByWorkspace returns goals for a workspace, optionally filtered by
// status.
func (s *Store) ListGoalsByWorkspace(ctx context.Context, workspaceID, status string) ([]Goal, error) {
	query := `SELECT id, workspace_id, metric_type, target_value, current_value, status, last_validated_at, created_at
	          FROM goals WHERE workspace_id = ?`
	args := []any{workspaceID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Goal
	for rows.Next() {
		var g Goal
		var validated sql.NullTime
		if err := rows.Scan(&g.ID, &g.WorkspaceID, &g.MetricType, &g.TargetValue, &g.CurrentValue, &g.Status, &validated, &g.CreatedAt); err != nil {
			return nil, err
		}
		if validated.Valid {
			g.LastValidatedAt = &validated.Time
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// UpdateGoalProgress sets the cached current_value (and status when the goal
// completes) guarded by the previously observed value. The value itself is
// always re-derived from the ledger by the caller; the guard only detects a
// concurrent writer so the caller can re-derive and retry.
func (s *Store) UpdateGoalProgress(ctx context.Context, id string, observedValue, newValue float64, newStatus string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE goals SET current_value = ?, status = ?, last_validated_at = ?
		 WHERE id = ? AND current_value = ?`,
		newValue, newStatus, at, id, observedValue)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// ArchiveGoals marks all goals of a workspace archived. Goals are never
// deleted.
func (s *Store) ArchiveGoals(ctx context.Context, workspaceID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE goals SET status = ?, last_validated_at = ? WHERE workspace_id = ?`,
		GoalArchived, at, workspaceID)
	return err
}
