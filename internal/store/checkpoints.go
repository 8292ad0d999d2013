package store

import (
	"context"
	"database/sql"
	"time"
)

// InsertCheckpoint conditionally inserts a pending checkpoint. The partial
// unique index on (scope_key WHERE status='pending') makes this the
// linearization point for acquisition: the loser of a race gets ErrConflict.
func (s *Store) InsertCheckpoint(ctx context.Context, cp Checkpoint) error {
	var taskID any
	if cp.TaskID != "" {
		taskID = cp.TaskID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints(id, workspace_id, task_id, scope_key, status, created_at, expires_at)
		 VALUES (?,?,?,?,?,?,?)`,
		cp.ID, cp.WorkspaceID, taskID, cp.ScopeKey, cp.Status, cp.CreatedAt, cp.ExpiresAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func scanCheckpoint(row *sql.Row) (Checkpoint, error) {
	var cp Checkpoint
	var resolved sql.NullTime
	err := row.Scan(&cp.ID, &cp.WorkspaceID, &cp.TaskID, &cp.ScopeKey, &cp.Status, &cp.CreatedAt, &cp.ExpiresAt, &resolved)
	if err == sql.ErrNoRows {
		return cp, ErrNotFound
	}
	if resolved.Valid {
		cp.ResolvedAt = &resolved.Time
	}
	return cp, err
}

const checkpointColumns = `id, workspace_id, COALESCE(task_id, ''), scope_key, status, created_at, expires_at, resolved_at`

// GetCheckpoint returns a checkpoint by ID.
func (s *Store) GetCheckpoint(ctx context.Context, id string) (Checkpoint, error) {
	return scanCheckpoint(s.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`, id))
}

// GetPendingCheckpointByScope returns the live checkpoint for a scope key.
func (s *Store) GetPendingCheckpointByScope(ctx context.Context, scopeKey string) (Checkpoint, error) {
	return scanCheckpoint(s.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE scope_key = ? AND status = ?`,
		scopeKey, CheckpointPending))
}

// GetCheckpointByTask returns the most recent checkpoint claimed for a task,
// regardless of status.
func (s *Store) GetCheckpointByTask(ctx context.Context, taskID string) (Checkpoint, error) {
	return scanCheckpoint(s.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE task_id = ? ORDER BY created_at DESC LIMIT 1`,
		taskID))
}

// ResolveCheckpoint transitions a pending checkpoint to resolved or expired.
// Resolution of an already-inert checkpoint returns ErrConflict; re-running
// the same resolution is therefore visible but harmless to callers that
// ignore it.
func (s *Store) ResolveCheckpoint(ctx context.Context, id, status string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE checkpoints SET status = ?, resolved_at = ? WHERE id = ? AND status = ?`,
		status, at, id, CheckpointPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// ExpireStaleCheckpoints marks every pending checkpoint past its TTL as
// expired and returns the affected rows. Safe to re-run every sweep.
func (s *Store) ExpireStaleCheckpoints(ctx context.Context, now time.Time) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE status = ? AND expires_at <= ?`,
		CheckpointPending, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stale []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var resolved sql.NullTime
		if err := rows.Scan(&cp.ID, &cp.WorkspaceID, &cp.TaskID, &cp.ScopeKey, &cp.Status, &cp.CreatedAt, &cp.ExpiresAt, &resolved); err != nil {
			return nil, err
		}
		stale = append(stale, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var expired []Checkpoint
	for _, cp := range stale {
		err := s.ResolveCheckpoint(ctx, cp.ID, CheckpointExpired, now)
		if err == ErrConflict {
			// Another sweeper or a late resolution got there first.
			continue
		}
		if err != nil {
			return expired, err
		}
		cp.Status = CheckpointExpired
		expired = append(expired, cp)
	}
	return expired, nil
}

// CountPendingCheckpoints returns the number of live checkpoints for a
// workspace.
func (s *Store) CountPendingCheckpoints(ctx context.Context, workspaceID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM checkpoints WHERE workspace_id = ? AND status = ?`,
		workspaceID, CheckpointPending).Scan(&n)
	return n, err
}
