package store

import (
	"context"
	"database/sql"
	"time"
)

// LastTriggeredAt returns when a workspace last fired a trigger, or the zero
// time when it never has.
func (s *Store) LastTriggeredAt(ctx context.Context, workspaceID string) (time.Time, error) {
	var at time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT last_triggered_at FROM trigger_cooldowns WHERE workspace_id = ?`, workspaceID).Scan(&at)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	return at, err
}

// TouchTriggerCooldown atomically upserts the workspace's last trigger time.
func (s *Store) TouchTriggerCooldown(ctx context.Context, workspaceID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trigger_cooldowns(workspace_id, last_triggered_at) VALUES (?,?)
		 ON CONFLICT(workspace_id) DO UPDATE SET last_triggered_at = excluded.last_triggered_at`,
		workspaceID, at)
	return err
}
