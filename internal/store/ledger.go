package store

import (
	"context"
	"database/sql"
)

// AppendLedgerEntry appends a progress delta. Returns ErrConflict when the
// (goal_id, task_id) pair already has an entry, which is the idempotency
// signal for re-delivered completion events.
//
// resulting_value is derived inside the statement from the rows already
// present, so concurrent appends never record a stale running total. The
// caller's ResultingValue field is ignored on write.
func (s *Store) AppendLedgerEntry(ctx context.Context, e LedgerEntry) error {
	var taskID any
	if e.TaskID != "" {
		taskID = e.TaskID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO progress_ledger(id, goal_id, task_id, delta, resulting_value, note, created_at)
		 VALUES (?,?,?,?,
		         (SELECT COALESCE(SUM(delta), 0) FROM progress_ledger WHERE goal_id = ?) + ?,
		         ?,?)`,
		e.ID, e.GoalID, taskID, e.Delta, e.GoalID, e.Delta, e.Note, e.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// LedgerSum returns the sum of all deltas for a goal. This is the
// authoritative current value; the goals row caches its projection.
func (s *Store) LedgerSum(ctx context.Context, goalID string) (float64, error) {
	var sum float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(delta), 0) FROM progress_ledger WHERE goal_id = ?`, goalID).Scan(&sum)
	return sum, err
}

// HasLedgerEntry reports whether a task already contributed to a goal.
func (s *Store) HasLedgerEntry(ctx context.Context, goalID, taskID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM progress_ledger WHERE goal_id = ? AND task_id = ?`, goalID, taskID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// ListLedgerEntries returns all entries for a goal in append order.
func (s *Store) ListLedgerEntries(ctx context.Context, goalID string) ([]LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, goal_id, COALESCE(task_id, ''), delta, resulting_value, note, created_at
		 FROM progress_ledger WHERE goal_id = ? ORDER BY created_at, id`, goalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.ID, &e.GoalID, &e.TaskID, &e.Delta, &e.ResultingValue, &e.Note, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
