package store

import (
	"context"
	"database/sql"
	"time"
)

// UpsertTask records a task as observed from a completion event. The core
// does not create tasks; it mirrors what the executor reports so trigger
// rules can count and score them.
func (s *Store) UpsertTask(ctx context.Context, t Task) error {
	var goalID any
	if t.GoalID != "" {
		goalID = t.GoalID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, workspace_id, goal_id, status, contribution_expected, result_summary, business_value_score, completed_at, created_at)
		 VALUES (?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   status = excluded.status,
		   result_summary = excluded.result_summary,
		   business_value_score = excluded.business_value_score,
		   completed_at = excluded.completed_at`,
		t.ID, t.WorkspaceID, goalID, t.Status, t.ContributionExpected, t.ResultSummary, t.BusinessValueScore, t.CompletedAt, t.CreatedAt)
	return err
}

// GetTask returns a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (Task, error) {
	var t Task
	var completed sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, COALESCE(goal_id, ''), status, contribution_expected, result_summary, business_value_score, completed_at, created_at
		 FROM tasks WHERE id = ?`, id).
		Scan(&t.ID, &t.WorkspaceID, &t.GoalID, &t.Status, &t.ContributionExpected, &t.ResultSummary, &t.BusinessValueScore, &completed, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if completed.Valid {
		t.CompletedAt = &completed.Time
	}
	return t, err
}

// CountSubstantiveCompletedTasks counts completed tasks in a workspace with a
// non-empty result summary.
func (s *Store) CountSubstantiveCompletedTasks(ctx context.Context, workspaceID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE workspace_id = ? AND status = ? AND result_summary != ''`,
		workspaceID, TaskCompleted).Scan(&n)
	return n, err
}

// CountGoalContributors counts completed tasks that contributed to a goal.
func (s *Store) CountGoalContributors(ctx context.Context, goalID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE goal_id = ? AND status = ?`,
		goalID, TaskCompleted).Scan(&n)
	return n, err
}

// AverageBusinessValue returns the mean business value score over completed
// tasks in a workspace, 0 when none exist.
func (s *Store) AverageBusinessValue(ctx context.Context, workspaceID string) (float64, error) {
	var avg float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(AVG(business_value_score), 0) FROM tasks WHERE workspace_id = ? AND status = ?`,
		workspaceID, TaskCompleted).Scan(&avg)
	return avg, err
}

// ListUnreconciledTasks returns tasks completed before the cutoff that have
// no live checkpoint and whose workspace has no deliverable created after
// the task completed. The recovery monitor re-dispatches these.
func (s *Store) ListUnreconciledTasks(ctx context.Context, cutoff time.Time) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.id, t.workspace_id, COALESCE(t.goal_id, ''), t.status, t.contribution_expected, t.result_summary, t.business_value_score, t.completed_at, t.created_at
		 FROM tasks t
		 WHERE t.status = ?
		   AND t.completed_at IS NOT NULL
		   AND t.completed_at <= ?
		   AND NOT EXISTS (
		     SELECT 1 FROM checkpoints c
		     WHERE c.workspace_id = t.workspace_id AND c.status = ?)
		   AND NOT EXISTS (
		     SELECT 1 FROM deliverables d
		     WHERE d.workspace_id = t.workspace_id
		       AND d.status IN (?, ?)
		       AND d.created_at >= t.completed_at)`,
		TaskCompleted, cutoff, CheckpointPending, DeliverableReady, DeliverableSynthesizing)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		var completed sql.NullTime
		if err := rows.Scan(&t.ID, &t.WorkspaceID, &t.GoalID, &t.Status, &t.ContributionExpected, &t.ResultSummary, &t.BusinessValueScore, &completed, &t.CreatedAt); err != nil {
			return nil, err
		}
		if completed.Valid {
			t.CompletedAt = &completed.Time
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
