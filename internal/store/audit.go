package store

import (
	"context"
	"database/sql"
	"time"
)

// AppendAudit records an administrative operation.
func (s *Store) AppendAudit(ctx context.Context, e AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log(id, tenant_id, actor, action, subject_id, detail, created_at)
		 VALUES (?,?,?,?,?,?,?)`,
		e.ID, e.TenantID, e.Actor, e.Action, e.SubjectID, e.Detail, e.CreatedAt)
	return err
}

// ListAudit returns audit entries for a tenant, newest first.
func (s *Store) ListAudit(ctx context.Context, tenantID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, actor, action, subject_id, detail, created_at
		 FROM audit_log WHERE tenant_id = ? ORDER BY created_at DESC LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Actor, &e.Action, &e.SubjectID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordRecoverySweep stores the time of the last recovery sweep.
func (s *Store) RecordRecoverySweep(ctx context.Context, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recovery_sweeps(id, swept_at) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET swept_at = excluded.swept_at`, at)
	return err
}

// LastRecoverySweep returns when the recovery monitor last swept, or the zero
// time when it never has.
func (s *Store) LastRecoverySweep(ctx context.Context) (time.Time, error) {
	var at time.Time
	err := s.db.QueryRowContext(ctx, `SELECT swept_at FROM recovery_sweeps WHERE id = 1`).Scan(&at)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	return at, err
}
