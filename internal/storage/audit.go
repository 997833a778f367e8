package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

func (s *sqlStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = s.now()
	}
	var detail any
	if strings.TrimSpace(e.Detail) != "" {
		detail = e.Detail
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO audit(at, actor, action, template_id, detail) VALUES(?,?,?,?,?)`),
		e.At.UnixMilli(), e.Actor, e.Action, e.TemplateID, detail)
	return err
}

// ListAudit returns the newest entries first. templateID 0 lists all.
func (s *sqlStore) ListAudit(ctx context.Context, templateID int64, limit int) ([]AuditEntry, error) {
	return s.QueryAudit(ctx, AuditQuery{TemplateID: templateID, Limit: limit})
}

// QueryAudit returns matching entries, newest first.
func (s *sqlStore) QueryAudit(ctx context.Context, f AuditQuery) ([]AuditEntry, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	var (
		where []string
		args  []any
	)
	if f.TemplateID != 0 {
		where = append(where, `template_id = ?`)
		args = append(args, f.TemplateID)
	}
	if f.Action != "" {
		where = append(where, `action = ?`)
		args = append(args, f.Action)
	}
	if f.Actor != "" {
		where = append(where, `actor = ?`)
		args = append(args, f.Actor)
	}
	if !f.Since.IsZero() {
		where = append(where, `at >= ?`)
		args = append(args, f.Since.UnixMilli())
	}
	if !f.Until.IsZero() {
		where = append(where, `at < ?`)
		args = append(args, f.Until.UnixMilli())
	}

	query := `SELECT id, at, actor, action, template_id, detail FROM audit`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, f.Limit, max(f.Offset, 0))

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e      AuditEntry
			at     int64
			detail sql.NullString
		)
		if err := rows.Scan(&e.ID, &at, &e.Actor, &e.Action, &e.TemplateID, &detail); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(at)
		e.Detail = detail.String
		out = append(out, e)
	}
	return out, rows.Err()
}
