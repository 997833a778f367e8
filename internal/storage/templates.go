package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"notifyd/internal/notification"
)

const templateCols = `id, brand, platforms, kind, mode, published, status, scheduled_at,
	interval_expr, window_start, window_end, last_fired_at, show_per_day, max_day_showing,
	priority, created_by, updated_by, published_by, created_at, updated_at, published_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTemplate(r rowScanner) (*notification.Template, error) {
	var (
		t                         notification.Template
		brand, ivExpr             sql.NullString
		platforms, kind, mode, st string
		published                 int
		sched, ws, we, lastFired  sql.NullInt64
		showPerDay, maxDay        sql.NullInt64
		createdAt, updatedAt      int64
		publishedAt               sql.NullInt64
	)
	if err := r.Scan(&t.ID, &brand, &platforms, &kind, &mode, &published, &st, &sched,
		&ivExpr, &ws, &we, &lastFired, &showPerDay, &maxDay,
		&t.Priority, &t.CreatedBy, &t.UpdatedBy, &t.PublishedBy, &createdAt, &updatedAt, &publishedAt); err != nil {
		return nil, err
	}
	t.Brand = strPtr(brand)
	t.Platforms = notification.ParsePlatformSet(platforms)
	t.Kind = notification.Kind(kind)
	t.Mode = notification.SendMode(mode)
	t.Published = published != 0
	t.Status = notification.Status(st)
	t.ScheduledAt = millisPtr(sched)
	if ivExpr.Valid && strings.TrimSpace(ivExpr.String) != "" {
		iv := &notification.Interval{Expression: ivExpr.String}
		if p := millisPtr(ws); p != nil {
			iv.WindowStart = *p
		}
		if p := millisPtr(we); p != nil {
			iv.WindowEnd = *p
		}
		t.Interval = iv
	}
	t.LastFiredAt = millisPtr(lastFired)
	t.ShowPerDay = intPtr(showPerDay)
	t.MaxDayShowing = intPtr(maxDay)
	t.CreatedAt = time.UnixMilli(createdAt)
	t.UpdatedAt = time.UnixMilli(updatedAt)
	t.PublishedAt = millisPtr(publishedAt)
	return &t, nil
}

// templateArgs returns the column values after id, in templateCols order.
func templateArgs(t *notification.Template) []any {
	var ivExpr, ws, we any
	if t.Interval != nil {
		ivExpr = t.Interval.Expression
		ws = nullMillis(&t.Interval.WindowStart)
		we = nullMillis(&t.Interval.WindowEnd)
	}
	return []any{
		nullStr(t.Brand), t.Platforms.String(), string(t.Kind), string(t.Mode), boolInt(t.Published), string(t.Status),
		nullMillis(t.ScheduledAt), ivExpr, ws, we, nullMillis(t.LastFiredAt),
		nullInt(t.ShowPerDay), nullInt(t.MaxDayShowing), t.Priority,
		t.CreatedBy, t.UpdatedBy, t.PublishedBy, t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli(), nullMillis(t.PublishedAt),
	}
}

func (s *sqlStore) insertTemplate(ctx context.Context, tx querier, t *notification.Template) (int64, error) {
	now := s.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	if t.Status == "" {
		t.Status = notification.StatusDraft
	}
	var id int64
	err := tx.QueryRowContext(ctx, s.q(`INSERT INTO templates(brand, platforms, kind, mode, published, status, scheduled_at,
		interval_expr, window_start, window_end, last_fired_at, show_per_day, max_day_showing,
		priority, created_by, updated_by, published_by, created_at, updated_at, published_at)
		VALUES(`+placeholders(20)+`) RETURNING id`), templateArgs(t)...).Scan(&id)
	if err != nil {
		return 0, err
	}
	t.ID = id
	if err := s.insertTranslations(ctx, tx, t); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *sqlStore) insertTranslations(ctx context.Context, tx querier, t *notification.Template) error {
	for i := range t.Translations {
		tr := &t.Translations[i]
		err := tx.QueryRowContext(ctx, s.q(`INSERT INTO translations(template_id, language, title, body, image_ref, link_preview)
			VALUES(?,?,?,?,?,?) RETURNING id`),
			t.ID, tr.Language, tr.Title, tr.Body, tr.ImageRef, tr.LinkPreview).Scan(&tr.ID)
		if err != nil {
			return fmt.Errorf("insert translation %q: %w", tr.Language, err)
		}
	}
	return nil
}

func (s *sqlStore) CreateTemplate(ctx context.Context, t *notification.Template) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = s.insertTemplate(ctx, tx, t)
		return err
	})
	return id, err
}

func (s *sqlStore) GetTemplate(ctx context.Context, id int64) (*notification.Template, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+templateCols+` FROM templates WHERE id = ?`), id)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("template %d: %w", id, notification.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := s.attachTranslations(ctx, []*notification.Template{t}); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *sqlStore) UpdateTemplate(ctx context.Context, t *notification.Template) error {
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = s.now()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		args := templateArgs(t)
		args = append(args, t.ID)
		res, err := tx.ExecContext(ctx, s.q(`UPDATE templates SET brand = ?, platforms = ?, kind = ?, mode = ?, published = ?,
			status = ?, scheduled_at = ?, interval_expr = ?, window_start = ?, window_end = ?, last_fired_at = ?,
			show_per_day = ?, max_day_showing = ?, priority = ?, created_by = ?, updated_by = ?, published_by = ?,
			created_at = ?, updated_at = ?, published_at = ? WHERE id = ? AND published = 0`), args...)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var published int
			err := tx.QueryRowContext(ctx, s.q(`SELECT published FROM templates WHERE id = ?`), t.ID).Scan(&published)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("template %d: %w", t.ID, notification.ErrNotFound)
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("template %d is published: %w", t.ID, notification.ErrIllegalTransition)
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM translations WHERE template_id = ?`), t.ID); err != nil {
			return err
		}
		return s.insertTranslations(ctx, tx, t)
	})
}

func (s *sqlStore) deleteTemplate(ctx context.Context, tx querier, id int64) error {
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM translations WHERE template_id = ?`), id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM templates WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("template %d: %w", id, notification.ErrNotFound)
	}
	return nil
}

func (s *sqlStore) DeleteTemplate(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.deleteTemplate(ctx, tx, id)
	})
}

func (s *sqlStore) SupersedeTemplate(ctx context.Context, oldID int64, next *notification.Template) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.deleteTemplate(ctx, tx, oldID); err != nil {
			return err
		}
		var err error
		id, err = s.insertTemplate(ctx, tx, next)
		return err
	})
	return id, err
}

func (s *sqlStore) TryClaim(ctx context.Context, id int64, at time.Time, actor string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE templates SET published = 1, status = ?, published_at = ?,
		published_by = ?, updated_at = ? WHERE id = ? AND published = 0`),
		string(notification.StatusPublished), at.UnixMilli(), actor, at.UnixMilli(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqlStore) TryClaimOccurrence(ctx context.Context, id int64, slot time.Time) (bool, error) {
	ms := slot.UnixMilli()
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE templates SET last_fired_at = ?
		WHERE id = ? AND published = 0 AND (last_fired_at IS NULL OR last_fired_at < ?)`), ms, id, ms)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqlStore) ReleaseClaim(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE templates SET published = 0, status = ?, published_at = NULL,
		published_by = '', updated_at = ? WHERE id = ? AND published = 1`),
		string(notification.StatusDraft), s.now().UnixMilli(), id)
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, res, id)
}

func (s *sqlStore) SetStatus(ctx context.Context, id int64, from, to notification.Status) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE templates SET status = ?, published = ?, updated_at = ?
		WHERE id = ? AND status = ? AND published = 0`),
		string(to), boolInt(to == notification.StatusPublished), s.now().UnixMilli(), id, string(from))
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, res, id)
}

// checkTransition turns a conditional update that matched nothing into
// ErrNotFound or ErrIllegalTransition.
func (s *sqlStore) checkTransition(ctx context.Context, res sql.Result, id int64) error {
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}
	var one int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT 1 FROM templates WHERE id = ?`), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("template %d: %w", id, notification.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("template %d changed status concurrently: %w", id, notification.ErrIllegalTransition)
}

func (s *sqlStore) ListPending(ctx context.Context) ([]*notification.Template, error) {
	return s.listTemplates(ctx, `WHERE published = 0 AND ((mode = ? AND status = ?) OR mode = ?) ORDER BY id`,
		string(notification.ModeSchedule), string(notification.StatusScheduled), string(notification.ModeInterval))
}

func (s *sqlStore) ListDueScheduled(ctx context.Context, until time.Time) ([]*notification.Template, error) {
	return s.listTemplates(ctx, `WHERE published = 0 AND mode = ? AND status = ? AND scheduled_at IS NOT NULL
		AND scheduled_at <= ? ORDER BY scheduled_at, id`,
		string(notification.ModeSchedule), string(notification.StatusScheduled), until.UnixMilli())
}

func (s *sqlStore) ListExpiredIntervals(ctx context.Context, now time.Time) ([]*notification.Template, error) {
	return s.listTemplates(ctx, `WHERE published = 0 AND mode = ? AND window_end IS NOT NULL AND window_end < ?
		ORDER BY window_end, id`, string(notification.ModeInterval), now.UnixMilli())
}

func (s *sqlStore) ListPublishedFlash(ctx context.Context) ([]*notification.Template, error) {
	return s.listTemplates(ctx, `WHERE kind = ? AND published = 1 ORDER BY priority DESC, created_at DESC, id DESC`,
		string(notification.KindFlash))
}

func (s *sqlStore) listTemplates(ctx context.Context, where string, args ...any) ([]*notification.Template, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+templateCols+` FROM templates `+where), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*notification.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.attachTranslations(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sqlStore) attachTranslations(ctx context.Context, ts []*notification.Template) error {
	if len(ts) == 0 {
		return nil
	}
	byID := make(map[int64]*notification.Template, len(ts))
	args := make([]any, 0, len(ts))
	for _, t := range ts {
		byID[t.ID] = t
		args = append(args, t.ID)
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, template_id, language, title, body, image_ref, link_preview
		FROM translations WHERE template_id IN (`+placeholders(len(args))+`) ORDER BY id`), args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			tr  notification.Translation
			tid int64
		)
		if err := rows.Scan(&tr.ID, &tid, &tr.Language, &tr.Title, &tr.Body, &tr.ImageRef, &tr.LinkPreview); err != nil {
			return err
		}
		if t := byID[tid]; t != nil {
			t.Translations = append(t.Translations, tr)
		}
	}
	return rows.Err()
}
