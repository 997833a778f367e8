package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"notifyd/internal/notification"
)

func (s *sqlStore) FindRecentDelivery(ctx context.Context, accountID string, templateID int64, since time.Time) (*notification.Delivery, error) {
	var (
		d      notification.Delivery
		at     int64
		sentAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id, account_id, template_id, push_token, message_id, send_count, created_at, sent_at
		FROM deliveries WHERE account_id = ? AND template_id = ? AND created_at > ?
		ORDER BY created_at DESC, id DESC LIMIT 1`), accountID, templateID, since.UnixMilli()).
		Scan(&d.ID, &d.AccountID, &d.TemplateID, &d.PushToken, &d.MessageID, &d.SendCount, &at, &sentAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.CreatedAt = time.UnixMilli(at)
	d.SentAt = millisPtr(sentAt)
	return &d, nil
}

func (s *sqlStore) CreateDelivery(ctx context.Context, d *notification.Delivery) (int64, error) {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now()
	}
	err := s.db.QueryRowContext(ctx, s.q(`INSERT INTO deliveries(account_id, template_id, push_token, message_id, send_count, created_at)
		VALUES(?,?,?,?,?,?) RETURNING id`),
		d.AccountID, d.TemplateID, d.PushToken, d.MessageID, d.SendCount, d.CreatedAt.UnixMilli()).Scan(&d.ID)
	if err != nil {
		return 0, err
	}
	return d.ID, nil
}

func (s *sqlStore) ConfirmDelivery(ctx context.Context, id, messageID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE deliveries SET message_id = ?, sent_at = ? WHERE id = ?`),
		messageID, at.UnixMilli(), id)
	return err
}

func (s *sqlStore) ListDeliveryTimes(ctx context.Context, accountID string, templateID int64, since time.Time) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT created_at FROM deliveries
		WHERE account_id = ? AND template_id = ? AND created_at >= ? ORDER BY created_at`),
		accountID, templateID, since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var ms int64
		if err := rows.Scan(&ms); err != nil {
			return nil, err
		}
		out = append(out, time.UnixMilli(ms))
	}
	return out, rows.Err()
}

func (s *sqlStore) CountDeliveries(ctx context.Context, accountID string, templateID int64, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM deliveries
		WHERE account_id = ? AND template_id = ? AND created_at >= ?`),
		accountID, templateID, since.UnixMilli()).Scan(&n)
	return n, err
}

func (s *sqlStore) DeleteDeliveries(ctx context.Context, templateID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM deliveries WHERE template_id = ?`), templateID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
