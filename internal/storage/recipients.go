package storage

import (
	"context"
	"database/sql"
	"errors"

	"notifyd/internal/notification"
)

const recipientCols = `account_id, push_token, platform, language, brand`

func scanRecipient(r rowScanner) (notification.Recipient, error) {
	var (
		rc       notification.Recipient
		token    sql.NullString
		platform string
	)
	if err := r.Scan(&rc.AccountID, &token, &platform, &rc.Language, &rc.Brand); err != nil {
		return rc, err
	}
	rc.PushToken = strPtr(token)
	rc.Platform = notification.ParsePlatform(platform)
	return rc, nil
}

func (s *sqlStore) FindByAccountID(ctx context.Context, accountID string) (*notification.Recipient, error) {
	rc, err := scanRecipient(s.db.QueryRowContext(ctx, s.q(`SELECT `+recipientCols+` FROM recipients WHERE account_id = ?`), accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rc, nil
}

func (s *sqlStore) ListAll(ctx context.Context) ([]notification.Recipient, error) {
	return s.listRecipients(ctx, `ORDER BY account_id`)
}

func (s *sqlStore) ListWithToken(ctx context.Context) ([]notification.Recipient, error) {
	return s.listRecipients(ctx, `WHERE push_token IS NOT NULL AND push_token <> '' ORDER BY account_id`)
}

func (s *sqlStore) listRecipients(ctx context.Context, tail string) ([]notification.Recipient, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+recipientCols+` FROM recipients `+tail))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []notification.Recipient
	for rows.Next() {
		rc, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpsertRecipient(ctx context.Context, r notification.Recipient) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO recipients(account_id, push_token, platform, language, brand)
		VALUES(?,?,?,?,?)
		ON CONFLICT(account_id) DO UPDATE SET push_token = excluded.push_token, platform = excluded.platform,
		language = excluded.language, brand = excluded.brand`),
		r.AccountID, nullStr(r.PushToken), string(r.Platform), r.Language, r.Brand)
	return err
}
