package storage

import (
	"context"
	"testing"

	"notifyd/internal/notification"
	"notifyd/pkg/logx"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryClaim_ConditionalUpdate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := newSQLStore(db, dialectSQLite, logx.Nop(), nil)
	ms := t0.UnixMilli()

	mock.ExpectExec(`UPDATE templates SET published = 1, status = \?.*WHERE id = \? AND published = 0`).
		WithArgs(string(notification.StatusPublished), ms, "sweep", ms, int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE templates SET published = 1`).
		WithArgs(string(notification.StatusPublished), ms, "timer", ms, int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	won, err := st.TryClaim(context.Background(), 42, t0, "sweep")
	require.NoError(t, err)
	assert.True(t, won)

	won, err = st.TryClaim(context.Background(), 42, t0, "timer")
	require.NoError(t, err)
	assert.False(t, won)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTryClaim_PostgresPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := newSQLStore(db, dialectPostgres, logx.Nop(), nil)
	mock.ExpectExec(`WHERE id = \$5 AND published = 0`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	won, err := st.TryClaim(context.Background(), 1, t0, "sweep")
	require.NoError(t, err)
	assert.True(t, won)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTryClaimOccurrence_ConditionalUpdate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := newSQLStore(db, dialectSQLite, logx.Nop(), nil)
	ms := t0.UnixMilli()
	mock.ExpectExec(`UPDATE templates SET last_fired_at = \?.*last_fired_at IS NULL OR last_fired_at < \?`).
		WithArgs(ms, int64(3), ms).
		WillReturnResult(sqlmock.NewResult(0, 0))

	won, err := st.TryClaimOccurrence(context.Background(), 3, t0)
	require.NoError(t, err)
	assert.False(t, won)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseClaim_OnlyPublished(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := newSQLStore(db, dialectSQLite, logx.Nop(), nil)
	mock.ExpectExec(`UPDATE templates SET published = 0.*WHERE id = \? AND published = 1`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT 1 FROM templates WHERE id = \?`).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

	err = st.ReleaseClaim(context.Background(), 9)
	require.ErrorIs(t, err, notification.ErrIllegalTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRebindDollar(t *testing.T) {
	assert.Equal(t, `SELECT a FROM t WHERE x = $1 AND y IN ($2,$3) AND z <> '?'`,
		rebindDollar(`SELECT a FROM t WHERE x = ? AND y IN (?,?) AND z <> '?'`))
	assert.Equal(t, "", placeholders(0))
	assert.Equal(t, "?,?,?", placeholders(3))
}
