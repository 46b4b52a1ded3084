package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartfeeder/feeder-server/internal/feeding"
	"smartfeeder/feeder-server/internal/model"
)

func setupMockStore(t *testing.T, dialect Dialect) (*sql.DB, sqlmock.Sqlmock, *Store) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock, New(db, dialect)
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "a = ? AND b = ?", SQLite.rebind("a = ? AND b = ?"))
	assert.Equal(t, "a = $1 AND b = $2", Postgres.rebind("a = ? AND b = ?"))
}

func TestParseDialect(t *testing.T) {
	d, err := ParseDialect("")
	require.NoError(t, err)
	assert.Equal(t, SQLite, d)

	d, err = ParseDialect("PostgreSQL")
	require.NoError(t, err)
	assert.Equal(t, Postgres, d)

	_, err = ParseDialect("mysql")
	assert.Error(t, err)
}

func TestDueEntries_PostgresPlaceholders(t *testing.T) {
	db, mock, s := setupMockStore(t, Postgres)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"schedule_id", "module_id", "feed_date", "feed_time", "amount", "status"}).
		AddRow(int64(4), "m1", "2024-03-01", "07:30", 25.0, "pending")

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE module_id = $1 AND feed_date = $2 AND feed_time <= $3 AND status = $4`)).
		WithArgs("m1", "2024-03-01", "08:00", "pending").
		WillReturnRows(rows)

	day, _ := model.ParseDate("2024-03-01")
	at, _ := model.ParseTimeOfDay("08:00")
	entries, err := s.DueEntries(context.Background(), "m1", day, at)

	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(4), entries[0].ID)
	assert.Equal(t, "07:30", entries[0].FeedTime.String())
	assert.Equal(t, model.StatusPending, entries[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInTx_RollsBackWhenCallbackFails(t *testing.T) {
	db, mock, s := setupMockStore(t, SQLite)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO schedules`).
		WillReturnRows(sqlmock.NewRows([]string{"schedule_id"}).AddRow(int64(1)))
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := s.InTx(context.Background(), func(tx feeding.Tx) error {
		day, _ := model.ParseDate("2024-03-01")
		if _, err := tx.Insert(context.Background(), model.ScheduleEntry{ModuleID: "m1", FeedDate: day, Amount: 1, Status: model.StatusPending}); err != nil {
			return err
		}
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInTx_CommitFailureIsReturned(t *testing.T) {
	db, mock, s := setupMockStore(t, SQLite)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE schedules SET status`).
		WithArgs("done", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("database is locked"))

	err := s.InTx(context.Background(), func(tx feeding.Tx) error {
		return tx.SetStatus(context.Background(), 3, model.StatusDone)
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "commit tx")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertIfAbsent_SkippedRowIsNotCreated(t *testing.T) {
	db, mock, s := setupMockStore(t, SQLite)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`WHERE NOT EXISTS`).
		WithArgs("m1", "2024-03-01", "08:00", 25.0, "m1", "2024-03-01", "08:00").
		WillReturnRows(sqlmock.NewRows([]string{"schedule_id"}))
	mock.ExpectCommit()

	day, _ := model.ParseDate("2024-03-01")
	at, _ := model.ParseTimeOfDay("08:00")

	var created bool
	err := s.InTx(context.Background(), func(tx feeding.Tx) error {
		var err error
		_, created, err = tx.InsertIfAbsent(context.Background(), model.ScheduleEntry{ModuleID: "m1", FeedDate: day, FeedTime: at, Amount: 25})
		return err
	})

	require.NoError(t, err)
	assert.False(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEntry_PostgresLocksRow(t *testing.T) {
	db, mock, s := setupMockStore(t, Postgres)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE schedule_id = $1 FOR UPDATE`)).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"schedule_id", "module_id", "feed_date", "feed_time", "amount", "status"}))
	mock.ExpectRollback()

	err := s.InTx(context.Background(), func(tx feeding.Tx) error {
		_, err := tx.Entry(context.Background(), 7)
		return err
	})

	assert.ErrorIs(t, err, feeding.ErrNoEntry)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateWeight_UnknownModule(t *testing.T) {
	db, mock, s := setupMockStore(t, SQLite)
	defer db.Close()

	mock.ExpectQuery(`UPDATE modules SET weight`).
		WithArgs(120.5, "ghost").
		WillReturnRows(sqlmock.NewRows([]string{"status"}))

	_, err := s.UpdateWeight(context.Background(), "ghost", 120.5)

	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsActiveModule_QueryFailure(t *testing.T) {
	db, mock, s := setupMockStore(t, SQLite)
	defer db.Close()

	mock.ExpectQuery(`SELECT status FROM modules`).
		WithArgs("m1").
		WillReturnError(errors.New("disk I/O error"))

	_, err := s.IsActiveModule(context.Background(), "m1")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}
