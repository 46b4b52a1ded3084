package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"smartfeeder/feeder-server/internal/feeding"
	"smartfeeder/feeder-server/internal/model"
)

const scheduleColumns = `schedule_id, module_id, feed_date, feed_time, amount, status`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (model.ScheduleEntry, error) {
	var (
		e      model.ScheduleEntry
		date   string
		at     string
		status string
	)
	if err := r.Scan(&e.ID, &e.ModuleID, &date, &at, &e.Amount, &status); err != nil {
		return model.ScheduleEntry{}, err
	}

	d, err := model.ParseDate(date)
	if err != nil {
		return model.ScheduleEntry{}, fmt.Errorf("schedule %d: %w", e.ID, err)
	}
	t, err := model.ParseTimeOfDay(at)
	if err != nil {
		return model.ScheduleEntry{}, fmt.Errorf("schedule %d: %w", e.ID, err)
	}
	e.FeedDate = d
	e.FeedTime = t
	e.Status = model.Status(strings.ToLower(strings.TrimSpace(status)))
	return e, nil
}

func collectEntries(rows *sql.Rows) ([]model.ScheduleEntry, error) {
	defer rows.Close()

	entries := make([]model.ScheduleEntry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedules: %w", err)
	}
	return entries, nil
}

// DueEntries lists pending entries for moduleID on day whose feed time is at or before at.
func (s *Store) DueEntries(ctx context.Context, moduleID string, day model.Date, at model.TimeOfDay) ([]model.ScheduleEntry, error) {
	if s.db == nil {
		return nil, errNotInitialized
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		`SELECT `+scheduleColumns+` FROM schedules
		 WHERE module_id = ? AND feed_date = ? AND feed_time <= ? AND status = ?
		 ORDER BY feed_time ASC, schedule_id ASC;`),
		moduleID, day.String(), at.String(), string(model.StatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("query due schedules: %w", err)
	}
	return collectEntries(rows)
}

// GetSchedule returns one entry by id.
func (s *Store) GetSchedule(ctx context.Context, id int64) (model.ScheduleEntry, error) {
	if s.db == nil {
		return model.ScheduleEntry{}, errNotInitialized
	}

	e, err := scanEntry(s.db.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT `+scheduleColumns+` FROM schedules WHERE schedule_id = ?;`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.ScheduleEntry{}, fmt.Errorf("schedule %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.ScheduleEntry{}, fmt.Errorf("get schedule: %w", err)
	}
	return e, nil
}

// ListSchedules returns entries matching f ordered by (feed_date, feed_time, schedule_id).
func (s *Store) ListSchedules(ctx context.Context, f model.ScheduleFilter) ([]model.ScheduleEntry, error) {
	if s.db == nil {
		return nil, errNotInitialized
	}

	var (
		where []string
		args  []any
	)
	if f.ModuleID != "" {
		where = append(where, "module_id = ?")
		args = append(args, f.ModuleID)
	}
	if f.From != nil {
		where = append(where, "feed_date >= ?")
		args = append(args, f.From.String())
	}
	if f.To != nil {
		where = append(where, "feed_date <= ?")
		args = append(args, f.To.String())
	}

	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY feed_date ASC, feed_time ASC, schedule_id ASC;`

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	return collectEntries(rows)
}

// DeleteSchedule removes an entry. History rows keep their record with a null schedule reference.
func (s *Store) DeleteSchedule(ctx context.Context, id int64) error {
	if s.db == nil {
		return errNotInitialized
	}

	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`DELETE FROM schedules WHERE schedule_id = ?;`), id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if !ok {
		return fmt.Errorf("schedule %d: %w", id, ErrNotFound)
	}
	return nil
}

// MissedBefore summarizes pending entries dated before day, per module.
func (s *Store) MissedBefore(ctx context.Context, day model.Date) ([]model.MissedSummary, error) {
	if s.db == nil {
		return nil, errNotInitialized
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		`SELECT module_id, COUNT(*), MIN(feed_date) FROM schedules
		 WHERE status = ? AND feed_date < ?
		 GROUP BY module_id ORDER BY module_id;`),
		string(model.StatusPending), day.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("query missed schedules: %w", err)
	}
	defer rows.Close()

	var out []model.MissedSummary
	for rows.Next() {
		var (
			m      model.MissedSummary
			oldest string
		)
		if err := rows.Scan(&m.ModuleID, &m.Pending, &oldest); err != nil {
			return nil, fmt.Errorf("scan missed schedules: %w", err)
		}
		if m.Oldest, err = model.ParseDate(oldest); err != nil {
			return nil, fmt.Errorf("module %s: %w", m.ModuleID, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate missed schedules: %w", err)
	}
	return out, nil
}

// InTx runs fn inside one database transaction. PostgreSQL runs it serializable;
// SQLite gets the same guarantee from its single immediate-mode connection.
// fn must only touch the database through tx.
func (s *Store) InTx(ctx context.Context, fn func(tx feeding.Tx) error) error {
	if s.db == nil {
		return errNotInitialized
	}

	var opts *sql.TxOptions
	if s.dialect == Postgres {
		opts = &sql.TxOptions{Isolation: sql.LevelSerializable}
	}

	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&sqlTx{tx: tx, dialect: s.dialect}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type sqlTx struct {
	tx      *sql.Tx
	dialect Dialect
}

var _ feeding.Tx = (*sqlTx)(nil)

func (t *sqlTx) Entry(ctx context.Context, id int64) (model.ScheduleEntry, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE schedule_id = ?`
	if t.dialect == Postgres {
		query += ` FOR UPDATE`
	}

	e, err := scanEntry(t.tx.QueryRowContext(ctx, t.dialect.rebind(query+";"), id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.ScheduleEntry{}, feeding.ErrNoEntry
	}
	if err != nil {
		return model.ScheduleEntry{}, fmt.Errorf("load schedule: %w", err)
	}
	return e, nil
}

func (t *sqlTx) SetStatus(ctx context.Context, id int64, status model.Status) error {
	res, err := t.tx.ExecContext(ctx, t.dialect.rebind(`UPDATE schedules SET status = ? WHERE schedule_id = ?;`), string(status), id)
	if err != nil {
		return fmt.Errorf("update schedule status: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return fmt.Errorf("update schedule status: %w", err)
	}
	if !ok {
		return feeding.ErrNoEntry
	}
	return nil
}

func (t *sqlTx) AppendHistory(ctx context.Context, scheduleID int64, completedAt time.Time) (model.HistoryRecord, error) {
	at := completedAt.UTC().Truncate(time.Second)

	var id int64
	err := t.tx.QueryRowContext(ctx, t.dialect.rebind(
		`INSERT INTO history (schedule_id, created_at) VALUES (?, ?) RETURNING history_id;`),
		scheduleID, at.Format(historyTimeLayout),
	).Scan(&id)
	if err != nil {
		return model.HistoryRecord{}, fmt.Errorf("insert history: %w", err)
	}

	sid := scheduleID
	return model.HistoryRecord{ID: id, ScheduleID: &sid, CompletedAt: at}, nil
}

func (t *sqlTx) Insert(ctx context.Context, e model.ScheduleEntry) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, t.dialect.rebind(
		`INSERT INTO schedules (module_id, feed_date, feed_time, amount, status)
		 VALUES (?, ?, ?, ?, ?) RETURNING schedule_id;`),
		e.ModuleID, e.FeedDate.String(), e.FeedTime.String(), e.Amount, string(e.Status),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert schedule: %w", err)
	}
	return id, nil
}

func (t *sqlTx) Update(ctx context.Context, e model.ScheduleEntry) error {
	res, err := t.tx.ExecContext(ctx, t.dialect.rebind(
		`UPDATE schedules SET module_id = ?, feed_date = ?, feed_time = ?, amount = ?, status = ?
		 WHERE schedule_id = ?;`),
		e.ModuleID, e.FeedDate.String(), e.FeedTime.String(), e.Amount, string(e.Status), e.ID,
	)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if !ok {
		return feeding.ErrNoEntry
	}
	return nil
}

// InsertIfAbsent inserts a pending entry unless (module_id, feed_date, feed_time) already exists.
// A skipped insert returns no row, which is reported as created=false.
func (t *sqlTx) InsertIfAbsent(ctx context.Context, e model.ScheduleEntry) (int64, bool, error) {
	date, at := e.FeedDate.String(), e.FeedTime.String()

	var id int64
	err := t.tx.QueryRowContext(ctx, t.dialect.rebind(
		`INSERT INTO schedules (module_id, feed_date, feed_time, amount, status)
		 SELECT CAST(? AS TEXT), CAST(? AS TEXT), CAST(? AS TEXT), CAST(? AS DOUBLE PRECISION), 'pending'
		 WHERE NOT EXISTS (
			SELECT 1 FROM schedules WHERE module_id = ? AND feed_date = ? AND feed_time = ?
		 )
		 RETURNING schedule_id;`),
		e.ModuleID, date, at, e.Amount,
		e.ModuleID, date, at,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("insert schedule %s %s: %w", date, at, err)
	}
	return id, true, nil
}
