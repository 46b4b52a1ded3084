package store

import (
	"context"
	"database/sql"
	"fmt"

	"smartfeeder/feeder-server/internal/model"
)

// ListHistory returns ledger records joined with their schedules, newest first.
// Records whose schedule was deleted keep their id and timestamp with empty schedule fields.
func (s *Store) ListHistory(ctx context.Context) ([]model.HistoryView, error) {
	if s.db == nil {
		return nil, errNotInitialized
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT h.history_id, h.created_at, h.schedule_id,
			s.module_id, s.feed_date, s.feed_time, s.amount, s.status
		 FROM history h
		 LEFT JOIN schedules s ON s.schedule_id = h.schedule_id
		 ORDER BY h.created_at DESC, h.history_id DESC;`)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	out := make([]model.HistoryView, 0)
	for rows.Next() {
		var (
			v          model.HistoryView
			createdAt  string
			scheduleID sql.NullInt64
			moduleID   sql.NullString
			feedDate   sql.NullString
			feedTime   sql.NullString
			amount     sql.NullFloat64
			status     sql.NullString
		)
		if err := rows.Scan(&v.HistoryID, &createdAt, &scheduleID, &moduleID, &feedDate, &feedTime, &amount, &status); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}

		v.CompletedAt = parseStoredTime(createdAt)
		if scheduleID.Valid {
			id := scheduleID.Int64
			v.ScheduleID = &id
		}
		if moduleID.Valid {
			m := moduleID.String
			v.ModuleID = &m
		}
		if feedDate.Valid {
			if d, err := model.ParseDate(feedDate.String); err == nil {
				v.FeedDate = &d
			}
		}
		if feedTime.Valid {
			if t, err := model.ParseTimeOfDay(feedTime.String); err == nil {
				v.FeedTime = &t
			}
		}
		if amount.Valid {
			a := amount.Float64
			v.Amount = &a
		}
		if status.Valid {
			st := model.Status(status.String)
			v.Status = &st
		}

		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}

// DeleteHistory removes one ledger record. Only explicit operator action reaches this.
func (s *Store) DeleteHistory(ctx context.Context, id int64) error {
	if s.db == nil {
		return errNotInitialized
	}

	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`DELETE FROM history WHERE history_id = ?;`), id)
	if err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	if !ok {
		return fmt.Errorf("history %d: %w", id, ErrNotFound)
	}
	return nil
}
