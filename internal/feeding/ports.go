package feeding

import (
	"context"
	"errors"
	"time"

	"smartfeeder/feeder-server/internal/model"
)

// ErrNoEntry is returned by Tx.Entry when the schedule id does not exist.
var ErrNoEntry = errors.New("no such schedule entry")

// Store is the slice of the Schedule Store and History Ledger the engine needs.
// Implementations must not cache schedule state between calls.
type Store interface {
	// DueEntries lists pending entries for moduleID on day whose feed time is at or before at.
	DueEntries(ctx context.Context, moduleID string, day model.Date, at model.TimeOfDay) ([]model.ScheduleEntry, error)

	// InTx runs fn as one atomic unit. If fn returns an error every write made through tx is rolled back.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the transactional view used by the Lifecycle Controller and the Recurring Generator.
type Tx interface {
	Entry(ctx context.Context, id int64) (model.ScheduleEntry, error)
	SetStatus(ctx context.Context, id int64, status model.Status) error
	AppendHistory(ctx context.Context, scheduleID int64, completedAt time.Time) (model.HistoryRecord, error)
	Insert(ctx context.Context, e model.ScheduleEntry) (int64, error)
	Update(ctx context.Context, e model.ScheduleEntry) error

	// InsertIfAbsent creates a pending entry unless one already exists for the same
	// (module_id, feed_date, feed_time). The check and insert happen in one statement.
	InsertIfAbsent(ctx context.Context, e model.ScheduleEntry) (id int64, created bool, err error)
}

// Registry is the Device Registry fact source. Answers are read fresh on every call.
type Registry interface {
	IsActiveModule(ctx context.Context, moduleID string) (bool, error)
	IsActiveCamera(ctx context.Context, camID string) (bool, error)
}

// Clock supplies the current instant. The engine converts it to the operating zone.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)
