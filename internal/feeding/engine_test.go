package feeding

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"smartfeeder/feeder-server/internal/model"
)

func mustDate(t *testing.T, s string) model.Date {
	t.Helper()
	d, err := model.ParseDate(s)
	require.NoError(t, err)
	return d
}

func mustTime(t *testing.T, s string) model.TimeOfDay {
	t.Helper()
	v, err := model.ParseTimeOfDay(s)
	require.NoError(t, err)
	return v
}

func fixedClock(ts string) Clock {
	at, err := time.ParseInLocation("2006-01-02T15:04:05", ts, time.UTC)
	if err != nil {
		panic(err)
	}
	return ClockFunc(func() time.Time { return at })
}

func newTestEngine(store Store, reg Registry, now string) *Engine {
	return New(store, reg,
		WithClock(fixedClock(now)),
		WithLocation(time.UTC),
		WithLogger(zap.NewNop()),
	)
}

func TestMatch_BoundaryAtFeedTime(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	reg := newMemRegistry("m1")
	entry := store.add(model.ScheduleEntry{ModuleID: "m1", FeedDate: mustDate(t, "2024-01-01"), FeedTime: mustTime(t, "08:00"), Amount: 50})

	early := newTestEngine(store, reg, "2024-01-01T07:59:00")
	got, err := early.Match(ctx, "m1")
	require.NoError(t, err)
	assert.Nil(t, got)

	onTime := newTestEngine(store, reg, "2024-01-01T08:00:00")
	got, err = onTime.Match(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, entry.ID, got.ID)
	assert.Equal(t, model.StatusPending, store.get(entry.ID).Status, "match must not mutate state")
}

func TestMatch_OnlyTodayIsEligible(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	reg := newMemRegistry("m1")
	store.add(model.ScheduleEntry{ModuleID: "m1", FeedDate: mustDate(t, "2023-12-31"), FeedTime: mustTime(t, "06:00"), Amount: 10})
	store.add(model.ScheduleEntry{ModuleID: "m1", FeedDate: mustDate(t, "2024-01-02"), FeedTime: mustTime(t, "00:00"), Amount: 10})

	engine := newTestEngine(store, reg, "2024-01-01T23:59:00")
	got, err := engine.Match(ctx, "m1")
	require.NoError(t, err)
	assert.Nil(t, got, "yesterday's miss and tomorrow's entry are never surfaced")
}

func TestMatch_SmallestFeedTimeThenSmallestID(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	reg := newMemRegistry("m1", "m2")
	day := mustDate(t, "2024-01-01")

	store.add(model.ScheduleEntry{ModuleID: "m1", FeedDate: day, FeedTime: mustTime(t, "09:00"), Amount: 1})
	first := store.add(model.ScheduleEntry{ModuleID: "m1", FeedDate: day, FeedTime: mustTime(t, "07:30"), Amount: 2})
	store.add(model.ScheduleEntry{ModuleID: "m1", FeedDate: day, FeedTime: mustTime(t, "07:30"), Amount: 3})
	store.add(model.ScheduleEntry{ModuleID: "m1", FeedDate: day, FeedTime: mustTime(t, "10:00"), Amount: 4})
	store.add(model.ScheduleEntry{ModuleID: "m2", FeedDate: day, FeedTime: mustTime(t, "06:00"), Amount: 5})
	store.add(model.ScheduleEntry{ModuleID: "m1", FeedDate: day, FeedTime: mustTime(t, "05:00"), Amount: 6, Status: model.StatusDone})

	engine := newTestEngine(store, reg, "2024-01-01T09:30:00")
	for i := 0; i < 3; i++ {
		got, err := engine.Match(ctx, "m1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, first.ID, got.ID)
	}
}

func TestMatch_UsesOperatingZone(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	reg := newMemRegistry("m1")
	store.add(model.ScheduleEntry{ModuleID: "m1", FeedDate: mustDate(t, "2024-01-02"), FeedTime: mustTime(t, "07:00"), Amount: 5})

	manila := time.FixedZone("PHT", 8*60*60)
	engine := New(store, reg, WithClock(fixedClock("2024-01-01T23:30:00")), WithLocation(manila))

	got, err := engine.Match(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, got, "23:30 UTC is 07:30 on the next day in Manila")
}

func TestMatch_InactiveModuleSkipsStore(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	reg := newMemRegistry("m1")
	store.add(model.ScheduleEntry{ModuleID: "m1", FeedDate: mustDate(t, "2024-01-01"), FeedTime: mustTime(t, "08:00"), Amount: 50})
	engine := newTestEngine(store, reg, "2024-01-01T09:00:00")

	reg.set("m1", "inactive")
	_, err := engine.Match(ctx, "m1")
	require.ErrorIs(t, err, ErrUnknownOrInactiveModule)
	assert.Equal(t, 0, store.dueCalls)

	_, err = engine.Match(ctx, "ghost")
	require.ErrorIs(t, err, ErrUnknownOrInactiveModule)

	reg.set("m1", model.ModuleActive)
	got, err := engine.Match(ctx, "m1")
	require.NoError(t, err)
	assert.NotNil(t, got, "activation is re-checked on every poll")
}

func TestMatch_StoreFailureIsRetryable(t *testing.T) {
	store := newMemStore()
	store.dueErr = errDiskIO
	engine := newTestEngine(store, newMemRegistry("m1"), "2024-01-01T09:00:00")

	_, err := engine.Match(context.Background(), "m1")
	require.ErrorIs(t, err, ErrStoreUnavailable)
	require.ErrorIs(t, err, errDiskIO)
	assert.True(t, Retryable(err))
	assert.Equal(t, "store_unavailable", Code(err))
}

func TestComplete_SecondCallIsRejected(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	var hooked atomic.Int32
	engine := New(store, newMemRegistry("m1"),
		WithClock(fixedClock("2024-01-01T08:01:00")),
		WithCompletionHook(func(context.Context, model.ScheduleEntry, model.HistoryRecord) { hooked.Add(1) }),
	)
	entry := store.add(model.ScheduleEntry{ModuleID: "m1", FeedDate: mustDate(t, "2024-01-01"), FeedTime: mustTime(t, "08:00"), Amount: 50})

	rec, err := engine.Complete(ctx, entry.ID, "m1")
	require.NoError(t, err)
	require.NotNil(t, rec.ScheduleID)
	assert.Equal(t, entry.ID, *rec.ScheduleID)
	assert.Equal(t, time.UTC, rec.CompletedAt.Location())
	assert.Equal(t, model.StatusDone, store.get(entry.ID).Status)
	assert.Equal(t, 1, store.historyLen())

	_, err = engine.Complete(ctx, entry.ID, "m1")
	require.ErrorIs(t, err, ErrAlreadyCompleted)
	assert.False(t, Retryable(err))
	assert.Equal(t, 1, store.historyLen())
	assert.Equal(t, int32(1), hooked.Load())
}

func TestComplete_NotFoundCreatesNoHistory(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(store, newMemRegistry("m1"), "2024-01-01T08:00:00")

	_, err := engine.Complete(context.Background(), 404, "")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "not_found", Code(err))
	assert.Equal(t, 0, store.historyLen())
}

func TestComplete_ModuleMismatch(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(store, newMemRegistry("m1", "m2"), "2024-01-01T08:00:00")
	entry := store.add(model.ScheduleEntry{ModuleID: "m1", FeedDate: mustDate(t, "2024-01-01"), FeedTime: mustTime(t, "08:00"), Amount: 50})

	_, err := engine.Complete(context.Background(), entry.ID, "m2")
	require.ErrorIs(t, err, ErrModuleMismatch)
	assert.Equal(t, model.StatusPending, store.get(entry.ID).Status)
	assert.Equal(t, 0, store.historyLen())

	_, err = engine.Complete(context.Background(), entry.ID, "")
	require.NoError(t, err, "module id is optional")
}

func TestComplete_CancelledIsTerminal(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(store, newMemRegistry("m1"), "2024-01-01T08:00:00")
	entry := store.add(model.ScheduleEntry{ModuleID: "m1", FeedDate: mustDate(t, "2024-01-01"), FeedTime: mustTime(t, "08:00"), Amount: 50, Status: model.StatusCancelled})

	_, err := engine.Complete(context.Background(), entry.ID, "m1")
	require.ErrorIs(t, err, ErrInvalidStatus)
	assert.Equal(t, model.StatusCancelled, store.get(entry.ID).Status)
}

func TestComplete_LedgerFailureRollsBackStatus(t *testing.T) {
	store := newMemStore()
	store.failHistory = true
	engine := newTestEngine(store, newMemRegistry("m1"), "2024-01-01T08:00:00")
	entry := store.add(model.ScheduleEntry{ModuleID: "m1", FeedDate: mustDate(t, "2024-01-01"), FeedTime: mustTime(t, "08:00"), Amount: 50})

	_, err := engine.Complete(context.Background(), entry.ID, "m1")
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.True(t, Retryable(err))
	assert.Equal(t, model.StatusPending, store.get(entry.ID).Status)
	assert.Equal(t, 0, store.historyLen())
}

func TestComplete_ConcurrentCallsProduceOneRecord(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(store, newMemRegistry("m1"), "2024-01-01T08:00:00")
	entry := store.add(model.ScheduleEntry{ModuleID: "m1", FeedDate: mustDate(t, "2024-01-01"), FeedTime: mustTime(t, "08:00"), Amount: 50})

	var (
		wg        sync.WaitGroup
		ok        atomic.Int32
		completed atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Complete(context.Background(), entry.ID, "m1")
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrAlreadyCompleted):
				completed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(15), completed.Load())
	assert.Equal(t, 1, store.historyLen())
}

func TestExpand_DuplicateSuppression(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	engine := newTestEngine(store, newMemRegistry("m1"), "2024-01-01T00:00:00")
	req := RecurringRequest{ModuleID: "m1", FeedTime: "08:00", Amount: 50, StartDate: "2024-01-01", DayCount: 3}

	created, err := engine.Expand(ctx, req)
	require.NoError(t, err)
	require.Len(t, created, 3)
	assert.Equal(t, "2024-01-01", created[0].String())
	assert.Equal(t, "2024-01-02", created[1].String())
	assert.Equal(t, "2024-01-03", created[2].String())

	created, err = engine.Expand(ctx, req)
	require.NoError(t, err)
	assert.Len(t, created, 0)
	assert.Len(t, store.all(), 3)
}

func TestExpand_OverlappingRangeCreatesOnlyNewDays(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	engine := newTestEngine(store, newMemRegistry("m1"), "2024-01-01T00:00:00")

	_, err := engine.Expand(ctx, RecurringRequest{ModuleID: "m1", FeedTime: "08:00", Amount: 50, StartDate: "2024-01-30", DayCount: 3})
	require.NoError(t, err)

	created, err := engine.Expand(ctx, RecurringRequest{ModuleID: "m1", FeedTime: "08:00", Amount: 50, StartDate: "2024-01-31", DayCount: 3})
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, "2024-02-02", created[0].String())

	created, err = engine.Expand(ctx, RecurringRequest{ModuleID: "m1", FeedTime: "18:00", Amount: 50, StartDate: "2024-01-30"})
	require.NoError(t, err)
	assert.Len(t, created, DefaultDayCount, "a different time of day is not a duplicate")
}

func TestExpand_ValidationHappensBeforeWrites(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	engine := newTestEngine(store, newMemRegistry("m1"), "2024-01-01T00:00:00")

	tests := []struct {
		name string
		req  RecurringRequest
		want error
	}{
		{"bad date", RecurringRequest{ModuleID: "m1", FeedTime: "08:00", Amount: 5, StartDate: "2024-13-01"}, ErrInvalidDate},
		{"missing date", RecurringRequest{ModuleID: "m1", FeedTime: "08:00", Amount: 5}, ErrInvalidDate},
		{"bad time", RecurringRequest{ModuleID: "m1", FeedTime: "8am", Amount: 5, StartDate: "2024-01-01"}, ErrInvalidTime},
		{"zero amount", RecurringRequest{ModuleID: "m1", FeedTime: "08:00", StartDate: "2024-01-01"}, ErrInvalidAmount},
		{"negative amount", RecurringRequest{ModuleID: "m1", FeedTime: "08:00", Amount: -1, StartDate: "2024-01-01"}, ErrInvalidAmount},
		{"negative days", RecurringRequest{ModuleID: "m1", FeedTime: "08:00", Amount: 5, StartDate: "2024-01-01", DayCount: -2}, ErrInvalidDate},
		{"no module", RecurringRequest{FeedTime: "08:00", Amount: 5, StartDate: "2024-01-01"}, ErrUnknownOrInactiveModule},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.Expand(ctx, tt.req)
			require.ErrorIs(t, err, tt.want)
			assert.False(t, Retryable(err))
		})
	}
	assert.Empty(t, store.all())
}

func TestExpand_FailureMidwayLeavesNoRows(t *testing.T) {
	store := newMemStore()
	store.failInsertAt = 3
	engine := newTestEngine(store, newMemRegistry("m1"), "2024-01-01T00:00:00")

	_, err := engine.Expand(context.Background(), RecurringRequest{ModuleID: "m1", FeedTime: "08:00", Amount: 5, StartDate: "2024-01-01", DayCount: 5})
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Empty(t, store.all())
}

func TestCode_UnknownError(t *testing.T) {
	assert.Equal(t, "internal", Code(errors.New("boom")))
	assert.Equal(t, "", Code(nil))
}
