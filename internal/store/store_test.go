package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"smartfeeder/feeder-server/internal/feeding"
	"smartfeeder/feeder-server/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(Options{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "feeder.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.InitSchema(context.Background()))
	return s
}

func date(t *testing.T, s string) model.Date {
	t.Helper()
	d, err := model.ParseDate(s)
	require.NoError(t, err)
	return d
}

func clockAt(ts string) feeding.Clock {
	at, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		panic(err)
	}
	return feeding.ClockFunc(func() time.Time { return at })
}

func TestInitSchemaIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.InitSchema(context.Background()))
	require.NoError(t, s.Ping(context.Background()))
}

func TestEngineOnSQLite(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.CreateModule(ctx, model.Module{ModuleID: "m1", Status: model.ModuleActive}))

	engine := feeding.New(s, s,
		feeding.WithClock(clockAt("2024-03-01T09:00:00Z")),
		feeding.WithLocation(time.UTC),
		feeding.WithLogger(zap.NewNop()),
	)

	req := feeding.RecurringRequest{ModuleID: "m1", FeedTime: "08:00", Amount: 25, StartDate: "2024-03-01", DayCount: 3}
	created, err := engine.Expand(ctx, req)
	require.NoError(t, err)
	assert.Len(t, created, 3)

	created, err = engine.Expand(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, created)

	entry, err := engine.Match(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "2024-03-01", entry.FeedDate.String())

	rec, err := engine.Complete(ctx, entry.ID, "m1")
	require.NoError(t, err)
	require.NotNil(t, rec.ScheduleID)
	assert.Equal(t, entry.ID, *rec.ScheduleID)

	_, err = engine.Complete(ctx, entry.ID, "m1")
	assert.ErrorIs(t, err, feeding.ErrAlreadyCompleted)

	next, err := engine.Match(ctx, "m1")
	require.NoError(t, err)
	assert.Nil(t, next)

	history, err := s.ListHistory(ctx)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.NotNil(t, history[0].ModuleID)
	assert.Equal(t, "m1", *history[0].ModuleID)
	assert.Equal(t, model.StatusDone, *history[0].Status)
	assert.Equal(t, time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), history[0].CompletedAt)

	require.NoError(t, s.DeleteSchedule(ctx, entry.ID))
	history, err = s.ListHistory(ctx)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Nil(t, history[0].ScheduleID)
	assert.Nil(t, history[0].ModuleID)
}

func TestHistoryIsUniquePerSchedule(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	var id int64
	require.NoError(t, s.InTx(ctx, func(tx feeding.Tx) error {
		var err error
		id, err = tx.Insert(ctx, model.ScheduleEntry{ModuleID: "m1", FeedDate: date(t, "2024-03-01"), FeedTime: 480, Amount: 5, Status: model.StatusPending})
		return err
	}))

	now := time.Now()
	require.NoError(t, s.InTx(ctx, func(tx feeding.Tx) error {
		_, err := tx.AppendHistory(ctx, id, now)
		return err
	}))
	err := s.InTx(ctx, func(tx feeding.Tx) error {
		_, err := tx.AppendHistory(ctx, id, now)
		return err
	})
	assert.Error(t, err)

	history, err := s.ListHistory(ctx)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestListSchedulesFilterAndOrder(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	seed := []model.ScheduleEntry{
		{ModuleID: "m1", FeedDate: date(t, "2024-03-02"), FeedTime: 480, Amount: 1},
		{ModuleID: "m1", FeedDate: date(t, "2024-03-01"), FeedTime: 1080, Amount: 1},
		{ModuleID: "m1", FeedDate: date(t, "2024-03-01"), FeedTime: 480, Amount: 1},
		{ModuleID: "m2", FeedDate: date(t, "2024-03-01"), FeedTime: 420, Amount: 1},
	}
	require.NoError(t, s.InTx(ctx, func(tx feeding.Tx) error {
		for _, e := range seed {
			e.Status = model.StatusPending
			if _, err := tx.Insert(ctx, e); err != nil {
				return err
			}
		}
		return nil
	}))

	all, err := s.ListSchedules(ctx, model.ScheduleFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "m2", all[0].ModuleID)
	assert.Equal(t, "08:00", all[1].FeedTime.String())
	assert.Equal(t, "18:00", all[2].FeedTime.String())

	from, to := date(t, "2024-03-01"), date(t, "2024-03-01")
	m1, err := s.ListSchedules(ctx, model.ScheduleFilter{ModuleID: "m1", From: &from, To: &to})
	require.NoError(t, err)
	assert.Len(t, m1, 2)

	got, err := s.GetSchedule(ctx, m1[0].ID)
	require.NoError(t, err)
	assert.Equal(t, m1[0], got)

	_, err = s.GetSchedule(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteSchedule(ctx, 9999), ErrNotFound)
}

func TestMissedBefore(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.InTx(ctx, func(tx feeding.Tx) error {
		for _, e := range []model.ScheduleEntry{
			{ModuleID: "m1", FeedDate: date(t, "2024-02-27"), FeedTime: 480, Amount: 1, Status: model.StatusPending},
			{ModuleID: "m1", FeedDate: date(t, "2024-02-28"), FeedTime: 480, Amount: 1, Status: model.StatusPending},
			{ModuleID: "m1", FeedDate: date(t, "2024-02-28"), FeedTime: 600, Amount: 1, Status: model.StatusDone},
			{ModuleID: "m2", FeedDate: date(t, "2024-03-01"), FeedTime: 480, Amount: 1, Status: model.StatusPending},
		} {
			if _, err := tx.Insert(ctx, e); err != nil {
				return err
			}
		}
		return nil
	}))

	missed, err := s.MissedBefore(ctx, date(t, "2024-03-01"))
	require.NoError(t, err)
	require.Len(t, missed, 1)
	assert.Equal(t, "m1", missed[0].ModuleID)
	assert.Equal(t, 2, missed[0].Pending)
	assert.Equal(t, "2024-02-27", missed[0].Oldest.String())
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.CreateCamera(ctx, model.Camera{CamID: "cam1", Status: model.ModuleActive}))
	assert.ErrorIs(t, s.CreateCamera(ctx, model.Camera{CamID: "cam1", Status: "inactive"}), ErrDuplicate)

	ok, err := s.IsActiveCamera(ctx, "cam1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.UpdateCamera(ctx, model.Camera{CamID: "cam1", Status: "inactive"}))
	ok, err = s.IsActiveCamera(ctx, "cam1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.CreateModule(ctx, model.Module{ModuleID: "m1", CamID: "cam1", Status: model.ModuleActive}))
	ok, err = s.IsActiveModule(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.IsActiveModule(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, ok)

	status, err := s.UpdateWeight(ctx, "m1", 350.5)
	require.NoError(t, err)
	assert.Equal(t, model.ModuleActive, status)

	m, err := s.GetModule(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, m.Weight)
	assert.Equal(t, 350.5, *m.Weight)

	m.Status = "maintenance"
	require.NoError(t, s.UpdateModule(ctx, m))
	ok, err = s.IsActiveModule(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, ok)

	modules, err := s.ListModules(ctx)
	require.NoError(t, err)
	assert.Len(t, modules, 1)

	_, err = s.UpdateWeight(ctx, "ghost", 1)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.DeleteModule(ctx, "m1"))
	_, err = s.GetModule(ctx, "m1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.DeleteCamera(ctx, "cam1"))
	cameras, err := s.ListCameras(ctx)
	require.NoError(t, err)
	assert.Empty(t, cameras)
}
