package app

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"smartfeeder/feeder-server/internal/feeding"
	"smartfeeder/feeder-server/internal/model"
)

func registryStatus(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return model.ModuleActive
	}
	return s
}

func pathID(c echo.Context, name string) (int64, error) {
	raw := c.Param(name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest("invalid %s %q", name, raw)
	}
	return id, nil
}

func success(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"success": true})
}

// Cameras

type cameraRequest struct {
	CamID  string `json:"cam_id"`
	Status string `json:"status"`
}

func (a *App) listCameras(c echo.Context) error {
	ctx, cancel := a.storeCtx(c.Request().Context())
	defer cancel()

	cameras, err := a.store.ListCameras(ctx)
	if err != nil {
		return persistErr(err)
	}
	if cameras == nil {
		cameras = []model.Camera{}
	}
	return c.JSON(http.StatusOK, cameras)
}

func (a *App) createCamera(c echo.Context) error {
	var req cameraRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid payload")
	}
	cam := model.Camera{CamID: strings.TrimSpace(req.CamID), Status: registryStatus(req.Status)}
	if cam.CamID == "" {
		return badRequest("cam_id required")
	}

	ctx, cancel := a.storeCtx(c.Request().Context())
	defer cancel()

	if err := a.store.CreateCamera(ctx, cam); err != nil {
		return persistErr(err)
	}
	return c.JSON(http.StatusCreated, cam)
}

func (a *App) updateCamera(c echo.Context) error {
	var req cameraRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid payload")
	}
	if strings.TrimSpace(req.Status) == "" {
		return badRequest("status required")
	}
	cam := model.Camera{CamID: c.Param("cam_id"), Status: registryStatus(req.Status)}

	ctx, cancel := a.storeCtx(c.Request().Context())
	defer cancel()

	if err := a.store.UpdateCamera(ctx, cam); err != nil {
		return persistErr(err)
	}
	return c.JSON(http.StatusOK, cam)
}

func (a *App) deleteCamera(c echo.Context) error {
	ctx, cancel := a.storeCtx(c.Request().Context())
	defer cancel()

	if err := a.store.DeleteCamera(ctx, c.Param("cam_id")); err != nil {
		return persistErr(err)
	}
	return success(c)
}

// Modules

type moduleRequest struct {
	ModuleID string   `json:"module_id"`
	CamID    *string  `json:"cam_id"`
	Status   *string  `json:"status"`
	Weight   *float64 `json:"weight"`
}

func (r moduleRequest) apply(m *model.Module) error {
	if r.CamID != nil {
		m.CamID = strings.TrimSpace(*r.CamID)
	}
	if r.Status != nil {
		m.Status = registryStatus(*r.Status)
	}
	if r.Weight != nil {
		if err := validateWeight(*r.Weight); err != nil {
			return err
		}
		w := *r.Weight
		m.Weight = &w
	}
	return nil
}

func (a *App) listModules(c echo.Context) error {
	ctx, cancel := a.storeCtx(c.Request().Context())
	defer cancel()

	modules, err := a.store.ListModules(ctx)
	if err != nil {
		return persistErr(err)
	}
	if modules == nil {
		modules = []model.Module{}
	}
	return c.JSON(http.StatusOK, modules)
}

func (a *App) createModule(c echo.Context) error {
	var req moduleRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid payload")
	}
	m := model.Module{ModuleID: strings.TrimSpace(req.ModuleID), Status: model.ModuleActive}
	if m.ModuleID == "" {
		return badRequest("module_id required")
	}
	if err := req.apply(&m); err != nil {
		return err
	}

	ctx, cancel := a.storeCtx(c.Request().Context())
	defer cancel()

	if err := a.store.CreateModule(ctx, m); err != nil {
		return persistErr(err)
	}
	return c.JSON(http.StatusCreated, m)
}

func (a *App) updateModule(c echo.Context) error {
	var req moduleRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid payload")
	}

	ctx, cancel := a.storeCtx(c.Request().Context())
	defer cancel()

	m, err := a.store.GetModule(ctx, c.Param("module_id"))
	if err != nil {
		return persistErr(err)
	}
	if err := req.apply(&m); err != nil {
		return err
	}
	if err := a.store.UpdateModule(ctx, m); err != nil {
		return persistErr(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (a *App) deleteModule(c echo.Context) error {
	ctx, cancel := a.storeCtx(c.Request().Context())
	defer cancel()

	if err := a.store.DeleteModule(ctx, c.Param("module_id")); err != nil {
		return persistErr(err)
	}
	return success(c)
}

// Schedules

// scheduleRequest carries raw fields so that each bad value maps to its own error kind.
type scheduleRequest struct {
	ModuleID *string  `json:"module_id"`
	FeedDate *string  `json:"feed_date"`
	FeedTime *string  `json:"feed_time"`
	Amount   *float64 `json:"amount"`
	Status   *string  `json:"status"`
}

func (r scheduleRequest) apply(e *model.ScheduleEntry) error {
	if r.ModuleID != nil {
		e.ModuleID = strings.TrimSpace(*r.ModuleID)
	}
	if r.FeedDate != nil {
		d, err := model.ParseDate(*r.FeedDate)
		if err != nil {
			return fmt.Errorf("%w: %v", feeding.ErrInvalidDate, err)
		}
		e.FeedDate = d
	}
	if r.FeedTime != nil {
		t, err := model.ParseTimeOfDay(*r.FeedTime)
		if err != nil {
			return fmt.Errorf("%w: %v", feeding.ErrInvalidTime, err)
		}
		e.FeedTime = t
	}
	if r.Amount != nil {
		e.Amount = *r.Amount
	}
	if r.Status != nil {
		s, err := model.ParseStatus(*r.Status)
		if err != nil {
			return fmt.Errorf("%w: %v", feeding.ErrInvalidStatus, err)
		}
		e.Status = s
	}
	return nil
}

func (a *App) listSchedules(c echo.Context) error {
	var filter model.ScheduleFilter
	filter.ModuleID = strings.TrimSpace(c.QueryParam("module_id"))

	for _, p := range []struct {
		name string
		dst  **model.Date
	}{
		{"start_date", &filter.From},
		{"end_date", &filter.To},
	} {
		raw := strings.TrimSpace(c.QueryParam(p.name))
		if raw == "" {
			continue
		}
		d, err := model.ParseDate(raw)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", feeding.ErrInvalidDate, p.name, err)
		}
		*p.dst = &d
	}

	ctx, cancel := a.storeCtx(c.Request().Context())
	defer cancel()

	entries, err := a.store.ListSchedules(ctx, filter)
	if err != nil {
		return persistErr(err)
	}
	if entries == nil {
		entries = []model.ScheduleEntry{}
	}
	return c.JSON(http.StatusOK, entries)
}

func (a *App) createSchedule(c echo.Context) error {
	var req scheduleRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid payload")
	}
	switch {
	case req.ModuleID == nil || strings.TrimSpace(*req.ModuleID) == "":
		return badRequest("module_id required")
	case req.FeedDate == nil:
		return fmt.Errorf("%w: feed_date is required", feeding.ErrInvalidDate)
	case req.FeedTime == nil:
		return fmt.Errorf("%w: feed_time is required", feeding.ErrInvalidTime)
	case req.Amount == nil:
		return fmt.Errorf("%w: amount is required", feeding.ErrInvalidAmount)
	}

	var entry model.ScheduleEntry
	if err := req.apply(&entry); err != nil {
		return err
	}

	ctx, cancel := a.storeCtx(c.Request().Context())
	defer cancel()

	created, err := a.engine.Schedule(ctx, entry)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, created)
}

func (a *App) updateSchedule(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req scheduleRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid payload")
	}

	ctx, cancel := a.storeCtx(c.Request().Context())
	defer cancel()

	entry, err := a.store.GetSchedule(ctx, id)
	if err != nil {
		return persistErr(err)
	}
	if err := req.apply(&entry); err != nil {
		return err
	}
	if err := a.engine.Reschedule(ctx, entry); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entry)
}

func (a *App) deleteSchedule(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}

	ctx, cancel := a.storeCtx(c.Request().Context())
	defer cancel()

	if err := a.store.DeleteSchedule(ctx, id); err != nil {
		return persistErr(err)
	}
	return success(c)
}

type recurringRequest struct {
	ModuleID  string  `json:"module_id"`
	FeedTime  string  `json:"feed_time"`
	Amount    float64 `json:"amount"`
	StartDate string  `json:"start_date"`
	DaysAhead int     `json:"days_ahead"`
}

func (a *App) createRecurring(c echo.Context) error {
	var req recurringRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid payload")
	}

	ctx, cancel := a.storeCtx(c.Request().Context())
	defer cancel()

	dates, err := a.engine.Expand(ctx, feeding.RecurringRequest{
		ModuleID:  req.ModuleID,
		FeedTime:  req.FeedTime,
		Amount:    req.Amount,
		StartDate: req.StartDate,
		DayCount:  req.DaysAhead,
	})
	if err != nil {
		return err
	}
	if dates == nil {
		dates = []model.Date{}
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":       true,
		"created_count": len(dates),
		"dates":         dates,
	})
}

// History

func (a *App) listHistory(c echo.Context) error {
	ctx, cancel := a.storeCtx(c.Request().Context())
	defer cancel()

	views, err := a.loadHistory(ctx)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, views)
}

// createHistory records an operator-confirmed feeding. It goes through the
// same completion path as a device so an entry never gains a second record.
func (a *App) createHistory(c echo.Context) error {
	var req struct {
		ScheduleID *int64 `json:"schedule_id"`
		ModuleID   string `json:"module_id"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid payload")
	}
	if req.ScheduleID == nil {
		return badRequest("schedule_id required")
	}

	ctx, cancel := a.storeCtx(c.Request().Context())
	defer cancel()

	rec, err := a.engine.Complete(ctx, *req.ScheduleID, req.ModuleID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, echo.Map{
		"success":     true,
		"history_id":  rec.ID,
		"schedule_id": *req.ScheduleID,
		"created_at":  a.displayTime(rec.CompletedAt),
	})
}

func (a *App) deleteHistory(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}

	ctx, cancel := a.storeCtx(c.Request().Context())
	defer cancel()

	if err := a.store.DeleteHistory(ctx, id); err != nil {
		return persistErr(err)
	}
	return success(c)
}
