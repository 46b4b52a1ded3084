package app

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"smartfeeder/feeder-server/internal/store"
)

const maxWeight = 10000

type dispenseResponse struct {
	Dispense      bool    `json:"dispense"`
	Amount        float64 `json:"amount,omitempty"`
	ScheduleID    int64   `json:"schedule_id,omitempty"`
	ScheduledDate string  `json:"scheduled_date,omitempty"`
	ScheduledTime string  `json:"scheduled_time,omitempty"`
}

type completionResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	ScheduleID int64  `json:"schedule_id"`
	HistoryID  int64  `json:"history_id"`
}

type weightResponse struct {
	Success       bool    `json:"success"`
	ModuleID      string  `json:"module_id"`
	Weight        float64 `json:"weight"`
	CurrentStatus string  `json:"current_status"`
}

func (a *App) checkSchedule(ctx context.Context, moduleID string) (dispenseResponse, error) {
	entry, err := a.engine.Match(ctx, moduleID)
	if err != nil {
		return dispenseResponse{}, err
	}
	if entry == nil {
		return dispenseResponse{Dispense: false}, nil
	}
	return dispenseResponse{
		Dispense:      true,
		Amount:        entry.Amount,
		ScheduleID:    entry.ID,
		ScheduledDate: entry.FeedDate.String(),
		ScheduledTime: entry.FeedTime.String(),
	}, nil
}

func (a *App) completeSchedule(ctx context.Context, scheduleID int64, moduleID string) (completionResponse, error) {
	rec, err := a.engine.Complete(ctx, scheduleID, moduleID)
	if err != nil {
		return completionResponse{}, err
	}
	return completionResponse{
		Success:    true,
		Message:    "Schedule completed successfully",
		ScheduleID: scheduleID,
		HistoryID:  rec.ID,
	}, nil
}

func validateWeight(w float64) error {
	if math.IsNaN(w) || w < 0 || w > maxWeight {
		return &requestError{code: "invalid_weight", msg: "weight must be between 0 and 10000"}
	}
	return nil
}

func (a *App) updateWeight(ctx context.Context, moduleID string, weight float64) (weightResponse, error) {
	if moduleID == "" {
		return weightResponse{}, badRequest("module_id required")
	}
	if err := validateWeight(weight); err != nil {
		return weightResponse{}, err
	}

	status, err := a.store.UpdateWeight(ctx, moduleID, weight)
	if errors.Is(err, store.ErrNotFound) {
		return weightResponse{}, errUnregisteredModule
	}
	if err != nil {
		return weightResponse{}, persistErr(err)
	}
	return weightResponse{
		Success:       true,
		ModuleID:      moduleID,
		Weight:        weight,
		CurrentStatus: status,
	}, nil
}

func (a *App) handleDiscoveryProbe(c echo.Context) error {
	return c.String(http.StatusOK, "mDNS OK")
}

func (a *App) handleCheckSchedule(c echo.Context) error {
	moduleID := strings.TrimSpace(c.FormValue("module_id"))
	if moduleID == "" {
		return badRequest("module_id required")
	}

	ctx, cancel := a.storeCtx(c.Request().Context())
	defer cancel()

	resp, err := a.checkSchedule(ctx, moduleID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

func (a *App) handleCompleteSchedule(c echo.Context) error {
	raw := strings.TrimSpace(c.FormValue("schedule_id"))
	if raw == "" {
		return badRequest("schedule_id required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return badRequest("invalid schedule_id %q", raw)
	}

	ctx, cancel := a.storeCtx(c.Request().Context())
	defer cancel()

	resp, err := a.completeSchedule(ctx, id, c.FormValue("module_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

func (a *App) handleWeightUpdate(c echo.Context) error {
	moduleID := strings.TrimSpace(c.FormValue("module_id"))
	raw := strings.TrimSpace(c.FormValue("weight"))
	if raw == "" {
		return badRequest("weight required")
	}
	weight, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return &requestError{code: "invalid_weight", msg: "weight must be a number"}
	}

	ctx, cancel := a.storeCtx(c.Request().Context())
	defer cancel()

	resp, err := a.updateWeight(ctx, moduleID, weight)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}
