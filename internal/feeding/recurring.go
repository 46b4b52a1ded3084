package feeding

import (
	"context"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"smartfeeder/feeder-server/internal/model"
)

const (
	// DefaultDayCount is used when a recurrence request leaves the day count unset.
	DefaultDayCount = 7
	// MaxDayCount bounds a single expansion so it stays one short transaction.
	MaxDayCount = 366
)

// RecurringRequest asks for one feeding per day at the same time of day.
// Fields arrive as the caller sent them and are validated by Expand.
type RecurringRequest struct {
	ModuleID  string
	FeedTime  string
	Amount    float64
	StartDate string
	DayCount  int // 0 means DefaultDayCount
}

// Expand creates a pending entry for each day in [start, start+DayCount) unless
// an entry already exists for the same module, date and time. It returns the
// dates that were actually created, in order, so re-issuing an overlapping
// request reports only the new days.
//
// All input is validated before the first write, and all inserts share one
// transaction: either every new day is stored or none is.
func (e *Engine) Expand(ctx context.Context, req RecurringRequest) ([]model.Date, error) {
	moduleID := strings.TrimSpace(req.ModuleID)
	if moduleID == "" {
		return nil, fmt.Errorf("%w: module_id required", ErrUnknownOrInactiveModule)
	}

	if strings.TrimSpace(req.FeedTime) == "" {
		return nil, fmt.Errorf("%w: feed_time is required", ErrInvalidTime)
	}
	feedTime, err := model.ParseTimeOfDay(req.FeedTime)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTime, err)
	}

	if err := ValidateAmount(req.Amount); err != nil {
		return nil, err
	}

	if strings.TrimSpace(req.StartDate) == "" {
		return nil, fmt.Errorf("%w: start_date is required", ErrInvalidDate)
	}
	start, err := model.ParseDate(req.StartDate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDate, err)
	}

	days := req.DayCount
	switch {
	case days == 0:
		days = DefaultDayCount
	case days < 0 || days > MaxDayCount:
		return nil, fmt.Errorf("%w: day count must be between 1 and %d", ErrInvalidDate, MaxDayCount)
	}

	var created []model.Date
	err = e.store.InTx(ctx, func(tx Tx) error {
		created = created[:0]
		for offset := 0; offset < days; offset++ {
			day := start.AddDays(offset)
			_, ok, err := tx.InsertIfAbsent(ctx, model.ScheduleEntry{
				ModuleID: moduleID,
				FeedDate: day,
				FeedTime: feedTime,
				Amount:   req.Amount,
				Status:   model.StatusPending,
			})
			if err != nil {
				return fmt.Errorf("insert %s: %w", day, err)
			}
			if ok {
				created = append(created, day)
			}
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("expand recurring schedule", err)
	}

	e.logger.Info("recurring schedule expanded",
		zap.String("module_id", moduleID),
		zap.String("start_date", start.String()),
		zap.String("feed_time", feedTime.String()),
		zap.Int("requested_days", days),
		zap.Int("created", len(created)),
	)
	return created, nil
}

// ValidateAmount rejects non-positive and non-finite feed amounts.
func ValidateAmount(amount float64) error {
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 {
		return fmt.Errorf("%w: amount must be a positive number", ErrInvalidAmount)
	}
	return nil
}
