package feeding

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"smartfeeder/feeder-server/internal/model"
)

// Match selects the schedule entry a polling module should dispense now, if any.
//
// Only entries dated today (in the operating zone) are eligible. Earlier
// pending entries are never surfaced on a later day; a missed feeding stays
// pending until it is deleted. Match does not mutate state, so repeated polls
// keep returning the same entry until the device completes it.
func (e *Engine) Match(ctx context.Context, moduleID string) (*model.ScheduleEntry, error) {
	return e.MatchAt(ctx, moduleID, e.Now())
}

// MatchAt is Match evaluated at an explicit instant.
func (e *Engine) MatchAt(ctx context.Context, moduleID string, now time.Time) (*model.ScheduleEntry, error) {
	moduleID = strings.TrimSpace(moduleID)
	if moduleID == "" {
		return nil, fmt.Errorf("%w: module_id required", ErrUnknownOrInactiveModule)
	}

	active, err := e.registry.IsActiveModule(ctx, moduleID)
	if err != nil {
		return nil, unavailable("check module", err)
	}
	if !active {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOrInactiveModule, moduleID)
	}

	now = now.In(e.loc)
	day := model.DateOf(now)
	at := model.TimeOfDayOf(now)

	candidates, err := e.store.DueEntries(ctx, moduleID, day, at)
	if err != nil {
		return nil, unavailable("load due entries", err)
	}

	picked, ok := selectDue(candidates, moduleID, day, at)
	if !ok {
		return nil, nil
	}

	e.logger.Debug("schedule matched",
		zap.String("module_id", moduleID),
		zap.Int64("schedule_id", picked.ID),
		zap.String("feed_time", picked.FeedTime.String()),
	)
	return &picked, nil
}

// selectDue re-applies the eligibility rule to candidates and picks the one
// with the smallest feed time, breaking ties by smallest id.
func selectDue(candidates []model.ScheduleEntry, moduleID string, day model.Date, at model.TimeOfDay) (model.ScheduleEntry, bool) {
	var (
		best  model.ScheduleEntry
		found bool
	)
	for _, c := range candidates {
		if c.ModuleID != moduleID || c.Status != model.StatusPending || c.FeedDate != day || c.FeedTime > at {
			continue
		}
		if !found || c.FeedTime < best.FeedTime || (c.FeedTime == best.FeedTime && c.ID < best.ID) {
			best = c
			found = true
		}
	}
	return best, found
}
