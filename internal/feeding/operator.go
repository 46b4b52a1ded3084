package feeding

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"smartfeeder/feeder-server/internal/model"
)

// CheckTransition validates an operator-requested status change.
// Terminal states never change, and done is reachable only through Complete
// so that every done entry has exactly one history record.
func CheckTransition(from, to model.Status) error {
	if !to.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, to)
	}
	switch from {
	case model.StatusPending:
		switch to {
		case model.StatusPending, model.StatusCancelled:
			return nil
		case model.StatusDone:
			return fmt.Errorf("%w: use the completion endpoint to mark a schedule done", ErrInvalidStatus)
		}
	case model.StatusDone, model.StatusCancelled:
		if to == from {
			return nil
		}
		return fmt.Errorf("%w: %s is terminal", ErrInvalidStatus, from)
	}
	return fmt.Errorf("%w: unknown current status %q", ErrInvalidStatus, from)
}

func validateEntry(e model.ScheduleEntry) error {
	if strings.TrimSpace(e.ModuleID) == "" {
		return fmt.Errorf("%w: module_id required", ErrUnknownOrInactiveModule)
	}
	if e.FeedDate.IsZero() {
		return fmt.Errorf("%w: feed_date is required", ErrInvalidDate)
	}
	if e.FeedTime < 0 || e.FeedTime >= 24*60 {
		return fmt.Errorf("%w: %d minutes", ErrInvalidTime, int(e.FeedTime))
	}
	return ValidateAmount(e.Amount)
}

// Schedule stores a single operator-created entry. New entries start pending
// unless the operator creates them already cancelled.
func (e *Engine) Schedule(ctx context.Context, entry model.ScheduleEntry) (model.ScheduleEntry, error) {
	entry.ModuleID = strings.TrimSpace(entry.ModuleID)
	if entry.Status == "" {
		entry.Status = model.StatusPending
	}
	if err := validateEntry(entry); err != nil {
		return model.ScheduleEntry{}, err
	}
	if err := CheckTransition(model.StatusPending, entry.Status); err != nil {
		return model.ScheduleEntry{}, err
	}

	err := e.store.InTx(ctx, func(tx Tx) error {
		id, err := tx.Insert(ctx, entry)
		entry.ID = id
		return err
	})
	if err != nil {
		return model.ScheduleEntry{}, unavailable("create schedule", err)
	}
	return entry, nil
}

// Reschedule replaces the editable fields of an existing entry.
func (e *Engine) Reschedule(ctx context.Context, entry model.ScheduleEntry) error {
	entry.ModuleID = strings.TrimSpace(entry.ModuleID)
	if err := validateEntry(entry); err != nil {
		return err
	}

	err := e.store.InTx(ctx, func(tx Tx) error {
		current, err := tx.Entry(ctx, entry.ID)
		if errors.Is(err, ErrNoEntry) {
			return fmt.Errorf("%w: %d", ErrNotFound, entry.ID)
		}
		if err != nil {
			return err
		}
		if err := CheckTransition(current.Status, entry.Status); err != nil {
			return err
		}
		return tx.Update(ctx, entry)
	})
	return unavailable("update schedule", err)
}
