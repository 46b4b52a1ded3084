package feeding

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"smartfeeder/feeder-server/internal/model"
)

// Complete transitions a pending entry to done and appends its history record in
// one transaction. moduleID is optional; when set it must own the entry.
//
// A second completion of the same entry fails with ErrAlreadyCompleted and
// leaves the ledger untouched. Callers must treat that as "nothing to do".
func (e *Engine) Complete(ctx context.Context, scheduleID int64, moduleID string) (model.HistoryRecord, error) {
	moduleID = strings.TrimSpace(moduleID)

	var (
		entry model.ScheduleEntry
		rec   model.HistoryRecord
	)

	err := e.store.InTx(ctx, func(tx Tx) error {
		var err error
		entry, err = tx.Entry(ctx, scheduleID)
		if errors.Is(err, ErrNoEntry) {
			return fmt.Errorf("%w: %d", ErrNotFound, scheduleID)
		}
		if err != nil {
			return err
		}

		if err := checkCompletable(entry, moduleID); err != nil {
			return err
		}

		if err := tx.SetStatus(ctx, entry.ID, model.StatusDone); err != nil {
			return err
		}
		rec, err = tx.AppendHistory(ctx, entry.ID, e.clock.Now().UTC())
		return err
	})
	if err != nil {
		return model.HistoryRecord{}, unavailable("complete schedule", err)
	}

	entry.Status = model.StatusDone
	e.logger.Info("schedule completed",
		zap.Int64("schedule_id", entry.ID),
		zap.String("module_id", entry.ModuleID),
		zap.Int64("history_id", rec.ID),
		zap.Float64("amount", entry.Amount),
	)

	for _, h := range e.hooks {
		h(ctx, entry, rec)
	}
	return rec, nil
}

func checkCompletable(entry model.ScheduleEntry, moduleID string) error {
	switch entry.Status {
	case model.StatusPending:
	case model.StatusDone:
		return fmt.Errorf("%w: %d", ErrAlreadyCompleted, entry.ID)
	case model.StatusCancelled:
		return fmt.Errorf("%w: schedule %d is cancelled", ErrInvalidStatus, entry.ID)
	default:
		return fmt.Errorf("%w: schedule %d has status %q", ErrInvalidStatus, entry.ID, entry.Status)
	}

	if moduleID != "" && moduleID != entry.ModuleID {
		return fmt.Errorf("%w: schedule %d belongs to %s", ErrModuleMismatch, entry.ID, entry.ModuleID)
	}
	return nil
}
