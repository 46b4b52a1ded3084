package app

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"smartfeeder/feeder-server/internal/events"
	"smartfeeder/feeder-server/internal/model"
)

// cronLogger adapts zap to the cron.Logger interface.
type cronLogger struct{ l *zap.SugaredLogger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}

// startAudit schedules the missed-feeding audit in the operating zone.
// An empty schedule leaves the audit disabled.
func (a *App) startAudit() error {
	if a.cfg.AuditSchedule == "" {
		return nil
	}

	logger := cronLogger{l: a.logger.Named("audit").Sugar()}
	c := cron.New(
		cron.WithLocation(a.engine.Location()),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(a.cfg.AuditSchedule, func() {
		if _, err := a.runAudit(context.Background()); err != nil {
			a.logger.Error("missed-feeding audit failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule audit: %w", err)
	}

	c.Start()
	a.cron = c
	a.logger.Info("missed-feeding audit scheduled",
		zap.String("schedule", a.cfg.AuditSchedule),
		zap.String("tz", a.engine.Location().String()),
	)
	return nil
}

func (a *App) stopAudit() {
	if a.cron == nil {
		return
	}
	<-a.cron.Stop().Done()
	a.cron = nil
}

// runAudit reports pending entries left on days before today. It never changes
// their status: a missed feeding stays pending and is not dispensed late.
func (a *App) runAudit(ctx context.Context) ([]model.MissedSummary, error) {
	now := a.engine.Now()
	today := model.DateOf(now)

	storeCtx, cancel := a.storeCtx(ctx)
	defer cancel()

	missed, err := a.store.MissedBefore(storeCtx, today)
	if err != nil {
		return nil, persistErr(err)
	}

	for _, m := range missed {
		a.logger.Warn("missed feedings",
			zap.String("module_id", m.ModuleID),
			zap.Int("pending", m.Pending),
			zap.String("oldest", m.Oldest.String()),
		)

		pubCtx, cancel := a.storeCtx(ctx)
		if err := a.events.Publish(pubCtx, events.Missed(m, today, now)); err != nil {
			a.logger.Warn("publish missed event failed", zap.String("module_id", m.ModuleID), zap.Error(err))
		}
		cancel()
	}
	return missed, nil
}
