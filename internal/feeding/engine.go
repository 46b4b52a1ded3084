// Package feeding implements the Feeding Schedule Engine: matching device polls
// against pending schedule entries, completing entries into the history ledger,
// and expanding recurring feeding requests into daily entries.
//
// The engine holds no schedule state of its own. Every call reads the store and
// the device registry afresh and evaluates "is it time yet" against the clock at
// call time, so it can be invoked from any number of concurrent requests.
package feeding

import (
	"context"
	"time"

	"go.uber.org/zap"

	"smartfeeder/feeder-server/internal/model"
)

// CompletionHook observes committed completions. It runs after the transaction
// commits and cannot affect the result returned to the caller.
type CompletionHook func(ctx context.Context, entry model.ScheduleEntry, rec model.HistoryRecord)

// Engine wires the Dispense Matcher, Lifecycle Controller and Recurring Generator
// to their collaborators.
type Engine struct {
	store    Store
	registry Registry
	clock    Clock
	loc      *time.Location
	logger   *zap.Logger
	hooks    []CompletionHook
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the wall clock.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithLocation sets the operating zone used to derive "today" and the time of day.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.loc = loc
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithCompletionHook registers an observer for committed completions.
func WithCompletionHook(h CompletionHook) Option {
	return func(e *Engine) {
		if h != nil {
			e.hooks = append(e.hooks, h)
		}
	}
}

// New constructs an engine over the given store and registry.
func New(store Store, registry Registry, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		registry: registry,
		clock:    SystemClock,
		loc:      time.Local,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Now returns the current instant in the operating zone.
func (e *Engine) Now() time.Time {
	return e.clock.Now().In(e.loc)
}

// Location returns the operating zone.
func (e *Engine) Location() *time.Location { return e.loc }
