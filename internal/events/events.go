// Package events publishes schedule ledger and audit events to a Redis stream.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"smartfeeder/feeder-server/internal/feeding"
	"smartfeeder/feeder-server/internal/model"
)

const (
	TypeCompleted = "schedule.completed"
	TypeMissed    = "schedule.missed"

	defaultMaxLen = 10000
)

// Event is one stream record.
type Event struct {
	Type    string
	At      time.Time
	Payload any
}

// Publisher delivers events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards every event. It is used when Redis is not configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// CompletedPayload describes a ledger append.
type CompletedPayload struct {
	ScheduleID  int64           `json:"schedule_id"`
	HistoryID   int64           `json:"history_id"`
	ModuleID    string          `json:"module_id"`
	Amount      float64         `json:"amount"`
	FeedDate    model.Date      `json:"feed_date"`
	FeedTime    model.TimeOfDay `json:"feed_time"`
	CompletedAt time.Time       `json:"completed_at"`
}

// MissedPayload reports pending entries left on past days.
type MissedPayload struct {
	ModuleID  string     `json:"module_id"`
	Pending   int        `json:"pending"`
	Oldest    model.Date `json:"oldest"`
	AuditDate model.Date `json:"audit_date"`
}

// Completed builds the event for a committed completion.
func Completed(entry model.ScheduleEntry, rec model.HistoryRecord) Event {
	return Event{
		Type: TypeCompleted,
		At:   rec.CompletedAt,
		Payload: CompletedPayload{
			ScheduleID:  entry.ID,
			HistoryID:   rec.ID,
			ModuleID:    entry.ModuleID,
			Amount:      entry.Amount,
			FeedDate:    entry.FeedDate,
			FeedTime:    entry.FeedTime,
			CompletedAt: rec.CompletedAt,
		},
	}
}

// Missed builds the audit event for one module.
func Missed(m model.MissedSummary, auditDate model.Date, at time.Time) Event {
	return Event{
		Type: TypeMissed,
		At:   at,
		Payload: MissedPayload{
			ModuleID:  m.ModuleID,
			Pending:   m.Pending,
			Oldest:    m.Oldest,
			AuditDate: auditDate,
		},
	}
}

// RedisPublisher appends events to a capped Redis stream with XADD.
type RedisPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *zap.Logger
}

// NewRedisClient builds a client for the configured server.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// NewRedisPublisher publishes to stream. A nil logger is replaced with a no-op logger.
func NewRedisPublisher(client *redis.Client, stream string, logger *zap.Logger) *RedisPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPublisher{client: client, stream: stream, maxLen: defaultMaxLen, logger: logger}
}

// Publish serializes the payload as JSON and appends it to the stream.
func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", e.Type, err)
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":      e.Type,
			"data":      string(data),
			"timestamp": e.At.UTC().Unix(),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}

	p.logger.Debug("event published", zap.String("type", e.Type), zap.String("stream_id", id))
	return nil
}

// Ping checks connectivity.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close releases the client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// CompletionHook publishes a completed event after each committed completion.
// Failures are logged and never reach the device.
func CompletionHook(pub Publisher, logger *zap.Logger, timeout time.Duration) feeding.CompletionHook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, entry model.ScheduleEntry, rec model.HistoryRecord) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()

		if err := pub.Publish(ctx, Completed(entry, rec)); err != nil {
			logger.Warn("publish completion event failed",
				zap.Int64("schedule_id", entry.ID),
				zap.Error(err),
			)
		}
	}
}
