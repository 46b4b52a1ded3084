package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"smartfeeder/feeder-server/internal/mqttbroker"
)

const topicRoot = "feeder"

// Inbound actions and the channel each one is answered on.
var mqttReplies = map[string]string{
	"poll":     "dispense",
	"complete": "ack",
	"weight":   "ack",
}

func deviceTopic(moduleID, channel string) string {
	return fmt.Sprintf("%s/%s/%s", topicRoot, moduleID, channel)
}

func (a *App) handleMQTTPublish(ctx context.Context, msg mqttbroker.PublishMessage) {
	parts := strings.Split(msg.Topic, "/")
	if len(parts) != 3 || parts[0] != topicRoot || parts[1] == "" {
		return
	}
	moduleID, action := parts[1], parts[2]
	channel, ok := mqttReplies[action]
	if !ok {
		return
	}

	logger := a.logger.With(
		zap.String("module_id", moduleID),
		zap.String("action", action),
		zap.String("client_id", msg.ClientID),
	)

	if !a.limiter.Allow(moduleID) {
		a.replyMQTT(logger, moduleID, channel, nil, errRateLimited)
		return
	}

	storeCtx, cancel := a.storeCtx(ctx)
	defer cancel()

	switch action {
	case "poll":
		resp, err := a.checkSchedule(storeCtx, moduleID)
		a.replyMQTT(logger, moduleID, channel, resp, err)

	case "complete":
		var req struct {
			ScheduleID *int64 `json:"schedule_id"`
		}
		if err := json.Unmarshal(msg.Payload, &req); err != nil || req.ScheduleID == nil {
			a.replyMQTT(logger, moduleID, channel, nil, badRequest("schedule_id required"))
			return
		}
		resp, err := a.completeSchedule(storeCtx, *req.ScheduleID, moduleID)
		a.replyMQTT(logger, moduleID, channel, resp, err)

	case "weight":
		var req struct {
			Weight *float64 `json:"weight"`
		}
		if err := json.Unmarshal(msg.Payload, &req); err != nil || req.Weight == nil {
			a.replyMQTT(logger, moduleID, channel, nil, &requestError{code: "invalid_weight", msg: "weight required"})
			return
		}
		resp, err := a.updateWeight(storeCtx, moduleID, *req.Weight)
		a.replyMQTT(logger, moduleID, channel, resp, err)
	}
}

func (a *App) replyMQTT(logger *zap.Logger, moduleID, channel string, v any, err error) {
	if err != nil {
		_, body := a.describe(err)
		logger.Warn("device request rejected", zap.String("code", body.Code), zap.Error(err))
		v = body
	}

	payload, merr := json.Marshal(v)
	if merr != nil {
		logger.Error("encode mqtt reply", zap.Error(merr))
		return
	}
	if a.broker == nil {
		return
	}
	if perr := a.broker.Publish(deviceTopic(moduleID, channel), payload); perr != nil {
		logger.Warn("publish mqtt reply failed", zap.Error(perr))
	}
}
