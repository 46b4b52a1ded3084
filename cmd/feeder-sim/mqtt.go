package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// mqttFeeder speaks the feeder/<module_id>/... topics. Replies are matched to
// requests by channel, so only one request may be in flight at a time.
type mqttFeeder struct {
	client   mqtt.Client
	moduleID string
	timeout  time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	dispense chan []byte
	ack      chan []byte
}

func newMQTTFeeder(broker, moduleID string, timeout time.Duration, logger *zap.Logger) (*mqttFeeder, error) {
	f := &mqttFeeder{
		moduleID: moduleID,
		timeout:  timeout,
		logger:   logger,
		dispense: make(chan []byte, 1),
		ack:      make(chan []byte, 1),
	}

	clientID := fmt.Sprintf("%s-sim-%s", moduleID, uuid.NewString()[:8])
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetOrderMatters(false).
		SetConnectTimeout(timeout)

	f.client = mqtt.NewClient(opts)
	if token := f.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	logger.Info("connected to MQTT broker", zap.String("broker", broker), zap.String("client_id", clientID))

	for topic, ch := range map[string]chan []byte{
		f.topic("dispense"): f.dispense,
		f.topic("ack"):      f.ack,
	} {
		token := f.client.Subscribe(topic, 0, func(_ mqtt.Client, m mqtt.Message) {
			select {
			case ch <- m.Payload():
			default:
				logger.Warn("dropping unsolicited reply", zap.String("topic", m.Topic()))
			}
		})
		if token.Wait() && token.Error() != nil {
			f.client.Disconnect(250)
			return nil, fmt.Errorf("subscribe %s: %w", topic, token.Error())
		}
	}
	return f, nil
}

func (f *mqttFeeder) topic(channel string) string {
	return fmt.Sprintf("feeder/%s/%s", f.moduleID, channel)
}

func (f *mqttFeeder) request(ctx context.Context, action string, payload any, replies <-chan []byte, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	token := f.client.Publish(f.topic(action), 0, false, data)
	if !token.WaitTimeout(f.timeout) {
		return fmt.Errorf("publish %s: timed out", action)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", action, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(f.timeout):
		return fmt.Errorf("%s: no reply within %s", action, f.timeout)
	case raw := <-replies:
		return json.Unmarshal(raw, out)
	}
}

func (f *mqttFeeder) Poll(ctx context.Context) (dispenseReply, error) {
	var raw json.RawMessage
	if err := f.request(ctx, "poll", struct{}{}, f.dispense, &raw); err != nil {
		return dispenseReply{}, err
	}
	var failed ackReply
	if err := json.Unmarshal(raw, &failed); err == nil && failed.Code != "" {
		return dispenseReply{}, failed.err()
	}
	var out dispenseReply
	return out, json.Unmarshal(raw, &out)
}

func (f *mqttFeeder) Complete(ctx context.Context, scheduleID int64) (ackReply, error) {
	var out ackReply
	err := f.request(ctx, "complete", map[string]int64{"schedule_id": scheduleID}, f.ack, &out)
	if err == nil && out.Code != "" && out.Code != "already_completed" {
		err = out.err()
	}
	return out, err
}

func (f *mqttFeeder) ReportWeight(ctx context.Context, grams float64) (ackReply, error) {
	var out ackReply
	err := f.request(ctx, "weight", map[string]float64{"weight": grams}, f.ack, &out)
	if err == nil {
		err = out.err()
	}
	return out, err
}

func (f *mqttFeeder) Close() {
	f.client.Disconnect(250)
}
