// Command feeder-sim imitates an ESP32 feeder module against a running server,
// over either the form-encoded HTTP endpoints or the MQTT topics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"smartfeeder/feeder-server/internal/logging"
)

// dispenseReply mirrors the server's match response.
type dispenseReply struct {
	Dispense      bool    `json:"dispense"`
	Amount        float64 `json:"amount"`
	ScheduleID    int64   `json:"schedule_id"`
	ScheduledDate string  `json:"scheduled_date"`
	ScheduledTime string  `json:"scheduled_time"`
}

type ackReply struct {
	Success       bool    `json:"success"`
	HistoryID     int64   `json:"history_id"`
	CurrentStatus string  `json:"current_status"`
	Weight        float64 `json:"weight"`
	Error         string  `json:"error"`
	Code          string  `json:"code"`
}

func (r ackReply) String() string {
	if r.Code == "" {
		return "no error body"
	}
	return r.Code + ": " + r.Error
}

func (r ackReply) err() error {
	if r.Code == "" {
		return nil
	}
	return errors.New(r.String())
}

// feeder is the device side of one transport.
type feeder interface {
	Poll(ctx context.Context) (dispenseReply, error)
	Complete(ctx context.Context, scheduleID int64) (ackReply, error)
	ReportWeight(ctx context.Context, grams float64) (ackReply, error)
	Close()
}

func main() {
	mode := flag.String("mode", "http", "Transport: http or mqtt")
	serverURL := flag.String("server", "http://localhost:8080", "Feeder server base URL (http mode)")
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address (mqtt mode)")
	moduleID := flag.String("module-id", "sim-module-1", "Feeder module identifier")
	interval := flag.Duration("interval", 10*time.Second, "Interval between schedule polls")
	hopper := flag.Float64("hopper", 2000, "Initial hopper weight in grams")
	dispenseTime := flag.Duration("dispense-time", 2*time.Second, "Simulated motor run time per feeding")
	timeout := flag.Duration("timeout", 5*time.Second, "Per-request timeout")

	flag.Parse()

	logger, err := logging.New("debug", "console", "feeder-sim")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	logger = logger.With(zap.String("module_id", *moduleID), zap.String("mode", *mode))

	var dev feeder
	switch *mode {
	case "http":
		dev = newHTTPFeeder(*serverURL, *moduleID, *timeout)
	case "mqtt":
		dev, err = newMQTTFeeder(*brokerAddr, *moduleID, *timeout, logger)
		if err != nil {
			logger.Fatal("failed to connect to broker", zap.Error(err))
		}
	default:
		logger.Fatal("unknown mode", zap.String("want", "http|mqtt"))
	}
	defer dev.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sim := &simulator{dev: dev, logger: logger, hopper: *hopper, dispenseTime: *dispenseTime}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	sim.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Info("received shutdown signal, disconnecting")
			return
		case <-ticker.C:
			sim.cycle(ctx)
		}
	}
}

type simulator struct {
	dev          feeder
	logger       *zap.Logger
	hopper       float64
	dispenseTime time.Duration
}

// cycle runs one poll, and when a feeding is due dispenses, confirms and reports the new hopper weight.
func (s *simulator) cycle(ctx context.Context) {
	reply, err := s.dev.Poll(ctx)
	if err != nil {
		s.logger.Warn("poll failed", zap.Error(err))
		return
	}
	if !reply.Dispense {
		s.logger.Debug("nothing due")
		return
	}

	s.logger.Info("dispensing",
		zap.Int64("schedule_id", reply.ScheduleID),
		zap.Float64("amount", reply.Amount),
		zap.String("scheduled_time", reply.ScheduledTime),
	)
	select {
	case <-ctx.Done():
		return
	case <-time.After(s.dispenseTime):
	}
	s.hopper -= reply.Amount
	if s.hopper < 0 {
		s.hopper = 0
	}

	ack, err := s.dev.Complete(ctx, reply.ScheduleID)
	switch {
	case err != nil:
		s.logger.Warn("completion failed", zap.Int64("schedule_id", reply.ScheduleID), zap.Error(err))
	case ack.Code == "already_completed":
		s.logger.Info("completion already recorded", zap.Int64("schedule_id", reply.ScheduleID))
	default:
		s.logger.Info("completion recorded", zap.Int64("schedule_id", reply.ScheduleID), zap.Int64("history_id", ack.HistoryID))
	}

	ack, err = s.dev.ReportWeight(ctx, s.hopper)
	if err != nil {
		s.logger.Warn("weight report failed", zap.Error(err))
		return
	}
	s.logger.Info("weight reported", zap.Float64("grams", s.hopper), zap.String("status", ack.CurrentStatus))
}
