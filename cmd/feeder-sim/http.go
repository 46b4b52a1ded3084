package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

type httpFeeder struct {
	client   *resty.Client
	moduleID string
}

func newHTTPFeeder(baseURL, moduleID string, timeout time.Duration) *httpFeeder {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Accept", "application/json")

	// Retry only what the server marks as transient.
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		if err != nil {
			return true
		}
		return r.StatusCode() == 503 || r.StatusCode() == 429
	})

	return &httpFeeder{client: client, moduleID: moduleID}
}

func (f *httpFeeder) Poll(ctx context.Context) (dispenseReply, error) {
	var (
		out    dispenseReply
		failed ackReply
	)
	resp, err := f.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{"module_id": f.moduleID}).
		SetResult(&out).
		SetError(&failed).
		Post("/check_schedule")
	if err != nil {
		return dispenseReply{}, fmt.Errorf("check schedule: %w", err)
	}
	if resp.IsError() {
		return dispenseReply{}, fmt.Errorf("check schedule: status %d: %s", resp.StatusCode(), failed)
	}
	return out, nil
}

func (f *httpFeeder) Complete(ctx context.Context, scheduleID int64) (ackReply, error) {
	return f.post(ctx, "/complete_schedule", map[string]string{
		"module_id":   f.moduleID,
		"schedule_id": strconv.FormatInt(scheduleID, 10),
	})
}

func (f *httpFeeder) ReportWeight(ctx context.Context, grams float64) (ackReply, error) {
	return f.post(ctx, "/weight_update", map[string]string{
		"module_id": f.moduleID,
		"weight":    strconv.FormatFloat(grams, 'f', 1, 64),
	})
}

// post returns business rejections such as already_completed in the reply rather than as an error.
func (f *httpFeeder) post(ctx context.Context, path string, form map[string]string) (ackReply, error) {
	var out ackReply
	resp, err := f.client.R().
		SetContext(ctx).
		SetFormData(form).
		SetResult(&out).
		SetError(&out).
		Post(path)
	if err != nil {
		return ackReply{}, fmt.Errorf("%s: %w", path, err)
	}
	if resp.StatusCode() >= 500 {
		return out, fmt.Errorf("%s: status %d: %s", path, resp.StatusCode(), out)
	}
	if resp.StatusCode() != 409 && resp.IsError() {
		return out, fmt.Errorf("%s: status %d: %s", path, resp.StatusCode(), out)
	}
	return out, nil
}

func (f *httpFeeder) Close() {}
