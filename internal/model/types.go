package model

import "time"

// ScheduleEntry is a single planned feeding for a module on a specific day.
type ScheduleEntry struct {
	ID       int64     `json:"schedule_id"`
	ModuleID string    `json:"module_id"`
	FeedDate Date      `json:"feed_date"`
	FeedTime TimeOfDay `json:"feed_time"`
	Amount   float64   `json:"amount"`
	Status   Status    `json:"status"`
}

// HistoryRecord proves that a schedule entry's feeding occurred.
type HistoryRecord struct {
	ID          int64     `json:"history_id"`
	ScheduleID  *int64    `json:"schedule_id"`
	CompletedAt time.Time `json:"created_at"`
}

// HistoryView joins a history record with the schedule it references.
// Schedule fields are nil when the referenced entry has been removed.
type HistoryView struct {
	HistoryID   int64      `json:"history_id"`
	CompletedAt time.Time  `json:"-"`
	CreatedAt   string     `json:"created_at"`
	ScheduleID  *int64     `json:"schedule_id"`
	ModuleID    *string    `json:"module_id"`
	FeedDate    *Date      `json:"feed_date"`
	FeedTime    *TimeOfDay `json:"feed_time"`
	Amount      *float64   `json:"amount"`
	Status      *Status    `json:"status"`
}

// Module is a physical feeder unit registered with the service.
type Module struct {
	ModuleID string   `json:"module_id"`
	CamID    string   `json:"cam_id"`
	Status   string   `json:"status"`
	Weight   *float64 `json:"weight"`
}

// Camera is an ESP32-CAM paired with one or more modules.
type Camera struct {
	CamID  string `json:"cam_id"`
	Status string `json:"status"`
}

// ScheduleFilter narrows schedule listings. Zero values are ignored.
type ScheduleFilter struct {
	ModuleID string
	From     *Date
	To       *Date
}

// MissedSummary counts pending entries left behind on past days for one module.
type MissedSummary struct {
	ModuleID string `json:"module_id"`
	Pending  int    `json:"pending"`
	Oldest   Date   `json:"oldest"`
}

// ModuleActive is the registry status that makes a module or camera eligible.
const ModuleActive = "active"
