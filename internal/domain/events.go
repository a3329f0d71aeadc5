package domain

import (
	"context"
	"time"
)

// Reserved field names the event queue stamps onto every record. Callers
// may supply their own activity_id and ts; the underscore fields are
// queue-owned and rejected if present in a payload.
const (
	FieldActivityID = "activity_id"
	FieldTS         = "ts"
	FieldQueuedAt   = "_queued_at"
	FieldSequence   = "_queue_sequence"
)

// Event is one caller payload headed for the ingest queue.
type Event map[string]any

// FileReady describes a rotated event file awaiting upload.
type FileReady struct {
	Path      string    `json:"path"`
	Records   int64     `json:"records"`
	Bytes     int64     `json:"bytes"`
	RotatedAt time.Time `json:"rotated_at"`
}

// UploadNotifier (port) receives file-ready notifications after rotation.
// The uploader behind it is external to the core.
type UploadNotifier interface {
	NotifyFileReady(ctx context.Context, f FileReady) error
}

// AlertKind names the condition that fired a health alert.
type AlertKind string

const (
	AlertHealthDegraded   AlertKind = "health_score_degraded"
	AlertHealthCritical   AlertKind = "health_score_critical"
	AlertFailureRate      AlertKind = "failure_rate_exceeded"
	AlertAccountsDepleted AlertKind = "available_accounts_low"
)

// Alert is one health-monitor observation published on the in-process bus.
type Alert struct {
	Kind      AlertKind
	Account   string
	Message   string
	Value     float64
	Threshold float64
	At        time.Time
}
