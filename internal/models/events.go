package models

import "time"

// Event types
const (
	EventTypeSyncRequested     = "SYNC_REQUESTED"
	EventTypeSyncCompleted     = "SYNC_COMPLETED"
	EventTypeMetricsCalculated = "METRICS_CALCULATED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// SyncRequestedEvent asks a worker to sync one tenant platform.
type SyncRequestedEvent struct {
	BaseEvent
	TenantID  string     `json:"tenant_id"`
	Platform  Platform   `json:"platform"`
	DataTypes []DataType `json:"data_types,omitempty"`
	Source    string     `json:"source"`
}

// SyncCompletedEvent carries the outcome of a requested sync.
type SyncCompletedEvent struct {
	BaseEvent
	RequestID string     `json:"request_id"`
	TenantID  string     `json:"tenant_id"`
	Platform  Platform   `json:"platform"`
	Success   bool       `json:"success"`
	Report    SyncReport `json:"report"`
	Error     string     `json:"error,omitempty"`
}

// MetricsCalculatedEvent is published after daily rollups are saved.
type MetricsCalculatedEvent struct {
	BaseEvent
	TenantID string `json:"tenant_id"`
	Date     string `json:"date"`
	Rows     int    `json:"rows"`
}
