package models

import (
	"time"

	"github.com/google/uuid"
)

// Notification event types emitted by the engine.
const (
	NotificationAnalysisCompleted = "analysis_completed"
	NotificationAnalysisFailed    = "analysis_failed"
)

// Notification is a persisted user notification. The engine writes one on
// analysis completion; delivery/polling is handled outside the engine.
type Notification struct {
	ID        uuid.UUID  `json:"id"`
	OrgID     uuid.UUID  `json:"org_id"`
	UserID    uuid.UUID  `json:"user_id"`
	EventType string     `json:"event_type"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	LinkPath  string     `json:"link_path,omitempty"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}
