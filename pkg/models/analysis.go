package models

import (
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Analysis Status
// ============================================================================

// AnalysisStatus represents the lifecycle status of a coverage analysis run.
// State machine:
//
//	pending → running → completed
//	               ↓
//	             failed
//
// completed and failed are terminal.
type AnalysisStatus string

const (
	AnalysisStatusPending   AnalysisStatus = "pending"
	AnalysisStatusRunning   AnalysisStatus = "running"
	AnalysisStatusCompleted AnalysisStatus = "completed"
	AnalysisStatusFailed    AnalysisStatus = "failed"
)

// ValidAnalysisStatuses contains all valid status values.
var ValidAnalysisStatuses = []AnalysisStatus{
	AnalysisStatusPending,
	AnalysisStatusRunning,
	AnalysisStatusCompleted,
	AnalysisStatusFailed,
}

// IsTerminal returns true if the status is a terminal state (completed or failed).
func (s AnalysisStatus) IsTerminal() bool {
	return s == AnalysisStatusCompleted || s == AnalysisStatusFailed
}

// CanTransitionTo returns true if transitioning from this status to the target is valid.
func (s AnalysisStatus) CanTransitionTo(target AnalysisStatus) bool {
	switch s {
	case AnalysisStatusPending:
		return target == AnalysisStatusRunning || target == AnalysisStatusFailed
	case AnalysisStatusRunning:
		return target == AnalysisStatusCompleted || target == AnalysisStatusFailed
	case AnalysisStatusCompleted, AnalysisStatusFailed:
		return false // Terminal states
	default:
		return false
	}
}

// ============================================================================
// Gap Severity / Recommendation Timeframe
// ============================================================================

// GapSeverity classifies how badly a missing control exposes the organization.
type GapSeverity string

const (
	GapSeverityCritical GapSeverity = "critical"
	GapSeverityHigh     GapSeverity = "high"
	GapSeverityMedium   GapSeverity = "medium"
	GapSeverityLow      GapSeverity = "low"
)

// IsValid checks if the severity is a known value.
func (s GapSeverity) IsValid() bool {
	switch s {
	case GapSeverityCritical, GapSeverityHigh, GapSeverityMedium, GapSeverityLow:
		return true
	}
	return false
}

// RecommendationTimeframe buckets a remediation action by urgency.
type RecommendationTimeframe string

const (
	TimeframeImmediate  RecommendationTimeframe = "immediate"
	TimeframeShortTerm  RecommendationTimeframe = "short_term"
	TimeframeMediumTerm RecommendationTimeframe = "medium_term"
	TimeframeLongTerm   RecommendationTimeframe = "long_term"
)

// IsValid checks if the timeframe is a known value.
func (t RecommendationTimeframe) IsValid() bool {
	switch t {
	case TimeframeImmediate, TimeframeShortTerm, TimeframeMediumTerm, TimeframeLongTerm:
		return true
	}
	return false
}

// ============================================================================
// Embedded Result Records
// ============================================================================

// CategoryScore is the per-category coverage breakdown embedded in an analysis.
// Carries exactly the fields the category-coverage export requires.
type CategoryScore struct {
	CategoryCode string  `json:"category_code"`
	CategoryName string  `json:"category_name"`
	Score        float64 `json:"score"`
	Total        int     `json:"total"`
	Fully        int     `json:"fully"`
	Partially    int     `json:"partially"`
	NotCovered   int     `json:"not_covered"`
}

// Gap describes one uncovered control, enriched with severity and remediation
// guidance. Recomputed fresh on every run and embedded in the analysis record.
type Gap struct {
	ControlCode     string      `json:"control_code"`
	ControlTitle    string      `json:"control_title"`
	Category        string      `json:"category"`
	Severity        GapSeverity `json:"severity"`
	Description     string      `json:"description"`
	Remediation     string      `json:"remediation"`
	SuggestedPolicy string      `json:"suggested_policy,omitempty"`
}

// Recommendation is a prioritized remediation action referencing the gaps it
// addresses. Ephemeral, embedded in the analysis record.
type Recommendation struct {
	Priority    int                     `json:"priority"`
	Title       string                  `json:"title"`
	Description string                  `json:"description"`
	Timeframe   RecommendationTimeframe `json:"timeframe"`
	GapCodes    []string                `json:"gap_codes,omitempty"`
}

// ============================================================================
// Analysis Record
// ============================================================================

// Analysis is one triggered coverage analysis run. Created at trigger time,
// mutated only by the orchestrator, never mutated after reaching a terminal
// status.
type Analysis struct {
	ID          uuid.UUID      `json:"id"`
	OrgID       uuid.UUID      `json:"org_id"`
	FrameworkID uuid.UUID      `json:"framework_id"`
	TriggeredBy uuid.UUID      `json:"triggered_by"`
	Status      AnalysisStatus `json:"status"`
	ErrorReason *string        `json:"error_reason,omitempty"`

	TotalControls    int     `json:"total_controls"`
	FullyCovered     int     `json:"fully_covered"`
	PartiallyCovered int     `json:"partially_covered"`
	NotCovered       int     `json:"not_covered"`
	OverallScore     float64 `json:"overall_score"`

	CategoryScores  []CategoryScore  `json:"category_scores,omitempty"`
	Gaps            []Gap            `json:"gaps,omitempty"`
	Recommendations []Recommendation `json:"recommendations,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
