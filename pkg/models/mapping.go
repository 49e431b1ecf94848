package models

import (
	"time"

	"github.com/google/uuid"
)

// CoverageLevel is a control's protection status as asserted by one mapping.
// "none" only ever exists transiently in classifier output; it is never persisted.
type CoverageLevel string

const (
	CoverageFull    CoverageLevel = "full"
	CoveragePartial CoverageLevel = "partial"
	CoverageNone    CoverageLevel = "none"
)

// Persistable reports whether a mapping with this coverage level may be stored.
func (c CoverageLevel) Persistable() bool {
	return c == CoverageFull || c == CoveragePartial
}

// CoverageMapping ties one policy to one control within one organization.
// At most one mapping exists per (policy, control) pair; a second write for
// the same pair replaces the first.
type CoverageMapping struct {
	ID            uuid.UUID     `json:"id"`
	OrgID         uuid.UUID     `json:"org_id"`
	PolicyID      uuid.UUID     `json:"policy_id"`
	ControlID     uuid.UUID     `json:"control_id"`
	Coverage      CoverageLevel `json:"coverage"`
	Notes         string        `json:"notes,omitempty"`
	IsAISuggested bool          `json:"is_ai_suggested"`
	AIConfidence  *float64      `json:"ai_confidence,omitempty"`
	VerifiedBy    *uuid.UUID    `json:"verified_by,omitempty"`
	VerifiedAt    *time.Time    `json:"verified_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// IsVerified reports whether a human has signed off on this mapping.
// Verified mappings survive the purge that precedes re-classification.
func (m *CoverageMapping) IsVerified() bool {
	return m.VerifiedBy != nil
}
