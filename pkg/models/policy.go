package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// PolicyStatus represents the lifecycle status of a policy document.
// Only finalized policies with non-empty extracted text feed the
// coverage analysis engine.
type PolicyStatus string

const (
	PolicyStatusDraft     PolicyStatus = "draft"
	PolicyStatusInReview  PolicyStatus = "in_review"
	PolicyStatusFinalized PolicyStatus = "finalized"
	PolicyStatusArchived  PolicyStatus = "archived"
)

// Policy is an organization-owned policy document. ExtractedText is the
// already-extracted plain text of the uploaded document; extraction itself
// happens upstream of this engine.
type Policy struct {
	ID            uuid.UUID    `json:"id"`
	OrgID         uuid.UUID    `json:"org_id"`
	Name          string       `json:"name"`
	PolicyType    string       `json:"policy_type,omitempty"`
	Status        PolicyStatus `json:"status"`
	ExtractedText string       `json:"-"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// EligibleForAnalysis reports whether this policy is valid input for a
// coverage analysis run.
func (p *Policy) EligibleForAnalysis() bool {
	return p.Status == PolicyStatusFinalized && strings.TrimSpace(p.ExtractedText) != ""
}
