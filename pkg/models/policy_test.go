package models

import (
	"testing"
)

func TestPolicyEligibleForAnalysis(t *testing.T) {
	tests := []struct {
		name     string
		status   PolicyStatus
		text     string
		eligible bool
	}{
		{"finalized with text", PolicyStatusFinalized, "Employees must use MFA.", true},
		{"finalized empty text", PolicyStatusFinalized, "", false},
		{"finalized whitespace text", PolicyStatusFinalized, "   \n\t  ", false},
		{"draft with text", PolicyStatusDraft, "Employees must use MFA.", false},
		{"in review with text", PolicyStatusInReview, "Employees must use MFA.", false},
		{"archived with text", PolicyStatusArchived, "Employees must use MFA.", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Policy{Status: tt.status, ExtractedText: tt.text}
			if got := p.EligibleForAnalysis(); got != tt.eligible {
				t.Errorf("EligibleForAnalysis() = %v, want %v", got, tt.eligible)
			}
		})
	}
}

func TestCoverageLevelPersistable(t *testing.T) {
	if !CoverageFull.Persistable() || !CoveragePartial.Persistable() {
		t.Error("full and partial must be persistable")
	}
	if CoverageNone.Persistable() {
		t.Error("none must never be persistable")
	}
	if CoverageLevel("total").Persistable() {
		t.Error("unknown levels must not be persistable")
	}
}
