package services

import (
	"github.com/google/uuid"

	"github.com/covality-inc/covality-engine/pkg/models"
)

// CoverageReport is the output of aggregating all known coverage mappings
// against a framework's control set.
type CoverageReport struct {
	TotalControls    int
	FullyCovered     int
	PartiallyCovered int
	NotCovered       int
	OverallScore     float64
	CategoryScores   []models.CategoryScore

	// UncoveredControls lists every control with no mapping at all, in
	// framework sort order.
	UncoveredControls []*models.ControlWithCategory
}

// CoverageAggregator computes coverage sets and scores from the full mapping
// set for an org+framework. Pure: no side effects, and identical input sets
// produce identical output regardless of mapping order.
type CoverageAggregator interface {
	Aggregate(controls []*models.ControlWithCategory, mappings []*models.CoverageMapping) *CoverageReport
}

type coverageAggregator struct{}

// NewCoverageAggregator creates a new CoverageAggregator.
func NewCoverageAggregator() CoverageAggregator {
	return &coverageAggregator{}
}

var _ CoverageAggregator = (*coverageAggregator)(nil)

// Aggregate builds the fully/partially covered sets in two passes so the
// precedence rule (any full mapping wins over any number of partials) is
// structural rather than dependent on iteration order.
func (a *coverageAggregator) Aggregate(controls []*models.ControlWithCategory, mappings []*models.CoverageMapping) *CoverageReport {
	fully := make(map[uuid.UUID]bool)
	partially := make(map[uuid.UUID]bool)

	// Pass 1: collect every control with at least one full mapping.
	for _, m := range mappings {
		if m.Coverage == models.CoverageFull {
			fully[m.ControlID] = true
		}
	}

	// Pass 2: partial only counts for controls that are not already full.
	for _, m := range mappings {
		if m.Coverage == models.CoveragePartial && !fully[m.ControlID] {
			partially[m.ControlID] = true
		}
	}

	report := &CoverageReport{
		TotalControls: len(controls),
	}

	// Category buckets in first-appearance order (controls arrive in
	// framework sort order, so this is deterministic).
	buckets := make(map[string]*models.CategoryScore)
	var order []string

	for _, c := range controls {
		cs, ok := buckets[c.CategoryCode]
		if !ok {
			cs = &models.CategoryScore{
				CategoryCode: c.CategoryCode,
				CategoryName: c.CategoryName,
			}
			buckets[c.CategoryCode] = cs
			order = append(order, c.CategoryCode)
		}
		cs.Total++

		switch {
		case fully[c.ID]:
			report.FullyCovered++
			cs.Fully++
		case partially[c.ID]:
			report.PartiallyCovered++
			cs.Partially++
		default:
			report.NotCovered++
			cs.NotCovered++
			report.UncoveredControls = append(report.UncoveredControls, c)
		}
	}

	report.OverallScore = coverageScore(report.TotalControls, report.FullyCovered, report.PartiallyCovered)

	for _, code := range order {
		cs := buckets[code]
		cs.Score = coverageScore(cs.Total, cs.Fully, cs.Partially)
		report.CategoryScores = append(report.CategoryScores, *cs)
	}

	return report
}

// coverageScore computes 100 × (full + 0.5 × partial) / total, defined as 0
// when total is 0.
func coverageScore(total, full, partial int) float64 {
	if total == 0 {
		return 0
	}
	return 100 * (float64(full) + 0.5*float64(partial)) / float64(total)
}
