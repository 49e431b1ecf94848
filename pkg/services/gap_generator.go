package services

import (
	"context"

	"go.uber.org/zap"

	"github.com/covality-inc/covality-engine/pkg/models"
)

// GapReportGenerator produces the gap list and remediation recommendations for
// a finished aggregation. Enrichment is best-effort: classifier failures here
// degrade the report to empty lists rather than failing the run.
type GapReportGenerator interface {
	Generate(ctx context.Context, uncovered []*models.ControlWithCategory, policyNames []string, overallScore float64) ([]models.Gap, []models.Recommendation)
}

type gapReportGenerator struct {
	classifier SemanticControlClassifier
	limit      int
	logger     *zap.Logger
}

// NewGapReportGenerator creates a GapReportGenerator. limit bounds how many
// uncovered controls are submitted for gap classification per run.
func NewGapReportGenerator(classifier SemanticControlClassifier, limit int, logger *zap.Logger) GapReportGenerator {
	return &gapReportGenerator{
		classifier: classifier,
		limit:      limit,
		logger:     logger.Named("gap-generator"),
	}
}

var _ GapReportGenerator = (*gapReportGenerator)(nil)

func (g *gapReportGenerator) Generate(ctx context.Context, uncovered []*models.ControlWithCategory, policyNames []string, overallScore float64) ([]models.Gap, []models.Recommendation) {
	if len(uncovered) == 0 {
		return nil, nil
	}

	if len(uncovered) > g.limit {
		g.logger.Info("Capping uncovered controls for gap classification",
			zap.Int("uncovered", len(uncovered)),
			zap.Int("limit", g.limit))
		uncovered = uncovered[:g.limit]
	}

	gaps, err := g.classifier.ClassifyGaps(ctx, uncovered, policyNames)
	if err != nil {
		g.logger.Warn("Gap classification failed, completing without gaps", zap.Error(err))
		return []models.Gap{}, []models.Recommendation{}
	}
	if len(gaps) == 0 {
		return gaps, nil
	}

	recs, err := g.classifier.ClassifyRecommendations(ctx, gaps, overallScore)
	if err != nil {
		g.logger.Warn("Recommendation classification failed, completing without recommendations", zap.Error(err))
		return gaps, []models.Recommendation{}
	}
	return gaps, recs
}
