package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/covality-inc/covality-engine/pkg/apperrors"
	"github.com/covality-inc/covality-engine/pkg/models"
	"github.com/covality-inc/covality-engine/pkg/repositories"
)

// AnalysisService orchestrates coverage analysis runs: triggering, the
// classify-aggregate-report pipeline, and read access to results.
type AnalysisService interface {
	// Trigger creates a pending analysis and starts the run asynchronously.
	// Returns apperrors.ErrAnalysisRunning when a pending or running analysis
	// already exists for the org+framework.
	Trigger(ctx context.Context, orgID, frameworkID, userID uuid.UUID) (*models.Analysis, error)
	Get(ctx context.Context, orgID, analysisID uuid.UUID) (*models.Analysis, error)
	List(ctx context.Context, orgID uuid.UUID) ([]*models.Analysis, error)
	// Run executes the full pipeline for an existing pending analysis.
	// Normally invoked by Trigger on a background goroutine; exported so
	// operational tooling can drive a run synchronously.
	Run(ctx context.Context, analysis *models.Analysis)
}

// AnalysisConfig tunes the orchestrator pipeline.
type AnalysisConfig struct {
	// ControlBatchSize is how many controls go to the classifier per call.
	ControlBatchSize int
	// NotifyOnFailure also notifies the triggering user when a run fails.
	NotifyOnFailure bool
}

type analysisService struct {
	analysisRepo  repositories.AnalysisRepository
	policyRepo    repositories.PolicyRepository
	frameworkRepo repositories.FrameworkRepository
	mappingRepo   repositories.MappingRepository
	classifier    SemanticControlClassifier
	aggregator    CoverageAggregator
	gapGenerator  GapReportGenerator
	notifications NotificationService
	tenantContext TenantContextFunc
	cfg           AnalysisConfig
	logger        *zap.Logger

	// startRun spawns the background run. Overridden in tests to run inline.
	startRun func(analysis *models.Analysis)
}

// NewAnalysisService creates a new AnalysisService.
func NewAnalysisService(
	analysisRepo repositories.AnalysisRepository,
	policyRepo repositories.PolicyRepository,
	frameworkRepo repositories.FrameworkRepository,
	mappingRepo repositories.MappingRepository,
	classifier SemanticControlClassifier,
	aggregator CoverageAggregator,
	gapGenerator GapReportGenerator,
	notifications NotificationService,
	tenantContext TenantContextFunc,
	cfg AnalysisConfig,
	logger *zap.Logger,
) AnalysisService {
	s := &analysisService{
		analysisRepo:  analysisRepo,
		policyRepo:    policyRepo,
		frameworkRepo: frameworkRepo,
		mappingRepo:   mappingRepo,
		classifier:    classifier,
		aggregator:    aggregator,
		gapGenerator:  gapGenerator,
		notifications: notifications,
		tenantContext: tenantContext,
		cfg:           cfg,
		logger:        logger.Named("analysis"),
	}
	s.startRun = func(analysis *models.Analysis) {
		// The run outlives the triggering request, so it gets its own context.
		go s.Run(context.Background(), analysis)
	}
	return s
}

var _ AnalysisService = (*analysisService)(nil)

func (s *analysisService) Trigger(ctx context.Context, orgID, frameworkID, userID uuid.UUID) (*models.Analysis, error) {
	if _, err := s.frameworkRepo.GetByID(ctx, frameworkID); err != nil {
		return nil, err
	}

	active, err := s.analysisRepo.HasActive(ctx, orgID, frameworkID)
	if err != nil {
		return nil, fmt.Errorf("failed to check for active analysis: %w", err)
	}
	if active {
		return nil, apperrors.ErrAnalysisRunning
	}

	analysis := &models.Analysis{
		OrgID:       orgID,
		FrameworkID: frameworkID,
		TriggeredBy: userID,
	}
	if err := s.analysisRepo.Create(ctx, analysis); err != nil {
		return nil, err
	}

	s.logger.Info("Analysis triggered",
		zap.String("analysis_id", analysis.ID.String()),
		zap.String("framework_id", frameworkID.String()))

	s.startRun(analysis)
	return analysis, nil
}

func (s *analysisService) Get(ctx context.Context, orgID, analysisID uuid.UUID) (*models.Analysis, error) {
	return s.analysisRepo.GetByID(ctx, orgID, analysisID)
}

func (s *analysisService) List(ctx context.Context, orgID uuid.UUID) ([]*models.Analysis, error) {
	return s.analysisRepo.List(ctx, orgID)
}

// Run drives one analysis through the state machine. Every exit path writes a
// terminal status; if even the failure write cannot reach the database, the
// stranded record ages out of HasActive so triggering is never blocked for
// good. Failures after the terminal write are logged and swallowed.
func (s *analysisService) Run(ctx context.Context, analysis *models.Analysis) {
	log := s.logger.With(
		zap.String("analysis_id", analysis.ID.String()),
		zap.String("org_id", analysis.OrgID.String()),
		zap.String("framework_id", analysis.FrameworkID.String()))

	ctx, release, err := s.tenantContext(ctx, analysis.OrgID)
	if err != nil {
		log.Error("Failed to acquire tenant scope for run", zap.Error(err))
		s.failDetached(log, analysis, fmt.Sprintf("failed to acquire tenant scope: %v", err))
		return
	}
	defer release()

	// The advisory lock is held on the tenant connection for the whole run,
	// so two processes can never classify the same org+framework concurrently.
	acquired, err := s.analysisRepo.TryAcquireRunLock(ctx, analysis.OrgID, analysis.FrameworkID)
	if err != nil {
		s.fail(ctx, log, analysis, fmt.Sprintf("failed to acquire run lock: %v", err))
		return
	}
	if !acquired {
		s.fail(ctx, log, analysis, "another analysis run is already in progress for this framework")
		return
	}
	defer func() {
		if err := s.analysisRepo.ReleaseRunLock(ctx, analysis.OrgID, analysis.FrameworkID); err != nil {
			log.Warn("Failed to release run lock", zap.Error(err))
		}
	}()

	if err := s.analysisRepo.MarkRunning(ctx, analysis.OrgID, analysis.ID); err != nil {
		if errors.Is(err, apperrors.ErrAnalysisTerminal) {
			// Already resolved elsewhere; nothing left to do.
			log.Warn("Analysis no longer pending, skipping run", zap.Error(err))
			return
		}
		s.fail(ctx, log, analysis, fmt.Sprintf("failed to mark analysis running: %v", err))
		return
	}
	log.Info("Analysis run started")

	result, runErr := s.execute(ctx, log, analysis)
	if runErr != nil {
		s.fail(ctx, log, analysis, runErr.Error())
		return
	}

	if err := s.analysisRepo.CompleteWithResults(ctx, analysis.OrgID, result); err != nil {
		log.Error("Failed to persist analysis results", zap.Error(err))
		s.fail(ctx, log, analysis, fmt.Sprintf("failed to persist results: %v", err))
		return
	}

	log.Info("Analysis completed",
		zap.Int("total_controls", result.TotalControls),
		zap.Int("fully_covered", result.FullyCovered),
		zap.Int("partially_covered", result.PartiallyCovered),
		zap.Int("not_covered", result.NotCovered),
		zap.Float64("overall_score", result.OverallScore))

	s.notify(ctx, log, analysis,
		models.NotificationAnalysisCompleted,
		"Coverage analysis completed",
		fmt.Sprintf("Your coverage analysis finished with an overall score of %.1f.", result.OverallScore))
}

// execute runs the classification pipeline and returns the completed analysis
// record, or an error describing why the run must fail.
func (s *analysisService) execute(ctx context.Context, log *zap.Logger, analysis *models.Analysis) (*models.Analysis, error) {
	policies, err := s.policyRepo.ListEligible(ctx, analysis.OrgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list eligible policies: %v", err)
	}
	if len(policies) == 0 {
		return nil, apperrors.ErrNoEligiblePolicies
	}

	controls, err := s.frameworkRepo.ListControls(ctx, analysis.FrameworkID)
	if err != nil {
		return nil, fmt.Errorf("failed to list framework controls: %v", err)
	}
	if len(controls) == 0 {
		return nil, fmt.Errorf("framework has no controls")
	}

	controlsByCode := make(map[string]*models.ControlWithCategory, len(controls))
	for _, c := range controls {
		controlsByCode[c.Code] = c
	}

	policyNames := make([]string, 0, len(policies))
	for _, p := range policies {
		policyNames = append(policyNames, p.Name)
	}

	for _, policy := range policies {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("run canceled: %v", err)
		}

		// Re-runs replace stale AI suggestions but never touch human-verified
		// mappings.
		purged, err := s.mappingRepo.PurgeUnverifiedAISuggestions(ctx, analysis.OrgID, policy.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to purge stale mappings for policy %s: %v", policy.ID, err)
		}
		if purged > 0 {
			log.Debug("Purged stale AI mappings",
				zap.String("policy_id", policy.ID.String()),
				zap.Int64("purged", purged))
		}

		if err := s.classifyPolicy(ctx, log, analysis, policy, controls, controlsByCode); err != nil {
			return nil, err
		}
	}

	mappings, err := s.mappingRepo.ListByFramework(ctx, analysis.OrgID, analysis.FrameworkID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings: %v", err)
	}

	report := s.aggregator.Aggregate(controls, mappings)
	gaps, recommendations := s.gapGenerator.Generate(ctx, report.UncoveredControls, policyNames, report.OverallScore)

	result := *analysis
	result.TotalControls = report.TotalControls
	result.FullyCovered = report.FullyCovered
	result.PartiallyCovered = report.PartiallyCovered
	result.NotCovered = report.NotCovered
	result.OverallScore = report.OverallScore
	result.CategoryScores = report.CategoryScores
	result.Gaps = gaps
	result.Recommendations = recommendations
	return &result, nil
}

// classifyPolicy submits the policy's text against the control set in batches
// and persists the findings. A classifier error skips that batch only.
func (s *analysisService) classifyPolicy(ctx context.Context, log *zap.Logger, analysis *models.Analysis, policy *models.Policy, controls []*models.ControlWithCategory, controlsByCode map[string]*models.ControlWithCategory) error {
	batchSize := s.cfg.ControlBatchSize
	if batchSize <= 0 {
		batchSize = 20
	}

	for start := 0; start < len(controls); start += batchSize {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run canceled: %v", err)
		}

		end := start + batchSize
		if end > len(controls) {
			end = len(controls)
		}
		batch := controls[start:end]

		findings, err := s.classifier.ClassifyMappings(ctx, policy.Name, policy.ExtractedText, batch)
		if err != nil {
			log.Warn("Classifier batch failed, skipping",
				zap.String("policy_id", policy.ID.String()),
				zap.Int("batch_start", start),
				zap.Error(err))
			continue
		}

		for _, f := range findings {
			ctrl, ok := controlsByCode[f.ControlCode]
			if !ok {
				continue
			}
			confidence := f.Confidence
			mapping := &models.CoverageMapping{
				OrgID:         analysis.OrgID,
				PolicyID:      policy.ID,
				ControlID:     ctrl.ID,
				Coverage:      f.Coverage,
				Notes:         f.Reasoning,
				IsAISuggested: true,
				AIConfidence:  &confidence,
			}
			if err := s.mappingRepo.Upsert(ctx, mapping); err != nil {
				return fmt.Errorf("failed to persist mapping for control %s: %v", f.ControlCode, err)
			}
		}
	}
	return nil
}

// failDetached marks the analysis failed on a freshly acquired tenant scope,
// for exit paths where the run's own scope is unavailable. If no scope can be
// acquired either, the record stays pending and the staleness cutoff in
// HasActive unblocks future triggers.
func (s *analysisService) failDetached(log *zap.Logger, analysis *models.Analysis, reason string) {
	ctx, release, err := s.tenantContext(context.Background(), analysis.OrgID)
	if err != nil {
		log.Error("Failed to acquire tenant scope for failure write", zap.Error(err))
		return
	}
	defer release()
	s.fail(ctx, log, analysis, reason)
}

func (s *analysisService) fail(ctx context.Context, log *zap.Logger, analysis *models.Analysis, reason string) {
	log.Warn("Analysis failed", zap.String("reason", reason))
	if err := s.analysisRepo.MarkFailed(ctx, analysis.OrgID, analysis.ID, reason); err != nil {
		log.Error("Failed to mark analysis failed", zap.Error(err))
		return
	}
	if s.cfg.NotifyOnFailure {
		s.notify(ctx, log, analysis,
			models.NotificationAnalysisFailed,
			"Coverage analysis failed",
			fmt.Sprintf("Your coverage analysis could not complete: %s", reason))
	}
}

func (s *analysisService) notify(ctx context.Context, log *zap.Logger, analysis *models.Analysis, eventType, title, body string) {
	linkPath := fmt.Sprintf("/orgs/%s/analyses/%s", analysis.OrgID, analysis.ID)
	if err := s.notifications.Notify(ctx, analysis.OrgID, analysis.TriggeredBy, eventType, title, body, linkPath); err != nil {
		log.Warn("Failed to create notification", zap.Error(err))
	}
}
