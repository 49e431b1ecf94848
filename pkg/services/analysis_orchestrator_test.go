package services

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/covality-inc/covality-engine/pkg/apperrors"
	"github.com/covality-inc/covality-engine/pkg/models"
)

// ============================================================================
// In-memory fakes
// ============================================================================

type fakeAnalysisRepo struct {
	analyses       map[uuid.UUID]*models.Analysis
	active         bool
	lockDenied     bool
	markRunningErr error
	completeErr    error
	lockReleased   int
}

func newFakeAnalysisRepo() *fakeAnalysisRepo {
	return &fakeAnalysisRepo{analyses: make(map[uuid.UUID]*models.Analysis)}
}

func (r *fakeAnalysisRepo) Create(ctx context.Context, a *models.Analysis) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.Status = models.AnalysisStatusPending
	r.analyses[a.ID] = a
	return nil
}

func (r *fakeAnalysisRepo) GetByID(ctx context.Context, orgID, id uuid.UUID) (*models.Analysis, error) {
	a, ok := r.analyses[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return a, nil
}

func (r *fakeAnalysisRepo) List(ctx context.Context, orgID uuid.UUID) ([]*models.Analysis, error) {
	var out []*models.Analysis
	for _, a := range r.analyses {
		out = append(out, a)
	}
	return out, nil
}

func (r *fakeAnalysisRepo) HasActive(ctx context.Context, orgID, frameworkID uuid.UUID) (bool, error) {
	return r.active, nil
}

func (r *fakeAnalysisRepo) MarkRunning(ctx context.Context, orgID, id uuid.UUID) error {
	if r.markRunningErr != nil {
		return r.markRunningErr
	}
	a := r.analyses[id]
	if a.Status != models.AnalysisStatusPending {
		return apperrors.ErrAnalysisTerminal
	}
	a.Status = models.AnalysisStatusRunning
	return nil
}

func (r *fakeAnalysisRepo) MarkFailed(ctx context.Context, orgID, id uuid.UUID, reason string) error {
	a := r.analyses[id]
	if a.Status.IsTerminal() {
		return apperrors.ErrAnalysisTerminal
	}
	a.Status = models.AnalysisStatusFailed
	a.ErrorReason = &reason
	return nil
}

func (r *fakeAnalysisRepo) CompleteWithResults(ctx context.Context, orgID uuid.UUID, analysis *models.Analysis) error {
	if r.completeErr != nil {
		return r.completeErr
	}
	a := r.analyses[analysis.ID]
	if a.Status != models.AnalysisStatusRunning {
		return apperrors.ErrAnalysisTerminal
	}
	*a = *analysis
	a.Status = models.AnalysisStatusCompleted
	return nil
}

func (r *fakeAnalysisRepo) TryAcquireRunLock(ctx context.Context, orgID, frameworkID uuid.UUID) (bool, error) {
	return !r.lockDenied, nil
}

func (r *fakeAnalysisRepo) ReleaseRunLock(ctx context.Context, orgID, frameworkID uuid.UUID) error {
	r.lockReleased++
	return nil
}

type fakePolicyRepo struct {
	policies []*models.Policy
}

func (r *fakePolicyRepo) Create(ctx context.Context, p *models.Policy) error { return nil }
func (r *fakePolicyRepo) GetByID(ctx context.Context, orgID, id uuid.UUID) (*models.Policy, error) {
	return nil, apperrors.ErrNotFound
}
func (r *fakePolicyRepo) ListEligible(ctx context.Context, orgID uuid.UUID) ([]*models.Policy, error) {
	return r.policies, nil
}

type fakeFrameworkRepo struct {
	framework *models.Framework
	controls  []*models.ControlWithCategory
}

func (r *fakeFrameworkRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Framework, error) {
	if r.framework == nil {
		return nil, apperrors.ErrNotFound
	}
	return r.framework, nil
}
func (r *fakeFrameworkRepo) GetByCode(ctx context.Context, code, version string) (*models.Framework, error) {
	return nil, apperrors.ErrNotFound
}
func (r *fakeFrameworkRepo) List(ctx context.Context) ([]*models.Framework, error) { return nil, nil }
func (r *fakeFrameworkRepo) ListControls(ctx context.Context, frameworkID uuid.UUID) ([]*models.ControlWithCategory, error) {
	return r.controls, nil
}
func (r *fakeFrameworkRepo) UpsertFramework(ctx context.Context, fw *models.Framework) error {
	return nil
}
func (r *fakeFrameworkRepo) UpsertCategory(ctx context.Context, cat *models.Category) error {
	return nil
}
func (r *fakeFrameworkRepo) UpsertControl(ctx context.Context, ctrl *models.Control) error {
	return nil
}

type fakeMappingRepo struct {
	mappings  []*models.CoverageMapping
	upsertErr error
	events    []string
}

func (r *fakeMappingRepo) Upsert(ctx context.Context, m *models.CoverageMapping) error {
	if r.upsertErr != nil {
		return r.upsertErr
	}
	r.events = append(r.events, "upsert")
	r.mappings = append(r.mappings, m)
	return nil
}

func (r *fakeMappingRepo) PurgeUnverifiedAISuggestions(ctx context.Context, orgID, policyID uuid.UUID) (int64, error) {
	r.events = append(r.events, "purge:"+policyID.String())
	return 0, nil
}

func (r *fakeMappingRepo) Verify(ctx context.Context, orgID, mappingID, userID uuid.UUID) (*models.CoverageMapping, error) {
	return nil, apperrors.ErrNotFound
}

func (r *fakeMappingRepo) GetByID(ctx context.Context, orgID, id uuid.UUID) (*models.CoverageMapping, error) {
	return nil, apperrors.ErrNotFound
}

func (r *fakeMappingRepo) ListByFramework(ctx context.Context, orgID, frameworkID uuid.UUID) ([]*models.CoverageMapping, error) {
	return r.mappings, nil
}

// batchClassifier classifies via a per-call hook and records batch sizes.
type batchClassifier struct {
	classify   func(call int, controls []*models.ControlWithCategory) ([]MappingFinding, error)
	calls      int
	batchSizes []int
	events     *[]string
}

func (c *batchClassifier) ClassifyMappings(ctx context.Context, policyName, policyText string, controls []*models.ControlWithCategory) ([]MappingFinding, error) {
	c.calls++
	c.batchSizes = append(c.batchSizes, len(controls))
	if c.events != nil {
		*c.events = append(*c.events, "classify")
	}
	if c.classify == nil {
		return nil, nil
	}
	return c.classify(c.calls, controls)
}

func (c *batchClassifier) ClassifyGaps(ctx context.Context, uncovered []*models.ControlWithCategory, policyNames []string) ([]models.Gap, error) {
	return nil, nil
}

func (c *batchClassifier) ClassifyRecommendations(ctx context.Context, gaps []models.Gap, overallScore float64) ([]models.Recommendation, error) {
	return nil, nil
}

type fakeNotifier struct {
	notifications []string
}

func (n *fakeNotifier) Notify(ctx context.Context, orgID, userID uuid.UUID, eventType, title, body, linkPath string) error {
	n.notifications = append(n.notifications, eventType)
	return nil
}

func (n *fakeNotifier) ListForUser(ctx context.Context, orgID, userID uuid.UUID) ([]*models.Notification, error) {
	return nil, nil
}

// noopTenantContext passes the context through without touching the database.
func noopTenantContext(ctx context.Context, orgID uuid.UUID) (context.Context, func(), error) {
	return ctx, func() {}, nil
}

// ============================================================================
// Fixture
// ============================================================================

type orchestratorFixture struct {
	analysisRepo *fakeAnalysisRepo
	policyRepo   *fakePolicyRepo
	fwRepo       *fakeFrameworkRepo
	mappingRepo  *fakeMappingRepo
	classifier   *batchClassifier
	notifier     *fakeNotifier
	service      *analysisService
}

func newOrchestratorFixture(t *testing.T, cfg AnalysisConfig) *orchestratorFixture {
	t.Helper()

	f := &orchestratorFixture{
		analysisRepo: newFakeAnalysisRepo(),
		policyRepo:   &fakePolicyRepo{},
		fwRepo: &fakeFrameworkRepo{
			framework: &models.Framework{ID: uuid.New(), Code: "cmmc", Version: "2.0"},
		},
		mappingRepo: &fakeMappingRepo{},
		classifier:  &batchClassifier{},
		notifier:    &fakeNotifier{},
	}
	f.classifier.events = &f.mappingRepo.events

	gen := NewGapReportGenerator(f.classifier, 50, zap.NewNop())
	svc := NewAnalysisService(
		f.analysisRepo, f.policyRepo, f.fwRepo, f.mappingRepo,
		f.classifier, NewCoverageAggregator(), gen, f.notifier,
		noopTenantContext, cfg, zap.NewNop(),
	)
	f.service = svc.(*analysisService)
	// Run inline so tests observe the final state synchronously.
	f.service.startRun = func(a *models.Analysis) {
		f.service.Run(context.Background(), a)
	}
	return f
}

func eligiblePolicy(name string) *models.Policy {
	return &models.Policy{
		ID:            uuid.New(),
		Name:          name,
		Status:        models.PolicyStatusFinalized,
		ExtractedText: "Employees must lock their workstations.",
	}
}

// ============================================================================
// Tests
// ============================================================================

func TestTrigger_RejectsWhenActive(t *testing.T) {
	f := newOrchestratorFixture(t, AnalysisConfig{ControlBatchSize: 20})
	f.analysisRepo.active = true

	_, err := f.service.Trigger(context.Background(), uuid.New(), f.fwRepo.framework.ID, uuid.New())

	assert.ErrorIs(t, err, apperrors.ErrAnalysisRunning)
	assert.Equal(t, 0, f.classifier.calls)
}

func TestTrigger_UnknownFramework(t *testing.T) {
	f := newOrchestratorFixture(t, AnalysisConfig{ControlBatchSize: 20})
	f.fwRepo.framework = nil

	_, err := f.service.Trigger(context.Background(), uuid.New(), uuid.New(), uuid.New())

	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestRun_FailsWithNoEligiblePolicies(t *testing.T) {
	f := newOrchestratorFixture(t, AnalysisConfig{ControlBatchSize: 20})

	analysis, err := f.service.Trigger(context.Background(), uuid.New(), f.fwRepo.framework.ID, uuid.New())
	require.NoError(t, err)

	stored := f.analysisRepo.analyses[analysis.ID]
	assert.Equal(t, models.AnalysisStatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorReason)
	assert.Equal(t, apperrors.ErrNoEligiblePolicies.Error(), *stored.ErrorReason)
	assert.Equal(t, 0, f.classifier.calls)
	// NotifyOnFailure defaults off.
	assert.Empty(t, f.notifier.notifications)
}

func TestRun_BatchesControlsAndCompletes(t *testing.T) {
	f := newOrchestratorFixture(t, AnalysisConfig{ControlBatchSize: 20})
	f.policyRepo.policies = []*models.Policy{eligiblePolicy("Acceptable Use"), eligiblePolicy("Access Control")}
	f.fwRepo.controls = makeControls("AC", 20)
	f.fwRepo.controls = append(f.fwRepo.controls, makeControls("IR", 20)...)
	f.fwRepo.controls = append(f.fwRepo.controls, makeControls("SC", 5)...)

	f.classifier.classify = func(call int, controls []*models.ControlWithCategory) ([]MappingFinding, error) {
		return []MappingFinding{{
			ControlCode: controls[0].Code,
			Coverage:    models.CoverageFull,
			Confidence:  0.8,
		}}, nil
	}

	analysis, err := f.service.Trigger(context.Background(), uuid.New(), f.fwRepo.framework.ID, uuid.New())
	require.NoError(t, err)

	// 45 controls at batch size 20 → 3 batches per policy, 2 policies.
	assert.Equal(t, 6, f.classifier.calls)
	assert.Equal(t, []int{20, 20, 5, 20, 20, 5}, f.classifier.batchSizes)

	stored := f.analysisRepo.analyses[analysis.ID]
	assert.Equal(t, models.AnalysisStatusCompleted, stored.Status)
	assert.Equal(t, 45, stored.TotalControls)
	// Both policies mapped the same first control of each batch: 3 distinct
	// controls fully covered.
	assert.Equal(t, 3, stored.FullyCovered)
	assert.Equal(t, 42, stored.NotCovered)
	assert.InDelta(t, 100.0*3.0/45.0, stored.OverallScore, 0.0001)
	assert.Len(t, stored.CategoryScores, 3)

	require.Len(t, f.notifier.notifications, 1)
	assert.Equal(t, models.NotificationAnalysisCompleted, f.notifier.notifications[0])
	assert.Equal(t, 1, f.analysisRepo.lockReleased)
}

func TestRun_PersistedMappingsAreAISuggested(t *testing.T) {
	f := newOrchestratorFixture(t, AnalysisConfig{ControlBatchSize: 20})
	f.policyRepo.policies = []*models.Policy{eligiblePolicy("Acceptable Use")}
	f.fwRepo.controls = makeControls("AC", 2)

	f.classifier.classify = func(call int, controls []*models.ControlWithCategory) ([]MappingFinding, error) {
		return []MappingFinding{{
			ControlCode: controls[0].Code,
			Coverage:    models.CoveragePartial,
			Confidence:  0.55,
			Reasoning:   "Mentions workstation locking.",
		}}, nil
	}

	_, err := f.service.Trigger(context.Background(), uuid.New(), f.fwRepo.framework.ID, uuid.New())
	require.NoError(t, err)

	require.Len(t, f.mappingRepo.mappings, 1)
	m := f.mappingRepo.mappings[0]
	assert.True(t, m.IsAISuggested)
	require.NotNil(t, m.AIConfidence)
	assert.InDelta(t, 0.55, *m.AIConfidence, 0.0001)
	assert.Equal(t, f.fwRepo.controls[0].ID, m.ControlID)
	assert.Equal(t, f.policyRepo.policies[0].ID, m.PolicyID)
}

func TestRun_PurgesBeforeClassifyingEachPolicy(t *testing.T) {
	f := newOrchestratorFixture(t, AnalysisConfig{ControlBatchSize: 20})
	policy := eligiblePolicy("Acceptable Use")
	f.policyRepo.policies = []*models.Policy{policy}
	f.fwRepo.controls = makeControls("AC", 3)

	_, err := f.service.Trigger(context.Background(), uuid.New(), f.fwRepo.framework.ID, uuid.New())
	require.NoError(t, err)

	require.NotEmpty(t, f.mappingRepo.events)
	assert.Equal(t, "purge:"+policy.ID.String(), f.mappingRepo.events[0])
	assert.Equal(t, "classify", f.mappingRepo.events[1])
}

func TestRun_SkipsFailedBatch(t *testing.T) {
	f := newOrchestratorFixture(t, AnalysisConfig{ControlBatchSize: 10})
	f.policyRepo.policies = []*models.Policy{eligiblePolicy("Acceptable Use")}
	f.fwRepo.controls = makeControls("AC", 10)
	f.fwRepo.controls = append(f.fwRepo.controls, makeControls("IR", 10)...)
	f.fwRepo.controls = append(f.fwRepo.controls, makeControls("SC", 10)...)

	f.classifier.classify = func(call int, controls []*models.ControlWithCategory) ([]MappingFinding, error) {
		if call == 2 {
			return nil, errors.New("rate limited")
		}
		return []MappingFinding{{
			ControlCode: controls[0].Code,
			Coverage:    models.CoverageFull,
			Confidence:  0.9,
		}}, nil
	}

	analysis, err := f.service.Trigger(context.Background(), uuid.New(), f.fwRepo.framework.ID, uuid.New())
	require.NoError(t, err)

	// A failed batch is skipped, not fatal.
	stored := f.analysisRepo.analyses[analysis.ID]
	assert.Equal(t, models.AnalysisStatusCompleted, stored.Status)
	assert.Equal(t, 3, f.classifier.calls)
	assert.Equal(t, 2, stored.FullyCovered)
}

func TestRun_UpsertFailureFailsRun(t *testing.T) {
	f := newOrchestratorFixture(t, AnalysisConfig{ControlBatchSize: 20})
	f.policyRepo.policies = []*models.Policy{eligiblePolicy("Acceptable Use")}
	f.fwRepo.controls = makeControls("AC", 2)
	f.mappingRepo.upsertErr = errors.New("disk full")

	f.classifier.classify = func(call int, controls []*models.ControlWithCategory) ([]MappingFinding, error) {
		return []MappingFinding{{ControlCode: controls[0].Code, Coverage: models.CoverageFull, Confidence: 0.9}}, nil
	}

	analysis, err := f.service.Trigger(context.Background(), uuid.New(), f.fwRepo.framework.ID, uuid.New())
	require.NoError(t, err)

	stored := f.analysisRepo.analyses[analysis.ID]
	assert.Equal(t, models.AnalysisStatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorReason)
	assert.Contains(t, *stored.ErrorReason, "disk full")
}

func TestRun_LockDeniedFailsRun(t *testing.T) {
	f := newOrchestratorFixture(t, AnalysisConfig{ControlBatchSize: 20})
	f.analysisRepo.lockDenied = true
	f.policyRepo.policies = []*models.Policy{eligiblePolicy("Acceptable Use")}
	f.fwRepo.controls = makeControls("AC", 2)

	analysis, err := f.service.Trigger(context.Background(), uuid.New(), f.fwRepo.framework.ID, uuid.New())
	require.NoError(t, err)

	stored := f.analysisRepo.analyses[analysis.ID]
	assert.Equal(t, models.AnalysisStatusFailed, stored.Status)
	assert.Equal(t, 0, f.classifier.calls)
}

func TestRun_NotifyOnFailure(t *testing.T) {
	f := newOrchestratorFixture(t, AnalysisConfig{ControlBatchSize: 20, NotifyOnFailure: true})

	_, err := f.service.Trigger(context.Background(), uuid.New(), f.fwRepo.framework.ID, uuid.New())
	require.NoError(t, err)

	require.Len(t, f.notifier.notifications, 1)
	assert.Equal(t, models.NotificationAnalysisFailed, f.notifier.notifications[0])
}

func TestRun_CanceledContextFailsRun(t *testing.T) {
	f := newOrchestratorFixture(t, AnalysisConfig{ControlBatchSize: 20})
	f.policyRepo.policies = []*models.Policy{eligiblePolicy("Acceptable Use")}
	f.fwRepo.controls = makeControls("AC", 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.service.startRun = func(a *models.Analysis) {
		f.service.Run(ctx, a)
	}

	analysis, err := f.service.Trigger(context.Background(), uuid.New(), f.fwRepo.framework.ID, uuid.New())
	require.NoError(t, err)

	stored := f.analysisRepo.analyses[analysis.ID]
	assert.Equal(t, models.AnalysisStatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorReason)
	assert.Contains(t, *stored.ErrorReason, "canceled")
	assert.Equal(t, 0, f.classifier.calls)
}

func TestRun_TenantScopeFailureMarksFailed(t *testing.T) {
	f := newOrchestratorFixture(t, AnalysisConfig{ControlBatchSize: 20})
	f.policyRepo.policies = []*models.Policy{eligiblePolicy("Acceptable Use")}
	f.fwRepo.controls = makeControls("AC", 2)

	// First acquisition (the run's own scope) fails; the failure write gets a
	// fresh scope.
	calls := 0
	f.service.tenantContext = func(ctx context.Context, orgID uuid.UUID) (context.Context, func(), error) {
		calls++
		if calls == 1 {
			return nil, nil, errors.New("pool exhausted")
		}
		return ctx, func() {}, nil
	}

	analysis, err := f.service.Trigger(context.Background(), uuid.New(), f.fwRepo.framework.ID, uuid.New())
	require.NoError(t, err)

	// The record must not be stranded in pending, or every later trigger
	// would be rejected as already running.
	stored := f.analysisRepo.analyses[analysis.ID]
	assert.Equal(t, models.AnalysisStatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorReason)
	assert.Contains(t, *stored.ErrorReason, "tenant scope")
	assert.Equal(t, 0, f.classifier.calls)
}

func TestRun_MarkRunningFailureMarksFailed(t *testing.T) {
	f := newOrchestratorFixture(t, AnalysisConfig{ControlBatchSize: 20})
	f.policyRepo.policies = []*models.Policy{eligiblePolicy("Acceptable Use")}
	f.fwRepo.controls = makeControls("AC", 2)
	f.analysisRepo.markRunningErr = errors.New("connection reset")

	analysis, err := f.service.Trigger(context.Background(), uuid.New(), f.fwRepo.framework.ID, uuid.New())
	require.NoError(t, err)

	stored := f.analysisRepo.analyses[analysis.ID]
	assert.Equal(t, models.AnalysisStatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorReason)
	assert.Contains(t, *stored.ErrorReason, "mark analysis running")
	assert.Equal(t, 0, f.classifier.calls)
}

func TestRun_SkipsWhenNoLongerPending(t *testing.T) {
	f := newOrchestratorFixture(t, AnalysisConfig{ControlBatchSize: 20})
	f.policyRepo.policies = []*models.Policy{eligiblePolicy("Acceptable Use")}
	f.fwRepo.controls = makeControls("AC", 2)
	f.analysisRepo.markRunningErr = apperrors.ErrAnalysisTerminal

	_, err := f.service.Trigger(context.Background(), uuid.New(), f.fwRepo.framework.ID, uuid.New())
	require.NoError(t, err)

	// A record already resolved elsewhere is left alone.
	assert.Equal(t, 0, f.classifier.calls)
	assert.Empty(t, f.notifier.notifications)
}

func TestRun_CompleteFailureMarksFailed(t *testing.T) {
	f := newOrchestratorFixture(t, AnalysisConfig{ControlBatchSize: 20})
	f.policyRepo.policies = []*models.Policy{eligiblePolicy("Acceptable Use")}
	f.fwRepo.controls = makeControls("AC", 2)
	f.analysisRepo.completeErr = fmt.Errorf("write conflict")

	analysis, err := f.service.Trigger(context.Background(), uuid.New(), f.fwRepo.framework.ID, uuid.New())
	require.NoError(t, err)

	stored := f.analysisRepo.analyses[analysis.ID]
	assert.Equal(t, models.AnalysisStatusFailed, stored.Status)
	assert.Empty(t, f.notifier.notifications)
}
