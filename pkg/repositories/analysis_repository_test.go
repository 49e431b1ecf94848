package repositories

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covality-inc/covality-engine/pkg/apperrors"
	"github.com/covality-inc/covality-engine/pkg/database"
	"github.com/covality-inc/covality-engine/pkg/models"
	"github.com/covality-inc/covality-engine/pkg/testhelpers"
)

type analysisFixture struct {
	orgID       uuid.UUID
	frameworkID uuid.UUID
	ctx         context.Context
}

func newAnalysisFixture(t *testing.T) *analysisFixture {
	t.Helper()

	engineDB := testhelpers.GetEngineDB(t)
	ctx := context.Background()

	orgID, err := uuid.Parse(testhelpers.CreateTestOrg(t, engineDB.DB, "Test Org "+uuid.NewString()))
	require.NoError(t, err)

	fwRepo := NewFrameworkRepository(engineDB.DB)
	fw := &models.Framework{Code: "fw-" + uuid.NewString(), Name: "Test Framework", Version: "1.0"}
	require.NoError(t, fwRepo.UpsertFramework(ctx, fw))

	scope, err := engineDB.DB.WithTenant(ctx, orgID)
	require.NoError(t, err)
	t.Cleanup(scope.Close)

	return &analysisFixture{
		orgID:       orgID,
		frameworkID: fw.ID,
		ctx:         database.SetTenantScope(ctx, scope),
	}
}

func (f *analysisFixture) newAnalysis(t *testing.T, repo AnalysisRepository) *models.Analysis {
	t.Helper()
	a := &models.Analysis{
		OrgID:       f.orgID,
		FrameworkID: f.frameworkID,
		TriggeredBy: uuid.New(),
	}
	require.NoError(t, repo.Create(f.ctx, a))
	return a
}

func TestAnalysisLifecycle(t *testing.T) {
	f := newAnalysisFixture(t)
	repo := NewAnalysisRepository()

	a := f.newAnalysis(t, repo)
	assert.Equal(t, models.AnalysisStatusPending, a.Status)

	active, err := repo.HasActive(f.ctx, f.orgID, f.frameworkID)
	require.NoError(t, err)
	assert.True(t, active)

	require.NoError(t, repo.MarkRunning(f.ctx, f.orgID, a.ID))

	a.TotalControls = 4
	a.FullyCovered = 2
	a.PartiallyCovered = 1
	a.NotCovered = 1
	a.OverallScore = 62.5
	a.CategoryScores = []models.CategoryScore{{CategoryCode: "AC", CategoryName: "Access Control", Score: 62.5, Total: 4, Fully: 2, Partially: 1, NotCovered: 1}}
	a.Gaps = []models.Gap{{ControlCode: "AC.1", Severity: models.GapSeverityHigh, Description: "Missing"}}
	a.Recommendations = []models.Recommendation{{Priority: 1, Title: "Fix", Timeframe: models.TimeframeImmediate}}
	require.NoError(t, repo.CompleteWithResults(f.ctx, f.orgID, a))

	stored, err := repo.GetByID(f.ctx, f.orgID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AnalysisStatusCompleted, stored.Status)
	assert.InDelta(t, 62.5, stored.OverallScore, 0.0001)
	require.Len(t, stored.CategoryScores, 1)
	require.Len(t, stored.Gaps, 1)
	assert.Equal(t, models.GapSeverityHigh, stored.Gaps[0].Severity)
	require.Len(t, stored.Recommendations, 1)
	assert.NotNil(t, stored.CompletedAt)

	active, err = repo.HasActive(f.ctx, f.orgID, f.frameworkID)
	require.NoError(t, err)
	assert.False(t, active)

	// Terminal records cannot be mutated.
	assert.ErrorIs(t, repo.MarkFailed(f.ctx, f.orgID, a.ID, "too late"), apperrors.ErrAnalysisTerminal)
	assert.ErrorIs(t, repo.MarkRunning(f.ctx, f.orgID, a.ID), apperrors.ErrAnalysisTerminal)
}

func TestAnalysisMarkFailed(t *testing.T) {
	f := newAnalysisFixture(t)
	repo := NewAnalysisRepository()

	a := f.newAnalysis(t, repo)
	require.NoError(t, repo.MarkFailed(f.ctx, f.orgID, a.ID, "no finalized policies with extracted text"))

	stored, err := repo.GetByID(f.ctx, f.orgID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AnalysisStatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorReason)
	assert.Equal(t, "no finalized policies with extracted text", *stored.ErrorReason)

	// completed is unreachable from failed.
	assert.ErrorIs(t, repo.CompleteWithResults(f.ctx, f.orgID, stored), apperrors.ErrAnalysisTerminal)
}

func TestAnalysisRunLock(t *testing.T) {
	f := newAnalysisFixture(t)
	repo := NewAnalysisRepository()

	acquired, err := repo.TryAcquireRunLock(f.ctx, f.orgID, f.frameworkID)
	require.NoError(t, err)
	assert.True(t, acquired)

	// A second session cannot take the same lock.
	engineDB := testhelpers.GetEngineDB(t)
	scope2, err := engineDB.DB.WithTenant(context.Background(), f.orgID)
	require.NoError(t, err)
	defer scope2.Close()
	ctx2 := database.SetTenantScope(context.Background(), scope2)

	acquired2, err := repo.TryAcquireRunLock(ctx2, f.orgID, f.frameworkID)
	require.NoError(t, err)
	assert.False(t, acquired2)

	require.NoError(t, repo.ReleaseRunLock(f.ctx, f.orgID, f.frameworkID))

	acquired2, err = repo.TryAcquireRunLock(ctx2, f.orgID, f.frameworkID)
	require.NoError(t, err)
	assert.True(t, acquired2)
	require.NoError(t, repo.ReleaseRunLock(ctx2, f.orgID, f.frameworkID))
}

func TestHasActive_IgnoresStaleRecords(t *testing.T) {
	f := newAnalysisFixture(t)
	repo := NewAnalysisRepository()

	a := f.newAnalysis(t, repo)

	active, err := repo.HasActive(f.ctx, f.orgID, f.frameworkID)
	require.NoError(t, err)
	assert.True(t, active)

	// A record orphaned in a non-terminal status (e.g. the process crashed
	// before the failure write) ages out and stops blocking new triggers.
	engineDB := testhelpers.GetEngineDB(t)
	_, err = engineDB.DB.Exec(context.Background(),
		`UPDATE analyses SET updated_at = now() - interval '2 hours' WHERE id = $1`, a.ID)
	require.NoError(t, err)

	active, err = repo.HasActive(f.ctx, f.orgID, f.frameworkID)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestAnalysisGetByID_NotFound(t *testing.T) {
	f := newAnalysisFixture(t)
	repo := NewAnalysisRepository()

	_, err := repo.GetByID(f.ctx, f.orgID, uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}
