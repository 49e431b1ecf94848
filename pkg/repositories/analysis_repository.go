package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/covality-inc/covality-engine/pkg/apperrors"
	"github.com/covality-inc/covality-engine/pkg/database"
	"github.com/covality-inc/covality-engine/pkg/models"
)

// AnalysisRepository provides data access for coverage analysis records.
// Status transitions are guarded in SQL so a terminal record can never be
// mutated, whatever the caller does.
type AnalysisRepository interface {
	Create(ctx context.Context, analysis *models.Analysis) error
	GetByID(ctx context.Context, orgID, id uuid.UUID) (*models.Analysis, error)
	List(ctx context.Context, orgID uuid.UUID) ([]*models.Analysis, error)
	// HasActive reports whether a recent pending or running analysis exists
	// for the org+framework. Used to reject concurrent re-triggers. Records
	// orphaned in a non-terminal status (process crash before the failure
	// write) stop counting after activeCutoff, so a crashed run cannot block
	// triggering forever.
	HasActive(ctx context.Context, orgID, frameworkID uuid.UUID) (bool, error)
	// MarkRunning transitions pending → running and stamps started_at.
	MarkRunning(ctx context.Context, orgID, id uuid.UUID) error
	// MarkFailed transitions a non-terminal record to failed with the reason.
	MarkFailed(ctx context.Context, orgID, id uuid.UUID, reason string) error
	// CompleteWithResults persists aggregate results and transitions
	// running → completed.
	CompleteWithResults(ctx context.Context, orgID uuid.UUID, analysis *models.Analysis) error
	// TryAcquireRunLock takes a session-level advisory lock for the
	// org+framework pair. Returns false when another run holds it.
	TryAcquireRunLock(ctx context.Context, orgID, frameworkID uuid.UUID) (bool, error)
	// ReleaseRunLock releases the advisory lock taken by TryAcquireRunLock.
	ReleaseRunLock(ctx context.Context, orgID, frameworkID uuid.UUID) error
}

// activeCutoff is how long a non-terminal analysis blocks new triggers. A run
// that outlives it can be re-triggered, but the advisory lock still keeps two
// runs from classifying the same org+framework at once.
const activeCutoff = "1 hour"

type analysisRepository struct{}

// NewAnalysisRepository creates a new AnalysisRepository.
func NewAnalysisRepository() AnalysisRepository {
	return &analysisRepository{}
}

var _ AnalysisRepository = (*analysisRepository)(nil)

func (r *analysisRepository) Create(ctx context.Context, analysis *models.Analysis) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	if analysis.ID == uuid.Nil {
		analysis.ID = uuid.New()
	}
	analysis.Status = models.AnalysisStatusPending
	analysis.CreatedAt = time.Now()
	analysis.UpdatedAt = analysis.CreatedAt

	query := `
		INSERT INTO analyses (id, organization_id, framework_id, triggered_by, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := scope.Conn.Exec(ctx, query,
		analysis.ID, analysis.OrgID, analysis.FrameworkID, analysis.TriggeredBy,
		analysis.Status, analysis.CreatedAt, analysis.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create analysis: %w", err)
	}
	return nil
}

func (r *analysisRepository) GetByID(ctx context.Context, orgID, id uuid.UUID) (*models.Analysis, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	row := scope.Conn.QueryRow(ctx, selectAnalysis+` WHERE organization_id = $1 AND id = $2`, orgID, id)
	a, err := scanAnalysisRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}
	return a, nil
}

func (r *analysisRepository) List(ctx context.Context, orgID uuid.UUID) ([]*models.Analysis, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	rows, err := scope.Conn.Query(ctx,
		selectAnalysis+` WHERE organization_id = $1 ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list analyses: %w", err)
	}
	defer rows.Close()

	var analyses []*models.Analysis
	for rows.Next() {
		a, err := scanAnalysisRow(rows)
		if err != nil {
			return nil, err
		}
		analyses = append(analyses, a)
	}
	return analyses, rows.Err()
}

func (r *analysisRepository) HasActive(ctx context.Context, orgID, frameworkID uuid.UUID) (bool, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return false, fmt.Errorf("no tenant scope in context")
	}

	query := `
		SELECT EXISTS (
			SELECT 1 FROM analyses
			WHERE organization_id = $1 AND framework_id = $2
			  AND status IN ('pending', 'running')
			  AND updated_at > now() - interval '` + activeCutoff + `'
		)`

	var active bool
	if err := scope.Conn.QueryRow(ctx, query, orgID, frameworkID).Scan(&active); err != nil {
		return false, fmt.Errorf("failed to check active analyses: %w", err)
	}
	return active, nil
}

func (r *analysisRepository) MarkRunning(ctx context.Context, orgID, id uuid.UUID) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	query := `
		UPDATE analyses
		SET status = 'running', started_at = $3, updated_at = $3
		WHERE organization_id = $1 AND id = $2 AND status = 'pending'`

	result, err := scope.Conn.Exec(ctx, query, orgID, id, time.Now())
	if err != nil {
		return fmt.Errorf("failed to mark analysis running: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrAnalysisTerminal
	}
	return nil
}

func (r *analysisRepository) MarkFailed(ctx context.Context, orgID, id uuid.UUID, reason string) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	query := `
		UPDATE analyses
		SET status = 'failed', error_reason = $3, completed_at = $4, updated_at = $4
		WHERE organization_id = $1 AND id = $2 AND status IN ('pending', 'running')`

	result, err := scope.Conn.Exec(ctx, query, orgID, id, reason, time.Now())
	if err != nil {
		return fmt.Errorf("failed to mark analysis failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrAnalysisTerminal
	}
	return nil
}

func (r *analysisRepository) CompleteWithResults(ctx context.Context, orgID uuid.UUID, analysis *models.Analysis) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	categoryJSON, err := json.Marshal(analysis.CategoryScores)
	if err != nil {
		return fmt.Errorf("failed to marshal category_scores: %w", err)
	}
	gapsJSON, err := json.Marshal(analysis.Gaps)
	if err != nil {
		return fmt.Errorf("failed to marshal gaps: %w", err)
	}
	recsJSON, err := json.Marshal(analysis.Recommendations)
	if err != nil {
		return fmt.Errorf("failed to marshal recommendations: %w", err)
	}

	now := time.Now()
	query := `
		UPDATE analyses
		SET status = 'completed',
		    total_controls = $3, fully_covered = $4, partially_covered = $5, not_covered = $6,
		    overall_score = $7, category_scores = $8, gaps = $9, recommendations = $10,
		    completed_at = $11, updated_at = $11
		WHERE organization_id = $1 AND id = $2 AND status = 'running'`

	result, err := scope.Conn.Exec(ctx, query,
		orgID, analysis.ID,
		analysis.TotalControls, analysis.FullyCovered, analysis.PartiallyCovered, analysis.NotCovered,
		analysis.OverallScore, categoryJSON, gapsJSON, recsJSON, now)
	if err != nil {
		return fmt.Errorf("failed to complete analysis: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrAnalysisTerminal
	}

	analysis.Status = models.AnalysisStatusCompleted
	analysis.CompletedAt = &now
	analysis.UpdatedAt = now
	return nil
}

func (r *analysisRepository) TryAcquireRunLock(ctx context.Context, orgID, frameworkID uuid.UUID) (bool, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return false, fmt.Errorf("no tenant scope in context")
	}

	// Advisory locks are session-scoped; the orchestrator holds its tenant
	// connection for the whole run, so the lock lives exactly as long as the run.
	var acquired bool
	err := scope.Conn.QueryRow(ctx,
		`SELECT pg_try_advisory_lock(hashtext($1 || ':' || $2))`,
		orgID.String(), frameworkID.String(),
	).Scan(&acquired)
	if err != nil {
		return false, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	return acquired, nil
}

func (r *analysisRepository) ReleaseRunLock(ctx context.Context, orgID, frameworkID uuid.UUID) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	var released bool
	err := scope.Conn.QueryRow(ctx,
		`SELECT pg_advisory_unlock(hashtext($1 || ':' || $2))`,
		orgID.String(), frameworkID.String(),
	).Scan(&released)
	if err != nil {
		return fmt.Errorf("failed to release run lock: %w", err)
	}
	return nil
}

const selectAnalysis = `
	SELECT id, organization_id, framework_id, triggered_by, status, error_reason,
	       total_controls, fully_covered, partially_covered, not_covered, overall_score,
	       category_scores, gaps, recommendations,
	       started_at, completed_at, created_at, updated_at
	FROM analyses`

func scanAnalysisRow(row pgx.Row) (*models.Analysis, error) {
	var a models.Analysis
	var categoryJSON, gapsJSON, recsJSON []byte

	err := row.Scan(
		&a.ID, &a.OrgID, &a.FrameworkID, &a.TriggeredBy, &a.Status, &a.ErrorReason,
		&a.TotalControls, &a.FullyCovered, &a.PartiallyCovered, &a.NotCovered, &a.OverallScore,
		&categoryJSON, &gapsJSON, &recsJSON,
		&a.StartedAt, &a.CompletedAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan analysis: %w", err)
	}

	if len(categoryJSON) > 0 {
		if err := json.Unmarshal(categoryJSON, &a.CategoryScores); err != nil {
			return nil, fmt.Errorf("failed to unmarshal category_scores: %w", err)
		}
	}
	if len(gapsJSON) > 0 {
		if err := json.Unmarshal(gapsJSON, &a.Gaps); err != nil {
			return nil, fmt.Errorf("failed to unmarshal gaps: %w", err)
		}
	}
	if len(recsJSON) > 0 {
		if err := json.Unmarshal(recsJSON, &a.Recommendations); err != nil {
			return nil, fmt.Errorf("failed to unmarshal recommendations: %w", err)
		}
	}

	return &a, nil
}
