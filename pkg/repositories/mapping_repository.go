package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/covality-inc/covality-engine/pkg/apperrors"
	"github.com/covality-inc/covality-engine/pkg/database"
	"github.com/covality-inc/covality-engine/pkg/models"
)

// MappingRepository provides data access for policy-to-control coverage
// mappings. Mappings are keyed uniquely by (policy_id, control_id): a second
// write for the same pair replaces the first.
type MappingRepository interface {
	// Upsert inserts or replaces the mapping for (policy, control). Human
	// verification fields are preserved on replace.
	Upsert(ctx context.Context, m *models.CoverageMapping) error
	// PurgeUnverifiedAISuggestions deletes AI-suggested mappings for a policy
	// that no human has verified. Called before a policy is re-classified so
	// re-runs are idempotent without destroying curated judgment.
	PurgeUnverifiedAISuggestions(ctx context.Context, orgID, policyID uuid.UUID) (int64, error)
	// Verify stamps a mapping as human-verified, protecting it from purge.
	Verify(ctx context.Context, orgID, mappingID, userID uuid.UUID) (*models.CoverageMapping, error)
	GetByID(ctx context.Context, orgID, id uuid.UUID) (*models.CoverageMapping, error)
	// ListByFramework returns every mapping for the org whose control belongs
	// to the framework, across all policies and runs.
	ListByFramework(ctx context.Context, orgID, frameworkID uuid.UUID) ([]*models.CoverageMapping, error)
}

type mappingRepository struct{}

// NewMappingRepository creates a new MappingRepository.
func NewMappingRepository() MappingRepository {
	return &mappingRepository{}
}

var _ MappingRepository = (*mappingRepository)(nil)

func (r *mappingRepository) Upsert(ctx context.Context, m *models.CoverageMapping) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	if !m.Coverage.Persistable() {
		return fmt.Errorf("coverage %q is not persistable", m.Coverage)
	}

	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	now := time.Now()

	query := `
		INSERT INTO coverage_mappings (
			id, organization_id, policy_id, control_id, coverage, notes,
			is_ai_suggested, ai_confidence, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (policy_id, control_id) DO UPDATE
		SET coverage = EXCLUDED.coverage,
		    notes = EXCLUDED.notes,
		    is_ai_suggested = EXCLUDED.is_ai_suggested,
		    ai_confidence = EXCLUDED.ai_confidence,
		    updated_at = EXCLUDED.updated_at
		RETURNING id, verified_by, verified_at, created_at, updated_at`

	err := scope.Conn.QueryRow(ctx, query,
		m.ID, m.OrgID, m.PolicyID, m.ControlID, m.Coverage, m.Notes,
		m.IsAISuggested, m.AIConfidence, now,
	).Scan(&m.ID, &m.VerifiedBy, &m.VerifiedAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert coverage mapping: %w", err)
	}
	return nil
}

func (r *mappingRepository) PurgeUnverifiedAISuggestions(ctx context.Context, orgID, policyID uuid.UUID) (int64, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return 0, fmt.Errorf("no tenant scope in context")
	}

	query := `
		DELETE FROM coverage_mappings
		WHERE organization_id = $1
		  AND policy_id = $2
		  AND is_ai_suggested = true
		  AND verified_by IS NULL`

	result, err := scope.Conn.Exec(ctx, query, orgID, policyID)
	if err != nil {
		return 0, fmt.Errorf("failed to purge unverified AI mappings: %w", err)
	}
	return result.RowsAffected(), nil
}

func (r *mappingRepository) Verify(ctx context.Context, orgID, mappingID, userID uuid.UUID) (*models.CoverageMapping, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	query := `
		UPDATE coverage_mappings
		SET verified_by = $3, verified_at = $4, updated_at = $4
		WHERE organization_id = $1 AND id = $2
		RETURNING id, organization_id, policy_id, control_id, coverage, notes,
		          is_ai_suggested, ai_confidence, verified_by, verified_at, created_at, updated_at`

	row := scope.Conn.QueryRow(ctx, query, orgID, mappingID, userID, time.Now())
	m, err := scanMappingRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to verify mapping: %w", err)
	}
	return m, nil
}

func (r *mappingRepository) GetByID(ctx context.Context, orgID, id uuid.UUID) (*models.CoverageMapping, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	query := `
		SELECT id, organization_id, policy_id, control_id, coverage, notes,
		       is_ai_suggested, ai_confidence, verified_by, verified_at, created_at, updated_at
		FROM coverage_mappings
		WHERE organization_id = $1 AND id = $2`

	row := scope.Conn.QueryRow(ctx, query, orgID, id)
	m, err := scanMappingRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get mapping: %w", err)
	}
	return m, nil
}

func (r *mappingRepository) ListByFramework(ctx context.Context, orgID, frameworkID uuid.UUID) ([]*models.CoverageMapping, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	query := `
		SELECT m.id, m.organization_id, m.policy_id, m.control_id, m.coverage, m.notes,
		       m.is_ai_suggested, m.ai_confidence, m.verified_by, m.verified_at, m.created_at, m.updated_at
		FROM coverage_mappings m
		JOIN controls c ON c.id = m.control_id
		WHERE m.organization_id = $1 AND c.framework_id = $2`

	rows, err := scope.Conn.Query(ctx, query, orgID, frameworkID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*models.CoverageMapping
	for rows.Next() {
		m, err := scanMappingRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

func scanMappingRow(row pgx.Row) (*models.CoverageMapping, error) {
	var m models.CoverageMapping
	err := row.Scan(
		&m.ID, &m.OrgID, &m.PolicyID, &m.ControlID, &m.Coverage, &m.Notes,
		&m.IsAISuggested, &m.AIConfidence, &m.VerifiedBy, &m.VerifiedAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
