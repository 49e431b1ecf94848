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

// PolicyRepository provides data access for organization policy documents.
type PolicyRepository interface {
	Create(ctx context.Context, policy *models.Policy) error
	GetByID(ctx context.Context, orgID, id uuid.UUID) (*models.Policy, error)
	// ListEligible returns finalized policies with non-empty extracted text,
	// the only valid input to a coverage analysis run.
	ListEligible(ctx context.Context, orgID uuid.UUID) ([]*models.Policy, error)
}

type policyRepository struct{}

// NewPolicyRepository creates a new PolicyRepository.
func NewPolicyRepository() PolicyRepository {
	return &policyRepository{}
}

var _ PolicyRepository = (*policyRepository)(nil)

func (r *policyRepository) Create(ctx context.Context, policy *models.Policy) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	if policy.ID == uuid.Nil {
		policy.ID = uuid.New()
	}
	policy.CreatedAt = time.Now()
	policy.UpdatedAt = policy.CreatedAt

	query := `
		INSERT INTO policies (id, organization_id, name, policy_type, status, extracted_text, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := scope.Conn.Exec(ctx, query,
		policy.ID, policy.OrgID, policy.Name, policy.PolicyType, policy.Status,
		policy.ExtractedText, policy.CreatedAt, policy.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create policy: %w", err)
	}
	return nil
}

func (r *policyRepository) GetByID(ctx context.Context, orgID, id uuid.UUID) (*models.Policy, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	query := `
		SELECT id, organization_id, name, policy_type, status, extracted_text, created_at, updated_at
		FROM policies
		WHERE organization_id = $1 AND id = $2`

	var p models.Policy
	err := scope.Conn.QueryRow(ctx, query, orgID, id).Scan(
		&p.ID, &p.OrgID, &p.Name, &p.PolicyType, &p.Status, &p.ExtractedText, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	return &p, nil
}

func (r *policyRepository) ListEligible(ctx context.Context, orgID uuid.UUID) ([]*models.Policy, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	query := `
		SELECT id, organization_id, name, policy_type, status, extracted_text, created_at, updated_at
		FROM policies
		WHERE organization_id = $1
		  AND status = $2
		  AND btrim(extracted_text) <> ''
		ORDER BY name`

	rows, err := scope.Conn.Query(ctx, query, orgID, models.PolicyStatusFinalized)
	if err != nil {
		return nil, fmt.Errorf("failed to list eligible policies: %w", err)
	}
	defer rows.Close()

	var policies []*models.Policy
	for rows.Next() {
		var p models.Policy
		if err := rows.Scan(&p.ID, &p.OrgID, &p.Name, &p.PolicyType, &p.Status,
			&p.ExtractedText, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		policies = append(policies, &p)
	}
	return policies, rows.Err()
}
