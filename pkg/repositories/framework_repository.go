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

// FrameworkRepository provides data access for framework reference data
// (frameworks, categories, controls). Reference data is shared across
// organizations and queried without tenant scope.
type FrameworkRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Framework, error)
	GetByCode(ctx context.Context, code, version string) (*models.Framework, error)
	List(ctx context.Context) ([]*models.Framework, error)
	// ListControls returns all controls for a framework annotated with their
	// category, in framework sort order.
	ListControls(ctx context.Context, frameworkID uuid.UUID) ([]*models.ControlWithCategory, error)
	UpsertFramework(ctx context.Context, fw *models.Framework) error
	UpsertCategory(ctx context.Context, cat *models.Category) error
	UpsertControl(ctx context.Context, ctrl *models.Control) error
}

type frameworkRepository struct {
	db *database.DB
}

// NewFrameworkRepository creates a new FrameworkRepository.
func NewFrameworkRepository(db *database.DB) FrameworkRepository {
	return &frameworkRepository{db: db}
}

var _ FrameworkRepository = (*frameworkRepository)(nil)

func (r *frameworkRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Framework, error) {
	query := `
		SELECT id, code, name, version, description, created_at
		FROM frameworks
		WHERE id = $1`

	var fw models.Framework
	err := r.db.QueryRow(ctx, query, id).Scan(
		&fw.ID, &fw.Code, &fw.Name, &fw.Version, &fw.Description, &fw.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get framework: %w", err)
	}
	return &fw, nil
}

func (r *frameworkRepository) GetByCode(ctx context.Context, code, version string) (*models.Framework, error) {
	query := `
		SELECT id, code, name, version, description, created_at
		FROM frameworks
		WHERE code = $1 AND version = $2`

	var fw models.Framework
	err := r.db.QueryRow(ctx, query, code, version).Scan(
		&fw.ID, &fw.Code, &fw.Name, &fw.Version, &fw.Description, &fw.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get framework by code: %w", err)
	}
	return &fw, nil
}

func (r *frameworkRepository) List(ctx context.Context) ([]*models.Framework, error) {
	query := `
		SELECT id, code, name, version, description, created_at
		FROM frameworks
		ORDER BY code, version`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list frameworks: %w", err)
	}
	defer rows.Close()

	var frameworks []*models.Framework
	for rows.Next() {
		var fw models.Framework
		if err := rows.Scan(&fw.ID, &fw.Code, &fw.Name, &fw.Version, &fw.Description, &fw.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan framework: %w", err)
		}
		frameworks = append(frameworks, &fw)
	}
	return frameworks, rows.Err()
}

func (r *frameworkRepository) ListControls(ctx context.Context, frameworkID uuid.UUID) ([]*models.ControlWithCategory, error) {
	query := `
		SELECT c.id, c.framework_id, c.category_id, c.code, c.title, c.description, c.sort_order,
		       cat.code, cat.name
		FROM controls c
		JOIN categories cat ON cat.id = c.category_id
		WHERE c.framework_id = $1
		ORDER BY c.sort_order, c.code`

	rows, err := r.db.Query(ctx, query, frameworkID)
	if err != nil {
		return nil, fmt.Errorf("failed to list controls: %w", err)
	}
	defer rows.Close()

	var controls []*models.ControlWithCategory
	for rows.Next() {
		var c models.ControlWithCategory
		if err := rows.Scan(
			&c.ID, &c.FrameworkID, &c.CategoryID, &c.Code, &c.Title, &c.Description, &c.SortOrder,
			&c.CategoryCode, &c.CategoryName); err != nil {
			return nil, fmt.Errorf("failed to scan control: %w", err)
		}
		controls = append(controls, &c)
	}
	return controls, rows.Err()
}

func (r *frameworkRepository) UpsertFramework(ctx context.Context, fw *models.Framework) error {
	if fw.ID == uuid.Nil {
		fw.ID = uuid.New()
	}
	fw.CreatedAt = time.Now()

	query := `
		INSERT INTO frameworks (id, code, name, version, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (code, version) DO UPDATE
		SET name = EXCLUDED.name, description = EXCLUDED.description
		RETURNING id, created_at`

	err := r.db.QueryRow(ctx, query,
		fw.ID, fw.Code, fw.Name, fw.Version, fw.Description, fw.CreatedAt,
	).Scan(&fw.ID, &fw.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert framework: %w", err)
	}
	return nil
}

func (r *frameworkRepository) UpsertCategory(ctx context.Context, cat *models.Category) error {
	if cat.ID == uuid.Nil {
		cat.ID = uuid.New()
	}

	query := `
		INSERT INTO categories (id, framework_id, parent_id, code, name, sort_order)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (framework_id, code) DO UPDATE
		SET name = EXCLUDED.name, parent_id = EXCLUDED.parent_id, sort_order = EXCLUDED.sort_order
		RETURNING id`

	err := r.db.QueryRow(ctx, query,
		cat.ID, cat.FrameworkID, cat.ParentID, cat.Code, cat.Name, cat.SortOrder,
	).Scan(&cat.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert category: %w", err)
	}
	return nil
}

func (r *frameworkRepository) UpsertControl(ctx context.Context, ctrl *models.Control) error {
	if ctrl.ID == uuid.Nil {
		ctrl.ID = uuid.New()
	}

	query := `
		INSERT INTO controls (id, framework_id, category_id, code, title, description, sort_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (framework_id, code) DO UPDATE
		SET category_id = EXCLUDED.category_id, title = EXCLUDED.title,
		    description = EXCLUDED.description, sort_order = EXCLUDED.sort_order
		RETURNING id`

	err := r.db.QueryRow(ctx, query,
		ctrl.ID, ctrl.FrameworkID, ctrl.CategoryID, ctrl.Code, ctrl.Title, ctrl.Description, ctrl.SortOrder,
	).Scan(&ctrl.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert control: %w", err)
	}
	return nil
}
