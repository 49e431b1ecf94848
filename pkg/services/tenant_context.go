package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/covality-inc/covality-engine/pkg/database"
)

// TenantContextFunc acquires an org-scoped database connection.
// Returns the scoped context, a cleanup function (MUST be called), and any error.
type TenantContextFunc func(ctx context.Context, orgID uuid.UUID) (context.Context, func(), error)

// NewTenantContextFunc creates a TenantContextFunc that uses the given database.
func NewTenantContextFunc(db *database.DB) TenantContextFunc {
	return func(ctx context.Context, orgID uuid.UUID) (context.Context, func(), error) {
		scope, err := db.WithTenant(ctx, orgID)
		if err != nil {
			return nil, nil, err
		}
		tenantCtx := database.SetTenantScope(ctx, scope)
		return tenantCtx, func() { scope.Close() }, nil
	}
}
