package database

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WithTenantContext creates middleware that sets up an org-scoped DB connection.
// The organization is taken from the {oid} path value. The connection is
// automatically cleaned up after the handler returns.
func WithTenantContext(db *DB, logger *zap.Logger) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			oid := r.PathValue("oid")
			if oid == "" {
				logger.Error("Missing organization path value")
				writeError(w, http.StatusBadRequest, "missing_org_id", "Organization ID required")
				return
			}

			orgID, err := uuid.Parse(oid)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_org_id", "Invalid organization ID format")
				return
			}

			scope, err := db.WithTenant(r.Context(), orgID)
			if err != nil {
				logger.Error("Failed to acquire tenant connection",
					zap.String("org_id", orgID.String()),
					zap.Error(err))
				writeError(w, http.StatusInternalServerError, "database_error", "Database connection error")
				return
			}
			defer scope.Close()

			ctx := SetTenantScope(r.Context(), scope)
			next(w, r.WithContext(ctx))
		}
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}
