package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/covality-inc/covality-engine/pkg/apperrors"
	"github.com/covality-inc/covality-engine/pkg/repositories"
)

// MappingHandler serves coverage mapping endpoints.
type MappingHandler struct {
	repo   repositories.MappingRepository
	logger *zap.Logger
}

// NewMappingHandler creates a new MappingHandler.
func NewMappingHandler(repo repositories.MappingRepository, logger *zap.Logger) *MappingHandler {
	return &MappingHandler{
		repo:   repo,
		logger: logger.Named("mapping-handler"),
	}
}

// RegisterRoutes registers mapping endpoints on the mux.
func (h *MappingHandler) RegisterRoutes(mux *http.ServeMux, withTenant func(http.HandlerFunc) http.HandlerFunc) {
	mux.HandleFunc("GET /api/orgs/{oid}/frameworks/{fid}/mappings", withTenant(h.ListByFramework))
	mux.HandleFunc("POST /api/orgs/{oid}/mappings/{mid}/verify", withTenant(h.Verify))
}

func (h *MappingHandler) ListByFramework(w http.ResponseWriter, r *http.Request) {
	orgID, ok := parsePathUUID(w, r, "oid", "organization ID")
	if !ok {
		return
	}
	frameworkID, ok := parsePathUUID(w, r, "fid", "framework ID")
	if !ok {
		return
	}

	mappings, err := h.repo.ListByFramework(r.Context(), orgID, frameworkID)
	if err != nil {
		logAndWriteInternalError(w, h.logger, "list mappings", err)
		return
	}
	WriteJSON(w, http.StatusOK, mappings)
}

// Verify stamps a mapping as human-verified so re-runs keep it.
func (h *MappingHandler) Verify(w http.ResponseWriter, r *http.Request) {
	orgID, ok := parsePathUUID(w, r, "oid", "organization ID")
	if !ok {
		return
	}
	mappingID, ok := parsePathUUID(w, r, "mid", "mapping ID")
	if !ok {
		return
	}
	userID, ok := requestUserID(w, r)
	if !ok {
		return
	}

	mapping, err := h.repo.Verify(r.Context(), orgID, mappingID, userID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "mapping_not_found", "Mapping not found")
			return
		}
		logAndWriteInternalError(w, h.logger, "verify mapping", err)
		return
	}
	WriteJSON(w, http.StatusOK, mapping)
}
