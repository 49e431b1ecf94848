package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/covality-inc/covality-engine/pkg/apperrors"
	"github.com/covality-inc/covality-engine/pkg/repositories"
)

// FrameworkHandler serves framework reference data endpoints. Reference data
// is shared across organizations, so these routes skip the tenant middleware.
type FrameworkHandler struct {
	repo   repositories.FrameworkRepository
	logger *zap.Logger
}

// NewFrameworkHandler creates a new FrameworkHandler.
func NewFrameworkHandler(repo repositories.FrameworkRepository, logger *zap.Logger) *FrameworkHandler {
	return &FrameworkHandler{
		repo:   repo,
		logger: logger.Named("framework-handler"),
	}
}

// RegisterRoutes registers framework endpoints on the mux.
func (h *FrameworkHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/frameworks", h.List)
	mux.HandleFunc("GET /api/frameworks/{fid}", h.Get)
	mux.HandleFunc("GET /api/frameworks/{fid}/controls", h.ListControls)
}

func (h *FrameworkHandler) List(w http.ResponseWriter, r *http.Request) {
	frameworks, err := h.repo.List(r.Context())
	if err != nil {
		logAndWriteInternalError(w, h.logger, "list frameworks", err)
		return
	}
	WriteJSON(w, http.StatusOK, frameworks)
}

func (h *FrameworkHandler) Get(w http.ResponseWriter, r *http.Request) {
	frameworkID, ok := parsePathUUID(w, r, "fid", "framework ID")
	if !ok {
		return
	}

	fw, err := h.repo.GetByID(r.Context(), frameworkID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "framework_not_found", "Framework not found")
			return
		}
		logAndWriteInternalError(w, h.logger, "get framework", err)
		return
	}
	WriteJSON(w, http.StatusOK, fw)
}

func (h *FrameworkHandler) ListControls(w http.ResponseWriter, r *http.Request) {
	frameworkID, ok := parsePathUUID(w, r, "fid", "framework ID")
	if !ok {
		return
	}

	controls, err := h.repo.ListControls(r.Context(), frameworkID)
	if err != nil {
		logAndWriteInternalError(w, h.logger, "list controls", err)
		return
	}
	WriteJSON(w, http.StatusOK, controls)
}
