package handlers

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/covality-inc/covality-engine/pkg/apperrors"
	"github.com/covality-inc/covality-engine/pkg/services"
)

// AnalysisHandler serves coverage analysis endpoints.
type AnalysisHandler struct {
	service services.AnalysisService
	logger  *zap.Logger
}

// NewAnalysisHandler creates a new AnalysisHandler.
func NewAnalysisHandler(service services.AnalysisService, logger *zap.Logger) *AnalysisHandler {
	return &AnalysisHandler{
		service: service,
		logger:  logger.Named("analysis-handler"),
	}
}

// RegisterRoutes registers analysis endpoints on the mux. All routes are
// org-scoped and wrapped with the tenant middleware.
func (h *AnalysisHandler) RegisterRoutes(mux *http.ServeMux, withTenant func(http.HandlerFunc) http.HandlerFunc) {
	mux.HandleFunc("POST /api/orgs/{oid}/frameworks/{fid}/analyses", withTenant(h.Trigger))
	mux.HandleFunc("GET /api/orgs/{oid}/analyses", withTenant(h.List))
	mux.HandleFunc("GET /api/orgs/{oid}/analyses/{aid}", withTenant(h.Get))
}

// Trigger starts a new coverage analysis run for the org+framework.
// Responds 202 with the pending analysis record.
func (h *AnalysisHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	orgID, ok := parsePathUUID(w, r, "oid", "organization ID")
	if !ok {
		return
	}
	frameworkID, ok := parsePathUUID(w, r, "fid", "framework ID")
	if !ok {
		return
	}
	userID, ok := requestUserID(w, r)
	if !ok {
		return
	}

	analysis, err := h.service.Trigger(r.Context(), orgID, frameworkID, userID)
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrAnalysisRunning):
			WriteError(w, http.StatusConflict, "analysis_running",
				"An analysis is already pending or running for this framework")
		case errors.Is(err, apperrors.ErrNotFound):
			WriteError(w, http.StatusNotFound, "framework_not_found", "Framework not found")
		default:
			logAndWriteInternalError(w, h.logger, "trigger analysis", err)
		}
		return
	}

	WriteJSON(w, http.StatusAccepted, analysis)
}

func (h *AnalysisHandler) List(w http.ResponseWriter, r *http.Request) {
	orgID, ok := parsePathUUID(w, r, "oid", "organization ID")
	if !ok {
		return
	}

	analyses, err := h.service.List(r.Context(), orgID)
	if err != nil {
		logAndWriteInternalError(w, h.logger, "list analyses", err)
		return
	}
	WriteJSON(w, http.StatusOK, analyses)
}

func (h *AnalysisHandler) Get(w http.ResponseWriter, r *http.Request) {
	orgID, ok := parsePathUUID(w, r, "oid", "organization ID")
	if !ok {
		return
	}
	analysisID, ok := parsePathUUID(w, r, "aid", "analysis ID")
	if !ok {
		return
	}

	analysis, err := h.service.Get(r.Context(), orgID, analysisID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "analysis_not_found", "Analysis not found")
			return
		}
		logAndWriteInternalError(w, h.logger, "get analysis", err)
		return
	}
	WriteJSON(w, http.StatusOK, analysis)
}

// parsePathUUID parses a UUID path value, writing a 400 on failure.
func parsePathUUID(w http.ResponseWriter, r *http.Request, name, label string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_"+name, "Invalid "+label)
		return uuid.Nil, false
	}
	return id, true
}

// requestUserID reads the acting user from the X-User-ID header set by the
// upstream gateway. Authentication itself happens before requests reach the
// engine.
func requestUserID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, err := uuid.Parse(r.Header.Get("X-User-ID"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_user_id", "Missing or invalid X-User-ID header")
		return uuid.Nil, false
	}
	return userID, true
}
