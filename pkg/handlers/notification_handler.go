package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/covality-inc/covality-engine/pkg/services"
)

// NotificationHandler serves user notification endpoints.
type NotificationHandler struct {
	service services.NotificationService
	logger  *zap.Logger
}

// NewNotificationHandler creates a new NotificationHandler.
func NewNotificationHandler(service services.NotificationService, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{
		service: service,
		logger:  logger.Named("notification-handler"),
	}
}

// RegisterRoutes registers notification endpoints on the mux.
func (h *NotificationHandler) RegisterRoutes(mux *http.ServeMux, withTenant func(http.HandlerFunc) http.HandlerFunc) {
	mux.HandleFunc("GET /api/orgs/{oid}/notifications", withTenant(h.List))
}

func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	orgID, ok := parsePathUUID(w, r, "oid", "organization ID")
	if !ok {
		return
	}
	userID, ok := requestUserID(w, r)
	if !ok {
		return
	}

	notifications, err := h.service.ListForUser(r.Context(), orgID, userID)
	if err != nil {
		logAndWriteInternalError(w, h.logger, "list notifications", err)
		return
	}
	WriteJSON(w, http.StatusOK, notifications)
}
