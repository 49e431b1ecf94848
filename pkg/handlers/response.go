package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// ErrorResponse is the standard JSON error envelope for all API endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes a standard JSON error response.
func WriteError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	WriteJSON(w, statusCode, ErrorResponse{Error: errorCode, Message: message})
}

// logAndWriteInternalError logs the error and returns an opaque 500.
func logAndWriteInternalError(w http.ResponseWriter, logger *zap.Logger, op string, err error) {
	logger.Error("Request failed", zap.String("op", op), zap.Error(err))
	WriteError(w, http.StatusInternalServerError, "internal_error", "An internal error occurred")
}
