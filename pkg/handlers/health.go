package handlers

import (
	"net/http"
)

// HealthHandler serves liveness endpoints.
type HealthHandler struct {
	version string
	env     string
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(version, env string) *HealthHandler {
	return &HealthHandler{version: version, env: env}
}

// RegisterRoutes registers health endpoints on the mux.
func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ping", h.Ping)
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.version,
		"env":     h.env,
	})
}

func (h *HealthHandler) Ping(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("pong"))
}
