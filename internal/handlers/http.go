package handlers

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/rodovia/alertcore/internal/api"
	"github.com/rodovia/alertcore/internal/metrics"
)

// Version is reported by the health endpoint
var Version = "dev"

// HTTPHandler serves the unauthenticated operational endpoints
type HTTPHandler struct {
	db *gorm.DB
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(db *gorm.DB) *HTTPHandler {
	return &HTTPHandler{db: db}
}

// SetupRoutes configures the health and metrics routes
func (h *HTTPHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
}

// handleHealth reports whether the database answers
func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]string{
		"status":   "ok",
		"version":  Version,
		"database": "ok",
	}

	if err := h.pingDatabase(r.Context()); err != nil {
		log.Errorf("Health check: database unreachable: %v", err)
		response["status"] = "degraded"
		response["database"] = "unreachable"
		api.RespondJSON(w, http.StatusServiceUnavailable, response)
		return
	}
	api.RespondJSON(w, http.StatusOK, response)
}

func (h *HTTPHandler) pingDatabase(ctx context.Context) error {
	if h.db == nil {
		return nil
	}
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx)
}
