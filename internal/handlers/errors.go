package handlers

import (
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/rodovia/alertcore/internal/api"
	"github.com/rodovia/alertcore/internal/middleware"
	"github.com/rodovia/alertcore/internal/services"
)

// respondServiceError maps service sentinels onto HTTP statuses
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		api.RespondErrorWithCode(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, services.ErrInvalidTransition), errors.Is(err, services.ErrNotActive):
		api.RespondErrorWithCode(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, services.ErrDuplicateEvent), errors.Is(err, gorm.ErrDuplicatedKey):
		api.RespondErrorWithCode(w, http.StatusConflict, "duplicate", err.Error())
	case errors.Is(err, services.ErrMalformedPayload):
		api.RespondErrorWithCode(w, http.StatusUnprocessableEntity, "malformed_payload", err.Error())
	default:
		log.WithFields(log.Fields{
			"request_id": middleware.GetRequestID(r.Context()),
			"path":       r.URL.Path,
		}).Errorf("Request failed: %v", err)
		api.RespondError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// actor names who performed an operator action
func actor(r *http.Request) string {
	if user := middleware.GetUserFromContext(r.Context()); user != "" {
		return user
	}
	return "api"
}
