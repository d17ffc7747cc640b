package handlers

import (
	"crypto/subtle"
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/rodovia/alertcore/internal/alerts"
	"github.com/rodovia/alertcore/internal/api"
	"github.com/rodovia/alertcore/internal/services"
)

// WhatsAppSource is the adapter name messaging callbacks are ingested under
const WhatsAppSource = "whatsapp"

// WebhookHandler receives monitoring webhooks and messaging callbacks
type WebhookHandler struct {
	ingest              *services.IngestService
	whatsappVerifyToken string
}

// NewWebhookHandler creates a new webhook handler. verifyToken answers the
// WhatsApp subscription handshake; empty disables it.
func NewWebhookHandler(ingest *services.IngestService, verifyToken string) *WebhookHandler {
	return &WebhookHandler{ingest: ingest, whatsappVerifyToken: verifyToken}
}

// SetupRoutes configures the intake routes
func (h *WebhookHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhook/alert/{source}", h.handleAlert)
	mux.HandleFunc("GET /webhook/whatsapp", h.handleWhatsAppVerify)
	mux.HandleFunc("POST /webhook/whatsapp", h.handleWhatsApp)
}

// handleAlert handles POST /webhook/alert/{source}. The response only says
// whether envelopes were accepted; processing happens in the background.
func (h *WebhookHandler) handleAlert(w http.ResponseWriter, r *http.Request) {
	source := r.PathValue("source")
	if source == WhatsAppSource {
		api.RespondError(w, http.StatusNotFound, "Use /webhook/whatsapp for messaging callbacks")
		return
	}

	result, ok := h.ingestRequest(w, r, source)
	if !ok {
		return
	}

	if result.Outcome == services.OutcomeRejected {
		api.RespondJSON(w, http.StatusBadRequest, result)
		return
	}
	api.RespondJSON(w, http.StatusOK, result)
}

// handleWhatsApp handles POST /webhook/whatsapp. Meta redelivers anything
// that is not a 2xx, so even rejected payloads are acknowledged; they stay
// stored as failed envelopes.
func (h *WebhookHandler) handleWhatsApp(w http.ResponseWriter, r *http.Request) {
	result, ok := h.ingestRequest(w, r, WhatsAppSource)
	if !ok {
		return
	}
	api.RespondJSON(w, http.StatusOK, result)
}

func (h *WebhookHandler) ingestRequest(w http.ResponseWriter, r *http.Request, source string) (*services.IngestResult, bool) {
	logger := log.WithField("source", source)

	if _, ok := h.ingest.Adapter(source); !ok {
		api.RespondError(w, http.StatusNotFound, "Unknown alert source")
		return nil, false
	}

	body, err := api.ReadBody(w, r)
	if err != nil {
		api.RespondError(w, http.StatusRequestEntityTooLarge, err.Error())
		return nil, false
	}

	result, err := h.ingest.Ingest(r.Context(), source, body, r.Header)
	switch {
	case err == nil:
	case errors.Is(err, alerts.ErrInvalidSecret):
		logger.Warnf("Webhook authentication failed from %s", r.RemoteAddr)
		api.RespondError(w, http.StatusUnauthorized, "Unauthorized")
		return nil, false
	case errors.Is(err, services.ErrNotFound):
		api.RespondError(w, http.StatusNotFound, "Unknown alert source")
		return nil, false
	default:
		logger.Errorf("Ingest failed: %v", err)
		api.RespondError(w, http.StatusInternalServerError, "Failed to store event")
		return nil, false
	}

	logger.Debugf("Webhook %s: %d envelopes", result.Outcome, len(result.Envelopes))
	return result, true
}

// handleWhatsAppVerify answers the subscription handshake:
// GET ?hub.mode=subscribe&hub.verify_token=...&hub.challenge=...
func (h *WebhookHandler) handleWhatsAppVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := q.Get("hub.verify_token")
	if h.whatsappVerifyToken == "" || q.Get("hub.mode") != "subscribe" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(h.whatsappVerifyToken)) != 1 {
		log.Warnf("WhatsApp webhook verification refused from %s", r.RemoteAddr)
		api.RespondError(w, http.StatusForbidden, "Verification failed")
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(q.Get("hub.challenge")))
}
