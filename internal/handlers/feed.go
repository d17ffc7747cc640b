package handlers

import (
	"net/http"

	"github.com/rodovia/alertcore/internal/notify/channels"
)

// FeedHandler upgrades operator consoles to the live alert feed. The same
// connection receives browser-channel notifications and can acknowledge alerts.
type FeedHandler struct {
	hub *channels.Hub
}

// NewFeedHandler creates a new live feed handler
func NewFeedHandler(hub *channels.Hub) *FeedHandler {
	return &FeedHandler{hub: hub}
}

// SetupRoutes sets up the WebSocket route
func (h *FeedHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/alerts", h.handleFeed)
}

// handleFeed handles GET /ws/alerts. The console is registered under the
// authenticated operator so per-operator browser notifications reach it.
func (h *FeedHandler) handleFeed(w http.ResponseWriter, r *http.Request) {
	h.hub.Serve(w, r, actor(r))
}
