package handlers

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/rodovia/alertcore/internal/alerts"
	"github.com/rodovia/alertcore/internal/services"
	"github.com/rodovia/alertcore/internal/testhelpers"
)

func TestWebhook_AcceptThenDuplicate(t *testing.T) {
	s := newTestServer(t)
	s.adapter.WithEvents(testhelpers.NewEventBuilder().At(now).Build())

	var first services.IngestResult
	testhelpers.NewHTTPTestContext(t, http.MethodPost, "/webhook/alert/cot", strings.NewReader(`{}`)).
		Execute(s.mux).
		AssertStatus(http.StatusOK).
		DecodeJSON(&first)

	testhelpers.AssertEqual(t, services.OutcomeAccepted, first.Outcome, "first outcome")
	if len(first.Envelopes) != 1 {
		t.Fatalf("expected 1 envelope, got %d", len(first.Envelopes))
	}

	var second services.IngestResult
	testhelpers.NewHTTPTestContext(t, http.MethodPost, "/webhook/alert/cot", strings.NewReader(`{}`)).
		Execute(s.mux).
		AssertStatus(http.StatusOK).
		DecodeJSON(&second)

	testhelpers.AssertEqual(t, services.OutcomeDuplicate, second.Outcome, "second outcome")
	testhelpers.AssertEqual(t, first.Envelopes[0].EnvelopeID, second.Envelopes[0].EnvelopeID, "same envelope")

	count, err := s.alerts.CountActive(t.Context())
	testhelpers.AssertNoError(t, err, "count active")
	testhelpers.AssertEqual(t, int64(1), count, "one alert raised")
}

func TestWebhook_Errors(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		setup      func(*testhelpers.MockEventAdapter)
		wantStatus int
		wantBody   string
	}{
		{
			name:       "malformed payload is rejected",
			path:       "/webhook/alert/cot",
			setup:      func(a *testhelpers.MockEventAdapter) { a.WithParseError(errors.New("bad json")) },
			wantStatus: http.StatusBadRequest,
			wantBody:   "rejected",
		},
		{
			name:       "bad secret",
			path:       "/webhook/alert/cot",
			setup:      func(a *testhelpers.MockEventAdapter) { a.WithValidationError(alerts.ErrInvalidSecret) },
			wantStatus: http.StatusUnauthorized,
			wantBody:   "Unauthorized",
		},
		{
			name:       "unknown source",
			path:       "/webhook/alert/nagios",
			setup:      func(*testhelpers.MockEventAdapter) {},
			wantStatus: http.StatusNotFound,
			wantBody:   "Unknown alert source",
		},
		{
			name:       "messaging source on alert route",
			path:       "/webhook/alert/whatsapp",
			setup:      func(*testhelpers.MockEventAdapter) {},
			wantStatus: http.StatusNotFound,
			wantBody:   "/webhook/whatsapp",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			tt.setup(s.adapter)

			testhelpers.NewHTTPTestContext(t, http.MethodPost, tt.path, strings.NewReader(`{}`)).
				Execute(s.mux).
				AssertStatus(tt.wantStatus).
				AssertBodyContains(tt.wantBody)
		})
	}
}

func TestWebhook_RejectedPayloadIsListedAsFailed(t *testing.T) {
	s := newTestServer(t)
	s.adapter.WithParseError(errors.New("bad json"))

	testhelpers.NewHTTPTestContext(t, http.MethodPost, "/webhook/alert/cot", strings.NewReader(`{not json`)).
		Execute(s.mux).
		AssertStatus(http.StatusBadRequest)

	testhelpers.NewHTTPTestContext(t, http.MethodGet, "/api/webhooks/failed", nil).
		Execute(s.mux).
		AssertStatus(http.StatusOK).
		AssertBodyContains(`"total":1`).
		AssertBodyContains("bad json")
}

func TestWhatsAppVerify(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantBody   string
	}{
		{"valid handshake", "hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=12345", http.StatusOK, "12345"},
		{"wrong token", "hub.mode=subscribe&hub.verify_token=nope&hub.challenge=12345", http.StatusForbidden, "Verification failed"},
		{"wrong mode", "hub.mode=unsubscribe&hub.verify_token=verify-me&hub.challenge=12345", http.StatusForbidden, "Verification failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			testhelpers.NewHTTPTestContext(t, http.MethodGet, "/webhook/whatsapp?"+tt.query, nil).
				Execute(s.mux).
				AssertStatus(tt.wantStatus).
				AssertBodyContains(tt.wantBody)
		})
	}
}

func TestWhatsAppVerify_DisabledWithoutToken(t *testing.T) {
	mux := http.NewServeMux()
	NewWebhookHandler(nil, "").SetupRoutes(mux)

	testhelpers.NewHTTPTestContext(t, http.MethodGet, "/webhook/whatsapp?hub.mode=subscribe&hub.verify_token=&hub.challenge=1", nil).
		Execute(mux).
		AssertStatus(http.StatusForbidden)
}

func TestWhatsAppCallback_AlwaysAcknowledged(t *testing.T) {
	s := newTestServer(t)
	wa := testhelpers.NewMockEventAdapter(WhatsAppSource).WithParseError(errors.New("unexpected shape"))
	s.ingest.RegisterAdapter(wa)

	testhelpers.NewHTTPTestContext(t, http.MethodPost, "/webhook/whatsapp", strings.NewReader(`{"object":"x"}`)).
		Execute(s.mux).
		AssertStatus(http.StatusOK).
		AssertBodyContains("rejected")

	testhelpers.AssertEqual(t, 1, wa.ParseCalls(), "payload parsed once")
}

func TestWhatsAppCallback_NotConfigured(t *testing.T) {
	s := newTestServer(t)

	testhelpers.NewHTTPTestContext(t, http.MethodPost, "/webhook/whatsapp", strings.NewReader(`{}`)).
		Execute(s.mux).
		AssertStatus(http.StatusNotFound)
}
