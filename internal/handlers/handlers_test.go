package handlers

import (
	"net/http"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/rodovia/alertcore/internal/notify"
	"github.com/rodovia/alertcore/internal/services"
	"github.com/rodovia/alertcore/internal/testhelpers"
)

var now = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type testServer struct {
	db      *gorm.DB
	mux     *http.ServeMux
	ingest  *services.IngestService
	alerts  *services.AlertService
	adapter *testhelpers.MockEventAdapter
	clock   *testhelpers.FakeClock
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db := testhelpers.SetupTestDB(t)
	clock := testhelpers.NewFakeClock(now)

	alertSvc := services.NewAlertService(db)
	alertSvc.SetClock(clock.Now)
	deviceSvc := services.NewDeviceAlertService(db)
	deviceSvc.SetClock(clock.Now)
	ruleSvc := services.NewRuleService(db, "email")

	ingest := services.NewIngestService(db, alertSvc, deviceSvc, ruleSvc)
	ingest.SetClock(clock.Now)
	adapter := testhelpers.NewMockEventAdapter("cot")
	ingest.RegisterAdapter(adapter)

	registry := notify.NewRegistry(notify.GuardSettings{FailureThreshold: 100})
	registry.Register(testhelpers.NewFakeChannel("email"))
	renderer, err := notify.NewRenderer("", "")
	testhelpers.AssertNoError(t, err, "renderer")
	dispatcher := notify.NewDispatcher(db, alertSvc, registry, testhelpers.NewFakeDirectory(), renderer, notify.Options{})

	mux := http.NewServeMux()
	NewHTTPHandler(db).SetupRoutes(mux)
	NewWebhookHandler(ingest, "verify-me").SetupRoutes(mux)
	NewAPIHandler(alertSvc, deviceSvc, ruleSvc, ingest, dispatcher).SetupRoutes(mux)

	return &testServer{
		db:      db,
		mux:     mux,
		ingest:  ingest,
		alerts:  alertSvc,
		adapter: adapter,
		clock:   clock,
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	var body map[string]string
	testhelpers.NewHTTPTestContext(t, http.MethodGet, "/health", nil).
		Execute(s.mux).
		AssertStatus(http.StatusOK).
		DecodeJSON(&body)

	testhelpers.AssertEqual(t, "ok", body["status"], "status")
	testhelpers.AssertEqual(t, "ok", body["database"], "database")
}

func TestHealth_DatabaseDown(t *testing.T) {
	s := newTestServer(t)
	sqlDB, err := s.db.DB()
	testhelpers.AssertNoError(t, err, "db handle")
	sqlDB.Close()

	testhelpers.NewHTTPTestContext(t, http.MethodGet, "/health", nil).
		Execute(s.mux).
		AssertStatus(http.StatusServiceUnavailable).
		AssertBodyContains("degraded")
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	testhelpers.NewHTTPTestContext(t, http.MethodGet, "/metrics", nil).
		Execute(s.mux).
		AssertStatus(http.StatusOK).
		AssertBodyContains("go_goroutines")
}
