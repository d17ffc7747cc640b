package jobs

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/rodovia/alertcore/internal/database"
	"github.com/rodovia/alertcore/internal/notify"
	"github.com/rodovia/alertcore/internal/services"
	"github.com/rodovia/alertcore/internal/testhelpers"
)

var start = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type jobsFixture struct {
	db         *gorm.DB
	ingest     *services.IngestService
	alerts     *services.AlertService
	dispatcher *notify.Dispatcher
	scheduler  *EscalationScheduler
	retry      *RetrySweep
	adapter    *testhelpers.MockEventAdapter
	email      *testhelpers.FakeChannel
	sms        *testhelpers.FakeChannel
	push       *testhelpers.FakeChannel
	clock      *testhelpers.FakeClock
}

func newJobsFixture(t *testing.T) *jobsFixture {
	t.Helper()
	db := testhelpers.SetupTestDB(t)
	clock := testhelpers.NewFakeClock(start)

	alertSvc := services.NewAlertService(db)
	alertSvc.SetClock(clock.Now)
	deviceSvc := services.NewDeviceAlertService(db)
	deviceSvc.SetClock(clock.Now)
	ruleSvc := services.NewRuleService(db, "email")

	testhelpers.NewRuleBuilder("cameras").
		ForSource("cot").
		ForAlertType("device_failure").
		WithSchedule([]int{0, 15, 60}, map[int][]string{0: {"email"}, 1: {"sms"}, 2: {"push"}}).
		Create(t, db)

	email := testhelpers.NewFakeChannel("email")
	sms := testhelpers.NewFakeChannel("sms")
	push := testhelpers.NewFakeChannel("push")
	registry := notify.NewRegistry(notify.GuardSettings{FailureThreshold: 100})
	registry.Register(email)
	registry.Register(sms)
	registry.Register(push)

	directory := testhelpers.NewFakeDirectory().
		Set("email", "cco@example.com").
		Set("sms", "+5511999").
		Set("push", "console-1")
	renderer, err := notify.NewRenderer("", "")
	testhelpers.AssertNoError(t, err, "renderer")

	dispatcher := notify.NewDispatcher(db, alertSvc, registry, directory, renderer, notify.Options{RetryBaseDelay: 30 * time.Second})
	dispatcher.SetClock(clock.Now)

	scheduler := NewEscalationScheduler(alertSvc, dispatcher)

	ingest := services.NewIngestService(db, alertSvc, deviceSvc, ruleSvc)
	ingest.SetClock(clock.Now)
	ingest.SetEvaluator(scheduler)
	adapter := testhelpers.NewMockEventAdapter("cot")
	ingest.RegisterAdapter(adapter)

	return &jobsFixture{
		db:         db,
		ingest:     ingest,
		alerts:     alertSvc,
		dispatcher: dispatcher,
		scheduler:  scheduler,
		retry:      NewRetrySweep(dispatcher, alertSvc, 3),
		adapter:    adapter,
		email:      email,
		sms:        sms,
		push:       push,
		clock:      clock,
	}
}

func (f *jobsFixture) raise(t *testing.T) *database.Alert {
	t.Helper()
	f.adapter.WithEvents(testhelpers.NewEventBuilder().At(f.clock.Now()).Build())
	res, err := f.ingest.Ingest(context.Background(), "cot", []byte(`{}`), http.Header{})
	testhelpers.AssertNoError(t, err, "ingest")

	env, err := f.ingest.Get(context.Background(), res.Envelopes[0].EnvelopeID)
	testhelpers.AssertNoError(t, err, "get envelope")
	if env.AlertID == nil {
		t.Fatal("expected envelope to link an alert")
	}
	alert, err := f.alerts.Get(context.Background(), *env.AlertID)
	testhelpers.AssertNoError(t, err, "get alert")
	return alert
}

func (f *jobsFixture) advance(t *testing.T, d time.Duration) int {
	t.Helper()
	f.clock.Advance(d)
	n, err := f.scheduler.Run(context.Background())
	testhelpers.AssertNoError(t, err, "scheduler run")
	return n
}

func TestEscalation_AcknowledgeStopsFurtherRounds(t *testing.T) {
	f := newJobsFixture(t)
	ctx := context.Background()

	alert := f.raise(t)
	testhelpers.AssertEqual(t, 1, len(f.email.Sent()), "round 0 email at t=0")
	testhelpers.AssertEqual(t, 0, len(f.sms.Sent()), "no sms yet")

	testhelpers.AssertEqual(t, 0, f.advance(t, 10*time.Minute), "nothing due at t=10")
	testhelpers.AssertEqual(t, 1, f.advance(t, 6*time.Minute), "round 1 at t=16")
	testhelpers.AssertEqual(t, 1, len(f.sms.Sent()), "sms at t=16")

	f.clock.Advance(4 * time.Minute)
	_, err := f.alerts.Acknowledge(ctx, alert.ID, "operator-1")
	testhelpers.AssertNoError(t, err, "acknowledge at t=20")

	testhelpers.AssertEqual(t, 0, f.advance(t, 40*time.Minute), "nothing at t=60")
	testhelpers.AssertEqual(t, 0, len(f.push.Sent()), "push after ack")

	got, err := f.alerts.Get(ctx, alert.ID)
	testhelpers.AssertNoError(t, err, "get alert")
	testhelpers.AssertEqual(t, database.AlertStatusAcknowledged, got.Status, "status")
	testhelpers.AssertEqual(t, 2, got.EscalationLevel, "level")
}

func TestEscalation_UnacknowledgedRunsWholeSchedule(t *testing.T) {
	f := newJobsFixture(t)
	ctx := context.Background()

	alert := f.raise(t)
	f.advance(t, 16*time.Minute)
	f.advance(t, 45*time.Minute)
	testhelpers.AssertEqual(t, 1, len(f.push.Sent()), "push at t=61")

	// Past the last round the alert stays active and nothing else goes out.
	testhelpers.AssertEqual(t, 0, f.advance(t, 2*time.Hour), "exhausted")
	testhelpers.AssertEqual(t, 0, f.advance(t, time.Hour), "still exhausted")

	got, err := f.alerts.Get(ctx, alert.ID)
	testhelpers.AssertNoError(t, err, "get alert")
	testhelpers.AssertEqual(t, database.AlertStatusActive, got.Status, "status")
	testhelpers.AssertEqual(t, 3, got.EscalationLevel, "level")
	testhelpers.AssertEqual(t, 1, len(f.email.Sent()), "emails")
	testhelpers.AssertEqual(t, 1, len(f.sms.Sent()), "sms")
	testhelpers.AssertEqual(t, 1, len(f.push.Sent()), "push")
}

func TestEscalation_OneRoundPerSweep(t *testing.T) {
	f := newJobsFixture(t)
	f.raise(t)

	// Scheduler was down for an hour: the overdue rounds go out one per sweep.
	testhelpers.AssertEqual(t, 1, f.advance(t, 70*time.Minute), "first sweep")
	testhelpers.AssertEqual(t, 1, len(f.sms.Sent()), "sms")
	testhelpers.AssertEqual(t, 0, len(f.push.Sent()), "push waits")
	testhelpers.AssertEqual(t, 1, f.advance(t, 0), "second sweep")
	testhelpers.AssertEqual(t, 1, len(f.push.Sent()), "push")
}

func TestEscalation_ConcurrentSweepsFireOnce(t *testing.T) {
	f := newJobsFixture(t)
	f.raise(t)
	f.clock.Advance(16 * time.Minute)

	other := NewEscalationScheduler(f.alerts, f.dispatcher)
	var wg sync.WaitGroup
	for _, s := range []*EscalationScheduler{f.scheduler, other, f.scheduler, other} {
		wg.Add(1)
		go func(s *EscalationScheduler) {
			defer wg.Done()
			_, _ = s.Run(context.Background())
		}(s)
	}
	wg.Wait()

	testhelpers.AssertEqual(t, 1, len(f.sms.Sent()), "sms sent once")
}

type recordingDispatcher struct {
	mu     sync.Mutex
	rounds []int
	err    error
}

func (r *recordingDispatcher) Submit(ctx context.Context, alertID uint, round int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rounds = append(r.rounds, round)
	return r.err
}

func TestEscalationScheduler_EvaluateAlert(t *testing.T) {
	db := testhelpers.SetupTestDB(t)
	clock := testhelpers.NewFakeClock(start)
	alertSvc := services.NewAlertService(db)
	alertSvc.SetClock(clock.Now)

	tests := []struct {
		name       string
		build      *testhelpers.AlertBuilder
		age        time.Duration
		wantRounds []int
		wantLevel  int
	}{
		{"round 0 immediately", testhelpers.NewAlertBuilder(), 0, []int{0}, 1},
		{"waiting for threshold", testhelpers.NewAlertBuilder().WithLevel(1), 14 * time.Minute, nil, 1},
		{"threshold reached", testhelpers.NewAlertBuilder().WithLevel(1), 15 * time.Minute, []int{1}, 2},
		{"acknowledged is skipped", testhelpers.NewAlertBuilder().WithStatus(database.AlertStatusAcknowledged), time.Hour, nil, 0},
		{"exhausted", testhelpers.NewAlertBuilder().WithLevel(3), 2 * time.Hour, nil, 3},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alert := tt.build.
				WithSource("cot", "cam-"+string(rune('a'+i))).
				CreatedAt(clock.Now().Add(-tt.age)).
				Create(t, db)

			rec := &recordingDispatcher{}
			s := NewEscalationScheduler(alertSvc, rec)
			testhelpers.AssertNoError(t, s.EvaluateAlert(context.Background(), alert), "evaluate")
			testhelpers.AssertEqual(t, len(tt.wantRounds), len(rec.rounds), "dispatched rounds")
			for j := range tt.wantRounds {
				testhelpers.AssertEqual(t, tt.wantRounds[j], rec.rounds[j], "round")
			}

			got, err := alertSvc.Get(context.Background(), alert.ID)
			testhelpers.AssertNoError(t, err, "get")
			testhelpers.AssertEqual(t, tt.wantLevel, got.EscalationLevel, "level")
		})
	}
}

func TestEscalationScheduler_DispatchErrorKeepsLevel(t *testing.T) {
	db := testhelpers.SetupTestDB(t)
	alertSvc := services.NewAlertService(db)
	alert := testhelpers.NewAlertBuilder().CreatedAt(time.Now().UTC()).Create(t, db)

	rec := &recordingDispatcher{err: errors.New("all channels down")}
	s := NewEscalationScheduler(alertSvc, rec)
	testhelpers.AssertNoError(t, s.EvaluateAlert(context.Background(), alert), "evaluate")

	got, err := alertSvc.Get(context.Background(), alert.ID)
	testhelpers.AssertNoError(t, err, "get")
	testhelpers.AssertEqual(t, 1, got.EscalationLevel, "level committed")
}

func TestEscalationScheduler_StaleSnapshotIsSkipped(t *testing.T) {
	db := testhelpers.SetupTestDB(t)
	alertSvc := services.NewAlertService(db)
	alert := testhelpers.NewAlertBuilder().CreatedAt(time.Now().UTC()).Create(t, db)

	rec := &recordingDispatcher{}
	s := NewEscalationScheduler(alertSvc, rec)
	snapshot := *alert
	testhelpers.AssertNoError(t, s.EvaluateAlert(context.Background(), alert), "first")
	testhelpers.AssertNoError(t, s.EvaluateAlert(context.Background(), &snapshot), "stale")
	testhelpers.AssertEqual(t, 1, len(rec.rounds), "one dispatch")
}

func TestEscalationScheduler_Start(t *testing.T) {
	db := testhelpers.SetupTestDB(t)
	alertSvc := services.NewAlertService(db)
	testhelpers.NewAlertBuilder().CreatedAt(time.Now().UTC()).Create(t, db)

	rec := &recordingDispatcher{}
	s := NewEscalationScheduler(alertSvc, rec)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx, 10*time.Millisecond)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		rec.mu.Lock()
		n := len(rec.rounds)
		rec.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("scheduler never fired")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestRetrySweep_ResendsAfterBackoff(t *testing.T) {
	f := newJobsFixture(t)
	ctx := context.Background()
	f.email.FailNext(errors.New("connection reset"))

	alert := f.raise(t)
	testhelpers.AssertEqual(t, 0, len(f.email.Sent()), "first attempt failed")

	n, err := f.retry.Run(ctx)
	testhelpers.AssertNoError(t, err, "early sweep")
	testhelpers.AssertEqual(t, 0, n, "backoff not elapsed")

	f.clock.Advance(31 * time.Second)
	n, err = f.retry.Run(ctx)
	testhelpers.AssertNoError(t, err, "sweep")
	testhelpers.AssertEqual(t, 1, n, "resent")
	testhelpers.AssertEqual(t, 1, len(f.email.Sent()), "email delivered")

	logs, err := f.dispatcher.ListForAlert(ctx, alert.ID)
	testhelpers.AssertNoError(t, err, "list")
	testhelpers.AssertEqual(t, 1, len(logs), "one log row")
	testhelpers.AssertEqual(t, database.NotificationStatusSent, logs[0].Status, "status")
	testhelpers.AssertEqual(t, 1, logs[0].RetryCount, "retry count")
}

func TestRetrySweep_GivesUp(t *testing.T) {
	f := newJobsFixture(t)
	ctx := context.Background()
	f.email.FailAlways(errors.New("timeout"))
	alert := f.raise(t)

	for i := 0; i < 6; i++ {
		f.clock.Advance(time.Hour)
		_, err := f.retry.Run(ctx)
		testhelpers.AssertNoError(t, err, "sweep")
	}
	testhelpers.AssertEqual(t, 4, f.email.Attempts(), "initial send plus three retries")

	logs, err := f.dispatcher.ListForAlert(ctx, alert.ID)
	testhelpers.AssertNoError(t, err, "list")
	testhelpers.AssertEqual(t, database.NotificationStatusFailed, logs[0].Status, "status")
	testhelpers.AssertEqual(t, 3, logs[0].RetryCount, "retry count")
}

func TestRetrySweep_AbandonsResolvedAlerts(t *testing.T) {
	f := newJobsFixture(t)
	ctx := context.Background()
	f.email.FailNext(errors.New("connection reset"))
	alert := f.raise(t)

	_, err := f.alerts.Resolve(ctx, alert.ID, "operator-1", "fixed on site")
	testhelpers.AssertNoError(t, err, "resolve")

	f.clock.Advance(time.Minute)
	n, err := f.retry.Run(ctx)
	testhelpers.AssertNoError(t, err, "sweep")
	testhelpers.AssertEqual(t, 0, n, "nothing resent")
	testhelpers.AssertEqual(t, 1, f.email.Attempts(), "no retry attempt")

	logs, err := f.dispatcher.ListForAlert(ctx, alert.ID)
	testhelpers.AssertNoError(t, err, "list")
	testhelpers.AssertEqual(t, database.NotificationErrorAbandoned, logs[0].ErrorKind, "error kind")

	n, err = f.retry.Run(ctx)
	testhelpers.AssertNoError(t, err, "second sweep")
	testhelpers.AssertEqual(t, 0, n, "abandoned rows are not due")
}

func TestEscalation_DuplicateIngestSendsOneRound(t *testing.T) {
	f := newJobsFixture(t)
	ctx := context.Background()
	alert := f.raise(t)

	res, err := f.ingest.Ingest(ctx, "cot", []byte(`{}`), http.Header{})
	testhelpers.AssertNoError(t, err, "second ingest")
	testhelpers.AssertEqual(t, services.OutcomeDuplicate, res.Outcome, "outcome")

	testhelpers.AssertEqual(t, 0, f.advance(t, 0), "no round fired by the duplicate")

	logs, err := f.dispatcher.ListForAlert(ctx, alert.ID)
	testhelpers.AssertNoError(t, err, "list")
	testhelpers.AssertEqual(t, 1, len(logs), "one log row")
	testhelpers.AssertEqual(t, "email", logs[0].Channel, "channel")
	testhelpers.AssertEqual(t, database.NotificationStatusSent, logs[0].Status, "status")
	testhelpers.AssertEqual(t, 1, len(f.email.Sent()), "one email")
}

func TestRetrySweep_ResumesRoundQueuedBeforeShutdown(t *testing.T) {
	f := newJobsFixture(t)
	ctx := context.Background()

	// Workers never start: round 0 is recorded and queued, and the process
	// stops before anything sends it.
	queue := notify.NewQueue(f.dispatcher, 10, 1)
	f.ingest.SetEvaluator(NewEscalationScheduler(f.alerts, queue))
	alert := f.raise(t)
	testhelpers.AssertEqual(t, 0, len(f.email.Sent()), "email before restart")

	logs, err := f.dispatcher.ListForAlert(ctx, alert.ID)
	testhelpers.AssertNoError(t, err, "list")
	testhelpers.AssertEqual(t, 1, len(logs), "round recorded")
	testhelpers.AssertEqual(t, database.NotificationStatusPending, logs[0].Status, "status")

	// After the restart only the database is left.
	f.clock.Advance(time.Minute)
	n, err := NewRetrySweep(f.dispatcher, f.alerts, 3).Run(ctx)
	testhelpers.AssertNoError(t, err, "sweep")
	testhelpers.AssertEqual(t, 1, n, "resumed")
	testhelpers.AssertEqual(t, 1, len(f.email.Sent()), "round 0 email")

	logs, err = f.dispatcher.ListForAlert(ctx, alert.ID)
	testhelpers.AssertNoError(t, err, "list")
	testhelpers.AssertEqual(t, database.NotificationStatusSent, logs[0].Status, "status after sweep")

	testhelpers.AssertEqual(t, 1, f.advance(t, 16*time.Minute), "round 1 fired")
	testhelpers.AssertEqual(t, 1, len(f.sms.Sent()), "round 1 sms")
}

func TestRetrySweep_AbandonsPendingRoundOfResolvedAlert(t *testing.T) {
	f := newJobsFixture(t)
	ctx := context.Background()

	queue := notify.NewQueue(f.dispatcher, 10, 1)
	f.ingest.SetEvaluator(NewEscalationScheduler(f.alerts, queue))
	alert := f.raise(t)
	_, err := f.alerts.Resolve(ctx, alert.ID, "operator-1", "fixed on site")
	testhelpers.AssertNoError(t, err, "resolve")

	f.clock.Advance(time.Minute)
	n, err := f.retry.Run(ctx)
	testhelpers.AssertNoError(t, err, "sweep")
	testhelpers.AssertEqual(t, 0, n, "nothing sent")
	testhelpers.AssertEqual(t, 0, f.email.Attempts(), "no send attempt")

	logs, err := f.dispatcher.ListForAlert(ctx, alert.ID)
	testhelpers.AssertNoError(t, err, "list")
	testhelpers.AssertEqual(t, database.NotificationErrorAbandoned, logs[0].ErrorKind, "error kind")
}

func TestEscalationScheduler_RecoverRounds(t *testing.T) {
	f := newJobsFixture(t)
	ctx := context.Background()

	// Level 1 committed but the process stopped before round 0 was recorded.
	alert := testhelpers.NewAlertBuilder().WithLevel(1).CreatedAt(f.clock.Now()).Create(t, f.db)
	testhelpers.NewAlertBuilder().WithSource("cot", "cam-2").CreatedAt(f.clock.Now()).Create(t, f.db)

	n, err := f.scheduler.RecoverRounds(ctx, f.dispatcher)
	testhelpers.AssertNoError(t, err, "recover")
	testhelpers.AssertEqual(t, 1, n, "rounds resubmitted")
	testhelpers.AssertEqual(t, 1, len(f.email.Sent()), "round 0 email")

	logs, err := f.dispatcher.ListForAlert(ctx, alert.ID)
	testhelpers.AssertNoError(t, err, "list")
	testhelpers.AssertEqual(t, 1, len(logs), "log rows")

	n, err = f.scheduler.RecoverRounds(ctx, f.dispatcher)
	testhelpers.AssertNoError(t, err, "second recover")
	testhelpers.AssertEqual(t, 0, n, "nothing left to recover")
}

func TestRetrySweep_ResendsInterruptedSend(t *testing.T) {
	f := newJobsFixture(t)
	ctx := context.Background()

	alert := testhelpers.NewAlertBuilder().WithLevel(1).CreatedAt(f.clock.Now()).Create(t, f.db)
	interrupted := &database.NotificationLog{
		AlertID:         alert.ID,
		EscalationLevel: 0,
		Channel:         "email",
		Recipient:       "cco@example.com",
		Message:         "Camera offline",
		Status:          database.NotificationStatusSending,
		CreatedAt:       f.clock.Now(),
		UpdatedAt:       f.clock.Now(),
	}
	testhelpers.AssertNoError(t, f.db.Create(interrupted).Error, "seed sending row")

	n, err := f.retry.Run(ctx)
	testhelpers.AssertNoError(t, err, "early sweep")
	testhelpers.AssertEqual(t, 0, n, "send may still be in flight")

	f.clock.Advance(time.Minute)
	n, err = f.retry.Run(ctx)
	testhelpers.AssertNoError(t, err, "sweep")
	testhelpers.AssertEqual(t, 1, n, "resent")
	testhelpers.AssertEqual(t, 1, len(f.email.Sent()), "email delivered")

	got, err := f.dispatcher.Get(ctx, interrupted.ID)
	testhelpers.AssertNoError(t, err, "get")
	testhelpers.AssertEqual(t, database.NotificationStatusSent, got.Status, "status")
	testhelpers.AssertEqual(t, 1, got.RetryCount, "retry count")
}
