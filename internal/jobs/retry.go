package jobs

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/rodovia/alertcore/internal/database"
	"github.com/rodovia/alertcore/internal/metrics"
	"github.com/rodovia/alertcore/internal/notify"
	"github.com/rodovia/alertcore/internal/services"
)

// RetrySweep re-sends notifications that failed transiently once their
// backoff has elapsed. It also recovers rounds a stopped process left pending
// and sends interrupted while the outcome was being recorded.
type RetrySweep struct {
	dispatcher  *notify.Dispatcher
	alerts      *services.AlertService
	maxAttempts int
	batchSize   int
	staleAfter  time.Duration
}

// NewRetrySweep creates a retry sweep giving each notification up to maxAttempts retries
func NewRetrySweep(dispatcher *notify.Dispatcher, alertSvc *services.AlertService, maxAttempts int) *RetrySweep {
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	return &RetrySweep{
		dispatcher:  dispatcher,
		alerts:      alertSvc,
		maxAttempts: maxAttempts,
		batchSize:   100,
		staleAfter:  dispatcher.StaleAfter(),
	}
}

// Run retries every due notification once and returns how many were re-sent.
// Notifications of alerts that were resolved or suppressed are abandoned.
func (r *RetrySweep) Run(ctx context.Context) (int, error) {
	released, err := r.dispatcher.ReleaseStuck(ctx, r.staleAfter)
	if err != nil {
		return 0, err
	}
	if released > 0 {
		log.Warnf("Retry sweep: %d interrupted sends marked for retry", released)
	}

	sent, err := r.resumePending(ctx)
	if err != nil {
		return sent, err
	}

	due, err := r.dispatcher.DueForRetry(ctx, r.maxAttempts, r.batchSize)
	if err != nil {
		return sent, err
	}

	for _, entry := range due {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		fields := log.Fields{"alert_id": entry.AlertID, "channel": entry.Channel, "notification_id": entry.ID}

		alert, err := r.alerts.Get(ctx, entry.AlertID)
		if err != nil {
			log.WithFields(fields).Errorf("Retry sweep: failed to load alert: %v", err)
			continue
		}
		if alert.Status.IsTerminal() {
			if err := r.dispatcher.Abandon(ctx, entry.ID); err != nil {
				log.WithFields(fields).Errorf("Retry sweep: failed to abandon notification: %v", err)
				continue
			}
			metrics.NotificationRetries.WithLabelValues(entry.Channel, "abandoned").Inc()
			log.WithFields(fields).Infof("Retry sweep: alert is %s, notification abandoned", alert.Status)
			continue
		}

		result, err := r.dispatcher.Retry(ctx, entry.ID)
		if err != nil {
			if !errors.Is(err, services.ErrInvalidTransition) {
				log.WithFields(fields).Errorf("Retry sweep: %v", err)
			}
			continue
		}
		metrics.NotificationRetries.WithLabelValues(entry.Channel, string(result.Status)).Inc()
		if result.Status != database.NotificationStatusFailed {
			sent++
			continue
		}
		if result.ErrorKind == database.NotificationErrorTransient && result.RetryCount >= r.maxAttempts {
			log.WithFields(fields).Warnf("Retry sweep: giving up after %d retries: %s", result.RetryCount, result.ErrorMessage)
		}
	}
	return sent, nil
}

// resumePending dispatches rounds whose rows were recorded but never sent
func (r *RetrySweep) resumePending(ctx context.Context) (int, error) {
	rounds, err := r.dispatcher.StalePendingRounds(ctx, r.staleAfter, r.batchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, rr := range rounds {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		fields := log.Fields{"alert_id": rr.AlertID, "round": rr.Round}

		alert, err := r.alerts.Get(ctx, rr.AlertID)
		if err != nil {
			log.WithFields(fields).Errorf("Retry sweep: failed to load alert: %v", err)
			continue
		}
		if alert.Status.IsTerminal() {
			if err := r.dispatcher.AbandonPending(ctx, rr.AlertID, rr.Round); err != nil {
				log.WithFields(fields).Errorf("Retry sweep: failed to abandon pending round: %v", err)
			}
			continue
		}

		entries, err := r.dispatcher.Dispatch(ctx, rr.AlertID, rr.Round)
		if err != nil {
			log.WithFields(fields).Errorf("Retry sweep: pending round: %v", err)
		}
		for _, e := range entries {
			if e.Status == database.NotificationStatusSent {
				sent++
			}
		}
		log.WithFields(fields).Infof("Retry sweep: resumed pending round (%d entries)", len(entries))
	}
	return sent, nil
}

// Start runs the sweep every interval until ctx is cancelled
func (r *RetrySweep) Start(ctx context.Context, interval time.Duration) {
	runLoop(ctx, "Retry sweep", interval, r.Run)
}
