package jobs

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/rodovia/alertcore/internal/database"
	"github.com/rodovia/alertcore/internal/logging"
	"github.com/rodovia/alertcore/internal/metrics"
	"github.com/rodovia/alertcore/internal/services"
)

// Dispatcher takes over sending one escalation round of an alert
type Dispatcher interface {
	Submit(ctx context.Context, alertID uint, round int) error
}

// EscalationScheduler walks active alerts and fires the next round of each
// alert whose age has reached the round's threshold.
type EscalationScheduler struct {
	alerts     *services.AlertService
	dispatcher Dispatcher
}

// NewEscalationScheduler creates a new escalation scheduler
func NewEscalationScheduler(alertSvc *services.AlertService, dispatcher Dispatcher) *EscalationScheduler {
	return &EscalationScheduler{alerts: alertSvc, dispatcher: dispatcher}
}

// Run evaluates every active alert once and returns how many rounds fired
func (s *EscalationScheduler) Run(ctx context.Context) (int, error) {
	active, err := s.alerts.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	metrics.OpenAlerts.Set(float64(len(active)))

	fired, exhausted := 0, 0
	for i := range active {
		if ctx.Err() != nil {
			return fired, ctx.Err()
		}
		result, err := s.evaluate(ctx, &active[i])
		if err != nil {
			logging.ForAlert(active[i].ID, active[i].UUID).Errorf("Escalation failed: %v", err)
			continue
		}
		switch result {
		case resultAdvanced:
			fired++
		case resultExhausted:
			exhausted++
		}
	}

	if exhausted > 0 {
		log.Debugf("Escalation scheduler: %d active alerts past their last round", exhausted)
	}
	return fired, nil
}

// EvaluateAlert runs the escalation step for a single alert. Ingest calls it
// right after creating an alert so round 0 goes out without waiting for a sweep.
func (s *EscalationScheduler) EvaluateAlert(ctx context.Context, alert *database.Alert) error {
	_, err := s.evaluate(ctx, alert)
	return err
}

type evalResult int

const (
	resultWaiting evalResult = iota
	resultAdvanced
	resultExhausted
	resultSkipped
)

func (s *EscalationScheduler) evaluate(ctx context.Context, alert *database.Alert) (evalResult, error) {
	if alert.Status != database.AlertStatusActive {
		return resultSkipped, nil
	}
	logger := logging.ForAlert(alert.ID, alert.UUID)

	threshold, ok := alert.NextThreshold()
	if !ok {
		first, err := s.alerts.MarkExhausted(ctx, alert.ID)
		if err != nil {
			return resultExhausted, err
		}
		if first {
			metrics.Escalations.WithLabelValues("exhausted").Inc()
			logger.Warnf("Escalation schedule exhausted after %d rounds; alert stays active", len(alert.EscalationTimes))
		}
		return resultExhausted, nil
	}

	if alert.AgeMinutes(s.alerts.Now()) < threshold {
		return resultWaiting, nil
	}

	round := alert.EscalationLevel
	if _, err := s.alerts.AdvanceEscalation(ctx, alert.ID, round); err != nil {
		switch {
		case errors.Is(err, services.ErrNotActive):
			metrics.Escalations.WithLabelValues("not_active").Inc()
			return resultSkipped, nil
		case errors.Is(err, services.ErrEscalationConflict):
			metrics.Escalations.WithLabelValues("conflict").Inc()
			return resultSkipped, nil
		default:
			metrics.Escalations.WithLabelValues("error").Inc()
			return resultSkipped, err
		}
	}
	metrics.Escalations.WithLabelValues("advanced").Inc()
	logger.Infof("Escalation round %d fired (threshold %d min)", round, threshold)

	// The level is already committed; a dispatch problem shows up in the
	// notification log and the retry sweep, not here.
	if err := s.dispatcher.Submit(ctx, alert.ID, round); err != nil {
		logger.Warnf("Dispatch of round %d reported errors: %v", round, err)
	}
	return resultAdvanced, nil
}

// RoundLedger reports which fired rounds of an alert left no notification row
type RoundLedger interface {
	MissingRounds(ctx context.Context, alertID uint, level int) ([]int, error)
}

// RecoverRounds hands every fired round of an active alert that has no
// notification row back to the dispatcher. This covers a process that stopped
// between committing the level and recording the round. It returns how many
// rounds were resubmitted.
func (s *EscalationScheduler) RecoverRounds(ctx context.Context, ledger RoundLedger) (int, error) {
	active, err := s.alerts.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for i := range active {
		alert := &active[i]
		if alert.EscalationLevel == 0 {
			continue
		}
		missing, err := ledger.MissingRounds(ctx, alert.ID, alert.EscalationLevel)
		if err != nil {
			return recovered, err
		}
		for _, round := range missing {
			if ctx.Err() != nil {
				return recovered, ctx.Err()
			}
			logging.ForAlert(alert.ID, alert.UUID).Warnf("Round %d fired without a notification record, resubmitting", round)
			if err := s.dispatcher.Submit(ctx, alert.ID, round); err != nil {
				logging.ForAlert(alert.ID, alert.UUID).Warnf("Dispatch of round %d reported errors: %v", round, err)
			}
			recovered++
		}
	}
	return recovered, nil
}

// Start runs the scheduler every interval until ctx is cancelled
func (s *EscalationScheduler) Start(ctx context.Context, interval time.Duration) {
	runLoop(ctx, "Escalation scheduler", interval, s.Run)
}

// runLoop calls run on every tick and logs the outcome
func runLoop(ctx context.Context, name string, interval time.Duration, run func(context.Context) (int, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Printf("%s started (interval %s)", name, interval)

	for {
		select {
		case <-ticker.C:
			n, err := run(ctx)
			if err != nil && ctx.Err() == nil {
				log.Errorf("%s error: %v", name, err)
			} else if n > 0 {
				log.Printf("%s: processed %d", name, n)
			}
		case <-ctx.Done():
			log.Printf("%s stopped", name)
			return
		}
	}
}
