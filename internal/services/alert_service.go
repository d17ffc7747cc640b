package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/rodovia/alertcore/internal/alerts"
	"github.com/rodovia/alertcore/internal/database"
	"github.com/rodovia/alertcore/internal/logging"
	"github.com/rodovia/alertcore/internal/metrics"
)

// Alert change events passed to observers and counted in metrics
const (
	AlertEventCreated      = "created"
	AlertEventUpdated      = "updated"
	AlertEventAcknowledged = "acknowledged"
	AlertEventResolved     = "resolved"
	AlertEventSuppressed   = "suppressed"
	AlertEventEscalated    = "escalated"
)

// AlertObserver is told about every committed alert change (live feed, audit)
type AlertObserver interface {
	AlertChanged(event string, alert *database.Alert)
}

// AlertFilter narrows List results
type AlertFilter struct {
	Statuses   []database.AlertStatus
	Severity   database.AlertSeverity
	SourceType string
	AlertType  string
	SortBy     string // "priority" or "created_at" (default)
	Limit      int
	Offset     int
}

// AlertService owns the Alert aggregate and its lifecycle transitions
type AlertService struct {
	db       *gorm.DB
	now      func() time.Time
	observer AlertObserver
}

// NewAlertService creates a new AlertService
func NewAlertService(db *gorm.DB) *AlertService {
	return &AlertService{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source
func (s *AlertService) SetClock(now func() time.Time) {
	s.now = now
}

// SetObserver registers the receiver of alert change events
func (s *AlertService) SetObserver(o AlertObserver) {
	s.observer = o
}

// Now returns the service's current time
func (s *AlertService) Now() time.Time {
	return s.now()
}

func (s *AlertService) publish(event string, alert *database.Alert) {
	metrics.AlertTransitions.WithLabelValues(event).Inc()
	if s.observer != nil {
		s.observer.AlertChanged(event, alert)
	}
}

// CreateOrUpdate coalesces the event into the active alert for its key, or
// creates a new alert at escalation level 0 with the rule's schedule.
func (s *AlertService) CreateOrUpdate(ctx context.Context, ev *alerts.NormalizedEvent, rule *database.AlertRule) (*database.Alert, bool, error) {
	key := database.CoalescingKey(ev.SourceType, ev.SourceID, ev.AlertType)

	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		existing, err := s.FindActiveByKey(ctx, key)
		switch {
		case err == nil:
			updated, ok, err := s.coalesce(ctx, existing, ev)
			if err != nil {
				return nil, false, err
			}
			if !ok {
				continue
			}
			return updated, false, nil
		case !errors.Is(err, ErrNotFound):
			return nil, false, err
		}

		alert := s.newAlert(ev, rule, key)
		if err := s.db.WithContext(ctx).Create(alert).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				// Another intake created the alert for this key first.
				continue
			}
			return nil, false, fmt.Errorf("failed to create alert: %w", err)
		}
		logging.ForAlert(alert.ID, alert.UUID).Infof("Alert created for %s (rule %d, %d rounds)", key, alert.RuleID, len(alert.EscalationTimes))
		s.publish(AlertEventCreated, alert)
		return alert, true, nil
	}

	return nil, false, fmt.Errorf("create or update alert %s: gave up after %d attempts", key, maxWriteAttempts)
}

func (s *AlertService) newAlert(ev *alerts.NormalizedEvent, rule *database.AlertRule, key string) *database.Alert {
	now := s.now()
	severity := ev.Severity
	if !severity.Valid() {
		severity = database.AlertSeverityMedium
	}
	title := ev.Title
	if title == "" {
		title = fmt.Sprintf("%s on %s", ev.AlertType, ev.SourceID)
	}
	return &database.Alert{
		UUID:            uuid.New().String(),
		Title:           title,
		Description:     ev.Description,
		AlertType:       ev.AlertType,
		SourceType:      ev.SourceType,
		SourceID:        ev.SourceID,
		Severity:        severity,
		Status:          database.AlertStatusActive,
		Priority:        rule.BasePriority,
		RuleID:          rule.ID,
		EscalationTimes: append(database.IntList(nil), rule.EscalationTimes...),
		Channels:        copyChannels(rule.Channels),
		Metadata:        database.JSONB(nil).Merge(ev.Metadata),
		Tags:            database.StringList(nil).Union(ev.Tags),
		Version:         1,
		ActiveKey:       &key,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func copyChannels(in database.ChannelMap) database.ChannelMap {
	out := make(database.ChannelMap, len(in))
	for round, channels := range in {
		out[round] = append([]string(nil), channels...)
	}
	return out
}

// coalesce applies a repeat event to the active alert. ok is false when the
// alert changed underneath and the caller should look it up again.
func (s *AlertService) coalesce(ctx context.Context, existing *database.Alert, ev *alerts.NormalizedEvent) (*database.Alert, bool, error) {
	now := s.now()
	updates := map[string]interface{}{
		"metadata":   existing.Metadata.Merge(ev.Metadata),
		"tags":       existing.Tags.Union(ev.Tags),
		"version":    gorm.Expr("version + 1"),
		"updated_at": now,
	}
	if ev.Severity.Valid() {
		updates["severity"] = ev.Severity
	}
	if ev.Description != "" {
		updates["description"] = ev.Description
	}
	if ev.Title != "" {
		updates["title"] = ev.Title
	}

	res := s.db.WithContext(ctx).Model(&database.Alert{}).
		Where("id = ? AND version = ? AND status = ?", existing.ID, existing.Version, database.AlertStatusActive).
		Updates(updates)
	if res.Error != nil {
		return nil, false, fmt.Errorf("failed to update alert %d: %w", existing.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, false, nil
	}

	updated, err := s.Get(ctx, existing.ID)
	if err != nil {
		return nil, false, err
	}
	s.publish(AlertEventUpdated, updated)
	return updated, true, nil
}

// transitionFunc inspects the current alert and returns the column updates for
// the transition, or changed=false for an idempotent no-op.
type transitionFunc func(alert *database.Alert, now time.Time) (updates map[string]interface{}, changed bool, err error)

// transition applies fn under an optimistic version check, retrying a bounded
// number of times when a concurrent writer bumps the version first.
func (s *AlertService) transition(ctx context.Context, id uint, event string, fn transitionFunc) (*database.Alert, error) {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		alert, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		now := s.now()
		updates, changed, err := fn(alert, now)
		if err != nil {
			return nil, err
		}
		if !changed {
			return alert, nil
		}
		updates["version"] = gorm.Expr("version + 1")
		updates["updated_at"] = now

		res := s.db.WithContext(ctx).Model(&database.Alert{}).
			Where("id = ? AND version = ?", id, alert.Version).
			Updates(updates)
		if res.Error != nil {
			return nil, fmt.Errorf("failed to %s alert %d: %w", event, id, res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}

		updated, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		s.publish(event, updated)
		return updated, nil
	}
	return nil, fmt.Errorf("%s alert %d: version kept changing after %d attempts", event, id, maxWriteAttempts)
}

// Acknowledge moves an active alert to acknowledged. Acknowledging an already
// acknowledged alert returns it unchanged.
func (s *AlertService) Acknowledge(ctx context.Context, id uint, actor string) (*database.Alert, error) {
	return s.transition(ctx, id, AlertEventAcknowledged, func(a *database.Alert, now time.Time) (map[string]interface{}, bool, error) {
		switch a.Status {
		case database.AlertStatusAcknowledged:
			return nil, false, nil
		case database.AlertStatusActive:
			log.WithField("alert_id", a.ID).Infof("Alert acknowledged by %s", actor)
			return map[string]interface{}{
				"status":          database.AlertStatusAcknowledged,
				"acknowledged_at": now,
				"acknowledged_by": actor,
				"active_key":      nil,
			}, true, nil
		default:
			return nil, false, fmt.Errorf("acknowledge alert %d (%s): %w", a.ID, a.Status, ErrInvalidTransition)
		}
	})
}

// Resolve closes an active or acknowledged alert
func (s *AlertService) Resolve(ctx context.Context, id uint, actor, notes string) (*database.Alert, error) {
	return s.transition(ctx, id, AlertEventResolved, func(a *database.Alert, now time.Time) (map[string]interface{}, bool, error) {
		if a.Status.IsTerminal() {
			return nil, false, fmt.Errorf("resolve alert %d (%s): %w", a.ID, a.Status, ErrInvalidTransition)
		}
		log.WithField("alert_id", a.ID).Infof("Alert resolved by %s", actor)
		return map[string]interface{}{
			"status":           database.AlertStatusResolved,
			"resolved_at":      now,
			"resolved_by":      actor,
			"resolution_notes": notes,
			"active_key":       nil,
		}, true, nil
	})
}

// Suppress silences an active alert for good; it will not escalate again
func (s *AlertService) Suppress(ctx context.Context, id uint, actor string) (*database.Alert, error) {
	return s.transition(ctx, id, AlertEventSuppressed, func(a *database.Alert, now time.Time) (map[string]interface{}, bool, error) {
		if a.Status != database.AlertStatusActive {
			return nil, false, fmt.Errorf("suppress alert %d (%s): %w", a.ID, a.Status, ErrInvalidTransition)
		}
		return map[string]interface{}{
			"status":        database.AlertStatusSuppressed,
			"suppressed_at": now,
			"suppressed_by": actor,
			"active_key":    nil,
		}, true, nil
	})
}

// AdvanceEscalation moves the alert from fromLevel to fromLevel+1 with a single
// conditional UPDATE. It returns ErrNotActive when the alert left the active
// state and ErrEscalationConflict when another pass advanced it first.
func (s *AlertService) AdvanceEscalation(ctx context.Context, id uint, fromLevel int) (*database.Alert, error) {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&database.Alert{}).
		Where("id = ? AND status = ? AND escalation_level = ?", id, database.AlertStatusActive, fromLevel).
		Updates(map[string]interface{}{
			"escalation_level":   gorm.Expr("escalation_level + 1"),
			"notification_count": gorm.Expr("notification_count + 1"),
			"version":            gorm.Expr("version + 1"),
			"last_escalated_at":  now,
			"updated_at":         now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to advance escalation of alert %d: %w", id, res.Error)
	}

	alert, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		if alert.Status != database.AlertStatusActive {
			return nil, ErrNotActive
		}
		return nil, ErrEscalationConflict
	}

	s.publish(AlertEventEscalated, alert)
	return alert, nil
}

// MarkExhausted flags an alert whose schedule has no further rounds. It reports
// true only the first time the flag is set.
func (s *AlertService) MarkExhausted(ctx context.Context, id uint) (bool, error) {
	res := s.db.WithContext(ctx).Model(&database.Alert{}).
		Where("id = ? AND escalation_exhausted_at IS NULL", id).
		Update("escalation_exhausted_at", s.now())
	if res.Error != nil {
		return false, fmt.Errorf("failed to flag alert %d: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Get returns an alert by ID
func (s *AlertService) Get(ctx context.Context, id uint) (*database.Alert, error) {
	var alert database.Alert
	if err := s.db.WithContext(ctx).First(&alert, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &alert, nil
}

// GetByUUID returns an alert by UUID
func (s *AlertService) GetByUUID(ctx context.Context, id string) (*database.Alert, error) {
	var alert database.Alert
	if err := s.db.WithContext(ctx).Where("uuid = ?", id).First(&alert).Error; err != nil {
		return nil, notFound(err)
	}
	return &alert, nil
}

// FindActiveByKey returns the active alert holding the coalescing key
func (s *AlertService) FindActiveByKey(ctx context.Context, key string) (*database.Alert, error) {
	var alert database.Alert
	if err := s.db.WithContext(ctx).Where("active_key = ?", key).First(&alert).Error; err != nil {
		return nil, notFound(err)
	}
	return &alert, nil
}

// FindOpenByKey returns the newest active or acknowledged alert for the key
func (s *AlertService) FindOpenByKey(ctx context.Context, sourceType, sourceID, alertType string) (*database.Alert, error) {
	var alert database.Alert
	err := s.db.WithContext(ctx).
		Where("source_type = ? AND source_id = ? AND alert_type = ? AND status IN ?",
			sourceType, sourceID, alertType,
			[]database.AlertStatus{database.AlertStatusActive, database.AlertStatusAcknowledged}).
		Order("id DESC").
		First(&alert).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &alert, nil
}

// ListActive returns every alert the scheduler still has to evaluate
func (s *AlertService) ListActive(ctx context.Context) ([]database.Alert, error) {
	var list []database.Alert
	err := s.db.WithContext(ctx).
		Where("status = ?", database.AlertStatusActive).
		Order("id ASC").
		Find(&list).Error
	return list, err
}

// List returns alerts matching the filter and the total match count
func (s *AlertService) List(ctx context.Context, f AlertFilter) ([]database.Alert, int64, error) {
	q := s.db.WithContext(ctx).Model(&database.Alert{})
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if f.Severity != "" {
		q = q.Where("severity = ?", f.Severity)
	}
	if f.SourceType != "" {
		q = q.Where("source_type = ?", f.SourceType)
	}
	if f.AlertType != "" {
		q = q.Where("alert_type = ?", f.AlertType)
	}
	q = q.Session(&gorm.Session{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var list []database.Alert
	if f.SortBy != "priority" {
		q = q.Order("created_at DESC").Order("id DESC")
		if f.Limit > 0 {
			q = q.Limit(f.Limit).Offset(f.Offset)
		}
		if err := q.Find(&list).Error; err != nil {
			return nil, 0, err
		}
		return list, total, nil
	}

	// The score depends on the current time, so priority order is computed here.
	if err := q.Order("id ASC").Find(&list).Error; err != nil {
		return nil, 0, err
	}
	now := s.now()
	sort.SliceStable(list, func(i, j int) bool {
		return Score(list[i].Severity, list[i].AgeMinutes(now), list[i].EscalationLevel) >
			Score(list[j].Severity, list[j].AgeMinutes(now), list[j].EscalationLevel)
	})
	return paginate(list, f.Offset, f.Limit), total, nil
}

// CountActive returns the number of alerts in the active state
func (s *AlertService) CountActive(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&database.Alert{}).
		Where("status = ?", database.AlertStatusActive).
		Count(&n).Error
	return n, err
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
