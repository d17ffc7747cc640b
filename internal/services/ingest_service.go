package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/rodovia/alertcore/internal/alerts"
	"github.com/rodovia/alertcore/internal/database"
	"github.com/rodovia/alertcore/internal/metrics"
	"github.com/rodovia/alertcore/internal/utils"
)

// IngestOutcome is the result of handing a payload to Ingest
type IngestOutcome string

const (
	OutcomeAccepted  IngestOutcome = "accepted"
	OutcomeDuplicate IngestOutcome = "duplicate"
	OutcomeRejected  IngestOutcome = "rejected"
)

// EnvelopeResult describes the envelope created (or found) for one event
type EnvelopeResult struct {
	EnvelopeID uint          `json:"envelope_id"`
	UUID       string        `json:"uuid"`
	DedupKey   string        `json:"dedup_key"`
	Outcome    IngestOutcome `json:"outcome"`
}

// IngestResult is what the intake endpoint reports back to the source
type IngestResult struct {
	Outcome   IngestOutcome    `json:"outcome"`
	Reason    string           `json:"reason,omitempty"`
	Envelopes []EnvelopeResult `json:"envelopes"`
}

// AlertEvaluator runs the escalation state machine for a single alert
type AlertEvaluator interface {
	EvaluateAlert(ctx context.Context, alert *database.Alert) error
}

// DeliveryTracker correlates messaging callbacks with notification logs
type DeliveryTracker interface {
	ApplyDeliveryStatus(ctx context.Context, externalID, status string, at time.Time, errMsg string) (*database.NotificationLog, error)
	LatestForRecipient(ctx context.Context, channel, recipient string) (*database.NotificationLog, error)
}

// EnvelopeQueue accepts envelope IDs for background processing
type EnvelopeQueue interface {
	Enqueue(id uint) bool
}

// Headers never persisted on an envelope
var redactedHeaders = map[string]bool{
	"Authorization":         true,
	"Cookie":                true,
	"X-Webhook-Secret":      true,
	"X-Alertmanager-Secret": true,
	"X-Zabbix-Secret":       true,
}

// IngestService turns inbound payloads into deduplicated envelopes and applies them
type IngestService struct {
	db          *gorm.DB
	adapters    map[string]alerts.EventAdapter
	alerts      *AlertService
	devices     *DeviceAlertService
	rules       *RuleService
	evaluator   AlertEvaluator
	deliveries  DeliveryTracker
	queue       EnvelopeQueue
	ackKeywords []string
	now         func() time.Time
}

// NewIngestService creates a new IngestService
func NewIngestService(db *gorm.DB, alertSvc *AlertService, deviceSvc *DeviceAlertService, ruleSvc *RuleService) *IngestService {
	return &IngestService{
		db:          db,
		adapters:    make(map[string]alerts.EventAdapter),
		alerts:      alertSvc,
		devices:     deviceSvc,
		rules:       ruleSvc,
		ackKeywords: []string{"ack", "ok"},
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// RegisterAdapter makes a source available under its source type name
func (s *IngestService) RegisterAdapter(adapter alerts.EventAdapter) {
	s.adapters[adapter.GetSourceType()] = adapter
}

// Adapter returns the adapter registered for source
func (s *IngestService) Adapter(source string) (alerts.EventAdapter, bool) {
	a, ok := s.adapters[source]
	return a, ok
}

// SetEvaluator sets who evaluates newly created alerts
func (s *IngestService) SetEvaluator(e AlertEvaluator) { s.evaluator = e }

// SetDeliveryTracker sets who applies delivery callbacks
func (s *IngestService) SetDeliveryTracker(d DeliveryTracker) { s.deliveries = d }

// SetQueue sets the background queue; without one envelopes are processed inline
func (s *IngestService) SetQueue(q EnvelopeQueue) { s.queue = q }

// SetAckKeywords sets the reply texts that acknowledge an alert
func (s *IngestService) SetAckKeywords(keywords []string) { s.ackKeywords = keywords }

// SetClock replaces the time source
func (s *IngestService) SetClock(now func() time.Time) { s.now = now }

// Ingest authenticates, parses and deduplicates a payload. Accepted envelopes
// are handed to the queue; the caller gets an answer without waiting for them.
func (s *IngestService) Ingest(ctx context.Context, source string, raw []byte, headers http.Header) (*IngestResult, error) {
	adapter, ok := s.adapters[source]
	if !ok {
		return nil, fmt.Errorf("unknown source %q: %w", source, ErrNotFound)
	}
	if err := adapter.ValidateWebhookSecret(headers, raw); err != nil {
		return nil, err
	}

	events, err := adapter.ParsePayload(raw)
	if err != nil {
		env, saveErr := s.saveRejected(ctx, source, raw, headers, err)
		if saveErr != nil {
			return nil, saveErr
		}
		log.WithFields(log.Fields{
			"envelope_id": env.ID,
			"payload":     utils.EscapeForLogging(string(raw), 200),
		}).Warnf("Rejected %s payload: %v", source, err)
		metrics.IngestEvents.WithLabelValues(source, string(OutcomeRejected)).Inc()
		return &IngestResult{
			Outcome: OutcomeRejected,
			Reason:  fmt.Sprintf("%v: %v", ErrMalformedPayload, err),
			Envelopes: []EnvelopeResult{{
				EnvelopeID: env.ID,
				UUID:       env.UUID,
				DedupKey:   env.DedupKey,
				Outcome:    OutcomeRejected,
			}},
		}, nil
	}

	headerID := firstHeader(headers, "Idempotency-Key", "X-Event-ID")
	result := &IngestResult{Outcome: OutcomeDuplicate, Envelopes: make([]EnvelopeResult, 0, len(events))}
	var accepted []uint

	for i := range events {
		ev := &events[i]
		if headerID != "" {
			ev.ExternalID = headerID
			if len(events) > 1 {
				ev.ExternalID = fmt.Sprintf("%s#%d", headerID, i)
			}
		}

		res, err := s.claimEnvelope(ctx, source, raw, headers, ev)
		if err != nil {
			return nil, err
		}
		metrics.IngestEvents.WithLabelValues(source, string(res.Outcome)).Inc()
		result.Envelopes = append(result.Envelopes, res)
		if res.Outcome == OutcomeAccepted {
			accepted = append(accepted, res.EnvelopeID)
		}
	}

	if len(accepted) > 0 || len(events) == 0 {
		result.Outcome = OutcomeAccepted
	}
	if len(events) == 0 {
		result.Reason = "payload carried no events"
	}

	for _, id := range accepted {
		s.handOff(ctx, id)
	}
	return result, nil
}

// claimEnvelope creates the envelope for an event unless a live one already
// holds its dedup key.
func (s *IngestService) claimEnvelope(ctx context.Context, source string, raw []byte, headers http.Header, ev *alerts.NormalizedEvent) (EnvelopeResult, error) {
	key := ev.DedupKey(source)
	live := database.EnvelopeLiveKey(source, key)

	if existing, err := s.findLive(ctx, live); err == nil {
		return duplicateResult(existing), nil
	} else if !errors.Is(err, ErrNotFound) {
		return EnvelopeResult{}, err
	}

	normalized, err := ev.ToJSONB()
	if err != nil {
		return EnvelopeResult{}, fmt.Errorf("failed to encode event: %w", err)
	}

	now := s.now()
	env := &database.WebhookLog{
		UUID:       uuid.New().String(),
		Source:     source,
		DedupKey:   key,
		ExternalID: ev.ExternalID,
		LiveKey:    &live,
		RawPayload: string(raw),
		Headers:    headersJSONB(headers),
		Normalized: normalized,
		Status:     database.EnvelopeStatusReceived,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.db.WithContext(ctx).Create(env).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			existing, findErr := s.findLive(ctx, live)
			if findErr != nil {
				return EnvelopeResult{}, findErr
			}
			return duplicateResult(existing), nil
		}
		return EnvelopeResult{}, fmt.Errorf("failed to store envelope: %w", err)
	}

	return EnvelopeResult{EnvelopeID: env.ID, UUID: env.UUID, DedupKey: key, Outcome: OutcomeAccepted}, nil
}

func duplicateResult(env *database.WebhookLog) EnvelopeResult {
	return EnvelopeResult{EnvelopeID: env.ID, UUID: env.UUID, DedupKey: env.DedupKey, Outcome: OutcomeDuplicate}
}

func (s *IngestService) findLive(ctx context.Context, live string) (*database.WebhookLog, error) {
	var env database.WebhookLog
	if err := s.db.WithContext(ctx).Where("live_key = ?", live).First(&env).Error; err != nil {
		return nil, notFound(err)
	}
	return &env, nil
}

// saveRejected keeps an unparseable payload verbatim for inspection
func (s *IngestService) saveRejected(ctx context.Context, source string, raw []byte, headers http.Header, cause error) (*database.WebhookLog, error) {
	now := s.now()
	id := uuid.New().String()
	env := &database.WebhookLog{
		UUID:         id,
		Source:       source,
		DedupKey:     "rejected:" + id,
		RawPayload:   string(raw),
		Headers:      headersJSONB(headers),
		Status:       database.EnvelopeStatusFailed,
		ErrorMessage: cause.Error(),
		ProcessedAt:  &now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.db.WithContext(ctx).Create(env).Error; err != nil {
		return nil, fmt.Errorf("failed to store rejected payload: %w", err)
	}
	return env, nil
}

// handOff queues the envelope, or processes it inline when there is no queue
// or the queue is full.
func (s *IngestService) handOff(ctx context.Context, id uint) {
	if err := s.db.WithContext(ctx).Model(&database.WebhookLog{}).
		Where("id = ? AND status = ?", id, database.EnvelopeStatusReceived).
		Updates(map[string]interface{}{"status": database.EnvelopeStatusQueued, "updated_at": s.now()}).Error; err != nil {
		log.WithField("envelope_id", id).Errorf("Failed to queue envelope: %v", err)
		return
	}
	if s.queue != nil && s.queue.Enqueue(id) {
		return
	}
	if s.queue != nil {
		log.WithField("envelope_id", id).Warn("Ingest queue full, processing inline")
	}
	if err := s.ProcessEnvelope(ctx, id); err != nil {
		log.WithField("envelope_id", id).Warnf("Envelope processing failed: %v", err)
	}
}

// envelopeLinks are the records an envelope produced or touched
type envelopeLinks struct {
	alertID           *uint
	deviceAlertID     *uint
	notificationLogID *uint
}

// ProcessEnvelope applies a queued envelope. Only one caller wins the claim;
// everyone else returns nil.
func (s *IngestService) ProcessEnvelope(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Model(&database.WebhookLog{}).
		Where("id = ? AND status IN ?", id, []database.EnvelopeStatus{database.EnvelopeStatusReceived, database.EnvelopeStatusQueued}).
		Updates(map[string]interface{}{
			"status":     database.EnvelopeStatusProcessing,
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": s.now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to claim envelope %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil
	}

	env, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	links, applyErr := s.apply(ctx, env)
	if applyErr != nil {
		s.finish(ctx, env, database.EnvelopeStatusFailed, links, applyErr.Error())
		return fmt.Errorf("envelope %d: %w", id, applyErr)
	}
	s.finish(ctx, env, database.EnvelopeStatusCompleted, links, "")
	return nil
}

func (s *IngestService) finish(ctx context.Context, env *database.WebhookLog, status database.EnvelopeStatus, links envelopeLinks, errMsg string) {
	now := s.now()
	updates := map[string]interface{}{
		"status":        status,
		"error_message": errMsg,
		"processed_at":  now,
		"updated_at":    now,
	}
	if status == database.EnvelopeStatusFailed {
		// Release the dedup key so a re-delivery or replay can claim it.
		updates["live_key"] = nil
	}
	if links.alertID != nil {
		updates["alert_id"] = *links.alertID
	}
	if links.deviceAlertID != nil {
		updates["device_alert_id"] = *links.deviceAlertID
	}
	if links.notificationLogID != nil {
		updates["notification_log_id"] = *links.notificationLogID
	}

	if err := s.db.WithContext(ctx).Model(&database.WebhookLog{}).Where("id = ?", env.ID).Updates(updates).Error; err != nil {
		log.WithField("envelope_id", env.ID).Errorf("Failed to record envelope outcome: %v", err)
	}
	metrics.EnvelopesProcessed.WithLabelValues(env.Source, string(status)).Inc()
}

func (s *IngestService) apply(ctx context.Context, env *database.WebhookLog) (envelopeLinks, error) {
	ev, err := alerts.EventFromJSONB(env.Normalized)
	if err != nil {
		return envelopeLinks{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	switch ev.Kind {
	case alerts.EventKindAlert:
		return s.applyAlert(ctx, env.Source, ev)
	case alerts.EventKindDeliveryStatus:
		return s.applyDelivery(ctx, ev)
	case alerts.EventKindInboundMessage:
		return s.applyReply(ctx, ev)
	default:
		return envelopeLinks{}, fmt.Errorf("%w: unknown event kind %q", ErrMalformedPayload, ev.Kind)
	}
}

func (s *IngestService) applyAlert(ctx context.Context, source string, ev *alerts.NormalizedEvent) (envelopeLinks, error) {
	var links envelopeLinks
	actor := "system:" + source

	if ev.Resolved {
		alert, err := s.alerts.FindOpenByKey(ctx, ev.SourceType, ev.SourceID, ev.AlertType)
		switch {
		case err == nil:
			links.alertID = &alert.ID
			if _, err := s.alerts.Resolve(ctx, alert.ID, actor, "cleared by source"); err != nil && !errors.Is(err, ErrInvalidTransition) {
				return links, err
			}
		case !errors.Is(err, ErrNotFound):
			return links, err
		default:
			log.Debugf("Recovery for %s with no open alert", database.CoalescingKey(ev.SourceType, ev.SourceID, ev.AlertType))
		}

		if ev.Device != nil {
			record, err := s.devices.CloseByDevice(ctx, ev.Device.ID, actor, "device recovered")
			switch {
			case err == nil:
				links.deviceAlertID = &record.ID
			case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidTransition):
			default:
				return links, err
			}
		}
		return links, nil
	}

	rule, err := s.rules.Match(ctx, ev.SourceType, ev.AlertType, ev.Metadata)
	if err != nil {
		return links, err
	}
	alert, created, err := s.alerts.CreateOrUpdate(ctx, ev, rule)
	if err != nil {
		return links, err
	}
	links.alertID = &alert.ID

	if ev.Device != nil {
		record, err := s.devices.Open(ctx, *ev.Device, alert.ID, alert.Severity, ev.Metadata)
		if err != nil {
			return links, err
		}
		links.deviceAlertID = &record.ID
	}

	if created && s.evaluator != nil {
		// Round 0 should not wait for the next sweep. Notification trouble never
		// fails the envelope; the sweep will pick the alert up again.
		if err := s.evaluator.EvaluateAlert(ctx, alert); err != nil {
			log.WithField("alert_id", alert.ID).Warnf("Immediate evaluation failed: %v", err)
		}
	}
	return links, nil
}

func (s *IngestService) applyDelivery(ctx context.Context, ev *alerts.NormalizedEvent) (envelopeLinks, error) {
	var links envelopeLinks
	if ev.Delivery == nil {
		return links, fmt.Errorf("%w: delivery event without status", ErrMalformedPayload)
	}
	if s.deliveries == nil {
		return links, errors.New("no delivery tracker configured")
	}

	entry, err := s.deliveries.ApplyDeliveryStatus(ctx, ev.Delivery.MessageID, ev.Delivery.Status, ev.Delivery.At, ev.Delivery.Error)
	switch {
	case err == nil:
		links.notificationLogID = &entry.ID
		links.alertID = &entry.AlertID
	case errors.Is(err, ErrNotFound):
		log.Warnf("Delivery status %s for unknown message %s", ev.Delivery.Status, ev.Delivery.MessageID)
	default:
		return links, err
	}
	return links, nil
}

func (s *IngestService) applyReply(ctx context.Context, ev *alerts.NormalizedEvent) (envelopeLinks, error) {
	var links envelopeLinks
	if ev.Reply == nil {
		return links, fmt.Errorf("%w: inbound message without reply", ErrMalformedPayload)
	}
	if s.deliveries == nil {
		return links, errors.New("no delivery tracker configured")
	}
	reply := ev.Reply

	var entry *database.NotificationLog
	var err error
	if reply.ContextID != "" {
		// A reply quoting our message proves it was read.
		entry, err = s.deliveries.ApplyDeliveryStatus(ctx, reply.ContextID, string(database.NotificationStatusRead), reply.At, "")
		if err != nil && !errors.Is(err, ErrNotFound) {
			return links, err
		}
	}
	if entry == nil {
		entry, err = s.deliveries.LatestForRecipient(ctx, "whatsapp", reply.From)
		if errors.Is(err, ErrNotFound) {
			log.Infof("Reply from %s does not match any notification", reply.From)
			return links, nil
		}
		if err != nil {
			return links, err
		}
	}
	links.notificationLogID = &entry.ID
	links.alertID = &entry.AlertID

	if !s.isAckKeyword(reply.Text) {
		return links, nil
	}
	if _, err := s.alerts.Acknowledge(ctx, entry.AlertID, "whatsapp:"+reply.From); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			log.WithField("alert_id", entry.AlertID).Infof("Ignoring acknowledgement reply from %s: %v", reply.From, err)
			return links, nil
		}
		return links, err
	}
	return links, nil
}

func (s *IngestService) isAckKeyword(text string) bool {
	text = strings.ToLower(strings.TrimSpace(text))
	for _, kw := range s.ackKeywords {
		if text == kw {
			return true
		}
	}
	return false
}

// Replay re-runs a failed envelope. Envelopes rejected before normalization
// cannot be replayed; the source has to send them again.
func (s *IngestService) Replay(ctx context.Context, id uint) (*database.WebhookLog, error) {
	env, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if env.Status != database.EnvelopeStatusFailed {
		return nil, fmt.Errorf("replay envelope %d (%s): %w", id, env.Status, ErrInvalidTransition)
	}
	if len(env.Normalized) == 0 {
		return nil, fmt.Errorf("replay envelope %d: %w", id, ErrMalformedPayload)
	}

	live := database.EnvelopeLiveKey(env.Source, env.DedupKey)
	res := s.db.WithContext(ctx).Model(&database.WebhookLog{}).
		Where("id = ? AND status = ?", id, database.EnvelopeStatusFailed).
		Updates(map[string]interface{}{
			"status":        database.EnvelopeStatusReceived,
			"live_key":      live,
			"error_message": "",
			"updated_at":    s.now(),
		})
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("replay envelope %d: %w", id, ErrDuplicateEvent)
		}
		return nil, fmt.Errorf("failed to replay envelope %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("replay envelope %d: %w", id, ErrInvalidTransition)
	}

	log.WithField("envelope_id", id).Info("Replaying envelope")
	s.handOff(ctx, id)
	return s.Get(ctx, id)
}

// RecoverPending re-queues envelopes left unfinished by a previous process
func (s *IngestService) RecoverPending(ctx context.Context) (int, error) {
	var pending []database.WebhookLog
	err := s.db.WithContext(ctx).
		Where("status IN ?", []database.EnvelopeStatus{
			database.EnvelopeStatusReceived,
			database.EnvelopeStatusQueued,
			database.EnvelopeStatusProcessing,
		}).
		Order("id ASC").
		Find(&pending).Error
	if err != nil {
		return 0, err
	}

	for _, env := range pending {
		if env.Status == database.EnvelopeStatusProcessing {
			if err := s.db.WithContext(ctx).Model(&database.WebhookLog{}).
				Where("id = ? AND status = ?", env.ID, database.EnvelopeStatusProcessing).
				Update("status", database.EnvelopeStatusReceived).Error; err != nil {
				return 0, err
			}
		} else if env.Status == database.EnvelopeStatusQueued {
			if err := s.db.WithContext(ctx).Model(&database.WebhookLog{}).
				Where("id = ?", env.ID).
				Update("status", database.EnvelopeStatusReceived).Error; err != nil {
				return 0, err
			}
		}
		s.handOff(ctx, env.ID)
	}
	if len(pending) > 0 {
		log.Printf("Recovered %d unfinished envelopes", len(pending))
	}
	return len(pending), nil
}

// Get returns an envelope by ID
func (s *IngestService) Get(ctx context.Context, id uint) (*database.WebhookLog, error) {
	var env database.WebhookLog
	if err := s.db.WithContext(ctx).First(&env, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &env, nil
}

// ListFailed returns failed envelopes, newest first
func (s *IngestService) ListFailed(ctx context.Context, limit, offset int) ([]database.WebhookLog, int64, error) {
	q := s.db.WithContext(ctx).Model(&database.WebhookLog{}).
		Where("status = ?", database.EnvelopeStatusFailed).
		Session(&gorm.Session{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var list []database.WebhookLog
	q = q.Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit).Offset(offset)
	}
	if err := q.Find(&list).Error; err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

func firstHeader(headers http.Header, names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(headers.Get(name)); v != "" {
			return v
		}
	}
	return ""
}

func headersJSONB(headers http.Header) database.JSONB {
	out := make(database.JSONB, len(headers))
	for name, values := range headers {
		canonical := http.CanonicalHeaderKey(name)
		if redactedHeaders[canonical] || len(values) == 0 {
			continue
		}
		out[canonical] = strings.Join(values, ", ")
	}
	return out
}
