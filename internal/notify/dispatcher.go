package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/rodovia/alertcore/internal/database"
	"github.com/rodovia/alertcore/internal/logging"
	"github.com/rodovia/alertcore/internal/metrics"
	"github.com/rodovia/alertcore/internal/services"
)

// settleTimeout bounds the write of a send outcome
const settleTimeout = 5 * time.Second

// Options tunes the dispatcher
type Options struct {
	SendTimeout    time.Duration // per adapter call
	Concurrency    int           // parallel sends per round
	RetryBaseDelay time.Duration // first retry delay, doubled per retry
}

// DefaultOptions returns the dispatcher defaults
func DefaultOptions() Options {
	return Options{
		SendTimeout:    10 * time.Second,
		Concurrency:    8,
		RetryBaseDelay: 30 * time.Second,
	}
}

// Dispatcher sends escalation rounds and records every attempt. The unique
// (alert, round, channel, recipient) key on the log makes a round safe to
// dispatch more than once.
type Dispatcher struct {
	db        *gorm.DB
	alerts    *services.AlertService
	channels  *Registry
	directory Directory
	renderer  *Renderer
	opts      Options
	now       func() time.Time
}

// NewDispatcher creates a new Dispatcher
func NewDispatcher(db *gorm.DB, alertSvc *services.AlertService, channels *Registry, directory Directory, renderer *Renderer, opts Options) *Dispatcher {
	def := DefaultOptions()
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = def.SendTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = def.Concurrency
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = def.RetryBaseDelay
	}
	return &Dispatcher{
		db:        db,
		alerts:    alertSvc,
		channels:  channels,
		directory: directory,
		renderer:  renderer,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// target is one (channel, recipient) pair of a round
type target struct {
	channel   string
	recipient string
}

// Submit dispatches the round and waits for it. It satisfies the scheduler's
// hand-off contract when no queue is in front of the dispatcher.
func (d *Dispatcher) Submit(ctx context.Context, alertID uint, round int) error {
	_, err := d.Dispatch(ctx, alertID, round)
	return err
}

// roundPlan is the rendered message of one round and every pair it goes to
type roundPlan struct {
	alert   *database.Alert
	targets []target
	body    string
	meta    map[string]string
}

// plan resolves the channels and recipients of a round. A nil plan means the
// round lists no channels.
func (d *Dispatcher) plan(ctx context.Context, alertID uint, round int) (*roundPlan, error) {
	alert, err := d.alerts.Get(ctx, alertID)
	if err != nil {
		return nil, err
	}
	logger := logging.ForAlert(alert.ID, alert.UUID).WithField("round", round)

	channels := alert.Channels.ForRound(round)
	if len(channels) == 0 {
		logger.Warn("No channels for escalation round")
		return nil, nil
	}

	subject, body, err := d.renderer.Render(alert, round, d.now())
	if err != nil {
		return nil, err
	}
	p := &roundPlan{
		alert: alert,
		body:  body,
		meta: map[string]string{
			MetaAlertID:   strconv.FormatUint(uint64(alert.ID), 10),
			MetaAlertUUID: alert.UUID,
			MetaRound:     strconv.Itoa(round),
			MetaSeverity:  string(alert.Severity),
			MetaSubject:   subject,
		},
	}

	for _, ch := range channels {
		recipients, err := d.directory.Recipients(ctx, ch, round)
		if err != nil {
			logger.WithField("channel", ch).Errorf("Failed to resolve recipients: %v", err)
			continue
		}
		if len(recipients) == 0 {
			logger.WithField("channel", ch).Warn("Channel has no recipients")
			continue
		}
		for _, r := range recipients {
			p.targets = append(p.targets, target{channel: ch, recipient: r})
		}
	}
	return p, nil
}

// Prepare records every pair of the round as pending without sending and
// returns how many rows it created. Dispatch sends pending rows; rows nobody
// sends are found again by StalePendingRounds.
func (d *Dispatcher) Prepare(ctx context.Context, alertID uint, round int) (int, error) {
	p, err := d.plan(ctx, alertID, round)
	if err != nil || p == nil {
		return 0, err
	}
	created := 0
	for _, t := range p.targets {
		_, isNew, err := d.record(ctx, alertID, round, t, p.body)
		if err != nil {
			return created, err
		}
		if isNew {
			created++
		}
	}
	return created, nil
}

// Dispatch sends round of the alert to every recipient of every channel the
// alert's schedule lists for that round. Pairs that already have a log entry
// are skipped, except a pending entry recorded by Prepare or left behind by
// an interrupted dispatch.
func (d *Dispatcher) Dispatch(ctx context.Context, alertID uint, round int) ([]database.NotificationLog, error) {
	p, err := d.plan(ctx, alertID, round)
	if err != nil || p == nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		entries []database.NotificationLog
		errs    []error
	)
	var g errgroup.Group
	g.SetLimit(d.opts.Concurrency)
	for _, t := range p.targets {
		t := t
		g.Go(func() error {
			entry, err := d.deliver(ctx, alertID, round, t, p.body, p.meta)
			mu.Lock()
			defer mu.Unlock()
			if entry != nil {
				entries = append(entries, *entry)
			}
			if err != nil {
				errs = append(errs, err)
			}
			return nil
		})
	}
	g.Wait()

	logging.ForAlert(p.alert.ID, p.alert.UUID).WithField("round", round).
		Infof("Round dispatched to %d targets (%d entries)", len(p.targets), len(entries))
	return entries, errors.Join(errs...)
}

// record inserts the pending row of a pair, or returns the row already there
func (d *Dispatcher) record(ctx context.Context, alertID uint, round int, t target, body string) (*database.NotificationLog, bool, error) {
	now := d.now()
	entry := &database.NotificationLog{
		AlertID:         alertID,
		EscalationLevel: round,
		Channel:         t.channel,
		Recipient:       t.recipient,
		Message:         body,
		Status:          database.NotificationStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := d.db.WithContext(ctx).Create(entry).Error; err != nil {
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, false, fmt.Errorf("failed to record notification: %w", err)
		}
		existing, err := d.findByKey(ctx, alertID, round, t)
		return existing, false, err
	}
	return entry, true, nil
}

// deliver owns one (channel, recipient) pair of a round. Send failures are
// recorded on the entry, not returned; the error is for storage trouble.
func (d *Dispatcher) deliver(ctx context.Context, alertID uint, round int, t target, body string, meta map[string]string) (*database.NotificationLog, error) {
	entry, _, err := d.record(ctx, alertID, round, t, body)
	if err != nil {
		return nil, err
	}
	if entry.Status != database.NotificationStatusPending {
		return entry, nil
	}

	res := d.db.WithContext(ctx).Model(&database.NotificationLog{}).
		Where("id = ? AND status = ?", entry.ID, database.NotificationStatusPending).
		Updates(map[string]interface{}{"status": database.NotificationStatusSending, "updated_at": d.now()})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to claim notification %d: %w", entry.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		// Another dispatcher owns this pair.
		return d.Get(ctx, entry.ID)
	}
	entry.Status = database.NotificationStatusSending

	return d.send(ctx, entry, meta)
}

// send calls the channel for an entry already claimed as sending, then records the outcome
func (d *Dispatcher) send(ctx context.Context, entry *database.NotificationLog, meta map[string]string) (*database.NotificationLog, error) {
	var externalID string
	var sendErr error

	ch, ok := d.channels.Get(entry.Channel)
	if !ok {
		sendErr = MarkPermanent(fmt.Errorf("channel %q is not configured", entry.Channel))
	} else {
		sendCtx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
		start := time.Now()
		externalID, sendErr = ch.Send(sendCtx, entry.Recipient, entry.Message, meta)
		metrics.NotificationSendDuration.WithLabelValues(entry.Channel).Observe(time.Since(start).Seconds())
		cancel()
	}

	return d.settle(ctx, entry, externalID, sendErr)
}

// settle records the outcome of a send. It runs detached from ctx: once the
// channel was called, the outcome is written even if ctx is cancelled.
func (d *Dispatcher) settle(ctx context.Context, entry *database.NotificationLog, externalID string, sendErr error) (*database.NotificationLog, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	now := d.now()
	logger := log.WithFields(log.Fields{
		"alert_id":  entry.AlertID,
		"channel":   entry.Channel,
		"recipient": entry.Recipient,
	})

	var updates map[string]interface{}
	if sendErr == nil {
		updates = map[string]interface{}{
			"status":        database.NotificationStatusSent,
			"external_id":   externalID,
			"sent_at":       now,
			"error_kind":    database.NotificationErrorNone,
			"error_message": "",
			"next_retry_at": nil,
			"updated_at":    now,
		}
	} else {
		kind := database.NotificationErrorTransient
		var nextRetry interface{}
		if IsPermanent(sendErr) {
			kind = database.NotificationErrorPermanent
		} else {
			nextRetry = now.Add(Backoff(d.opts.RetryBaseDelay, entry.RetryCount))
		}
		updates = map[string]interface{}{
			"status":        database.NotificationStatusFailed,
			"error_kind":    kind,
			"error_message": sendErr.Error(),
			"next_retry_at": nextRetry,
			"updated_at":    now,
		}
		logger.Warnf("Notification failed (%s): %v", kind, sendErr)
	}

	err := d.db.WithContext(ctx).Model(&database.NotificationLog{}).
		Where("id = ? AND status = ?", entry.ID, database.NotificationStatusSending).
		Updates(updates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to record outcome of notification %d: %w", entry.ID, err)
	}

	settled, err := d.Get(ctx, entry.ID)
	if err != nil {
		return nil, err
	}
	metrics.Notifications.WithLabelValues(entry.Channel, string(settled.Status)).Inc()
	return settled, nil
}

// Backoff returns base * 2^retryCount
func Backoff(base time.Duration, retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 16 {
		retryCount = 16
	}
	return base * time.Duration(1<<uint(retryCount))
}

// DueForRetry returns transient failures whose retry time has come and that
// have retries left
func (d *Dispatcher) DueForRetry(ctx context.Context, maxAttempts, limit int) ([]database.NotificationLog, error) {
	var list []database.NotificationLog
	q := d.db.WithContext(ctx).
		Where("status = ? AND error_kind = ? AND retry_count < ? AND next_retry_at <= ?",
			database.NotificationStatusFailed, database.NotificationErrorTransient, maxAttempts, d.now()).
		Order("next_retry_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&list).Error
	return list, err
}

// Retry re-sends a transient failure. Losing the claim to another sweep
// returns ErrInvalidTransition.
func (d *Dispatcher) Retry(ctx context.Context, id uint) (*database.NotificationLog, error) {
	res := d.db.WithContext(ctx).Model(&database.NotificationLog{}).
		Where("id = ? AND status = ? AND error_kind = ?", id, database.NotificationStatusFailed, database.NotificationErrorTransient).
		Updates(map[string]interface{}{
			"status":      database.NotificationStatusSending,
			"retry_count": gorm.Expr("retry_count + 1"),
			"updated_at":  d.now(),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to claim notification %d for retry: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("retry notification %d: %w", id, services.ErrInvalidTransition)
	}

	entry, err := d.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	alert, err := d.alerts.Get(ctx, entry.AlertID)
	if err != nil {
		return nil, err
	}
	subject, _, err := d.renderer.Render(alert, entry.EscalationLevel, d.now())
	if err != nil {
		subject = alert.Title
	}
	meta := map[string]string{
		MetaAlertID:   strconv.FormatUint(uint64(alert.ID), 10),
		MetaAlertUUID: alert.UUID,
		MetaRound:     strconv.Itoa(entry.EscalationLevel),
		MetaSeverity:  string(alert.Severity),
		MetaSubject:   subject,
	}
	return d.send(ctx, entry, meta)
}

// Abandon stops retrying a transient failure
func (d *Dispatcher) Abandon(ctx context.Context, id uint) error {
	return d.db.WithContext(ctx).Model(&database.NotificationLog{}).
		Where("id = ? AND status = ? AND error_kind = ?", id, database.NotificationStatusFailed, database.NotificationErrorTransient).
		Updates(map[string]interface{}{
			"error_kind":    database.NotificationErrorAbandoned,
			"next_retry_at": nil,
			"updated_at":    d.now(),
		}).Error
}

// StaleAfter is how long a row may sit pending or sending before recovery
// treats it as orphaned
func (d *Dispatcher) StaleAfter() time.Duration {
	return 2 * d.opts.SendTimeout
}

// ReleaseStuck turns sending rows untouched for olderThan into transient
// failures due now, so the retry sweep sends them again. A row stays sending
// only when the process stopped between the send and writing its outcome.
func (d *Dispatcher) ReleaseStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := d.now()
	res := d.db.WithContext(ctx).Model(&database.NotificationLog{}).
		Where("status = ? AND updated_at < ?", database.NotificationStatusSending, now.Add(-olderThan)).
		Updates(map[string]interface{}{
			"status":        database.NotificationStatusFailed,
			"error_kind":    database.NotificationErrorTransient,
			"error_message": "interrupted before the outcome was recorded",
			"next_retry_at": now,
			"updated_at":    now,
		})
	return res.RowsAffected, res.Error
}

// StalePendingRounds returns the rounds holding pending rows untouched for
// olderThan. Prepare recorded them but no dispatch picked them up, typically
// because the process stopped with the round still queued.
func (d *Dispatcher) StalePendingRounds(ctx context.Context, olderThan time.Duration, limit int) ([]RoundRequest, error) {
	var rounds []RoundRequest
	q := d.db.WithContext(ctx).Model(&database.NotificationLog{}).
		Select("alert_id, escalation_level AS round").
		Where("status = ? AND updated_at < ?", database.NotificationStatusPending, d.now().Add(-olderThan)).
		Group("alert_id, escalation_level").
		Order("alert_id ASC").Order("escalation_level ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Scan(&rounds).Error
	return rounds, err
}

// AbandonPending closes the pending rows of a round whose alert no longer
// needs them
func (d *Dispatcher) AbandonPending(ctx context.Context, alertID uint, round int) error {
	return d.db.WithContext(ctx).Model(&database.NotificationLog{}).
		Where("alert_id = ? AND escalation_level = ? AND status = ?", alertID, round, database.NotificationStatusPending).
		Updates(map[string]interface{}{
			"status":        database.NotificationStatusFailed,
			"error_kind":    database.NotificationErrorAbandoned,
			"error_message": "alert closed before the round was sent",
			"next_retry_at": nil,
			"updated_at":    d.now(),
		}).Error
}

// MissingRounds returns the rounds below level that left no log row at all
func (d *Dispatcher) MissingRounds(ctx context.Context, alertID uint, level int) ([]int, error) {
	var have []int
	err := d.db.WithContext(ctx).Model(&database.NotificationLog{}).
		Where("alert_id = ? AND escalation_level < ?", alertID, level).
		Distinct("escalation_level").
		Pluck("escalation_level", &have).Error
	if err != nil {
		return nil, err
	}
	seen := make(map[int]bool, len(have))
	for _, r := range have {
		seen[r] = true
	}
	var missing []int
	for r := 0; r < level; r++ {
		if !seen[r] {
			missing = append(missing, r)
		}
	}
	return missing, nil
}

// deliveryStatuses maps provider callback statuses onto log statuses
var deliveryStatuses = map[string]database.NotificationStatus{
	"sent":        database.NotificationStatusSent,
	"delivered":   database.NotificationStatusDelivered,
	"read":        database.NotificationStatusRead,
	"failed":      database.NotificationStatusFailed,
	"undelivered": database.NotificationStatusFailed,
}

// ApplyDeliveryStatus moves the entry holding externalID forward along
// sent -> delivered -> read. Stale or repeated callbacks change nothing. A
// failure reported after the message was sent only records the error.
func (d *Dispatcher) ApplyDeliveryStatus(ctx context.Context, externalID, status string, at time.Time, errMsg string) (*database.NotificationLog, error) {
	target, known := deliveryStatuses[status]
	if at.IsZero() {
		at = d.now()
	}

	for attempt := 0; attempt < 5; attempt++ {
		entry, err := d.findByExternalID(ctx, externalID)
		if err != nil {
			return nil, err
		}
		if !known {
			log.WithField("notification_id", entry.ID).Warnf("Ignoring unknown delivery status %q", status)
			metrics.DeliveryCallbacks.WithLabelValues(status, "false").Inc()
			return entry, nil
		}

		updates := map[string]interface{}{"updated_at": d.now()}
		switch {
		case target == database.NotificationStatusFailed:
			if errMsg == "" {
				errMsg = "provider reported delivery failure"
			}
			updates["error_message"] = errMsg
		case target.Rank() > entry.Status.Rank():
			updates["status"] = target
			if target.Rank() >= database.NotificationStatusDelivered.Rank() && entry.DeliveredAt == nil {
				updates["delivered_at"] = at
			}
			if target == database.NotificationStatusRead {
				updates["read_at"] = at
			}
		default:
			metrics.DeliveryCallbacks.WithLabelValues(status, "false").Inc()
			return entry, nil
		}

		res := d.db.WithContext(ctx).Model(&database.NotificationLog{}).
			Where("id = ? AND status = ?", entry.ID, entry.Status).
			Updates(updates)
		if res.Error != nil {
			return nil, fmt.Errorf("failed to apply delivery status to notification %d: %w", entry.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}
		metrics.DeliveryCallbacks.WithLabelValues(status, "true").Inc()
		return d.Get(ctx, entry.ID)
	}
	return nil, fmt.Errorf("apply delivery status for %s: notification kept changing", externalID)
}

// LatestForRecipient returns the newest message that reached recipient on channel
func (d *Dispatcher) LatestForRecipient(ctx context.Context, channel, recipient string) (*database.NotificationLog, error) {
	var entry database.NotificationLog
	err := d.db.WithContext(ctx).
		Where("channel = ? AND recipient = ? AND status IN ?", channel, recipient, []database.NotificationStatus{
			database.NotificationStatusSent,
			database.NotificationStatusDelivered,
			database.NotificationStatusRead,
		}).
		Order("id DESC").
		First(&entry).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &entry, nil
}

// Get returns a log entry by ID
func (d *Dispatcher) Get(ctx context.Context, id uint) (*database.NotificationLog, error) {
	var entry database.NotificationLog
	if err := d.db.WithContext(ctx).First(&entry, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &entry, nil
}

// ListForAlert returns every log entry of an alert in round order
func (d *Dispatcher) ListForAlert(ctx context.Context, alertID uint) ([]database.NotificationLog, error) {
	var list []database.NotificationLog
	err := d.db.WithContext(ctx).
		Where("alert_id = ?", alertID).
		Order("escalation_level ASC").Order("id ASC").
		Find(&list).Error
	return list, err
}

// ListFailed returns failed entries, newest first
func (d *Dispatcher) ListFailed(ctx context.Context, limit, offset int) ([]database.NotificationLog, int64, error) {
	q := d.db.WithContext(ctx).Model(&database.NotificationLog{}).
		Where("status = ?", database.NotificationStatusFailed).
		Session(&gorm.Session{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var list []database.NotificationLog
	q = q.Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit).Offset(offset)
	}
	if err := q.Find(&list).Error; err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

func (d *Dispatcher) findByKey(ctx context.Context, alertID uint, round int, t target) (*database.NotificationLog, error) {
	var entry database.NotificationLog
	err := d.db.WithContext(ctx).
		Where("alert_id = ? AND escalation_level = ? AND channel = ? AND recipient = ?", alertID, round, t.channel, t.recipient).
		First(&entry).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &entry, nil
}

func (d *Dispatcher) findByExternalID(ctx context.Context, externalID string) (*database.NotificationLog, error) {
	if externalID == "" {
		return nil, services.ErrNotFound
	}
	var entry database.NotificationLog
	if err := d.db.WithContext(ctx).Where("external_id = ?", externalID).Order("id DESC").First(&entry).Error; err != nil {
		return nil, notFound(err)
	}
	return &entry, nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return services.ErrNotFound
	}
	return err
}
