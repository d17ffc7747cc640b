package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/rodovia/alertcore/internal/alerts"
	"github.com/rodovia/alertcore/internal/database"
)

// DeviceAlertService manages the open/closed lifecycle of field-device failures
type DeviceAlertService struct {
	db  *gorm.DB
	now func() time.Time
}

// NewDeviceAlertService creates a new DeviceAlertService
func NewDeviceAlertService(db *gorm.DB) *DeviceAlertService {
	return &DeviceAlertService{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source
func (s *DeviceAlertService) SetClock(now func() time.Time) {
	s.now = now
}

// Open returns the open record for the device, creating one when the device
// has none. alertID links the record to the lifecycle alert raised for it.
func (s *DeviceAlertService) Open(ctx context.Context, device alerts.DeviceInfo, alertID uint, severity database.AlertSeverity, details map[string]interface{}) (*database.DeviceAlert, error) {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		existing, err := s.FindOpen(ctx, device.ID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}

		now := s.now()
		key := device.ID
		record := &database.DeviceAlert{
			DeviceID:   device.ID,
			DeviceName: device.Name,
			Severity:   severity,
			Status:     database.DeviceAlertStatusOpen,
			Details:    database.JSONB(nil).Merge(details),
			OpenKey:    &key,
			OpenedAt:   now,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if alertID != 0 {
			record.AlertID = &alertID
		}
		if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				continue
			}
			return nil, fmt.Errorf("failed to open device alert: %w", err)
		}
		log.WithField("device_id", device.ID).Infof("Device alert %d opened", record.ID)
		return record, nil
	}
	return nil, fmt.Errorf("open device alert for %s: gave up after %d attempts", device.ID, maxWriteAttempts)
}

// Close closes an open device alert. Closing twice is an invalid transition.
func (s *DeviceAlertService) Close(ctx context.Context, id uint, actor, comment string) (*database.DeviceAlert, error) {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&database.DeviceAlert{}).
		Where("id = ? AND status = ?", id, database.DeviceAlertStatusOpen).
		Updates(map[string]interface{}{
			"status":     database.DeviceAlertStatusClosed,
			"closed_at":  now,
			"closed_by":  actor,
			"comment":    comment,
			"open_key":   nil,
			"updated_at": now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to close device alert %d: %w", id, res.Error)
	}

	record, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("close device alert %d: %w", id, ErrInvalidTransition)
	}
	return record, nil
}

// CloseByDevice closes the device's open record if there is one
func (s *DeviceAlertService) CloseByDevice(ctx context.Context, deviceID, actor, comment string) (*database.DeviceAlert, error) {
	open, err := s.FindOpen(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	return s.Close(ctx, open.ID, actor, comment)
}

// Get returns a device alert by ID
func (s *DeviceAlertService) Get(ctx context.Context, id uint) (*database.DeviceAlert, error) {
	var record database.DeviceAlert
	if err := s.db.WithContext(ctx).First(&record, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &record, nil
}

// FindOpen returns the open record for a device
func (s *DeviceAlertService) FindOpen(ctx context.Context, deviceID string) (*database.DeviceAlert, error) {
	var record database.DeviceAlert
	if err := s.db.WithContext(ctx).Where("open_key = ?", deviceID).First(&record).Error; err != nil {
		return nil, notFound(err)
	}
	return &record, nil
}

// List returns device alerts, newest first
func (s *DeviceAlertService) List(ctx context.Context, status database.DeviceAlertStatus, limit, offset int) ([]database.DeviceAlert, int64, error) {
	q := s.db.WithContext(ctx).Model(&database.DeviceAlert{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	q = q.Session(&gorm.Session{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var list []database.DeviceAlert
	q = q.Order("opened_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit).Offset(offset)
	}
	if err := q.Find(&list).Error; err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

// Level buckets how long the device has been failing
func (s *DeviceAlertService) Level(record *database.DeviceAlert) database.AlertSeverity {
	return PriorityLevel(record.AgeMinutes(s.now()))
}
