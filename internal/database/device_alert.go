package database

import "time"

// DeviceAlertStatus is the explicit open/closed state of a device alert
type DeviceAlertStatus string

const (
	DeviceAlertStatusOpen   DeviceAlertStatus = "open"
	DeviceAlertStatusClosed DeviceAlertStatus = "closed"
)

// DeviceAlert tracks a failure of one monitored field device (camera, panel, sensor).
// A record is closed exactly once; a later failure of the same device opens a new record.
type DeviceAlert struct {
	ID         uint              `gorm:"primaryKey" json:"id"`
	DeviceID   string            `gorm:"size:255;not null;index" json:"device_id"`
	DeviceName string            `gorm:"size:255" json:"device_name"`
	AlertID    *uint             `gorm:"index" json:"alert_id,omitempty"`
	Severity   AlertSeverity     `gorm:"type:varchar(20);not null" json:"severity"`
	Status     DeviceAlertStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	Details    JSONB             `gorm:"type:jsonb" json:"details"`

	// OpenKey is the device id while open and NULL once closed (one open record per device).
	OpenKey *string `gorm:"uniqueIndex;size:255" json:"-"`

	OpenedAt time.Time  `gorm:"not null" json:"opened_at"`
	ClosedAt *time.Time `json:"closed_at,omitempty"`
	ClosedBy string     `gorm:"size:255" json:"closed_by,omitempty"`
	Comment  string     `gorm:"type:text" json:"comment,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (DeviceAlert) TableName() string {
	return "device_alerts"
}

// IsOpen reports whether the device failure is still unresolved
func (d *DeviceAlert) IsOpen() bool {
	return d.Status == DeviceAlertStatusOpen
}

// AgeMinutes returns whole minutes the device alert has been (or was) open.
func (d *DeviceAlert) AgeMinutes(now time.Time) int {
	end := now
	if d.ClosedAt != nil {
		end = *d.ClosedAt
	}
	if end.Before(d.OpenedAt) {
		return 0
	}
	return int(end.Sub(d.OpenedAt) / time.Minute)
}
