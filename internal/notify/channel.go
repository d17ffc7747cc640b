// Package notify delivers escalation rounds to operators over pluggable channels
// and tracks every attempt in the notification log.
package notify

import (
	"context"
	"errors"
)

// Channel sends one message to one recipient. The returned external id is the
// provider's message id, later matched against delivery callbacks.
type Channel interface {
	Name() string
	Send(ctx context.Context, recipient, message string, metadata map[string]string) (externalID string, err error)
}

// Metadata keys passed to channels with every message
const (
	MetaAlertID   = "alert_id"
	MetaAlertUUID = "alert_uuid"
	MetaRound     = "round"
	MetaSeverity  = "severity"
	MetaSubject   = "subject"
)

// permanentError marks a failure that retrying cannot fix (bad recipient,
// rejected credentials). Everything else is treated as transient.
type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// MarkPermanent wraps err so IsPermanent reports true. nil stays nil.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked permanent
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}
