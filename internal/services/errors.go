package services

import (
	"errors"

	"gorm.io/gorm"
)

var (
	// ErrMalformedPayload means an inbound payload could not be parsed or normalized
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrDuplicateEvent means a live envelope already exists for the dedup key
	ErrDuplicateEvent = errors.New("duplicate event")
	// ErrNoMatchingRule is logged when an event falls through to the default rule
	ErrNoMatchingRule = errors.New("no matching rule")
	// ErrInvalidTransition is returned for a lifecycle change the current status forbids
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrNotActive means the alert left the active state before escalation
	ErrNotActive = errors.New("alert is not active")
	// ErrEscalationConflict means another pass already advanced the escalation level
	ErrEscalationConflict = errors.New("escalation level already advanced")
	// ErrNotFound is returned when the requested record does not exist
	ErrNotFound = errors.New("not found")
)

// maxWriteAttempts bounds optimistic retry loops on version conflicts
const maxWriteAttempts = 5

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
