// Package logging configures the process-wide logrus logger.
package logging

import (
	"os"
	"time"

	log "github.com/sirupsen/logrus"
)

// Setup applies level and format to the standard logrus logger and returns it.
// Unknown levels fall back to info; any format other than "json" is text.
func Setup(level, format string) *log.Logger {
	logger := log.StandardLogger()

	parsedLevel, err := log.ParseLevel(level)
	if err != nil {
		parsedLevel = log.InfoLevel
	}
	logger.SetLevel(parsedLevel)

	switch format {
	case "json":
		logger.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	default:
		logger.SetFormatter(&log.TextFormatter{
			TimestampFormat: time.RFC3339Nano,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(os.Stdout)
	return logger
}

// ForAlert returns an entry tagged with the alert's identifiers
func ForAlert(alertID uint, alertUUID string) *log.Entry {
	return log.WithFields(log.Fields{
		"alert_id":   alertID,
		"alert_uuid": alertUUID,
	})
}
