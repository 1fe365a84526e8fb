package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the process logger. format is "json" or "text"; an
// unknown level falls back to info.
func NewLogger(level, format string, out io.Writer) *logrus.Logger {
	if out == nil {
		out = os.Stdout
	}
	logger := logrus.New()
	logger.SetOutput(out)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	if strings.EqualFold(format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339Nano})
	}
	return logger
}

// EventLogger writes one structured line per sync event
type EventLogger struct {
	deviceID string
	entry    *logrus.Entry
	now      func() time.Time
}

// NewEventLogger creates an event logger for a device
func NewEventLogger(deviceID string, base *logrus.Logger) *EventLogger {
	if base == nil {
		base = logrus.StandardLogger()
	}
	return &EventLogger{
		deviceID: deviceID,
		entry:    base.WithFields(logrus.Fields{"device": deviceID, "component": "events"}),
		now:      time.Now,
	}
}

func (l *EventLogger) at() logrus.Fields {
	return logrus.Fields{"event_at": l.now().UnixMilli()}
}

// LogPositionApplied registers an inbound position merged into a route
func (l *EventLogger) LogPositionApplied(routeID string, lat, lng float64, isLive bool, sentAt int64) {
	l.entry.WithFields(l.at()).WithFields(logrus.Fields{
		"event":    "POSITION_APPLIED",
		"route":    routeID,
		"lat":      lat,
		"lng":      lng,
		"is_live":  isLive,
		"lag_ms":   l.now().UnixMilli() - sentAt,
		"original": sentAt,
	}).Info("Position applied")
}

// LogConfigReplaced registers an accepted configuration snapshot
func (l *EventLogger) LogConfigReplaced(routes, vehicles, drivers, riders int, changed bool, ts int64) {
	l.entry.WithFields(l.at()).WithFields(logrus.Fields{
		"event":    "CONFIG_REPLACED",
		"routes":   routes,
		"vehicles": vehicles,
		"drivers":  drivers,
		"riders":   riders,
		"changed":  changed,
		"snapshot": ts,
	}).Info("Configuration snapshot applied")
}

// LogDiscarded registers a message the device refused to apply
func (l *EventLogger) LogDiscarded(topic, reason string) {
	l.entry.WithFields(l.at()).WithFields(logrus.Fields{
		"event":  "MESSAGE_DISCARDED",
		"topic":  topic,
		"reason": reason,
	}).Debug("Message discarded")
}

// LogMalformed registers a payload that could not be decoded
func (l *EventLogger) LogMalformed(topic string, err error) {
	l.entry.WithFields(l.at()).WithError(err).WithFields(logrus.Fields{
		"event": "MESSAGE_MALFORMED",
		"topic": topic,
	}).Warn("Malformed message discarded")
}

// LogPublished registers an outbound publication
func (l *EventLogger) LogPublished(topic string, size int, retained bool, err error) {
	entry := l.entry.WithFields(l.at()).WithFields(logrus.Fields{
		"event":    "PUBLISHED",
		"topic":    topic,
		"bytes":    size,
		"retained": retained,
	})
	if err != nil {
		entry.WithError(err).Warn("Publish skipped")
		return
	}
	entry.Debug("Published")
}

// LogStatus registers a connection status change
func (l *EventLogger) LogStatus(status string) {
	l.entry.WithFields(l.at()).WithFields(logrus.Fields{
		"event":  "STATUS",
		"status": status,
	}).Info("Connection status changed")
}

// LogError registers a failed operation
func (l *EventLogger) LogError(operation string, err error) {
	l.entry.WithFields(l.at()).WithError(err).WithField("operation", operation).Error("Operation failed")
}
