package purchase

import (
	"context"
	"log/slog"
	"time"

	"airtimebridge/internal/common/events"
)

// Severity of an operator alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert kinds
const (
	AlertFailedPermanent = "failed_permanent"
	AlertExpiredPaid     = "expired_after_payment"
	AlertLatePayment     = "late_payment"
	AlertIntegrity       = "integrity"
	AlertFloatLow        = "float_low"
	AlertFloatCritical   = "float_critical"
	AlertFloatRecovered  = "float_recovered"
)

// Alert is an operator-visible notification.
type Alert struct {
	Kind          string         `json:"kind"`
	Severity      Severity       `json:"severity"`
	TransactionID string         `json:"transaction_id,omitempty"`
	Message       string         `json:"message"`
	Fields        map[string]any `json:"fields,omitempty"`
	RaisedAt      time.Time      `json:"raised_at"`
}

// Alerter delivers alerts to the operator channel.
type Alerter interface {
	Raise(ctx context.Context, alert Alert)
}

// LogAlerter writes alerts to the log only.
type LogAlerter struct {
	logger *slog.Logger
}

// NewLogAlerter creates a LogAlerter.
func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	return &LogAlerter{logger: logger.With("component", "alerts")}
}

// Raise implements Alerter.
func (a *LogAlerter) Raise(ctx context.Context, alert Alert) {
	level := slog.LevelWarn
	switch alert.Severity {
	case SeverityCritical:
		level = slog.LevelError
	case SeverityInfo:
		level = slog.LevelInfo
	}
	a.logger.Log(ctx, level, "operator alert",
		"kind", alert.Kind,
		"severity", alert.Severity,
		"transaction_id", alert.TransactionID,
		"message", alert.Message,
		"fields", alert.Fields,
	)
}

// EventAlerter logs every alert and publishes it as an "alert.<kind>" event.
type EventAlerter struct {
	log       *LogAlerter
	publisher events.EventPublisher
}

// NewEventAlerter creates an EventAlerter.
func NewEventAlerter(publisher events.EventPublisher, logger *slog.Logger) *EventAlerter {
	return &EventAlerter{log: NewLogAlerter(logger), publisher: publisher}
}

// Raise implements Alerter. Publish failures are logged; the log line above
// already reached the operator.
func (a *EventAlerter) Raise(ctx context.Context, alert Alert) {
	a.log.Raise(ctx, alert)

	evt, err := events.NewEvent(events.EventAlertPrefix+alert.Kind, "alert", alert.TransactionID, alert)
	if err != nil {
		a.log.logger.Error("encoding alert event", "error", err, "kind", alert.Kind)
		return
	}
	if err := a.publisher.Publish(ctx, evt); err != nil {
		a.log.logger.Error("publishing alert event", "error", err, "kind", alert.Kind)
	}
}
