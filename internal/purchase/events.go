package purchase

import (
	"context"

	"airtimebridge/internal/common/events"
	"airtimebridge/internal/common/middleware"
	"airtimebridge/internal/common/money"
)

// InitiatedData is the payload of purchase.initiated.
type InitiatedData struct {
	TransactionID string      `json:"transaction_id"`
	UserID        string      `json:"user_id"`
	Phone         string      `json:"phone"`
	Amount        money.Money `json:"amount"`
	ProductRef    string      `json:"product_ref,omitempty"`
}

// StateChangedData is the payload of purchase.state_changed.
type StateChangedData struct {
	TransactionID string `json:"transaction_id"`
	From          State  `json:"from"`
	To            State  `json:"to"`
	Note          string `json:"note,omitempty"`
	AttemptCount  int    `json:"attempt_count"`
}

// publish emits a lifecycle event. The ledger is the source of truth, so a
// failed publish is logged and otherwise ignored.
func (s *Service) publish(ctx context.Context, eventType, transactionID string, data any) {
	evt, err := events.NewEvent(eventType, "transaction", transactionID, data)
	if err != nil {
		s.logger.Error("encoding event", "error", err, "type", eventType)
		return
	}
	evt.WithCorrelation(middleware.GetCorrelationID(ctx), "")
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.logger.Warn("publishing event",
			"error", err,
			"type", eventType,
			"transaction_id", transactionID,
		)
	}
}

func (s *Service) alert(ctx context.Context, a Alert) {
	if a.RaisedAt.IsZero() {
		a.RaisedAt = s.now()
	}
	s.alerter.Raise(ctx, a)
}
