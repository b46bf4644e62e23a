package mpesa

import (
	"encoding/json"
	"fmt"
	"time"

	"airtimebridge/internal/purchase"
)

// Callback is the STK push result body POSTed to the callback URL.
type Callback struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string          `json:"MerchantRequestID"`
			CheckoutRequestID string          `json:"CheckoutRequestID"`
			ResultCode        json.RawMessage `json:"ResultCode"`
			ResultDesc        string          `json:"ResultDesc"`
			CallbackMetadata  *struct {
				Item []metadataItem `json:"Item"`
			} `json:"CallbackMetadata,omitempty"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

type metadataItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value,omitempty"`
}

// ParseCallback normalizes a raw callback body into a payment event.
func ParseCallback(raw []byte, receivedAt time.Time) (purchase.PaymentEvent, error) {
	var cb Callback
	if err := json.Unmarshal(raw, &cb); err != nil {
		return purchase.PaymentEvent{}, fmt.Errorf("%w: %v", purchase.ErrInvalidEvent, err)
	}

	stk := cb.Body.StkCallback
	if stk.CheckoutRequestID == "" {
		return purchase.PaymentEvent{}, fmt.Errorf("%w: missing CheckoutRequestID", purchase.ErrInvalidEvent)
	}
	code, err := resultCode(stk.ResultCode)
	if err != nil || code == "" {
		return purchase.PaymentEvent{}, fmt.Errorf("%w: missing or invalid ResultCode", purchase.ErrInvalidEvent)
	}

	ev := purchase.PaymentEvent{
		CheckoutReference: stk.CheckoutRequestID,
		ResultCode:        code,
		ResultDescription: stk.ResultDesc,
		ReceivedAt:        receivedAt,
	}
	if stk.CallbackMetadata != nil {
		ev.Metadata = make(map[string]string, len(stk.CallbackMetadata.Item))
		for _, item := range stk.CallbackMetadata.Item {
			if v := metadataValue(item.Value); v != "" {
				ev.Metadata[item.Name] = v
			}
		}
	}
	return ev, nil
}

// metadataValue renders a string or number item value. Numbers keep their
// literal form so phone numbers and dates are not rounded.
func metadataValue(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return string(raw)
}
