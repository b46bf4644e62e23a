package aggregator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"airtimebridge/internal/common/logging"
	"airtimebridge/internal/common/money"
	"airtimebridge/internal/purchase"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:  srv.URL,
		APIKey:   "agg-key",
		Currency: money.KES,
		Timeout:  5 * time.Second,
	}, logging.Discard())
}

func disburseRequest() purchase.DisburseRequest {
	return purchase.DisburseRequest{
		Phone:     "254712345678",
		Amount:    money.FromMajor(100, money.KES),
		Reference: "01JAB3XK9Q7V2R4T6Y8W0Z1C3D",
	}
}

func TestDisburseSendsRequest(t *testing.T) {
	var got sendRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/airtime/send" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("apiKey") != "agg-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"status":"Success","transactionId":"ATQid_123"}`))
	})

	req := disburseRequest()
	res, err := c.Disburse(context.Background(), req)
	if err != nil {
		t.Fatalf("Disburse: %v", err)
	}
	if res.Outcome != purchase.OutcomeSuccess || res.ProviderRef != "ATQid_123" || res.ResponseCode != "http_200" {
		t.Errorf("result = %+v", res)
	}
	if got.Recipient != "+254712345678" || got.Currency != "KES" || got.Reference != req.Reference {
		t.Errorf("request = %+v", got)
	}
	if got.Amount != req.Amount.MajorString() {
		t.Errorf("amount = %q, want %q", got.Amount, req.Amount.MajorString())
	}
}

func TestDisburseOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    purchase.AttemptOutcome
		code    string
		wantErr bool
	}{
		{name: "sent", status: 200, body: `{"status":"Sent","transactionId":"x"}`, want: purchase.OutcomeSuccess},
		{name: "failed", status: 200, body: `{"status":"Failed","errorCode":"InsufficientBalance","message":"float too low"}`, want: purchase.OutcomeFailure, code: "InsufficientBalance"},
		{name: "queued", status: 200, body: `{"status":"Queued"}`, want: purchase.OutcomeAmbiguous},
		{name: "undecodable", status: 200, body: `<html>gateway timeout</html>`, want: purchase.OutcomeAmbiguous},
		{name: "rejected", status: 400, body: `{"errorCode":"InvalidPhoneNumber","message":"bad recipient"}`, want: purchase.OutcomeFailure, code: "InvalidPhoneNumber"},
		{name: "rejected without body", status: 422, body: ``, want: purchase.OutcomeFailure, code: "http_422"},
		{name: "server error", status: 503, body: `unavailable`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			res, err := c.Disburse(context.Background(), disburseRequest())
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Disburse = %+v, want error", res)
				}
				return
			}
			if err != nil {
				t.Fatalf("Disburse: %v", err)
			}
			if res.Outcome != tt.want {
				t.Errorf("outcome = %s, want %s", res.Outcome, tt.want)
			}
			if tt.code != "" && res.ResponseCode != tt.code {
				t.Errorf("response code = %q, want %q", res.ResponseCode, tt.code)
			}
			if len(res.Payload) > 0 && !json.Valid(res.Payload) {
				t.Errorf("payload is not valid JSON: %s", res.Payload)
			}
		})
	}
}

func TestDisburseTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(Config{BaseURL: url, Currency: money.KES, Timeout: time.Second}, logging.Discard())
	if _, err := c.Disburse(context.Background(), disburseRequest()); err == nil {
		t.Fatal("closed server should produce an error")
	}
}

func TestBalance(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/account/balance" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"balance":"KES 48250.50"}`))
	})

	got, err := c.Balance(context.Background())
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if !got.Equal(money.New(4825050, money.KES)) {
		t.Errorf("balance = %s, want KES 48250.50", got)
	}

	bad := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"balance":"lots"}`))
	})
	if _, err := bad.Balance(context.Background()); err == nil {
		t.Error("unparseable balance should be an error")
	}
}
