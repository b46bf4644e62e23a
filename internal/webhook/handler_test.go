package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"airtimebridge/internal/common/events"
	"airtimebridge/internal/common/logging"
	"airtimebridge/internal/common/middleware"
	"airtimebridge/internal/purchase"
)

const successCallback = `{
  "Body": {
    "stkCallback": {
      "MerchantRequestID": "29115-34620561-1",
      "CheckoutRequestID": "ws_CO_191220191020363925",
      "ResultCode": 0,
      "ResultDesc": "The service request is processed successfully.",
      "CallbackMetadata": {
        "Item": [
          {"Name": "Amount", "Value": 100},
          {"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
          {"Name": "TransactionDate", "Value": 20191219102115},
          {"Name": "PhoneNumber", "Value": 254708374149}
        ]
      }
    }
  }
}`

type recorderFunc func(ctx context.Context, log *purchase.CallbackLog) error

func (f recorderFunc) RecordCallback(ctx context.Context, log *purchase.CallbackLog) error {
	return f(ctx, log)
}

type dispatcherFunc func(ctx context.Context, ev purchase.PaymentEvent) error

func (f dispatcherFunc) Dispatch(ctx context.Context, ev purchase.PaymentEvent) error {
	return f(ctx, ev)
}

type capture struct {
	mu          sync.Mutex
	logs        []*purchase.CallbackLog
	events      []purchase.PaymentEvent
	recordErr   error
	dispatchErr error
}

func (c *capture) recorder() CallbackRecorder {
	return recorderFunc(func(ctx context.Context, log *purchase.CallbackLog) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.logs = append(c.logs, log)
		return c.recordErr
	})
}

func (c *capture) dispatcher() Dispatcher {
	return dispatcherFunc(func(ctx context.Context, ev purchase.PaymentEvent) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.events = append(c.events, ev)
		return c.dispatchErr
	})
}

func newTestHandler(t *testing.T, cfg Config, c *capture) *Handler {
	t.Helper()
	h, err := NewHandler(cfg, c.recorder(), c.dispatcher(), logging.Discard())
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return h
}

func post(h *Handler, remote, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/mpesa/stk", strings.NewReader(body))
	req.RemoteAddr = remote
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	return rec
}

func assertAccepted(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body ackBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding ack: %v", err)
	}
	if body.ResultCode != 0 || body.ResultDesc != "Accepted" {
		t.Errorf("ack = %+v", body)
	}
}

func TestCallbackAcceptedAndDispatched(t *testing.T) {
	c := &capture{}
	h := newTestHandler(t, Config{AllowedCIDRs: []string{"196.201.214.0/24"}}, c)

	rec := post(h, "196.201.214.200:40122", successCallback, nil)
	assertAccepted(t, rec)

	if len(c.logs) != 1 {
		t.Fatalf("recorded %d callbacks", len(c.logs))
	}
	if c.logs[0].SourceIP != "196.201.214.200" || c.logs[0].CheckoutReference != "ws_CO_191220191020363925" {
		t.Errorf("callback log = %+v", c.logs[0])
	}
	if len(c.events) != 1 {
		t.Fatalf("dispatched %d events", len(c.events))
	}
	ev := c.events[0]
	if ev.ResultCode != "0" || ev.Metadata[purchase.MetaReceiptNumber] != "NLJ7RT61SV" || ev.Metadata[purchase.MetaAmount] != "100" {
		t.Errorf("event = %+v", ev)
	}
}

func TestCallbackFromDisallowedOrigin(t *testing.T) {
	c := &capture{}
	h := newTestHandler(t, Config{AllowedCIDRs: []string{"196.201.214.0/24"}}, c)

	rec := post(h, "203.0.113.9:5000", successCallback, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if len(c.logs) != 0 || len(c.events) != 0 {
		t.Error("disallowed callback must not be recorded or dispatched")
	}

	// Forwarded headers are ignored unless trusted.
	rec = post(h, "203.0.113.9:5000", successCallback, http.Header{"X-Forwarded-For": {"196.201.214.10"}})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("untrusted X-Forwarded-For: status = %d, want 403", rec.Code)
	}
}

func TestCallbackTrustedForwardedFor(t *testing.T) {
	c := &capture{}
	h := newTestHandler(t, Config{AllowedCIDRs: []string{"196.201.214.0/24"}, TrustedProxies: 1}, c)

	// The proxy appended the peer it saw.
	rec := post(h, "10.0.0.5:5000", successCallback, http.Header{"X-Forwarded-For": {"203.0.113.9, 196.201.214.10"}})
	assertAccepted(t, rec)
	if len(c.events) != 1 {
		t.Fatalf("dispatched %d events", len(c.events))
	}

	for _, tt := range []struct {
		name   string
		header http.Header
	}{
		{"allowed address injected on the left", http.Header{"X-Forwarded-For": {"196.201.214.10, 203.0.113.9"}}},
		{"injected as a separate header", http.Header{"X-Forwarded-For": {"196.201.214.10", "203.0.113.9"}}},
		{"missing header", nil},
		{"garbage hop", http.Header{"X-Forwarded-For": {"196.201.214.10, not-an-ip"}}},
	} {
		rec := post(h, "10.0.0.5:5000", successCallback, tt.header)
		if rec.Code != http.StatusForbidden {
			t.Errorf("%s: status = %d, want 403", tt.name, rec.Code)
		}
	}
	if len(c.events) != 1 {
		t.Errorf("dispatched %d events, want only the genuine one", len(c.events))
	}
}

func TestCallbackBehindTwoProxies(t *testing.T) {
	c := &capture{}
	h := newTestHandler(t, Config{AllowedCIDRs: []string{"196.201.214.0/24"}, TrustedProxies: 2}, c)

	assertAccepted(t, post(h, "10.0.0.5:5000", successCallback,
		http.Header{"X-Forwarded-For": {"198.51.100.1, 196.201.214.10, 10.0.0.9"}}))
	rec := post(h, "10.0.0.5:5000", successCallback, http.Header{"X-Forwarded-For": {"196.201.214.10"}})
	if rec.Code != http.StatusForbidden {
		t.Errorf("too few hops: status = %d, want 403", rec.Code)
	}
}

func TestMalformedCallbackStillAcknowledged(t *testing.T) {
	c := &capture{}
	h := newTestHandler(t, Config{AllowLoopback: true}, c)

	for _, body := range []string{
		`not json`,
		`{"Body":{"stkCallback":{"ResultCode":0}}}`,
		`{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_1"}}}`,
	} {
		rec := post(h, "127.0.0.1:5000", body, nil)
		assertAccepted(t, rec)
	}
	if len(c.logs) != 3 {
		t.Errorf("recorded %d raw callbacks, want 3", len(c.logs))
	}
	if len(c.events) != 0 {
		t.Errorf("dispatched %d malformed callbacks", len(c.events))
	}
}

func TestCallbackAcknowledgedWhenDownstreamFails(t *testing.T) {
	c := &capture{recordErr: errors.New("disk full"), dispatchErr: ErrQueueFull}
	h := newTestHandler(t, Config{AllowLoopback: true}, c)

	assertAccepted(t, post(h, "[::1]:5000", successCallback, nil))
	if len(c.events) != 1 {
		t.Errorf("dispatch attempted %d times", len(c.events))
	}
}

func TestSlowAuditWriteDoesNotDelayAck(t *testing.T) {
	c := &capture{}
	slow := recorderFunc(func(ctx context.Context, log *purchase.CallbackLog) error {
		<-ctx.Done()
		return ctx.Err()
	})
	h, err := NewHandler(Config{AllowLoopback: true, WriteTimeout: 20 * time.Millisecond}, slow, c.dispatcher(), logging.Discard())
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}

	start := time.Now()
	assertAccepted(t, post(h, "127.0.0.1:5000", successCallback, nil))
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("acknowledged after %s", elapsed)
	}
	if len(c.events) != 1 {
		t.Errorf("dispatched %d events, want 1", len(c.events))
	}
}

func TestParseAllowList(t *testing.T) {
	a, err := ParseAllowList([]string{"196.201.212.0/23", " 10.1.2.3 ", "", "2001:db8::/32"})
	if err != nil {
		t.Fatalf("ParseAllowList: %v", err)
	}

	for _, tt := range []struct {
		remote string
		want   bool
	}{
		{"196.201.213.255:1", true},
		{"196.201.214.1:1", false},
		{"10.1.2.3:1", true},
		{"10.1.2.4:1", false},
		{"[2001:db8::1]:1", true},
		{"[::ffff:10.1.2.3]:1", true},
	} {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.RemoteAddr = tt.remote
		addr, ok := clientAddr(req, 0)
		if !ok {
			t.Errorf("clientAddr(%q) failed", tt.remote)
			continue
		}
		if got := a.Allows(addr); got != tt.want {
			t.Errorf("Allows(%s) = %v, want %v", tt.remote, got, tt.want)
		}
	}

	if _, err := ParseAllowList([]string{"196.201.212.0/33"}); err == nil {
		t.Error("invalid prefix should be rejected")
	}
	if _, err := ParseAllowList([]string{"not-an-ip"}); err == nil {
		t.Error("invalid address should be rejected")
	}
}

type handlerFunc func(ctx context.Context, ev purchase.PaymentEvent) error

func (f handlerFunc) HandlePaymentEvent(ctx context.Context, ev purchase.PaymentEvent) error {
	return f(ctx, ev)
}

func TestQueueDispatcherRetries(t *testing.T) {
	var mu sync.Mutex
	calls := map[string]int{}
	done := make(chan string, 8)

	handler := handlerFunc(func(ctx context.Context, ev purchase.PaymentEvent) error {
		mu.Lock()
		calls[ev.CheckoutReference]++
		n := calls[ev.CheckoutReference]
		mu.Unlock()

		switch ev.CheckoutReference {
		case "flaky":
			if n < 2 {
				return errors.New("database is locked")
			}
		case "invalid":
			done <- ev.CheckoutReference
			return purchase.ErrInvalidEvent
		case "down":
			if n == 3 {
				done <- ev.CheckoutReference
			}
			return errors.New("connection refused")
		}
		done <- ev.CheckoutReference
		return nil
	})

	d := NewQueueDispatcher(handler, 2, 8, logging.Discard())
	d.retryDelay = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)

	for _, ref := range []string{"flaky", "invalid", "down"} {
		if err := d.Dispatch(ctx, purchase.PaymentEvent{CheckoutReference: ref, ResultCode: "0"}); err != nil {
			t.Fatalf("Dispatch(%s): %v", ref, err)
		}
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for callbacks")
		}
	}
	cancel()
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	if calls["flaky"] != 2 {
		t.Errorf("flaky handled %d times, want 2", calls["flaky"])
	}
	if calls["invalid"] != 1 {
		t.Errorf("validation failure retried: %d calls", calls["invalid"])
	}
	if calls["down"] != 3 {
		t.Errorf("persistent failure handled %d times, want 3", calls["down"])
	}
}

func TestQueueDispatcherFull(t *testing.T) {
	d := NewQueueDispatcher(handlerFunc(func(context.Context, purchase.PaymentEvent) error { return nil }), 1, 1, logging.Discard())

	ctx := context.Background()
	if err := d.Dispatch(ctx, purchase.PaymentEvent{CheckoutReference: "a"}); err != nil {
		t.Fatalf("first Dispatch: %v", err)
	}
	if err := d.Dispatch(ctx, purchase.PaymentEvent{CheckoutReference: "b"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("second Dispatch error = %v, want ErrQueueFull", err)
	}
}

type publisherFunc func(ctx context.Context, evt *events.Event) error

func (f publisherFunc) Publish(ctx context.Context, evt *events.Event) error { return f(ctx, evt) }

func TestJetStreamDispatcherCarriesCorrelation(t *testing.T) {
	var got *events.Event
	d := NewJetStreamDispatcher(publisherFunc(func(ctx context.Context, evt *events.Event) error {
		got = evt
		return nil
	}))

	ctx := middleware.WithCorrelationID(context.Background(), "corr-9")
	ev := purchase.PaymentEvent{CheckoutReference: "ws_CO_1", ResultCode: "0"}
	if err := d.Dispatch(ctx, ev); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got == nil || got.Type != events.EventMpesaCallbackReceived || got.AggregateID != "ws_CO_1" || got.CorrelationID != "corr-9" {
		t.Fatalf("published %+v", got)
	}

	var decoded purchase.PaymentEvent
	if err := got.DecodeData(&decoded); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if decoded.CheckoutReference != "ws_CO_1" || decoded.ResultCode != "0" {
		t.Errorf("decoded = %+v", decoded)
	}
}
