package mpesa

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"airtimebridge/internal/common/logging"
	"airtimebridge/internal/common/money"
	"airtimebridge/internal/purchase"
)

// fakeDaraja mimics the gateway's OAuth, STK push and query endpoints.
type fakeDaraja struct {
	mu         sync.Mutex
	tokenCalls int
	reject     int
	pushes     []stkPushRequest
	pushCode   string
	queryCode  int
	queryBody  string
}

func (f *fakeDaraja) fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenCalls
}

func (f *fakeDaraja) currentToken() string {
	return fmt.Sprintf("token-%d", f.tokenCalls)
}

func (f *fakeDaraja) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.URL.Path == "/oauth/v1/generate" {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "key" || pass != "secret" || r.URL.Query().Get("grant_type") != "client_credentials" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.tokenCalls++
		fmt.Fprintf(w, `{"access_token":%q,"expires_in":"3599"}`, f.currentToken())
		return
	}

	if r.Header.Get("Authorization") != "Bearer "+f.currentToken() || f.reject > 0 {
		if f.reject > 0 {
			f.reject--
		}
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"errorCode":"404.001.03","errorMessage":"Invalid Access Token"}`)
		return
	}

	switch r.URL.Path {
	case "/mpesa/stkpush/v1/processrequest":
		var req stkPushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.pushes = append(f.pushes, req)
		code := f.pushCode
		if code == "" {
			code = "0"
		}
		fmt.Fprintf(w, `{"MerchantRequestID":"29115-34620561-1","CheckoutRequestID":"ws_CO_%d","ResponseCode":%q,"ResponseDescription":"Success. Request accepted for processing","CustomerMessage":"Success. Request accepted for processing"}`,
			len(f.pushes), code)
	case "/mpesa/stkpushquery/v1/query":
		w.WriteHeader(f.queryCode)
		fmt.Fprint(w, f.queryBody)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestClient(t *testing.T) (*Client, *fakeDaraja, *testClock) {
	t.Helper()
	fake := &fakeDaraja{queryCode: http.StatusOK}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	clock := &testClock{now: time.Date(2026, 10, 18, 8, 0, 0, 0, time.UTC)}
	c := NewClient(Config{
		BaseURL:        srv.URL,
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		ShortCode:      "174379",
		PassKey:        "passkey",
		CallbackURL:    "https://pay.example.com/webhooks/mpesa/stk",
		Timeout:        5 * time.Second,
		TokenMargin:    time.Minute,
	}, logging.Discard())
	c.now = clock.Now
	c.tokens.now = clock.Now
	return c, fake, clock
}

func paymentRequest() purchase.PaymentRequest {
	return purchase.PaymentRequest{
		Phone:       "254712345678",
		Amount:      money.FromMajor(100, money.KES),
		Reference:   "AIRTIME-TOPUP-KE",
		Description: "Airtime purchase",
	}
}

func TestInitiate(t *testing.T) {
	c, fake, _ := newTestClient(t)

	ack, err := c.Initiate(context.Background(), paymentRequest())
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if ack.CheckoutReference != "ws_CO_1" || ack.MerchantRequestID != "29115-34620561-1" {
		t.Errorf("ack = %+v", ack)
	}

	fake.mu.Lock()
	pushes := append([]stkPushRequest(nil), fake.pushes...)
	fake.mu.Unlock()
	if len(pushes) != 1 {
		t.Fatalf("pushes = %d", len(pushes))
	}
	p := pushes[0]
	if p.Timestamp != "20261018110000" {
		t.Errorf("timestamp = %q, want East Africa Time", p.Timestamp)
	}
	wantPassword := base64.StdEncoding.EncodeToString([]byte("174379passkey20261018110000"))
	if p.Password != wantPassword {
		t.Errorf("password = %q, want %q", p.Password, wantPassword)
	}
	if p.Amount != "100" || p.PartyA != "254712345678" || p.PhoneNumber != "254712345678" || p.PartyB != "174379" {
		t.Errorf("push = %+v", p)
	}
	if p.TransactionType != "CustomerPayBillOnline" || p.CallBackURL == "" {
		t.Errorf("push = %+v", p)
	}
	if p.AccountReference != "AIRTIME-TOPU" || p.TransactionDesc != "Airtime purch" {
		t.Errorf("references not truncated: %q / %q", p.AccountReference, p.TransactionDesc)
	}
}

func TestTokenCachedUntilMargin(t *testing.T) {
	c, fake, clock := newTestClient(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := c.Initiate(ctx, paymentRequest()); err != nil {
			t.Fatalf("Initiate %d: %v", i, err)
		}
	}
	if fake.fetches() != 1 {
		t.Fatalf("token fetched %d times, want 1", fake.fetches())
	}

	// 3599s lifetime, 60s margin.
	clock.Advance(3538 * time.Second)
	if _, err := c.Initiate(ctx, paymentRequest()); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if fake.fetches() != 1 {
		t.Fatalf("token refreshed early: %d fetches", fake.fetches())
	}

	clock.Advance(2 * time.Second)
	if _, err := c.Initiate(ctx, paymentRequest()); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if fake.fetches() != 2 {
		t.Fatalf("token fetched %d times, want a refresh inside the margin", fake.fetches())
	}
}

func TestUnauthorizedRefreshesTokenOnce(t *testing.T) {
	c, fake, _ := newTestClient(t)
	ctx := context.Background()

	if _, err := c.Initiate(ctx, paymentRequest()); err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	fake.mu.Lock()
	fake.reject = 1
	fake.mu.Unlock()
	if _, err := c.Initiate(ctx, paymentRequest()); err != nil {
		t.Fatalf("Initiate after revoked token: %v", err)
	}
	if fake.fetches() != 2 {
		t.Errorf("token fetched %d times, want 2", fake.fetches())
	}

	fake.mu.Lock()
	fake.reject = 2
	fake.mu.Unlock()
	if _, err := c.Initiate(ctx, paymentRequest()); err == nil {
		t.Error("a second 401 should fail the request")
	}
}

func TestInitiateRejected(t *testing.T) {
	c, fake, _ := newTestClient(t)
	fake.mu.Lock()
	fake.pushCode = "1"
	fake.mu.Unlock()

	if _, err := c.Initiate(context.Background(), paymentRequest()); err == nil {
		t.Fatal("non-zero ResponseCode should be an error")
	}
}

func TestQueryStatus(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode string
		wantErr  bool
	}{
		{
			name:     "paid",
			status:   http.StatusOK,
			body:     `{"ResponseCode":"0","CheckoutRequestID":"ws_CO_1","ResultCode":"0","ResultDesc":"The service request is processed successfully."}`,
			wantCode: "0",
		},
		{
			name:     "numeric result code",
			status:   http.StatusOK,
			body:     `{"ResponseCode":"0","CheckoutRequestID":"ws_CO_1","ResultCode":1032,"ResultDesc":"Request cancelled by user"}`,
			wantCode: "1032",
		},
		{
			name:     "still processing",
			status:   http.StatusInternalServerError,
			body:     `{"requestId":"1","errorCode":"500.001.1001","errorMessage":"The transaction is being processed"}`,
			wantCode: purchase.ResultCodeProcessing,
		},
		{
			name:    "server error",
			status:  http.StatusInternalServerError,
			body:    `{"requestId":"1","errorCode":"500.003.02","errorMessage":"System is busy"}`,
			wantErr: true,
		},
		{
			name:    "no result code",
			status:  http.StatusOK,
			body:    `{"ResponseCode":"0","ResponseDescription":"accepted"}`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, fake, _ := newTestClient(t)
			fake.mu.Lock()
			fake.queryCode = tt.status
			fake.queryBody = tt.body
			fake.mu.Unlock()

			got, err := c.QueryStatus(context.Background(), "ws_CO_1")
			if tt.wantErr {
				if err == nil {
					t.Fatalf("QueryStatus = %+v, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("QueryStatus: %v", err)
			}
			if got.ResultCode != tt.wantCode {
				t.Errorf("result code = %q, want %q", got.ResultCode, tt.wantCode)
			}
		})
	}
}

func TestParseCallback(t *testing.T) {
	at := time.Date(2026, 10, 18, 8, 0, 0, 0, time.UTC)

	ev, err := ParseCallback([]byte(`{"Body":{"stkCallback":{
		"MerchantRequestID":"1","CheckoutRequestID":"ws_CO_9","ResultCode":0,"ResultDesc":"ok",
		"CallbackMetadata":{"Item":[
			{"Name":"Amount","Value":100.00},
			{"Name":"MpesaReceiptNumber","Value":"NLJ7RT61SV"},
			{"Name":"Balance"},
			{"Name":"TransactionDate","Value":20191219102115},
			{"Name":"PhoneNumber","Value":254708374149}]}}}}`), at)
	if err != nil {
		t.Fatalf("ParseCallback: %v", err)
	}
	if ev.CheckoutReference != "ws_CO_9" || ev.ResultCode != "0" || !ev.ReceivedAt.Equal(at) {
		t.Errorf("event = %+v", ev)
	}
	want := map[string]string{
		purchase.MetaAmount:          "100.00",
		purchase.MetaReceiptNumber:   "NLJ7RT61SV",
		purchase.MetaTransactionDate: "20191219102115",
		purchase.MetaPhoneNumber:     "254708374149",
	}
	for k, v := range want {
		if ev.Metadata[k] != v {
			t.Errorf("metadata[%s] = %q, want %q", k, ev.Metadata[k], v)
		}
	}
	if _, ok := ev.Metadata["Balance"]; ok {
		t.Error("items without a value should be skipped")
	}

	ev, err = ParseCallback([]byte(`{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_9","ResultCode":"1032","ResultDesc":"Request cancelled by user"}}}`), at)
	if err != nil {
		t.Fatalf("ParseCallback(string code): %v", err)
	}
	if ev.ResultCode != "1032" || ev.Metadata != nil {
		t.Errorf("event = %+v", ev)
	}

	for _, raw := range []string{
		`{`,
		`{"Body":{"stkCallback":{"ResultCode":0}}}`,
		`{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_9"}}}`,
		`{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_9","ResultCode":{}}}}`,
	} {
		if _, err := ParseCallback([]byte(raw), at); !errors.Is(err, purchase.ErrInvalidEvent) {
			t.Errorf("ParseCallback(%s) error = %v, want ErrInvalidEvent", raw, err)
		}
	}
}
