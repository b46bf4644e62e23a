// Package mpesa is the STK push payment gateway: OAuth credential caching,
// payment prompts, status queries and callback parsing.
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"airtimebridge/internal/purchase"
)

const maxBody = 1 << 20

// Config holds gateway configuration.
type Config struct {
	BaseURL        string        `envconfig:"MPESA_BASE_URL" default:"https://sandbox.safaricom.co.ke"`
	ConsumerKey    string        `envconfig:"MPESA_CONSUMER_KEY"`
	ConsumerSecret string        `envconfig:"MPESA_CONSUMER_SECRET"`
	ShortCode      string        `envconfig:"MPESA_SHORTCODE" default:"174379"`
	PassKey        string        `envconfig:"MPESA_PASSKEY"`
	CallbackURL    string        `envconfig:"MPESA_CALLBACK_URL"`
	Timeout        time.Duration `envconfig:"MPESA_HTTP_TIMEOUT" default:"30s"`
	TokenMargin    time.Duration `envconfig:"MPESA_TOKEN_MARGIN" default:"60s"`
}

// timestampLayout is the gateway's YYYYMMDDHHmmss timestamp.
const timestampLayout = "20060102150405"

// gateway timestamps are East Africa Time.
var eat = time.FixedZone("EAT", 3*60*60)

// errUnauthorized triggers one token refresh and retry.
var errUnauthorized = errors.New("gateway rejected access token")

// Client implements purchase.PaymentGateway.
type Client struct {
	cfg        Config
	httpClient *http.Client
	tokens     *TokenSource
	logger     *slog.Logger
	now        func() time.Time
}

var _ purchase.PaymentGateway = (*Client)(nil)

// NewClient creates a gateway client with its own token cache.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	httpClient := &http.Client{Timeout: cfg.Timeout}
	logger = logger.With("component", "mpesa")
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		tokens:     NewTokenSource(cfg, httpClient, logger),
		logger:     logger,
		now:        time.Now,
	}
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            string `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type queryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type queryResponse struct {
	ResponseCode        string          `json:"ResponseCode"`
	ResponseDescription string          `json:"ResponseDescription"`
	CheckoutRequestID   string          `json:"CheckoutRequestID"`
	ResultCode          json.RawMessage `json:"ResultCode"`
	ResultDesc          string          `json:"ResultDesc"`
}

type errorResponse struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// Initiate sends an STK push prompt to the customer's phone.
func (c *Client) Initiate(ctx context.Context, req purchase.PaymentRequest) (*purchase.PaymentAck, error) {
	password, timestamp := c.password()
	body := stkPushRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            req.Amount.Major().StringFixed(0),
		PartyA:            req.Phone,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       req.Phone,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  truncate(req.Reference, 12),
		TransactionDesc:   truncate(req.Description, 13),
	}

	var resp stkPushResponse
	status, raw, err := c.post(ctx, "/mpesa/stkpush/v1/processrequest", body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("stk push: status=%d body=%s", status, string(raw))
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode stk push response: %w", err)
	}
	if resp.ResponseCode != "0" {
		return nil, fmt.Errorf("stk push rejected: code=%s %s", resp.ResponseCode, resp.ResponseDescription)
	}

	c.logger.Info("stk push accepted",
		"checkout_reference", resp.CheckoutRequestID,
		"merchant_request_id", resp.MerchantRequestID,
	)
	return &purchase.PaymentAck{
		CheckoutReference: resp.CheckoutRequestID,
		MerchantRequestID: resp.MerchantRequestID,
		CustomerMessage:   resp.CustomerMessage,
	}, nil
}

// QueryStatus asks the gateway for the outcome of a prompt. A prompt the
// customer has not answered yet reports purchase.ResultCodeProcessing.
func (c *Client) QueryStatus(ctx context.Context, checkoutReference string) (*purchase.PaymentStatus, error) {
	password, timestamp := c.password()
	body := queryRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutReference,
	}

	status, raw, err := c.post(ctx, "/mpesa/stkpushquery/v1/query", body)
	if err != nil {
		return nil, err
	}

	if status != http.StatusOK {
		var er errorResponse
		if json.Unmarshal(raw, &er) == nil && er.ErrorCode == purchase.ResultCodeProcessing {
			return &purchase.PaymentStatus{
				ResultCode:        purchase.ResultCodeProcessing,
				ResultDescription: er.ErrorMessage,
			}, nil
		}
		return nil, fmt.Errorf("status query: status=%d body=%s", status, string(raw))
	}

	var resp queryResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode status query response: %w", err)
	}
	code, err := resultCode(resp.ResultCode)
	if err != nil {
		return nil, err
	}
	if code == "" {
		return nil, fmt.Errorf("status query response without result code: %s", resp.ResponseDescription)
	}
	return &purchase.PaymentStatus{ResultCode: code, ResultDescription: resp.ResultDesc}, nil
}

// post sends an authenticated JSON request. A 401 invalidates the cached
// token and the request is retried once.
func (c *Client) post(ctx context.Context, path string, body any) (int, []byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal request: %w", err)
	}

	status, raw, err := c.do(ctx, path, payload)
	if errors.Is(err, errUnauthorized) {
		c.logger.Warn("gateway token rejected; refreshing", "path", path)
		c.tokens.Invalidate()
		status, raw, err = c.do(ctx, path, payload)
	}
	return status, raw, err
}

func (c *Client) do(ctx context.Context, path string, payload []byte) (int, []byte, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return 0, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return resp.StatusCode, raw, errUnauthorized
	}
	return resp.StatusCode, raw, nil
}

// password is base64(shortcode + passkey + timestamp).
func (c *Client) password() (string, string) {
	timestamp := c.now().In(eat).Format(timestampLayout)
	raw := c.cfg.ShortCode + c.cfg.PassKey + timestamp
	return base64.StdEncoding.EncodeToString([]byte(raw)), timestamp
}

// resultCode accepts the code as a JSON string or number.
func resultCode(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("invalid result code %s", string(raw))
	}
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10), nil
	}
	return n.String(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
