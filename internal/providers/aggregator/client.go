// Package aggregator is the airtime aggregator client: disbursement of
// airtime to a subscriber and the merchant float balance.
package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"airtimebridge/internal/common/money"
	"airtimebridge/internal/purchase"
)

const maxBody = 1 << 20

// Config holds aggregator configuration.
type Config struct {
	BaseURL  string         `envconfig:"AGGREGATOR_BASE_URL" default:"https://api.sandbox.airtime.example"`
	APIKey   string         `envconfig:"AGGREGATOR_API_KEY"`
	Currency money.Currency `envconfig:"AGGREGATOR_CURRENCY" default:"KES"`
	Timeout  time.Duration  `envconfig:"AGGREGATOR_HTTP_TIMEOUT" default:"30s"`
}

// Reply statuses
const (
	StatusSuccess = "Success"
	StatusSent    = "Sent"
	StatusFailed  = "Failed"
)

// Client implements purchase.Disburser.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

var _ purchase.Disburser = (*Client)(nil)

// NewClient creates an aggregator client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With("component", "aggregator"),
	}
}

type sendRequest struct {
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Reference string `json:"reference"`
}

type sendResponse struct {
	Status        string `json:"status"`
	TransactionID string `json:"transactionId"`
	ErrorCode     string `json:"errorCode"`
	Message       string `json:"message"`
}

type balanceResponse struct {
	Balance string `json:"balance"`
}

// Disburse sends airtime. Transport errors and 5xx replies are returned as
// errors; the caller treats them as ambiguous. A 4xx reply is a definitive
// failure. The reference lets the aggregator drop duplicate sends.
func (c *Client) Disburse(ctx context.Context, req purchase.DisburseRequest) (*purchase.DisburseResult, error) {
	body, err := json.Marshal(sendRequest{
		Recipient: "+" + strings.TrimPrefix(req.Phone, "+"),
		Amount:    req.Amount.MajorString(),
		Currency:  string(req.Amount.Currency),
		Reference: req.Reference,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	status, raw, err := c.do(ctx, http.MethodPost, "/airtime/send", body)
	if err != nil {
		return nil, err
	}
	if status >= 500 {
		return nil, fmt.Errorf("airtime send: status=%d body=%s", status, string(raw))
	}

	var resp sendResponse
	decodeErr := json.Unmarshal(raw, &resp)

	result := &purchase.DisburseResult{
		Outcome:      purchase.OutcomeAmbiguous,
		ProviderRef:  resp.TransactionID,
		ResponseCode: resp.ErrorCode,
		Message:      resp.Message,
		Payload:      jsonPayload(raw),
	}
	if result.ResponseCode == "" {
		result.ResponseCode = fmt.Sprintf("http_%d", status)
	}

	switch {
	case status >= 400:
		result.Outcome = purchase.OutcomeFailure
	case decodeErr != nil:
		result.Message = "undecodable reply: " + decodeErr.Error()
	default:
		result.Outcome = classify(resp.Status)
	}

	c.logger.Info("airtime send",
		"reference", req.Reference,
		"status", resp.Status,
		"outcome", result.Outcome,
		"provider_ref", result.ProviderRef,
	)
	return result, nil
}

// Balance returns the merchant float.
func (c *Client) Balance(ctx context.Context) (money.Money, error) {
	status, raw, err := c.do(ctx, http.MethodGet, "/account/balance", nil)
	if err != nil {
		return money.Money{}, err
	}
	if status != http.StatusOK {
		return money.Money{}, fmt.Errorf("balance: status=%d body=%s", status, string(raw))
	}

	var resp balanceResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return money.Money{}, fmt.Errorf("decode balance response: %w", err)
	}
	balance, err := money.ParseMajor(resp.Balance, c.cfg.Currency)
	if err != nil {
		return money.Money{}, fmt.Errorf("parse balance %q: %w", resp.Balance, err)
	}
	return balance, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("apiKey", c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, raw, nil
}

func classify(status string) purchase.AttemptOutcome {
	switch {
	case strings.EqualFold(status, StatusSuccess), strings.EqualFold(status, StatusSent):
		return purchase.OutcomeSuccess
	case strings.EqualFold(status, StatusFailed):
		return purchase.OutcomeFailure
	}
	return purchase.OutcomeAmbiguous
}

// jsonPayload keeps the reply for the attempt audit row. Non-JSON bodies are
// wrapped so the column always holds valid JSON.
func jsonPayload(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	if json.Valid(raw) {
		return raw
	}
	wrapped, _ := json.Marshal(map[string]string{"body": string(raw)})
	return wrapped
}
