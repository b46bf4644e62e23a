// Package webhook receives payment gateway callbacks. It authenticates the
// caller by network origin, acknowledges at once and hands the normalized
// event to a Dispatcher for deferred processing.
package webhook

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"airtimebridge/internal/common/api"
	"airtimebridge/internal/providers/mpesa"
	"airtimebridge/internal/purchase"
)

const maxCallbackBody = 64 << 10

// Config holds webhook configuration.
type Config struct {
	AllowedCIDRs   []string `envconfig:"WEBHOOK_ALLOWED_CIDRS" default:"196.201.212.0/23,196.201.214.0/24"`
	AllowLoopback  bool     `envconfig:"WEBHOOK_ALLOW_LOOPBACK" default:"false"`
	TrustedProxies int      `envconfig:"WEBHOOK_TRUSTED_PROXIES" default:"0"`
	Workers        int      `envconfig:"WEBHOOK_WORKERS" default:"4"`
	QueueSize      int      `envconfig:"WEBHOOK_QUEUE_SIZE" default:"256"`

	// WriteTimeout bounds the audit write and the dispatch that precede
	// the acknowledgement.
	WriteTimeout time.Duration `envconfig:"WEBHOOK_WRITE_TIMEOUT" default:"2s"`
}

const defaultWriteTimeout = 2 * time.Second

// CallbackRecorder stores the raw copy of every accepted callback.
type CallbackRecorder interface {
	RecordCallback(ctx context.Context, log *purchase.CallbackLog) error
}

// Dispatcher defers processing of a payment event.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev purchase.PaymentEvent) error
}

// EventHandler applies a payment event to the ledger.
type EventHandler interface {
	HandlePaymentEvent(ctx context.Context, ev purchase.PaymentEvent) error
}

// ackBody is the gateway's expected acknowledgement.
type ackBody struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

var accepted = ackBody{ResultCode: 0, ResultDesc: "Accepted"}

// Handler serves the gateway callback endpoint.
type Handler struct {
	allow          *AllowList
	trustedProxies int
	writeTimeout   time.Duration
	recorder       CallbackRecorder
	dispatcher     Dispatcher
	logger         *slog.Logger
	now            func() time.Time
}

// NewHandler creates a callback handler.
func NewHandler(cfg Config, recorder CallbackRecorder, dispatcher Dispatcher, logger *slog.Logger) (*Handler, error) {
	entries := cfg.AllowedCIDRs
	if cfg.AllowLoopback {
		entries = append(append([]string{}, entries...), "127.0.0.0/8", "::1/128")
	}
	allow, err := ParseAllowList(entries)
	if err != nil {
		return nil, err
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &Handler{
		allow:          allow,
		trustedProxies: cfg.TrustedProxies,
		writeTimeout:   writeTimeout,
		recorder:       recorder,
		dispatcher:     dispatcher,
		logger:         logger.With("component", "webhook"),
		now:            func() time.Time { return time.Now().UTC() },
	}, nil
}

// Routes returns the webhook routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/mpesa/stk", h.HandleSTKCallback)
	return r
}

// HandleSTKCallback handles POST /mpesa/stk. Every request from an allowed
// origin is acknowledged, whatever happens to its payload.
func (h *Handler) HandleSTKCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	addr, ok := clientAddr(r, h.trustedProxies)
	if !ok || !h.allow.Allows(addr) {
		h.logger.Warn("callback from disallowed origin",
			"remote_addr", r.RemoteAddr,
			"forwarded_for", r.Header.Get("X-Forwarded-For"),
		)
		api.Forbidden(w, "origin not allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		h.logger.Error("failed to read callback body", "error", err)
		api.WriteJSON(w, http.StatusOK, accepted)
		return
	}

	receivedAt := h.now()
	ev, parseErr := mpesa.ParseCallback(body, receivedAt)

	rec := &purchase.CallbackLog{
		ID:                ulid.Make().String(),
		Provider:          "mpesa",
		CheckoutReference: ev.CheckoutReference,
		SourceIP:          addr.String(),
		Payload:           body,
		ReceivedAt:        receivedAt,
	}
	rctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	err = h.recorder.RecordCallback(rctx, rec)
	cancel()
	if err != nil {
		h.logger.Error("failed to record callback", "error", err, "callback_id", rec.ID)
	}

	if parseErr != nil {
		h.logger.Warn("malformed callback", "error", parseErr, "callback_id", rec.ID)
		api.WriteJSON(w, http.StatusOK, accepted)
		return
	}

	h.logger.Info("received payment callback",
		"checkout_reference", ev.CheckoutReference,
		"result_code", ev.ResultCode,
		"callback_id", rec.ID,
	)

	dctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	err = h.dispatcher.Dispatch(dctx, ev)
	cancel()
	if err != nil {
		h.logger.Error("failed to dispatch callback; reconciliation will resolve it",
			"error", err,
			"checkout_reference", ev.CheckoutReference,
			"callback_id", rec.ID,
		)
	}

	api.WriteJSON(w, http.StatusOK, accepted)
}
