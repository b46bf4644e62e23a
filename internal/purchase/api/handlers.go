package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"airtimebridge/internal/common/api"
	"airtimebridge/internal/common/middleware"
	"airtimebridge/internal/common/money"
	"airtimebridge/internal/ledger/store"
	"airtimebridge/internal/purchase"
)

// Purchaser starts purchases.
type Purchaser interface {
	Initiate(ctx context.Context, req purchase.InitiateRequest) (*purchase.InitiateResult, error)
}

// TransactionReader is the user-scoped read tier.
type TransactionReader interface {
	Get(ctx context.Context, userID, id string) (*purchase.Transaction, error)
	List(ctx context.Context, userID string, f store.ListFilter) ([]*purchase.Transaction, int64, error)
}

// Handler handles purchase HTTP requests
type Handler struct {
	purchaser Purchaser
	reader    TransactionReader
	currency  money.Currency
	logger    *slog.Logger
}

// NewHandler creates a new purchase handler
func NewHandler(purchaser Purchaser, reader TransactionReader, currency money.Currency, logger *slog.Logger) *Handler {
	return &Handler{
		purchaser: purchaser,
		reader:    reader,
		currency:  currency,
		logger:    logger.With("component", "purchase-api"),
	}
}

// Routes returns the purchase routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequireUser)

	r.Post("/", h.CreatePurchase)
	r.Get("/", h.ListPurchases)
	r.Get("/{id}", h.GetPurchase)
	r.Get("/{id}/status", h.GetPurchaseStatus)

	return r
}

// PurchaseRequest is the API request for buying airtime
type PurchaseRequest struct {
	Phone          string `json:"phone" validate:"required,min=9,max=16,msisdn"`
	Amount         int64  `json:"amount" validate:"required,gt=0"`
	ProductRef     string `json:"product_ref" validate:"max=64"`
	IdempotencyKey string `json:"idempotency_key" validate:"max=128"`
}

// TransactionResponse is the API representation of a transaction
type TransactionResponse struct {
	ID                string    `json:"id"`
	Phone             string    `json:"phone"`
	Amount            string    `json:"amount"`
	Currency          string    `json:"currency"`
	ProductRef        string    `json:"product_ref,omitempty"`
	State             string    `json:"state"`
	CheckoutReference string    `json:"checkout_reference,omitempty"`
	ReceiptReference  string    `json:"receipt_reference,omitempty"`
	FailureReason     string    `json:"failure_reason,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// StatusResponse is the API response for a status lookup
type StatusResponse struct {
	ID       string `json:"id"`
	State    string `json:"state"`
	Terminal bool   `json:"terminal"`
}

// CreatePurchase handles POST /purchases
func (h *Handler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req PurchaseRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" {
		key = req.IdempotencyKey
	}

	res, err := h.purchaser.Initiate(r.Context(), purchase.InitiateRequest{
		Phone:          req.Phone,
		Amount:         money.FromMajor(req.Amount, h.currency),
		UserID:         userID,
		IdempotencyKey: key,
		ProductRef:     req.ProductRef,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		w.Header().Set("X-Idempotency-Replayed", "true")
		status = http.StatusOK
	}
	api.WriteData(w, status, toResponse(res.Transaction))
}

// ListPurchases handles GET /purchases
func (h *Handler) ListPurchases(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	page := api.GetPaginationParams(r, 20, 100)

	filter := store.ListFilter{Limit: page.Limit, Offset: page.Offset}
	if s := r.URL.Query().Get("state"); s != "" {
		state, err := purchase.ParseState(strings.ToUpper(s))
		if err != nil {
			api.ValidationError(w, err)
			return
		}
		filter.State = &state
	}

	txns, total, err := h.reader.List(r.Context(), userID, filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	out := make([]TransactionResponse, 0, len(txns))
	for _, txn := range txns {
		out = append(out, toResponse(txn))
	}
	api.WritePaginated(w, out, &api.Pagination{
		Limit:   page.Limit,
		Offset:  page.Offset,
		Total:   total,
		HasMore: int64(page.Offset+len(out)) < total,
	})
}

// GetPurchase handles GET /purchases/{id}
func (h *Handler) GetPurchase(w http.ResponseWriter, r *http.Request) {
	txn, err := h.reader.Get(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, toResponse(txn))
}

// GetPurchaseStatus handles GET /purchases/{id}/status
func (h *Handler) GetPurchaseStatus(w http.ResponseWriter, r *http.Request) {
	txn, err := h.reader.Get(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, StatusResponse{
		ID:       txn.ID,
		State:    string(txn.State),
		Terminal: txn.State.IsTerminal(),
	})
}

var serviceErrors = []api.ErrorMapping{
	{Target: purchase.ErrAmountOutOfBounds, Status: http.StatusUnprocessableEntity, Code: api.ErrCodeAmountOutOfBounds},
	{Target: purchase.ErrInvalidPhone, Code: api.ErrCodeValidation},
	{Target: purchase.ErrInvalidAmount, Code: api.ErrCodeValidation},
	{Target: purchase.ErrMissingUser, Code: api.ErrCodeValidation},
	{Target: purchase.ErrNotFound, Status: http.StatusNotFound, Code: api.ErrCodeNotFound, Message: "transaction not found"},
	{Target: purchase.ErrDuplicateRequest, Status: http.StatusConflict, Code: api.ErrCodeDuplicateRequest},
	{Target: purchase.ErrProviderUnavailable, Status: http.StatusBadGateway, Code: api.ErrCodeProviderUnavailable, Message: "payment provider unavailable, try again later"},
	{Target: purchase.ErrFloatExhausted, Status: http.StatusServiceUnavailable, Code: api.ErrCodeFloatExhausted, Message: "airtime temporarily unavailable"},
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if api.WriteMapped(w, err, serviceErrors) {
		return
	}
	h.logger.Error("purchase request failed",
		"error", err,
		"path", r.URL.Path,
		"correlation_id", middleware.GetCorrelationID(r.Context()),
	)
	api.InternalError(w, "internal error")
}

func toResponse(txn *purchase.Transaction) TransactionResponse {
	return TransactionResponse{
		ID:                txn.ID,
		Phone:             txn.Phone,
		Amount:            txn.Amount.MajorString(),
		Currency:          string(txn.Amount.Currency),
		ProductRef:        txn.ProductRef,
		State:             string(txn.State),
		CheckoutReference: txn.CheckoutReference,
		ReceiptReference:  txn.ReceiptReference,
		FailureReason:     txn.FailureReason,
		CreatedAt:         txn.CreatedAt,
		UpdatedAt:         txn.UpdatedAt,
	}
}
