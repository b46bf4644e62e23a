// Package api holds the JSON envelope and error conventions shared by the
// HTTP surfaces.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Response is the standard API response envelope
type Response[T any] struct {
	Data  T      `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// Error represents an API error
type Error struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// PaginatedResponse is the standard paginated response envelope
type PaginatedResponse[T any] struct {
	Data       []T         `json:"data"`
	Pagination *Pagination `json:"pagination"`
}

// Pagination holds pagination info
type Pagination struct {
	Limit   int   `json:"limit"`
	Offset  int   `json:"offset"`
	Total   int64 `json:"total"`
	HasMore bool  `json:"has_more"`
}

// Error codes
const (
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeInternalError       = "INTERNAL_ERROR"
	ErrCodeAmountOutOfBounds   = "AMOUNT_OUT_OF_BOUNDS"
	ErrCodeDuplicateRequest    = "DUPLICATE_REQUEST"
	ErrCodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	ErrCodeFloatExhausted      = "FLOAT_EXHAUSTED"
)

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteData writes a successful data response
func WriteData[T any](w http.ResponseWriter, status int, data T) {
	WriteJSON(w, status, Response[T]{Data: data})
}

// WritePaginated writes a page of results. A nil page is written as [].
func WritePaginated[T any](w http.ResponseWriter, data []T, pagination *Pagination) {
	if data == nil {
		data = []T{}
	}
	WriteJSON(w, http.StatusOK, PaginatedResponse[T]{Data: data, Pagination: pagination})
}

// WriteError writes an error envelope.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, Response[any]{Error: &Error{Code: code, Message: message}})
}

// Forbidden writes a 403 response
func Forbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, ErrCodeForbidden, message)
}

// NotFound writes a 404 response
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// InternalError writes a 500 response
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, ErrCodeInternalError, message)
}

// ErrorMapping routes a domain error to its HTTP status and code. An empty
// Message echoes the error text.
type ErrorMapping struct {
	Target  error
	Status  int
	Code    string
	Message string
}

// WriteMapped writes the first mapping err matches and reports whether one
// did. Validation failures go through ValidationError so field details are
// kept.
func WriteMapped(w http.ResponseWriter, err error, mappings []ErrorMapping) bool {
	for _, m := range mappings {
		if !errors.Is(err, m.Target) {
			continue
		}
		if m.Code == ErrCodeValidation {
			ValidationError(w, err)
			return true
		}
		msg := m.Message
		if msg == "" {
			msg = err.Error()
		}
		WriteError(w, m.Status, m.Code, msg)
		return true
	}
	return false
}

// ValidationError writes a 422 response with validation details
func ValidationError(w http.ResponseWriter, err error) {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		WriteError(w, http.StatusUnprocessableEntity, ErrCodeValidation, err.Error())
		return
	}
	details := make(map[string]string, len(fieldErrs))
	for _, e := range fieldErrs {
		details[e.Field()] = describeFieldError(e)
	}
	WriteJSON(w, http.StatusUnprocessableEntity, Response[any]{Error: &Error{
		Code:    ErrCodeValidation,
		Message: "Validation failed",
		Details: details,
	}})
}

func describeFieldError(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "This field is required"
	case "min":
		return "Must be at least " + e.Param()
	case "max":
		return "Must be at most " + e.Param()
	case "gt":
		return "Must be greater than " + e.Param()
	case "msisdn":
		return "Must be a mobile number"
	default:
		return "Invalid value"
	}
}

// Validate is the shared validator. It knows the msisdn tag: digits with an
// optional leading + and spaces.
var Validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("msisdn", func(fl validator.FieldLevel) bool {
		s := strings.ReplaceAll(strings.TrimPrefix(fl.Field().String(), "+"), " ", "")
		if s == "" {
			return false
		}
		for _, r := range s {
			if r < '0' || r > '9' {
				return false
			}
		}
		return true
	})
	return v
}

// DecodeAndValidate decodes JSON and validates the result
func DecodeAndValidate(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return err
	}
	return Validate.Struct(v)
}

// PaginationParams holds limit/offset query parameters
type PaginationParams struct {
	Limit  int
	Offset int
}

// GetPaginationParams reads limit and offset, ignoring values out of range.
func GetPaginationParams(r *http.Request, defaultLimit, maxLimit int) PaginationParams {
	q := r.URL.Query()
	params := PaginationParams{Limit: defaultLimit}
	if l, err := strconv.Atoi(q.Get("limit")); err == nil && l > 0 && l <= maxLimit {
		params.Limit = l
	}
	if o, err := strconv.Atoi(q.Get("offset")); err == nil && o >= 0 {
		params.Offset = o
	}
	return params
}
