package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

var errBusy = errors.New("busy")

func TestWriteMapped(t *testing.T) {
	mappings := []ErrorMapping{
		{Target: errBusy, Status: http.StatusServiceUnavailable, Code: "BUSY", Message: "try later"},
	}

	rec := httptest.NewRecorder()
	if !WriteMapped(rec, fmt.Errorf("queue: %w", errBusy), mappings) {
		t.Fatal("wrapped error not mapped")
	}
	var resp Response[any]
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if rec.Code != http.StatusServiceUnavailable || resp.Error == nil || resp.Error.Code != "BUSY" || resp.Error.Message != "try later" {
		t.Errorf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	if WriteMapped(httptest.NewRecorder(), errors.New("other"), mappings) {
		t.Error("unrelated error was mapped")
	}
}

func TestDecodeAndValidate(t *testing.T) {
	type body struct {
		Phone string `json:"phone" validate:"required,msisdn"`
	}
	for in, ok := range map[string]bool{
		`{"phone":"+254 712 345678"}`: true,
		`{"phone":"0712345678"}`:      true,
		`{"phone":"07123abc"}`:        false,
		`{"phone":"+"}`:               false,
		`{}`:                          false,
	} {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(in))
		var b body
		if err := DecodeAndValidate(req, &b); (err == nil) != ok {
			t.Errorf("%s: err = %v, want ok = %v", in, err, ok)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"phone":"x"}`))
	var b body
	rec := httptest.NewRecorder()
	ValidationError(rec, DecodeAndValidate(req, &b))
	if rec.Code != http.StatusUnprocessableEntity || !strings.Contains(rec.Body.String(), "Must be a mobile number") {
		t.Errorf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestGetPaginationParams(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?limit=500&offset=-1", nil)
	if p := GetPaginationParams(req, 20, 100); p.Limit != 20 || p.Offset != 0 {
		t.Errorf("params = %+v", p)
	}
	req = httptest.NewRequest(http.MethodGet, "/?limit=5&offset=10", nil)
	if p := GetPaginationParams(req, 20, 100); p.Limit != 5 || p.Offset != 10 {
		t.Errorf("params = %+v", p)
	}
}
