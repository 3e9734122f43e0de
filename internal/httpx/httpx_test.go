package httpx

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/domain"
)

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, "req-1", domain.NewAppError(domain.ErrAuth, "invalid credentials"))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["errorCode"] != "AUTH_ERROR" {
		t.Errorf("errorCode = %v, want AUTH_ERROR", body["errorCode"])
	}
	if body["requestId"] != "req-1" {
		t.Errorf("requestId = %v, want req-1", body["requestId"])
	}
}

func TestRequestID_GeneratesWhenAbsent(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if seen == "" {
		t.Fatal("expected a generated request id")
	}
	if w.Header().Get("X-Request-Id") != seen {
		t.Errorf("response header = %q, want %q", w.Header().Get("X-Request-Id"), seen)
	}
}

func TestRequestID_ReusesInboundHeader(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "caller-supplied")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if seen != "caller-supplied" {
		t.Errorf("seen = %q, want caller-supplied", seen)
	}
}

func TestRecover_ConvertsPanicToEnvelope(t *testing.T) {
	h := RequestID(Recover(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
}

type strictBody struct {
	ClientID string `json:"clientId"`
}

func TestDecodeStrict_RejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"clientId":"acme","extra":"nope"}`))
	w := httptest.NewRecorder()

	var out strictBody
	if err := DecodeStrict(w, req, &out); err == nil {
		t.Fatal("expected an error for an unknown field")
	}
}

func TestDecodeStrict_RejectsTrailingData(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"clientId":"acme"}{"clientId":"again"}`))
	w := httptest.NewRecorder()

	var out strictBody
	if err := DecodeStrict(w, req, &out); err == nil {
		t.Fatal("expected an error for trailing data")
	}
}

func TestDecodeStrict_Accepts(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"clientId":"acme"}`))
	w := httptest.NewRecorder()

	var out strictBody
	if err := DecodeStrict(w, req, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.ClientID != "acme" {
		t.Errorf("clientId = %q, want acme", out.ClientID)
	}
}
