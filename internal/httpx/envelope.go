// Package httpx holds the HTTP-layer plumbing shared by all three binaries:
// the uniform JSON error envelope, request-ID propagation, and strict
// request decoding (spec.md §6/§7).
package httpx

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/domain"
)

// errorEnvelope is the uniform JSON error shape spec.md §6 mandates:
// {errorCode, message, requestId, timestamp}.
type errorEnvelope struct {
	ErrorCode string    `json:"errorCode"`
	Message   string    `json:"message"`
	RequestID string    `json:"requestId"`
	Timestamp time.Time `json:"timestamp"`
}

// WriteError writes an AppError as the uniform envelope at its fixed
// status code. requestID should come from RequestIDFromContext so the
// same ID a caller sees in the response also appears in the audit trail.
func WriteError(w http.ResponseWriter, requestID string, err *domain.AppError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Code.HTTPStatus())
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		ErrorCode: string(err.Code),
		Message:   err.Message,
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
	})
}

// WriteJSON writes v as a 200 JSON body.
func WriteJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}

// NewRequestID generates a fresh request identifier. Exposed so callers
// outside the middleware (e.g. background jobs correlating audit events)
// can mint one with the same shape.
func NewRequestID() string {
	return uuid.NewString()
}
