package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// maxBodyBytes bounds request bodies this façade decodes; none of its
// documented payloads (§6) come close to it.
const maxBodyBytes = 1 << 20 // 1 MiB

// DecodeStrict JSON-decodes r's body into v, rejecting unknown fields and
// trailing data. A malformed body is the caller's fault, not the server's,
// so the error is meant to be wrapped into a VALIDATION_ERROR envelope.
func DecodeStrict(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("httpx: decode request body: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("httpx: unexpected trailing data in request body")
	}
	return nil
}
