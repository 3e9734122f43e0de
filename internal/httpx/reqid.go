package httpx

import (
	"context"
	"net/http"
)

type requestIDKey struct{}

// RequestID assigns every inbound request a requestId (reusing an
// inbound X-Request-Id if the caller already set one) and echoes it back
// on the response. Every audit event and error envelope downstream reads
// it from the request context via RequestIDFromContext.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = NewRequestID()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFromContext returns the request ID RequestID attached to ctx,
// or "" if the middleware never ran.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
