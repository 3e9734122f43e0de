package httpx

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/domain"
)

// Recover converts a panic anywhere downstream into a 500 INTERNAL_ERROR
// envelope instead of killing the connection, logging the stack at Error
// so the cause is still diagnosable.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				zap.L().Error("panic_recovered",
					zap.Any("panic", rec),
					zap.String("request_id", RequestIDFromContext(r.Context())),
					zap.ByteString("stack", debug.Stack()),
				)
				WriteError(w, RequestIDFromContext(r.Context()), domain.NewAppError(domain.ErrInternal, "internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
