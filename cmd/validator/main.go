// Command validator runs C6, the Internal Validator: a standalone
// binary-facing library surfaced as its own process that trusts only
// tokens, never vendor credentials (spec.md §4.6).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/audit"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/config"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/domain"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/httpx"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/logger"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/middleware"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/server"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/token"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/validator"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.S().Fatalw("config load failed", "err", err)
	}

	log, err := logger.New(logger.Options{
		RootDir: cfg.Paths.Root,
		Service: "validator",
		Tee:     true,
	})
	if err != nil {
		zap.S().Fatalw("logger init failed", "err", err)
	}
	defer log.Sync()

	ctx := context.Background()
	auditor := audit.New(log)
	// C6 never holds vendor credentials; it uses vault only for the token
	// keys. The engine's keyring reads both the signing and the
	// verification key secrets, and verification fails if either is missing.
	vaultCli, err := vault.New(ctx, vault.Config{
		RetryBase:       100 * time.Millisecond,
		RetryMultiplier: cfg.Vault.RetryMultiplier,
		BreakerWindow:   cfg.CircuitBreaker.Window,
		BreakerRatio:    cfg.CircuitBreaker.FailureRatio,
		BreakerReset:    cfg.CircuitBreaker.ResetTimeout(),
	}, auditor)
	if err != nil {
		log.Fatal("vault client init failed", zap.Error(err))
	}

	engine := token.New(vaultCli, token.Config{
		SigningKeyPath:      cfg.Token.SigningKeyPath,
		VerificationKeyPath: cfg.Token.VerificationKeyPath,
		Issuer:              cfg.Token.Issuer,
		Audience:            cfg.Token.Audience,
		DefaultTTL:          cfg.Token.TTL(),
		RenewThreshold:      cfg.Token.RenewThreshold(),
		ClockSkew:           cfg.Token.ClockSkew(),
	})

	renewal := validator.NewHTTPRenewalClient(cfg.Token.RenewalBaseURL)
	v := validator.New(validator.Config{
		ExpectedAudience: cfg.Token.Audience,
		AcceptedIssuers:  []string{cfg.Token.Issuer},
		RenewalEnabled:   cfg.Token.RenewalEnabled,
	}, engine, renewal, auditor)

	vc := &validateClient{engine: engine, audience: cfg.Token.Audience, acceptedIssuers: []string{cfg.Token.Issuer}}

	r := chi.NewRouter()
	r.Use(httpx.RequestID)
	r.Use(httpx.Recover)
	r.Use(middleware.Security)
	r.Use(func(next http.Handler) http.Handler {
		return middleware.ForceHTTPS(cfg.HTTP.ForceHTTPS, next)
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/internal/v1/tokens/validate", vc.handle)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		handleValidate(w, r, v)
	})

	srv := server.New(cfg.HTTP.ListenAddr, r, server.Timeouts{
		Read:  cfg.HTTP.ReadTimeout(),
		Write: cfg.HTTP.WriteTimeout(),
		Idle:  cfg.HTTP.IdleTimeout(),
	})

	go func() {
		log.Info("validator listening", zap.String("addr", cfg.HTTP.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("validator server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("validator shutdown error", zap.Error(err))
	}
}

// handleValidate is the catch-all HTTP entry point: every request not
// matched by /metrics or POST /internal/v1/tokens/validate is validated
// against the capability its method/path resolves to, per spec.md §4.6's
// pathTable.
func handleValidate(w http.ResponseWriter, r *http.Request, v *validator.Validator) {
	requestID := httpx.RequestIDFromContext(r.Context())
	raw := bearerToken(r)
	if raw == "" {
		httpx.WriteError(w, requestID, domain.NewAppError(domain.ErrAuth, "missing bearer token"))
		return
	}

	result := v.Validate(r.Context(), raw, r.Method, r.URL.Path, requestID)
	if result.Renewed != nil {
		w.Header().Set("Authorization", "Bearer "+result.Renewed.Raw)
	}

	status := validator.HTTPStatus(result.Outcome)
	if status != http.StatusOK {
		httpx.WriteError(w, requestID, domain.NewAppError(validator.ErrorCode(result.Outcome), string(result.Outcome.Kind)))
		return
	}
	httpx.WriteJSON(w, result.Outcome)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(h, "Bearer ")
}

// validateClient implements POST /internal/v1/tokens/validate, spec.md §6's
// distinct entry point for a caller that already knows the exact capability
// it needs (body is a bearer token, X-Required-Permission header), as
// opposed to handleValidate's catch-all which derives the capability from
// CapabilityForPath. Mirrors cmd/facade/handlers.go's handleValidate.
type validateClient struct {
	engine          *token.Engine
	audience        string
	acceptedIssuers []string
}

type validateRequest struct {
	Token string `json:"token"`
}

func (vc *validateClient) handle(w http.ResponseWriter, r *http.Request) {
	requestID := httpx.RequestIDFromContext(r.Context())
	var body validateRequest
	if err := httpx.DecodeStrict(w, r, &body); err != nil {
		httpx.WriteError(w, requestID, domain.NewAppError(domain.ErrValidation, "malformed request body"))
		return
	}

	required := domain.Permission(r.Header.Get("X-Required-Permission"))
	outcome := vc.engine.Verify(r.Context(), body.Token, vc.audience, vc.acceptedIssuers, required)
	httpx.WriteJSON(w, outcome)
}
