package main

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/authenticator"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/domain"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/httpx"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/reqmeta"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/token"
)

// facade wires the authenticator and token engine into the vendor-facing
// HTTP surface spec.md §6 describes.
type facade struct {
	auth                  *authenticator.Authenticator
	engine                *token.Engine
	audience              string
	acceptedIssuers       []string
	clientIDHeader        string
	clientSecretHeader    string
	backwardCompatEnabled bool
	forwarder             http.Handler
}

type authenticateRequest struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

type authenticateResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	TokenType string    `json:"tokenType"`
}

// handleAuthenticate implements POST /authenticate: body {clientId,
// clientSecret} or the X-Client-ID/X-Client-Secret headers.
func (f *facade) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	requestID := httpx.RequestIDFromContext(r.Context())
	clientID, clientSecret := f.credentialsFromHeaders(r)
	if clientID == "" {
		var body authenticateRequest
		if err := httpx.DecodeStrict(w, r, &body); err != nil {
			httpx.WriteError(w, requestID, domain.NewAppError(domain.ErrValidation, "malformed request body"))
			return
		}
		clientID, clientSecret = body.ClientID, body.ClientSecret
	}

	tok, err := f.auth.Authenticate(r.Context(), clientID, clientSecret, requestID, reqmeta.Attributes(r))
	if err != nil {
		writeAppErr(w, requestID, err)
		return
	}

	httpx.WriteJSON(w, authenticateResponse{
		Token:     tok.Raw,
		ExpiresAt: tok.Claims.ExpiresAt,
		TokenType: "Bearer",
	})
}

type tokenBody struct {
	Token string `json:"token"`
}

// handleValidate implements POST /tokens/validate: body is a bearer
// token; optional X-Required-Permission header.
func (f *facade) handleValidate(w http.ResponseWriter, r *http.Request) {
	requestID := httpx.RequestIDFromContext(r.Context())
	var body tokenBody
	if err := httpx.DecodeStrict(w, r, &body); err != nil {
		httpx.WriteError(w, requestID, domain.NewAppError(domain.ErrValidation, "malformed request body"))
		return
	}

	required := domain.Permission(r.Header.Get("X-Required-Permission"))
	outcome := f.engine.Verify(r.Context(), body.Token, f.audience, f.acceptedIssuers, required)
	httpx.WriteJSON(w, outcome)
}

type renewResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// handleRefresh implements POST /tokens/refresh: body is a bearer token,
// returns a freshly minted token carrying the same subject and
// permissions, or 401 if the presented token does not check out as
// otherwise well-formed and freshly signed.
func (f *facade) handleRefresh(w http.ResponseWriter, r *http.Request) {
	requestID := httpx.RequestIDFromContext(r.Context())
	var body tokenBody
	if err := httpx.DecodeStrict(w, r, &body); err != nil {
		httpx.WriteError(w, requestID, domain.NewAppError(domain.ErrValidation, "malformed request body"))
		return
	}

	claims, err := f.engine.Parse(r.Context(), body.Token)
	if err != nil {
		httpx.WriteError(w, requestID, domain.NewAppError(domain.ErrInvalidToken, "token is not renewable"))
		return
	}

	renewed, err := f.engine.Mint(r.Context(), claims.Subject, claims.Permissions, 0)
	if err != nil {
		httpx.WriteError(w, requestID, domain.NewAppError(domain.ErrInternal, "renewal failed"))
		return
	}
	httpx.WriteJSON(w, renewResponse{Token: renewed.Raw, ExpiresAt: renewed.Claims.ExpiresAt})
}

// handleInternalRenew implements POST /internal/v1/tokens/renew, the
// endpoint cmd/validator's HTTPRenewalClient calls. Same semantics as
// handleRefresh; kept as a distinct handler because the internal surface
// is reached only by trusted downstream services, not vendors.
func (f *facade) handleInternalRenew(w http.ResponseWriter, r *http.Request) {
	f.handleRefresh(w, r)
}

// handleForward proxies business-path traffic (§6 "all business paths
// accept either header auth ... or a bearer token"). A header-auth
// request is exchanged for a token internally before forwarding; a
// bearer-token request passes through unchanged.
func (f *facade) handleForward(w http.ResponseWriter, r *http.Request) {
	requestID := httpx.RequestIDFromContext(r.Context())

	if strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		f.forwarder.ServeHTTP(w, r)
		return
	}

	if !f.backwardCompatEnabled {
		httpx.WriteError(w, requestID, domain.NewAppError(domain.ErrAuth, "missing bearer token"))
		return
	}

	clientID, clientSecret := f.credentialsFromHeaders(r)
	if clientID == "" {
		httpx.WriteError(w, requestID, domain.NewAppError(domain.ErrAuth, "missing credentials"))
		return
	}

	tok, err := f.auth.Authenticate(r.Context(), clientID, clientSecret, requestID, reqmeta.Attributes(r))
	if err != nil {
		writeAppErr(w, requestID, err)
		return
	}
	f.forwarder.ServeHTTP(w, authenticator.WithForwardedToken(r, tok))
}

func (f *facade) credentialsFromHeaders(r *http.Request) (clientID, clientSecret string) {
	return r.Header.Get(f.clientIDHeader), r.Header.Get(f.clientSecretHeader)
}

func writeAppErr(w http.ResponseWriter, requestID string, err error) {
	var appErr *domain.AppError
	if as, ok := err.(*domain.AppError); ok {
		appErr = as
	} else {
		zap.L().Error("unexpected authenticate error", zap.Error(err))
		appErr = domain.NewAppError(domain.ErrInternal, "internal error")
	}
	httpx.WriteError(w, requestID, appErr)
}
