// Package authenticator implements C4: the vendor-facing authenticate/
// forward entry point that turns a validated Client-ID/Client-Secret pair
// into a short-lived token, and attaches that token to forwarded business
// traffic (spec.md §4.4).
package authenticator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/audit"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/cache"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/credential"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/domain"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/metrics"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/ratelimit"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/token"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/vault"
)

// defaultPermissions is granted to every authenticated client. spec.md names
// a "role" as the source of a client's permission set but defines no
// separate role store anywhere in the external interfaces or data model;
// this repository resolves that silence by granting the full capability set
// to every credential, matching the vendor-facing surface's two documented
// capabilities (process_payment, view_status) — see DESIGN.md.
var defaultPermissions = []domain.Permission{
	domain.PermissionProcessPayment,
	domain.PermissionViewStatus,
}

// metadataFreshnessTolerance bounds how stale a cached credential-metadata
// read may be before a vault outage degrades to a hard failure instead of
// serving it (spec.md §4.4 failure semantics, "serve from cached credential
// if freshness permits").
const metadataFreshnessTolerance = 5 * time.Minute

// Config tunes the authenticator beyond its collaborators' own config.
type Config struct {
	MetadataCacheTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.MetadataCacheTTL <= 0 {
		c.MetadataCacheTTL = time.Minute
	}
	return c
}

// Authenticator is C4. Construct with New and share across request
// goroutines; it is safe for concurrent use.
type Authenticator struct {
	cfg Config

	vaultStore *credential.VaultStore
	cache      *cache.Cache
	limiter    *ratelimit.Limiter
	engine     *token.Engine
	audit      *audit.Emitter
}

// New constructs an Authenticator.
func New(cfg Config, vaultStore *credential.VaultStore, c *cache.Cache, limiter *ratelimit.Limiter, engine *token.Engine, auditor *audit.Emitter) *Authenticator {
	return &Authenticator{
		cfg:        cfg.withDefaults(),
		vaultStore: vaultStore,
		cache:      c,
		limiter:    limiter,
		engine:     engine,
		audit:      auditor,
	}
}

// Authenticate implements spec.md §4.4's algorithm for
// authenticate(clientId, clientSecret). requestID is carried through for
// audit correlation; attrs is merged into every audit event this call
// emits (request metadata from internal/reqmeta).
func (a *Authenticator) Authenticate(ctx context.Context, clientID, clientSecret, requestID string, attrs map[string]any) (domain.Token, error) {
	if !a.limiter.Allow(clientID) {
		metrics.RateLimitedTotal.Inc()
		return domain.Token{}, domain.NewAppError(domain.ErrRateLimited, "too many requests")
	}

	versions, err := a.activeCredentials(ctx, clientID, requestID)
	if err != nil {
		a.emitFailure(clientID, requestID, attrs, err.Error())
		return domain.Token{}, err
	}
	if len(versions) == 0 {
		a.emitFailure(clientID, requestID, attrs, "no active credential versions")
		return domain.Token{}, domain.NewAppError(domain.ErrAuth, "invalid credentials")
	}

	acceptedVersion := ""
	for _, v := range versions {
		if credential.Matches(v.SecretHash, clientSecret) {
			acceptedVersion = v.Version
			break
		}
	}
	if acceptedVersion == "" {
		a.emitFailure(clientID, requestID, attrs, "secret did not match any active version")
		return domain.Token{}, domain.NewAppError(domain.ErrAuth, "invalid credentials")
	}

	fingerprint := token.Fingerprint(clientID, acceptedVersion)
	tok, err := a.cache.GetOrMint(ctx, fingerprint, func(ctx context.Context) (domain.Token, error) {
		minted, err := a.engine.Mint(ctx, clientID, defaultPermissions, 0)
		if err != nil {
			return domain.Token{}, err
		}
		a.audit.Emit(domain.AuditEvent{
			EventType:  domain.EventTokenIssued,
			ClientID:   clientID,
			RequestID:  requestID,
			Attributes: mergeAttrs(attrs, map[string]any{"accepted_version": acceptedVersion}),
		})
		return minted, nil
	})
	if err != nil {
		if errors.Is(err, token.ErrKeysUnavailable) {
			return domain.Token{}, domain.NewAppError(domain.ErrUpstreamUnavailable, "signing key unavailable")
		}
		return domain.Token{}, domain.NewAppError(domain.ErrInternal, "token mint failed")
	}

	metrics.AuthSuccessTotal.WithLabelValues(audit.MaskIdentifier(clientID)).Inc()
	a.audit.Emit(domain.AuditEvent{
		EventType:   domain.EventAuthSuccess,
		ClientID:    clientID,
		TokenIDMask: audit.MaskTokenID(tok.Claims.TokenID),
		RequestID:   requestID,
		Attributes:  attrs,
	})
	return tok, nil
}

// activeCredentials resolves clientId's currently-active credential versions
// through C2's metadata cache, falling through to C1 on a miss and applying
// the degraded-mode stale-read fallback on a confirmed vault outage
// (spec.md §4.4 failure semantics).
func (a *Authenticator) activeCredentials(ctx context.Context, clientID, requestID string) ([]domain.Credential, error) {
	if versions, ok := a.cache.GetCredentialMetadata(clientID); ok {
		return versions, nil
	}

	versions, err := a.vaultStore.ActiveCredentials(ctx, clientID)
	if err != nil {
		if errors.Is(err, vault.ErrUnavailable) {
			if stale, age, ok := a.cache.GetCredentialMetadataStale(clientID); ok && age <= metadataFreshnessTolerance {
				zap.L().Warn("authenticator_serving_stale_credential_metadata",
					zap.String("client_id", audit.MaskIdentifier(clientID)),
					zap.Duration("age", age),
				)
				a.audit.Emit(domain.AuditEvent{
					EventType: domain.EventVaultDegraded,
					ClientID:  clientID,
					RequestID: requestID,
					Attributes: map[string]any{
						"age_seconds": age.Seconds(),
					},
				})
				return stale, nil
			}
			return nil, domain.NewAppError(domain.ErrUpstreamUnavailable, "credential metadata unavailable")
		}
		return nil, domain.NewAppError(domain.ErrInternal, "credential lookup failed")
	}

	a.cache.PutCredentialMetadata(clientID, versions, a.cfg.MetadataCacheTTL)
	return versions, nil
}

func (a *Authenticator) emitFailure(clientID, requestID string, attrs map[string]any, reason string) {
	metrics.AuthFailureTotal.WithLabelValues(reason).Inc()
	a.audit.Emit(domain.AuditEvent{
		EventType:  domain.EventAuthFailure,
		ClientID:   clientID,
		RequestID:  requestID,
		Attributes: mergeAttrs(attrs, map[string]any{"reason": reason}),
	})
}

func mergeAttrs(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// -----------------------------------------------------------------------
// Forward
// -----------------------------------------------------------------------

// NewForwarder builds a reverse proxy that authenticates header-based
// requests and attaches the resulting bearer token before forwarding to
// downstreamURL, per spec.md §4.4 step 4 and §6's "for backward
// compatibility, the façade performs the exchange internally." There is no
// proxying library anywhere in the example pack; net/http/httputil's
// ReverseProxy is the standard-library tool for exactly this, so no
// third-party dependency is a better fit (see DESIGN.md).
func (a *Authenticator) NewForwarder(downstreamURL *url.URL) *httputil.ReverseProxy {
	proxy := httputil.NewSingleHostReverseProxy(downstreamURL)
	originalDirector := proxy.Director
	proxy.Director = func(r *http.Request) {
		originalDirector(r)
		if tok, ok := r.Context().Value(forwardedTokenKey{}).(domain.Token); ok {
			r.Header.Set("Authorization", "Bearer "+tok.Raw)
		}
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		zap.L().Error("forward_proxy_error", zap.Error(err))
		w.WriteHeader(http.StatusBadGateway)
	}
	return proxy
}

type forwardedTokenKey struct{}

// WithForwardedToken attaches tok to r's context so a ReverseProxy built by
// NewForwarder can attach it as a bearer credential in its Director.
func WithForwardedToken(r *http.Request, tok domain.Token) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), forwardedTokenKey{}, tok))
}
