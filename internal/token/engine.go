// Package token implements the trust plane's C3 Token Engine: mint, sign,
// verify, parse, isExpired, and shouldRenew over short-lived,
// capability-bearing tokens (spec.md §4.3).
//
// Tokens are HMAC-SHA256-signed compact JWTs built with
// github.com/golang-jwt/jwt/v5, grounded on the token-maker shape in
// suleymanmyradov-growth-server's pkg/gourdiantoken-master (construct via
// jwt.NewWithClaims, verify via jwt.ParseWithClaims with a Keyfunc
// resolving material by kid). Signature comparison is constant-time
// because jwt/v5's HMAC verifier uses crypto/hmac.Equal internally; no
// additional subtle.ConstantTimeCompare is needed on the signature itself.
package token

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/domain"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/metrics"
)

// Config controls key paths, issuer/audience, TTLs, and clock skew
// tolerance. Zero value uses spec.md §4.3/§6 defaults.
type Config struct {
	SigningKeyPath      string
	VerificationKeyPath string
	Issuer              string
	Audience            string
	DefaultTTL          time.Duration
	RenewThreshold      time.Duration
	ClockSkew           time.Duration
	KeyRefreshInterval  time.Duration
}

func (c *Config) withDefaults() {
	if c.SigningKeyPath == "" {
		c.SigningKeyPath = "tokens/signing-key"
	}
	if c.VerificationKeyPath == "" {
		c.VerificationKeyPath = "tokens/verification-key"
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = time.Hour
	}
	if c.RenewThreshold <= 0 {
		c.RenewThreshold = 30 * time.Second
	}
	if c.ClockSkew <= 0 {
		c.ClockSkew = 60 * time.Second
	}
	if c.KeyRefreshInterval <= 0 {
		c.KeyRefreshInterval = 5 * time.Minute
	}
}

// Engine mints, signs, verifies, and parses tokens. Safe for concurrent
// use. Construct with New.
type Engine struct {
	cfg Config
	kr  *keyring
}

// New constructs an Engine backed by vault for key resolution.
func New(vault SecretGetter, cfg Config) *Engine {
	cfg.withDefaults()
	return &Engine{cfg: cfg, kr: newKeyring(vault, cfg)}
}

// wireClaims is the JSON shape actually signed, matching spec.md §6's
// {iss, sub, aud, exp, iat, jti, permissions}.
type wireClaims struct {
	jwt.RegisteredClaims
	Permissions []string `json:"permissions"`
}

func claimsFromWire(wc wireClaims) domain.TokenClaims {
	perms := make([]domain.Permission, len(wc.Permissions))
	for i, p := range wc.Permissions {
		perms[i] = domain.Permission(p)
	}
	aud := ""
	if len(wc.Audience) > 0 {
		aud = wc.Audience[0]
	}
	var iat, exp time.Time
	if wc.IssuedAt != nil {
		iat = wc.IssuedAt.Time
	}
	if wc.ExpiresAt != nil {
		exp = wc.ExpiresAt.Time
	}
	return domain.TokenClaims{
		TokenID:     wc.ID,
		Subject:     wc.Subject,
		Issuer:      wc.Issuer,
		Audience:    aud,
		IssuedAt:    iat,
		ExpiresAt:   exp,
		Permissions: perms,
	}
}

// Mint creates, signs, and returns a new token for subject with the given
// permissions and ttl (DefaultTTL if ttl <= 0). Returns ErrKeysUnavailable
// if the signing key cannot be resolved through C1 — callers must not
// authenticate the request in that case (spec.md §4.4 failure semantics).
func (e *Engine) Mint(ctx context.Context, subject string, permissions []domain.Permission, ttl time.Duration) (domain.Token, error) {
	if ttl <= 0 {
		ttl = e.cfg.DefaultTTL
	}
	if err := e.kr.ensure(ctx); err != nil {
		return domain.Token{}, err
	}
	kid, key, ok := e.kr.signingMaterial()
	if !ok {
		return domain.Token{}, ErrKeysUnavailable
	}

	now := time.Now()
	claims := domain.TokenClaims{
		TokenID:     uuid.NewString(),
		Subject:     subject,
		Issuer:      e.cfg.Issuer,
		Audience:    e.cfg.Audience,
		IssuedAt:    now,
		ExpiresAt:   now.Add(ttl),
		Permissions: permissions,
	}

	raw, err := e.sign(claims, kid, key)
	if err != nil {
		return domain.Token{}, err
	}
	metrics.TokensMintedTotal.Inc()
	return domain.Token{Raw: raw, Claims: claims}, nil
}

// sign is the low-level operation spec.md §4.3 names directly: it does not
// mint a tokenId or set timestamps, it only serializes already-built
// claims under keyId.
func (e *Engine) sign(claims domain.TokenClaims, kid string, key []byte) (string, error) {
	perms := make([]string, len(claims.Permissions))
	for i, p := range claims.Permissions {
		perms[i] = string(p)
	}
	wc := wireClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    claims.Issuer,
			Subject:   claims.Subject,
			Audience:  jwt.ClaimStrings{claims.Audience},
			IssuedAt:  jwt.NewNumericDate(claims.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(claims.ExpiresAt),
			ID:        claims.TokenID,
		},
		Permissions: perms,
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, wc)
	t.Header["kid"] = kid
	return t.SignedString(key)
}

// Parse recovers claims from raw, checking only the signature (via the
// trusted verification keyring) and structural validity — it does not
// check expiry, issuer, audience, or permissions. Verify performs the
// same check itself before its claim checks; callers needing "is this otherwise a well-formed, freshly
// signed token" (spec.md §4.6 expired-token renewal check) without the
// full Verify pipeline should call Parse directly.
func (e *Engine) Parse(ctx context.Context, raw string) (domain.TokenClaims, error) {
	if err := e.kr.ensure(ctx); err != nil {
		return domain.TokenClaims{}, err
	}

	var wc wireClaims
	_, err := jwt.ParseWithClaims(raw, &wc, e.keyfunc, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	if err != nil {
		return domain.TokenClaims{}, err
	}
	return claimsFromWire(wc), nil
}

func (e *Engine) keyfunc(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	if kid == "" {
		return nil, errors.New("token: missing kid header")
	}
	key, ok := e.kr.verificationKey(kid)
	if !ok {
		return nil, errors.New("token: unknown kid")
	}
	return key, nil
}

// Verify implements the full check spec.md §4.3 describes: signature,
// issuer, audience, expiry with ClockSkew tolerance on both edges, and the
// capability required by the caller's path. Pass an empty required to skip
// the permission check (used by endpoints with no capability requirement).
func (e *Engine) Verify(ctx context.Context, raw string, expectedAudience string, acceptedIssuers []string, required domain.Permission) (outcome ValidationOutcome) {
	defer func() {
		metrics.TokensVerifiedTotal.WithLabelValues(strings.ToLower(string(outcome.Kind))).Inc()
	}()

	if err := e.kr.ensure(ctx); err != nil {
		return ValidationOutcome{Kind: Malformed, Reason: "verification keys unavailable"}
	}

	var wc wireClaims
	_, err := jwt.ParseWithClaims(raw, &wc, e.keyfunc, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
			return ValidationOutcome{Kind: SignatureMismatch, Reason: err.Error()}
		default:
			return ValidationOutcome{Kind: Malformed, Reason: err.Error()}
		}
	}

	claims := claimsFromWire(wc)
	now := time.Now()

	if now.After(claims.ExpiresAt.Add(e.cfg.ClockSkew)) {
		return ValidationOutcome{Kind: Expired, Claims: claims}
	}
	if now.Before(claims.IssuedAt.Add(-e.cfg.ClockSkew)) {
		return ValidationOutcome{Kind: Malformed, Claims: claims, Reason: "token not yet valid"}
	}

	trustedIssuer := len(acceptedIssuers) == 0
	for _, iss := range acceptedIssuers {
		if iss == claims.Issuer {
			trustedIssuer = true
			break
		}
	}
	if !trustedIssuer {
		return ValidationOutcome{Kind: UntrustedIssuer, Claims: claims}
	}
	if expectedAudience != "" && claims.Audience != expectedAudience {
		return ValidationOutcome{Kind: UntrustedAudience, Claims: claims}
	}
	if required != "" && !claims.HasPermission(required) {
		return ValidationOutcome{Kind: Forbidden, Claims: claims, MissingPermission: required}
	}

	return ValidationOutcome{Kind: Valid, Claims: claims}
}

// IsExpired reports whether tok's ExpiresAt has passed as of now, with no
// clock-skew tolerance — a stricter check than Verify's Expired outcome.
// ShouldRenew uses it to rule out already-expired tokens.
func IsExpired(tok domain.Token, now time.Time) bool {
	return !now.Before(tok.Claims.ExpiresAt)
}

// ShouldRenew reports whether tok is live but within threshold of expiry
// (spec.md §4.6 renewal-on-use).
func ShouldRenew(tok domain.Token, now time.Time, threshold time.Duration) bool {
	if IsExpired(tok, now) {
		return false
	}
	return tok.Claims.ExpiresAt.Sub(now) <= threshold
}

// RenewThreshold returns the engine's configured renewal threshold, for
// callers (C6) that want ShouldRenew without plumbing config separately.
func (e *Engine) RenewThreshold() time.Duration { return e.cfg.RenewThreshold }
