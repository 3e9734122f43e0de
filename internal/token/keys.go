package token

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/vault"
)

// ErrKeysUnavailable means the signing or verification key could not be
// resolved through C1 — spec.md §4.4's "token-sign key unavailable" path,
// which must fail the request (5xx) rather than authenticate without one.
var ErrKeysUnavailable = errors.New("token: signing/verification keys unavailable")

// SecretGetter is the subset of *vault.Client the token engine needs,
// narrowed so tests can supply an in-memory fake instead of a real client.
type SecretGetter interface {
	GetSecret(ctx context.Context, path string) (map[string]any, error)
}

// keyring caches the current signing key and the full set of trusted
// verification keys, refreshing from vault on a TTL. Within the TTL the
// cached material is used without a vault call; once stale, a refresh is
// attempted, and the previous material is still served only when that
// refresh fails with vault.ErrUnavailable (best-effort degraded mode, mirroring the vault
// client's own identity-refresh loop in internal/vault).
type keyring struct {
	vault SecretGetter
	cfg   Config

	mu               sync.RWMutex
	signingKID       string
	signingKey       []byte
	verificationKeys map[string][]byte
	loadedAt         time.Time
}

func newKeyring(v SecretGetter, cfg Config) *keyring {
	return &keyring{vault: v, cfg: cfg}
}

func (k *keyring) fresh() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return !k.loadedAt.IsZero() && time.Since(k.loadedAt) < k.cfg.KeyRefreshInterval
}

func (k *keyring) ensure(ctx context.Context) error {
	if k.fresh() {
		return nil
	}
	return k.refresh(ctx)
}

func (k *keyring) refresh(ctx context.Context) error {
	signing, err := k.vault.GetSecret(ctx, k.cfg.SigningKeyPath)
	if err != nil {
		return k.degradeOrFail(err)
	}
	verification, err := k.vault.GetSecret(ctx, k.cfg.VerificationKeyPath)
	if err != nil {
		return k.degradeOrFail(err)
	}

	kid, ok := signing["kid"].(string)
	if !ok || kid == "" {
		return fmt.Errorf("%w: signing secret missing kid", ErrKeysUnavailable)
	}
	keyB64, ok := signing["key"].(string)
	if !ok || keyB64 == "" {
		return fmt.Errorf("%w: signing secret missing key", ErrKeysUnavailable)
	}
	signingKey, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return fmt.Errorf("%w: signing key not base64", ErrKeysUnavailable)
	}

	verificationKeys := make(map[string][]byte, len(verification))
	for vkid, raw := range verification {
		s, ok := raw.(string)
		if !ok {
			continue
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			continue
		}
		verificationKeys[vkid] = b
	}
	// The current signing key must always be trusted for verification too,
	// so a token minted an instant ago never fails its own freshly-rotated
	// issuer's check.
	verificationKeys[kid] = signingKey

	k.mu.Lock()
	k.signingKID = kid
	k.signingKey = signingKey
	k.verificationKeys = verificationKeys
	k.loadedAt = time.Now()
	k.mu.Unlock()
	return nil
}

// degradeOrFail returns cause wrapped in ErrKeysUnavailable unless a
// previous key load exists and cause is vault.ErrUnavailable, in which case
// it logs and lets the caller continue against stale-but-present material.
// loadedAt is not advanced, so every later call retries the refresh and the
// stale material is served for as long as vault stays unavailable.
func (k *keyring) degradeOrFail(cause error) error {
	k.mu.RLock()
	haveMaterial := k.signingKey != nil
	k.mu.RUnlock()
	if !haveMaterial {
		return fmt.Errorf("%w: %v", ErrKeysUnavailable, cause)
	}
	if errors.Is(cause, vault.ErrUnavailable) {
		zap.L().Warn("token: key refresh failed, serving stale keyring", zap.Error(cause))
		return nil
	}
	return fmt.Errorf("%w: %v", ErrKeysUnavailable, cause)
}

func (k *keyring) signingMaterial() (kid string, key []byte, ok bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.signingKID, k.signingKey, k.signingKey != nil
}

func (k *keyring) verificationKey(kid string) ([]byte, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.verificationKeys[kid]
	return key, ok
}
