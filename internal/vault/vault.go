// internal/vault/vault.go
//
// Vault client for the trust plane's C1 component.
//
// Context
// -------
//   - Wraps the HashiCorp Vault Go SDK with retry + a circuit breaker, per
//     spec.md §4.1: base 100ms backoff, 1.5x multiplier, 3 attempts, ±20%
//     jitter; breaker trips at 50% failures over a 20-call window and goes
//     half-open after 30s.
//   - Exposes exactly the four operations the spec calls for:
//     GetSecret, PutSecret, ListVersions, SetVersionState.
//   - Runs a background identity-refresh loop so a failure to refresh
//     never invalidates in-flight requests; the client instead transitions
//     to a degraded state once the current identity actually expires.
//
// Adapted from the teacher framework's internal/vault/vault.go, which did
// token self-renewal with an api.Renewer but had none of the KV-v2
// operation surface, retry, or breaker this component needs.
package vault

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	vaultapi "github.com/hashicorp/vault/api"
	"go.uber.org/zap"

	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/audit"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/breaker"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/domain"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/metrics"
)

// ErrNotFound means the secret path (or key within it) does not exist.
var ErrNotFound = errors.New("vault: secret not found")

// ErrUnavailable means the breaker is open or retries were exhausted; the
// caller should apply its own degraded-mode fallback (e.g. a cached
// credential within its freshness window) rather than treat this as a
// logical authentication failure.
var ErrUnavailable = errors.New("vault: unavailable")

// Client is safe for concurrent use. Construct with New during boot and
// inject it into C1's collaborators (credential repository, token engine,
// rotation controller).
type Client struct {
	api   *vaultapi.Client
	br    *breaker.Breaker
	audit *audit.Emitter

	identityMu     sync.RWMutex
	identityExpiry time.Time
	degraded       atomic.Bool
}

// Config configures breaker thresholds and the identity TTL. Zero value
// uses the spec.md §4.1 defaults. RetryBase, RetryMultiplier and
// RetryMaxAttempts are not read: retry always uses a 100ms base, a 1.5x
// multiplier, and 3 attempts.
type Config struct {
	RetryBase       time.Duration
	RetryMultiplier float64
	RetryMaxAttempts int
	BreakerWindow    int
	BreakerRatio     float64
	BreakerReset     time.Duration
	// IdentityTTL is how long the current service identity remains usable
	// after a failed refresh before the client is considered degraded.
	IdentityTTL time.Duration
}

func (c *Config) withDefaults() {
	if c.RetryBase <= 0 {
		c.RetryBase = 100 * time.Millisecond
	}
	if c.RetryMultiplier <= 0 {
		c.RetryMultiplier = 1.5
	}
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = 3
	}
	if c.BreakerWindow <= 0 {
		c.BreakerWindow = 20
	}
	if c.BreakerRatio <= 0 {
		c.BreakerRatio = 0.5
	}
	if c.BreakerReset <= 0 {
		c.BreakerReset = 30 * time.Second
	}
	if c.IdentityTTL <= 0 {
		c.IdentityTTL = time.Hour
	}
}

// New constructs a Client and starts the background identity-refresh loop.
// auditor may be nil, in which case identity-expiry transitions are logged
// but not audited (accepted for binaries that never touch credential
// material, e.g. a future read-only caller).
//
// Environment expectations mirror the teacher client: VAULT_ADDR and
// VAULT_TOKEN (or ~/.vault-token). In production this token is the
// certificate-bound service identity described in spec.md §4.1.
func New(ctx context.Context, cfg Config, auditor *audit.Emitter) (*Client, error) {
	cfg.withDefaults()

	vcfg := vaultapi.DefaultConfig()
	if err := vcfg.ReadEnvironment(); err != nil {
		return nil, fmt.Errorf("vault env cfg: %w", err)
	}

	apiCli, err := vaultapi.NewClient(vcfg)
	if err != nil {
		return nil, fmt.Errorf("vault api: %w", err)
	}
	if tok := os.Getenv("VAULT_TOKEN"); tok != "" {
		apiCli.SetToken(tok)
	}

	c := &Client{
		api:   apiCli,
		audit: auditor,
		br: breaker.New(breaker.Config{
			Window:       cfg.BreakerWindow,
			FailureRatio: cfg.BreakerRatio,
			ResetTimeout: cfg.BreakerReset,
			OnStateChange: func(from, to breaker.State) {
				metrics.VaultBreakerState.Set(float64(to))
				zap.L().Warn("vault breaker state change",
					zap.String("from", from.String()), zap.String("to", to.String()))
			},
		}),
	}
	c.identityMu.Lock()
	c.identityExpiry = time.Now().Add(cfg.IdentityTTL)
	c.identityMu.Unlock()

	go c.identityRefreshLoop(ctx, cfg)

	return c, nil
}

// Degraded reports whether the current service identity has expired
// without a successful refresh.
func (c *Client) Degraded() bool { return c.degraded.Load() }

// -----------------------------------------------------------------------
// Public operations
// -----------------------------------------------------------------------

// GetSecret fetches every key in the KV-v2 secret at path. Returns
// ErrNotFound if the path has no current version, ErrUnavailable if the
// breaker is open or all retries were exhausted.
func (c *Client) GetSecret(ctx context.Context, path string) (map[string]any, error) {
	var out map[string]any
	op := func() error {
		mount, rel := splitMount(path)
		sec, err := c.api.KVv2(mount).Get(ctx, rel)
		if err != nil {
			if vaultapi.ErrorIsMissingPath(err) || errors.Is(err, vaultapi.ErrSecretNotFound) {
				return backoff.Permanent(ErrNotFound)
			}
			return err
		}
		if sec == nil || sec.Data == nil {
			return backoff.Permanent(ErrNotFound)
		}
		out = sec.Data
		return nil
	}

	err := c.callWithBreaker(ctx, "get_secret", op)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PutSecret writes data as a new version of the KV-v2 secret at path.
// PutSecret is not idempotent by vault semantics: each call creates a new
// version (spec.md §4.1).
func (c *Client) PutSecret(ctx context.Context, path string, data map[string]any) error {
	op := func() error {
		mount, rel := splitMount(path)
		_, err := c.api.KVv2(mount).Put(ctx, rel, data)
		return err
	}
	return c.callWithBreaker(ctx, "put_secret", op)
}

// ListVersions returns the ordered version metadata for path, oldest first.
func (c *Client) ListVersions(ctx context.Context, path string) ([]vaultapi.KVVersionMetadata, error) {
	var out []vaultapi.KVVersionMetadata
	op := func() error {
		mount, rel := splitMount(path)
		versions, err := c.api.KVv2(mount).GetVersionsAsList(ctx, rel)
		if err != nil {
			return err
		}
		out = versions
		return nil
	}
	err := c.callWithBreaker(ctx, "list_versions", op)
	return out, err
}

// SetVersionState enables or disables one version of a KV-v2 secret.
// Disabling maps onto Vault's recoverable soft-delete (DeleteVersions),
// which is exactly the "disabled-but-present" state the rotation
// controller's OLD_DEPRECATED transition requires (spec.md §4.5);
// enabling maps onto Undelete.
func (c *Client) SetVersionState(ctx context.Context, path string, version int, enabled bool) error {
	op := func() error {
		mount, rel := splitMount(path)
		kv := c.api.KVv2(mount)
		if enabled {
			return kv.Undelete(ctx, rel, []int{version})
		}
		return kv.DeleteVersions(ctx, rel, []int{version})
	}
	return c.callWithBreaker(ctx, "set_version_state", op)
}

// -----------------------------------------------------------------------
// Retry + breaker plumbing
// -----------------------------------------------------------------------

func (c *Client) callWithBreaker(ctx context.Context, op string, fn func() error) error {
	if err := c.br.Allow(); err != nil {
		metrics.VaultCallTotal.WithLabelValues(op, "breaker_open").Inc()
		return ErrUnavailable
	}

	err := c.retry(ctx, fn)
	c.br.Record(filterPermanentForBreaker(err))

	switch {
	case err == nil:
		metrics.VaultCallTotal.WithLabelValues(op, "ok").Inc()
		return nil
	case errors.Is(err, ErrNotFound):
		metrics.VaultCallTotal.WithLabelValues(op, "not_found").Inc()
		return ErrNotFound
	default:
		metrics.VaultCallTotal.WithLabelValues(op, "error").Inc()
		return ErrUnavailable
	}
}

// filterPermanentForBreaker keeps backoff.Permanent(ErrNotFound) from
// counting as a breaker failure: a missing secret is a logical outcome, not
// an upstream health signal.
func filterPermanentForBreaker(err error) error {
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// retry applies exponential backoff with jitter, bounded at 3 attempts,
// per spec.md §4.1 (base 100ms, multiplier 1.5, 3 attempts, jitter ±20%).
func (c *Client) retry(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.Multiplier = 1.5
	b.RandomizationFactor = 0.2
	bctx := backoff.WithContext(backoff.WithMaxRetries(b, 2), ctx) // 3 attempts total

	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return err
		}
		return err
	}, bctx)
}

// -----------------------------------------------------------------------
// Identity refresh
// -----------------------------------------------------------------------

// identityRefreshLoop mirrors the teacher client's renewLoop shape (probe,
// renewer, backoff-and-retry) but drives it off IdentityTTL so a refresh
// failure degrades the client only once the *current* identity actually
// expires, never mid-flight (spec.md §4.1).
func (c *Client) identityRefreshLoop(ctx context.Context, cfg Config) {
	ticker := time.NewTicker(cfg.IdentityTTL / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		sec, err := c.api.Auth().Token().RenewSelfWithContext(ctx, 0)
		if err != nil || sec == nil {
			zap.L().Warn("vault: identity refresh failed", zap.Error(err))
			c.checkIdentityExpiry()
			continue
		}

		c.identityMu.Lock()
		c.identityExpiry = time.Now().Add(cfg.IdentityTTL)
		c.identityMu.Unlock()
		c.degraded.Store(false)
	}
}

func (c *Client) checkIdentityExpiry() {
	c.identityMu.RLock()
	expired := time.Now().After(c.identityExpiry)
	c.identityMu.RUnlock()

	if expired && c.degraded.CompareAndSwap(false, true) {
		zap.L().Error("vault: service identity expired, entering degraded state")
		if c.audit != nil {
			c.audit.Emit(domain.AuditEvent{
				EventType: domain.EventVaultIdentityExpired,
			})
		}
	}
}

// -----------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------

func splitMount(p string) (mount, rel string) {
	if p == "" {
		return "", ""
	}
	parts := strings.SplitN(p, "/", 2)
	mount = parts[0]
	if len(parts) == 2 {
		rel = parts[1]
	}
	return
}
