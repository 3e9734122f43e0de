// Package cache implements the trust plane's C2 Token Cache: a process-
// and cluster-shared store of minted tokens and credential metadata with
// TTL and targeted invalidation (spec.md §4.2).
//
// The implementation is two-tiered, adapted from the teacher framework's
// internal/tenant/cache.go + evictor.go (a sync.Map keyed by host, a
// golang.org/x/sync/singleflight.Group to coalesce concurrent loads, and a
// ticker-driven eviction sweep):
//
//   - L1 is in-process: a sync.Map plus a singleflight.Group keyed by
//     fingerprint, which is what makes at-most-one-mint-per-fingerprint
//     (spec.md §4.4 step 3, §8) cheap within a single façade process.
//   - L2 is Redis (github.com/redis/go-redis/v9), making the cache
//     cluster-shared as the component table in spec.md §2 requires. Every
//     write is stored in L1 under the client's index lock and then sent to
//     L2; L1 is populated opportunistically on L2 hits.
//
// The cache is never the source of truth: a miss at both tiers must fall
// through to vault + token verification by the caller (spec.md §4.2).
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/domain"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/metrics"
)

// MaxTTL caps how long any cache entry is retained regardless of the
// token's remaining lifetime, bounding memory growth from misbehaving
// callers that request an oversized TTL.
const MaxTTL = 2 * time.Hour

// Cache is safe for concurrent use. Construct with New.
type Cache struct {
	l2 *redisTier // nil disables L2; cache degrades to L1-only

	tokens      sync.Map // tokenId (string) → cachedToken
	fingerprint sync.Map // fingerprint (string) → tokenId (string)
	byClient    sync.Map // clientId (string) → *clientIndex
	credentials sync.Map // clientId (string) → credEntry

	mintGroup singleflight.Group
}

// New constructs a Cache. l2 may be nil for tests or for a deployment
// without Redis; cmd/facade passes a connected Redis tier (see
// NewRedisTier) when cache.redis.addr is set.
func New(l2 *redisTier) *Cache {
	return &Cache{l2: l2}
}

func capTTL(ttl time.Duration) time.Duration {
	if ttl > MaxTTL {
		return MaxTTL
	}
	return ttl
}

// -----------------------------------------------------------------------
// Token by id
// -----------------------------------------------------------------------

// GetByTokenID returns the cached token if present and unexpired. A miss
// here is not evidence the token is invalid — callers must fall through to
// C3's verify against the source of truth.
func (c *Cache) GetByTokenID(ctx context.Context, tokenID string) (domain.Token, bool) {
	if v, ok := c.tokens.Load(tokenID); ok {
		ct := v.(cachedToken)
		if !ct.expired(time.Now()) {
			metrics.CacheHitTotal.WithLabelValues("l1", "hit").Inc()
			return ct.token, true
		}
		c.tokens.Delete(tokenID)
	}
	metrics.CacheHitTotal.WithLabelValues("l1", "miss").Inc()

	if c.l2 == nil {
		return domain.Token{}, false
	}
	tok, expiresAt, ok := c.l2.getToken(ctx, tokenID)
	if !ok {
		metrics.CacheHitTotal.WithLabelValues("l2", "miss").Inc()
		return domain.Token{}, false
	}
	metrics.CacheHitTotal.WithLabelValues("l2", "hit").Inc()
	c.storeL1(tok, expiresAt)
	return tok, true
}

// PutIfAbsent inserts tok keyed by its tokenId unless an entry already
// exists, returning the pre-existing token when present. This is the
// primitive spec.md §4.2 names directly; GetOrMint (below) is the façade's
// usual entry point and stores its minted token with PutToken plus the
// fingerprint index instead.
func (c *Cache) PutIfAbsent(ctx context.Context, tok domain.Token, ttl time.Duration) (existing *domain.Token, inserted bool) {
	idx := c.indexFor(tok.Claims.Subject)
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if v, ok := c.tokens.Load(tok.Claims.TokenID); ok {
		ct := v.(cachedToken)
		if !ct.expired(time.Now()) {
			existing := ct.token
			return &existing, false
		}
	}

	exp := time.Now().Add(capTTL(ttl))
	c.tokens.Store(tok.Claims.TokenID, cachedToken{token: tok, expiresAt: exp})
	idx.tokenIDs[tok.Claims.TokenID] = struct{}{}
	if c.l2 != nil {
		c.l2.putToken(ctx, tok, exp)
	}
	return nil, true
}

// PutToken unconditionally inserts or overwrites tok, last-write-wins by
// tokenId (spec.md §4.2 concurrency note).
func (c *Cache) PutToken(ctx context.Context, tok domain.Token, ttl time.Duration) {
	idx := c.indexFor(tok.Claims.Subject)
	exp := time.Now().Add(capTTL(ttl))

	idx.mu.Lock()
	c.tokens.Store(tok.Claims.TokenID, cachedToken{token: tok, expiresAt: exp})
	idx.tokenIDs[tok.Claims.TokenID] = struct{}{}
	idx.mu.Unlock()

	if c.l2 != nil {
		c.l2.putToken(ctx, tok, exp)
	}
}

func (c *Cache) storeL1(tok domain.Token, expiresAt time.Time) {
	idx := c.indexFor(tok.Claims.Subject)
	idx.mu.Lock()
	c.tokens.Store(tok.Claims.TokenID, cachedToken{token: tok, expiresAt: expiresAt})
	idx.tokenIDs[tok.Claims.TokenID] = struct{}{}
	idx.mu.Unlock()
}

func (c *Cache) indexFor(clientID string) *clientIndex {
	v, _ := c.byClient.LoadOrStore(clientID, newClientIndex())
	return v.(*clientIndex)
}

// -----------------------------------------------------------------------
// Fingerprint lookups and at-most-one minting
// -----------------------------------------------------------------------

// GetByFingerprint returns the live token minted for fingerprint F, if any.
func (c *Cache) GetByFingerprint(ctx context.Context, fingerprint string) (domain.Token, bool) {
	if v, ok := c.fingerprint.Load(fingerprint); ok {
		tok, ok := c.GetByTokenID(ctx, v.(string))
		if ok {
			return tok, true
		}
		c.fingerprint.Delete(fingerprint)
	}
	if c.l2 != nil {
		if tokenID, ok := c.l2.getFingerprint(ctx, fingerprint); ok {
			if tok, ok := c.GetByTokenID(ctx, tokenID); ok {
				c.fingerprint.Store(fingerprint, tokenID)
				return tok, true
			}
		}
	}
	return domain.Token{}, false
}

// GetOrMint implements spec.md §4.4 step 3 in its entirety: under a
// per-fingerprint lock, return a live cached token if one exists, otherwise
// call mint exactly once across all concurrent callers sharing fingerprint
// and cache the result. The singleflight.Group is the "striped scheme keyed
// by the fingerprint" spec.md §5 asks for — it bounds contention to callers
// that share a fingerprint and never blocks unrelated clients.
func (c *Cache) GetOrMint(ctx context.Context, fingerprint string, mint func(ctx context.Context) (domain.Token, error)) (domain.Token, error) {
	if tok, ok := c.GetByFingerprint(ctx, fingerprint); ok {
		return tok, nil
	}

	v, err, _ := c.mintGroup.Do(fingerprint, func() (any, error) {
		if tok, ok := c.GetByFingerprint(ctx, fingerprint); ok {
			return tok, nil
		}
		tok, err := mint(ctx)
		if err != nil {
			return domain.Token{}, err
		}
		c.PutToken(ctx, tok, time.Until(tok.Claims.ExpiresAt))
		c.fingerprint.Store(fingerprint, tok.Claims.TokenID)
		if c.l2 != nil {
			c.l2.putFingerprint(ctx, fingerprint, tok.Claims.TokenID, tok.Claims.ExpiresAt)
		}
		return tok, nil
	})
	if err != nil {
		return domain.Token{}, err
	}
	return v.(domain.Token), nil
}

// -----------------------------------------------------------------------
// Invalidation
// -----------------------------------------------------------------------

// InvalidateByClient removes every cached token whose subject is clientId.
// Best-effort but monotonic: a token removed here is never resurrected by
// this call (spec.md §4.2); tokens inserted concurrently by a PutToken that
// has not yet released the per-client lock are simply not part of this
// call's snapshot and will be caught by a subsequent invalidation if still
// required.
func (c *Cache) InvalidateByClient(ctx context.Context, clientID string) {
	v, ok := c.byClient.Load(clientID)
	if !ok {
		metrics.CacheInvalidateTotal.Inc()
		return
	}
	idx := v.(*clientIndex)

	idx.mu.Lock()
	ids := make([]string, 0, len(idx.tokenIDs))
	for id := range idx.tokenIDs {
		ids = append(ids, id)
	}
	idx.tokenIDs = make(map[string]struct{})
	idx.mu.Unlock()

	for _, id := range ids {
		c.tokens.Delete(id)
	}
	if c.l2 != nil {
		c.l2.deleteTokens(ctx, ids)
	}
	metrics.CacheInvalidateTotal.Inc()
}

// -----------------------------------------------------------------------
// Credential metadata
// -----------------------------------------------------------------------

// GetCredentialMetadata returns the cached active-version metadata for
// clientId if present and within its freshness window.
func (c *Cache) GetCredentialMetadata(clientID string) ([]domain.Credential, bool) {
	v, ok := c.credentials.Load(clientID)
	if !ok {
		return nil, false
	}
	ce := v.(credEntry)
	if !ce.fresh(time.Now()) {
		return nil, false
	}
	return ce.versions, true
}

// PutCredentialMetadata caches clientId's active credential versions for
// ttl. Also used by the authenticator's degraded-mode fallback: entries
// remain readable (via GetCredentialMetadataStale) past expiry so a vault
// outage can still be served within a configured freshness tolerance.
func (c *Cache) PutCredentialMetadata(clientID string, versions []domain.Credential, ttl time.Duration) {
	now := time.Now()
	c.credentials.Store(clientID, credEntry{
		versions:  versions,
		loadedAt:  now,
		expiresAt: now.Add(ttl),
	})
}

// GetCredentialMetadataStale returns the cached metadata regardless of
// freshness, plus its age, for use only when vault is confirmed
// Unavailable (spec.md §4.4 failure semantics / scenario 3 in §8).
func (c *Cache) GetCredentialMetadataStale(clientID string) (versions []domain.Credential, age time.Duration, ok bool) {
	v, ok := c.credentials.Load(clientID)
	if !ok {
		return nil, 0, false
	}
	ce := v.(credEntry)
	return ce.versions, time.Since(ce.loadedAt), true
}
