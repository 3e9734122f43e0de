package cache

import (
	"sync"
	"time"

	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/domain"
)

type cachedToken struct {
	token     domain.Token
	expiresAt time.Time
}

func (c cachedToken) expired(now time.Time) bool { return !now.Before(c.expiresAt) }

// clientIndex is the secondary index clientId → set<tokenId> described in
// spec.md §4.2. Its mutex is the linearization point between PutToken and
// InvalidateByClient for a given client: a PutToken call that releases the
// lock before InvalidateByClient acquires it is guaranteed to be observed
// and removed (ordering guarantee (i), spec.md §5).
type clientIndex struct {
	mu       sync.Mutex
	tokenIDs map[string]struct{}
}

func newClientIndex() *clientIndex {
	return &clientIndex{tokenIDs: make(map[string]struct{})}
}

// credEntry caches the active credential-version metadata for a clientId,
// as opposed to issued tokens. Populated on authenticator lookups so step 1
// of authenticate() (spec.md §4.4) usually avoids a vault round trip.
type credEntry struct {
	versions  []domain.Credential
	loadedAt  time.Time
	expiresAt time.Time
}

func (c credEntry) fresh(now time.Time) bool { return now.Before(c.expiresAt) }
