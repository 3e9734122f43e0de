package vault

import (
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/audit"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/domain"
)

// TestCheckIdentityExpiry_EmitsVaultIdentityExpired covers spec.md §4.1's
// degraded-state transition: once the current service identity has
// expired, the client marks itself degraded exactly once and emits
// VAULT_IDENTITY_EXPIRED.
func TestCheckIdentityExpiry_EmitsVaultIdentityExpired(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	c := &Client{audit: audit.New(zap.New(core))}
	c.identityExpiry = time.Now().Add(-time.Minute)

	c.checkIdentityExpiry()

	if !c.Degraded() {
		t.Fatalf("expected client to be marked degraded")
	}

	found := false
	for _, entry := range logs.All() {
		if entry.ContextMap()["event_type"] == string(domain.EventVaultIdentityExpired) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected VAULT_IDENTITY_EXPIRED audit event, got entries: %+v", logs.All())
	}

	// A second call must not re-emit: degraded only transitions once.
	c.checkIdentityExpiry()
	count := 0
	for _, entry := range logs.All() {
		if entry.ContextMap()["event_type"] == string(domain.EventVaultIdentityExpired) {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one VAULT_IDENTITY_EXPIRED event, got %d", count)
	}
}

// TestCheckIdentityExpiry_NotYetExpired covers the common case: no event,
// no degraded transition, while the identity is still within its TTL.
func TestCheckIdentityExpiry_NotYetExpired(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	c := &Client{audit: audit.New(zap.New(core))}
	c.identityExpiry = time.Now().Add(time.Hour)

	c.checkIdentityExpiry()

	if c.Degraded() {
		t.Fatalf("expected client to remain healthy")
	}
	if len(logs.All()) != 0 {
		t.Fatalf("expected no audit events, got %+v", logs.All())
	}
}
