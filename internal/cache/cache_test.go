package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/domain"
)

func newToken(subject, tokenID string, ttl time.Duration) domain.Token {
	now := time.Now()
	return domain.Token{
		Raw: "raw-" + tokenID,
		Claims: domain.TokenClaims{
			TokenID:   tokenID,
			Subject:   subject,
			ExpiresAt: now.Add(ttl),
			IssuedAt:  now,
		},
	}
}

func TestCache_PutAndGetByTokenID(t *testing.T) {
	c := New(nil)
	tok := newToken("client-a", "tok-1", time.Minute)
	c.PutToken(context.Background(), tok, time.Minute)

	got, ok := c.GetByTokenID(context.Background(), "tok-1")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got.Claims.TokenID != "tok-1" {
		t.Errorf("unexpected token: %+v", got)
	}
}

func TestCache_GetByTokenID_ExpiredIsMiss(t *testing.T) {
	c := New(nil)
	tok := newToken("client-a", "tok-expired", time.Minute)
	c.PutToken(context.Background(), tok, -time.Second)

	if _, ok := c.GetByTokenID(context.Background(), "tok-expired"); ok {
		t.Fatal("expected miss for expired entry")
	}
}

func TestCache_PutIfAbsent(t *testing.T) {
	c := New(nil)
	tok := newToken("client-a", "tok-2", time.Minute)

	existing, inserted := c.PutIfAbsent(context.Background(), tok, time.Minute)
	if !inserted || existing != nil {
		t.Fatalf("expected first insert to succeed, got inserted=%v existing=%v", inserted, existing)
	}

	other := newToken("client-a", "tok-2", time.Minute)
	existing, inserted = c.PutIfAbsent(context.Background(), other, time.Minute)
	if inserted {
		t.Fatal("expected second insert to be rejected")
	}
	if existing == nil || existing.Claims.TokenID != "tok-2" {
		t.Fatalf("expected existing token returned, got %+v", existing)
	}
}

func TestCache_GetOrMint_CallsMintOnceOnMiss(t *testing.T) {
	c := New(nil)
	var calls int64
	mint := func(ctx context.Context) (domain.Token, error) {
		atomic.AddInt64(&calls, 1)
		return newToken("client-a", "tok-minted", time.Minute), nil
	}

	tok, err := c.GetOrMint(context.Background(), "fp-1", mint)
	if err != nil {
		t.Fatalf("GetOrMint error: %v", err)
	}
	if tok.Claims.TokenID != "tok-minted" {
		t.Errorf("unexpected token: %+v", tok)
	}

	tok2, err := c.GetOrMint(context.Background(), "fp-1", mint)
	if err != nil {
		t.Fatalf("GetOrMint second call error: %v", err)
	}
	if tok2.Claims.TokenID != "tok-minted" {
		t.Errorf("expected cached token on second call, got %+v", tok2)
	}
	if calls != 1 {
		t.Errorf("expected mint called exactly once, got %d", calls)
	}
}

func TestCache_GetOrMint_PropagatesMintError(t *testing.T) {
	c := New(nil)
	wantErr := errors.New("mint failed")
	_, err := c.GetOrMint(context.Background(), "fp-err", func(ctx context.Context) (domain.Token, error) {
		return domain.Token{}, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected mint error to propagate, got %v", err)
	}
}

func TestCache_InvalidateByClient(t *testing.T) {
	c := New(nil)
	tok1 := newToken("client-a", "tok-a1", time.Minute)
	tok2 := newToken("client-a", "tok-a2", time.Minute)
	c.PutToken(context.Background(), tok1, time.Minute)
	c.PutToken(context.Background(), tok2, time.Minute)

	c.InvalidateByClient(context.Background(), "client-a")

	if _, ok := c.GetByTokenID(context.Background(), "tok-a1"); ok {
		t.Error("expected tok-a1 invalidated")
	}
	if _, ok := c.GetByTokenID(context.Background(), "tok-a2"); ok {
		t.Error("expected tok-a2 invalidated")
	}
}

func TestCache_CredentialMetadata(t *testing.T) {
	c := New(nil)
	versions := []domain.Credential{{ClientID: "client-a", Version: "v1", Active: true}}

	c.PutCredentialMetadata("client-a", versions, time.Minute)

	got, ok := c.GetCredentialMetadata("client-a")
	if !ok || len(got) != 1 {
		t.Fatalf("expected fresh metadata hit, got ok=%v got=%v", ok, got)
	}

	c.PutCredentialMetadata("client-a", versions, -time.Second)
	if _, ok := c.GetCredentialMetadata("client-a"); ok {
		t.Error("expected stale metadata to miss GetCredentialMetadata")
	}

	stale, age, ok := c.GetCredentialMetadataStale("client-a")
	if !ok || len(stale) != 1 {
		t.Fatalf("expected GetCredentialMetadataStale hit, got ok=%v", ok)
	}
	if age < 0 {
		t.Errorf("expected non-negative age, got %v", age)
	}
}
