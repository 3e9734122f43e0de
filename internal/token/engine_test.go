package token

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/domain"
)

// fakeVault is a minimal SecretGetter backed by an in-memory map, enough
// to exercise key resolution without a real vault.Client.
type fakeVault struct {
	secrets map[string]map[string]any
	err     error
}

func (f *fakeVault) GetSecret(ctx context.Context, path string) (map[string]any, error) {
	if f.err != nil {
		return nil, f.err
	}
	s, ok := f.secrets[path]
	if !ok {
		return nil, domainNotFoundErr{}
	}
	return s, nil
}

type domainNotFoundErr struct{}

func (domainNotFoundErr) Error() string { return "secret not found" }

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	key := []byte("0123456789abcdef0123456789abcdef")
	fv := &fakeVault{secrets: map[string]map[string]any{
		"tokens/signing-key": {
			"kid": "k1",
			"key": base64.StdEncoding.EncodeToString(key),
		},
		"tokens/verification-key": {
			"k1": base64.StdEncoding.EncodeToString(key),
		},
	}}
	return New(fv, Config{Issuer: "facade", Audience: "validator"})
}

func TestMintVerify_Valid(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	tok, err := e.Mint(ctx, "acme-corp", []domain.Permission{domain.PermissionProcessPayment}, time.Hour)
	if err != nil {
		t.Fatalf("mint failed: %v", err)
	}
	if tok.Claims.TokenID == "" {
		t.Fatalf("expected non-empty tokenId")
	}

	out := e.Verify(ctx, tok.Raw, "validator", []string{"facade"}, domain.PermissionProcessPayment)
	if out.Kind != Valid {
		t.Fatalf("outcome = %v, want Valid (reason=%s)", out.Kind, out.Reason)
	}
	if out.Claims.Subject != "acme-corp" {
		t.Fatalf("subject = %q, want acme-corp", out.Claims.Subject)
	}
}

func TestVerify_WrongPermission(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	tok, err := e.Mint(ctx, "acme-corp", []domain.Permission{domain.PermissionViewStatus}, time.Hour)
	if err != nil {
		t.Fatalf("mint failed: %v", err)
	}

	out := e.Verify(ctx, tok.Raw, "validator", []string{"facade"}, domain.PermissionProcessPayment)
	if out.Kind != Forbidden {
		t.Fatalf("outcome = %v, want Forbidden", out.Kind)
	}
	if out.MissingPermission != domain.PermissionProcessPayment {
		t.Fatalf("missingPermission = %q, want process_payment", out.MissingPermission)
	}
}

func TestVerify_UntrustedIssuer(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	tok, err := e.Mint(ctx, "acme-corp", nil, time.Hour)
	if err != nil {
		t.Fatalf("mint failed: %v", err)
	}

	out := e.Verify(ctx, tok.Raw, "validator", []string{"some-other-issuer"}, "")
	if out.Kind != UntrustedIssuer {
		t.Fatalf("outcome = %v, want UntrustedIssuer", out.Kind)
	}
}

func TestVerify_UntrustedAudience(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	tok, err := e.Mint(ctx, "acme-corp", nil, time.Hour)
	if err != nil {
		t.Fatalf("mint failed: %v", err)
	}

	out := e.Verify(ctx, tok.Raw, "someone-else", []string{"facade"}, "")
	if out.Kind != UntrustedAudience {
		t.Fatalf("outcome = %v, want UntrustedAudience", out.Kind)
	}
}

func TestVerify_Expired(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	tok, err := e.Mint(ctx, "acme-corp", nil, time.Millisecond)
	if err != nil {
		t.Fatalf("mint failed: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	e.cfg.ClockSkew = time.Nanosecond // isolate this test from the default skew window

	out := e.Verify(ctx, tok.Raw, "validator", []string{"facade"}, "")
	if out.Kind != Expired {
		t.Fatalf("outcome = %v, want Expired", out.Kind)
	}
}

func TestVerify_SignatureMismatch(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	tok, err := e.Mint(ctx, "acme-corp", nil, time.Hour)
	if err != nil {
		t.Fatalf("mint failed: %v", err)
	}

	tampered := tok.Raw[:len(tok.Raw)-2] + "xx"
	out := e.Verify(ctx, tampered, "validator", []string{"facade"}, "")
	if out.Kind != SignatureMismatch && out.Kind != Malformed {
		t.Fatalf("outcome = %v, want SignatureMismatch or Malformed", out.Kind)
	}
}

func TestShouldRenew(t *testing.T) {
	now := time.Now()
	tok := domain.Token{Claims: domain.TokenClaims{ExpiresAt: now.Add(10 * time.Second)}}

	if !ShouldRenew(tok, now, 30*time.Second) {
		t.Fatalf("expected ShouldRenew true when within threshold")
	}
	if ShouldRenew(tok, now, time.Second) {
		t.Fatalf("expected ShouldRenew false when outside threshold")
	}
}

func TestIsExpired(t *testing.T) {
	now := time.Now()
	live := domain.Token{Claims: domain.TokenClaims{ExpiresAt: now.Add(time.Minute)}}
	dead := domain.Token{Claims: domain.TokenClaims{ExpiresAt: now.Add(-time.Minute)}}

	if IsExpired(live, now) {
		t.Fatalf("expected live token to not be expired")
	}
	if !IsExpired(dead, now) {
		t.Fatalf("expected dead token to be expired")
	}
}

func TestFingerprint_Deterministic(t *testing.T) {
	a := Fingerprint("acme-corp", "v1")
	b := Fingerprint("acme-corp", "v1")
	c := Fingerprint("acme-corp", "v2")

	if a != b {
		t.Fatalf("fingerprint not deterministic")
	}
	if a == c {
		t.Fatalf("fingerprint did not change with version")
	}
}
