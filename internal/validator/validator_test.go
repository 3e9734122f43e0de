package validator

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/audit"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/domain"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/token"
)

func newTestAuditor() *audit.Emitter {
	return audit.New(zap.NewNop())
}

type fakeVault struct {
	secrets map[string]map[string]any
}

func (f *fakeVault) GetSecret(ctx context.Context, path string) (map[string]any, error) {
	s, ok := f.secrets[path]
	if !ok {
		return nil, errors.New("not found")
	}
	return s, nil
}

func newTestEngine(t *testing.T, clockSkew time.Duration) *token.Engine {
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
	return token.New(fv, token.Config{Issuer: "facade", Audience: "validator", ClockSkew: clockSkew})
}

type fakeRenewalClient struct {
	called bool
	err    error
	engine *token.Engine
}

func (f *fakeRenewalClient) Renew(ctx context.Context, rawToken string) (domain.Token, error) {
	f.called = true
	if f.err != nil {
		return domain.Token{}, f.err
	}
	return f.engine.Mint(ctx, "acme-corp", []domain.Permission{domain.PermissionProcessPayment}, time.Hour)
}

func TestCapabilityForPath(t *testing.T) {
	if got := CapabilityForPath("POST", "/payments"); got != domain.PermissionProcessPayment {
		t.Errorf("POST /payments = %q, want process_payment", got)
	}
	if got := CapabilityForPath("GET", "/payments/123"); got != domain.PermissionViewStatus {
		t.Errorf("GET /payments/123 = %q, want view_status", got)
	}
	if got := CapabilityForPath("GET", "/health"); got != "" {
		t.Errorf("GET /health = %q, want empty", got)
	}
}

func TestCapabilityForPath_RealDeployedPaths(t *testing.T) {
	if got := CapabilityForPath("POST", "/internal/v1/payments"); got != domain.PermissionProcessPayment {
		t.Errorf("POST /internal/v1/payments = %q, want process_payment", got)
	}
	if got := CapabilityForPath("GET", "/internal/v1/payments/123"); got != domain.PermissionViewStatus {
		t.Errorf("GET /internal/v1/payments/123 = %q, want view_status", got)
	}
}

func TestValidate_Valid(t *testing.T) {
	engine := newTestEngine(t, 60*time.Second)
	renewal := &fakeRenewalClient{engine: engine}
	v := New(Config{ExpectedAudience: "validator", AcceptedIssuers: []string{"facade"}, RenewalEnabled: true}, engine, renewal, newTestAuditor())

	tok, err := engine.Mint(context.Background(), "acme-corp", []domain.Permission{domain.PermissionProcessPayment}, time.Hour)
	if err != nil {
		t.Fatalf("mint error: %v", err)
	}

	result := v.Validate(context.Background(), tok.Raw, "POST", "/payments", "req-1")
	if result.Outcome.Kind != token.Valid {
		t.Fatalf("outcome = %v, want Valid", result.Outcome.Kind)
	}
	if result.Renewed != nil {
		t.Fatalf("expected no renewal for a fresh token")
	}
	if renewal.called {
		t.Fatalf("renewal client should not be called for a fresh token")
	}
}

func TestValidate_RenewalOnUse(t *testing.T) {
	engine := newTestEngine(t, 60*time.Second)
	renewal := &fakeRenewalClient{engine: engine}
	v := New(Config{ExpectedAudience: "validator", AcceptedIssuers: []string{"facade"}, RenewalEnabled: true}, engine, renewal, newTestAuditor())

	// Within renewal threshold (30s default) of expiry.
	tok, err := engine.Mint(context.Background(), "acme-corp", []domain.Permission{domain.PermissionProcessPayment}, 10*time.Second)
	if err != nil {
		t.Fatalf("mint error: %v", err)
	}

	result := v.Validate(context.Background(), tok.Raw, "POST", "/payments", "req-1")
	if result.Outcome.Kind != token.Valid {
		t.Fatalf("outcome = %v, want Valid", result.Outcome.Kind)
	}
	if !renewal.called {
		t.Fatalf("expected renewal to be attempted")
	}
	if result.Renewed == nil {
		t.Fatalf("expected a renewed token attached")
	}
}

func TestValidate_WrongPermission(t *testing.T) {
	engine := newTestEngine(t, 60*time.Second)
	renewal := &fakeRenewalClient{engine: engine}
	v := New(Config{ExpectedAudience: "validator", AcceptedIssuers: []string{"facade"}}, engine, renewal, newTestAuditor())

	tok, err := engine.Mint(context.Background(), "acme-corp", []domain.Permission{domain.PermissionViewStatus}, time.Hour)
	if err != nil {
		t.Fatalf("mint error: %v", err)
	}

	result := v.Validate(context.Background(), tok.Raw, "POST", "/payments", "req-1")
	if result.Outcome.Kind != token.Forbidden {
		t.Fatalf("outcome = %v, want Forbidden", result.Outcome.Kind)
	}
	if HTTPStatus(result.Outcome) != 403 {
		t.Fatalf("HTTPStatus = %d, want 403", HTTPStatus(result.Outcome))
	}
	if ErrorCode(result.Outcome) != domain.ErrInsufficientScope {
		t.Fatalf("ErrorCode = %s, want INSUFFICIENT_PERMISSIONS", ErrorCode(result.Outcome))
	}
}

func TestValidate_ExpiredOneShotRenewal(t *testing.T) {
	engine := newTestEngine(t, time.Millisecond)
	renewal := &fakeRenewalClient{engine: engine}
	v := New(Config{ExpectedAudience: "validator", AcceptedIssuers: []string{"facade"}, RenewalEnabled: true}, engine, renewal, newTestAuditor())

	tok, err := engine.Mint(context.Background(), "acme-corp", []domain.Permission{domain.PermissionProcessPayment}, time.Millisecond)
	if err != nil {
		t.Fatalf("mint error: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	result := v.Validate(context.Background(), tok.Raw, "POST", "/payments", "req-1")
	if result.Outcome.Kind != token.Renewed {
		t.Fatalf("outcome = %v, want Renewed", result.Outcome.Kind)
	}
	if !renewal.called {
		t.Fatalf("expected renewal to be attempted for an expired token")
	}
}

func TestValidate_EmitsAuditEvents(t *testing.T) {
	engine := newTestEngine(t, 60*time.Second)
	renewal := &fakeRenewalClient{engine: engine}
	core, logs := observer.New(zap.InfoLevel)
	v := New(Config{ExpectedAudience: "validator", AcceptedIssuers: []string{"facade"}}, engine, renewal, audit.New(zap.New(core)))

	valid, err := engine.Mint(context.Background(), "acme-corp", []domain.Permission{domain.PermissionProcessPayment}, time.Hour)
	if err != nil {
		t.Fatalf("mint error: %v", err)
	}
	v.Validate(context.Background(), valid.Raw, "POST", "/internal/v1/payments", "req-1")

	forbidden, err := engine.Mint(context.Background(), "acme-corp", []domain.Permission{domain.PermissionViewStatus}, time.Hour)
	if err != nil {
		t.Fatalf("mint error: %v", err)
	}
	v.Validate(context.Background(), forbidden.Raw, "POST", "/internal/v1/payments", "req-2")

	var gotValidated, gotRejected bool
	for _, entry := range logs.All() {
		switch entry.ContextMap()["event_type"] {
		case string(domain.EventTokenValidated):
			gotValidated = true
		case string(domain.EventTokenRejected):
			gotRejected = true
		}
	}
	if !gotValidated {
		t.Fatalf("expected a TOKEN_VALIDATED audit event, got entries: %+v", logs.All())
	}
	if !gotRejected {
		t.Fatalf("expected a TOKEN_REJECTED audit event, got entries: %+v", logs.All())
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		kind token.OutcomeKind
		want int
	}{
		{token.Valid, 200},
		{token.Renewed, 200},
		{token.Forbidden, 403},
		{token.Expired, 401},
		{token.Malformed, 401},
		{token.UntrustedIssuer, 401},
		{token.UntrustedAudience, 401},
		{token.SignatureMismatch, 401},
	}
	for _, tc := range cases {
		got := HTTPStatus(token.ValidationOutcome{Kind: tc.kind})
		if got != tc.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tc.kind, got, tc.want)
		}
	}
}
