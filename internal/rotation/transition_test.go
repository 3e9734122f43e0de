package rotation

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/audit"
	cachepkg "github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/cache"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/credential"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/domain"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/notify"
	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/vault"
)

// fakeSecretStore is an in-memory credential.SecretStore double. Paths
// never written return vault.ErrNotFound, matching *vault.Client's real
// contract so internal/credential's not-found handling is exercised.
type fakeSecretStore struct {
	mu       sync.Mutex
	data     map[string]map[string]any
	disabled map[string]bool
}

func newFakeSecretStore() *fakeSecretStore {
	return &fakeSecretStore{
		data:     make(map[string]map[string]any),
		disabled: make(map[string]bool),
	}
}

func (f *fakeSecretStore) GetSecret(ctx context.Context, path string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disabled[path] {
		return nil, vault.ErrNotFound
	}
	d, ok := f.data[path]
	if !ok {
		return nil, vault.ErrNotFound
	}
	return d, nil
}

func (f *fakeSecretStore) PutSecret(ctx context.Context, path string, data map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[path] = data
	delete(f.disabled, path)
	return nil
}

func (f *fakeSecretStore) SetVersionState(ctx context.Context, path string, version int, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disabled[path] = !enabled
	return nil
}

func newTestController(t *testing.T, cfg Config) (*Controller, sqlmock.Sqlmock, sqlmock.Sqlmock) {
	t.Helper()

	credDB, credMock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { credDB.Close() })
	credRepo := credential.NewRepository(sqlx.NewDb(credDB, "mysql"))

	rotDB, rotMock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { rotDB.Close() })
	rotRepo := NewRepository(sqlx.NewDb(rotDB, "mysql"))

	vaultStore := credential.NewVaultStore(newFakeSecretStore())
	c := cachepkg.New(nil)
	logger := zap.NewNop()
	notifier := notify.New(logger)
	auditor := audit.New(logger)

	// Every write path (Insert/SetActive/Update) is permitted without
	// asserting exact arguments: this suite exercises the state machine's
	// transition logic, not the SQL text (repository_test.go covers that).
	credMock.MatchExpectationsInOrder(false)
	rotMock.MatchExpectationsInOrder(false)
	credMock.ExpectExec(regexp.QuoteMeta("INSERT INTO credentials")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	credMock.ExpectExec(regexp.QuoteMeta("UPDATE credentials")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	rotMock.ExpectExec(regexp.QuoteMeta("INSERT INTO credential_rotation_history")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	rotMock.ExpectExec(regexp.QuoteMeta("UPDATE credential_rotation_history")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	cols := []string{
		"rotation_id", "client_id", "state", "old_version", "new_version", "started_at",
		"completed_at", "transition_window_seconds", "reason", "forced", "message", "superseded_by",
	}
	rotMock.ExpectQuery(regexp.QuoteMeta("SELECT rotation_id, client_id, state, old_version, new_version, started_at")).
		WillReturnRows(sqlmock.NewRows(cols))

	ctrl := New(cfg, credRepo, vaultStore, rotRepo, c, notifier, auditor)
	return ctrl, credMock, rotMock
}

func TestInitiate_AutoPromotesWhenHoldIsZero(t *testing.T) {
	ctrl, _, rotMock := newTestController(t, Config{})

	rec, err := ctrl.Initiate(context.Background(), "client-a", "scheduled rotation", time.Hour, false)
	if err != nil {
		t.Fatalf("Initiate error: %v", err)
	}
	if rec.NewVersion != "v1" {
		t.Fatalf("expected first version v1, got %s", rec.NewVersion)
	}
	// the single ExpectQuery above covers the ActiveByClient call inside
	// Initiate and the ByRotationID reload path is bypassed since Initiate
	// drives promoteLocked directly with the in-memory rec.
	_ = rotMock
}

func TestNextVersion(t *testing.T) {
	cases := []struct {
		current []string
		want    string
	}{
		{nil, "v1"},
		{[]string{"v1"}, "v2"},
		{[]string{"v1", "v2"}, "v3"},
		{[]string{"v9"}, "v10"},
	}
	for _, tc := range cases {
		got := nextVersion(tc.current)
		if got != tc.want {
			t.Errorf("nextVersion(%v) = %s, want %s", tc.current, got, tc.want)
		}
	}
}

func TestGenerateSecret_Unique(t *testing.T) {
	a, err := generateSecret()
	if err != nil {
		t.Fatalf("generateSecret error: %v", err)
	}
	b, err := generateSecret()
	if err != nil {
		t.Fatalf("generateSecret error: %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct secrets, got matching values")
	}
	if len(a) < 32 {
		t.Fatalf("secret too short: %d chars", len(a))
	}
}

func TestCancel_RejectsTerminalState(t *testing.T) {
	ctrl, _, _ := newTestController(t, Config{})

	rec := &domain.RotationRecord{
		RotationID: "rot-done",
		ClientID:   "client-z",
		State:      domain.RotationNewActive,
	}
	// Directly exercise cancelLocked's terminal guard without going
	// through the repository, since Terminal() is pure domain logic.
	err := ctrl.cancelLocked(context.Background(), rec, "already done")
	if err == nil {
		t.Fatalf("expected error cancelling a terminal record")
	}
}
