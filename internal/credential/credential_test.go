package credential

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/domain"
)

func newMockRepo(t *testing.T) (*Repository, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	sqlxDB := sqlx.NewDb(db, "mysql")
	return NewRepository(sqlxDB), mock, func() { db.Close() }
}

func TestRepository_ActiveByClient(t *testing.T) {
	repo, mock, closeFn := newMockRepo(t)
	defer closeFn()

	cols := []string{"id", "client_id", "secret_hash", "version", "active", "created_at", "expires_at"}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, client_id, secret_hash, version, active, created_at, expires_at")).
		WithArgs("client-a").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(1, "client-a", "hash1", "v1", true, time.Now(), nil).
			AddRow(2, "client-a", "hash2", "v2", true, time.Now(), nil))

	got, err := repo.ActiveByClient(context.Background(), "client-a")
	if err != nil {
		t.Fatalf("ActiveByClient error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 active versions, got %d", len(got))
	}
	if got[0].Version != "v1" || got[1].Version != "v2" {
		t.Errorf("unexpected ordering: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}

func TestRepository_ByClientAndVersion(t *testing.T) {
	repo, mock, closeFn := newMockRepo(t)
	defer closeFn()

	cols := []string{"id", "client_id", "secret_hash", "version", "active", "created_at", "expires_at"}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, client_id, secret_hash, version, active, created_at, expires_at")).
		WithArgs("client-a", "v1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(1, "client-a", "hash1", "v1", false, time.Now(), nil))

	got, err := repo.ByClientAndVersion(context.Background(), "client-a", "v1")
	if err != nil {
		t.Fatalf("ByClientAndVersion error: %v", err)
	}
	if got.Version != "v1" || got.Active {
		t.Errorf("unexpected row: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}

func TestRepository_Insert(t *testing.T) {
	repo, mock, closeFn := newMockRepo(t)
	defer closeFn()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO credentials")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	cred := domain.Credential{
		ClientID:   "client-a",
		SecretHash: "hash1",
		Version:    "v1",
		Active:     false,
		CreatedAt:  time.Now(),
	}
	if err := repo.Insert(context.Background(), cred); err != nil {
		t.Fatalf("Insert error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}

func TestRepository_SetActive(t *testing.T) {
	repo, mock, closeFn := newMockRepo(t)
	defer closeFn()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE credentials")).
		WithArgs(true, "client-a", "v2").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.SetActive(context.Background(), "client-a", "v2", true); err != nil {
		t.Fatalf("SetActive error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}
