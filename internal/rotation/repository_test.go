package rotation

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

func TestRepository_Insert(t *testing.T) {
	repo, mock, closeFn := newMockRepo(t)
	defer closeFn()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO credential_rotation_history")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	rec := domain.RotationRecord{
		RotationID: "rot-1",
		ClientID:   "client-a",
		State:      domain.RotationInitiated,
		OldVersion: "v1",
		NewVersion: "v2",
		StartedAt:  time.Now(),
		Reason:     "scheduled",
	}
	if err := repo.Insert(context.Background(), rec); err != nil {
		t.Fatalf("Insert error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}

func TestRepository_ActiveByClient(t *testing.T) {
	repo, mock, closeFn := newMockRepo(t)
	defer closeFn()

	cols := []string{
		"rotation_id", "client_id", "state", "old_version", "new_version", "started_at",
		"completed_at", "transition_window_seconds", "reason", "forced", "message", "superseded_by",
	}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT rotation_id, client_id, state, old_version, new_version, started_at")).
		WithArgs("client-a").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"rot-1", "client-a", "DUAL_ACTIVE", "v1", "v2", time.Now(),
			nil, 3600, "scheduled", false, "", "",
		))

	rec, err := repo.ActiveByClient(context.Background(), "client-a")
	if err != nil {
		t.Fatalf("ActiveByClient error: %v", err)
	}
	if rec == nil || rec.State != domain.RotationDualActive {
		t.Fatalf("unexpected record: %#v", rec)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}

func TestRepository_ActiveByClient_NoneFound(t *testing.T) {
	repo, mock, closeFn := newMockRepo(t)
	defer closeFn()

	cols := []string{
		"rotation_id", "client_id", "state", "old_version", "new_version", "started_at",
		"completed_at", "transition_window_seconds", "reason", "forced", "message", "superseded_by",
	}
	mock.ExpectQuery(regexp.QuoteMeta("SELECT rotation_id, client_id, state, old_version, new_version, started_at")).
		WithArgs("client-b").
		WillReturnRows(sqlmock.NewRows(cols))

	rec, err := repo.ActiveByClient(context.Background(), "client-b")
	if err != nil {
		t.Fatalf("ActiveByClient error: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil record, got %#v", rec)
	}
}

func TestRepository_Update(t *testing.T) {
	repo, mock, closeFn := newMockRepo(t)
	defer closeFn()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE credential_rotation_history")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := domain.RotationRecord{
		RotationID: "rot-1",
		ClientID:   "client-a",
		State:      domain.RotationFailed,
		Message:    "watchdog timeout exceeded",
	}
	if err := repo.Update(context.Background(), rec); err != nil {
		t.Fatalf("Update error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}
