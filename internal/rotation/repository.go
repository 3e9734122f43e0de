// Package rotation implements C5, the credential-rotation state machine
// (spec.md §4.5): initiate/promote/retire/complete/cancel, the
// `credential_rotation_history` persistence layer, and the background
// reconciliation sweep.
package rotation

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/domain"
)

// ErrNotFound is returned when a rotationId has no matching record.
var ErrNotFound = errors.New("rotation: record not found")

// Record is the `credential_rotation_history` row shape.
//
//	CREATE TABLE credential_rotation_history (
//	    id                        INT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
//	    rotation_id               VARCHAR(36)  NOT NULL UNIQUE,
//	    client_id                 VARCHAR(50)  NOT NULL,
//	    state                     VARCHAR(20)  NOT NULL,
//	    old_version               VARCHAR(20)  NOT NULL,
//	    new_version               VARCHAR(20)  NOT NULL,
//	    started_at                TIMESTAMP    NOT NULL,
//	    completed_at              TIMESTAMP    NULL,
//	    transition_window_seconds INT          NOT NULL,
//	    reason                    VARCHAR(255) NOT NULL,
//	    forced                    BOOLEAN      NOT NULL DEFAULT FALSE,
//	    message                   VARCHAR(255) NOT NULL DEFAULT '',
//	    superseded_by             VARCHAR(36)  NOT NULL DEFAULT '',
//	    INDEX idx_client_id (client_id)
//	);
type Record struct {
	ID                      uint64       `db:"id"`
	RotationID              string       `db:"rotation_id"`
	ClientID                string       `db:"client_id"`
	State                   string       `db:"state"`
	OldVersion              string       `db:"old_version"`
	NewVersion              string       `db:"new_version"`
	StartedAt               time.Time    `db:"started_at"`
	CompletedAt             sql.NullTime `db:"completed_at"`
	TransitionWindowSeconds int          `db:"transition_window_seconds"`
	Reason                  string       `db:"reason"`
	Forced                  bool         `db:"forced"`
	Message                 string       `db:"message"`
	SupersededBy            string       `db:"superseded_by"`
}

func (r Record) toDomain() domain.RotationRecord {
	rec := domain.RotationRecord{
		RotationID:       r.RotationID,
		ClientID:         r.ClientID,
		State:            domain.RotationState(r.State),
		OldVersion:       r.OldVersion,
		NewVersion:       r.NewVersion,
		StartedAt:        r.StartedAt,
		TransitionWindow: time.Duration(r.TransitionWindowSeconds) * time.Second,
		Reason:           r.Reason,
		Forced:           r.Forced,
		Message:          r.Message,
		SupersededBy:     r.SupersededBy,
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		rec.CompletedAt = &t
	}
	return rec
}

func fromDomain(rec domain.RotationRecord) Record {
	r := Record{
		RotationID:              rec.RotationID,
		ClientID:                rec.ClientID,
		State:                   string(rec.State),
		OldVersion:              rec.OldVersion,
		NewVersion:              rec.NewVersion,
		StartedAt:               rec.StartedAt,
		TransitionWindowSeconds: int(rec.TransitionWindow / time.Second),
		Reason:                  rec.Reason,
		Forced:                  rec.Forced,
		Message:                 rec.Message,
		SupersededBy:            rec.SupersededBy,
	}
	if rec.CompletedAt != nil {
		r.CompletedAt = sql.NullTime{Time: *rec.CompletedAt, Valid: true}
	}
	return r
}

// Repository wraps a *sqlx.DB with the rotation-history queries C5 needs.
type Repository struct {
	db *sqlx.DB
}

// NewRepository constructs a Repository over an already-opened pool.
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Insert writes a brand-new rotation record.
func (r *Repository) Insert(ctx context.Context, rec domain.RotationRecord) error {
	row := fromDomain(rec)
	const q = `
		INSERT INTO credential_rotation_history
			(rotation_id, client_id, state, old_version, new_version, started_at,
			 completed_at, transition_window_seconds, reason, forced, message, superseded_by)
		VALUES
			(:rotation_id, :client_id, :state, :old_version, :new_version, :started_at,
			 :completed_at, :transition_window_seconds, :reason, :forced, :message, :superseded_by)`
	_, err := r.db.NamedExecContext(ctx, q, row)
	return err
}

// Update persists every mutable field of rec, keyed by RotationID.
func (r *Repository) Update(ctx context.Context, rec domain.RotationRecord) error {
	row := fromDomain(rec)
	const q = `
		UPDATE credential_rotation_history
		SET    state = :state, completed_at = :completed_at, message = :message,
		       superseded_by = :superseded_by
		WHERE  rotation_id = :rotation_id`
	_, err := r.db.NamedExecContext(ctx, q, row)
	return err
}

// ByRotationID fetches one record.
func (r *Repository) ByRotationID(ctx context.Context, rotationID string) (*domain.RotationRecord, error) {
	const q = `
		SELECT rotation_id, client_id, state, old_version, new_version, started_at,
		       completed_at, transition_window_seconds, reason, forced, message, superseded_by
		FROM   credential_rotation_history
		WHERE  rotation_id = ?
		LIMIT  1`
	var row Record
	if err := r.db.GetContext(ctx, &row, q, rotationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec := row.toDomain()
	return &rec, nil
}

// ActiveByClient returns the single non-terminal record for clientID, if
// any (spec.md §4.5 invariant: at most one).
func (r *Repository) ActiveByClient(ctx context.Context, clientID string) (*domain.RotationRecord, error) {
	const q = `
		SELECT rotation_id, client_id, state, old_version, new_version, started_at,
		       completed_at, transition_window_seconds, reason, forced, message, superseded_by
		FROM   credential_rotation_history
		WHERE  client_id = ? AND state NOT IN ('NEW_ACTIVE', 'FAILED')
		ORDER  BY started_at DESC
		LIMIT  1`
	var row Record
	if err := r.db.GetContext(ctx, &row, q, clientID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	rec := row.toDomain()
	return &rec, nil
}

// ByClientID returns the full rotation history for clientID, newest first.
func (r *Repository) ByClientID(ctx context.Context, clientID string) ([]domain.RotationRecord, error) {
	const q = `
		SELECT rotation_id, client_id, state, old_version, new_version, started_at,
		       completed_at, transition_window_seconds, reason, forced, message, superseded_by
		FROM   credential_rotation_history
		WHERE  client_id = ?
		ORDER  BY started_at DESC`
	var rows []Record
	if err := r.db.SelectContext(ctx, &rows, q, clientID); err != nil {
		return nil, err
	}
	out := make([]domain.RotationRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// AllNonTerminal returns every non-terminal record across all clients, the
// working set for the reconciliation sweep.
func (r *Repository) AllNonTerminal(ctx context.Context) ([]domain.RotationRecord, error) {
	const q = `
		SELECT rotation_id, client_id, state, old_version, new_version, started_at,
		       completed_at, transition_window_seconds, reason, forced, message, superseded_by
		FROM   credential_rotation_history
		WHERE  state NOT IN ('NEW_ACTIVE', 'FAILED')`
	var rows []Record
	if err := r.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, err
	}
	out := make([]domain.RotationRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}
