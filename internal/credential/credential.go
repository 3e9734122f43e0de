// Package credential provides C5's persistence layer for vendor
// credentials: the sqlx-backed repository for the `credentials` table and
// the salted, constant-time-comparable secret hash scheme named in
// spec.md §3.
//
// Credentials and RotationRecords are owned by C5 (sole writer); C4 and C6
// only read through this package.
package credential

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/achocks0/conjure-mule-integration-smjoox-sub003/internal/domain"
)

// Record is the `credentials` row shape.
//
//	CREATE TABLE credentials (
//	    id          INT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
//	    client_id   VARCHAR(50)  NOT NULL,
//	    secret_hash VARCHAR(255) NOT NULL,
//	    version     VARCHAR(20)  NOT NULL,
//	    active      BOOLEAN      NOT NULL DEFAULT TRUE,
//	    created_at  TIMESTAMP    NOT NULL DEFAULT NOW(),
//	    expires_at  TIMESTAMP    NULL,
//	    UNIQUE KEY uq_client_version (client_id, version),
//	    INDEX idx_client_id (client_id)
//	);
type Record struct {
	ID         uint64     `db:"id"`
	ClientID   string     `db:"client_id"`
	SecretHash string     `db:"secret_hash"`
	Version    string     `db:"version"`
	Active     bool       `db:"active"`
	CreatedAt  time.Time  `db:"created_at"`
	ExpiresAt  *time.Time `db:"expires_at"`
}

func (r Record) toDomain() domain.Credential {
	return domain.Credential{
		ClientID:   r.ClientID,
		SecretHash: r.SecretHash,
		Version:    r.Version,
		Active:     r.Active,
		CreatedAt:  r.CreatedAt,
		ExpiresAt:  r.ExpiresAt,
	}
}

// Repository wraps a *sqlx.DB with the credential queries C4/C5 need.
type Repository struct {
	db *sqlx.DB
}

// NewRepository constructs a Repository over an already-opened pool (see
// internal/database.Open).
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// ActiveByClient returns every active version row for clientId, ordered
// oldest-first. Invariant (spec.md §3): at most two rows, exactly one
// outside a rotation window.
func (r *Repository) ActiveByClient(ctx context.Context, clientID string) ([]domain.Credential, error) {
	const q = `
		SELECT id, client_id, secret_hash, version, active, created_at, expires_at
		FROM   credentials
		WHERE  client_id = ? AND active = TRUE
		ORDER  BY created_at ASC`
	var rows []Record
	if err := r.db.SelectContext(ctx, &rows, q, clientID); err != nil {
		return nil, err
	}
	out := make([]domain.Credential, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// ByClientAndVersion returns one specific version's row, active or not.
func (r *Repository) ByClientAndVersion(ctx context.Context, clientID, version string) (*domain.Credential, error) {
	const q = `
		SELECT id, client_id, secret_hash, version, active, created_at, expires_at
		FROM   credentials
		WHERE  client_id = ? AND version = ?
		LIMIT  1`
	var row Record
	if err := r.db.GetContext(ctx, &row, q, clientID, version); err != nil {
		return nil, err
	}
	cred := row.toDomain()
	return &cred, nil
}

// Insert writes a brand-new credential version, initially inactive. C5's
// initiate() activates it separately once vault confirms the write.
func (r *Repository) Insert(ctx context.Context, cred domain.Credential) error {
	const q = `
		INSERT INTO credentials (client_id, secret_hash, version, active, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, q, cred.ClientID, cred.SecretHash, cred.Version, cred.Active, cred.CreatedAt, cred.ExpiresAt)
	return err
}

// SetActive flips a specific (clientId, version) row's active flag. Used
// by promote/retire/complete transitions.
func (r *Repository) SetActive(ctx context.Context, clientID, version string, active bool) error {
	const q = `
		UPDATE credentials
		SET    active = ?
		WHERE  client_id = ? AND version = ?`
	_, err := r.db.ExecContext(ctx, q, active, clientID, version)
	return err
}
