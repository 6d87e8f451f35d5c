package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"anchorid/internal/consent/models"
	"anchorid/internal/identity"
	"anchorid/pkg/platform/sentinel"
	txcontext "anchorid/pkg/platform/tx"
)

// PostgresStore persists consent records in the consents table. Inside a
// transaction carried by ctx every statement joins it.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `id, subject, claim_id, purpose, context, verifier, issued_at, expires_at, revoked_at`

func (s *PostgresStore) Insert(ctx context.Context, r *models.Record) error {
	query := `
		INSERT INTO consents (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := txcontext.Executor(ctx, s.db).ExecContext(ctx, query,
		r.ID,
		r.Subject,
		r.ClaimID,
		r.Purpose,
		r.Context,
		nullString(string(r.Verifier)),
		r.IssuedAt,
		nullTime(r.ExpiresAt),
		nullTime(r.RevokedAt),
	)
	if err != nil {
		return fmt.Errorf("insert consent: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindActiveByKey(ctx context.Context, key models.Key, now time.Time) (*models.Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM consents
		WHERE subject = $1 AND claim_id = $2 AND context = $3
		  AND revoked_at IS NULL
		  AND (expires_at IS NULL OR expires_at > $4)
		LIMIT 1
	`
	row := txcontext.Executor(ctx, s.db).QueryRowContext(ctx, query, key.Subject, key.ClaimID, key.Context, now)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find active consent: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) FindActive(ctx context.Context, subject, claimID, purpose, scope string, now time.Time) ([]*models.Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM consents
		WHERE subject = $1 AND claim_id = $2 AND purpose = $3 AND context = $4
		  AND revoked_at IS NULL
		  AND (expires_at IS NULL OR expires_at > $5)
		ORDER BY issued_at
	`
	return s.query(ctx, query, subject, claimID, purpose, scope, now)
}

func (s *PostgresStore) Revoke(ctx context.Context, f models.Filter, now time.Time) (int, error) {
	query := `
		UPDATE consents SET revoked_at = $1
		WHERE subject = $2 AND claim_id = $3
		  AND ($4 = '' OR context = $4)
		  AND ($5 = '' OR purpose = $5)
		  AND revoked_at IS NULL
		  AND (expires_at IS NULL OR expires_at > $1)
	`
	res, err := txcontext.Executor(ctx, s.db).ExecContext(ctx, query, now, f.Subject, f.ClaimID, f.Context, f.Purpose)
	if err != nil {
		return 0, fmt.Errorf("revoke consent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke consent: %w", err)
	}
	return int(n), nil
}

func (s *PostgresStore) ListBySubject(ctx context.Context, subject string) ([]*models.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM consents WHERE subject = $1 ORDER BY issued_at`
	return s.query(ctx, query, subject)
}

func (s *PostgresStore) EraseSubject(ctx context.Context, subject string, now time.Time) (int, error) {
	query := `
		UPDATE consents
		SET revoked_at = COALESCE(revoked_at, $1),
		    subject = $2,
		    verifier = CASE WHEN verifier IS NULL THEN NULL ELSE $2 END
		WHERE subject = $3
	`
	res, err := txcontext.Executor(ctx, s.db).ExecContext(ctx, query, now, identity.Erased, subject)
	if err != nil {
		return 0, fmt.Errorf("erase consents: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("erase consents: %w", err)
	}
	return int(n), nil
}

func (s *PostgresStore) query(ctx context.Context, query string, args ...any) ([]*models.Record, error) {
	rows, err := txcontext.Executor(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query consents: %w", err)
	}
	defer rows.Close()

	var out []*models.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan consent: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate consents: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*models.Record, error) {
	var (
		r         models.Record
		verifier  sql.NullString
		expiresAt sql.NullTime
		revokedAt sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.Subject, &r.ClaimID, &r.Purpose, &r.Context, &verifier, &r.IssuedAt, &expiresAt, &revokedAt); err != nil {
		return nil, err
	}
	if verifier.Valid {
		r.Verifier = identity.Address(verifier.String)
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		r.ExpiresAt = &t
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		r.RevokedAt = &t
	}
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
