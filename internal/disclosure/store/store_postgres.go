package store

import (
	"context"
	"database/sql"
	"fmt"

	"anchorid/internal/disclosure/models"
	"anchorid/internal/identity"
	txcontext "anchorid/pkg/platform/tx"
)

// PostgresStore writes to the disclosure_records table. Rows are never deleted.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `id, subject, verifier, claim_id, purpose, context, consent_satisfied, disclosed_at`

func (s *PostgresStore) Append(ctx context.Context, r *models.Record) error {
	query := `
		INSERT INTO disclosure_records (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := txcontext.Executor(ctx, s.db).ExecContext(ctx, query,
		r.ID,
		r.Subject,
		r.Verifier,
		r.ClaimID,
		r.Purpose,
		r.Context,
		r.ConsentSatisfied,
		r.DisclosedAt,
	)
	if err != nil {
		return fmt.Errorf("insert disclosure record: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListBySubject(ctx context.Context, subject string) ([]*models.Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM disclosure_records
		WHERE subject = $1
		ORDER BY disclosed_at, id
	`
	rows, err := txcontext.Executor(ctx, s.db).QueryContext(ctx, query, subject)
	if err != nil {
		return nil, fmt.Errorf("list disclosure records: %w", err)
	}
	defer rows.Close()

	out := make([]*models.Record, 0)
	for rows.Next() {
		var r models.Record
		if err := rows.Scan(&r.ID, &r.Subject, &r.Verifier, &r.ClaimID, &r.Purpose, &r.Context, &r.ConsentSatisfied, &r.DisclosedAt); err != nil {
			return nil, fmt.Errorf("scan disclosure record: %w", err)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate disclosure records: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) AnonymizeSubject(ctx context.Context, subject string) (int, error) {
	query := `
		UPDATE disclosure_records
		SET subject = $2, verifier = $2, claim_id = $2
		WHERE subject = $1
	`
	res, err := txcontext.Executor(ctx, s.db).ExecContext(ctx, query, subject, identity.Erased)
	if err != nil {
		return 0, fmt.Errorf("anonymize disclosure records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("anonymize disclosure records: %w", err)
	}
	return int(n), nil
}
