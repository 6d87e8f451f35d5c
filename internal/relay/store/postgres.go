package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"anchorid/internal/identity"
)

// PostgresAllowlist reads sponsored accounts from relay_allowlist.
type PostgresAllowlist struct {
	db *sql.DB
}

func NewPostgresAllowlist(db *sql.DB) *PostgresAllowlist {
	return &PostgresAllowlist{db: db}
}

func (a *PostgresAllowlist) IsAllowed(ctx context.Context, account identity.Address) (bool, error) {
	var exists bool
	err := a.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM relay_allowlist WHERE address = $1)`,
		string(account),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query relay allowlist: %w", err)
	}
	return exists, nil
}

func (a *PostgresAllowlist) Add(ctx context.Context, account identity.Address) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO relay_allowlist (address, added_at) VALUES ($1, $2) ON CONFLICT (address) DO NOTHING`,
		string(account), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("insert relay allowlist entry: %w", err)
	}
	return nil
}

func (a *PostgresAllowlist) Remove(ctx context.Context, account identity.Address) error {
	_, err := a.db.ExecContext(ctx, `DELETE FROM relay_allowlist WHERE address = $1`, string(account))
	if err != nil {
		return fmt.Errorf("delete relay allowlist entry: %w", err)
	}
	return nil
}
