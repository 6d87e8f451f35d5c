package main

import (
	"context"
	"database/sql"
	"time"

	consentservice "anchorid/internal/consent/service"
	dErrors "anchorid/pkg/domain-errors"
	txcontext "anchorid/pkg/platform/tx"
)

// consentPostgresTx serializes consent mutations with a transaction-scoped
// advisory lock on the service's lock key.
type consentPostgresTx struct {
	db      *sql.DB
	store   consentservice.Store
	timeout time.Duration
}

func newConsentPostgresTx(db *sql.DB, store consentservice.Store) *consentPostgresTx {
	return &consentPostgresTx{db: db, store: store}
}

func (t *consentPostgresTx) RunInTx(ctx context.Context, fn func(ctx context.Context, store consentservice.Store) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	timeout := t.timeout
	if timeout == 0 {
		timeout = consentservice.DefaultTxTimeout
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "begin consent transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if key := consentservice.LockKey(ctx); key != "" {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "acquire consent lock")
		}
	}

	if err := fn(txcontext.WithTx(ctx, tx), t.store); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "commit consent transaction")
	}
	return nil
}
