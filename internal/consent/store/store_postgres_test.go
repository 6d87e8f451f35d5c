package store

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/suite"

	"anchorid/internal/consent/models"
	"anchorid/internal/identity"
	"anchorid/pkg/platform/sentinel"
	txcontext "anchorid/pkg/platform/tx"
)

type PostgresStoreSuite struct {
	suite.Suite
	db    *sql.DB
	mock  sqlmock.Sqlmock
	store *PostgresStore
	now   time.Time
}

func TestPostgresStoreSuite(t *testing.T) {
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupTest() {
	var err error
	s.db, s.mock, err = sqlmock.New()
	s.Require().NoError(err)
	s.store = NewPostgres(s.db)
	s.now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
}

func (s *PostgresStoreSuite) TearDownTest() {
	s.Require().NoError(s.mock.ExpectationsWereMet())
	s.db.Close()
}

func columns() []string {
	return []string{"id", "subject", "claim_id", "purpose", "context", "verifier", "issued_at", "expires_at", "revoked_at"}
}

func (s *PostgresStoreSuite) TestInsertUsesNullsForOptionalFields() {
	s.mock.ExpectExec(regexp.QuoteMeta("INSERT INTO consents")).
		WithArgs("c1", subject, "email", "kyc", "work", sql.NullString{}, s.now, sql.NullTime{}, sql.NullTime{}).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.store.Insert(context.Background(), record("c1", "email", "work", "kyc", s.now))
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) TestFindActiveByKeyNotFound() {
	s.mock.ExpectQuery(regexp.QuoteMeta("FROM consents")).
		WithArgs(subject, "email", "work", s.now).
		WillReturnRows(sqlmock.NewRows(columns()))

	_, err := s.store.FindActiveByKey(context.Background(), models.Key{Subject: subject, ClaimID: "email", Context: "work"}, s.now)
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestFindActiveScansVerifier() {
	s.mock.ExpectQuery(regexp.QuoteMeta("FROM consents")).
		WithArgs(subject, "email", "kyc", "work", s.now).
		WillReturnRows(sqlmock.NewRows(columns()).
			AddRow("c1", subject, "email", "kyc", "work", verifier, s.now, nil, nil))

	records, err := s.store.FindActive(context.Background(), subject, "email", "kyc", "work", s.now)
	s.Require().NoError(err)
	s.Require().Len(records, 1)
	s.Equal(identity.Address(verifier), records[0].Verifier)
	s.Nil(records[0].ExpiresAt)
}

func (s *PostgresStoreSuite) TestRevokeReturnsAffectedRows() {
	s.mock.ExpectExec(regexp.QuoteMeta("UPDATE consents SET revoked_at")).
		WithArgs(s.now, subject, "email", "", "").
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := s.store.Revoke(context.Background(), models.Filter{Subject: subject, ClaimID: "email"}, s.now)
	s.Require().NoError(err)
	s.Equal(2, n)
}

func (s *PostgresStoreSuite) TestEraseJoinsTransaction() {
	s.mock.ExpectBegin()
	s.mock.ExpectExec(regexp.QuoteMeta("UPDATE consents")).
		WithArgs(s.now, identity.Erased, subject).
		WillReturnResult(sqlmock.NewResult(0, 3))
	s.mock.ExpectCommit()

	tx, err := s.db.Begin()
	s.Require().NoError(err)
	n, err := s.store.EraseSubject(txcontext.WithTx(context.Background(), tx), subject, s.now)
	s.Require().NoError(err)
	s.Equal(3, n)
	s.Require().NoError(tx.Commit())
}
