package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/suite"

	"anchorid/internal/identity"
)

type PostgresStoreSuite struct {
	suite.Suite
	db    *sql.DB
	mock  sqlmock.Sqlmock
	store *PostgresStore
}

func TestPostgresStoreSuite(t *testing.T) {
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupTest() {
	var err error
	s.db, s.mock, err = sqlmock.New()
	s.Require().NoError(err)
	s.store = NewPostgres(s.db)
}

func (s *PostgresStoreSuite) TearDownTest() {
	s.Require().NoError(s.mock.ExpectationsWereMet())
	s.db.Close()
}

func (s *PostgresStoreSuite) TestAppend() {
	r := record("01HZX", subject, "identity.email", true)
	s.mock.ExpectExec(regexp.QuoteMeta("INSERT INTO disclosure_records")).
		WithArgs(r.ID, r.Subject, r.Verifier, r.ClaimID, r.Purpose, r.Context, true, r.DisclosedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s.Require().NoError(s.store.Append(context.Background(), r))
}

func (s *PostgresStoreSuite) TestAppendError() {
	s.mock.ExpectExec(regexp.QuoteMeta("INSERT INTO disclosure_records")).
		WillReturnError(errors.New("connection reset"))

	err := s.store.Append(context.Background(), record("01HZX", subject, "identity.email", false))
	s.Require().Error(err)
	s.Contains(err.Error(), "insert disclosure record")
}

func (s *PostgresStoreSuite) TestListBySubject() {
	r := record("01HZX", subject, "identity.email", true)
	rows := sqlmock.NewRows([]string{"id", "subject", "verifier", "claim_id", "purpose", "context", "consent_satisfied", "disclosed_at"}).
		AddRow(r.ID, r.Subject, r.Verifier, r.ClaimID, r.Purpose, r.Context, r.ConsentSatisfied, r.DisclosedAt)
	s.mock.ExpectQuery(regexp.QuoteMeta("FROM disclosure_records")).
		WithArgs(subject).
		WillReturnRows(rows)

	got, err := s.store.ListBySubject(context.Background(), subject)
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal(*r, *got[0])
}

func (s *PostgresStoreSuite) TestAnonymizeSubject() {
	s.mock.ExpectExec(regexp.QuoteMeta("UPDATE disclosure_records")).
		WithArgs(subject, identity.Erased).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.store.AnonymizeSubject(context.Background(), subject)
	s.Require().NoError(err)
	s.Equal(3, n)
}
