//go:build integration

package kafka_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"anchorid/internal/platform/kafka"
	"anchorid/internal/platform/kafka/consumer"
	"anchorid/pkg/platform/audit"
	auditconsumer "anchorid/pkg/platform/audit/consumer"
	"anchorid/pkg/platform/audit/outbox"
	"anchorid/pkg/platform/audit/publishers/compliance"
	auditpostgres "anchorid/pkg/platform/audit/store/postgres"
	"anchorid/pkg/testutil/containers"
)

// AuditPipelineSuite runs an event from the outbox table through Kafka and back
// into audit_events.
type AuditPipelineSuite struct {
	suite.Suite
	pg       *containers.PostgresContainer
	broker   string
	logger   *slog.Logger
	store    *auditpostgres.Store
	producer *kafka.Producer
}

func TestAuditPipelineSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(AuditPipelineSuite))
}

func (s *AuditPipelineSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.pg = mgr.GetPostgres(s.T())
	s.broker = mgr.GetRedpanda(s.T()).Broker
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.store = auditpostgres.New(s.pg.DB)

	p, err := kafka.NewProducer([]string{s.broker}, s.logger)
	s.Require().NoError(err)
	s.producer = p
	s.Require().NoError(p.EnsureTopics(context.Background(), 1, 1, kafka.AuditTopics...))
}

func (s *AuditPipelineSuite) TearDownSuite() {
	s.producer.Close()
}

func (s *AuditPipelineSuite) SetupTest() {
	s.Require().NoError(s.pg.TruncateTables(context.Background(), "outbox", "audit_events"))
}

func (s *AuditPipelineSuite) TestOutboxToAuditEvents() {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	subject := "0x00000000000000000000000000000000000000c1"

	pub := compliance.New(s.store, compliance.WithLogger(s.logger))
	defer pub.Close()
	s.Require().NoError(pub.Emit(ctx, audit.ComplianceEvent{
		Timestamp: time.Now().UTC(),
		Subject:   subject,
		Action:    string(audit.EventSubjectErased),
		Reason:    "subject request",
	}))

	relay := outbox.New(s.store, s.producer, kafka.TopicFor, s.logger, outbox.WithDB(s.pg.DB))
	n, err := relay.Flush(ctx)
	s.Require().NoError(err)
	s.Equal(1, n)

	again, err := relay.Flush(ctx)
	s.Require().NoError(err)
	s.Zero(again)

	c, err := consumer.New(consumer.Config{
		Brokers: []string{s.broker},
		GroupID: "audit-pipeline-test",
		Topics:  []string{kafka.TopicCompliance},
	}, s.logger)
	s.Require().NoError(err)
	defer c.Close()

	router := auditconsumer.NewRouter(s.logger, nil)
	router.Register(kafka.TopicCompliance, auditconsumer.NewComplianceHandler(s.store, s.logger))

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- c.Run(runCtx, router) }()

	s.Eventually(func() bool {
		events, err := s.store.ListBySubject(ctx, subject)
		return err == nil && len(events) == 1
	}, 45*time.Second, 200*time.Millisecond)

	stop()
	<-done

	events, err := s.store.ListBySubject(ctx, subject)
	s.Require().NoError(err)
	s.Equal(string(audit.EventSubjectErased), events[0].Action)
	s.Equal(audit.CategoryCompliance, events[0].Category)
}
