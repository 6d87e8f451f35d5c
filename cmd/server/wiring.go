package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"anchorid/internal/anchor"
	"anchorid/internal/chain"
	"anchorid/internal/chain/memledger"
	"anchorid/internal/chain/rpc"
	consenthandler "anchorid/internal/consent/handler"
	consentservice "anchorid/internal/consent/service"
	consentstore "anchorid/internal/consent/store"
	"anchorid/internal/content"
	contentcache "anchorid/internal/content/cache"
	"anchorid/internal/content/ipfs"
	contentmemory "anchorid/internal/content/memory"
	credentialhandler "anchorid/internal/credential/handler"
	credentialservice "anchorid/internal/credential/service"
	disclosurehandler "anchorid/internal/disclosure/handler"
	disclosureservice "anchorid/internal/disclosure/service"
	disclosurestore "anchorid/internal/disclosure/store"
	erasurehandler "anchorid/internal/erasure/handler"
	erasureservice "anchorid/internal/erasure/service"
	"anchorid/internal/identity"
	jwttoken "anchorid/internal/jwt_token"
	"anchorid/internal/platform/config"
	"anchorid/internal/platform/kafka"
	kafkaconsumer "anchorid/internal/platform/kafka/consumer"
	"anchorid/internal/platform/metrics"
	"anchorid/internal/platform/postgres"
	platformredis "anchorid/internal/platform/redis"
	profilehandler "anchorid/internal/profile/handler"
	profileservice "anchorid/internal/profile/service"
	profilestore "anchorid/internal/profile/store"
	"anchorid/internal/relay"
	relayhandler "anchorid/internal/relay/handler"
	relaystore "anchorid/internal/relay/store"
	"anchorid/internal/settlement"
	"anchorid/internal/signing"
	httpapi "anchorid/internal/transport/http"
	"anchorid/pkg/platform/audit"
	auditconsumer "anchorid/pkg/platform/audit/consumer"
	"anchorid/pkg/platform/audit/outbox"
	"anchorid/pkg/platform/audit/publishers/compliance"
	"anchorid/pkg/platform/audit/publishers/security"
	auditmemory "anchorid/pkg/platform/audit/store/memory"
	auditpostgres "anchorid/pkg/platform/audit/store/postgres"
	"anchorid/pkg/platform/circuit"
	authmw "anchorid/pkg/platform/middleware/auth"
)

// devBalance funds embedded-ledger signer accounts.
var devBalance = new(big.Int).Mul(big.NewInt(1_000), big.NewInt(1e18))

// app is the assembled process: the HTTP surface plus background workers.
type app struct {
	router  http.Handler
	jwt     *jwttoken.JWTService
	ledger  *memledger.Ledger
	workers []func(ctx context.Context) error
	closers []func()
}

// Close releases resources in reverse acquisition order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) onClose(fn func()) { a.closers = append(a.closers, fn) }

// chainDeps is the resolved chain backend.
type chainDeps struct {
	client    chain.Client
	ledger    *memledger.Ledger
	registry  identity.Address
	domain    chain.Domain
	custodian *signing.PrivateKey
	sponsor   *signing.PrivateKey
	signers   map[identity.Address]*settlement.Signer
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer, gatherer prometheus.Gatherer) (_ *app, err error) {
	a := &app{jwt: jwttoken.NewJWTService(cfg.Auth.JWTSigningKey, cfg.Auth.JWTIssuer, cfg.Auth.JWTAudience)}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	var health []httpapi.HealthCheck

	db, err := postgres.Open(ctx, cfg.Postgres)
	if err != nil {
		return nil, err
	}
	if db != nil {
		a.onClose(func() { _ = db.Close() })
		health = append(health, httpapi.HealthCheck{Name: "postgres", Check: db.PingContext})
	}

	rc, err := platformredis.New(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	if rc != nil {
		a.onClose(func() { _ = rc.Close() })
		health = append(health, httpapi.HealthCheck{Name: "redis", Check: rc.Health})
	}

	// Audit
	var auditStore audit.Store = auditmemory.NewInMemoryStore()
	if db != nil {
		auditStore = auditpostgres.New(db)
	}
	compliancePub := compliance.New(auditStore,
		compliance.WithLogger(logger),
		compliance.WithMetrics(compliance.NewMetrics(reg)),
	)
	a.onClose(func() { _ = compliancePub.Close() })
	securityPub := security.New(auditStore, security.WithLogger(logger))
	a.onClose(func() { _ = securityPub.Close() })

	if len(cfg.Kafka.Brokers) > 0 {
		checks, err := wireKafka(ctx, a, cfg, db, logger)
		if err != nil {
			return nil, err
		}
		health = append(health, checks...)
	}

	// Chain and settlement
	cd, err := buildChain(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.ledger = cd.ledger
	anchors := anchor.New(cd.client, cd.registry)

	settlementOpts := []settlement.Option{
		settlement.WithForwarder(cd.domain),
		settlement.WithForwardTTL(cfg.Settlement.ForwardTTL),
		settlement.WithLogger(logger),
		settlement.WithMetrics(settlement.NewMetrics(reg)),
	}
	if cd.custodian != nil {
		settlementOpts = append(settlementOpts, settlement.WithSigner(cd.signer(cd.custodian, cfg, logger)))
	}
	mode, err := settlement.ParseMode(cfg.Settlement.Mode)
	if err != nil {
		return nil, err
	}
	settler, err := settlement.New(mode, cd.client, settlementOpts...)
	if err != nil {
		return nil, err
	}

	// Content
	contentStore := buildContent(cfg, rc, logger)

	// Profiles
	var pointers profileservice.PointerStore = profilestore.NewInMemoryPointerStore()
	if rc != nil {
		pointers = profilestore.NewRedisPointerStore(rc.Client)
	}
	profiles := profileservice.New(contentStore, pointers, anchors, settler,
		profileservice.WithLogger(logger),
		profileservice.WithAuditPublisher(compliancePub),
	)

	// Consent
	consentOpts := []consentservice.Option{
		consentservice.WithAuditPublisher(compliancePub),
		consentservice.WithErasureChecker(profiles),
		consentservice.WithLogger(logger),
	}
	var consentStore consentservice.Store = consentstore.NewInMemoryStore()
	if db != nil {
		pgConsent := consentstore.NewPostgres(db)
		consentStore = pgConsent
		consentOpts = append(consentOpts, consentservice.WithTx(newConsentPostgresTx(db, pgConsent)))
	}
	consents := consentservice.New(consentStore, consentOpts...)

	// Credentials
	keyring, err := buildKeyring(cfg.Issuer.Keys)
	if err != nil {
		return nil, err
	}
	credentials := credentialservice.New(keyring, contentStore, anchors, settler,
		credentialservice.WithProfiles(profiles),
		credentialservice.WithAuditPublisher(compliancePub),
		credentialservice.WithMetrics(credentialservice.NewMetrics(reg)),
		credentialservice.WithLogger(logger),
	)

	// Disclosure
	var disclosureRecords interface {
		disclosureservice.Store
		erasureservice.Disclosures
	} = disclosurestore.NewInMemoryStore()
	if db != nil {
		disclosureRecords = disclosurestore.NewPostgres(db)
	}
	disclosureOpts := []disclosureservice.Option{
		disclosureservice.WithSecurityPublisher(securityPub),
		disclosureservice.WithMetrics(disclosureservice.NewMetrics(reg)),
		disclosureservice.WithLogger(logger),
	}
	if cfg.Disclosure.AnchorCheck {
		disclosureOpts = append(disclosureOpts, disclosureservice.WithAnchors(anchors))
	}
	verifier := disclosureservice.New(contentStore, consents, disclosureRecords, disclosureOpts...)

	// Erasure
	eraser := erasureservice.New(profiles, disclosureRecords, consents, contentStore,
		erasureservice.WithAuditPublisher(compliancePub),
		erasureservice.WithLogger(logger),
	)

	var public []httpapi.Registrar
	if cd.sponsor != nil {
		allowlist, err := buildAllowlist(ctx, cfg.Relay.Allowlist, db)
		if err != nil {
			return nil, err
		}
		relaySvc := relay.NewService(allowlist, cd.client, cd.signer(cd.sponsor, cfg, logger), cd.domain, cfg.Relay.GasCeiling,
			relay.WithRateLimit(cfg.Relay.RatePerSecond, cfg.Relay.Burst),
			relay.WithSecurityEmitter(securityPub),
			relay.WithLogger(logger),
		)
		public = append(public, relayhandler.New(relaySvc, logger))
	} else {
		logger.Info("relay disabled: no sponsor key configured")
	}
	if cd.ledger != nil {
		public = append(public, devNode{rpc.NewServer(cd.ledger, logger)})
	}

	revocations := newRevocations(rc)
	a.router = httpapi.NewRouter(httpapi.Deps{
		Logger:      logger,
		Metrics:     metrics.New(reg),
		Gatherer:    gatherer,
		Validator:   jwttoken.NewJWTServiceAdapter(a.jwt),
		Revocations: revocations,
		Health:      health,
		Public:      public,
		Protected: []httpapi.Registrar{
			jwttoken.NewSessionHandler(revocations, logger),
			credentialhandler.New(credentials, logger),
			disclosurehandler.New(verifier, logger),
			consenthandler.New(consents, logger),
			profilehandler.New(profiles, logger),
			erasurehandler.New(eraser, logger),
		},
	})
	return a, nil
}

// wireKafka starts the outbox relay and, when enabled, the audit sink consumer.
func wireKafka(ctx context.Context, a *app, cfg *config.Config, db *sql.DB, logger *slog.Logger) ([]httpapi.HealthCheck, error) {
	producer, err := kafka.NewProducer(cfg.Kafka.Brokers, logger)
	if err != nil {
		return nil, err
	}
	a.onClose(producer.Close)
	if err := producer.EnsureTopics(ctx, 1, 1, kafka.AuditTopics...); err != nil {
		return nil, err
	}
	checks := []httpapi.HealthCheck{{Name: "kafka", Check: producer.Ping}}

	if db == nil {
		logger.Warn("kafka configured without postgres: audit events stay in memory")
		return checks, nil
	}
	store := auditpostgres.New(db)
	relayer := outbox.New(store, producer, kafka.TopicFor, logger,
		outbox.WithDB(db),
		outbox.WithInterval(cfg.Kafka.OutboxInterval),
	)
	a.workers = append(a.workers, relayer.Run)

	if cfg.Kafka.ConsumeAudit {
		router := auditconsumer.NewRouter(logger, nil)
		router.Register(kafka.TopicCompliance, auditconsumer.NewComplianceHandler(store, logger))
		router.Register(kafka.TopicSecurity, auditconsumer.NewSecurityHandler(store, logger))
		c, err := kafkaconsumer.New(kafkaconsumer.Config{
			Brokers: cfg.Kafka.Brokers,
			GroupID: cfg.Kafka.GroupID,
			Topics:  router.Topics(),
		}, logger)
		if err != nil {
			return nil, err
		}
		a.onClose(c.Close)
		a.workers = append(a.workers, func(ctx context.Context) error { return c.Run(ctx, router) })
	}
	return checks, nil
}

type revocationList interface {
	jwttoken.Revoker
	authmw.TokenRevocationChecker
}

func newRevocations(rc *platformredis.Client) revocationList {
	if rc == nil {
		return jwttoken.NewMemoryRevocations()
	}
	return jwttoken.NewRedisRevocations(rc.Client)
}

func buildChain(ctx context.Context, cfg *config.Config) (*chainDeps, error) {
	cd := &chainDeps{}
	var err error
	if cfg.Settlement.CustodianKey != "" {
		if cd.custodian, err = signing.ParsePrivateKey(cfg.Settlement.CustodianKey); err != nil {
			return nil, fmt.Errorf("custodian key: %w", err)
		}
	}
	if cfg.Relay.SponsorKey != "" {
		if cd.sponsor, err = signing.ParsePrivateKey(cfg.Relay.SponsorKey); err != nil {
			return nil, fmt.Errorf("sponsor key: %w", err)
		}
	}

	if cfg.Chain.RPCURL == "" {
		opts := []memledger.Option{
			memledger.WithChainID(cfg.Chain.ChainID),
			memledger.WithForwarderDomain(cfg.Chain.ForwarderName, cfg.Chain.ForwarderVersion),
		}
		if cd.custodian != nil {
			opts = append(opts,
				memledger.WithCustodian(cd.custodian.Address()),
				memledger.WithBalance(cd.custodian.Address(), devBalance),
			)
		}
		if cd.sponsor != nil {
			opts = append(opts, memledger.WithBalance(cd.sponsor.Address(), devBalance))
		}
		cd.ledger = memledger.New(opts...)
		cd.client = cd.ledger
		cd.registry = cd.ledger.Registry()
		cd.domain = cd.ledger.Domain()
		return cd, nil
	}

	client := rpc.New(cfg.Chain.RPCURL, rpc.WithRetries(cfg.Chain.RPCRetries, 0))
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("read chain id: %w", err)
	}
	registry, err := identity.Parse(cfg.Chain.RegistryAddress)
	if err != nil {
		return nil, fmt.Errorf("registry address: %w", err)
	}
	var forwarder identity.Address
	if cfg.Chain.ForwarderAddress != "" {
		if forwarder, err = identity.Parse(cfg.Chain.ForwarderAddress); err != nil {
			return nil, fmt.Errorf("forwarder address: %w", err)
		}
	}
	cd.client = client
	cd.registry = registry
	cd.domain = chain.Domain{
		Name:              cfg.Chain.ForwarderName,
		Version:           cfg.Chain.ForwarderVersion,
		ChainID:           chainID,
		VerifyingContract: forwarder,
	}
	return cd, nil
}

// signer returns the one Signer for key's account. The custodian and sponsor
// may be the same account and must then share a nonce sequence.
func (cd *chainDeps) signer(key *signing.PrivateKey, cfg *config.Config, logger *slog.Logger) *settlement.Signer {
	if sg, ok := cd.signers[key.Address()]; ok {
		return sg
	}
	if cd.signers == nil {
		cd.signers = make(map[identity.Address]*settlement.Signer)
	}
	sg := settlement.NewSigner(cd.client, key,
		settlement.WithConfirmTimeout(cfg.Settlement.ConfirmTimeout),
		settlement.WithGasLimit(cfg.Settlement.GasLimit),
		settlement.WithSignerLogger(logger),
	)
	cd.signers[key.Address()] = sg
	return sg
}

func buildContent(cfg *config.Config, rc *platformredis.Client, logger *slog.Logger) content.Store {
	var store content.Store
	if cfg.Content.APIURL == "" {
		store = contentmemory.New()
	} else {
		breaker := circuit.New("content",
			circuit.WithFailureThreshold(cfg.Content.BreakerThreshold),
			circuit.WithCooldown(cfg.Content.BreakerCooldown),
		)
		store = ipfs.New(cfg.Content.APIURL,
			ipfs.WithGateways(cfg.Content.Gateways...),
			ipfs.WithRetry(cfg.Content.Retries, cfg.Content.RetryDelay, cfg.Content.AttemptTimeout),
			ipfs.WithBreaker(breaker),
			ipfs.WithLogger(logger),
		)
	}
	if rc != nil {
		store = contentcache.New(store, rc.Client,
			contentcache.WithTTL(cfg.Redis.ContentCacheTTL),
			contentcache.WithLogger(logger),
		)
	}
	return store
}

func buildKeyring(raw []string) (*signing.Keyring, error) {
	keys := make([]*signing.PrivateKey, 0, len(raw))
	for i, r := range raw {
		k, err := signing.ParsePrivateKey(r)
		if err != nil {
			return nil, fmt.Errorf("issuer key %d: %w", i, err)
		}
		keys = append(keys, k)
	}
	return signing.NewKeyring(keys...), nil
}

// buildAllowlist seeds the configured accounts into the chosen backend.
func buildAllowlist(ctx context.Context, raw []string, db *sql.DB) (relay.Allowlist, error) {
	accounts := make([]identity.Address, 0, len(raw))
	for _, r := range raw {
		addr, err := identity.Parse(r)
		if err != nil {
			return nil, fmt.Errorf("relay allowlist: %w", err)
		}
		accounts = append(accounts, addr)
	}
	if db == nil {
		return relaystore.NewInMemoryAllowlist(accounts...), nil
	}
	pg := relaystore.NewPostgresAllowlist(db)
	for _, addr := range accounts {
		if err := pg.Add(ctx, addr); err != nil {
			return nil, fmt.Errorf("seed relay allowlist: %w", err)
		}
	}
	return pg, nil
}

// devNode exposes the embedded ledger as a JSON-RPC endpoint so wallets can
// read nonces and submit transactions in local runs.
type devNode struct {
	server *rpc.Server
}

func (d devNode) Register(r chi.Router) {
	r.Method(http.MethodPost, "/rpc", d.server)
}
