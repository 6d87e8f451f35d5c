// Package config loads service configuration from the environment. A .env file
// is read first when present; real environment variables win.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	platformstrings "anchorid/pkg/platform/strings"
)

// Config is the full service configuration.
type Config struct {
	Server     ServerConfig
	Log        LogConfig
	Auth       AuthConfig
	Postgres   PostgresConfig
	Redis      RedisConfig
	Content    ContentConfig
	Chain      ChainConfig
	Settlement SettlementConfig
	Relay      RelayConfig
	Issuer     IssuerConfig
	Kafka      KafkaConfig
	Disclosure DisclosureConfig
}

// ServerConfig captures HTTP server level configuration.
type ServerConfig struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	ShutdownTimeout   time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

// AuthConfig holds the bearer token verification settings.
type AuthConfig struct {
	JWTSigningKey string
	JWTIssuer     string
	JWTAudience   string
}

// PostgresConfig is optional; without a DSN the stores run in memory.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig is optional; without a URL the content cache and pointer index
// fall back to memory.
type RedisConfig struct {
	URL             string
	PoolSize        int
	MinIdleConns    int
	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ContentCacheTTL time.Duration
}

// ContentConfig points at the content-addressed store. An empty APIURL selects
// the in-process store.
type ContentConfig struct {
	APIURL           string
	Gateways         []string
	Retries          uint64
	RetryDelay       time.Duration
	AttemptTimeout   time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// ChainConfig points at a JSON-RPC node. An empty RPCURL runs the embedded ledger.
type ChainConfig struct {
	RPCURL           string
	RPCRetries       uint64
	ChainID          int64
	RegistryAddress  string
	ForwarderAddress string
	ForwarderName    string
	ForwarderVersion string
}

type SettlementConfig struct {
	Mode           string
	CustodianKey   string
	ConfirmTimeout time.Duration
	GasLimit       uint64
	ForwardTTL     time.Duration
}

type RelayConfig struct {
	SponsorKey    string
	GasCeiling    uint64
	RatePerSecond float64
	Burst         int
	Allowlist     []string
}

// IssuerConfig lists the private keys of accounts allowed to issue credentials.
type IssuerConfig struct {
	Keys []string
}

// KafkaConfig is optional; without brokers audit events stay in the outbox.
type KafkaConfig struct {
	Brokers        []string
	GroupID        string
	OutboxInterval time.Duration
	ConsumeAudit   bool
}

type DisclosureConfig struct {
	AnchorCheck bool
}

// Load reads the given .env files (missing files are skipped) and then the environment.
func Load(envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return FromEnv()
}

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() (*Config, error) {
	e := &env{}
	cfg := &Config{
		Server: ServerConfig{
			Addr:              e.str("ANCHORID_ADDR", ":8080"),
			ReadHeaderTimeout: e.duration("HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
			WriteTimeout:      e.duration("HTTP_WRITE_TIMEOUT", 60*time.Second),
			ShutdownTimeout:   e.duration("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Log: LogConfig{
			Level:  e.str("LOG_LEVEL", "info"),
			Format: e.str("LOG_FORMAT", "json"),
		},
		Auth: AuthConfig{
			// Use a default for development - should be overridden in production
			JWTSigningKey: e.str("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
			JWTIssuer:     e.str("JWT_ISSUER", "anchorid"),
			JWTAudience:   e.str("JWT_AUDIENCE", "anchorid-api"),
		},
		Postgres: PostgresConfig{
			DSN:             e.str("DATABASE_URL", ""),
			MaxOpenConns:    e.int("DATABASE_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    e.int("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: e.duration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Redis: RedisConfig{
			URL:             e.str("REDIS_URL", ""),
			PoolSize:        e.int("REDIS_POOL_SIZE", 10),
			MinIdleConns:    e.int("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:     e.duration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:     e.duration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout:    e.duration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			ContentCacheTTL: e.duration("CONTENT_CACHE_TTL", time.Hour),
		},
		Content: ContentConfig{
			APIURL:           e.str("CONTENT_API_URL", ""),
			Gateways:         platformstrings.SplitListFunc(e.str("CONTENT_GATEWAYS", ""), platformstrings.TrimSlash),
			Retries:          e.uint("CONTENT_RETRIES", 3),
			RetryDelay:       e.duration("CONTENT_RETRY_DELAY", 200*time.Millisecond),
			AttemptTimeout:   e.duration("CONTENT_ATTEMPT_TIMEOUT", 5*time.Second),
			BreakerThreshold: e.int("CONTENT_BREAKER_THRESHOLD", 5),
			BreakerCooldown:  e.duration("CONTENT_BREAKER_COOLDOWN", 30*time.Second),
		},
		Chain: ChainConfig{
			RPCURL:           e.str("CHAIN_RPC_URL", ""),
			RPCRetries:       e.uint("CHAIN_RPC_RETRIES", 3),
			ChainID:          int64(e.uint("CHAIN_ID", 31337)),
			RegistryAddress:  e.str("CHAIN_REGISTRY_ADDRESS", ""),
			ForwarderAddress: e.str("CHAIN_FORWARDER_ADDRESS", ""),
			ForwarderName:    e.str("CHAIN_FORWARDER_NAME", "ERC2771Forwarder"),
			ForwarderVersion: e.str("CHAIN_FORWARDER_VERSION", "1"),
		},
		Settlement: SettlementConfig{
			Mode:           e.str("SETTLEMENT_MODE", "prepared"),
			CustodianKey:   e.str("SETTLEMENT_CUSTODIAN_KEY", ""),
			ConfirmTimeout: e.duration("SETTLEMENT_CONFIRM_TIMEOUT", 30*time.Second),
			GasLimit:       e.uint("SETTLEMENT_GAS_LIMIT", 150_000),
			ForwardTTL:     e.duration("SETTLEMENT_FORWARD_TTL", 10*time.Minute),
		},
		Relay: RelayConfig{
			SponsorKey:    e.str("RELAY_SPONSOR_KEY", ""),
			GasCeiling:    e.uint("RELAY_GAS_CEILING", 500_000),
			RatePerSecond: e.float("RELAY_RATE_PER_SECOND", 1),
			Burst:         e.int("RELAY_BURST", 5),
			Allowlist:     platformstrings.SplitList(e.str("RELAY_ALLOWLIST", "")),
		},
		Issuer: IssuerConfig{
			Keys: platformstrings.SplitList(e.str("ISSUER_KEYS", "")),
		},
		Kafka: KafkaConfig{
			Brokers:        platformstrings.SplitList(e.str("KAFKA_BROKERS", "")),
			GroupID:        e.str("KAFKA_AUDIT_GROUP", "anchorid-audit"),
			OutboxInterval: e.duration("AUDIT_OUTBOX_INTERVAL", time.Second),
			ConsumeAudit:   e.bool("KAFKA_CONSUME_AUDIT", false),
		},
		Disclosure: DisclosureConfig{
			AnchorCheck: e.bool("DISCLOSURE_ANCHOR_CHECK", true),
		},
	}
	if err := errors.Join(e.errs...); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	if c.Settlement.Mode == "direct" && c.Settlement.CustodianKey == "" {
		return errors.New("config: SETTLEMENT_CUSTODIAN_KEY is required in direct mode")
	}
	if c.Settlement.Mode == "relayed" && c.Relay.SponsorKey == "" {
		return errors.New("config: RELAY_SPONSOR_KEY is required in relayed mode")
	}
	if c.Chain.RPCURL != "" && c.Chain.RegistryAddress == "" {
		return errors.New("config: CHAIN_REGISTRY_ADDRESS is required with CHAIN_RPC_URL")
	}
	if c.Kafka.ConsumeAudit && len(c.Kafka.Brokers) == 0 {
		return errors.New("config: KAFKA_CONSUME_AUDIT needs KAFKA_BROKERS")
	}
	return nil
}

// env collects parse errors so every bad variable is reported at once.
type env struct {
	errs []error
}

func (e *env) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func (e *env) int(key string, def int) int {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %w", key, err))
		return def
	}
	return v
}

func (e *env) uint(key string, def uint64) uint64 {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %w", key, err))
		return def
	}
	return v
}

func (e *env) float(key string, def float64) float64 {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %w", key, err))
		return def
	}
	return v
}

func (e *env) bool(key string, def bool) bool {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %w", key, err))
		return def
	}
	return v
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %w", key, err))
		return def
	}
	return v
}
