package config

import (
	"os"
	"strconv"
	"time"

	"receiptflow/pkg/platform/strings"
)

// Backend selects the receipt document store.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendRedis    Backend = "redis"
	BackendPostgres Backend = "postgres"
)

// Server captures HTTP server level configuration.
type Server struct {
	Addr    string
	Backend Backend
	// TrustProxyHeaders reads client addresses from X-Forwarded-For. Enable
	// only behind a proxy that overwrites the header.
	TrustProxyHeaders bool

	Identity IdentityConfig
	Redis    RedisConfig
	Postgres PostgresConfig
	Kafka    KafkaConfig
	Gateway  GatewayConfig
	Review   ReviewConfig
}

// IdentityConfig configures token verification and role derivation.
type IdentityConfig struct {
	SigningKey string
	Issuer     string
	Audience   string
	TokenTTL   time.Duration
	// StrictRoles fails closed when a token carries no role claim at all
	// instead of defaulting to ambassador.
	StrictRoles bool
	// SuperadminEmail seeds the first superadmin account at startup. An empty
	// SuperadminPassword generates one and logs it once.
	SuperadminEmail    string
	SuperadminPassword string
}

// RedisConfig configures the Redis-backed receipt store.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// PostgresConfig configures the Postgres-backed receipt store.
type PostgresConfig struct {
	DSN          string
	MaxOpenConns int
	TxTimeout    time.Duration
}

// KafkaConfig configures the audit event sink. An empty broker list keeps
// audit events in memory.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// GatewayConfig configures the privileged approveReceipt callable client.
type GatewayConfig struct {
	// BaseURL of the callable endpoint. Empty means this process serves the
	// callable itself and the client loops back to Addr.
	BaseURL          string
	Timeout          time.Duration
	FailureThreshold int
	SuccessThreshold int
	Cooldown         time.Duration
}

// ReviewConfig configures reviewer-facing behaviour.
type ReviewConfig struct {
	NoticeTTL time.Duration
}

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() Server {
	return Server{
		Addr:    getEnv("RECEIPTFLOW_ADDR", ":8080"),
		Backend: Backend(getEnv("RECEIPTFLOW_BACKEND", string(BackendMemory))),

		TrustProxyHeaders: getBool("RECEIPTFLOW_TRUST_PROXY_HEADERS", false),
		Identity: IdentityConfig{
			// Use a default for development - should be overridden in production
			SigningKey:  getEnv("RECEIPTFLOW_JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
			Issuer:      getEnv("RECEIPTFLOW_JWT_ISSUER", "receiptflow"),
			Audience:    getEnv("RECEIPTFLOW_JWT_AUDIENCE", "receiptflow-reviewers"),
			TokenTTL:    getDuration("RECEIPTFLOW_TOKEN_TTL", time.Hour),
			StrictRoles: getBool("RECEIPTFLOW_STRICT_ROLES", false),

			SuperadminEmail:    os.Getenv("RECEIPTFLOW_SUPERADMIN_EMAIL"),
			SuperadminPassword: os.Getenv("RECEIPTFLOW_SUPERADMIN_PASSWORD"),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("RECEIPTFLOW_REDIS_URL"),
			PoolSize:     getInt("RECEIPTFLOW_REDIS_POOL_SIZE", 10),
			MinIdleConns: getInt("RECEIPTFLOW_REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getDuration("RECEIPTFLOW_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getDuration("RECEIPTFLOW_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getDuration("RECEIPTFLOW_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Postgres: PostgresConfig{
			DSN:          os.Getenv("RECEIPTFLOW_DATABASE_URL"),
			MaxOpenConns: getInt("RECEIPTFLOW_DATABASE_MAX_OPEN_CONNS", 10),
			TxTimeout:    getDuration("RECEIPTFLOW_DATABASE_TX_TIMEOUT", 5*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers: strings.SplitList(os.Getenv("RECEIPTFLOW_KAFKA_BROKERS")),
			Topic:   getEnv("RECEIPTFLOW_KAFKA_AUDIT_TOPIC", "receipt-audit"),
		},
		Gateway: GatewayConfig{
			BaseURL:          os.Getenv("RECEIPTFLOW_CALLABLE_URL"),
			Timeout:          getDuration("RECEIPTFLOW_CALLABLE_TIMEOUT", 10*time.Second),
			FailureThreshold: getInt("RECEIPTFLOW_CALLABLE_FAILURE_THRESHOLD", 5),
			SuccessThreshold: getInt("RECEIPTFLOW_CALLABLE_SUCCESS_THRESHOLD", 1),
			Cooldown:         getDuration("RECEIPTFLOW_CALLABLE_COOLDOWN", 10*time.Second),
		},
		Review: ReviewConfig{
			NoticeTTL: getDuration("RECEIPTFLOW_NOTICE_TTL", 5*time.Second),
		},
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}
