// Package config loads node configuration from the environment.
// Every option has a workable default so a dev node boots with nothing
// set; deployments override through the standard variables below.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Defaults for the tunable windows and budgets.
const (
	DefaultBlobMaxInlineBytes = 1_048_576
	DefaultPGMaxConnections   = 10

	DefaultReplayFreshness    = 300 * time.Second
	DefaultClockSkewTolerance = 30 * time.Second
	DefaultPGConnTimeout      = 5 * time.Second
	DefaultPGQueryTimeout     = 3 * time.Second

	DefaultLeaseDuration      = 60 * time.Second
	DefaultHeartbeatInterval  = 20 * time.Second
	DefaultReaperInterval     = 10 * time.Second
	DefaultAgentRetentionDays = 7

	DefaultQScoreAcceptThreshold = 0.75
	DefaultMaxRetries            = 2
)

// Config holds node configuration.
type Config struct {
	// Scope identity for the node's own traffic.
	Tenant  string
	Project string
	AgentID string

	// HealthAddr serves /health and /readiness.
	HealthAddr string
	LogLevel   string

	// Broker.
	RedisURL            string
	ConsumerGroupPrefix string

	// Relational stores. An empty PGURL selects lite mode: registry,
	// checkpointer, and grading run on SQLite at SQLitePath.
	PGURL            string
	PGMaxConnections int
	PGConnTimeout    time.Duration
	PGQueryTimeout   time.Duration
	SQLitePath       string

	// Payload spill.
	BlobStoreURL       string
	BlobMaxInlineBytes int

	// Bearer tokens.
	JWTAlgorithm         string
	JWTSecretOrPublicKey string
	JWTIssuer            string
	JWTAudience          string

	// Envelope signing. Tenant keys derive from this master secret.
	SigningMasterKey string

	// Replay window.
	ReplayFreshness    time.Duration
	ClockSkewTolerance time.Duration

	// Registry leases.
	LeaseDuration      time.Duration
	HeartbeatInterval  time.Duration
	ReaperInterval     time.Duration
	AgentRetentionDays int

	// Grading.
	QScoreAcceptThreshold float64
	MaxRetries            int
	QScoreProfilePath     string
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		Tenant:  getenvDefault("CMO_TENANT", "local"),
		Project: getenvDefault("CMO_PROJECT", "dev"),
		AgentID: getenvDefault("CMO_AGENT_ID", "cmo"),

		HealthAddr: getenvDefault("HEALTH_ADDR", ":8081"),
		LogLevel:   getenvDefault("LOG_LEVEL", "INFO"),

		RedisURL:            os.Getenv("REDIS_URL"),
		ConsumerGroupPrefix: getenvDefault("REDIS_CONSUMER_GROUP_PREFIX", "cmo"),

		PGURL:            os.Getenv("PG_URL"),
		PGMaxConnections: getenvIntDefault("PG_MAX_CONNECTIONS", DefaultPGMaxConnections),
		PGConnTimeout:    getenvSecondsDefault("PG_CONN_TIMEOUT", DefaultPGConnTimeout),
		PGQueryTimeout:   getenvSecondsDefault("PG_QUERY_TIMEOUT", DefaultPGQueryTimeout),
		SQLitePath:       getenvDefault("SQLITE_PATH", "cmo.db"),

		BlobStoreURL:       os.Getenv("BLOB_STORE_URL"),
		BlobMaxInlineBytes: getenvIntDefault("BLOB_MAX_INLINE_BYTES", DefaultBlobMaxInlineBytes),

		JWTAlgorithm:         getenvDefault("JWT_ALGORITHM", "HS256"),
		JWTSecretOrPublicKey: os.Getenv("JWT_SECRET_OR_PUBLIC_KEY"),
		JWTIssuer:            getenvDefault("JWT_ISSUER", "cmo"),
		JWTAudience:          getenvDefault("JWT_AUDIENCE", "cmo"),

		SigningMasterKey: os.Getenv("SIGNING_MASTER_KEY"),

		ReplayFreshness:    getenvSecondsDefault("REPLAY_FRESHNESS_SECONDS", DefaultReplayFreshness),
		ClockSkewTolerance: getenvSecondsDefault("CLOCK_SKEW_TOLERANCE_SECONDS", DefaultClockSkewTolerance),

		LeaseDuration:      getenvSecondsDefault("LEASE_DURATION_SECONDS", DefaultLeaseDuration),
		HeartbeatInterval:  getenvSecondsDefault("HEARTBEAT_INTERVAL_SECONDS", DefaultHeartbeatInterval),
		ReaperInterval:     getenvSecondsDefault("REAPER_INTERVAL_SECONDS", DefaultReaperInterval),
		AgentRetentionDays: getenvIntDefault("AGENT_RETENTION_DAYS", DefaultAgentRetentionDays),

		QScoreAcceptThreshold: getenvFloatDefault("QSCORE_ACCEPT_THRESHOLD", DefaultQScoreAcceptThreshold),
		MaxRetries:            getenvIntDefault("MAX_RETRIES", DefaultMaxRetries),
		QScoreProfilePath:     os.Getenv("QSCORE_PROFILE_PATH"),
	}
}

// LiteMode reports whether the node runs on SQLite instead of Postgres.
func (c *Config) LiteMode() bool { return c.PGURL == "" }

// Validate catches configuration that cannot possibly run. Defaults
// never trip it; only explicit misconfiguration does.
func (c *Config) Validate() error {
	if c.Tenant == "" || c.Project == "" {
		return fmt.Errorf("config: CMO_TENANT and CMO_PROJECT must not be empty")
	}
	if c.BlobMaxInlineBytes <= 0 {
		return fmt.Errorf("config: BLOB_MAX_INLINE_BYTES must be positive, got %d", c.BlobMaxInlineBytes)
	}
	if c.QScoreAcceptThreshold <= 0 || c.QScoreAcceptThreshold > 1 {
		return fmt.Errorf("config: QSCORE_ACCEPT_THRESHOLD must be in (0, 1], got %g", c.QScoreAcceptThreshold)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("config: MAX_RETRIES must not be negative, got %d", c.MaxRetries)
	}
	if c.LeaseDuration <= 0 || c.HeartbeatInterval <= 0 || c.ReaperInterval <= 0 {
		return fmt.Errorf("config: lease, heartbeat, and reaper intervals must be positive")
	}
	if c.HeartbeatInterval >= c.LeaseDuration {
		return fmt.Errorf("config: HEARTBEAT_INTERVAL_SECONDS (%s) must be shorter than LEASE_DURATION_SECONDS (%s)",
			c.HeartbeatInterval, c.LeaseDuration)
	}
	switch c.JWTAlgorithm {
	case "HS256", "RS256":
	default:
		return fmt.Errorf("config: JWT_ALGORITHM must be HS256 or RS256, got %q", c.JWTAlgorithm)
	}
	return nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvFloatDefault(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getenvSecondsDefault(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}
