package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"

	RateLimitBackendStore = "store"
	RateLimitBackendRedis = "redis"
)

type Config struct {
	AppName                       string   `env:"APP_NAME" env-default:"fern-api"`
	Version                       string   `env:"APP_VERSION" env-default:"dev"`
	Port                          int      `env:"PORT" env-default:"3000"`
	LogLevel                      string   `env:"LOG_LEVEL" env-default:"info"`
	PrettyLogs                    bool     `env:"PRETTY_LOGS" env-default:"false"`
	HttpServerWriteTimeoutSeconds int      `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" env-default:"30"`
	HttpServerReadTimeoutSeconds  int      `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerIdleTimeoutSeconds  int      `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" env-default:"10"`
	ReadHeaderTimeoutSeconds      int      `env:"HTTP_SERVER_READ_HEADER_TIMEOUT_SECONDS" env-default:"10"`
	MaxHeaderBytes                int      `env:"HTTP_SERVER_MAX_HEADER_BYTES" env-default:"64000"` // 64KB
	AllowOrigins                  []string `env:"HTTP_SERVER_ALLOW_ORIGINS" env-default:"*"`
	AllowMethods                  []string `env:"HTTP_SERVER_ALLOW_METHODS" env-default:"GET,POST,PUT,DELETE"`
	StartupMaxAttempts            int      `env:"STARTUP_MAX_ATTEMPTS" env-default:"5"`

	// Grace period for in-flight requests on shutdown
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" env-default:"15s"`

	// Database driver, postgres or memory
	DatabaseDriver string `env:"DB_DRIVER" env-default:"postgres"`
	// Database host
	DatabaseHost string `env:"DB_HOST" env-default:"localhost"`
	// Database port
	DatabasePort string `env:"DB_PORT" env-default:"5432"`
	// Database user
	DatabaseUserName string `env:"DB_USER_NAME" env-default:""`
	// Database user password
	DatabasePassword string `env:"DB_PASSWORD" env-default:""`
	// Database name
	DatabaseName string `env:"DB_NAME" env-default:"fern"`
	// Database SSL Mode
	DatabaseSSLMode string `env:"DB_SSL_MODE" env-default:"disable"`
	// Max Open Conns
	DatabaseMaxOpenConns int `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	// Max Idle Conns
	DatabaseMaxIdleConns int `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	// Conn Max Lifetime
	DatabaseConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"10s"`
	// Migration Folder Path
	DatabaseMigrationFolderPath string `env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/pg"`
	// Database Migration Auto Rollback
	DatabaseMigrationAutoRollback bool `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`
	// Run migrations before serving
	DatabaseMigrateOnStart bool `env:"DB_MIGRATE_ON_START" env-default:"true"`

	// Redis enabled; required for the scan lock and the redis rate limit backend
	RedisEnabled bool `env:"REDIS_ENABLED" env-default:"false"`
	// Redis host
	RedisHost string `env:"REDIS_HOST" env-default:"localhost"`
	// Redis port
	RedisPort int `env:"REDIS_PORT" env-default:"6379"`
	// Redis password
	RedisPassword string `env:"REDIS_PASSWORD" env-default:""`
	// Redis database number
	RedisDB int `env:"REDIS_DB" env-default:"0"`

	// Publish replay-completed events
	KafkaEnabled bool `env:"KAFKA_ENABLED" env-default:"false"`
	// Kafka brokers (comma-separated)
	KafkaBrokers string `env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	// Kafka topic for replay-completed events
	KafkaReplayTopic string `env:"KAFKA_REPLAY_TOPIC" env-default:"dlq-replays"`

	// Scanner settings
	ScannerEnabled          bool          `env:"SCANNER_ENABLED" env-default:"true"`
	ScannerTickInterval     time.Duration `env:"SCANNER_TICK_INTERVAL" env-default:"30s"`
	ScannerActiveInterval   time.Duration `env:"SCANNER_ACTIVE_INTERVAL" env-default:"2m"`
	ScannerInactiveInterval time.Duration `env:"SCANNER_INACTIVE_INTERVAL" env-default:"15m"`
	ScannerMaxConcurrency   int           `env:"SCANNER_MAX_CONCURRENCY" env-default:"4"`
	ScannerPeekBatchSize    int           `env:"SCANNER_PEEK_BATCH_SIZE" env-default:"100"`
	ScannerLockTTL          time.Duration `env:"SCANNER_LOCK_TTL" env-default:"5m"`

	// Replay rate limit backend, store or redis
	ReplayRateLimitBackend string `env:"REPLAY_RATE_LIMIT_BACKEND" env-default:"store"`
	// Regex condition timeout
	RuleRegexTimeout time.Duration `env:"RULE_REGEX_TIMEOUT" env-default:"1s"`
	// Maximum rows returned by an export
	ExportMaxRows int `env:"EXPORT_MAX_ROWS" env-default:"10000"`

	// Namespace connection decrypter, plaintext or base64
	NamespaceDecrypter string `env:"NAMESPACE_DECRYPTER" env-default:"plaintext"`

	// Tracing settings
	// Enable OTLP tracing export
	OTLPEnabled bool `env:"OTLP_ENABLED" env-default:"false"`
	// OTLP collector endpoint
	OTLPEndpoint string `env:"OTLP_ENDPOINT" env-default:"localhost:4317"`
	// OTLP protocol (grpc or http)
	OTLPProtocol string `env:"OTLP_PROTOCOL" env-default:"grpc"`
	// Disable TLS for OTLP (for local development)
	OTLPInsecure bool `env:"OTLP_INSECURE" env-default:"true"`
}

// Load reads an optional .env file and then the process environment
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("DB_DRIVER must be %q or %q, got %q", DriverPostgres, DriverMemory, c.DatabaseDriver)
	}
	switch c.ReplayRateLimitBackend {
	case RateLimitBackendStore:
	case RateLimitBackendRedis:
		if !c.RedisEnabled {
			return fmt.Errorf("REPLAY_RATE_LIMIT_BACKEND=redis requires REDIS_ENABLED=true")
		}
	default:
		return fmt.Errorf("REPLAY_RATE_LIMIT_BACKEND must be %q or %q, got %q", RateLimitBackendStore, RateLimitBackendRedis, c.ReplayRateLimitBackend)
	}
	if c.ScannerMaxConcurrency < 1 {
		return fmt.Errorf("SCANNER_MAX_CONCURRENCY must be at least 1")
	}
	if c.ScannerPeekBatchSize < 1 {
		return fmt.Errorf("SCANNER_PEEK_BATCH_SIZE must be at least 1")
	}
	if c.ExportMaxRows < 1 {
		return fmt.Errorf("EXPORT_MAX_ROWS must be at least 1")
	}
	return nil
}

// DatabaseDSN builds the postgres connection string
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DatabaseHost, c.DatabasePort, c.DatabaseUserName, c.DatabasePassword, c.DatabaseName, c.DatabaseSSLMode)
}
