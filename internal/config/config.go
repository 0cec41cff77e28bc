package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Process roles selectable with INKBOARD_MODE.
const (
	ModeAll    = "all"
	ModeRelay  = "relay"
	ModeWorker = "worker"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Mode     string
	Database DatabaseConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Server   ServerConfig
	Relay    RelayConfig
	Queue    QueueConfig
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string //nolint:gosec // G117: DB connection config
	DBName   string
	SSLMode  string
	MaxConns int
	// Migrate applies the embedded schema on startup.
	Migrate bool
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string //nolint:gosec // G117: Redis connection config
	DB       int
}

// AuthConfig selects how bearer tokens are verified. A JWKS URL takes
// precedence over the shared secret.
type AuthConfig struct {
	JWKSURL     string
	JWKSRefresh time.Duration
	Secret      string //nolint:gosec // G117: JWT signing secret config
	Issuer      string
	Audience    string
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigins  []string
}

// RelayConfig bounds per-connection resources on the WebSocket relay.
type RelayConfig struct {
	SendBuffer      int
	MaxMessageBytes int64
	WriteTimeout    time.Duration
	Rate            float64
	Burst           int
}

// QueueConfig holds the persistence pipeline settings.
type QueueConfig struct {
	Prefix         string
	Group          string
	Consumer       string
	Lanes          int
	Batch          int
	Block          time.Duration
	EnqueueTimeout time.Duration
	JobTimeout     time.Duration
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	LeaseTTL       time.Duration
}

// Load reads configuration from environment variables.
// Defaults are safe for local development only. In production,
// the token verifier and DB password must be set explicitly.
func Load() (*Config, error) {
	dbPort, err := getEnvInt("INKBOARD_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	dbMaxConns, err := getEnvInt("INKBOARD_DB_MAX_CONNS", 25)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	dbMigrate, err := getEnvBool("INKBOARD_DB_MIGRATE", true)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	redisDB, err := getEnvInt("INKBOARD_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	jwksRefresh, err := getEnvDuration("INKBOARD_JWKS_REFRESH", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	readTimeout, err := getEnvDuration("INKBOARD_SERVER_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	writeTimeout, err := getEnvDuration("INKBOARD_SERVER_WRITE_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	relay, err := loadRelay()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	queue, err := loadQueue()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	cfg := &Config{
		Mode: getEnv("INKBOARD_MODE", ModeAll),
		Database: DatabaseConfig{
			Host:     getEnv("INKBOARD_DB_HOST", "localhost"),
			Port:     dbPort,
			User:     getEnv("INKBOARD_DB_USER", "inkboard"),
			Password: getEnv("INKBOARD_DB_PASSWORD", ""),
			DBName:   getEnv("INKBOARD_DB_NAME", "inkboard_dev"),
			SSLMode:  getEnv("INKBOARD_DB_SSLMODE", "disable"),
			MaxConns: dbMaxConns,
			Migrate:  dbMigrate,
		},
		Redis: RedisConfig{
			Addr:     getEnv("INKBOARD_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("INKBOARD_REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Auth: AuthConfig{
			JWKSURL:     getEnv("INKBOARD_JWKS_URL", ""),
			JWKSRefresh: jwksRefresh,
			Secret:      getEnv("INKBOARD_JWT_SECRET", ""),
			Issuer:      getEnv("INKBOARD_JWT_ISSUER", ""),
			Audience:    getEnv("INKBOARD_JWT_AUDIENCE", ""),
		},
		Server: ServerConfig{
			Addr:         getEnv("INKBOARD_SERVER_ADDR", ":8080"),
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			CORSOrigins:  getEnvList("INKBOARD_CORS_ORIGINS", []string{"http://localhost:3000"}),
		},
		Relay: relay,
		Queue: queue,
	}

	err = cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return cfg, nil
}

func loadRelay() (RelayConfig, error) {
	sendBuffer, err := getEnvInt("INKBOARD_RELAY_SEND_BUFFER", 256)
	if err != nil {
		return RelayConfig{}, err
	}
	maxBytes, err := getEnvInt("INKBOARD_RELAY_MAX_MESSAGE_BYTES", 1<<20)
	if err != nil {
		return RelayConfig{}, err
	}
	writeTimeout, err := getEnvDuration("INKBOARD_RELAY_WRITE_TIMEOUT", 10*time.Second)
	if err != nil {
		return RelayConfig{}, err
	}
	rate, err := getEnvFloat("INKBOARD_RELAY_RATE", 100)
	if err != nil {
		return RelayConfig{}, err
	}
	burst, err := getEnvInt("INKBOARD_RELAY_BURST", 200)
	if err != nil {
		return RelayConfig{}, err
	}

	return RelayConfig{
		SendBuffer:      sendBuffer,
		MaxMessageBytes: int64(maxBytes),
		WriteTimeout:    writeTimeout,
		Rate:            rate,
		Burst:           burst,
	}, nil
}

func loadQueue() (QueueConfig, error) {
	lanes, err := getEnvInt("INKBOARD_QUEUE_LANES", 4)
	if err != nil {
		return QueueConfig{}, err
	}
	batch, err := getEnvInt("INKBOARD_QUEUE_BATCH", 32)
	if err != nil {
		return QueueConfig{}, err
	}
	block, err := getEnvDuration("INKBOARD_QUEUE_BLOCK", 2*time.Second)
	if err != nil {
		return QueueConfig{}, err
	}
	enqueueTimeout, err := getEnvDuration("INKBOARD_QUEUE_ENQUEUE_TIMEOUT", 500*time.Millisecond)
	if err != nil {
		return QueueConfig{}, err
	}
	jobTimeout, err := getEnvDuration("INKBOARD_QUEUE_JOB_TIMEOUT", 10*time.Second)
	if err != nil {
		return QueueConfig{}, err
	}
	maxAttempts, err := getEnvInt("INKBOARD_QUEUE_MAX_ATTEMPTS", 5)
	if err != nil {
		return QueueConfig{}, err
	}
	backoffBase, err := getEnvDuration("INKBOARD_QUEUE_BACKOFF_BASE", 200*time.Millisecond)
	if err != nil {
		return QueueConfig{}, err
	}
	backoffMax, err := getEnvDuration("INKBOARD_QUEUE_BACKOFF_MAX", 10*time.Second)
	if err != nil {
		return QueueConfig{}, err
	}
	// A lane lease outlives the longest gap between two renewals.
	leaseTTL, err := getEnvDuration("INKBOARD_QUEUE_LEASE_TTL", 2*(block+jobTimeout+backoffMax))
	if err != nil {
		return QueueConfig{}, err
	}

	return QueueConfig{
		Prefix:         getEnv("INKBOARD_QUEUE_PREFIX", "inkboard:jobs"),
		Group:          getEnv("INKBOARD_QUEUE_GROUP", "persist"),
		Consumer:       getEnv("INKBOARD_QUEUE_CONSUMER", defaultConsumer()),
		Lanes:          lanes,
		Batch:          batch,
		Block:          block,
		EnqueueTimeout: enqueueTimeout,
		JobTimeout:     jobTimeout,
		MaxAttempts:    maxAttempts,
		BackoffBase:    backoffBase,
		BackoffMax:     backoffMax,
		LeaseTTL:       leaseTTL,
	}, nil
}

// validate checks required fields and value bounds.
func (c *Config) validate() error {
	switch c.Mode {
	case ModeAll, ModeRelay, ModeWorker:
	default:
		return fmt.Errorf("INKBOARD_MODE must be one of all, relay, worker; got %q", c.Mode)
	}

	// A token verifier is required (no insecure default).
	if c.Auth.JWKSURL == "" && c.Auth.Secret == "" {
		return errors.New("INKBOARD_JWKS_URL or INKBOARD_JWT_SECRET is required")
	}
	if c.Auth.Secret != "" && len(c.Auth.Secret) < 32 {
		return errors.New("INKBOARD_JWT_SECRET must be at least 32 characters")
	}
	if c.Auth.JWKSRefresh <= 0 {
		return fmt.Errorf("INKBOARD_JWKS_REFRESH must be positive, got %s", c.Auth.JWKSRefresh)
	}

	if c.Database.SSLMode == "disable" {
		log.Warn().Msg("INKBOARD_DB_SSLMODE=disable is insecure for production; set to 'require' or 'verify-full'")
	}

	// Bounds checks.
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("INKBOARD_DB_PORT must be 1-65535, got %d", c.Database.Port)
	}
	if c.Database.MaxConns < 1 {
		return fmt.Errorf("INKBOARD_DB_MAX_CONNS must be >= 1, got %d", c.Database.MaxConns)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("INKBOARD_SERVER_READ_TIMEOUT must be positive, got %s", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("INKBOARD_SERVER_WRITE_TIMEOUT must be positive, got %s", c.Server.WriteTimeout)
	}

	if c.Relay.SendBuffer < 1 {
		return fmt.Errorf("INKBOARD_RELAY_SEND_BUFFER must be >= 1, got %d", c.Relay.SendBuffer)
	}
	if c.Relay.MaxMessageBytes < 1024 {
		return fmt.Errorf("INKBOARD_RELAY_MAX_MESSAGE_BYTES must be >= 1024, got %d", c.Relay.MaxMessageBytes)
	}
	if c.Relay.WriteTimeout <= 0 {
		return fmt.Errorf("INKBOARD_RELAY_WRITE_TIMEOUT must be positive, got %s", c.Relay.WriteTimeout)
	}
	if c.Relay.Rate <= 0 {
		return fmt.Errorf("INKBOARD_RELAY_RATE must be positive, got %g", c.Relay.Rate)
	}
	if c.Relay.Burst < 1 {
		return fmt.Errorf("INKBOARD_RELAY_BURST must be >= 1, got %d", c.Relay.Burst)
	}

	return c.Queue.validate()
}

func (q *QueueConfig) validate() error {
	if q.Prefix == "" || q.Group == "" || q.Consumer == "" {
		return errors.New("INKBOARD_QUEUE_PREFIX, INKBOARD_QUEUE_GROUP and INKBOARD_QUEUE_CONSUMER must not be empty")
	}
	if q.Lanes < 1 || q.Lanes > 1024 {
		return fmt.Errorf("INKBOARD_QUEUE_LANES must be 1-1024, got %d", q.Lanes)
	}
	if q.Batch < 1 {
		return fmt.Errorf("INKBOARD_QUEUE_BATCH must be >= 1, got %d", q.Batch)
	}
	if q.Block <= 0 {
		return fmt.Errorf("INKBOARD_QUEUE_BLOCK must be positive, got %s", q.Block)
	}
	if q.EnqueueTimeout <= 0 {
		return fmt.Errorf("INKBOARD_QUEUE_ENQUEUE_TIMEOUT must be positive, got %s", q.EnqueueTimeout)
	}
	if q.JobTimeout <= 0 {
		return fmt.Errorf("INKBOARD_QUEUE_JOB_TIMEOUT must be positive, got %s", q.JobTimeout)
	}
	if q.MaxAttempts < 1 {
		return fmt.Errorf("INKBOARD_QUEUE_MAX_ATTEMPTS must be >= 1, got %d", q.MaxAttempts)
	}
	if q.BackoffBase <= 0 {
		return fmt.Errorf("INKBOARD_QUEUE_BACKOFF_BASE must be positive, got %s", q.BackoffBase)
	}
	if q.BackoffMax < q.BackoffBase {
		return fmt.Errorf("INKBOARD_QUEUE_BACKOFF_MAX must be >= INKBOARD_QUEUE_BACKOFF_BASE, got %s", q.BackoffMax)
	}
	if minTTL := q.Block + q.JobTimeout + q.BackoffMax; q.LeaseTTL <= minTTL {
		return fmt.Errorf("INKBOARD_QUEUE_LEASE_TTL must exceed %s, got %s", minTTL, q.LeaseTTL)
	}
	return nil
}

// RunsRelay reports whether this process serves WebSocket and REST traffic.
func (c *Config) RunsRelay() bool { return c.Mode == ModeAll || c.Mode == ModeRelay }

// RunsWorker reports whether this process consumes the persistence queue.
func (c *Config) RunsWorker() bool { return c.Mode == ModeAll || c.Mode == ModeWorker }

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

func defaultConsumer() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "inkboard"
	}
	return host
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parsing %s=%q as bool: %w", key, v, err)
	}
	return b, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as float: %w", key, v, err)
	}
	return f, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
