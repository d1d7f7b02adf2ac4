package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
// ⭐ SSOT: 모든 환경변수는 여기서만 읽음
type Config struct {
	// Server (ops endpoints: health, metrics, job audit)
	Port string
	Env  string // development, staging, production

	// Database
	Database DatabaseConfig

	// Cache invalidation targets
	Redis RedisConfig
	NATS  NATSConfig

	// External data provider
	Source SourceConfig

	// Orchestration
	Engine EngineConfig

	// Logging
	LogLevel  string
	LogFormat string
	LogFile   string

	// Monitoring
	MetricsEnabled bool
	MetricsPort    string
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	Name     string
	User     string
	Password string
	URL      string

	// Connection Pool
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	Enabled  bool

	// Pub/sub channel and key prefix used for cache invalidation
	Channel   string
	KeyPrefix string
}

// NATSConfig holds NATS configuration
type NATSConfig struct {
	URL     string
	Subject string
	Enabled bool
}

// SourceConfig holds the market data provider configuration
type SourceConfig struct {
	Name           string // stooq, synthetic
	BaseURL        string
	UserAgent      string
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	RequestsPerSec float64
	Burst          int
	ArchiveDir     string // raw payload archive, empty = disabled

	// Circuit breaker
	BreakerFailures int
	BreakerTimeout  time.Duration

	// Synthetic bars are only ever allowed with ENV=development
	AllowSynthetic bool
}

// EngineConfig holds orchestration settings
type EngineConfig struct {
	Workers           int
	MaxRetries        int
	RetryDelay        time.Duration
	MinSuccessRatio   float64
	StrictStateLookup bool
	DefaultExchange   string
	Schedule          string // cron with seconds
	CalendarClosures  []string

	// Strategy thresholds
	BackfillWindow      int
	StaleBackfillWindow int
	IncrementalWindow   int
	StaleAfterDays      int
	SparseRowThreshold  int

	// Quality thresholds
	PriceGapThreshold    float64
	GapErrorMultiplier   float64
	VolumeOutlierFactor  float64
	VolumeTrailingWindow int
}

// Load reads configuration from environment variables
// ⭐ SSOT: 이 함수만 os.Getenv()를 호출함
func Load() (*Config, error) {
	// Try multiple paths for .env file
	loadEnvFile()

	cfg := &Config{
		// Server
		Port: getEnv("PORT", "8089"),
		Env:  getEnv("ENV", "development"),

		// Database
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			Name:            getEnv("DB_NAME", "stocketl"),
			User:            getEnv("DB_USER", "stocketl"),
			Password:        getEnv("DB_PASSWORD", ""),
			URL:             getEnv("DATABASE_URL", ""),
			MaxConns:        getEnvAsInt("DB_MAX_CONNS", 10),
			MinConns:        getEnvAsInt("DB_MIN_CONNS", 2),
			MaxConnLifetime: getEnvAsDuration("DB_MAX_CONN_LIFETIME", "1h"),
			MaxConnIdleTime: getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", "30m"),
		},

		// Redis
		Redis: RedisConfig{
			Host:      getEnv("REDIS_HOST", "localhost"),
			Port:      getEnv("REDIS_PORT", "6379"),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvAsInt("REDIS_DB", 0),
			Enabled:   getEnvAsBool("REDIS_ENABLED", false),
			Channel:   getEnv("REDIS_INVALIDATION_CHANNEL", "ohlcv:invalidate"),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "ohlcv"),
		},

		NATS: NATSConfig{
			URL:     getEnv("NATS_URL", "nats://localhost:4222"),
			Subject: getEnv("NATS_SUBJECT", "ohlcv.invalidate"),
			Enabled: getEnvAsBool("NATS_ENABLED", false),
		},

		// External data provider
		Source: SourceConfig{
			Name:            getEnv("SOURCE", "stooq"),
			BaseURL:         getEnv("SOURCE_BASE_URL", "https://stooq.com"),
			UserAgent:       getEnv("SOURCE_USER_AGENT", "Mozilla/5.0 (compatible; stocketl/1.0)"),
			Timeout:         getEnvAsDuration("SOURCE_TIMEOUT", "30s"),
			MaxRetries:      getEnvAsInt("SOURCE_MAX_RETRIES", 3),
			InitialBackoff:  getEnvAsDuration("SOURCE_INITIAL_BACKOFF", "4s"),
			MaxBackoff:      getEnvAsDuration("SOURCE_MAX_BACKOFF", "10s"),
			RequestsPerSec:  getEnvAsFloat("SOURCE_REQUESTS_PER_SEC", 0.5),
			Burst:           getEnvAsInt("SOURCE_BURST", 1),
			ArchiveDir:      getEnv("SOURCE_ARCHIVE_DIR", ""),
			BreakerFailures: getEnvAsInt("SOURCE_BREAKER_FAILURES", 5),
			BreakerTimeout:  getEnvAsDuration("SOURCE_BREAKER_TIMEOUT", "60s"),
			AllowSynthetic:  getEnvAsBool("ALLOW_SYNTHETIC_DATA", false),
		},

		// Orchestration
		Engine: EngineConfig{
			Workers:           getEnvAsInt("ENGINE_WORKERS", 1),
			MaxRetries:        getEnvAsInt("JOB_MAX_RETRIES", 1),
			RetryDelay:        getEnvAsDuration("JOB_RETRY_DELAY", "30s"),
			MinSuccessRatio:   getEnvAsFloat("MIN_SUCCESS_RATIO", 0),
			StrictStateLookup: getEnvAsBool("STRICT_STATE_LOOKUP", false),
			DefaultExchange:   getEnv("DEFAULT_EXCHANGE", "WSE"),
			Schedule:          getEnv("INGEST_SCHEDULE", "0 0 18 * * MON-FRI"),
			CalendarClosures:  getEnvAsList("CALENDAR_CLOSURES"),

			BackfillWindow:      getEnvAsInt("BACKFILL_WINDOW", 1000),
			StaleBackfillWindow: getEnvAsInt("STALE_BACKFILL_WINDOW", 500),
			IncrementalWindow:   getEnvAsInt("INCREMENTAL_WINDOW", 1),
			StaleAfterDays:      getEnvAsInt("STALE_AFTER_DAYS", 7),
			SparseRowThreshold:  getEnvAsInt("SPARSE_ROW_THRESHOLD", 30),

			PriceGapThreshold:    getEnvAsFloat("PRICE_GAP_THRESHOLD", 0.05),
			GapErrorMultiplier:   getEnvAsFloat("PRICE_GAP_ERROR_MULTIPLIER", 4),
			VolumeOutlierFactor:  getEnvAsFloat("VOLUME_OUTLIER_FACTOR", 5),
			VolumeTrailingWindow: getEnvAsInt("VOLUME_TRAILING_WINDOW", 20),
		},

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
		LogFile:   getEnv("LOG_FILE", ""),

		// Monitoring
		MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
		MetricsPort:    getEnv("METRICS_PORT", "9090"),
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// IsDevelopment reports whether the process runs in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// validate checks if required configuration values are set
func (c *Config) validate() error {
	// Database URL is required
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	// Validate environment
	if c.Env != "development" && c.Env != "staging" && c.Env != "production" {
		return fmt.Errorf("ENV must be one of: development, staging, production")
	}

	// Synthetic data is a development-only switch
	if c.Source.AllowSynthetic && !c.IsDevelopment() {
		return fmt.Errorf("ALLOW_SYNTHETIC_DATA is only permitted with ENV=development")
	}
	if c.Source.Name == "synthetic" && !c.Source.AllowSynthetic {
		return fmt.Errorf("SOURCE=synthetic requires ALLOW_SYNTHETIC_DATA=true")
	}

	if c.Engine.Workers < 1 {
		return fmt.Errorf("ENGINE_WORKERS must be >= 1")
	}
	if c.Engine.MinSuccessRatio < 0 || c.Engine.MinSuccessRatio > 1 {
		return fmt.Errorf("MIN_SUCCESS_RATIO must be within [0, 1]")
	}

	return nil
}

// Helper functions (private, only used within this file)

// loadEnvFile tries to load .env from multiple locations
func loadEnvFile() {
	// Try paths in order of priority
	paths := []string{".env"}

	// Also try relative to executable
	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(exeDir, ".env"),
			filepath.Join(exeDir, "..", ".env"),
		)
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}

	duration, err := time.ParseDuration(valueStr)
	if err != nil {
		// Fallback to default
		duration, _ = time.ParseDuration(defaultValue)
	}

	return duration
}

// getEnvAsList splits a comma separated value, dropping blanks
func getEnvAsList(key string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return nil
	}

	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
