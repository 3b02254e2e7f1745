package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	NATS     NATSConfig
	Tracing  TracingConfig
	Referral ReferralConfig
	Breaker  BreakerConfig
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Port         string
	Environment  string
	ServiceName  string
	ReadTimeout  int
	WriteTimeout int
	CORSOrigins  string // Comma-separated list of allowed origins
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host          string
	Port          string
	User          string
	Password      string
	DBName        string
	SSLMode       string
	MaxConns      int
	MinConns      int
	RunMigrations bool
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// NATSConfig holds event bus configuration
type NATSConfig struct {
	URL     string
	Enabled bool
}

// TracingConfig holds OpenTelemetry exporter configuration
type TracingConfig struct {
	Enabled      bool
	OTLPEndpoint string
	SampleRatio  float64
}

// ReferralConfig holds tuning knobs for code generation and fraud detection
type ReferralConfig struct {
	// Code generation
	MaxCodeAttempts    int
	RandomFallbackFrom int // attempts after this number use fully random codes
	ReservationTTL     time.Duration

	// Checklist thresholds
	MinForumPosts    int
	MinInteractions  int
	MinGroupMessages int

	// Detection
	SequentialEmailCheck bool
	CadenceWindow        time.Duration
	CadenceRatio         float64
	TemplateSpan         time.Duration
	MaxLowEffortWords    int
}

// BreakerConfig holds circuit breaker knobs for store reads made by the detector
type BreakerConfig struct {
	Enabled          bool
	IntervalSeconds  int
	TimeoutSeconds   int
	FailureThreshold int
	SuccessThreshold int
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			Environment:  getEnv("ENVIRONMENT", "development"),
			ServiceName:  serviceName,
			ReadTimeout:  getEnvAsInt("READ_TIMEOUT", 10),
			WriteTimeout: getEnvAsInt("WRITE_TIMEOUT", 10),
			CORSOrigins:  getEnv("CORS_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			Host:          getEnv("DB_HOST", "localhost"),
			Port:          getEnv("DB_PORT", "5432"),
			User:          getEnv("DB_USER", "postgres"),
			Password:      getEnv("DB_PASSWORD", "postgres"),
			DBName:        getEnv("DB_NAME", "referrals"),
			SSLMode:       getEnv("DB_SSLMODE", "disable"),
			MaxConns:      getEnvAsInt("DB_MAX_CONNS", 25),
			MinConns:      getEnvAsInt("DB_MIN_CONNS", 5),
			RunMigrations: getEnvAsBool("DB_RUN_MIGRATIONS", true),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		NATS: NATSConfig{
			URL:     getEnv("NATS_URL", "nats://localhost:4222"),
			Enabled: getEnvAsBool("NATS_ENABLED", false),
		},
		Tracing: TracingConfig{
			Enabled:      getEnvAsBool("TRACING_ENABLED", false),
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			SampleRatio:  getEnvAsFloat("TRACING_SAMPLE_RATIO", 0.1),
		},
		Referral: ReferralConfig{
			MaxCodeAttempts:      getEnvAsInt("REFERRAL_MAX_CODE_ATTEMPTS", 10),
			RandomFallbackFrom:   getEnvAsInt("REFERRAL_RANDOM_FALLBACK_FROM", 5),
			ReservationTTL:       getEnvAsDuration("REFERRAL_RESERVATION_TTL", 30*time.Second),
			MinForumPosts:        getEnvAsInt("REFERRAL_MIN_FORUM_POSTS", 3),
			MinInteractions:      getEnvAsInt("REFERRAL_MIN_INTERACTIONS", 10),
			MinGroupMessages:     getEnvAsInt("REFERRAL_MIN_GROUP_MESSAGES", 5),
			SequentialEmailCheck: getEnvAsBool("REFERRAL_SEQUENTIAL_EMAIL_CHECK", true),
			CadenceWindow:        getEnvAsDuration("REFERRAL_CADENCE_WINDOW", 5*time.Minute),
			CadenceRatio:         getEnvAsFloat("REFERRAL_CADENCE_RATIO", 0.5),
			TemplateSpan:         getEnvAsDuration("REFERRAL_TEMPLATE_SPAN", time.Hour),
			MaxLowEffortWords:    getEnvAsInt("REFERRAL_MAX_LOW_EFFORT_WORDS", 15),
		},
		Breaker: BreakerConfig{
			Enabled:          getEnvAsBool("CB_ENABLED", true),
			IntervalSeconds:  getEnvAsInt("CB_INTERVAL_SECONDS", 60),
			TimeoutSeconds:   getEnvAsInt("CB_TIMEOUT_SECONDS", 30),
			FailureThreshold: getEnvAsInt("CB_FAILURE_THRESHOLD", 5),
			SuccessThreshold: getEnvAsInt("CB_SUCCESS_THRESHOLD", 1),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects combinations the referral components cannot run with
func (c *Config) Validate() error {
	r := c.Referral
	if r.MaxCodeAttempts < 1 {
		return fmt.Errorf("REFERRAL_MAX_CODE_ATTEMPTS must be at least 1, got %d", r.MaxCodeAttempts)
	}
	if r.RandomFallbackFrom < 0 {
		return fmt.Errorf("REFERRAL_RANDOM_FALLBACK_FROM must not be negative, got %d", r.RandomFallbackFrom)
	}
	if r.MinForumPosts < 1 || r.MinInteractions < 1 || r.MinGroupMessages < 1 {
		return fmt.Errorf("checklist thresholds must be positive")
	}
	if r.CadenceRatio <= 0 || r.CadenceRatio > 1 {
		return fmt.Errorf("REFERRAL_CADENCE_RATIO must be in (0, 1], got %v", r.CadenceRatio)
	}
	return nil
}

// DSN returns the database connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// URL returns the database connection string in URL form, as expected by the migrator
func (c *DatabaseConfig) URL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// RedisAddr returns the Redis address
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
