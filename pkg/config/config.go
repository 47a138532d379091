package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Events   EventsConfig
	KYC      KYCConfig
}

// ServerConfig holds server-specific configuration.
type ServerConfig struct {
	Port         string
	Environment  string
	ServiceName  string
	ReadTimeout  int
	WriteTimeout int
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Host          string
	Port          string
	User          string
	Password      string
	DBName        string
	SSLMode       string
	MaxConns      int
	MinConns      int
	MigrationsDir string
}

// RedisConfig holds Redis configuration. Redis is optional; when Host is
// empty the verification-status cache is disabled.
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// JWTConfig holds JWT configuration.
type JWTConfig struct {
	Secret     string
	Expiration int // in hours
}

// EventsConfig holds NATS event bus configuration. Events are optional;
// when URL is empty lifecycle events are logged and dropped.
type EventsConfig struct {
	URL        string
	StreamName string
}

// KYCConfig holds identity-verification provider configuration.
type KYCConfig struct {
	Provider        string // "hosted" or "mock"
	BaseURL         string
	APIKey          string
	WebhookSecret   string
	MaxAttempts     int
	RequestTimeout  int // provider call timeout, seconds
	ApprovalTTLDays int // policy expiry when the provider supplies none; 0 = never expires
	StatusCacheTTL  int // verification-status cache TTL, seconds
	ExpirySweep     bool
	SweepInterval   int // minutes
}

// Load loads configuration from environment variables.
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
		},
		Database: DatabaseConfig{
			Host:          getEnv("DB_HOST", "localhost"),
			Port:          getEnv("DB_PORT", "5432"),
			User:          getEnv("DB_USER", "postgres"),
			Password:      getEnv("DB_PASSWORD", "postgres"),
			DBName:        getEnv("DB_NAME", "kyc"),
			SSLMode:       getEnv("DB_SSLMODE", "disable"),
			MaxConns:      getEnvAsInt("DB_MAX_CONNS", 25),
			MinConns:      getEnvAsInt("DB_MIN_CONNS", 5),
			MigrationsDir: getEnv("DB_MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", ""),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:     getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
			Expiration: getEnvAsInt("JWT_EXPIRATION", 24),
		},
		Events: EventsConfig{
			URL:        getEnv("NATS_URL", ""),
			StreamName: getEnv("NATS_STREAM", "KYC"),
		},
		KYC: KYCConfig{
			Provider:        getEnv("KYC_PROVIDER", "mock"),
			BaseURL:         getEnv("KYC_PROVIDER_BASE_URL", ""),
			APIKey:          getEnv("KYC_PROVIDER_API_KEY", ""),
			WebhookSecret:   getEnv("KYC_WEBHOOK_SECRET", ""),
			MaxAttempts:     getEnvAsInt("KYC_MAX_ATTEMPTS", 3),
			RequestTimeout:  getEnvAsInt("KYC_REQUEST_TIMEOUT", 30),
			ApprovalTTLDays: getEnvAsInt("KYC_APPROVAL_TTL_DAYS", 365),
			StatusCacheTTL:  getEnvAsInt("KYC_STATUS_CACHE_TTL", 60),
			ExpirySweep:     getEnvAsBool("KYC_EXPIRY_SWEEP_ENABLED", false),
			SweepInterval:   getEnvAsInt("KYC_EXPIRY_SWEEP_INTERVAL", 15),
		},
	}

	if err := cfg.KYC.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks provider credentials eagerly so a misconfigured service
// fails at startup rather than on the first verification call.
func (c *KYCConfig) Validate() error {
	if c.WebhookSecret == "" {
		return fmt.Errorf("KYC_WEBHOOK_SECRET is required")
	}
	if c.Provider != "mock" {
		if c.BaseURL == "" {
			return fmt.Errorf("KYC_PROVIDER_BASE_URL is required for provider %q", c.Provider)
		}
		if c.APIKey == "" {
			return fmt.Errorf("KYC_PROVIDER_API_KEY is required for provider %q", c.Provider)
		}
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30
	}
	return nil
}

// Timeout returns the provider request timeout as a duration.
func (c *KYCConfig) Timeout() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

// DSN returns the database connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// RedisAddr returns the Redis address.
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// Enabled reports whether a Redis host was configured.
func (c *RedisConfig) Enabled() bool {
	return c.Host != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}
