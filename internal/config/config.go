package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Credential store backends
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`
	Env  string `envconfig:"ENV" default:"development"`

	// Remote HANSSUP API
	API APIConfig

	// Attendance link configuration
	Attend AttendConfig

	// Where credentials and pending check-ins live
	CredentialStore string `envconfig:"CREDENTIAL_STORE" default:"memory"`

	// Database configuration (postgres credential store)
	Database DatabaseConfig

	// Redis configuration (redis credential store, pending check-ins, rate limiting)
	RedisURL string `envconfig:"REDIS_URL"`

	// Operator configuration
	Operator OperatorConfig

	// CORS configuration
	CORS CORSConfig

	// Rate limiting configuration
	RateLimit RateLimitConfig
}

// APIConfig holds the remote API configuration
type APIConfig struct {
	BaseURL      string        `envconfig:"API_BASE_URL" required:"true"`
	Timeout      time.Duration `envconfig:"API_TIMEOUT" default:"10s"`
	LoginPath    string        `envconfig:"API_LOGIN_PATH" default:"/users/login"`
	RefreshPath  string        `envconfig:"API_REFRESH_PATH" default:"/users/refresh"`
	ExchangePath string        `envconfig:"API_OAUTH_EXCHANGE_PATH" default:"/users/oauth/exchange"`
}

// AttendConfig holds attendance link configuration
type AttendConfig struct {
	BaseURL          string        `envconfig:"ATTEND_BASE_URL" default:"https://hanssup.minecoby.com"`
	LoginRedirectURL string        `envconfig:"LOGIN_REDIRECT_URL" default:"/login"`
	PendingTTL       time.Duration `envconfig:"PENDING_CHECKIN_TTL" default:"30m"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host     string `envconfig:"DB_HOST"`
	Port     int    `envconfig:"DB_PORT" default:"5432"`
	User     string `envconfig:"DB_USER"`
	Password string `envconfig:"DB_PASSWORD"`
	Name     string `envconfig:"DB_NAME"`
	SSLMode  string `envconfig:"DB_SSL_MODE" default:"require"`
}

// ConnectionString returns the PostgreSQL connection string
func (d DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

// OperatorConfig holds credentials for the management endpoints
type OperatorConfig struct {
	User         string `envconfig:"OPERATOR_USER" default:"operator"`
	PasswordHash string `envconfig:"OPERATOR_PASSWORD_HASH"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Window      time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"10s"`
	MaxAttempts int           `envconfig:"RATE_LIMIT_MAX_ATTEMPTS" default:"100"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that depend on each other
func (c *Config) Validate() error {
	switch c.CredentialStore {
	case StoreMemory:
	case StoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for the %s credential store", StoreRedis)
		}
	case StorePostgres:
		if c.Database.Host == "" || c.Database.User == "" || c.Database.Name == "" {
			return fmt.Errorf("DB_HOST, DB_USER and DB_NAME are required for the %s credential store", StorePostgres)
		}
	default:
		return fmt.Errorf("unknown credential store %q", c.CredentialStore)
	}

	if c.API.Timeout <= 0 {
		return fmt.Errorf("API_TIMEOUT must be positive")
	}
	if c.RateLimit.MaxAttempts <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate limit window and max attempts must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
