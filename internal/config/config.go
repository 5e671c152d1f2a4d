package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Environment
	GoEnv      string `env:"GO_ENV" default:"development"`
	ConfigFile string `env:"CONFIG_FILE"`

	// Hub listener
	HubHost        string `env:"HUB_HOST" default:"0.0.0.0"`
	HubPort        int    `env:"HUB_PORT" default:"5600"`
	MaxConnections int    `env:"HUB_MAX_CONNECTIONS" default:"255"`

	// Per-connection limits
	FrameBufferSize   int           `env:"FRAME_BUFFER_SIZE" default:"8192"`
	IdleTimeout       time.Duration `env:"IDLE_TIMEOUT" default:"5m"`
	MaxFailCount      int           `env:"MAX_FAIL_COUNT" default:"16"`
	FrameRateLimit    float64       `env:"FRAME_RATE_LIMIT" default:"1000"`
	FrameRateBurst    int           `env:"FRAME_RATE_BURST" default:"2000"`
	DispatchQueueSize int           `env:"DISPATCH_QUEUE_SIZE" default:"64"`

	// Admin status API
	AdminEnabled bool   `env:"ADMIN_ENABLED" default:"false"`
	AdminPort    int    `env:"ADMIN_PORT" default:"8090"`
	JWTSecret    string `env:"JWT_SECRET"`

	// Redis directory mirror
	RedisURL      string        `env:"REDIS_URL"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	DirectoryTTL  time.Duration `env:"DIRECTORY_TTL" default:"10m"`

	// Account database (database-type peers only)
	DatabaseURL string `env:"DATABASE_URL"`

	// Database-type peer
	HubAddr       string `env:"HUB_ADDR" default:"127.0.0.1:5600"`
	DBServerName  string `env:"DB_SERVER_NAME" default:"db-1"`
	DBServerHost  string `env:"DB_SERVER_HOST" default:"127.0.0.1"`
	DBServerPort  int    `env:"DB_SERVER_PORT" default:"6000"`
	DBServerGroup int    `env:"DB_SERVER_GROUP" default:"0"`

	// Monitoring
	PrometheusEnabled bool `env:"PROMETHEUS_ENABLED" default:"false"`

	// Development
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`
}

// LoadConfig loads configuration from defaults, an optional YAML file named
// by CONFIG_FILE, and environment variables, in increasing precedence.
func LoadConfig() (*Config, error) {
	// A missing .env is fine, system env vars still apply.
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	config := &Config{}
	if err := loadEnvString(&config.GoEnv, "GO_ENV", "development"); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.ConfigFile, "CONFIG_FILE", ""); err != nil {
		return nil, err
	}

	var src *YAMLSource
	if config.ConfigFile != "" {
		var err error
		if src, err = LoadYAMLSource(config.ConfigFile); err != nil {
			return nil, err
		}
	}

	// Hub listener
	if err := loadEnvString(&config.HubHost, "HUB_HOST", src.String("hub", "host", "0.0.0.0")); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.HubPort, "HUB_PORT", src.Int("hub", "port", 5600)); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.MaxConnections, "HUB_MAX_CONNECTIONS", src.Int("hub", "max_connections", 255)); err != nil {
		return nil, err
	}

	// Per-connection limits
	if err := loadEnvInt(&config.FrameBufferSize, "FRAME_BUFFER_SIZE", src.Int("connection", "frame_buffer_size", 8192)); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&config.IdleTimeout, "IDLE_TIMEOUT", src.Duration("connection", "idle_timeout", 5*time.Minute)); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.MaxFailCount, "MAX_FAIL_COUNT", src.Int("connection", "max_fail_count", 16)); err != nil {
		return nil, err
	}
	if err := loadEnvFloat(&config.FrameRateLimit, "FRAME_RATE_LIMIT", src.Float("connection", "frame_rate_limit", 1000)); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.FrameRateBurst, "FRAME_RATE_BURST", src.Int("connection", "frame_rate_burst", 2000)); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.DispatchQueueSize, "DISPATCH_QUEUE_SIZE", src.Int("connection", "dispatch_queue_size", 64)); err != nil {
		return nil, err
	}

	// Admin status API
	if err := loadEnvBool(&config.AdminEnabled, "ADMIN_ENABLED", src.Bool("admin", "enabled", false)); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.AdminPort, "ADMIN_PORT", src.Int("admin", "port", 8090)); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.JWTSecret, "JWT_SECRET", src.String("admin", "jwt_secret", "")); err != nil {
		return nil, err
	}

	// Redis directory mirror
	if err := loadEnvString(&config.RedisURL, "REDIS_URL", src.String("redis", "url", "")); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.RedisPassword, "REDIS_PASSWORD", src.String("redis", "password", "")); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&config.DirectoryTTL, "DIRECTORY_TTL", src.Duration("redis", "directory_ttl", 10*time.Minute)); err != nil {
		return nil, err
	}

	// Account database
	if err := loadEnvString(&config.DatabaseURL, "DATABASE_URL", src.String("database", "url", "")); err != nil {
		return nil, err
	}

	// Database-type peer
	if err := loadEnvString(&config.HubAddr, "HUB_ADDR", src.String("dbserver", "hub_addr", "127.0.0.1:5600")); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.DBServerName, "DB_SERVER_NAME", src.String("dbserver", "name", "db-1")); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.DBServerHost, "DB_SERVER_HOST", src.String("dbserver", "host", "127.0.0.1")); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.DBServerPort, "DB_SERVER_PORT", src.Int("dbserver", "port", 6000)); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.DBServerGroup, "DB_SERVER_GROUP", src.Int("dbserver", "group", 0)); err != nil {
		return nil, err
	}

	// Monitoring
	if err := loadEnvBool(&config.PrometheusEnabled, "PROMETHEUS_ENABLED", src.Bool("metrics", "prometheus_enabled", false)); err != nil {
		return nil, err
	}

	// Development
	if err := loadEnvString(&config.LogLevel, "LOG_LEVEL", src.String("log", "level", "info")); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.LogFormat, "LOG_FORMAT", src.String("log", "format", "text")); err != nil {
		return nil, err
	}
	return config, nil
}

// Helper functions for type conversion and validation
func loadEnvString(target *string, key, defaultValue string) error {
	if value := os.Getenv(key); value != "" {
		*target = value
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvInt(target *int, key string, defaultValue int) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvFloat(target *float64, key string, defaultValue float64) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid float value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvBool(target *bool, key string, defaultValue bool) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvDuration(target *time.Duration, key string, defaultValue time.Duration) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

// Validate performs validation on the loaded configuration
func (c *Config) Validate() error {
	var errors []string

	// Validate ports are in valid range
	if c.HubPort < 1 || c.HubPort > 65535 {
		errors = append(errors, "HUB_PORT must be between 1 and 65535")
	}
	if c.AdminEnabled && (c.AdminPort < 1 || c.AdminPort > 65535) {
		errors = append(errors, "ADMIN_PORT must be between 1 and 65535")
	}
	if c.DBServerPort < 1 || c.DBServerPort > 65535 {
		errors = append(errors, "DB_SERVER_PORT must be between 1 and 65535")
	}
	if c.DBServerGroup < 0 || c.DBServerGroup > 255 {
		errors = append(errors, "DB_SERVER_GROUP must be between 0 and 255")
	}

	if c.MaxConnections < 1 {
		errors = append(errors, "HUB_MAX_CONNECTIONS must be positive")
	}
	if c.FrameBufferSize < 64 {
		errors = append(errors, "FRAME_BUFFER_SIZE must be at least 64")
	}
	if c.IdleTimeout <= 0 {
		errors = append(errors, "IDLE_TIMEOUT must be positive")
	}
	if c.MaxFailCount < 1 {
		errors = append(errors, "MAX_FAIL_COUNT must be positive")
	}
	if c.FrameRateLimit < 0 {
		errors = append(errors, "FRAME_RATE_LIMIT must not be negative")
	}
	if c.DispatchQueueSize < 1 {
		errors = append(errors, "DISPATCH_QUEUE_SIZE must be positive")
	}

	// Validate log level
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, c.LogLevel) {
		errors = append(errors, fmt.Sprintf("LOG_LEVEL must be one of: %s", strings.Join(validLogLevels, ", ")))
	}

	// Validate log format
	validLogFormats := []string{"text", "json"}
	if !contains(validLogFormats, c.LogFormat) {
		errors = append(errors, fmt.Sprintf("LOG_FORMAT must be one of: %s", strings.Join(validLogFormats, ", ")))
	}

	// The admin API signs nothing itself but refuses short verification keys
	if c.AdminEnabled && len(c.JWTSecret) < 32 {
		errors = append(errors, "JWT_SECRET should be at least 32 characters long when ADMIN_ENABLED is set")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, "; "))
	}

	return nil
}

// IsDevelopment returns true if the application is running in development mode
func (c *Config) IsDevelopment() bool {
	return c.GoEnv == "development"
}

// IsProduction returns true if the application is running in production mode
func (c *Config) IsProduction() bool {
	return c.GoEnv == "production"
}

// HubListenAddr returns host:port for the hub listener.
func (c *Config) HubListenAddr() string {
	return fmt.Sprintf("%s:%d", c.HubHost, c.HubPort)
}

// AdminListenAddr returns the admin API address.
func (c *Config) AdminListenAddr() string {
	return fmt.Sprintf("%s:%d", c.HubHost, c.AdminPort)
}

// Helper function to check if slice contains a string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
