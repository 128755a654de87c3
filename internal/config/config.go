// Package config provides application configuration with multi-source
// priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.sage/config.yaml)
//  3. Default values
//
// Sensitive data (API key, database password) is never logged; the
// config directory uses 0750 permissions. Validation uses sentinel
// errors so callers can check with errors.Is().
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidChatModel indicates the chat model name is invalid.
	ErrInvalidChatModel = errors.New("invalid chat model")

	// ErrInvalidEmbeddingModel indicates the embedding model name is invalid.
	ErrInvalidEmbeddingModel = errors.New("invalid embedding model")

	// ErrInvalidDimension indicates the embedding dimension does not match
	// the vector schema.
	ErrInvalidDimension = errors.New("invalid embedding dimension")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrInvalidCacheTTL indicates the cache TTL is out of range.
	ErrInvalidCacheTTL = errors.New("invalid cache TTL")

	// ErrInvalidRetryAttempts indicates the retry attempt count is out of range.
	ErrInvalidRetryAttempts = errors.New("invalid retry attempts")

	// ErrInvalidBreakerThreshold indicates the breaker failure threshold is out of range.
	ErrInvalidBreakerThreshold = errors.New("invalid breaker threshold")
)

// SchemaDimension is the vector width of the fragments table. The
// embedding model must produce exactly this many dimensions.
const SchemaDimension = 1536

// Config stores application configuration.
// Sensitive fields are explicitly masked in MarshalJSON().
type Config struct {
	// Model provider configuration. The API key comes from
	// OPENAI_API_KEY only; it is never written to the config file.
	APIKey         string `mapstructure:"api_key" json:"api_key"` // SENSITIVE: masked in MarshalJSON
	ChatModel      string `mapstructure:"chat_model" json:"chat_model"`
	EmbeddingModel string `mapstructure:"embedding_model" json:"embedding_model"`
	Dimension      int    `mapstructure:"dimension" json:"dimension"`
	Language       string `mapstructure:"language" json:"language"`

	// Storage configuration (see storage.go)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Optional shared answer cache. Empty RedisURL selects the
	// in-process cache.
	RedisURL        string `mapstructure:"redis_url" json:"redis_url"`
	CacheTTLMinutes int    `mapstructure:"cache_ttl_minutes" json:"cache_ttl_minutes"`

	// Resilience tuning for outbound provider calls.
	RetryMaxAttempts        int `mapstructure:"retry_max_attempts" json:"retry_max_attempts"`
	BreakerFailureThreshold int `mapstructure:"breaker_failure_threshold" json:"breaker_failure_threshold"`
	BreakerCooldownSeconds  int `mapstructure:"breaker_cooldown_seconds" json:"breaker_cooldown_seconds"`

	// MaxContextChars bounds the assembled answer context.
	MaxContextChars int `mapstructure:"max_context_chars" json:"max_context_chars"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > defaults.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".sage")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is not an error, defaults apply.
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL, when set, overrides the individual postgres_* values.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("chat_model", "gpt-4o-mini")
	viper.SetDefault("embedding_model", "text-embedding-3-small")
	viper.SetDefault("dimension", SchemaDimension)
	viper.SetDefault("language", "en")

	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "sage")
	viper.SetDefault("postgres_password", "sage_dev_password")
	viper.SetDefault("postgres_db_name", "sage")
	viper.SetDefault("postgres_ssl_mode", "disable")

	viper.SetDefault("cache_ttl_minutes", 5)

	viper.SetDefault("retry_max_attempts", 3)
	viper.SetDefault("breaker_failure_threshold", 5)
	viper.SetDefault("breaker_cooldown_seconds", 60)

	viper.SetDefault("max_context_chars", 16000)
}

// bindEnvVariables binds environment variables explicitly. Hardcoded
// keys cannot fail to bind; a panic here is a bug, not a runtime error.
func bindEnvVariables() {
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("api_key", "OPENAI_API_KEY")
	mustBind("redis_url", "REDIS_URL")

	mustBind("chat_model", "SAGE_CHAT_MODEL")
	mustBind("embedding_model", "SAGE_EMBEDDING_MODEL")
	mustBind("language", "SAGE_LANGUAGE")
	mustBind("max_context_chars", "SAGE_MAX_CONTEXT_CHARS")
}

// CacheTTL returns the answer cache TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMinutes) * time.Minute
}

// BreakerCooldown returns the circuit breaker cooldown as a duration.
func (c *Config) BreakerCooldown() time.Duration {
	return time.Duration(c.BreakerCooldownSeconds) * time.Second
}

// Validate checks every field against its allowed range. It returns
// the first violation wrapped around its sentinel error.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}
	if c.ChatModel == "" {
		return fmt.Errorf("%w: chat model must not be empty", ErrInvalidChatModel)
	}
	if c.EmbeddingModel == "" {
		return fmt.Errorf("%w: embedding model must not be empty", ErrInvalidEmbeddingModel)
	}
	if c.Dimension != SchemaDimension {
		return fmt.Errorf("%w: got %d, schema requires %d",
			ErrInvalidDimension, c.Dimension, SchemaDimension)
	}
	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host must not be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: got %d, must be 1-65535", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name must not be empty", ErrInvalidPostgresDBName)
	}
	switch c.PostgresSSLMode {
	case "disable", "allow", "prefer", "require", "verify-ca", "verify-full":
	default:
		return fmt.Errorf("%w: got %q", ErrInvalidPostgresSSLMode, c.PostgresSSLMode)
	}
	if c.CacheTTLMinutes < 1 || c.CacheTTLMinutes > 1440 {
		return fmt.Errorf("%w: got %d minutes, must be 1-1440", ErrInvalidCacheTTL, c.CacheTTLMinutes)
	}
	if c.RetryMaxAttempts < 1 || c.RetryMaxAttempts > 10 {
		return fmt.Errorf("%w: got %d, must be 1-10", ErrInvalidRetryAttempts, c.RetryMaxAttempts)
	}
	if c.BreakerFailureThreshold < 1 || c.BreakerFailureThreshold > 100 {
		return fmt.Errorf("%w: got %d, must be 1-100", ErrInvalidBreakerThreshold, c.BreakerFailureThreshold)
	}
	return nil
}

// maskedValue is the placeholder for masked sensitive data. Full-width
// blocks avoid accidental substring matches against real secrets.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging. Secrets of 8
// characters or fewer are fully masked; longer ones keep the first and
// last 2 characters for debug utility. This defends against accidental
// logging, not log compromise.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with explicit sensitive field
// masking. When adding new sensitive fields, update this method.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.APIKey = maskSecret(a.APIKey)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	a.RedisURL = maskSecret(a.RedisURL)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
