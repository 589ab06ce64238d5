package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Redis     RedisConfig     `json:"redis"`
	Admission AdmissionConfig `json:"admission"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Security  SecurityConfig  `json:"security"`
	Cache     CacheConfig     `json:"cache"`
	Tracing   TracingConfig   `json:"tracing"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	Port string `json:"port"`
	Host string `json:"host"`
}

// DatabaseConfig holds database-related configuration.
type DatabaseConfig struct {
	Path string `json:"path"`
}

// RedisConfig holds the shared Redis connection settings used by the
// admission store and the cache.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// AdmissionConfig selects the admission store backend. There is no default:
// "redis" is the only valid choice when more than one instance runs, and
// "memory" is an explicit single-instance deployment decision. Leaving the
// backend unset fails validation rather than silently degrading to
// process-local state.
type AdmissionConfig struct {
	Backend string `json:"backend"` // "redis" or "memory"
}

// PolicyConfig holds one named rate-limit policy.
type PolicyConfig struct {
	WindowSeconds int `json:"window_seconds"`
	MaxRequests   int `json:"max_requests"`
}

// RateLimitConfig holds the per-concern rate-limit policies.
type RateLimitConfig struct {
	Enabled    bool         `json:"enabled"`
	General    PolicyConfig `json:"general"`
	Submission PolicyConfig `json:"submission"`
	Voting     PolicyConfig `json:"voting"`
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	// Max request body size in bytes (default: 1MB)
	MaxRequestBodySize int64 `json:"max_request_body_size"`
	// Allowed CORS origins (comma-separated)
	AllowedOrigins string `json:"allowed_origins"`
}

// CacheConfig holds cache-related configuration.
type CacheConfig struct {
	Enabled    bool `json:"enabled"`
	TTLSeconds int  `json:"ttl_seconds"`
}

// TracingConfig holds tracing-related configuration.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint"`
	Environment string `json:"environment"`
}

// LoadConfig loads configuration from environment variables and/or config file.
// Environment variables take precedence over config file values.
func LoadConfig(configFile string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", ""),
		},
		Database: DatabaseConfig{
			Path: getEnv("DATABASE_PATH", "./couponhub.db"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Admission: AdmissionConfig{
			Backend: getEnv("ADMISSION_BACKEND", ""),
		},
		RateLimit: RateLimitConfig{
			Enabled: getEnvBool("RATE_LIMIT_ENABLED", true),
			General: PolicyConfig{
				WindowSeconds: getEnvInt("RATE_LIMIT_GENERAL_WINDOW", 60),
				MaxRequests:   getEnvInt("RATE_LIMIT_GENERAL_MAX", 10),
			},
			Submission: PolicyConfig{
				WindowSeconds: getEnvInt("RATE_LIMIT_SUBMISSION_WINDOW", 3600),
				MaxRequests:   getEnvInt("RATE_LIMIT_SUBMISSION_MAX", 5),
			},
			Voting: PolicyConfig{
				WindowSeconds: getEnvInt("RATE_LIMIT_VOTING_WINDOW", 3600),
				MaxRequests:   getEnvInt("RATE_LIMIT_VOTING_MAX", 20),
			},
		},
		Security: SecurityConfig{
			MaxRequestBodySize: getEnvInt64("MAX_REQUEST_BODY_SIZE", 1<<20),
			AllowedOrigins:     getEnv("ALLOWED_ORIGINS", "*"),
		},
		Cache: CacheConfig{
			Enabled:    getEnvBool("CACHE_ENABLED", true),
			TTLSeconds: getEnvInt("CACHE_TTL_SECONDS", 300),
		},
		Tracing: TracingConfig{
			Enabled:     getEnvBool("TRACING_ENABLED", false),
			Endpoint:    getEnv("TRACING_ENDPOINT", "http://localhost:14268/api/traces"),
			Environment: getEnv("TRACING_ENVIRONMENT", "development"),
		},
	}

	// Load from config file if provided
	if configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
		// Environment variables take precedence
		overrideFromEnv(cfg)
	}

	return cfg, nil
}

// loadFromFile loads configuration from a JSON file.
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, cfg)
}

// overrideFromEnv overrides configuration with environment variables.
func overrideFromEnv(cfg *Config) {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Server.Port = port
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if dbPath := os.Getenv("DATABASE_PATH"); dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}
	if backend := os.Getenv("ADMISSION_BACKEND"); backend != "" {
		cfg.Admission.Backend = backend
	}
	if enabled := os.Getenv("RATE_LIMIT_ENABLED"); enabled != "" {
		cfg.RateLimit.Enabled = enabled == "true" || enabled == "1"
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.Security.AllowedOrigins = origins
	}
	if maxBodySize := os.Getenv("MAX_REQUEST_BODY_SIZE"); maxBodySize != "" {
		if size, err := strconv.ParseInt(maxBodySize, 10, 64); err == nil {
			cfg.Security.MaxRequestBodySize = size
		}
	}
	if enabled := os.Getenv("CACHE_ENABLED"); enabled != "" {
		cfg.Cache.Enabled = enabled == "true" || enabled == "1"
	}
	if enabled := os.Getenv("TRACING_ENABLED"); enabled != "" {
		cfg.Tracing.Enabled = enabled == "true" || enabled == "1"
	}
	if endpoint := os.Getenv("TRACING_ENDPOINT"); endpoint != "" {
		cfg.Tracing.Endpoint = endpoint
	}
}

// getEnv gets an environment variable or returns the default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable or returns the default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable or returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvInt64 gets an int64 environment variable or returns the default value.
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	switch c.Admission.Backend {
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address is required for the redis admission backend")
		}
	case "memory":
		// valid only for single-instance deployments; the deployer opted in
	case "":
		return fmt.Errorf("admission backend must be set to \"redis\" or \"memory\" (ADMISSION_BACKEND)")
	default:
		return fmt.Errorf("admission backend must be \"redis\" or \"memory\", got %q", c.Admission.Backend)
	}
	if c.RateLimit.Enabled {
		for _, p := range []struct {
			name   string
			policy PolicyConfig
		}{
			{"general", c.RateLimit.General},
			{"submission", c.RateLimit.Submission},
			{"voting", c.RateLimit.Voting},
		} {
			if p.policy.WindowSeconds <= 0 {
				return fmt.Errorf("rate limit %s: window must be positive", p.name)
			}
			if p.policy.MaxRequests <= 0 {
				return fmt.Errorf("rate limit %s: max requests must be positive", p.name)
			}
		}
	}
	return nil
}
