// Package config loads service settings from defaults, an optional YAML
// file and the environment, in that order.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/liamcoop/trackerrules/internal/logger"
	"github.com/liamcoop/trackerrules/rules"
)

// FileEnv names the environment variable holding the config file path
const FileEnv = "RULES_CONFIG"

// Config holds the settings of the server and the migrate tool
type Config struct {
	DatabaseURL    string       `yaml:"databaseUrl"`
	Port           string       `yaml:"port"`
	MigrationsPath string       `yaml:"migrationsPath"`
	Log            LogConfig    `yaml:"log"`
	Engine         EngineConfig `yaml:"engine"`
	Server         ServerConfig `yaml:"server"`
}

// LogConfig configures the logger
type LogConfig struct {
	Level           string `yaml:"level"`
	ErrorSampleRate int    `yaml:"errorSampleRate"`
	OTELEnabled     bool   `yaml:"otelEnabled"`
	ServiceName     string `yaml:"serviceName"`
}

// EngineConfig holds the options passed to every rule engine
type EngineConfig struct {
	CostLimit uint64 `yaml:"costLimit"`
	// CacheTTL of 0 keeps snapshots until a rule or variable changes
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// ServerConfig holds the HTTP server timeouts
type ServerConfig struct {
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// DefaultConfig returns the settings used when nothing overrides them
func DefaultConfig() *Config {
	return &Config{
		Port:           "8080",
		MigrationsPath: "migrations",
		Log: LogConfig{
			Level:           "info",
			ErrorSampleRate: 1,
			ServiceName:     "trackerrules",
		},
		Engine: EngineConfig{
			CostLimit: rules.DefaultCostLimit,
		},
		Server: ServerConfig{
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			RequestTimeout:  60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, the file named by
// RULES_CONFIG and environment overrides, then validates it
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv(FileEnv); path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile overlays the YAML file at path onto cfg
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays environment variables read through getenv
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := getenv("PORT"); v != "" {
		c.Port = v
	}
	if v := getenv("MIGRATIONS_PATH"); v != "" {
		c.MigrationsPath = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getenv("OTEL_SERVICE_NAME"); v != "" {
		c.Log.ServiceName = v
	}
	if v := getenv("OTEL_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid OTEL_ENABLED %q: %w", v, err)
		}
		c.Log.OTELEnabled = enabled
	}
	if v := getenv("ERROR_SAMPLE_RATE"); v != "" {
		rate, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid ERROR_SAMPLE_RATE %q: %w", v, err)
		}
		c.Log.ErrorSampleRate = rate
	}
	return nil
}

// Validate reports every invalid setting
func (c *Config) Validate() error {
	var errs []error

	port, err := strconv.Atoi(c.Port)
	if err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %q", c.Port))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.ErrorSampleRate < 1 {
		errs = append(errs, fmt.Errorf("errorSampleRate must be at least 1, got %d", c.Log.ErrorSampleRate))
	}
	if c.Engine.CostLimit == 0 {
		errs = append(errs, errors.New("engine costLimit must be positive"))
	}
	if c.Engine.CacheTTL < 0 {
		errs = append(errs, fmt.Errorf("engine cacheTTL cannot be negative, got %s", c.Engine.CacheTTL))
	}

	return errors.Join(errs...)
}

// LoggerOptions returns the logger settings
func (c *Config) LoggerOptions() logger.Options {
	return logger.Options{
		Level:           c.Log.Level,
		ErrorSampleRate: c.Log.ErrorSampleRate,
		OTELEnabled:     c.Log.OTELEnabled,
		ServiceName:     c.Log.ServiceName,
	}
}

// EngineOptions returns the options every program engine is built with
func (c *Config) EngineOptions() []rules.Option {
	return []rules.Option{
		rules.WithCostLimit(c.Engine.CostLimit),
		rules.WithCacheConfig(rules.CacheConfig{TTL: c.Engine.CacheTTL}),
	}
}
