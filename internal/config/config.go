// ============================================================================
// statsrunner Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: Load the service configuration.
//
// Sources, later wins:
//   1. Built-in defaults (Default)
//   2. YAML file (configs/default.yaml unless --config is given)
//   3. .env file in the working directory (development only)
//   4. Process environment
//
// Environment variables:
//   TP_NUM_OF_THREADS            worker count
//   STATSRUNNER_MAX_WORKERS      worker ceiling
//   STATSRUNNER_ENV              development | production
//   STATSRUNNER_LOG_LEVEL        debug | info | warn | error
//   STATSRUNNER_HTTP_ADDR        HTTP listen address
//   STATSRUNNER_GRPC_ADDR        gRPC health listen address (enables it)
//   STATSRUNNER_DATASET          CSV path
//   STATSRUNNER_STORE            file | sqlite | redis
//   STATSRUNNER_RESULTS_DIR      file backend directory
//   STATSRUNNER_SQLITE_PATH      sqlite backend database
//   REDIS_URL                    redis backend URL
//   OTEL_EXPORTER_OTLP_ENDPOINT  enables OTLP export
//   OTEL_EXPORTER_OTLP_HEADERS   comma separated k=v pairs
//   OTEL_SERVICE_NAME / OTEL_SERVICE_VERSION
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/statsrunner/internal/resultstore"
	"github.com/ChuLiYu/statsrunner/internal/worker"
)

// DefaultPath is the config file used when none is given.
const DefaultPath = "configs/default.yaml"

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid configuration")

// Config represents the complete system configuration structure
type Config struct {
	Env string `yaml:"env"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`

	Dataset struct {
		Path string `yaml:"path"`
	} `yaml:"dataset"`

	Worker struct {
		WorkerCount int           `yaml:"worker_count"`
		MaxWorkers  int           `yaml:"max_workers"`
		TaskTimeout time.Duration `yaml:"task_timeout"`
	} `yaml:"worker"`

	Store struct {
		Kind            string `yaml:"kind"`
		Dir             string `yaml:"dir"`
		SQLitePath      string `yaml:"sqlite_path"`
		RedisURL        string `yaml:"redis_url"`
		RedisPrefix     string `yaml:"redis_prefix"`
		PurgeOnShutdown bool   `yaml:"purge_on_shutdown"`
	} `yaml:"store"`

	HTTP struct {
		Addr            string        `yaml:"addr"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"http"`

	GRPC struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"grpc"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`

	OTel OTelConfig `yaml:"otel"`
}

// OTelConfig OpenTelemetry exporter settings
type OTelConfig struct {
	Endpoint       string `yaml:"endpoint"`
	Headers        string `yaml:"headers"`
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
}

// Enabled reports whether OTLP export is configured.
func (c OTelConfig) Enabled() bool {
	return c.Endpoint != ""
}

// Default returns the built-in configuration.
func Default() Config {
	var cfg Config
	cfg.Env = "development"
	cfg.Log.Level = "info"
	cfg.Dataset.Path = "nutrition_activity_obesity_usa_subset.csv"
	cfg.Worker.WorkerCount = runtime.NumCPU()
	cfg.Worker.MaxWorkers = runtime.NumCPU()
	cfg.Store.Kind = resultstore.KindFile
	cfg.Store.Dir = "results"
	cfg.Store.SQLitePath = "results.db"
	cfg.Store.RedisPrefix = resultstore.DefaultRedisPrefix
	cfg.Store.PurgeOnShutdown = true
	cfg.HTTP.Addr = ":5000"
	cfg.HTTP.ShutdownTimeout = 30 * time.Second
	cfg.GRPC.Addr = ":50051"
	cfg.Metrics.Enabled = true
	cfg.OTel.ServiceName = "statsrunner"
	cfg.OTel.ServiceVersion = "dev"
	return cfg
}

// Load builds the configuration from defaults, the YAML file at path
// (skipped when path is empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if getEnv("STATSRUNNER_ENV", cfg.Env) == "development" {
		// Missing .env is fine.
		_ = godotenv.Load()
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	c.Env = getEnv("STATSRUNNER_ENV", c.Env)
	c.Log.Level = getEnv("STATSRUNNER_LOG_LEVEL", c.Log.Level)
	c.HTTP.Addr = getEnv("STATSRUNNER_HTTP_ADDR", c.HTTP.Addr)
	c.Dataset.Path = getEnv("STATSRUNNER_DATASET", c.Dataset.Path)
	c.Store.Kind = getEnv("STATSRUNNER_STORE", c.Store.Kind)
	c.Store.Dir = getEnv("STATSRUNNER_RESULTS_DIR", c.Store.Dir)
	c.Store.SQLitePath = getEnv("STATSRUNNER_SQLITE_PATH", c.Store.SQLitePath)
	c.Store.RedisURL = getEnv("REDIS_URL", c.Store.RedisURL)
	c.OTel.Endpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.OTel.Endpoint)
	c.OTel.Headers = getEnv("OTEL_EXPORTER_OTLP_HEADERS", c.OTel.Headers)
	c.OTel.ServiceName = getEnv("OTEL_SERVICE_NAME", c.OTel.ServiceName)
	c.OTel.ServiceVersion = getEnv("OTEL_SERVICE_VERSION", c.OTel.ServiceVersion)

	if addr, ok := os.LookupEnv("STATSRUNNER_GRPC_ADDR"); ok {
		c.GRPC.Addr = addr
		c.GRPC.Enabled = addr != ""
	}

	var err error
	if c.Worker.WorkerCount, err = getEnvInt("TP_NUM_OF_THREADS", c.Worker.WorkerCount); err != nil {
		return err
	}
	if c.Worker.MaxWorkers, err = getEnvInt("STATSRUNNER_MAX_WORKERS", c.Worker.MaxWorkers); err != nil {
		return err
	}
	return nil
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	if c.Dataset.Path == "" {
		return fmt.Errorf("%w: dataset.path is required", ErrInvalid)
	}
	if err := c.PoolConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	switch c.Store.Kind {
	case resultstore.KindFile:
		if c.Store.Dir == "" {
			return fmt.Errorf("%w: store.dir is required for the file store", ErrInvalid)
		}
	case resultstore.KindSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("%w: store.sqlite_path is required for the sqlite store", ErrInvalid)
		}
	case resultstore.KindRedis:
		if c.Store.RedisURL == "" {
			return fmt.Errorf("%w: store.redis_url (or REDIS_URL) is required for the redis store", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown store kind %q", ErrInvalid, c.Store.Kind)
	}

	if c.HTTP.Addr == "" {
		return fmt.Errorf("%w: http.addr is required", ErrInvalid)
	}
	if c.GRPC.Enabled && c.GRPC.Addr == "" {
		return fmt.Errorf("%w: grpc.addr is required when grpc is enabled", ErrInvalid)
	}
	if _, err := c.LogLevel(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// PoolConfig returns the worker pool settings.
func (c *Config) PoolConfig() worker.Config {
	return worker.Config{
		WorkerCount: c.Worker.WorkerCount,
		MaxWorkers:  c.Worker.MaxWorkers,
		TaskTimeout: c.Worker.TaskTimeout,
	}
}

// StoreConfig returns the result store settings.
func (c *Config) StoreConfig() resultstore.Config {
	return resultstore.Config{
		Kind:        c.Store.Kind,
		Dir:         c.Store.Dir,
		SQLitePath:  c.Store.SQLitePath,
		RedisURL:    c.Store.RedisURL,
		RedisPrefix: c.Store.RedisPrefix,
	}
}

// LogLevel parses Log.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(value)
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback, nil
	}
	i, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalid, key, value)
	}
	return i, nil
}
