package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/smallnest/checkpointgo/log"
	"gopkg.in/yaml.v3"
)

// Backend names accepted in Config.Backend.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendSqlite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMongo    = "mongo"
)

// Compression names accepted in SerializerConfig.Compression.
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

// DefaultEnvPrefix prefixes the environment variables ApplyEnv reads.
const DefaultEnvPrefix = "CHECKPOINT"

// Config describes a checkpoint store deployment.
type Config struct {
	// Backend selects the storage engine: memory, file, sqlite, postgres, redis or mongo.
	Backend string `yaml:"backend" env:"BACKEND"`

	// LogLevel is one of debug, info, warn, error or none.
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`

	// PageSize is how many records a listing fetches per round trip.
	PageSize int `yaml:"page_size" env:"PAGE_SIZE"`

	// WritesConcurrency bounds parallel pending-write lookups during a listing.
	WritesConcurrency int `yaml:"writes_concurrency" env:"WRITES_CONCURRENCY"`

	// AsyncWorkers sizes the worker pool of an asynchronous store.
	AsyncWorkers int `yaml:"async_workers" env:"ASYNC_WORKERS"`

	Serializer SerializerConfig `yaml:"serializer" env:"SERIALIZER"`
	Metrics    MetricsConfig    `yaml:"metrics" env:"METRICS"`

	File     FileConfig     `yaml:"file" env:"FILE"`
	Sqlite   SqliteConfig   `yaml:"sqlite" env:"SQLITE"`
	Postgres PostgresConfig `yaml:"postgres" env:"POSTGRES"`
	Redis    RedisConfig    `yaml:"redis" env:"REDIS"`
	Mongo    MongoConfig    `yaml:"mongo" env:"MONGO"`
}

// SerializerConfig configures payload encoding.
type SerializerConfig struct {
	// Compression is none or zstd.
	Compression string `yaml:"compression" env:"COMPRESSION"`
	// CompressionThreshold is the payload size in bytes from which zstd applies.
	CompressionThreshold int `yaml:"compression_threshold" env:"COMPRESSION_THRESHOLD"`
}

// MetricsConfig enables the instrumented decorator.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
	// Tracing emits OpenTelemetry spans through the global tracer provider.
	Tracing bool `yaml:"tracing" env:"TRACING"`
}

// FileConfig configures the file backend.
type FileConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

// SqliteConfig configures the SQLite backend.
type SqliteConfig struct {
	Path             string `yaml:"path" env:"PATH"`
	CheckpointsTable string `yaml:"checkpoints_table" env:"CHECKPOINTS_TABLE"`
	WritesTable      string `yaml:"writes_table" env:"WRITES_TABLE"`
}

// PostgresConfig configures the PostgreSQL backend.
type PostgresConfig struct {
	ConnString       string `yaml:"conn_string" env:"CONN_STRING"`
	CheckpointsTable string `yaml:"checkpoints_table" env:"CHECKPOINTS_TABLE"`
	WritesTable      string `yaml:"writes_table" env:"WRITES_TABLE"`
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr     string        `yaml:"addr" env:"ADDR"`
	Password string        `yaml:"password" env:"PASSWORD"`
	DB       int           `yaml:"db" env:"DB"`
	Prefix   string        `yaml:"prefix" env:"PREFIX"`
	TTL      time.Duration `yaml:"ttl" env:"TTL"`
}

// MongoConfig configures the MongoDB backend.
type MongoConfig struct {
	URI                   string `yaml:"uri" env:"URI"`
	Database              string `yaml:"database" env:"DATABASE"`
	CheckpointsCollection string `yaml:"checkpoints_collection" env:"CHECKPOINTS_COLLECTION"`
	WritesCollection      string `yaml:"writes_collection" env:"WRITES_COLLECTION"`
	UseTransactions       bool   `yaml:"use_transactions" env:"USE_TRANSACTIONS"`
}

// Default returns an in-memory configuration.
func Default() *Config {
	return &Config{
		Backend:           BackendMemory,
		LogLevel:          "info",
		PageSize:          100,
		WritesConcurrency: 4,
		AsyncWorkers:      4,
		Serializer: SerializerConfig{
			Compression:          CompressionNone,
			CompressionThreshold: 1024,
		},
		Metrics: MetricsConfig{
			Namespace: "checkpointgo",
		},
		File: FileConfig{
			Path: "./checkpoints",
		},
		Sqlite: SqliteConfig{
			Path: "./checkpoints.db",
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "checkpoint:",
		},
		Mongo: MongoConfig{
			URI:      "mongodb://localhost:27017",
			Database: "checkpoint",
		},
	}
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads the YAML file at path over the defaults, applies CHECKPOINT_*
// environment overrides and validates the result. An empty path or a missing
// file leaves the defaults in place.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	if err := cfg.ApplyEnv(DefaultEnvPrefix); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the selected backend has what it needs.
func (c *Config) Validate() error {
	var errs []error

	switch c.Backend {
	case BackendMemory:
	case BackendFile:
		if c.File.Path == "" {
			errs = append(errs, errors.New("file.path is required"))
		}
	case BackendSqlite:
		if c.Sqlite.Path == "" {
			errs = append(errs, errors.New("sqlite.path is required"))
		}
	case BackendPostgres:
		if c.Postgres.ConnString == "" {
			errs = append(errs, errors.New("postgres.conn_string is required"))
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required"))
		}
		if c.Redis.TTL < 0 {
			errs = append(errs, errors.New("redis.ttl must not be negative"))
		}
	case BackendMongo:
		if c.Mongo.URI == "" {
			errs = append(errs, errors.New("mongo.uri is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.PageSize <= 0 {
		errs = append(errs, errors.New("page_size must be positive"))
	}
	if c.WritesConcurrency <= 0 {
		errs = append(errs, errors.New("writes_concurrency must be positive"))
	}
	if c.AsyncWorkers <= 0 {
		errs = append(errs, errors.New("async_workers must be positive"))
	}

	switch c.Serializer.Compression {
	case "", CompressionNone, CompressionZstd:
	default:
		errs = append(errs, fmt.Errorf("unknown compression %q", c.Serializer.Compression))
	}
	if c.Serializer.CompressionThreshold < 0 {
		errs = append(errs, errors.New("serializer.compression_threshold must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Level returns the parsed log level, or info when it cannot be parsed.
func (c *Config) Level() log.LogLevel {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.LogLevelInfo
	}
	return level
}

// ApplyEnv overrides fields from environment variables named
// <prefix>_<SECTION>_<FIELD>, for example CHECKPOINT_REDIS_ADDR.
func (c *Config) ApplyEnv(prefix string) error {
	return setFieldsFromEnv(reflect.ValueOf(c).Elem(), prefix)
}

func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := range v.NumField() {
		field := v.Field(i)
		envTag := t.Field(i).Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		value, ok := os.LookupEnv(envKey)
		if !ok || value == "" {
			continue
		}
		if err := setFieldValue(field, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeFor[time.Duration]() {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}
