// Package config loads service configuration from an optional YAML file
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration. It is built once at startup
// and passed explicitly into every component constructor.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Metadata  MetadataConfig  `yaml:"metadata"`
	Processor ProcessorConfig `yaml:"processor"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// StorageConfig configures the object store.
type StorageConfig struct {
	Bucket string `yaml:"bucket"`
	// RootDir enables the on-disk mirror when non-empty.
	RootDir string `yaml:"root_dir"`
	// Compress stores mirrored blobs zstd-compressed.
	Compress bool `yaml:"compress"`
}

// MetadataConfig configures the metadata store.
type MetadataConfig struct {
	Table string `yaml:"table"`
	// Path enables snapshot persistence when non-empty.
	Path string `yaml:"path"`
}

// ProcessorConfig configures the worker pool.
type ProcessorConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		Storage: StorageConfig{
			Bucket:  "uploads",
			RootDir: "./tmp/objects",
		},
		Metadata: MetadataConfig{
			Table: "processing_results",
			Path:  "./tmp/results.json",
		},
		Processor: ProcessorConfig{
			Workers:   4,
			QueueSize: 0, // derived from workers when zero
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
		Logging: LoggingConfig{
			Format: "text",
			Level:  "info",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty), then environment variable overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks constraints that would otherwise surface as runtime faults.
func (c Config) Validate() error {
	if c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket must not be empty")
	}
	if c.Metadata.Table == "" {
		return fmt.Errorf("metadata.table must not be empty")
	}
	if c.Processor.Workers < 1 {
		return fmt.Errorf("processor.workers must be at least 1, got %d", c.Processor.Workers)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Addr = getenvDefault("SERVER_ADDR", cfg.Server.Addr)
	cfg.Storage.Bucket = getenvDefault("STORAGE_BUCKET", cfg.Storage.Bucket)
	cfg.Metadata.Table = getenvDefault("METADATA_TABLE", cfg.Metadata.Table)
	cfg.Metrics.Addr = getenvDefault("METRICS_ADDR", cfg.Metrics.Addr)
	cfg.Logging.Format = getenvDefault("LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.Level = getenvDefault("LOG_LEVEL", cfg.Logging.Level)

	// Empty values are meaningful for the persistence paths: setting the
	// variable to "" turns persistence off.
	if v, ok := os.LookupEnv("STORAGE_ROOT_DIR"); ok {
		cfg.Storage.RootDir = v
	}
	if v, ok := os.LookupEnv("METADATA_PATH"); ok {
		cfg.Metadata.Path = v
	}
	if v := os.Getenv("STORAGE_COMPRESS"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.Storage.Compress = parsed
		}
	}
	if v := os.Getenv("METRICS_ENABLED"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.Metrics.Enabled = parsed
		}
	}
	if v := os.Getenv("PROCESSOR_WORKERS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			cfg.Processor.Workers = parsed
		}
	}
	if v := os.Getenv("PROCESSOR_QUEUE_SIZE"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			cfg.Processor.QueueSize = parsed
		}
	}
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}
