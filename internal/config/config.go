// Package config provides unified configuration loading for StudyForge.
// Supports YAML files, environment variables, and programmatic overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the StudyForge services.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Blob          BlobConfig          `yaml:"blob"`
	Capabilities  CapabilitiesConfig  `yaml:"capabilities"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
	MaxUploadBytes   int64         `yaml:"max_upload_bytes"`
}

// DatabaseConfig holds row store connection settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"` // sqlite or postgres
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	JournalMode  string `yaml:"journal_mode"`
}

// PostgresConfig holds Postgres-specific settings.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig holds Redis settings shared by the queue and the status cache.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"pool_size"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// BlobConfig holds object store settings (S3-compatible).
type BlobConfig struct {
	Driver          string        `yaml:"driver"` // s3 or memory
	Endpoint        string        `yaml:"endpoint"`
	Region          string        `yaml:"region"`
	Bucket          string        `yaml:"bucket"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	PublicURL       string        `yaml:"public_url"`
	SignedURLTTL    time.Duration `yaml:"signed_url_ttl"`
}

// CapabilitiesConfig holds external capability client settings.
type CapabilitiesConfig struct {
	VisionURL      string        `yaml:"vision_url"`
	VisionModel    string        `yaml:"vision_model"`
	VisionAPIKey   string        `yaml:"vision_api_key"`
	GeneratorModel string        `yaml:"generator_model"`
	SpeechURL      string        `yaml:"speech_url"`
	SpeechAPIKey   string        `yaml:"speech_api_key"`
	SpeechVoice    string        `yaml:"speech_voice"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	RasterQuality  int           `yaml:"raster_quality"`
}

// PipelineConfig holds pipeline tuning knobs.
type PipelineConfig struct {
	BatchSize           int           `yaml:"batch_size"`
	IngestWorkers       int           `yaml:"ingest_workers"`
	TranscribeWorkers   int           `yaml:"transcribe_workers"`
	EnrichWorkers       int           `yaml:"enrich_workers"`
	MaxRetries          int           `yaml:"max_retries"`
	InitialBackoff      time.Duration `yaml:"initial_backoff"`
	MaxBackoff          time.Duration `yaml:"max_backoff"`
	StructureCharBudget int           `yaml:"structure_char_budget"`
	QuestionsPerSection int           `yaml:"questions_per_section"`
	WorkerConcurrency   int           `yaml:"worker_concurrency"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8090,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     30 * time.Second,
			IdleTimeout:      120 * time.Second,
			RequestTimeout:   60 * time.Second,
			GracefulShutdown: 10 * time.Second,
			MaxUploadBytes:   64 << 20,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{
				Path:         "/tmp/studyforge.db",
				MaxOpenConns: 1,
				JournalMode:  "WAL",
			},
			Postgres: PostgresConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			DB:       0,
			PoolSize: 10,
			CacheTTL: 30 * time.Second,
		},
		Blob: BlobConfig{
			Driver:       "memory",
			Region:       "auto",
			Bucket:       "studyforge-dev",
			SignedURLTTL: 24 * time.Hour,
		},
		Capabilities: CapabilitiesConfig{
			VisionURL:      "https://openrouter.ai/api/v1/chat/completions",
			VisionModel:    "google/gemini-2.5-flash-preview-09-2025",
			GeneratorModel: "google/gemini-2.5-flash-preview-09-2025",
			SpeechURL:      "https://api.openai.com/v1/audio/speech",
			SpeechVoice:    "alloy",
			CallTimeout:    90 * time.Second,
			RasterQuality:  85,
		},
		Pipeline: PipelineConfig{
			BatchSize:           5,
			IngestWorkers:       4,
			TranscribeWorkers:   3,
			EnrichWorkers:       3,
			MaxRetries:          3,
			InitialBackoff:      1 * time.Second,
			MaxBackoff:          30 * time.Second,
			StructureCharBudget: 60000,
			QuestionsPerSection: 5,
			WorkerConcurrency:   2,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "debug",
			LogFormat: "json",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return fmt.Errorf("invalid database driver: %s", c.Database.Driver)
	}

	if c.Blob.Driver != "s3" && c.Blob.Driver != "memory" {
		return fmt.Errorf("invalid blob driver: %s", c.Blob.Driver)
	}

	if c.Blob.Driver == "s3" && c.Blob.Bucket == "" {
		return fmt.Errorf("blob bucket is required for the s3 driver")
	}

	if c.Pipeline.BatchSize < 1 {
		return fmt.Errorf("pipeline batch_size must be at least 1")
	}

	if c.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("pipeline max_retries must not be negative")
	}

	if c.Pipeline.QuestionsPerSection < 1 {
		return fmt.Errorf("questions_per_section must be at least 1")
	}

	return nil
}

// DatabaseDSN returns the appropriate database connection string.
func (c *Config) DatabaseDSN() string {
	if c.Database.Driver == "sqlite" {
		return c.Database.SQLite.Path
	}
	return c.Database.Postgres.DSN
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		if strings.HasPrefix(v, "sqlite:") {
			cfg.Database.Driver = "sqlite"
			cfg.Database.SQLite.Path = strings.TrimPrefix(v, "sqlite:")
		} else if strings.HasPrefix(v, "postgres") {
			cfg.Database.Driver = "postgres"
			cfg.Database.Postgres.DSN = v
		}
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.Addr = strings.TrimPrefix(v, "redis://")
	}

	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}

	if v := os.Getenv("BLOB_ENDPOINT"); v != "" {
		cfg.Blob.Driver = "s3"
		cfg.Blob.Endpoint = v
	}

	if v := os.Getenv("BLOB_BUCKET"); v != "" {
		cfg.Blob.Bucket = v
	}

	if v := os.Getenv("BLOB_ACCESS_KEY_ID"); v != "" {
		cfg.Blob.AccessKeyID = v
	}

	if v := os.Getenv("BLOB_SECRET_ACCESS_KEY"); v != "" {
		cfg.Blob.SecretAccessKey = v
	}

	if v := os.Getenv("VISION_API_KEY"); v != "" {
		cfg.Capabilities.VisionAPIKey = v
	}

	if v := os.Getenv("VISION_MODEL"); v != "" {
		cfg.Capabilities.VisionModel = v
	}

	if v := os.Getenv("SPEECH_API_KEY"); v != "" {
		cfg.Capabilities.SpeechAPIKey = v
	}

	if v := os.Getenv("SPEECH_VOICE"); v != "" {
		cfg.Capabilities.SpeechVoice = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}

	if v := os.Getenv("PIPELINE_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Pipeline.BatchSize = n
		}
	}
}
