package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Logger   Logger   `mapstructure:"logger"`
	Database Database `mapstructure:"database"`
	Server   Server   `mapstructure:"server"`
	Client   Client   `mapstructure:"client"`
	Ingest   Ingest   `mapstructure:"ingest"`
	Matching Matching `mapstructure:"matching"`
	Queue    Queue    `mapstructure:"queue"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// Server holds the configuration for the HTTP API.
type Server struct {
	Port     int           `mapstructure:"port"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// Client holds the configuration for the remote API client.
type Client struct {
	BaseURL        string        `mapstructure:"base_url"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
}

// Ingest holds the CSV ingestion settings.
type Ingest struct {
	Exchange      string   `mapstructure:"exchange"`
	TimeZone      string   `mapstructure:"timezone"`
	AllowedAssets []string `mapstructure:"allowed_assets"`
	BatchSize     int      `mapstructure:"batch_size"`
}

// Matching holds the settings of the matching orchestrator.
type Matching struct {
	ChunkSize     int           `mapstructure:"chunk_size"`
	DispatchRate  float64       `mapstructure:"dispatch_rate"`
	DispatchBurst int           `mapstructure:"dispatch_burst"`
	SoftTimeout   time.Duration `mapstructure:"soft_timeout"`
	HardTimeout   time.Duration `mapstructure:"hard_timeout"`
	Incremental   bool          `mapstructure:"incremental"`
}

// Queue holds the settings of the durable job queue.
type Queue struct {
	Concurrency     int           `mapstructure:"concurrency"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	RetryMultiplier float64       `mapstructure:"retry_multiplier"`
	MaxRetryDelay   time.Duration `mapstructure:"max_retry_delay"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	Lease           time.Duration `mapstructure:"lease"`
}

// LoadConfig reads configuration from file or environment variables.
// A missing config file is not an error; defaults and environment apply.
func LoadConfig(path string) (config Config, err error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yml")

	v.SetEnvPrefix("RECONCILER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err = v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return config, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err = v.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("failed to decode config: %w", err)
	}
	err = config.Validate()
	return
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")

	v.SetDefault("database.dsn", "reconciler.db?_busy_timeout=5000&_journal_mode=WAL")
	v.SetDefault("database.max_open_conns", 1)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cache_ttl", "30s")

	v.SetDefault("client.base_url", "http://localhost:8080")
	v.SetDefault("client.rate_limit", 10)
	v.SetDefault("client.rate_limit_burst", 5)
	v.SetDefault("client.timeout", "30s")
	v.SetDefault("client.max_retries", 3)

	v.SetDefault("ingest.exchange", "BloFin")
	v.SetDefault("ingest.timezone", "UTC")
	v.SetDefault("ingest.allowed_assets", []string{})
	v.SetDefault("ingest.batch_size", 200)

	v.SetDefault("matching.chunk_size", 100)
	v.SetDefault("matching.dispatch_rate", 50)
	v.SetDefault("matching.dispatch_burst", 10)
	v.SetDefault("matching.soft_timeout", "10m")
	v.SetDefault("matching.hard_timeout", "2m")
	v.SetDefault("matching.incremental", true)

	v.SetDefault("queue.concurrency", 4)
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.retry_delay", "5s")
	v.SetDefault("queue.retry_multiplier", 1.0)
	v.SetDefault("queue.max_retry_delay", "1m")
	v.SetDefault("queue.poll_interval", "1s")
	v.SetDefault("queue.lease", "5m")
}

// Validate checks value ranges that would otherwise fail at runtime.
func (c Config) Validate() error {
	if _, err := c.Ingest.Location(); err != nil {
		return fmt.Errorf("ingest.timezone: %w", err)
	}
	if c.Matching.ChunkSize <= 0 {
		return errors.New("matching.chunk_size must be positive")
	}
	if c.Queue.Concurrency <= 0 {
		return errors.New("queue.concurrency must be positive")
	}
	if c.Queue.MaxAttempts <= 0 {
		return errors.New("queue.max_attempts must be positive")
	}
	if c.Queue.RetryMultiplier < 1 {
		return errors.New("queue.retry_multiplier must be at least 1")
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	return nil
}

// Location resolves the configured ingestion time zone.
func (i Ingest) Location() (*time.Location, error) {
	if i.TimeZone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(i.TimeZone)
}
