package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Backup     BackupConfig     `yaml:"backup"`
	Redis      RedisConfig      `yaml:"redis"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	Webhooks   WebhookConfig    `yaml:"webhooks"`
	Sync       SyncConfig       `yaml:"sync"`
	Cache      CacheConfig      `yaml:"cache"`
	Health     HealthConfig     `yaml:"health"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	// Driver is sqlite3, mysql or memory.
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// BackupConfig applies to the sqlite3 driver only.
type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
	// Caller adds file:line to every entry.
	Caller   bool   `yaml:"caller"`
}

type WebhookConfig struct {
	Enabled      bool                   `yaml:"enabled"`
	Port         int                    `yaml:"port"`
	MaxBodyBytes int64                  `yaml:"max_body_bytes"`
	RateLimit    WebhookRateLimitConfig `yaml:"rate_limit"`
}

type WebhookRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type SyncConfig struct {
	MaxConcurrentJobs int           `yaml:"max_concurrent_jobs"`
	// MaxJobRetries is optional so that 0 can disable job retries.
	MaxJobRetries     *int          `yaml:"max_job_retries"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	PollBatchSize     int           `yaml:"poll_batch_size"`
	RedisQueueKey     string        `yaml:"redis_queue_key"`
	DeadLetterKey     string        `yaml:"dead_letter_key"`
}

type CacheConfig struct {
	MaxEntries    int           `yaml:"max_entries"`
	DefaultTTL    time.Duration `yaml:"default_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type HealthConfig struct {
	DegradedErrorRate   float64       `yaml:"degraded_error_rate"`
	UnhealthyErrorRate  float64       `yaml:"unhealthy_error_rate"`
	ConsecutiveFailures int           `yaml:"consecutive_failures"`
	SampleSize          int           `yaml:"sample_size"`
	// MinSamples is the warm-up before error rates count; 0 disables it.
	MinSamples          *int          `yaml:"min_samples"`
	AlertCooldown       time.Duration `yaml:"alert_cooldown"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional; values already in the environment win.
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3":
		if c.Database.Path == "" {
			return errors.New("database path is required for sqlite3")
		}
	case "mysql":
		if c.Database.DSN == "" {
			return errors.New("database dsn is required for mysql")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	if c.Health.DegradedErrorRate >= c.Health.UnhealthyErrorRate {
		return errors.New("health.degraded_error_rate must be below health.unhealthy_error_rate")
	}
	if c.Sync.MaxJobRetries != nil && *c.Sync.MaxJobRetries < 0 {
		return errors.New("sync.max_job_retries must not be negative")
	}
	if c.Health.MinSamples != nil && *c.Health.MinSamples < 0 {
		return errors.New("health.min_samples must not be negative")
	}
	if c.Sync.MaxConcurrentJobs <= 0 {
		return errors.New("sync.max_concurrent_jobs must be positive")
	}
	return nil
}

func (c *Config) applyDefaults() {
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	if c.Database.Driver == "" || c.Database.Driver == "sqlite" {
		c.Database.Driver = "sqlite3"
	}
	if c.Backup.Enabled && c.Backup.StoragePath == "" {
		c.Backup.StoragePath = "./backups"
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.Webhooks.Port == 0 {
		c.Webhooks.Port = 8080
	}
	if c.Webhooks.MaxBodyBytes == 0 {
		c.Webhooks.MaxBodyBytes = 1 << 20
	}
	if c.Webhooks.RateLimit.RPS == 0 {
		c.Webhooks.RateLimit.RPS = 20
	}
	if c.Webhooks.RateLimit.Burst == 0 {
		c.Webhooks.RateLimit.Burst = 40
	}

	if c.Sync.MaxConcurrentJobs == 0 {
		c.Sync.MaxConcurrentJobs = 3
	}
	if c.Sync.MaxJobRetries == nil {
		c.Sync.MaxJobRetries = IntPtr(3)
	}
	if c.Sync.JobTimeout == 0 {
		c.Sync.JobTimeout = 15 * time.Minute
	}
	if c.Sync.PollInterval == 0 {
		c.Sync.PollInterval = 5 * time.Second
	}
	if c.Sync.PollBatchSize == 0 {
		c.Sync.PollBatchSize = 20
	}
	if c.Sync.RedisQueueKey == "" {
		c.Sync.RedisQueueKey = "marketsync:jobs"
	}
	if c.Sync.DeadLetterKey == "" {
		c.Sync.DeadLetterKey = "marketsync:deadletter"
	}

	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 10000
	}
	if c.Cache.DefaultTTL == 0 {
		c.Cache.DefaultTTL = 5 * time.Minute
	}
	if c.Cache.SweepInterval == 0 {
		c.Cache.SweepInterval = time.Minute
	}

	if c.Health.DegradedErrorRate == 0 {
		c.Health.DegradedErrorRate = 0.05
	}
	if c.Health.UnhealthyErrorRate == 0 {
		c.Health.UnhealthyErrorRate = 0.20
	}
	if c.Health.ConsecutiveFailures == 0 {
		c.Health.ConsecutiveFailures = 3
	}
	if c.Health.SampleSize == 0 {
		c.Health.SampleSize = 100
	}
	if c.Health.MinSamples == nil {
		c.Health.MinSamples = IntPtr(10)
	}
	if c.Health.AlertCooldown == 0 {
		c.Health.AlertCooldown = 5 * time.Minute
	}
}

// IntPtr returns a pointer to v, for optional config values where 0 is meaningful.
func IntPtr(v int) *int {
	return &v
}
