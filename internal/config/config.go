package config

import (
	"fmt"
	"time"

	yamlenv "github.com/ifuryst/go-yaml-env"

	"github.com/ifuryst/crosspost/pkg/logger"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Logger    logger.Config   `yaml:"logger"`
	Auth      AuthConfig      `yaml:"auth"`
	Redis     RedisConfig     `yaml:"redis"`
	Queue     QueueConfig     `yaml:"queue"`
	Worker    WorkerConfig    `yaml:"worker"`
	Retry     RetryConfig     `yaml:"retry"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Platforms PlatformsConfig `yaml:"platforms"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	Host     string `yaml:"host"`
	Mode     string `yaml:"mode"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type DatabaseConfig struct {
	Type     string `yaml:"type"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
	TimeZone string `yaml:"timezone"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type QueueConfig struct {
	// Driver is one of redis, kafka or memory.
	Driver            string      `yaml:"driver"`
	Name              string      `yaml:"name"`
	VisibilityTimeout string      `yaml:"visibility_timeout"`
	ResultTTL         string      `yaml:"result_ttl"`
	PollInterval      string      `yaml:"poll_interval"`
	Kafka             KafkaConfig `yaml:"kafka"`
}

type KafkaConfig struct {
	Brokers    []string `yaml:"brokers"`
	Topic      string   `yaml:"topic"`
	RetryTopic string   `yaml:"retry_topic"`
	GroupID    string   `yaml:"group_id"`
}

type WorkerConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Concurrency     int    `yaml:"concurrency"`
	PlatformTimeout string `yaml:"platform_timeout"`
}

type RetryConfig struct {
	MaxAttempts int    `yaml:"max_attempts"`
	BaseDelay   string `yaml:"base_delay"`
}

type DispatchConfig struct {
	// CanonicalBaseURL is used to build a canonical URL when a request omits one.
	CanonicalBaseURL string `yaml:"canonical_base_url"`
}

type PlatformsConfig struct {
	DevTo    PlatformConfig `yaml:"devto"`
	Hashnode PlatformConfig `yaml:"hashnode"`
	Medium   PlatformConfig `yaml:"medium"`
}

type PlatformConfig struct {
	Disabled   bool    `yaml:"disabled"`
	BaseURL    string  `yaml:"base_url"`
	RatePerSec float64 `yaml:"rate_per_sec"`
	Burst      int     `yaml:"burst"`
}

type SchedulerConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Timezone      string `yaml:"timezone"`
	StatsSpec     string `yaml:"stats_spec"`
	RecoverySpec  string `yaml:"recovery_spec"`
	RetentionDays int    `yaml:"retention_days"`
}

func LoadConfig(configPath string) (*Config, error) {
	cfg, err := yamlenv.LoadConfig[Config](configPath)
	if err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyDefaults fills every unset field with its default value.
func (cfg *Config) ApplyDefaults() {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "debug"
	}
	if cfg.Database.Type == "" {
		cfg.Database.Type = "postgres"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.TimeZone == "" {
		cfg.Database.TimeZone = "UTC"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Queue.Driver == "" {
		cfg.Queue.Driver = "redis"
	}
	if cfg.Queue.Name == "" {
		cfg.Queue.Name = "publish"
	}
	if cfg.Queue.VisibilityTimeout == "" {
		cfg.Queue.VisibilityTimeout = "30m"
	}
	if cfg.Queue.ResultTTL == "" {
		cfg.Queue.ResultTTL = "1h"
	}
	if cfg.Queue.PollInterval == "" {
		cfg.Queue.PollInterval = "1s"
	}
	if cfg.Queue.Kafka.Topic == "" {
		cfg.Queue.Kafka.Topic = "crosspost-publish"
	}
	if cfg.Queue.Kafka.RetryTopic == "" {
		cfg.Queue.Kafka.RetryTopic = "crosspost-publish-retry"
	}
	if cfg.Queue.Kafka.GroupID == "" {
		cfg.Queue.Kafka.GroupID = "crosspost-workers"
	}
	if cfg.Worker.Concurrency <= 0 {
		cfg.Worker.Concurrency = 4
	}
	if cfg.Worker.PlatformTimeout == "" {
		cfg.Worker.PlatformTimeout = "30s"
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.BaseDelay == "" {
		cfg.Retry.BaseDelay = "60s"
	}
	if cfg.Platforms.DevTo.BaseURL == "" {
		cfg.Platforms.DevTo.BaseURL = "https://dev.to"
	}
	if cfg.Platforms.Hashnode.BaseURL == "" {
		cfg.Platforms.Hashnode.BaseURL = "https://gql.hashnode.com/"
	}
	if cfg.Scheduler.Timezone == "" {
		cfg.Scheduler.Timezone = "UTC"
	}
	if cfg.Scheduler.StatsSpec == "" {
		cfg.Scheduler.StatsSpec = "@every 5m"
	}
	if cfg.Scheduler.RecoverySpec == "" {
		cfg.Scheduler.RecoverySpec = "@every 1m"
	}
	if cfg.Scheduler.RetentionDays <= 0 {
		cfg.Scheduler.RetentionDays = 90
	}
}

func (cfg *Config) Validate() error {
	switch cfg.Queue.Driver {
	case "redis", "memory":
	case "kafka":
		if len(cfg.Queue.Kafka.Brokers) == 0 {
			return fmt.Errorf("queue.kafka.brokers is required for the kafka driver")
		}
	default:
		return fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}

	durations := map[string]string{
		"queue.visibility_timeout": cfg.Queue.VisibilityTimeout,
		"queue.result_ttl":         cfg.Queue.ResultTTL,
		"queue.poll_interval":      cfg.Queue.PollInterval,
		"worker.platform_timeout":  cfg.Worker.PlatformTimeout,
		"retry.base_delay":         cfg.Retry.BaseDelay,
	}
	for key, value := range durations {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, value, err)
		}
	}

	return nil
}

// Duration parses a duration that Validate has already checked.
func Duration(value string) time.Duration {
	d, _ := time.ParseDuration(value)
	return d
}
