/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads the runtime configuration: defaults, then an
// optional YAML file, then environment variable overrides. The
// environment keys match the ones the deployment already uses
// (ARCHIVE_DATA_PATH, CRAWL_TIMEOUT, MAX_CONCURRENT_CRAWLS, ...), with
// durations accepted either as Go duration strings or as plain numbers
// of seconds (fractions allowed).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/DevelopmentCats/govwatcher/internal/database"
)

// Duration is a time.Duration that unmarshals from either a duration
// string ("30s", "2m") or a number of seconds ("30", "1.5").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar, got %v", value.Kind)
	}
	parsed, err := parseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func parseDuration(raw string) (time.Duration, error) {
	if parsed, err := time.ParseDuration(raw); err == nil {
		return parsed, nil
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// RedisConfig holds Redis connection parameters for the work queue and
// distributed locks.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Addr returns the host:port dial address.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StorageConfig holds the artifact store location.
type StorageConfig struct {
	BasePath string `yaml:"base_path"`
}

// CrawlerConfig holds per-capture behavior.
type CrawlerConfig struct {
	UserAgent  string   `yaml:"user_agent"`
	Timeout    Duration `yaml:"timeout"`
	Delay      Duration `yaml:"delay"`
	MaxRetries int      `yaml:"max_retries"`
	RetryDelay Duration `yaml:"retry_delay"`
}

// QueueConfig holds scheduling and concurrency parameters.
type QueueConfig struct {
	MaxConcurrentCrawls     int      `yaml:"max_concurrent_crawls"`
	ProcessingInterval      Duration `yaml:"processing_interval"`
	HighPriorityThreshold   int      `yaml:"high_priority_threshold"`
	NormalPriorityThreshold int      `yaml:"normal_priority_threshold"`
	HighPriorityInterval    Duration `yaml:"high_priority_interval"`
	NormalPriorityInterval  Duration `yaml:"normal_priority_interval"`
	LowPriorityInterval     Duration `yaml:"low_priority_interval"`
	DiffBatchSize           int      `yaml:"diff_batch_size"`
	DiffWorkers             int      `yaml:"diff_workers"`
	ShutdownGrace           Duration `yaml:"shutdown_grace"`
}

// DiffConfig holds diff classification thresholds.
type DiffConfig struct {
	SizeThreshold       int     `yaml:"size_threshold"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
}

// WebhookConfig identifies the external notifier. The notifier itself is
// an external collaborator; only its address lives here.
type WebhookConfig struct {
	APIURL string `yaml:"api_url"`
	Secret string `yaml:"secret"`
}

// FeatureFlags gate the optional capture and diff derivatives.
type FeatureFlags struct {
	Screenshots    bool `yaml:"screenshots"`
	PDF            bool `yaml:"pdf"`
	TextExtraction bool `yaml:"text_extraction"`
	VisualDiff     bool `yaml:"visual_diff"`
	Webhooks       bool `yaml:"webhooks"`
}

// ServerConfig holds the admin/metrics listener.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the full runtime configuration.
type Config struct {
	Database database.Config `yaml:"database"`
	Redis    RedisConfig     `yaml:"redis"`
	Storage  StorageConfig   `yaml:"storage"`
	Crawler  CrawlerConfig   `yaml:"crawler"`
	Queue    QueueConfig     `yaml:"queue"`
	Diff     DiffConfig      `yaml:"diff"`
	Webhook  WebhookConfig   `yaml:"webhook"`
	Features FeatureFlags    `yaml:"features"`
	Server   ServerConfig    `yaml:"server"`
	Logging  LoggingConfig   `yaml:"logging"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Database: *database.DefaultConfig(),
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
		},
		Storage: StorageConfig{
			BasePath: "/data/archives",
		},
		Crawler: CrawlerConfig{
			UserAgent:  "GovWatcher/1.0 (+https://govwatcher.org/bot; bot@govwatcher.org)",
			Timeout:    Duration(300 * time.Second),
			Delay:      Duration(time.Second),
			MaxRetries: 3,
			RetryDelay: Duration(60 * time.Second),
		},
		Queue: QueueConfig{
			MaxConcurrentCrawls:     3,
			ProcessingInterval:      Duration(10 * time.Second),
			HighPriorityThreshold:   1,
			NormalPriorityThreshold: 3,
			HighPriorityInterval:    Duration(7 * 24 * time.Hour),
			NormalPriorityInterval:  Duration(14 * 24 * time.Hour),
			LowPriorityInterval:     Duration(30 * 24 * time.Hour),
			DiffBatchSize:           5,
			DiffWorkers:             5,
			ShutdownGrace:           Duration(30 * time.Second),
		},
		Diff: DiffConfig{
			SizeThreshold:       10,
			SimilarityThreshold: 0.9,
		},
		Webhook: WebhookConfig{
			APIURL: "http://api:3000/webhooks",
		},
		Features: FeatureFlags{
			Screenshots:    true,
			PDF:            true,
			TextExtraction: true,
			VisualDiff:     true,
			Webhooks:       true,
		},
		Server: ServerConfig{
			ListenAddr: ":9090",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is non-empty) and finally the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.LoadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides.
func (c *Config) LoadFromEnv() {
	c.Database.LoadFromEnv()

	envString("REDIS_HOST", &c.Redis.Host)
	envInt("REDIS_PORT", &c.Redis.Port)
	envString("REDIS_PASSWORD", &c.Redis.Password)
	envInt("REDIS_DB", &c.Redis.DB)

	envString("ARCHIVE_DATA_PATH", &c.Storage.BasePath)

	envString("CRAWLER_USER_AGENT", &c.Crawler.UserAgent)
	envDuration("CRAWL_TIMEOUT", &c.Crawler.Timeout)
	envDuration("CRAWL_DELAY", &c.Crawler.Delay)
	envInt("MAX_RETRIES", &c.Crawler.MaxRetries)
	envDuration("RETRY_DELAY", &c.Crawler.RetryDelay)

	envInt("MAX_CONCURRENT_CRAWLS", &c.Queue.MaxConcurrentCrawls)
	envDuration("QUEUE_PROCESSING_INTERVAL", &c.Queue.ProcessingInterval)
	envInt("HIGH_PRIORITY_THRESHOLD", &c.Queue.HighPriorityThreshold)
	envInt("NORMAL_PRIORITY_THRESHOLD", &c.Queue.NormalPriorityThreshold)
	envDuration("HIGH_PRIORITY_INTERVAL", &c.Queue.HighPriorityInterval)
	envDuration("NORMAL_PRIORITY_INTERVAL", &c.Queue.NormalPriorityInterval)
	envDuration("LOW_PRIORITY_INTERVAL", &c.Queue.LowPriorityInterval)
	envDuration("SHUTDOWN_GRACE_PERIOD", &c.Queue.ShutdownGrace)

	envInt("DIFF_SIZE_THRESHOLD", &c.Diff.SizeThreshold)
	envFloat("DIFF_SIMILARITY_THRESHOLD", &c.Diff.SimilarityThreshold)

	envString("WEBHOOK_API_URL", &c.Webhook.APIURL)
	envString("WEBHOOK_SECRET", &c.Webhook.Secret)

	envBool("ENABLE_SCREENSHOTS", &c.Features.Screenshots)
	envBool("ENABLE_PDF", &c.Features.PDF)
	envBool("ENABLE_TEXT_EXTRACTION", &c.Features.TextExtraction)
	envBool("ENABLE_VISUAL_DIFF", &c.Features.VisualDiff)
	envBool("ENABLE_WEBHOOKS", &c.Features.Webhooks)

	envString("ADMIN_LISTEN_ADDR", &c.Server.ListenAddr)
	envString("LOG_LEVEL", &c.Logging.Level)
	envString("LOG_FORMAT", &c.Logging.Format)
}

// Validate checks the configuration for values the pipeline cannot run
// with.
func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return err
	}
	if c.Redis.Host == "" {
		return fmt.Errorf("redis host is required")
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		return fmt.Errorf("redis port must be between 1 and 65535, got %d", c.Redis.Port)
	}
	if c.Storage.BasePath == "" {
		return fmt.Errorf("storage base path is required")
	}
	if c.Crawler.Timeout.Std() <= 0 {
		return fmt.Errorf("crawl timeout must be positive")
	}
	if c.Crawler.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", c.Crawler.MaxRetries)
	}
	if c.Queue.MaxConcurrentCrawls < 1 {
		return fmt.Errorf("max concurrent crawls must be at least 1, got %d", c.Queue.MaxConcurrentCrawls)
	}
	if c.Queue.ProcessingInterval.Std() <= 0 {
		return fmt.Errorf("queue processing interval must be positive")
	}
	if c.Queue.HighPriorityThreshold > c.Queue.NormalPriorityThreshold {
		return fmt.Errorf("high priority threshold %d must not exceed normal priority threshold %d",
			c.Queue.HighPriorityThreshold, c.Queue.NormalPriorityThreshold)
	}
	if c.Queue.DiffBatchSize < 1 {
		return fmt.Errorf("diff batch size must be at least 1, got %d", c.Queue.DiffBatchSize)
	}
	if c.Queue.DiffWorkers < 1 {
		return fmt.Errorf("diff workers must be at least 1, got %d", c.Queue.DiffWorkers)
	}
	if c.Diff.SizeThreshold < 1 {
		return fmt.Errorf("diff size threshold must be at least 1, got %d", c.Diff.SizeThreshold)
	}
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = parsed
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*dst = parsed
		}
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := parseDuration(v); err == nil {
			*dst = Duration(parsed)
		}
	}
}
