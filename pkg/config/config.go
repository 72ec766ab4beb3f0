package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultConfigRelPath = ".hapa/config.yaml"

// Config holds all HAPA configuration.
type Config struct {
	API      APIConfig     `yaml:"api"`
	Offline  OfflineConfig `yaml:"offline"`
	Memory   MemoryConfig  `yaml:"memory"`
	Perf     PerfConfig    `yaml:"performance"`
	History  HistoryConfig `yaml:"history"`
	Log      LogConfig     `yaml:"log"`
	Features FeatureConfig `yaml:"features"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// APIConfig describes the code generation backend.
type APIConfig struct {
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	Timeout           time.Duration `yaml:"timeout"`
	StreamIdleTimeout time.Duration `yaml:"stream_idle_timeout"`
}

// OfflineConfig controls the offline queue and response cache.
type OfflineConfig struct {
	StorageDir    string        `yaml:"storage_dir"`
	ProbeURL      string        `yaml:"probe_url"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	CheckInterval time.Duration `yaml:"check_interval"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	MaxQueueSize  int           `yaml:"max_queue_size"`
	MaxCacheBytes int64         `yaml:"max_cache_bytes"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	BatchSize     int           `yaml:"batch_size"`
	MaxRetries    int           `yaml:"max_retries"`
}

// MemoryConfig controls the lifecycle registry.
type MemoryConfig struct {
	CacheMaxAge      time.Duration `yaml:"cache_max_age"`
	CacheMaxEntries  int           `yaml:"cache_max_entries"`
	MonitorInterval  time.Duration `yaml:"monitor_interval"`
	HeapWarningBytes uint64        `yaml:"heap_warning_bytes"`
}

// PerfConfig controls performance metric collection.
type PerfConfig struct {
	MaxMetrics int `yaml:"max_metrics"`
}

// HistoryConfig controls the request history database.
type HistoryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// FeatureConfig holds feature toggles.
type FeatureConfig struct {
	Streaming     bool `yaml:"streaming"`
	OfflineQueue  bool `yaml:"offline_queue"`
	ResponseCache bool `yaml:"response_cache"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:           "http://localhost:8000",
			Timeout:           5 * time.Minute,
			StreamIdleTimeout: time.Minute,
		},
		Offline: OfflineConfig{
			StorageDir:    defaultStorageDir(),
			ProbeURL:      "https://www.google.com",
			ProbeTimeout:  5 * time.Second,
			CheckInterval: 30 * time.Second,
			RetryInterval: time.Second,
			MaxQueueSize:  1000,
			MaxCacheBytes: 100 * 1024 * 1024,
			CacheTTL:      time.Hour,
			BatchSize:     5,
			MaxRetries:    3,
		},
		Memory: MemoryConfig{
			CacheMaxAge:      30 * time.Minute,
			CacheMaxEntries:  100,
			MonitorInterval:  time.Minute,
			HeapWarningBytes: 200 * 1024 * 1024,
		},
		Perf: PerfConfig{
			MaxMetrics: 1000,
		},
		History: HistoryConfig{
			Enabled:       true,
			DBPath:        filepath.Join(defaultStorageDir(), "history.db"),
			RetentionDays: 30,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Features: FeatureConfig{
			Streaming:     true,
			OfflineQueue:  true,
			ResponseCache: true,
		},
	}
}

func defaultStorageDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hapa"
	}
	return filepath.Join(home, ".hapa", "offline")
}

// DefaultPath returns the config file location used when none is given.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigRelPath
	}
	return filepath.Join(home, defaultConfigRelPath)
}

// Load reads a YAML config file, expands environment variables and applies
// HAPA_* overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// Validate checks values that would break the pipeline at runtime.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.API.BaseURL) == "" {
		return errors.New("api.base_url cannot be empty")
	}
	if c.API.Timeout <= 0 {
		return errors.New("api.timeout must be positive")
	}
	if strings.TrimSpace(c.Offline.StorageDir) == "" {
		return errors.New("offline.storage_dir cannot be empty")
	}
	if c.Offline.MaxQueueSize <= 0 {
		return errors.New("offline.max_queue_size must be positive")
	}
	if c.Offline.MaxCacheBytes <= 0 {
		return errors.New("offline.max_cache_bytes must be positive")
	}
	if c.Offline.BatchSize <= 0 {
		return errors.New("offline.batch_size must be positive")
	}
	if c.Offline.MaxRetries <= 0 {
		return errors.New("offline.max_retries must be positive")
	}
	return nil
}

func applyEnvOverrides(c *Config) {
	setString(&c.API.BaseURL, "HAPA_API_BASE_URL")
	setString(&c.API.APIKey, "HAPA_API_KEY")
	setDuration(&c.API.Timeout, "HAPA_API_TIMEOUT")
	setString(&c.Offline.StorageDir, "HAPA_STORAGE_DIR")
	setString(&c.Offline.ProbeURL, "HAPA_PROBE_URL")
	setInt(&c.Offline.MaxQueueSize, "HAPA_MAX_QUEUE_SIZE")
	setString(&c.History.DBPath, "HAPA_HISTORY_DB")
	setString(&c.Log.Level, "HAPA_LOG_LEVEL")
	setString(&c.Log.Format, "HAPA_LOG_FORMAT")
	setString(&c.Metrics.Listen, "HAPA_METRICS_LISTEN")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
