package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the agent configuration
type Config struct {
	// ServerAddr is the parsec3:// url of the server
	ServerAddr string `yaml:"server_addr"`
	// Organization is the organization id on the server
	Organization string `yaml:"organization"`
	// DeviceSlug names the local device key file under DataDir
	DeviceSlug string `yaml:"device_slug"`
	// DataDir holds the local databases and device keys
	DataDir string `yaml:"data_dir"`

	LogLevel    string `yaml:"log_level"`
	LogJSON     bool   `yaml:"log_json"`
	MetricsBind string `yaml:"metrics_bind"`

	// SyncInterval is the monitor poll period
	SyncInterval time.Duration `yaml:"sync_interval"`
	// PreventSyncPattern confines matching entry names to the local device
	PreventSyncPattern string `yaml:"prevent_sync_pattern"`

	// BallparkEarlyOffset / BallparkLateOffset define the accepted clock
	// skew, in seconds
	BallparkEarlyOffset float64 `yaml:"ballpark_early_offset"`
	BallparkLateOffset  float64 `yaml:"ballpark_late_offset"`
}

// Default returns the configuration defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DataDir:             filepath.Join(home, ".parsec"),
		LogLevel:            "info",
		SyncInterval:        30 * time.Second,
		PreventSyncPattern:  `(?i)^.*\.tmp$|^~\$.*$`,
		BallparkEarlyOffset: 300,
		BallparkLateOffset:  320,
	}
}

// Load reads a YAML config file over the defaults
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration consistency
func (c *Config) Validate() error {
	if c.ServerAddr == "" {
		return fmt.Errorf("server_addr is required")
	}
	if c.Organization == "" {
		return fmt.Errorf("organization is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.PreventSyncPattern != "" {
		if _, err := regexp.Compile(c.PreventSyncPattern); err != nil {
			return fmt.Errorf("invalid prevent_sync_pattern: %w", err)
		}
	}
	if c.BallparkLateOffset <= 0 || c.BallparkEarlyOffset <= 0 {
		return fmt.Errorf("ballpark offsets must be positive")
	}
	return nil
}
