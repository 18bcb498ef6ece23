// Package config loads shared configuration for the proxy and remote
// binaries from a YAML file with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written in the
// usual "2s" / "500ms" form.
type Duration time.Duration

// UnmarshalYAML parses a duration string node.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts back to the standard library type.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the top-level configuration shared by the proxy and the
// remote worker. Both sides must point StoreRoot at the same shared
// location.
type Config struct {
	// StoreRoot is the shared object store directory (a mounted
	// network filesystem, typically).
	StoreRoot string `yaml:"store_root"`

	// ListenAddress is the proxy HTTP API address.
	ListenAddress string `yaml:"listen_address"`

	// TaskStore selects the proxy's task store backend: "memory" or
	// "postgres".
	TaskStore string `yaml:"task_store"`

	// DatabaseURL is the Postgres connection string, required when
	// TaskStore is "postgres".
	DatabaseURL string `yaml:"database_url"`

	// Scheduler selects the remote worker's backend: "slurm" or
	// "docker".
	Scheduler string `yaml:"scheduler"`

	// DockerImage is the container image used when Scheduler is
	// "docker".
	DockerImage string `yaml:"docker_image"`

	// WorkRoot is where the remote worker materializes task
	// directories.
	WorkRoot string `yaml:"work_root"`

	// PollInterval is the channel poll interval.
	PollInterval Duration `yaml:"poll_interval"`

	// ReconcileInterval is the scheduler reconciliation interval.
	ReconcileInterval Duration `yaml:"reconcile_interval"`

	// CacheHighWater is the size in bytes above which the cache
	// evicts least recently used unpinned entries. Zero disables
	// eviction.
	CacheHighWater int64 `yaml:"cache_high_water"`

	// StoreRetries caps the retry attempts for transient object
	// store failures.
	StoreRetries uint64 `yaml:"store_retries"`
}

// Load reads the configuration file at path, falling back to defaults
// when path is empty or the file does not exist, then applies
// environment overrides.
func Load(path string) (*Config, error) {
	config := &Config{
		ListenAddress:     ":8080",
		TaskStore:         "memory",
		Scheduler:         "slurm",
		DockerImage:       "ubuntu:24.04",
		WorkRoot:          "slurmlink-work",
		PollInterval:      Duration(2 * time.Second),
		ReconcileInterval: Duration(15 * time.Second),
		StoreRetries:      5,
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(config)

	if config.StoreRoot == "" {
		return nil, fmt.Errorf("store_root is required (or set SLURMLINK_STORE_ROOT)")
	}
	if config.TaskStore == "postgres" && config.DatabaseURL == "" {
		return nil, fmt.Errorf("database_url is required when task_store is postgres")
	}

	return config, nil
}

func applyEnv(config *Config) {
	if v := os.Getenv("SLURMLINK_STORE_ROOT"); v != "" {
		config.StoreRoot = v
	}
	if v := os.Getenv("SLURMLINK_LISTEN_ADDRESS"); v != "" {
		config.ListenAddress = v
	}
	if v := os.Getenv("STORE_TYPE"); v != "" {
		config.TaskStore = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		config.DatabaseURL = v
	}
	if v := os.Getenv("SLURMLINK_SCHEDULER"); v != "" {
		config.Scheduler = v
	}
	if v := os.Getenv("SLURMLINK_DOCKER_IMAGE"); v != "" {
		config.DockerImage = v
	}
	if v := os.Getenv("SLURMLINK_WORK_ROOT"); v != "" {
		config.WorkRoot = v
	}
	if v := os.Getenv("SLURMLINK_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.PollInterval = Duration(d)
		}
	}
	if v := os.Getenv("SLURMLINK_RECONCILE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReconcileInterval = Duration(d)
		}
	}
}
