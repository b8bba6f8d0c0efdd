// Package config loads daemon settings from a TOML file with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultBranch       = "main"
	DefaultContainerTag = "large-files-v1"

	DefaultThresholdBytes int64 = 60 * 1024 * 1024
	DefaultRetention            = 3
	DefaultWorkers              = 3
	DefaultPeriodSeconds        = 180

	// DefaultFileName is the config file looked up in the user's home
	// directory when no explicit path is given.
	DefaultFileName = ".gitvault.toml"

	configPathEnvKey = "GITVAULT_CONFIG"

	// ProgressFileName and CompleteFileName are daemon bookkeeping files
	// written into the history repository. They are always excluded from
	// version control.
	ProgressFileName = ".sync-progress.json"
	CompleteFileName = ".sync-complete"
)

// systemExcludes are always excluded regardless of user configuration.
var systemExcludes = []string{
	CompleteFileName,
	ProgressFileName,
}

// OffloadConfig tunes the large-file offload engine.
type OffloadConfig struct {
	Enabled        bool   `toml:"enabled"`
	ThresholdBytes int64  `toml:"threshold_bytes"`
	ContainerTag   string `toml:"container_tag"`
	Retention      int    `toml:"retention"`
	Workers        int    `toml:"workers"`
	Verify         bool   `toml:"verify"`
}

// RegistryConfig locates and authenticates against the blob store.
type RegistryConfig struct {
	Repository string `toml:"repository"`
	Username   string `toml:"username"`
	Password   string `toml:"password"`
	PlainHTTP  bool   `toml:"plain_http"`
}

// Config defines runtime configuration for gitvault.
type Config struct {
	Base          string   `toml:"base"`
	HistoryDir    string   `toml:"history_dir"`
	Branch        string   `toml:"branch"`
	Remote        string   `toml:"remote"`
	Token         string   `toml:"token"`
	Targets       []string `toml:"targets"`
	Excludes      []string `toml:"excludes"`
	PeriodSeconds int      `toml:"period_seconds"`

	Offload  OffloadConfig  `toml:"offload"`
	Registry RegistryConfig `toml:"registry"`
}

// Default returns default configuration values.
func Default() Config {
	histDir := ".gitvault"
	if home, err := os.UserHomeDir(); err == nil {
		histDir = filepath.Join(home, ".gitvault")
	}
	return Config{
		Base:          "/",
		HistoryDir:    histDir,
		Branch:        DefaultBranch,
		PeriodSeconds: DefaultPeriodSeconds,
		Offload: OffloadConfig{
			Enabled:        true,
			ThresholdBytes: DefaultThresholdBytes,
			ContainerTag:   DefaultContainerTag,
			Retention:      DefaultRetention,
			Workers:        DefaultWorkers,
			Verify:         true,
		},
	}
}

// Load reads configuration from path and applies environment overrides.
// An empty path falls back to $GITVAULT_CONFIG, then to the file in the
// user's home directory; a missing fallback file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = strings.TrimSpace(os.Getenv(configPathEnvKey))
		explicit = path != ""
	}
	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, DefaultFileName)
		}
	}

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			if explicit || !os.IsNotExist(err) {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)
	cfg.normalize()
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setString("GITVAULT_BASE", &cfg.Base)
	setString("GITVAULT_HIST_DIR", &cfg.HistoryDir)
	setString("GITVAULT_BRANCH", &cfg.Branch)
	setString("GITVAULT_REMOTE", &cfg.Remote)
	setString("GITVAULT_TOKEN", &cfg.Token)
	setString("GITVAULT_CONTAINER_TAG", &cfg.Offload.ContainerTag)
	setString("GITVAULT_REGISTRY", &cfg.Registry.Repository)
	setString("GITVAULT_REGISTRY_USER", &cfg.Registry.Username)
	setString("GITVAULT_REGISTRY_PASSWORD", &cfg.Registry.Password)

	// Target and exclude lists are space-separated, matching the shape
	// they take in container environments.
	if v := strings.TrimSpace(os.Getenv("GITVAULT_TARGETS")); v != "" {
		cfg.Targets = strings.Fields(v)
	}
	if v := strings.TrimSpace(os.Getenv("GITVAULT_EXCLUDES")); v != "" {
		cfg.Excludes = strings.Fields(v)
	}

	if v := strings.TrimSpace(os.Getenv("GITVAULT_THRESHOLD")); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil && parsed > 0 {
			cfg.Offload.ThresholdBytes = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("GITVAULT_RETENTION")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			cfg.Offload.Retention = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("GITVAULT_WORKERS")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			cfg.Offload.Workers = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("GITVAULT_PERIOD")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			cfg.PeriodSeconds = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("GITVAULT_OFFLOAD_ENABLED")); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.Offload.Enabled = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("GITVAULT_PLAIN_HTTP")); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.Registry.PlainHTTP = parsed
		}
	}
}

func (c *Config) normalize() {
	if c.Branch == "" {
		c.Branch = DefaultBranch
	}
	if c.PeriodSeconds <= 0 {
		c.PeriodSeconds = DefaultPeriodSeconds
	}
	if c.Offload.ThresholdBytes <= 0 {
		c.Offload.ThresholdBytes = DefaultThresholdBytes
	}
	if c.Offload.ContainerTag == "" {
		c.Offload.ContainerTag = DefaultContainerTag
	}
	if c.Offload.Retention <= 0 {
		c.Offload.Retention = DefaultRetention
	}
	if c.Offload.Workers <= 0 {
		c.Offload.Workers = DefaultWorkers
	}

	for _, sys := range systemExcludes {
		if !contains(c.Excludes, sys) {
			c.Excludes = append(c.Excludes, sys)
		}
	}
}

// Validate checks that the settings name a usable remote and, when
// offload is enabled, a blob store repository.
func (c *Config) Validate() error {
	if c.Remote == "" {
		return errors.New("config: remote repository is required")
	}
	if c.HistoryDir == "" {
		return errors.New("config: history directory is required")
	}
	if c.Offload.Enabled && c.Registry.Repository == "" {
		return errors.New("config: registry repository is required when offload is enabled")
	}
	return nil
}

// Period returns the steady-state sync interval.
func (c *Config) Period() time.Duration {
	return time.Duration(c.PeriodSeconds) * time.Second
}

// ProgressFile returns the path of the progress bookkeeping file.
func (c *Config) ProgressFile() string {
	return filepath.Join(c.HistoryDir, ProgressFileName)
}

// CompleteFile returns the path of the sync-complete marker.
func (c *Config) CompleteFile() string {
	return filepath.Join(c.HistoryDir, CompleteFileName)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
