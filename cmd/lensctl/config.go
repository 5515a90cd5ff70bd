package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// envPrefix prefixes every environment variable lensctl reads.
const envPrefix = "LENS"

// Stash backends.
const (
	backendDisk   = "disk"
	backendSQLite = "sqlite"
)

// Config holds lensctl settings. Values are layered: defaults, then the
// YAML config file, then LENS_* environment variables, then flags.
type Config struct {
	Stash            string `yaml:"stash" split_words:"true"`
	StashPath        string `yaml:"stash_path" split_words:"true"`
	StashMaxBytes    int64  `yaml:"stash_max_bytes" split_words:"true"`
	StagingDir       string `yaml:"staging_dir" split_words:"true"`
	Workers          int    `yaml:"workers" split_words:"true"`
	Strict           bool   `yaml:"strict" split_words:"true"`
	BeforeMissAtHead bool   `yaml:"before_miss_at_head" split_words:"true"`
	SkipUnreadable   bool   `yaml:"skip_unreadable" split_words:"true"`
	MaxEntrySize     uint64 `yaml:"max_entry_size" split_words:"true"`
	MaxArchiveSize   uint64 `yaml:"max_archive_size" split_words:"true"`
	MaxEntries       int    `yaml:"max_entries" split_words:"true"`
	LogLevel         string `yaml:"log_level" split_words:"true"`
	MetricsFile      string `yaml:"metrics_file" split_words:"true"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Stash:          backendDisk,
		MaxEntrySize:   1 << 30,
		MaxArchiveSize: 4 << 30,
		LogLevel:       "info",
	}
}

// LoadConfig reads the YAML file at path (if any) over the defaults and
// applies LENS_* environment variables on top. A missing file is an error
// only when path was given explicitly.
func LoadConfig(path string, explicit bool) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // user supplied config path
		switch {
		case errors.Is(err, fs.ErrNotExist) && !explicit:
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}
	return cfg, nil
}

// Validate checks settings that flags and files cannot constrain.
func (c *Config) Validate() error {
	switch c.Stash {
	case backendDisk, backendSQLite:
	default:
		return fmt.Errorf("unknown stash backend %q (want %s or %s)", c.Stash, backendDisk, backendSQLite)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ResolvedStashPath returns StashPath, or the default location for the
// backend under the user cache directory.
func (c *Config) ResolvedStashPath() string {
	if c.StashPath != "" {
		return c.StashPath
	}
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	if c.Stash == backendSQLite {
		return filepath.Join(base, "lens", "stash.db")
	}
	return filepath.Join(base, "lens", "stash")
}

// defaultConfigPath is used when --config is not given.
func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "lens", "config.yaml")
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}
