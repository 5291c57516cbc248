// Package config loads sqlmeta settings from defaults, a YAML file, SQLMETA_
// environment variables and command line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

const (
	// EnvPrefix is the prefix of environment variables read into the config
	EnvPrefix = "SQLMETA_"
	// DefaultMaxCacheAge is how long reflected metadata is trusted
	DefaultMaxCacheAge = 20 * time.Minute
	// DefaultRefreshGrace is how long a command waits on exit for a refresh it started
	DefaultRefreshGrace = 30 * time.Second
	// DefaultLogLevel is used when no level is configured
	DefaultLogLevel = "info"
	// FileName is the config file looked up in the profile directory
	FileName = "config.yaml"
)

// Flags that only steer loading and are not config keys
var loaderFlags = map[string]bool{"config": true, "env-file": true}

// Config holds all sqlmeta settings
type Config struct {
	ProfileDir        string            `koanf:"profile_dir"`
	MaxCacheAge       time.Duration     `koanf:"max_cache_age"`
	Workers           int               `koanf:"workers"`
	LogLevel          string            `koanf:"log_level"`
	URL               string            `koanf:"url"`
	Connection        string            `koanf:"connection"`
	DefaultConnection string            `koanf:"default_connection"`
	Connections       map[string]string `koanf:"connections"`
	Wait              bool              `koanf:"wait"`
	RefreshGrace      time.Duration     `koanf:"refresh_grace"`

	// File is the config file that was read, if any
	File string `koanf:"-"`
}

// DefaultProfileDir returns $XDG_CONFIG_HOME/sqlmeta or ~/.config/sqlmeta
func DefaultProfileDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", ".sqlmeta")
	}
	return filepath.Join(dir, "sqlmeta")
}

// DefaultWorkers returns the default size of the reflection worker pool
func DefaultWorkers() int {
	return 2 * runtime.NumCPU()
}

// AddFlags registers the flags that Load understands
func AddFlags(fs *pflag.FlagSet) {
	fs.String("url", "", "Database URL, e.g. postgres://user@host/db or sqlite:///path/app.db")
	fs.StringP("connection", "c", "", "Name of a saved connection from the config file")
	fs.String("config", "", "Path to the config file (default <profile-dir>/config.yaml)")
	fs.StringP("env-file", "e", "", "Path to .env file")
	fs.StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	fs.String("profile-dir", "", "Directory holding the metadata stores")
	fs.Duration("max-cache-age", 0, "Age after which cached metadata is refreshed")
	fs.Int("workers", 0, "Maximum number of concurrent reflections")
	fs.Bool("wait", false, "Wait for a background refresh to finish before printing")
	fs.Duration("refresh-grace", 0, "How long to let a background refresh finish on exit (0 disables)")
}

// Load builds the configuration. cfgFile may be empty, in which case
// config.yaml in the profile directory is read when present. flags may be nil;
// only flags the user set take part.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	// 1. Defaults
	if err := k.Load(confmap.Provider(map[string]interface{}{
		"profile_dir":   DefaultProfileDir(),
		"max_cache_age": DefaultMaxCacheAge.String(),
		"workers":       DefaultWorkers(),
		"log_level":     DefaultLogLevel,
		"refresh_grace": DefaultRefreshGrace.String(),
	}, "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. Config file
	explicit := cfgFile != ""
	if !explicit {
		profileDir := k.String("profile_dir")
		if v := os.Getenv(EnvPrefix + "PROFILE_DIR"); v != "" {
			profileDir = v
		}
		if flags != nil && flags.Changed("profile-dir") {
			profileDir, _ = flags.GetString("profile-dir")
		}
		cfgFile = filepath.Join(profileDir, FileName)
	}
	if _, err := os.Stat(cfgFile); err == nil {
		if err := k.Load(file.Provider(cfgFile), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", cfgFile, err)
		}
	} else if explicit {
		return nil, fmt.Errorf("config file %s: %w", cfgFile, err)
	} else {
		cfgFile = ""
	}

	// 3. Environment, SQLMETA_MAX_CACHE_AGE -> max_cache_age
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	// 4. Flags the user set
	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			if !f.Changed || loaderFlags[f.Name] {
				return "", nil
			}
			return strings.ReplaceAll(f.Name, "-", "_"), posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.File = cfgFile

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the settings are usable
func (c *Config) Validate() error {
	var errs []error
	if c.ProfileDir == "" {
		errs = append(errs, errors.New("profile_dir must not be empty"))
	}
	if c.MaxCacheAge <= 0 {
		errs = append(errs, fmt.Errorf("max_cache_age must be positive, got %s", c.MaxCacheAge))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.RefreshGrace < 0 {
		errs = append(errs, fmt.Errorf("refresh_grace must not be negative, got %s", c.RefreshGrace))
	}
	return errors.Join(errs...)
}

// ResolveURL returns the database URL to connect to: the url setting, else
// the named or default saved connection. It returns an empty string when
// nothing is configured.
func (c *Config) ResolveURL() (string, error) {
	if c.URL != "" {
		return c.URL, nil
	}

	name := c.Connection
	if name == "" {
		name = c.DefaultConnection
	}
	if name == "" {
		return "", nil
	}

	url, ok := c.Connections[name]
	if !ok {
		return "", fmt.Errorf("unknown connection %q, known connections: %s",
			name, strings.Join(c.ConnectionNames(), ", "))
	}
	return url, nil
}

// ConnectionNames returns the saved connection nicknames in sorted order
func (c *Config) ConnectionNames() []string {
	names := make([]string, 0, len(c.Connections))
	for name := range c.Connections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
