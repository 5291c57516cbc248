package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, DefaultProfileDir(), cfg.ProfileDir)
	assert.Equal(t, DefaultMaxCacheAge, cfg.MaxCacheAge)
	assert.Equal(t, DefaultWorkers(), cfg.Workers)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, DefaultRefreshGrace, cfg.RefreshGrace)
	assert.Empty(t, cfg.File)
}

func TestLoad_Precedence(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
profile_dir: /tmp/from-file
max_cache_age: 5m
workers: 3
log_level: warn
default_connection: prod
connections:
  prod: postgres://app@db.internal/orders
  local: sqlite:///tmp/dev.db
`)

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/from-file", cfg.ProfileDir)
	assert.Equal(t, 5*time.Minute, cfg.MaxCacheAge)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, path, cfg.File)
	assert.Equal(t, []string{"local", "prod"}, cfg.ConnectionNames())

	// Environment beats the file
	t.Setenv("SQLMETA_WORKERS", "6")
	t.Setenv("SQLMETA_MAX_CACHE_AGE", "90s")
	cfg, err = Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Workers)
	assert.Equal(t, 90*time.Second, cfg.MaxCacheAge)

	// Flags beat the environment, but only when set
	cfg, err = Load(path, newFlags(t, "--workers", "8", "-l", "debug", "--refresh-grace", "0s"))
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Workers)
	assert.Zero(t, cfg.RefreshGrace)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 90*time.Second, cfg.MaxCacheAge)
}

func TestLoad_ConfigInProfileDir(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "workers: 5\n")

	cfg, err := Load("", newFlags(t, "--profile-dir", dir))
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.ProfileDir)
	assert.Equal(t, 5, cfg.Workers)
	assert.Equal(t, filepath.Join(dir, FileName), cfg.File)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "workers: 0\n")

	_, err := Load(path, nil)
	assert.ErrorContains(t, err, "workers must be positive")
}

func TestValidate(t *testing.T) {
	cfg := &Config{ProfileDir: "/tmp", MaxCacheAge: time.Minute, Workers: 1}
	assert.NoError(t, cfg.Validate())

	cfg = &Config{ProfileDir: "/tmp", MaxCacheAge: time.Minute, Workers: 1, RefreshGrace: -time.Second}
	assert.ErrorContains(t, cfg.Validate(), "refresh_grace")

	cfg = &Config{}
	err := cfg.Validate()
	assert.ErrorContains(t, err, "profile_dir")
	assert.ErrorContains(t, err, "max_cache_age")
	assert.ErrorContains(t, err, "workers")
}

func TestResolveURL(t *testing.T) {
	connections := map[string]string{
		"prod":  "postgres://app@db.internal/orders",
		"local": "sqlite:///tmp/dev.db",
	}

	tests := []struct {
		name     string
		cfg      Config
		expected string
		wantErr  bool
	}{
		{"explicit url wins", Config{URL: "mysql://root@localhost/shop", Connection: "prod", Connections: connections}, "mysql://root@localhost/shop", false},
		{"named connection", Config{Connection: "local", DefaultConnection: "prod", Connections: connections}, "sqlite:///tmp/dev.db", false},
		{"default connection", Config{DefaultConnection: "prod", Connections: connections}, "postgres://app@db.internal/orders", false},
		{"nothing configured", Config{Connections: connections}, "", false},
		{"unknown connection", Config{Connection: "staging", Connections: connections}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url, err := tt.cfg.ResolveURL()
			if tt.wantErr {
				assert.ErrorContains(t, err, "local, prod")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, url)
		})
	}
}
