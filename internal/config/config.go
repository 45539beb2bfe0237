// Package config loads setsync configuration from a TOML file, SETSYNC_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix namespaces environment overrides: sync.interval is SETSYNC_SYNC_INTERVAL.
	EnvPrefix = "SETSYNC"

	// DefaultPath is where the config file lives when no path is given.
	DefaultPath = "~/.config/setsync/config.toml"
)

// Config is the fully resolved configuration.
type Config struct {
	DB        DBConfig        `mapstructure:"db"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Autosave  AutosaveConfig  `mapstructure:"autosave"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Netstat   NetstatConfig   `mapstructure:"netstat"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Log       LogConfig       `mapstructure:"log"`

	// Path is the file the config was read from, whether or not it exists.
	Path string `mapstructure:"-"`
}

type DBConfig struct {
	Path string `mapstructure:"path"`
}

type RemoteConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
	Token   string        `mapstructure:"token"`
}

type AutosaveConfig struct {
	Debounce time.Duration `mapstructure:"debounce"`
	Strict   bool          `mapstructure:"strict"`
}

type SyncConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	FetchConcurrency int           `mapstructure:"fetch_concurrency"`
}

type NetstatConfig struct {
	ProbeInterval    time.Duration `mapstructure:"probe_interval"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ForceOffline     bool          `mapstructure:"force_offline"`
}

type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

var defaults = map[string]any{
	"db.path":                   "~/.setsync/setsync.db",
	"remote.url":                "http://127.0.0.1:7690",
	"remote.timeout":            10 * time.Second,
	"remote.token":              "",
	"autosave.debounce":         800 * time.Millisecond,
	"autosave.strict":           false,
	"sync.interval":             3 * time.Second,
	"sync.fetch_concurrency":    4,
	"netstat.probe_interval":    5 * time.Second,
	"netstat.failure_threshold": 2,
	"netstat.force_offline":     false,
	"dashboard.enabled":         true,
	"dashboard.port":            7691,
	"log.level":                 "info",
	"log.file":                  "~/.setsync/setsync.log",
	"log.max_size_mb":           10,
	"log.max_backups":           3,
	"log.max_age_days":          28,
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	cfg, err := LoadWithFlags(os.DevNull, nil)
	if err != nil {
		// Defaults are static; a failure here is a programming error.
		panic(fmt.Sprintf("invalid built-in config defaults: %v", err))
	}
	cfg.Path = mustExpand(DefaultPath)
	return cfg
}

// Load reads the config file at path (DefaultPath when empty) merged with
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	return LoadWithFlags(path, nil)
}

// LoadWithFlags is Load with command-line overrides. flags maps config keys
// to cobra flags; only flags the user actually set take effect.
func LoadWithFlags(path string, flags map[string]*pflag.Flag) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultPath
	}
	resolved, err := expandPath(path)
	if err != nil {
		return nil, err
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, flag := range flags {
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, fmt.Errorf("failed to bind flag for %s: %w", key, err)
		}
	}

	if resolved != os.DevNull {
		v.SetConfigFile(resolved)
		switch strings.ToLower(filepath.Ext(resolved)) {
		case ".yaml", ".yml":
			v.SetConfigType("yaml")
		default:
			v.SetConfigType("toml")
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.Is(err, fs.ErrNotExist) && !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config %s: %w", resolved, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Path = resolved
	cfg.DB.Path = mustExpand(cfg.DB.Path)
	if cfg.Log.File != "" {
		cfg.Log.File = mustExpand(cfg.Log.File)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", resolved, err)
	}
	return &cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.DB.Path == "" {
		return fmt.Errorf("db.path is required")
	}
	if c.Remote.URL == "" {
		return fmt.Errorf("remote.url is required")
	}
	if c.Remote.Timeout <= 0 {
		return fmt.Errorf("remote.timeout must be positive, got %v", c.Remote.Timeout)
	}
	if c.Autosave.Debounce <= 0 {
		return fmt.Errorf("autosave.debounce must be positive, got %v", c.Autosave.Debounce)
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive, got %v", c.Sync.Interval)
	}
	if c.Sync.FetchConcurrency < 1 {
		return fmt.Errorf("sync.fetch_concurrency must be at least 1, got %d", c.Sync.FetchConcurrency)
	}
	if c.Netstat.ProbeInterval <= 0 {
		return fmt.Errorf("netstat.probe_interval must be positive, got %v", c.Netstat.ProbeInterval)
	}
	if c.Netstat.FailureThreshold < 1 {
		return fmt.Errorf("netstat.failure_threshold must be at least 1, got %d", c.Netstat.FailureThreshold)
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port out of range: %d", c.Dashboard.Port)
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// document renders the config as nested tables with durations as strings,
// the form users write by hand.
func (c *Config) document() map[string]map[string]any {
	return map[string]map[string]any{
		"db": {"path": c.DB.Path},
		"remote": {
			"url":     c.Remote.URL,
			"timeout": c.Remote.Timeout.String(),
			"token":   c.Remote.Token,
		},
		"autosave": {
			"debounce": c.Autosave.Debounce.String(),
			"strict":   c.Autosave.Strict,
		},
		"sync": {
			"interval":          c.Sync.Interval.String(),
			"fetch_concurrency": c.Sync.FetchConcurrency,
		},
		"netstat": {
			"probe_interval":    c.Netstat.ProbeInterval.String(),
			"failure_threshold": c.Netstat.FailureThreshold,
			"force_offline":     c.Netstat.ForceOffline,
		},
		"dashboard": {
			"enabled": c.Dashboard.Enabled,
			"port":    c.Dashboard.Port,
		},
		"log": {
			"level":        c.Log.Level,
			"file":         c.Log.File,
			"max_size_mb":  c.Log.MaxSizeMB,
			"max_backups":  c.Log.MaxBackups,
			"max_age_days": c.Log.MaxAgeDays,
		},
	}
}

// Encode writes c to w as "toml" or "yaml". Secrets are masked unless
// showSecrets is set.
func (c *Config) Encode(w io.Writer, format string, showSecrets bool) error {
	doc := c.document()
	if !showSecrets && c.Remote.Token != "" {
		doc["remote"]["token"] = "********"
	}

	switch format {
	case "", "toml":
		return toml.NewEncoder(w).Encode(doc)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown format %q (want toml or yaml)", format)
	}
}

// WriteFile writes c as TOML to path, creating parent directories. It
// refuses to overwrite an existing file unless force is set.
func WriteFile(path string, c *Config, force bool) error {
	resolved, err := expandPath(path)
	if err != nil {
		return err
	}
	if !force {
		if _, err := os.Stat(resolved); err == nil {
			return fmt.Errorf("config %s already exists", resolved)
		}
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(resolved, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to open config %s: %w", resolved, err)
	}
	if err := c.Encode(f, "toml", true); err != nil {
		f.Close()
		return fmt.Errorf("failed to write config %s: %w", resolved, err)
	}
	return f.Close()
}

// ExpandPath resolves a leading ~ and makes path absolute.
func ExpandPath(path string) (string, error) {
	return expandPath(path)
}

func mustExpand(path string) string {
	expanded, err := expandPath(path)
	if err != nil {
		return path
	}
	return expanded
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("path is empty")
	}
	if trimmed == os.DevNull {
		return trimmed, nil
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}
