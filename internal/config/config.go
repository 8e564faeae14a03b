// Package config loads medusa.yaml.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// FileName is looked up next to the executable when no path is given.
const FileName = "medusa.yaml"

// Provider is the part of the configuration the injector consults on every
// attempt.
type Provider interface {
	InjectionEnabled() bool
	DisabledPluginNames() []string
}

// Config is the on-disk configuration.
type Config struct {
	// Enabled switches injection off globally without stopping the watcher.
	Enabled         bool     `yaml:"enabled"`
	DisabledPlugins []string `yaml:"disabled_plugins"`

	// Targets are full executable paths, matched case-insensitively.
	Targets         []string      `yaml:"targets"`
	PollingInterval time.Duration `yaml:"polling_interval"`
	Timeout         time.Duration `yaml:"timeout"`
	Oneshot         bool          `yaml:"oneshot"`
	WaitInit        bool          `yaml:"wait_init"`

	LogLevel   string `yaml:"log_level"`
	ShowTarget bool   `yaml:"show_target"`

	PipeName     string `yaml:"pipe_name"`
	InstanceName string `yaml:"instance_name"`

	LoaderPath   string `yaml:"loader_path"`
	InitExport   string `yaml:"init_export"`
	LoaderDigest string `yaml:"loader_digest"`
	PluginsDir   string `yaml:"plugins_dir"`

	DBPath      string `yaml:"db_path"`
	MonitorURL  string `yaml:"monitor_url"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// LogLevels are the accepted values of log_level, quietest first.
var LogLevels = []string{"off", "error", "warn", "info", "debug", "trace"}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Enabled:         true,
		PollingInterval: time.Second,
		WaitInit:        false,
		LogLevel:        "info",
		ShowTarget:      false,
		PipeName:        "medusa-loader",
		InstanceName:    `Local\MedusaLoaderInstance`,
		LoaderPath:      "medusa_loader.dll",
		InitExport:      "medusa_init",
		PluginsDir:      "plugins",
		DBPath:          "medusa.db",
	}
}

// Load reads path on top of Default. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	return cfg, nil
}

// Validate checks the fields the watcher and injector depend on.
func (c *Config) Validate() error {
	if len(c.Targets) == 0 {
		return errors.New("config: no target executables configured")
	}
	for _, t := range c.Targets {
		if !filepath.IsAbs(t) && !isWindowsAbs(t) {
			return errors.Errorf("config: target %q is not a full path", t)
		}
	}
	if c.PollingInterval <= 0 {
		return errors.Errorf("config: polling_interval must be positive, got %v", c.PollingInterval)
	}
	if c.Timeout < 0 {
		return errors.Errorf("config: timeout must not be negative, got %v", c.Timeout)
	}
	if LevelIndex(c.LogLevel) < 0 {
		return errors.Errorf("config: unknown log_level %q", c.LogLevel)
	}
	if c.LoaderPath == "" || c.InitExport == "" {
		return errors.New("config: loader_path and init_export are required")
	}
	if c.PipeName == "" {
		return errors.New("config: pipe_name is required")
	}
	return nil
}

// Resolve makes the relative file paths absolute against base.
func (c *Config) Resolve(base string) {
	for _, p := range []*string{&c.LoaderPath, &c.PluginsDir, &c.DBPath} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
}

// InjectionEnabled implements Provider.
func (c *Config) InjectionEnabled() bool { return c.Enabled }

// DisabledPluginNames implements Provider.
func (c *Config) DisabledPluginNames() []string { return c.DisabledPlugins }

// LevelIndex is the position of level in LogLevels, or -1.
func LevelIndex(level string) int {
	for i, l := range LogLevels {
		if strings.EqualFold(l, level) {
			return i
		}
	}
	return -1
}

// isWindowsAbs accepts drive-letter paths when validating on other platforms.
func isWindowsAbs(p string) bool {
	return len(p) >= 3 && p[1] == ':' && (p[2] == '\\' || p[2] == '/')
}
