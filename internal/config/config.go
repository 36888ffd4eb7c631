// Package config loads the downloader's YAML configuration.
//
// The file is optional. Its path comes from the --config flag or the
// EGS_DOWNLOAD_CONFIG environment variable; without either the defaults
// apply. Command line flags override file values.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable holding a config path.
const EnvVar = "EGS_DOWNLOAD_CONFIG"

// Config is the full configuration.
type Config struct {
	// InstallDir is where assembled files are written.
	InstallDir string `yaml:"install_dir"`

	// ScratchDir holds verified chunks between download and assembly.
	// Default: <install_dir>/.egs-scratch
	ScratchDir string `yaml:"scratch_dir"`

	// Concurrency is the number of chunk fetches per batch.
	// Default: 4
	Concurrency int `yaml:"concurrency"`

	// ConnectTimeout and ReadTimeout bound each chunk request.
	// Default: 30s and 60s
	ConnectTimeout string `yaml:"connect_timeout"`
	ReadTimeout    string `yaml:"read_timeout"`

	// BaseURLs are extra CDN mirrors tried after the launcher's.
	BaseURLs []string `yaml:"base_urls"`

	Launcher LauncherConfig `yaml:"launcher"`

	// MetricsListen enables the /metrics and pprof server, e.g. ":9090".
	MetricsListen string `yaml:"metrics_listen"`

	// CacheCompression stores scratch chunks zstd-compressed.
	CacheCompression bool `yaml:"cache_compression"`

	// KeepScratch leaves the chunk cache in place after a successful run.
	KeepScratch bool `yaml:"keep_scratch"`

	// SkipFileHash turns off the SHA-1 check of each assembled file.
	SkipFileHash bool `yaml:"skip_file_hash"`
}

// LauncherConfig configures the manifest lookup service.
type LauncherConfig struct {
	// APIURL is the launcher assets service.
	APIURL string `yaml:"api_url"`

	// Platform selects the manifest variant.
	// Default: Windows
	Platform string `yaml:"platform"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		InstallDir:     "games",
		Concurrency:    4,
		ConnectTimeout: "30s",
		ReadTimeout:    "60s",
		Launcher: LauncherConfig{
			APIURL:   "https://launcher-public-service-prod06.ol.epicgames.com",
			Platform: "Windows",
		},
	}
}

// Load reads path, or the file named by EnvVar when path is empty. With
// neither it returns Default().
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile merges the file at path over the defaults and expands
// environment variables in the path fields.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.InstallDir = os.ExpandEnv(cfg.InstallDir)
	cfg.ScratchDir = os.ExpandEnv(cfg.ScratchDir)
	return cfg, nil
}

// Scratch returns ScratchDir, or its default under InstallDir.
func (c *Config) Scratch() string {
	if c.ScratchDir != "" {
		return c.ScratchDir
	}
	return filepath.Join(c.InstallDir, ".egs-scratch")
}

// Timeouts parses the two request timeouts.
func (c *Config) Timeouts() (connect, read time.Duration, err error) {
	if connect, err = time.ParseDuration(c.ConnectTimeout); err != nil {
		return 0, 0, fmt.Errorf("connect_timeout: %w", err)
	}
	if read, err = time.ParseDuration(c.ReadTimeout); err != nil {
		return 0, 0, fmt.Errorf("read_timeout: %w", err)
	}
	return connect, read, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.InstallDir == "" {
		errs = append(errs, errors.New("install_dir is required"))
	}
	if c.Concurrency < 1 || c.Concurrency > 64 {
		errs = append(errs, fmt.Errorf("concurrency must be between 1 and 64, got %d", c.Concurrency))
	}
	if connect, read, err := c.Timeouts(); err != nil {
		errs = append(errs, err)
	} else if connect <= 0 || read <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	for _, u := range c.BaseURLs {
		if p, err := url.Parse(u); err != nil || (p.Scheme != "http" && p.Scheme != "https") || p.Host == "" {
			errs = append(errs, fmt.Errorf("base_urls: invalid url %q", u))
		}
	}
	if c.Launcher.APIURL != "" {
		if p, err := url.Parse(c.Launcher.APIURL); err != nil || p.Host == "" {
			errs = append(errs, fmt.Errorf("launcher.api_url: invalid url %q", c.Launcher.APIURL))
		}
	}
	if c.Launcher.Platform != "" && c.Launcher.Platform != "Windows" {
		errs = append(errs, fmt.Errorf("launcher.platform %q is not supported", c.Launcher.Platform))
	}

	return errors.Join(errs...)
}
