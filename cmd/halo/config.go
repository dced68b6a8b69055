package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

const envConfigPath = "HALO_CONFIG"

// Config represents the halo configuration file (~/.config/halo/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	Addr          string         `yaml:"addr"`
	TokenizerPath string         `yaml:"tokenizer_path"`
	Backend       string         `yaml:"backend"`
	MaxTokens     *int           `yaml:"max_tokens"`
	MaxContext    *int64         `yaml:"max_context"`
	GPULayers     *int64         `yaml:"gpu_layers"`
	Mmap          *bool          `yaml:"mmap"`
	MaxConcurrent *int64         `yaml:"max_concurrent"`
	ReadTimeout   *time.Duration `yaml:"read_timeout"`
	QueueTimeout  *time.Duration `yaml:"queue_timeout"`
	LogLevel      string         `yaml:"log_level"`
	LogFormat     string         `yaml:"log_format"`
}

// loadedConfig is populated by setup before any command action runs.
var loadedConfig Config

// configPath returns override when set, else the per-user default.
func configPath(override string) string {
	if p := strings.TrimSpace(override); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "halo", "config.yaml")
}

// LoadConfig reads the config file at path. A missing file yields a zero
// Config; a malformed one is an error.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// applyLoggingConfig runs before the logger is built.
func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyModelConfig applies config file defaults to the shared model flags
// when the corresponding flag was not given.
func applyModelConfig(c *cli.Command, cfg Config) {
	if cfg.TokenizerPath != "" && !c.IsSet("tokenizer") {
		tokenizerPath = cfg.TokenizerPath
	}
	if cfg.Backend != "" && !c.IsSet("backend") {
		backend = cfg.Backend
	}
	if cfg.MaxContext != nil && !c.IsSet("max-context") {
		maxContext = *cfg.MaxContext
	}
	if cfg.GPULayers != nil && !c.IsSet("gpu-layers") {
		gpuLayers = *cfg.GPULayers
	}
	if cfg.Mmap != nil && !c.IsSet("mmap") {
		useMmap = *cfg.Mmap
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, opts *serveOptions) {
	applyModelConfig(c, cfg)
	if cfg.Addr != "" && !c.IsSet("addr") {
		opts.addr = cfg.Addr
	}
	if cfg.MaxTokens != nil && !c.IsSet("max-tokens") {
		opts.maxTokens = int64(*cfg.MaxTokens)
	}
	if cfg.MaxConcurrent != nil && !c.IsSet("max-concurrent") {
		opts.maxConcurrent = *cfg.MaxConcurrent
	}
	if cfg.ReadTimeout != nil && !c.IsSet("read-timeout") {
		opts.readTimeout = *cfg.ReadTimeout
	}
	if cfg.QueueTimeout != nil && !c.IsSet("queue-timeout") {
		opts.queueTimeout = *cfg.QueueTimeout
	}
}
