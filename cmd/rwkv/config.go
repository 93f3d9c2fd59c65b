package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the rwkv configuration file (~/.config/rwkv/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	Model        string `yaml:"model"`
	Strategy     string `yaml:"strategy"`
	RescaleLayer *int   `yaml:"rescale_layer"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "rwkv", "config.yaml")
}

// LoadConfig reads path. A missing file yields a zero Config.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	if c.RescaleLayer != nil && *c.RescaleLayer < 0 {
		return Config{}, fmt.Errorf("config %s: rescale_layer must not be negative", path)
	}
	return c, nil
}

func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyModelConfig fills model flags the command line left unset.
func applyModelConfig(c *cli.Command, cfg Config) {
	if cfg.Model != "" && !c.IsSet("model") {
		modelPath = cfg.Model
	}
	if cfg.Strategy != "" && !c.IsSet("strategy") {
		strategySpec = cfg.Strategy
	}
	if cfg.RescaleLayer != nil && !c.IsSet("rescale-layer") {
		rescaleLayer = *cfg.RescaleLayer
	}
}

func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	applyModelConfig(c, cfg)
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

// rescaleOverride is nil unless the flag or config file chose a value, in
// which case loading skips the strategy-based default.
func rescaleOverride(c *cli.Command, cfg Config) *int {
	if c.IsSet("rescale-layer") || cfg.RescaleLayer != nil {
		n := rescaleLayer
		return &n
	}
	return nil
}
