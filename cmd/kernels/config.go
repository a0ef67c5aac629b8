package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config holds flag defaults read from --config. Pointer fields distinguish
// "not set" from zero values.
type Config struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsAddr string `yaml:"metrics_addr"`
	Workers     *int   `yaml:"workers"`
	Mode        string `yaml:"mode"`
	Format      string `yaml:"format"`
	ArrowOut    string `yaml:"arrow_out"`

	Warmup *int   `yaml:"warmup"`
	Iters  *int   `yaml:"iters"`
	Seed   *int64 `yaml:"seed"`
	Check  *bool  `yaml:"check"`

	ServerAddress string `yaml:"server_address"`
	MaxConcurrent *int64 `yaml:"max_concurrent"`
}

var fileConfig Config

// LoadConfig reads path. An empty path yields a zero Config.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// applyGlobalConfig applies config file defaults to the global flags that
// were not explicitly set.
func applyGlobalConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
	if cfg.MetricsAddr != "" && !c.IsSet("metrics-addr") {
		metricsAddr = cfg.MetricsAddr
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		workers = *cfg.Workers
	}
	if cfg.Mode != "" && !c.IsSet("mode") {
		modeName = cfg.Mode
	}
	if cfg.Format != "" && !c.IsSet("format") {
		format = cfg.Format
	}
	if cfg.ArrowOut != "" && !c.IsSet("arrow-out") {
		arrowOut = cfg.ArrowOut
	}
}

// applyRunConfig applies config file defaults to the benchmark flags.
func applyRunConfig(c *cli.Command, cfg Config) {
	if cfg.Warmup != nil && !c.IsSet("warmup") {
		warmup = *cfg.Warmup
	}
	if cfg.Iters != nil && !c.IsSet("iters") {
		iters = *cfg.Iters
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		seed = *cfg.Seed
	}
	if cfg.Check != nil && !c.IsSet("check") {
		check = *cfg.Check
	}
}

// applyServeConfig applies config file defaults to the serve flags.
func applyServeConfig(c *cli.Command, cfg Config, addr *string, maxConcurrent *int64) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.MaxConcurrent != nil && !c.IsSet("max-concurrent") {
		*maxConcurrent = *cfg.MaxConcurrent
	}
}
