// Package config holds the run configuration for the mash CLI, with
// optional YAML file support. Flag values take precedence over the
// file, which takes precedence over the defaults.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the tag engine run configuration.
type Config struct {
	// Where object paths come from: "args" or "stdin".
	Source string `yaml:"source"`

	// Rule directories, scanned for #-files.
	Rules []string `yaml:"rules"`

	// Persist changed tags, #errors and mash.log: "on" or "off".
	WriteResults string `yaml:"write_results"`

	// Optional CSV export path.
	CSVOut string `yaml:"csv_out"`

	// Optional spill file path; a temp file is used when empty.
	SpillOut string `yaml:"spill_out"`

	Threads    int `yaml:"threads"`
	IOChannels int `yaml:"io_channels"`
	BatchSize  int `yaml:"batch_size"`

	// Worklist step cap per object.
	MaxSteps int `yaml:"max_steps"`

	// debug, info, warn or error.
	LogLevel string `yaml:"log_level"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		Source:       "args",
		WriteResults: "on",
		Threads:      16,
		IOChannels:   256,
		BatchSize:    32,
		MaxSteps:     10000,
		LogLevel:     "info",
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return c, c.Validate()
}

// Validate checks enum-valued fields.
func (c *Config) Validate() error {
	if c.Source != "args" && c.Source != "stdin" {
		return fmt.Errorf("source must be \"args\" or \"stdin\", got %q", c.Source)
	}
	if c.WriteResults != "on" && c.WriteResults != "off" {
		return fmt.Errorf("write_results must be \"on\" or \"off\", got %q", c.WriteResults)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return nil
}
