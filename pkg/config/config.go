// Package config provides configuration loading and management for the
// fslwarp command line tools. It handles loading configuration from YAML
// files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the tool configuration loaded from YAML
type Config struct {
	// Resampling parameters
	Resample struct {
		// Interp is the default interpolation: nearest, linear or cubic
		Interp string `yaml:"interp"`

		// Smooth enables FLIRT-style pre-smoothing when down-sampling
		Smooth bool `yaml:"smooth"`

		// Mode controls out-of-bounds handling: nearest, constant or reflect
		Mode string `yaml:"mode"`

		// CVal is the fill value used when Mode is constant
		CVal float64 `yaml:"cval"`
	} `yaml:"resample"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Resample.Interp = "linear"
	cfg.Resample.Smooth = true
	cfg.Resample.Mode = "constant"
	cfg.Resample.CVal = 0

	cfg.Output.Verbose = true

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the
// specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}

// InterpOrder converts an interpolation name to a spline order
func InterpOrder(interp string) (int, error) {
	switch interp {
	case "nearest":
		return 0, nil
	case "linear":
		return 1, nil
	case "cubic":
		return 3, nil
	}
	return 0, fmt.Errorf("invalid interpolation: %q", interp)
}
