// Package config provides configuration loading and management for
// ringfit. It handles loading configuration from YAML files and
// provides default values; per-galaxy settings live in the parameter
// file, this layer carries the application-level knobs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML.
type Config struct {
	// Processing parameters
	Processing struct {
		// Threads sizes the worker pools for the ring fitter, the
		// synthesiser and the convolver.
		Threads int `yaml:"threads"`

		// Seed drives the synthesiser's Monte-Carlo sampling; runs
		// with the same seed reproduce bit for bit.
		Seed int64 `yaml:"seed"`
	} `yaml:"processing"`

	// Search parameters for the source finder
	Search struct {
		// SNRCut is the primary detection threshold in units of the
		// robust noise.
		SNRCut float64 `yaml:"snrCut"`

		// GrowthCut is the secondary threshold objects are grown to.
		GrowthCut float64 `yaml:"growthCut"`

		// MinPix, MinChannels and MinVoxels reject small detections.
		MinPix      int `yaml:"minPix"`
		MinChannels int `yaml:"minChannels"`
		MinVoxels   int `yaml:"minVoxels"`
	} `yaml:"search"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output.
		Verbose bool `yaml:"verbose"`

		// WriteModel and WriteResidual select the cube products.
		WriteModel    bool `yaml:"writeModel"`
		WriteResidual bool `yaml:"writeResidual"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.Threads = runtime.NumCPU()
	cfg.Processing.Seed = 1

	cfg.Search.SNRCut = 4
	cfg.Search.GrowthCut = 2.5
	cfg.Search.MinPix = 4
	cfg.Search.MinChannels = 2
	cfg.Search.MinVoxels = 8

	cfg.Output.Verbose = true
	cfg.Output.WriteModel = true
	cfg.Output.WriteResidual = true

	return cfg
}

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it returns the default configuration.
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

// SaveConfig saves the configuration to a YAML file.
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
