// Package config provides configuration loading and management for volreg.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"volreg/internal/errdefs"
	"volreg/pkg/affine"
	"volreg/pkg/canonical"
	"volreg/pkg/estimator"
)

// Transform spaces a persisted transform can be expressed in.
const (
	SpaceWorld = "world"
	SpaceVoxel = "voxel"
)

// Config represents the application configuration loaded from YAML. It
// is built once at startup and passed down explicitly.
type Config struct {
	// Runtime parameters
	Runtime struct {
		// Threads is the number of goroutines used for resampling and by
		// the estimator. Zero means one per CPU.
		Threads int `yaml:"threads"`

		// GPU requests a hardware accelerator from estimators that have one.
		GPU bool `yaml:"gpu"`
	} `yaml:"runtime"`

	// Network space parameters
	Network struct {
		// Shape is the network grid shape.
		Shape [3]int `yaml:"shape,flow"`
	} `yaml:"network"`

	// Estimator parameters, also the layout of a weights file
	Estimator estimator.Params `yaml:"estimator"`

	// Output parameters
	Output struct {
		// TransformSpace is the space persisted transforms are written in:
		// "world" (RAS millimetres) or "voxel" (native indices).
		TransformSpace string `yaml:"transformSpace"`

		// Precision is the number of decimals of a written matrix.
		Precision int `yaml:"precision"`
	} `yaml:"output"`

	// Log parameters
	Log struct {
		// Level is a logrus level name.
		Level string `yaml:"level"`

		// File, when set, receives log output with rotation.
		File string `yaml:"file"`

		// MaxSize is the rotation size in megabytes.
		MaxSize int `yaml:"maxSize"`

		// MaxAge is the number of days rotated files are kept.
		MaxAge int `yaml:"maxAge"`
	} `yaml:"log"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Runtime.Threads = runtime.NumCPU()
	cfg.Runtime.GPU = false

	cfg.Network.Shape = canonical.DefaultShape

	cfg.Estimator = estimator.DefaultParams()

	cfg.Output.TransformSpace = SpaceWorld
	cfg.Output.Precision = affine.DefaultPrecision

	cfg.Log.Level = "info"
	cfg.Log.MaxSize = 100
	cfg.Log.MaxAge = 30

	return cfg
}

// Validate checks values that cannot be corrected later.
func (c *Config) Validate() error {
	if c.Runtime.Threads < 0 {
		return fmt.Errorf("threads must not be negative, got %d: %w", c.Runtime.Threads, errdefs.ErrConfig)
	}
	if err := (canonical.Space{Shape: c.Network.Shape}).Validate(); err != nil {
		return err
	}
	switch c.Output.TransformSpace {
	case SpaceWorld, SpaceVoxel:
	default:
		return fmt.Errorf("transform space %q must be %q or %q: %w", c.Output.TransformSpace, SpaceWorld, SpaceVoxel, errdefs.ErrConfig)
	}
	if c.Output.Precision < 0 || c.Output.Precision > 17 {
		return fmt.Errorf("precision %d out of range [0, 17]: %w", c.Output.Precision, errdefs.ErrConfig)
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %v: %w", err, errdefs.ErrIO)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file %s: %v: %w", configPath, err, errdefs.ErrConfig)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
