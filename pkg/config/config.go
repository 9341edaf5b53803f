// Package config provides configuration loading and management for medscorrect.
// It handles loading configuration from YAML files, overriding it from the
// environment, and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the configuration file
const (
	EnvModel     = "MEDSCORRECT_MODEL"
	EnvBands     = "MEDSCORRECT_BANDS"
	EnvMinWeight = "MEDSCORRECT_MIN_WEIGHT"
	EnvReplace   = "MEDSCORRECT_REPLACE_BAD"
	EnvReset     = "MEDSCORRECT_RESET_BMASK"
	EnvVerbose   = "MEDSCORRECT_VERBOSE"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Correction parameters
	Correction struct {
		// ReplaceBad replaces masked or zero weight pixels with the central model
		ReplaceBad bool `yaml:"replaceBad"`

		// ResetBmaskAndWeight zeroes the bitmask and sets low weights to the
		// maximum weight after replacement
		ResetBmaskAndWeight bool `yaml:"resetBmaskAndWeight"`

		// MinWeight is the weight at or below which a pixel is bad. It can stay
		// at zero unless compression loses exact zeros.
		MinWeight float64 `yaml:"minWeight"`
	} `yaml:"correction"`

	// Model parameters
	Model struct {
		// Name is the model family used in the fit
		Name string `yaml:"name"`

		// BandNames are the bands of the fit, in fit order
		BandNames []string `yaml:"bandNames"`

		// NbrsMaskingType selects how unmodeled neighbors are masked
		NbrsMaskingType string `yaml:"nbrsMaskingType"`
	} `yaml:"model"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Correction.ReplaceBad = true
	cfg.Correction.ResetBmaskAndWeight = false
	cfg.Correction.MinWeight = 0.0

	cfg.Model.Name = "cm"
	cfg.Model.BandNames = []string{"g", "r", "i", "z"}
	cfg.Model.NbrsMaskingType = "nbrs-seg"

	cfg.Output.Verbose = false

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
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

// Load loads the configuration file, then applies overrides from a .env
// file in the working directory (if any) and the process environment, and
// validates the result
func Load(configPath string) (*Config, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	// a missing .env file is not an error
	_ = godotenv.Load()

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides configuration values from environment variables
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvModel); ok {
		c.Model.Name = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvBands); ok {
		var bands []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				bands = append(bands, b)
			}
		}
		c.Model.BandNames = bands
	}
	if v, ok := lookup(EnvMinWeight); ok {
		w, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvMinWeight, err)
		}
		c.Correction.MinWeight = w
	}

	bools := []struct {
		name string
		dst  *bool
	}{
		{EnvReplace, &c.Correction.ReplaceBad},
		{EnvReset, &c.Correction.ResetBmaskAndWeight},
		{EnvVerbose, &c.Output.Verbose},
	}
	for _, b := range bools {
		v, ok := lookup(b.name)
		if !ok {
			continue
		}
		parsed, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s: %w", b.name, err)
		}
		*b.dst = parsed
	}
	return nil
}

// Validate checks the configuration for values the corrector cannot use
func (c *Config) Validate() error {
	if c.Model.Name == "" {
		return fmt.Errorf("model name is empty")
	}
	if len(c.Model.BandNames) == 0 {
		return fmt.Errorf("no band names configured")
	}
	seen := make(map[string]bool, len(c.Model.BandNames))
	for _, b := range c.Model.BandNames {
		if b == "" {
			return fmt.Errorf("empty band name")
		}
		if seen[b] {
			return fmt.Errorf("duplicate band name %q", b)
		}
		seen[b] = true
	}
	if c.Correction.MinWeight < 0 {
		return fmt.Errorf("min weight %g is negative", c.Correction.MinWeight)
	}
	switch c.Model.NbrsMaskingType {
	case "nbrs-seg", "none":
	default:
		return fmt.Errorf("unknown neighbor masking type %q", c.Model.NbrsMaskingType)
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
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

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
