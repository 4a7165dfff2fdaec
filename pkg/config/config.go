// Package config loads tool configuration from YAML, with defaults
// that work out of the box.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultModelURL is the published Depth Anything V2 small export.
const DefaultModelURL = "https://models.medvis3d.org/depth-anything-v2-small.onnx"

// Config is the application configuration.
type Config struct {
	Model struct {
		// URL of the ONNX depth model binary
		URL string `yaml:"url"`

		// CacheDir holds downloaded model binaries. Empty = the
		// user cache directory.
		CacheDir string `yaml:"cacheDir"`

		// EstimatedSizeMB is used for download progress when the server
		// omits Content-Length
		EstimatedSizeMB int `yaml:"estimatedSizeMB"`

		// LibraryPath overrides the ONNX Runtime shared library location
		LibraryPath string `yaml:"libraryPath"`
	} `yaml:"model"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.Model.URL = DefaultModelURL
	cfg.Model.EstimatedSizeMB = 50
	return cfg
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Model.URL == "" {
		cfg.Model.URL = DefaultModelURL
	}
	return cfg, nil
}
