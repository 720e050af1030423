// Package config loads the demo binary's YAML configuration file into a
// File, from which cmd/wikicached builds a wikicache.Config, following the
// same load/expand/default/validate pipeline shape as the rest of this
// ecosystem's config loaders.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the on-disk shape of the config file, matching spec §6's
// enumerated configuration surface.
type File struct {
	URLBase   string        `yaml:"url_base"`
	DBURL     string        `yaml:"db_url"`
	ForceSync bool          `yaml:"force_sync"`
	Limit     time.Duration `yaml:"limit"`
	Verbose   bool          `yaml:"verbose"`

	Server ServerConfig `yaml:"server"`
}

// ServerConfig is the demo HTTP server's own listening configuration —
// not part of the cache's core, but needed to run cmd/wikicached.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Load reads, environment-expands, defaults, and validates a config file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg File
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *File) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 120 * time.Second
	}
	if cfg.Limit == 0 {
		cfg.Limit = 2 * time.Second
	}
}

func validate(cfg *File) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.URLBase == "" {
		return fmt.Errorf("url_base is required")
	}
	if cfg.Limit < 0 {
		return fmt.Errorf("limit must not be negative, got %s", cfg.Limit)
	}
	return nil
}
