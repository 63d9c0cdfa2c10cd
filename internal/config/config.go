// Package config loads the relay daemon configuration from a YAML file
// with environment overrides for the settings that differ per deploy.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr     string `yaml:"addr"`
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`

	// SigningKeys verify identity assertions; the first key mints dev
	// tokens. At least one is required.
	SigningKeys []string `yaml:"signing_keys"`

	Rate  RateConfig `yaml:"rate"`
	Blobs BlobConfig `yaml:"blobs"`
}

type RateConfig struct {
	EventsPerSecond float64 `yaml:"events_per_second"`
	Burst           int     `yaml:"burst"`
}

type BlobConfig struct {
	Dir      string `yaml:"dir"`
	MaxBytes int64  `yaml:"max_bytes"`
}

func Default() Config {
	return Config{
		Addr:     ":8443",
		DataDir:  "data",
		LogLevel: "info",
		Rate:     RateConfig{EventsPerSecond: 25, Burst: 25},
		Blobs:    BlobConfig{Dir: "data/blobs", MaxBytes: 50 << 20},
	}
}

// Load reads path (optional) over the defaults, then applies VEILCHAT_*
// environment overrides, then validates.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("VEILCHAT_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("VEILCHAT_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("VEILCHAT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("VEILCHAT_SIGNING_KEYS"); v != "" {
		cfg.SigningKeys = splitNonEmpty(v)
	}
	if v := os.Getenv("VEILCHAT_BLOB_MAX_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Blobs.MaxBytes = n
		}
	}
}

func (c Config) validate() error {
	if len(c.SigningKeys) == 0 {
		return errors.New("config: at least one signing key is required")
	}
	for _, k := range c.SigningKeys {
		if strings.TrimSpace(k) == "" {
			return errors.New("config: empty signing key")
		}
	}
	if c.Rate.EventsPerSecond <= 0 || c.Rate.Burst <= 0 {
		return errors.New("config: rate limits must be positive")
	}
	if c.Blobs.MaxBytes <= 0 {
		return errors.New("config: blob max_bytes must be positive")
	}
	return nil
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
