// Package config loads the flowbusd configuration file.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	Engine EngineConfig `yaml:"engine"`
	Log    LogConfig    `yaml:"log"`
}

type ServerConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

type EngineConfig struct {
	DefaultRowsPerSecond int   `yaml:"default_rows_per_second"`
	TriggerIntervalMS    int64 `yaml:"trigger_interval_ms"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Engine: EngineConfig{
			DefaultRowsPerSecond: 10,
			TriggerIntervalMS:    1000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a yaml config file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// TriggerInterval returns the engine's default trigger interval.
func (c *Config) TriggerInterval() time.Duration {
	if c.Engine.TriggerIntervalMS <= 0 {
		return time.Second
	}
	return time.Duration(c.Engine.TriggerIntervalMS) * time.Millisecond
}
