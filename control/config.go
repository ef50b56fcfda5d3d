// File: control/config.go
// Package control carries runtime configuration and metrics.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package control

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds the tunables of the I/O runtime.
type Config struct {
	// ListenAddr is the server connector's bind address.
	ListenAddr string `yaml:"listen_addr"`

	// ReadBufferSize is the per-read buffer size handed to the pool.
	ReadBufferSize int `yaml:"read_buffer_size"`

	// ReadAggressiveness is the number of back-to-back read syscalls
	// attempted per readiness notification. Must be positive.
	ReadAggressiveness int `yaml:"read_aggressiveness"`

	// WriteAggressiveness is the number of back-to-back write syscalls
	// attempted per outer write iteration. Must be positive.
	WriteAggressiveness int `yaml:"write_aggressiveness"`

	// Workers is the executor pool size; 0 means one per CPU.
	Workers int `yaml:"workers"`

	// DirectBuffers selects the off-GC buffer path for channel reads.
	DirectBuffers bool `yaml:"direct_buffers"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:          "127.0.0.1:0",
		ReadBufferSize:      64 * 1024,
		ReadAggressiveness:  2,
		WriteAggressiveness: 2,
		Workers:             0,
		DirectBuffers:       false,
	}
}

// LoadConfig reads a YAML file over the defaults, applies environment
// overrides and validates the result. An empty path yields defaults
// plus environment.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the constraints on the tunables.
func (c *Config) Validate() error {
	if c.ReadAggressiveness < 1 {
		return fmt.Errorf("read_aggressiveness must be positive, got %d", c.ReadAggressiveness)
	}
	if c.WriteAggressiveness < 1 {
		return fmt.Errorf("write_aggressiveness must be positive, got %d", c.WriteAggressiveness)
	}
	if c.ReadBufferSize < 1 {
		return fmt.Errorf("read_buffer_size must be positive, got %d", c.ReadBufferSize)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}
	return nil
}

// Clone returns a copy so callers can hand out snapshots.
func (c *Config) Clone() *Config {
	dup := *c
	return &dup
}

// applyEnv overrides fields from HIOLOAD_TCP_* variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("HIOLOAD_TCP_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	envInt("HIOLOAD_TCP_READ_BUFFER_SIZE", &c.ReadBufferSize)
	envInt("HIOLOAD_TCP_READ_AGGRESSIVENESS", &c.ReadAggressiveness)
	envInt("HIOLOAD_TCP_WRITE_AGGRESSIVENESS", &c.WriteAggressiveness)
	envInt("HIOLOAD_TCP_WORKERS", &c.Workers)
	if v := os.Getenv("HIOLOAD_TCP_DIRECT_BUFFERS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.DirectBuffers = b
		}
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
