package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Durability policies for the offline queue.
const (
	DurabilityDisk   = "disk"
	DurabilityMemory = "memory"
)

// Config represents the global ~/.crewline/config.toml.
type Config struct {
	DefaultProfile string  `toml:"default_profile"`
	Gateway        Gateway `toml:"gateway"`
	Queue          Queue   `toml:"queue"`
	Timers         Timers  `toml:"timers"`
}

// Gateway configures the remote crew store endpoint.
type Gateway struct {
	URL             string `toml:"url"`
	ProbeIntervalMS int    `toml:"probe_interval_ms"`
}

// Queue configures offline queue behavior. Durability decides whether queued
// intents survive a daemon restart ("disk") or live only in memory ("memory").
type Queue struct {
	Durability string `toml:"durability"`
}

// Timers holds the ephemeral-state windows, in milliseconds.
type Timers struct {
	TypingTTLMS   int `toml:"typing_ttl_ms"`
	UploadGraceMS int `toml:"upload_grace_ms"`
	UploadTickMS  int `toml:"upload_tick_ms"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Gateway: Gateway{
			URL:             "https://store.crewline.app",
			ProbeIntervalMS: 5000,
		},
		Queue: Queue{Durability: DurabilityDisk},
		Timers: Timers{
			TypingTTLMS:   3000,
			UploadGraceMS: 2000,
			UploadTickMS:  350,
		},
	}
}

// Load reads config from the given path, filling unset fields with defaults.
// A missing file is not an error; defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) validate() error {
	switch c.Queue.Durability {
	case DurabilityDisk, DurabilityMemory:
	default:
		return fmt.Errorf("invalid queue.durability %q: must be %q or %q",
			c.Queue.Durability, DurabilityDisk, DurabilityMemory)
	}
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url must not be empty")
	}
	return nil
}

// TypingTTL returns the typing quiescence window.
func (c *Config) TypingTTL() time.Duration {
	return time.Duration(c.Timers.TypingTTLMS) * time.Millisecond
}

// UploadGrace returns how long completed upload progress stays observable.
func (c *Config) UploadGrace() time.Duration {
	return time.Duration(c.Timers.UploadGraceMS) * time.Millisecond
}

// UploadTick returns the simulated-progress tick interval.
func (c *Config) UploadTick() time.Duration {
	return time.Duration(c.Timers.UploadTickMS) * time.Millisecond
}

// ProbeInterval returns the connectivity probe interval.
func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.Gateway.ProbeIntervalMS) * time.Millisecond
}
