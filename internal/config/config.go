// Package config is the Configuration component (C6): a typed, immutable
// value constructed once at startup and injected into every component that
// needs it, rather than process-wide globals (Design Notes §9).
package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Config holds the core-observable options from spec.md §6.
type Config struct {
	// Hostname identifies this conductor in the fleet's membership table
	// and as the holder string on reservations.
	Hostname string `hcl:"hostname,optional"`

	// MaxTimeInterval declares when a conductor is considered dead; a
	// peer is alive iff now - updated_at < MaxTimeInterval.
	MaxTimeIntervalSeconds int `hcl:"max_time_interval,optional"`

	// HeartbeatIntervalSeconds is how often this conductor touches its own
	// heartbeat row; must be smaller than MaxTimeInterval.
	HeartbeatIntervalSeconds int `hcl:"heartbeat_interval,optional"`

	// APIURL is used only if the service catalog cannot be consulted
	// (spec.md §6); the core never dereferences it itself.
	APIURL string `hcl:"api_url,optional"`

	// Drivers is decoded from the config file but not consulted when the
	// registry is built: cmd/conductord always registers the in-tree mock
	// driver and no other.
	Drivers []string `hcl:"drivers,optional"`
}

// MaxTimeInterval returns the configured liveness window as a Duration.
func (c *Config) MaxTimeInterval() time.Duration {
	return time.Duration(c.MaxTimeIntervalSeconds) * time.Second
}

// HeartbeatInterval returns the configured heartbeat period as a Duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// Default returns a Config with spec.md §6's documented defaults applied.
func Default() *Config {
	return &Config{
		Hostname:                 "",
		MaxTimeIntervalSeconds:   120,
		HeartbeatIntervalSeconds: 30,
		Drivers:                  nil,
	}
}

// Load reads an HCL config file and overlays it onto the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if err := hclsimple.DecodeFile(path, nil, cfg); err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	return cfg, validate(cfg)
}

func validate(c *Config) error {
	if c.HeartbeatInterval() >= c.MaxTimeInterval() {
		return fmt.Errorf("heartbeat_interval (%s) must be smaller than max_time_interval (%s)",
			c.HeartbeatInterval(), c.MaxTimeInterval())
	}
	if c.Hostname == "" {
		return fmt.Errorf("hostname is required")
	}
	return nil
}
