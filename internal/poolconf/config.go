// Package poolconf handles loading pool configuration: a root struct
// assembled from YAML, with an applyDefaults() pass for anything left
// unset.
package poolconf

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PoolConfig holds the immutable settings of a Pool Core instance.
// MaxConnectionPoolSize <= 0 means unbounded.
type PoolConfig struct {
	MaxConnectionPoolSize int           `yaml:"max_connection_pool_size"`
	ConnectionTimeout     time.Duration `yaml:"connection_timeout"`
	LivenessCheckTimeout  time.Duration `yaml:"liveness_check_timeout"`
}

// Unbounded reports whether the configured max pool size imposes no cap.
func (c PoolConfig) Unbounded() bool {
	return c.MaxConnectionPoolSize <= 0
}

// RoutingConfig holds settings specific to the Routing Pool: the TTL
// grace period used by RoutingTable.ShouldBePurgedFromMemory, and an
// acquisition timeout. The routing pool does not read
// AcquisitionTimeout; routing-table fetches use the timeout passed to
// Acquire or EnsureRoutingTableIsFresh.
type RoutingConfig struct {
	PurgeGracePeriod   time.Duration `yaml:"purge_grace_period"`
	AcquisitionTimeout time.Duration `yaml:"acquisition_timeout"`
}

// Config is the root configuration structure loaded from YAML.
type Config struct {
	Pool    PoolConfig    `yaml:"pool"`
	Routing RoutingConfig `yaml:"routing"`
}

// Load reads and parses a pool configuration file and fills in
// defaults for anything left unset. Field values are not validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pool config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing pool config %s: %w", path, err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// applyDefaults fills in reasonable defaults for unset optional fields,
// applyDefaults in place.
func (c *Config) applyDefaults() {
	if c.Pool.ConnectionTimeout == 0 {
		c.Pool.ConnectionTimeout = 30 * time.Second
	}
	if c.Routing.PurgeGracePeriod == 0 {
		c.Routing.PurgeGracePeriod = 30 * time.Second
	}
	if c.Routing.AcquisitionTimeout == 0 {
		c.Routing.AcquisitionTimeout = c.Pool.ConnectionTimeout
	}
}
