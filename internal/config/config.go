// Package config loads the TOML configuration file that seeds the one
// explicit node context built at startup; nothing reads process-wide
// state after init.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// CacheVariant selects which cache flavor a node wires up, an
// explicit config field resolved once at node construction.
type CacheVariant string

const (
	VariantBasic   CacheVariant = "basic"
	VariantCovered CacheVariant = "covered"
)

// EdgeAddr is one edge node's client-facing and peer-facing endpoints.
type EdgeAddr struct {
	EdgeID     int    `toml:"edge_id"`
	ClientAddr string `toml:"client_addr"`
	PeerAddr   string `toml:"peer_addr"`
	BeaconAddr string `toml:"beacon_addr"`
}

// PropagationLatencies holds the fixed per-link simulated delays used
// by the propagation queues.
type PropagationLatencies struct {
	ClientEdgeUs int64 `toml:"client_edge_us"`
	EdgePeerUs   int64 `toml:"edge_peer_us"`
	EdgeCloudUs  int64 `toml:"edge_cloud_us"`
}

// CoveredParams configures the COVERED manager.
type CoveredParams struct {
	VictimSetSize         int     `toml:"victim_set_size"`
	PopularityChangeRatio float64 `toml:"popularity_collection_change_ratio"`
	PlacementMarginBytes  int64   `toml:"placement_margin_bytes"`
	RateCounterWindow     int     `toml:"rate_counter_window_seconds"`
}

// Config is the complete, immutable configuration for one run. It is
// parsed once and never mutated; every subsystem receives the fields it
// needs through its constructor.
type Config struct {
	CacheVariant CacheVariant `toml:"cache_variant"`

	EdgeCount     int        `toml:"edge_count"`
	Edges         []EdgeAddr `toml:"edge"`
	CapacityBytes int64      `toml:"capacity_bytes"`

	Workers          int `toml:"workers"`
	DirectoryStripes int `toml:"directory_stripes"`

	PergroupMaxKeys int `toml:"pergroup_max_keys"`

	Propagation PropagationLatencies `toml:"propagation"`
	Covered     CoveredParams        `toml:"covered"`

	SnapshotPath string `toml:"snapshot_path"`
	OriginPath   string `toml:"origin_path"`
	// CloudAddr, when set, points every edge at a shared cloud node
	// serving the GlobalGet/Put/Del family instead of an in-process
	// origin store. OriginPath then only matters to the cloud role.
	CloudAddr string `toml:"cloud_addr"`

	MetricsAddr string `toml:"metrics_addr"`
	LogLevel    string `toml:"log_level"`
	LogJSON     bool   `toml:"log_json"`

	AckTimeout   time.Duration `toml:"-"`
	AckTimeoutMs int64         `toml:"ack_timeout_ms"`
}

// Load parses path as TOML and fills in defaults for anything the
// file omits.
func Load(path string) (*Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, fmt.Errorf("config: decoding %q: %w", path, err)
	}
	applyDefaults(&c)
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func applyDefaults(c *Config) {
	if c.CacheVariant == "" {
		c.CacheVariant = VariantBasic
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.DirectoryStripes <= 0 {
		c.DirectoryStripes = 32
	}
	if c.PergroupMaxKeys <= 0 {
		c.PergroupMaxKeys = 64
	}
	if c.Propagation.ClientEdgeUs <= 0 {
		c.Propagation.ClientEdgeUs = 500
	}
	if c.Propagation.EdgePeerUs <= 0 {
		c.Propagation.EdgePeerUs = 1000
	}
	if c.Propagation.EdgeCloudUs <= 0 {
		c.Propagation.EdgeCloudUs = 5000
	}
	if c.Covered.VictimSetSize <= 0 {
		c.Covered.VictimSetSize = 8
	}
	if c.Covered.PopularityChangeRatio <= 0 {
		c.Covered.PopularityChangeRatio = 0.2
	}
	if c.Covered.RateCounterWindow <= 0 {
		c.Covered.RateCounterWindow = 30
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.AckTimeoutMs <= 0 {
		c.AckTimeoutMs = 200
	}
	c.AckTimeout = time.Duration(c.AckTimeoutMs) * time.Millisecond
}

func (c *Config) validate() error {
	if c.EdgeCount <= 0 {
		return fmt.Errorf("config: edge_count must be > 0")
	}
	if len(c.Edges) != 0 && len(c.Edges) != c.EdgeCount {
		return fmt.Errorf("config: %d edge entries but edge_count=%d", len(c.Edges), c.EdgeCount)
	}
	if c.CapacityBytes <= 0 {
		return fmt.Errorf("config: capacity_bytes must be > 0")
	}
	if c.CacheVariant != VariantBasic && c.CacheVariant != VariantCovered {
		return fmt.Errorf("config: unknown cache_variant %q", c.CacheVariant)
	}
	return nil
}
