// Package config loads the run configuration of the haloremap command
package config

import (
	"fmt"
	"github.com/notargets/haloremap/arena"
	"github.com/notargets/haloremap/geometry"
	"github.com/notargets/haloremap/partitions"
	"github.com/spf13/viper"
	"strings"
)

// Config holds every setting of a run
type Config struct {
	// Number of ranks; in-process runs start this many goroutines
	Ranks int `mapstructure:"ranks"`

	// Cell extents of the domain, 2 or 3 entries
	Domain []int `mapstructure:"domain"`

	// Largest patch the domain is tiled into
	MaxPatchSize []int `mapstructure:"max_patch_size"`

	// Allocated ghost width per axis
	Ghost []int `mapstructure:"ghost"`

	NComp int `mapstructure:"ncomp"`

	// Boundary fill to run: rotate90, rotate180 or polar
	Fill string `mapstructure:"fill"`

	// Data mover: host, flat or occa
	Strategy string `mapstructure:"strategy"`

	Workers int `mapstructure:"workers"`

	// Arena memory kind for transfer buffers: host, pinned or device
	MemoryKind string `mapstructure:"memory_kind"`

	// Arena capacity in bytes, 0 for unlimited
	ArenaCapacity int64 `mapstructure:"arena_capacity"`

	// Patch placement: block or roundrobin
	Distribution string `mapstructure:"distribution"`

	// OCCA device properties or mode name used by the occa strategy
	OCCADevice string `mapstructure:"occa_device"`

	Network NetworkConfig `mapstructure:"network"`

	// Address serving /metrics, empty to disable
	MetricsAddr string `mapstructure:"metrics_addr"`

	LogLevel string `mapstructure:"log_level"`

	// Number of fills to run
	Iterations int `mapstructure:"iterations"`
}

// NetworkConfig selects TCP transport. With no peers the run is in-process.
type NetworkConfig struct {
	// This process's rank
	Rank int `mapstructure:"rank"`

	// Listen addresses of every rank, indexed by rank
	Peers []string `mapstructure:"peers"`
}

// Options carries command line overrides
type Options struct {
	Ranks    int
	Fill     string
	Strategy string
	LogLevel string
}

// Load loads configuration from file, environment and command line options
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("haloremap")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.haloremap")

		// Ignore error if config file not found
		_ = v.ReadInConfig()
	}

	v.SetEnvPrefix("HALOREMAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.Ranks != 0 {
		v.Set("ranks", opts.Ranks)
	}
	if opts.Fill != "" {
		v.Set("fill", opts.Fill)
	}
	if opts.Strategy != "" {
		v.Set("strategy", opts.Strategy)
	}
	if opts.LogLevel != "" {
		v.Set("log_level", opts.LogLevel)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ranks", 1)
	v.SetDefault("domain", []int{64, 64})
	v.SetDefault("max_patch_size", []int{16, 16})
	v.SetDefault("ghost", []int{2, 2})
	v.SetDefault("ncomp", 1)
	v.SetDefault("fill", "rotate90")
	v.SetDefault("strategy", "host")
	v.SetDefault("workers", 0)
	v.SetDefault("memory_kind", "pinned")
	v.SetDefault("arena_capacity", int64(0))
	v.SetDefault("distribution", "block")
	v.SetDefault("occa_device", "")
	v.SetDefault("network.rank", 0)
	v.SetDefault("network.peers", []string{})
	v.SetDefault("metrics_addr", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("iterations", 1)
}

// vect pads a 2 or 3 entry list to an IntVect, filling z with pad
func vect(name string, xs []int, pad int) (geometry.IntVect, error) {
	switch len(xs) {
	case 2:
		return geometry.IV(xs[0], xs[1], pad), nil
	case 3:
		return geometry.IV(xs[0], xs[1], xs[2]), nil
	}
	return geometry.IntVect{}, fmt.Errorf("%s must have 2 or 3 entries, got %d", name, len(xs))
}

// DomainBox is the cell-centered domain starting at the origin
func (c *Config) DomainBox() geometry.Box {
	ext, _ := vect("domain", c.Domain, 1)
	return geometry.NewBox(geometry.IntVect{}, ext.Sub(geometry.Uniform(1)))
}

func (c *Config) GhostWidth() geometry.IntVect {
	ng, _ := vect("ghost", c.Ghost, 0)
	return ng
}

func (c *Config) PatchSize() geometry.IntVect {
	ms, _ := vect("max_patch_size", c.MaxPatchSize, 1)
	return ms
}

// ArenaKind is the parsed memory kind
func (c *Config) ArenaKind() arena.MemoryKind {
	k, _ := arena.ParseMemoryKind(c.MemoryKind)
	return k
}

// PartitionStrategy is the parsed distribution
func (c *Config) PartitionStrategy() partitions.PartitionStrategy {
	s, _ := partitions.ParseStrategy(c.Distribution)
	return s
}

// Networked reports whether ranks talk over TCP
func (c *Config) Networked() bool {
	return len(c.Network.Peers) > 0
}

func (c *Config) validate() error {
	if c.Ranks < 1 {
		return fmt.Errorf("ranks must be at least 1, got %d", c.Ranks)
	}
	ext, err := vect("domain", c.Domain, 1)
	if err != nil {
		return err
	}
	if !ext.AllGE(geometry.Uniform(1)) {
		return fmt.Errorf("domain extents must be positive, got %v", ext)
	}
	ms, err := vect("max_patch_size", c.MaxPatchSize, 1)
	if err != nil {
		return err
	}
	if !ms.AllGE(geometry.Uniform(1)) {
		return fmt.Errorf("max_patch_size must be positive, got %v", ms)
	}
	ng, err := vect("ghost", c.Ghost, 0)
	if err != nil {
		return err
	}
	if !ng.AllGE(geometry.IntVect{}) {
		return fmt.Errorf("ghost widths cannot be negative, got %v", ng)
	}
	if c.NComp < 1 {
		return fmt.Errorf("ncomp must be at least 1, got %d", c.NComp)
	}

	c.Fill = strings.ToLower(c.Fill)
	switch c.Fill {
	case "rotate90", "rotate180", "polar":
	default:
		return fmt.Errorf("unknown fill %q (want rotate90, rotate180 or polar)", c.Fill)
	}
	c.Strategy = strings.ToLower(c.Strategy)
	switch c.Strategy {
	case "host", "flat", "occa":
	default:
		return fmt.Errorf("unknown strategy %q (want host, flat or occa)", c.Strategy)
	}
	if _, err := arena.ParseMemoryKind(c.MemoryKind); err != nil {
		return fmt.Errorf("invalid memory_kind: %w", err)
	}
	if c.ArenaCapacity < 0 {
		return fmt.Errorf("arena_capacity cannot be negative")
	}
	if _, err := partitions.ParseStrategy(c.Distribution); err != nil {
		return fmt.Errorf("invalid distribution: %w", err)
	}
	if c.Iterations < 1 {
		return fmt.Errorf("iterations must be at least 1, got %d", c.Iterations)
	}

	if c.Networked() {
		if c.Ranks != len(c.Network.Peers) {
			return fmt.Errorf("ranks (%d) must match the number of network peers (%d)", c.Ranks, len(c.Network.Peers))
		}
		if c.Network.Rank < 0 || c.Network.Rank >= len(c.Network.Peers) {
			return fmt.Errorf("network rank %d outside [0, %d)", c.Network.Rank, len(c.Network.Peers))
		}
	}
	return nil
}
