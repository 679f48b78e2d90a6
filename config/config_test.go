package config

import (
	"github.com/notargets/haloremap/arena"
	"github.com/notargets/haloremap/geometry"
	"github.com/notargets/haloremap/partitions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "haloremap.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Ranks)
	assert.Equal(t, "rotate90", cfg.Fill)
	assert.Equal(t, "host", cfg.Strategy)
	assert.Equal(t, geometry.Box2D(0, 0, 63, 63), cfg.DomainBox())
	assert.Equal(t, geometry.IV(2, 2, 0), cfg.GhostWidth())
	assert.Equal(t, geometry.IV(16, 16, 1), cfg.PatchSize())
	assert.Equal(t, arena.Pinned, cfg.ArenaKind())
	assert.Equal(t, partitions.BlockPartition, cfg.PartitionStrategy())
	assert.False(t, cfg.Networked())
}

func TestLoad_FileEnvAndOptions(t *testing.T) {
	path := writeConfig(t, `
ranks: 3
domain: [12, 8, 2]
max_patch_size: [4, 4, 2]
ghost: [2, 2, 1]
ncomp: 2
fill: Polar
distribution: roundrobin
memory_kind: device
network:
  rank: 1
  peers: ["127.0.0.1:7001", "127.0.0.1:7002", "127.0.0.1:7003"]
`)
	t.Setenv("HALOREMAP_ITERATIONS", "5")
	t.Setenv("HALOREMAP_NETWORK_RANK", "2")

	cfg, err := Load(path, Options{Strategy: "flat"})
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Ranks)
	assert.Equal(t, "polar", cfg.Fill)
	assert.Equal(t, "flat", cfg.Strategy)
	assert.Equal(t, 5, cfg.Iterations)
	assert.Equal(t, 2, cfg.Network.Rank)
	assert.True(t, cfg.Networked())
	assert.Equal(t, geometry.NewBox(geometry.IntVect{}, geometry.IV(11, 7, 1)), cfg.DomainBox())
	assert.Equal(t, geometry.IV(2, 2, 1), cfg.GhostWidth())
	assert.Equal(t, arena.Device, cfg.ArenaKind())
	assert.Equal(t, partitions.RoundRobin, cfg.PartitionStrategy())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		errMsg string
	}{
		{"zero ranks", "ranks: 0", "ranks must be at least 1"},
		{"short domain", "domain: [8]", "domain must have 2 or 3 entries"},
		{"empty domain", "domain: [8, 0]", "domain extents must be positive"},
		{"negative ghost", "ghost: [2, -1]", "ghost widths cannot be negative"},
		{"bad patch size", "max_patch_size: [0, 4]", "max_patch_size must be positive"},
		{"ncomp", "ncomp: 0", "ncomp must be at least 1"},
		{"fill", "fill: rotate45", "unknown fill"},
		{"strategy", "strategy: gpu", "unknown strategy"},
		{"memory kind", "memory_kind: shared", "invalid memory_kind"},
		{"distribution", "distribution: metis", "invalid distribution"},
		{"iterations", "iterations: 0", "iterations must be at least 1"},
		{"negative capacity", "arena_capacity: -1", "arena_capacity cannot be negative"},
		{"peer count", "ranks: 2\nnetwork:\n  peers: [\"a:1\"]", "must match the number of network peers"},
		{"peer rank", "ranks: 1\nnetwork:\n  rank: 1\n  peers: [\"a:1\"]", "network rank 1 outside"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body), Options{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
