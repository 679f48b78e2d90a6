package main

import (
	"bytes"
	"context"
	"fmt"
	"github.com/notargets/haloremap/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"os"
	"path/filepath"
	"testing"
)

func loadConfig(t *testing.T, body string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "haloremap.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	cfg, err := config.Load(path, config.Options{})
	require.NoError(t, err)
	return cfg
}

func totalChecksum(results []RankResult) float64 {
	sum := make([]float64, len(results))
	for i, r := range results {
		sum[i] = r.Checksum
	}
	return floats.Sum(sum)
}

// Stored patch contents do not depend on which rank holds them, so the sum
// over ranks matches a single-rank run
func TestRun_RankCountInvariant(t *testing.T) {
	for _, fill := range []string{"rotate90", "rotate180", "polar"} {
		for _, strategy := range []string{"host", "flat"} {
			t.Run(fill+"/"+strategy, func(t *testing.T) {
				body := fmt.Sprintf("domain: [12, 12]\nmax_patch_size: [4, 4]\nghost: [2, 2]\nncomp: 2\nfill: %s\nstrategy: %s\niterations: 2\n", fill, strategy)
				single := loadConfig(t, body+"ranks: 1\n")
				want, err := Run(context.Background(), single)
				require.NoError(t, err)
				require.Len(t, want, 1)
				assert.Equal(t, 9, want[0].Patches)
				assert.Zero(t, want[0].BytesSent)

				multi := loadConfig(t, body+"ranks: 4\ndistribution: roundrobin\n")
				got, err := Run(context.Background(), multi)
				require.NoError(t, err)
				require.Len(t, got, 4)

				patches := 0
				sent := 0
				for _, r := range got {
					patches += r.Patches
					sent += r.BytesSent
				}
				assert.Equal(t, 9, patches)
				assert.Positive(t, sent)
				assert.True(t, floats.EqualWithinAbsOrRel(totalChecksum(want), totalChecksum(got), 1e-9, 1e-12),
					"single %v multi %v", totalChecksum(want), totalChecksum(got))
			})
		}
	}
}

func TestRun_ContractViolationIsError(t *testing.T) {
	cfg := loadConfig(t, "ranks: 3\ndomain: [12, 8]\nmax_patch_size: [4, 4]\nfill: rotate90\n")
	_, err := Run(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not square")
}

func TestLayoutCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "haloremap.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ranks: 2\ndomain: [8, 8]\nmax_patch_size: [4, 4]\n"), 0o600))

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"layout", "--config", path})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "4 patches over 2 ranks")
	assert.Contains(t, out.String(), "recv from")
}
