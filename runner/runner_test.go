package runner

import (
	"github.com/notargets/haloremap/exchange"
	"github.com/notargets/haloremap/geometry"
	"github.com/notargets/haloremap/partitions"
	"github.com/notargets/haloremap/tags"
	"github.com/notargets/haloremap/transform"
	"github.com/notargets/haloremap/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"strings"
	"testing"
)

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	device, err := utils.CreateDevice()
	if err != nil {
		t.Skipf("Failed to create OCCA device: %v", err)
	}
	t.Cleanup(func() { device.Free() })
	kr, err := NewRunner(device, 64)
	require.NoError(t, err)
	t.Cleanup(kr.Free)
	return kr
}

type setup struct {
	layout *partitions.PartitionLayout
	key    tags.Key
}

func newSetup(t *testing.T, kind tags.Kind, domain geometry.Box, maxSize, ng geometry.IntVect, nranks int) setup {
	t.Helper()
	layout, err := (&partitions.PartitionBuilder{
		Domain:        domain,
		MaxPatchSize:  maxSize,
		NumPartitions: nranks,
	}).BuildPartitions()
	require.NoError(t, err)
	return setup{layout: layout, key: tags.Key{Kind: kind, NGhost: ng, Domain: domain}}
}

func (s setup) array(rank, ncomp int) *partitions.PartitionedArray {
	arr := partitions.AllocatePartitionedArray(s.layout, rank, ncomp, s.key.NGhost)
	arr.SetVal(-1)
	arr.FillValid(func(id int, p geometry.IntVect, n int) float64 {
		return float64(1000*n+31*p[0]+p[1]) + 0.5*float64(id)
	})
	return arr
}

func TestKernelSource(t *testing.T) {
	src := kernelSource(128)
	assert.Contains(t, src, "#define INNER 128")
	assert.Contains(t, src, "@kernel void remapCopy(")
	assert.Contains(t, src, "@kernel void packSend(")
	assert.Equal(t, 2, strings.Count(src, "@outer"))
	assert.NotContains(t, src, "%!")
}

func TestEncodeTable(t *testing.T) {
	table := &exchange.FlatTable{
		Entries: []exchange.FlatEntry{
			{
				Box:     geometry.Box2D(-2, 0, -1, 3),
				T:       transform.NewRotate180(8),
				SrcBase: 10, SrcFab: geometry.Box2D(-2, -2, 5, 5),
				DstBase: 20, DstFab: geometry.Box2D(-2, -2, 5, 5),
			},
			{
				Box:      geometry.Box2D(0, 0, 1, 0),
				Identity: true,
				T:        transform.NewPolar(4, 4),
				DstFab:   geometry.Box2D(0, 0, 1, 0),
			},
		},
		Prefix: []int{0, 8, 10},
	}
	prefix, meta := encodeTable(table)
	assert.Equal(t, []int64{0, 8, 10}, prefix)
	require.Len(t, meta, 2*metaStride)

	assert.Equal(t, []int64{-2, 0, 0, 2, 4, 1}, meta[0:6])
	assert.Equal(t, []int64{3, 0, 8}, meta[6:9])
	assert.Equal(t, []int64{10, -2, -2, 0, 8, 8, 1}, meta[9:16])
	assert.Equal(t, []int64{20, -2, -2, 0, 8, 8, 1}, meta[16:23])
	// Identity entries carry kind 0 whatever T says
	assert.Equal(t, int64(0), meta[metaStride+6])
}

func TestRunner_MatchesHost(t *testing.T) {
	kr := newTestRunner(t)
	host := &exchange.HostStrategy{}

	testCases := []struct {
		name string
		s    setup
	}{
		{"rb90", newSetup(t, tags.RB90, geometry.Box2D(0, 0, 7, 7), geometry.IV(4, 4, 1), geometry.IV(2, 2, 0), 1)},
		{"rb180", newSetup(t, tags.RB180, geometry.Box2D(0, 0, 7, 7), geometry.IV(3, 3, 1), geometry.IV(2, 1, 0), 1)},
		{"polar", newSetup(t, tags.PolarB, geometry.Box2D(0, 0, 7, 11), geometry.IV(4, 4, 1), geometry.IV(2, 2, 0), 1)},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			bundle := tags.Build(tc.s.layout, 0, tc.s.key)
			dtos := tags.DstToSrc(tc.s.key)
			want, got := tc.s.array(0, 2), tc.s.array(0, 2)
			host.LocalCopy(want, 0, 2, bundle.Local, dtos)
			kr.LocalCopy(got, 0, 2, bundle.Local, dtos)
			assert.Equal(t, want.GlobalData, got.GlobalData)
		})
	}
}

func TestRunner_PackUnpack(t *testing.T) {
	kr := newTestRunner(t)
	host := &exchange.HostStrategy{}
	s := newSetup(t, tags.PolarB, geometry.Box2D(0, 0, 7, 7), geometry.IV(4, 4, 1), geometry.IV(2, 2, 0), 2)

	for rank := 0; rank < 2; rank++ {
		peer := 1 - rank
		sb := tags.Build(s.layout, rank, s.key)
		rb := tags.Build(s.layout, peer, s.key)
		if len(sb.Send[peer]) == 0 {
			continue
		}

		sendBlocks, words := exchange.NewBlocks(map[int][]tags.CopyTag{peer: sb.Send[peer]}, 3)
		want, got := make([]float64, words), make([]float64, words)
		src := s.array(rank, 3)
		host.Pack(src, 0, 3, want, sendBlocks)
		kr.Pack(src, 0, 3, got, sendBlocks)
		require.Equal(t, want, got)

		recvBlocks, _ := exchange.NewBlocks(map[int][]tags.CopyTag{rank: rb.Recv[rank]}, 3)
		dstWant, dstGot := s.array(peer, 3), s.array(peer, 3)
		host.Unpack(dstWant, 0, 3, want, recvBlocks, tags.DstToSrc(s.key))
		kr.Unpack(dstGot, 0, 3, got, recvBlocks, tags.DstToSrc(s.key))
		assert.Equal(t, dstWant.GlobalData, dstGot.GlobalData)
	}
	assert.Positive(t, kr.Launches())
}
