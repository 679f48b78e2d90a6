package nonlocal

import (
	"fmt"
	"github.com/notargets/haloremap/arena"
	"github.com/notargets/haloremap/exchange"
	"github.com/notargets/haloremap/geometry"
	"github.com/notargets/haloremap/partitions"
	"github.com/notargets/haloremap/tags"
	"github.com/notargets/haloremap/transform"
	"github.com/notargets/haloremap/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"testing"
)

const unset = -7.0

func field(p geometry.IntVect, n int) float64 {
	return float64(100000*n + 1000*p[0] + 10*p[1] + p[2])
}

type rankSetup struct {
	arr    *partitions.PartitionedArray
	filler *Filler
}

func newLayout(t *testing.T, domain geometry.Box, maxSize geometry.IntVect, nranks int) *partitions.PartitionLayout {
	t.Helper()
	layout, err := (&partitions.PartitionBuilder{
		Domain:        domain,
		MaxPatchSize:  maxSize,
		NumPartitions: nranks,
		Strategy:      partitions.RoundRobin,
	}).BuildPartitions()
	require.NoError(t, err)
	return layout
}

func newRank(layout *partitions.PartitionLayout, tr transport.Transport, ncomp int, ngrow geometry.IntVect) rankSetup {
	rank := tr.Rank()
	arr := partitions.AllocatePartitionedArray(layout, rank, ncomp, ngrow)
	arr.SetVal(unset)
	arr.FillValid(func(_ int, p geometry.IntVect, n int) float64 { return field(p, n) })
	o := exchange.NewOrchestrator(tr, arena.New(), &exchange.HostStrategy{Workers: 2}, arena.Host)
	return rankSetup{arr: arr, filler: NewFiller(o, tags.NewBuilder(layout, rank), arr)}
}

// expectFunc returns the value a stored cell must hold after a fill, given
// the patch's valid box
type expectFunc func(valid geometry.Box, p geometry.IntVect, n int) float64

func checkArray(t *testing.T, arr *partitions.PartitionedArray, expect expectFunc) {
	t.Helper()
	bad, first := 0, ""
	for _, id := range arr.LocalPatches() {
		valid := arr.Layout.PatchBox(id)
		fab := arr.FabBox(id)
		v := arr.ConstView(id)
		for n := 0; n < arr.NComp; n++ {
			for k := fab.Lo[2]; k <= fab.Hi[2]; k++ {
				for j := fab.Lo[1]; j <= fab.Hi[1]; j++ {
					for i := fab.Lo[0]; i <= fab.Hi[0]; i++ {
						p := geometry.IV(i, j, k)
						want, got := expect(valid, p, n), v.At(i, j, k, n)
						if want != got {
							if bad == 0 {
								first = fmt.Sprintf("patch %d cell %v comp %d: want %v, got %v", id, p, n, want, got)
							}
							bad++
						}
					}
				}
			}
		}
	}
	assert.Zero(t, bad, "rank %d: %s", arr.Rank, first)
}

func rotate90Expect(domain geometry.Box, ng geometry.IntVect, comps func(n int) bool) expectFunc {
	return func(valid geometry.Box, p geometry.IntVect, n int) float64 {
		if valid.Contains(p) {
			return field(p, n)
		}
		if !comps(n) {
			return unset
		}
		// Only the requested width is filled, not the whole allocation
		if !valid.Grow(ng).Contains(p) {
			return unset
		}
		x, y := p[0], p[1]
		inX := x >= 0 && x <= domain.Hi[0]
		inY := y >= 0 && y <= domain.Hi[1]
		switch {
		case x < 0 && x >= -ng[0] && inY:
			return field(transform.NewRotateCW().Map(p), n)
		case y < 0 && y >= -ng[1] && inX:
			return field(transform.NewRotateCCW().Map(p), n)
		case x < 0 && y < 0 && x >= -ng[0] && y >= -ng[1]:
			return field(geometry.IV(-1-x, -1-y, p[2]), n)
		}
		return unset
	}
}

func allComps(int) bool { return true }

func runRanks(t *testing.T, n int, fn func(tr transport.Transport)) {
	t.Helper()
	w := transport.NewWorld(n)
	var g errgroup.Group
	for r := 0; r < n; r++ {
		g.Go(func() error {
			fn(w.Rank(r))
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestRotate90_SingleRank(t *testing.T) {
	domain := geometry.Box2D(0, 0, 7, 7)
	ng := geometry.IV(2, 2, 0)
	for _, maxSize := range []geometry.IntVect{geometry.IV(8, 8, 1), geometry.IV(4, 4, 1), geometry.IV(3, 5, 1)} {
		t.Run(maxSize.String(), func(t *testing.T) {
			rs := newRank(newLayout(t, domain, maxSize, 1), transport.NewWorld(1).Rank(0), 1, ng)
			rs.filler.Rotate90All(domain)
			checkArray(t, rs.arr, rotate90Expect(domain, ng, allComps))
		})
	}
}

func TestRotate90_HandComputedCells(t *testing.T) {
	domain := geometry.Box2D(0, 0, 7, 7)
	rs := newRank(newLayout(t, domain, geometry.IV(8, 8, 1), 1), transport.NewWorld(1).Rank(0), 1, geometry.IV(2, 2, 0))
	rs.filler.Rotate90All(domain)
	v := rs.arr.ConstView(0)

	// (x,y) -> (y, -1-x) across the low x edge
	assert.Equal(t, field(geometry.IV(3, 0, 0), 0), v.At(-1, 3, 0, 0))
	assert.Equal(t, field(geometry.IV(7, 1, 0), 0), v.At(-2, 7, 0, 0))
	// (x,y) -> (-1-y, x) across the low y edge
	assert.Equal(t, field(geometry.IV(0, 5, 0), 0), v.At(5, -1, 0, 0))
	// Applying the rotation twice lands the corner on the reflected interior
	assert.Equal(t, field(geometry.IV(0, 0, 0), 0), v.At(-1, -1, 0, 0))
	assert.Equal(t, field(geometry.IV(1, 0, 0), 0), v.At(-2, -1, 0, 0))
	assert.Equal(t, field(geometry.IV(1, 1, 0), 0), v.At(-2, -2, 0, 0))
	// The far corners stay untouched
	assert.Equal(t, unset, v.At(-1, 8, 0, 0))
	assert.Equal(t, unset, v.At(8, -1, 0, 0))
}

func TestRotate90_MultiRank(t *testing.T) {
	domain := geometry.Box2D(0, 0, 11, 11)
	ng := geometry.IV(3, 3, 0)
	for _, nranks := range []int{2, 3, 5} {
		t.Run(fmt.Sprintf("ranks=%d", nranks), func(t *testing.T) {
			layout := newLayout(t, domain, geometry.IV(4, 4, 1), nranks)
			runRanks(t, nranks, func(tr transport.Transport) {
				rs := newRank(layout, tr, 2, ng)
				rs.filler.Rotate90All(domain)
				checkArray(t, rs.arr, rotate90Expect(domain, ng, allComps))
				assert.NotPanics(t, rs.filler.Orchestrator.Close)
			})
		})
	}
}

func TestRotate90_ComponentSubset(t *testing.T) {
	domain := geometry.Box2D(0, 0, 7, 7)
	ng := geometry.IV(2, 2, 0)
	layout := newLayout(t, domain, geometry.IV(4, 4, 1), 2)
	runRanks(t, 2, func(tr transport.Transport) {
		rs := newRank(layout, tr, 3, ng)
		rs.filler.Rotate90(1, 1, geometry.IV(1, 1, 0), domain)
		checkArray(t, rs.arr, rotate90Expect(domain, geometry.IV(1, 1, 0), func(n int) bool { return n == 1 }))
	})
}

func TestRotate90_Idempotent(t *testing.T) {
	domain := geometry.Box2D(0, 0, 7, 7)
	layout := newLayout(t, domain, geometry.IV(4, 4, 1), 2)
	runRanks(t, 2, func(tr transport.Transport) {
		rs := newRank(layout, tr, 1, geometry.IV(2, 2, 0))
		rs.filler.Rotate90All(domain)
		once := append([]float64(nil), rs.arr.GlobalData...)
		rs.filler.Rotate90All(domain)
		assert.Equal(t, once, rs.arr.GlobalData)
		assert.Equal(t, 2, rs.filler.Orchestrator.Sequence())
	})
}

func TestRotate180_MultiRank(t *testing.T) {
	domain := geometry.NewBox(geometry.IV(0, 0, 0), geometry.IV(7, 9, 1))
	ng := geometry.IV(2, 1, 1)
	layout := newLayout(t, domain, geometry.IV(4, 3, 2), 3)
	r := transform.NewRotate180(10)
	runRanks(t, 3, func(tr transport.Transport) {
		rs := newRank(layout, tr, 1, ng)
		rs.filler.Rotate180All(domain)
		checkArray(t, rs.arr, func(valid geometry.Box, p geometry.IntVect, n int) float64 {
			switch {
			case valid.Contains(p):
				return field(p, n)
			case p[0] < 0 && p[1] >= 0 && p[1] <= 9 && p[2] >= 0 && p[2] <= 1:
				return field(r.Map(p), n)
			}
			return unset
		})
	})
}

func TestFillPolar_MultiRank(t *testing.T) {
	domain := geometry.Box2D(0, 0, 7, 11)
	ng := geometry.IV(2, 2, 0)
	p := transform.NewPolar(8, 12)
	for _, nranks := range []int{1, 3, 4} {
		t.Run(fmt.Sprintf("ranks=%d", nranks), func(t *testing.T) {
			layout := newLayout(t, domain, geometry.IV(4, 4, 1), nranks)
			runRanks(t, nranks, func(tr transport.Transport) {
				rs := newRank(layout, tr, 2, ng)
				rs.filler.FillPolarAll(domain)
				checkArray(t, rs.arr, func(valid geometry.Box, c geometry.IntVect, n int) float64 {
					switch {
					case valid.Contains(c):
						return field(c, n)
					case c[0] < 0 || c[0] > 7:
						return field(p.Map(c), n)
					}
					return unset
				})
			})
		})
	}
}

func TestZeroGhostIsNoop(t *testing.T) {
	domain := geometry.Box2D(0, 0, 7, 7)
	layout := newLayout(t, domain, geometry.IV(4, 4, 1), 2)
	runRanks(t, 2, func(tr transport.Transport) {
		rs := newRank(layout, tr, 1, geometry.IV(2, 2, 0))
		before := append([]float64(nil), rs.arr.GlobalData...)
		rs.filler.Rotate90(0, 1, geometry.IntVect{}, domain)
		rs.filler.Rotate180(0, 1, geometry.IntVect{}, domain)
		rs.filler.FillPolar(0, 1, geometry.IntVect{}, domain)
		assert.Equal(t, before, rs.arr.GlobalData)
		assert.Zero(t, rs.filler.Orchestrator.Sequence())
	})
}

func TestContractViolations(t *testing.T) {
	square := geometry.Box2D(0, 0, 7, 7)
	testCases := []struct {
		name    string
		domain  geometry.Box
		ngrow   geometry.IntVect
		maxSize geometry.IntVect
		ncomp   int
		fill    func(f *Filler, domain geometry.Box)
		op      string
		reason  string
	}{
		{
			name: "not square", domain: geometry.Box2D(0, 0, 7, 5), ngrow: geometry.IV(2, 2, 0), ncomp: 1,
			fill: func(f *Filler, d geometry.Box) { f.Rotate90All(d) },
			op:   "Rotate90", reason: "not square",
		},
		{
			name: "uneven ghost", domain: square, ngrow: geometry.IV(2, 2, 0), ncomp: 1,
			fill: func(f *Filler, d geometry.Box) { f.Rotate90(0, 1, geometry.IV(2, 1, 0), d) },
			op:   "Rotate90", reason: "differs in x and y",
		},
		{
			name: "odd extent", domain: geometry.Box2D(0, 0, 7, 6), ngrow: geometry.IV(2, 2, 0), ncomp: 1,
			fill: func(f *Filler, d geometry.Box) { f.Rotate180All(d) },
			op:   "Rotate180", reason: "odd",
		},
		{
			name: "polar odd extent", domain: geometry.Box2D(0, 0, 7, 6), ngrow: geometry.IV(2, 2, 0), ncomp: 1,
			fill: func(f *Filler, d geometry.Box) { f.FillPolarAll(d) },
			op:   "FillPolar", reason: "odd",
		},
		{
			name: "polar too wide", domain: geometry.Box2D(0, 0, 3, 7), ngrow: geometry.IV(3, 2, 0), ncomp: 1,
			fill: func(f *Filler, d geometry.Box) { f.FillPolarAll(d) },
			op:   "FillPolar", reason: "exceeds half",
		},
		{
			name: "ghost beyond allocation", domain: square, ngrow: geometry.IV(2, 2, 0), ncomp: 1,
			fill: func(f *Filler, d geometry.Box) { f.Rotate180(0, 1, geometry.IV(3, 0, 0), d) },
			op:   "Rotate180", reason: "exceeds allocated",
		},
		{
			name: "component range", domain: square, ngrow: geometry.IV(2, 2, 0), ncomp: 2,
			fill: func(f *Filler, d geometry.Box) { f.FillPolar(1, 2, geometry.IV(1, 1, 0), d) },
			op:   "FillPolar", reason: "outside [0, 2)",
		},
		{
			name: "domain off origin", domain: square, ngrow: geometry.IV(2, 2, 0), ncomp: 1,
			fill: func(f *Filler, d geometry.Box) { f.Rotate90All(d.Shift(geometry.IV(1, 1, 0))) },
			op:   "Rotate90", reason: "origin",
		},
		{
			name: "narrow corner patch", domain: square, ngrow: geometry.IV(2, 2, 0), maxSize: geometry.IV(1, 4, 1), ncomp: 1,
			fill: func(f *Filler, d geometry.Box) { f.Rotate90All(d) },
			op:   "Rotate90", reason: "narrower than ghost width",
		},
		{
			name: "foreign domain", domain: square, ngrow: geometry.IV(2, 2, 0), ncomp: 1,
			fill: func(f *Filler, d geometry.Box) { f.Rotate180All(geometry.Box2D(0, 0, 5, 5)) },
			op:   "Rotate180", reason: "differs from the decomposed domain",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			maxSize := tc.maxSize
			if maxSize == (geometry.IntVect{}) {
				maxSize = geometry.IV(4, 4, 1)
			}
			rs := newRank(newLayout(t, tc.domain, maxSize, 1), transport.NewWorld(1).Rank(0), tc.ncomp, tc.ngrow)
			defer func() {
				r := recover()
				cv, ok := r.(*ContractViolation)
				require.True(t, ok, "panic value %v", r)
				assert.Equal(t, tc.op, cv.Op)
				assert.Contains(t, cv.Reason, tc.reason)
				assert.Contains(t, cv.Error(), "rank 0")
			}()
			tc.fill(rs.filler, tc.domain)
		})
	}
}

func TestNewFiller_RankMismatch(t *testing.T) {
	domain := geometry.Box2D(0, 0, 7, 7)
	layout := newLayout(t, domain, geometry.IV(4, 4, 1), 2)
	arr := partitions.AllocatePartitionedArray(layout, 0, 1, geometry.IV(1, 1, 0))
	o := exchange.NewOrchestrator(transport.NewWorld(2).Rank(0), arena.New(), &exchange.HostStrategy{}, arena.Host)
	assert.Panics(t, func() { NewFiller(o, tags.NewBuilder(layout, 1), arr) })
}
