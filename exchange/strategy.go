package exchange

import (
	"fmt"
	"github.com/notargets/haloremap/partitions"
	"github.com/notargets/haloremap/tags"
	"github.com/notargets/haloremap/transform"
	"golang.org/x/sync/errgroup"
	"runtime"
	"strings"
)

// Strategy moves data for the three data-parallel steps of a fill. Every
// implementation must produce identical results; they differ only in how
// the work is scheduled.
type Strategy interface {
	Name() string
	// LocalCopy writes dst[d] = src[dtos(d)] for every rank-local descriptor
	LocalCopy(arr *partitions.PartitionedArray, scomp, ncomp int, local []tags.CopyTag, dtos transform.DstToSrc)
	// Pack copies each block's source boxes into buf without transforming them
	Pack(arr *partitions.PartitionedArray, scomp, ncomp int, buf []float64, blocks []Block)
	// Unpack writes dst[d] = incoming[dtos(d)] for each block's descriptors
	Unpack(arr *partitions.PartitionedArray, scomp, ncomp int, buf []float64, blocks []Block, dtos transform.DstToSrc)
}

// NewStrategy builds a host strategy by name: "host" or "flat"
func NewStrategy(name string, workers int) (Strategy, error) {
	switch strings.ToLower(name) {
	case "", "host":
		return &HostStrategy{Workers: workers}, nil
	case "flat":
		return &FlatStrategy{Workers: workers}, nil
	}
	return nil, fmt.Errorf("unknown strategy %q", name)
}

func workerLimit(workers int) int {
	if workers <= 0 {
		return runtime.GOMAXPROCS(0)
	}
	return workers
}

// HostStrategy runs descriptors as parallel tasks, each walking its
// destination box with the transform picked once for the whole box.
type HostStrategy struct {
	Workers int
}

func (h *HostStrategy) Name() string { return "host" }

func (h *HostStrategy) run(n int, task func(i int)) {
	if n == 0 {
		return
	}
	var g errgroup.Group
	g.SetLimit(workerLimit(h.Workers))
	for i := 0; i < n; i++ {
		g.Go(func() error {
			task(i)
			return nil
		})
	}
	_ = g.Wait()
}

func (h *HostStrategy) LocalCopy(arr *partitions.PartitionedArray, scomp, ncomp int, local []tags.CopyTag, dtos transform.DstToSrc) {
	h.run(len(local), func(i int) {
		t := local[i]
		copyTransformed(arr.View(t.DstPatch), arr.View(t.SrcPatch), scomp, scomp, ncomp, t, dtos.For(t.DBox))
	})
}

func (h *HostStrategy) Pack(arr *partitions.PartitionedArray, scomp, ncomp int, buf []float64, blocks []Block) {
	type job struct {
		tag tags.CopyTag
		off int
	}
	var jobs []job
	for _, blk := range blocks {
		offs := tagOffsets("pack", arr.Rank, ncomp, blk)
		for i, t := range blk.Tags {
			jobs = append(jobs, job{t, offs[i]})
		}
	}
	h.run(len(jobs), func(i int) {
		j := jobs[i]
		n := j.tag.SBox.NumPts() * ncomp
		dst := partitions.NewView(buf[j.off:j.off+n], j.tag.SBox, ncomp)
		src := arr.View(j.tag.SrcPatch)
		b := j.tag.SBox
		for c := 0; c < ncomp; c++ {
			for k := b.Lo[2]; k <= b.Hi[2]; k++ {
				for jj := b.Lo[1]; jj <= b.Hi[1]; jj++ {
					di := dst.Index(b.Lo[0], jj, k, c)
					si := src.Index(b.Lo[0], jj, k, scomp+c)
					copy(dst.Data[di:di+b.Length(0)], src.Data[si:si+b.Length(0)])
				}
			}
		}
	})
}

func (h *HostStrategy) Unpack(arr *partitions.PartitionedArray, scomp, ncomp int, buf []float64, blocks []Block, dtos transform.DstToSrc) {
	type job struct {
		tag tags.CopyTag
		off int
	}
	var jobs []job
	for _, blk := range blocks {
		offs := tagOffsets("unpack", arr.Rank, ncomp, blk)
		for i, t := range blk.Tags {
			jobs = append(jobs, job{t, offs[i]})
		}
	}
	h.run(len(jobs), func(i int) {
		j := jobs[i]
		n := j.tag.SBox.NumPts() * ncomp
		incoming := partitions.NewView(buf[j.off:j.off+n], j.tag.SBox, ncomp)
		copyTransformed(arr.View(j.tag.DstPatch), incoming, scomp, 0, ncomp, j.tag, dtos.For(j.tag.DBox))
	})
}

// copyTransformed writes dst[d, dcomp+n] = src[T(d), scomp+n] over t.DBox
func copyTransformed(dst, src partitions.View, dcomp, scomp, ncomp int, t tags.CopyTag, tr transform.Transform) {
	f := tr.Func()
	b := t.DBox
	for n := 0; n < ncomp; n++ {
		for k := b.Lo[2]; k <= b.Hi[2]; k++ {
			for j := b.Lo[1]; j <= b.Hi[1]; j++ {
				for i := b.Lo[0]; i <= b.Hi[0]; i++ {
					si, sj, sk := f(i, j, k)
					dst.Set(i, j, k, dcomp+n, src.At(si, sj, sk, scomp+n))
				}
			}
		}
	}
}

// FlatStrategy flattens every descriptor of an operation into one index
// space and splits it into equal chunks, the host rendition of a single
// device launch.
type FlatStrategy struct {
	Workers   int
	BlockSize int // elements per chunk, 0 picks 4096
}

func (f *FlatStrategy) Name() string { return "flat" }

func (f *FlatStrategy) launch(table *FlatTable, src, dst []float64) {
	total := table.Len()
	if total == 0 {
		return
	}
	bs := f.BlockSize
	if bs <= 0 {
		bs = 4096
	}
	var g errgroup.Group
	g.SetLimit(workerLimit(f.Workers))
	for lo := 0; lo < total; lo += bs {
		hi := min(lo+bs, total)
		g.Go(func() error {
			table.Apply(src, dst, lo, hi)
			return nil
		})
	}
	_ = g.Wait()
}

func (f *FlatStrategy) LocalCopy(arr *partitions.PartitionedArray, scomp, ncomp int, local []tags.CopyTag, dtos transform.DstToSrc) {
	f.launch(BuildLocalTable(arr, scomp, ncomp, local, dtos), arr.GlobalData, arr.GlobalData)
}

func (f *FlatStrategy) Pack(arr *partitions.PartitionedArray, scomp, ncomp int, buf []float64, blocks []Block) {
	f.launch(BuildPackTable(arr, scomp, ncomp, blocks), arr.GlobalData, buf)
}

func (f *FlatStrategy) Unpack(arr *partitions.PartitionedArray, scomp, ncomp int, buf []float64, blocks []Block, dtos transform.DstToSrc) {
	f.launch(BuildUnpackTable(arr, scomp, ncomp, blocks, dtos), buf, arr.GlobalData)
}
