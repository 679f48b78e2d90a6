// Package runner executes the data-parallel steps of a fill as OCCA kernels.
// Each operation is flattened into one table and copied by a single launch
// whose threads each resolve one element.
package runner

import (
	"fmt"
	"github.com/notargets/gocca"
	"github.com/notargets/haloremap/exchange"
	"github.com/notargets/haloremap/partitions"
	"github.com/notargets/haloremap/tags"
	"github.com/notargets/haloremap/transform"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"sync"
	"unsafe"
)

// DefaultInner is the @inner width of the generated kernels
const DefaultInner = 256

// Runner is an exchange.Strategy backed by an OCCA device. Device memory
// is pooled by role and grown on demand; launches are serialised.
type Runner struct {
	Device       *gocca.OCCADevice
	Kernels      map[string]*gocca.OCCAKernel
	PooledMemory map[string]*gocca.OCCAMemory
	Inner        int
	Logger       zerolog.Logger

	mu       sync.Mutex
	capacity map[string]int64
	launches int
}

// NewRunner compiles the copy kernels on device
func NewRunner(device *gocca.OCCADevice, inner int) (*Runner, error) {
	if inner <= 0 {
		inner = DefaultInner
	}
	kr := &Runner{
		Device:       device,
		Kernels:      make(map[string]*gocca.OCCAKernel),
		PooledMemory: make(map[string]*gocca.OCCAMemory),
		Inner:        inner,
		Logger:       log.Logger.With().Str("component", "runner").Str("mode", device.Mode()).Logger(),
		capacity:     make(map[string]int64),
	}
	src := kernelSource(inner)
	for _, name := range []string{remapKernel, packKernel} {
		kernel, err := device.BuildKernelFromString(src, name, nil)
		if err != nil {
			kr.Free()
			return nil, fmt.Errorf("failed to build kernel %s: %w", name, err)
		}
		kr.Kernels[name] = kernel
	}
	return kr, nil
}

func (kr *Runner) Name() string { return "device" }

// Launches is the number of kernel launches run so far
func (kr *Runner) Launches() int {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	return kr.launches
}

// Free releases every kernel and pooled allocation
func (kr *Runner) Free() {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	for name, mem := range kr.PooledMemory {
		mem.Free()
		delete(kr.PooledMemory, name)
	}
	for name, k := range kr.Kernels {
		k.Free()
		delete(kr.Kernels, name)
	}
	kr.capacity = make(map[string]int64)
}

// pool returns device memory of at least nbytes for key, reallocating when
// the pooled block is too small
func (kr *Runner) pool(key string, nbytes int64) *gocca.OCCAMemory {
	if mem, ok := kr.PooledMemory[key]; ok && kr.capacity[key] >= nbytes {
		return mem
	}
	if mem, ok := kr.PooledMemory[key]; ok {
		mem.Free()
	}
	mem := kr.Device.Malloc(nbytes, nil, nil)
	kr.PooledMemory[key] = mem
	kr.capacity[key] = nbytes
	kr.Logger.Debug().Str("pool", key).Int64("bytes", nbytes).Msg("device allocation")
	return mem
}

func (kr *Runner) upload(key string, data []int64) *gocca.OCCAMemory {
	nbytes := int64(len(data) * 8)
	mem := kr.pool(key, nbytes)
	mem.CopyFrom(unsafe.Pointer(&data[0]), nbytes)
	return mem
}

func (kr *Runner) uploadReal(key string, data []float64) *gocca.OCCAMemory {
	nbytes := int64(len(data) * 8)
	mem := kr.pool(key, nbytes)
	mem.CopyFrom(unsafe.Pointer(&data[0]), nbytes)
	return mem
}

// encodeTable flattens the table metadata into the layout the kernels read
func encodeTable(table *exchange.FlatTable) (prefix, meta []int64) {
	prefix = make([]int64, len(table.Prefix))
	for i, p := range table.Prefix {
		prefix[i] = int64(p)
	}
	meta = make([]int64, 0, len(table.Entries)*metaStride)
	for _, e := range table.Entries {
		shape, src, dst := e.Box.Shape(), e.SrcFab.Shape(), e.DstFab.Shape()
		kind := int64(e.T.Kind)
		if e.Identity {
			kind = 0
		}
		meta = append(meta,
			int64(e.Box.Lo[0]), int64(e.Box.Lo[1]), int64(e.Box.Lo[2]),
			int64(shape[0]), int64(shape[1]), int64(shape[2]),
			kind, int64(e.T.Lx), int64(e.T.Ly),
			int64(e.SrcBase), int64(e.SrcFab.Lo[0]), int64(e.SrcFab.Lo[1]), int64(e.SrcFab.Lo[2]),
			int64(src[0]), int64(src[1]), int64(src[2]),
			int64(e.DstBase), int64(e.DstFab.Lo[0]), int64(e.DstFab.Lo[1]), int64(e.DstFab.Lo[2]),
			int64(dst[0]), int64(dst[1]), int64(dst[2]),
		)
	}
	return
}

// launch runs one kernel over table. When inPlace, src and dst are the same
// host slice and share one device allocation.
func (kr *Runner) launch(kernelName string, table *exchange.FlatTable, src, dst []float64, inPlace bool) {
	if table.Len() == 0 {
		return
	}
	kr.mu.Lock()
	defer kr.mu.Unlock()

	prefix, meta := encodeTable(table)
	prefixMem := kr.upload("prefix", prefix)
	metaMem := kr.upload("meta", meta)
	srcMem := kr.uploadReal("src", src)
	dstMem := srcMem
	if !inPlace {
		dstMem = kr.uploadReal("dst", dst)
	}

	kernel, ok := kr.Kernels[kernelName]
	if !ok {
		panic(fmt.Sprintf("runner: kernel %s not compiled", kernelName))
	}
	err := kernel.RunWithArgs(
		int64(table.Len()), int64(len(table.Entries)),
		int64(table.SrcComp), int64(table.DstComp),
		prefixMem, metaMem, srcMem, dstMem,
	)
	if err != nil {
		panic(fmt.Errorf("runner: %s launch failed: %w", kernelName, err))
	}
	kr.Device.Finish()
	dstMem.CopyTo(unsafe.Pointer(&dst[0]), int64(len(dst)*8))
	kr.launches++

	kr.Logger.Trace().Str("kernel", kernelName).Int("elements", table.Len()).Int("entries", len(table.Entries)).Msg("launch")
}

func (kr *Runner) LocalCopy(arr *partitions.PartitionedArray, scomp, ncomp int, local []tags.CopyTag, dtos transform.DstToSrc) {
	kr.launch(remapKernel, exchange.BuildLocalTable(arr, scomp, ncomp, local, dtos), arr.GlobalData, arr.GlobalData, true)
}

func (kr *Runner) Pack(arr *partitions.PartitionedArray, scomp, ncomp int, buf []float64, blocks []exchange.Block) {
	kr.launch(packKernel, exchange.BuildPackTable(arr, scomp, ncomp, blocks), arr.GlobalData, buf, false)
}

func (kr *Runner) Unpack(arr *partitions.PartitionedArray, scomp, ncomp int, buf []float64, blocks []exchange.Block, dtos transform.DstToSrc) {
	kr.launch(remapKernel, exchange.BuildUnpackTable(arr, scomp, ncomp, blocks, dtos), buf, arr.GlobalData, false)
}

var _ exchange.Strategy = (*Runner)(nil)
