// Package arena hands out the transfer buffers of a fill. Blocks are recycled
// per memory kind and size class, and every kind may be capped so that an
// oversized request fails loudly instead of growing without bound.
package arena

import (
	"fmt"
	"github.com/notargets/haloremap/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"math/bits"
	"strings"
	"sync"
	"unsafe"
)

// MemoryKind is where a buffer lives
type MemoryKind uint8

const (
	Host MemoryKind = iota
	Pinned
	Device
	numKinds
)

func (k MemoryKind) String() string {
	switch k {
	case Host:
		return "host"
	case Pinned:
		return "pinned"
	case Device:
		return "device"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseMemoryKind maps a configuration name onto a MemoryKind
func ParseMemoryKind(name string) (MemoryKind, error) {
	switch strings.ToLower(name) {
	case "", "host":
		return Host, nil
	case "pinned":
		return Pinned, nil
	case "device":
		return Device, nil
	}
	return 0, fmt.Errorf("unknown memory kind %q", name)
}

// ResourceExhaustion is the panic value of an allocation the arena cannot serve
type ResourceExhaustion struct {
	Kind      MemoryKind
	Requested int64
	InUse     int64
	Capacity  int64
}

func (e *ResourceExhaustion) Error() string {
	return fmt.Sprintf("arena: %v allocation of %d bytes exceeds capacity (%d of %d in use)",
		e.Kind, e.Requested, e.InUse, e.Capacity)
}

// Buffer is one allocation. Storage is backed by float64 words, so Bytes()
// is always 8-byte aligned.
type Buffer struct {
	arena  *Arena
	kind   MemoryKind
	class  int // log2 of the word count
	nbytes int
	words  []float64
	live   bool
}

// Len is the requested size in bytes
func (b *Buffer) Len() int { return b.nbytes }

func (b *Buffer) Kind() MemoryKind { return b.kind }

// Bytes views the buffer as its requested number of bytes
func (b *Buffer) Bytes() []byte {
	if b.nbytes == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&b.words[0])), b.nbytes)
}

// Float64s views the buffer as whole float64 words
func (b *Buffer) Float64s() []float64 {
	return b.words[:b.nbytes/8]
}

// Stats is a snapshot of arena bookkeeping
type Stats struct {
	Allocs      int64
	Frees       int64
	Reuses      int64
	InUse       [numKinds]int64
	Cached      [numKinds]int64
	PeakInUse   [numKinds]int64
	Outstanding int
}

// Arena is safe for concurrent use
type Arena struct {
	Logger zerolog.Logger

	mu       sync.Mutex
	capacity [numKinds]int64
	free     [numKinds]map[int][]*Buffer
	stats    Stats
}

// New creates an arena without capacity limits
func New() *Arena {
	a := &Arena{
		Logger: log.Logger.With().Str("component", "arena").Logger(),
	}
	for k := range a.free {
		a.free[k] = make(map[int][]*Buffer)
	}
	return a
}

// SetCapacity caps the bytes simultaneously handed out for kind; 0 removes the cap
func (a *Arena) SetCapacity(kind MemoryKind, nbytes int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.capacity[kind] = nbytes
}

func sizeClass(nbytes int) int {
	words := (nbytes + 7) / 8
	if words <= 1 {
		return 0
	}
	return bits.Len(uint(words - 1))
}

// Alloc returns a buffer of nbytes of the given kind. Exceeding the kind's
// capacity panics with *ResourceExhaustion.
func (a *Arena) Alloc(nbytes int, kind MemoryKind) *Buffer {
	if nbytes < 0 {
		panic(fmt.Sprintf("arena: negative allocation %d", nbytes))
	}
	if kind >= numKinds {
		panic(fmt.Sprintf("arena: unknown memory kind %d", kind))
	}
	class := sizeClass(nbytes)
	footprint := int64(8) << class

	a.mu.Lock()
	defer a.mu.Unlock()

	if c := a.capacity[kind]; c > 0 && a.stats.InUse[kind]+footprint > c {
		panic(&ResourceExhaustion{Kind: kind, Requested: footprint, InUse: a.stats.InUse[kind], Capacity: c})
	}

	var b *Buffer
	if list := a.free[kind][class]; len(list) > 0 {
		b = list[len(list)-1]
		a.free[kind][class] = list[:len(list)-1]
		a.stats.Cached[kind] -= footprint
		a.stats.Reuses++
	} else {
		b = &Buffer{arena: a, kind: kind, class: class, words: make([]float64, 1<<class)}
	}
	b.nbytes = nbytes
	b.live = true

	a.stats.Allocs++
	a.stats.Outstanding++
	a.stats.InUse[kind] += footprint
	a.stats.PeakInUse[kind] = max(a.stats.PeakInUse[kind], a.stats.InUse[kind])
	metrics.ArenaBytesInUse.WithLabelValues(kind.String()).Add(float64(footprint))
	return b
}

// Free returns b to the arena. Freeing a buffer twice, or one that belongs to
// another arena, panics.
func (a *Arena) Free(b *Buffer) {
	if b == nil {
		return
	}
	if b.arena != a {
		panic("arena: buffer freed to a foreign arena")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !b.live {
		panic("arena: buffer freed twice")
	}
	b.live = false
	footprint := int64(8) << b.class

	a.free[b.kind][b.class] = append(a.free[b.kind][b.class], b)
	a.stats.Frees++
	a.stats.Outstanding--
	a.stats.InUse[b.kind] -= footprint
	a.stats.Cached[b.kind] += footprint
	metrics.ArenaBytesInUse.WithLabelValues(b.kind.String()).Sub(float64(footprint))
}

// Outstanding is the number of buffers allocated and not yet freed
func (a *Arena) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats.Outstanding
}

// InUse is the footprint in bytes currently handed out for kind
func (a *Arena) InUse(kind MemoryKind) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats.InUse[kind]
}

func (a *Arena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Release drops every cached block. Outstanding buffers are unaffected.
func (a *Arena) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k := range a.free {
		a.free[k] = make(map[int][]*Buffer)
		a.stats.Cached[k] = 0
	}
	a.Logger.Debug().Int("outstanding", a.stats.Outstanding).Msg("arena cache released")
}
