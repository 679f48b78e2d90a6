package tags

import (
	"github.com/notargets/haloremap/geometry"
	"github.com/notargets/haloremap/partitions"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"sync"
)

// Builder computes bundles for one rank and memoizes them by Key. A cached
// bundle stays valid until the decomposition changes.
type Builder struct {
	Rank   int
	Logger zerolog.Logger

	mu     sync.Mutex
	layout *partitions.PartitionLayout
	cache  map[Key]*Bundle
	hits   int
	misses int
}

// NewBuilder creates a builder for rank over layout
func NewBuilder(layout *partitions.PartitionLayout, rank int) *Builder {
	return &Builder{
		Rank:   rank,
		Logger: log.Logger.With().Str("component", "tags").Int("rank", rank).Logger(),
		layout: layout,
		cache:  make(map[Key]*Bundle),
	}
}

// Layout returns the decomposition bundles are currently built for
func (b *Builder) Layout() *partitions.PartitionLayout {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.layout
}

// GetTagsFor returns the bundle for the fill described by kind, ghost width
// and domain, building it on first use.
func (b *Builder) GetTagsFor(kind Kind, nghost geometry.IntVect, domain geometry.Box) *Bundle {
	key := Key{Kind: kind, NGhost: nghost, Domain: domain}

	b.mu.Lock()
	defer b.mu.Unlock()
	if bundle, ok := b.cache[key]; ok {
		b.hits++
		return bundle
	}
	b.misses++
	bundle := Build(b.layout, b.Rank, key)
	b.cache[key] = bundle
	b.Logger.Debug().
		Stringer("kind", kind).
		Stringer("nghost", nghost).
		Int("local", len(bundle.Local)).
		Ints("send_ranks", bundle.SendRanks()).
		Ints("recv_ranks", bundle.RecvRanks()).
		Msg("built tag bundle")
	return bundle
}

// Invalidate drops every cached bundle and switches to a new decomposition
func (b *Builder) Invalidate(layout *partitions.PartitionLayout) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.layout = layout
	b.cache = make(map[Key]*Bundle)
	b.Logger.Debug().Msg("tag cache invalidated")
}

// Stats reports cache hits and misses
func (b *Builder) Stats() (hits, misses int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hits, b.misses
}

// Build computes rank's bundle without caching. Every rank walks the same
// global loop, destination patches then regions then source patches, all in
// ascending order, so paired send and receive lists line up.
func Build(layout *partitions.PartitionLayout, rank int, key Key) *Bundle {
	bundle := newBundle(rank)
	regions := Regions(key)

	for _, dst := range layout.Patches {
		dstOwner := layout.GetPartition(dst.ID)
		fab := dst.Box.Grow(key.NGhost)
		for _, reg := range regions {
			d := fab.Intersect(reg.Box)
			if !d.Ok() {
				continue
			}
			s := reg.Fwd.MapBox(d)
			for _, src := range layout.Patches {
				srcOwner := layout.GetPartition(src.ID)
				if srcOwner != rank && dstOwner != rank {
					continue
				}
				ss := s.Intersect(src.Box)
				if !ss.Ok() {
					continue
				}
				tag := CopyTag{
					SrcPatch: src.ID,
					DstPatch: dst.ID,
					SBox:     ss,
					DBox:     reg.Inv.MapBox(ss),
				}
				switch {
				case srcOwner == rank && dstOwner == rank:
					bundle.Local = append(bundle.Local, tag)
				case srcOwner == rank:
					bundle.Send[dstOwner] = append(bundle.Send[dstOwner], tag)
				default:
					bundle.Recv[srcOwner] = append(bundle.Recv[srcOwner], tag)
				}
			}
		}
	}
	return bundle
}
