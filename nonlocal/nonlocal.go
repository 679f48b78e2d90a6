// Package nonlocal fills ghost cells across domain boundaries whose
// neighbour is a rotated or folded image of the domain itself: the low x
// and low y edges of a 90 degree rotation, the low x edge of a 180 degree
// rotation, and both x edges of a polar fold.
package nonlocal

import (
	"fmt"
	"github.com/notargets/haloremap/exchange"
	"github.com/notargets/haloremap/geometry"
	"github.com/notargets/haloremap/partitions"
	"github.com/notargets/haloremap/tags"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ContractViolation is the panic value of a fill called with arguments it
// cannot honour
type ContractViolation struct {
	Op     string
	Rank   int
	Reason string
}

func (e *ContractViolation) Error() string {
	return fmt.Sprintf("%s on rank %d: %s", e.Op, e.Rank, e.Reason)
}

// Filler runs the boundary fills of one array over one orchestrator
type Filler struct {
	Orchestrator *exchange.Orchestrator
	Tags         *tags.Builder
	Array        *partitions.PartitionedArray
	Logger       zerolog.Logger
}

// NewFiller binds an orchestrator, a tag builder and the array they fill.
// The builder must describe the same rank and decomposition as the array.
func NewFiller(o *exchange.Orchestrator, tb *tags.Builder, arr *partitions.PartitionedArray) *Filler {
	if tb.Rank != arr.Rank {
		panic(&ContractViolation{Op: "NewFiller", Rank: arr.Rank,
			Reason: fmt.Sprintf("tag builder is for rank %d", tb.Rank)})
	}
	return &Filler{
		Orchestrator: o,
		Tags:         tb,
		Array:        arr,
		Logger:       log.Logger.With().Str("component", "nonlocal").Int("rank", arr.Rank).Logger(),
	}
}

func (f *Filler) violate(op, format string, args ...interface{}) {
	panic(&ContractViolation{Op: op, Rank: f.Array.Rank, Reason: fmt.Sprintf(format, args...)})
}

// checkCommon validates what every fill needs and reports whether there is
// anything to do
func (f *Filler) checkCommon(op string, scomp, ncomp int, nghost geometry.IntVect, domain geometry.Box) bool {
	arr := f.Array
	if scomp < 0 || ncomp < 1 || scomp+ncomp > arr.NComp {
		f.violate(op, "components [%d, %d) outside [0, %d)", scomp, scomp+ncomp, arr.NComp)
	}
	if !nghost.AllGE(geometry.IntVect{}) {
		f.violate(op, "negative ghost width %v", nghost)
	}
	if !nghost.AllLE(arr.NGrow) {
		f.violate(op, "ghost width %v exceeds allocated %v", nghost, arr.NGrow)
	}
	if nghost[0] == 0 && nghost[1] == 0 {
		return false
	}
	if !domain.Ok() {
		f.violate(op, "empty domain %v", domain)
	}
	if domain.Lo[0] != 0 || domain.Lo[1] != 0 {
		f.violate(op, "domain %v must start at the origin", domain)
	}
	if domain != arr.Layout.Domain {
		f.violate(op, "domain %v differs from the decomposed domain %v", domain, arr.Layout.Domain)
	}
	if f.Tags.Layout() != arr.Layout {
		f.violate(op, "tag builder and array use different decompositions")
	}
	return true
}

// Rotate90 fills the low x and low y ghost strips of components
// [scomp, scomp+ncomp) from the domain rotated by 90 degrees, and the
// corner between them from the point-reflected interior.
func (f *Filler) Rotate90(scomp, ncomp int, nghost geometry.IntVect, domain geometry.Box) {
	const op = "Rotate90"
	if !f.checkCommon(op, scomp, ncomp, nghost, domain) {
		return
	}
	if domain.Length(0) != domain.Length(1) {
		f.violate(op, "domain %v is not square", domain)
	}
	if nghost[0] != nghost[1] {
		f.violate(op, "ghost width %v differs in x and y", nghost)
	}
	// The corner self fill reads the reflected cells from the corner patch
	for _, p := range f.Array.Layout.Patches {
		b := p.Box
		if b.Lo[0] == 0 && b.Lo[1] == 0 && (b.Length(0) < nghost[0] || b.Length(1) < nghost[1]) {
			f.violate(op, "corner patch %v is narrower than ghost width %v", b, nghost)
		}
	}
	h := f.post(op, tags.RB90, scomp, ncomp, nghost, domain)
	f.fillCorner(scomp, ncomp, nghost, domain)
	f.Orchestrator.Finish(h)
}

// Rotate180 fills the low x ghost strip from the domain rotated by 180 degrees
func (f *Filler) Rotate180(scomp, ncomp int, nghost geometry.IntVect, domain geometry.Box) {
	const op = "Rotate180"
	if !f.checkCommon(op, scomp, ncomp, nghost, domain) {
		return
	}
	if domain.Length(1)%2 != 0 {
		f.violate(op, "y extent %d is odd", domain.Length(1))
	}
	f.Orchestrator.Finish(f.post(op, tags.RB180, scomp, ncomp, nghost, domain))
}

// FillPolar fills both x ghost strips, corners included, across the poles
func (f *Filler) FillPolar(scomp, ncomp int, nghost geometry.IntVect, domain geometry.Box) {
	const op = "FillPolar"
	if !f.checkCommon(op, scomp, ncomp, nghost, domain) {
		return
	}
	lx, ly := domain.Length(0), domain.Length(1)
	if ly%2 != 0 {
		f.violate(op, "y extent %d is odd", ly)
	}
	if nghost[0] > lx/2 || nghost[1] > ly/2 {
		f.violate(op, "ghost width %v exceeds half the domain %dx%d", nghost, lx, ly)
	}
	f.Orchestrator.Finish(f.post(op, tags.PolarB, scomp, ncomp, nghost, domain))
}

// Rotate90All fills every component to the allocated ghost width
func (f *Filler) Rotate90All(domain geometry.Box) {
	f.Rotate90(0, f.Array.NComp, f.Array.NGrow, domain)
}

func (f *Filler) Rotate180All(domain geometry.Box) {
	f.Rotate180(0, f.Array.NComp, f.Array.NGrow, domain)
}

func (f *Filler) FillPolarAll(domain geometry.Box) {
	f.FillPolar(0, f.Array.NComp, f.Array.NGrow, domain)
}

func (f *Filler) post(op string, kind tags.Kind, scomp, ncomp int, nghost geometry.IntVect, domain geometry.Box) *exchange.Handle {
	bundle := f.Tags.GetTagsFor(kind, nghost, domain)
	dtos := tags.DstToSrc(tags.Key{Kind: kind, NGhost: nghost, Domain: domain})
	f.Logger.Debug().
		Str("op", op).
		Int("scomp", scomp).
		Int("ncomp", ncomp).
		Stringer("nghost", nghost).
		Msg("fill")
	return f.Orchestrator.Post(op, f.Array, scomp, ncomp, bundle, dtos)
}

// mirror reflects b through the corner point between cells (-1,-1) and (0,0)
func mirror(b geometry.Box) geometry.Box {
	return geometry.NewBox(
		geometry.IV(-1-b.Hi[0], -1-b.Hi[1], b.Lo[2]),
		geometry.IV(-1-b.Lo[0], -1-b.Lo[1], b.Hi[2]),
	)
}

// fillCorner sets fab(i,j,k) = fab(-1-i,-1-j,k) over the low x, low y corner
// of every local patch whose own interior holds the reflected cells. The
// strips exchanged by tags never reach this corner.
func (f *Filler) fillCorner(scomp, ncomp int, nghost geometry.IntVect, domain geometry.Box) {
	arr := f.Array
	corner := geometry.NewBox(
		geometry.IV(-nghost[0], -nghost[1], domain.Lo[2]-nghost[2]),
		geometry.IV(-1, -1, domain.Hi[2]+nghost[2]),
	)
	for _, id := range arr.LocalPatches() {
		valid := arr.Layout.PatchBox(id)
		b := corner.Intersect(valid.Grow(nghost)).Intersect(mirror(valid))
		if !b.Ok() {
			continue
		}
		v := arr.View(id)
		for n := scomp; n < scomp+ncomp; n++ {
			for k := b.Lo[2]; k <= b.Hi[2]; k++ {
				for j := b.Lo[1]; j <= b.Hi[1]; j++ {
					for i := b.Lo[0]; i <= b.Hi[0]; i++ {
						v.Set(i, j, k, n, v.At(-1-i, -1-j, k, n))
					}
				}
			}
		}
	}
}
