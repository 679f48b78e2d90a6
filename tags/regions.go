package tags

import (
	"fmt"
	"github.com/notargets/haloremap/geometry"
	"github.com/notargets/haloremap/transform"
)

// Kind is the boundary geometry a bundle serves
type Kind uint8

const (
	RB90   Kind = iota + 1 // 90 degree rotation across the low x and low y edges
	RB180                  // 180 degree rotation across the low x edge
	PolarB                 // polar fold across both x edges
)

func (k Kind) String() string {
	switch k {
	case RB90:
		return "rb90"
	case RB180:
		return "rb180"
	case PolarB:
		return "polar"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Key identifies a memoized bundle
type Key struct {
	Kind   Kind
	NGhost geometry.IntVect
	Domain geometry.Box
}

// Region is a destination ghost strip with the transform reaching its source
// (Fwd) and the one mapping source cells back into it (Inv).
type Region struct {
	Box geometry.Box
	Fwd transform.Transform
	Inv transform.Transform
}

// Regions lists the destination strips of a fill in the order tags are built
func Regions(key Key) []Region {
	d, ng := key.Domain, key.NGhost
	zlo, zhi := d.Lo[2]-ng[2], d.Hi[2]+ng[2]
	strip := func(xlo, xhi, ylo, yhi int) geometry.Box {
		return geometry.NewBox(geometry.IV(xlo, ylo, zlo), geometry.IV(xhi, yhi, zhi))
	}

	switch key.Kind {
	case RB90:
		cw, ccw := transform.NewRotateCW(), transform.NewRotateCCW()
		return []Region{
			{Box: strip(-ng[0], -1, 0, d.Hi[1]), Fwd: cw, Inv: ccw},
			{Box: strip(0, d.Hi[0], -ng[1], -1), Fwd: ccw, Inv: cw},
		}

	case RB180:
		r := transform.NewRotate180(d.Length(1))
		return []Region{
			{Box: strip(-ng[0], -1, 0, d.Hi[1]), Fwd: r, Inv: r},
		}

	case PolarB:
		lx, ly := d.Length(0), d.Length(1)
		p := transform.NewPolar(lx, ly)
		c := transform.NewPolarCorner(lx, ly)
		var out []Region
		for _, xs := range [][2]int{{-ng[0], -1}, {lx, lx + ng[0] - 1}} {
			out = append(out,
				Region{Box: strip(xs[0], xs[1], -ng[1], -1), Fwd: p, Inv: c},
				Region{Box: strip(xs[0], xs[1], 0, ly/2-1), Fwd: p, Inv: p},
				Region{Box: strip(xs[0], xs[1], ly/2, ly-1), Fwd: p, Inv: p},
				Region{Box: strip(xs[0], xs[1], ly, ly+ng[1]-1), Fwd: p, Inv: c},
			)
		}
		return out
	}
	panic(fmt.Sprintf("tags: unknown kind %d", key.Kind))
}

// DstToSrc returns the destination-to-source selector matching the regions of kind
func DstToSrc(key Key) transform.DstToSrc {
	switch key.Kind {
	case RB90:
		return transform.Rotate90DstToSrc{}
	case RB180:
		return transform.Fixed{T: transform.NewRotate180(key.Domain.Length(1))}
	case PolarB:
		return transform.Fixed{T: transform.NewPolar(key.Domain.Length(0), key.Domain.Length(1))}
	}
	panic(fmt.Sprintf("tags: unknown kind %d", key.Kind))
}
