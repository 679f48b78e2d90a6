// Package transform maps destination ghost cells to the interior cells they
// are filled from. Every variant is a bijection on its valid index range, so
// boxes map to boxes of the same cardinality with axes possibly permuted.
package transform

import (
	"fmt"
	"github.com/notargets/haloremap/geometry"
)

// Kind selects the coordinate remap
type Kind uint8

const (
	RotateCW    Kind = iota + 1 // (x,y,z) -> (y, -1-x, z)
	RotateCCW                   // (x,y,z) -> (-1-y, x, z)
	Rotate180                   // (x,y,z) -> (-1-x, Ly-1-y, z)
	Polar                       // pole fold in i, half period shift in j
	PolarCorner                 // Polar for rows where j is also outside [0,Ly)
)

func (k Kind) String() string {
	switch k {
	case RotateCW:
		return "rotate90cw"
	case RotateCCW:
		return "rotate90ccw"
	case Rotate180:
		return "rotate180"
	case Polar:
		return "polar"
	case PolarCorner:
		return "polar-corner"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Transform is an immutable remap capturing the domain extents it needs.
// Lx and Ly are ignored by the rotations that do not use them.
type Transform struct {
	Kind   Kind
	Lx, Ly int
}

func NewRotateCW() Transform {
	return Transform{Kind: RotateCW}
}

func NewRotateCCW() Transform {
	return Transform{Kind: RotateCCW}
}

func NewRotate180(ly int) Transform {
	return Transform{Kind: Rotate180, Ly: ly}
}

func NewPolar(lx, ly int) Transform {
	return Transform{Kind: Polar, Lx: lx, Ly: ly}
}

func NewPolarCorner(lx, ly int) Transform {
	return Transform{Kind: PolarCorner, Lx: lx, Ly: ly}
}

func (t Transform) String() string {
	switch t.Kind {
	case Rotate180:
		return fmt.Sprintf("%v{Ly=%d}", t.Kind, t.Ly)
	case Polar, PolarCorner:
		return fmt.Sprintf("%v{Lx=%d,Ly=%d}", t.Kind, t.Lx, t.Ly)
	default:
		return t.Kind.String()
	}
}

func (t Transform) polarI(i int) int {
	if i < t.Lx/2 {
		return -1 - i
	}
	return 2*t.Lx - 1 - i
}

func (t Transform) polarJ(j int) int {
	if j < t.Ly/2 {
		return j + t.Ly/2
	}
	return j - t.Ly/2
}

// cornerJ is an involution on [-Ly/2, 3Ly/2). Ghost rows agree with polarJ;
// interior rows map back out to the ghost rows that read them.
func (t Transform) cornerJ(j int) int {
	switch {
	case j < 0:
		return j + t.Ly/2
	case j >= t.Ly:
		return j - t.Ly/2
	case j < t.Ly/2:
		return j - t.Ly/2
	default:
		return j + t.Ly/2
	}
}

// Map applies the transform to a single index
func (t Transform) Map(p geometry.IntVect) geometry.IntVect {
	switch t.Kind {
	case RotateCW:
		return geometry.IntVect{p[1], -1 - p[0], p[2]}
	case RotateCCW:
		return geometry.IntVect{-1 - p[1], p[0], p[2]}
	case Rotate180:
		return geometry.IntVect{-1 - p[0], t.Ly - 1 - p[1], p[2]}
	case Polar:
		return geometry.IntVect{t.polarI(p[0]), t.polarJ(p[1]), p[2]}
	case PolarCorner:
		return geometry.IntVect{t.polarI(p[0]), t.cornerJ(p[1]), p[2]}
	}
	panic(fmt.Sprintf("transform: unknown kind %d", t.Kind))
}

// Func returns the mapping specialised for this kind, so loops pick the
// variant once rather than per element.
func (t Transform) Func() func(i, j, k int) (int, int, int) {
	switch t.Kind {
	case RotateCW:
		return func(i, j, k int) (int, int, int) { return j, -1 - i, k }
	case RotateCCW:
		return func(i, j, k int) (int, int, int) { return -1 - j, i, k }
	case Rotate180:
		ly := t.Ly
		return func(i, j, k int) (int, int, int) { return -1 - i, ly - 1 - j, k }
	case Polar:
		return func(i, j, k int) (int, int, int) { return t.polarI(i), t.polarJ(j), k }
	case PolarCorner:
		return func(i, j, k int) (int, int, int) { return t.polarI(i), t.cornerJ(j), k }
	}
	panic(fmt.Sprintf("transform: unknown kind %d", t.Kind))
}

// MapBox maps a box by mapping the two corners that land on the new lower and
// upper corners. Polar boxes must not straddle i=Lx/2 or j=Ly/2 (or, for the
// corner variant, j=0 and j=Ly).
func (t Transform) MapBox(b geometry.Box) geometry.Box {
	var a, c geometry.IntVect
	switch t.Kind {
	case RotateCW, Polar, PolarCorner:
		a = geometry.IntVect{b.Hi[0], b.Lo[1], b.Lo[2]}
		c = geometry.IntVect{b.Lo[0], b.Hi[1], b.Hi[2]}
	case RotateCCW:
		a = geometry.IntVect{b.Lo[0], b.Hi[1], b.Lo[2]}
		c = geometry.IntVect{b.Hi[0], b.Lo[1], b.Hi[2]}
	case Rotate180:
		a = geometry.IntVect{b.Hi[0], b.Hi[1], b.Lo[2]}
		c = geometry.IntVect{b.Lo[0], b.Lo[1], b.Hi[2]}
	default:
		panic(fmt.Sprintf("transform: unknown kind %d", t.Kind))
	}
	return geometry.Box{Lo: t.Map(a), Hi: t.Map(c)}
}

// Inverse returns the transform undoing t. Polar is its own inverse on
// in-domain rows; rows outside [0,Ly) are inverted by PolarCorner.
func (t Transform) Inverse() Transform {
	switch t.Kind {
	case RotateCW:
		return NewRotateCCW()
	case RotateCCW:
		return NewRotateCW()
	}
	return t
}
