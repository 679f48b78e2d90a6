// Package geometry holds the integer index space shared by every other package:
// cell addresses (IntVect) and inclusive rectangular ranges of them (Box).
//
// All boxes are cell centered. Two dimensional problems fix the z range of
// every box to [0,0].
package geometry

import (
	"fmt"
)

// IntVect addresses a single cell
type IntVect [3]int

// IV builds an IntVect from its components
func IV(x, y, z int) IntVect {
	return IntVect{x, y, z}
}

// Uniform returns an IntVect with every component set to n
func Uniform(n int) IntVect {
	return IntVect{n, n, n}
}

func (v IntVect) Add(o IntVect) IntVect {
	return IntVect{v[0] + o[0], v[1] + o[1], v[2] + o[2]}
}

func (v IntVect) Sub(o IntVect) IntVect {
	return IntVect{v[0] - o[0], v[1] - o[1], v[2] - o[2]}
}

func (v IntVect) Neg() IntVect {
	return IntVect{-v[0], -v[1], -v[2]}
}

// AllLE reports whether every component of v is <= the matching component of o
func (v IntVect) AllLE(o IntVect) bool {
	return v[0] <= o[0] && v[1] <= o[1] && v[2] <= o[2]
}

// AllGE reports whether every component of v is >= the matching component of o
func (v IntVect) AllGE(o IntVect) bool {
	return v[0] >= o[0] && v[1] >= o[1] && v[2] >= o[2]
}

// Min is the component-wise minimum
func (v IntVect) Min(o IntVect) IntVect {
	return IntVect{min(v[0], o[0]), min(v[1], o[1]), min(v[2], o[2])}
}

// Max is the component-wise maximum
func (v IntVect) Max(o IntVect) IntVect {
	return IntVect{max(v[0], o[0]), max(v[1], o[1]), max(v[2], o[2])}
}

func (v IntVect) String() string {
	return fmt.Sprintf("(%d,%d,%d)", v[0], v[1], v[2])
}

// Box is an inclusive range [Lo, Hi] of cells. A box with any Lo > Hi holds
// no cells.
type Box struct {
	Lo, Hi IntVect
}

// NewBox builds a box from its inclusive corners
func NewBox(lo, hi IntVect) Box {
	return Box{Lo: lo, Hi: hi}
}

// Box2D builds a box in the z=0 plane
func Box2D(xlo, ylo, xhi, yhi int) Box {
	return Box{Lo: IntVect{xlo, ylo, 0}, Hi: IntVect{xhi, yhi, 0}}
}

// Ok reports whether the box holds at least one cell
func (b Box) Ok() bool {
	return b.Lo.AllLE(b.Hi)
}

// Length returns the number of cells along dimension d
func (b Box) Length(d int) int {
	if b.Hi[d] < b.Lo[d] {
		return 0
	}
	return b.Hi[d] - b.Lo[d] + 1
}

// Shape returns the number of cells along each dimension
func (b Box) Shape() IntVect {
	return IntVect{b.Length(0), b.Length(1), b.Length(2)}
}

// NumPts returns the number of cells in the box
func (b Box) NumPts() int {
	if !b.Ok() {
		return 0
	}
	return b.Length(0) * b.Length(1) * b.Length(2)
}

// Contains reports whether p lies inside the box
func (b Box) Contains(p IntVect) bool {
	return b.Lo.AllLE(p) && p.AllLE(b.Hi)
}

// ContainsBox reports whether o lies entirely inside b. Empty boxes are
// contained everywhere.
func (b Box) ContainsBox(o Box) bool {
	if !o.Ok() {
		return true
	}
	return b.Contains(o.Lo) && b.Contains(o.Hi)
}

// Intersect returns the overlap of two boxes; the result may be empty
func (b Box) Intersect(o Box) Box {
	return Box{Lo: b.Lo.Max(o.Lo), Hi: b.Hi.Min(o.Hi)}
}

// Grow extends the box by n cells on both sides of each dimension
func (b Box) Grow(n IntVect) Box {
	return Box{Lo: b.Lo.Sub(n), Hi: b.Hi.Add(n)}
}

// Shift translates the box by s
func (b Box) Shift(s IntVect) Box {
	return Box{Lo: b.Lo.Add(s), Hi: b.Hi.Add(s)}
}

// Offset returns the linear position of p inside the box, x fastest
func (b Box) Offset(p IntVect) int {
	nx, ny := b.Length(0), b.Length(1)
	return (p[0] - b.Lo[0]) + nx*((p[1]-b.Lo[1])+ny*(p[2]-b.Lo[2]))
}

// Cell is the inverse of Offset
func (b Box) Cell(offset int) IntVect {
	nx, ny := b.Length(0), b.Length(1)
	i := offset % nx
	offset /= nx
	j := offset % ny
	k := offset / ny
	return IntVect{b.Lo[0] + i, b.Lo[1] + j, b.Lo[2] + k}
}

// Chop tiles the box into pieces no longer than maxSize along any
// dimension. Pieces are returned in x-fastest order.
func (b Box) Chop(maxSize IntVect) []Box {
	if !b.Ok() {
		return nil
	}
	var cuts [3][][2]int
	for d := 0; d < 3; d++ {
		step := maxSize[d]
		if step <= 0 {
			step = b.Length(d)
		}
		for lo := b.Lo[d]; lo <= b.Hi[d]; lo += step {
			cuts[d] = append(cuts[d], [2]int{lo, min(lo+step-1, b.Hi[d])})
		}
	}
	boxes := make([]Box, 0, len(cuts[0])*len(cuts[1])*len(cuts[2]))
	for _, z := range cuts[2] {
		for _, y := range cuts[1] {
			for _, x := range cuts[0] {
				boxes = append(boxes, Box{
					Lo: IntVect{x[0], y[0], z[0]},
					Hi: IntVect{x[1], y[1], z[1]},
				})
			}
		}
	}
	return boxes
}

func (b Box) String() string {
	return fmt.Sprintf("[%v..%v]", b.Lo, b.Hi)
}
