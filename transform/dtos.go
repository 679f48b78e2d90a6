package transform

import (
	"fmt"
	"github.com/notargets/haloremap/geometry"
)

// DstToSrc picks the destination-to-source transform for one copy
// descriptor. The choice is made once per destination box so the element
// loops never branch on it.
type DstToSrc interface {
	For(dbox geometry.Box) Transform
}

// Fixed applies the same transform to every descriptor
type Fixed struct {
	T Transform
}

func (f Fixed) For(geometry.Box) Transform { return f.T }

// Rotate90DstToSrc serves both rotation senses of a 90 degree fill: ghost
// cells left of the domain (x<0) read clockwise, cells below it read
// counter-clockwise.
type Rotate90DstToSrc struct{}

func (Rotate90DstToSrc) For(dbox geometry.Box) Transform {
	switch {
	case dbox.Hi[0] < 0:
		return NewRotateCW()
	case dbox.Lo[0] >= 0:
		return NewRotateCCW()
	}
	panic(fmt.Sprintf("transform: destination box %v straddles x=0", dbox))
}

// Map is the per-element form of the selection
func (Rotate90DstToSrc) Map(p geometry.IntVect) geometry.IntVect {
	if p[0] < 0 {
		return NewRotateCW().Map(p)
	}
	return NewRotateCCW().Map(p)
}
