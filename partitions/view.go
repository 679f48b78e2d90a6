package partitions

import (
	"fmt"
	"github.com/notargets/haloremap/geometry"
)

// View addresses NComp components over Box in a flat slice, x fastest and the
// component slowest.
type View struct {
	Data  []float64
	Box   geometry.Box
	NComp int

	nx, nxy, npts int
}

// NewView wraps data shaped as box x ncomp
func NewView(data []float64, box geometry.Box, ncomp int) View {
	npts := box.NumPts()
	if len(data) < npts*ncomp {
		panic(fmt.Sprintf("partitions: %d values cannot hold %v x %d components", len(data), box, ncomp))
	}
	nx := box.Length(0)
	return View{
		Data:  data,
		Box:   box,
		NComp: ncomp,
		nx:    nx,
		nxy:   nx * box.Length(1),
		npts:  npts,
	}
}

// Index is the position of (i,j,k,n) in Data
func (v View) Index(i, j, k, n int) int {
	return (i - v.Box.Lo[0]) + v.nx*(j-v.Box.Lo[1]) + v.nxy*(k-v.Box.Lo[2]) + v.npts*n
}

func (v View) At(i, j, k, n int) float64 {
	return v.Data[v.Index(i, j, k, n)]
}

func (v View) Set(i, j, k, n int, val float64) {
	v.Data[v.Index(i, j, k, n)] = val
}

// ConstView is a read-only View
type ConstView struct {
	v View
}

// NewConstView wraps data shaped as box x ncomp for reading
func NewConstView(data []float64, box geometry.Box, ncomp int) ConstView {
	return ConstView{v: NewView(data, box, ncomp)}
}

func (c ConstView) Box() geometry.Box { return c.v.Box }

func (c ConstView) NComp() int { return c.v.NComp }

func (c ConstView) Index(i, j, k, n int) int { return c.v.Index(i, j, k, n) }

func (c ConstView) At(i, j, k, n int) float64 { return c.v.At(i, j, k, n) }
