package partitions

import (
	"fmt"
	"github.com/notargets/haloremap/geometry"
	"gonum.org/v1/gonum/floats"
)

// PartitionedArray is one rank's storage for the patches it owns. Every patch
// is grown by NGrow ghost cells on each side and holds NComp components.
type PartitionedArray struct {
	Layout *PartitionLayout
	Rank   int
	NComp  int
	NGrow  geometry.IntVect

	// Contiguous storage for all local patches
	// Layout: [Patch a Data][Patch b Data]... in ascending patch id
	GlobalData []float64

	// Local patch i's data starts at GlobalData[Offsets[i]]
	Offsets []int

	local []int       // local slot -> patch id
	slot  map[int]int // patch id -> local slot
}

// AllocatePartitionedArray creates zeroed storage for the patches rank owns
func AllocatePartitionedArray(layout *PartitionLayout, rank, ncomp int, ngrow geometry.IntVect) *PartitionedArray {
	if ncomp < 1 {
		panic(fmt.Sprintf("partitions: ncomp %d < 1", ncomp))
	}
	if !ngrow.AllGE(geometry.IntVect{}) {
		panic(fmt.Sprintf("partitions: negative ghost width %v", ngrow))
	}
	local := layout.LocalPatches(rank)

	offsets := make([]int, len(local)+1)
	slot := make(map[int]int, len(local))
	for i, id := range local {
		slot[id] = i
		offsets[i+1] = offsets[i] + layout.PatchBox(id).Grow(ngrow).NumPts()*ncomp
	}

	return &PartitionedArray{
		Layout:     layout,
		Rank:       rank,
		NComp:      ncomp,
		NGrow:      ngrow,
		GlobalData: make([]float64, offsets[len(local)]),
		Offsets:    offsets,
		local:      local,
		slot:       slot,
	}
}

// LocalPatches returns the patch ids stored here, ascending
func (pa *PartitionedArray) LocalPatches() []int {
	return pa.local
}

// IsLocal reports whether patch p is stored in this array
func (pa *PartitionedArray) IsLocal(patchID int) bool {
	_, ok := pa.slot[patchID]
	return ok
}

// OwnerRank is the rank that stores patch p
func (pa *PartitionedArray) OwnerRank(patchID int) int {
	return pa.Layout.GetPartition(patchID)
}

// FabBox is the allocated region of patch p: its valid box grown by NGrow
func (pa *PartitionedArray) FabBox(patchID int) geometry.Box {
	return pa.Layout.PatchBox(patchID).Grow(pa.NGrow)
}

// GetPartitionData returns the raw storage of local patch p
func (pa *PartitionedArray) GetPartitionData(patchID int) []float64 {
	i, ok := pa.slot[patchID]
	if !ok {
		panic(fmt.Sprintf("partitions: patch %d is not local to rank %d", patchID, pa.Rank))
	}
	return pa.GlobalData[pa.Offsets[i]:pa.Offsets[i+1]]
}

// PatchOffset is where local patch p starts in GlobalData
func (pa *PartitionedArray) PatchOffset(patchID int) int {
	i, ok := pa.slot[patchID]
	if !ok {
		panic(fmt.Sprintf("partitions: patch %d is not local to rank %d", patchID, pa.Rank))
	}
	return pa.Offsets[i]
}

// View returns a mutable accessor over local patch p
func (pa *PartitionedArray) View(patchID int) View {
	return NewView(pa.GetPartitionData(patchID), pa.FabBox(patchID), pa.NComp)
}

// ConstView returns a read-only accessor over local patch p
func (pa *PartitionedArray) ConstView(patchID int) ConstView {
	return ConstView{v: pa.View(patchID)}
}

// SetVal sets every stored value, ghosts included
func (pa *PartitionedArray) SetVal(v float64) {
	for i := range pa.GlobalData {
		pa.GlobalData[i] = v
	}
}

// FillValid evaluates f on every valid cell and component of every local patch
func (pa *PartitionedArray) FillValid(f func(patchID int, p geometry.IntVect, n int) float64) {
	for _, id := range pa.local {
		v := pa.View(id)
		b := pa.Layout.PatchBox(id)
		for n := 0; n < pa.NComp; n++ {
			for k := b.Lo[2]; k <= b.Hi[2]; k++ {
				for j := b.Lo[1]; j <= b.Hi[1]; j++ {
					for i := b.Lo[0]; i <= b.Hi[0]; i++ {
						v.Set(i, j, k, n, f(id, geometry.IV(i, j, k), n))
					}
				}
			}
		}
	}
}

// Checksum sums every stored value
func (pa *PartitionedArray) Checksum() float64 {
	return floats.Sum(pa.GlobalData)
}
