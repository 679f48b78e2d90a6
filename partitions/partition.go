package partitions

import (
	"fmt"
	"github.com/notargets/haloremap/geometry"
)

// Patch is one rectangular tile of the domain. Patch ids are global and
// dense: patch p is Patches[p] on every rank.
type Patch struct {
	ID  int
	Box geometry.Box
}

// Partition is the set of patches that one rank owns and fills together
type Partition struct {
	// Unique identifier for this partition, equal to the owning rank
	ID int

	// Patch membership, ascending global ids
	Patches    []int
	NumPatches int
	NumCells   int // Valid cells summed over the member patches
}

// PartitionLayout manages the complete domain decomposition
type PartitionLayout struct {
	// Index space covered by the patches
	Domain geometry.Box

	// All patches in the domain, indexed by patch id
	Patches []Patch

	// One partition per rank
	Partitions []Partition

	// Global sizing information
	MaxCells      int // max(NumCells) across all partitions
	TotalCells    int // Sum of all valid cells across partitions
	NumPartitions int // Total number of partitions (ranks)

	// Patch to partition mapping
	PToR []int // Length len(Patches): patch p belongs to rank PToR[p]
}

// GetPartition returns the rank owning patch p, or -1 for an unknown patch
func (pl *PartitionLayout) GetPartition(patchID int) int {
	if patchID < 0 || patchID >= len(pl.PToR) {
		return -1
	}
	return pl.PToR[patchID]
}

// PatchBox returns the valid region of patch p
func (pl *PartitionLayout) PatchBox(patchID int) geometry.Box {
	return pl.Patches[patchID].Box
}

// LocalPatches returns the patch ids owned by rank in ascending order
func (pl *PartitionLayout) LocalPatches(rank int) []int {
	if rank < 0 || rank >= len(pl.Partitions) {
		return nil
	}
	return pl.Partitions[rank].Patches
}

// ValidateLayout checks partition consistency: the patches tile the domain
// exactly and every patch belongs to exactly one partition.
func (pl *PartitionLayout) ValidateLayout() error {
	if len(pl.PToR) != len(pl.Patches) {
		return fmt.Errorf("PToR length %d != number of patches %d", len(pl.PToR), len(pl.Patches))
	}
	if len(pl.Partitions) != pl.NumPartitions {
		return fmt.Errorf("%d partitions stored, NumPartitions is %d", len(pl.Partitions), pl.NumPartitions)
	}

	covered := 0
	for id, p := range pl.Patches {
		if p.ID != id {
			return fmt.Errorf("patch at index %d carries id %d", id, p.ID)
		}
		if !p.Box.Ok() {
			return fmt.Errorf("patch %d: empty box %v", id, p.Box)
		}
		if !pl.Domain.ContainsBox(p.Box) {
			return fmt.Errorf("patch %d: box %v outside domain %v", id, p.Box, pl.Domain)
		}
		for _, q := range pl.Patches[id+1:] {
			if p.Box.Intersect(q.Box).Ok() {
				return fmt.Errorf("patches %d and %d overlap: %v, %v", id, q.ID, p.Box, q.Box)
			}
		}
		covered += p.Box.NumPts()
	}
	if covered != pl.Domain.NumPts() {
		return fmt.Errorf("patches cover %d cells, domain %v has %d", covered, pl.Domain, pl.Domain.NumPts())
	}

	seen := make([]bool, len(pl.Patches))
	actualMax, total := 0, 0
	for r, part := range pl.Partitions {
		if part.ID != r {
			return fmt.Errorf("partition at index %d carries id %d", r, part.ID)
		}
		cells := 0
		for _, id := range part.Patches {
			if id < 0 || id >= len(pl.Patches) {
				return fmt.Errorf("partition %d: unknown patch %d", r, id)
			}
			if seen[id] {
				return fmt.Errorf("patch %d assigned twice", id)
			}
			if pl.PToR[id] != r {
				return fmt.Errorf("patch %d listed in partition %d but PToR says %d", id, r, pl.PToR[id])
			}
			seen[id] = true
			cells += pl.Patches[id].Box.NumPts()
		}
		if cells != part.NumCells {
			return fmt.Errorf("partition %d: NumCells %d != computed %d", r, part.NumCells, cells)
		}
		actualMax = max(actualMax, cells)
		total += cells
	}
	for id, ok := range seen {
		if !ok {
			return fmt.Errorf("patch %d not assigned to any partition", id)
		}
	}
	if actualMax != pl.MaxCells {
		return fmt.Errorf("computed MaxCells %d != stored MaxCells %d", actualMax, pl.MaxCells)
	}
	if total != pl.TotalCells {
		return fmt.Errorf("computed TotalCells %d != stored TotalCells %d", total, pl.TotalCells)
	}
	return nil
}
