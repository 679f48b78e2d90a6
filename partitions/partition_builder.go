package partitions

import (
	"fmt"
	"github.com/notargets/haloremap/geometry"
	"math"
	"strings"
)

// PartitionBuilder constructs a patch layout from a domain
type PartitionBuilder struct {
	// Index space to decompose
	Domain geometry.Box

	// Partitioning parameters
	MaxPatchSize  geometry.IntVect // Longest patch extent per axis, <= 0 means unlimited
	NumPartitions int              // Number of ranks
	Strategy      PartitionStrategy
}

// PartitionStrategy defines how patches are assigned to ranks
type PartitionStrategy int

const (
	BlockPartition PartitionStrategy = iota // Consecutive patches
	RoundRobin                              // Distribute cyclically
)

func (s PartitionStrategy) String() string {
	switch s {
	case BlockPartition:
		return "block"
	case RoundRobin:
		return "roundrobin"
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// ParseStrategy maps a configuration name onto a PartitionStrategy
func ParseStrategy(name string) (PartitionStrategy, error) {
	switch strings.ToLower(name) {
	case "", "block":
		return BlockPartition, nil
	case "roundrobin", "round-robin":
		return RoundRobin, nil
	}
	return 0, fmt.Errorf("unknown distribution %q", name)
}

// BuildPartitions chops the domain into patches and assigns them to ranks
func (pb *PartitionBuilder) BuildPartitions() (*PartitionLayout, error) {
	if !pb.Domain.Ok() {
		return nil, fmt.Errorf("empty domain %v", pb.Domain)
	}
	numPartitions := pb.NumPartitions
	if numPartitions < 1 {
		numPartitions = 1
	}

	// Tile the domain
	boxes := pb.Domain.Chop(pb.MaxPatchSize)
	patches := make([]Patch, len(boxes))
	for i, b := range boxes {
		patches[i] = Patch{ID: i, Box: b}
	}

	// Assign patches to ranks
	pToR := pb.partitionPatches(len(patches), numPartitions)

	// Create partition structures
	partitions := pb.createPartitions(patches, pToR, numPartitions)

	maxCells, total := 0, 0
	for _, p := range partitions {
		maxCells = max(maxCells, p.NumCells)
		total += p.NumCells
	}

	layout := &PartitionLayout{
		Domain:        pb.Domain,
		Patches:       patches,
		Partitions:    partitions,
		MaxCells:      maxCells,
		TotalCells:    total,
		NumPartitions: numPartitions,
		PToR:          pToR,
	}

	if err := layout.ValidateLayout(); err != nil {
		return nil, fmt.Errorf("invalid partition layout: %w", err)
	}

	return layout, nil
}

// partitionPatches assigns patches to partitions
func (pb *PartitionBuilder) partitionPatches(numPatches, numPartitions int) []int {
	pToR := make([]int, numPatches)

	switch pb.Strategy {
	case RoundRobin:
		for i := range pToR {
			pToR[i] = i % numPartitions
		}

	default:
		patchesPerPartition := int(math.Ceil(float64(numPatches) / float64(numPartitions)))
		for i := range pToR {
			pToR[i] = min(i/patchesPerPartition, numPartitions-1)
		}
	}

	return pToR
}

// createPartitions builds partition structures from patch assignments.
// Ranks left without a patch get an empty partition.
func (pb *PartitionBuilder) createPartitions(patches []Patch, pToR []int, numPartitions int) []Partition {
	partitions := make([]Partition, numPartitions)
	for i := range partitions {
		partitions[i] = Partition{ID: i, Patches: make([]int, 0)}
	}

	for id, rank := range pToR {
		partitions[rank].Patches = append(partitions[rank].Patches, id)
		partitions[rank].NumPatches++
		partitions[rank].NumCells += patches[id].Box.NumPts()
	}

	return partitions
}

// PartitionStatistics computes load balance metrics
func (layout *PartitionLayout) PartitionStatistics() PartitionStats {
	stats := PartitionStats{
		NumPartitions: layout.NumPartitions,
		NumPatches:    len(layout.Patches),
		MinCells:      math.MaxInt,
		MaxCells:      0,
		AvgCells:      float64(layout.TotalCells) / float64(layout.NumPartitions),
	}

	for _, p := range layout.Partitions {
		stats.MinCells = min(stats.MinCells, p.NumCells)
		stats.MaxCells = max(stats.MaxCells, p.NumCells)
	}

	if stats.AvgCells > 0 {
		stats.Imbalance = float64(stats.MaxCells) / stats.AvgCells
	}

	return stats
}

type PartitionStats struct {
	NumPartitions int
	NumPatches    int
	MinCells      int
	MaxCells      int
	AvgCells      float64
	Imbalance     float64 // MaxCells / AvgCells
}
