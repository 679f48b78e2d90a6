// Package tags computes which index ranges of a non-local fill are copied
// locally, sent to a peer rank, or received from one.
package tags

import (
	"fmt"
	"github.com/notargets/haloremap/geometry"
	"sort"
)

// CopyTag moves SBox of patch SrcPatch into DBox of patch DstPatch. The two
// boxes hold the same number of cells; their shapes may be permuted.
type CopyTag struct {
	SrcPatch int
	DstPatch int
	SBox     geometry.Box
	DBox     geometry.Box
}

func (t CopyTag) String() string {
	return fmt.Sprintf("%d%v -> %d%v", t.SrcPatch, t.SBox, t.DstPatch, t.DBox)
}

// Bundle is one rank's view of a fill: copies it performs alone, and per
// peer rank the descriptors it sends and receives. For every pair of ranks
// a and b, a's Send[b] and b's Recv[a] hold the same descriptors in the same
// order.
type Bundle struct {
	Rank  int
	Local []CopyTag
	Send  map[int][]CopyTag
	Recv  map[int][]CopyTag
}

func newBundle(rank int) *Bundle {
	return &Bundle{
		Rank: rank,
		Send: make(map[int][]CopyTag),
		Recv: make(map[int][]CopyTag),
	}
}

// SendRanks returns the destination ranks in ascending order
func (b *Bundle) SendRanks() []int {
	return sortedKeys(b.Send)
}

// RecvRanks returns the source ranks in ascending order
func (b *Bundle) RecvRanks() []int {
	return sortedKeys(b.Recv)
}

// Empty reports whether the bundle carries no work at all
func (b *Bundle) Empty() bool {
	return len(b.Local) == 0 && len(b.Send) == 0 && len(b.Recv) == 0
}

// SendCells is the number of source cells sent to rank
func (b *Bundle) SendCells(rank int) int {
	return cells(b.Send[rank])
}

// RecvCells is the number of source cells received from rank
func (b *Bundle) RecvCells(rank int) int {
	return cells(b.Recv[rank])
}

// LocalCells is the number of cells copied without leaving the rank
func (b *Bundle) LocalCells() int {
	return cells(b.Local)
}

func cells(ts []CopyTag) int {
	n := 0
	for _, t := range ts {
		n += t.SBox.NumPts()
	}
	return n
}

func sortedKeys(m map[int][]CopyTag) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// ValidateSymmetry checks that every rank's send list is matched by the
// receiving rank's list, descriptor for descriptor. bundles[r] must belong
// to rank r.
func ValidateSymmetry(bundles []*Bundle) error {
	for r, b := range bundles {
		if b.Rank != r {
			return fmt.Errorf("bundle at index %d belongs to rank %d", r, b.Rank)
		}
	}
	for sender, b := range bundles {
		for _, receiver := range b.SendRanks() {
			if receiver < 0 || receiver >= len(bundles) {
				return fmt.Errorf("rank %d sends to unknown rank %d", sender, receiver)
			}
			sent, recv := b.Send[receiver], bundles[receiver].Recv[sender]
			if len(sent) != len(recv) {
				return fmt.Errorf("rank %d sends %d descriptors to %d, but %d expects %d",
					sender, len(sent), receiver, receiver, len(recv))
			}
			for i := range sent {
				if sent[i] != recv[i] {
					return fmt.Errorf("descriptor %d from rank %d to %d differs: %v vs %v",
						i, sender, receiver, sent[i], recv[i])
				}
			}
		}
		for _, source := range b.RecvRanks() {
			if source < 0 || source >= len(bundles) {
				return fmt.Errorf("rank %d receives from unknown rank %d", sender, source)
			}
			if _, ok := bundles[source].Send[sender]; !ok {
				return fmt.Errorf("rank %d expects to receive from %d, but %d doesn't send",
					sender, source, source)
			}
		}
	}
	return nil
}
