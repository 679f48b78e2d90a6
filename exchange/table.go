package exchange

import (
	"github.com/notargets/haloremap/geometry"
	"github.com/notargets/haloremap/partitions"
	"github.com/notargets/haloremap/tags"
	"github.com/notargets/haloremap/transform"
	"sort"
)

// Block is one peer's region of a transfer buffer, in float64 words
type Block struct {
	Rank   int
	Tags   []tags.CopyTag
	Offset int
	Words  int
}

// NewBlocks lays out the per-rank groups of a bundle back to back in
// ascending rank order and returns the blocks with the total word count.
func NewBlocks(groups map[int][]tags.CopyTag, ncomp int) ([]Block, int) {
	ranks := make([]int, 0, len(groups))
	for r := range groups {
		ranks = append(ranks, r)
	}
	sort.Ints(ranks)

	blocks := make([]Block, len(ranks))
	off := 0
	for i, r := range ranks {
		words := 0
		for _, t := range groups[r] {
			words += t.SBox.NumPts() * ncomp
		}
		blocks[i] = Block{Rank: r, Tags: groups[r], Offset: off, Words: words}
		off += words
	}
	return blocks, off
}

// tagOffsets returns where each descriptor of blk starts in the buffer. A
// descriptor that would run past the block panics with *ProtocolError.
func tagOffsets(op string, rank, ncomp int, blk Block) []int {
	offs := make([]int, len(blk.Tags))
	cum := 0
	for i, t := range blk.Tags {
		offs[i] = blk.Offset + cum
		cum += t.SBox.NumPts() * ncomp
		if cum > blk.Words {
			panic(&ProtocolError{Op: op, Rank: rank, Peer: blk.Rank, Expected: blk.Words * 8, Got: cum * 8})
		}
	}
	return offs
}

// FlatEntry is one descriptor of a flattened launch. Cells of Box are
// visited x fastest, each read from Src at T(cell) (or at the cell itself
// when Identity) and written to Dst at the cell. SrcFab and DstFab shape
// the storage starting at SrcBase and DstBase.
type FlatEntry struct {
	Box      geometry.Box
	T        transform.Transform
	Identity bool
	SrcBase  int
	SrcFab   geometry.Box
	DstBase  int
	DstFab   geometry.Box

	// T resolved once when the table is built
	mapFn func(i, j, k int) (int, int, int)
}

// FlatTable covers every element of every descriptor of one operation.
// Element e belongs to the entry d with Prefix[d] <= e < Prefix[d+1].
type FlatTable struct {
	Entries []FlatEntry
	Prefix  []int
	NComp   int
	SrcComp int // first component read in the source storage
	DstComp int // first component written in the destination storage
}

// Len is the number of elements in the table
func (t *FlatTable) Len() int {
	return t.Prefix[len(t.Prefix)-1]
}

func newFlatTable(ncomp, srcComp, dstComp int, entries []FlatEntry) *FlatTable {
	prefix := make([]int, len(entries)+1)
	for i := range entries {
		e := &entries[i]
		prefix[i+1] = prefix[i] + e.Box.NumPts()*ncomp
		if !e.Identity {
			e.mapFn = e.T.Func()
		}
	}
	return &FlatTable{Entries: entries, Prefix: prefix, NComp: ncomp, SrcComp: srcComp, DstComp: dstComp}
}

// Locate resolves element e to its entry, component and cell
func (t *FlatTable) Locate(e int) (entry, n int, cell geometry.IntVect) {
	entry = sort.Search(len(t.Entries), func(i int) bool { return t.Prefix[i+1] > e })
	r := e - t.Prefix[entry]
	npts := t.Entries[entry].Box.NumPts()
	return entry, r / npts, t.Entries[entry].Box.Cell(r % npts)
}

func fabIndex(fab geometry.Box, p geometry.IntVect, n int) int {
	return fab.Offset(p) + fab.NumPts()*n
}

// Apply copies elements [lo, hi) from src to dst. The table must come from
// one of the Build functions.
func (t *FlatTable) Apply(src, dst []float64, lo, hi int) {
	for e := lo; e < hi; e++ {
		d, n, cell := t.Locate(e)
		ent := &t.Entries[d]
		s := cell
		if !ent.Identity {
			s[0], s[1], s[2] = ent.mapFn(cell[0], cell[1], cell[2])
		}
		dst[ent.DstBase+fabIndex(ent.DstFab, cell, t.DstComp+n)] =
			src[ent.SrcBase+fabIndex(ent.SrcFab, s, t.SrcComp+n)]
	}
}

// BuildLocalTable flattens rank-local copies: both sides live in arr.GlobalData
func BuildLocalTable(arr *partitions.PartitionedArray, scomp, ncomp int, local []tags.CopyTag, dtos transform.DstToSrc) *FlatTable {
	entries := make([]FlatEntry, len(local))
	for i, t := range local {
		entries[i] = FlatEntry{
			Box:     t.DBox,
			T:       dtos.For(t.DBox),
			SrcBase: arr.PatchOffset(t.SrcPatch),
			SrcFab:  arr.FabBox(t.SrcPatch),
			DstBase: arr.PatchOffset(t.DstPatch),
			DstFab:  arr.FabBox(t.DstPatch),
		}
	}
	return newFlatTable(ncomp, scomp, scomp, entries)
}

// BuildPackTable flattens packing: arr.GlobalData into the send buffer,
// raw source-box order, no transform.
func BuildPackTable(arr *partitions.PartitionedArray, scomp, ncomp int, blocks []Block) *FlatTable {
	var entries []FlatEntry
	for _, blk := range blocks {
		offs := tagOffsets("pack", arr.Rank, ncomp, blk)
		for i, t := range blk.Tags {
			entries = append(entries, FlatEntry{
				Box:      t.SBox,
				Identity: true,
				SrcBase:  arr.PatchOffset(t.SrcPatch),
				SrcFab:   arr.FabBox(t.SrcPatch),
				DstBase:  offs[i],
				DstFab:   t.SBox,
			})
		}
	}
	return newFlatTable(ncomp, scomp, 0, entries)
}

// BuildUnpackTable flattens unpacking: the receive buffer, shaped per
// descriptor as the sender's source box, into arr.GlobalData through dtos.
func BuildUnpackTable(arr *partitions.PartitionedArray, scomp, ncomp int, blocks []Block, dtos transform.DstToSrc) *FlatTable {
	var entries []FlatEntry
	for _, blk := range blocks {
		offs := tagOffsets("unpack", arr.Rank, ncomp, blk)
		for i, t := range blk.Tags {
			entries = append(entries, FlatEntry{
				Box:     t.DBox,
				T:       dtos.For(t.DBox),
				SrcBase: offs[i],
				SrcFab:  t.SBox,
				DstBase: arr.PatchOffset(t.DstPatch),
				DstFab:  arr.FabBox(t.DstPatch),
			})
		}
	}
	return newFlatTable(ncomp, 0, scomp, entries)
}
