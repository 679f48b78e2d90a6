// Package exchange runs a non-local ghost fill as a two-phase protocol. Post
// issues every receive, packs and issues every send, then performs the
// rank-local copies while messages are in flight. Finish waits for the
// receives, unpacks them, waits for the sends and releases the buffers.
package exchange

import (
	"fmt"
	"github.com/google/uuid"
	"github.com/notargets/haloremap/arena"
	"github.com/notargets/haloremap/metrics"
	"github.com/notargets/haloremap/partitions"
	"github.com/notargets/haloremap/tags"
	"github.com/notargets/haloremap/transform"
	"github.com/notargets/haloremap/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"sort"
	"sync"
	"time"
)

// HandleState tracks a handle through the protocol
type HandleState uint8

const (
	Posted HandleState = iota + 1
	Finished
)

func (s HandleState) String() string {
	switch s {
	case Posted:
		return "posted"
	case Finished:
		return "finished"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Handle is the in-flight state of one fill. It is owned by the caller from
// Post until it is passed to Finish, and must not be used afterwards.
type Handle struct {
	op    string
	tag   int
	state HandleState
	start time.Time

	arr   *partitions.PartitionedArray
	scomp int
	ncomp int
	dtos  transform.DstToSrc

	recvBlocks []Block
	recvReqs   []*transport.Request
	recvBuf    *arena.Buffer
	sendBlocks []Block
	sendReqs   []*transport.Request
	sendBuf    *arena.Buffer
}

func (h *Handle) Op() string { return h.op }

// Tag is the transfer tag the handle's messages carry, -1 when none were needed
func (h *Handle) Tag() int { return h.tag }

func (h *Handle) State() HandleState { return h.state }

// Empty reports whether the handle carries no pending communication
func (h *Handle) Empty() bool {
	return len(h.recvReqs) == 0 && len(h.sendReqs) == 0
}

func (h *Handle) String() string {
	return fmt.Sprintf("%s#%d(%v)", h.op, h.tag, h.state)
}

// Orchestrator drives fills over one transport. Transfer tags are drawn from
// a counter it owns, starting at TagBase; orchestrators sharing a transport
// need disjoint tag ranges.
type Orchestrator struct {
	Transport  transport.Transport
	Arena      *arena.Arena
	Strategy   Strategy
	MemoryKind arena.MemoryKind
	TagBase    int
	Name       string
	Logger     zerolog.Logger

	mu          sync.Mutex
	seq         int
	outstanding map[*Handle]struct{}
}

// NewOrchestrator wires a transport, an arena and a strategy together
func NewOrchestrator(tr transport.Transport, ar *arena.Arena, strategy Strategy, kind arena.MemoryKind) *Orchestrator {
	name := uuid.NewString()[:8]
	return &Orchestrator{
		Transport:  tr,
		Arena:      ar,
		Strategy:   strategy,
		MemoryKind: kind,
		Name:       name,
		Logger: log.Logger.With().
			Str("component", "exchange").
			Str("orchestrator", name).
			Int("rank", tr.Rank()).
			Logger(),
		outstanding: make(map[*Handle]struct{}),
	}
}

func (o *Orchestrator) nextTag() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	tag := o.TagBase + o.seq
	o.seq++
	return tag
}

// Sequence is the number of transfer tags consumed so far
func (o *Orchestrator) Sequence() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.seq
}

// Outstanding is the number of posted handles carrying communication that
// have not been finished
func (o *Orchestrator) Outstanding() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.outstanding)
}

// Post starts a fill of components [scomp, scomp+ncomp) of arr described by
// bundle. On a single rank the fill completes before Post returns.
func (o *Orchestrator) Post(op string, arr *partitions.PartitionedArray, scomp, ncomp int,
	bundle *tags.Bundle, dtos transform.DstToSrc) *Handle {

	h := &Handle{
		op: op, tag: -1, state: Posted, start: time.Now(),
		arr: arr, scomp: scomp, ncomp: ncomp, dtos: dtos,
	}

	if o.Transport.Size() == 1 {
		o.localCopy(arr, scomp, ncomp, bundle, dtos)
		return h
	}

	// Consumed even without work so every rank stays on the same tag
	h.tag = o.nextTag()
	if bundle.Empty() {
		return h
	}
	if len(bundle.Recv) > 0 {
		blocks, words := NewBlocks(bundle.Recv, ncomp)
		h.recvBlocks = blocks
		h.recvBuf = o.Arena.Alloc(words*8, o.MemoryKind)
		raw := h.recvBuf.Bytes()
		for _, blk := range blocks {
			region := raw[blk.Offset*8 : (blk.Offset+blk.Words)*8]
			h.recvReqs = append(h.recvReqs, o.Transport.PostRecv(region, blk.Rank, h.tag))
		}
	}

	if len(bundle.Send) > 0 {
		blocks, words := NewBlocks(bundle.Send, ncomp)
		h.sendBlocks = blocks
		h.sendBuf = o.Arena.Alloc(words*8, o.MemoryKind)
		o.Strategy.Pack(arr, scomp, ncomp, h.sendBuf.Float64s(), blocks)
		raw := h.sendBuf.Bytes()
		for _, blk := range blocks {
			region := raw[blk.Offset*8 : (blk.Offset+blk.Words)*8]
			h.sendReqs = append(h.sendReqs, o.Transport.PostSend(region, blk.Rank, h.tag))
		}
		metrics.AddBytesSent(words * 8)
	}

	if !h.Empty() {
		o.mu.Lock()
		o.outstanding[h] = struct{}{}
		o.mu.Unlock()
		metrics.HandlesOutstanding.Inc()
	}

	o.Logger.Debug().
		Str("op", op).
		Int("tag", h.tag).
		Ints("recv_from", bundle.RecvRanks()).
		Ints("send_to", bundle.SendRanks()).
		Int("local", len(bundle.Local)).
		Msg("posted")

	o.localCopy(arr, scomp, ncomp, bundle, dtos)
	return h
}

func (o *Orchestrator) localCopy(arr *partitions.PartitionedArray, scomp, ncomp int, bundle *tags.Bundle, dtos transform.DstToSrc) {
	if len(bundle.Local) == 0 {
		return
	}
	o.Strategy.LocalCopy(arr, scomp, ncomp, bundle.Local, dtos)
	metrics.AddLocalCopyCells(o.Strategy.Name(), bundle.LocalCells())
}

// Finish completes a posted fill. A message whose size differs from what
// the bundle promised panics with *ProtocolError; finishing a handle twice
// panics.
func (o *Orchestrator) Finish(h *Handle) {
	if h.state != Posted {
		panic(fmt.Sprintf("exchange: Finish on %v", h))
	}
	if h.Empty() {
		h.state = Finished
		metrics.RecordFill(h.op, time.Since(h.start))
		return
	}
	rank := o.Transport.Rank()

	if len(h.recvReqs) > 0 {
		received := 0
		for i, st := range o.Transport.WaitAll(h.recvReqs) {
			blk := h.recvBlocks[i]
			if st.Err != nil || st.Bytes != blk.Words*8 {
				panic(&ProtocolError{
					Op: h.op, Rank: rank, Peer: blk.Rank, Tag: h.tag,
					Expected: blk.Words * 8, Got: st.Bytes, Err: st.Err,
				})
			}
			received += st.Bytes
		}
		o.Strategy.Unpack(h.arr, h.scomp, h.ncomp, h.recvBuf.Float64s(), h.recvBlocks, h.dtos)
		o.Arena.Free(h.recvBuf)
		h.recvBuf = nil
		metrics.AddBytesReceived(received)
	}

	if len(h.sendReqs) > 0 {
		for i, st := range o.Transport.WaitAll(h.sendReqs) {
			if st.Err != nil {
				blk := h.sendBlocks[i]
				panic(&ProtocolError{
					Op: h.op, Rank: rank, Peer: blk.Rank, Tag: h.tag,
					Expected: blk.Words * 8, Got: st.Bytes, Err: st.Err,
				})
			}
		}
		o.Arena.Free(h.sendBuf)
		h.sendBuf = nil
	}

	h.state = Finished
	o.mu.Lock()
	delete(o.outstanding, h)
	o.mu.Unlock()
	metrics.HandlesOutstanding.Dec()
	metrics.RecordFill(h.op, time.Since(h.start))

	o.Logger.Debug().Str("op", h.op).Int("tag", h.tag).Dur("elapsed", time.Since(h.start)).Msg("finished")
}

// Close checks that every posted handle was finished. Unfinished handles
// hold requests and buffers that can never be reclaimed, which panics with
// *LeakError.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.outstanding) == 0 {
		return
	}
	names := make([]string, 0, len(o.outstanding))
	for h := range o.outstanding {
		names = append(names, h.String())
	}
	sort.Strings(names)
	panic(&LeakError{Name: o.Name, Handles: names})
}
