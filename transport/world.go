package transport

import (
	"fmt"
)

// World connects size ranks living in one process. A send completes once a
// receive has copied it out, so its buffer is never copied twice.
type World struct {
	boxes []*mailbox
}

// NewWorld creates size ranks
func NewWorld(size int) *World {
	if size < 1 {
		panic(fmt.Sprintf("transport: world size %d < 1", size))
	}
	w := &World{boxes: make([]*mailbox, size)}
	for i := range w.boxes {
		w.boxes[i] = newMailbox()
	}
	return w
}

func (w *World) Size() int { return len(w.boxes) }

// Rank returns the endpoint of rank r
func (w *World) Rank(r int) *Endpoint {
	if r < 0 || r >= len(w.boxes) {
		panic(fmt.Sprintf("transport: rank %d outside world of %d", r, len(w.boxes)))
	}
	return &Endpoint{world: w, rank: r}
}

// Pending reports parked receives and undelivered messages across the world
func (w *World) Pending() (receives, messages int) {
	for _, b := range w.boxes {
		r, m := b.pending()
		receives += r
		messages += m
	}
	return receives, messages
}

// Close fails every parked receive
func (w *World) Close() {
	for _, b := range w.boxes {
		b.close()
	}
}

// Endpoint is one rank's view of a World
type Endpoint struct {
	world *World
	rank  int
}

func (e *Endpoint) Rank() int { return e.rank }

func (e *Endpoint) Size() int { return len(e.world.boxes) }

func (e *Endpoint) checkPeer(peer int) {
	if peer < 0 || peer >= len(e.world.boxes) {
		panic(fmt.Sprintf("transport: rank %d addressed unknown rank %d", e.rank, peer))
	}
}

func (e *Endpoint) PostRecv(buf []byte, source, tag int) *Request {
	e.checkPeer(source)
	req := newRequest(recvRequest, buf, source, tag)
	e.world.boxes[e.rank].post(req)
	return req
}

func (e *Endpoint) PostSend(buf []byte, dest, tag int) *Request {
	e.checkPeer(dest)
	req := newRequest(sendRequest, buf, dest, tag)
	e.world.boxes[dest].deliver(e.rank, tag, buf, func(err error) {
		req.complete(Status{Source: dest, Tag: tag, Bytes: len(buf), Err: err})
	})
	return req
}

func (e *Endpoint) WaitAll(reqs []*Request) []Status {
	return WaitAll(reqs)
}
