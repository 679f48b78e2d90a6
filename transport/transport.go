// Package transport moves byte buffers between ranks with non-blocking,
// tagged point-to-point operations. Messages between one pair of ranks with
// the same tag are matched in the order they were posted.
package transport

import (
	"errors"
	"sync"
)

var (
	// ErrTruncated completes a receive whose message was longer than its buffer
	ErrTruncated = errors.New("transport: message truncated")
	// ErrClosed completes requests still pending when a transport shuts down
	ErrClosed = errors.New("transport: closed")
	// ErrPeerLost completes receives from a peer whose connection failed
	ErrPeerLost = errors.New("transport: peer connection lost")
)

// Transport is the point-to-point layer a fill runs on
type Transport interface {
	Rank() int
	Size() int
	// PostRecv posts a receive into buf for the next message from source with tag
	PostRecv(buf []byte, source, tag int) *Request
	// PostSend posts buf to dest; buf must not change until the request completes
	PostSend(buf []byte, dest, tag int) *Request
	// WaitAll blocks until every request completes and returns their statuses in order
	WaitAll(reqs []*Request) []Status
}

// Status describes a completed request. Source is the peer rank: the sender
// of a receive, the destination of a send. Bytes is the full message length,
// even when it was truncated.
type Status struct {
	Source int
	Tag    int
	Bytes  int
	Err    error
}

type requestKind uint8

const (
	recvRequest requestKind = iota
	sendRequest
)

// Request is a posted operation
type Request struct {
	kind requestKind
	peer int
	tag  int
	buf  []byte

	once   sync.Once
	done   chan struct{}
	status Status
}

func newRequest(kind requestKind, buf []byte, peer, tag int) *Request {
	return &Request{kind: kind, peer: peer, tag: tag, buf: buf, done: make(chan struct{})}
}

func (r *Request) complete(st Status) {
	r.once.Do(func() {
		r.status = st
		close(r.done)
	})
}

// Done is closed when the request completes
func (r *Request) Done() <-chan struct{} { return r.done }

// Status blocks until completion
func (r *Request) Status() Status {
	<-r.done
	return r.status
}

// Test reports whether the request has completed
func (r *Request) Test() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// WaitAll waits on each request in turn
func WaitAll(reqs []*Request) []Status {
	out := make([]Status, len(reqs))
	for i, r := range reqs {
		out[i] = r.Status()
	}
	return out
}
