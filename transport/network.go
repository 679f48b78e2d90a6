package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"io"
	"net"
	"sync"
	"time"
)

// closeGrace is how long Close waits for peers to end their streams
const closeGrace = 2 * time.Second

// maxFrame bounds a single message so a corrupt header cannot trigger a huge allocation
const maxFrame = 1 << 30

// writeFrame encodes {tag int64, len int64, payload}
func writeFrame(w io.Writer, tag int, payload []byte) error {
	var hdr [16]byte
	binary.LittleEndian.PutUint64(hdr[0:], uint64(int64(tag)))
	binary.LittleEndian.PutUint64(hdr[8:], uint64(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) (tag int, payload []byte, err error) {
	var hdr [16]byte
	if _, err = io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	tag = int(int64(binary.LittleEndian.Uint64(hdr[0:])))
	n := int64(binary.LittleEndian.Uint64(hdr[8:]))
	if n < 0 || n > maxFrame {
		return 0, nil, fmt.Errorf("frame length %d out of range", n)
	}
	payload = make([]byte, n)
	if _, err = io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return tag, payload, nil
}

type outFrame struct {
	tag int
	buf []byte
	req *Request
}

// peerConn queues outgoing frames without bound so posting a send never
// waits on the socket
type peerConn struct {
	rank int
	conn net.Conn

	mu      sync.Mutex
	wake    *sync.Cond
	queue   []outFrame
	closing bool
}

func newPeerConn(rank int, conn net.Conn) *peerConn {
	pc := &peerConn{rank: rank, conn: conn}
	pc.wake = sync.NewCond(&pc.mu)
	return pc
}

// enqueue reports false once the peer is shutting down
func (pc *peerConn) enqueue(f outFrame) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closing {
		return false
	}
	pc.queue = append(pc.queue, f)
	pc.wake.Signal()
	return true
}

// next blocks for the next frame; it reports false when shut down and drained
func (pc *peerConn) next() (outFrame, bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	for len(pc.queue) == 0 && !pc.closing {
		pc.wake.Wait()
	}
	if len(pc.queue) == 0 {
		return outFrame{}, false
	}
	f := pc.queue[0]
	pc.queue[0] = outFrame{}
	pc.queue = pc.queue[1:]
	return f, true
}

func (pc *peerConn) shutdown() {
	pc.mu.Lock()
	pc.closing = true
	pc.mu.Unlock()
	pc.wake.Broadcast()
}

// Network is a Transport over TCP, one connection per pair of ranks. Higher
// ranks dial lower ranks and announce themselves with their rank number.
type Network struct {
	Logger zerolog.Logger

	rank     int
	size     int
	listener net.Listener
	box      *mailbox

	mu      sync.Mutex
	peers   map[int]*peerConn
	readers sync.WaitGroup
	writers sync.WaitGroup
	closed  bool
}

// Listen opens rank's listening socket. Call Connect once every rank listens.
func Listen(rank, size int, addr string) (*Network, error) {
	if rank < 0 || rank >= size {
		return nil, fmt.Errorf("rank %d outside world of %d", rank, size)
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return &Network{
		Logger:   log.Logger.With().Str("component", "transport").Int("rank", rank).Logger(),
		rank:     rank,
		size:     size,
		listener: l,
		box:      newMailbox(),
		peers:    make(map[int]*peerConn),
	}, nil
}

// Addr is the address the network listens on
func (n *Network) Addr() string { return n.listener.Addr().String() }

func (n *Network) Rank() int { return n.rank }

func (n *Network) Size() int { return n.size }

// Connect establishes a connection to every other rank. peers[r] is rank r's
// listen address; the entry for this rank is ignored. Dials are retried
// until ctx expires.
func (n *Network) Connect(ctx context.Context, peers []string) error {
	if len(peers) != n.size {
		return fmt.Errorf("%d peer addresses for a world of %d", len(peers), n.size)
	}
	g, gctx := errgroup.WithContext(ctx)

	// Accept every higher rank
	expected := n.size - 1 - n.rank
	g.Go(func() error {
		for i := 0; i < expected; i++ {
			conn, err := acceptContext(gctx, n.listener)
			if err != nil {
				return fmt.Errorf("accept: %w", err)
			}
			var hdr [8]byte
			if _, err := io.ReadFull(conn, hdr[:]); err != nil {
				conn.Close()
				return fmt.Errorf("read handshake: %w", err)
			}
			peer := int(int64(binary.LittleEndian.Uint64(hdr[:])))
			if err := n.addPeer(peer, conn); err != nil {
				conn.Close()
				return err
			}
		}
		return nil
	})

	// Dial every lower rank
	for peer := 0; peer < n.rank; peer++ {
		g.Go(func() error {
			conn, err := dialRetry(gctx, peers[peer])
			if err != nil {
				return fmt.Errorf("dial rank %d at %s: %w", peer, peers[peer], err)
			}
			var hdr [8]byte
			binary.LittleEndian.PutUint64(hdr[:], uint64(int64(n.rank)))
			if _, err := conn.Write(hdr[:]); err != nil {
				conn.Close()
				return fmt.Errorf("handshake with rank %d: %w", peer, err)
			}
			return n.addPeer(peer, conn)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	n.Logger.Info().Int("peers", n.size-1).Msg("network connected")
	return nil
}

func acceptContext(ctx context.Context, l net.Listener) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := l.Accept()
		ch <- result{c, err}
	}()
	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		// Unblock the pending Accept; the listener is useless to a failed Connect
		l.Close()
		return nil, ctx.Err()
	}
}

func dialRetry(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	backoff := 10 * time.Millisecond
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(ctx.Err(), err)
		case <-time.After(backoff):
		}
		backoff = min(2*backoff, time.Second)
	}
}

func (n *Network) addPeer(peer int, conn net.Conn) error {
	if peer < 0 || peer >= n.size || peer == n.rank {
		return fmt.Errorf("handshake announced invalid rank %d", peer)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, dup := n.peers[peer]; dup {
		return fmt.Errorf("rank %d connected twice", peer)
	}
	pc := newPeerConn(peer, conn)
	n.peers[peer] = pc

	n.readers.Add(1)
	n.writers.Add(1)
	go n.readLoop(pc)
	go n.writeLoop(pc)
	return nil
}

func (n *Network) readLoop(pc *peerConn) {
	defer n.readers.Done()
	r := bufio.NewReader(pc.conn)
	for {
		tag, payload, err := readFrame(r)
		if err != nil {
			n.mu.Lock()
			closed := n.closed
			n.mu.Unlock()
			if closed {
				return
			}
			if !errors.Is(err, io.EOF) {
				n.Logger.Error().Err(err).Int("peer", pc.rank).Msg("read failed")
			}
			// Nothing more can arrive from this peer
			lost := fmt.Errorf("%w: rank %d: %v", ErrPeerLost, pc.rank, err)
			if failed := n.box.failSource(pc.rank, lost); failed > 0 {
				n.Logger.Warn().Int("peer", pc.rank).Int("receives", failed).Msg("failed pending receives")
			}
			return
		}
		n.box.deliver(pc.rank, tag, payload, nil)
	}
}

func (n *Network) writeLoop(pc *peerConn) {
	defer n.writers.Done()
	w := bufio.NewWriter(pc.conn)
	for {
		f, ok := pc.next()
		if !ok {
			return
		}
		err := writeFrame(w, f.tag, f.buf)
		if err == nil {
			err = w.Flush()
		}
		if err != nil {
			n.Logger.Error().Err(err).Int("peer", pc.rank).Int("tag", f.tag).Msg("write failed")
		}
		f.req.complete(Status{Source: pc.rank, Tag: f.tag, Bytes: len(f.buf), Err: err})
	}
}

func (n *Network) PostRecv(buf []byte, source, tag int) *Request {
	if source < 0 || source >= n.size {
		panic(fmt.Sprintf("transport: rank %d addressed unknown rank %d", n.rank, source))
	}
	req := newRequest(recvRequest, buf, source, tag)
	n.box.post(req)
	return req
}

func (n *Network) PostSend(buf []byte, dest, tag int) *Request {
	req := newRequest(sendRequest, buf, dest, tag)
	if dest == n.rank {
		n.box.deliver(n.rank, tag, buf, func(err error) {
			req.complete(Status{Source: dest, Tag: tag, Bytes: len(buf), Err: err})
		})
		return req
	}

	n.mu.Lock()
	pc, ok := n.peers[dest]
	closed := n.closed
	n.mu.Unlock()

	switch {
	case closed:
		req.complete(Status{Source: dest, Tag: tag, Err: ErrClosed})
	case !ok:
		panic(fmt.Sprintf("transport: rank %d has no connection to rank %d", n.rank, dest))
	case !pc.enqueue(outFrame{tag: tag, buf: buf, req: req}):
		req.complete(Status{Source: dest, Tag: tag, Err: ErrClosed})
	}
	return req
}

func (n *Network) WaitAll(reqs []*Request) []Status {
	return WaitAll(reqs)
}

// Close drains queued sends, tears down every connection and fails any
// receive still pending.
func (n *Network) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	peers := n.peers
	n.mu.Unlock()

	err := n.listener.Close()
	for _, pc := range peers {
		pc.shutdown()
	}
	n.writers.Wait()

	// Signal end of stream, then give peers a grace period to finish theirs
	deadline := time.Now().Add(closeGrace)
	for _, pc := range peers {
		if tcp, ok := pc.conn.(*net.TCPConn); ok {
			_ = tcp.CloseWrite()
		}
		_ = pc.conn.SetReadDeadline(deadline)
	}
	n.readers.Wait()
	for _, pc := range peers {
		pc.conn.Close()
	}
	if dropped := n.box.close(); dropped > 0 {
		n.Logger.Warn().Int("messages", dropped).Msg("closing with unclaimed messages")
	}
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close listener: %w", err)
	}
	return nil
}
