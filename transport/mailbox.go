package transport

import (
	"sync"
)

type matchKey struct {
	source int
	tag    int
}

// message is an arrived send nobody has asked for yet. consumed, when set,
// runs once the payload has been copied out, or with ErrClosed when the
// mailbox closes first.
type message struct {
	data     []byte
	consumed func(err error)
}

// mailbox matches one rank's incoming messages against its posted
// receives, FIFO per (source, tag).
type mailbox struct {
	mu         sync.Mutex
	posted     map[matchKey][]*Request
	unexpected map[matchKey][]message
	lost       map[int]error
	closed     bool
}

func newMailbox() *mailbox {
	return &mailbox{
		posted:     make(map[matchKey][]*Request),
		unexpected: make(map[matchKey][]message),
		lost:       make(map[int]error),
	}
}

func fill(req *Request, source, tag int, data []byte) {
	st := Status{Source: source, Tag: tag, Bytes: len(data)}
	if copy(req.buf, data) < len(data) {
		st.Err = ErrTruncated
	}
	req.complete(st)
}

// deliver hands an arrived message to the oldest matching receive, or
// queues it. consumed may be nil.
func (m *mailbox) deliver(source, tag int, data []byte, consumed func(err error)) {
	k := matchKey{source, tag}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		if consumed != nil {
			consumed(ErrClosed)
		}
		return
	}
	if q := m.posted[k]; len(q) > 0 {
		req := q[0]
		if len(q) == 1 {
			delete(m.posted, k)
		} else {
			m.posted[k] = q[1:]
		}
		m.mu.Unlock()
		fill(req, source, tag, data)
		if consumed != nil {
			consumed(nil)
		}
		return
	}
	m.unexpected[k] = append(m.unexpected[k], message{data: data, consumed: consumed})
	m.mu.Unlock()
}

// post matches req against a queued message or parks it
func (m *mailbox) post(req *Request) {
	k := matchKey{req.peer, req.tag}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		req.complete(Status{Source: req.peer, Tag: req.tag, Err: ErrClosed})
		return
	}
	if q := m.unexpected[k]; len(q) > 0 {
		msg := q[0]
		if len(q) == 1 {
			delete(m.unexpected, k)
		} else {
			m.unexpected[k] = q[1:]
		}
		m.mu.Unlock()
		fill(req, req.peer, req.tag, msg.data)
		if msg.consumed != nil {
			msg.consumed(nil)
		}
		return
	}
	if err, ok := m.lost[req.peer]; ok {
		m.mu.Unlock()
		req.complete(Status{Source: req.peer, Tag: req.tag, Err: err})
		return
	}
	m.posted[k] = append(m.posted[k], req)
	m.mu.Unlock()
}

// failSource completes every parked receive from source with err. Messages
// from source that already arrived still match later receives; receives
// with nothing queued fail at once.
func (m *mailbox) failSource(source int, err error) int {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0
	}
	m.lost[source] = err
	var failed []*Request
	for k, q := range m.posted {
		if k.source == source {
			failed = append(failed, q...)
			delete(m.posted, k)
		}
	}
	m.mu.Unlock()

	for _, req := range failed {
		req.complete(Status{Source: req.peer, Tag: req.tag, Err: err})
	}
	return len(failed)
}

// close fails every parked receive and every unclaimed message, and
// reports how many messages were dropped.
func (m *mailbox) close() int {
	m.mu.Lock()
	m.closed = true
	posted := m.posted
	m.posted = make(map[matchKey][]*Request)
	unexpected := m.unexpected
	m.unexpected = make(map[matchKey][]message)
	m.mu.Unlock()

	for _, q := range posted {
		for _, req := range q {
			req.complete(Status{Source: req.peer, Tag: req.tag, Err: ErrClosed})
		}
	}
	dropped := 0
	for _, q := range unexpected {
		for _, msg := range q {
			if msg.consumed != nil {
				msg.consumed(ErrClosed)
			}
			dropped++
		}
	}
	return dropped
}

// pending reports parked receives and queued messages
func (m *mailbox) pending() (receives, messages int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range m.posted {
		receives += len(q)
	}
	for _, q := range m.unexpected {
		messages += len(q)
	}
	return receives, messages
}
