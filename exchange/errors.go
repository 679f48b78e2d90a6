package exchange

import (
	"fmt"
	"strings"
)

// ProtocolError is the panic value of a transfer whose size disagrees with
// what the tag bundle promised: a short or long message, a buffer overrun,
// or a failed request.
type ProtocolError struct {
	Op       string
	Rank     int
	Peer     int
	Tag      int
	Expected int // bytes
	Got      int // bytes
	Err      error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("%s: rank %d <-> rank %d (tag %d): expected %d bytes, got %d",
		e.Op, e.Rank, e.Peer, e.Tag, e.Expected, e.Got)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// LeakError is the panic value of closing an orchestrator that still has
// posted handles nobody finished.
type LeakError struct {
	Name    string
	Handles []string
}

func (e *LeakError) Error() string {
	return fmt.Sprintf("orchestrator %s closed with %d unfinished handle(s): %s",
		e.Name, len(e.Handles), strings.Join(e.Handles, ", "))
}
