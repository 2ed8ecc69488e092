package vpu

import (
	"sync"

	"github.com/myriadx/mxpcid/mxerr"
)

// maxPositions bounds the low 16 bits of the id encoding below; 256
// in-flight commands is far more than the queue depths spec.md §9 budgets
// for, but keeping it a power of two keeps the mask arithmetic obvious.
const maxPositions = 256

// CommandList tracks commands in flight on one command queue, correlating
// each device Reply back to its submitter. Device ids are 32 bits wide;
// SPEC_FULL.md §9's resolution of the open question "how does the host
// match a reply to its command" is the scheme
// original_source/examples/PcieVpuDrvDemo's host-side mxvp harness is
// asserted to use: id = (seqno<<16)|position, where position indexes a
// fixed slot table and seqno disambiguates a reused position across
// submissions. This exact encoding was not found verbatim in the
// driver-proper original_source/vpu/mxvp sources retrieved for this
// spec; it is implemented here as specified rather than transcribed.
//
// Each slot holds a channel instead of a C function pointer: Submit hands
// the caller a receive-only channel that Complete (or Flush) writes to
// exactly once.
type CommandList struct {
	mu    sync.Mutex
	seq   uint16
	slots []chan Reply
}

// NewCommandList returns a CommandList with room for n commands in flight
// simultaneously (n must be <= maxPositions).
func NewCommandList(n int) *CommandList {
	if n <= 0 || n > maxPositions {
		n = maxPositions
	}
	return &CommandList{slots: make([]chan Reply, n)}
}

func encodeID(seq uint16, position int) uint32 {
	return uint32(seq)<<16 | uint32(position)
}

func decodeID(id uint32) (seq uint16, position int) {
	return uint16(id >> 16), int(id & 0xFFFF)
}

// Submit reserves a free slot, stamps cmd.ID with the encoded (seqno,
// position) pair, and returns a channel that receives exactly one Reply
// once the device completes (or the list is Flushed). Callers must read
// from done eventually; a command list with no free slot returns NoSpace,
// mirroring a full mxvp command queue's backpressure.
func (l *CommandList) Submit(cmd *Cmd) (done <-chan Reply, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	position := -1
	for i, ch := range l.slots {
		if ch == nil {
			position = i
			break
		}
	}
	if position < 0 {
		return nil, mxerr.New(mxerr.NoSpace, "vpu.CommandList.Submit", nil)
	}

	ch := make(chan Reply, 1)
	l.slots[position] = ch
	cmd.ID = encodeID(l.seq, position)
	l.seq++
	return ch, nil
}

// Complete delivers reply to its submitter's channel and frees the slot. It
// reports ProtocolError if the position encoded in reply.ID is out of range
// or its slot is unoccupied. The encoded seqno is not compared, so a stale
// reply for a slot that has since been reused is delivered to the slot's
// current submitter.
func (l *CommandList) Complete(reply Reply) error {
	seq, position := decodeID(reply.ID)
	_ = seq // the device echoes the id verbatim; position alone addresses the slot.

	l.mu.Lock()
	defer l.mu.Unlock()

	if position < 0 || position >= len(l.slots) {
		return mxerr.New(mxerr.ProtocolError, "vpu.CommandList.Complete", nil)
	}
	ch := l.slots[position]
	if ch == nil {
		return mxerr.New(mxerr.ProtocolError, "vpu.CommandList.Complete", nil)
	}

	l.slots[position] = nil
	ch <- reply
	close(ch)
	return nil
}

// Flush delivers a synthetic StatusDiscarded reply to every outstanding
// command and frees all slots, used when the queue is reset or the device
// goes away mid-flight (spec.md's CMDQ_RESET/DEV_RESET async notifications).
func (l *CommandList) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, ch := range l.slots {
		if ch == nil {
			continue
		}
		ch <- Reply{Status: StatusDiscarded}
		close(ch)
		l.slots[i] = nil
	}
}

// Pending reports how many commands are currently in flight.
func (l *CommandList) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, ch := range l.slots {
		if ch != nil {
			n++
		}
	}
	return n
}
