// Package vpu sketches the VPU queue subsystem (spec.md's "sketched for
// completeness" component): byte-ring command/DMA queues and the
// command/reply header format the device uses to correlate replies with
// submitted work.
//
// Grounded directly on original_source/vpu/mxvp/{mxvp_queue.c,mxvp_cmd.h}:
// the queue's wrap-marker byte-ring algorithm and the command/reply struct
// layouts are carried over unchanged; the id-encoding scheme
// ((seqno<<16)|position) that original_source/examples/PcieVpuDrvDemo's
// host-side mxvp exercises is implemented here in CommandList, per
// SPEC_FULL.md §1's supplement.
package vpu

import (
	"encoding/binary"
	"sync"

	"github.com/myriadx/mxpcid/internal/reg"
	"github.com/myriadx/mxpcid/mxerr"
)

// Queue control-structure field offsets, relative to the queue's control
// base (mxvp_queue.c's QCONTROL_* macros).
const (
	qcontrolStart = 0x00
	qcontrolSize  = 0x04
	qcontrolHead  = 0x08
	qcontrolTail  = 0x0C
)

// wrapMarker is written in place of a length prefix when a push wraps to
// the start of the ring (mxvp_queue.c's QUEUE_WRAP_MARKER, (u32)-1).
const wrapMarker uint32 = 0xFFFFFFFF

const queueAlignment = 4

// Queue is a single-producer-or-consumer byte ring living in device memory:
// a fixed control block (start/size/head/tail) plus the ring itself,
// addressed through the same MMIO accessor. One Queue serves exactly one
// direction (command or DMA descriptor); mxvp_queue.c's spinlock becomes a
// sync.Mutex.
type Queue struct {
	mu sync.Mutex

	control *reg.Accessor
	memory  *reg.Accessor
	size    uint32
}

// NewQueue reads the control block at offset within acc (start/size) and
// returns a Queue ready to Push/Pull, mirroring mxvp_queue_init.
func NewQueue(acc *reg.Accessor, offset uint32) (*Queue, error) {
	control := acc.Sub(offset)
	start, err := control.U32(qcontrolStart)
	if err != nil {
		return nil, mxerr.New(mxerr.IoError, "vpu.NewQueue", err)
	}
	size, err := control.U32(qcontrolSize)
	if err != nil {
		return nil, mxerr.New(mxerr.IoError, "vpu.NewQueue", err)
	}
	return &Queue{control: control, memory: acc.Sub(start), size: size}, nil
}

// Reset empties the queue by zeroing head and tail (mxvp_queue_reset).
func (q *Queue) Reset() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.control.SetU32(qcontrolTail, 0); err != nil {
		return mxerr.New(mxerr.IoError, "vpu.Queue.Reset", err)
	}
	return q.control.SetU32(qcontrolHead, 0)
}

func (q *Queue) isEmptyLocked() (bool, uint32, uint32, error) {
	head, err := q.control.U32(qcontrolHead)
	if err != nil {
		return false, 0, 0, err
	}
	tail, err := q.control.U32(qcontrolTail)
	if err != nil {
		return false, 0, 0, err
	}
	return tail == head, head, tail, nil
}

// IsEmpty reports whether the queue currently holds no elements.
func (q *Queue) IsEmpty() (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	empty, _, _, err := q.isEmptyLocked()
	if err != nil {
		return false, mxerr.New(mxerr.IoError, "vpu.Queue.IsEmpty", err)
	}
	return empty, nil
}

func diff(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}

func roundUp(n, align uint32) uint32 {
	return (n + align - 1) &^ (align - 1)
}

// Push writes element onto the ring as given (no length prefix is added;
// any framing is part of element itself), wrapping to the start
// and leaving a wrapMarker behind if it doesn't fit before the end.
// Mirrors mxvp_queue_push's two-region space check exactly.
func (q *Queue) Push(element []byte) error {
	length := roundUp(uint32(len(element)), queueAlignment)
	spaceReq := length + 4 // +len(wrapMarker)

	q.mu.Lock()
	defer q.mu.Unlock()

	head, err := q.control.U32(qcontrolHead)
	if err != nil {
		return mxerr.New(mxerr.IoError, "vpu.Queue.Push", err)
	}
	tail, err := q.control.U32(qcontrolTail)
	if err != nil {
		return mxerr.New(mxerr.IoError, "vpu.Queue.Push", err)
	}

	switch {
	case tail >= head:
		if diff(tail, q.size) > spaceReq {
			return q.enqueue(tail, element, length)
		}
		if head > spaceReq {
			if err := q.memory.SetU32(tail, wrapMarker); err != nil {
				return mxerr.New(mxerr.IoError, "vpu.Queue.Push", err)
			}
			return q.enqueue(0, element, length)
		}
		return mxerr.New(mxerr.NoSpace, "vpu.Queue.Push", nil)
	default:
		if diff(head, tail) > spaceReq {
			return q.enqueue(tail, element, length)
		}
		return mxerr.New(mxerr.NoSpace, "vpu.Queue.Push", nil)
	}
}

func (q *Queue) enqueue(tail uint32, element []byte, paddedLength uint32) error {
	padded := make([]byte, paddedLength)
	copy(padded, element)
	if err := q.memory.WriteBuf(tail, padded); err != nil {
		return mxerr.New(mxerr.IoError, "vpu.Queue.Push", err)
	}
	return q.control.SetU32(qcontrolTail, tail+paddedLength)
}

// Pull dequeues the oldest element, or returns (nil, false) if the queue is
// empty. Callers must know the element's own length prefix convention (the
// command/reply headers below start with a length field); Pull itself only
// knows byte-ring framing, matching mxvp_queue_pull's behavior of reading a
// raw length-prefixed blob.
func (q *Queue) Pull() ([]byte, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		empty, head, _, err := q.isEmptyLocked()
		if err != nil {
			return nil, false, mxerr.New(mxerr.IoError, "vpu.Queue.Pull", err)
		}
		if empty {
			return nil, false, nil
		}

		length, err := q.memory.U32(head)
		if err != nil {
			return nil, false, mxerr.New(mxerr.IoError, "vpu.Queue.Pull", err)
		}
		if length == wrapMarker {
			if err := q.control.SetU32(qcontrolHead, 0); err != nil {
				return nil, false, mxerr.New(mxerr.IoError, "vpu.Queue.Pull", err)
			}
			continue
		}

		element := make([]byte, length)
		if err := q.memory.ReadBuf(head, element); err != nil {
			return nil, false, mxerr.New(mxerr.IoError, "vpu.Queue.Pull", err)
		}
		if err := q.control.SetU32(qcontrolHead, head+length); err != nil {
			return nil, false, mxerr.New(mxerr.IoError, "vpu.Queue.Pull", err)
		}
		return element, true, nil
	}
}

// le is the byte order every mxvp_cmd/mxvp_reply field is packed in.
var le = binary.LittleEndian
