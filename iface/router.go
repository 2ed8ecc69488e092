// Package iface implements the interface multiplexer (C7): per-interface
// read/write queues layered over the ring transport's shared TX/RX pools.
//
// Grounded on original_source/serial/mxlk/mxlk_core.c's mxlk_core_read and
// mxlk_core_write: partial_read buffering (a short Read leaves the
// remaining unconsumed bytes of the current buffer attached for next time),
// short-write on TX pool exhaustion, and one mutex per direction per
// interface rather than one global lock (mxlk_interface's rlock/wlock).
package iface

import (
	"context"
	"sync"

	"github.com/myriadx/mxpcid/internal/dmapool"
	"github.com/myriadx/mxpcid/ring"
)

type interfaceState struct {
	rlock sync.Mutex
	wlock sync.Mutex

	read        *ring.BufferQueue
	partialRead *ring.BufDesc
}

// Router fans buffers out to/in from a fixed set of interfaces, sized once
// by NewRouter's n (spec.md's MXLK_NUM_INTERFACES-equivalent), each with its own
// read queue and independent read/write locking.
type Router struct {
	txPool       *dmapool.Pool
	rxPool       *dmapool.Pool
	writePending *ring.BufferQueue
	kick         func()

	ifaces []*interfaceState
}

// NewRouter returns a Router serving interface ids [0,n). writePending and
// the pools are shared with the owning ring.Transport; kick wakes its TX
// worker after Write pushes new data (ring.Transport.KickTX).
func NewRouter(n int, txPool, rxPool *dmapool.Pool, writePending *ring.BufferQueue, kick func()) *Router {
	ifaces := make([]*interfaceState, n)
	for i := range ifaces {
		ifaces[i] = &interfaceState{read: ring.NewBufferQueue()}
	}
	return &Router{
		txPool:       txPool,
		rxPool:       rxPool,
		writePending: writePending,
		kick:         kick,
		ifaces:       ifaces,
	}
}

func (r *Router) state(ifaceID int) *interfaceState {
	if ifaceID < 0 || ifaceID >= len(r.ifaces) {
		return nil
	}
	return r.ifaces[ifaceID]
}

// Deliver implements ring.RXSink: it appends bd to ifaceID's read queue, or
// reports false (so the caller returns bd to the RX pool) if ifaceID is
// unrecognized, mirroring mxlk_rx_event_handler's
// "interface < MXLK_NUM_INTERFACES" bounds check.
func (r *Router) Deliver(ifaceID int, bd *ring.BufDesc) bool {
	st := r.state(ifaceID)
	if st == nil {
		return false
	}
	st.read.Push(bd)
	return true
}

// Read copies up to len(p) bytes from ifaceID's pending buffers into p,
// draining a left-over partial_read buffer first. It returns as soon as p
// is full or the read queue is empty; 0 is a legitimate non-blocking
// result, not an error.
func (r *Router) Read(ctx context.Context, ifaceID int, p []byte) (int, error) {
	st := r.state(ifaceID)
	if st == nil {
		return 0, errUnknownInterface(ifaceID)
	}

	st.rlock.Lock()
	defer st.rlock.Unlock()

	bd := st.partialRead
	if bd == nil {
		bd = st.read.Pop()
	}

	n := 0
	for n < len(p) && bd != nil {
		if ctx.Err() != nil {
			break
		}

		copied := copy(p[n:], bd.Data)
		n += copied
		bd.Data = bd.Data[copied:]

		if len(bd.Data) == 0 {
			r.rxPool.Free(bd.IOVA)
			bd = st.read.Pop()
		}
	}

	st.partialRead = bd
	return n, nil
}

// Write copies p into TX pool buffers, pushing each buffer onto the shared
// write-pending queue as its own entry (buffers are not linked into a
// chain), then kicks the TX worker. Each buffer is allocated for all the
// bytes still remaining, falling back to a 1-byte buffer when the pool
// can't supply that. It stops (a short write) the moment the pool can't
// satisfy even the fallback — callers must not treat a short write as an
// error.
func (r *Router) Write(ctx context.Context, ifaceID int, p []byte) (int, error) {
	st := r.state(ifaceID)
	if st == nil {
		return 0, errUnknownInterface(ifaceID)
	}

	st.wlock.Lock()
	defer st.wlock.Unlock()

	remaining := p
	n := 0
	posted := 0

	for len(remaining) > 0 {
		if ctx.Err() != nil {
			break
		}

		iova, buf, err := r.txPool.Alloc(len(remaining), 0)
		if err != nil {
			// shrink and retry once at minimum fragment granularity before
			// giving up, matching mxlk_alloc_tx_bd's best-effort allocation
			// against a pool sized for many smaller fragments.
			iova, buf, err = r.txPool.Alloc(1, 0)
			if err != nil {
				break
			}
		}

		bcopy := copy(buf, remaining)
		bd := &ring.BufDesc{IOVA: iova, Buf: buf, Data: buf[:bcopy], Iface: ifaceID}
		r.writePending.Push(bd)

		remaining = remaining[bcopy:]
		n += bcopy
		posted++
	}

	if posted > 0 && r.kick != nil {
		r.kick()
	}
	return n, nil
}
