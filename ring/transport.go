package ring

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/myriadx/mxpcid/internal/dmapool"
	"github.com/myriadx/mxpcid/internal/event"
	"github.com/myriadx/mxpcid/internal/pci"
	"github.com/myriadx/mxpcid/internal/reg"
	"github.com/myriadx/mxpcid/mxerr"
	"github.com/myriadx/mxpcid/mxlog"
)

// Doorbell is the notification primitive a Transport rings after moving a
// ring's head or tail cell. internal/pci.Session satisfies it.
type Doorbell interface {
	WriteDoorbell(ctx context.Context, magic uint32) error
}

// RXSink receives buffers reaped off the RX ring, keyed by interface id.
// package iface's Router implements this. Deliver returns false if ifaceID
// is unrecognized or the interface's read queue refuses the buffer, in
// which case the caller returns bd to the RX pool instead of leaking it.
type RXSink interface {
	Deliver(ifaceID int, bd *BufDesc) bool
}

// Transport drives one device's negotiated TX/RX descriptor rings: reaping
// completions, refilling/enqueueing, and ringing the doorbell on every
// head/tail change. Grounded on mxlk_rx_event_handler/mxlk_tx_event_handler,
// translated from workqueue callbacks into a handler registered against
// internal/event.Dispatcher for the link interrupt kind, plus a
// self-contained goroutine woken by KickTX for host-initiated writes.
type Transport struct {
	bell Doorbell
	log  *logrus.Entry

	tx *direction
	rx *direction

	txPool *dmapool.Pool
	rxPool *dmapool.Pool

	writePending *BufferQueue
	sink         RXSink

	txOld uint32 // oldest TX slot not yet reaped (tx->pipe.old)

	mu     sync.Mutex
	kick   chan struct{}
	closed bool
}

// Open negotiates nothing itself (the caller has already called Negotiate);
// it builds both rings from cap, allocates their DMA pools, pre-posts RX
// buffers, and registers its link-event handler on disp.
func Open(acc *reg.Accessor, mapper dmapool.Mapper, cap Capability, disp *event.Dispatcher) (*Transport, error) {
	tx, err := newDirection(acc, cap.TXOffset, cap.Descriptors)
	if err != nil {
		return nil, err
	}
	rx, err := newDirection(acc, cap.RXOffset, cap.Descriptors)
	if err != nil {
		return nil, err
	}
	rx.fragmentSize = cap.FragmentSize

	txPool, err := dmapool.New(mapper, cap.Descriptors*cap.FragmentSize)
	if err != nil {
		return nil, err
	}
	rxPool, err := dmapool.New(mapper, cap.Descriptors*cap.FragmentSize)
	if err != nil {
		return nil, err
	}

	t := &Transport{
		log:          mxlog.For("ring"),
		tx:           tx,
		rx:           rx,
		txPool:       txPool,
		rxPool:       rxPool,
		writePending: NewBufferQueue(),
		kick:         make(chan struct{}, 1),
	}

	if err := t.fillRX(); err != nil {
		return nil, err
	}

	if disp != nil {
		disp.Handle(event.KindLink, t.handleLink)
	}

	return t, nil
}

// SetDoorbell wires the config-space doorbell register the transport rings
// after every head/tail update.
func (t *Transport) SetDoorbell(bell Doorbell) { t.bell = bell }

// SetSink wires the RX delivery target, normally an *iface.Router.
func (t *Transport) SetSink(sink RXSink) { t.sink = sink }

// WritePending exposes the TX write-pending queue so package iface can push
// onto it directly from Router.Write.
func (t *Transport) WritePending() *BufferQueue { return t.writePending }

// TXPool and RXPool expose the two DMA pools so the caller wiring up
// package iface's Router (cmd/mxpcid) can hand them to iface.NewRouter
// without this package needing to import iface itself.
func (t *Transport) TXPool() *dmapool.Pool { return t.txPool }
func (t *Transport) RXPool() *dmapool.Pool { return t.rxPool }

// Interfaces returns nothing on its own: interface enumeration is static
// configuration (spec.md's fixed interface count), owned by package iface.
// Kept as a named operation per SPEC_FULL.md §4.6 for symmetry with a real
// device that might one day report it dynamically.
func (t *Transport) Interfaces() []int { return nil }

// fillRX posts as many empty receive buffers as the ring can hold (ndesc-1,
// one slot reserved so head==tail unambiguously means empty), mirroring
// mxlk_txrx_init's initial RX fill loop.
func (t *Transport) fillRX() error {
	for i := uint32(0); i < t.rx.ndesc-1; i++ {
		if err := t.postRX(int(i)); err != nil {
			return err
		}
	}
	return t.rx.setTail(t.rx.ndesc - 1)
}

func (t *Transport) postRX(slot int) error {
	iova, buf, err := t.rxPool.Alloc(t.rx.fragmentSize, 0)
	if err != nil {
		return err
	}
	bd := &BufDesc{IOVA: iova, Buf: buf, Data: buf}
	t.rx.shadow[slot] = bd
	return writeDescriptor(t.rx.table, slot, descriptor{
		address: iova,
		length:  uint32(t.rx.fragmentSize),
		status:  descStatusPending,
	})
}

// KickTX wakes the TX worker after package iface enqueues a new write. It
// never blocks: a pending kick already queued is sufficient to pick up
// anything pushed before the worker runs.
func (t *Transport) KickTX() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

// handleLink is the single handler registered for event.KindLink. It
// re-samples both rings' full state unconditionally rather than branching
// on the interrupt's Code, since event.Dispatcher's coalescing may have
// dropped intermediate notifications (spec.md/event package contract).
func (t *Transport) handleLink(ctx context.Context, _ event.Identity) {
	if err := t.reapTX(ctx); err != nil {
		t.log.WithError(err).Error("tx reap failed")
	}
	if err := t.fillTX(ctx); err != nil {
		t.log.WithError(err).Error("tx fill failed")
	}
	if err := t.drainRX(ctx); err != nil {
		t.log.WithError(err).Error("rx drain failed")
	}
}

// Run starts the goroutine that drains KickTX wakeups (host-initiated
// writes), distinct from device-interrupt-driven handleLink so a write can
// make progress even between interrupts. Callers invoke it once per
// Transport lifetime; it returns once ctx is done.
func (t *Transport) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.kick:
			if err := t.fillTX(ctx); err != nil {
				t.log.WithError(err).Error("tx fill failed")
			}
		}
	}
}

func (t *Transport) ringDoorbell(ctx context.Context) {
	if t.bell == nil {
		return
	}
	if err := t.bell.WriteDoorbell(ctx, pci.DoorbellRing); err != nil {
		t.log.WithError(err).Debug("doorbell write failed")
	}
}

// Close releases both DMA pools. Outstanding in-flight descriptors are not
// drained first; callers quiesce the rings (stop posting, let handleLink
// run to completion) before calling Close.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	if err := t.txPool.Close(); err != nil {
		return mxerr.New(mxerr.IoError, "ring.Transport.Close", err)
	}
	return t.rxPool.Close()
}
