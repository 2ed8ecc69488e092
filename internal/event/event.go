// Package event implements the event dispatcher (C3): decodes interrupt
// identities into named kinds and delivers each to its registered handler on
// a bounded worker pool, coalescing bursts and preserving per-kind ordering.
//
// The teacher has no direct analogue (bare-metal tamago handlers run
// in-context, not dispatched); this is shaped after the admin-queue
// completion handling in kvm/gvnic/admin.go — one logical consumer per
// queue/kind, draining strictly in order, plus the worker-pool/cancellation
// idiom from kvm/virtio's goroutine-per-queue workers.
package event

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/myriadx/mxpcid/mxerr"
	"github.com/myriadx/mxpcid/mxlog"
)

// Kind names one of the three interrupt reasons the device multiplexes onto
// its single MSI vector (spec.md §4.3).
type Kind int

const (
	KindBootloader Kind = iota
	KindLink
	KindVPU
)

func (k Kind) String() string {
	switch k {
	case KindBootloader:
		return "bootloader"
	case KindLink:
		return "link"
	case KindVPU:
		return "vpu"
	default:
		return "unknown"
	}
}

// Identity is a decoded interrupt notification: which subsystem raised it
// and the device-supplied sub-reason (e.g. a ring index or status code).
type Identity struct {
	Kind Kind
	Code uint32
}

// Handler processes one delivered Identity. Handlers are expected to
// re-sample device status rather than assume Code is the only thing that
// changed, since coalescing may have dropped intermediate notifications.
type Handler func(ctx context.Context, id Identity)

type kindQueue struct {
	mu      sync.Mutex
	pending *Identity
	running bool
}

// Dispatcher fans decoded interrupt identities out to per-kind handlers.
// At most one goroutine processes a given Kind at a time, so handler code
// never needs its own locking against re-entrancy; different kinds may run
// concurrently, bounded by the worker pool passed to New.
type Dispatcher struct {
	log    *logrus.Entry
	tokens chan struct{}

	mu       sync.Mutex
	handlers map[Kind]Handler
	queues   map[Kind]*kindQueue
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a Dispatcher that runs up to workers handlers concurrently
// (one per distinct Kind that currently has work).
func New(workers int) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		log:      mxlog.For("event"),
		tokens:   make(chan struct{}, workers),
		handlers: make(map[Kind]Handler),
		queues:   make(map[Kind]*kindQueue),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Handle registers fn as the handler for kind, replacing any prior handler.
// Must be called before the kind's first Post to avoid a race against
// delivery of an already-queued event.
func (d *Dispatcher) Handle(kind Kind, fn Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = fn
	if _, ok := d.queues[kind]; !ok {
		d.queues[kind] = &kindQueue{}
	}
}

// Post enqueues id for delivery. It never blocks the caller (the interrupt
// path): if a delivery for this Kind is already pending and undelivered,
// the new Identity simply replaces it (coalescing), on the assumption that
// handlers re-sample full status rather than trust Code alone.
func (d *Dispatcher) Post(id Identity) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return mxerr.New(mxerr.DeviceGone, "event.Post", nil)
	}
	q, ok := d.queues[id.Kind]
	if !ok {
		q = &kindQueue{}
		d.queues[id.Kind] = q
	}
	d.mu.Unlock()

	q.mu.Lock()
	q.pending = &id
	start := !q.running
	if start {
		q.running = true
	}
	q.mu.Unlock()

	if start {
		d.spawn(id.Kind, q)
	}
	return nil
}

func (d *Dispatcher) spawn(kind Kind, q *kindQueue) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		select {
		case d.tokens <- struct{}{}:
		case <-d.ctx.Done():
			q.mu.Lock()
			q.running = false
			q.pending = nil
			q.mu.Unlock()
			return
		}
		defer func() { <-d.tokens }()

		for {
			q.mu.Lock()
			if q.pending == nil {
				q.running = false
				q.mu.Unlock()
				return
			}
			next := *q.pending
			q.pending = nil
			q.mu.Unlock()

			d.mu.Lock()
			fn := d.handlers[kind]
			d.mu.Unlock()

			if fn != nil {
				fn(d.ctx, next)
			} else {
				d.log.WithField("kind", kind).Debug("event posted with no registered handler")
			}

			select {
			case <-d.ctx.Done():
				return
			default:
			}
		}
	}()
}

// Close stops accepting new events and waits for in-flight handlers to
// return, bounded by ctx.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return mxerr.New(mxerr.TimedOut, "event.Close", ctx.Err())
	}
}
