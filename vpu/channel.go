package vpu

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/myriadx/mxpcid/internal/event"
	"github.com/myriadx/mxpcid/internal/reg"
	"github.com/myriadx/mxpcid/mxerr"
	"github.com/myriadx/mxpcid/mxlog"
)

// Channel drives one command/reply queue pair: submitting commands to the
// command queue and pulling completions off the reply queue, correlating
// each via a CommandList. Registered against event.KindVPU the same way
// ring.Transport registers for event.KindLink: re-sample fully on every
// notification rather than trust the device's Code.
type Channel struct {
	log *logrus.Entry

	cmdq   *Queue
	replyq *Queue
	list   *CommandList

	mu      sync.Mutex
	version uint32
	closed  bool
}

// Command/DMA queue control-block offsets within the VPU capability region
// (spec.md §9's sketch: two Queue instances back to back, mirroring
// mxvp_queue.h's control block being reused for both directions).
const (
	cmdQueueOffset   = 0x00
	replyQueueOffset = 0x10
)

// OpenChannel builds both queues from acc and wires disp to deliver VPU
// interrupts to Channel.poll. inflight bounds the number of commands this
// channel allows outstanding simultaneously (see NewCommandList).
func OpenChannel(acc *reg.Accessor, disp *event.Dispatcher, inflight int) (*Channel, error) {
	cmdq, err := NewQueue(acc, cmdQueueOffset)
	if err != nil {
		return nil, err
	}
	replyq, err := NewQueue(acc, replyQueueOffset)
	if err != nil {
		return nil, err
	}

	c := &Channel{
		log:    mxlog.For("vpu"),
		cmdq:   cmdq,
		replyq: replyq,
		list:   NewCommandList(inflight),
	}

	if disp != nil {
		disp.Handle(event.KindVPU, c.poll)
	}
	return c, nil
}

// Submit pushes cmd onto the command queue, after CommandList.Submit stamps
// its id, and returns a channel delivering the matching Reply exactly once.
func (c *Channel) Submit(ctx context.Context, cmd *Cmd) (<-chan Reply, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, mxerr.New(mxerr.Unsupported, "vpu.Channel.Submit", nil)
	}
	cmd.Version = c.version
	c.mu.Unlock()

	done, err := c.list.Submit(cmd)
	if err != nil {
		return nil, err
	}
	if err := c.cmdq.Push(cmd.Encode()); err != nil {
		// the slot was reserved but never sent; give it back rather than
		// leaking a permanently-pending channel.
		c.list.Complete(Reply{ID: cmd.ID, Status: StatusDiscarded})
		return nil, err
	}
	return done, nil
}

// poll is the event.Handler registered for event.KindVPU: it drains every
// reply currently queued, correlating each against the CommandList.
func (c *Channel) poll(ctx context.Context, _ event.Identity) {
	for {
		element, ok, err := c.replyq.Pull()
		if err != nil {
			c.log.WithError(err).Error("reply queue pull failed")
			return
		}
		if !ok {
			return
		}

		reply, ok := DecodeReply(element)
		if !ok {
			c.log.Error("malformed reply element, dropping")
			continue
		}
		if err := c.list.Complete(reply); err != nil {
			c.log.WithError(err).WithField("id", reply.ID).Debug("reply for unknown or stale command")
		}
	}
}

// Reset discards every outstanding command (delivering StatusDiscarded to
// each caller) and empties both queues, mirroring the device's
// CMDQ_RESET/DMAQ_RESET async notifications (original_source's
// mxvp_async.h).
func (c *Channel) Reset() error {
	c.list.Flush()
	if err := c.cmdq.Reset(); err != nil {
		return err
	}
	return c.replyq.Reset()
}

// Close marks the channel closed; outstanding commands are left to their
// callers' own context cancellation rather than force-discarded, since a
// reply may still be legitimately in flight.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
