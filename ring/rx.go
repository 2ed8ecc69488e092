package ring

import (
	"context"
	"time"
)

// rxRestartDelay is how long drainRX waits before retrying after the RX
// pool runs dry, matching mxlk_rx_event_handler's msleep(5) before
// mxlk_start_rx.
const rxRestartDelay = 5 * time.Millisecond

// drainRX reaps completed RX slots between head and tail, delivering each
// buffer to the sink (by interface id) or back to the pool, then replaces
// it with a fresh buffer so the ring stays fully posted. Mirrors
// mxlk_rx_event_handler: on pool exhaustion it marks restart and stops
// early, scheduling its own retry rxRestartDelay later rather than relying
// solely on the next interrupt, since a device waiting on the host to free
// an RX slot may not raise one.
func (t *Transport) drainRX(ctx context.Context) error {
	head, err := t.rx.head()
	if err != nil {
		return err
	}
	tail, err := t.rx.tail()
	if err != nil {
		return err
	}

	moved := false
	restart := false
	for head != tail {
		d, err := readDescriptor(t.rx.table, int(head))
		if err != nil {
			return err
		}
		bd := t.rx.shadow[head]

		if d.status == descStatusSuccess && bd != nil {
			bd.Data = bd.Buf[:int(d.length)]
			bd.Iface = int(d.iface)
			if t.sink == nil || !t.sink.Deliver(bd.Iface, bd) {
				t.rxPool.Free(bd.IOVA)
			}
		} else if bd != nil {
			t.log.WithField("slot", head).WithField("status", d.status).Error("rx descriptor failed")
			t.rxPool.Free(bd.IOVA)
		}
		t.rx.shadow[head] = nil

		if err := t.postRX(int(head)); err != nil {
			// pool exhausted: leave this slot unposted and reschedule.
			restart = true
			break
		}

		head = circularInc(head, t.rx.ndesc)
		moved = true
	}

	if moved {
		if err := t.rx.setHead(head); err != nil {
			return err
		}
		t.ringDoorbell(ctx)
	}

	if restart {
		t.scheduleRXRestart(ctx)
	}
	return nil
}

// scheduleRXRestart reruns drainRX after rxRestartDelay, giving the host a
// chance to free RX pool buffers (via iface.Router reads) before retrying.
// It is a no-op once the transport is closed.
func (t *Transport) scheduleRXRestart(ctx context.Context) {
	time.AfterFunc(rxRestartDelay, func() {
		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return
		}
		if err := t.drainRX(ctx); err != nil {
			t.log.WithError(err).Error("rx restart failed")
		}
	})
}
