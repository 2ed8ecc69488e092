package ring

import "context"

// reapTX reclaims completed TX slots between txOld and head, returning each
// buffer to the TX pool, mirroring mxlk_tx_event_handler's "clean old
// entries" loop.
func (t *Transport) reapTX(ctx context.Context) error {
	head, err := t.tx.head()
	if err != nil {
		return err
	}

	for t.txOld != head {
		bd := t.tx.shadow[t.txOld]
		d, err := readDescriptor(t.tx.table, int(t.txOld))
		if err != nil {
			return err
		}
		if d.status != descStatusSuccess {
			t.log.WithField("slot", t.txOld).WithField("status", d.status).Error("tx descriptor failed")
		}

		if bd != nil {
			if err := t.txPool.Free(bd.IOVA); err != nil {
				return err
			}
			t.tx.shadow[t.txOld] = nil
		}

		t.txOld = circularInc(t.txOld, t.tx.ndesc)
	}
	return nil
}

// fillTX drains writePending into free TX slots (tail..head-1, leaving the
// one reserved slot), mirroring mxlk_tx_event_handler's "add new entries"
// loop. It also reaps first, since a full ring can only make room by
// reaping.
func (t *Transport) fillTX(ctx context.Context) error {
	if err := t.reapTX(ctx); err != nil {
		return err
	}

	head, err := t.tx.head()
	if err != nil {
		return err
	}
	tail, err := t.tx.tail()
	if err != nil {
		return err
	}

	moved := false
	for circularInc(tail, t.tx.ndesc) != head {
		bd := t.writePending.Pop()
		if bd == nil {
			break
		}

		t.tx.shadow[tail] = bd
		if err := writeDescriptor(t.tx.table, int(tail), descriptor{
			address: bd.IOVA,
			length:  uint32(len(bd.Data)),
			iface:   uint16(bd.Iface),
			status:  descStatusPending,
		}); err != nil {
			return err
		}

		tail = circularInc(tail, t.tx.ndesc)
		moved = true
	}

	if moved {
		if err := t.tx.setTail(tail); err != nil {
			return err
		}
		t.ringDoorbell(ctx)
	}
	return nil
}
