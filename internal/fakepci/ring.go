package fakepci

import (
	"context"
	"encoding/binary"
	"time"
)

// The following constants duplicate package ring's CAP_TXRX layout
// (ring/regs.go) and transfer-descriptor layout, the device-model side of
// the same wire format package ring negotiates and reads from the host
// side. Kept package-local rather than imported, in keeping with this
// repo's established fake/production duplication (see
// internal/reset/reset_test.go's fakeConfigSpace comment).
const (
	ringCapRootOffset = 0x40
	ringCapIDTXRX     = 0x01
	ringCapHeaderSize = 0x08

	ringCapFragmentSize = ringCapHeaderSize
	ringCapTXBlock      = ringCapHeaderSize + 0x04
	ringCapRXBlock      = ringCapTXBlock + ringDirBlockSize

	ringDirNdesc     = 0x00
	ringDirHead      = 0x04
	ringDirTail      = 0x08
	ringDirRingPtr   = 0x0C
	ringDirBlockSize = 0x10

	ringTDAddress   = 0x00
	ringTDLength    = 0x08
	ringTDInterface = 0x0C
	ringTDStatus    = 0x0E
	ringTDSize      = 0x10

	ringDescStatusSuccess uint16 = 0x0000
	ringDescStatusPending uint16 = 0xFFFF
)

// WriteRingCapability lays out one CAP_TXRX record in BAR2 at
// ringCapRootOffset, with the TX and RX descriptor tables placed at txRing
// and rxRing (BAR2-relative offsets the caller picks clear of both the
// bootloader registers and the capability block itself).
func (d *Device) WriteRingCapability(ndesc int, fragmentSize int, txRing, rxRing uint32) {
	base := uint32(ringCapRootOffset)
	d.barSetU16(base+0x00, ringCapIDTXRX) // id
	d.barSetU16(base+0x02, 1)             // version
	d.barSetU32(base+0x04, 0)             // next (terminates the chain)
	d.barSetU32(base+ringCapFragmentSize, uint32(fragmentSize))

	d.barSetU32(base+ringCapTXBlock+ringDirNdesc, uint32(ndesc))
	d.barSetU32(base+ringCapTXBlock+ringDirRingPtr, txRing)
	d.barSetU32(base+ringCapRXBlock+ringDirNdesc, uint32(ndesc))
	d.barSetU32(base+ringCapRXBlock+ringDirRingPtr, rxRing)
}

func (d *Device) barSetU16(off uint32, v uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	d.bar.WriteAt(buf[:], int64(off))
}

func (d *Device) barSetU32(off uint32, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	d.bar.WriteAt(buf[:], int64(off))
}

func (d *Device) barU32(off uint32) uint32 {
	var buf [4]byte
	d.bar.ReadAt(buf[:], int64(off))
	return binary.LittleEndian.Uint32(buf[:])
}

// RunLoopback plays the device side of spec.md §8 scenario 5: it watches
// the TX ring for newly posted descriptors and echoes each one back onto
// the RX ring unchanged. Descriptor tables (txRing/rxRing) are BAR2-resident
// MMIO, read and written the same way package ring's own host-side code
// does; the payload each descriptor's address field points at lives in a
// separately DMA-mapped host buffer, resolved through mapper exactly the
// way a real device's DMA engine would resolve an IOVA — so this never
// touches d.bar except for the descriptor and head/tail cells themselves.
// It stops once ctx is done.
func (d *Device) RunLoopback(ctx context.Context, mapper *IdentityMapper, ndesc int, txRing, rxRing uint32) {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	txDeviceHead := uint32(0)
	rxDeviceTail := uint32(0)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		txTail := d.barU32(ringCapRootOffset + ringCapTXBlock + ringDirTail)
		rxHead := d.barU32(ringCapRootOffset + ringCapRXBlock + ringDirHead)

		for txDeviceHead != txTail {
			slot := txDeviceHead
			status := d.barU16(txRing + slot*ringTDSize + ringTDStatus)
			if status != ringDescStatusPending {
				txDeviceHead = (txDeviceHead + 1) % uint32(ndesc)
				continue
			}

			// rxHead is the host-owned free-slot marker; loop here stalls
			// (scenario 6's backpressure) if the host hasn't freed a slot,
			// leaving this TX slot pending until a later tick.
			if (rxDeviceTail+1)%uint32(ndesc) == rxHead {
				break
			}

			length := d.barU32(txRing + slot*ringTDSize + ringTDLength)
			iface := d.barU16(txRing + slot*ringTDSize + ringTDInterface)
			txIOVA := uint64(d.barU32(txRing + slot*ringTDSize + ringTDAddress))
			src := mapper.BytesAt(txIOVA, length)

			d.barSetU16(txRing+slot*ringTDSize+ringTDStatus, ringDescStatusSuccess)
			txDeviceHead = (txDeviceHead + 1) % uint32(ndesc)

			if src == nil {
				continue
			}

			rxIOVA := uint64(d.barU32(rxRing + rxDeviceTail*ringTDSize + ringTDAddress))
			if dst := mapper.BytesAt(rxIOVA, length); dst != nil {
				copy(dst, src)
			}
			d.barSetU32(rxRing+rxDeviceTail*ringTDSize+ringTDLength, length)
			d.barSetU16(rxRing+rxDeviceTail*ringTDSize+ringTDInterface, iface)
			d.barSetU16(rxRing+rxDeviceTail*ringTDSize+ringTDStatus, ringDescStatusSuccess)
			rxDeviceTail = (rxDeviceTail + 1) % uint32(ndesc)
			d.barSetU32(ringCapRootOffset+ringCapRXBlock+ringDirTail, rxDeviceTail)

			d.doorbellRung()
		}
	}
}

func (d *Device) barU16(off uint32) uint16 {
	var buf [2]byte
	d.bar.ReadAt(buf[:], int64(off))
	return binary.LittleEndian.Uint16(buf[:])
}

// doorbellRung lets RunLoopback's device-side RX post count toward
// DoorbellCount the same way a real device interrupt would prompt the host
// to ring back, kept simple since fakepci only needs the count to be
// observable, not routed through an actual MSI.
func (d *Device) doorbellRung() {
	d.mu.Lock()
	d.doorbellCount++
	d.mu.Unlock()
}
