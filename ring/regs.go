// Package ring implements the TX/RX descriptor ring transport (C6): the
// capability-negotiated pair of producer/consumer rings the serial/link
// core uses to move buffers to and from the device, plus the doorbell that
// tells the device a ring moved.
//
// Grounded on original_source/serial/mxlk/mxlk_core.c's transfer-descriptor
// accessors (mxlk_get_td_*/mxlk_set_td_*), mxlk_txrx_init's capability
// layout, and mxlk_rx_event_handler/mxlk_tx_event_handler's reap-then-enqueue
// loops; the descriptor-table field layout mirrors soc/nxp/enet/dma.go's
// bufferDescriptor (packed, MMIO-resident, read/written a field at a time),
// and the capability walk generalizes internal/pci's 0x34-rooted linked list
// to an MMIO-resident list.
package ring

// Transfer descriptor field offsets (mxlk_transfer_desc: address, length,
// interface, status), 16 bytes total.
const (
	tdAddress   = 0x00 // u64
	tdLength    = 0x08 // u32
	tdInterface = 0x0C // u16
	tdStatus    = 0x0E // u16

	descriptorSize = 0x10
)

// Descriptor status values. SUCCESS is written by the device on completion;
// PENDING is written by the host when arming a TX descriptor and by RX ring
// init, and anything else observed on reap is treated as a transfer failure
// (mxlk_core.c checks status != MXLK_DESC_STATUS_SUCCESS on both rings).
const (
	descStatusSuccess uint16 = 0x0000
	descStatusPending uint16 = 0xFFFF
)

// Capability list (MMIO-resident, CAP_TXRX), per spec.md §6's "linked
// capability list anchored at a fixed offset": each record is a 16-bit id,
// 16-bit version, 32-bit next offset (0 ends), then the record's own
// payload.
const (
	capRootOffset = 0x40 // where the ring capability chain is rooted in BAR2
	capIDTXRX     = 0x01

	capHdrID      = 0x00 // u16
	capHdrVersion = 0x02 // u16
	capHdrNext    = 0x04 // u32 offset of the next capability, 0 terminates
	capHeaderSize = 0x08
)

// CAP_TXRX payload layout (mxlk_cap_txrx, relative to the capability's
// header): one shared fragment size, then two identical direction blocks.
const (
	capFragmentSize = capHeaderSize // u32, relative to capability base

	capTXBlock = capHeaderSize + 0x04
	capRXBlock = capHeaderSize + 0x04 + dirBlockSize

	dirNdesc   = 0x00 // u32
	dirHead    = 0x04 // u32, consumer side: device-writable (TX) / host-writable (RX)
	dirTail    = 0x08 // u32, producer side: host-writable (TX) / device-writable (RX)
	dirRingPtr = 0x0C // u32, BAR-relative offset of this direction's descriptor table

	dirBlockSize = 0x10
)
