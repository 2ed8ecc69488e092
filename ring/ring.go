package ring

import (
	"github.com/myriadx/mxpcid/internal/reg"
	"github.com/myriadx/mxpcid/mxerr"
)

// descriptor is the decoded form of one 16-byte transfer descriptor slot.
type descriptor struct {
	address uint64
	length  uint32
	iface   uint16
	status  uint16
}

func readDescriptor(table *reg.Accessor, slot int) (descriptor, error) {
	base := uint32(slot * descriptorSize)
	addr, err := table.U64(base + tdAddress)
	if err != nil {
		return descriptor{}, err
	}
	length, err := table.U32(base + tdLength)
	if err != nil {
		return descriptor{}, err
	}
	iface, err := table.U16(base + tdInterface)
	if err != nil {
		return descriptor{}, err
	}
	status, err := table.U16(base + tdStatus)
	if err != nil {
		return descriptor{}, err
	}
	return descriptor{address: addr, length: length, iface: iface, status: status}, nil
}

func writeDescriptor(table *reg.Accessor, slot int, d descriptor) error {
	base := uint32(slot * descriptorSize)
	if err := table.SetU64(base+tdAddress, d.address); err != nil {
		return err
	}
	if err := table.SetU32(base+tdLength, d.length); err != nil {
		return err
	}
	if err := table.SetU16(base+tdInterface, d.iface); err != nil {
		return err
	}
	return table.SetU16(base+tdStatus, d.status)
}

// circularInc advances a ring index by one, wrapping at max (MXLK_CIRCULAR_INC).
func circularInc(v, max uint32) uint32 {
	return (v + 1) % max
}

// direction is one half (TX or RX) of a negotiated ring: its head/tail
// cells (read/written through the capability's root accessor) and its
// descriptor table (a separate accessor rebased at the table's own BAR
// offset, per mxlk_txrx_init's mxlk->mmio + cap->tx.ring indirection).
type direction struct {
	root  *reg.Accessor
	table *reg.Accessor

	headOff      uint32
	tailOff      uint32
	ndesc        uint32
	fragmentSize int

	shadow []*BufDesc // host-side bookkeeping, indexed by ring slot
}

func newDirection(acc *reg.Accessor, blockOffset uint32, ndesc int) (*direction, error) {
	ringPtr, err := acc.U32(blockOffset + dirRingPtr)
	if err != nil {
		return nil, mxerr.New(mxerr.IoError, "ring.newDirection", err)
	}
	return &direction{
		root:    acc,
		table:   acc.Sub(ringPtr),
		headOff: blockOffset + dirHead,
		tailOff: blockOffset + dirTail,
		ndesc:   uint32(ndesc),
		shadow:  make([]*BufDesc, ndesc),
	}, nil
}

func (d *direction) head() (uint32, error) { return d.root.U32(d.headOff) }
func (d *direction) tail() (uint32, error) { return d.root.U32(d.tailOff) }

func (d *direction) setHead(v uint32) error { return d.root.SetU32(d.headOff, v) }
func (d *direction) setTail(v uint32) error { return d.root.SetU32(d.tailOff, v) }
