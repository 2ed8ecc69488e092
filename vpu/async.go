package vpu

// AsyncCmd enumerates the device's asynchronous (out-of-band, not
// queue-correlated) notifications, grounded on
// original_source/examples/PcieVpuDrvDemo/host/mxvp/mxvp_async.h's
// mxvp_async_cmd.
type AsyncCmd uint32

const (
	AsyncCmdQPreempt AsyncCmd = iota
	AsyncDMAQPreempt
	AsyncCmdQReset
	AsyncDMAQReset
	AsyncDevReset
	AsyncSetPower
)

// PowerState is the argument to AsyncSetPower (mxvp_async.h's
// mxvp_async_pwr_arg / MXVP_ASYNC_PWR_D*_ENTRY).
type PowerState uint8

const (
	PowerD0 PowerState = iota
	PowerD1
	PowerD2
	PowerD3
)

// AsyncNotification is a decoded out-of-band device notification, delivered
// outside the normal Reply correlation path (e.g. over the bootloader or
// link interrupt's sub-reason code, per spec.md §9).
type AsyncNotification struct {
	Cmd   AsyncCmd
	Power PowerState // valid only when Cmd == AsyncSetPower
}

// HandleAsync applies the documented effect of a device async notification
// to this channel: a command-queue or device reset runs Channel.Reset
// (flushing outstanding commands and clearing both queues); a DMA-queue
// reset only flushes outstanding commands and leaves the queues as they
// are; preempt and power notifications are observational only at this layer and are left
// for the caller (package cmd/mxpcid's Controller) to act on.
func (c *Channel) HandleAsync(n AsyncNotification) error {
	switch n.Cmd {
	case AsyncCmdQReset, AsyncDevReset:
		return c.Reset()
	case AsyncDMAQReset:
		c.list.Flush()
		return nil
	default:
		return nil
	}
}
