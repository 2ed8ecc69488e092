package pci

// Standard PCI Type 0 header offsets (PCI Local Bus Specification r3.0).
// Grounded on soc/intel/pci/pci.go's Header Type 0x0 offsets, extended with
// the header words this driver actually saves/restores.
const (
	VendorID           = 0x00
	DeviceID           = 0x02
	Command            = 0x04
	Status             = 0x06
	RevisionID         = 0x08
	BAR0               = 0x10
	BAR2               = 0x18
	BAR4               = 0x20
	CapabilitiesOffset = 0x34

	// HeaderWords is the number of 32-bit words making up the standard header
	// that SaveContext/RestoreContext snapshot (offsets 0x00..0x3C).
	HeaderWords = 16
)

// Command register bits.
const (
	CommandIOSpace     = 1 << 0
	CommandMemSpace    = 1 << 1
	CommandBusMaster   = 1 << 2
	CommandINTxDisable = 1 << 10
)

// Capability IDs (PCI Code and ID Assignment Specification).
const (
	CapMSI  = 0x05
	CapPCIe = 0x10
)

// PCIe Capability Structure control word offsets, relative to the
// capability's base offset (as located via CapabilitiesOffset's linked
// list). These are the "seven control words" spec.md §3 names.
const (
	PCIeDevCtl  = 0x08
	PCIeLnkCtl  = 0x10
	PCIeSltCtl  = 0x18
	PCIeRtCtl   = 0x1C
	PCIeDevCtl2 = 0x28
	PCIeLnkCtl2 = 0x30
	PCIeSltCtl2 = 0x38
)

// PCIeControlWords lists the seven control words in save/restore order.
var PCIeControlWords = [7]uint32{
	PCIeDevCtl, PCIeLnkCtl, PCIeSltCtl, PCIeRtCtl, PCIeDevCtl2, PCIeLnkCtl2, PCIeSltCtl2,
}

// MSI Capability Structure, message control word (relative to capability base).
const (
	MSIMessageControl = 0x02
	msiEnableBit      = 0
)

// LNKCTL bits used by the reset engine's upstream-switch retrain hook.
const (
	LnkCtlRetrainLink = 1 << 5
)

// LnkStaLinkTraining is LNKSTA's Link Training bit, pre-shifted into the
// position it occupies when LNKCTL and LNKSTA are read together as one
// 32-bit word at PCIeLnkCtl (LNKSTA occupies the upper 16 bits).
const LnkStaLinkTraining = 1 << (16 + 11)

// Vendor/device identity (spec.md §6).
const (
	VendorIntel   uint16 = 0x8086
	DeviceMyriadX uint16 = 0x6200
)

// Vendor-specific config-space registers (spec.md §6). RegDMAViewport,
// RegDMAChannelCtrl1, and RegDMAReadEnable are the Port Logic DMA registers
// Session.ReapplyDMASettings rewrites, grounded on
// original_source/boot/mxbl/mxbl_bspec.c's mxbl_dev_enable_rdma.
const (
	RegResetMagic      = 0x704
	RegDMAReadEnable   = 0x99C
	RegDMAViewport     = 0xA6C
	RegDMAChannelCtrl1 = 0xA70
	RegDoorbell        = 0xFF0
)

// ResetMagic is written to RegResetMagic to trigger a non-standard device reset.
const ResetMagic uint32 = 0xDEADDEAD

// DoorbellRing is written to RegDoorbell to notify the device a ring's
// head/tail moved (ASCII "ring", little-endian 0x72696e67).
const DoorbellRing uint32 = 0x72696E67

// mxbl_dev_enable_rdma's reapply values: select the read-direction, channel 0
// viewport, enable the channel's local interrupt, then start the read engine.
const (
	dmaViewportReadChannel0 = 0x80000000
	dmaChannelControlLIE    = 0x00000008
	dmaReadEngineRunning    = 0x00000001
)
