// Package fakepci is the shared, test-only Myriad-X device model used by
// integration tests that exercise a full probe/boot/reset/transfer cycle
// (spec.md §8's concrete end-to-end scenarios). It implements
// internal/pci.ConfigSpace and backs BAR2 with the bootloader register file
// (boot.go's regMainMagic/regMFReady/...) plus a CAP_TXRX capability block
// laid out the way package ring expects.
//
// Individual packages (internal/pci, internal/reset, boot, ring, iface) keep
// their own minimal package-local fakes for unit-level isolation — a
// decision documented in DESIGN.md — so this package is deliberately the
// fuller, cross-cutting model SPEC_FULL.md §8 asks for, not a replacement
// for those.
//
// Grounded the same way those per-package fakes are: a plain mutex-guarded
// []byte Region (boot_test.go's memRegion, ring_test.go's memRegion) plus a
// map-backed config space (pci_test.go's fakeConfigSpace), combined into one
// device and given a background goroutine that plays the part of the
// device's own firmware.
package fakepci

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/myriadx/mxpcid/internal/pci"
	"github.com/myriadx/mxpcid/internal/reg"
	"github.com/myriadx/mxpcid/mxerr"
)

// Region is a mutex-guarded byte buffer satisfying reg.Region, backing
// BAR2/BAR4.
type Region struct {
	mu  sync.Mutex
	buf []byte
}

// NewRegion returns a zeroed Region of size bytes.
func NewRegion(size int) *Region { return &Region{buf: make([]byte, size)} }

func (r *Region) ReadAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copy(p, r.buf[off:]), nil
}

func (r *Region) WriteAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copy(r.buf[off:], p), nil
}

func (r *Region) Size() int { return len(r.buf) }

// Bootloader MMIO offsets, duplicated from boot.go's unexported regMainMagic
// etc. — spec.md §6's MMIO layout, the device-model side of the same
// constants boot.Machine addresses from the host side.
const (
	regMainMagic = 0x00
	regMFReady   = 0x10
	regMFLength  = 0x14
	regMFStart   = 0x20
	regIntEnable = 0x28
	regIntMask   = 0x2C
	regIdentity  = 0x30
)

// MF_READY values, duplicated from boot.go (spec.md §4.5's state table).
const (
	mfReady    uint32 = 0x00000000
	mfPending  uint32 = 0xFFFFFFFF
	mfStarting uint32 = 0x55555555
	mfDMAError uint32 = 0xDEADAAAA
)

// magicBoot/magicApp match boot.go's own magicBoot/magicApp prefixes
// ("BOOT"/"MAIN", the 4-byte prefixes boot.Machine.ReadMode actually
// compares against) rather than spec.md §6's illustrative full literals
// ("VPUBOOT"/"VPUMAIN") — boot.go's own DESIGN.md entry documents this
// simplification; fakepci mirrors what boot.go implements.
var (
	magicBoot = []byte("BOOT")
	magicApp  = []byte("MAIN")
)

// Device is a complete fake Myriad-X: config space plus a mapped BAR2
// region modeling the bootloader handshake and a firmware goroutine that
// reacts to host writes the way real device firmware would.
type Device struct {
	mu  sync.Mutex
	cfg map[uint32]uint32
	bar *Region

	resetCount    int
	doorbellCount int
	dmaError      bool // next FirstStageTransfer attempt reports DmaError instead of succeeding
}

// New returns a Device initialized in Boot mode, with a PCIe capability at
// 0x40 and the vendor/device id spec.md §6 names.
func New() *Device {
	d := &Device{
		cfg: map[uint32]uint32{
			pci.VendorID:           uint32(pci.VendorIntel) | uint32(pci.DeviceMyriadX)<<16,
			pci.CapabilitiesOffset: 0x40,
			0x40:                   uint32(pci.CapPCIe) | 0x50<<8,
			0x50:                   0,
		},
		bar: NewRegion(4096),
	}
	d.bar.WriteAt(magicBoot, regMainMagic)
	return d
}

// BAR2 exposes the mapped region directly, for tests that build a
// reg.Accessor/boot.Machine/ring.Negotiate against it without going through
// MapBAR.
func (d *Device) BAR2() *Region { return d.bar }

func (d *Device) ReadConfig(off uint32) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg[off], nil
}

func (d *Device) WriteConfig(off uint32, val uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg[off] = val
	switch off {
	case pci.RegResetMagic:
		if val == pci.ResetMagic {
			d.resetCount++
			go d.simulateReboot()
		}
	case pci.RegDoorbell:
		d.doorbellCount++
	}
	return nil
}

// simulateReboot simulates the device returning to Boot mode shortly after a
// reset-magic write, mirroring spec.md §4.4 step 5's expectation that the
// device is back in Boot within a short grace window.
func (d *Device) simulateReboot() {
	time.Sleep(2 * time.Millisecond)
	d.bar.WriteAt(magicBoot, regMainMagic)
	d.bar.WriteAt(make([]byte, 4), regMFReady)
}

func (d *Device) MapBAR(bar int) (reg.Region, error) {
	if bar != 2 {
		return nil, mxerr.New(mxerr.MappingFailed, "fakepci.MapBAR", nil)
	}
	return d.bar, nil
}

func (d *Device) UnmapBAR(bar int) error { return nil }

// ResetCount reports how many times the vendor reset magic has been
// written, for scenario 2's "vendor write of 0xDEADDEAD" assertion.
func (d *Device) ResetCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resetCount
}

// DoorbellCount reports how many times the doorbell register has been
// written, for invariant 6 (spec.md §8).
func (d *Device) DoorbellCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doorbellCount
}

// SetWarmMode puts the device in Application mode, as if already running
// firmware at probe time (scenario 2).
func (d *Device) SetWarmMode() {
	d.bar.WriteAt(magicApp, regMainMagic)
}

// FailNextTransfer arms DmaError as the next FirstStageTransfer outcome
// (scenario 4).
func (d *Device) FailNextTransfer() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dmaError = true
}

// RunFirmware starts the background goroutine that watches MF_READY and
// plays the device's half of the first-stage transfer handshake
// (mxbl_bspec.c's state machine, from the device side): Pending -> Starting
// -> mode flips to Application, unless FailNextTransfer armed a DmaError
// outcome. It returns once ctx is done.
func (d *Device) RunFirmware(ctx context.Context) {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var buf [4]byte
		d.bar.ReadAt(buf[:], regMFReady)
		ready := binary.LittleEndian.Uint32(buf[:])

		if ready != mfPending {
			continue
		}

		d.mu.Lock()
		failNext := d.dmaError
		d.dmaError = false
		d.mu.Unlock()

		if failNext {
			var errBuf [4]byte
			binary.LittleEndian.PutUint32(errBuf[:], mfDMAError)
			d.bar.WriteAt(errBuf[:], regMFReady)
			continue
		}

		var startingBuf [4]byte
		binary.LittleEndian.PutUint32(startingBuf[:], mfStarting)
		d.bar.WriteAt(startingBuf[:], regMFReady)

		select {
		case <-ctx.Done():
			return
		case <-time.After(3 * time.Millisecond):
		}

		d.bar.WriteAt(magicApp, regMainMagic)
		d.bar.WriteAt(make([]byte, 4), regMFReady)
	}
}
