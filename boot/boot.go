// Package boot implements the bootloader state machine (C5): decoding the
// device's main-magic operating mode, driving the first-stage image
// transfer handshake, and exposing read-only boot diagnostics.
//
// Grounded directly on original_source/boot/mxbl/{mxbl_bspec.c,mxbl_mmio.h}:
// the MMIO offsets, MF_READY status values, and the starting/pending poll
// budgets are carried over unchanged; mxbl_wait_for_transfer_completion's
// decrementing-counter poll loop becomes a context-bounded ticker loop, and
// the global atomic unit counter becomes a Registry so tests don't share
// global state across parallel runs.
package boot

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/myriadx/mxpcid/internal/dmapool"
	"github.com/myriadx/mxpcid/internal/reg"
	"github.com/myriadx/mxpcid/mxerr"
	"github.com/myriadx/mxpcid/mxlog"
)

// MMIO register offsets (original_source/boot/mxbl/mxbl_mmio.h).
const (
	regMainMagic = 0x00
	regMFReady   = 0x10
	regMFLength  = 0x14
	regMFStart   = 0x20
	regIntEnable = 0x28
	regIntMask   = 0x2C
	regIdentity  = 0x30
)

var intStatusUpdate = reg.Field{Shift: 0, Width: 1}

// Mode is the device's decoded operating mode, read from MAIN_MAGIC.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeBoot
	ModeLoader
	ModeApp
)

func (m Mode) String() string {
	switch m {
	case ModeBoot:
		return "boot"
	case ModeLoader:
		return "loader"
	case ModeApp:
		return "app"
	default:
		return "unknown"
	}
}

var (
	magicBoot   = []byte("BOOT")
	magicLoader = []byte("LOAD")
	magicApp    = []byte("MAIN")
)

// MF_READY values (original_source/boot/mxbl/mxbl_bspec.c).
const (
	mfReady    uint32 = 0x00000000
	mfPending  uint32 = 0xFFFFFFFF
	mfStarting uint32 = 0x55555555
	mfDMAError uint32 = 0xDEADAAAA
	mfInvalid  uint32 = 0xDEADFFFF
)

// Poll budgets from mxbl_wait_for_transfer_completion: 1500 one-millisecond
// polls while STARTING, 100 while PENDING.
const (
	StartingBudget = 1500 * time.Millisecond
	PendingBudget  = 100 * time.Millisecond
	pollInterval   = time.Millisecond
)

// DeviceInfo holds read-only diagnostics (spec.md SUPPLEMENT, grounded on
// mxbl_bspec.h's struct mxbl_bspec): firmware revision is not modeled by the
// upstream source beyond the magic string, so this only carries what the
// protocol actually exposes.
type DeviceInfo struct {
	Mode      Mode
	MFReady   uint32
	RawMagic  [16]byte
}

// Machine drives the bootloader handshake against one device's MMIO window.
type Machine struct {
	acc  *reg.Accessor
	pool *dmapool.Pool
	log  *logrus.Entry
}

// New returns a Machine addressing the bootloader registers through acc and
// allocating transfer buffers from pool.
func New(acc *reg.Accessor, pool *dmapool.Pool) *Machine {
	return &Machine{acc: acc, pool: pool, log: mxlog.For("boot")}
}

// ReadMode decodes MAIN_MAGIC into a Mode.
func (m *Machine) ReadMode() (Mode, error) {
	var magic [16]byte
	if err := m.acc.ReadBuf(regMainMagic, magic[:]); err != nil {
		return ModeUnknown, err
	}
	switch {
	case hasPrefix(magic[:], magicBoot):
		return ModeBoot, nil
	case hasPrefix(magic[:], magicLoader):
		return ModeLoader, nil
	case hasPrefix(magic[:], magicApp):
		return ModeApp, nil
	default:
		return ModeUnknown, nil
	}
}

func hasPrefix(buf, prefix []byte) bool {
	if len(buf) < len(prefix) {
		return false
	}
	for i, b := range prefix {
		if buf[i] != b {
			return false
		}
	}
	return true
}

// IsBootMode reports whether the device currently reads back Boot mode.
// Satisfies internal/reset.ModePoller, letting the reset engine reconfirm
// post-reset mode without importing package boot directly (spec.md §9's
// "boot imported as an interface to avoid a cycle").
func (m *Machine) IsBootMode() (bool, error) {
	mode, err := m.ReadMode()
	if err != nil {
		return false, err
	}
	return mode == ModeBoot, nil
}

// DeviceInfo returns the boot diagnostics currently exposed by MMIO.
func (m *Machine) DeviceInfo() (DeviceInfo, error) {
	mode, err := m.ReadMode()
	if err != nil {
		return DeviceInfo{}, err
	}
	ready, err := m.acc.U32(regMFReady)
	if err != nil {
		return DeviceInfo{}, err
	}
	var magic [16]byte
	if err := m.acc.ReadBuf(regMainMagic, magic[:]); err != nil {
		return DeviceInfo{}, err
	}
	return DeviceInfo{Mode: mode, MFReady: ready, RawMagic: magic}, nil
}

// EnableInterrupts unmasks the status-update interrupt reason, the only one
// the bootloader core raises (mxbl_events_init).
func (m *Machine) EnableInterrupts() error {
	enable := intStatusUpdate.Pack(0, 1)
	if err := m.acc.SetU32(regIntEnable, enable); err != nil {
		return err
	}
	return m.acc.SetU32(regIntMask, ^enable)
}

// AckIdentity clears INT_IDENTITY, acknowledging all pending reasons.
func (m *Machine) AckIdentity() error {
	return m.acc.SetU32(regIdentity, 0)
}

// Probe checks whether a status-update reason is set in INT_IDENTITY.
func (m *Machine) Probe() (bool, error) {
	v, err := m.acc.U32(regIdentity)
	if err != nil {
		return false, err
	}
	return intStatusUpdate.Unpack(v) != 0, nil
}

// FirstStageTransfer DMAs image to the device and blocks until the
// bootloader reports completion or a budget is exceeded.
//
// Mirrors mxbl_first_stage_transfer / mxbl_wait_for_transfer_completion:
// mode must be Boot, MF_READY must read back Ready before arming the
// transfer, and the completion loop tolerates only MF_STATUS_STARTING (up
// to StartingBudget) and MF_STATUS_PENDING (up to PendingBudget) before
// declaring a protocol or timeout error.
func (m *Machine) FirstStageTransfer(ctx context.Context, image []byte) error {
	mode, err := m.ReadMode()
	if err != nil {
		return err
	}
	if mode != ModeBoot {
		return mxerr.New(mxerr.PermissionDenied, "boot.FirstStageTransfer", nil)
	}

	ready, err := m.acc.U32(regMFReady)
	if err != nil {
		return err
	}
	if ready != mfReady {
		return mxerr.New(mxerr.IoError, "boot.FirstStageTransfer", nil)
	}

	iova, buf, err := m.pool.Alloc(len(image), 0)
	if err != nil {
		return err
	}
	copy(buf, image)
	defer m.pool.Free(iova)

	if err := m.acc.SetU64(regMFStart, iova); err != nil {
		return err
	}
	if err := m.acc.SetU32(regMFLength, uint32(len(image))); err != nil {
		return err
	}
	if err := m.acc.SetU32(regMFReady, mfPending); err != nil {
		return err
	}
	m.log.WithField("bytes", len(image)).Debug("first stage transfer armed")

	return m.waitForCompletion(ctx)
}

func (m *Machine) waitForCompletion(ctx context.Context) error {
	startDeadline := time.Now().Add(StartingBudget)
	pendingDeadline := time.Now().Add(PendingBudget)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		mode, err := m.ReadMode()
		if err != nil {
			return err
		}
		if mode != ModeBoot {
			return nil
		}

		status, err := m.acc.U32(regMFReady)
		if err != nil {
			return err
		}

		switch status {
		case mfReady:
			// fall through to re-check mode on the next tick; the real
			// device flips mode away from Boot once truly done.
		case mfPending:
			if time.Now().After(pendingDeadline) {
				return mxerr.New(mxerr.TimedOut, "boot.FirstStageTransfer", nil)
			}
		case mfStarting:
			if time.Now().After(startDeadline) {
				return mxerr.New(mxerr.TimedOut, "boot.FirstStageTransfer", nil)
			}
		case mfDMAError, mfInvalid:
			return mxerr.New(mxerr.ProtocolError, "boot.FirstStageTransfer", nil)
		default:
			return mxerr.New(mxerr.ProtocolError, "boot.FirstStageTransfer", nil)
		}

		select {
		case <-ctx.Done():
			return mxerr.New(mxerr.TimedOut, "boot.FirstStageTransfer", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Registry hands out unique unit numbers to probed devices, replacing the
// original driver's package-global atomic counter (units_found) with an
// instance callers construct once per process, so tests don't leak state
// across runs.
type Registry struct {
	mu   sync.Mutex
	next int
	max  int
}

// NewRegistry returns a Registry that hands out at most max unit numbers
// over its lifetime (mxbl_bspec.c's MXBL_MAX_DEVICES); reserved units are
// never released.
func NewRegistry(max int) *Registry {
	return &Registry{max: max}
}

// Reserve allocates the next unit number, or mxerr.DeviceBusy past max.
func (r *Registry) Reserve() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next >= r.max {
		return 0, mxerr.New(mxerr.DeviceBusy, "boot.Registry.Reserve", nil)
	}
	unit := r.next
	r.next++
	return unit, nil
}
