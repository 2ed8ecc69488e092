package pci

import (
	"sync"
	"testing"

	"github.com/myriadx/mxpcid/internal/reg"
	"github.com/myriadx/mxpcid/mxerr"
)

// fakeConfigSpace is a minimal ConfigSpace good enough to exercise Session
// without pulling in internal/fakepci's fuller device model.
type fakeConfigSpace struct {
	mu   sync.Mutex
	cfg  map[uint32]uint32
	bars map[int][]byte
}

func newFakeConfigSpace() *fakeConfigSpace {
	cfg := map[uint32]uint32{
		VendorID:           uint32(VendorIntel) | uint32(DeviceMyriadX)<<16,
		CapabilitiesOffset: 0x40,
		0x40:               uint32(CapPCIe) | 0x50<<8,
		0x50:               0, // ID-0 entry whose zero next pointer terminates the list
	}
	return &fakeConfigSpace{cfg: cfg, bars: map[int][]byte{0: make([]byte, 256)}}
}

func (f *fakeConfigSpace) ReadConfig(off uint32) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg[off], nil
}

func (f *fakeConfigSpace) WriteConfig(off uint32, val uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg[off] = val
	return nil
}

func (f *fakeConfigSpace) MapBAR(bar int) (reg.Region, error) {
	buf, ok := f.bars[bar]
	if !ok {
		return nil, mxerr.New(mxerr.MappingFailed, "fakeConfigSpace.MapBAR", nil)
	}
	return &byteRegion{buf: buf}, nil
}

func (f *fakeConfigSpace) UnmapBAR(bar int) error { return nil }

type byteRegion struct {
	mu  sync.Mutex
	buf []byte
}

func (r *byteRegion) ReadAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copy(p, r.buf[off:]), nil
}

func (r *byteRegion) WriteAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copy(r.buf[off:], p), nil
}

func (r *byteRegion) Size() int { return len(r.buf) }

func TestOpenValidatesIdentityAndFindsPCIeCap(t *testing.T) {
	cs := newFakeConfigSpace()
	s, err := Open(cs, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if s.capPCIe != 0x40 {
		t.Fatalf("capPCIe = %#x, want 0x40", s.capPCIe)
	}
}

func TestOpenRejectsWrongIdentity(t *testing.T) {
	cs := newFakeConfigSpace()
	cs.cfg[VendorID] = uint32(VendorIntel) | uint32(0x1234)<<16

	_, err := Open(cs, 0)
	if !mxerr.Is(err, mxerr.DeviceGone) {
		t.Fatalf("Open on mismatched identity = %v, want DeviceGone", err)
	}
}

func TestOpenRejectsMissingPCIeCapability(t *testing.T) {
	cs := newFakeConfigSpace()
	cs.cfg[CapabilitiesOffset] = 0 // empty list

	_, err := Open(cs, 0)
	if !mxerr.Is(err, mxerr.Unsupported) {
		t.Fatalf("Open with no PCIe cap = %v, want Unsupported", err)
	}
}

func TestSaveRestoreContextRoundTrips(t *testing.T) {
	cs := newFakeConfigSpace()
	cs.cfg[Command] = CommandMemSpace | CommandBusMaster
	cs.cfg[BAR0] = 0xF0000000

	s, err := Open(cs, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.SaveContext(); err != nil {
		t.Fatal(err)
	}

	// simulate a reset clobbering the header
	cs.cfg[Command] = 0
	cs.cfg[BAR0] = 0

	if err := s.RestoreContext(); err != nil {
		t.Fatal(err)
	}

	if cs.cfg[BAR0] != 0xF0000000 {
		t.Fatalf("BAR0 = %#x after restore, want 0xF0000000", cs.cfg[BAR0])
	}
	if cs.cfg[Command] != CommandMemSpace|CommandBusMaster {
		t.Fatalf("Command = %#x after restore, want mem+bus-master", cs.cfg[Command])
	}
}

func TestSetMSIEnableUnsupportedWithoutCapability(t *testing.T) {
	cs := newFakeConfigSpace()
	s, err := Open(cs, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.SetMSIEnable(true); !mxerr.Is(err, mxerr.Unsupported) {
		t.Fatalf("SetMSIEnable without cap = %v, want Unsupported", err)
	}
}

func TestReapplyDMASettingsWritesPortLogicRegisters(t *testing.T) {
	cs := newFakeConfigSpace()
	s, err := Open(cs, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.ReapplyDMASettings(); err != nil {
		t.Fatal(err)
	}
	if cs.cfg[RegDMAViewport] != dmaViewportReadChannel0 {
		t.Fatalf("viewport = %#x, want %#x", cs.cfg[RegDMAViewport], dmaViewportReadChannel0)
	}
	if cs.cfg[RegDMAChannelCtrl1] != dmaChannelControlLIE {
		t.Fatalf("channel control1 = %#x, want %#x", cs.cfg[RegDMAChannelCtrl1], dmaChannelControlLIE)
	}
	if cs.cfg[RegDMAReadEnable] != dmaReadEngineRunning {
		t.Fatalf("read engine enable = %#x, want %#x", cs.cfg[RegDMAReadEnable], dmaReadEngineRunning)
	}
}

func TestSetASPMRewritesLowBitsOnly(t *testing.T) {
	cs := newFakeConfigSpace()
	cs.cfg[0x40+PCIeLnkCtl] = 0xFFFFFFFC

	s, err := Open(cs, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.SetASPM(ASPML0s | ASPML1); err != nil {
		t.Fatal(err)
	}
	if cs.cfg[0x40+PCIeLnkCtl] != 0xFFFFFFFF {
		t.Fatalf("LNKCTL = %#x, want all bits set", cs.cfg[0x40+PCIeLnkCtl])
	}
}
