// Package pci implements the PCI session (C2): config-space access, BAR
// mapping, capability discovery, ASPM policy, and the save/restore pair the
// reset engine uses around a device reset.
//
// Grounded on the teacher's soc/intel/pci/{pci,capability,msix}.go, which
// walk a 0x34-rooted capability linked list and expose named accessors for
// the PCIe and MSI capability structures; the mapped-BAR-as-reg.Region shape
// is new, since the teacher addresses BARs directly as physical memory.
package pci

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/myriadx/mxpcid/internal/reg"
	"github.com/myriadx/mxpcid/mxerr"
	"github.com/myriadx/mxpcid/mxlog"
)

// ConfigSpace is the host-bus-specific half of a PCI session: raw config
// space access and BAR mapping. internal/fakepci implements this for tests;
// a real build backs it with a VFIO or sysfs-resource mapping.
type ConfigSpace interface {
	ReadConfig(off uint32) (uint32, error)
	WriteConfig(off uint32, val uint32) error
	MapBAR(bar int) (reg.Region, error)
	UnmapBAR(bar int) error
}

// Capability is one entry of the PCI capability linked list.
type Capability struct {
	ID     uint8
	Offset uint32
}

// Session is an opened PCI device: config space plus the mapped BAR that
// carries the register file spec.md §6 describes.
type Session struct {
	cs  ConfigSpace
	log *logrus.Entry

	bar     reg.Region
	barNo   int
	saved   [HeaderWords]uint32
	capPCIe uint32 // 0 if absent
	capMSI  uint32 // 0 if absent
}

// Open locates the device's PCIe capability, validates its identity, maps
// barNo, and returns a ready Session. Callers are expected to have already
// matched VendorIntel/DeviceMyriadX via their enumeration path; Open
// re-validates it itself so a stale ConfigSpace handle fails fast.
func Open(cs ConfigSpace, barNo int) (*Session, error) {
	s := &Session{cs: cs, barNo: barNo, log: mxlog.For("pci")}

	ok, err := s.deviceIDValidLocked()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, mxerr.New(mxerr.DeviceGone, "pci.Open", nil)
	}

	for c := range s.capabilities() {
		switch c.ID {
		case CapPCIe:
			s.capPCIe = c.Offset
		case CapMSI:
			s.capMSI = c.Offset
		}
	}
	if s.capPCIe == 0 {
		return nil, mxerr.New(mxerr.Unsupported, "pci.Open", fmt.Errorf("no PCIe capability"))
	}

	bar, err := cs.MapBAR(barNo)
	if err != nil {
		return nil, mxerr.New(mxerr.MappingFailed, "pci.Open", err)
	}
	s.bar = bar

	s.log.Debug("session opened")
	return s, nil
}

// Close unmaps the BAR. It does not touch config space; callers that reset
// the device first call reset.Reset, which itself opens/closes its own
// config-space accesses through the same ConfigSpace.
func (s *Session) Close() error {
	if err := s.cs.UnmapBAR(s.barNo); err != nil {
		return mxerr.New(mxerr.IoError, "pci.Close", err)
	}
	return nil
}

// BAR returns the mapped register window.
func (s *Session) BAR() reg.Region { return s.bar }

// capabilities walks the 0x34-rooted capability linked list, in the style of
// a Go 1.23 range-over-func iterator (teacher's capability.go returns a
// slice; this generalizes it to a lazy walk so Open can stop early).
func (s *Session) capabilities() iter.Seq[Capability] {
	return func(yield func(Capability) bool) {
		ptr, err := s.cs.ReadConfig(CapabilitiesOffset)
		if err != nil {
			return
		}
		offset := ptr & 0xFF
		for offset != 0 {
			word, err := s.cs.ReadConfig(offset)
			if err != nil {
				return
			}
			c := Capability{ID: uint8(word & 0xFF), Offset: offset}
			if !yield(c) {
				return
			}
			offset = (word >> 8) & 0xFF
		}
	}
}

func (s *Session) deviceIDValidLocked() (bool, error) {
	word, err := s.cs.ReadConfig(VendorID)
	if err != nil {
		return false, mxerr.New(mxerr.IoError, "pci.deviceIDValid", err)
	}
	vendor := uint16(word & 0xFFFF)
	device := uint16(word >> 16)
	return vendor == VendorIntel && device == DeviceMyriadX, nil
}

// DeviceIDValid re-reads vendor/device id and reports whether they still
// match; a false return after a suspected surprise-removal event should be
// treated as mxerr.DeviceGone by the caller (spec.md §4.2.4).
func (s *Session) DeviceIDValid() (bool, error) {
	return s.deviceIDValidLocked()
}

// SaveContext snapshots the 16 standard header words (offsets 0x00-0x3C)
// ahead of a reset that will clear them (spec.md §4.4). The PCIe capability
// control words (DEVCTL, LNKCTL and the rest) are not saved, so
// RestoreContext does not restore them either.
func (s *Session) SaveContext() error {
	for i := 0; i < HeaderWords; i++ {
		v, err := s.cs.ReadConfig(uint32(i * 4))
		if err != nil {
			return mxerr.New(mxerr.IoError, "pci.SaveContext", err)
		}
		s.saved[i] = v
	}
	return nil
}

// RestoreContext writes back the snapshot taken by SaveContext, command
// register last so the device cannot be addressed mid-restore.
func (s *Session) RestoreContext() error {
	for i := HeaderWords - 1; i >= 0; i-- {
		if i*4 == Command {
			continue
		}
		if err := s.cs.WriteConfig(uint32(i*4), s.saved[i]); err != nil {
			return mxerr.New(mxerr.IoError, "pci.RestoreContext", err)
		}
	}
	return s.cs.WriteConfig(Command, s.saved[Command/4])
}

// SetMSIEnable toggles the MSI capability's message-control enable bit. It
// is a no-op returning mxerr.Unsupported if the device exposes no MSI
// capability (spec.md's fallback to legacy INTx is out of scope).
func (s *Session) SetMSIEnable(enable bool) error {
	if s.capMSI == 0 {
		return mxerr.New(mxerr.Unsupported, "pci.SetMSIEnable", nil)
	}
	word, err := s.cs.ReadConfig(s.capMSI)
	if err != nil {
		return mxerr.New(mxerr.IoError, "pci.SetMSIEnable", err)
	}
	bit := uint32(1) << (16 + msiEnableBit)
	if enable {
		word |= bit
	} else {
		word &^= bit
	}
	return s.cs.WriteConfig(s.capMSI, word)
}

// ASPMPolicy selects the Active State Power Management states to request on
// the link control word (spec.md's L0s/L1 open question).
type ASPMPolicy uint8

const (
	ASPMDisabled ASPMPolicy = 0
	ASPML0s      ASPMPolicy = 1 << 0
	ASPML1       ASPMPolicy = 1 << 1
)

// SetASPM rewrites the low two bits of LNKCTL. Callers should apply this
// once after RestoreContext, since a reset reinitializes link training with
// ASPM disabled regardless of the saved snapshot.
func (s *Session) SetASPM(policy ASPMPolicy) error {
	off := s.capPCIe + PCIeLnkCtl
	word, err := s.cs.ReadConfig(off)
	if err != nil {
		return mxerr.New(mxerr.IoError, "pci.SetASPM", err)
	}
	word = (word &^ 0x3) | uint32(policy&0x3)
	return s.cs.WriteConfig(off, word)
}

// RetrainLink requests the link this Session's capability belongs to
// retrain, and waits for LNKSTA's Link Training bit to clear. Used against
// an upstream bridge's own Session, not the endpoint's, when the reset
// engine's FixedPortRetrain hook is configured (spec.md §9's "do not guess
// the topology" resolution — see DESIGN.md).
func (s *Session) RetrainLink(ctx context.Context, interval time.Duration) error {
	off := s.capPCIe + PCIeLnkCtl
	word, err := s.cs.ReadConfig(off)
	if err != nil {
		return mxerr.New(mxerr.IoError, "pci.RetrainLink", err)
	}
	if err := s.cs.WriteConfig(off, word|LnkCtlRetrainLink); err != nil {
		return mxerr.New(mxerr.IoError, "pci.RetrainLink", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		v, err := s.cs.ReadConfig(off)
		if err != nil {
			return mxerr.New(mxerr.IoError, "pci.RetrainLink", err)
		}
		if v&LnkStaLinkTraining == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return mxerr.New(mxerr.TimedOut, "pci.RetrainLink", ctx.Err())
		case <-ticker.C:
		}
	}
}

// ReapplyDMASettings rewrites the Port Logic DMA viewport, channel control,
// and read-engine-enable registers. mxbl_dev_enable_rdma does this
// unconditionally on attach because the read DMA engine does not survive a
// device-side warm reset; callers invoke this once after a successful
// reset.Reset, before arming any further DMA transfer.
func (s *Session) ReapplyDMASettings() error {
	if err := s.cs.WriteConfig(RegDMAViewport, dmaViewportReadChannel0); err != nil {
		return mxerr.New(mxerr.IoError, "pci.ReapplyDMASettings", err)
	}
	if err := s.cs.WriteConfig(RegDMAChannelCtrl1, dmaChannelControlLIE); err != nil {
		return mxerr.New(mxerr.IoError, "pci.ReapplyDMASettings", err)
	}
	if err := s.cs.WriteConfig(RegDMAReadEnable, dmaReadEngineRunning); err != nil {
		return mxerr.New(mxerr.IoError, "pci.ReapplyDMASettings", err)
	}
	return nil
}

// WriteDoorbell rings the device's notification register with magic. ctx is
// accepted (rather than ignored) so a future bus backend that can block on
// a write queue has somewhere to honor cancellation.
func (s *Session) WriteDoorbell(ctx context.Context, magic uint32) error {
	select {
	case <-ctx.Done():
		return mxerr.New(mxerr.TimedOut, "pci.WriteDoorbell", ctx.Err())
	default:
	}
	return s.cs.WriteConfig(RegDoorbell, magic)
}
