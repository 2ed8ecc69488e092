package fakepci

import (
	"context"
	"testing"
	"time"

	"github.com/myriadx/mxpcid/internal/pci"
)

func TestNewDeviceStartsInBootMode(t *testing.T) {
	d := New()

	var buf [4]byte
	d.BAR2().ReadAt(buf[:], regMainMagic)
	if string(buf[:]) != "BOOT" {
		t.Fatalf("main magic = %q, want BOOT", buf[:])
	}

	id, err := d.ReadConfig(pci.VendorID)
	if err != nil {
		t.Fatal(err)
	}
	if uint16(id) != pci.VendorIntel {
		t.Fatalf("vendor id = %#x", uint16(id))
	}
}

func TestWriteConfigResetMagicTriggersReboot(t *testing.T) {
	d := New()
	d.SetWarmMode()

	if err := d.WriteConfig(pci.RegResetMagic, pci.ResetMagic); err != nil {
		t.Fatal(err)
	}
	if d.ResetCount() != 1 {
		t.Fatalf("reset count = %d, want 1", d.ResetCount())
	}

	deadline := time.After(50 * time.Millisecond)
	for {
		var buf [4]byte
		d.BAR2().ReadAt(buf[:], regMainMagic)
		if string(buf[:]) == "BOOT" {
			break
		}
		select {
		case <-deadline:
			t.Fatal("device never returned to Boot mode after reset")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestWriteConfigDoorbellCounts(t *testing.T) {
	d := New()
	for i := 0; i < 3; i++ {
		if err := d.WriteConfig(pci.RegDoorbell, pci.DoorbellRing); err != nil {
			t.Fatal(err)
		}
	}
	if d.DoorbellCount() != 3 {
		t.Fatalf("doorbell count = %d, want 3", d.DoorbellCount())
	}
}

func TestRunFirmwareCompletesFirstStageTransfer(t *testing.T) {
	d := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.RunFirmware(ctx)

	var pending [4]byte
	pending[0], pending[1], pending[2], pending[3] = 0xFF, 0xFF, 0xFF, 0xFF
	d.BAR2().WriteAt(pending[:], regMFReady)

	deadline := time.After(100 * time.Millisecond)
	for {
		var buf [4]byte
		d.BAR2().ReadAt(buf[:], regMainMagic)
		if string(buf[:]) == "MAIN" {
			return
		}
		select {
		case <-deadline:
			t.Fatal("firmware never completed the handshake")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestRunFirmwareHonorsFailNextTransfer(t *testing.T) {
	d := New()
	d.FailNextTransfer()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.RunFirmware(ctx)

	var pending [4]byte
	pending[0], pending[1], pending[2], pending[3] = 0xFF, 0xFF, 0xFF, 0xFF
	d.BAR2().WriteAt(pending[:], regMFReady)

	deadline := time.After(50 * time.Millisecond)
	for {
		var buf [4]byte
		d.BAR2().ReadAt(buf[:], regMFReady)
		if buf[0] == 0xAA && buf[1] == 0xAA && buf[2] == 0xAD && buf[3] == 0xDE {
			return
		}
		select {
		case <-deadline:
			t.Fatal("firmware never reported the armed DMA error")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestRunLoopbackEchoesTXIntoRX(t *testing.T) {
	d := New()
	const ndesc = 4
	const fragmentSize = 64
	const txRing = 0x200
	const rxRing = 0x400
	d.WriteRingCapability(ndesc, fragmentSize, txRing, rxRing)

	mapper := NewIdentityMapper()

	payload := []byte("hello!!!")
	txBuf := make([]byte, fragmentSize)
	copy(txBuf, payload)
	txIOVA, err := mapper.MapDMA(txBuf)
	if err != nil {
		t.Fatal(err)
	}
	rxBuf := make([]byte, fragmentSize)
	rxIOVA, err := mapper.MapDMA(rxBuf)
	if err != nil {
		t.Fatal(err)
	}

	d.barSetU32(txRing+ringTDAddress, uint32(txIOVA))
	d.barSetU32(txRing+ringTDLength, uint32(len(payload)))
	d.barSetU16(txRing+ringTDInterface, 5)
	d.barSetU16(txRing+ringTDStatus, ringDescStatusPending)
	d.barSetU32(ringCapRootOffset+ringCapTXBlock+ringDirTail, 1)

	// the host pre-posts an RX descriptor pointing at a free buffer before
	// the device can deliver into it, the same way ring.Open primes the RX
	// ring from its pool.
	d.barSetU32(rxRing+ringTDAddress, uint32(rxIOVA))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.RunLoopback(ctx, mapper, ndesc, txRing, rxRing)

	deadline := time.After(100 * time.Millisecond)
	for {
		status := d.barU16(rxRing + ringTDStatus)
		if status == ringDescStatusSuccess {
			break
		}
		select {
		case <-deadline:
			t.Fatal("loopback never delivered the TX buffer to RX")
		case <-time.After(time.Millisecond):
		}
	}

	if got := d.barU32(rxRing + ringTDLength); got != uint32(len(payload)) {
		t.Fatalf("rx length = %d, want %d", got, len(payload))
	}
	if got := d.barU16(rxRing + ringTDInterface); got != 5 {
		t.Fatalf("rx interface = %d, want 5", got)
	}

	if got := string(rxBuf[:len(payload)]); got != string(payload) {
		t.Fatalf("rx payload = %q, want %q", got, payload)
	}
}
