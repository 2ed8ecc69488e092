package boot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/myriadx/mxpcid/internal/dmapool"
	"github.com/myriadx/mxpcid/internal/reg"
)

type memRegion struct {
	mu  sync.Mutex
	buf []byte
}

func newMemRegion(size int) *memRegion { return &memRegion{buf: make([]byte, size)} }

func (r *memRegion) ReadAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copy(p, r.buf[off:]), nil
}

func (r *memRegion) WriteAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copy(r.buf[off:], p), nil
}

func (r *memRegion) Size() int { return len(r.buf) }

type identityMapper struct{}

func (identityMapper) MapDMA(buf []byte) (uint64, error)     { return 0x2000, nil }
func (identityMapper) UnmapDMA(iova uint64, size int) error { return nil }

func newMachine(t *testing.T) (*Machine, *memRegion) {
	t.Helper()
	region := newMemRegion(64)
	pool, err := dmapool.New(identityMapper{}, 4096)
	if err != nil {
		t.Fatal(err)
	}
	return New(reg.NewAccessor(region, 0), pool), region
}

func writeMagic(t *testing.T, r *memRegion, magic string) {
	t.Helper()
	var buf [16]byte
	copy(buf[:], magic)
	if _, err := r.WriteAt(buf[:], regMainMagic); err != nil {
		t.Fatal(err)
	}
}

func TestReadModeDecodesMagic(t *testing.T) {
	m, region := newMachine(t)

	writeMagic(t, region, "BOOT")
	mode, err := m.ReadMode()
	if err != nil || mode != ModeBoot {
		t.Fatalf("mode = %v, %v, want Boot", mode, err)
	}

	writeMagic(t, region, "LOAD")
	mode, _ = m.ReadMode()
	if mode != ModeLoader {
		t.Fatalf("mode = %v, want Loader", mode)
	}

	writeMagic(t, region, "MAIN")
	mode, _ = m.ReadMode()
	if mode != ModeApp {
		t.Fatalf("mode = %v, want App", mode)
	}

	writeMagic(t, region, "XXXX")
	mode, _ = m.ReadMode()
	if mode != ModeUnknown {
		t.Fatalf("mode = %v, want Unknown", mode)
	}
}

func TestFirstStageTransferSucceedsWhenDeviceTransitionsOutOfBoot(t *testing.T) {
	m, region := newMachine(t)
	writeMagic(t, region, "BOOT")

	go func() {
		time.Sleep(5 * time.Millisecond)
		// device observes MF_READY=PENDING and, after "loading", flips to
		// app mode, matching how the real handshake concludes.
		writeMagic(t, region, "MAIN")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := m.FirstStageTransfer(ctx, []byte("first stage image")); err != nil {
		t.Fatalf("FirstStageTransfer: %v", err)
	}
}

func TestFirstStageTransferRejectsWrongMode(t *testing.T) {
	m, region := newMachine(t)
	writeMagic(t, region, "MAIN")

	err := m.FirstStageTransfer(context.Background(), []byte("image"))
	if err == nil {
		t.Fatal("expected an error when the device is not in boot mode")
	}
}

func TestFirstStageTransferReportsDMAError(t *testing.T) {
	m, region := newMachine(t)
	writeMagic(t, region, "BOOT")

	go func() {
		time.Sleep(5 * time.Millisecond)
		var buf [4]byte
		buf[0], buf[1], buf[2], buf[3] = 0xAA, 0xAA, 0xAD, 0xDE
		region.WriteAt(buf[:], regMFReady)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := m.FirstStageTransfer(ctx, []byte("image"))
	if err == nil {
		t.Fatal("expected a protocol error on MF_STATUS_DMA_ERROR")
	}
}

func TestRegistryReserveEnforcesMax(t *testing.T) {
	r := NewRegistry(1)

	if _, err := r.Reserve(); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Reserve(); err == nil {
		t.Fatal("expected DeviceBusy past the registry's max")
	}
}
