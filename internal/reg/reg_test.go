package reg

import (
	"context"
	"sync"
	"testing"
	"time"
)

// memRegion is a plain byte-slice Region used only to exercise the accessor
// in isolation; internal/fakepci provides the fuller device model used by
// the higher-level packages.
type memRegion struct {
	mu  sync.Mutex
	buf []byte
}

func newMemRegion(size int) *memRegion {
	return &memRegion{buf: make([]byte, size)}
}

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

func TestScalarRoundTrip(t *testing.T) {
	a := NewAccessor(newMemRegion(64), 0)

	if err := a.SetU8(0, 0xAB); err != nil {
		t.Fatal(err)
	}
	if v, err := a.U8(0); err != nil || v != 0xAB {
		t.Fatalf("U8 = %#x, %v", v, err)
	}

	if err := a.SetU16(4, 0xBEEF); err != nil {
		t.Fatal(err)
	}
	if v, err := a.U16(4); err != nil || v != 0xBEEF {
		t.Fatalf("U16 = %#x, %v", v, err)
	}

	if err := a.SetU32(8, 0xDEADBEEF); err != nil {
		t.Fatal(err)
	}
	if v, err := a.U32(8); err != nil || v != 0xDEADBEEF {
		t.Fatalf("U32 = %#x, %v", v, err)
	}
}

func TestU64LowWordFirst(t *testing.T) {
	r := newMemRegion(16)
	a := NewAccessor(r, 0)

	if err := a.SetU64(0, 0x1122334455667788); err != nil {
		t.Fatal(err)
	}

	lo, _ := a.U32(0)
	hi, _ := a.U32(4)

	if lo != 0x55667788 {
		t.Fatalf("low word = %#x, want 0x55667788", lo)
	}
	if hi != 0x11223344 {
		t.Fatalf("high word = %#x, want 0x11223344", hi)
	}

	v, err := a.U64(0)
	if err != nil || v != 0x1122334455667788 {
		t.Fatalf("U64 = %#x, %v", v, err)
	}
}

func TestFieldPackUnpack(t *testing.T) {
	f := Field{Shift: 4, Width: 3}

	word := f.Pack(0xF000000F, 0b101)
	if got := f.Unpack(word); got != 0b101 {
		t.Fatalf("Unpack = %#b, want 0b101", got)
	}
	// bits outside the field must be preserved
	if word&0xF000000F != 0xF000000F {
		t.Fatalf("Pack clobbered bits outside the field: %#x", word)
	}
}

func TestSubRebasesOffset(t *testing.T) {
	r := newMemRegion(32)
	base := NewAccessor(r, 0)
	sub := base.Sub(16)

	if err := sub.SetU32(0, 0x42); err != nil {
		t.Fatal(err)
	}
	if v, _ := base.U32(16); v != 0x42 {
		t.Fatalf("Sub did not rebase: got %#x at offset 16", v)
	}
}

func TestWaitU32Succeeds(t *testing.T) {
	r := newMemRegion(8)
	a := NewAccessor(r, 0)

	go func() {
		time.Sleep(5 * time.Millisecond)
		a.SetU32(0, 1)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := WaitU32(ctx, a, 0, 0xFFFFFFFF, 1, time.Millisecond); err != nil {
		t.Fatalf("WaitU32 did not observe the update: %v", err)
	}
}

func TestWaitU32TimesOut(t *testing.T) {
	r := newMemRegion(8)
	a := NewAccessor(r, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := WaitU32(ctx, a, 0, 0xFFFFFFFF, 1, time.Millisecond)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
}
