// Package reg implements the typed MMIO accessor (C1): 8/16/32/64-bit
// scalar and opaque-buffer access against a mapped BAR, plus the bitfield
// packing helper used to compose interrupt-enable/identity masks.
//
// Grounded on the teacher's internal/reg package (Get/Set/SetN/Wait over a
// raw unsafe.Pointer): the same read-modify-write shape is kept, but the
// pointer is replaced by a Region so the accessor works identically against
// a real mmap'd BAR and against internal/fakepci in tests.
package reg

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/myriadx/mxpcid/mxerr"
)

// Region is a mapped MMIO window. Implementations must be safe for
// concurrent ReadAt/WriteAt from multiple goroutines; they are not required
// to order accesses with respect to each other (the ring protocol in
// package ring handles that with explicit head/tail discipline, per
// spec.md's concurrency model).
type Region interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Size() int
}

// Accessor wraps a Region plus a base offset within it.
type Accessor struct {
	region Region
	base   uint32
}

// NewAccessor returns an Accessor reading/writing at base+offset within region.
func NewAccessor(region Region, base uint32) *Accessor {
	return &Accessor{region: region, base: base}
}

// Sub returns an Accessor rebased at an additional offset, used to address a
// sub-structure (e.g. one ring's descriptor table) within a larger region.
func (a *Accessor) Sub(off uint32) *Accessor {
	return &Accessor{region: a.region, base: a.base + off}
}

func (a *Accessor) U8(off uint32) (uint8, error) {
	var buf [1]byte
	if _, err := a.region.ReadAt(buf[:], int64(a.base+off)); err != nil {
		return 0, mxerr.New(mxerr.IoError, "reg.U8", err)
	}
	return buf[0], nil
}

func (a *Accessor) SetU8(off uint32, v uint8) error {
	buf := [1]byte{v}
	if _, err := a.region.WriteAt(buf[:], int64(a.base+off)); err != nil {
		return mxerr.New(mxerr.IoError, "reg.SetU8", err)
	}
	return nil
}

func (a *Accessor) U16(off uint32) (uint16, error) {
	var buf [2]byte
	if _, err := a.region.ReadAt(buf[:], int64(a.base+off)); err != nil {
		return 0, mxerr.New(mxerr.IoError, "reg.U16", err)
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (a *Accessor) SetU16(off uint32, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	if _, err := a.region.WriteAt(buf[:], int64(a.base+off)); err != nil {
		return mxerr.New(mxerr.IoError, "reg.SetU16", err)
	}
	return nil
}

func (a *Accessor) U32(off uint32) (uint32, error) {
	var buf [4]byte
	if _, err := a.region.ReadAt(buf[:], int64(a.base+off)); err != nil {
		return 0, mxerr.New(mxerr.IoError, "reg.U32", err)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (a *Accessor) SetU32(off uint32, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	if _, err := a.region.WriteAt(buf[:], int64(a.base+off)); err != nil {
		return mxerr.New(mxerr.IoError, "reg.SetU32", err)
	}
	return nil
}

// U64 performs two 32-bit accesses, low word first: the device's MMIO does
// not guarantee 64-bit atomicity (spec.md §4.1).
func (a *Accessor) U64(off uint32) (uint64, error) {
	lo, err := a.U32(off)
	if err != nil {
		return 0, err
	}
	hi, err := a.U32(off + 4)
	if err != nil {
		return 0, err
	}
	return uint64(hi)<<32 | uint64(lo), nil
}

// SetU64 writes the low word before the high word, matching U64's read order.
func (a *Accessor) SetU64(off uint32, v uint64) error {
	if err := a.SetU32(off, uint32(v)); err != nil {
		return err
	}
	return a.SetU32(off+4, uint32(v>>32))
}

// ReadBuf reads an opaque buffer region (e.g. a magic string or capability
// table) starting at off.
func (a *Accessor) ReadBuf(off uint32, buf []byte) error {
	if _, err := a.region.ReadAt(buf, int64(a.base+off)); err != nil {
		return mxerr.New(mxerr.IoError, "reg.ReadBuf", err)
	}
	return nil
}

// WriteBuf writes an opaque buffer region starting at off.
func (a *Accessor) WriteBuf(off uint32, buf []byte) error {
	if _, err := a.region.WriteAt(buf, int64(a.base+off)); err != nil {
		return mxerr.New(mxerr.IoError, "reg.WriteBuf", err)
	}
	return nil
}

// Field describes a (shift, width) bitfield within a packed 32-bit word,
// the pervasive helper spec.md §4.1 calls for when composing
// interrupt-enable/identity masks.
type Field struct {
	Shift uint
	Width uint
}

func (f Field) mask() uint32 {
	return (uint32(1)<<f.Width - 1) << f.Shift
}

// Pack returns word with this field set to value (value is truncated to
// Width bits).
func (f Field) Pack(word uint32, value uint32) uint32 {
	m := f.mask()
	return (word &^ m) | ((value << f.Shift) & m)
}

// Unpack extracts this field's value from word.
func (f Field) Unpack(word uint32) uint32 {
	return (word & f.mask()) >> f.Shift
}

// WaitU32 polls a register until (value&mask)==want or the context is done,
// sleeping interval between reads. It is the Go analogue of the teacher's
// reg.WaitFor, made cancellable and error-returning instead of boolean.
func WaitU32(ctx context.Context, a *Accessor, off uint32, mask uint32, want uint32, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		v, err := a.U32(off)
		if err != nil {
			return err
		}
		if v&mask == want {
			return nil
		}

		select {
		case <-ctx.Done():
			return mxerr.New(mxerr.TimedOut, "reg.WaitU32", ctx.Err())
		case <-ticker.C:
		}
	}
}
