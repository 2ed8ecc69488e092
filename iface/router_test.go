package iface

import (
	"context"
	"sync"
	"testing"

	"github.com/myriadx/mxpcid/internal/dmapool"
	"github.com/myriadx/mxpcid/mxerr"
	"github.com/myriadx/mxpcid/ring"
)

type identityMapper struct {
	mu   sync.Mutex
	next uint64
}

func (m *identityMapper) MapDMA(buf []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	iova := m.next
	m.next += uint64(len(buf))
	return iova, nil
}

func (m *identityMapper) UnmapDMA(iova uint64, size int) error { return nil }

func newPools(t *testing.T, size int) (*dmapool.Pool, *dmapool.Pool) {
	t.Helper()
	tx, err := dmapool.New(&identityMapper{}, size)
	if err != nil {
		t.Fatal(err)
	}
	rx, err := dmapool.New(&identityMapper{}, size)
	if err != nil {
		t.Fatal(err)
	}
	return tx, rx
}

func TestWritePostsToPendingQueueAndKicksTX(t *testing.T) {
	tx, rx := newPools(t, 4096)
	pending := ring.NewBufferQueue()
	kicked := 0
	r := NewRouter(2, tx, rx, pending, func() { kicked++ })

	n, err := r.Write(context.Background(), 1, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Fatalf("Write = %d, want 5", n)
	}
	if pending.Len() != 1 {
		t.Fatalf("pending.Len() = %d, want 1", pending.Len())
	}
	if kicked != 1 {
		t.Fatalf("kicked = %d, want 1", kicked)
	}
}

func TestWriteUnknownInterfaceFails(t *testing.T) {
	tx, rx := newPools(t, 4096)
	r := NewRouter(2, tx, rx, ring.NewBufferQueue(), nil)

	_, err := r.Write(context.Background(), 7, []byte("x"))
	if !mxerr.Is(err, mxerr.ConfigInvalid) {
		t.Fatalf("Write on unknown interface = %v, want ConfigInvalid", err)
	}
}

func TestReadDrainsDeliveredBufferAcrossCalls(t *testing.T) {
	tx, rx := newPools(t, 4096)
	r := NewRouter(2, tx, rx, ring.NewBufferQueue(), nil)

	iova, buf, err := rx.Alloc(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	copy(buf, []byte("0123456789"))
	if ok := r.Deliver(0, &ring.BufDesc{IOVA: iova, Buf: buf, Data: buf, Iface: 0}); !ok {
		t.Fatal("Deliver returned false for a known interface")
	}

	p := make([]byte, 4)
	n, err := r.Read(context.Background(), 0, p)
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 || string(p) != "0123" {
		t.Fatalf("first Read = %d %q", n, p)
	}

	p2 := make([]byte, 10)
	n, err = r.Read(context.Background(), 0, p2)
	if err != nil {
		t.Fatal(err)
	}
	if n != 6 || string(p2[:6]) != "456789" {
		t.Fatalf("second Read = %d %q, want the remaining partial_read bytes", n, p2[:n])
	}
}

func TestReadReturnsZeroWhenQueueEmpty(t *testing.T) {
	tx, rx := newPools(t, 4096)
	r := NewRouter(1, tx, rx, ring.NewBufferQueue(), nil)

	n, err := r.Read(context.Background(), 0, make([]byte, 8))
	if err != nil || n != 0 {
		t.Fatalf("Read on empty queue = %d, %v, want 0, nil", n, err)
	}
}

func TestDeliverRejectsUnknownInterface(t *testing.T) {
	tx, rx := newPools(t, 4096)
	r := NewRouter(1, tx, rx, ring.NewBufferQueue(), nil)

	if r.Deliver(5, &ring.BufDesc{}) {
		t.Fatal("Deliver should reject an out-of-range interface id")
	}
}
