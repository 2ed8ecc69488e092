package event

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPostDeliversToRegisteredHandler(t *testing.T) {
	d := New(2)
	defer d.Close(context.Background())

	received := make(chan Identity, 1)
	d.Handle(KindLink, func(ctx context.Context, id Identity) {
		received <- id
	})

	if err := d.Post(Identity{Kind: KindLink, Code: 7}); err != nil {
		t.Fatal(err)
	}

	select {
	case id := <-received:
		if id.Code != 7 {
			t.Fatalf("Code = %d, want 7", id.Code)
		}
	case <-time.After(time.Second):
		t.Fatal("handler was never invoked")
	}
}

func TestDeliveryIsFIFOPerKind(t *testing.T) {
	d := New(4)
	defer d.Close(context.Background())

	var mu sync.Mutex
	var order []uint32
	release := make(chan struct{})

	d.Handle(KindBootloader, func(ctx context.Context, id Identity) {
		<-release
		mu.Lock()
		order = append(order, id.Code)
		mu.Unlock()
	})

	// first Post starts the worker, which immediately blocks on release;
	// subsequent Posts queue behind it one at a time (coalescing collapses
	// bursts, so we release between each to observe each code land).
	d.Post(Identity{Kind: KindBootloader, Code: 1})
	time.Sleep(10 * time.Millisecond)
	release <- struct{}{}

	d.Post(Identity{Kind: KindBootloader, Code: 2})
	time.Sleep(10 * time.Millisecond)
	release <- struct{}{}

	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("order = %v, want [1 2]", order)
	}
}

func TestDifferentKindsRunConcurrently(t *testing.T) {
	d := New(2)
	defer d.Close(context.Background())

	var inFlight int32
	var maxInFlight int32
	block := make(chan struct{})

	handler := func(ctx context.Context, id Identity) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			cur := atomic.LoadInt32(&maxInFlight)
			if n <= cur || atomic.CompareAndSwapInt32(&maxInFlight, cur, n) {
				break
			}
		}
		<-block
		atomic.AddInt32(&inFlight, -1)
	}
	d.Handle(KindLink, handler)
	d.Handle(KindVPU, handler)

	d.Post(Identity{Kind: KindLink})
	d.Post(Identity{Kind: KindVPU})
	time.Sleep(20 * time.Millisecond)
	close(block)
	time.Sleep(20 * time.Millisecond)

	if atomic.LoadInt32(&maxInFlight) < 2 {
		t.Fatalf("maxInFlight = %d, want at least 2 (kinds should run concurrently)", maxInFlight)
	}
}

func TestCloseWaitsForInFlightHandler(t *testing.T) {
	d := New(1)

	started := make(chan struct{})
	finish := make(chan struct{})
	d.Handle(KindLink, func(ctx context.Context, id Identity) {
		close(started)
		<-finish
	})

	d.Post(Identity{Kind: KindLink})
	<-started

	closed := make(chan error, 1)
	go func() {
		closed <- d.Close(context.Background())
	}()

	select {
	case <-closed:
		t.Fatal("Close returned before the in-flight handler finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(finish)

	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("Close returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close never returned after handler finished")
	}
}

func TestPostAfterCloseFails(t *testing.T) {
	d := New(1)
	if err := d.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := d.Post(Identity{Kind: KindLink}); err == nil {
		t.Fatal("expected Post to fail after Close")
	}
}
