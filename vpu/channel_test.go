package vpu

import (
	"context"
	"testing"

	"github.com/myriadx/mxpcid/internal/event"
	"github.com/myriadx/mxpcid/internal/reg"
)

func newTestChannel(t *testing.T) (*Channel, *reg.Accessor, *event.Dispatcher) {
	t.Helper()
	region := newMemRegion(512)
	acc := reg.NewAccessor(region, 0)

	for _, q := range []struct {
		offset, ringOff, ringSize uint32
	}{
		{cmdQueueOffset, 0x40, 128},
		{replyQueueOffset, 0xC0, 128},
	} {
		control := acc.Sub(q.offset)
		if err := control.SetU32(qcontrolStart, q.ringOff); err != nil {
			t.Fatal(err)
		}
		if err := control.SetU32(qcontrolSize, q.ringSize); err != nil {
			t.Fatal(err)
		}
	}

	disp := event.New(1)
	ch, err := OpenChannel(acc, disp, 4)
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	return ch, acc, disp
}

func TestChannelSubmitAndPollDeliversReply(t *testing.T) {
	ch, _, disp := newTestChannel(t)
	defer disp.Close(context.Background())

	cmd := &Cmd{Command: CmdFence}
	done, err := ch.Submit(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// simulate the device processing the command and pushing a reply with
	// the same id, directly onto the reply queue.
	reply := &Cmd{ID: cmd.ID, Version: cmd.Version} // reuse Cmd.Encode's layout; status lives where Command would
	encoded := reply.Encode()
	if err := ch.replyq.Push(encoded); err != nil {
		t.Fatal(err)
	}

	if err := disp.Post(event.Identity{Kind: event.KindVPU}); err != nil {
		t.Fatal(err)
	}

	r := <-done
	if r.ID != cmd.ID {
		t.Fatalf("reply.ID = %#x, want %#x", r.ID, cmd.ID)
	}
}

func TestChannelResetFlushesOutstandingCommands(t *testing.T) {
	ch, _, disp := newTestChannel(t)
	defer disp.Close(context.Background())

	done, err := ch.Submit(context.Background(), &Cmd{Command: CmdFence})
	if err != nil {
		t.Fatal(err)
	}

	if err := ch.Reset(); err != nil {
		t.Fatal(err)
	}

	reply := <-done
	if reply.Status != StatusDiscarded {
		t.Fatalf("reply.Status = %v, want StatusDiscarded after Reset", reply.Status)
	}
}

func TestHandleAsyncDevResetFlushesChannel(t *testing.T) {
	ch, _, disp := newTestChannel(t)
	defer disp.Close(context.Background())

	done, err := ch.Submit(context.Background(), &Cmd{Command: CmdFence})
	if err != nil {
		t.Fatal(err)
	}

	if err := ch.HandleAsync(AsyncNotification{Cmd: AsyncDevReset}); err != nil {
		t.Fatal(err)
	}

	if (<-done).Status != StatusDiscarded {
		t.Fatal("expected StatusDiscarded after AsyncDevReset")
	}
}
