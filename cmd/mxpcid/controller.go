// The mxpcid command is the driver's daemon entrypoint (AMBIENT):
// it attaches to one Myriad-X device, drives it through the bootloader
// handshake into Application mode, and serves its interfaces over the LK
// ring transport plus the sketched VPU queue.
//
// Grounded in shape on kvm/gvnic.GVE's staged Init (reset, configure,
// describe, ready) for the bring-up ordering, and on
// google-periph/experimental/cmd/ina219's mainImpl/flag.Parse/signal.Notify
// entrypoint idiom for the command itself.
package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/myriadx/mxpcid/boot"
	"github.com/myriadx/mxpcid/config"
	"github.com/myriadx/mxpcid/iface"
	"github.com/myriadx/mxpcid/internal/dmapool"
	"github.com/myriadx/mxpcid/internal/event"
	"github.com/myriadx/mxpcid/internal/pci"
	"github.com/myriadx/mxpcid/internal/reg"
	"github.com/myriadx/mxpcid/internal/reset"
	"github.com/myriadx/mxpcid/mxerr"
	"github.com/myriadx/mxpcid/mxlog"
	"github.com/myriadx/mxpcid/ring"
	"github.com/myriadx/mxpcid/vpu"
)

// vpuBaseOffset places the sketched VPU command/reply queue pair well clear
// of the bootloader register file (0x00-0x34) and the LK capability chain
// rooted at 0x40; the VPU subsystem has no negotiated capability of its own
// (spec.md §3 calls it out as "sketched for completeness", not a full C6/C7
// peer), so the offset is a fixed placeholder rather than discovered.
const vpuBaseOffset = 0x800

// bootPoolSize bounds the largest first-stage image FirstStageTransfer can
// DMA in one call.
const bootPoolSize = 4 << 20

// Controller wires C1-C7 together against one attached device: PCI session,
// event dispatcher, bootloader handshake, reset engine, ring transport,
// interface router, and (optionally) a VPU channel.
type Controller struct {
	log *logrus.Entry
	cfg *config.Driver

	mu       sync.Mutex
	sess     *pci.Session
	disp     *event.Dispatcher
	machine  *boot.Machine
	bootPool *dmapool.Pool
	mapper   dmapool.Mapper
	unit     int

	transport    *ring.Transport
	router       *iface.Router
	transportRun context.CancelFunc

	vpuChan *vpu.Channel

	resetHook reset.RetrainHook
	registry  *boot.Registry
}

// NewController returns a Controller configured from cfg, with no device
// attached yet.
func NewController(cfg *config.Driver) *Controller {
	return &Controller{
		log:       mxlog.For("mxpcid"),
		cfg:       cfg,
		resetHook: reset.NoRetrain{},
		registry:  boot.NewRegistry(cfg.BootUnits),
	}
}

// SetRetrainHook overrides the default no-op upstream-link retrain policy
// (spec.md §9's platform hook).
func (c *Controller) SetRetrainHook(hook reset.RetrainHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetHook = hook
}

// Attach opens a PCI session against cs's BAR2, reserves a unit number,
// brings up the event dispatcher, and — if the device is still in Boot
// mode — waits for the caller to transfer firmware via Boot before the LK
// ring and VPU channel can be negotiated. If the device is already in
// Application mode (a warm attach after a prior process's handoff), ring
// and VPU wiring happen immediately.
func (c *Controller) Attach(ctx context.Context, cs pci.ConfigSpace, mapper dmapool.Mapper) error {
	unit, err := c.registry.Reserve()
	if err != nil {
		return err
	}

	sess, err := pci.Open(cs, 2)
	if err != nil {
		return err
	}

	disp := event.New(c.cfg.EventWorkers)
	bootPool, err := dmapool.New(mapper, bootPoolSize)
	if err != nil {
		disp.Close(ctx)
		sess.Close()
		return err
	}

	acc := reg.NewAccessor(sess.BAR(), 0)
	machine := boot.New(acc, bootPool)

	c.mu.Lock()
	c.unit = unit
	c.sess = sess
	c.disp = disp
	c.machine = machine
	c.bootPool = bootPool
	c.mapper = mapper
	c.mu.Unlock()

	if err := machine.EnableInterrupts(); err != nil {
		return err
	}

	mode, err := machine.ReadMode()
	if err != nil {
		return err
	}
	c.log.WithField("unit", unit).WithField("mode", mode).Info("attached")

	if mode == boot.ModeApp {
		return c.openRing(ctx, acc, mapper)
	}
	return nil
}

// Boot transfers image to a device still in Boot mode and, on success,
// negotiates the LK ring and opens interfaces (spec.md §4.5's first-stage
// transfer, immediately followed by the ring capability this driver now
// expects the loaded image to expose).
func (c *Controller) Boot(ctx context.Context, image []byte) error {
	c.mu.Lock()
	machine := c.machine
	sess := c.sess
	mapper := c.mapper
	c.mu.Unlock()

	if machine == nil || sess == nil {
		return mxerr.New(mxerr.Unsupported, "mxpcid.Boot", fmt.Errorf("not attached"))
	}

	if err := machine.FirstStageTransfer(ctx, image); err != nil {
		return err
	}

	acc := reg.NewAccessor(sess.BAR(), 0)
	return c.openRing(ctx, acc, mapper)
}

func (c *Controller) openRing(ctx context.Context, acc *reg.Accessor, mapper dmapool.Mapper) error {
	cap, err := ring.Negotiate(acc)
	if err != nil {
		return err
	}

	transport, err := ring.Open(acc, mapper, cap, c.disp)
	if err != nil {
		return err
	}
	transport.SetDoorbell(c.sess)

	router := iface.NewRouter(c.cfg.Interfaces, transport.TXPool(), transport.RXPool(), transport.WritePending(), transport.KickTX)
	transport.SetSink(router)

	runCtx, cancel := context.WithCancel(ctx)
	go transport.Run(runCtx)

	vpuAcc := acc.Sub(vpuBaseOffset)
	vpuChan, err := vpu.OpenChannel(vpuAcc, c.disp, c.cfg.VPUInflight)
	if err != nil {
		c.log.WithError(err).Warn("vpu channel unavailable")
	}

	go c.pumpInterrupts(runCtx)

	c.mu.Lock()
	c.transport = transport
	c.transportRun = cancel
	c.router = router
	c.vpuChan = vpuChan
	c.mu.Unlock()

	return nil
}

// pumpInterrupts stands in for the real MSI vector decode a VFIO backend
// would block on (spec.md §4.3's single shared vector, demultiplexed by
// Kind): this driver's event.Dispatcher expects something to call Post
// whenever the link or VPU rings might have moved, and internal/fakepci
// never raises a real interrupt. Polling both kinds on a short tick is
// harmless since every registered handler re-samples full ring state
// rather than trust Code (ring.Transport.handleLink's doc comment); a real
// build replaces this with an epoll loop over the VFIO interrupt eventfd.
func (c *Controller) pumpInterrupts(ctx context.Context) {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.disp.Post(event.Identity{Kind: event.KindLink})
			c.disp.Post(event.Identity{Kind: event.KindVPU})
		}
	}
}

// Reset drives the five-step reset sequence (internal/reset.Reset), tearing
// down any negotiated ring and VPU channel first since both become invalid
// the moment the device's firmware restarts. It leaves the Controller back
// in the same state as a fresh Attach against a Boot-mode device (spec.md
// §4.4's "ready for a fresh first-stage transfer" postcondition); callers
// drive the device back to Application mode with Boot, same as after a cold
// attach.
func (c *Controller) Reset(ctx context.Context, budgets reset.Budgets) error {
	c.mu.Lock()
	sess := c.sess
	hook := c.resetHook
	machine := c.machine
	transport := c.transport
	run := c.transportRun
	vpuChan := c.vpuChan
	c.mu.Unlock()

	if sess == nil {
		return mxerr.New(mxerr.Unsupported, "mxpcid.Reset", fmt.Errorf("not attached"))
	}

	if run != nil {
		run()
	}
	if transport != nil {
		transport.Close()
	}
	if vpuChan != nil {
		vpuChan.Close()
	}

	c.mu.Lock()
	c.transport = nil
	c.transportRun = nil
	c.router = nil
	c.vpuChan = nil
	c.mu.Unlock()

	if err := reset.Reset(ctx, sess, hook, machine, budgets); err != nil {
		return err
	}

	return sess.ReapplyDMASettings()
}

// Read and Write proxy to the interface router (spec.md's per-interface
// I/O), returning Unsupported if the ring has not been negotiated yet
// (device still in Boot mode).
func (c *Controller) Read(ctx context.Context, ifaceID int, p []byte) (int, error) {
	c.mu.Lock()
	router := c.router
	c.mu.Unlock()
	if router == nil {
		return 0, mxerr.New(mxerr.Unsupported, "mxpcid.Read", fmt.Errorf("ring not negotiated"))
	}
	return router.Read(ctx, ifaceID, p)
}

func (c *Controller) Write(ctx context.Context, ifaceID int, p []byte) (int, error) {
	c.mu.Lock()
	router := c.router
	c.mu.Unlock()
	if router == nil {
		return 0, mxerr.New(mxerr.Unsupported, "mxpcid.Write", fmt.Errorf("ring not negotiated"))
	}
	return router.Write(ctx, ifaceID, p)
}

// SubmitVPU forwards to the VPU channel, if one was negotiated.
func (c *Controller) SubmitVPU(ctx context.Context, cmd *vpu.Cmd) (<-chan vpu.Reply, error) {
	c.mu.Lock()
	ch := c.vpuChan
	c.mu.Unlock()
	if ch == nil {
		return nil, mxerr.New(mxerr.Unsupported, "mxpcid.SubmitVPU", fmt.Errorf("vpu channel not open"))
	}
	return ch.Submit(ctx, cmd)
}

// Close tears down the dispatcher and, if open, the ring transport and VPU
// channel. It does not touch the underlying ConfigSpace/pci.Session close;
// callers own that lifecycle since it may outlive a single Controller (a
// warm re-Attach after Boot).
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	transport := c.transport
	run := c.transportRun
	vpuChan := c.vpuChan
	disp := c.disp
	c.mu.Unlock()

	if run != nil {
		run()
	}
	if transport != nil {
		if err := transport.Close(); err != nil {
			c.log.WithError(err).Error("ring transport close failed")
		}
	}
	if vpuChan != nil {
		if err := vpuChan.Close(); err != nil {
			c.log.WithError(err).Error("vpu channel close failed")
		}
	}
	if disp != nil {
		return disp.Close(ctx)
	}
	return nil
}
