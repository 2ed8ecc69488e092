// Package reset implements the reset engine (C4): a five-step sequence that
// quiesces, resets, and revalidates the device without assuming anything
// about link topology it hasn't been explicitly told.
//
// Grounded on the teacher's usage pattern of SaveContext/RestoreContext
// around a disruptive operation (soc/intel/pci capability handling implies
// the same save/clear/reinit shape used here); the explicit RetrainHook
// resolves spec.md §9's open question "who retrains the link, and how" by
// making the answer a caller-supplied policy instead of a guess.
package reset

import (
	"context"
	"time"

	"github.com/myriadx/mxpcid/internal/pci"
	"github.com/myriadx/mxpcid/mxerr"
	"github.com/myriadx/mxpcid/mxlog"
)

// RetrainHook encapsulates how (if at all) the upstream link is retrained
// after a device reset drops it. Exactly two implementations exist because
// the driver cannot discover PCIe topology on its own (spec.md §9):
// NoRetrain for switches/root ports that retrain autonomously, and
// FixedPortRetrain for topologies where the operator knows which upstream
// Session to kick.
type RetrainHook interface {
	Retrain(ctx context.Context) error
}

// NoRetrain assumes the link comes back on its own. This is the default:
// most platforms' root port retrains automatically on hot reset.
type NoRetrain struct{}

func (NoRetrain) Retrain(ctx context.Context) error { return nil }

// FixedPortRetrain retrains a specific, operator-identified upstream bridge
// Session. Poll is the interval RetrainLink polls LNKSTA at; it defaults to
// 1ms if zero.
type FixedPortRetrain struct {
	Upstream *pci.Session
	Poll     time.Duration
}

func (h FixedPortRetrain) Retrain(ctx context.Context) error {
	interval := h.Poll
	if interval == 0 {
		interval = time.Millisecond
	}
	return h.Upstream.RetrainLink(ctx, interval)
}

// ModePoller is the minimal boot-state-machine surface step 5 needs to
// reconfirm the device dropped back into Boot mode after RestoreContext.
// Defined here instead of importing package boot directly, per spec.md
// §9's resolution of "who polls boot mode after reset" by having boot
// imported as an interface to avoid a cycle; *boot.Machine satisfies this
// structurally.
type ModePoller interface {
	IsBootMode() (bool, error)
}

// Budgets bounds each phase of Reset. Zero fields fall back to the defaults
// below.
type Budgets struct {
	QuiesceWait time.Duration
	LinkRetrain time.Duration
	Revalidate  time.Duration
}

const (
	defaultQuiesceWait = 100 * time.Millisecond
	defaultLinkRetrain = 1500 * time.Millisecond
	defaultRevalidate  = 1000 * time.Millisecond
)

func (b Budgets) withDefaults() Budgets {
	if b.QuiesceWait == 0 {
		b.QuiesceWait = defaultQuiesceWait
	}
	if b.LinkRetrain == 0 {
		b.LinkRetrain = defaultLinkRetrain
	}
	if b.Revalidate == 0 {
		b.Revalidate = defaultRevalidate
	}
	return b
}

// Reset executes the five-step sequence (spec.md §4.4):
//
//  1. save PCI config-space context
//  2. write the vendor-specific reset magic
//  3. wait QuiesceWait for the device to settle post-reset
//  4. retrain the upstream link via hook, then revalidate vendor/device id
//     (DeviceGone on mismatch) before touching anything else
//  5. restore config-space context, re-enable MSI, and confirm the device
//     is back in Boot mode within the Revalidate grace window
//
// The caller must hold the device lock; the engine assumes no pending DMA
// is in flight against sess's BAR when Reset is called.
func Reset(ctx context.Context, sess *pci.Session, hook RetrainHook, poller ModePoller, budgets Budgets) error {
	if hook == nil {
		hook = NoRetrain{}
	}
	b := budgets.withDefaults()
	log := mxlog.For("reset")

	if err := sess.SaveContext(); err != nil {
		return err
	}

	if err := sess.WriteDoorbell(ctx, pci.ResetMagic); err != nil {
		return err
	}
	log.Debug("reset magic written")

	quiesce, cancel := context.WithTimeout(ctx, b.QuiesceWait)
	<-quiesce.Done()
	cancel()
	if err := ctx.Err(); err != nil {
		return mxerr.New(mxerr.TimedOut, "reset.Reset", err)
	}

	retrainCtx, cancel := context.WithTimeout(ctx, b.LinkRetrain)
	defer cancel()
	if err := hook.Retrain(retrainCtx); err != nil {
		return mxerr.New(mxerr.ResetIncomplete, "reset.Reset", err)
	}

	ok, err := sess.DeviceIDValid()
	if err != nil {
		return err
	}
	if !ok {
		return mxerr.New(mxerr.DeviceGone, "reset.Reset", nil)
	}

	if err := sess.RestoreContext(); err != nil {
		return mxerr.New(mxerr.ResetIncomplete, "reset.Reset", err)
	}
	if err := sess.SetMSIEnable(true); err != nil && !mxerr.Is(err, mxerr.Unsupported) {
		return mxerr.New(mxerr.ResetIncomplete, "reset.Reset", err)
	}

	revalCtx, cancel := context.WithTimeout(ctx, b.Revalidate)
	defer cancel()
	backInBoot, err := waitBootMode(revalCtx, poller)
	if err != nil {
		return mxerr.New(mxerr.ResetIncomplete, "reset.Reset", err)
	}
	if !backInBoot {
		return mxerr.New(mxerr.ResetIncomplete, "reset.Reset", nil)
	}

	log.Info("reset complete")
	return nil
}

// waitBootMode polls poller until it reports Boot mode or ctx expires.
func waitBootMode(ctx context.Context, poller ModePoller) (bool, error) {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		ok, err := poller.IsBootMode()
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, nil
		case <-ticker.C:
		}
	}
}
