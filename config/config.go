// Package config decodes the on-disk driver configuration: interface count,
// worker pool sizing, reset/boot timing budgets, and the VPU queue depth —
// the knobs spec.md leaves to "platform configuration" rather than
// hard-coding.
//
// Grounded on the teacher's board-level config constants (board/*/board.go
// expose fixed hardware parameters as Go values); since this driver runs on
// a general host rather than a fixed board, those constants become a
// YAML-tagged struct decoded with gopkg.in/yaml.v3, the serialization
// library already pulled in by the module's dependency set.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/myriadx/mxpcid/internal/reset"
	"github.com/myriadx/mxpcid/mxerr"
)

// Driver is the full set of tunables cmd/mxpcid needs to bring up one
// device. Zero-value fields are filled in by Load (applyDefaults) before
// Validate runs, mirroring
// internal/reset.Budgets' own withDefaults pattern.
type Driver struct {
	// Interfaces is the number of LK interface ids the iface.Router serves
	// (spec.md's fixed interface count).
	Interfaces int `yaml:"interfaces"`

	// EventWorkers sizes the internal/event.Dispatcher worker pool.
	EventWorkers int `yaml:"event_workers"`

	// BootUnits bounds how many devices boot.Registry will hand out unit
	// numbers for in this process.
	BootUnits int `yaml:"boot_units"`

	// VPUInflight bounds how many outstanding VPU commands
	// vpu.CommandList tracks at once.
	VPUInflight int `yaml:"vpu_inflight"`

	// Reset carries internal/reset.Budgets' three phase timeouts, named the
	// same way in YAML as the Go field names they become.
	Reset ResetBudgets `yaml:"reset"`

	// LogLevel is parsed by logrus.ParseLevel at startup and applied through
	// mxlog.SetLevel ("debug", "info", "warn", "error"); empty means logrus's
	// default ("info").
	LogLevel string `yaml:"log_level"`
}

// ResetBudgets mirrors internal/reset.Budgets with YAML tags and
// human-readable durations ("100ms" rather than a raw integer nanosecond
// count).
type ResetBudgets struct {
	QuiesceWait time.Duration `yaml:"quiesce_wait"`
	LinkRetrain time.Duration `yaml:"link_retrain"`
	Revalidate  time.Duration `yaml:"revalidate"`
}

// ToBudgets converts to internal/reset.Budgets, leaving zero fields for
// reset.Reset's own defaulting to fill in.
func (r ResetBudgets) ToBudgets() reset.Budgets {
	return reset.Budgets{
		QuiesceWait: r.QuiesceWait,
		LinkRetrain: r.LinkRetrain,
		Revalidate:  r.Revalidate,
	}
}

// Default values applied by Load (applyDefaults) when the on-disk document
// omits a field entirely (as opposed to reset.Budgets' own
// zero-means-default, which only covers the reset sub-document).
const (
	DefaultInterfaces  = 4
	DefaultEventWorkers = 1
	DefaultBootUnits   = 1
	DefaultVPUInflight = 16
)

// Load reads and decodes a YAML document from path, then validates and
// defaults it.
func Load(path string) (*Driver, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, mxerr.New(mxerr.IoError, "config.Load", err)
	}

	var d Driver
	if err := yaml.Unmarshal(buf, &d); err != nil {
		return nil, mxerr.New(mxerr.ConfigInvalid, "config.Load", err)
	}

	d.applyDefaults()
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

func (d *Driver) applyDefaults() {
	if d.Interfaces == 0 {
		d.Interfaces = DefaultInterfaces
	}
	if d.EventWorkers == 0 {
		d.EventWorkers = DefaultEventWorkers
	}
	if d.BootUnits == 0 {
		d.BootUnits = DefaultBootUnits
	}
	if d.VPUInflight == 0 {
		d.VPUInflight = DefaultVPUInflight
	}
}

// Validate rejects configuration values package boundaries (dmapool,
// event.Dispatcher, vpu.CommandList) would otherwise fail on later, with a
// clearer error at startup instead of deep in device bring-up.
func (d *Driver) Validate() error {
	switch {
	case d.Interfaces <= 0:
		return mxerr.New(mxerr.ConfigInvalid, "config.Validate", fmt.Errorf("interfaces must be positive"))
	case d.EventWorkers <= 0:
		return mxerr.New(mxerr.ConfigInvalid, "config.Validate", fmt.Errorf("event_workers must be positive"))
	case d.BootUnits <= 0:
		return mxerr.New(mxerr.ConfigInvalid, "config.Validate", fmt.Errorf("boot_units must be positive"))
	case d.VPUInflight <= 0:
		return mxerr.New(mxerr.ConfigInvalid, "config.Validate", fmt.Errorf("vpu_inflight must be positive"))
	}
	return nil
}
