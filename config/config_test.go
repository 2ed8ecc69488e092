package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "mxpcid.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaultsForOmittedFields(t *testing.T) {
	path := writeConfig(t, "interfaces: 8\n")

	d, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if d.Interfaces != 8 {
		t.Fatalf("interfaces = %d, want 8", d.Interfaces)
	}
	if d.EventWorkers != DefaultEventWorkers {
		t.Fatalf("event_workers = %d, want default %d", d.EventWorkers, DefaultEventWorkers)
	}
	if d.BootUnits != DefaultBootUnits {
		t.Fatalf("boot_units = %d, want default %d", d.BootUnits, DefaultBootUnits)
	}
	if d.VPUInflight != DefaultVPUInflight {
		t.Fatalf("vpu_inflight = %d, want default %d", d.VPUInflight, DefaultVPUInflight)
	}
}

func TestLoadDecodesResetBudgetDurations(t *testing.T) {
	path := writeConfig(t, "reset:\n  quiesce_wait: 50ms\n  link_retrain: 2s\n")

	d, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if d.Reset.QuiesceWait != 50*time.Millisecond {
		t.Fatalf("quiesce_wait = %v", d.Reset.QuiesceWait)
	}
	if d.Reset.LinkRetrain != 2*time.Second {
		t.Fatalf("link_retrain = %v", d.Reset.LinkRetrain)
	}
	if d.Reset.Revalidate != 0 {
		t.Fatalf("revalidate = %v, want zero (left to reset.Budgets' own default)", d.Reset.Revalidate)
	}

	budgets := d.Reset.ToBudgets()
	if budgets.QuiesceWait != 50*time.Millisecond {
		t.Fatalf("ToBudgets quiesce_wait = %v", budgets.QuiesceWait)
	}
}

func TestLoadRejectsNegativeInterfaces(t *testing.T) {
	path := writeConfig(t, "interfaces: -1\n")

	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to reject a negative interfaces count")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml")); err == nil {
		t.Fatal("expected Load to fail for a missing file")
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "interfaces: [this is not an int\n")

	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to fail on malformed YAML")
	}
}
