package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleYAML = `
development:
  slot_limit: 8
  labels:
    - "template:win10"
  db:
    dsn: "postgres://dev@localhost/dev"
  worker:
    idle_counter: 10

production:
  slot_limit: 40
  personalised: true
  vsphere:
    host: "vcenter.example.net"
    hosts_folder_name: "unit-hosts"
`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadSelectsSection(t *testing.T) {
	cfg, err := Load(writeSample(t), "development")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SlotLimit != 8 {
		t.Errorf("slot_limit = %d, want 8", cfg.SlotLimit)
	}
	if cfg.DB.DSN != "postgres://dev@localhost/dev" {
		t.Errorf("dsn = %q", cfg.DB.DSN)
	}
	if cfg.Worker.IdleCounter != 10 {
		t.Errorf("idle_counter = %d, want 10", cfg.Worker.IdleCounter)
	}
	// untouched defaults survive the merge
	if cfg.Worker.LoopIdleSleep != 1.5 {
		t.Errorf("loop_idle_sleep = %v, want default 1.5", cfg.Worker.LoopIdleSleep)
	}
	if cfg.VSphere.Retries.Deploy != 15 {
		t.Errorf("retries.deploy = %d, want default 15", cfg.VSphere.Retries.Deploy)
	}
	if cfg.HostSlotted() {
		t.Error("development must not be host-slotted")
	}
}

func TestLoadOtherSection(t *testing.T) {
	cfg, err := Load(writeSample(t), "production")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SlotLimit != 40 {
		t.Errorf("slot_limit = %d, want 40", cfg.SlotLimit)
	}
	if !cfg.Personalised {
		t.Error("personalised must be true")
	}
	if !cfg.HostSlotted() {
		t.Error("production must be host-slotted")
	}
	if cfg.VSphere.Port != 443 {
		t.Errorf("vsphere.port = %d, want default 443", cfg.VSphere.Port)
	}
}

func TestLoadUnknownSection(t *testing.T) {
	if _, err := Load(writeSample(t), "staging"); err == nil {
		t.Fatal("unknown section must error")
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SlotLimit != DefaultConfig().SlotLimit {
		t.Errorf("slot_limit = %d", cfg.SlotLimit)
	}
}

func TestDeepMerge(t *testing.T) {
	dst := map[string]any{
		"a": 1,
		"m": map[string]any{"x": 1, "y": 2},
		"l": []any{"one"},
	}
	src := map[string]any{
		"a": 2,
		"m": map[string]any{"y": 3, "z": 4},
		"l": []any{"two"},
		"n": "new",
	}
	out := deepMerge(dst, src)

	if out["a"] != 2 {
		t.Errorf("scalar not replaced: %v", out["a"])
	}
	m := out["m"].(map[string]any)
	if m["x"] != 1 || m["y"] != 3 || m["z"] != 4 {
		t.Errorf("map not merged: %v", m)
	}
	l := out["l"].([]any)
	if len(l) != 2 || l[0] != "one" || l[1] != "two" {
		t.Errorf("list not appended: %v", l)
	}
	if out["n"] != "new" {
		t.Errorf("new key not added: %v", out["n"])
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LMUNIT_PG_DSN", "postgres://env@db/unit")
	t.Setenv("LMUNIT_LOG_LEVEL", "debug")

	cfg, err := Load(writeSample(t), "development")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DB.DSN != "postgres://env@db/unit" {
		t.Errorf("dsn = %q, env override lost", cfg.DB.DSN)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q", cfg.Logging.Level)
	}
}
