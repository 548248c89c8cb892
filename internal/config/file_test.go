package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestAtomicWriteJSONRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "doc.json")

	in := map[string]any{"version": float64(1), "name": "alpha"}
	if err := AtomicWriteJSON(path, in, 0600); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if data[len(data)-1] != '\n' {
		t.Error("document missing trailing newline")
	}

	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out["version"] != in["version"] || out["name"] != in["name"] {
		t.Errorf("round trip = %v, want %v", out, in)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("perm = %o, want 0600", perm)
	}
}

func TestAtomicWriteReplacesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	if err := AtomicWrite(path, []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := AtomicWrite(path, []byte("new"), 0644); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "new" {
		t.Errorf("content = %q, want %q", data, "new")
	}

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("dir has %d entries, want 1", len(entries))
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SMART_ROUTER_PORT", "9999")
	t.Setenv("SMART_ROUTER_AUTH_STORE", "/tmp/custom-auth.json")
	t.Setenv("SMART_ROUTER_ADMIN_PASSWORD", "pw")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 9999 {
		t.Errorf("port = %d, want 9999", cfg.Port)
	}
	if cfg.AuthStorePath != "/tmp/custom-auth.json" {
		t.Errorf("authStorePath = %q", cfg.AuthStorePath)
	}
	if cfg.AdminPassword != "pw" {
		t.Errorf("adminPassword = %q", cfg.AdminPassword)
	}
}
