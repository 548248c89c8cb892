package apikeys

import (
	"path/filepath"
	"strings"
	"testing"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(filepath.Join(t.TempDir(), "apikeys.json"))
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestCreateAndValidate(t *testing.T) {
	r := newTestRegistry(t)

	raw, key, err := r.Create("ci")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(raw, Prefix) {
		t.Errorf("raw key %q missing prefix", raw)
	}
	if key.Prefix != raw[:12] {
		t.Errorf("display prefix = %q", key.Prefix)
	}
	if strings.Contains(key.Hash, raw[len(Prefix):]) {
		t.Error("store must not contain the raw secret")
	}

	got, ok := r.Validate(raw)
	if !ok || got.Label != "ci" {
		t.Errorf("Validate = %+v, %v", got, ok)
	}
	if _, ok := r.Validate("sk-sr-wrong"); ok {
		t.Error("wrong key validated")
	}
}

func TestPersistenceAcrossReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "apikeys.json")

	r1, err := NewRegistry(path)
	if err != nil {
		t.Fatal(err)
	}
	raw, _, err := r1.Create("laptop")
	if err != nil {
		t.Fatal(err)
	}

	r2, err := NewRegistry(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := r2.Validate(raw); !ok {
		t.Error("key lost across reload")
	}
}

func TestRevoke(t *testing.T) {
	r := newTestRegistry(t)
	raw, key, err := r.Create("old")
	if err != nil {
		t.Fatal(err)
	}

	if !r.Revoke(key.Prefix) {
		t.Fatal("revoke by prefix failed")
	}
	if _, ok := r.Validate(raw); ok {
		t.Error("revoked key still validates")
	}
	if r.Revoke(key.Prefix) {
		t.Error("double revoke should fail")
	}
}

func TestRevokeByLabel(t *testing.T) {
	r := newTestRegistry(t)
	if _, _, err := r.Create("temp"); err != nil {
		t.Fatal(err)
	}
	if !r.Revoke("temp") {
		t.Error("revoke by label failed")
	}
	if r.Count() != 0 {
		t.Errorf("count = %d after revoke", r.Count())
	}
}
