package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/smartrouter/smartrouter/internal/config"
	"github.com/smartrouter/smartrouter/internal/models"
	"github.com/smartrouter/smartrouter/internal/profiles"
	"github.com/smartrouter/smartrouter/internal/router"
	"github.com/smartrouter/smartrouter/internal/scoring"
	"github.com/smartrouter/smartrouter/internal/stats"
)

func newTestServer(t *testing.T, adminPassword string) (*Server, *profiles.Store) {
	t.Helper()
	store, err := profiles.NewStore(filepath.Join(t.TempDir(), "auth.json"), map[string]profiles.ProviderHint{})
	if err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{Port: 0, AdminPassword: adminPassword}
	d := router.New(store, models.Get(), scoring.Default(), nil, stats.Noop{})
	return New(cfg, store, models.Get(), d), store
}

func TestHealth(t *testing.T) {
	srv, store := newTestServer(t, "")
	store.Upsert("openai", profiles.Credential{Kind: profiles.CredAPIKey, APIKey: "k"}, "a")

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Status    string `json:"status"`
		Providers int    `json:"providers"`
		Profiles  int    `json:"profiles"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || body.Providers != 1 || body.Profiles != 1 {
		t.Errorf("health = %+v", body)
	}
}

func TestModelsFilteredByAvailability(t *testing.T) {
	srv, store := newTestServer(t, "")
	store.Upsert("google", profiles.Credential{Kind: profiles.CredAPIKey, APIKey: "k"}, "a")

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Object string `json:"object"`
		Data   []struct {
			ID      string `json:"id"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Object != "list" || len(body.Data) == 0 {
		t.Fatalf("body = %s", w.Body.String())
	}
	for _, m := range body.Data {
		if m.OwnedBy != "google" {
			t.Errorf("model %s owned by %s, want only google", m.ID, m.OwnedBy)
		}
	}
}

func TestAdminRequiresPassword(t *testing.T) {
	srv, _ := newTestServer(t, "hunter2")

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/profiles", nil))
	if w.Code != http.StatusForbidden {
		t.Errorf("no password: status = %d, want 403", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/profiles", nil)
	req.Header.Set("X-Admin-Password", "hunter2")
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("with password: status = %d, want 200", w.Code)
	}
}

func TestAdminDisabledWithoutConfiguredPassword(t *testing.T) {
	srv, _ := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/admin/profiles", nil)
	req.Header.Set("X-Admin-Password", "anything")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestAdminClearCooldown(t *testing.T) {
	srv, store := newTestServer(t, "pw")
	id := store.Upsert("openai", profiles.Credential{Kind: profiles.CredAPIKey, APIKey: "k"}, "a")
	store.MarkFailure(id, profiles.FailAuth, nil, "")

	req := httptest.NewRequest(http.MethodPost, "/admin/profiles/clear?id="+id, nil)
	req.Header.Set("X-Admin-Password", "pw")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	for _, v := range store.ListAll() {
		if v.ID == id && v.State != profiles.StateActive {
			t.Errorf("state = %s after clear", v.State)
		}
	}
}
