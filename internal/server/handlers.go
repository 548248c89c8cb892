package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/smartrouter/smartrouter/internal/models"
)

// modelEntry is one row of GET /v1/models.
type modelEntry struct {
	ID            string          `json:"id"`
	Object        string          `json:"object"` // "model"
	Created       int64           `json:"created"`
	OwnedBy       string          `json:"owned_by"`
	Name          string          `json:"name,omitempty"`
	Capabilities  []string        `json:"capabilities,omitempty"`
	Free          bool            `json:"free,omitempty"`
	Pricing       *models.Pricing `json:"pricing,omitempty"`
	ContextWindow int             `json:"context_window,omitempty"`
}

// handleModels lists every model whose provider is currently available.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	avail := s.store.AvailableProviders()
	created := time.Now().Unix()

	data := make([]modelEntry, 0)
	for _, e := range s.models.All() {
		if !avail[e.Provider] {
			continue
		}
		data = append(data, modelEntry{
			ID:            e.Slug,
			Object:        "model",
			Created:       created,
			OwnedBy:       e.Provider,
			Name:          e.ID,
			Capabilities:  e.Capabilities,
			Free:          e.Free,
			Pricing:       e.Pricing,
			ContextWindow: e.ContextWindow,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"data":   data,
	})
}

// handleHealth reports liveness plus pool size.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"providers": len(s.store.AvailableProviders()),
		"profiles":  s.store.Count(),
	})
}

// handleAdminProfiles returns the full profile listing.
func (s *Server) handleAdminProfiles(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.store.ListAll())
}

// handleAdminClearCooldown re-enables a profile immediately.
func (s *Server) handleAdminClearCooldown(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}
	s.store.ClearCooldown(id)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"cleared": id})
}
