// Package models provides the model registry: the canonical mapping from
// client-supplied model strings to providers and model metadata.
package models

import (
	_ "embed"
	"encoding/json"
	"strings"
	"sync"

	. "github.com/smartrouter/smartrouter/internal/logging"
)

//go:embed models.json
var embeddedModels []byte

// Pricing is USD per 1M tokens.
type Pricing struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
}

// Entry describes one routable model.
type Entry struct {
	ID            string   `json:"id"`       // internal id, e.g. "gpt-4.1"
	Provider      string   `json:"provider"` // owning provider id
	Slug          string   `json:"slug"`     // public "provider/model" form
	ContextWindow int      `json:"context_window"`
	Capabilities  []string `json:"capabilities"`
	Pricing       *Pricing `json:"pricing,omitempty"`
	Free          bool     `json:"free,omitempty"`
}

// UpstreamID is the model identifier sent on the provider's wire.
// OpenRouter namespaces models, so its entries keep the slug form.
func (e *Entry) UpstreamID() string {
	if e.Provider == "openrouter" {
		return e.Slug
	}
	return e.ID
}

type modelsData struct {
	Models []Entry `json:"models"`
}

// Registry resolves model identifiers. Immutable after load.
type Registry struct {
	entries []Entry
	byID    map[string]*Entry
	bySlug  map[string]*Entry
}

var (
	instance *Registry
	once     sync.Once
)

// Get returns the singleton registry built from the embedded models.json.
func Get() *Registry {
	once.Do(func() {
		var err error
		instance, err = Load(embeddedModels)
		if err != nil {
			L_error("models: failed to parse embedded models.json", "error", err)
			instance = &Registry{byID: map[string]*Entry{}, bySlug: map[string]*Entry{}}
		}
	})
	return instance
}

// Load builds a registry from raw models.json bytes.
func Load(data []byte) (*Registry, error) {
	var md modelsData
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, err
	}

	r := &Registry{
		entries: md.Models,
		byID:    make(map[string]*Entry, len(md.Models)),
		bySlug:  make(map[string]*Entry, len(md.Models)),
	}
	for i := range r.entries {
		e := &r.entries[i]
		r.byID[e.ID] = e
		r.bySlug[e.Slug] = e
	}
	return r, nil
}

// Find resolves a client-supplied model string: exact internal id first,
// then public slug, then a "*/id" suffix match.
func (r *Registry) Find(id string) (*Entry, bool) {
	if e, ok := r.byID[id]; ok {
		return e, true
	}
	if e, ok := r.bySlug[id]; ok {
		return e, true
	}
	if i := strings.LastIndex(id, "/"); i >= 0 {
		if e, ok := r.byID[id[i+1:]]; ok {
			return e, true
		}
	}
	return nil, false
}

// ForProvider returns every entry owned by a provider.
func (r *Registry) ForProvider(providerID string) []Entry {
	var out []Entry
	for _, e := range r.entries {
		if e.Provider == providerID {
			out = append(out, e)
		}
	}
	return out
}

// All returns the process-wide model list.
func (r *Registry) All() []Entry {
	return r.entries
}
