// Package apikeys manages the router's own client keys ("sk-sr-..."),
// stored hashed on disk. Raw keys are shown once at creation.
package apikeys

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/smartrouter/smartrouter/internal/config"
	. "github.com/smartrouter/smartrouter/internal/logging"
)

// Prefix is the scheme marker on every router-issued key.
const Prefix = "sk-sr-"

// Key is one stored (hashed) API key.
type Key struct {
	Label     string `json:"label"`
	Prefix    string `json:"prefix"` // first 12 chars, for listings
	Hash      string `json:"hash"`   // hex SHA-256 of the raw key
	CreatedAt int64  `json:"createdAt"`
}

type document struct {
	Version int   `json:"version"`
	Keys    []Key `json:"keys"`
}

// Registry is the file-backed key store.
type Registry struct {
	mu   sync.Mutex
	path string
	doc  document
}

// NewRegistry loads the key store at path; a missing file is an empty store.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{path: path, doc: document{Version: 1}}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read api key store: %w", err)
	}
	if err := json.Unmarshal(data, &r.doc); err != nil {
		return nil, fmt.Errorf("failed to parse api key store: %w", err)
	}
	return r, nil
}

// Create mints a new key and returns the raw secret (shown exactly once).
func (r *Registry) Create(label string) (string, Key, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", Key{}, err
	}
	raw := Prefix + hex.EncodeToString(buf)

	sum := sha256.Sum256([]byte(raw))
	key := Key{
		Label:     label,
		Prefix:    raw[:12],
		Hash:      hex.EncodeToString(sum[:]),
		CreatedAt: time.Now().UnixMilli(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.doc.Keys = append(r.doc.Keys, key)
	if err := r.persist(); err != nil {
		return "", Key{}, err
	}
	L_info("apikeys: created", "label", label, "prefix", key.Prefix)
	return raw, key, nil
}

// Validate checks a raw bearer value against the stored hashes.
func (r *Registry) Validate(raw string) (Key, bool) {
	sum := sha256.Sum256([]byte(raw))
	hash := hex.EncodeToString(sum[:])

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.doc.Keys {
		if subtle.ConstantTimeCompare([]byte(k.Hash), []byte(hash)) == 1 {
			return k, true
		}
	}
	return Key{}, false
}

// List returns the stored keys sorted by creation time.
func (r *Registry) List() []Key {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Key, len(r.doc.Keys))
	copy(out, r.doc.Keys)
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt < out[b].CreatedAt })
	return out
}

// Revoke removes the key matching a display prefix or label.
func (r *Registry) Revoke(prefixOrLabel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, k := range r.doc.Keys {
		if k.Prefix == prefixOrLabel || k.Label == prefixOrLabel {
			r.doc.Keys = append(r.doc.Keys[:i], r.doc.Keys[i+1:]...)
			if err := r.persist(); err != nil {
				return false
			}
			L_info("apikeys: revoked", "prefix", k.Prefix)
			return true
		}
	}
	return false
}

// Count returns the number of stored keys.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.doc.Keys)
}

func (r *Registry) persist() error {
	return config.AtomicWriteJSON(r.path, &r.doc, 0600)
}
