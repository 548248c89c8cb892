package profiles

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/smartrouter/smartrouter/internal/config"
	. "github.com/smartrouter/smartrouter/internal/logging"
)

// document is the persisted store layout.
type document struct {
	Version    int                    `json:"version"`
	Profiles   map[string]Credential  `json:"profiles"`
	UsageStats map[string]*UsageStats `json:"usageStats"`
}

// Store is the single-writer profile store. Every mutating operation is
// read-modify-write-persist under one mutex; cross-process concurrency is
// not supported.
type Store struct {
	mu    sync.Mutex
	path  string
	hints map[string]ProviderHint
	doc   document
	now   func() time.Time
}

// NewStore loads (or initializes) the store document at path.
// hints maps provider ids to their API-key env var and rate limits.
func NewStore(path string, hints map[string]ProviderHint) (*Store, error) {
	s := &Store{
		path:  path,
		hints: hints,
		now:   time.Now,
		doc: document{
			Version:    1,
			Profiles:   make(map[string]Credential),
			UsageStats: make(map[string]*UsageStats),
		},
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil // missing file means empty store
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read auth store: %w", err)
	}
	if err := json.Unmarshal(data, &s.doc); err != nil {
		return nil, fmt.Errorf("failed to parse auth store: %w", err)
	}
	if s.doc.Profiles == nil {
		s.doc.Profiles = make(map[string]Credential)
	}
	if s.doc.UsageStats == nil {
		s.doc.UsageStats = make(map[string]*UsageStats)
	}

	L_debug("profiles: store loaded", "path", path, "profiles", len(s.doc.Profiles))
	return s, nil
}

// persist rewrites the full document. Caller holds s.mu.
// Credentials include refresh tokens, so the file is mode 0600.
func (s *Store) persist() {
	if err := config.AtomicWriteJSON(s.path, &s.doc, 0600); err != nil {
		L_error("profiles: persist failed", "path", s.path, "error", err)
	}
}

// Upsert writes a credential and resets its usage stats.
// The profile id is "<provider>:<label>"; the default label is the OAuth
// email when available, else "default".
func (s *Store) Upsert(provider string, cred Credential, label string) string {
	if label == "" {
		if cred.Kind == CredOAuth && cred.Email != "" {
			label = cred.Email
		} else {
			label = "default"
		}
	}
	id := provider + ":" + label
	cred.Provider = provider

	s.mu.Lock()
	defer s.mu.Unlock()

	s.doc.Profiles[id] = cred
	s.doc.UsageStats[id] = &UsageStats{State: StateActive}
	s.persist()

	L_info("profiles: upserted", "id", id, "kind", cred.Kind)
	return id
}

// Remove deletes a profile and its stats.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.doc.Profiles[id]; !ok {
		return false
	}
	delete(s.doc.Profiles, id)
	delete(s.doc.UsageStats, id)
	s.persist()

	L_info("profiles: removed", "id", id)
	return true
}

// Get returns the credential for an exact profile id.
func (s *Store) Get(id string) (Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.doc.Profiles[id]
	return cred, ok
}

// ListAll returns the display view of every profile, sorted by id.
func (s *Store) ListAll() []View {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UnixMilli()
	views := make([]View, 0, len(s.doc.Profiles))
	for id, cred := range s.doc.Profiles {
		stats := s.doc.UsageStats[id]
		if stats == nil {
			stats = &UsageStats{State: StateActive}
		}
		label := id
		if len(id) > len(cred.Provider)+1 {
			label = id[len(cred.Provider)+1:]
		}
		views = append(views, View{
			ID:             id,
			Provider:       cred.Provider,
			Label:          label,
			Kind:           cred.Kind,
			Email:          cred.Email,
			State:          stats.State,
			InCooldown:     now < stats.CooldownUntil || stats.State == StateDisabled,
			CooldownUntil:  stats.CooldownUntil,
			ErrorCount:     stats.ErrorCount,
			LastUsed:       stats.LastUsed,
			FailureReason:  stats.FailureReason,
			ModelCooldowns: stats.ModelCooldowns,
		})
	}
	sort.Slice(views, func(a, b int) bool { return views[a].ID < views[b].ID })
	return views
}

// AvailableProviders returns the union of providers with a stored profile
// and providers whose API-key environment variable is populated.
func (s *Store) AvailableProviders() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]bool)
	for _, cred := range s.doc.Profiles {
		out[cred.Provider] = true
	}
	for provider, hint := range s.hints {
		if hint.APIKeyEnv != "" && os.Getenv(hint.APIKeyEnv) != "" {
			out[provider] = true
		}
	}
	return out
}

// APIKeyForProvider returns the key from the provider's well-known
// environment variable, or "".
func (s *Store) APIKeyForProvider(provider string) string {
	hint, ok := s.hints[provider]
	if !ok || hint.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(hint.APIKeyEnv)
}

// eligible checks state, cooldowns and the rate-limit window. Caller holds s.mu.
func (s *Store) eligible(cred Credential, stats *UsageStats, modelID string, nowMs int64) bool {
	if stats.State == StateDisabled {
		return false
	}
	if nowMs < stats.CooldownUntil {
		return false
	}
	if modelID != "" {
		if until, ok := stats.ModelCooldowns[modelID]; ok && nowMs < until {
			return false
		}
	}
	if hint, ok := s.hints[cred.Provider]; ok && hint.RPM > 0 {
		windowFresh := nowMs-stats.RateLimit.WindowStart < rateWindow.Milliseconds()
		if windowFresh && stats.RateLimit.RequestCount >= hint.RPM {
			return false
		}
	}
	return true
}

// PickNext returns the least-recently-used eligible profile for a provider
// and optional model. Selection bumps lastUsed under the mutex so two
// concurrent requests get two different profiles when two are eligible.
func (s *Store) PickNext(provider, modelID string) (string, Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nowMs := s.now().UnixMilli()

	bestID := ""
	var bestCred Credential
	var bestLastUsed int64
	for id, cred := range s.doc.Profiles {
		if cred.Provider != provider {
			continue
		}
		stats := s.doc.UsageStats[id]
		if stats == nil {
			stats = &UsageStats{State: StateActive}
			s.doc.UsageStats[id] = stats
		}
		if !s.eligible(cred, stats, modelID, nowMs) {
			continue
		}
		if bestID == "" || stats.LastUsed < bestLastUsed {
			bestID = id
			bestCred = cred
			bestLastUsed = stats.LastUsed
		}
	}

	if bestID == "" {
		return "", Credential{}, false
	}

	s.doc.UsageStats[bestID].LastUsed = nowMs
	s.persist()
	return bestID, bestCred, true
}

// IncrementUsage advances the rolling RPM window and updates lastUsed.
func (s *Store) IncrementUsage(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.statsLocked(id)
	if stats == nil {
		return
	}

	nowMs := s.now().UnixMilli()
	if nowMs-stats.RateLimit.WindowStart >= rateWindow.Milliseconds() {
		stats.RateLimit.WindowStart = nowMs
		stats.RateLimit.RequestCount = 0
	}
	stats.RateLimit.RequestCount++
	stats.LastUsed = nowMs
	s.persist()
}

// MarkUsed records a successful use: clears cooldown, failure reason and
// error count, and restores ACTIVE state.
func (s *Store) MarkUsed(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.statsLocked(id)
	if stats == nil {
		return
	}

	stats.State = StateActive
	stats.ErrorCount = 0
	stats.CooldownUntil = 0
	stats.FailureReason = ""
	stats.LastUsed = s.now().UnixMilli()
	s.persist()
}

// MarkFailure records a failed attempt.
//
// A model-scoped failure (modelID set and the reason is rate_limit or
// model_not_found) cools down only that model: state, errorCount and
// cooldownUntil stay untouched so the profile keeps serving other models.
// Any other failure is profile-wide: errorCount grows, the profile enters
// COOLDOWN (or DISABLED for auth/billing) and cooldownUntil advances.
//
// cooldown overrides the default backoff when non-nil; an explicit zero is
// honored (immediate eligibility, but the failure still counts).
func (s *Store) MarkFailure(id string, reason FailureReason, cooldown *time.Duration, modelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.statsLocked(id)
	if stats == nil {
		return
	}

	cred := s.doc.Profiles[id]
	nowMs := s.now().UnixMilli()

	if modelID != "" && reason.ModelScoped() {
		cd := antigravityAware(cred.Provider, reason, cooldown, true, stats.ErrorCount)
		if stats.ModelCooldowns == nil {
			stats.ModelCooldowns = make(map[string]int64)
		}
		stats.ModelCooldowns[modelID] = nowMs + cd.Milliseconds()
		s.persist()
		L_warn("profiles: model cooldown",
			"id", id, "model", modelID, "reason", reason, "duration", cd)
		return
	}

	stats.ErrorCount++
	cd := antigravityAware(cred.Provider, reason, cooldown, false, stats.ErrorCount)
	stats.CooldownUntil = nowMs + cd.Milliseconds()
	stats.LastFailureAt = nowMs
	stats.FailureReason = reason
	if reason == FailAuth || reason == FailBilling {
		stats.State = StateDisabled
	} else {
		stats.State = StateCooldown
	}
	s.persist()

	L_warn("profiles: profile cooldown",
		"id", id, "reason", reason, "errorCount", stats.ErrorCount,
		"duration", cd, "state", stats.State)
}

// antigravityAware resolves the cooldown duration: explicit override wins,
// then the antigravity rate-limit special case, then the backoff table.
func antigravityAware(provider string, reason FailureReason, override *time.Duration, modelScoped bool, errorCount int) time.Duration {
	if override != nil {
		return *override
	}
	if provider == antigravityProvider && reason == FailRateLimit {
		if modelScoped {
			return antigravityModelCooldown
		}
		return antigravityProfileCool
	}
	return defaultCooldown(errorCount)
}

// ClearCooldown is the operator override: re-enables a profile immediately.
func (s *Store) ClearCooldown(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.statsLocked(id)
	if stats == nil {
		return
	}

	stats.State = StateActive
	stats.CooldownUntil = 0
	stats.ErrorCount = 0
	stats.FailureReason = ""
	stats.ModelCooldowns = nil
	s.persist()

	L_info("profiles: cooldown cleared", "id", id)
}

// CooldownRemaining returns how long until the profile (or profile-model)
// becomes eligible again. Zero if eligible now.
func (s *Store) CooldownRemaining(id, modelID string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.statsLocked(id)
	if stats == nil {
		return 0
	}

	nowMs := s.now().UnixMilli()
	until := stats.CooldownUntil
	if modelID != "" {
		if mu, ok := stats.ModelCooldowns[modelID]; ok && mu > until {
			until = mu
		}
	}
	if until <= nowMs {
		return 0
	}
	return time.Duration(until-nowMs) * time.Millisecond
}

// SweepExpiredModelCooldowns drops model cooldown entries that have lapsed.
// Run periodically so the document does not accrete stale keys.
func (s *Store) SweepExpiredModelCooldowns() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	nowMs := s.now().UnixMilli()
	removed := 0
	for _, stats := range s.doc.UsageStats {
		for model, until := range stats.ModelCooldowns {
			if until <= nowMs {
				delete(stats.ModelCooldowns, model)
				removed++
			}
		}
	}
	if removed > 0 {
		s.persist()
		L_debug("profiles: swept expired model cooldowns", "removed", removed)
	}
	return removed
}

// Count returns the number of stored profiles.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.doc.Profiles)
}

// statsLocked returns the stats for a stored profile id, creating the entry
// if the profile exists without stats. Caller holds s.mu.
func (s *Store) statsLocked(id string) *UsageStats {
	if _, ok := s.doc.Profiles[id]; !ok {
		return nil
	}
	stats := s.doc.UsageStats[id]
	if stats == nil {
		stats = &UsageStats{State: StateActive}
		s.doc.UsageStats[id] = stats
	}
	return stats
}
